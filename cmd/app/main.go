package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/GarethWright/magic8bot/internal/app"
	"github.com/GarethWright/magic8bot/internal/status"

	_ "net/http/pprof" // For pprof profiling
)

func main() {
	// Localhost only
	go func() {
		slog.Info("Pprof server started on localhost:6060")
		if err := http.ListenAndServe("localhost:6060", nil); err != nil {
			slog.Error("Pprof server failed", slog.Any("error", err))
		}
	}()

	bootstrap := app.NewBootstrap()
	if err := bootstrap.Initialize(); err != nil {
		slog.Error("Bootstrapping failed", slog.Any("error", err))
		os.Exit(1)
	}
	bootstrap.PrintBanner()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := bootstrap.StartAdapters(ctx); err != nil {
		slog.Error("Failed to start adapters", slog.Any("error", err))
		bootstrap.Shutdown()
		os.Exit(1)
	}

	addr := bootstrap.Config.Status.Addr
	if addr == "" {
		addr = "127.0.0.1:8088"
	}
	sources := make([]status.Source, 0, len(bootstrap.Adapters))
	for _, a := range bootstrap.Adapters {
		sources = append(sources, a)
	}
	srv := status.NewServer(addr, bootstrap.Journal, sources...)

	slog.InfoContext(ctx, "Adapters operational. Press Ctrl+C to exit.", slog.String("status", addr))
	if err := srv.Run(ctx); err != nil {
		slog.Error("Status server failed", slog.Any("error", err))
		stop()
	}
	<-ctx.Done()

	slog.Info("Shutting down gracefully...")
	if err := bootstrap.Shutdown(); err != nil {
		slog.Error("Shutdown incomplete", slog.Any("error", err))
	}
}
