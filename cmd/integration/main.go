package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/GarethWright/magic8bot/internal/adapter"
	"github.com/GarethWright/magic8bot/internal/app"
	"github.com/GarethWright/magic8bot/internal/domain"
	"github.com/GarethWright/magic8bot/internal/infra"
	"github.com/shopspring/decimal"
)

// Places a post-only buy far below the market, reads it back and cancels
// it. Needs real credentials for the chosen exchange.
func main() {
	exchange := flag.String("exchange", "coinbase", "exchange name from the config")
	product := flag.String("product", "BTC-USD", "product to trade")
	secretPath := flag.String("secrets", "secrets/demo.yaml", "credentials yaml")
	size := flag.String("size", "0.001", "order size")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
	slog.Info("Starting integration test", "exchange", *exchange, "product", *product)

	secrets, err := infra.LoadSecretConfig(*secretPath)
	if err != nil {
		slog.Error("Failed to load secrets", "error", err)
		os.Exit(1)
	}

	cfg := &infra.Config{Exchanges: []infra.ExchangeConfig{{Name: *exchange, Products: []string{*product}}}}
	secrets.Apply(cfg)
	ec := cfg.Exchanges[0]

	binding, opts, err := app.NewBinding(app.ModeLive, ec, nil)
	if err != nil {
		slog.Error("Failed to build binding", "error", err)
		os.Exit(1)
	}
	a := adapter.New(binding, adapter.ConfigFrom(ec), append(opts, adapter.WithoutFeeds())...)
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	q, err := a.GetQuote(ctx, domain.QuoteOpts{ProductID: *product})
	if err != nil {
		fail("GetQuote", err)
	}
	slog.Info("STEP 1: Quote", "bid", q.Bid, "ask", q.Ask)

	// a tenth of the bid never fills
	price := q.Bid.Div(decimal.NewFromInt(10)).Round(2)
	order, err := a.Buy(ctx, domain.OrderOpts{
		ProductID: *product,
		Price:     price,
		Size:      decimal.RequireFromString(*size),
	})
	if err != nil {
		fail("Buy", err)
	}
	if order.Status == domain.StatusRejected {
		slog.Error("Order rejected", "reason", order.RejectReason)
		os.Exit(1)
	}
	slog.Info("STEP 2: Order placed", "id", order.ID, "price", price, "status", order.Status)

	time.Sleep(2 * time.Second)

	if err := a.CancelOrder(ctx, domain.CancelOpts{ProductID: *product, OrderID: order.ID}); err != nil {
		fail("CancelOrder", err)
	}
	slog.Info("STEP 3: Order canceled", "id", order.ID)

	got, err := a.GetOrder(ctx, domain.GetOrderOpts{ProductID: *product, OrderID: order.ID})
	if err != nil {
		fail("GetOrder", err)
	}
	slog.Info("STEP 4: Final state", "status", got.Status, "done_reason", got.DoneReason)
	slog.Info("Integration test passed")
}

func fail(step string, err error) {
	slog.Error(step+" failed", "error", err)
	os.Exit(1)
}
