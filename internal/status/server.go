// Package status serves the operator endpoint: liveness, exchange metadata
// and per-product feed health.
package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/GarethWright/magic8bot/internal/domain"
	"github.com/GarethWright/magic8bot/internal/feed"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	ServiceName        = "magic8bot"
	RequestIDHeaderKey = "X-Request-ID"
)

// Source is one adapter as seen by operators.
type Source interface {
	Info() domain.ExchangeInfo
	FeedStats() []feed.Stats
}

// JournalReader exposes persisted order history and cursor checkpoints.
type JournalReader interface {
	Orders(ctx context.Context, exchange, productID string) ([]domain.Order, error)
	Cursor(ctx context.Context, exchange, productID string) (int64, error)
}

type Server struct {
	sources []Source
	journal JournalReader
	started time.Time
	http    *http.Server
}

// NewServer builds the operator endpoint. journal may be nil.
func NewServer(addr string, journal JournalReader, sources ...Source) *Server {
	s := &Server{sources: sources, journal: journal, started: time.Now()}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Routes builds the gin engine.
func (s *Server) Routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(requestID())
	router.Use(gin.Recovery())

	router.GET("/healthz", s.health)
	router.GET("/v1/exchanges", s.exchanges)
	router.GET("/v1/feeds", s.feeds)
	router.GET("/v1/journal/:exchange/:product", s.journalEntries)
	return router
}

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Status server listening", slog.String("addr", s.http.Addr))
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("status server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

func (s *Server) allFeeds() []feed.Stats {
	var out []feed.Stats
	for _, src := range s.sources {
		out = append(out, src.FeedStats()...)
	}
	return out
}

// health reports DEGRADED while any feed is not open. Adapters still serve
// REST fallbacks then, so the endpoint stays 200.
func (s *Server) health(c *gin.Context) {
	state := "OK"
	down := 0
	for _, st := range s.allFeeds() {
		if st.State != feed.StateOpen.String() {
			down++
		}
	}
	if down > 0 {
		state = "DEGRADED"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":     state,
		"service":    ServiceName,
		"feeds_down": down,
		"uptime":     time.Since(s.started).Truncate(time.Second).String(),
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) exchanges(c *gin.Context) {
	out := make([]domain.ExchangeInfo, 0, len(s.sources))
	for _, src := range s.sources {
		out = append(out, src.Info())
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) feeds(c *gin.Context) {
	exchange := c.Query("exchange")

	out := make([]feed.Stats, 0)
	for _, st := range s.allFeeds() {
		if exchange == "" || st.Exchange == exchange {
			out = append(out, st)
		}
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) journalEntries(c *gin.Context) {
	if s.journal == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "journal disabled"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	exchange, product := c.Param("exchange"), c.Param("product")
	orders, err := s.journal.Orders(ctx, exchange, product)
	if err == nil {
		var cursor int64
		if cursor, err = s.journal.Cursor(ctx, exchange, product); err == nil {
			c.JSON(http.StatusOK, gin.H{"cursor": cursor, "orders": orders})
			return
		}
	}

	slog.Error("Journal read failed",
		slog.String("exchange", exchange),
		slog.String("product", product),
		slog.Any("error", err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "journal read failed"})
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeaderKey)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(RequestIDHeaderKey, id)
		c.Next()
	}
}
