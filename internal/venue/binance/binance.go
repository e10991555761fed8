// Package binance binds Binance spot to the vendor boundary: REST through
// go-binance, streams through a combined aggTrade/bookTicker/user-data feed.
package binance

import (
	"net/http"
	"strings"
	"time"

	"github.com/GarethWright/magic8bot/internal/domain"
	"github.com/GarethWright/magic8bot/internal/infra"
	"github.com/GarethWright/magic8bot/internal/venue"
	gbinance "github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
)

const (
	Name = "binance"

	DefaultWSURL = "wss://stream.binance.com:9443"

	// tradeWindow bounds an aggTrades query that only names one end.
	tradeWindow = time.Hour
)

// Info is the static exchange metadata. Fees are percentages.
func Info() domain.ExchangeInfo {
	return domain.ExchangeInfo{
		Name:              Name,
		HistoryScan:       domain.ScanForward,
		MakerFee:          decimal.RequireFromString("0.1"),
		TakerFee:          decimal.RequireFromString("0.1"),
		BackfillRateLimit: 100 * time.Millisecond,
		Cursor:            domain.CursorTimeMillis,
		RetryDelay:        time.Second,
	}
}

// New builds the binding. Without credentials the binding is public only.
func New(cfg infra.ExchangeConfig) (venue.Binding, error) {
	authed := cfg.Credentials.Configured()

	api := gbinance.NewClient(cfg.Credentials.Key, cfg.Credentials.Secret)
	api.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	if cfg.RestURL != "" {
		api.BaseURL = strings.TrimRight(cfg.RestURL, "/")
	}

	return venue.Binding{
		Info:          Info(),
		Client:        NewClient(api, authed),
		Stream:        NewStream(cfg.WSURL, api, authed),
		Authenticated: authed,
	}, nil
}

// symbol maps "BTC-USDT" to "BTCUSDT".
func symbol(productID string) string {
	return strings.ToUpper(strings.ReplaceAll(productID, "-", ""))
}
