// Package coinbase binds the Coinbase Exchange (formerly GDAX) REST API and
// ws-feed to the vendor boundary.
package coinbase

import (
	"time"

	"github.com/GarethWright/magic8bot/internal/domain"
	"github.com/GarethWright/magic8bot/internal/infra"
	"github.com/GarethWright/magic8bot/internal/venue"
	"github.com/shopspring/decimal"
)

const (
	Name = "coinbase"

	DefaultRestURL = "https://api.exchange.coinbase.com"
	DefaultWSURL   = "wss://ws-feed.exchange.coinbase.com"
)

// Info is the static exchange metadata. Fees are percentages.
func Info() domain.ExchangeInfo {
	return domain.ExchangeInfo{
		Name:              Name,
		HistoryScan:       domain.ScanBackward,
		MakerFee:          decimal.Zero,
		TakerFee:          decimal.RequireFromString("0.3"),
		BackfillRateLimit: 335 * time.Millisecond,
		Cursor:            domain.CursorTradeID,
		RetryDelay:        10 * time.Second,
	}
}

// New builds the binding. Without credentials the binding is public only.
func New(cfg infra.ExchangeConfig) (venue.Binding, error) {
	var signer *Signer
	authed := cfg.Credentials.Configured()
	if authed {
		s, err := NewSigner(cfg.Credentials.Key, cfg.Credentials.Secret, cfg.Credentials.Passphrase)
		if err != nil {
			return venue.Binding{}, &domain.ConfigurationError{Exchange: cfg.Name, Field: "credentials.secret", Reason: err.Error()}
		}
		signer = s
	}

	return venue.Binding{
		Info:          Info(),
		Client:        NewClient(cfg.RestURL, signer),
		Stream:        NewStream(cfg.WSURL, signer),
		Authenticated: authed,
	}, nil
}
