package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// HistoryScan is the direction an exchange paginates its trade history.
type HistoryScan string

const (
	ScanForward  HistoryScan = "forward"
	ScanBackward HistoryScan = "backward"
)

// CursorKind selects the trade attribute used as a pagination cursor.
type CursorKind string

const (
	CursorTradeID     CursorKind = "trade_id"
	CursorTimeMillis  CursorKind = "time_ms"
	CursorTimeSeconds CursorKind = "time_s"
)

// Of returns the cursor scalar for t.
func (k CursorKind) Of(t Trade) int64 {
	switch k {
	case CursorTimeMillis:
		return t.Time.UnixMilli()
	case CursorTimeSeconds:
		return t.Time.Unix()
	default:
		return t.ID
	}
}

// ExchangeInfo is the static metadata exposed alongside every adapter.
type ExchangeInfo struct {
	Name              string          `json:"name"`
	HistoryScan       HistoryScan     `json:"history_scan"`
	MakerFee          decimal.Decimal `json:"maker_fee"`
	TakerFee          decimal.Decimal `json:"taker_fee"`
	BackfillRateLimit time.Duration   `json:"backfill_rate_limit"`
	Cursor            CursorKind      `json:"cursor"`
	RetryDelay        time.Duration   `json:"retry_delay"`
}

// Liquidity says whether an order should rest on the book or take.
type Liquidity string

const (
	LiquidityMaker Liquidity = "maker"
	LiquidityTaker Liquidity = "taker"
)

// TradesOpts bounds a trade history query. Zero cursors are unset.
type TradesOpts struct {
	ProductID string
	From      int64
	To        int64
}

type QuoteOpts struct {
	ProductID string
}

type BalanceOpts struct {
	Asset    string
	Currency string
}

// OrderOpts describes a buy or sell. PostOnly defaults to true when nil.
type OrderOpts struct {
	ProductID   string
	Price       decimal.Decimal
	Size        decimal.Decimal
	Liquidity   Liquidity
	PostOnly    *bool
	CancelAfter string
}

type CancelOpts struct {
	ProductID string
	OrderID   string
}

type GetOrderOpts struct {
	ProductID string
	OrderID   string
}

// Exchange is the single contract the trading engine consumes.
// Every operation returns exactly once; a non-nil error is unrecoverable
// after retry policy has been applied.
type Exchange interface {
	Info() ExchangeInfo
	GetProducts(ctx context.Context) ([]Product, error)
	GetTrades(ctx context.Context, opts TradesOpts) ([]Trade, error)
	GetBalance(ctx context.Context, opts BalanceOpts) (Balance, error)
	GetQuote(ctx context.Context, opts QuoteOpts) (Quote, error)
	CancelOrder(ctx context.Context, opts CancelOpts) error
	Buy(ctx context.Context, opts OrderOpts) (*Order, error)
	Sell(ctx context.Context, opts OrderOpts) (*Order, error)
	GetOrder(ctx context.Context, opts GetOrderOpts) (*Order, error)
	GetCursor(t Trade) int64

	// Close stops feeds and wipes credentials.
	Close() error
}
