package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Ticker is the latest top-of-book snapshot for a product.
// Either side may be unknown.
type Ticker struct {
	Bid  decimal.NullDecimal `json:"bid"`
	Ask  decimal.NullDecimal `json:"ask"`
	Time time.Time           `json:"time"`
}

// Complete reports whether both sides are known.
func (t Ticker) Complete() bool {
	return t.Bid.Valid && t.Ask.Valid
}

// Merge overlays the known sides of next onto t.
func (t Ticker) Merge(next Ticker) Ticker {
	if next.Bid.Valid {
		t.Bid = next.Bid
	}
	if next.Ask.Valid {
		t.Ask = next.Ask
	}
	if !next.Time.IsZero() {
		t.Time = next.Time
	}
	return t
}

// Quote is the result of a quote request.
type Quote struct {
	Bid decimal.Decimal `json:"bid"`
	Ask decimal.Decimal `json:"ask"`
}

// Trade is an executed public trade. Immutable once observed.
type Trade struct {
	ID    int64           `json:"trade_id"`
	Time  time.Time       `json:"time"`
	Size  decimal.Decimal `json:"size"`
	Price decimal.Decimal `json:"price"`
	Side  Side            `json:"side"`
}
