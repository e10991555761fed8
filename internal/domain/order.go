package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a trade or order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderType distinguishes resting limit orders from immediate market orders.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// OrderStatus is the normalized lifecycle status seen by the engine.
type OrderStatus string

const (
	StatusOpen      OrderStatus = "open"
	StatusDone      OrderStatus = "done"
	StatusRejected  OrderStatus = "rejected"
	StatusCancelled OrderStatus = "cancelled"
)

// Done and reject reasons shared by every vendor binding.
const (
	DoneReasonFilled   = "filled"
	DoneReasonCanceled = "canceled"
	DoneReasonRejected = "rejected"

	RejectBalance  = "balance"
	RejectPostOnly = "post only"
)

// Order is a normalized exchange order.
// Records are mutated in place until they reach a terminal status.
type Order struct {
	ID           string          `json:"id"`
	ClientOID    string          `json:"client_oid,omitempty"`
	ProductID    string          `json:"product_id"`
	Side         Side            `json:"side"`
	Type         OrderType       `json:"type"`
	Price        decimal.Decimal `json:"price"`
	Size         decimal.Decimal `json:"size"`
	FilledSize   decimal.Decimal `json:"filled_size"`
	PostOnly     bool            `json:"post_only"`
	Status       OrderStatus     `json:"status"`
	RejectReason string          `json:"reject_reason,omitempty"`
	DoneReason   string          `json:"done_reason,omitempty"`
	Settled      bool            `json:"settled"`
	CreatedAt    time.Time       `json:"created_at"`
	DoneAt       time.Time       `json:"done_at,omitempty"`
}

// IsOpen checks if the order is still active.
func (o *Order) IsOpen() bool {
	return o.Status == StatusOpen
}

// IsTerminal reports whether the order can no longer transition.
func (o *Order) IsTerminal() bool {
	switch o.Status {
	case StatusDone, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

// Finish applies a terminal transition. A "canceled" reason on a post-only
// order is reported as a post-only rejection. Returns false if the order was
// already terminal.
func (o *Order) Finish(reason string, at time.Time) bool {
	if o.IsTerminal() {
		return false
	}

	switch {
	case reason == DoneReasonCanceled && o.PostOnly:
		o.Status = StatusRejected
		o.RejectReason = RejectPostOnly
	case reason == DoneReasonCanceled:
		o.Status = StatusCancelled
	case reason == DoneReasonRejected:
		o.Status = StatusRejected
	default:
		o.Status = StatusDone
	}

	o.DoneReason = reason
	o.DoneAt = at
	o.Settled = true
	return true
}

// MarkPostOnly records that o was placed post-only. A record already
// finished as a plain cancel is restated as a post-only rejection.
// Returns false if o was already marked.
func (o *Order) MarkPostOnly() bool {
	if o.PostOnly {
		return false
	}
	o.PostOnly = true
	if o.Status == StatusCancelled && o.DoneReason == DoneReasonCanceled {
		o.Status = StatusRejected
		o.RejectReason = RejectPostOnly
	}
	return true
}

// Rejected builds the synthetic result returned when placement is refused
// for a benign reason (balance, post only).
func Rejected(req OrderRequest, reason string) *Order {
	return &Order{
		ClientOID:    req.ClientOID,
		ProductID:    req.ProductID,
		Side:         req.Side,
		Type:         req.Type,
		Price:        req.Price,
		Size:         req.Size,
		PostOnly:     req.PostOnly,
		Status:       StatusRejected,
		RejectReason: reason,
		CreatedAt:    time.Now(),
	}
}

// OrderRequest is a normalized placement request handed to vendor bindings.
type OrderRequest struct {
	ClientOID   string
	ProductID   string
	Side        Side
	Type        OrderType
	Price       decimal.Decimal
	Size        decimal.Decimal
	Funds       decimal.Decimal
	PostOnly    bool
	CancelAfter string
	TimeInForce string
}
