package event

import (
	"time"

	"github.com/GarethWright/magic8bot/internal/domain"
	"github.com/GarethWright/magic8bot/pkg/quant"
	"github.com/shopspring/decimal"
)

// Type defines the type of event.
type Type uint16

const (
	EvTrade Type = iota + 1
	EvTicker
	EvOrderOpen
	EvOrderChange
	EvOrderMatch
	EvOrderDone
)

func (t Type) String() string {
	switch t {
	case EvTrade:
		return "trade"
	case EvTicker:
		return "ticker"
	case EvOrderOpen:
		return "open"
	case EvOrderChange:
		return "change"
	case EvOrderMatch:
		return "match"
	case EvOrderDone:
		return "done"
	default:
		return "unknown"
	}
}

// Event is a canonical feed message produced by a vendor stream classifier.
type Event interface {
	GetSeq() uint64
	GetTs() quant.TimeStamp
	GetType() Type
	Stamp(seq uint64, ts quant.TimeStamp)
}

// BaseEvent contains common fields for all events.
type BaseEvent struct {
	Seq uint64          `json:"seq"`
	Ts  quant.TimeStamp `json:"ts"`
}

func (e BaseEvent) GetSeq() uint64         { return e.Seq }
func (e BaseEvent) GetTs() quant.TimeStamp { return e.Ts }

// Stamp records arrival order. Called by the feed manager only.
func (e *BaseEvent) Stamp(seq uint64, ts quant.TimeStamp) {
	e.Seq = seq
	e.Ts = ts
}

// TradeEvent is a public trade print.
type TradeEvent struct {
	BaseEvent
	ProductID string       `json:"product_id"`
	Trade     domain.Trade `json:"trade"`
}

func (e *TradeEvent) GetType() Type { return EvTrade }

// TickerEvent carries a (possibly partial) top-of-book update.
type TickerEvent struct {
	BaseEvent
	ProductID string        `json:"product_id"`
	Ticker    domain.Ticker `json:"ticker"`
}

func (e *TickerEvent) GetType() Type { return EvTicker }

// OrderEvent is an order-channel message. Kind is one of EvOrderOpen,
// EvOrderChange, EvOrderMatch or EvOrderDone.
type OrderEvent struct {
	BaseEvent
	Kind         Type                `json:"kind"`
	ProductID    string              `json:"product_id"`
	UserID       string              `json:"user_id,omitempty"`
	OrderID      string              `json:"order_id,omitempty"`
	ClientOID    string              `json:"client_oid,omitempty"`
	PostOnly     bool                `json:"post_only,omitempty"`
	MakerOrderID string              `json:"maker_order_id,omitempty"`
	TakerOrderID string              `json:"taker_order_id,omitempty"`
	Side         domain.Side         `json:"side"`
	Price        decimal.NullDecimal `json:"price"`
	Size         decimal.NullDecimal `json:"size"` // remaining on open/change, fill size on match
	Reason       string              `json:"reason,omitempty"`
	Time         time.Time           `json:"time"`
}

func (e *OrderEvent) GetType() Type { return e.Kind }

// Authenticated reports whether the message came from the user's private channel.
func (e *OrderEvent) Authenticated() bool { return e.UserID != "" }
