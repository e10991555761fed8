// Package orders applies order-channel events to cached order records.
package orders

import (
	"log/slog"

	"github.com/GarethWright/magic8bot/internal/cache"
	"github.com/GarethWright/magic8bot/internal/domain"
	"github.com/GarethWright/magic8bot/internal/event"
	"github.com/shopspring/decimal"
)

// Tracker drives the per-order state machine
//
//	open -> {done, rejected, cancelled}
//
// for one product cache. Apply must be fed from a single goroutine in
// stream arrival order; Placed may run concurrently with it.
type Tracker struct {
	cache *cache.ProductCache

	// OnTerminal, if set, receives a copy of every order that finishes.
	OnTerminal func(domain.Order)

	// Pending, if set, returns the in-flight placement for a client order
	// id. The stream can open an order before the placement reply arrives.
	Pending func(clientOID string) (domain.OrderRequest, bool)
}

// NewTracker binds a tracker to a product cache.
func NewTracker(c *cache.ProductCache) *Tracker {
	return &Tracker{cache: c}
}

// Apply mutates the cached order addressed by ev. Unknown ids are ignored.
// Returns true if a record changed.
func (t *Tracker) Apply(ev *event.OrderEvent) bool {
	switch ev.Kind {
	case event.EvOrderOpen:
		return t.open(ev)
	case event.EvOrderChange:
		return t.change(ev)
	case event.EvOrderMatch:
		return t.match(ev)
	case event.EvOrderDone:
		return t.done(ev)
	default:
		slog.Debug("Ignoring order event", "kind", ev.Kind, "order_id", ev.OrderID)
		return false
	}
}

func (t *Tracker) open(ev *event.OrderEvent) bool {
	if ev.OrderID == "" {
		return false
	}

	seeded := domain.Order{
		ID:         ev.OrderID,
		ClientOID:  ev.ClientOID,
		ProductID:  ev.ProductID,
		Side:       ev.Side,
		Type:       domain.OrderTypeLimit,
		Price:      ev.Price.Decimal,
		Size:       ev.Size.Decimal,
		FilledSize: decimal.Zero,
		Status:     domain.StatusOpen,
		PostOnly:   ev.PostOnly,
		CreatedAt:  ev.Time,
	}
	if req, ok := t.pending(ev.ClientOID); ok && req.PostOnly {
		seeded.PostOnly = true
	}

	// an order placed through the adapter is already cached; keep what only
	// the placement knew
	changed := false
	known := t.cache.UpdateOrder(ev.OrderID, func(o *domain.Order) {
		if o.IsTerminal() {
			return
		}
		if o.ClientOID != "" {
			seeded.ClientOID = o.ClientOID
		}
		seeded.PostOnly = seeded.PostOnly || o.PostOnly
		if !o.CreatedAt.IsZero() {
			seeded.CreatedAt = o.CreatedAt
		}
		*o = seeded
		changed = true
	})
	if !known {
		t.cache.UpsertOrder(seeded)
		changed = true
	}
	return changed
}

func (t *Tracker) change(ev *event.OrderEvent) bool {
	if !ev.Size.Valid {
		return false
	}
	changed := false
	t.cache.UpdateOrder(ev.OrderID, func(o *domain.Order) {
		if o.IsTerminal() {
			return
		}
		o.Size = ev.Size.Decimal
		changed = true
	})
	return changed
}

func (t *Tracker) match(ev *event.OrderEvent) bool {
	changed := false
	apply := func(o *domain.Order) {
		if o.IsTerminal() {
			return
		}
		changed = true
		if ev.Size.Valid {
			o.FilledSize = o.FilledSize.Add(ev.Size.Decimal)
		}
		if ev.Price.Valid {
			o.Price = ev.Price.Decimal
		}
	}

	for _, id := range []string{ev.OrderID, ev.MakerOrderID, ev.TakerOrderID} {
		if id != "" && t.cache.UpdateOrder(id, apply) {
			return changed
		}
	}
	return false
}

func (t *Tracker) done(ev *event.OrderEvent) bool {
	var finished *domain.Order
	t.cache.UpdateOrder(ev.OrderID, func(o *domain.Order) {
		if o.Finish(ev.Reason, ev.Time) {
			cp := *o
			finished = &cp
		}
	})
	if finished == nil {
		return false
	}

	slog.Debug("Order finished",
		slog.String("order_id", finished.ID),
		slog.String("status", string(finished.Status)),
		slog.String("reason", finished.DoneReason))

	if t.OnTerminal != nil {
		t.OnTerminal(*finished)
	}
	return true
}

func (t *Tracker) pending(clientOID string) (domain.OrderRequest, bool) {
	if t.Pending == nil || clientOID == "" {
		return domain.OrderRequest{}, false
	}
	return t.Pending(clientOID)
}

// Placed merges a placement reply into the cached record and returns the
// result. Whatever the stream already applied is kept; the reply only adds
// what the stream cannot know, and a terminal reply finishes a record the
// stream still shows open.
func (t *Tracker) Placed(placed domain.Order) domain.Order {
	merged := placed
	known := t.cache.UpdateOrder(placed.ID, func(o *domain.Order) {
		seen := *o
		if placed.IsTerminal() && !o.IsTerminal() {
			*o = placed
			o.FilledSize = decimal.Max(seen.FilledSize, placed.FilledSize)
		}
		if o.ClientOID == "" {
			o.ClientOID = placed.ClientOID
		}
		if o.CreatedAt.IsZero() {
			o.CreatedAt = placed.CreatedAt
		}
		if placed.PostOnly || seen.PostOnly {
			o.MarkPostOnly()
		}
		merged = *o
	})
	if !known {
		t.cache.UpsertOrder(placed)
	}
	return merged
}
