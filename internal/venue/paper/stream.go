package paper

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/GarethWright/magic8bot/internal/domain"
	"github.com/GarethWright/magic8bot/internal/event"
	"github.com/GarethWright/magic8bot/internal/feed"
	"github.com/GarethWright/magic8bot/internal/infra"
	"github.com/GarethWright/magic8bot/internal/venue"
	"github.com/shopspring/decimal"
)

const (
	scheme = "paper://"
	userID = "paper"
)

var _ venue.Stream = (*Exchange)(nil)

// frame is the paper wire format.
type frame struct {
	Type      string              `json:"type"`
	Trade     *domain.Trade       `json:"trade,omitempty"`
	Bid       decimal.NullDecimal `json:"bid"`
	Ask       decimal.NullDecimal `json:"ask"`
	OrderID   string              `json:"order_id,omitempty"`
	ClientOID string              `json:"client_oid,omitempty"`
	PostOnly  bool                `json:"post_only,omitempty"`
	Side      domain.Side         `json:"side,omitempty"`
	Price     decimal.NullDecimal `json:"price"`
	Size      decimal.NullDecimal `json:"size"`
	Reason    string              `json:"reason,omitempty"`
	Time      time.Time           `json:"time"`
	Message   string              `json:"message,omitempty"`
}

func orderFrame(kind string, o *domain.Order, size decimal.Decimal, reason string) frame {
	return frame{
		Type:      kind,
		OrderID:   o.ID,
		ClientOID: o.ClientOID,
		PostOnly:  o.PostOnly,
		Side:      o.Side,
		Price:     decimal.NewNullDecimal(o.Price),
		Size:      decimal.NewNullDecimal(size),
		Reason:    reason,
		Time:      time.Now().UTC(),
	}
}

type subscriber struct {
	ex      *Exchange
	ctx     context.Context
	product string
	session uint64
	events  chan<- infra.ConnEvent
	once    sync.Once
}

func (s *subscriber) send(ev infra.ConnEvent) {
	ev.Session = s.session
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// Close unsubscribes and reports a single ConnClose.
func (s *subscriber) Close() {
	s.once.Do(func() {
		s.ex.mu.Lock()
		delete(s.ex.subs, s)
		s.ex.mu.Unlock()
		go s.send(infra.ConnEvent{Kind: infra.ConnClose})
	})
}

func (p *Exchange) Prepare(ctx context.Context, productID string, authed bool) (infra.WSConfig, error) {
	return infra.WSConfig{URL: scheme + productID}, nil
}

// Dial is a feed.Dialer that subscribes to the simulated stream.
func (p *Exchange) Dial(ctx context.Context, id string, session uint64, cfg infra.WSConfig, events chan<- infra.ConnEvent) (feed.Conn, error) {
	productID, ok := strings.CutPrefix(cfg.URL, scheme)
	if !ok {
		return nil, fmt.Errorf("dial %s: not a paper stream", cfg.URL)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin("dial"); err != nil {
		return nil, err
	}

	s := &subscriber{ex: p, ctx: ctx, product: productID, session: session, events: events}
	p.subs[s] = struct{}{}
	return s, nil
}

// Drop fails every live session of productID as a broken transport would:
// an error followed by a close.
func (p *Exchange) Drop(productID string) {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()

	p.mu.Lock()
	subs := p.subscribers(productID)
	p.mu.Unlock()

	for _, s := range subs {
		s.send(infra.ConnEvent{Kind: infra.ConnError, Err: ErrDropped})
		s.Close()
	}
}

// Fault publishes a vendor error frame to productID's sessions.
func (p *Exchange) Fault(productID, message string) {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()

	p.mu.Lock()
	subs := p.subscribers(productID)
	p.mu.Unlock()
	deliver(subs, []frame{{Type: "error", Message: message}})
}

// subscribers runs under p.mu.
func (p *Exchange) subscribers(productID string) []*subscriber {
	var out []*subscriber
	for s := range p.subs {
		if s.product == productID {
			out = append(out, s)
		}
	}
	return out
}

func deliver(subs []*subscriber, frames []frame) {
	if len(subs) == 0 {
		return
	}
	for _, f := range frames {
		data, err := json.Marshal(f)
		if err != nil {
			continue
		}
		for _, s := range subs {
			s.send(infra.ConnEvent{Kind: infra.ConnMessage, Data: data})
		}
	}
}

func (p *Exchange) Classify(productID string, raw []byte) ([]event.Event, error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, &domain.ProtocolError{Op: "classify", Err: err}
	}

	switch f.Type {
	case "error":
		return nil, fmt.Errorf("%w: %s", domain.ErrStreamFault, f.Message)
	case "trade":
		if f.Trade == nil {
			return nil, &domain.ProtocolError{Op: "trade", Err: fmt.Errorf("missing trade")}
		}
		return []event.Event{&event.TradeEvent{ProductID: productID, Trade: *f.Trade}}, nil
	case "ticker":
		return []event.Event{&event.TickerEvent{ProductID: productID, Ticker: domain.Ticker{Bid: f.Bid, Ask: f.Ask, Time: f.Time}}}, nil
	}

	var kind event.Type
	switch f.Type {
	case "open":
		kind = event.EvOrderOpen
	case "match":
		kind = event.EvOrderMatch
	case "done":
		kind = event.EvOrderDone
	default:
		return nil, nil
	}
	return []event.Event{&event.OrderEvent{
		Kind:      kind,
		ProductID: productID,
		UserID:    userID,
		OrderID:   f.OrderID,
		ClientOID: f.ClientOID,
		PostOnly:  f.PostOnly,
		Side:      f.Side,
		Price:     f.Price,
		Size:      f.Size,
		Reason:    f.Reason,
		Time:      f.Time,
	}}, nil
}
