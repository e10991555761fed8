package coinbase

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/GarethWright/magic8bot/internal/domain"
	"github.com/GarethWright/magic8bot/internal/event"
	"github.com/GarethWright/magic8bot/internal/infra"
	"github.com/GarethWright/magic8bot/internal/venue"
	"github.com/GarethWright/magic8bot/pkg/quant"
)

// Stream builds ws-feed sessions and classifies their frames.
type Stream struct {
	url    string
	signer *Signer

	// client order ids seen on "received", attached to the later "open"
	mu      sync.Mutex
	clients map[string]string
}

// NewStream creates a feed stream. The user channel needs a signer.
func NewStream(wsURL string, signer *Signer) *Stream {
	if wsURL == "" {
		wsURL = DefaultWSURL
	}
	return &Stream{url: wsURL, signer: signer, clients: make(map[string]string)}
}

var _ venue.Stream = (*Stream)(nil)

func (s *Stream) Prepare(ctx context.Context, productID string, authed bool) (infra.WSConfig, error) {
	req := subscribeRequest{
		Type:       "subscribe",
		ProductIDs: []string{productID},
		Channels:   []string{"heartbeat", "matches", "ticker"},
	}

	// user channel messages carry user_id and drive the order tracker
	if authed && s.signer != nil {
		ts := s.signer.Timestamp()
		req.Channels = append(req.Channels, "user")
		req.Signature = s.signer.Sign(ts, "GET", "/users/self/verify", "")
		req.Key = string(s.signer.key)
		req.Passphrase = string(s.signer.passphrase)
		req.Timestamp = ts
	}

	frame, err := json.Marshal(req)
	if err != nil {
		return infra.WSConfig{}, err
	}
	return infra.WSConfig{
		URL:          s.url,
		Subscribe:    [][]byte{frame},
		PingInterval: 30 * time.Second,
		ReadTimeout:  30 * time.Second,
	}, nil
}

func (s *Stream) Classify(productID string, raw []byte) ([]event.Event, error) {
	var m streamMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, &domain.ProtocolError{Op: "classify", Err: err}
	}
	if m.ProductID == "" {
		m.ProductID = productID
	}

	switch m.Type {
	case "error":
		return nil, fmt.Errorf("%w: %s %s", domain.ErrStreamFault, m.Message, m.Reason)

	case "ticker":
		bid, err := quant.ParseNullDecimal(m.BestBid)
		if err != nil {
			return nil, &domain.ProtocolError{Op: "ticker", Err: err}
		}
		ask, err := quant.ParseNullDecimal(m.BestAsk)
		if err != nil {
			return nil, &domain.ProtocolError{Op: "ticker", Err: err}
		}
		t := domain.Ticker{Bid: bid, Ask: ask}
		if m.Time != "" {
			t.Time, _ = quant.ParseTime(m.Time)
		}
		return []event.Event{&event.TickerEvent{ProductID: m.ProductID, Ticker: t}}, nil

	case "match", "last_match":
		tr, err := parseTrade(m.TradeID, m.Time, m.Size, m.Price, m.Side)
		if err != nil {
			return nil, &domain.ProtocolError{Op: "match", Err: err}
		}
		evs := []event.Event{&event.TradeEvent{ProductID: m.ProductID, Trade: tr}}
		if m.UserID != "" {
			ev, err := orderEvent(event.EvOrderMatch, m)
			if err != nil {
				return nil, err
			}
			evs = append(evs, ev)
		}
		return evs, nil

	case "received":
		if m.UserID != "" && m.ClientOID != "" {
			s.mu.Lock()
			s.clients[m.OrderID] = m.ClientOID
			s.mu.Unlock()
		}
		return nil, nil

	case "open":
		if m.UserID == "" {
			return nil, nil
		}
		ev, err := orderEvent(event.EvOrderOpen, m)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		ev.ClientOID = s.clients[m.OrderID]
		s.mu.Unlock()
		return []event.Event{ev}, nil

	case "change":
		if m.UserID == "" {
			return nil, nil
		}
		ev, err := orderEvent(event.EvOrderChange, m)
		if err != nil {
			return nil, err
		}
		return []event.Event{ev}, nil

	case "done":
		if m.UserID == "" {
			return nil, nil
		}
		s.mu.Lock()
		delete(s.clients, m.OrderID)
		s.mu.Unlock()
		ev, err := orderEvent(event.EvOrderDone, m)
		if err != nil {
			return nil, err
		}
		return []event.Event{ev}, nil
	}

	// subscriptions, heartbeat
	return nil, nil
}

func orderEvent(kind event.Type, m streamMessage) (*event.OrderEvent, error) {
	ev := &event.OrderEvent{
		Kind:         kind,
		ProductID:    m.ProductID,
		UserID:       m.UserID,
		OrderID:      m.OrderID,
		MakerOrderID: m.MakerOrderID,
		TakerOrderID: m.TakerOrderID,
		Side:         domain.Side(m.Side),
		Reason:       m.Reason,
	}

	var size string
	switch kind {
	case event.EvOrderOpen, event.EvOrderDone:
		size = m.RemainingSize
	case event.EvOrderChange:
		size = m.NewSize
	case event.EvOrderMatch:
		size = m.Size
	}

	var err error
	if ev.Size, err = quant.ParseNullDecimal(size); err != nil {
		return nil, &domain.ProtocolError{Op: kind.String(), Err: err}
	}
	if ev.Price, err = quant.ParseNullDecimal(m.Price); err != nil {
		return nil, &domain.ProtocolError{Op: kind.String(), Err: err}
	}
	if m.Time != "" {
		ev.Time, _ = quant.ParseTime(m.Time)
	}
	return ev, nil
}
