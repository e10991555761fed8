package coinbase

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/GarethWright/magic8bot/internal/domain"
	"github.com/GarethWright/magic8bot/internal/event"
)

func TestStream_PrepareChannels(t *testing.T) {
	tests := []struct {
		name     string
		signer   *Signer
		authed   bool
		wantUser bool
	}{
		{"public", nil, false, false},
		{"authed without signer", nil, true, false},
		{"authed", newSigner("k", []byte("s"), "p"), true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStream("", tt.signer)
			cfg, err := s.Prepare(context.Background(), "BTC-USD", tt.authed)
			if err != nil {
				t.Fatalf("Prepare: %v", err)
			}
			if cfg.URL != DefaultWSURL || len(cfg.Subscribe) != 1 {
				t.Fatalf("unexpected config: %+v", cfg)
			}

			var req subscribeRequest
			if err := json.Unmarshal(cfg.Subscribe[0], &req); err != nil {
				t.Fatal(err)
			}
			hasUser := false
			for _, ch := range req.Channels {
				if ch == "user" {
					hasUser = true
				}
			}
			if hasUser != tt.wantUser {
				t.Errorf("user channel = %v, want %v", hasUser, tt.wantUser)
			}
			if tt.wantUser && (req.Signature == "" || req.Key != "k") {
				t.Errorf("authenticated subscribe not signed: %+v", req)
			}
		})
	}
}

func TestStream_Classify(t *testing.T) {
	s := NewStream("", nil)

	tests := []struct {
		name  string
		frame string
		check func(t *testing.T, evs []event.Event)
	}{
		{
			name:  "public match",
			frame: `{"type":"match","trade_id":10,"maker_order_id":"m","taker_order_id":"t","side":"sell","size":"0.1","price":"100","product_id":"BTC-USD","time":"2024-01-01T00:00:00.123Z"}`,
			check: func(t *testing.T, evs []event.Event) {
				if len(evs) != 1 || evs[0].GetType() != event.EvTrade {
					t.Fatalf("events = %+v", evs)
				}
				if tr := evs[0].(*event.TradeEvent).Trade; tr.ID != 10 || tr.Side != domain.SideSell {
					t.Errorf("trade = %+v", tr)
				}
			},
		},
		{
			name:  "user match",
			frame: `{"type":"match","trade_id":11,"maker_order_id":"m","taker_order_id":"t","side":"buy","size":"0.2","price":"101","user_id":"u","time":"2024-01-01T00:00:00Z"}`,
			check: func(t *testing.T, evs []event.Event) {
				if len(evs) != 2 || evs[1].GetType() != event.EvOrderMatch {
					t.Fatalf("events = %+v", evs)
				}
				ev := evs[1].(*event.OrderEvent)
				if ev.MakerOrderID != "m" || ev.Size.Decimal.String() != "0.2" {
					t.Errorf("order event = %+v", ev)
				}
			},
		},
		{
			name:  "ticker",
			frame: `{"type":"ticker","product_id":"BTC-USD","best_bid":"99.5","best_ask":"100.5"}`,
			check: func(t *testing.T, evs []event.Event) {
				tk := evs[0].(*event.TickerEvent).Ticker
				if !tk.Complete() || tk.Bid.Decimal.String() != "99.5" {
					t.Errorf("ticker = %+v", tk)
				}
			},
		},
		{
			name:  "user open uses remaining size",
			frame: `{"type":"open","order_id":"o1","price":"10","remaining_size":"3","side":"buy","user_id":"u"}`,
			check: func(t *testing.T, evs []event.Event) {
				ev := evs[0].(*event.OrderEvent)
				if ev.Kind != event.EvOrderOpen || ev.Size.Decimal.String() != "3" {
					t.Errorf("open = %+v", ev)
				}
			},
		},
		{
			name:  "user change uses new size",
			frame: `{"type":"change","order_id":"o1","new_size":"2","old_size":"3","user_id":"u"}`,
			check: func(t *testing.T, evs []event.Event) {
				ev := evs[0].(*event.OrderEvent)
				if ev.Kind != event.EvOrderChange || ev.Size.Decimal.String() != "2" {
					t.Errorf("change = %+v", ev)
				}
			},
		},
		{
			name:  "user done",
			frame: `{"type":"done","order_id":"o1","reason":"canceled","remaining_size":"1","user_id":"u","time":"2024-01-01T00:00:00Z"}`,
			check: func(t *testing.T, evs []event.Event) {
				ev := evs[0].(*event.OrderEvent)
				if ev.Kind != event.EvOrderDone || ev.Reason != "canceled" || ev.Time.IsZero() {
					t.Errorf("done = %+v", ev)
				}
			},
		},
		{
			name:  "public done ignored",
			frame: `{"type":"done","order_id":"o1","reason":"filled"}`,
			check: func(t *testing.T, evs []event.Event) {
				if len(evs) != 0 {
					t.Errorf("events = %+v", evs)
				}
			},
		},
		{
			name:  "heartbeat ignored",
			frame: `{"type":"heartbeat","sequence":1,"last_trade_id":5}`,
			check: func(t *testing.T, evs []event.Event) {
				if len(evs) != 0 {
					t.Errorf("events = %+v", evs)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evs, err := s.Classify("BTC-USD", []byte(tt.frame))
			if err != nil {
				t.Fatalf("Classify: %v", err)
			}
			tt.check(t, evs)
		})
	}
}

func TestStream_OpenCarriesClientOID(t *testing.T) {
	s := NewStream("", nil)

	evs, err := s.Classify("BTC-USD", []byte(`{"type":"received","order_id":"o1","client_oid":"c1","user_id":"u","order_type":"limit","size":"1","price":"10","side":"buy"}`))
	if err != nil || evs != nil {
		t.Fatalf("received = %v, %v", evs, err)
	}

	evs, err = s.Classify("BTC-USD", []byte(`{"type":"open","order_id":"o1","price":"10","remaining_size":"1","side":"buy","user_id":"u"}`))
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if ev := evs[0].(*event.OrderEvent); ev.ClientOID != "c1" {
		t.Errorf("client_oid = %q, want c1", ev.ClientOID)
	}

	if _, err := s.Classify("BTC-USD", []byte(`{"type":"done","order_id":"o1","reason":"canceled","user_id":"u"}`)); err != nil {
		t.Fatalf("Classify: %v", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.clients) != 0 {
		t.Errorf("done should forget the client id, have %v", s.clients)
	}
}

func TestStream_ClassifyErrors(t *testing.T) {
	s := NewStream("", nil)

	_, err := s.Classify("BTC-USD", []byte(`{"type":"error","message":"Failed to subscribe","reason":"bad product"}`))
	if !errors.Is(err, domain.ErrStreamFault) {
		t.Errorf("error frame should be a stream fault, got %v", err)
	}

	_, err = s.Classify("BTC-USD", []byte(`{"type":`))
	var pErr *domain.ProtocolError
	if !errors.As(err, &pErr) {
		t.Errorf("garbage should be a ProtocolError, got %v", err)
	}
}
