package event

import (
	"testing"

	"github.com/GarethWright/magic8bot/pkg/quant"
)

func TestEvent_Stamp(t *testing.T) {
	events := []Event{
		&TradeEvent{ProductID: "BTC-USD"},
		&TickerEvent{ProductID: "BTC-USD"},
		&OrderEvent{Kind: EvOrderMatch, ProductID: "BTC-USD"},
	}

	for i, ev := range events {
		ev.Stamp(uint64(i+1), quant.TimeStamp(1000))
		if ev.GetSeq() != uint64(i+1) {
			t.Errorf("%s: seq = %d, want %d", ev.GetType(), ev.GetSeq(), i+1)
		}
		if ev.GetTs() != 1000 {
			t.Errorf("%s: ts = %d", ev.GetType(), ev.GetTs())
		}
	}
}

func TestOrderEvent_Type(t *testing.T) {
	tests := []struct {
		kind Type
		want string
	}{
		{EvOrderOpen, "open"},
		{EvOrderChange, "change"},
		{EvOrderMatch, "match"},
		{EvOrderDone, "done"},
	}
	for _, tt := range tests {
		ev := &OrderEvent{Kind: tt.kind}
		if ev.GetType().String() != tt.want {
			t.Errorf("GetType() = %s, want %s", ev.GetType(), tt.want)
		}
	}

	if (&OrderEvent{}).Authenticated() {
		t.Error("order event without user id should not be authenticated")
	}
	if !(&OrderEvent{UserID: "u1"}).Authenticated() {
		t.Error("order event with user id should be authenticated")
	}
}
