package paper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/GarethWright/magic8bot/internal/domain"
	"github.com/GarethWright/magic8bot/internal/event"
	"github.com/GarethWright/magic8bot/internal/infra"
	"github.com/GarethWright/magic8bot/internal/venue"
	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newFunded(t *testing.T) *Exchange {
	t.Helper()
	ex := New()
	ex.AddProduct("BTC-USD")
	ex.Deposit("USD", d("1000"))
	ex.Deposit("BTC", d("2"))
	ex.SetTicker("BTC-USD", d("99"), d("101"))
	return ex
}

func balance(t *testing.T, ex *Exchange) domain.Balance {
	t.Helper()
	accounts, err := ex.Accounts(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return domain.BalanceFrom(accounts, "BTC", "USD")
}

func TestPaper_RestingBuyHoldsFunds(t *testing.T) {
	ex := newFunded(t)

	o, err := ex.PlaceOrder(context.Background(), domain.OrderRequest{
		ProductID: "BTC-USD", Side: domain.SideBuy, Type: domain.OrderTypeLimit,
		Price: d("100"), Size: d("2"), PostOnly: true,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if o.Status != domain.StatusOpen {
		t.Fatalf("status = %s", o.Status)
	}

	bal := balance(t, ex)
	if !bal.Currency.Equal(d("1000")) || !bal.CurrencyHold.Equal(d("200")) {
		t.Errorf("balance = %+v", bal)
	}

	// a print at the limit fills the resting order
	ex.Trade("BTC-USD", d("100"), d("5"), domain.SideSell)

	got, err := ex.GetOrder(context.Background(), "BTC-USD", o.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusDone || got.DoneReason != domain.DoneReasonFilled || !got.FilledSize.Equal(d("2")) {
		t.Errorf("order = %+v", got)
	}
	bal = balance(t, ex)
	if !bal.Currency.Equal(d("800")) || !bal.CurrencyHold.IsZero() || !bal.Asset.Equal(d("4")) {
		t.Errorf("balance after fill = %+v", bal)
	}
}

func TestPaper_PlacementRefusals(t *testing.T) {
	tests := []struct {
		name string
		req  domain.OrderRequest
		want error
	}{
		{"post only crossing", domain.OrderRequest{Side: domain.SideBuy, Type: domain.OrderTypeLimit, Price: d("101"), Size: d("1"), PostOnly: true}, domain.ErrPostOnly},
		{"insufficient currency", domain.OrderRequest{Side: domain.SideBuy, Type: domain.OrderTypeLimit, Price: d("100"), Size: d("11")}, domain.ErrInsufficientFunds},
		{"insufficient asset", domain.OrderRequest{Side: domain.SideSell, Type: domain.OrderTypeLimit, Price: d("200"), Size: d("3")}, domain.ErrInsufficientFunds},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex := newFunded(t)
			req := tt.req
			req.ProductID = "BTC-USD"
			if _, err := ex.PlaceOrder(context.Background(), req); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestPaper_MarketFillsAtTouch(t *testing.T) {
	ex := newFunded(t)

	o, err := ex.PlaceOrder(context.Background(), domain.OrderRequest{
		ProductID: "BTC-USD", Side: domain.SideSell, Type: domain.OrderTypeMarket, Size: d("1"),
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if o.Status != domain.StatusDone || !o.Price.Equal(d("99")) {
		t.Errorf("order = %+v", o)
	}
	if bal := balance(t, ex); !bal.Currency.Equal(d("1099")) || !bal.Asset.Equal(d("1")) {
		t.Errorf("balance = %+v", bal)
	}
}

func TestPaper_ClientOIDIsIdempotent(t *testing.T) {
	ex := newFunded(t)
	req := domain.OrderRequest{
		ClientOID: "c-1", ProductID: "BTC-USD", Side: domain.SideBuy,
		Type: domain.OrderTypeLimit, Price: d("50"), Size: d("1"),
	}

	first, err := ex.PlaceOrder(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	second, err := ex.PlaceOrder(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID {
		t.Errorf("replay created a second order: %s vs %s", first.ID, second.ID)
	}
	if bal := balance(t, ex); !bal.CurrencyHold.Equal(d("50")) {
		t.Errorf("hold = %s, want 50", bal.CurrencyHold)
	}
}

func TestPaper_Cancel(t *testing.T) {
	ex := newFunded(t)
	o, _ := ex.PlaceOrder(context.Background(), domain.OrderRequest{
		ProductID: "BTC-USD", Side: domain.SideSell, Type: domain.OrderTypeLimit, Price: d("150"), Size: d("1"),
	})

	if err := ex.CancelOrder(context.Background(), "BTC-USD", o.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := ex.CancelOrder(context.Background(), "BTC-USD", o.ID); !errors.Is(err, domain.ErrOrderDone) {
		t.Errorf("second cancel = %v", err)
	}
	if err := ex.CancelOrder(context.Background(), "BTC-USD", "nope"); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Errorf("unknown cancel = %v", err)
	}
	if bal := balance(t, ex); !bal.AssetHold.IsZero() {
		t.Errorf("hold not released: %+v", bal)
	}

	ex.Forget(o.ID)
	if _, err := ex.GetOrder(context.Background(), "BTC-USD", o.ID); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Errorf("forgotten order = %v", err)
	}
}

func TestPaper_TradesPaging(t *testing.T) {
	ex := New()
	for i := 1; i <= 5; i++ {
		ex.Trade("BTC-USD", decimal.NewFromInt(int64(100+i)), d("1"), domain.SideBuy)
	}

	tests := []struct {
		name string
		q    venue.TradeQuery
		want []int64
	}{
		{"latest", venue.TradeQuery{}, []int64{5, 4, 3, 2, 1}},
		{"newer than", venue.TradeQuery{NewerThan: 3}, []int64{5, 4}},
		{"older than", venue.TradeQuery{OlderThan: 3}, []int64{2, 1}},
		{"limited", venue.TradeQuery{Limit: 2}, []int64{5, 4}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trades, err := ex.Trades(context.Background(), "BTC-USD", tt.q)
			if err != nil {
				t.Fatal(err)
			}
			if len(trades) != len(tt.want) {
				t.Fatalf("got %d trades, want %d", len(trades), len(tt.want))
			}
			for i, id := range tt.want {
				if trades[i].ID != id {
					t.Errorf("trades[%d] = %d, want %d", i, trades[i].ID, id)
				}
			}
		})
	}
}

func TestPaper_FailNext(t *testing.T) {
	ex := New()
	ex.FailNext(domain.ErrTransient, domain.ErrRateLimited)

	if _, err := ex.Ticker(context.Background(), "BTC-USD"); !errors.Is(err, domain.ErrTransient) {
		t.Errorf("first = %v", err)
	}
	if _, err := ex.Products(context.Background()); !errors.Is(err, domain.ErrRateLimited) {
		t.Errorf("second = %v", err)
	}
	if _, err := ex.Ticker(context.Background(), "BTC-USD"); err != nil {
		t.Errorf("third = %v", err)
	}
	if ex.Calls("ticker") != 2 {
		t.Errorf("ticker calls = %d", ex.Calls("ticker"))
	}
}

func TestPaper_StreamRoundTrip(t *testing.T) {
	ex := newFunded(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := ex.Prepare(ctx, "BTC-USD", true)
	if err != nil {
		t.Fatal(err)
	}
	events := make(chan infra.ConnEvent, 16)
	conn, err := ex.Dial(ctx, "paper:BTC-USD", 7, cfg, events)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	o, err := ex.PlaceOrder(ctx, domain.OrderRequest{
		ProductID: "BTC-USD", Side: domain.SideBuy, Type: domain.OrderTypeLimit, Price: d("100"), Size: d("1"), PostOnly: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-events:
		if ev.Session != 7 || ev.Kind != infra.ConnMessage {
			t.Fatalf("event = %+v", ev)
		}
		evs, err := ex.Classify("BTC-USD", ev.Data)
		if err != nil {
			t.Fatalf("Classify: %v", err)
		}
		oe, ok := evs[0].(*event.OrderEvent)
		if !ok || oe.Kind != event.EvOrderOpen || oe.OrderID != o.ID || !oe.Authenticated() {
			t.Errorf("open event = %+v", evs[0])
		}
	case <-time.After(time.Second):
		t.Fatal("no open frame")
	}

	ex.Drop("BTC-USD")
	var kinds []infra.ConnEventKind
	for len(kinds) < 2 {
		select {
		case ev := <-events:
			kinds = append(kinds, ev.Kind)
		case <-time.After(time.Second):
			t.Fatalf("kinds so far = %v", kinds)
		}
	}
	if kinds[0] != infra.ConnError || kinds[1] != infra.ConnClose {
		t.Errorf("drop kinds = %v", kinds)
	}

	// closing an already dropped session adds nothing
	conn.Close()
	select {
	case ev := <-events:
		t.Errorf("unexpected event after drop: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPaper_ClassifyFault(t *testing.T) {
	ex := New()
	if _, err := ex.Classify("BTC-USD", []byte(`{"type":"error","message":"boom"}`)); !errors.Is(err, domain.ErrStreamFault) {
		t.Errorf("err = %v", err)
	}
}
