package adapter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/GarethWright/magic8bot/internal/domain"
	"github.com/GarethWright/magic8bot/internal/event"
	"github.com/GarethWright/magic8bot/internal/executor"
	"github.com/GarethWright/magic8bot/internal/venue"
	"github.com/GarethWright/magic8bot/internal/venue/paper"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const product = "BTC-USD"

var fast = Config{Policy: executor.Policy{RetryDelay: time.Millisecond}}

type memJournal struct {
	mu      sync.Mutex
	orders  []domain.Order
	cursors map[string]int64
}

func (j *memJournal) RecordOrder(ctx context.Context, exchange string, o domain.Order) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.orders = append(j.orders, o)
	return nil
}

func (j *memJournal) SaveCursor(ctx context.Context, exchange, productID string, cursor int64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cursors == nil {
		j.cursors = make(map[string]int64)
	}
	j.cursors[exchange+"/"+productID] = cursor
	return nil
}

func (j *memJournal) recorded() []domain.Order {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]domain.Order(nil), j.orders...)
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newPaper() *paper.Exchange {
	ex := paper.New()
	ex.AddProduct(product)
	ex.Deposit("USD", dec("1000"))
	ex.Deposit("BTC", dec("2"))
	return ex
}

// streaming returns an adapter whose product feed is live.
func streaming(t *testing.T, ex *paper.Exchange, opts ...Option) *Adapter {
	t.Helper()
	a := New(ex.Binding(), fast, append([]Option{WithDialer(ex.Dial)}, opts...)...)
	t.Cleanup(func() { a.Close() })

	a.Start(context.Background(), product)
	require.Eventually(t, func() bool { return ex.Calls("dial") == 1 }, 2*time.Second, 5*time.Millisecond)
	return a
}

func restOnly(t *testing.T, ex *paper.Exchange, opts ...Option) *Adapter {
	t.Helper()
	a := New(ex.Binding(), fast, append([]Option{WithoutFeeds()}, opts...)...)
	t.Cleanup(func() { a.Close() })
	return a
}

func ids(trades []domain.Trade) []int64 {
	out := make([]int64, len(trades))
	for i, tr := range trades {
		out[i] = tr.ID
	}
	return out
}

func TestGetTrades_ServedFromStreamCache(t *testing.T) {
	ex := newPaper()
	a := streaming(t, ex)
	st := a.product(product)

	for i := 0; i < 4; i++ {
		ex.Trade(product, dec("100"), dec("0.1"), domain.SideBuy)
	}
	require.Eventually(t, func() bool { return st.cache.TradeCount() == 4 }, 2*time.Second, 5*time.Millisecond)

	trades, err := a.GetTrades(context.Background(), domain.TradesOpts{ProductID: product, From: 2})
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 3}, ids(trades), "backward scan serves newest first")
	assert.Zero(t, ex.Calls("trades"), "cache hit must not reach the vendor")
}

func TestGetTrades_VendorPagesAreContiguous(t *testing.T) {
	ex := newPaper()
	j := &memJournal{}
	a := restOnly(t, ex, WithJournal(j))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ex.Trade(product, dec("100"), dec("0.1"), domain.SideSell)
	}

	first, err := a.GetTrades(ctx, domain.TradesOpts{ProductID: product})
	require.NoError(t, err)
	assert.Equal(t, []int64{5, 4, 3, 2, 1}, ids(first))

	cursor := a.GetCursor(first[0])
	empty, err := a.GetTrades(ctx, domain.TradesOpts{ProductID: product, From: cursor})
	require.NoError(t, err)
	assert.Empty(t, empty)

	ex.Trade(product, dec("101"), dec("0.1"), domain.SideBuy)
	ex.Trade(product, dec("102"), dec("0.1"), domain.SideBuy)

	next, err := a.GetTrades(ctx, domain.TradesOpts{ProductID: product, From: cursor})
	require.NoError(t, err)
	assert.Equal(t, []int64{7, 6}, ids(next), "no gap and no overlap with the previous page")
	assert.EqualValues(t, 7, j.cursors["paper/"+product])
}

func TestGetTrades_RetriesTransientFailures(t *testing.T) {
	ex := newPaper()
	a := restOnly(t, ex)
	ex.Trade(product, dec("100"), dec("1"), domain.SideBuy)
	ex.FailNext(domain.ErrTransient, &domain.ProtocolError{Op: "trades", Err: errors.New("truncated body")})

	trades, err := a.GetTrades(context.Background(), domain.TradesOpts{ProductID: product})
	require.NoError(t, err)
	assert.Len(t, trades, 1)
	assert.Equal(t, 3, ex.Calls("trades"))
}

// refilled fails every read once the feed has delivered what the read was
// after, so only a retry that looks at the cache again can succeed.
type refilled struct {
	venue.Client
	refill func()
	calls  int
}

func (c *refilled) Ticker(ctx context.Context, productID string) (domain.Ticker, error) {
	c.calls++
	c.refill()
	return domain.Ticker{}, fmt.Errorf("%w: connection reset", domain.ErrTransient)
}

func (c *refilled) Trades(ctx context.Context, productID string, q venue.TradeQuery) ([]domain.Trade, error) {
	c.calls++
	c.refill()
	return nil, fmt.Errorf("%w: connection reset", domain.ErrTransient)
}

func TestRetryRechecksCache(t *testing.T) {
	t.Run("Quote", func(t *testing.T) {
		var a *Adapter
		b := newPaper().Binding()
		client := &refilled{Client: b.Client, refill: func() {
			a.product(product).cache.SetTicker(domain.Ticker{
				Bid: decimal.NewNullDecimal(dec("99")), Ask: decimal.NewNullDecimal(dec("101")),
			})
		}}
		b.Client = client
		a = New(b, fast, WithoutFeeds())
		t.Cleanup(func() { a.Close() })

		q, err := a.GetQuote(context.Background(), domain.QuoteOpts{ProductID: product})
		require.NoError(t, err)
		assert.True(t, q.Ask.Equal(dec("101")))
		assert.Equal(t, 1, client.calls)
	})

	t.Run("Trades", func(t *testing.T) {
		var a *Adapter
		b := newPaper().Binding()
		client := &refilled{Client: b.Client, refill: func() {
			for id := int64(1); id <= 4; id++ {
				a.product(product).cache.AppendTrade(domain.Trade{ID: id, Price: dec("100"), Size: dec("0.1")})
			}
		}}
		b.Client = client
		a = New(b, fast, WithoutFeeds())
		t.Cleanup(func() { a.Close() })

		trades, err := a.GetTrades(context.Background(), domain.TradesOpts{ProductID: product, From: 2})
		require.NoError(t, err)
		assert.Equal(t, []int64{4, 3}, ids(trades))
		assert.Equal(t, 1, client.calls)
	})
}

func TestNormalizeTrades(t *testing.T) {
	forward := &Adapter{info: domain.ExchangeInfo{HistoryScan: domain.ScanForward, Cursor: domain.CursorTradeID}}
	backward := &Adapter{info: domain.ExchangeInfo{HistoryScan: domain.ScanBackward, Cursor: domain.CursorTradeID}}
	raw := []domain.Trade{{ID: 3}, {ID: 1}, {ID: 5}, {ID: 3}, {ID: 4}}

	assert.Equal(t, []int64{4, 5}, ids(forward.normalizeTrades(raw, 3)))
	assert.Equal(t, []int64{5, 4, 3, 1}, ids(backward.normalizeTrades(raw, 0)))
}

func TestGetQuote_StreamFastPath(t *testing.T) {
	ex := newPaper()
	a := streaming(t, ex)
	ex.SetTicker(product, dec("99"), dec("101"))

	require.Eventually(t, func() bool {
		_, ok := a.product(product).cache.Quote()
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	q, err := a.GetQuote(context.Background(), domain.QuoteOpts{ProductID: product})
	require.NoError(t, err)
	assert.True(t, q.Bid.Equal(dec("99")))
	assert.True(t, q.Ask.Equal(dec("101")))
	assert.Zero(t, ex.Calls("ticker"))
}

func TestGetQuote_FallsThroughToVendor(t *testing.T) {
	ex := newPaper()
	a := restOnly(t, ex)

	_, err := a.GetQuote(context.Background(), domain.QuoteOpts{ProductID: product})
	assert.ErrorIs(t, err, domain.ErrNoLiquidity)

	ex.SetTicker(product, dec("99"), decimal.Zero)
	q, err := a.GetQuote(context.Background(), domain.QuoteOpts{ProductID: product})
	require.NoError(t, err)
	assert.True(t, q.Bid.Equal(dec("99")))
	assert.True(t, q.Ask.IsZero(), "one-sided book quotes zero for the missing side")
	assert.Equal(t, 2, ex.Calls("ticker"))
}

func TestGetBalance(t *testing.T) {
	ex := newPaper()
	a := restOnly(t, ex)

	_, err := a.Buy(context.Background(), domain.OrderOpts{ProductID: product, Price: dec("100"), Size: dec("1")})
	require.NoError(t, err)

	b, err := a.GetBalance(context.Background(), domain.BalanceOpts{Asset: "BTC", Currency: "USD"})
	require.NoError(t, err)
	assert.True(t, b.Asset.Equal(dec("2")))
	assert.True(t, b.Currency.Equal(dec("1000")))
	assert.True(t, b.CurrencyHold.Equal(dec("100")))
	assert.True(t, b.AssetHold.IsZero())
}

func TestBuy_Refusals(t *testing.T) {
	tests := []struct {
		name   string
		opts   domain.OrderOpts
		reason string
	}{
		{"insufficient funds", domain.OrderOpts{ProductID: product, Price: dec("100"), Size: dec("50")}, domain.RejectBalance},
		{"post only crosses", domain.OrderOpts{ProductID: product, Price: dec("105"), Size: dec("1")}, domain.RejectPostOnly},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex := newPaper()
			ex.SetTicker(product, dec("99"), dec("101"))
			a := restOnly(t, ex)

			o, err := a.Buy(context.Background(), tt.opts)
			require.NoError(t, err)
			assert.Equal(t, domain.StatusRejected, o.Status)
			assert.Equal(t, tt.reason, o.RejectReason)
			assert.Empty(t, o.ID)
			assert.Equal(t, 1, ex.Calls("place"), "refusals are not retried")
		})
	}
}

func TestBuy_RetryReplaysClientOrderID(t *testing.T) {
	ex := newPaper()
	a := restOnly(t, ex)
	ex.FailNext(&domain.StatusError{Code: 503, Body: "busy"})

	o, err := a.Buy(context.Background(), domain.OrderOpts{ProductID: product, Price: dec("90"), Size: dec("1")})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOpen, o.Status)
	assert.NotEmpty(t, o.ClientOID)
	assert.Equal(t, 2, ex.Calls("place"))
	assert.True(t, o.PostOnly, "post only is the default")
}

func TestSell_TakerFillsAtTouch(t *testing.T) {
	ex := newPaper()
	ex.SetTicker(product, dec("99"), dec("101"))
	j := &memJournal{}
	a := restOnly(t, ex, WithJournal(j))

	o, err := a.Sell(context.Background(), domain.OrderOpts{
		ProductID: product,
		Size:      dec("1"),
		Liquidity: domain.LiquidityTaker,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderTypeMarket, o.Type)
	assert.Equal(t, domain.StatusDone, o.Status)
	assert.True(t, o.Price.Equal(dec("99")))
	require.Len(t, j.recorded(), 1)
}

func TestMissingCredentials(t *testing.T) {
	ex := newPaper()
	b := ex.Binding()
	b.Authenticated = false
	a := New(b, fast, WithoutFeeds())
	defer a.Close()
	ctx := context.Background()

	var cfgErr *domain.ConfigurationError
	_, err := a.Buy(ctx, domain.OrderOpts{ProductID: product, Price: dec("90"), Size: dec("1")})
	assert.ErrorAs(t, err, &cfgErr)
	_, err = a.GetBalance(ctx, domain.BalanceOpts{Asset: "BTC", Currency: "USD"})
	assert.ErrorAs(t, err, &cfgErr)
	assert.ErrorAs(t, a.CancelOrder(ctx, domain.CancelOpts{ProductID: product, OrderID: "x"}), &cfgErr)
	assert.Zero(t, ex.Calls("place"))

	// public data still works
	_, err = a.GetProducts(ctx)
	assert.NoError(t, err)
}

func TestCancelOrder_BenignOutcomes(t *testing.T) {
	ex := newPaper()
	a := restOnly(t, ex)
	ctx := context.Background()

	o, err := a.Buy(ctx, domain.OrderOpts{ProductID: product, Price: dec("90"), Size: dec("1")})
	require.NoError(t, err)

	require.NoError(t, a.CancelOrder(ctx, domain.CancelOpts{ProductID: product, OrderID: o.ID}))
	assert.NoError(t, a.CancelOrder(ctx, domain.CancelOpts{ProductID: product, OrderID: o.ID}), "already done")
	assert.NoError(t, a.CancelOrder(ctx, domain.CancelOpts{ProductID: product, OrderID: "missing"}), "not found")
	assert.Equal(t, 3, ex.Calls("cancel"))
}

func TestGetOrder_FollowsStreamLifecycle(t *testing.T) {
	ex := newPaper()
	j := &memJournal{}
	a := streaming(t, ex, WithJournal(j))
	ctx := context.Background()

	o, err := a.Buy(ctx, domain.OrderOpts{ProductID: product, Price: dec("100"), Size: dec("1")})
	require.NoError(t, err)

	ex.Trade(product, dec("100"), dec("1"), domain.SideSell)
	require.Eventually(t, func() bool {
		got, err := a.GetOrder(ctx, domain.GetOrderOpts{ProductID: product, OrderID: o.ID})
		return err == nil && got.Status == domain.StatusDone
	}, 2*time.Second, 5*time.Millisecond)

	assert.Zero(t, ex.Calls("get order"), "stream kept the cached order current")
	require.Eventually(t, func() bool { return len(j.recorded()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.DoneReasonFilled, j.recorded()[0].DoneReason)
}

// lateReply hands the placement reply back only after before has run.
type lateReply struct {
	venue.Client
	before func(o *domain.Order)
}

func (c *lateReply) PlaceOrder(ctx context.Context, req domain.OrderRequest) (*domain.Order, error) {
	o, err := c.Client.PlaceOrder(ctx, req)
	if err == nil && o.ID != "" {
		c.before(o)
	}
	return o, err
}

func TestBuy_StreamFinishesBeforeReply(t *testing.T) {
	ex := newPaper()
	j := &memJournal{}
	ctx := context.Background()

	var a *Adapter
	b := ex.Binding()
	b.Client = &lateReply{Client: b.Client, before: func(o *domain.Order) {
		// a stream that reports neither the client id nor the post-only flag
		tr := a.product(product).tracker
		tr.Apply(&event.OrderEvent{Kind: event.EvOrderOpen, ProductID: product, UserID: "self", OrderID: o.ID,
			Side: o.Side, Price: decimal.NewNullDecimal(o.Price), Size: decimal.NewNullDecimal(o.Size)})
		tr.Apply(&event.OrderEvent{Kind: event.EvOrderDone, UserID: "self", OrderID: o.ID, Reason: domain.DoneReasonCanceled})
	}}
	a = New(b, fast, WithDialer(ex.Dial), WithJournal(j))
	t.Cleanup(func() { a.Close() })
	a.Start(ctx, product)
	require.Eventually(t, func() bool { return ex.Calls("dial") == 1 }, 2*time.Second, 5*time.Millisecond)

	o, err := a.Buy(ctx, domain.OrderOpts{ProductID: product, Price: dec("90"), Size: dec("1")})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, o.Status)
	assert.Equal(t, domain.RejectPostOnly, o.RejectReason)

	cached, err := a.GetOrder(ctx, domain.GetOrderOpts{ProductID: product, OrderID: o.ID})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, cached.Status)
	assert.NotEmpty(t, cached.ClientOID)

	recorded := j.recorded()
	require.NotEmpty(t, recorded)
	assert.Equal(t, domain.StatusRejected, recorded[len(recorded)-1].Status)
}

func TestGetOrder_RecallsVanishedOrder(t *testing.T) {
	tests := []struct {
		name     string
		postOnly bool
		status   domain.OrderStatus
	}{
		{"post only", true, domain.StatusRejected},
		{"plain limit", false, domain.StatusCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex := newPaper()
			a := restOnly(t, ex)
			ctx := context.Background()

			postOnly := tt.postOnly
			o, err := a.Buy(ctx, domain.OrderOpts{ProductID: product, Price: dec("90"), Size: dec("1"), PostOnly: &postOnly})
			require.NoError(t, err)

			a.product(product).cache.Reset()
			ex.Forget(o.ID)

			got, err := a.GetOrder(ctx, domain.GetOrderOpts{ProductID: product, OrderID: o.ID})
			require.NoError(t, err)
			assert.Equal(t, tt.status, got.Status)
			assert.Equal(t, domain.DoneReasonCanceled, got.DoneReason)
			assert.Equal(t, 1, ex.Calls("get order"))
		})
	}
}

func TestGetOrder_UnknownOrder(t *testing.T) {
	ex := newPaper()
	a := restOnly(t, ex)

	_, err := a.GetOrder(context.Background(), domain.GetOrderOpts{ProductID: product, OrderID: "ghost"})
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
	assert.Equal(t, 1, ex.Calls("get order"))
}

func TestGetOrder_WithoutFeedReadsVendor(t *testing.T) {
	ex := newPaper()
	a := restOnly(t, ex)
	ctx := context.Background()

	o, err := a.Buy(ctx, domain.OrderOpts{ProductID: product, Price: dec("90"), Size: dec("1"), PostOnly: new(bool)})
	require.NoError(t, err)

	got, err := a.GetOrder(ctx, domain.GetOrderOpts{ProductID: product, OrderID: o.ID})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOpen, got.Status)

	require.NoError(t, a.CancelOrder(ctx, domain.CancelOpts{ProductID: product, OrderID: o.ID}))
	got, err = a.GetOrder(ctx, domain.GetOrderOpts{ProductID: product, OrderID: o.ID})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status, "no stale cached copy without a feed")
	assert.Equal(t, 2, ex.Calls("get order"))
}

func TestOrderRequest(t *testing.T) {
	no := false

	maker := orderRequest(domain.SideBuy, domain.OrderOpts{ProductID: product, Price: dec("10"), Size: dec("1")})
	assert.Equal(t, domain.OrderTypeLimit, maker.Type)
	assert.True(t, maker.PostOnly)
	assert.Equal(t, "GTC", maker.TimeInForce)
	assert.NotEmpty(t, maker.ClientOID)

	gtt := orderRequest(domain.SideSell, domain.OrderOpts{ProductID: product, Price: dec("10"), Size: dec("1"), CancelAfter: "min", PostOnly: &no})
	assert.Equal(t, "GTT", gtt.TimeInForce)
	assert.False(t, gtt.PostOnly)

	taker := orderRequest(domain.SideBuy, domain.OrderOpts{ProductID: product, Price: dec("10"), Size: dec("1"), Liquidity: domain.LiquidityTaker, CancelAfter: "hour"})
	assert.Equal(t, domain.OrderTypeMarket, taker.Type)
	assert.True(t, taker.Price.IsZero())
	assert.False(t, taker.PostOnly)
	assert.Empty(t, taker.CancelAfter)
	assert.Empty(t, taker.TimeInForce)
}

func TestFeedStatsAndClose(t *testing.T) {
	ex := newPaper()
	a := streaming(t, ex)

	stats := a.FeedStats()
	require.Len(t, stats, 1)
	assert.Equal(t, product, stats[0].ProductID)
	assert.Equal(t, "paper", stats[0].Exchange)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.Equal(t, "STOPPED", a.FeedStats()[0].State)
}

func TestInfoOverrides(t *testing.T) {
	a := New(venue.Binding{Info: paper.Info(), Client: paper.New()}, Config{
		Policy:            executor.Policy{RetryDelay: 2 * time.Second},
		BackfillRateLimit: 250 * time.Millisecond,
	})
	defer a.Close()

	info := a.Info()
	assert.Equal(t, 2*time.Second, info.RetryDelay)
	assert.Equal(t, 250*time.Millisecond, info.BackfillRateLimit)
	assert.Equal(t, domain.CursorTradeID, info.Cursor)
}
