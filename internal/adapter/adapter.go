// Package adapter exposes one exchange through the domain.Exchange contract.
// It owns the per-product caches and feeds and routes every vendor call
// through the retry executor.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/GarethWright/magic8bot/internal/cache"
	"github.com/GarethWright/magic8bot/internal/domain"
	"github.com/GarethWright/magic8bot/internal/executor"
	"github.com/GarethWright/magic8bot/internal/feed"
	"github.com/GarethWright/magic8bot/internal/infra"
	"github.com/GarethWright/magic8bot/internal/orders"
	"github.com/GarethWright/magic8bot/internal/venue"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Journal is the optional persistence sink for terminal orders and
// served trade cursors.
type Journal interface {
	RecordOrder(ctx context.Context, exchange string, o domain.Order) error
	SaveCursor(ctx context.Context, exchange, productID string, cursor int64) error
}

// Config tunes one adapter. Zero values use the exchange defaults.
type Config struct {
	Policy            executor.Policy
	ReconnectMinDelay time.Duration
	ReconnectMaxDelay time.Duration
	TradeCacheSize    int
	BackfillRateLimit time.Duration
}

// ConfigFrom maps the file configuration onto an adapter Config.
func ConfigFrom(ec infra.ExchangeConfig) Config {
	return Config{
		Policy: executor.Policy{
			RetryDelay:    ec.RetryDelay,
			MaxRetryDelay: ec.MaxRetryDelay,
			MaxAttempts:   ec.MaxAttempts,
		},
		ReconnectMinDelay: ec.ReconnectMinDelay,
		ReconnectMaxDelay: ec.ReconnectMaxDelay,
		TradeCacheSize:    ec.TradeCacheSize,
		BackfillRateLimit: ec.BackfillRateLimit,
	}
}

// Option customises an Adapter.
type Option func(*Adapter)

// WithJournal persists terminal orders and trade cursors.
func WithJournal(j Journal) Option {
	return func(a *Adapter) { a.journal = j }
}

// WithDialer replaces the websocket dialer used by product feeds.
func WithDialer(d feed.Dialer) Option {
	return func(a *Adapter) { a.dial = d }
}

// WithoutFeeds disables streaming; every read goes to the vendor.
func WithoutFeeds() Option {
	return func(a *Adapter) { a.feeds = false }
}

// WithBreaker defers calls while the exchange keeps failing.
func WithBreaker(cb *infra.CircuitBreaker) Option {
	return func(a *Adapter) { a.breaker = cb }
}

type productState struct {
	cache   *cache.ProductCache
	tracker *orders.Tracker
	feed    *feed.Manager

	// placed survives cache discards so a vanished order can be recalled
	mu      sync.Mutex
	placed  map[string]domain.Order
	pending map[string]domain.OrderRequest
}

func (s *productState) begin(req domain.OrderRequest) {
	s.mu.Lock()
	s.pending[req.ClientOID] = req
	s.mu.Unlock()
}

func (s *productState) end(clientOID string) {
	s.mu.Lock()
	delete(s.pending, clientOID)
	s.mu.Unlock()
}

func (s *productState) inflight(clientOID string) (domain.OrderRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.pending[clientOID]
	return req, ok
}

func (s *productState) remember(o domain.Order) {
	s.mu.Lock()
	s.placed[o.ID] = o
	s.mu.Unlock()
}

func (s *productState) recall(id string) (domain.Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.placed[id]
	return o, ok
}

// Adapter implements domain.Exchange for one vendor binding.
type Adapter struct {
	info    domain.ExchangeInfo
	cfg     Config
	client  venue.Client
	stream  venue.Stream
	authed  bool
	exec    *executor.Executor
	limiter *infra.RateLimiter
	breaker *infra.CircuitBreaker
	journal Journal
	dial    feed.Dialer
	feeds   bool

	runCtx context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	products map[string]*productState
	closed   bool
}

var _ domain.Exchange = (*Adapter)(nil)

// New builds an adapter. Feeds start lazily, per product, on first use.
func New(b venue.Binding, cfg Config, opts ...Option) *Adapter {
	info := b.Info
	if cfg.Policy.RetryDelay <= 0 {
		cfg.Policy.RetryDelay = info.RetryDelay
	}
	if cfg.BackfillRateLimit > 0 {
		info.BackfillRateLimit = cfg.BackfillRateLimit
	}
	info.RetryDelay = cfg.Policy.RetryDelay

	a := &Adapter{
		info:     info,
		cfg:      cfg,
		client:   b.Client,
		stream:   b.Stream,
		authed:   b.Authenticated,
		limiter:  infra.NewIntervalLimiter(info.BackfillRateLimit),
		feeds:    b.Stream != nil,
		products: make(map[string]*productState),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.exec = executor.New(info.Name, cfg.Policy, a.breaker)
	a.runCtx, a.cancel = context.WithCancel(context.Background())
	return a
}

// Start warms the given products and ties the adapter's lifetime to ctx.
func (a *Adapter) Start(ctx context.Context, productIDs ...string) {
	for _, id := range productIDs {
		a.product(id)
	}
	go func() {
		select {
		case <-ctx.Done():
			a.Close()
		case <-a.runCtx.Done():
		}
	}()
}

// Close stops every feed and wipes vendor credentials.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	states := make([]*productState, 0, len(a.products))
	for _, st := range a.products {
		states = append(states, st)
	}
	a.mu.Unlock()

	a.cancel()
	for _, st := range states {
		if st.feed != nil {
			st.feed.Stop()
		}
	}
	slog.Info("Adapter closed", "exchange", a.info.Name)
	return a.client.Close()
}

func (a *Adapter) Info() domain.ExchangeInfo { return a.info }

// FeedStats reports every product feed, sorted by product.
func (a *Adapter) FeedStats() []feed.Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]feed.Stats, 0, len(a.products))
	for _, st := range a.products {
		if st.feed != nil {
			out = append(out, st.feed.Stats())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out
}

// product returns the state for id, creating its cache and feed on first use.
func (a *Adapter) product(id string) *productState {
	a.mu.Lock()
	defer a.mu.Unlock()

	if st, ok := a.products[id]; ok {
		return st
	}

	c := cache.New(a.cfg.TradeCacheSize, a.info.Cursor.Of)
	st := &productState{
		cache:   c,
		tracker: orders.NewTracker(c),
		placed:  make(map[string]domain.Order),
		pending: make(map[string]domain.OrderRequest),
	}
	st.tracker.OnTerminal = func(o domain.Order) { a.record(a.runCtx, o) }
	st.tracker.Pending = st.inflight

	if a.feeds && !a.closed {
		st.feed = feed.NewManager(feed.Config{
			Exchange:          a.info.Name,
			ProductID:         id,
			Authenticated:     a.authed,
			ReconnectMinDelay: a.cfg.ReconnectMinDelay,
			ReconnectMaxDelay: a.cfg.ReconnectMaxDelay,
			Dial:              a.dial,
		}, a.stream, c, st.tracker)
		st.feed.Start(a.runCtx)
	}

	a.products[id] = st
	slog.Debug("Product state created", "exchange", a.info.Name, "product", id, "feed", st.feed != nil)
	return st
}

func (a *Adapter) record(ctx context.Context, o domain.Order) {
	if a.journal == nil || o.ID == "" {
		return
	}
	if err := a.journal.RecordOrder(ctx, a.info.Name, o); err != nil {
		slog.Warn("Journal write failed", "exchange", a.info.Name, "order_id", o.ID, "err", err)
	}
}

func (a *Adapter) requireAuth() error {
	return venue.RequireAuth(a.info.Name, a.authed)
}

func (a *Adapter) GetProducts(ctx context.Context) ([]domain.Product, error) {
	return executor.Run(ctx, a.exec, executor.Call[[]domain.Product]{
		Name: "getProducts",
		Do:   a.client.Products,
	})
}

// GetCursor returns the pagination scalar for t.
func (a *Adapter) GetCursor(t domain.Trade) int64 {
	return a.info.Cursor.Of(t)
}

// GetTrades serves from the stream cache when it covers From, otherwise
// pages the vendor history under the backfill limiter. Results contain
// only trades with a cursor above From, ordered per the history scan.
// Every retry starts over from the cache, which the feed may have refilled.
func (a *Adapter) GetTrades(ctx context.Context, opts domain.TradesOpts) ([]domain.Trade, error) {
	st := a.product(opts.ProductID)
	if trades, hit := a.cachedTrades(st, opts); hit {
		a.saveCursor(ctx, opts.ProductID, trades)
		return trades, nil
	}

	q := venue.TradeQuery{}
	switch a.info.HistoryScan {
	case domain.ScanBackward:
		if opts.From > 0 {
			q.NewerThan = opts.From
		} else if opts.To > 0 {
			q.OlderThan = opts.To
		}
	default:
		q.NewerThan = opts.From
		q.OlderThan = opts.To
	}

	trades, err := executor.Run(ctx, a.exec, executor.Call[[]domain.Trade]{
		Name:  "getTrades",
		Args:  []any{opts},
		Quiet: true,
		Do: func(ctx context.Context) ([]domain.Trade, error) {
			if trades, hit := a.cachedTrades(st, opts); hit {
				return trades, nil
			}
			if err := a.limiter.Wait(ctx); err != nil {
				return nil, err
			}
			raw, err := a.client.Trades(ctx, opts.ProductID, q)
			if err != nil {
				return nil, err
			}
			return a.normalizeTrades(raw, opts.From), nil
		},
	})
	if err != nil {
		return nil, err
	}

	a.saveCursor(ctx, opts.ProductID, trades)
	return trades, nil
}

func (a *Adapter) cachedTrades(st *productState, opts domain.TradesOpts) ([]domain.Trade, bool) {
	if opts.From <= 0 {
		return nil, false
	}
	trades, hit := st.cache.ServeTrades(opts.From, a.info.HistoryScan)
	if hit {
		slog.Debug("Trades served from cache", "exchange", a.info.Name, "product", opts.ProductID, "count", len(trades))
	}
	return trades, hit
}

// normalizeTrades drops trades at or below from, removes duplicate ids and
// orders the rest: ascending for forward scans, descending for backward.
func (a *Adapter) normalizeTrades(raw []domain.Trade, from int64) []domain.Trade {
	seen := make(map[int64]struct{}, len(raw))
	out := make([]domain.Trade, 0, len(raw))
	for _, t := range raw {
		if from > 0 && a.GetCursor(t) <= from {
			continue
		}
		if _, dup := seen[t.ID]; dup {
			continue
		}
		seen[t.ID] = struct{}{}
		out = append(out, t)
	}

	backward := a.info.HistoryScan == domain.ScanBackward
	sort.SliceStable(out, func(i, j int) bool {
		ci, cj := a.GetCursor(out[i]), a.GetCursor(out[j])
		if ci == cj {
			ci, cj = out[i].ID, out[j].ID
		}
		if backward {
			return ci > cj
		}
		return ci < cj
	})
	return out
}

func (a *Adapter) saveCursor(ctx context.Context, productID string, trades []domain.Trade) {
	if a.journal == nil || len(trades) == 0 {
		return
	}
	var max int64
	for _, t := range trades {
		if c := a.GetCursor(t); c > max {
			max = c
		}
	}
	if err := a.journal.SaveCursor(ctx, a.info.Name, productID, max); err != nil {
		slog.Warn("Cursor checkpoint failed", "exchange", a.info.Name, "product", productID, "err", err)
	}
}

// GetQuote returns the streamed top of book when both sides are known.
// A retrying vendor call checks the stream again before each attempt.
func (a *Adapter) GetQuote(ctx context.Context, opts domain.QuoteOpts) (domain.Quote, error) {
	st := a.product(opts.ProductID)
	if q, ok := st.cache.Quote(); ok {
		return q, nil
	}

	tk, err := executor.Run(ctx, a.exec, executor.Call[domain.Ticker]{
		Name: "getQuote",
		Args: []any{opts},
		Do: func(ctx context.Context) (domain.Ticker, error) {
			if q, ok := st.cache.Quote(); ok {
				return domain.Ticker{Bid: decimal.NewNullDecimal(q.Bid), Ask: decimal.NewNullDecimal(q.Ask)}, nil
			}
			return a.client.Ticker(ctx, opts.ProductID)
		},
	})
	if err != nil {
		return domain.Quote{}, err
	}
	if !tk.Bid.Valid && !tk.Ask.Valid {
		return domain.Quote{}, fmt.Errorf("%s has no liquidity to quote: %w", opts.ProductID, domain.ErrNoLiquidity)
	}
	return domain.Quote{Bid: tk.Bid.Decimal, Ask: tk.Ask.Decimal}, nil
}

// GetBalance always asks the vendor.
func (a *Adapter) GetBalance(ctx context.Context, opts domain.BalanceOpts) (domain.Balance, error) {
	if err := a.requireAuth(); err != nil {
		return domain.Balance{}, err
	}

	accounts, err := executor.Run(ctx, a.exec, executor.Call[[]domain.Account]{
		Name: "getBalance",
		Args: []any{opts},
		Do:   a.client.Accounts,
	})
	if err != nil {
		return domain.Balance{}, err
	}
	return domain.BalanceFrom(accounts, opts.Asset, opts.Currency), nil
}

func (a *Adapter) Buy(ctx context.Context, opts domain.OrderOpts) (*domain.Order, error) {
	return a.place(ctx, domain.SideBuy, opts)
}

func (a *Adapter) Sell(ctx context.Context, opts domain.OrderOpts) (*domain.Order, error) {
	return a.place(ctx, domain.SideSell, opts)
}

// orderRequest normalises placement options. The client order id is fixed
// here so every retry of the placement replays the same request.
func orderRequest(side domain.Side, opts domain.OrderOpts) domain.OrderRequest {
	postOnly := true
	if opts.PostOnly != nil {
		postOnly = *opts.PostOnly
	}

	req := domain.OrderRequest{
		ClientOID:   uuid.NewString(),
		ProductID:   opts.ProductID,
		Side:        side,
		Type:        domain.OrderTypeLimit,
		Price:       opts.Price,
		Size:        opts.Size,
		PostOnly:    postOnly,
		CancelAfter: opts.CancelAfter,
		TimeInForce: "GTC",
	}

	if opts.Liquidity == domain.LiquidityTaker {
		req.Type = domain.OrderTypeMarket
		req.Price = decimal.Zero
		req.PostOnly = false
		req.CancelAfter = ""
		req.TimeInForce = ""
	} else if opts.CancelAfter != "" {
		req.TimeInForce = "GTT"
	}
	return req
}

func (a *Adapter) place(ctx context.Context, side domain.Side, opts domain.OrderOpts) (*domain.Order, error) {
	if err := a.requireAuth(); err != nil {
		return nil, err
	}

	req := orderRequest(side, opts)
	st := a.product(req.ProductID)
	st.begin(req)
	defer st.end(req.ClientOID)

	order, err := executor.Run(ctx, a.exec, executor.Call[*domain.Order]{
		Name: string(side),
		Args: []any{req},
		Do: func(ctx context.Context) (*domain.Order, error) {
			return a.client.PlaceOrder(ctx, req)
		},
		Benign: func(err error) (*domain.Order, bool) {
			switch {
			case errors.Is(err, domain.ErrInsufficientFunds):
				return domain.Rejected(req, domain.RejectBalance), true
			case errors.Is(err, domain.ErrPostOnly):
				return domain.Rejected(req, domain.RejectPostOnly), true
			}
			return nil, false
		},
	})
	if err != nil {
		return nil, err
	}

	if order.ID == "" {
		slog.Info("Order rejected",
			slog.String("exchange", a.info.Name),
			slog.String("product", req.ProductID),
			slog.String("side", string(side)),
			slog.String("reason", order.RejectReason))
		return order, nil
	}

	if st.feed != nil {
		// only the stream keeps cached orders current
		merged := st.tracker.Placed(*order)
		order = &merged
	}
	st.remember(*order)
	if order.IsTerminal() {
		a.record(ctx, *order)
	}

	slog.Info("Order placed",
		slog.String("exchange", a.info.Name),
		slog.String("product", req.ProductID),
		slog.String("side", string(side)),
		slog.String("order_id", order.ID),
		slog.String("status", string(order.Status)))
	return order, nil
}

// CancelOrder treats orders the vendor reports as done or unknown as
// already cancelled.
func (a *Adapter) CancelOrder(ctx context.Context, opts domain.CancelOpts) error {
	if err := a.requireAuth(); err != nil {
		return err
	}

	_, err := executor.Run(ctx, a.exec, executor.Call[struct{}]{
		Name: "cancelOrder",
		Args: []any{opts},
		Do: func(ctx context.Context) (struct{}, error) {
			return struct{}{}, a.client.CancelOrder(ctx, opts.ProductID, opts.OrderID)
		},
		Benign: func(err error) (struct{}, bool) {
			return struct{}{}, errors.Is(err, domain.ErrOrderDone) || errors.Is(err, domain.ErrOrderNotFound)
		},
	})
	return err
}

// GetOrder prefers the streamed order record. An order the vendor no longer
// knows is recalled from the placement memo and finished as canceled.
func (a *Adapter) GetOrder(ctx context.Context, opts domain.GetOrderOpts) (*domain.Order, error) {
	st := a.product(opts.ProductID)
	if o, ok := st.cache.Order(opts.OrderID); ok {
		return &o, nil
	}
	if err := a.requireAuth(); err != nil {
		return nil, err
	}

	order, err := executor.Run(ctx, a.exec, executor.Call[*domain.Order]{
		Name: "getOrder",
		Args: []any{opts},
		Do: func(ctx context.Context) (*domain.Order, error) {
			return a.client.GetOrder(ctx, opts.ProductID, opts.OrderID)
		},
		Benign: func(err error) (*domain.Order, bool) {
			// resolved below; unknown orders are not worth retrying
			return nil, errors.Is(err, domain.ErrOrderNotFound)
		},
	})
	if err != nil {
		return nil, err
	}
	if order != nil {
		return order, nil
	}

	memo, ok := st.recall(opts.OrderID)
	if !ok {
		return nil, fmt.Errorf("order %s: %w", opts.OrderID, domain.ErrOrderNotFound)
	}
	if memo.Finish(domain.DoneReasonCanceled, time.Now().UTC()) {
		st.remember(memo)
		a.record(ctx, memo)
	}
	return &memo, nil
}
