// Package paper is an in-memory exchange with virtual balances. It
// implements both halves of the vendor boundary and a feed dialer, so the
// full adapter stack runs against it in paper mode and in tests.
package paper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/GarethWright/magic8bot/internal/domain"
	"github.com/GarethWright/magic8bot/internal/venue"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	Name = "paper"

	defaultPageSize = 100
)

// Info is the static exchange metadata.
func Info() domain.ExchangeInfo {
	return domain.ExchangeInfo{
		Name:        Name,
		HistoryScan: domain.ScanBackward,
		MakerFee:    decimal.Zero,
		TakerFee:    decimal.Zero,
		Cursor:      domain.CursorTradeID,
		RetryDelay:  100 * time.Millisecond,
	}
}

type wallet struct {
	total decimal.Decimal
	hold  decimal.Decimal
}

func (w *wallet) free() decimal.Decimal { return w.total.Sub(w.hold) }

// Exchange simulates order execution against virtual balances.
type Exchange struct {
	// emitMu orders frame delivery across operations
	emitMu sync.Mutex

	mu       sync.Mutex
	products map[string]domain.Product
	wallets  map[string]*wallet
	orders   map[string]*domain.Order
	byClient map[string]string
	trades   map[string][]domain.Trade
	tickers  map[string]domain.Ticker
	tradeSeq int64
	faults   []error
	calls    map[string]int
	subs     map[*subscriber]struct{}
}

// New creates an empty exchange.
func New() *Exchange {
	return &Exchange{
		products: make(map[string]domain.Product),
		wallets:  make(map[string]*wallet),
		orders:   make(map[string]*domain.Order),
		byClient: make(map[string]string),
		trades:   make(map[string][]domain.Trade),
		tickers:  make(map[string]domain.Ticker),
		calls:    make(map[string]int),
		subs:     make(map[*subscriber]struct{}),
	}
}

// Binding exposes ex through the vendor boundary. Feeds must be dialed
// with ex.Dial.
func (p *Exchange) Binding() venue.Binding {
	return venue.Binding{Info: Info(), Client: p, Stream: p, Authenticated: true}
}

var _ venue.Client = (*Exchange)(nil)

// AddProduct lists a product. "BASE-QUOTE" ids are split into asset/currency.
func (p *Exchange) AddProduct(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	asset, currency, _ := strings.Cut(id, "-")
	p.products[id] = domain.Product{
		ID:        id,
		Asset:     asset,
		Currency:  currency,
		MinSize:   decimal.RequireFromString("0.00000001"),
		Increment: decimal.RequireFromString("0.01"),
		Label:     asset + "/" + currency,
	}
}

// Deposit adds funds to the virtual account.
func (p *Exchange) Deposit(currency string, amount decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()

	w := p.wallet(currency)
	w.total = w.total.Add(amount)
}

// FailNext queues errors returned, in order, by the next vendor calls.
func (p *Exchange) FailNext(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.faults = append(p.faults, errs...)
}

// Calls returns how many times op was invoked, failures included.
func (p *Exchange) Calls(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

// Forget drops an order so that later lookups report it as not found.
func (p *Exchange) Forget(orderID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.orders, orderID)
}

// begin counts the call and pops a queued fault. Caller holds p.mu.
func (p *Exchange) begin(op string) error {
	p.calls[op]++
	if len(p.faults) == 0 {
		return nil
	}
	err := p.faults[0]
	p.faults = p.faults[1:]
	return err
}

func (p *Exchange) wallet(currency string) *wallet {
	w, ok := p.wallets[currency]
	if !ok {
		w = &wallet{total: decimal.Zero, hold: decimal.Zero}
		p.wallets[currency] = w
	}
	return w
}

func (p *Exchange) Products(ctx context.Context) ([]domain.Product, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin("products"); err != nil {
		return nil, err
	}

	out := make([]domain.Product, 0, len(p.products))
	for _, prod := range p.products {
		out = append(out, prod)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Trades pages by trade id, newest first.
func (p *Exchange) Trades(ctx context.Context, productID string, q venue.TradeQuery) ([]domain.Trade, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin("trades"); err != nil {
		return nil, err
	}

	limit := q.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}

	var page []domain.Trade
	all := p.trades[productID]
	switch {
	case q.NewerThan > 0:
		for _, t := range all {
			if t.ID > q.NewerThan && len(page) < limit {
				page = append(page, t)
			}
		}
	case q.OlderThan > 0:
		for _, t := range all {
			if t.ID < q.OlderThan {
				page = append(page, t)
			}
		}
	default:
		page = append(page, all...)
	}
	if len(page) > limit {
		page = page[len(page)-limit:]
	}

	out := make([]domain.Trade, len(page))
	for i, t := range page {
		out[len(page)-1-i] = t
	}
	return out, nil
}

func (p *Exchange) Ticker(ctx context.Context, productID string) (domain.Ticker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin("ticker"); err != nil {
		return domain.Ticker{}, err
	}
	return p.tickers[productID], nil
}

func (p *Exchange) Accounts(ctx context.Context) ([]domain.Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin("accounts"); err != nil {
		return nil, err
	}

	out := make([]domain.Account, 0, len(p.wallets))
	for cur, w := range p.wallets {
		out = append(out, domain.Account{Currency: cur, Balance: w.total, Hold: w.hold})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out, nil
}

// PlaceOrder accepts limit and market orders. Replays with a known client
// order id return the original order.
func (p *Exchange) PlaceOrder(ctx context.Context, req domain.OrderRequest) (*domain.Order, error) {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()

	p.mu.Lock()
	if err := p.begin("place"); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	if id, ok := p.byClient[req.ClientOID]; ok && req.ClientOID != "" {
		if o, ok := p.orders[id]; ok {
			cp := *o
			p.mu.Unlock()
			return &cp, nil
		}
	}

	order, frames, err := p.place(req)
	subs := p.subscribers(req.ProductID)
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}
	deliver(subs, frames)
	return order, nil
}

// place runs under p.mu.
func (p *Exchange) place(req domain.OrderRequest) (*domain.Order, []frame, error) {
	asset, currency, _ := strings.Cut(req.ProductID, "-")
	tk := p.tickers[req.ProductID]

	price := req.Price
	crosses := false
	switch req.Side {
	case domain.SideBuy:
		crosses = tk.Ask.Valid && price.GreaterThanOrEqual(tk.Ask.Decimal)
	case domain.SideSell:
		crosses = tk.Bid.Valid && price.LessThanOrEqual(tk.Bid.Decimal)
	default:
		return nil, nil, &domain.StatusError{Code: 400, Body: fmt.Sprintf("invalid side %q", req.Side)}
	}

	if req.Type == domain.OrderTypeMarket {
		touch := tk.Ask
		if req.Side == domain.SideSell {
			touch = tk.Bid
		}
		if !touch.Valid {
			return nil, nil, &domain.StatusError{Code: 400, Body: req.ProductID + " has no liquidity to fill"}
		}
		price = touch.Decimal
		crosses = true
	} else if req.PostOnly && crosses {
		return nil, nil, fmt.Errorf("place %s: %w", req.ProductID, domain.ErrPostOnly)
	}

	size := req.Size
	if size.IsZero() && !req.Funds.IsZero() && !price.IsZero() {
		size = req.Funds.Div(price)
	}
	if !size.IsPositive() {
		return nil, nil, &domain.StatusError{Code: 400, Body: "size must be positive"}
	}

	need, from := size, p.wallet(asset)
	if req.Side == domain.SideBuy {
		need, from = price.Mul(size), p.wallet(currency)
	}
	if from.free().LessThan(need) {
		return nil, nil, fmt.Errorf("place %s: %w", req.ProductID, domain.ErrInsufficientFunds)
	}

	now := time.Now().UTC()
	o := &domain.Order{
		ID:         uuid.NewString(),
		ClientOID:  req.ClientOID,
		ProductID:  req.ProductID,
		Side:       req.Side,
		Type:       req.Type,
		Price:      price,
		Size:       size,
		FilledSize: decimal.Zero,
		PostOnly:   req.PostOnly,
		Status:     domain.StatusOpen,
		CreatedAt:  now,
	}
	p.orders[o.ID] = o
	if req.ClientOID != "" {
		p.byClient[req.ClientOID] = o.ID
	}

	var frames []frame
	if crosses {
		frames = p.fill(o, price, false, nil)
	} else {
		from.hold = from.hold.Add(need)
		frames = append(frames, orderFrame("open", o, o.Size, ""))
	}

	slog.Info("PAPER EXECUTION: Order Placed",
		slog.String("id", o.ID),
		slog.String("product", o.ProductID),
		slog.String("side", string(o.Side)),
		slog.String("price", price.String()),
		slog.String("size", size.String()),
		slog.String("status", string(o.Status)))

	cp := *o
	return &cp, frames, nil
}

// fill executes o completely at px. Resting orders release their hold.
// When tape is nil a new public trade is recorded for the fill.
// Runs under p.mu.
func (p *Exchange) fill(o *domain.Order, px decimal.Decimal, resting bool, tape *domain.Trade) []frame {
	asset, currency, _ := strings.Cut(o.ProductID, "-")
	a, c := p.wallet(asset), p.wallet(currency)
	notional := px.Mul(o.Size)

	if o.Side == domain.SideBuy {
		if resting {
			c.hold = c.hold.Sub(o.Price.Mul(o.Size))
		}
		c.total = c.total.Sub(notional)
		a.total = a.total.Add(o.Size)
	} else {
		if resting {
			a.hold = a.hold.Sub(o.Size)
		}
		a.total = a.total.Sub(o.Size)
		c.total = c.total.Add(notional)
	}

	var frames []frame
	if tape == nil {
		t := p.appendTrade(o.ProductID, px, o.Size, o.Side)
		tape = &t
		frames = append(frames, frame{Type: "trade", Trade: tape})
	}
	o.FilledSize = o.Size
	o.Price = px
	o.Finish(domain.DoneReasonFilled, tape.Time)

	return append(frames,
		orderFrame("match", o, o.Size, ""),
		orderFrame("done", o, decimal.Zero, domain.DoneReasonFilled))
}

func (p *Exchange) appendTrade(productID string, px, size decimal.Decimal, side domain.Side) domain.Trade {
	p.tradeSeq++
	t := domain.Trade{ID: p.tradeSeq, Time: time.Now().UTC(), Size: size, Price: px, Side: side}
	p.trades[productID] = append(p.trades[productID], t)
	return t
}

func (p *Exchange) CancelOrder(ctx context.Context, productID, orderID string) error {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()

	p.mu.Lock()
	if err := p.begin("cancel"); err != nil {
		p.mu.Unlock()
		return err
	}
	o, ok := p.orders[orderID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("cancel %s: %w", orderID, domain.ErrOrderNotFound)
	}
	if o.IsTerminal() {
		p.mu.Unlock()
		return fmt.Errorf("cancel %s: %w", orderID, domain.ErrOrderDone)
	}

	asset, currency, _ := strings.Cut(o.ProductID, "-")
	if o.Side == domain.SideBuy {
		w := p.wallet(currency)
		w.hold = w.hold.Sub(o.Price.Mul(o.Size))
	} else {
		w := p.wallet(asset)
		w.hold = w.hold.Sub(o.Size)
	}
	o.Finish(domain.DoneReasonCanceled, time.Now().UTC())
	frames := []frame{orderFrame("done", o, o.Size.Sub(o.FilledSize), domain.DoneReasonCanceled)}
	subs := p.subscribers(o.ProductID)
	p.mu.Unlock()

	slog.Info("PAPER EXECUTION: Order Canceled", slog.String("id", orderID))
	deliver(subs, frames)
	return nil
}

func (p *Exchange) GetOrder(ctx context.Context, productID, orderID string) (*domain.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin("get order"); err != nil {
		return nil, err
	}
	o, ok := p.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("get order %s: %w", orderID, domain.ErrOrderNotFound)
	}
	cp := *o
	return &cp, nil
}

func (p *Exchange) Close() error { return nil }

// SetTicker updates the top of book and publishes it.
func (p *Exchange) SetTicker(productID string, bid, ask decimal.Decimal) {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()

	p.mu.Lock()
	tk := domain.Ticker{Time: time.Now().UTC()}
	if !bid.IsZero() {
		tk.Bid = decimal.NewNullDecimal(bid)
	}
	if !ask.IsZero() {
		tk.Ask = decimal.NewNullDecimal(ask)
	}
	p.tickers[productID] = tk
	subs := p.subscribers(productID)
	p.mu.Unlock()

	deliver(subs, []frame{{Type: "ticker", Bid: tk.Bid, Ask: tk.Ask, Time: tk.Time}})
}

// Trade prints a public trade and fills resting orders it crosses.
func (p *Exchange) Trade(productID string, px, size decimal.Decimal, side domain.Side) domain.Trade {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()

	p.mu.Lock()
	t := p.appendTrade(productID, px, size, side)
	frames := []frame{{Type: "trade", Trade: &t}}

	ids := make([]string, 0, len(p.orders))
	for id := range p.orders {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		o := p.orders[id]
		if o.ProductID != productID || !o.IsOpen() {
			continue
		}
		if (o.Side == domain.SideBuy && px.LessThanOrEqual(o.Price)) ||
			(o.Side == domain.SideSell && px.GreaterThanOrEqual(o.Price)) {
			frames = append(frames, p.fill(o, o.Price, true, &t)...)
		}
	}
	subs := p.subscribers(productID)
	p.mu.Unlock()

	deliver(subs, frames)
	return t
}

// ErrDropped is the transport error reported by Drop.
var ErrDropped = errors.New("paper: connection dropped")
