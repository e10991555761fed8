// Package cache holds the per-product market and order state shared by the
// feed manager (writer) and the adapter fast paths (readers).
package cache

import (
	"sort"
	"sync"

	"github.com/GarethWright/magic8bot/internal/domain"
)

// DefaultTradeCapacity bounds the trade ring when no size is configured.
const DefaultTradeCapacity = 10000

// CursorFunc extracts the pagination cursor from a trade.
type CursorFunc func(domain.Trade) int64

// ProductCache is the in-memory state for one (exchange, product) pair.
// All methods are safe for concurrent use.
type ProductCache struct {
	mu       sync.Mutex
	capacity int
	cursor   CursorFunc

	trades []domain.Trade // ascending by cursor
	index  map[int64]struct{}
	ticker domain.Ticker
	orders map[string]*domain.Order

	generation uint64
}

// New creates an empty cache. capacity <= 0 uses DefaultTradeCapacity.
func New(capacity int, cursor CursorFunc) *ProductCache {
	if capacity <= 0 {
		capacity = DefaultTradeCapacity
	}
	c := &ProductCache{capacity: capacity, cursor: cursor}
	c.resetLocked()
	return c
}

// Reset discards everything. Used when the stream can no longer be trusted.
func (c *ProductCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
	c.generation++
}

func (c *ProductCache) resetLocked() {
	c.trades = make([]domain.Trade, 0, 64)
	c.index = make(map[int64]struct{})
	c.ticker = domain.Ticker{}
	c.orders = make(map[string]*domain.Order)
}

// Generation increments on every Reset.
func (c *ProductCache) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// AppendTrade records a streamed trade. Duplicates (by id) are dropped.
// Returns false for a duplicate.
func (c *ProductCache) AppendTrade(t domain.Trade) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.index[t.ID]; ok {
		return false
	}
	c.index[t.ID] = struct{}{}

	cur := c.cursor(t)
	n := len(c.trades)
	if n == 0 || c.cursor(c.trades[n-1]) <= cur {
		c.trades = append(c.trades, t)
	} else {
		// out of order; keep the ring sorted
		i := sort.Search(n, func(i int) bool { return c.cursor(c.trades[i]) > cur })
		c.trades = append(c.trades, domain.Trade{})
		copy(c.trades[i+1:], c.trades[i:])
		c.trades[i] = t
	}

	if over := len(c.trades) - c.capacity; over > 0 {
		c.dropLocked(over)
	}
	return true
}

func (c *ProductCache) dropLocked(n int) {
	for _, t := range c.trades[:n] {
		delete(c.index, t.ID)
	}
	c.trades = append(c.trades[:0:0], c.trades[n:]...)
}

// TradeCount returns the number of cached trades.
func (c *ProductCache) TradeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.trades)
}

// ServeTrades is the getTrades fast path. It serves only when the ring
// covers from (oldest cursor <= from <= newest cursor); otherwise the caller
// must go to the vendor. On a hit it returns trades with cursor > from in
// scan order and trims the ring so the newest served trade becomes the
// oldest retained one.
func (c *ProductCache) ServeTrades(from int64, scan domain.HistoryScan) ([]domain.Trade, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.trades)
	if n == 0 || from <= 0 {
		return nil, false
	}
	if c.cursor(c.trades[n-1]) < from || c.cursor(c.trades[0]) > from {
		return nil, false
	}

	start := sort.Search(n, func(i int) bool { return c.cursor(c.trades[i]) > from })
	served := make([]domain.Trade, n-start)
	copy(served, c.trades[start:])

	if len(served) > 0 {
		// keep the boundary trade so the next call can still prove coverage
		c.dropLocked(n - 1)
	}

	if scan == domain.ScanBackward {
		for i, j := 0, len(served)-1; i < j; i, j = i+1, j-1 {
			served[i], served[j] = served[j], served[i]
		}
	}
	return served, true
}

// SetTicker overlays the known sides of t onto the snapshot.
func (c *ProductCache) SetTicker(t domain.Ticker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ticker = c.ticker.Merge(t)
}

// Quote returns the snapshot if both bid and ask are known.
func (c *ProductCache) Quote() (domain.Quote, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ticker.Complete() {
		return domain.Quote{}, false
	}
	return domain.Quote{Bid: c.ticker.Bid.Decimal, Ask: c.ticker.Ask.Decimal}, true
}

// UpsertOrder stores a copy of o keyed by its vendor id. A terminal cached
// record is never replaced by a non-terminal one.
func (c *ProductCache) UpsertOrder(o domain.Order) {
	if o.ID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if cur, ok := c.orders[o.ID]; ok && cur.IsTerminal() && !o.IsTerminal() {
		return
	}
	c.orders[o.ID] = &o
}

// UpdateOrder runs fn on the cached record for id under the cache lock.
// Returns false if the id is unknown.
func (c *ProductCache) UpdateOrder(id string, fn func(*domain.Order)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	o, ok := c.orders[id]
	if !ok {
		return false
	}
	fn(o)
	return true
}

// Order returns a copy of the cached record.
func (c *ProductCache) Order(id string) (domain.Order, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	o, ok := c.orders[id]
	if !ok {
		return domain.Order{}, false
	}
	return *o, true
}

// OrderCount returns the number of cached orders.
func (c *ProductCache) OrderCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.orders)
}
