// Package feed supervises one streaming connection per product and feeds the
// product cache and order tracker in arrival order.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/GarethWright/magic8bot/internal/cache"
	"github.com/GarethWright/magic8bot/internal/domain"
	"github.com/GarethWright/magic8bot/internal/event"
	"github.com/GarethWright/magic8bot/internal/infra"
	"github.com/GarethWright/magic8bot/internal/orders"
	"github.com/GarethWright/magic8bot/internal/venue"
	"github.com/GarethWright/magic8bot/pkg/quant"
	"github.com/jpillora/backoff"
)

// State of the supervised connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateErroring
	StateReconnecting
	StateClosed
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateErroring:
		return "ERRORING"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosed:
		return "CLOSED"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Conn is a live streaming session. Close must eventually cause a
// ConnClose event for the session.
type Conn interface {
	Close()
}

// Dialer opens a session and delivers its events to events.
type Dialer func(ctx context.Context, id string, session uint64, cfg infra.WSConfig, events chan<- infra.ConnEvent) (Conn, error)

// DialWebSocket is the production Dialer.
func DialWebSocket(ctx context.Context, id string, session uint64, cfg infra.WSConfig, events chan<- infra.ConnEvent) (Conn, error) {
	c, err := infra.DialWS(ctx, id, session, cfg, events)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Config for one product feed.
type Config struct {
	Exchange      string
	ProductID     string
	Authenticated bool

	ReconnectMinDelay time.Duration
	ReconnectMaxDelay time.Duration

	Dial Dialer
}

// Stats is a point-in-time view for operators.
type Stats struct {
	Exchange    string    `json:"exchange"`
	ProductID   string    `json:"product_id"`
	State       string    `json:"state"`
	Session     uint64    `json:"session"`
	Reconnects  int       `json:"reconnects"`
	Messages    uint64    `json:"messages"`
	LastMessage time.Time `json:"last_message,omitempty"`

	CachedTrades int    `json:"cached_trades"`
	CachedOrders int    `json:"cached_orders"`
	CacheResets  uint64 `json:"cache_resets"`
}

// Manager owns one product's streaming connection. All connection events
// are handled on a single goroutine, so cache and tracker mutations from
// the stream happen strictly in arrival order.
type Manager struct {
	cfg     Config
	id      string
	stream  venue.Stream
	cache   *cache.ProductCache
	tracker *orders.Tracker

	events  chan infra.ConnEvent
	backoff *backoff.Backoff

	// owned by the run goroutine
	state      State
	session    uint64
	conn       Conn
	errored    bool
	seenData   bool
	seq        uint64
	retryTimer *time.Timer
	retryC     <-chan time.Time

	statsMu sync.Mutex
	stats   Stats

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager wires a feed for one product.
func NewManager(cfg Config, stream venue.Stream, c *cache.ProductCache, tracker *orders.Tracker) *Manager {
	if cfg.Dial == nil {
		cfg.Dial = DialWebSocket
	}
	if cfg.ReconnectMinDelay <= 0 {
		cfg.ReconnectMinDelay = time.Second
	}
	if cfg.ReconnectMaxDelay <= 0 {
		cfg.ReconnectMaxDelay = time.Minute
	}
	return &Manager{
		cfg:     cfg,
		id:      fmt.Sprintf("%s:%s", cfg.Exchange, cfg.ProductID),
		stream:  stream,
		cache:   c,
		tracker: tracker,
		events:  make(chan infra.ConnEvent, 256),
		backoff: infra.NewReconnectBackoff(cfg.ReconnectMinDelay, cfg.ReconnectMaxDelay),
		stats:   Stats{Exchange: cfg.Exchange, ProductID: cfg.ProductID, State: StateDisconnected.String()},
	}
}

// Start runs the manager until ctx is done or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.run(ctx)
}

// Stop terminates the manager and waits for it to exit.
func (m *Manager) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
}

// Stats returns a snapshot of the feed's health.
func (m *Manager) Stats() Stats {
	m.statsMu.Lock()
	s := m.stats
	m.statsMu.Unlock()

	s.CachedTrades = m.cache.TradeCount()
	s.CachedOrders = m.cache.OrderCount()
	s.CacheResets = m.cache.Generation()
	return s
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)
	m.connect(ctx)

	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return
		case ev := <-m.events:
			m.handle(ev)
		case <-m.retryC:
			m.retryTimer, m.retryC = nil, nil
			m.connect(ctx)
		}
	}
}

func (m *Manager) connect(ctx context.Context) {
	m.setState(StateConnecting)

	wsCfg, err := m.stream.Prepare(ctx, m.cfg.ProductID, m.cfg.Authenticated)
	if err != nil {
		slog.Warn("Feed prepare failed", "id", m.id, "err", err)
		m.scheduleReconnect()
		return
	}

	m.session++
	conn, err := m.cfg.Dial(ctx, m.id, m.session, wsCfg, m.events)
	if err != nil {
		slog.Warn("WS Connection failed", "id", m.id, "err", err, "retry", int(m.backoff.Attempt()))
		m.scheduleReconnect()
		return
	}

	m.conn = conn
	m.errored = false
	m.seenData = false
	m.setState(StateOpen)
	m.updateStats(func(s *Stats) { s.Session = m.session })
	slog.Info("Feed connected", "id", m.id, "session", m.session, "authenticated", m.cfg.Authenticated)
}

func (m *Manager) handle(ev infra.ConnEvent) {
	if ev.Session != m.session {
		slog.Debug("Dropping event from stale session", "id", m.id, "kind", ev.Kind, "session", ev.Session)
		return
	}

	switch ev.Kind {
	case infra.ConnMessage:
		if m.errored {
			return
		}
		m.dispatch(ev.Data)

	case infra.ConnError:
		m.fail(ev.Err)

	case infra.ConnClose:
		m.conn = nil
		if m.errored {
			// the error path already discarded the cache and scheduled the reconnect
			m.errored = false
			return
		}
		slog.Warn("Feed closed unexpectedly", "id", m.id, "err", ev.Err)
		m.setState(StateClosed)
		m.cache.Reset()
		m.scheduleReconnect()
	}
}

// fail tears the session down after a stream error.
func (m *Manager) fail(err error) {
	if m.errored {
		return
	}
	slog.Warn("Feed error, resetting", "id", m.id, "err", err)

	m.errored = true
	m.setState(StateErroring)
	if m.conn != nil {
		m.conn.Close()
	}
	m.cache.Reset()
	m.scheduleReconnect()
}

func (m *Manager) dispatch(data []byte) {
	if !m.seenData {
		m.seenData = true
		m.backoff.Reset()
	}
	m.updateStats(func(s *Stats) {
		s.Messages++
		s.LastMessage = time.Now()
	})

	evs, err := m.stream.Classify(m.cfg.ProductID, data)
	if err != nil {
		if errors.Is(err, domain.ErrStreamFault) {
			m.fail(err)
			return
		}
		slog.Debug("Skipping unclassifiable frame", "id", m.id, "err", err)
		return
	}

	for _, ev := range evs {
		m.seq++
		ev.Stamp(m.seq, quant.Now())

		switch e := ev.(type) {
		case *event.OrderEvent:
			if e.Authenticated() {
				m.tracker.Apply(e)
			}
		case *event.TradeEvent:
			m.cache.AppendTrade(e.Trade)
		case *event.TickerEvent:
			m.cache.SetTicker(e.Ticker)
		}
	}
}

func (m *Manager) scheduleReconnect() {
	if m.retryTimer != nil {
		return
	}
	delay := m.backoff.Duration()
	m.setState(StateReconnecting)
	m.updateStats(func(s *Stats) { s.Reconnects++ })
	slog.Info("Feed reconnect scheduled", "id", m.id, "delay", delay)

	m.retryTimer = time.NewTimer(delay)
	m.retryC = m.retryTimer.C
}

func (m *Manager) shutdown() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer, m.retryC = nil, nil
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.setState(StateStopped)
}

func (m *Manager) setState(s State) {
	m.state = s
	m.updateStats(func(st *Stats) { st.State = s.String() })
}

func (m *Manager) updateStats(fn func(*Stats)) {
	m.statsMu.Lock()
	fn(&m.stats)
	m.statsMu.Unlock()
}
