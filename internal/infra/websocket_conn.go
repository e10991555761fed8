package infra

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ConnEventKind classifies what a WSConn observed.
type ConnEventKind int

const (
	ConnMessage ConnEventKind = iota + 1
	ConnError
	ConnClose
)

func (k ConnEventKind) String() string {
	switch k {
	case ConnMessage:
		return "message"
	case ConnError:
		return "error"
	case ConnClose:
		return "close"
	default:
		return "unknown"
	}
}

// ConnEvent is delivered to the owner of a WSConn in arrival order.
type ConnEvent struct {
	Kind    ConnEventKind
	Session uint64
	Data    []byte
	Err     error
}

// WSConfig describes one streaming session.
type WSConfig struct {
	URL       string
	Header    http.Header
	Subscribe [][]byte

	// Ping is an application-level keepalive frame. When nil a websocket
	// ping control frame is sent instead.
	Ping         []byte
	PingInterval time.Duration
	ReadTimeout  time.Duration
}

// WSConn is a single websocket session. It never reconnects on its own:
// failures are reported as events and the owner decides what to do.
//
// A read failure that is not a clean close produces ConnError followed by
// ConnClose. A peer close frame or a local Close produces ConnClose only.
type WSConn struct {
	id      string
	session uint64
	conn    *websocket.Conn
	writeMu sync.Mutex

	events chan<- ConnEvent
	ctx    context.Context

	closing   atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

// DialWS connects, sends the subscribe frames and starts the read loop.
// Events are delivered to events until ctx is done.
func DialWS(ctx context.Context, id string, session uint64, cfg WSConfig, events chan<- ConnEvent) (*WSConn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	header := make(http.Header)
	for k, v := range cfg.Header {
		header[k] = v
	}
	if header.Get("User-Agent") == "" {
		header.Set("User-Agent", GetUserAgent())
	}

	conn, _, err := dialer.DialContext(ctx, cfg.URL, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.URL, err)
	}

	c := &WSConn{
		id:      id,
		session: session,
		conn:    conn,
		events:  events,
		ctx:     ctx,
		done:    make(chan struct{}),
	}

	for _, frame := range cfg.Subscribe {
		if err := c.Write(frame); err != nil {
			conn.Close()
			return nil, fmt.Errorf("subscribe: %w", err)
		}
	}

	go c.readLoop(cfg.ReadTimeout)
	if cfg.PingInterval > 0 {
		go c.pingLoop(cfg.PingInterval, cfg.Ping)
	}

	slog.Debug("WS Connected", "id", id, "session", session)
	return c, nil
}

// Session returns the owner-assigned session number.
func (c *WSConn) Session() uint64 { return c.session }

func (c *WSConn) readLoop(timeout time.Duration) {
	for {
		if timeout > 0 {
			c.conn.SetReadDeadline(time.Now().Add(timeout))
		}
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if !c.closing.Load() && !errors.As(err, &closeErr) {
				slog.Warn("WS Read error", "id", c.id, "err", err)
				c.emit(ConnEvent{Kind: ConnError, Err: err})
			}
			c.emit(ConnEvent{Kind: ConnClose, Err: err})
			c.shutdown()
			return
		}
		c.emit(ConnEvent{Kind: ConnMessage, Data: msg})
	}
}

func (c *WSConn) pingLoop(interval time.Duration, frame []byte) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			var err error
			if frame != nil {
				err = c.Write(frame)
			} else {
				err = c.writeControl(websocket.PingMessage)
			}
			if err != nil {
				// the read loop surfaces the failure
				slog.Debug("WS Ping error", "id", c.id, "err", err)
				return
			}
		}
	}
}

func (c *WSConn) emit(ev ConnEvent) {
	ev.Session = c.session
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

// Write sends a text frame.
func (c *WSConn) Write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// WriteJSON marshals v and sends it as a text frame.
func (c *WSConn) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Write(data)
}

func (c *WSConn) writeControl(msgType int) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(msgType, nil, time.Now().Add(5*time.Second))
}

// Close tears the session down. The read loop still reports ConnClose.
func (c *WSConn) Close() {
	c.closing.Store(true)
	c.shutdown()
}

func (c *WSConn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}
