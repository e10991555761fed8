package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/GarethWright/magic8bot/internal/domain"
	"github.com/GarethWright/magic8bot/internal/event"
	"github.com/GarethWright/magic8bot/internal/infra"
	"github.com/GarethWright/magic8bot/internal/venue"
	"github.com/GarethWright/magic8bot/pkg/quant"
	gbinance "github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
)

// userID marks order events from the private user-data stream.
const userID = "self"

const userDataListenKeyExpired gbinance.UserDataEventType = "listenKeyExpired"

// Stream builds combined-stream sessions and classifies their frames.
type Stream struct {
	url    string
	api    *gbinance.Client
	authed bool

	mu        sync.Mutex
	listenKey string
	keepOnce  sync.Once
}

// NewStream creates a stream. The user-data stream needs an authenticated api.
func NewStream(wsURL string, api *gbinance.Client, authed bool) *Stream {
	if wsURL == "" {
		wsURL = DefaultWSURL
	}
	return &Stream{url: strings.TrimRight(wsURL, "/"), api: api, authed: authed}
}

var _ venue.Stream = (*Stream)(nil)

func (s *Stream) Prepare(ctx context.Context, productID string, authed bool) (infra.WSConfig, error) {
	sym := strings.ToLower(symbol(productID))
	streams := []string{sym + "@aggTrade", sym + "@bookTicker"}

	if authed && s.authed {
		key, err := s.api.NewStartUserStreamService().Do(ctx)
		if err != nil {
			return infra.WSConfig{}, mapError("start user stream", err)
		}
		s.mu.Lock()
		s.listenKey = key
		s.mu.Unlock()
		s.keepOnce.Do(func() { go s.keepAlive(ctx) })
		streams = append(streams, key)
	}

	return infra.WSConfig{
		URL:          s.url + "/stream?streams=" + strings.Join(streams, "/"),
		PingInterval: time.Minute,
	}, nil
}

// keepAlive extends the listen key; binance expires it after an hour.
func (s *Stream) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			key := s.listenKey
			s.mu.Unlock()
			if err := s.api.NewKeepaliveUserStreamService().ListenKey(key).Do(ctx); err != nil {
				slog.Warn("Listen key keepalive failed", "exchange", Name, "err", err)
			}
		}
	}
}

func (s *Stream) Classify(productID string, raw []byte) ([]event.Event, error) {
	var msg combinedMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, &domain.ProtocolError{Op: "classify", Err: err}
	}
	if msg.Error != nil {
		return nil, fmt.Errorf("%w: code=%d %s", domain.ErrStreamFault, msg.Error.Code, msg.Error.Msg)
	}
	if len(msg.Data) == 0 {
		return nil, nil
	}

	switch {
	case strings.HasSuffix(msg.Stream, "@aggTrade"):
		var t gbinance.WsAggTradeEvent
		if err := json.Unmarshal(msg.Data, &t); err != nil {
			return nil, &domain.ProtocolError{Op: "aggTrade", Err: err}
		}
		tr, err := aggTrade(t.AggTradeID, t.TradeTime, t.Quantity, t.Price, t.IsBuyerMaker)
		if err != nil {
			return nil, &domain.ProtocolError{Op: "aggTrade", Err: err}
		}
		return []event.Event{&event.TradeEvent{ProductID: productID, Trade: tr}}, nil

	case strings.HasSuffix(msg.Stream, "@bookTicker"):
		var b gbinance.WsBookTickerEvent
		if err := json.Unmarshal(msg.Data, &b); err != nil {
			return nil, &domain.ProtocolError{Op: "bookTicker", Err: err}
		}
		bid, err := bookSide(b.BestBidPrice)
		if err != nil {
			return nil, &domain.ProtocolError{Op: "bookTicker", Err: err}
		}
		ask, err := bookSide(b.BestAskPrice)
		if err != nil {
			return nil, &domain.ProtocolError{Op: "bookTicker", Err: err}
		}
		return []event.Event{&event.TickerEvent{ProductID: productID, Ticker: domain.Ticker{Bid: bid, Ask: ask, Time: time.Now()}}}, nil
	}

	var head gbinance.WsUserDataEvent
	if err := json.Unmarshal(msg.Data, &head); err != nil {
		// listenKeyExpired sends its event time as a string
		var typeErr *json.UnmarshalTypeError
		if !errors.As(err, &typeErr) || typeErr.Field != "E" || head.Event == "" {
			return nil, &domain.ProtocolError{Op: "user data", Err: err}
		}
	}
	switch head.Event {
	case gbinance.UserDataEventTypeExecutionReport:
		if err := json.Unmarshal(msg.Data, &head.OrderUpdate); err != nil {
			return nil, &domain.ProtocolError{Op: "executionReport", Err: err}
		}
		return executionEvents(productID, head.OrderUpdate)
	case userDataListenKeyExpired:
		return nil, fmt.Errorf("%w: listen key expired", domain.ErrStreamFault)
	}
	return nil, nil
}

// executionEvents maps one execution report to tracker events. The user
// stream carries every symbol, so reports for other products are dropped.
func executionEvents(productID string, r gbinance.WsOrderUpdate) ([]event.Event, error) {
	if r.Symbol != symbol(productID) {
		return nil, nil
	}

	base := event.OrderEvent{
		ProductID: productID,
		UserID:    userID,
		OrderID:   strconv.FormatInt(r.Id, 10),
		Side:      domain.Side(strings.ToLower(r.Side)),
		Time:      time.UnixMilli(r.TransactionTime).UTC(),
	}

	remaining := func() (decimal.NullDecimal, error) {
		q, err := quant.ParseDecimal(r.Volume)
		if err != nil {
			return decimal.NullDecimal{}, err
		}
		z, err := quant.ParseDecimal(r.FilledVolume)
		if err != nil {
			return decimal.NullDecimal{}, err
		}
		return decimal.NewNullDecimal(q.Sub(z)), nil
	}

	var evs []event.Event
	var err error
	switch r.ExecutionType {
	case "NEW":
		ev := base
		ev.Kind = event.EvOrderOpen
		ev.ClientOID = r.ClientOrderId
		ev.PostOnly = r.Type == string(gbinance.OrderTypeLimitMaker)
		if ev.Price, err = quant.ParseNullDecimal(r.Price); err != nil {
			break
		}
		ev.Size, err = remaining()
		evs = append(evs, &ev)

	case "REPLACED", "AMENDMENT":
		ev := base
		ev.Kind = event.EvOrderChange
		ev.Size, err = remaining()
		evs = append(evs, &ev)

	case "TRADE":
		ev := base
		ev.Kind = event.EvOrderMatch
		if ev.Size, err = quant.ParseNullDecimal(r.LatestVolume); err != nil {
			break
		}
		if ev.Price, err = quant.ParseNullDecimal(r.LatestPrice); err != nil {
			break
		}
		evs = append(evs, &ev)
		if r.Status == string(gbinance.OrderStatusTypeFilled) {
			done := base
			done.Kind = event.EvOrderDone
			done.Reason = domain.DoneReasonFilled
			evs = append(evs, &done)
		}

	case "CANCELED", "EXPIRED", "TRADE_PREVENTION":
		ev := base
		ev.Kind = event.EvOrderDone
		ev.Reason = domain.DoneReasonCanceled
		evs = append(evs, &ev)

	case "REJECTED":
		ev := base
		ev.Kind = event.EvOrderDone
		ev.Reason = domain.DoneReasonRejected
		evs = append(evs, &ev)
	}

	if err != nil {
		return nil, &domain.ProtocolError{Op: "executionReport", Err: err}
	}
	return evs, nil
}
