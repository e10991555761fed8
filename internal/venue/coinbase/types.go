package coinbase

import (
	"fmt"
	"strings"
	"time"

	"github.com/GarethWright/magic8bot/internal/domain"
	"github.com/GarethWright/magic8bot/pkg/quant"
)

type apiError struct {
	Message string `json:"message"`
}

type productResponse struct {
	ID             string `json:"id"`
	BaseCurrency   string `json:"base_currency"`
	QuoteCurrency  string `json:"quote_currency"`
	BaseMinSize    string `json:"base_min_size"`
	QuoteIncrement string `json:"quote_increment"`
	DisplayName    string `json:"display_name"`
}

type tradeResponse struct {
	TradeID int64  `json:"trade_id"`
	Time    string `json:"time"`
	Size    string `json:"size"`
	Price   string `json:"price"`
	Side    string `json:"side"`
}

type tickerResponse struct {
	TradeID int64  `json:"trade_id"`
	Price   string `json:"price"`
	Bid     string `json:"bid"`
	Ask     string `json:"ask"`
	Time    string `json:"time"`
}

type accountResponse struct {
	Currency  string `json:"currency"`
	Balance   string `json:"balance"`
	Available string `json:"available"`
	Hold      string `json:"hold"`
}

type orderRequest struct {
	ClientOID   string `json:"client_oid,omitempty"`
	ProductID   string `json:"product_id"`
	Side        string `json:"side"`
	Type        string `json:"type"`
	Price       string `json:"price,omitempty"`
	Size        string `json:"size,omitempty"`
	Funds       string `json:"funds,omitempty"`
	TimeInForce string `json:"time_in_force,omitempty"`
	CancelAfter string `json:"cancel_after,omitempty"`
	PostOnly    bool   `json:"post_only,omitempty"`
}

type orderResponse struct {
	ID           string `json:"id"`
	ClientOID    string `json:"client_oid"`
	ProductID    string `json:"product_id"`
	Side         string `json:"side"`
	Type         string `json:"type"`
	Price        string `json:"price"`
	Size         string `json:"size"`
	FilledSize   string `json:"filled_size"`
	PostOnly     bool   `json:"post_only"`
	Status       string `json:"status"`
	DoneReason   string `json:"done_reason"`
	RejectReason string `json:"reject_reason"`
	Settled      bool   `json:"settled"`
	CreatedAt    string `json:"created_at"`
	DoneAt       string `json:"done_at"`
}

// streamMessage is the union of every feed frame we consume.
type streamMessage struct {
	Type          string `json:"type"`
	Message       string `json:"message"`
	Reason        string `json:"reason"`
	ProductID     string `json:"product_id"`
	UserID        string `json:"user_id"`
	TradeID       int64  `json:"trade_id"`
	OrderID       string `json:"order_id"`
	ClientOID     string `json:"client_oid"`
	MakerOrderID  string `json:"maker_order_id"`
	TakerOrderID  string `json:"taker_order_id"`
	Side          string `json:"side"`
	Price         string `json:"price"`
	Size          string `json:"size"`
	RemainingSize string `json:"remaining_size"`
	NewSize       string `json:"new_size"`
	BestBid       string `json:"best_bid"`
	BestAsk       string `json:"best_ask"`
	Time          string `json:"time"`
}

type subscribeRequest struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channels   []string `json:"channels"`

	Signature  string `json:"signature,omitempty"`
	Key        string `json:"key,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
	Timestamp  string `json:"timestamp,omitempty"`
}

func (p productResponse) toDomain() (domain.Product, error) {
	minSize, err := quant.ParseDecimal(p.BaseMinSize)
	if err != nil {
		return domain.Product{}, err
	}
	inc, err := quant.ParseDecimal(p.QuoteIncrement)
	if err != nil {
		return domain.Product{}, err
	}
	label := p.DisplayName
	if label == "" {
		label = p.BaseCurrency + "/" + p.QuoteCurrency
	}
	return domain.Product{
		ID:        p.ID,
		Asset:     p.BaseCurrency,
		Currency:  p.QuoteCurrency,
		MinSize:   minSize,
		Increment: inc,
		Label:     label,
	}, nil
}

func (t tradeResponse) toDomain() (domain.Trade, error) {
	return parseTrade(t.TradeID, t.Time, t.Size, t.Price, t.Side)
}

func parseTrade(id int64, ts, size, price, side string) (domain.Trade, error) {
	at, err := quant.ParseTime(ts)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("trade %d time: %w", id, err)
	}
	sz, err := quant.ParseDecimal(size)
	if err != nil {
		return domain.Trade{}, err
	}
	px, err := quant.ParseDecimal(price)
	if err != nil {
		return domain.Trade{}, err
	}
	return domain.Trade{ID: id, Time: at, Size: sz, Price: px, Side: domain.Side(side)}, nil
}

func (o orderResponse) toDomain() (*domain.Order, error) {
	price, err := quant.ParseDecimal(o.Price)
	if err != nil {
		return nil, err
	}
	size, err := quant.ParseDecimal(o.Size)
	if err != nil {
		return nil, err
	}
	filled, err := quant.ParseDecimal(o.FilledSize)
	if err != nil {
		return nil, err
	}

	order := &domain.Order{
		ID:         o.ID,
		ClientOID:  o.ClientOID,
		ProductID:  o.ProductID,
		Side:       domain.Side(o.Side),
		Type:       domain.OrderType(o.Type),
		Price:      price,
		Size:       size,
		FilledSize: filled,
		PostOnly:   o.PostOnly,
		Status:     domain.StatusOpen,
		Settled:    o.Settled,
	}
	if o.CreatedAt != "" {
		order.CreatedAt, _ = quant.ParseTime(o.CreatedAt)
	}

	var doneAt time.Time
	if o.DoneAt != "" {
		doneAt, _ = quant.ParseTime(o.DoneAt)
	}

	switch o.Status {
	case "pending", "open", "active", "received":
	case "done", "settled":
		order.Finish(o.DoneReason, doneAt)
		order.Settled = o.Settled || o.Status == "settled"
	case "rejected":
		order.Finish(domain.DoneReasonRejected, doneAt)
		order.RejectReason = o.RejectReason
	default:
		return nil, fmt.Errorf("unknown order status %q", o.Status)
	}
	return order, nil
}

// isPostOnlyReject recognises a placement refused because it would take.
func isPostOnlyReject(s string) bool {
	s = strings.ToLower(s)
	return strings.Contains(s, "post only") || strings.Contains(s, "post-only")
}
