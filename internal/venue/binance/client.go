package binance

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/GarethWright/magic8bot/internal/domain"
	"github.com/GarethWright/magic8bot/internal/venue"
	"github.com/GarethWright/magic8bot/pkg/quant"
	gbinance "github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
)

// Client adapts go-binance spot services to venue.Client.
type Client struct {
	api    *gbinance.Client
	authed bool
}

// NewClient wraps an existing go-binance client.
func NewClient(api *gbinance.Client, authed bool) *Client {
	return &Client{api: api, authed: authed}
}

var _ venue.Client = (*Client)(nil)

func (c *Client) Products(ctx context.Context) ([]domain.Product, error) {
	info, err := c.api.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, mapError("exchange info", err)
	}

	products := make([]domain.Product, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Status != "TRADING" {
			continue
		}
		p := domain.Product{
			ID:        s.BaseAsset + "-" + s.QuoteAsset,
			Asset:     s.BaseAsset,
			Currency:  s.QuoteAsset,
			MinSize:   decimal.Zero,
			Increment: decimal.Zero,
			Label:     s.BaseAsset + "/" + s.QuoteAsset,
		}
		if lot := s.LotSizeFilter(); lot != nil {
			if p.MinSize, err = quant.ParseDecimal(lot.MinQuantity); err != nil {
				return nil, &domain.ProtocolError{Op: "exchange info", Err: err}
			}
		}
		if pf := s.PriceFilter(); pf != nil {
			if p.Increment, err = quant.ParseDecimal(pf.TickSize); err != nil {
				return nil, &domain.ProtocolError{Op: "exchange info", Err: err}
			}
		}
		products = append(products, p)
	}
	return products, nil
}

// Trades queries aggTrades by time. Cursors are milliseconds; a query with
// only one end gets a one hour window.
func (c *Client) Trades(ctx context.Context, productID string, q venue.TradeQuery) ([]domain.Trade, error) {
	svc := c.api.NewAggTradesService().Symbol(symbol(productID))

	start, end := tradeRange(q)
	if start > 0 {
		svc.StartTime(start)
	}
	if end > 0 {
		svc.EndTime(end)
	}
	if q.Limit > 0 {
		svc.Limit(q.Limit)
	}

	raw, err := svc.Do(ctx)
	if err != nil {
		return nil, mapError("agg trades", err)
	}

	trades := make([]domain.Trade, 0, len(raw))
	for _, t := range raw {
		tr, err := aggTrade(t.AggTradeID, t.Timestamp, t.Quantity, t.Price, t.IsBuyerMaker)
		if err != nil {
			return nil, &domain.ProtocolError{Op: "agg trades", Err: err}
		}
		trades = append(trades, tr)
	}
	return trades, nil
}

func tradeRange(q venue.TradeQuery) (start, end int64) {
	window := tradeWindow.Milliseconds()
	switch {
	case q.NewerThan > 0 && q.OlderThan > 0:
		start, end = q.NewerThan, q.OlderThan
		if end-start > window {
			end = start + window
		}
	case q.NewerThan > 0:
		start, end = q.NewerThan, q.NewerThan+window
	case q.OlderThan > 0:
		start, end = q.OlderThan-window, q.OlderThan
	}
	return start, end
}

func aggTrade(id, ms int64, qty, price string, buyerMaker bool) (domain.Trade, error) {
	size, err := quant.ParseDecimal(qty)
	if err != nil {
		return domain.Trade{}, err
	}
	px, err := quant.ParseDecimal(price)
	if err != nil {
		return domain.Trade{}, err
	}
	// the taker sold into a resting buyer
	side := domain.SideBuy
	if buyerMaker {
		side = domain.SideSell
	}
	return domain.Trade{ID: id, Time: time.UnixMilli(ms).UTC(), Size: size, Price: px, Side: side}, nil
}

func (c *Client) Ticker(ctx context.Context, productID string) (domain.Ticker, error) {
	raw, err := c.api.NewListBookTickersService().Symbol(symbol(productID)).Do(ctx)
	if err != nil {
		return domain.Ticker{}, mapError("book ticker", err)
	}
	if len(raw) == 0 {
		return domain.Ticker{}, nil
	}

	bid, err := bookSide(raw[0].BidPrice)
	if err != nil {
		return domain.Ticker{}, &domain.ProtocolError{Op: "book ticker", Err: err}
	}
	ask, err := bookSide(raw[0].AskPrice)
	if err != nil {
		return domain.Ticker{}, &domain.ProtocolError{Op: "book ticker", Err: err}
	}
	return domain.Ticker{Bid: bid, Ask: ask, Time: time.Now()}, nil
}

// bookSide treats a zero price as an empty side.
func bookSide(s string) (decimal.NullDecimal, error) {
	d, err := quant.ParseNullDecimal(s)
	if err != nil || !d.Valid || d.Decimal.IsZero() {
		return decimal.NullDecimal{}, err
	}
	return d, nil
}

func (c *Client) Accounts(ctx context.Context) ([]domain.Account, error) {
	if err := venue.RequireAuth(Name, c.authed); err != nil {
		return nil, err
	}
	acct, err := c.api.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, mapError("account", err)
	}

	accounts := make([]domain.Account, 0, len(acct.Balances))
	for _, b := range acct.Balances {
		free, err := quant.ParseDecimal(b.Free)
		if err != nil {
			return nil, &domain.ProtocolError{Op: "account", Err: err}
		}
		locked, err := quant.ParseDecimal(b.Locked)
		if err != nil {
			return nil, &domain.ProtocolError{Op: "account", Err: err}
		}
		accounts = append(accounts, domain.Account{Currency: b.Asset, Balance: free.Add(locked), Hold: locked})
	}
	return accounts, nil
}

// PlaceOrder maps post-only limits to LIMIT_MAKER, which binance refuses
// outright when the price would cross.
func (c *Client) PlaceOrder(ctx context.Context, req domain.OrderRequest) (*domain.Order, error) {
	if err := venue.RequireAuth(Name, c.authed); err != nil {
		return nil, err
	}

	svc := c.api.NewCreateOrderService().
		Symbol(symbol(req.ProductID)).
		Side(sideType(req.Side))
	if req.ClientOID != "" {
		svc.NewClientOrderID(req.ClientOID)
	}

	switch {
	case req.Type == domain.OrderTypeMarket && !req.Funds.IsZero():
		svc.Type(gbinance.OrderTypeMarket).QuoteOrderQty(req.Funds.String())
	case req.Type == domain.OrderTypeMarket:
		svc.Type(gbinance.OrderTypeMarket).Quantity(req.Size.String())
	case req.PostOnly:
		svc.Type(gbinance.OrderTypeLimitMaker).Quantity(req.Size.String()).Price(req.Price.String())
	default:
		svc.Type(gbinance.OrderTypeLimit).
			TimeInForce(gbinance.TimeInForceTypeGTC).
			Quantity(req.Size.String()).
			Price(req.Price.String())
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return nil, mapError("create order", err)
	}

	order, err := toOrder(orderFields{
		ID:        resp.OrderID,
		ClientOID: resp.ClientOrderID,
		Symbol:    resp.Symbol,
		Side:      resp.Side,
		Type:      resp.Type,
		Price:     resp.Price,
		Size:      resp.OrigQuantity,
		Filled:    resp.ExecutedQuantity,
		Status:    resp.Status,
		Time:      resp.TransactTime,
	}, req.ProductID)
	if err != nil {
		return nil, &domain.ProtocolError{Op: "create order", Err: err}
	}
	return order, nil
}

// parseOrderID reads a binance order id. No order can carry any other
// shape of id, so a malformed one is reported as not found.
func parseOrderID(orderID string) (int64, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("order id %q: %w", orderID, domain.ErrOrderNotFound)
	}
	return id, nil
}

func (c *Client) CancelOrder(ctx context.Context, productID, orderID string) error {
	if err := venue.RequireAuth(Name, c.authed); err != nil {
		return err
	}
	id, err := parseOrderID(orderID)
	if err != nil {
		return err
	}

	_, err = c.api.NewCancelOrderService().Symbol(symbol(productID)).OrderID(id).Do(ctx)
	return mapError("cancel order", err)
}

func (c *Client) GetOrder(ctx context.Context, productID, orderID string) (*domain.Order, error) {
	if err := venue.RequireAuth(Name, c.authed); err != nil {
		return nil, err
	}
	id, err := parseOrderID(orderID)
	if err != nil {
		return nil, err
	}

	o, err := c.api.NewGetOrderService().Symbol(symbol(productID)).OrderID(id).Do(ctx)
	if err != nil {
		return nil, mapError("get order", err)
	}

	order, err := toOrder(orderFields{
		ID:        o.OrderID,
		ClientOID: o.ClientOrderID,
		Symbol:    o.Symbol,
		Side:      o.Side,
		Type:      o.Type,
		Price:     o.Price,
		Size:      o.OrigQuantity,
		Filled:    o.ExecutedQuantity,
		Status:    o.Status,
		Time:      o.Time,
		Updated:   o.UpdateTime,
	}, productID)
	if err != nil {
		return nil, &domain.ProtocolError{Op: "get order", Err: err}
	}
	return order, nil
}

func (c *Client) Close() error {
	c.api.SecretKey = ""
	c.api.APIKey = ""
	return nil
}
