package coinbase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/GarethWright/magic8bot/internal/domain"
	"github.com/GarethWright/magic8bot/internal/infra"
	"github.com/GarethWright/magic8bot/internal/venue"
	"github.com/GarethWright/magic8bot/pkg/quant"
	"github.com/go-resty/resty/v2"
)

// Published Coinbase Exchange REST limits, per second with burst.
const (
	publicRate   = 10
	publicBurst  = 15
	privateRate  = 15
	privateBurst = 30
)

// Client handles Coinbase Exchange REST communication.
type Client struct {
	http    *resty.Client
	signer  *Signer
	public  *infra.RateLimiter
	private *infra.RateLimiter
}

// NewClient creates a REST client. A nil signer limits it to public endpoints.
func NewClient(restURL string, signer *Signer) *Client {
	if restURL == "" {
		restURL = DefaultRestURL
	}
	rc := resty.New().
		SetBaseURL(strings.TrimRight(restURL, "/")).
		SetTimeout(15*time.Second).
		SetHeader("User-Agent", infra.GetUserAgent()).
		SetHeader("Accept", "application/json")

	return &Client{
		http:    rc,
		signer:  signer,
		public:  infra.NewRateLimiter(publicBurst, publicRate),
		private: infra.NewRateLimiter(privateBurst, privateRate),
	}
}

var _ venue.Client = (*Client)(nil)

func (c *Client) Products(ctx context.Context) ([]domain.Product, error) {
	var raw []productResponse
	if err := c.get(ctx, "/products", nil, &raw); err != nil {
		return nil, err
	}

	products := make([]domain.Product, 0, len(raw))
	for _, p := range raw {
		prod, err := p.toDomain()
		if err != nil {
			return nil, &domain.ProtocolError{Op: "products", Err: err}
		}
		products = append(products, prod)
	}
	return products, nil
}

// Trades pages backwards from the newest trade. NewerThan maps to "before"
// and OlderThan to "after".
func (c *Client) Trades(ctx context.Context, productID string, q venue.TradeQuery) ([]domain.Trade, error) {
	query := url.Values{}
	if q.NewerThan > 0 {
		query.Set("before", strconv.FormatInt(q.NewerThan, 10))
	} else if q.OlderThan > 0 {
		query.Set("after", strconv.FormatInt(q.OlderThan, 10))
	}
	if q.Limit > 0 {
		query.Set("limit", strconv.Itoa(q.Limit))
	}

	var raw []tradeResponse
	if err := c.get(ctx, "/products/"+productID+"/trades", query, &raw); err != nil {
		return nil, err
	}

	trades := make([]domain.Trade, 0, len(raw))
	for _, t := range raw {
		tr, err := t.toDomain()
		if err != nil {
			return nil, &domain.ProtocolError{Op: "trades", Err: err}
		}
		trades = append(trades, tr)
	}
	return trades, nil
}

func (c *Client) Ticker(ctx context.Context, productID string) (domain.Ticker, error) {
	var raw tickerResponse
	if err := c.get(ctx, "/products/"+productID+"/ticker", nil, &raw); err != nil {
		return domain.Ticker{}, err
	}

	bid, err := quant.ParseNullDecimal(raw.Bid)
	if err != nil {
		return domain.Ticker{}, &domain.ProtocolError{Op: "ticker", Err: err}
	}
	ask, err := quant.ParseNullDecimal(raw.Ask)
	if err != nil {
		return domain.Ticker{}, &domain.ProtocolError{Op: "ticker", Err: err}
	}
	t := domain.Ticker{Bid: bid, Ask: ask}
	if raw.Time != "" {
		t.Time, _ = quant.ParseTime(raw.Time)
	}
	return t, nil
}

func (c *Client) Accounts(ctx context.Context) ([]domain.Account, error) {
	resp, err := c.signed(ctx, http.MethodGet, "/accounts", nil, nil)
	if err != nil {
		return nil, err
	}

	var raw []accountResponse
	if err := json.Unmarshal(resp.Body(), &raw); err != nil {
		return nil, &domain.ProtocolError{Op: "accounts", Err: err}
	}

	accounts := make([]domain.Account, 0, len(raw))
	for _, a := range raw {
		bal, err := quant.ParseDecimal(a.Balance)
		if err != nil {
			return nil, &domain.ProtocolError{Op: "accounts", Err: err}
		}
		hold, err := quant.ParseDecimal(a.Hold)
		if err != nil {
			return nil, &domain.ProtocolError{Op: "accounts", Err: err}
		}
		accounts = append(accounts, domain.Account{Currency: a.Currency, Balance: bal, Hold: hold})
	}
	return accounts, nil
}

func (c *Client) PlaceOrder(ctx context.Context, req domain.OrderRequest) (*domain.Order, error) {
	body := orderRequest{
		ClientOID:   req.ClientOID,
		ProductID:   req.ProductID,
		Side:        string(req.Side),
		Type:        string(req.Type),
		TimeInForce: req.TimeInForce,
		CancelAfter: req.CancelAfter,
		PostOnly:    req.PostOnly,
	}
	if !req.Price.IsZero() {
		body.Price = req.Price.String()
	}
	if !req.Size.IsZero() {
		body.Size = req.Size.String()
	}
	if !req.Funds.IsZero() {
		body.Funds = req.Funds.String()
	}

	resp, err := c.signed(ctx, http.MethodPost, "/orders", nil, body)
	if err != nil {
		switch {
		case venue.BodyContains(err, "insufficient funds"):
			return nil, fmt.Errorf("place order: %w", domain.ErrInsufficientFunds)
		case statusBodyPostOnly(err):
			return nil, fmt.Errorf("place order: %w", domain.ErrPostOnly)
		}
		return nil, err
	}

	var raw orderResponse
	if err := json.Unmarshal(resp.Body(), &raw); err != nil {
		return nil, &domain.ProtocolError{Op: "place order", Err: err}
	}
	if raw.Status == "rejected" && isPostOnlyReject(raw.RejectReason) {
		return nil, fmt.Errorf("place order %s: %w", raw.ID, domain.ErrPostOnly)
	}

	order, err := raw.toDomain()
	if err != nil {
		return nil, &domain.ProtocolError{Op: "place order", Err: err}
	}
	if order.ClientOID == "" {
		order.ClientOID = req.ClientOID
	}
	return order, nil
}

func (c *Client) CancelOrder(ctx context.Context, productID, orderID string) error {
	_, err := c.signed(ctx, http.MethodDelete, "/orders/"+orderID, nil, nil)
	switch {
	case err == nil:
		return nil
	case venue.BodyContains(err, "order already done"):
		return fmt.Errorf("cancel %s: %w", orderID, domain.ErrOrderDone)
	case venue.BodyContains(err, "order not found"), statusCode(err) == http.StatusNotFound:
		return fmt.Errorf("cancel %s: %w", orderID, domain.ErrOrderNotFound)
	default:
		return err
	}
}

func (c *Client) GetOrder(ctx context.Context, productID, orderID string) (*domain.Order, error) {
	resp, err := c.signed(ctx, http.MethodGet, "/orders/"+orderID, nil, nil)
	if statusCode(err) == http.StatusNotFound {
		return nil, fmt.Errorf("get order %s: %w", orderID, domain.ErrOrderNotFound)
	}
	if err != nil {
		return nil, err
	}

	var raw orderResponse
	if err := json.Unmarshal(resp.Body(), &raw); err != nil {
		return nil, &domain.ProtocolError{Op: "get order", Err: err}
	}
	order, err := raw.toDomain()
	if err != nil {
		return nil, &domain.ProtocolError{Op: "get order", Err: err}
	}
	return order, nil
}

// Close wipes the credentials.
func (c *Client) Close() error {
	c.signer.Wipe()
	return nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	if err := c.public.Wait(ctx); err != nil {
		return err
	}
	req := c.http.R().SetContext(ctx)
	if len(query) > 0 {
		req.SetQueryParamsFromValues(query)
	}
	resp, err := req.Get(path)
	if err := venue.CheckResponse(resp, err); err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return &domain.ProtocolError{Op: "GET " + path, Err: err}
	}
	return nil
}

// signed sends an authenticated request. The signature covers the exact
// path, query string and body bytes sent on the wire.
func (c *Client) signed(ctx context.Context, method, path string, query url.Values, body any) (*resty.Response, error) {
	if c.signer == nil {
		return nil, venue.RequireAuth(Name, false)
	}
	if err := c.private.Wait(ctx); err != nil {
		return nil, err
	}

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, err
		}
	}

	requestPath := path
	if len(query) > 0 {
		requestPath += "?" + query.Encode()
	}

	req := c.http.R().
		SetContext(ctx).
		SetHeaders(c.signer.Headers(method, requestPath, string(payload)))
	if len(query) > 0 {
		req.SetQueryParamsFromValues(query)
	}
	if payload != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(payload)
	}

	resp, err := req.Execute(method, path)
	if err := venue.CheckResponse(resp, err); err != nil {
		return resp, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

func statusCode(err error) int {
	var se *domain.StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}

func statusBodyPostOnly(err error) bool {
	var se *domain.StatusError
	return errors.As(err, &se) && isPostOnlyReject(se.Body)
}
