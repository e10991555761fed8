// Package venue defines the boundary every exchange binding implements.
// Bindings translate vendor payloads into domain and event types; nothing
// above this package branches on vendor identity.
package venue

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/GarethWright/magic8bot/internal/domain"
	"github.com/GarethWright/magic8bot/internal/event"
	"github.com/GarethWright/magic8bot/internal/infra"
	"github.com/go-resty/resty/v2"
)

// TradeQuery bounds a historical trade request by cursor. Zero is unset.
type TradeQuery struct {
	NewerThan int64
	OlderThan int64
	Limit     int
}

// Client is the REST half of a binding. Errors must be classified:
// benign refusals wrap the domain sentinels, rate limits wrap
// domain.ErrRateLimited, malformed payloads are *domain.ProtocolError.
type Client interface {
	Products(ctx context.Context) ([]domain.Product, error)
	Trades(ctx context.Context, productID string, q TradeQuery) ([]domain.Trade, error)
	Ticker(ctx context.Context, productID string) (domain.Ticker, error)
	Accounts(ctx context.Context) ([]domain.Account, error)
	PlaceOrder(ctx context.Context, req domain.OrderRequest) (*domain.Order, error)
	CancelOrder(ctx context.Context, productID, orderID string) error
	GetOrder(ctx context.Context, productID, orderID string) (*domain.Order, error)
	Close() error
}

// Stream is the streaming half of a binding.
type Stream interface {
	// Prepare returns the session description for one product. The
	// authenticated order channel is included only when authed is true.
	Prepare(ctx context.Context, productID string, authed bool) (infra.WSConfig, error)

	// Classify maps one raw frame to canonical events. Frames that carry
	// nothing of interest return (nil, nil). Vendor error frames return an
	// error wrapping domain.ErrStreamFault.
	Classify(productID string, raw []byte) ([]event.Event, error)
}

// Binding bundles everything an adapter needs from one exchange.
type Binding struct {
	Info          domain.ExchangeInfo
	Client        Client
	Stream        Stream
	Authenticated bool
}

// CheckResponse is the shared success/failure normalization for resty
// bindings: a non-2xx status is an error even without a transport error.
func CheckResponse(resp *resty.Response, err error) error {
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("%w: %v", domain.ErrTransient, err)
	}
	if resp.IsSuccess() {
		return nil
	}

	body := strings.TrimSpace(resp.String())
	switch code := resp.StatusCode(); code {
	case 429, 418:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, body)
	case 401, 403:
		return &domain.ConfigurationError{Field: "credentials", Reason: fmt.Sprintf("rejected by exchange (%d): %s", code, body)}
	default:
		return &domain.StatusError{Code: code, Body: body}
	}
}

// BodyContains reports whether err is a StatusError whose body mentions s
// (case-insensitive). Bindings use it to recognise benign refusals.
func BodyContains(err error, s string) bool {
	var se *domain.StatusError
	if !errors.As(err, &se) {
		return false
	}
	return strings.Contains(strings.ToLower(se.Body), strings.ToLower(s))
}

// RequireAuth returns a ConfigurationError when a binding has no credentials.
func RequireAuth(exchange string, ok bool) error {
	if ok {
		return nil
	}
	return &domain.ConfigurationError{Exchange: exchange, Field: "credentials", Reason: "please configure API credentials"}
}
