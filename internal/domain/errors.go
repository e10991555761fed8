package domain

import (
	"errors"
	"fmt"
)

// Benign outcomes. Bindings wrap these so the adapter can resolve them as
// normal results instead of failures.
var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrOrderDone         = errors.New("order already done")
	ErrOrderNotFound     = errors.New("order not found")
	ErrPostOnly          = errors.New("post-only order would take liquidity")
)

var (
	// ErrRateLimited is fatal for the call: logged, never retried.
	ErrRateLimited = errors.New("rate limited")

	// ErrTransient marks network-level failures that are worth retrying.
	ErrTransient = errors.New("transient vendor failure")

	// ErrNoLiquidity is returned by a quote when the book has neither side.
	ErrNoLiquidity = errors.New("no liquidity")

	// ErrStreamFault is returned by a stream classifier for vendor error frames.
	ErrStreamFault = errors.New("stream fault")
)

// ConfigurationError reports missing or placeholder credentials and settings.
type ConfigurationError struct {
	Exchange string
	Field    string
	Reason   string
}

func (e *ConfigurationError) Error() string {
	if e.Exchange == "" {
		return fmt.Sprintf("configuration: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("configuration: %s.%s: %s", e.Exchange, e.Field, e.Reason)
}

// StatusError is a non-success HTTP response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.Code, e.Body)
}

// Unwrap lets 5xx responses match ErrTransient.
func (e *StatusError) Unwrap() error {
	if e.Code >= 500 {
		return ErrTransient
	}
	return nil
}

// ProtocolError is a malformed or unexpected vendor payload.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol desync in %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// IsFatal reports errors that must not be retried.
func IsFatal(err error) bool {
	var cfgErr *ConfigurationError
	return errors.Is(err, ErrRateLimited) || errors.As(err, &cfgErr)
}
