package binance

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/GarethWright/magic8bot/internal/domain"
	"github.com/adshao/go-binance/v2/common"
)

// Binance API error codes we branch on.
const (
	codeDisconnected   = -1001
	codeTimeout        = -1007
	codeTooMany        = -1003
	codeTooManyOrders  = -1015
	codeBadSignature   = -1022
	codeNewRejected    = -2010
	codeCancelRejected = -2011
	codeNoSuchOrder    = -2013
	codeBadAPIKey      = -2014
	codeRejectedKey    = -2015
)

// mapError classifies go-binance failures into domain errors.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%s: %w: %v", op, domain.ErrTransient, err)
	}

	msg := strings.ToLower(apiErr.Message)
	switch apiErr.Code {
	case 0, codeDisconnected, codeTimeout:
		// 5xx bodies do not decode into an APIError code
		return fmt.Errorf("%s: %w: %v", op, domain.ErrTransient, err)
	case codeTooMany, codeTooManyOrders:
		return fmt.Errorf("%s: %w: %s", op, domain.ErrRateLimited, apiErr.Message)
	case codeBadSignature, codeBadAPIKey, codeRejectedKey:
		return &domain.ConfigurationError{Exchange: Name, Field: "credentials", Reason: apiErr.Message}
	case codeNewRejected:
		switch {
		case strings.Contains(msg, "insufficient balance"):
			return fmt.Errorf("%s: %w", op, domain.ErrInsufficientFunds)
		case strings.Contains(msg, "immediately match"):
			return fmt.Errorf("%s: %w", op, domain.ErrPostOnly)
		}
	case codeCancelRejected, codeNoSuchOrder:
		return fmt.Errorf("%s: %w: %s", op, domain.ErrOrderNotFound, apiErr.Message)
	}
	return &domain.StatusError{Code: 400, Body: fmt.Sprintf("%s: code=%d %s", op, apiErr.Code, apiErr.Message)}
}
