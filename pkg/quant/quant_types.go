package quant

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TimeStamp represents Unix Microseconds.
type TimeStamp int64

// Now returns the current wall clock as a TimeStamp.
func Now() TimeStamp {
	return TimeStamp(time.Now().UnixMicro())
}

// Time converts back to time.Time.
func (ts TimeStamp) Time() time.Time {
	return time.UnixMicro(int64(ts))
}

// ParseDecimal parses a vendor numeric string. Empty and "null" are zero.
func ParseDecimal(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "null" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse decimal %q: %w", s, err)
	}
	return d, nil
}

// ParseNullDecimal is like ParseDecimal but keeps absence distinct from zero.
func ParseNullDecimal(s string) (decimal.NullDecimal, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "null" {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.NullDecimal{}, fmt.Errorf("parse decimal %q: %w", s, err)
	}
	return decimal.NewNullDecimal(d), nil
}

// ParseTime accepts RFC3339 (with or without fractional seconds).
func ParseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
