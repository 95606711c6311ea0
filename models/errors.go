package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies provider failures so callers can branch without
// string-matching log messages.
type ErrorKind int

const (
	// KindRateLimited covers both the local limiter denying a slot and the
	// exchange answering HTTP 429.
	KindRateLimited ErrorKind = iota
	// KindTransient covers timeouts, connection resets and non-429 HTTP
	// errors. Safe to retry from the caller's side.
	KindTransient
	// KindMalformed covers responses that arrived but could not be decoded
	// or were missing required fields.
	KindMalformed
	// KindConfig covers programming errors such as an invalid symbol or
	// market type. These fail loudly at call time and are never retried.
	KindConfig
)

func (k ErrorKind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindTransient:
		return "transient"
	case KindMalformed:
		return "malformed"
	case KindConfig:
		return "config"
	default:
		return "unknown"
	}
}

// MarketError is the error type returned by providers, the cache and the
// rate limiter. Op names the operation that failed, e.g. "upbit.get_ticker".
type MarketError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *MarketError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *MarketError) Unwrap() error { return e.Err }

// NewMarketError wraps err with an operation name and a kind.
func NewMarketError(kind ErrorKind, op string, err error) *MarketError {
	return &MarketError{Kind: kind, Op: op, Err: err}
}

// Errorf builds a MarketError from a format string.
func Errorf(kind ErrorKind, op, format string, args ...interface{}) *MarketError {
	return &MarketError{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the ErrorKind from err, defaulting to KindTransient for
// errors that did not originate in this module.
func KindOf(err error) ErrorKind {
	var me *MarketError
	if errors.As(err, &me) {
		return me.Kind
	}
	return KindTransient
}
