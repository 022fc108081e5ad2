package quote

import (
	"errors"
	"fmt"
)

// Error kinds for quote resolution failures.
const (
	KindUpstreamUnavailable = "upstream_unavailable"
	KindRateLimited         = "rate_limited"
	KindDataPaused          = "data_paused"
	KindNoData              = "no_data"
	KindMalformed           = "malformed_response"
)

// Error represents a typed quote resolution failure.
type Error struct {
	Kind    string
	Symbol  string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s error for %s: %s (%v)", e.Kind, e.Symbol, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s error for %s: %s", e.Kind, e.Symbol, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Common error constructors

func NewUpstreamError(symbol, message string, cause error) *Error {
	return &Error{Kind: KindUpstreamUnavailable, Symbol: symbol, Message: message, Cause: cause}
}

func NewRateLimitError(symbol, message string) *Error {
	return &Error{Kind: KindRateLimited, Symbol: symbol, Message: message}
}

func NewDataPausedError(symbol string) *Error {
	return &Error{Kind: KindDataPaused, Symbol: symbol, Message: "live data paused and no cached value available"}
}

func NewNoDataError(symbol string) *Error {
	return &Error{Kind: KindNoData, Symbol: symbol, Message: "symbol unknown to live source and synthetic generator"}
}

func NewMalformedError(symbol, message string, cause error) *Error {
	return &Error{Kind: KindMalformed, Symbol: symbol, Message: message, Cause: cause}
}

// IsKind reports whether err is (or wraps) a quote Error of the given kind.
func IsKind(err error, kind string) bool {
	var qe *Error
	if errors.As(err, &qe) {
		return qe.Kind == kind
	}
	return false
}
