package scraper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Classification buckets an error for retry policy selection.
type Classification string

// The closed error taxonomy. Every terminal failure carries exactly one.
const (
	ClassifyNetworkTimeout Classification = "network_timeout"
	ClassifyRateLimited    Classification = "rate_limited"
	ClassifyParse          Classification = "parse_error"
	ClassifyAuthentication Classification = "authentication_error"
	ClassifyValidation     Classification = "validation_error"
	ClassifySecurity       Classification = "security_error"
)

// Fatal reports whether the classification must never be auto-retried.
// Authentication failures need credential intervention; security findings are
// policy violations, not transient faults.
func (c Classification) Fatal() bool {
	return c == ClassifyAuthentication || c == ClassifySecurity
}

// Error is the terminal error surfaced to callers: a classification, a
// human-readable message, structured context, and the attempt count reached.
type Error struct {
	Kind         Classification
	Message      string
	Context      map[string]any
	RetryAttempt int
	Timestamp    time.Time
	cause        error
}

// NewError builds an Error for the given classification.
func NewError(kind Classification, msg string) *Error {
	return &Error{
		Kind:      kind,
		Message:   msg,
		Timestamp: time.Now().UTC(),
	}
}

// Wrap attaches an underlying cause.
func (e *Error) Wrap(cause error) *Error {
	e.cause = cause
	return e
}

// With adds a context key/value and returns the error for chaining.
func (e *Error) With(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// AsError extracts a *Error from an error chain.
func AsError(err error) (*Error, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// ClassificationOf returns the classification in the chain, or
// ClassifyNetworkTimeout heuristics for raw transport errors.
func ClassificationOf(err error) Classification {
	if se, ok := AsError(err); ok {
		return se.Kind
	}
	return classifyTransport(err)
}

// classifyTransport maps raw fetch errors onto the taxonomy.
func classifyTransport(err error) Classification {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ClassifyNetworkTimeout
	case errors.Is(err, context.Canceled):
		// Cancellation is handled before classification; treating it as a
		// timeout keeps the fallback safe.
		return ClassifyNetworkTimeout
	}
	// Any network-layer fault, timeout or not, gets the network policy:
	// connection refusals, DNS failures, and resets are transient the same
	// way timeouts are. ClassifyParse stays reserved for content faults.
	// url.Error, *net.OpError, and *net.DNSError all satisfy net.Error.
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassifyNetworkTimeout
	}
	return ClassifyParse
}

// ClassifyStatus maps an HTTP status code onto the taxonomy. 2xx codes do
// not classify and return an empty Classification.
func ClassifyStatus(code int) Classification {
	switch {
	case code == http.StatusTooManyRequests:
		return ClassifyRateLimited
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ClassifyAuthentication
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return ClassifyNetworkTimeout
	case code >= 500:
		return ClassifyNetworkTimeout
	case code >= 400:
		return ClassifyValidation
	default:
		return ""
	}
}
