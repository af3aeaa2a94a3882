// Package errs defines the error taxonomy shared by all venue
// implementations. Venue specific failure codes are folded into a small set
// of sentinel kinds so callers can branch with errors.Is without knowing
// which venue produced the failure.
package errs

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrExchange is the base kind every classified venue error matches
	ErrExchange = errors.New("exchange error")
	// ErrAuthentication is returned for missing, malformed or rejected credentials
	ErrAuthentication = errors.New("authentication failure")
	// ErrRateLimitExceeded is returned when the venue rejects a request for
	// exceeding its rate limits
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	// ErrInsufficientFunds is returned when the account balance cannot cover
	// the requested operation
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrInvalidOrder is returned when order parameters are rejected
	ErrInvalidOrder = errors.New("invalid order")
	// ErrOrderNotFound is returned when the referenced order does not exist
	ErrOrderNotFound = errors.New("order not found")
	// ErrBadSymbol is returned for unknown or malformed market symbols
	ErrBadSymbol = errors.New("unknown symbol")
	// ErrBadRequest is returned for malformed requests the venue refused
	ErrBadRequest = errors.New("bad request")
	// ErrExchangeNotAvailable is returned when the venue is down or in
	// maintenance
	ErrExchangeNotAvailable = errors.New("exchange not available")
	// ErrNetwork is returned for transport failures before a response arrived
	ErrNetwork = errors.New("network failure")
	// ErrRequestTimeout is returned when a request deadline elapsed
	ErrRequestTimeout = errors.New("request timed out")
	// ErrNotSupported is returned when a venue does not implement the
	// requested capability
	ErrNotSupported = errors.New("operation not supported")
)

// Error is a classified venue failure. It retains the venue's raw error code
// and message alongside the taxonomy kind so nothing is lost in translation.
type Error struct {
	// Venue is the lower-case venue name that produced the failure
	Venue string
	// Kind is one of the package sentinel errors
	Kind error
	// HTTPStatus is the response status code, zero when not applicable
	HTTPStatus int
	// VenueCode is the venue's own error code verbatim
	VenueCode string
	// Message is the venue's error message verbatim
	Message string
	// RetryAfter is the venue's requested back-off, when one was supplied
	// with a rate limit rejection
	RetryAfter time.Duration
	// Cause is the underlying error, if any
	Cause error
}

// New returns a classified error for the venue. A nil kind is treated as
// ErrExchange.
func New(venue string, kind error, message string) *Error {
	if kind == nil {
		kind = ErrExchange
	}
	return &Error{Venue: venue, Kind: kind, Message: message}
}

// WithHTTP attaches the HTTP response status
func (e *Error) WithHTTP(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithCode attaches the venue's raw error code
func (e *Error) WithCode(code string) *Error {
	e.VenueCode = code
	return e
}

// WithCause attaches the underlying error
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// WithRetryAfter attaches the venue's requested back-off
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// Error implements the error interface
func (e *Error) Error() string {
	s := e.Venue + ": " + e.Kind.Error()
	if e.VenueCode != "" {
		s += fmt.Sprintf(" [%s]", e.VenueCode)
	}
	if e.Message != "" {
		s += ": " + e.Message
	}
	if e.Cause != nil {
		s += ": " + e.Cause.Error()
	}
	return s
}

// Is reports whether target matches the error's kind or the base ErrExchange
func (e *Error) Is(target error) bool {
	return errors.Is(e.Kind, target) || target == ErrExchange
}

// Unwrap exposes the underlying cause to errors.Is and errors.As
func (e *Error) Unwrap() error {
	return e.Cause
}

// CodeTable maps venue error codes to taxonomy kinds. Codes absent from the
// table classify as the base ErrExchange.
type CodeTable map[string]error

// Kind returns the taxonomy kind for a venue code
func (t CodeTable) Kind(code string) error {
	if kind, ok := t[code]; ok {
		return kind
	}
	return ErrExchange
}

// Classify resolves a venue error code against its table, preserving the raw
// code and message on the returned error
func Classify(venue string, table CodeTable, code, message string) *Error {
	return New(venue, table.Kind(code), message).WithCode(code)
}

// KindFromHTTPStatus returns the taxonomy kind conventionally implied by an
// HTTP status code, for venues whose response body carries no usable error
// detail.
func KindFromHTTPStatus(status int) error {
	switch {
	case status == 429 || status == 418:
		return ErrRateLimitExceeded
	case status == 408:
		return ErrRequestTimeout
	case status == 401 || status == 403:
		return ErrAuthentication
	case status >= 500:
		return ErrExchangeNotAvailable
	case status >= 400:
		return ErrBadRequest
	default:
		return ErrExchange
	}
}
