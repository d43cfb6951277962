package core

import (
	"errors"
	"fmt"
	"time"
)

// ErrorType classifies a failure for propagation and retry decisions.
type ErrorType int

// Error type constants. Only RateLimit and Transient are ever retried internally.
const (
	// ErrorTypeUnknown indicates an unclassified failure.
	ErrorTypeUnknown ErrorType = iota
	// ErrorTypeConfig indicates malformed credentials or parameters detected locally.
	ErrorTypeConfig
	// ErrorTypeAuth indicates the remote side rejected the key or signature.
	ErrorTypeAuth
	// ErrorTypeValidation indicates the remote side rejected the request semantics.
	ErrorTypeValidation
	// ErrorTypeRateLimit indicates the request weight or order rate was exceeded.
	ErrorTypeRateLimit
	// ErrorTypeTransient indicates a network, timeout or server-side failure.
	ErrorTypeTransient
	// ErrorTypeStream indicates a streaming disconnect or heartbeat timeout.
	ErrorTypeStream
	// ErrorTypeSessionExpired indicates the listen key could not be kept alive.
	ErrorTypeSessionExpired
)

// String returns the string representation of the error type.
func (t ErrorType) String() string {
	if t < ErrorTypeUnknown || t > ErrorTypeSessionExpired {
		return "UNKNOWN"
	}
	return [...]string{
		"UNKNOWN",
		"CONFIG",
		"AUTH",
		"VALIDATION",
		"RATE_LIMIT",
		"TRANSIENT",
		"STREAM",
		"SESSION_EXPIRED",
	}[t]
}

// Category is the coarse classification carried by errors parsed from a
// response envelope.
type Category int

// Response envelope categories.
const (
	CategoryUnknown Category = iota
	CategoryAuth
	CategoryRateLimit
	CategoryValidation
	CategoryTransient
)

// String returns the string representation of the category.
func (c Category) String() string {
	switch c {
	case CategoryAuth:
		return "Auth"
	case CategoryRateLimit:
		return "RateLimit"
	case CategoryValidation:
		return "Validation"
	case CategoryTransient:
		return "Transient"
	default:
		return "Unknown"
	}
}

// Sentinel errors for common error conditions.
var (
	// ErrClientClosed is returned when attempting to use a closed client.
	ErrClientClosed = errors.New("client is closed")
	// ErrStreamClosed is returned when a subscription handle has been closed.
	ErrStreamClosed = errors.New("stream is closed")
	// ErrTransportClosed is returned when a stream transport has been shut down.
	ErrTransportClosed = errors.New("transport is closed")
	// ErrNotConnected is returned when a websocket write is attempted without a connection.
	ErrNotConnected = errors.New("websocket not connected")
	// ErrCircuitBreakerOpen is returned when the circuit breaker rejects a call.
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	// ErrNoCredentials is returned when an authenticated call is made on a public client.
	ErrNoCredentials = errors.New("no credentials configured")
	// ErrEmptySecret is returned when signing is attempted with empty secret material.
	ErrEmptySecret = errors.New("secret key is empty")
	// ErrNoListenKey is returned when no listen key has been acquired.
	ErrNoListenKey = errors.New("no listen key available")
)

// Error is the structured failure returned by the dispatcher, stream
// transports and the user-data session manager.
type Error struct {
	// Type is the taxonomy kind driving retry policy.
	Type ErrorType `json:"type"`
	// StatusCode is the HTTP status of the response, zero for local or stream errors.
	StatusCode int `json:"status_code,omitempty"`
	// Code is the exchange error code from the response envelope.
	Code int `json:"code,omitempty"`
	// Message is the exchange message or a local description.
	Message string `json:"message"`
	// RetryAfter is the delay hint supplied by the remote side, if any.
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	// OutcomeUnknown marks a non-idempotent call whose effect on the remote
	// side cannot be determined. Callers reconcile with a query call.
	OutcomeUnknown bool `json:"outcome_unknown,omitempty"`
	// Endpoint is "METHOD /path" of the failed call, or the stream name.
	Endpoint string `json:"endpoint,omitempty"`
	// Err is the underlying cause, if any.
	Err error `json:"-"`
	// Timestamp is when the error was created.
	Timestamp time.Time `json:"timestamp"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	var s string
	switch {
	case e.Code != 0:
		s = fmt.Sprintf("%s (%d/%d): %s", e.Type, e.StatusCode, e.Code, msg)
	case e.StatusCode != 0:
		s = fmt.Sprintf("%s (%d): %s", e.Type, e.StatusCode, msg)
	default:
		s = fmt.Sprintf("%s: %s", e.Type, msg)
	}
	if e.Endpoint != "" {
		s = "[" + e.Endpoint + "] " + s
	}
	if e.OutcomeUnknown {
		s += " (outcome unknown)"
	}
	return s
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Category maps the error type onto the response envelope categories.
func (e *Error) Category() Category {
	switch e.Type {
	case ErrorTypeAuth:
		return CategoryAuth
	case ErrorTypeRateLimit:
		return CategoryRateLimit
	case ErrorTypeValidation, ErrorTypeConfig:
		return CategoryValidation
	case ErrorTypeTransient, ErrorTypeStream:
		return CategoryTransient
	default:
		return CategoryUnknown
	}
}

// NewError creates an Error of the given type with a message.
func NewError(t ErrorType, message string) *Error {
	return &Error{
		Type:      t,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewAPIError creates an Error from a parsed response envelope.
func NewAPIError(t ErrorType, statusCode, code int, message string) *Error {
	return &Error{
		Type:       t,
		StatusCode: statusCode,
		Code:       code,
		Message:    message,
		Timestamp:  time.Now(),
	}
}

// NewConfigError wraps a local configuration failure.
func NewConfigError(err error) *Error {
	return &Error{
		Type:      ErrorTypeConfig,
		Message:   err.Error(),
		Err:       err,
		Timestamp: time.Now(),
	}
}

// NewTransientError wraps a network-level failure.
func NewTransientError(err error) *Error {
	return &Error{
		Type:      ErrorTypeTransient,
		Message:   err.Error(),
		Err:       err,
		Timestamp: time.Now(),
	}
}

// NewStreamError wraps a streaming failure for the named endpoint.
func NewStreamError(endpoint string, err error) *Error {
	return &Error{
		Type:      ErrorTypeStream,
		Message:   err.Error(),
		Endpoint:  endpoint,
		Err:       err,
		Timestamp: time.Now(),
	}
}

// NewSessionExpiredError reports that the listen key lapsed.
func NewSessionExpiredError(err error) *Error {
	e := &Error{
		Type:      ErrorTypeSessionExpired,
		Message:   "user data session expired",
		Err:       err,
		Timestamp: time.Now(),
	}
	if err != nil {
		e.Message = "user data session expired: " + err.Error()
	}
	return e
}

// AsError extracts an *Error from the chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func isType(err error, t ErrorType) bool {
	e, ok := AsError(err)
	return ok && e.Type == t
}

// IsConfigError reports whether err is a local configuration error.
func IsConfigError(err error) bool { return isType(err, ErrorTypeConfig) }

// IsAuthError reports whether the remote side rejected the credentials.
func IsAuthError(err error) bool { return isType(err, ErrorTypeAuth) }

// IsValidationError reports whether the remote side rejected the request semantics.
func IsValidationError(err error) bool { return isType(err, ErrorTypeValidation) }

// IsRateLimitError reports whether err is a rate limit violation.
func IsRateLimitError(err error) bool { return isType(err, ErrorTypeRateLimit) }

// IsTransientError reports whether err is a network or server-side failure.
func IsTransientError(err error) bool { return isType(err, ErrorTypeTransient) }

// IsStreamError reports whether err is a streaming failure.
func IsStreamError(err error) bool { return isType(err, ErrorTypeStream) }

// IsSessionExpiredError reports whether the user data session lapsed.
func IsSessionExpiredError(err error) bool { return isType(err, ErrorTypeSessionExpired) }

// IsOutcomeUnknown reports whether a non-idempotent call may or may not have
// taken effect.
func IsOutcomeUnknown(err error) bool {
	e, ok := AsError(err)
	return ok && e.OutcomeUnknown
}

// IsRetryable reports whether the error kind may succeed on a later attempt.
// Whether a retry is safe also depends on the request's idempotency.
func IsRetryable(err error) bool {
	e, ok := AsError(err)
	if !ok {
		return false
	}
	return e.Type == ErrorTypeRateLimit || e.Type == ErrorTypeTransient
}

// IsTerminalError returns true if retrying the same input cannot succeed.
func IsTerminalError(err error) bool {
	e, ok := AsError(err)
	if !ok {
		return false
	}
	switch e.Type {
	case ErrorTypeConfig, ErrorTypeAuth, ErrorTypeValidation:
		return true
	}
	return false
}
