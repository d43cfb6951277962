package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"nakula/pkg/core"
)

// OutcomeOK is the outcome of a successful attempt.
const OutcomeOK = "ok"

// Attempt describes one HTTP round trip.
type Attempt struct {
	Method     string
	Path       string
	Attempt    int
	Duration   time.Duration
	StatusCode int
	// Outcome is OutcomeOK or the lower-case error type, e.g. "rate_limit".
	Outcome string
	Err     error
}

// Observer is called once per attempt, including attempts that are retried.
type Observer interface {
	ObserveAttempt(a Attempt)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Attempt)

// ObserveAttempt calls f.
func (f ObserverFunc) ObserveAttempt(a Attempt) { f(a) }

// MultiObserver fans attempts out to several observers.
type MultiObserver []Observer

// ObserveAttempt forwards a to every observer.
func (m MultiObserver) ObserveAttempt(a Attempt) {
	for _, o := range m {
		o.ObserveAttempt(a)
	}
}

// OutcomeOf maps err to an outcome label.
func OutcomeOf(err error) string {
	if err == nil {
		return OutcomeOK
	}
	if e, ok := core.AsError(err); ok {
		return outcomeLabels[e.Type]
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "canceled"
	}
	return "error"
}

var outcomeLabels = map[core.ErrorType]string{
	core.ErrorTypeUnknown:        "unknown",
	core.ErrorTypeConfig:         "config",
	core.ErrorTypeAuth:           "auth",
	core.ErrorTypeValidation:     "validation",
	core.ErrorTypeRateLimit:      "rate_limit",
	core.ErrorTypeTransient:      "transient",
	core.ErrorTypeStream:         "stream",
	core.ErrorTypeSessionExpired: "session_expired",
}

type logObserver struct {
	logger zerolog.Logger
}

// NewLogObserver logs every attempt at debug level and failures at warn.
// Only the path is logged, never the signed query.
func NewLogObserver(logger zerolog.Logger) Observer {
	return logObserver{logger: logger}
}

func (o logObserver) ObserveAttempt(a Attempt) {
	ev := o.logger.Debug()
	if a.Err != nil {
		ev = o.logger.Warn().Err(a.Err)
	}
	ev.Str("method", a.Method).
		Str("path", a.Path).
		Int("attempt", a.Attempt).
		Int("status", a.StatusCode).
		Str("outcome", a.Outcome).
		Dur("duration", a.Duration).
		Msg("request attempt")
}
