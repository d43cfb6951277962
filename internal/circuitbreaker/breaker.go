package circuitbreaker

import (
	"sync"
	"sync/atomic"
	"time"

	"nakula/pkg/core"
)

type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

type Config struct {
	FailThreshold    int           `json:"fail_threshold" validate:"min=1"`
	SuccessThreshold int           `json:"success_threshold" validate:"min=1"`
	Timeout          time.Duration `json:"timeout" validate:"min=1ms"`
}

// Breaker stops calls to a failing endpoint. After Timeout in the open state
// a single trial request is let through; SuccessThreshold consecutive successes close
// it again and any failure reopens it.
type Breaker struct {
	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
	probing   bool

	cfg      Config
	now      func() time.Time
	onChange func(from, to State)
	metrics  *Metrics
}

type Metrics struct {
	totalRequests    atomic.Int64
	rejectedRequests atomic.Int64
	successRequests  atomic.Int64
	failedRequests   atomic.Int64
	stateChanges     atomic.Int32
}

type Option func(*Breaker)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// OnStateChange registers a callback invoked outside the lock on every transition.
func OnStateChange(fn func(from, to State)) Option {
	return func(b *Breaker) { b.onChange = fn }
}

func New(config Config, opts ...Option) *Breaker {
	b := &Breaker{
		cfg:     config,
		now:     time.Now,
		metrics: &Metrics{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow returns core.ErrCircuitBreakerOpen when the call must not be made.
// Every nil return must be paired with one Record call.
func (b *Breaker) Allow() error {
	b.metrics.totalRequests.Add(1)

	b.mu.Lock()
	var from, to State
	changed := false
	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.Timeout {
			b.mu.Unlock()
			b.metrics.rejectedRequests.Add(1)
			return core.ErrCircuitBreakerOpen
		}
		from, to, changed = b.transition(StateHalfOpen)
		b.probing = true
	case StateHalfOpen:
		if b.probing {
			b.mu.Unlock()
			b.metrics.rejectedRequests.Add(1)
			return core.ErrCircuitBreakerOpen
		}
		b.probing = true
	}
	b.mu.Unlock()

	if changed {
		b.notify(from, to)
	}
	return nil
}

// Record reports the outcome of an allowed call.
func (b *Breaker) Record(success bool) {
	if success {
		b.metrics.successRequests.Add(1)
	} else {
		b.metrics.failedRequests.Add(1)
	}

	b.mu.Lock()
	var from, to State
	changed := false
	switch b.state {
	case StateClosed:
		if success {
			b.failures = 0
			break
		}
		b.failures++
		if b.failures >= b.cfg.FailThreshold {
			b.openedAt = b.now()
			from, to, changed = b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.probing = false
		if !success {
			b.openedAt = b.now()
			from, to, changed = b.transition(StateOpen)
			break
		}
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			from, to, changed = b.transition(StateClosed)
		}
	}
	b.mu.Unlock()

	if changed {
		b.notify(from, to)
	}
}

// transition must be called with mu held.
func (b *Breaker) transition(to State) (State, State, bool) {
	from := b.state
	if from == to {
		return from, to, false
	}
	b.state = to
	b.failures = 0
	b.successes = 0
	b.metrics.stateChanges.Add(1)
	return from, to, true
}

func (b *Breaker) notify(from, to State) {
	if b.onChange != nil {
		b.onChange(from, to)
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Reset() {
	b.mu.Lock()
	from, to, changed := b.transition(StateClosed)
	b.probing = false
	b.mu.Unlock()
	if changed {
		b.notify(from, to)
	}
}

func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

func (b *Breaker) Metrics() MetricsSnapshot {
	return MetricsSnapshot{
		TotalRequests:    b.metrics.totalRequests.Load(),
		RejectedRequests: b.metrics.rejectedRequests.Load(),
		SuccessRequests:  b.metrics.successRequests.Load(),
		FailedRequests:   b.metrics.failedRequests.Load(),
		StateChanges:     b.metrics.stateChanges.Load(),
		CurrentState:     b.State().String(),
	}
}

type MetricsSnapshot struct {
	TotalRequests    int64
	RejectedRequests int64
	SuccessRequests  int64
	FailedRequests   int64
	StateChanges     int32
	CurrentState     string
}
