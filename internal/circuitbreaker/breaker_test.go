package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nakula/pkg/core"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(opts ...Option) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	opts = append([]Option{WithClock(clock.now)}, opts...)
	return New(Config{FailThreshold: 3, SuccessThreshold: 2, Timeout: time.Second}, opts...), clock
}

func TestState_String(t *testing.T) {
	tests := []struct {
		name  string
		state State
		want  string
	}{
		{"closed", StateClosed, "CLOSED"},
		{"open", StateOpen, "OPEN"},
		{"half_open", StateHalfOpen, "HALF_OPEN"},
		{"unknown", State(9), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.state.String())
		})
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	breaker, _ := newTestBreaker()

	for i := 0; i < 3; i++ {
		require.NoError(t, breaker.Allow())
		breaker.Record(false)
	}

	assert.Equal(t, StateOpen, breaker.State())
	assert.ErrorIs(t, breaker.Allow(), core.ErrCircuitBreakerOpen)
	assert.Equal(t, int64(1), breaker.Metrics().RejectedRequests)
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	breaker, _ := newTestBreaker()

	breaker.Record(false)
	breaker.Record(false)
	breaker.Record(true)
	breaker.Record(false)

	assert.Equal(t, StateClosed, breaker.State())
	assert.Equal(t, 1, breaker.Failures())
}

func TestBreaker_HalfOpenSingleTrial(t *testing.T) {
	breaker, clock := newTestBreaker()
	for i := 0; i < 3; i++ {
		breaker.Record(false)
	}

	clock.advance(time.Second)
	require.NoError(t, breaker.Allow())
	assert.Equal(t, StateHalfOpen, breaker.State())
	assert.ErrorIs(t, breaker.Allow(), core.ErrCircuitBreakerOpen, "second trial must wait")

	breaker.Record(true)
	require.NoError(t, breaker.Allow())
	breaker.Record(true)
	assert.Equal(t, StateClosed, breaker.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	breaker, clock := newTestBreaker()
	for i := 0; i < 3; i++ {
		breaker.Record(false)
	}

	clock.advance(time.Second)
	require.NoError(t, breaker.Allow())
	breaker.Record(false)

	assert.Equal(t, StateOpen, breaker.State())
	assert.Error(t, breaker.Allow())
}

func TestBreaker_OnStateChange(t *testing.T) {
	var transitions []string
	breaker, clock := newTestBreaker(OnStateChange(func(from, to State) {
		transitions = append(transitions, from.String()+"->"+to.String())
	}))

	for i := 0; i < 3; i++ {
		breaker.Record(false)
	}
	clock.advance(2 * time.Second)
	require.NoError(t, breaker.Allow())
	breaker.Record(true)
	require.NoError(t, breaker.Allow())
	breaker.Record(true)

	assert.Equal(t, []string{"CLOSED->OPEN", "OPEN->HALF_OPEN", "HALF_OPEN->CLOSED"}, transitions)
	assert.Equal(t, int32(3), breaker.Metrics().StateChanges)
}

func TestBreaker_Reset(t *testing.T) {
	breaker, _ := newTestBreaker()
	for i := 0; i < 3; i++ {
		breaker.Record(false)
	}

	breaker.Reset()

	assert.Equal(t, StateClosed, breaker.State())
	assert.NoError(t, breaker.Allow())
	assert.Equal(t, "CLOSED", breaker.Metrics().CurrentState)
}
