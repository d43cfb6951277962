package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter budgets request weight per period, with optional named buckets
// for secondary limits such as order counts. The budget follows the used
// weight reported by the server, so other processes sharing the same IP are
// accounted for.
type RateLimiter struct {
	global  *rate.Limiter
	buckets sync.Map
	weight  int
	period  time.Duration
	metrics *Metrics

	mu           sync.Mutex
	blockedUntil time.Time
	now          func() time.Time
}

// Metrics tracks statistics about rate limiter usage.
type Metrics struct {
	totalRequests   atomic.Int64
	allowedRequests atomic.Int64
	deniedRequests  atomic.Int64
	bucketCount     atomic.Int32
	serverWeight    atomic.Int64
	pauses          atomic.Int64
}

type bucket struct {
	limiter *rate.Limiter
}

// New creates a RateLimiter allowing weight units per period.
func New(weight int, period time.Duration) *RateLimiter {
	return &RateLimiter{
		global:  rate.NewLimiter(perSecond(weight, period), weight),
		weight:  weight,
		period:  period,
		metrics: &Metrics{},
		now:     time.Now,
	}
}

func perSecond(n int, period time.Duration) rate.Limit {
	return rate.Limit(float64(n) / period.Seconds())
}

// Wait blocks until one unit of weight is available.
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.WaitN(ctx, 1)
}

// WaitN blocks until weight units are available or ctx is done. A server
// reported exhaustion pauses every caller until the next period boundary.
func (r *RateLimiter) WaitN(ctx context.Context, weight int) error {
	r.metrics.totalRequests.Add(1)
	r.mu.Lock()
	budget := r.weight
	r.mu.Unlock()
	if weight < 1 {
		weight = 1
	}
	if weight > budget {
		weight = budget
	}

	if err := r.waitPause(ctx); err != nil {
		r.metrics.deniedRequests.Add(1)
		return err
	}
	if err := r.global.WaitN(ctx, weight); err != nil {
		r.metrics.deniedRequests.Add(1)
		return err
	}
	r.metrics.allowedRequests.Add(1)
	return nil
}

func (r *RateLimiter) waitPause(ctx context.Context) error {
	r.mu.Lock()
	until := r.blockedUntil
	r.mu.Unlock()

	d := until.Sub(r.now())
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// WaitBucket blocks until the named bucket allows one more request.
// Unknown buckets never block.
func (r *RateLimiter) WaitBucket(ctx context.Context, name string) error {
	v, ok := r.buckets.Load(name)
	if !ok {
		return nil
	}
	r.metrics.totalRequests.Add(1)
	if err := v.(*bucket).limiter.Wait(ctx); err != nil {
		r.metrics.deniedRequests.Add(1)
		return err
	}
	r.metrics.allowedRequests.Add(1)
	return nil
}

// Allow returns true if one unit of weight is available immediately.
func (r *RateLimiter) Allow() bool {
	r.metrics.totalRequests.Add(1)
	allowed := r.paused() == 0 && r.global.Allow()
	if allowed {
		r.metrics.allowedRequests.Add(1)
	} else {
		r.metrics.deniedRequests.Add(1)
	}
	return allowed
}

func (r *RateLimiter) paused() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d := r.blockedUntil.Sub(r.now()); d > 0 {
		return d
	}
	return 0
}

// Observe records the used weight reported by the server at time at.
// Reaching the budget pauses callers until the current period ends.
func (r *RateLimiter) Observe(used int, at time.Time) {
	if used <= 0 {
		return
	}
	r.metrics.serverWeight.Store(int64(used))

	r.mu.Lock()
	defer r.mu.Unlock()
	if used < r.weight {
		return
	}
	until := at.Truncate(r.period).Add(r.period)
	if until.After(r.blockedUntil) {
		r.blockedUntil = until
		r.metrics.pauses.Add(1)
	}
}

// PauseUntil blocks all callers until t, for example after a 429 with Retry-After.
func (r *RateLimiter) PauseUntil(t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.After(r.blockedUntil) {
		r.blockedUntil = t
		r.metrics.pauses.Add(1)
	}
}

// SetLimit updates the weight budget.
func (r *RateLimiter) SetLimit(weight int, period time.Duration) {
	r.mu.Lock()
	r.weight = weight
	r.period = period
	r.mu.Unlock()
	r.global.SetLimit(perSecond(weight, period))
	r.global.SetBurst(weight)
}

// SetBucketLimit creates or updates a named bucket.
func (r *RateLimiter) SetBucketLimit(name string, requests int, period time.Duration) {
	b := &bucket{limiter: rate.NewLimiter(perSecond(requests, period), requests)}
	actual, loaded := r.buckets.LoadOrStore(name, b)
	if !loaded {
		r.metrics.bucketCount.Add(1)
		return
	}
	l := actual.(*bucket).limiter
	l.SetLimit(perSecond(requests, period))
	l.SetBurst(requests)
}

// Metrics returns a snapshot of the current rate limiter statistics.
func (r *RateLimiter) Metrics() MetricsSnapshot {
	return MetricsSnapshot{
		TotalRequests:   r.metrics.totalRequests.Load(),
		AllowedRequests: r.metrics.allowedRequests.Load(),
		DeniedRequests:  r.metrics.deniedRequests.Load(),
		BucketCount:     r.metrics.bucketCount.Load(),
		ServerWeight:    r.metrics.serverWeight.Load(),
		Pauses:          r.metrics.pauses.Load(),
	}
}

// MetricsSnapshot is a point-in-time capture of rate limiter statistics.
type MetricsSnapshot struct {
	// TotalRequests is the total number of rate limit checks performed.
	TotalRequests int64
	// AllowedRequests is the number of requests that were allowed.
	AllowedRequests int64
	// DeniedRequests is the number of requests that were denied.
	DeniedRequests int64
	// BucketCount is the number of rate limit buckets in use.
	BucketCount int32
	// ServerWeight is the last used weight reported by the server.
	ServerWeight int64
	// Pauses counts server driven pauses.
	Pauses int64
}
