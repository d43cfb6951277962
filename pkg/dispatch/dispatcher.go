// Package dispatch turns core.Request values into authenticated HTTP calls,
// classifies the outcome and applies the retry policy.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"

	"nakula/internal/circuitbreaker"
	httpclient "nakula/internal/http"
	"nakula/internal/ratelimit"
	"nakula/pkg/auth"
	"nakula/pkg/core"
)

// BucketOrders is the secondary limit shared by order placement calls.
const BucketOrders = "orders"

// Response is a successful exchange response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// UsedWeight is the minute weight the server reports after this call.
	UsedWeight int
	// Attempts is the number of times the request was sent.
	Attempts int
}

// Decode unmarshals the body into v.
func (r *Response) Decode(v any) error {
	if err := sonic.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Dispatcher executes requests. It is safe for concurrent use; every call
// carries its own timestamp and signature.
type Dispatcher struct {
	http     *httpclient.Client
	signer   *auth.Signer
	clock    auth.Clock
	limiter  *ratelimit.RateLimiter
	breaker  *circuitbreaker.Breaker
	observer Observer
	logger   zerolog.Logger

	maxRetries int
	waitMin    time.Duration
	waitMax    time.Duration

	creds      *core.Credentials
	recvWindow time.Duration
	transport  http.RoundTripper
	sleep      func(ctx context.Context, d time.Duration) error
	resync     func(ctx context.Context) error

	// done is cancelled by Close and aborts pending waits of every Execute.
	done     context.Context
	shutdown context.CancelFunc
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithCredentials enables API-key and signed requests.
func WithCredentials(creds *core.Credentials) Option {
	return func(d *Dispatcher) { d.creds = creds }
}

// WithClock replaces the timestamp source.
func WithClock(clock auth.Clock) Option {
	return func(d *Dispatcher) { d.clock = clock }
}

// WithLogger sets the logger for attempts and retries.
func WithLogger(logger zerolog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithObserver adds a per-attempt hook next to the log observer.
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) { d.observer = o }
}

// WithRateLimiter replaces the limiter built from the config.
func WithRateLimiter(l *ratelimit.RateLimiter) Option {
	return func(d *Dispatcher) { d.limiter = l }
}

// WithCircuitBreaker replaces the breaker built from the config.
func WithCircuitBreaker(b *circuitbreaker.Breaker) Option {
	return func(d *Dispatcher) { d.breaker = b }
}

// WithTimeSync sets the function that re-measures the server clock offset.
// A signed request rejected with -1021 triggers one resync and one resend.
func WithTimeSync(fn func(ctx context.Context) error) Option {
	return func(d *Dispatcher) { d.resync = fn }
}

// WithTransport sets the HTTP round tripper.
func WithTransport(rt http.RoundTripper) Option {
	return func(d *Dispatcher) { d.transport = rt }
}

// New builds a Dispatcher for cfg. Without credentials only public requests
// can be executed.
func New(cfg *core.Config, opts ...Option) (*Dispatcher, error) {
	if cfg == nil {
		cfg = core.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	d := &Dispatcher{
		clock:      auth.SystemClock{},
		logger:     zerolog.Nop(),
		maxRetries: cfg.MaxRetries,
		waitMin:    cfg.RetryWaitMin,
		waitMax:    cfg.RetryWaitMax,
		recvWindow: cfg.RecvWindow,
		sleep:      sleepContext,
	}
	d.done, d.shutdown = context.WithCancel(context.Background())
	if cfg.RateLimitWeight > 0 {
		d.limiter = ratelimit.New(cfg.RateLimitWeight, cfg.RateLimitPeriod)
		d.limiter.SetBucketLimit(BucketOrders, 300, 10*time.Second)
	}
	if cfg.CircuitBreakerEnabled {
		d.breaker = circuitbreaker.New(circuitbreaker.Config{
			FailThreshold:    cfg.CircuitBreakerFailThreshold,
			SuccessThreshold: cfg.CircuitBreakerSuccessThreshold,
			Timeout:          cfg.CircuitBreakerTimeout,
		})
	}

	for _, opt := range opts {
		opt(d)
	}
	if d.observer == nil {
		d.observer = NewLogObserver(d.logger)
	} else {
		d.observer = MultiObserver{NewLogObserver(d.logger), d.observer}
	}

	if d.creds != nil {
		signer, err := auth.NewSigner(d.creds, d.recvWindow)
		if err != nil {
			return nil, err
		}
		d.signer = signer
	}

	client, err := httpclient.NewClient(&httpclient.Config{
		BaseURL:   cfg.RESTBaseURL(),
		Timeout:   cfg.Timeout,
		Transport: d.transport,
	})
	if err != nil {
		return nil, core.NewConfigError(err)
	}
	client.SetLogger(d.logger)
	d.http = client

	return d, nil
}

// Authenticated reports whether credentials were supplied.
func (d *Dispatcher) Authenticated() bool { return d.signer != nil }

// Limiter returns the request-weight limiter, nil when disabled.
func (d *Dispatcher) Limiter() *ratelimit.RateLimiter { return d.limiter }

// Breaker returns the circuit breaker, nil when disabled.
func (d *Dispatcher) Breaker() *circuitbreaker.Breaker { return d.breaker }

// Close cancels pending retries and backoff waits and releases the HTTP
// client. Later calls fail with core.ErrClientClosed.
func (d *Dispatcher) Close() error {
	d.shutdown()
	return d.http.Close()
}

// Execute sends req, retrying rate limits and, for idempotent requests,
// transient failures. A transient failure of a non-idempotent request is
// returned at once and marked outcome-unknown.
func (d *Dispatcher) Execute(ctx context.Context, req *core.Request) (*Response, error) {
	if req == nil {
		return nil, core.NewConfigError(errors.New("nil request"))
	}
	if req.Security != core.SecurityNone && d.signer == nil {
		return nil, core.NewConfigError(fmt.Errorf("%s: %w", req.Endpoint(), core.ErrNoCredentials))
	}

	if d.done.Err() != nil {
		return nil, core.ErrClientClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(d.done, cancel)()

	b := &backoff.Backoff{Min: d.waitMin, Max: d.waitMax, Factor: 2, Jitter: true}
	resynced := false

	for attempt := 1; ; attempt++ {
		resp, err := d.attempt(ctx, req, attempt)
		if err == nil {
			resp.Attempts = attempt
			return resp, nil
		}
		if d.done.Err() != nil {
			return nil, core.ErrClientClosed
		}

		e, ok := core.AsError(err)
		if !ok {
			return nil, err
		}
		if !resynced && d.needsResync(req, e) {
			resynced = true
			d.logger.Warn().Str("endpoint", req.Endpoint()).Msg("timestamp outside receive window, resyncing clock")
			if serr := d.resync(ctx); serr != nil {
				d.logger.Warn().Err(serr).Msg("clock resync failed")
				return nil, e
			}
			// The rejected request was not processed, so resending is safe
			// even for placements.
			continue
		}
		wait, retry := d.retryDelay(req, e, attempt, b)
		if !retry {
			if e.Type == core.ErrorTypeTransient && !req.Idempotent && !errors.Is(e, core.ErrCircuitBreakerOpen) {
				e.OutcomeUnknown = true
			}
			return nil, e
		}

		d.logger.Warn().
			Str("endpoint", req.Endpoint()).
			Int("attempt", attempt).
			Str("type", e.Type.String()).
			Dur("wait", wait).
			Msg("retrying request")
		if err := d.sleep(ctx, wait); err != nil {
			if d.done.Err() != nil {
				return nil, core.ErrClientClosed
			}
			return nil, err
		}
	}
}

func (d *Dispatcher) needsResync(req *core.Request, e *core.Error) bool {
	return d.resync != nil && req.Security == core.SecuritySigned && e.Code == core.CodeInvalidTimestamp
}

// retryDelay decides whether attempt may be followed by another one.
func (d *Dispatcher) retryDelay(req *core.Request, e *core.Error, attempt int, b *backoff.Backoff) (time.Duration, bool) {
	if attempt > d.maxRetries {
		return 0, false
	}
	switch e.Type {
	case core.ErrorTypeRateLimit:
		wait := b.Duration()
		if e.RetryAfter > wait {
			wait = e.RetryAfter
		}
		return wait, true
	case core.ErrorTypeTransient:
		if !req.Idempotent || errors.Is(e, core.ErrCircuitBreakerOpen) {
			return 0, false
		}
		return b.Duration(), true
	default:
		return 0, false
	}
}

func (d *Dispatcher) attempt(ctx context.Context, req *core.Request, attempt int) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if d.breaker != nil {
		if err := d.breaker.Allow(); err != nil {
			e := core.NewTransientError(err)
			e.Endpoint = req.Endpoint()
			return nil, e
		}
	}
	if d.limiter != nil {
		if err := d.limiter.WaitN(ctx, req.Weight); err != nil {
			return nil, err
		}
		if req.Bucket != "" {
			if err := d.limiter.WaitBucket(ctx, req.Bucket); err != nil {
				return nil, err
			}
		}
	}

	query, opts, err := d.authenticate(req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := d.http.Do(ctx, req.Method, req.Path, query, opts...)
	elapsed := time.Since(start)

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			d.observe(req, attempt, elapsed, 0, ctxErr)
			return nil, ctxErr
		}
		if errors.Is(err, core.ErrClientClosed) {
			return nil, err
		}
		e := core.NewTransientError(err)
		e.Endpoint = req.Endpoint()
		d.recordBreaker(false)
		d.observe(req, attempt, elapsed, 0, e)
		return nil, e
	}

	used := core.ParseUsedWeight(resp.Header)
	if d.limiter != nil && used > 0 {
		d.limiter.Observe(used, time.Now())
	}

	if !resp.IsSuccess() {
		e := core.ParseErrorEnvelope(resp.StatusCode, resp.Header, resp.Body)
		e.Endpoint = req.Endpoint()
		if e.Type == core.ErrorTypeRateLimit && d.limiter != nil && e.RetryAfter > 0 {
			d.limiter.PauseUntil(time.Now().Add(e.RetryAfter))
		}
		d.recordBreaker(e.Type != core.ErrorTypeTransient)
		d.observe(req, attempt, elapsed, resp.StatusCode, e)
		return nil, e
	}

	d.recordBreaker(true)
	d.observe(req, attempt, elapsed, resp.StatusCode, nil)
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
		UsedWeight: used,
	}, nil
}

// authenticate returns the exact query to send and the headers it needs.
// Signed requests get a fresh timestamp on every attempt.
func (d *Dispatcher) authenticate(req *core.Request) (string, []httpclient.RequestOption, error) {
	switch req.Security {
	case core.SecuritySigned:
		query, err := d.signer.SignParams(req.Params, d.clock.NowMillis())
		if err != nil {
			return "", nil, err
		}
		return query, []httpclient.RequestOption{httpclient.WithHeader(auth.HeaderAPIKey, d.signer.APIKey())}, nil
	case core.SecurityAPIKey:
		return req.Params.Encode(), []httpclient.RequestOption{httpclient.WithHeader(auth.HeaderAPIKey, d.signer.APIKey())}, nil
	default:
		return req.Params.Encode(), nil, nil
	}
}

func (d *Dispatcher) recordBreaker(success bool) {
	if d.breaker != nil {
		d.breaker.Record(success)
	}
}

func (d *Dispatcher) observe(req *core.Request, attempt int, elapsed time.Duration, status int, err error) {
	d.observer.ObserveAttempt(Attempt{
		Method:     req.Method,
		Path:       req.Path,
		Attempt:    attempt,
		Duration:   elapsed,
		StatusCode: status,
		Outcome:    OutcomeOf(err),
		Err:        err,
	})
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
