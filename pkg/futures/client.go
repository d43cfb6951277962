// Package futures is a client for the Binance USDⓈ-M futures REST and
// websocket APIs.
//
// A client built with NewPublic can call market endpoints and subscribe to
// market streams. A client built with New also signs trading and account
// calls and can open the private user-data stream.
//
//	client, err := futures.NewPublic(core.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	defer client.Close()
//
//	ticker, err := client.TickerPrice(ctx, "BTCUSDT")
package futures

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"nakula/internal/metrics"
	"nakula/internal/ws"
	"nakula/pkg/auth"
	"nakula/pkg/core"
	"nakula/pkg/dispatch"
	"nakula/pkg/stream"
)

// MarketEndpoint names the shared public stream transport.
const MarketEndpoint = "market"

// closeTimeout bounds the listen key release on Close.
const closeTimeout = 5 * time.Second

// Client is safe for concurrent use.
type Client struct {
	cfg        *core.Config
	dispatcher *dispatch.Dispatcher
	clock      *auth.SyncedClock
	logger     zerolog.Logger
	collector  *metrics.Collector
	streamObs  stream.Observer
	dial       ws.Dialer
	registry   *stream.Registry

	mu     sync.Mutex
	market *stream.Transport
	closed bool

	// userMu serializes opening and closing the shared private stream.
	userMu sync.Mutex
	user   *userData
}

type options struct {
	logger         zerolog.Logger
	transport      http.RoundTripper
	registerer     prometheus.Registerer
	streamObserver stream.Observer
	dialer         ws.Dialer
	clock          auth.Clock
}

// Option configures a Client.
type Option func(*options)

// WithLogger sets the logger shared by all components.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithHTTPTransport sets the round tripper used for REST calls.
func WithHTTPTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.transport = rt }
}

// WithMetrics registers Prometheus metrics for REST attempts, stream
// connections and listen key renewal with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithStreamObserver receives state changes of every stream transport.
func WithStreamObserver(obs stream.Observer) Option {
	return func(o *options) { o.streamObserver = obs }
}

// WithDialer replaces the websocket dialer.
func WithDialer(d ws.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithClock replaces the local clock under the server offset.
func WithClock(clock auth.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// NewPublic creates a client without credentials. Signed and API-key
// endpoints fail with a config error.
func NewPublic(cfg *core.Config, opts ...Option) (*Client, error) {
	return newClient(cfg, nil, opts...)
}

// New creates a client that can call every endpoint. Credentials are
// normally read with core.CredentialsFromEnv.
func New(cfg *core.Config, creds *core.Credentials, opts ...Option) (*Client, error) {
	if creds == nil {
		return nil, core.NewConfigError(core.ErrNoCredentials)
	}
	return newClient(cfg, creds, opts...)
}

func newClient(cfg *core.Config, creds *core.Credentials, opts ...Option) (*Client, error) {
	if cfg == nil {
		cfg = core.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &options{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(o)
	}

	c := &Client{
		cfg:      cfg,
		clock:    auth.NewSyncedClock(o.clock),
		logger:   o.logger,
		dial:     o.dialer,
		registry: stream.NewRegistry(),
	}

	if o.registerer != nil {
		collector, err := metrics.NewCollector(o.registerer)
		if err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		c.collector = collector
	}

	var observers multiStreamObserver
	if c.collector != nil {
		observers = append(observers, c.collector)
	}
	if o.streamObserver != nil {
		observers = append(observers, o.streamObserver)
	}
	if len(observers) > 0 {
		c.streamObs = observers
	}

	dopts := []dispatch.Option{
		dispatch.WithClock(c.clock),
		dispatch.WithLogger(o.logger.With().Str("component", "dispatch").Logger()),
		dispatch.WithTimeSync(func(ctx context.Context) error {
			_, err := c.SyncTime(ctx)
			return err
		}),
	}
	if creds != nil {
		dopts = append(dopts, dispatch.WithCredentials(creds))
	}
	if o.transport != nil {
		dopts = append(dopts, dispatch.WithTransport(o.transport))
	}
	if c.collector != nil {
		dopts = append(dopts, dispatch.WithObserver(c.collector))
	}

	d, err := dispatch.New(cfg, dopts...)
	if err != nil {
		return nil, err
	}
	c.dispatcher = d

	if c.collector != nil {
		if err := c.collector.WatchLimiter(d.Limiter()); err != nil {
			_ = d.Close()
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	return c, nil
}

// Config returns the client configuration.
func (c *Client) Config() *core.Config { return c.cfg }

// Authenticated reports whether the client holds credentials.
func (c *Client) Authenticated() bool { return c.dispatcher.Authenticated() }

// Clock returns the timestamp source used for signing.
func (c *Client) Clock() *auth.SyncedClock { return c.clock }

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) transportOptions(name string) []stream.TransportOption {
	opts := []stream.TransportOption{
		stream.WithLogger(c.logger.With().Str("component", "stream").Str("endpoint", name).Logger()),
	}
	if c.streamObs != nil {
		opts = append(opts, stream.WithObserver(c.streamObs))
	}
	if c.dial != nil {
		opts = append(opts, stream.WithDialer(c.dial))
	}
	return opts
}

// Close shuts down every stream, releases listen keys and closes the HTTP
// client. Pending retries and reconnect loops are cancelled.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	market := c.market
	c.mu.Unlock()

	c.userMu.Lock()
	user := c.user
	c.user = nil
	c.userMu.Unlock()

	var errs []error
	if market != nil {
		errs = append(errs, market.Close())
	}

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if user != nil {
		errs = append(errs, user.close(ctx))
	}

	errs = append(errs, c.dispatcher.Close())
	return errors.Join(errs...)
}

type multiStreamObserver []stream.Observer

func (m multiStreamObserver) ObserveState(endpoint string, from, to stream.ConnState) {
	for _, o := range m {
		o.ObserveState(endpoint, from, to)
	}
}

func (m multiStreamObserver) ObserveReconnect(endpoint string, attempt int, err error) {
	for _, o := range m {
		o.ObserveReconnect(endpoint, attempt, err)
	}
}

func (m multiStreamObserver) ObserveDrop(endpoint, channel string) {
	for _, o := range m {
		o.ObserveDrop(endpoint, channel)
	}
}
