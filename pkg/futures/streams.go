package futures

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"nakula/pkg/core"
	"nakula/pkg/session"
	"nakula/pkg/stream"
)

// MarketStream returns the shared transport for public market channels on
// the combined stream endpoint. It connects on the first subscription.
func (c *Client) MarketStream() (*stream.Transport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, core.ErrClientClosed
	}
	if c.market == nil {
		url := stream.CombinedURL(c.cfg.StreamBaseURL())
		cfg := stream.NewTransportConfig(MarketEndpoint, func() (string, error) { return url, nil }, c.cfg.Stream)
		c.market = stream.NewTransport(cfg, c.registry, stream.NewEventDispatcher(), c.transportOptions(MarketEndpoint)...)
	}
	return c.market, nil
}

// Subscribe attaches a handle to a raw market channel name.
func (c *Client) Subscribe(ctx context.Context, channel string) (*stream.Subscription, error) {
	t, err := c.MarketStream()
	if err != nil {
		return nil, err
	}
	return t.Subscribe(ctx, channel)
}

// Unsubscribe releases a market handle. The last handle closes the
// connection.
func (c *Client) Unsubscribe(ctx context.Context, sub *stream.Subscription) error {
	t, err := c.MarketStream()
	if err != nil {
		return err
	}
	return t.Unsubscribe(ctx, sub)
}

// SubscribeDepth streams partial book depth. Levels 5, 10 or 20 select a
// partial book; zero selects diff updates.
func (c *Client) SubscribeDepth(ctx context.Context, symbol string, levels int) (*stream.Subscription, error) {
	return c.Subscribe(ctx, stream.DepthChannel(symbol, levels))
}

// SubscribeTrades streams individual trades of symbol.
func (c *Client) SubscribeTrades(ctx context.Context, symbol string) (*stream.Subscription, error) {
	return c.Subscribe(ctx, stream.TradeChannel(symbol))
}

// SubscribeKlines streams candles of symbol for interval, e.g. "1m".
func (c *Client) SubscribeKlines(ctx context.Context, symbol, interval string) (*stream.Subscription, error) {
	return c.Subscribe(ctx, stream.KlineChannel(symbol, interval))
}

// SubscribeTicker streams 24 hour statistics of symbol.
func (c *Client) SubscribeTicker(ctx context.Context, symbol string) (*stream.Subscription, error) {
	return c.Subscribe(ctx, stream.TickerChannel(symbol))
}

// SubscribeAllTickers streams 24 hour statistics of every symbol.
func (c *Client) SubscribeAllTickers(ctx context.Context) (*stream.Subscription, error) {
	return c.Subscribe(ctx, stream.AllTickersChannel)
}

// UserDataEndpoint names the private stream transport.
const UserDataEndpoint = "user-data"

// userData is the account's private stream. The exchange keeps one listen
// key per API key, so every UserDataStream handle of a client shares it.
type userData struct {
	session   *session.Manager
	transport *stream.Transport
	logger    zerolog.Logger

	// refs counts open handles. Guarded by Client.userMu.
	refs int

	closeOnce sync.Once
	closeErr  error
	watchDone chan struct{}
}

// listenKeys adapts the client to session.KeyService.
type listenKeys struct {
	c *Client
}

func (k listenKeys) CreateListenKey(ctx context.Context) (string, error) {
	return k.c.CreateListenKey(ctx)
}

func (k listenKeys) KeepAliveListenKey(ctx context.Context, key string) error {
	return k.c.KeepAliveListenKey(ctx, key)
}

func (k listenKeys) CloseListenKey(ctx context.Context, key string) error {
	return k.c.releaseListenKey(ctx, key)
}

// UserDataStream is a handle on the private event stream of the account.
// Handles of one client share a listen key and a connection; the key is
// released when the last handle is closed.
type UserDataStream struct {
	c      *Client
	shared *userData

	mu   sync.Mutex
	subs map[*stream.Subscription]struct{}

	closeOnce sync.Once
	closeErr  error
}

// UserDataStream returns a handle on the private stream. The first handle
// acquires a listen key, starts renewing it and connects. When the key is
// lost, subscribers receive a session-expired error on Err; once a new key
// is acquired the transport reconnects with it and delivery resumes.
func (c *Client) UserDataStream(ctx context.Context) (*UserDataStream, error) {
	if !c.Authenticated() {
		return nil, core.NewConfigError(fmt.Errorf("user data stream: %w", core.ErrNoCredentials))
	}

	c.userMu.Lock()
	defer c.userMu.Unlock()
	if c.isClosed() {
		return nil, core.ErrClientClosed
	}

	if c.user == nil {
		shared, err := c.openUserData(ctx)
		if err != nil {
			return nil, err
		}
		c.user = shared
	}
	c.user.refs++
	return &UserDataStream{
		c:      c,
		shared: c.user,
		subs:   make(map[*stream.Subscription]struct{}),
	}, nil
}

func (c *Client) openUserData(ctx context.Context) (*userData, error) {
	logger := c.logger.With().Str("component", "session").Str("endpoint", UserDataEndpoint).Logger()
	sopts := []session.Option{session.WithLogger(logger)}
	if c.collector != nil {
		sopts = append(sopts, session.WithObserver(c.collector))
	}
	mgr, err := session.New(listenKeys{c}, c.cfg.UserData, sopts...)
	if err != nil {
		return nil, err
	}
	if _, err := mgr.Start(ctx); err != nil {
		return nil, err
	}

	base := c.cfg.StreamBaseURL()
	tcfg := stream.NewTransportConfig(UserDataEndpoint, func() (string, error) {
		key, err := mgr.Key()
		if err != nil {
			return "", err
		}
		return stream.UserDataURL(base, key), nil
	}, c.cfg.Stream)
	tcfg.Passive = true
	transport := stream.NewTransport(tcfg, c.registry, stream.NewEventDispatcher(), c.transportOptions(UserDataEndpoint)...)

	u := &userData{
		session:   mgr,
		transport: transport,
		logger:    logger,
		watchDone: make(chan struct{}),
	}
	mgr.OnExpired(func(err error) {
		transport.Fail(err)
	})
	mgr.OnRotate(func(string) {
		if err := transport.Reconnect(context.Background()); err != nil && !errors.Is(err, core.ErrTransportClosed) {
			logger.Warn().Err(err).Msg("reconnect with new listen key failed")
		}
	})

	watch, err := transport.Subscribe(ctx, stream.EventListenKeyExpired)
	if err != nil {
		_ = transport.Close()
		_ = mgr.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	go u.watchExpiry(watch)
	return u, nil
}

// releaseUserData drops one handle's reference and closes the shared stream
// with the last one.
func (c *Client) releaseUserData(ctx context.Context, u *userData) error {
	c.userMu.Lock()
	u.refs--
	last := u.refs <= 0 && c.user == u
	if last {
		c.user = nil
	}
	c.userMu.Unlock()

	if !last {
		return nil
	}
	return u.close(ctx)
}

func (u *userData) watchExpiry(sub *stream.Subscription) {
	defer close(u.watchDone)
	for range sub.C() {
		u.logger.Warn().Msg("listen key expired by exchange")
		u.session.Invalidate(errors.New("listenKeyExpired event"))
	}
}

func (u *userData) close(ctx context.Context) error {
	u.closeOnce.Do(func() {
		terr := u.transport.Close()
		serr := u.session.Close(ctx)
		<-u.watchDone
		u.closeErr = errors.Join(terr, serr)
	})
	return u.closeErr
}

// Subscribe attaches a handle to one event type, e.g.
// stream.EventOrderTradeUpdate.
func (u *UserDataStream) Subscribe(ctx context.Context, eventType string) (*stream.Subscription, error) {
	return u.track(u.shared.transport.Subscribe(ctx, eventType))
}

// SubscribeAll attaches a handle that receives every private event.
func (u *UserDataStream) SubscribeAll(ctx context.Context) (*stream.Subscription, error) {
	return u.track(u.shared.transport.Subscribe(ctx, stream.Wildcard))
}

func (u *UserDataStream) track(sub *stream.Subscription, err error) (*stream.Subscription, error) {
	if err != nil {
		return nil, err
	}
	u.mu.Lock()
	u.subs[sub] = struct{}{}
	u.mu.Unlock()
	return sub, nil
}

// Unsubscribe releases a handle.
func (u *UserDataStream) Unsubscribe(ctx context.Context, sub *stream.Subscription) error {
	u.mu.Lock()
	delete(u.subs, sub)
	u.mu.Unlock()
	return u.shared.transport.Unsubscribe(ctx, sub)
}

// State returns the connection state of the private transport.
func (u *UserDataStream) State() stream.ConnState { return u.shared.transport.State() }

// Key returns the listen key currently in use.
func (u *UserDataStream) Key() (string, error) { return u.shared.session.Key() }

// Session returns the listen key manager shared by the client's handles.
func (u *UserDataStream) Session() *session.Manager { return u.shared.session }

// Close releases the handle's subscriptions. Closing the last handle stops
// the stream and releases the listen key.
func (u *UserDataStream) Close(ctx context.Context) error {
	u.closeOnce.Do(func() {
		u.mu.Lock()
		subs := u.subs
		u.subs = nil
		u.mu.Unlock()

		var errs []error
		for sub := range subs {
			errs = append(errs, u.shared.transport.Unsubscribe(ctx, sub))
		}
		errs = append(errs, u.c.releaseUserData(ctx, u.shared))
		u.closeErr = errors.Join(errs...)
	})
	return u.closeErr
}
