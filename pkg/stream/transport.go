// Package stream multiplexes channel subscriptions over persistent websocket
// connections. A Transport owns one endpoint, a Registry remembers what the
// caller asked for, and an EventDispatcher fans frames out to handles.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"

	"nakula/internal/ws"
	"nakula/pkg/core"
)

// ConnState is the lifecycle state of a transport.
type ConnState = ws.ConnState

// Transport states.
const (
	StateDisconnected = ws.StateDisconnected
	StateConnecting   = ws.StateConnecting
	StateConnected    = ws.StateConnected
	StateDegraded     = ws.StateDegraded
	StateReconnecting = ws.StateReconnecting
	StateClosed       = ws.StateClosed
)

// Observer receives transport lifecycle notifications.
type Observer interface {
	ObserveState(endpoint string, from, to ConnState)
	ObserveReconnect(endpoint string, attempt int, err error)
	ObserveDrop(endpoint, channel string)
}

// TransportConfig configures one endpoint.
type TransportConfig struct {
	// Name identifies the endpoint in the registry, logs and metrics.
	Name string
	// URL is resolved on every dial so a rotated listen key takes effect.
	// While it fails with a session-expired error the transport does not
	// reconnect on its own and waits for Reconnect.
	URL func() (string, error)
	// Passive endpoints push every event without control frames.
	Passive bool

	PingInterval     time.Duration
	PongWait         time.Duration
	HandshakeTimeout time.Duration

	ReconnectBaseWait time.Duration
	ReconnectMaxWait  time.Duration
	// ReconnectMaxElapsed bounds one reconnect episode. Zero retries forever.
	ReconnectMaxElapsed time.Duration

	// BufferSize is the per-handle event buffer.
	BufferSize int
}

// NewTransportConfig fills timing fields from cfg.
func NewTransportConfig(name string, url func() (string, error), cfg core.StreamConfig) TransportConfig {
	return TransportConfig{
		Name:                name,
		URL:                 url,
		PingInterval:        cfg.PingInterval,
		PongWait:            cfg.PongWait,
		HandshakeTimeout:    cfg.HandshakeTimeout,
		ReconnectBaseWait:   cfg.ReconnectBaseWait,
		ReconnectMaxWait:    cfg.ReconnectMaxWait,
		ReconnectMaxElapsed: cfg.ReconnectMaxElapsed,
		BufferSize:          cfg.BufferSize,
	}
}

// TransportOption configures a Transport.
type TransportOption func(*Transport)

// WithDialer replaces the websocket dialer.
func WithDialer(d ws.Dialer) TransportOption {
	return func(t *Transport) { t.dial = d }
}

// WithLogger sets the transport logger.
func WithLogger(logger zerolog.Logger) TransportOption {
	return func(t *Transport) { t.logger = logger }
}

// WithObserver registers a lifecycle observer.
func WithObserver(o Observer) TransportOption {
	return func(t *Transport) { t.observer = o }
}

type controlFrame struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// link is one connection epoch.
type link struct {
	conn       ws.Conn
	epoch      uint64
	subscribed map[string]struct{}
	done       chan struct{}
	stopOnce   sync.Once
}

func (l *link) stop() {
	l.stopOnce.Do(func() { close(l.done) })
}

// Transport keeps one endpoint connected while it has subscribers.
type Transport struct {
	cfg      TransportConfig
	registry *Registry
	events   *EventDispatcher
	dial     ws.Dialer
	logger   zerolog.Logger
	observer Observer

	state ws.State

	// dialMu serializes dial, replay, control writes and teardown.
	dialMu sync.Mutex

	// mu guards the fields below. No I/O happens while it is held.
	mu           sync.Mutex
	link         *link
	epoch        uint64
	reconnecting bool

	nextID    atomic.Int64
	ctx       context.Context
	cancel    context.CancelFunc
	closeCh   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewTransport returns a disconnected transport. It connects on the first
// Subscribe.
func NewTransport(cfg TransportConfig, registry *Registry, events *EventDispatcher, opts ...TransportOption) *Transport {
	if cfg.ReconnectBaseWait <= 0 {
		cfg.ReconnectBaseWait = 500 * time.Millisecond
	}
	if cfg.ReconnectMaxWait < cfg.ReconnectBaseWait {
		cfg.ReconnectMaxWait = cfg.ReconnectBaseWait
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if registry == nil {
		registry = NewRegistry()
	}
	if events == nil {
		events = NewEventDispatcher()
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		cfg:      cfg,
		registry: registry,
		events:   events,
		dial:     ws.Dial,
		logger:   zerolog.Nop(),
		ctx:      ctx,
		cancel:   cancel,
		closeCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With().Str("endpoint", cfg.Name).Logger()
	events.SetLogger(t.logger)
	events.SetDropHook(func(ev Event) {
		if t.observer != nil {
			t.observer.ObserveDrop(t.cfg.Name, ev.Channel)
		}
	})
	return t
}

// Name returns the endpoint name.
func (t *Transport) Name() string { return t.cfg.Name }

// State returns the current state.
func (t *Transport) State() ConnState { return t.state.Load() }

// Channels returns the channels the caller wants on this endpoint.
func (t *Transport) Channels() []string { return t.registry.Snapshot(t.cfg.Name) }

func (t *Transport) setState(to ConnState) {
	for {
		from := t.state.Load()
		if from == StateClosed || from == to {
			return
		}
		if t.state.CompareAndSwap(from, to) {
			t.logger.Debug().Str("from", from.String()).Str("to", to.String()).Msg("stream state changed")
			if t.observer != nil {
				t.observer.ObserveState(t.cfg.Name, from, to)
			}
			return
		}
	}
}

func (t *Transport) isClosed() bool {
	select {
	case <-t.closeCh:
		return true
	default:
		return false
	}
}

// Subscribe attaches a handle to channel, connecting the endpoint if needed.
func (t *Transport) Subscribe(ctx context.Context, channel string) (*Subscription, error) {
	if t.isClosed() {
		return nil, core.ErrTransportClosed
	}

	sub := t.events.Attach(channel, t.cfg.BufferSize)
	t.registry.Add(t.cfg.Name, channel)

	t.dialMu.Lock()
	err := t.ensureLocked(ctx, channel)
	t.dialMu.Unlock()

	if err != nil {
		t.events.Detach(sub)
		t.registry.Remove(t.cfg.Name, channel)
		if errors.Is(err, core.ErrTransportClosed) {
			return nil, err
		}
		return nil, core.NewStreamError(t.cfg.Name, err)
	}
	return sub, nil
}

// ensureLocked makes channel live. Callers hold dialMu.
func (t *Transport) ensureLocked(ctx context.Context, channel string) error {
	if t.isClosed() {
		return core.ErrTransportClosed
	}

	switch t.state.Load() {
	case StateDisconnected:
		t.setState(StateConnecting)
		if err := t.establishLocked(ctx); err != nil {
			t.setState(StateDisconnected)
			return err
		}
		return nil
	case StateConnected:
		t.mu.Lock()
		l := t.link
		t.mu.Unlock()
		if l == nil || t.cfg.Passive {
			return nil
		}
		if _, ok := l.subscribed[channel]; ok {
			return nil
		}
		if err := t.writeControl(l, "SUBSCRIBE", channel); err != nil {
			// The read loop will notice the broken connection and replay.
			t.logger.Warn().Err(err).Str("channel", channel).Msg("subscribe frame failed")
			return nil
		}
		l.subscribed[channel] = struct{}{}
		return nil
	default:
		// A reconnect is in flight and will replay the registry.
		return nil
	}
}

// Unsubscribe detaches sub. When it was the channel's last handle the
// channel is unsubscribed; when it was the endpoint's last channel the
// connection is closed with a close handshake.
func (t *Transport) Unsubscribe(_ context.Context, sub *Subscription) error {
	if sub == nil {
		return nil
	}
	if !t.events.Detach(sub) {
		return nil
	}
	if !t.registry.Remove(t.cfg.Name, sub.Channel()) {
		return nil
	}

	t.dialMu.Lock()
	defer t.dialMu.Unlock()

	if t.registry.Len(t.cfg.Name) > 0 {
		t.mu.Lock()
		l := t.link
		t.mu.Unlock()
		if l == nil || t.cfg.Passive {
			return nil
		}
		if _, ok := l.subscribed[sub.Channel()]; !ok {
			return nil
		}
		delete(l.subscribed, sub.Channel())
		if err := t.writeControl(l, "UNSUBSCRIBE", sub.Channel()); err != nil {
			t.logger.Warn().Err(err).Str("channel", sub.Channel()).Msg("unsubscribe frame failed")
		}
		return nil
	}

	l := t.detachLink()
	t.setState(StateDisconnected)
	if l == nil {
		return nil
	}
	if !t.cfg.Passive {
		if err := t.writeControl(l, "UNSUBSCRIBE", sub.Channel()); err != nil {
			t.logger.Debug().Err(err).Msg("unsubscribe frame failed during teardown")
		}
	}
	t.logger.Info().Msg("last channel removed, closing stream")
	return l.conn.CloseGracefully()
}

// Reconnect drops the current connection and dials again at once. The
// session manager calls it after the listen key rotates.
func (t *Transport) Reconnect(ctx context.Context) error {
	if t.isClosed() {
		return core.ErrTransportClosed
	}

	t.dialMu.Lock()
	defer t.dialMu.Unlock()

	if l := t.detachLink(); l != nil {
		l.conn.Abort()
	}
	if t.registry.Len(t.cfg.Name) == 0 {
		t.setState(StateDisconnected)
		return nil
	}

	t.mu.Lock()
	inFlight := t.reconnecting
	t.mu.Unlock()
	t.setState(StateReconnecting)
	if inFlight {
		return nil
	}

	err := t.establishLocked(ctx)
	if t.observer != nil {
		t.observer.ObserveReconnect(t.cfg.Name, 0, err)
	}
	if err != nil && core.IsSessionExpiredError(err) {
		t.setState(StateDegraded)
		return err
	}
	if err != nil {
		t.logger.Warn().Err(err).Msg("forced reconnect failed, backing off")
		t.startReconnect(err)
		return core.NewStreamError(t.cfg.Name, err)
	}
	return nil
}

// Fail delivers err to every handle of the endpoint without closing them.
func (t *Transport) Fail(err error) {
	t.events.Broadcast(err)
}

// Close shuts the transport down for good. Pending backoff is cancelled and
// every handle is closed.
func (t *Transport) Close() error {
	first := false
	t.closeOnce.Do(func() {
		first = true
		close(t.closeCh)
		t.cancel()
	})
	if !first {
		return nil
	}

	prev := t.state.Swap(StateClosed)
	if t.observer != nil && prev != StateClosed {
		t.observer.ObserveState(t.cfg.Name, prev, StateClosed)
	}

	t.dialMu.Lock()
	l := t.detachLink()
	t.dialMu.Unlock()

	var err error
	if l != nil {
		err = l.conn.CloseGracefully()
	}
	t.wg.Wait()
	t.events.CloseAll()
	t.registry.Clear(t.cfg.Name)
	t.logger.Info().Msg("stream closed")
	return err
}

// establishLocked dials, replays the registry and starts the read loop.
// Callers hold dialMu.
func (t *Transport) establishLocked(ctx context.Context) error {
	url, err := t.cfg.URL()
	if err != nil {
		return fmt.Errorf("resolve url: %w", err)
	}

	t.mu.Lock()
	t.epoch++
	epoch := t.epoch
	t.mu.Unlock()

	l := &link{epoch: epoch, subscribed: make(map[string]struct{}), done: make(chan struct{})}
	handler := &connHandler{t: t, link: l}

	dctx := ctx
	if t.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, t.cfg.HandshakeTimeout)
		defer cancel()
	}

	var readTimeout time.Duration
	if t.cfg.PingInterval > 0 {
		readTimeout = t.cfg.PingInterval + t.cfg.PongWait
	}
	conn, err := t.dial(dctx, ws.DialOptions{
		URL:              url,
		HandshakeTimeout: t.cfg.HandshakeTimeout,
		ReadTimeout:      readTimeout,
	}, handler)
	if err != nil {
		return err
	}
	l.conn = conn

	if !t.cfg.Passive {
		channels := t.registry.Snapshot(t.cfg.Name)
		for _, channel := range channels {
			if err := t.writeControl(l, "SUBSCRIBE", channel); err != nil {
				conn.Abort()
				return fmt.Errorf("replay %s: %w", channel, err)
			}
			l.subscribed[channel] = struct{}{}
		}
		t.logger.Debug().Int("channels", len(channels)).Msg("subscriptions replayed")
	}

	t.mu.Lock()
	if t.isClosed() || t.epoch != epoch {
		t.mu.Unlock()
		conn.Abort()
		return core.ErrTransportClosed
	}
	t.link = l
	t.mu.Unlock()

	t.setState(StateConnected)
	t.logger.Info().Msg("stream connected")

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		conn.ReadLoop()
	}()
	if t.cfg.PingInterval > 0 {
		t.wg.Add(1)
		go t.heartbeat(l)
	}
	return nil
}

// detachLink forgets the current link so its disconnect is ignored.
func (t *Transport) detachLink() *link {
	t.mu.Lock()
	l := t.link
	t.link = nil
	t.epoch++
	t.mu.Unlock()
	if l != nil {
		l.stop()
	}
	return l
}

func (t *Transport) writeControl(l *link, method, channel string) error {
	frame, err := frameAPI.Marshal(controlFrame{
		Method: method,
		Params: []string{channel},
		ID:     t.nextID.Add(1),
	})
	if err != nil {
		return err
	}
	return l.conn.WriteMessage(frame)
}

func (t *Transport) heartbeat(l *link) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := l.conn.Ping(); err != nil {
				t.logger.Warn().Err(err).Msg("ping failed")
				l.conn.Abort()
				return
			}
		case <-l.done:
			return
		case <-t.closeCh:
			return
		}
	}
}

// onDisconnect handles the end of a connection epoch.
func (t *Transport) onDisconnect(l *link, err error) {
	l.stop()

	t.mu.Lock()
	if t.link != l {
		t.mu.Unlock()
		return
	}
	t.link = nil
	t.mu.Unlock()

	if t.isClosed() {
		return
	}
	t.logger.Warn().Err(err).Msg("stream disconnected")
	if t.registry.Len(t.cfg.Name) == 0 {
		t.setState(StateDisconnected)
		return
	}
	t.setState(StateDegraded)
	if t.awaitingKey() {
		return
	}
	t.startReconnect(err)
}

// awaitingKey reports whether the endpoint has no usable URL because its
// session key expired. The transport then stays Degraded until the session
// acquires a new key and calls Reconnect.
func (t *Transport) awaitingKey() bool {
	_, err := t.cfg.URL()
	if err == nil || !core.IsSessionExpiredError(err) {
		return false
	}
	t.logger.Info().Msg("session key expired, waiting for a new one")
	return true
}

func (t *Transport) startReconnect(cause error) {
	t.mu.Lock()
	if t.reconnecting || t.isClosed() {
		t.mu.Unlock()
		return
	}
	t.reconnecting = true
	t.wg.Add(1)
	t.mu.Unlock()

	go t.reconnectLoop(cause)
}

func (t *Transport) reconnectLoop(cause error) {
	defer t.wg.Done()
	defer func() {
		t.mu.Lock()
		t.reconnecting = false
		t.mu.Unlock()
	}()

	b := &backoff.Backoff{
		Min:    t.cfg.ReconnectBaseWait,
		Max:    t.cfg.ReconnectMaxWait,
		Factor: 2,
		Jitter: true,
	}
	started := time.Now()
	lastErr := cause

	for attempt := 1; ; attempt++ {
		if t.registry.Len(t.cfg.Name) == 0 {
			t.setState(StateDisconnected)
			return
		}
		if t.awaitingKey() {
			t.setState(StateDegraded)
			return
		}

		wait := b.Duration()
		if limit := t.cfg.ReconnectMaxElapsed; limit > 0 && time.Since(started)+wait > limit {
			t.setState(StateDisconnected)
			t.logger.Error().Err(lastErr).Int("attempts", attempt-1).Dur("elapsed", time.Since(started)).Msg("reconnect gave up")
			t.events.Broadcast(core.NewStreamError(t.cfg.Name,
				fmt.Errorf("reconnect gave up after %d attempts: %w", attempt-1, lastErr)))
			return
		}

		t.setState(StateReconnecting)
		t.logger.Info().Dur("wait", wait).Int("attempt", attempt).Msg("attempting reconnect")

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-t.closeCh:
			timer.Stop()
			return
		}

		t.dialMu.Lock()
		if t.state.Load() == StateConnected {
			// A forced reconnect won the race.
			t.dialMu.Unlock()
			return
		}
		if t.registry.Len(t.cfg.Name) == 0 {
			t.setState(StateDisconnected)
			t.dialMu.Unlock()
			return
		}
		err := t.establishLocked(t.ctx)
		t.dialMu.Unlock()

		if t.observer != nil {
			t.observer.ObserveReconnect(t.cfg.Name, attempt, err)
		}
		if err == nil {
			t.logger.Info().Int("attempt", attempt).Msg("reconnected successfully")
			return
		}
		if errors.Is(err, core.ErrTransportClosed) {
			return
		}
		if core.IsSessionExpiredError(err) {
			// The key expired during the wait; Reconnect follows the rotation.
			t.setState(StateDegraded)
			return
		}
		t.logger.Error().Err(err).Int("attempt", attempt).Msg("reconnect failed")
		lastErr = err
	}
}

type connHandler struct {
	t    *Transport
	link *link
}

func (h *connHandler) OnFrame(data []byte) {
	h.t.events.Dispatch(data)
}

func (h *connHandler) OnDisconnect(err error) {
	h.t.onDisconnect(h.link, err)
}
