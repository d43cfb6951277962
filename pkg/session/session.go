// Package session keeps a user-data listen key alive.
//
// A Manager acquires a key, renews it on a fixed interval and, when the key
// is lost, announces the expiry before acquiring a replacement. Private
// stream transports read the current key through Key and reconnect when a
// rotation is announced.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"

	"nakula/pkg/core"
)

// CodeListenKeyNotFound is returned by the exchange for an unknown or
// expired listen key.
const CodeListenKeyNotFound = -1125

// State is the lifecycle state of a Manager.
type State int

const (
	StateUninitialized State = iota
	StateActive
	StateRenewing
	StateExpired
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateActive:
		return "ACTIVE"
	case StateRenewing:
		return "RENEWING"
	case StateExpired:
		return "EXPIRED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// KeyService issues and maintains listen keys.
type KeyService interface {
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context, key string) error
	CloseListenKey(ctx context.Context, key string) error
}

// Observer receives lifecycle events, e.g. for metrics.
type Observer interface {
	ObserveRenewal(err error)
	ObserveExpiry()
	ObserveRotation()
}

// Manager owns one listen key. It is safe for concurrent use.
type Manager struct {
	keys     KeyService
	cfg      core.UserDataConfig
	logger   zerolog.Logger
	observer Observer
	now      func() time.Time

	mu          sync.Mutex
	state       State
	key         string
	lastRenewed time.Time
	onExpired   []func(error)
	onRotate    []func(string)

	invalidate chan error
	stop       chan struct{}
	done       chan struct{}
	startOnce  sync.Once
	stopOnce   sync.Once
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithObserver sets the lifecycle observer.
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// WithClock replaces time.Now for horizon checks.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New creates a Manager. No key is requested until Start.
func New(keys KeyService, cfg core.UserDataConfig, opts ...Option) (*Manager, error) {
	if keys == nil {
		return nil, core.NewConfigError(errors.New("session: nil key service"))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		keys:       keys,
		cfg:        cfg,
		logger:     zerolog.Nop(),
		now:        time.Now,
		invalidate: make(chan error, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Key returns the current listen key. It fails with a session-expired error
// while no valid key is held.
func (m *Manager) Key() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case StateActive, StateRenewing:
		return m.key, nil
	case StateClosed:
		return "", core.NewSessionExpiredError(core.ErrClientClosed)
	default:
		return "", core.NewSessionExpiredError(fmt.Errorf("%w: session %s", core.ErrNoListenKey, m.state))
	}
}

// OnExpired registers fn to run when the key is lost. Listeners run on the
// renewal goroutine, before a replacement is requested.
func (m *Manager) OnExpired(fn func(error)) {
	m.mu.Lock()
	m.onExpired = append(m.onExpired, fn)
	m.mu.Unlock()
}

// OnRotate registers fn to run with each replacement key.
func (m *Manager) OnRotate(fn func(key string)) {
	m.mu.Lock()
	m.onRotate = append(m.onRotate, fn)
	m.mu.Unlock()
}

// Start acquires the first key and starts renewal. Calling it again returns
// the current key.
func (m *Manager) Start(ctx context.Context) (string, error) {
	m.mu.Lock()
	switch m.state {
	case StateClosed:
		m.mu.Unlock()
		return "", core.ErrClientClosed
	case StateUninitialized:
	default:
		m.mu.Unlock()
		return m.Key()
	}
	m.mu.Unlock()

	key, err := m.keys.CreateListenKey(ctx)
	if err != nil {
		return "", fmt.Errorf("create listen key: %w", err)
	}

	started := false
	m.startOnce.Do(func() {
		m.mu.Lock()
		if m.state != StateUninitialized {
			m.mu.Unlock()
			return
		}
		m.key = key
		m.lastRenewed = m.now()
		m.state = StateActive
		m.mu.Unlock()
		started = true
		go m.run()
	})
	if !started {
		// Lost a race with another Start or Close.
		_ = m.keys.CloseListenKey(ctx, key)
		return m.Key()
	}

	m.logger.Info().Msg("listen key acquired")
	return key, nil
}

// Invalidate reports that the key is no longer valid, e.g. after a
// listenKeyExpired event. The manager expires it and acquires a new one.
func (m *Manager) Invalidate(cause error) {
	if cause == nil {
		cause = errors.New("listen key invalidated")
	}
	select {
	case m.invalidate <- cause:
	default:
	}
}

// Close stops renewal and releases the key on the exchange.
func (m *Manager) Close(ctx context.Context) error {
	var key string
	first := false
	m.stopOnce.Do(func() {
		first = true
		close(m.stop)
	})
	if !first {
		return nil
	}

	m.mu.Lock()
	running := m.state != StateUninitialized
	m.state = StateClosed
	m.mu.Unlock()

	if running {
		<-m.done
	}

	m.mu.Lock()
	key, m.key = m.key, ""
	m.mu.Unlock()

	if key == "" {
		return nil
	}
	if err := m.keys.CloseListenKey(ctx, key); err != nil {
		return fmt.Errorf("close listen key: %w", err)
	}
	return nil
}

func (m *Manager) run() {
	defer close(m.done)

	timer := time.NewTimer(m.cfg.KeepaliveInterval)
	defer timer.Stop()

	for {
		select {
		case <-m.stop:
			return
		case cause := <-m.invalidate:
			if !m.expire(cause) {
				return
			}
		case <-timer.C:
			if err := m.renew(); err != nil {
				if !m.expire(err) {
					return
				}
			}
		}
		timer.Reset(m.cfg.KeepaliveInterval)
	}
}

// renew keeps the key alive, retrying until it succeeds, the horizon passes
// or the exchange no longer knows the key.
func (m *Manager) renew() error {
	m.mu.Lock()
	if m.state != StateActive {
		m.mu.Unlock()
		return nil
	}
	m.state = StateRenewing
	key := m.key
	deadline := m.lastRenewed.Add(m.cfg.ExpiryHorizon)
	m.mu.Unlock()

	b := &backoff.Backoff{Min: m.cfg.RetryWait, Max: m.cfg.RetryMaxWait, Factor: 2, Jitter: true}
	for {
		ctx, cancel := m.stopContext()
		err := m.keys.KeepAliveListenKey(ctx, key)
		cancel()
		m.observeRenewal(err)

		if err == nil {
			m.mu.Lock()
			if m.state == StateRenewing {
				m.state = StateActive
				m.lastRenewed = m.now()
			}
			m.mu.Unlock()
			m.logger.Debug().Msg("listen key renewed")
			return nil
		}
		if core.IsErrorCode(err, CodeListenKeyNotFound) {
			return err
		}

		now := m.now()
		if !now.Before(deadline) {
			return fmt.Errorf("listen key not renewed within %s: %w", m.cfg.ExpiryHorizon, err)
		}
		// The last attempt lands on the horizon itself.
		wait := b.Duration()
		if remaining := deadline.Sub(now); wait > remaining {
			wait = remaining
		}
		m.logger.Warn().Err(err).Int("attempt", int(b.Attempt())).Dur("wait", wait).Msg("listen key renewal failed")
		if !m.wait(wait) {
			return nil
		}
	}
}

// expire announces the loss of the key and acquires a replacement. It
// returns false when the manager was closed meanwhile.
func (m *Manager) expire(cause error) bool {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return false
	}
	m.state = StateExpired
	m.key = ""
	listeners := append([]func(error){}, m.onExpired...)
	m.mu.Unlock()

	expired := core.NewSessionExpiredError(cause)
	m.logger.Warn().Err(cause).Msg("listen key expired")
	if m.observer != nil {
		m.observer.ObserveExpiry()
	}
	for _, fn := range listeners {
		fn(expired)
	}

	b := &backoff.Backoff{Min: m.cfg.RetryWait, Max: m.cfg.RetryMaxWait, Factor: 2, Jitter: true}
	for {
		ctx, cancel := m.stopContext()
		key, err := m.keys.CreateListenKey(ctx)
		cancel()
		if err == nil {
			return m.rotate(key)
		}
		wait := b.Duration()
		m.logger.Warn().Err(err).Dur("wait", wait).Msg("listen key acquisition failed")
		if !m.wait(wait) {
			return false
		}
	}
}

func (m *Manager) rotate(key string) bool {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		_ = m.keys.CloseListenKey(context.Background(), key)
		return false
	}
	m.key = key
	m.lastRenewed = m.now()
	m.state = StateActive
	listeners := append([]func(string){}, m.onRotate...)
	m.mu.Unlock()

	// Drain an invalidation that referred to the old key.
	select {
	case <-m.invalidate:
	default:
	}

	m.logger.Info().Msg("listen key rotated")
	if m.observer != nil {
		m.observer.ObserveRotation()
	}
	for _, fn := range listeners {
		fn(key)
	}
	return true
}

func (m *Manager) observeRenewal(err error) {
	if m.observer != nil {
		m.observer.ObserveRenewal(err)
	}
}

// stopContext returns a context cancelled by Close.
func (m *Manager) stopContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-m.stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (m *Manager) wait(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-m.stop:
		return false
	case <-timer.C:
		return true
	}
}
