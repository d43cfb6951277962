package core

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Endpoints of the production and sandbox environments.
const (
	ProductionRESTURL   = "https://fapi.binance.com"
	ProductionStreamURL = "wss://fstream.binance.com"
	SandboxRESTURL      = "https://testnet.binancefuture.com"
	SandboxStreamURL    = "wss://stream.binancefuture.com"
)

// StreamConfig controls the websocket transports.
type StreamConfig struct {
	// PingInterval is how often a ping is sent on an idle connection.
	PingInterval time.Duration `json:"ping_interval" yaml:"ping_interval" validate:"min=1ms"`
	// PongWait is how long after PingInterval the connection may stay silent
	// before it is considered dead.
	PongWait         time.Duration `json:"pong_wait" yaml:"pong_wait" validate:"min=1ms"`
	HandshakeTimeout time.Duration `json:"handshake_timeout" yaml:"handshake_timeout" validate:"min=1ms"`

	ReconnectBaseWait time.Duration `json:"reconnect_base_wait" yaml:"reconnect_base_wait" validate:"min=1ms"`
	ReconnectMaxWait  time.Duration `json:"reconnect_max_wait" yaml:"reconnect_max_wait" validate:"min=1ms,gtefield=ReconnectBaseWait"`
	// ReconnectMaxElapsed bounds a reconnect cycle. Zero retries forever.
	ReconnectMaxElapsed time.Duration `json:"reconnect_max_elapsed" yaml:"reconnect_max_elapsed" validate:"min=0"`

	// BufferSize is the per-subscription event buffer.
	BufferSize int `json:"buffer_size" yaml:"buffer_size" validate:"min=1"`
}

// UserDataConfig controls listen key renewal.
type UserDataConfig struct {
	// KeepaliveInterval is how often the listen key is renewed.
	KeepaliveInterval time.Duration `json:"keepalive_interval" yaml:"keepalive_interval" validate:"min=1ms"`
	// ExpiryHorizon is how long the exchange keeps an unrenewed key alive.
	ExpiryHorizon time.Duration `json:"expiry_horizon" yaml:"expiry_horizon" validate:"min=1ms,gtfield=KeepaliveInterval"`
	// RetryWait is the initial delay between failed renewal or acquisition attempts.
	RetryWait    time.Duration `json:"retry_wait" yaml:"retry_wait" validate:"min=1ms"`
	RetryMaxWait time.Duration `json:"retry_max_wait" yaml:"retry_max_wait" validate:"min=1ms,gtefield=RetryWait"`
}

// Config contains all configuration options for a client.
// Credentials are deliberately absent: they come from the environment.
type Config struct {
	// BaseURL overrides the REST endpoint selected by Sandbox.
	BaseURL string `json:"base_url" yaml:"base_url" validate:"omitempty,url"`
	// StreamURL overrides the websocket endpoint selected by Sandbox.
	StreamURL string `json:"stream_url" yaml:"stream_url" validate:"omitempty,url"`
	Sandbox   bool   `json:"sandbox" yaml:"sandbox"`

	// RecvWindow is the staleness tolerance attached to signed requests.
	RecvWindow time.Duration `json:"recv_window" yaml:"recv_window" validate:"min=1ms,max=60s"`

	// Timeout is the maximum duration of a single HTTP attempt.
	Timeout      time.Duration `json:"timeout" yaml:"timeout" validate:"min=1ms"`
	MaxRetries   int           `json:"max_retries" yaml:"max_retries" validate:"min=0,max=10"`
	RetryWaitMin time.Duration `json:"retry_wait_min" yaml:"retry_wait_min" validate:"min=1ms"`
	RetryWaitMax time.Duration `json:"retry_wait_max" yaml:"retry_wait_max" validate:"min=1ms,gtefield=RetryWaitMin"`

	// RateLimitWeight is the request weight budget per RateLimitPeriod. Zero disables the limiter.
	RateLimitWeight int           `json:"rate_limit_weight" yaml:"rate_limit_weight" validate:"min=0"`
	RateLimitPeriod time.Duration `json:"rate_limit_period" yaml:"rate_limit_period" validate:"min=1ms"`

	CircuitBreakerEnabled          bool          `json:"circuit_breaker_enabled" yaml:"circuit_breaker_enabled"`
	CircuitBreakerFailThreshold    int           `json:"circuit_breaker_fail_threshold" yaml:"circuit_breaker_fail_threshold"`
	CircuitBreakerSuccessThreshold int           `json:"circuit_breaker_success_threshold" yaml:"circuit_breaker_success_threshold"`
	CircuitBreakerTimeout          time.Duration `json:"circuit_breaker_timeout" yaml:"circuit_breaker_timeout"`

	Stream   StreamConfig   `json:"stream" yaml:"stream"`
	UserData UserDataConfig `json:"user_data" yaml:"user_data"`

	LogLevel string `json:"log_level" yaml:"log_level" validate:"omitempty,oneof=trace debug info warn error disabled"`
}

// DefaultConfig returns a Config with the exchange's documented limits:
// 5s receive window, 2400 weight per minute, 30m keepalive against a 60m horizon.
func DefaultConfig() *Config {
	return &Config{
		RecvWindow:   5 * time.Second,
		Timeout:      10 * time.Second,
		MaxRetries:   3,
		RetryWaitMin: 250 * time.Millisecond,
		RetryWaitMax: 5 * time.Second,

		RateLimitWeight: 2400,
		RateLimitPeriod: time.Minute,

		CircuitBreakerEnabled:          false,
		CircuitBreakerFailThreshold:    5,
		CircuitBreakerSuccessThreshold: 2,
		CircuitBreakerTimeout:          30 * time.Second,

		Stream: StreamConfig{
			PingInterval:      3 * time.Minute,
			PongWait:          time.Minute,
			HandshakeTimeout:  10 * time.Second,
			ReconnectBaseWait: 500 * time.Millisecond,
			ReconnectMaxWait:  30 * time.Second,
			BufferSize:        256,
		},
		UserData: UserDataConfig{
			KeepaliveInterval: 30 * time.Minute,
			ExpiryHorizon:     60 * time.Minute,
			RetryWait:         time.Second,
			RetryMaxWait:      time.Minute,
		},

		LogLevel: "info",
	}
}

var validate = validator.New()

// Validate checks struct tags and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return NewConfigError(err)
	}
	if c.CircuitBreakerEnabled {
		if c.CircuitBreakerFailThreshold <= 0 {
			return NewConfigError(errors.New("CircuitBreakerFailThreshold must be positive when enabled"))
		}
		if c.CircuitBreakerSuccessThreshold <= 0 {
			return NewConfigError(errors.New("CircuitBreakerSuccessThreshold must be positive when enabled"))
		}
		if c.CircuitBreakerTimeout <= 0 {
			return NewConfigError(errors.New("CircuitBreakerTimeout must be positive when enabled"))
		}
	}
	return nil
}

// Validate checks the renewal timings on their own, for managers built
// outside a Config.
func (c UserDataConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return NewConfigError(err)
	}
	return nil
}

// RESTBaseURL resolves the REST endpoint.
func (c *Config) RESTBaseURL() string {
	switch {
	case c.BaseURL != "":
		return c.BaseURL
	case c.Sandbox:
		return SandboxRESTURL
	default:
		return ProductionRESTURL
	}
}

// StreamBaseURL resolves the websocket endpoint without a trailing path.
func (c *Config) StreamBaseURL() string {
	switch {
	case c.StreamURL != "":
		return c.StreamURL
	case c.Sandbox:
		return SandboxStreamURL
	default:
		return ProductionStreamURL
	}
}

// LoadConfig reads a YAML file over DefaultConfig and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewConfigError(fmt.Errorf("read config: %w", err))
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, NewConfigError(fmt.Errorf("parse config: %w", err))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// WithSandbox enables or disables the sandbox environment and returns the config for chaining.
func (c *Config) WithSandbox(sandbox bool) *Config {
	c.Sandbox = sandbox
	return c
}

// WithBaseURL points REST calls at an explicit endpoint.
func (c *Config) WithBaseURL(url string) *Config {
	c.BaseURL = url
	return c
}

// WithStreamURL points websocket transports at an explicit endpoint.
func (c *Config) WithStreamURL(url string) *Config {
	c.StreamURL = url
	return c
}

// WithTimeout sets the per-attempt HTTP timeout and returns the config for chaining.
func (c *Config) WithTimeout(timeout time.Duration) *Config {
	c.Timeout = timeout
	return c
}

// WithRecvWindow sets the receive window attached to signed requests.
func (c *Config) WithRecvWindow(window time.Duration) *Config {
	c.RecvWindow = window
	return c
}

// WithRetry sets the retry budget and backoff bounds.
func (c *Config) WithRetry(maxRetries int, waitMin, waitMax time.Duration) *Config {
	c.MaxRetries = maxRetries
	c.RetryWaitMin = waitMin
	c.RetryWaitMax = waitMax
	return c
}

// WithRateLimit sets the request weight budget and returns the config for chaining.
func (c *Config) WithRateLimit(weight int, period time.Duration) *Config {
	c.RateLimitWeight = weight
	c.RateLimitPeriod = period
	return c
}
