package http

import (
	"context"
	"fmt"
	stdhttp "net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"resty.dev/v3"

	"nakula/pkg/core"
)

// Client sends pre-built requests. It never retries on its own and never
// rewrites the query string, so the bytes that were signed are the bytes that
// go on the wire.
type Client struct {
	client *resty.Client
	logger zerolog.Logger
	mu     sync.RWMutex
	closed bool
}

type Config struct {
	BaseURL string            `validate:"required,url"`
	Timeout time.Duration     `validate:"min=1ms"`
	Headers map[string]string `validate:"omitempty"`
	// Transport replaces the default round tripper, mostly for tests.
	Transport stdhttp.RoundTripper `validate:"-"`
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     stdhttp.Header
	Body       []byte
	Duration   time.Duration
}

// IsSuccess reports a 2xx status.
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

type RequestOption func(*resty.Request)

func NewClient(config *Config) (*Client, error) {
	if err := validator.New().Struct(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	client := resty.New()
	client.SetBaseURL(strings.TrimRight(config.BaseURL, "/"))
	client.SetTimeout(config.Timeout)
	client.SetRetryCount(0)
	client.SetResponseBodyUnlimitedReads(true)
	client.SetDisableWarn(true)
	if config.Transport != nil {
		client.SetTransport(config.Transport)
	}

	for k, v := range config.Headers {
		client.SetHeader(k, v)
	}

	c := &Client{
		client: client,
		logger: zerolog.Nop(),
	}
	client.SetLogger(restyLogger{c})

	client.AddRequestMiddleware(func(_ *resty.Client, req *resty.Request) error {
		c.log().Debug().
			Str("method", req.Method).
			Str("path", stripQuery(req.URL)).
			Msg("http request")
		return nil
	})

	client.AddResponseMiddleware(func(_ *resty.Client, resp *resty.Response) error {
		c.log().Debug().
			Str("method", resp.Request.Method).
			Str("path", stripQuery(resp.Request.URL)).
			Int("status", resp.StatusCode()).
			Int("size", len(resp.Bytes())).
			Dur("duration", resp.Duration()).
			Msg("http response")
		return nil
	})

	return c, nil
}

// SetLogger replaces the request logger.
func (c *Client) SetLogger(logger zerolog.Logger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logger = logger
}

func (c *Client) log() *zerolog.Logger {
	c.mu.RLock()
	defer c.mu.RUnlock()
	l := c.logger
	return &l
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.client.Close()
}

// Do sends method to path with rawQuery appended verbatim.
func (c *Client) Do(ctx context.Context, method, path, rawQuery string, opts ...RequestOption) (*Response, error) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return nil, core.ErrClientClosed
	}
	c.mu.RUnlock()

	req := c.client.R().SetContext(ctx)
	for _, opt := range opts {
		opt(req)
	}

	target := path
	if rawQuery != "" {
		target = path + "?" + rawQuery
	}

	resp, err := req.Execute(method, target)
	if err != nil {
		return nil, err
	}

	return &Response{
		StatusCode: resp.StatusCode(),
		Header:     resp.Header(),
		Body:       resp.Bytes(),
		Duration:   resp.Duration(),
	}, nil
}

func WithHeader(key, value string) RequestOption {
	return func(r *resty.Request) {
		r.SetHeader(key, value)
	}
}

func WithHeaders(headers map[string]string) RequestOption {
	return func(r *resty.Request) {
		r.SetHeaders(headers)
	}
}

func stripQuery(u string) string {
	if i := strings.IndexByte(u, '?'); i >= 0 {
		return u[:i]
	}
	return u
}

type restyLogger struct {
	c *Client
}

func (l restyLogger) Errorf(format string, v ...any) {
	l.c.log().Error().Msgf(format, v...)
}

func (l restyLogger) Warnf(format string, v ...any) {
	l.c.log().Warn().Msgf(format, v...)
}

func (l restyLogger) Debugf(format string, v ...any) {
	l.c.log().Debug().Msgf(format, v...)
}
