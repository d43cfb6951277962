package futures

import (
	"context"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nakula/pkg/auth"
	"nakula/pkg/core"
)

func TestNewPublic_TickerPriceOmitsAuth(t *testing.T) {
	m := newMockExchange(t)
	m.respond(http.MethodGet, "/fapi/v1/ticker/price", http.StatusOK, `{"symbol":"BTCUSDT","price":"67000.00","time":1700000000000}`)
	c := newPublicTestClient(t, m)

	ticker, err := c.TickerPrice(context.Background(), "btcusdt")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", ticker.Symbol)
	assert.Equal(t, "67000.00", ticker.Price.String())

	calls := m.Calls(http.MethodGet, "/fapi/v1/ticker/price")
	require.Len(t, calls, 1)
	assert.Equal(t, "symbol=BTCUSDT", calls[0].Query)
	assert.Empty(t, calls[0].APIKey)
	assert.NotContains(t, calls[0].Query, "signature")
	assert.NotContains(t, calls[0].Query, "timestamp")
}

func TestNew_RequiresCredentials(t *testing.T) {
	_, err := New(core.DefaultConfig(), nil)
	require.Error(t, err)
	assert.True(t, core.IsConfigError(err))
	assert.ErrorIs(t, err, core.ErrNoCredentials)
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := core.DefaultConfig()
	cfg.BaseURL = "not a url"

	_, err := NewPublic(cfg)
	require.Error(t, err)
	assert.True(t, core.IsConfigError(err))
}

func TestPublicClient_RejectsPrivateCalls(t *testing.T) {
	m := newMockExchange(t)
	c := newPublicTestClient(t, m)
	ctx := context.Background()

	_, err := c.Balance(ctx)
	assert.True(t, core.IsConfigError(err))
	assert.ErrorIs(t, err, core.ErrNoCredentials)

	_, err = c.CreateListenKey(ctx)
	assert.ErrorIs(t, err, core.ErrNoCredentials)

	_, err = c.UserDataStream(ctx)
	assert.True(t, core.IsConfigError(err))

	assert.Empty(t, m.Calls(http.MethodGet, "/fapi/v2/balance"))
	assert.False(t, c.Authenticated())
}

func TestClient_SandboxEndpoints(t *testing.T) {
	c, err := NewPublic(core.DefaultConfig().WithSandbox(true))
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, core.SandboxRESTURL, c.Config().RESTBaseURL())
	assert.Equal(t, core.SandboxStreamURL, c.Config().StreamBaseURL())
}

func TestClient_SyncTime(t *testing.T) {
	m := newMockExchange(t)
	m.respond(http.MethodGet, "/fapi/v1/time", http.StatusOK, `{"serverTime":6000}`)
	c := newPublicTestClient(t, m, WithClock(auth.ClockFunc(func() int64 { return 1000 })))

	offset, err := c.SyncTime(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5000), offset.Milliseconds())
	assert.Equal(t, int64(6000), c.Clock().NowMillis())

	server, err := c.ServerTime(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(6000), server.UnixMilli())
}

func TestClient_Close(t *testing.T) {
	m := newMockExchange(t)
	m.respond(http.MethodGet, "/fapi/v1/ping", http.StatusOK, `{}`)
	c, err := NewPublic(m.config())
	require.NoError(t, err)

	require.NoError(t, c.Ping(context.Background()))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	assert.ErrorIs(t, c.Ping(context.Background()), core.ErrClientClosed)
	_, err = c.MarketStream()
	assert.ErrorIs(t, err, core.ErrClientClosed)
}

func TestClient_Metrics(t *testing.T) {
	m := newMockExchange(t)
	m.respond(http.MethodGet, "/fapi/v1/ping", http.StatusOK, `{}`)
	reg := prometheus.NewRegistry()
	c := newPublicTestClient(t, m, WithMetrics(reg))

	require.NoError(t, c.Ping(context.Background()))

	n, err := testutil.GatherAndCount(reg, "nakula_rest_attempts_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCall_CustomEndpoint(t *testing.T) {
	m := newMockExchange(t)
	m.respond(http.MethodGet, "/fapi/v1/premiumIndex", http.StatusOK, `{"symbol":"BTCUSDT","markPrice":"67010.5"}`)
	c := newPublicTestClient(t, m)

	ep := Endpoint{Method: http.MethodGet, Path: "/fapi/v1/premiumIndex", Weight: 1, Idempotent: true}
	out, err := Call[map[string]string](context.Background(), c, ep, symbolParams("BTCUSDT"))
	require.NoError(t, err)
	assert.Equal(t, "67010.5", out["markPrice"])
}

func TestEndpoint_Request(t *testing.T) {
	req := EndpointPlaceOrder.Request(core.NewParams("symbol", "BTCUSDT"))

	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, core.SecuritySigned, req.Security)
	assert.False(t, req.Idempotent)
	assert.Equal(t, "orders", req.Bucket)

	req = Endpoint{Method: http.MethodGet, Path: "/x"}.Request(nil)
	assert.Equal(t, 1, req.Weight)
	assert.False(t, req.Idempotent)
}
