package futures

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"nakula/pkg/core"
	"nakula/pkg/stream"
)

const (
	testAPIKey = "vmPUZE6mv9SD5VNHk4HlWFsOr6aKE2zvsw0MuIgwCIPy6utIco14y7Ju91duEh8A"
	testSecret = "NhqPtmdSJYdKjVHjA7PZj4Mge3R5YNiP1e3UZjInClVN65XAbvqqM6A7H5fATj0j"
)

// recorded is one REST call seen by the mock exchange.
type recorded struct {
	Query  string
	APIKey string
}

type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) write(frame string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, []byte(frame))
}

// mockExchange serves REST routes and websocket endpoints on one server.
type mockExchange struct {
	t      *testing.T
	server *httptest.Server

	mu     sync.Mutex
	routes map[string]http.HandlerFunc
	calls  map[string][]recorded
	log    []string
	conn   *wsConn
	frames chan string
}

func newMockExchange(t *testing.T) *mockExchange {
	t.Helper()
	m := &mockExchange{
		t:      t,
		routes: make(map[string]http.HandlerFunc),
		calls:  make(map[string][]recorded),
		frames: make(chan string, 64),
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.serve))
	t.Cleanup(m.server.Close)
	return m
}

func (m *mockExchange) config() *core.Config {
	cfg := core.DefaultConfig().
		WithBaseURL(m.server.URL).
		WithStreamURL("ws"+strings.TrimPrefix(m.server.URL, "http")).
		WithRetry(2, time.Millisecond, 2*time.Millisecond).
		WithRateLimit(0, time.Minute)
	cfg.Stream.PingInterval = time.Second
	cfg.Stream.PongWait = time.Second
	cfg.Stream.HandshakeTimeout = time.Second
	cfg.Stream.ReconnectBaseWait = 5 * time.Millisecond
	cfg.Stream.ReconnectMaxWait = 20 * time.Millisecond
	return cfg
}

func (m *mockExchange) handle(method, path string, h http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[method+" "+path] = h
}

func (m *mockExchange) respond(method, path string, status int, body string) {
	m.handle(method, path, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	})
}

func (m *mockExchange) Calls(method, path string) []recorded {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]recorded(nil), m.calls[method+" "+path]...)
}

func (m *mockExchange) record(entry string) {
	m.mu.Lock()
	m.log = append(m.log, entry)
	m.mu.Unlock()
}

func (m *mockExchange) Log() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.log...)
}

// push writes frame to the most recent websocket connection.
func (m *mockExchange) push(frame string) {
	m.t.Helper()
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	require.NotNil(m.t, conn, "no websocket connection")
	require.NoError(m.t, conn.write(frame))
}

func (m *mockExchange) serve(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		m.serveWebsocket(w, r)
		return
	}

	route := r.Method + " " + r.URL.Path
	m.mu.Lock()
	m.calls[route] = append(m.calls[route], recorded{Query: r.URL.RawQuery, APIKey: r.Header.Get("X-MBX-APIKEY")})
	h, ok := m.routes[route]
	m.mu.Unlock()

	if !ok {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":-5000,"msg":"Path not found"}`))
		return
	}
	h(w, r)
}

func (m *mockExchange) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer raw.Close()

	conn := &wsConn{conn: raw}
	m.mu.Lock()
	m.conn = conn
	m.log = append(m.log, "dial:"+r.URL.Path)
	m.mu.Unlock()

	for {
		_, data, err := raw.ReadMessage()
		if err != nil {
			return
		}
		frame := string(data)
		select {
		case m.frames <- frame:
		default:
		}
		if strings.Contains(frame, `"SUBSCRIBE"`) || strings.Contains(frame, `"UNSUBSCRIBE"`) {
			_ = conn.write(`{"result":null,"id":1}`)
		}
	}
}

func (m *mockExchange) nextFrame(t *testing.T) string {
	t.Helper()
	select {
	case f := <-m.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no control frame received")
		return ""
	}
}

// logObserver writes state changes of user-data transports to the mock log.
type logObserver struct {
	m *mockExchange
}

func (o logObserver) ObserveState(endpoint string, _, to stream.ConnState) {
	if strings.HasPrefix(endpoint, "user-data") {
		o.m.record("state:" + to.String())
	}
}

func (o logObserver) ObserveReconnect(string, int, error) {}

func (o logObserver) ObserveDrop(string, string) {}

func testCredentials(t *testing.T) *core.Credentials {
	t.Helper()
	creds, err := core.NewCredentials(testAPIKey, testSecret)
	require.NoError(t, err)
	return creds
}

func newTestClient(t *testing.T, m *mockExchange, cfg *core.Config, opts ...Option) *Client {
	t.Helper()
	if cfg == nil {
		cfg = m.config()
	}
	c, err := New(cfg, testCredentials(t), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func newPublicTestClient(t *testing.T, m *mockExchange, opts ...Option) *Client {
	t.Helper()
	c, err := NewPublic(m.config(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func indexOf(entries []string, want string) int {
	for i, e := range entries {
		if e == want {
			return i
		}
	}
	return -1
}
