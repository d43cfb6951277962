package ws

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/lxzan/gws"
)

// Handler receives the inbound side of one connection. Calls come from the
// connection's read loop goroutine.
type Handler interface {
	// OnFrame receives a text or binary payload. The slice is owned by the callee.
	OnFrame(data []byte)
	// OnDisconnect is called once when the connection ends for any reason.
	OnDisconnect(err error)
}

// Conn is one duplex websocket connection.
type Conn interface {
	// WriteMessage sends a text frame.
	WriteMessage(data []byte) error
	// Ping sends a ping control frame.
	Ping() error
	// ReadLoop reads until the connection ends. It must be called once.
	ReadLoop()
	// CloseGracefully performs the close handshake with status 1000.
	CloseGracefully() error
	// Abort drops the connection without a handshake.
	Abort()
}

// DialOptions configures one dial.
type DialOptions struct {
	URL              string
	Header           http.Header
	HandshakeTimeout time.Duration
	// ReadTimeout is how long the connection may stay silent. Any inbound
	// frame, ping or pong pushes the deadline forward. Zero disables it.
	ReadTimeout time.Duration
}

// Dialer opens a connection. Tests substitute a fake.
type Dialer func(ctx context.Context, opts DialOptions, h Handler) (Conn, error)

// Dial opens a gws connection.
func Dial(ctx context.Context, opts DialOptions, h Handler) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	timeout := opts.HandshakeTimeout
	if deadline, ok := ctx.Deadline(); ok {
		left := time.Until(deadline)
		if left <= 0 {
			return nil, context.DeadlineExceeded
		}
		if timeout == 0 || left < timeout {
			timeout = left
		}
	}

	ev := &eventHandler{handler: h, readTimeout: opts.ReadTimeout}
	socket, _, err := gws.NewClient(ev, &gws.ClientOption{
		Addr:             opts.URL,
		RequestHeader:    opts.Header,
		HandshakeTimeout: timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", opts.URL, err)
	}
	ev.extend(socket)
	return &gwsConn{socket: socket}, nil
}

type gwsConn struct {
	socket    *gws.Conn
	closeOnce sync.Once
}

func (c *gwsConn) WriteMessage(data []byte) error {
	return c.socket.WriteMessage(gws.OpcodeText, data)
}

func (c *gwsConn) Ping() error {
	return c.socket.WritePing(nil)
}

func (c *gwsConn) ReadLoop() {
	c.socket.ReadLoop()
}

func (c *gwsConn) CloseGracefully() error {
	c.closeOnce.Do(func() {
		c.socket.WriteClose(1000, nil)
	})
	return nil
}

func (c *gwsConn) Abort() {
	c.closeOnce.Do(func() {
		_ = c.socket.NetConn().Close()
	})
}

type eventHandler struct {
	handler     Handler
	readTimeout time.Duration
}

var _ gws.Event = (*eventHandler)(nil)

func (e *eventHandler) extend(socket *gws.Conn) {
	if e.readTimeout > 0 {
		_ = socket.SetDeadline(time.Now().Add(e.readTimeout))
	}
}

func (e *eventHandler) OnOpen(socket *gws.Conn) {
	e.extend(socket)
}

func (e *eventHandler) OnClose(_ *gws.Conn, err error) {
	e.handler.OnDisconnect(err)
}

func (e *eventHandler) OnPing(socket *gws.Conn, payload []byte) {
	e.extend(socket)
	_ = socket.WritePong(payload)
}

func (e *eventHandler) OnPong(socket *gws.Conn, _ []byte) {
	e.extend(socket)
}

func (e *eventHandler) OnMessage(socket *gws.Conn, message *gws.Message) {
	defer message.Close()
	e.extend(socket)

	data := message.Bytes()
	if len(data) == 0 {
		return
	}
	frame := make([]byte, len(data))
	copy(frame, data)
	e.handler.OnFrame(frame)
}
