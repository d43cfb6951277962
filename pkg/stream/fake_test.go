package stream

import (
	"context"
	"errors"
	"strings"
	"sync"

	"nakula/internal/ws"
)

// wireLog records writes and deliveries across all fake connections in order.
type wireLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *wireLog) add(entry string) {
	l.mu.Lock()
	l.entries = append(l.entries, entry)
	l.mu.Unlock()
}

func (l *wireLog) Entries() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

type fakeConn struct {
	id      int
	url     string
	handler ws.Handler
	log     *wireLog
	inbound chan []byte

	mu       sync.Mutex
	writes   []string
	graceful bool
	aborted  bool
	err      error

	closed    chan struct{}
	closeOnce sync.Once
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return errors.New("write on closed connection")
	default:
	}
	c.mu.Lock()
	c.writes = append(c.writes, string(data))
	c.mu.Unlock()
	c.log.add("write:" + string(data))
	return nil
}

func (c *fakeConn) Ping() error { return nil }

func (c *fakeConn) ReadLoop() {
	for {
		select {
		case frame := <-c.inbound:
			c.log.add("frame")
			c.handler.OnFrame(frame)
		case <-c.closed:
			c.mu.Lock()
			err := c.err
			c.mu.Unlock()
			c.handler.OnDisconnect(err)
			return
		}
	}
}

func (c *fakeConn) CloseGracefully() error {
	c.mu.Lock()
	c.graceful = true
	c.mu.Unlock()
	c.shut(nil)
	return nil
}

func (c *fakeConn) Abort() {
	c.mu.Lock()
	c.aborted = true
	c.mu.Unlock()
	c.shut(errors.New("aborted"))
}

// drop simulates the server side going away.
func (c *fakeConn) drop(err error) { c.shut(err) }

func (c *fakeConn) shut(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.closed)
	})
}

func (c *fakeConn) push(frame string) { c.inbound <- []byte(frame) }

func (c *fakeConn) Writes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.writes...)
}

func (c *fakeConn) Graceful() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.graceful
}

func (c *fakeConn) Aborted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aborted
}

type fakeDialer struct {
	mu      sync.Mutex
	log     *wireLog
	conns   []*fakeConn
	failing bool
	// preload returns frames queued on the n-th connection before its read
	// loop starts.
	preload func(n int) []string
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{log: &wireLog{}}
}

func (d *fakeDialer) Dial(ctx context.Context, opts ws.DialOptions, h ws.Handler) (ws.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.failing {
		return nil, errors.New("connection refused")
	}
	c := &fakeConn{
		id:      len(d.conns) + 1,
		url:     opts.URL,
		handler: h,
		log:     d.log,
		inbound: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
	if d.preload != nil {
		for _, f := range d.preload(c.id) {
			c.inbound <- []byte(f)
		}
	}
	d.conns = append(d.conns, c)
	d.log.add("dial")
	return c, nil
}

func (d *fakeDialer) SetFailing(failing bool) {
	d.mu.Lock()
	d.failing = failing
	d.mu.Unlock()
}

func (d *fakeDialer) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) Conn(n int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n < 1 || n > len(d.conns) {
		return nil
	}
	return d.conns[n-1]
}

type stateRecorder struct {
	mu         sync.Mutex
	states     []ConnState
	reconnects []error
	drops      []string
}

func (r *stateRecorder) ObserveState(_ string, _, to ConnState) {
	r.mu.Lock()
	r.states = append(r.states, to)
	r.mu.Unlock()
}

func (r *stateRecorder) ObserveReconnect(_ string, _ int, err error) {
	r.mu.Lock()
	r.reconnects = append(r.reconnects, err)
	r.mu.Unlock()
}

func (r *stateRecorder) ObserveDrop(_, channel string) {
	r.mu.Lock()
	r.drops = append(r.drops, channel)
	r.mu.Unlock()
}

func (r *stateRecorder) States() []ConnState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ConnState(nil), r.states...)
}

func countPrefix(entries []string, prefix string) int {
	n := 0
	for _, e := range entries {
		if strings.HasPrefix(e, prefix) {
			n++
		}
	}
	return n
}
