package stream

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"
)

// Wildcard subscribes to every event an endpoint delivers.
const Wildcard = "*"

// Frame keys differ only by case ("e"/"E", "t"/"T"), so matching must be exact.
var frameAPI = sonic.Config{CaseSensitive: true}.Froze()

// Event is one inbound payload routed to a channel.
type Event struct {
	// Channel is the stream name on combined endpoints and the event type on
	// private endpoints.
	Channel string
	// Type is the "e" tag of the payload, empty for array payloads.
	Type      string
	EventTime time.Time
	// Data is the raw payload without the combined-stream wrapper.
	Data []byte
}

type envelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
	ID     *int64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *controlError   `json:"error"`
	Type   string          `json:"e"`
	Time   int64           `json:"E"`
}

type eventHeader struct {
	Type string `json:"e"`
	Time int64  `json:"E"`
}

type controlError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Subscription is a caller's handle on one channel. Events and errors stop
// as soon as the handle is detached, and both channels are then closed.
type Subscription struct {
	id      uint64
	channel string
	events  chan Event
	errs    chan error
}

// Channel returns the channel name the handle listens on.
func (s *Subscription) Channel() string { return s.channel }

// C delivers events in arrival order.
func (s *Subscription) C() <-chan Event { return s.events }

// Err delivers stream failures that outlived reconnection, and session
// expiry on private streams.
func (s *Subscription) Err() <-chan error { return s.errs }

// EventDispatcher routes frames from one endpoint to subscriptions.
// Delivery never blocks: an event for a full buffer is dropped.
type EventDispatcher struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]*Subscription
	nextID uint64
	closed bool

	logger zerolog.Logger
	onDrop func(Event)
}

// NewEventDispatcher returns a dispatcher with no subscriptions.
func NewEventDispatcher() *EventDispatcher {
	return &EventDispatcher{
		subs:   make(map[string]map[uint64]*Subscription),
		logger: zerolog.Nop(),
	}
}

// SetLogger sets the logger used for dropped and malformed frames.
func (d *EventDispatcher) SetLogger(logger zerolog.Logger) {
	d.mu.Lock()
	d.logger = logger
	d.mu.Unlock()
}

// SetDropHook registers fn to be called for every dropped event.
func (d *EventDispatcher) SetDropHook(fn func(Event)) {
	d.mu.Lock()
	d.onDrop = fn
	d.mu.Unlock()
}

// Attach creates a handle on channel with the given buffer size.
func (d *EventDispatcher) Attach(channel string, buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	sub := &Subscription{
		id:      d.nextID,
		channel: channel,
		events:  make(chan Event, buffer),
		errs:    make(chan error, 1),
	}
	if d.closed {
		close(sub.events)
		close(sub.errs)
		return sub
	}

	byID, ok := d.subs[channel]
	if !ok {
		byID = make(map[uint64]*Subscription)
		d.subs[channel] = byID
	}
	byID[sub.id] = sub
	return sub
}

// Detach stops delivery to sub and closes its channels. It reports whether
// sub was attached.
func (d *EventDispatcher) Detach(sub *Subscription) bool {
	if sub == nil {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	byID, ok := d.subs[sub.channel]
	if !ok {
		return false
	}
	if _, ok := byID[sub.id]; !ok {
		return false
	}
	delete(byID, sub.id)
	if len(byID) == 0 {
		delete(d.subs, sub.channel)
	}
	close(sub.events)
	close(sub.errs)
	return true
}

// Dispatch parses frame and delivers it. Control acknowledgements are
// consumed, malformed frames are logged and dropped.
func (d *EventDispatcher) Dispatch(frame []byte) {
	ev, ok := d.parse(frame)
	if !ok {
		return
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	d.deliver(d.subs[ev.Channel], ev)
	if ev.Channel != Wildcard {
		d.deliver(d.subs[Wildcard], ev)
	}
}

func (d *EventDispatcher) deliver(subs map[uint64]*Subscription, ev Event) {
	for _, sub := range subs {
		select {
		case sub.events <- ev:
		default:
			d.logger.Warn().Str("channel", ev.Channel).Msg("subscriber buffer full, dropping event")
			if d.onDrop != nil {
				d.onDrop(ev)
			}
		}
	}
}

func (d *EventDispatcher) parse(frame []byte) (Event, bool) {
	var env envelope
	if err := frameAPI.Unmarshal(frame, &env); err != nil {
		d.logger.Warn().Err(err).Int("size", len(frame)).Msg("malformed stream frame")
		return Event{}, false
	}

	switch {
	case env.Stream != "":
		ev := Event{Channel: env.Stream, Data: []byte(env.Data)}
		if len(env.Data) > 0 && env.Data[0] == '{' {
			var h eventHeader
			if err := frameAPI.Unmarshal(env.Data, &h); err == nil {
				ev.Type = h.Type
				ev.EventTime = millis(h.Time)
			}
		}
		return ev, true
	case env.Type != "":
		return Event{Channel: env.Type, Type: env.Type, EventTime: millis(env.Time), Data: frame}, true
	case env.ID != nil:
		if env.Error != nil {
			d.logger.Warn().Int64("id", *env.ID).Int("code", env.Error.Code).Str("msg", env.Error.Msg).Msg("control frame rejected")
		} else {
			d.logger.Debug().Int64("id", *env.ID).Msg("control frame acknowledged")
		}
		return Event{}, false
	default:
		d.logger.Debug().Int("size", len(frame)).Msg("unroutable stream frame")
		return Event{}, false
	}
}

// Broadcast offers err to every subscription. A handle that already holds an
// undelivered error keeps the older one.
func (d *EventDispatcher) Broadcast(err error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, byID := range d.subs {
		for _, sub := range byID {
			select {
			case sub.errs <- err:
			default:
			}
		}
	}
}

// Len returns the number of attached handles.
func (d *EventDispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	n := 0
	for _, byID := range d.subs {
		n += len(byID)
	}
	return n
}

// CloseAll detaches every handle. Later Attach calls return closed handles.
func (d *EventDispatcher) CloseAll() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for channel, byID := range d.subs {
		for _, sub := range byID {
			close(sub.events)
			close(sub.errs)
		}
		delete(d.subs, channel)
	}
	d.closed = true
}

func millis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
