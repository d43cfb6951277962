package ws

import "sync/atomic"

// ConnState represents the lifecycle state of a stream transport.
type ConnState int32

// Connection states. Closed is terminal.
const (
	// StateDisconnected indicates there is no connection and none is wanted.
	StateDisconnected ConnState = iota
	// StateConnecting indicates the first dial is in progress.
	StateConnecting
	// StateConnected indicates an open connection with subscriptions replayed.
	StateConnected
	// StateDegraded indicates the connection failed or missed its heartbeat
	// and a reconnect is about to start.
	StateDegraded
	// StateReconnecting indicates the transport is backing off between dials.
	StateReconnecting
	// StateClosed indicates the transport has been permanently closed.
	StateClosed
)

var connStateNames = [...]string{
	"disconnected",
	"connecting",
	"connected",
	"degraded",
	"reconnecting",
	"closed",
}

// String returns the string representation of the connection state.
func (s ConnState) String() string {
	if s < 0 || int(s) >= len(connStateNames) {
		return "unknown"
	}
	return connStateNames[s]
}

// State provides thread-safe atomic access to a ConnState value.
type State struct {
	state atomic.Int32
}

// Load returns the current connection state.
func (s *State) Load() ConnState {
	return ConnState(s.state.Load())
}

// Store sets the connection state to the given value.
func (s *State) Store(state ConnState) {
	s.state.Store(int32(state))
}

// Swap stores state and returns the previous value.
func (s *State) Swap(state ConnState) ConnState {
	return ConnState(s.state.Swap(int32(state)))
}

// CompareAndSwap atomically compares the current state with old and swaps to new if equal.
// It returns true if the swap was performed.
func (s *State) CompareAndSwap(old, new ConnState) bool {
	return s.state.CompareAndSwap(int32(old), int32(new))
}
