package stream

import (
	"sort"
	"sync"
)

// Registry records the channels callers want on each endpoint. It is the
// source replayed after every reconnect and never reflects wire state.
type Registry struct {
	mu        sync.Mutex
	endpoints map[string]map[string]int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{endpoints: make(map[string]map[string]int)}
}

// Add records one more subscriber of channel on endpoint and reports whether
// the channel is new.
func (r *Registry) Add(endpoint, channel string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	channels, ok := r.endpoints[endpoint]
	if !ok {
		channels = make(map[string]int)
		r.endpoints[endpoint] = channels
	}
	channels[channel]++
	return channels[channel] == 1
}

// Remove drops one subscriber of channel and reports whether it was the last.
// Removing an unknown channel is a no-op that returns false.
func (r *Registry) Remove(endpoint, channel string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	channels, ok := r.endpoints[endpoint]
	if !ok {
		return false
	}
	n, ok := channels[channel]
	if !ok {
		return false
	}
	if n > 1 {
		channels[channel] = n - 1
		return false
	}
	delete(channels, channel)
	if len(channels) == 0 {
		delete(r.endpoints, endpoint)
	}
	return true
}

// Snapshot returns the channels of endpoint in sorted order.
func (r *Registry) Snapshot(endpoint string) []string {
	r.mu.Lock()
	out := make([]string, 0, len(r.endpoints[endpoint]))
	for channel := range r.endpoints[endpoint] {
		out = append(out, channel)
	}
	r.mu.Unlock()

	sort.Strings(out)
	return out
}

// Len returns the number of distinct channels on endpoint.
func (r *Registry) Len(endpoint string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.endpoints[endpoint])
}

// Clear forgets every channel of endpoint.
func (r *Registry) Clear(endpoint string) {
	r.mu.Lock()
	delete(r.endpoints, endpoint)
	r.mu.Unlock()
}
