package auth

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// Clock supplies request timestamps in milliseconds since the epoch.
type Clock interface {
	NowMillis() int64
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) NowMillis() int64 {
	return time.Now().UnixMilli()
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() int64

func (f ClockFunc) NowMillis() int64 {
	return f()
}

// ServerTimeFunc fetches the exchange time in milliseconds.
type ServerTimeFunc func(ctx context.Context) (int64, error)

// SyncedClock applies a server offset to a base clock and never returns a
// value lower than one it already returned, even across goroutines.
type SyncedClock struct {
	base   Clock
	offset atomic.Int64
	last   atomic.Int64
}

// NewSyncedClock wraps base. A nil base uses SystemClock.
func NewSyncedClock(base Clock) *SyncedClock {
	if base == nil {
		base = SystemClock{}
	}
	return &SyncedClock{base: base}
}

// NowMillis returns base time plus offset, clamped to be non-decreasing.
func (c *SyncedClock) NowMillis() int64 {
	now := c.base.NowMillis() + c.offset.Load()
	for {
		last := c.last.Load()
		if now <= last {
			return last
		}
		if c.last.CompareAndSwap(last, now) {
			return now
		}
	}
}

// Offset returns the server minus local difference.
func (c *SyncedClock) Offset() time.Duration {
	return time.Duration(c.offset.Load()) * time.Millisecond
}

// SetOffset sets the server minus local difference.
func (c *SyncedClock) SetOffset(d time.Duration) {
	c.offset.Store(d.Milliseconds())
}

// Sync measures the server offset, assuming symmetric latency.
func (c *SyncedClock) Sync(ctx context.Context, serverTime ServerTimeFunc) (time.Duration, error) {
	before := c.base.NowMillis()
	server, err := serverTime(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch server time: %w", err)
	}
	after := c.base.NowMillis()

	offset := server - (before+after)/2
	c.offset.Store(offset)
	return time.Duration(offset) * time.Millisecond, nil
}
