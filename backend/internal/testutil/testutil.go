// Package testutil provides helpers shared by the coordinator tests.
package testutil

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"collab-coordinator/backend/internal/cache"
)

// Clock is a manually advanced clock. It is safe for concurrent use.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts the clock at a fixed instant so test output is reproducible.
func NewClock() *Clock {
	return &Clock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Logger returns a logger that writes through t.Log so output only shows for failing tests.
func Logger(t *testing.T) *log.Logger {
	t.Helper()
	return log.New(testWriter{t}, "", 0)
}

// Discard returns a logger that drops everything.
func Discard() *log.Logger {
	return log.New(io.Discard, "", 0)
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

// ErrInjected is what FlakySubstrate returns for failing operations.
var ErrInjected = errors.New("injected substrate failure")

// FlakySubstrate wraps a substrate and fails the operations switched on in Fail*.
// It deliberately does not implement cache.Swapper so callers take the read-then-write path.
type FlakySubstrate struct {
	cache.Substrate

	mu       sync.Mutex
	FailGet  bool
	FailSet  bool
	FailDel  bool
	FailHGet bool
	FailHSet bool
	FailHDel bool
	hdels    int
}

func NewFlakySubstrate(inner cache.Substrate) *FlakySubstrate {
	return &FlakySubstrate{Substrate: inner}
}

func (f *FlakySubstrate) Get(ctx context.Context, key string) ([]byte, error) {
	if f.fail(&f.FailGet) {
		return nil, ErrInjected
	}
	return f.Substrate.Get(ctx, key)
}

func (f *FlakySubstrate) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if f.fail(&f.FailSet) {
		return ErrInjected
	}
	return f.Substrate.Set(ctx, key, value, ttl)
}

func (f *FlakySubstrate) Del(ctx context.Context, key string) error {
	if f.fail(&f.FailDel) {
		return ErrInjected
	}
	return f.Substrate.Del(ctx, key)
}

func (f *FlakySubstrate) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	if f.fail(&f.FailHGet) {
		return nil, ErrInjected
	}
	return f.Substrate.HGetAll(ctx, key)
}

func (f *FlakySubstrate) HSet(ctx context.Context, key, field, value string, ttl time.Duration) error {
	if f.fail(&f.FailHSet) {
		return ErrInjected
	}
	return f.Substrate.HSet(ctx, key, field, value, ttl)
}

func (f *FlakySubstrate) HDel(ctx context.Context, key string, fields ...string) error {
	f.mu.Lock()
	f.hdels++
	f.mu.Unlock()
	if f.fail(&f.FailHDel) {
		return ErrInjected
	}
	return f.Substrate.HDel(ctx, key, fields...)
}

// HDelCalls reports how many HDel calls were attempted, failed ones included.
func (f *FlakySubstrate) HDelCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hdels
}

// Toggle flips a failure switch under the lock so tests can flip it while goroutines run.
func (f *FlakySubstrate) Toggle(sw *bool, on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	*sw = on
}

func (f *FlakySubstrate) fail(sw *bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *sw
}
