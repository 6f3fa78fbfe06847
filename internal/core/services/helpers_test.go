package services

import (
	"sync"
	"testing"
	"time"

	"github.com/vibewell25/vibewell-sub010/internal/adapters/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newMemoryStore(t *testing.T, clock *fakeClock) *memory.Storage {
	t.Helper()
	opts := []memory.Option{memory.WithSweepInterval(0)}
	if clock != nil {
		opts = append(opts, memory.WithClock(clock.Now))
	}
	s := memory.New(opts...)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// newTestLimiter is a helper that fails the test immediately if creation fails.
func newTestLimiter(t *testing.T, clock *fakeClock) *WindowLimiter {
	t.Helper()
	limiter, err := NewWindowLimiter(Config{Local: newMemoryStore(t, clock), Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to create window limiter: %v", err)
	}
	return limiter
}

func newTestEventLogger(t *testing.T, clock *fakeClock, store *memory.Storage) *EventLogger {
	t.Helper()
	events, err := NewEventLogger(EventLoggerConfig{Store: store, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to create event logger: %v", err)
	}
	t.Cleanup(events.Flush)
	return events
}
