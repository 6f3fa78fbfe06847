package services

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/vibewell25/vibewell-sub010/internal/core/domain"
	"github.com/vibewell25/vibewell-sub010/internal/core/ports"
)

func denied(limit int, count int64, now time.Time) domain.RateLimitResult {
	return domain.NewDenied(limit, count, now.Add(30*time.Second), now)
}

func TestEventLogger_ClassifiesDecisions(t *testing.T) {
	clock := newFakeClock()
	events := newTestEventLogger(t, clock, newMemoryStore(t, clock))
	reset := clock.Now().Add(time.Minute)

	tests := []struct {
		name        string
		result      domain.RateLimitResult
		suspicious  bool
		approaching bool
		factor      int
	}{
		{"plenty left", domain.NewAllowed(100, 10, reset), false, false, 0},
		{"approaching", domain.NewAllowed(100, 85, reset), false, true, 0},
		{"nearly exhausted", domain.NewAllowed(100, 95, reset), true, true, 0},
		{"rejected", denied(100, 101, clock.Now()), true, true, 2},
		{"rejected far over", denied(10, 45, clock.Now()), true, true, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := events.NewEvent("ratelimit:203.0.113.7", "/api", "GET", domain.LimiterTypeRequest, tt.result, "")
			assert.Equal(t, "203.0.113.7", ev.IP)
			assert.NotEmpty(t, ev.ID)
			assert.Equal(t, tt.suspicious, ev.Suspicious)
			assert.Equal(t, tt.approaching, ev.Approaching)
			assert.Equal(t, tt.factor, ev.OverLimitFactor)
			assert.Equal(t, !tt.result.Success, ev.Exceeded)
		})
	}
}

func TestEventLogger_RecordAndList(t *testing.T) {
	clock := newFakeClock()
	store := newMemoryStore(t, clock)
	events := newTestEventLogger(t, clock, store)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ev := events.NewEvent("10.0.0."+string(rune('1'+i)), "/p", "POST", domain.LimiterTypeRequest,
			domain.NewAllowed(10, int64(i+1), clock.Now().Add(time.Minute)), "")
		require.NoError(t, events.Record(ctx, ev))
		clock.Advance(time.Second)
	}

	list, err := events.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "10.0.0.3", list[0].IP, "newest first")
	assert.Equal(t, "10.0.0.1", list[2].IP)

	list, err = events.List(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	suspicious, err := events.ListSuspicious(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, suspicious)
}

func TestEventLogger_SuspiciousEventsIndexedSeparately(t *testing.T) {
	clock := newFakeClock()
	store := newMemoryStore(t, clock)
	events := newTestEventLogger(t, clock, store)
	ctx := context.Background()

	require.NoError(t, events.Record(ctx, events.NewEvent("ip", "/", "GET", domain.LimiterTypeRequest, denied(5, 6, clock.Now()), "user-1")))

	n, err := store.ZCard(ctx, SuspiciousEventsKey)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	list, err := events.ListSuspicious(ctx, 1)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "user-1", list[0].UserID)
	assert.True(t, list[0].Exceeded)
}

func TestEventLogger_CapsEventLog(t *testing.T) {
	clock := newFakeClock()
	store := newMemoryStore(t, clock)
	events, err := NewEventLogger(EventLoggerConfig{Store: store, Clock: clock.Now, MaxEvents: 5})
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		require.NoError(t, events.Record(ctx, events.NewEvent("ip", "/", "GET", domain.LimiterTypeRequest,
			domain.NewAllowed(100, 1, clock.Now()), "")))
		clock.Advance(time.Millisecond)
	}

	n, err := store.ZCard(ctx, EventsKey)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
}

func TestEventLogger_RetentionDropsOldEvents(t *testing.T) {
	clock := newFakeClock()
	store := newMemoryStore(t, clock)
	events, err := NewEventLogger(EventLoggerConfig{Store: store, Clock: clock.Now, Retention: time.Hour})
	require.NoError(t, err)
	ctx := context.Background()

	old := events.NewEvent("old", "/", "GET", domain.LimiterTypeRequest, domain.NewAllowed(10, 1, clock.Now()), "")
	require.NoError(t, events.Record(ctx, old))

	clock.Advance(2 * time.Hour)
	fresh := events.NewEvent("fresh", "/", "GET", domain.LimiterTypeRequest, domain.NewAllowed(10, 1, clock.Now()), "")
	require.NoError(t, events.Record(ctx, fresh))

	list, err := events.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "fresh", list[0].IP)
}

func TestEventLogger_Purge(t *testing.T) {
	clock := newFakeClock()
	events := newTestEventLogger(t, clock, newMemoryStore(t, clock))
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, events.Record(ctx, events.NewEvent("ip", "/", "GET", domain.LimiterTypeRequest,
			denied(1, 2, clock.Now()), "")))
		clock.Advance(10 * time.Minute)
	}

	removed, err := events.Purge(ctx, 25*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	list, err := events.List(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestEventLogger_ListSkipsMalformedMembers(t *testing.T) {
	clock := newFakeClock()
	store := newMemoryStore(t, clock)
	events := newTestEventLogger(t, clock, store)
	ctx := context.Background()

	require.NoError(t, events.Record(ctx, events.NewEvent("ip", "/", "GET", domain.LimiterTypeRequest,
		domain.NewAllowed(10, 1, clock.Now()), "")))
	require.NoError(t, store.ZAdd(ctx, EventsKey, float64(clock.Now().UnixMilli()+1), "{not json"))

	list, err := events.List(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestEventLogger_LogRateLimitEventIsAsync(t *testing.T) {
	clock := newFakeClock()
	store := newMemoryStore(t, clock)
	core, logs := observer.New(zapcore.WarnLevel)
	events, err := NewEventLogger(EventLoggerConfig{Store: store, Clock: clock.Now, Logger: zap.New(core)})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	events.LogRateLimitEvent(ctx, "ratelimit:192.0.2.1", "/login", "POST", domain.LimiterTypeRequest, denied(3, 4, clock.Now()), "")
	cancel()
	events.Flush()

	list, err := events.List(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "192.0.2.1", list[0].IP)

	alerts := logs.FilterMessage("rate limit exceeded").All()
	require.Len(t, alerts, 1)
	assert.Equal(t, zapcore.ErrorLevel, alerts[0].Level)
	assert.Equal(t, "events", alerts[0].ContextMap()["category"])
}

func TestEventLogger_SamplesAlerts(t *testing.T) {
	clock := newFakeClock()
	core, logs := observer.New(zapcore.WarnLevel)
	events, err := NewEventLogger(EventLoggerConfig{
		Store:           newMemoryStore(t, clock),
		Clock:           clock.Now,
		Logger:          zap.New(core),
		AlertsPerSecond: 0.001,
		AlertBurst:      2,
	})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		events.LogRateLimitEvent(context.Background(), "ip", "/", "GET", domain.LimiterTypeRequest, denied(1, 2, clock.Now()), "")
	}
	events.Flush()

	assert.Equal(t, 2, logs.FilterMessage("rate limit exceeded").Len())
}

type failingZSetStore struct {
	ports.CounterStore
}

func (failingZSetStore) ZAdd(context.Context, string, float64, string) error {
	return fmt.Errorf("zadd: %w", domain.ErrBackendUnavailable)
}

func TestEventLogger_PersistenceFailureNeverReachesCaller(t *testing.T) {
	clock := newFakeClock()
	core, logs := observer.New(zapcore.ErrorLevel)
	events, err := NewEventLogger(EventLoggerConfig{Store: failingZSetStore{}, Clock: clock.Now, Logger: zap.New(core)})
	require.NoError(t, err)
	ctx := context.Background()

	err = events.Record(ctx, events.NewEvent("ip", "/", "GET", domain.LimiterTypeRequest, domain.NewAllowed(10, 1, clock.Now()), ""))
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)

	events.LogRateLimitEvent(ctx, "ip", "/", "GET", domain.LimiterTypeRequest, domain.NewAllowed(10, 1, clock.Now()), "")
	events.Flush()

	assert.Equal(t, 1, logs.FilterMessage("failed to persist rate limit event").Len())
}

func TestEventLogger_SamplesWriteFailures(t *testing.T) {
	clock := newFakeClock()
	core, logs := observer.New(zapcore.ErrorLevel)
	events, err := NewEventLogger(EventLoggerConfig{
		Store:                failingZSetStore{},
		Clock:                clock.Now,
		Logger:               zap.New(core),
		WriteErrorsPerSecond: 0.001,
		WriteErrorBurst:      2,
	})
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		events.LogRateLimitEvent(context.Background(), "ip", "/", "GET", domain.LimiterTypeRequest, domain.NewAllowed(10, 1, clock.Now()), "")
	}
	events.Flush()

	assert.Equal(t, 2, logs.FilterMessage("failed to persist rate limit event").Len())
}

func TestEventLogger_EventJSONShape(t *testing.T) {
	clock := newFakeClock()
	events := newTestEventLogger(t, clock, newMemoryStore(t, clock))

	ev := events.NewEvent("ratelimit:ip", "/x", "GET", domain.LimiterTypeMessage, denied(6, 7, clock.Now()), "u")
	raw, err := json.Marshal(ev)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))
	for _, k := range []string{"id", "ip", "path", "method", "limiterType", "timestamp", "exceeded", "remaining", "limit", "retryAfter", "resetTime", "suspicious", "approaching", "overLimitFactor", "userId"} {
		assert.Contains(t, fields, k)
	}
	assert.Equal(t, "websocket_message", fields["limiterType"])
}
