package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	redisstore "github.com/vibewell25/vibewell-sub010/internal/adapters/storage/redis"
	"github.com/vibewell25/vibewell-sub010/internal/core/domain"
	"github.com/vibewell25/vibewell-sub010/internal/core/ports"
)

func TestWindowLimiter_RequiresLocalStore(t *testing.T) {
	_, err := NewWindowLimiter(Config{})
	assert.Error(t, err)
}

func TestWindowLimiter_AllowsUpToLimit(t *testing.T) {
	clock := newFakeClock()
	limiter := newTestLimiter(t, clock)
	opts := domain.RateLimitOptions{Window: 10 * time.Second, Max: 4}
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		res := limiter.CheckRateLimit(ctx, "192.168.1.1", opts, false)
		require.True(t, res.Success, "request %d", i)
		assert.Equal(t, 4-i, res.Remaining)
		assert.Equal(t, 4, res.Limit)
		assert.Nil(t, res.RetryAfter)
	}

	res := limiter.CheckRateLimit(ctx, "192.168.1.1", opts, false)
	assert.False(t, res.Success)
	assert.Equal(t, 0, res.Remaining)
	require.NotNil(t, res.RetryAfter)
	assert.GreaterOrEqual(t, *res.RetryAfter, 1)
	assert.LessOrEqual(t, *res.RetryAfter, 10)
}

func TestWindowLimiter_KeysAreIndependent(t *testing.T) {
	limiter := newTestLimiter(t, newFakeClock())
	opts := domain.RateLimitOptions{Window: time.Second, Max: 1}
	ctx := context.Background()

	assert.True(t, limiter.CheckRateLimit(ctx, "a", opts, false).Success)
	assert.False(t, limiter.CheckRateLimit(ctx, "a", opts, false).Success)
	assert.True(t, limiter.CheckRateLimit(ctx, "b", opts, false).Success)
	assert.True(t, limiter.CheckRateLimit(ctx, "a", domain.RateLimitOptions{Window: time.Second, Max: 1, KeyPrefix: "other:"}, false).Success)
}

func TestWindowLimiter_RollsOverAfterReset(t *testing.T) {
	clock := newFakeClock()
	limiter := newTestLimiter(t, clock)
	opts := domain.RateLimitOptions{Window: 2 * time.Second, Max: 3}
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		limiter.CheckRateLimit(ctx, "10.0.0.1", opts, false)
	}
	assert.False(t, limiter.CheckRateLimit(ctx, "10.0.0.1", opts, false).Success)

	clock.Advance(2*time.Second + time.Millisecond)

	res := limiter.CheckRateLimit(ctx, "10.0.0.1", opts, false)
	assert.True(t, res.Success)
	assert.Equal(t, 2, res.Remaining)
	assert.Equal(t, clock.Now().Add(2*time.Second), res.ResetTime)
}

func TestWindowLimiter_RetryAfterStaysWithinWindow(t *testing.T) {
	clock := newFakeClock()
	limiter := newTestLimiter(t, clock)
	opts := domain.RateLimitOptions{Window: 5 * time.Second, Max: 1}
	ctx := context.Background()

	limiter.CheckRateLimit(ctx, "ip", opts, false)
	for step := 0; step < 5; step++ {
		res := limiter.CheckRateLimit(ctx, "ip", opts, false)
		require.False(t, res.Success)
		require.NotNil(t, res.RetryAfter)
		assert.GreaterOrEqual(t, *res.RetryAfter, 1)
		assert.LessOrEqual(t, *res.RetryAfter, 5)
		clock.Advance(999 * time.Millisecond)
	}
}

func TestWindowLimiter_ShortWindowScenario(t *testing.T) {
	limiter := newTestLimiter(t, newFakeClock())
	opts := domain.RateLimitOptions{Window: time.Second, Max: 5}
	ctx := context.Background()

	var remaining []int
	for i := 0; i < 5; i++ {
		res := limiter.CheckRateLimit(ctx, "scenario-a", opts, false)
		require.True(t, res.Success)
		remaining = append(remaining, res.Remaining)
	}
	assert.Equal(t, []int{4, 3, 2, 1, 0}, remaining)

	res := limiter.CheckRateLimit(ctx, "scenario-a", opts, false)
	assert.False(t, res.Success)
	require.NotNil(t, res.RetryAfter)
	assert.Equal(t, 1, *res.RetryAfter)
}

func TestWindowLimiter_CountsDeniedAttempts(t *testing.T) {
	limiter := newTestLimiter(t, newFakeClock())
	opts := domain.RateLimitOptions{Window: time.Minute, Max: 2}
	ctx := context.Background()

	var last domain.RateLimitResult
	for i := 0; i < 5; i++ {
		last = limiter.CheckRateLimit(ctx, "ip", opts, false)
	}
	assert.Equal(t, int64(5), last.Count)
	assert.Equal(t, int64(-3), last.Overshoot())
}

func TestWindowLimiter_ConcurrentCallersNeverExceedLimit(t *testing.T) {
	limiter := newTestLimiter(t, newFakeClock())
	opts := domain.RateLimitOptions{Window: time.Minute, Max: 25}
	ctx := context.Background()

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.CheckRateLimit(ctx, "shared", opts, false).Success {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(25), allowed.Load())
}

func TestWindowLimiter_AppliesDefaults(t *testing.T) {
	limiter := newTestLimiter(t, newFakeClock())

	res := limiter.CheckRateLimit(context.Background(), "ip", domain.RateLimitOptions{}, false)
	assert.True(t, res.Success)
	assert.Equal(t, domain.DefaultMax, res.Limit)
	assert.Equal(t, domain.DefaultMax-1, res.Remaining)
}

func TestWindowLimiter_Reset(t *testing.T) {
	limiter := newTestLimiter(t, newFakeClock())
	opts := domain.RateLimitOptions{Window: time.Minute, Max: 1}
	ctx := context.Background()

	limiter.CheckRateLimit(ctx, "ip", opts, false)
	assert.False(t, limiter.CheckRateLimit(ctx, "ip", opts, false).Success)

	require.NoError(t, limiter.Reset(ctx, "ip", opts, false))
	assert.True(t, limiter.CheckRateLimit(ctx, "ip", opts, false).Success)
}

func TestWindowLimiter_ShouldUseDistributedStore(t *testing.T) {
	local := newMemoryStore(t, nil)

	limiter, err := NewWindowLimiter(Config{Local: local})
	require.NoError(t, err)
	assert.False(t, limiter.ShouldUseDistributedStore())

	healthy := true
	limiter, err = NewWindowLimiter(Config{
		Local:              local,
		Distributed:        newMemoryStore(t, nil),
		DistributedHealthy: func() bool { return healthy },
	})
	require.NoError(t, err)
	assert.True(t, limiter.ShouldUseDistributedStore())

	healthy = false
	assert.False(t, limiter.ShouldUseDistributedStore())
}

func TestWindowLimiter_DistributedFlagSelectsStore(t *testing.T) {
	local := newMemoryStore(t, nil)
	shared := newMemoryStore(t, nil)
	limiter, err := NewWindowLimiter(Config{Local: local, Distributed: shared})
	require.NoError(t, err)

	opts := domain.RateLimitOptions{Window: time.Minute, Max: 10}
	ctx := context.Background()
	limiter.CheckRateLimit(ctx, "ip", opts, true)

	_, ok, _ := shared.Get(ctx, "ratelimit:ip")
	assert.True(t, ok)
	_, ok, _ = local.Get(ctx, "ratelimit:ip")
	assert.False(t, ok)
}

func TestWindowLimiter_FailsOpenWhenBackendUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	shared, err := redisstore.New(redisstore.Config{Addr: mr.Addr(), Timeout: 200 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = shared.Close() })
	mr.Close()

	limiter, err := NewWindowLimiter(Config{Local: newMemoryStore(t, nil), Distributed: shared})
	require.NoError(t, err)

	opts := domain.RateLimitOptions{Window: time.Minute, Max: 3}
	res := limiter.CheckRateLimit(context.Background(), "198.51.100.5", opts, true)
	assert.True(t, res.Success)
	assert.True(t, res.FailOpen)
	assert.Equal(t, 3, res.Limit)
	assert.Equal(t, 3, res.Remaining)
}

type unavailableStore struct {
	ports.CounterStore
}

func (unavailableStore) IncrementWindow(context.Context, string, time.Duration) (domain.WindowRecord, error) {
	return domain.WindowRecord{}, fmt.Errorf("window: %w", domain.ErrBackendUnavailable)
}

func TestWindowLimiter_SamplesOutageErrors(t *testing.T) {
	clock := newFakeClock()
	core, logs := observer.New(zapcore.ErrorLevel)
	limiter, err := NewWindowLimiter(Config{
		Local:           newMemoryStore(t, clock),
		Distributed:     unavailableStore{},
		ErrorsPerSecond: 0.001,
		ErrorBurst:      3,
		Logger:          zap.New(core),
		Clock:           clock.Now,
	})
	require.NoError(t, err)

	opts := domain.RateLimitOptions{Window: time.Minute, Max: 1}
	for i := 0; i < 50; i++ {
		res := limiter.CheckRateLimit(context.Background(), "ip", opts, true)
		require.True(t, res.FailOpen)
	}

	assert.Equal(t, 3, logs.FilterMessage("rate limit check failed, allowing request").Len())
}

func TestWindowLimiter_AbandonedCheckIsNotLoggedAsFailure(t *testing.T) {
	clock := newFakeClock()
	core, logs := observer.New(zapcore.ErrorLevel)
	limiter, err := NewWindowLimiter(Config{
		Local:       newMemoryStore(t, clock),
		Distributed: unavailableStore{},
		Logger:      zap.New(core),
		Clock:       clock.Now,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := limiter.CheckRateLimit(ctx, "ip", domain.RateLimitOptions{Window: time.Minute, Max: 1}, true)

	assert.True(t, res.Success)
	assert.Zero(t, logs.Len())
}
