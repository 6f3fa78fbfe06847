// Package redis disponibiliza a implementação do storage baseada em Redis.
package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/vibewell25/vibewell-sub010/internal/core/domain"
	"github.com/vibewell25/vibewell-sub010/internal/core/ports"
	"github.com/vibewell25/vibewell-sub010/internal/logging"
)

const (
	DefaultTimeout         = 2 * time.Second
	DefaultBreakerFailures = 5
	DefaultBreakerCooldown = 10 * time.Second
)

// windowScript opens a window on the first hit (or when the key lost its
// TTL) and increments it otherwise. Returns {count, pttl}.
var windowScript = redis.NewScript(`
local current = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if current == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
elseif ttl < 0 then
  redis.call('SET', KEYS[1], 1, 'PX', ARGV[1])
  current = 1
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

type Storage struct {
	client  redis.UniversalClient
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration
	log     *zap.Logger
	metrics ports.Metrics
}

var _ ports.CounterStore = (*Storage)(nil)

type Config struct {
	URL      string
	Addr     string
	Username string
	Password string
	DB       int
	TLS      bool
	Timeout  time.Duration

	// BreakerFailures consecutive backend failures open the circuit; while
	// open, calls fail fast with domain.ErrBackendUnavailable.
	BreakerFailures uint32
	BreakerCooldown time.Duration

	Logger  *zap.Logger
	Metrics ports.Metrics
}

func (c Config) options() (*redis.Options, error) {
	var opts *redis.Options
	if c.URL != "" {
		parsed, err := redis.ParseURL(c.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		opts = parsed
	} else {
		if c.Addr == "" {
			return nil, fmt.Errorf("redis address is required")
		}
		opts = &redis.Options{
			Addr:     c.Addr,
			Username: c.Username,
			Password: c.Password,
			DB:       c.DB,
		}
	}

	if c.TLS && opts.TLSConfig == nil {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	timeout := c.timeout()
	opts.DialTimeout = timeout
	opts.ReadTimeout = timeout
	opts.WriteTimeout = timeout
	return opts, nil
}

func (c Config) timeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

// New connects and pings the server.
func New(cfg Config) (*Storage, error) {
	s, err := NewLazy(cfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.client.Ping(ctx).Err(); err != nil {
		_ = s.client.Close()
		return nil, fmt.Errorf("redis ping failed: %w: %w", domain.ErrBackendUnavailable, err)
	}
	return s, nil
}

// NewLazy builds the client without checking connectivity; the first
// commands surface any outage.
func NewLazy(cfg Config) (*Storage, error) {
	opts, err := cfg.options()
	if err != nil {
		return nil, err
	}
	return NewWithClient(redis.NewClient(opts), cfg), nil
}

// NewWithClient wraps an existing client without checking connectivity.
func NewWithClient(client redis.UniversalClient, cfg Config) *Storage {
	log := logging.Category(cfg.Logger, "store")
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}

	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = DefaultBreakerFailures
	}
	cooldown := cfg.BreakerCooldown
	if cooldown <= 0 {
		cooldown = DefaultBreakerCooldown
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "redis-counter-store",
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || isReplyError(err) || isCallerGone(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &Storage{
		client:  client,
		breaker: breaker,
		timeout: cfg.timeout(),
		log:     log,
		metrics: metrics,
	}
}

func (s *Storage) Close() error {
	return s.client.Close()
}

// isReplyError reports server-side replies (WRONGTYPE, script errors) that
// say nothing about availability.
func isReplyError(err error) bool {
	if errors.Is(err, redis.Nil) {
		return true
	}
	var reply redis.Error
	return errors.As(err, &reply) && !errors.Is(err, context.DeadlineExceeded)
}

// callerGoneError marks a failure caused by the caller's own context ending.
// It is not a sign of an outage and must not trip the breaker.
type callerGoneError struct {
	err error
}

func (e callerGoneError) Error() string { return e.err.Error() }
func (e callerGoneError) Unwrap() error { return e.err }

func isCallerGone(err error) bool {
	var gone callerGoneError
	return errors.As(err, &gone)
}

// do runs fn with the per-call timeout behind the circuit breaker and maps
// transport failures to domain.ErrBackendUnavailable. Only the per-call
// timeout counts as an outage; a caller whose context is done gets its
// context error back.
func (s *Storage) do(ctx context.Context, op string, fn func(ctx context.Context) (any, error)) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("redis %s: %w", op, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.breaker.Execute(func() (any, error) {
		res, err := fn(callCtx)
		if err != nil && ctx.Err() != nil {
			return nil, callerGoneError{err: ctx.Err()}
		}
		return res, err
	})
	if err == nil {
		return res, nil
	}
	if isCallerGone(err) {
		return nil, fmt.Errorf("redis %s: %w", op, ctx.Err())
	}
	if isReplyError(err) {
		return nil, fmt.Errorf("redis %s: %w", op, err)
	}

	s.metrics.ObserveStoreError(op)
	return nil, fmt.Errorf("redis %s: %w: %w", op, domain.ErrBackendUnavailable, err)
}

func (s *Storage) Get(ctx context.Context, key string) (string, bool, error) {
	res, err := s.do(ctx, "get", func(ctx context.Context) (any, error) {
		v, err := s.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return v, err
	})
	if err != nil {
		return "", false, err
	}
	if res == nil {
		return "", false, nil
	}
	return res.(string), true, nil
}

func (s *Storage) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := s.do(ctx, "set", func(ctx context.Context) (any, error) {
		return nil, s.client.Set(ctx, key, value, ttl).Err()
	})
	return err
}

func (s *Storage) Increment(ctx context.Context, key string) (int64, error) {
	res, err := s.do(ctx, "incr", func(ctx context.Context) (any, error) {
		return s.client.Incr(ctx, key).Result()
	})
	if err != nil {
		return 0, err
	}
	return res.(int64), nil
}

func (s *Storage) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	res, err := s.do(ctx, "pexpire", func(ctx context.Context) (any, error) {
		return s.client.PExpire(ctx, key, ttl).Result()
	})
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

func (s *Storage) Delete(ctx context.Context, key string) (bool, error) {
	res, err := s.do(ctx, "del", func(ctx context.Context) (any, error) {
		return s.client.Del(ctx, key).Result()
	})
	if err != nil {
		return false, err
	}
	return res.(int64) > 0, nil
}

func (s *Storage) IncrementWindow(ctx context.Context, key string, window time.Duration) (domain.WindowRecord, error) {
	windowMs := window.Milliseconds()
	if windowMs < 1 {
		windowMs = 1
	}

	res, err := s.do(ctx, "window", func(ctx context.Context) (any, error) {
		return windowScript.Run(ctx, s.client, []string{key}, windowMs).Int64Slice()
	})
	if err != nil {
		return domain.WindowRecord{}, err
	}

	vals := res.([]int64)
	if len(vals) != 2 {
		return domain.WindowRecord{}, fmt.Errorf("redis window: unexpected reply %v", vals)
	}
	return domain.WindowRecord{
		Count:     vals[0],
		ResetTime: time.Now().Add(time.Duration(vals[1]) * time.Millisecond),
	}, nil
}

func formatScore(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "+inf"
	case math.IsInf(f, -1):
		return "-inf"
	default:
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
}

func (s *Storage) ZAdd(ctx context.Context, set string, score float64, member string) error {
	_, err := s.do(ctx, "zadd", func(ctx context.Context) (any, error) {
		return nil, s.client.ZAdd(ctx, set, redis.Z{Score: score, Member: member}).Err()
	})
	return err
}

func (s *Storage) ZRem(ctx context.Context, set string, member string) (bool, error) {
	res, err := s.do(ctx, "zrem", func(ctx context.Context) (any, error) {
		return s.client.ZRem(ctx, set, member).Result()
	})
	if err != nil {
		return false, err
	}
	return res.(int64) > 0, nil
}

func (s *Storage) ZRange(ctx context.Context, set string, start, stop int64) ([]string, error) {
	res, err := s.do(ctx, "zrange", func(ctx context.Context) (any, error) {
		return s.client.ZRange(ctx, set, start, stop).Result()
	})
	if err != nil {
		return nil, err
	}
	return res.([]string), nil
}

func (s *Storage) ZRevRange(ctx context.Context, set string, start, stop int64) ([]string, error) {
	res, err := s.do(ctx, "zrevrange", func(ctx context.Context) (any, error) {
		return s.client.ZRevRange(ctx, set, start, stop).Result()
	})
	if err != nil {
		return nil, err
	}
	return res.([]string), nil
}

func (s *Storage) ZRemRangeByScore(ctx context.Context, set string, min, max float64) (int64, error) {
	res, err := s.do(ctx, "zremrangebyscore", func(ctx context.Context) (any, error) {
		return s.client.ZRemRangeByScore(ctx, set, formatScore(min), formatScore(max)).Result()
	})
	if err != nil {
		return 0, err
	}
	return res.(int64), nil
}

func (s *Storage) ZRemRangeByRank(ctx context.Context, set string, start, stop int64) (int64, error) {
	res, err := s.do(ctx, "zremrangebyrank", func(ctx context.Context) (any, error) {
		return s.client.ZRemRangeByRank(ctx, set, start, stop).Result()
	})
	if err != nil {
		return 0, err
	}
	return res.(int64), nil
}

func (s *Storage) ZCard(ctx context.Context, set string) (int64, error) {
	res, err := s.do(ctx, "zcard", func(ctx context.Context) (any, error) {
		return s.client.ZCard(ctx, set).Result()
	})
	if err != nil {
		return 0, err
	}
	return res.(int64), nil
}
