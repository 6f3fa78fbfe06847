// Package fallback implementa a política de degradação do storage distribuído:
// na primeira indisponibilidade, passa a usar o storage em processo até o fim
// do processo.
package fallback

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/vibewell25/vibewell-sub010/internal/core/domain"
	"github.com/vibewell25/vibewell-sub010/internal/core/ports"
	"github.com/vibewell25/vibewell-sub010/internal/logging"
)

type Storage struct {
	primary   ports.CounterStore
	secondary ports.CounterStore
	degraded  atomic.Bool
	log       *zap.Logger
	metrics   ports.Metrics
}

var _ ports.CounterStore = (*Storage)(nil)

func New(primary, secondary ports.CounterStore, log *zap.Logger, metrics ports.Metrics) *Storage {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &Storage{
		primary:   primary,
		secondary: secondary,
		log:       logging.Category(log, "store"),
		metrics:   metrics,
	}
}

// Degraded reports whether the in-process backend has taken over.
func (s *Storage) Degraded() bool {
	return s.degraded.Load()
}

func (s *Storage) degrade(op string, err error) {
	if s.degraded.CompareAndSwap(false, true) {
		s.metrics.SetFallbackActive(true)
		s.log.Error("distributed counter store unavailable, switching to in-process store for the rest of the process lifetime",
			zap.String("operation", op),
			zap.Error(err))
	}
}

func call[T any](ctx context.Context, s *Storage, op string, fn func(ports.CounterStore) (T, error)) (T, error) {
	if !s.degraded.Load() {
		res, err := fn(s.primary)
		if err == nil || !errors.Is(err, domain.ErrBackendUnavailable) {
			return res, err
		}
		if ctx.Err() != nil {
			// The caller went away; that says nothing about the backend.
			return res, ctx.Err()
		}
		s.degrade(op, err)
	}
	if ctx.Err() != nil {
		var zero T
		return zero, ctx.Err()
	}
	return fn(s.secondary)
}

func (s *Storage) Get(ctx context.Context, key string) (string, bool, error) {
	type pair struct {
		v  string
		ok bool
	}
	p, err := call(ctx, s, "get", func(cs ports.CounterStore) (pair, error) {
		v, ok, err := cs.Get(ctx, key)
		return pair{v, ok}, err
	})
	return p.v, p.ok, err
}

func (s *Storage) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := call(ctx, s, "set", func(cs ports.CounterStore) (struct{}, error) {
		return struct{}{}, cs.Set(ctx, key, value, ttl)
	})
	return err
}

func (s *Storage) Increment(ctx context.Context, key string) (int64, error) {
	return call(ctx, s, "incr", func(cs ports.CounterStore) (int64, error) {
		return cs.Increment(ctx, key)
	})
}

func (s *Storage) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return call(ctx, s, "expire", func(cs ports.CounterStore) (bool, error) {
		return cs.Expire(ctx, key, ttl)
	})
}

func (s *Storage) Delete(ctx context.Context, key string) (bool, error) {
	return call(ctx, s, "del", func(cs ports.CounterStore) (bool, error) {
		return cs.Delete(ctx, key)
	})
}

func (s *Storage) IncrementWindow(ctx context.Context, key string, window time.Duration) (domain.WindowRecord, error) {
	return call(ctx, s, "window", func(cs ports.CounterStore) (domain.WindowRecord, error) {
		return cs.IncrementWindow(ctx, key, window)
	})
}

func (s *Storage) ZAdd(ctx context.Context, set string, score float64, member string) error {
	_, err := call(ctx, s, "zadd", func(cs ports.CounterStore) (struct{}, error) {
		return struct{}{}, cs.ZAdd(ctx, set, score, member)
	})
	return err
}

func (s *Storage) ZRem(ctx context.Context, set string, member string) (bool, error) {
	return call(ctx, s, "zrem", func(cs ports.CounterStore) (bool, error) {
		return cs.ZRem(ctx, set, member)
	})
}

func (s *Storage) ZRange(ctx context.Context, set string, start, stop int64) ([]string, error) {
	return call(ctx, s, "zrange", func(cs ports.CounterStore) ([]string, error) {
		return cs.ZRange(ctx, set, start, stop)
	})
}

func (s *Storage) ZRevRange(ctx context.Context, set string, start, stop int64) ([]string, error) {
	return call(ctx, s, "zrevrange", func(cs ports.CounterStore) ([]string, error) {
		return cs.ZRevRange(ctx, set, start, stop)
	})
}

func (s *Storage) ZRemRangeByScore(ctx context.Context, set string, min, max float64) (int64, error) {
	return call(ctx, s, "zremrangebyscore", func(cs ports.CounterStore) (int64, error) {
		return cs.ZRemRangeByScore(ctx, set, min, max)
	})
}

func (s *Storage) ZRemRangeByRank(ctx context.Context, set string, start, stop int64) (int64, error) {
	return call(ctx, s, "zremrangebyrank", func(cs ports.CounterStore) (int64, error) {
		return cs.ZRemRangeByRank(ctx, set, start, stop)
	})
}

func (s *Storage) ZCard(ctx context.Context, set string) (int64, error) {
	return call(ctx, s, "zcard", func(cs ports.CounterStore) (int64, error) {
		return cs.ZCard(ctx, set)
	})
}

// Close closes both backends.
func (s *Storage) Close() error {
	return errors.Join(s.primary.Close(), s.secondary.Close())
}
