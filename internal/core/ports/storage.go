// Package ports define contratos que conectam o domínio a implementações externas.
package ports

import (
	"context"
	"time"

	"github.com/vibewell25/vibewell-sub010/internal/core/domain"
)

// CounterStore is the shared counter backend. Implementations must be safe
// for concurrent callers; the distributed one also across processes.
// Absent keys are reported with ok=false, never as an error.
type CounterStore interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Increment(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) (bool, error)

	// IncrementWindow atomically opens a window of the given length when
	// the key is absent or expired, otherwise increments it.
	IncrementWindow(ctx context.Context, key string, window time.Duration) (domain.WindowRecord, error)

	ZAdd(ctx context.Context, set string, score float64, member string) error
	ZRem(ctx context.Context, set string, member string) (bool, error)
	ZRange(ctx context.Context, set string, start, stop int64) ([]string, error)
	ZRevRange(ctx context.Context, set string, start, stop int64) ([]string, error)
	ZRemRangeByScore(ctx context.Context, set string, min, max float64) (int64, error)
	ZRemRangeByRank(ctx context.Context, set string, start, stop int64) (int64, error)
	ZCard(ctx context.Context, set string) (int64, error)

	Close() error
}
