package services

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vibewell25/vibewell-sub010/internal/core/domain"
	"github.com/vibewell25/vibewell-sub010/internal/core/ports"
	"github.com/vibewell25/vibewell-sub010/internal/logging"
)

// Config agrega as dependências do limiter de janela fixa.
type Config struct {
	// Local is the in-process store. Required.
	Local ports.CounterStore
	// Distributed is the shared store; nil when not configured.
	Distributed ports.CounterStore
	// DistributedHealthy reports whether Distributed still serves traffic
	// (false once a fallback policy has taken over). Optional.
	DistributedHealthy func() bool

	// ErrorsPerSecond and ErrorBurst bound the fail-open error lines written
	// during an outage. Zero uses 1/s with a burst of 5.
	ErrorsPerSecond float64
	ErrorBurst      int

	Logger  *zap.Logger
	Metrics ports.Metrics
	Clock   func() time.Time
}

// WindowLimiter implementa a lógica central de rate limiting (janela fixa).
type WindowLimiter struct {
	local       ports.CounterStore
	distributed ports.CounterStore
	healthy     func() bool
	log         *zap.Logger
	failures    *logSampler
	metrics     ports.Metrics
	now         func() time.Time
}

var _ ports.RateLimiter = (*WindowLimiter)(nil)

// NewWindowLimiter cria uma nova instância do limiter.
func NewWindowLimiter(cfg Config) (*WindowLimiter, error) {
	if cfg.Local == nil {
		return nil, fmt.Errorf("local storage is required")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = ports.NopMetrics{}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.ErrorsPerSecond <= 0 {
		cfg.ErrorsPerSecond = 1
	}
	if cfg.ErrorBurst <= 0 {
		cfg.ErrorBurst = 5
	}
	if cfg.DistributedHealthy == nil {
		cfg.DistributedHealthy = func() bool { return true }
	}

	return &WindowLimiter{
		local:       cfg.Local,
		distributed: cfg.Distributed,
		healthy:     cfg.DistributedHealthy,
		log:         logging.Category(cfg.Logger, "ratelimit"),
		failures:    newLogSampler(cfg.ErrorsPerSecond, cfg.ErrorBurst, "suppressed_errors"),
		metrics:     cfg.Metrics,
		now:         cfg.Clock,
	}, nil
}

// ShouldUseDistributedStore reports whether a shared store is configured and healthy.
func (l *WindowLimiter) ShouldUseDistributedStore() bool {
	return l.distributed != nil && l.healthy()
}

// Store returns the backend selected for the flag.
func (l *WindowLimiter) Store(useDistributedStore bool) ports.CounterStore {
	if useDistributedStore && l.distributed != nil {
		return l.distributed
	}
	return l.local
}

// Allow runs the fixed-window check-and-increment for a full key.
// Denied attempts are counted too, so Count can exceed the limit.
func (l *WindowLimiter) Allow(ctx context.Context, store ports.CounterStore, key string, opts domain.RateLimitOptions) (domain.RateLimitResult, error) {
	record, err := store.IncrementWindow(ctx, key, opts.Window)
	if err != nil {
		return domain.RateLimitResult{}, err
	}

	now := l.now()
	if record.ResetTime.Before(now) {
		record.ResetTime = now.Add(opts.Window)
	}

	if record.Count > int64(opts.Max) {
		return domain.NewDenied(opts.Max, record.Count, record.ResetTime, now), nil
	}
	return domain.NewAllowed(opts.Max, record.Count, record.ResetTime), nil
}

// CheckRateLimit avalia o identificador contra a cota. Falhas do storage
// resultam em sucesso (fail open) e são registradas em log.
func (l *WindowLimiter) CheckRateLimit(ctx context.Context, identifier string, opts domain.RateLimitOptions, useDistributedStore bool) domain.RateLimitResult {
	opts = opts.WithDefaults()
	key := opts.Key(identifier)

	result, err := l.Allow(ctx, l.Store(useDistributedStore), key, opts)
	if err != nil {
		fields := []zap.Field{
			zap.String("key", key),
			zap.Bool("distributed", useDistributedStore && l.distributed != nil),
			zap.Error(err),
		}
		if ctx.Err() != nil {
			l.log.Debug("rate limit check abandoned by caller", fields...)
			return domain.NewFailOpen(opts, l.now())
		}
		if ok, fields := l.failures.allow(fields); ok {
			l.log.Error("rate limit check failed, allowing request", fields...)
		}
		return domain.NewFailOpen(opts, l.now())
	}
	return result
}

// Reset apaga a janela atual do identificador.
func (l *WindowLimiter) Reset(ctx context.Context, identifier string, opts domain.RateLimitOptions, useDistributedStore bool) error {
	opts = opts.WithDefaults()
	_, err := l.Store(useDistributedStore).Delete(ctx, opts.Key(identifier))
	return err
}
