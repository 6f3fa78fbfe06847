// Package ports define contratos que conectam o domínio a implementações externas.
package ports

import (
	"context"
	"time"

	"github.com/vibewell25/vibewell-sub010/internal/core/domain"
)

// RateLimiter decides admission for an identifier. It never returns an error:
// store failures surface as fail-open results.
type RateLimiter interface {
	CheckRateLimit(ctx context.Context, identifier string, opts domain.RateLimitOptions, useDistributedStore bool) domain.RateLimitResult
	ShouldUseDistributedStore() bool
}

// EventRecorder persists limiter decisions. LogRateLimitEvent is best-effort.
type EventRecorder interface {
	NewEvent(identifier, path, method, limiterType string, result domain.RateLimitResult, userID string) domain.RateLimitEvent
	Submit(ctx context.Context, event domain.RateLimitEvent)
	LogRateLimitEvent(ctx context.Context, identifier, path, method, limiterType string, result domain.RateLimitResult, userID string)
	Record(ctx context.Context, event domain.RateLimitEvent) error
	List(ctx context.Context, limit int) ([]domain.RateLimitEvent, error)
	ListSuspicious(ctx context.Context, limit int) ([]domain.RateLimitEvent, error)
	Purge(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Blocklist rejects IPs outright until their entry expires. IsBlocked fails open.
type Blocklist interface {
	Block(ctx context.Context, ip string, duration time.Duration) error
	IsBlocked(ctx context.Context, ip string) bool
	Unblock(ctx context.Context, ip string) (bool, error)
	ListBlocked(ctx context.Context) ([]domain.BlockedIPEntry, error)
	ListSuspicious(ctx context.Context, limit int) ([]domain.SuspiciousIP, error)
	RecordViolation(ctx context.Context, ip string) bool
}

// Metrics receives limiter telemetry.
type Metrics interface {
	ObserveDecision(limiterType string, allowed bool)
	ObserveFailOpen(limiterType string)
	ObserveStoreError(operation string)
	SetActiveConnections(n int)
	SetFallbackActive(active bool)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) ObserveDecision(string, bool) {}
func (NopMetrics) ObserveFailOpen(string)       {}
func (NopMetrics) ObserveStoreError(string)     {}
func (NopMetrics) SetActiveConnections(int)     {}
func (NopMetrics) SetFallbackActive(bool)       {}
