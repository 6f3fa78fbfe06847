package services

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vibewell25/vibewell-sub010/internal/core/domain"
	"github.com/vibewell25/vibewell-sub010/internal/core/ports"
	"github.com/vibewell25/vibewell-sub010/internal/logging"
)

const (
	EventsKey           = "ratelimit:events"
	SuspiciousEventsKey = "ratelimit:events:suspicious"

	DefaultMaxEvents           = 10000
	DefaultEventRetention      = 30 * 24 * time.Hour
	DefaultSuspiciousRetention = 90 * 24 * time.Hour
	DefaultEventWriteTimeout   = 2 * time.Second
	DefaultMaxPendingWrites    = 1024
)

type EventLoggerConfig struct {
	Store ports.CounterStore
	// KeyPrefix is stripped from identifiers to recover the IP.
	KeyPrefix string

	MaxEvents           int64
	Retention           time.Duration
	SuspiciousRetention time.Duration
	WriteTimeout        time.Duration
	MaxPendingWrites    int

	// AlertsPerSecond and AlertBurst bound how many alert lines reach the
	// log sink. Zero uses 10/s with a burst of 20.
	AlertsPerSecond float64
	AlertBurst      int
	// WriteErrorsPerSecond and WriteErrorBurst do the same for failed
	// background writes. Zero uses 1/s with a burst of 5.
	WriteErrorsPerSecond float64
	WriteErrorBurst      int

	Logger *zap.Logger
	Clock  func() time.Time
}

// EventLogger grava cada decisão do limiter no log de eventos do storage.
type EventLogger struct {
	store     ports.CounterStore
	keyPrefix string

	maxEvents           int64
	retention           time.Duration
	suspiciousRetention time.Duration
	writeTimeout        time.Duration

	log         *zap.Logger
	now         func() time.Time
	alerts      *logSampler
	writeErrors *logSampler

	pending chan struct{}
	wg      sync.WaitGroup
}

var _ ports.EventRecorder = (*EventLogger)(nil)

func NewEventLogger(cfg EventLoggerConfig) (*EventLogger, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("event storage is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = domain.DefaultKeyPrefix
	}
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = DefaultMaxEvents
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultEventRetention
	}
	if cfg.SuspiciousRetention <= 0 {
		cfg.SuspiciousRetention = DefaultSuspiciousRetention
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultEventWriteTimeout
	}
	if cfg.MaxPendingWrites <= 0 {
		cfg.MaxPendingWrites = DefaultMaxPendingWrites
	}
	if cfg.AlertsPerSecond <= 0 {
		cfg.AlertsPerSecond = 10
	}
	if cfg.AlertBurst <= 0 {
		cfg.AlertBurst = 20
	}
	if cfg.WriteErrorsPerSecond <= 0 {
		cfg.WriteErrorsPerSecond = 1
	}
	if cfg.WriteErrorBurst <= 0 {
		cfg.WriteErrorBurst = 5
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return &EventLogger{
		store:               cfg.Store,
		keyPrefix:           cfg.KeyPrefix,
		maxEvents:           cfg.MaxEvents,
		retention:           cfg.Retention,
		suspiciousRetention: cfg.SuspiciousRetention,
		writeTimeout:        cfg.WriteTimeout,
		log:                 logging.Category(cfg.Logger, "events"),
		now:                 cfg.Clock,
		alerts:              newLogSampler(cfg.AlertsPerSecond, cfg.AlertBurst, "suppressed_alerts"),
		writeErrors:         newLogSampler(cfg.WriteErrorsPerSecond, cfg.WriteErrorBurst, "suppressed_errors"),
		pending:             make(chan struct{}, cfg.MaxPendingWrites),
	}, nil
}

// IPFromIdentifier strips the configured key prefix.
func (l *EventLogger) IPFromIdentifier(identifier string) string {
	return strings.TrimPrefix(identifier, l.keyPrefix)
}

// NewEvent classifies a decision into an audit event.
func (l *EventLogger) NewEvent(identifier, path, method, limiterType string, result domain.RateLimitResult, userID string) domain.RateLimitEvent {
	return domain.RateLimitEvent{
		ID:              uuid.NewString(),
		IP:              l.IPFromIdentifier(identifier),
		Path:            path,
		Method:          method,
		LimiterType:     limiterType,
		Timestamp:       l.now(),
		Exceeded:        !result.Success,
		Remaining:       result.Remaining,
		Limit:           result.Limit,
		RetryAfter:      result.RetryAfter,
		ResetTime:       result.ResetTime,
		Suspicious:      domain.IsSuspicious(result),
		Approaching:     domain.IsApproaching(result),
		OverLimitFactor: domain.OverLimitFactor(result),
		UserID:          userID,
	}
}

// LogRateLimitEvent records a decision without ever failing the caller.
func (l *EventLogger) LogRateLimitEvent(ctx context.Context, identifier, path, method, limiterType string, result domain.RateLimitResult, userID string) {
	l.Submit(ctx, l.NewEvent(identifier, path, method, limiterType, result, userID))
}

// Submit emits the alert line (if any) and persists the event in the
// background. When too many writes are pending the event is dropped.
func (l *EventLogger) Submit(ctx context.Context, event domain.RateLimitEvent) {
	l.alert(event)

	select {
	case l.pending <- struct{}{}:
	default:
		l.log.Warn("event log backlog full, dropping event",
			zap.String("ip", event.IP),
			zap.String("limiter", event.LimiterType))
		return
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer func() { <-l.pending }()

		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.writeTimeout)
		defer cancel()

		if err := l.Record(writeCtx, event); err != nil {
			ok, fields := l.writeErrors.allow([]zap.Field{
				zap.String("id", event.ID),
				zap.String("ip", event.IP),
				zap.Error(err),
			})
			if ok {
				l.log.Error("failed to persist rate limit event", fields...)
			}
		}
	}()
}

// Flush waits for background writes to finish.
func (l *EventLogger) Flush() {
	l.wg.Wait()
}

func (l *EventLogger) alert(event domain.RateLimitEvent) {
	if !event.Suspicious && !event.Exceeded {
		l.log.Debug("rate limit decision",
			zap.String("ip", event.IP),
			zap.String("limiter", event.LimiterType),
			zap.Int("remaining", event.Remaining))
		return
	}

	ok, fields := l.alerts.allow([]zap.Field{
		zap.String("ip", event.IP),
		zap.String("path", event.Path),
		zap.String("method", event.Method),
		zap.String("limiter", event.LimiterType),
		zap.Int("limit", event.Limit),
		zap.Int("remaining", event.Remaining),
		zap.Bool("suspicious", event.Suspicious),
	})
	if !ok {
		return
	}
	if event.UserID != "" {
		fields = append(fields, zap.String("user_id", event.UserID))
	}

	switch {
	case event.Blocked:
		l.log.Error("ip blocked", fields...)
	case event.Exceeded:
		fields = append(fields, zap.Int("over_limit_factor", event.OverLimitFactor))
		l.log.Error("rate limit exceeded", fields...)
	default:
		l.log.Warn("rate limit nearly exhausted", fields...)
	}
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// Record writes the event synchronously and enforces retention.
func (l *EventLogger) Record(ctx context.Context, event domain.RateLimitEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrMalformedEvent, err)
	}
	member := string(payload)
	at := score(event.Timestamp)

	if err := l.store.ZAdd(ctx, EventsKey, at, member); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	if err := l.trim(ctx, EventsKey, l.retention); err != nil {
		return err
	}

	if !event.Suspicious {
		return nil
	}
	if err := l.store.ZAdd(ctx, SuspiciousEventsKey, at, member); err != nil {
		return fmt.Errorf("append suspicious event: %w", err)
	}
	return l.trim(ctx, SuspiciousEventsKey, l.suspiciousRetention)
}

func (l *EventLogger) trim(ctx context.Context, set string, retention time.Duration) error {
	cutoff := score(l.now().Add(-retention))
	if _, err := l.store.ZRemRangeByScore(ctx, set, math.Inf(-1), cutoff); err != nil {
		return fmt.Errorf("trim %s by age: %w", set, err)
	}
	if _, err := l.store.ZRemRangeByRank(ctx, set, 0, -(l.maxEvents + 1)); err != nil {
		return fmt.Errorf("trim %s by size: %w", set, err)
	}
	return nil
}

// List returns the newest events first.
func (l *EventLogger) List(ctx context.Context, limit int) ([]domain.RateLimitEvent, error) {
	return l.list(ctx, EventsKey, limit)
}

// ListSuspicious returns the newest suspicious events first.
func (l *EventLogger) ListSuspicious(ctx context.Context, limit int) ([]domain.RateLimitEvent, error) {
	return l.list(ctx, SuspiciousEventsKey, limit)
}

func (l *EventLogger) list(ctx context.Context, set string, limit int) ([]domain.RateLimitEvent, error) {
	if limit <= 0 {
		return []domain.RateLimitEvent{}, nil
	}

	members, err := l.store.ZRevRange(ctx, set, 0, int64(limit-1))
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}

	events := make([]domain.RateLimitEvent, 0, len(members))
	for _, m := range members {
		var ev domain.RateLimitEvent
		if err := json.Unmarshal([]byte(m), &ev); err != nil {
			l.log.Debug("skipping malformed event", zap.Error(err))
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// Purge removes events older than olderThan and returns how many general
// events were dropped.
func (l *EventLogger) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := score(l.now().Add(-olderThan))

	removed, err := l.store.ZRemRangeByScore(ctx, EventsKey, math.Inf(-1), cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge events: %w", err)
	}
	if _, err := l.store.ZRemRangeByScore(ctx, SuspiciousEventsKey, math.Inf(-1), cutoff); err != nil {
		return removed, fmt.Errorf("purge suspicious events: %w", err)
	}
	return removed, nil
}
