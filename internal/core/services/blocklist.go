package services

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vibewell25/vibewell-sub010/internal/core/domain"
	"github.com/vibewell25/vibewell-sub010/internal/core/ports"
	"github.com/vibewell25/vibewell-sub010/internal/logging"
)

const (
	DefaultSuspiciousScan = 1000

	DefaultAutoBlockWindow   = 5 * time.Minute
	DefaultAutoBlockDuration = 15 * time.Minute
)

// AutoBlock bloqueia IPs que acumulam rejeições. Threshold zero desativa.
type AutoBlock struct {
	Threshold int
	Window    time.Duration
	Duration  time.Duration
}

type BlocklistConfig struct {
	Store ports.CounterStore
	// Events receives block events and feeds ListSuspicious. Optional.
	Events    ports.EventRecorder
	KeyPrefix string
	AutoBlock AutoBlock
	// SuspiciousScan caps how many suspicious events ListSuspicious aggregates.
	SuspiciousScan int

	Logger *zap.Logger
	Clock  func() time.Time
}

// Blocklist mantém IPs rejeitados independentemente da janela do limiter.
// Each entry is a TTL'd key holding the expiry plus a member of a sorted set
// scored by expiry for enumeration.
type Blocklist struct {
	store     ports.CounterStore
	events    ports.EventRecorder
	keyPrefix string
	auto      AutoBlock
	scan      int
	log       *zap.Logger
	now       func() time.Time
}

var _ ports.Blocklist = (*Blocklist)(nil)

func NewBlocklist(cfg BlocklistConfig) (*Blocklist, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("blocklist storage is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = domain.DefaultKeyPrefix
	}
	if cfg.SuspiciousScan <= 0 {
		cfg.SuspiciousScan = DefaultSuspiciousScan
	}
	if cfg.AutoBlock.Threshold < 0 {
		return nil, domain.NewValidationError("auto block threshold", "must not be negative")
	}
	if cfg.AutoBlock.Window <= 0 {
		cfg.AutoBlock.Window = DefaultAutoBlockWindow
	}
	if cfg.AutoBlock.Duration <= 0 {
		cfg.AutoBlock.Duration = DefaultAutoBlockDuration
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return &Blocklist{
		store:     cfg.Store,
		events:    cfg.Events,
		keyPrefix: cfg.KeyPrefix,
		auto:      cfg.AutoBlock,
		scan:      cfg.SuspiciousScan,
		log:       logging.Category(cfg.Logger, "blocklist"),
		now:       cfg.Clock,
	}, nil
}

func (b *Blocklist) entryKey(ip string) string {
	return b.keyPrefix + "blocked:" + ip
}

func (b *Blocklist) setKey() string {
	return b.keyPrefix + "blocked"
}

func (b *Blocklist) violationsKey(ip string) string {
	return b.keyPrefix + "violations:" + ip
}

// Block rejeita o IP pela duração informada e registra um evento de sistema.
func (b *Blocklist) Block(ctx context.Context, ip string, duration time.Duration) error {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return fmt.Errorf("block: %w", domain.ErrInvalidIdentifier)
	}
	if duration <= 0 {
		return domain.NewValidationError("duration", "must be positive")
	}

	now := b.now()
	expiresAt := now.Add(duration)
	expiresMs := expiresAt.UnixMilli()

	if err := b.store.Set(ctx, b.entryKey(ip), strconv.FormatInt(expiresMs, 10), duration); err != nil {
		return fmt.Errorf("block %s: %w", ip, err)
	}
	if err := b.store.ZAdd(ctx, b.setKey(), float64(expiresMs), ip); err != nil {
		return fmt.Errorf("index block %s: %w", ip, err)
	}

	b.log.Warn("ip blocked",
		zap.String("ip", ip),
		zap.Duration("duration", duration),
		zap.Time("expires_at", expiresAt))

	if b.events != nil {
		retry := domain.RetryAfterSeconds(expiresAt, now)
		ev := b.events.NewEvent(ip, "", "", domain.LimiterTypeSystem, domain.RateLimitResult{
			Success:    false,
			ResetTime:  expiresAt,
			RetryAfter: &retry,
		}, "")
		ev.Exceeded = true
		ev.Blocked = true
		b.events.Submit(ctx, ev)
	}
	return nil
}

// IsBlocked reports an unexpired entry. Store failures are logged and
// treated as not blocked.
func (b *Blocklist) IsBlocked(ctx context.Context, ip string) bool {
	raw, ok, err := b.store.Get(ctx, b.entryKey(ip))
	if err != nil {
		b.log.Error("blocklist lookup failed, allowing", zap.String("ip", ip), zap.Error(err))
		return false
	}
	if !ok {
		return false
	}

	entry := domain.BlockedIPEntry{IP: ip, ExpiresAt: parseExpiry(raw)}
	if entry.Active(b.now()) {
		return true
	}

	b.purge(ctx, ip)
	return false
}

func (b *Blocklist) purge(ctx context.Context, ip string) {
	if _, err := b.store.Delete(ctx, b.entryKey(ip)); err != nil {
		b.log.Debug("failed to purge expired block", zap.String("ip", ip), zap.Error(err))
	}
	if _, err := b.store.ZRem(ctx, b.setKey(), ip); err != nil {
		b.log.Debug("failed to unindex expired block", zap.String("ip", ip), zap.Error(err))
	}
}

func parseExpiry(raw string) time.Time {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func (b *Blocklist) Unblock(ctx context.Context, ip string) (bool, error) {
	removedKey, err := b.store.Delete(ctx, b.entryKey(ip))
	if err != nil {
		return false, fmt.Errorf("unblock %s: %w", ip, err)
	}
	removedMember, err := b.store.ZRem(ctx, b.setKey(), ip)
	if err != nil {
		return removedKey, fmt.Errorf("unindex %s: %w", ip, err)
	}
	if _, err := b.store.Delete(ctx, b.violationsKey(ip)); err != nil {
		b.log.Debug("failed to reset violations", zap.String("ip", ip), zap.Error(err))
	}

	removed := removedKey || removedMember
	if removed {
		b.log.Info("ip unblocked", zap.String("ip", ip))
	}
	return removed, nil
}

// ListBlocked returns only unexpired entries, soonest expiry first.
func (b *Blocklist) ListBlocked(ctx context.Context) ([]domain.BlockedIPEntry, error) {
	now := b.now()
	if _, err := b.store.ZRemRangeByScore(ctx, b.setKey(), math.Inf(-1), float64(now.UnixMilli())); err != nil {
		return nil, fmt.Errorf("prune blocked: %w", err)
	}

	ips, err := b.store.ZRange(ctx, b.setKey(), 0, -1)
	if err != nil {
		return nil, fmt.Errorf("list blocked: %w", err)
	}

	entries := make([]domain.BlockedIPEntry, 0, len(ips))
	for _, ip := range ips {
		raw, ok, err := b.store.Get(ctx, b.entryKey(ip))
		if err != nil {
			return nil, fmt.Errorf("read block %s: %w", ip, err)
		}
		entry := domain.BlockedIPEntry{IP: ip}
		if ok {
			entry.ExpiresAt = parseExpiry(raw)
		}
		if !ok || !entry.Active(now) {
			b.purge(ctx, ip)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// ListSuspicious ranks IPs by their number of rejected suspicious events.
func (b *Blocklist) ListSuspicious(ctx context.Context, limit int) ([]domain.SuspiciousIP, error) {
	if b.events == nil || limit <= 0 {
		return []domain.SuspiciousIP{}, nil
	}

	events, err := b.events.ListSuspicious(ctx, b.scan)
	if err != nil {
		return nil, err
	}

	byIP := make(map[string]*domain.SuspiciousIP)
	for _, ev := range events {
		if !ev.Exceeded || !ev.Suspicious || ev.IP == "" {
			continue
		}
		agg, ok := byIP[ev.IP]
		if !ok {
			agg = &domain.SuspiciousIP{IP: ev.IP}
			byIP[ev.IP] = agg
		}
		agg.Count++
		if ev.Timestamp.After(agg.LastSeen) {
			agg.LastSeen = ev.Timestamp
		}
	}

	out := make([]domain.SuspiciousIP, 0, len(byIP))
	for _, agg := range byIP {
		out = append(out, *agg)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].IP < out[j].IP
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RecordViolation counts a rejection for ip and blocks it once the
// auto-block threshold is reached within the window. Returns true when this
// call blocked the IP.
func (b *Blocklist) RecordViolation(ctx context.Context, ip string) bool {
	if b.auto.Threshold <= 0 || ip == "" {
		return false
	}

	rec, err := b.store.IncrementWindow(ctx, b.violationsKey(ip), b.auto.Window)
	if err != nil {
		b.log.Error("failed to count violation", zap.String("ip", ip), zap.Error(err))
		return false
	}
	if rec.Count < int64(b.auto.Threshold) {
		return false
	}

	if err := b.Block(ctx, ip, b.auto.Duration); err != nil {
		b.log.Error("auto block failed", zap.String("ip", ip), zap.Error(err))
		return false
	}
	if _, err := b.store.Delete(ctx, b.violationsKey(ip)); err != nil {
		b.log.Debug("failed to reset violations", zap.String("ip", ip), zap.Error(err))
	}
	return true
}
