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

const (
	DefaultMaxConnectionsPerIP     = 5
	DefaultConnectionWindow        = time.Minute
	DefaultMaxConnectionsPerWindow = 20
	DefaultMaxMessagesPerMinute    = 60
	DefaultMaxMessageSizeBytes     = 64 * 1024
	DefaultBurstFactor             = 6
	DefaultBurstDuration           = 10 * time.Second
	DefaultWebSocketPath           = "/ws"

	// burstGateRemaining is the primary remaining quota below which the
	// burst window verdict is enforced.
	burstGateRemaining = 5
)

// Motivos de rejeição devolvidos em Verdict.Reason.
const (
	ReasonBlocked            = "blocked"
	ReasonTooManyConnections = "too_many_connections"
	ReasonConnectionRate     = "connection_rate"
	ReasonMessageTooLarge    = "message_too_large"
	ReasonMessageRate        = "message_rate"
	ReasonBurst              = "burst"
)

type WebSocketConfig struct {
	MaxConnectionsPerIP     int
	ConnectionWindow        time.Duration
	MaxConnectionsPerWindow int
	MaxMessagesPerMinute    int
	MaxMessageSizeBytes     int
	BurstFactor             int
	BurstDuration           time.Duration
	KeyPrefix               string
	// Path is recorded on connection and message events.
	Path string
}

func (c WebSocketConfig) withDefaults() WebSocketConfig {
	if c.MaxConnectionsPerIP <= 0 {
		c.MaxConnectionsPerIP = DefaultMaxConnectionsPerIP
	}
	if c.ConnectionWindow <= 0 {
		c.ConnectionWindow = DefaultConnectionWindow
	}
	if c.MaxConnectionsPerWindow <= 0 {
		c.MaxConnectionsPerWindow = DefaultMaxConnectionsPerWindow
	}
	if c.MaxMessagesPerMinute <= 0 {
		c.MaxMessagesPerMinute = DefaultMaxMessagesPerMinute
	}
	if c.MaxMessageSizeBytes <= 0 {
		c.MaxMessageSizeBytes = DefaultMaxMessageSizeBytes
	}
	if c.BurstFactor <= 0 {
		c.BurstFactor = DefaultBurstFactor
	}
	if c.BurstDuration <= 0 {
		c.BurstDuration = DefaultBurstDuration
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = domain.DefaultKeyPrefix
	}
	if c.Path == "" {
		c.Path = DefaultWebSocketPath
	}
	return c
}

// BurstLimit is MaxMessagesPerMinute / BurstFactor, at least 1.
func (c WebSocketConfig) BurstLimit() int {
	n := c.MaxMessagesPerMinute / c.BurstFactor
	if n < 1 {
		return 1
	}
	return n
}

type WebSocketLimiterConfig struct {
	Limiter   ports.RateLimiter
	Events    ports.EventRecorder
	Blocklist ports.Blocklist
	Metrics   ports.Metrics
	Registry  *ConnectionRegistry
	Limits    WebSocketConfig

	Logger *zap.Logger
	Clock  func() time.Time
}

// Verdict é a decisão detalhada para uma conexão ou mensagem.
type Verdict struct {
	Allowed bool
	Reason  string
	Result  domain.RateLimitResult
}

// WebSocketLimiter admite conexões e mensagens WebSocket.
type WebSocketLimiter struct {
	limiter   ports.RateLimiter
	events    ports.EventRecorder
	blocklist ports.Blocklist
	metrics   ports.Metrics
	registry  *ConnectionRegistry
	limits    WebSocketConfig

	connOpts  domain.RateLimitOptions
	msgOpts   domain.RateLimitOptions
	burstOpts domain.RateLimitOptions

	log *zap.Logger
	now func() time.Time
}

func NewWebSocketLimiter(cfg WebSocketLimiterConfig) (*WebSocketLimiter, error) {
	if cfg.Limiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	if cfg.Events == nil {
		return nil, fmt.Errorf("event recorder is required")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = ports.NopMetrics{}
	}
	if cfg.Registry == nil {
		cfg.Registry = NewConnectionRegistry()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	limits := cfg.Limits.withDefaults()

	return &WebSocketLimiter{
		limiter:   cfg.Limiter,
		events:    cfg.Events,
		blocklist: cfg.Blocklist,
		metrics:   cfg.Metrics,
		registry:  cfg.Registry,
		limits:    limits,
		connOpts: domain.RateLimitOptions{
			Window:    limits.ConnectionWindow,
			Max:       limits.MaxConnectionsPerWindow,
			KeyPrefix: limits.KeyPrefix + "ws:conn:",
		},
		msgOpts: domain.RateLimitOptions{
			Window:    time.Minute,
			Max:       limits.MaxMessagesPerMinute,
			KeyPrefix: limits.KeyPrefix + "ws:msg:",
		},
		burstOpts: domain.RateLimitOptions{
			Window:    limits.BurstDuration,
			Max:       limits.BurstLimit(),
			KeyPrefix: limits.KeyPrefix + "ws:burst:",
		},
		log: logging.Category(cfg.Logger, "websocket"),
		now: cfg.Clock,
	}, nil
}

func (w *WebSocketLimiter) Limits() WebSocketConfig {
	return w.limits
}

func (w *WebSocketLimiter) IsIPBlocked(ctx context.Context, ip string) bool {
	return w.blocklist != nil && w.blocklist.IsBlocked(ctx, ip)
}

// CheckConnection avalia uma tentativa de conexão: blocklist, conexões
// simultâneas nesta instância e taxa de conexões no storage.
func (w *WebSocketLimiter) CheckConnection(ctx context.Context, ip string) Verdict {
	if w.IsIPBlocked(ctx, ip) {
		v := w.refusal(ReasonBlocked, w.limits.MaxConnectionsPerIP)
		w.record(ctx, ip, ip, "CONNECT", domain.LimiterTypeBlocked, v, true)
		return v
	}

	if n := w.registry.Count(ip); n >= w.limits.MaxConnectionsPerIP {
		v := w.refusal(ReasonTooManyConnections, w.limits.MaxConnectionsPerIP)
		v.Result.Count = int64(n + 1)
		w.log.Warn("connection refused, too many open connections",
			zap.String("ip", ip),
			zap.Int("open", n),
			zap.Int("max", w.limits.MaxConnectionsPerIP))
		w.record(ctx, ip, ip, "CONNECT", domain.LimiterTypeConnection, v, false)
		return v
	}

	result := w.limiter.CheckRateLimit(ctx, ip, w.connOpts, w.limiter.ShouldUseDistributedStore())
	v := Verdict{Allowed: result.Success, Result: result}
	if !result.Success {
		v.Reason = ReasonConnectionRate
	}
	w.record(ctx, ip, ip, "CONNECT", domain.LimiterTypeConnection, v, false)
	return v
}

func (w *WebSocketLimiter) CanConnect(ctx context.Context, ip string) bool {
	return w.CheckConnection(ctx, ip).Allowed
}

func (w *WebSocketLimiter) RegisterConnection(ip, connectionID string) {
	n := w.registry.Add(ip, connectionID)
	w.metrics.SetActiveConnections(w.registry.Total())
	w.log.Debug("connection registered",
		zap.String("ip", ip),
		zap.String("connection_id", connectionID),
		zap.Int("open", n))
}

func (w *WebSocketLimiter) UnregisterConnection(ip, connectionID string) {
	n := w.registry.Remove(ip, connectionID)
	w.metrics.SetActiveConnections(w.registry.Total())
	w.log.Debug("connection unregistered",
		zap.String("ip", ip),
		zap.String("connection_id", connectionID),
		zap.Int("open", n))
}

// CheckMessage avalia uma mensagem recebida. Mensagens acima do tamanho
// máximo são rejeitadas sem consultar contadores. The burst window counts
// every message; its verdict applies once the per-minute quota is nearly
// exhausted.
func (w *WebSocketLimiter) CheckMessage(ctx context.Context, ip, connectionID string, sizeBytes int) Verdict {
	if w.IsIPBlocked(ctx, ip) {
		v := w.refusal(ReasonBlocked, w.limits.MaxMessagesPerMinute)
		w.record(ctx, connectionID, ip, "MESSAGE", domain.LimiterTypeBlocked, v, true)
		return v
	}

	if sizeBytes > w.limits.MaxMessageSizeBytes {
		v := w.refusal(ReasonMessageTooLarge, w.limits.MaxMessagesPerMinute)
		w.log.Warn("message rejected, too large",
			zap.String("ip", ip),
			zap.String("connection_id", connectionID),
			zap.Int("size", sizeBytes),
			zap.Int("max", w.limits.MaxMessageSizeBytes))
		w.metrics.ObserveDecision(domain.LimiterTypeMessage, false)
		return v
	}

	useDistributed := w.limiter.ShouldUseDistributedStore()
	primary := w.limiter.CheckRateLimit(ctx, connectionID, w.msgOpts, useDistributed)
	if !primary.Success {
		v := Verdict{Reason: ReasonMessageRate, Result: primary}
		w.record(ctx, connectionID, ip, "MESSAGE", domain.LimiterTypeMessage, v, false)
		return v
	}

	burst := w.limiter.CheckRateLimit(ctx, connectionID, w.burstOpts, useDistributed)
	if primary.Remaining < burstGateRemaining && !burst.Success {
		v := Verdict{Reason: ReasonBurst, Result: burst}
		w.record(ctx, connectionID, ip, "MESSAGE", domain.LimiterTypeBurst, v, false)
		return v
	}

	v := Verdict{Allowed: true, Result: primary}
	w.record(ctx, connectionID, ip, "MESSAGE", domain.LimiterTypeMessage, v, false)
	return v
}

func (w *WebSocketLimiter) CanSendMessage(ctx context.Context, ip, connectionID string, sizeBytes int) bool {
	return w.CheckMessage(ctx, ip, connectionID, sizeBytes).Allowed
}

func (w *WebSocketLimiter) refusal(reason string, limit int) Verdict {
	now := w.now()
	retry := 1
	return Verdict{
		Reason: reason,
		Result: domain.RateLimitResult{
			Success:    false,
			Limit:      limit,
			Remaining:  0,
			ResetTime:  now,
			RetryAfter: &retry,
		},
	}
}

// record feeds metrics and the event log. Allowed messages that are not
// suspicious stay out of the event log.
func (w *WebSocketLimiter) record(ctx context.Context, identifier, ip, method, limiterType string, v Verdict, blocked bool) {
	w.metrics.ObserveDecision(limiterType, v.Allowed)
	if v.Result.FailOpen {
		w.metrics.ObserveFailOpen(limiterType)
	}

	if method == "MESSAGE" && v.Allowed && !domain.IsSuspicious(v.Result) {
		return
	}

	ev := w.events.NewEvent(identifier, w.limits.Path, method, limiterType, v.Result, "")
	ev.IP = ip
	ev.Blocked = blocked
	w.events.Submit(ctx, ev)
}
