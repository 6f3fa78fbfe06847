package services

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vibewell25/vibewell-sub010/internal/core/domain"
	"github.com/vibewell25/vibewell-sub010/internal/core/ports"
	"github.com/vibewell25/vibewell-sub010/internal/logging"
)

const blockedMessage = "access from this address is temporarily blocked"

type RequestLimiterConfig struct {
	Limiter   ports.RateLimiter
	Events    ports.EventRecorder
	Blocklist ports.Blocklist
	Metrics   ports.Metrics

	Options    domain.RateLimitOptions
	Routes     []domain.RouteLimit
	StatusCode int
	Message    string

	Logger *zap.Logger
	Clock  func() time.Time
}

// RequestInfo descreve a requisição já resolvida pela camada HTTP.
type RequestInfo struct {
	// Identifier is the caller identity without the key prefix.
	Identifier string
	IP         string
	Path       string
	Method     string
	UserID     string
}

// RequestDecision é a resposta do adapter para a camada HTTP.
type RequestDecision struct {
	Result     domain.RateLimitResult
	StatusCode int
	Message    string
	// Blocked is set when the IP was on the blocklist before the check.
	Blocked bool
	// AutoBlocked is set when this rejection pushed the IP onto the blocklist.
	AutoBlocked bool
}

func (d RequestDecision) Allowed() bool {
	return d.Result.Success
}

type route struct {
	path string
	opts domain.RateLimitOptions
}

// RequestLimiter aplica a cota por identificador a requisições stateless.
type RequestLimiter struct {
	limiter   ports.RateLimiter
	events    ports.EventRecorder
	blocklist ports.Blocklist
	metrics   ports.Metrics

	opts       domain.RateLimitOptions
	routes     []route
	statusCode int
	message    string

	log *zap.Logger
	now func() time.Time
}

func NewRequestLimiter(cfg RequestLimiterConfig) (*RequestLimiter, error) {
	if cfg.Limiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	if cfg.Events == nil {
		return nil, fmt.Errorf("event recorder is required")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = ports.NopMetrics{}
	}
	if cfg.StatusCode == 0 {
		cfg.StatusCode = domain.DefaultStatusCode
	}
	if cfg.Message == "" {
		cfg.Message = domain.DefaultMessage
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	opts := cfg.Options.WithDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	routes := make([]route, 0, len(cfg.Routes))
	for _, rl := range cfg.Routes {
		if !strings.HasPrefix(rl.Path, "/") {
			return nil, domain.NewValidationError("route", fmt.Sprintf("path %q must start with /", rl.Path))
		}
		ro := domain.RateLimitOptions{
			Window:    rl.Window,
			Max:       rl.Max,
			KeyPrefix: opts.KeyPrefix + "route:" + rl.Path + ":",
		}
		if err := ro.Validate(); err != nil {
			return nil, fmt.Errorf("route %s: %w", rl.Path, err)
		}
		routes = append(routes, route{path: rl.Path, opts: ro})
	}
	sort.SliceStable(routes, func(i, j int) bool {
		return len(routes[i].path) > len(routes[j].path)
	})

	return &RequestLimiter{
		limiter:    cfg.Limiter,
		events:     cfg.Events,
		blocklist:  cfg.Blocklist,
		metrics:    cfg.Metrics,
		opts:       opts,
		routes:     routes,
		statusCode: cfg.StatusCode,
		message:    cfg.Message,
		log:        logging.Category(cfg.Logger, "ratelimit"),
		now:        cfg.Clock,
	}, nil
}

// OptionsFor returns the quota for path: the longest matching route
// override, or the default.
func (l *RequestLimiter) OptionsFor(path string) domain.RateLimitOptions {
	for _, r := range l.routes {
		if path == r.path || strings.HasPrefix(path, strings.TrimSuffix(r.path, "/")+"/") {
			return r.opts
		}
	}
	return l.opts
}

// Check decide se a requisição passa. Nunca retorna erro: falhas do storage
// resultam em fail open dentro do limiter.
func (l *RequestLimiter) Check(ctx context.Context, req RequestInfo) RequestDecision {
	opts := l.OptionsFor(req.Path)

	if l.blocklist != nil && req.IP != "" && l.blocklist.IsBlocked(ctx, req.IP) {
		return l.rejectBlocked(ctx, req, opts)
	}

	result := l.limiter.CheckRateLimit(ctx, req.Identifier, opts, l.limiter.ShouldUseDistributedStore())
	l.metrics.ObserveDecision(domain.LimiterTypeRequest, result.Success)
	if result.FailOpen {
		l.metrics.ObserveFailOpen(domain.LimiterTypeRequest)
	}

	ev := l.events.NewEvent(req.Identifier, req.Path, req.Method, domain.LimiterTypeRequest, result, req.UserID)
	if req.IP != "" {
		ev.IP = req.IP
	}
	l.events.Submit(ctx, ev)

	if result.Success {
		return RequestDecision{Result: result, StatusCode: http.StatusOK}
	}

	decision := RequestDecision{Result: result, StatusCode: l.statusCode, Message: l.message}
	if l.blocklist != nil && req.IP != "" {
		decision.AutoBlocked = l.blocklist.RecordViolation(ctx, req.IP)
	}
	return decision
}

func (l *RequestLimiter) rejectBlocked(ctx context.Context, req RequestInfo, opts domain.RateLimitOptions) RequestDecision {
	result := domain.RateLimitResult{
		Success:   false,
		Limit:     opts.Max,
		Remaining: 0,
		ResetTime: l.now(),
	}
	l.metrics.ObserveDecision(domain.LimiterTypeBlocked, false)

	ev := l.events.NewEvent(req.IP, req.Path, req.Method, domain.LimiterTypeBlocked, result, req.UserID)
	ev.Blocked = true
	l.events.Submit(ctx, ev)

	l.log.Debug("request from blocked ip rejected", zap.String("ip", req.IP), zap.String("path", req.Path))
	return RequestDecision{
		Result:     result,
		StatusCode: http.StatusForbidden,
		Message:    blockedMessage,
		Blocked:    true,
	}
}
