// Package config centraliza o carregamento de configurações da aplicação.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/vibewell25/vibewell-sub010/internal/core/domain"
	"github.com/vibewell25/vibewell-sub010/internal/logging"
)

const (
	PolicyFailOpen       = "fail_open"
	PolicyFallbackMemory = "fallback_memory"
)

type Config struct {
	Server      ServerConfig
	Log         logging.Config
	Redis       RedisConfig
	RateLimiter RateLimiterConfig
	Events      EventsConfig
	WebSocket   WebSocketConfig
	Admin       AdminConfig
}

type ServerConfig struct {
	Port string
}

type RedisConfig struct {
	Enabled  bool
	URL      string
	Host     string
	Port     int
	Username string
	Password string
	DB       int
	TLS      bool
	Timeout  time.Duration
}

// Addr returns host:port.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type RateLimiterConfig struct {
	FailurePolicy  string
	Options        domain.RateLimitOptions
	StatusCode     int
	Message        string
	Routes         []domain.RouteLimit
	IdentityHeader string
	TrustedProxies []string
	SweepInterval  time.Duration

	AutoBlockThreshold int
	AutoBlockWindow    time.Duration
	AutoBlockDuration  time.Duration
}

type EventsConfig struct {
	MaxEvents           int64
	Retention           time.Duration
	SuspiciousRetention time.Duration
}

type WebSocketConfig struct {
	MaxConnectionsPerIP     int
	ConnectionWindow        time.Duration
	MaxConnectionsPerWindow int
	MaxMessagesPerMinute    int
	MaxMessageSizeBytes     int
	BurstFactor             int
	BurstDuration           time.Duration
}

type AdminConfig struct {
	Token string
}

// Load lê o .env (se existir) e o ambiente. Qualquer valor inválido aborta
// com um erro que satisfaz errors.Is(err, domain.ErrInvalidConfig).
func Load() (Config, error) {
	_ = godotenv.Load()

	var p parser
	cfg := Config{
		Server: ServerConfig{Port: getEnv("SERVER_PORT", "8080")},
		Log: logging.Config{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Redis: RedisConfig{
			Enabled:  p.boolean("REDIS_ENABLED", false),
			URL:      os.Getenv("REDIS_URL"),
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     p.positive("REDIS_PORT", 6379),
			Username: os.Getenv("REDIS_USERNAME"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       p.nonNegative("REDIS_DB", 0),
			TLS:      p.boolean("REDIS_TLS", false),
			Timeout:  time.Duration(p.positive("REDIS_TIMEOUT_MS", 2000)) * time.Millisecond,
		},
		RateLimiter: RateLimiterConfig{
			FailurePolicy: getEnv("RATE_LIMIT_FAILURE_POLICY", PolicyFailOpen),
			Options: domain.RateLimitOptions{
				Window:    time.Duration(p.positive("RATE_LIMIT_WINDOW_MS", 60000)) * time.Millisecond,
				Max:       p.positive("RATE_LIMIT_MAX", domain.DefaultMax),
				KeyPrefix: getEnv("RATE_LIMIT_KEY_PREFIX", domain.DefaultKeyPrefix),
			},
			StatusCode:     p.positive("RATE_LIMIT_STATUS_CODE", domain.DefaultStatusCode),
			Message:        getEnv("RATE_LIMIT_MESSAGE", domain.DefaultMessage),
			IdentityHeader: os.Getenv("RATE_LIMIT_IDENTITY_HEADER"),
			TrustedProxies: splitList(os.Getenv("RATE_LIMIT_TRUSTED_PROXIES")),
			SweepInterval:  time.Duration(p.nonNegative("RATE_LIMIT_SWEEP_INTERVAL_SECONDS", 60)) * time.Second,

			AutoBlockThreshold: p.nonNegative("RATE_LIMIT_AUTO_BLOCK_THRESHOLD", 0),
			AutoBlockWindow:    time.Duration(p.positive("RATE_LIMIT_AUTO_BLOCK_WINDOW_SECONDS", 300)) * time.Second,
			AutoBlockDuration:  time.Duration(p.positive("RATE_LIMIT_AUTO_BLOCK_DURATION_SECONDS", 900)) * time.Second,
		},
		Events: EventsConfig{
			MaxEvents:           int64(p.positive("EVENT_LOG_MAX_EVENTS", 10000)),
			Retention:           time.Duration(p.positive("EVENT_RETENTION_DAYS", 30)) * 24 * time.Hour,
			SuspiciousRetention: time.Duration(p.positive("SUSPICIOUS_EVENT_RETENTION_DAYS", 90)) * 24 * time.Hour,
		},
		WebSocket: WebSocketConfig{
			MaxConnectionsPerIP:     p.positive("WS_MAX_CONNECTIONS_PER_IP", 5),
			ConnectionWindow:        time.Duration(p.positive("WS_CONNECTION_WINDOW_MS", 60000)) * time.Millisecond,
			MaxConnectionsPerWindow: p.positive("WS_MAX_CONNECTIONS_PER_WINDOW", 20),
			MaxMessagesPerMinute:    p.positive("WS_MAX_MESSAGES_PER_MINUTE", 60),
			MaxMessageSizeBytes:     p.positive("WS_MAX_MESSAGE_SIZE_BYTES", 65536),
			BurstFactor:             p.positive("WS_BURST_FACTOR", 6),
			BurstDuration:           time.Duration(p.positive("WS_BURST_DURATION_MS", 10000)) * time.Millisecond,
		},
		Admin: AdminConfig{Token: os.Getenv("ADMIN_TOKEN")},
	}

	routes, err := buildRouteOverrides(os.Getenv("RATE_LIMIT_ROUTES"))
	if err != nil {
		p.errs = append(p.errs, err)
	}
	cfg.RateLimiter.Routes = routes

	if err := errors.Join(p.errs...); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field rules that the parser cannot.
func (c Config) Validate() error {
	switch c.RateLimiter.FailurePolicy {
	case PolicyFailOpen, PolicyFallbackMemory:
	default:
		return domain.NewValidationError("RATE_LIMIT_FAILURE_POLICY",
			fmt.Sprintf("must be %s or %s, got %q", PolicyFailOpen, PolicyFallbackMemory, c.RateLimiter.FailurePolicy))
	}
	if err := c.RateLimiter.Options.Validate(); err != nil {
		return err
	}
	if code := c.RateLimiter.StatusCode; code < 400 || code > 599 {
		return domain.NewValidationError("RATE_LIMIT_STATUS_CODE", "must be an HTTP error status")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return domain.NewValidationError("LOG_LEVEL", err.Error())
	}
	if f := strings.ToLower(c.Log.Format); f != "json" && f != "console" {
		return domain.NewValidationError("LOG_FORMAT", "must be json or console")
	}
	if c.RateLimiter.IdentityHeader != "" && len(c.RateLimiter.TrustedProxies) == 0 {
		return domain.NewValidationError("RATE_LIMIT_IDENTITY_HEADER", "requires RATE_LIMIT_TRUSTED_PROXIES")
	}
	if c.WebSocket.BurstFactor > c.WebSocket.MaxMessagesPerMinute {
		return domain.NewValidationError("WS_BURST_FACTOR", "must not exceed WS_MAX_MESSAGES_PER_MINUTE")
	}
	return nil
}

// buildRouteOverrides parses PATH:MAX:WINDOW_MS[,PATH:MAX:WINDOW_MS...].
func buildRouteOverrides(raw string) ([]domain.RouteLimit, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	var routes []domain.RouteLimit
	seen := make(map[string]bool)

	for _, item := range strings.Split(raw, ",") {
		parts := strings.Split(strings.TrimSpace(item), ":")
		if len(parts) != 3 {
			return nil, domain.NewValidationError("RATE_LIMIT_ROUTES",
				fmt.Sprintf("route override must follow PATH:MAX:WINDOW_MS: %s", item))
		}

		path := strings.TrimSpace(parts[0])
		if !strings.HasPrefix(path, "/") {
			return nil, domain.NewValidationError("RATE_LIMIT_ROUTES", fmt.Sprintf("path %q must start with /", path))
		}
		if seen[path] {
			return nil, domain.NewValidationError("RATE_LIMIT_ROUTES", fmt.Sprintf("duplicate path %s", path))
		}
		seen[path] = true

		limit, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil || limit <= 0 {
			return nil, domain.NewValidationError("RATE_LIMIT_ROUTES", fmt.Sprintf("invalid max for %s", path))
		}
		windowMs, err := strconv.Atoi(strings.TrimSpace(parts[2]))
		if err != nil || windowMs <= 0 {
			return nil, domain.NewValidationError("RATE_LIMIT_ROUTES", fmt.Sprintf("invalid window for %s", path))
		}

		routes = append(routes, domain.RouteLimit{
			Path:   path,
			Max:    limit,
			Window: time.Duration(windowMs) * time.Millisecond,
		})
	}

	return routes, nil
}

// parser acumula erros para reportar todas as chaves inválidas de uma vez.
type parser struct {
	errs []error
}

func (p *parser) integer(key string, fallback int) (int, bool) {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		p.errs = append(p.errs, domain.NewValidationError(key, fmt.Sprintf("%q is not an integer", raw)))
		return fallback, false
	}
	return n, true
}

func (p *parser) positive(key string, fallback int) int {
	n, ok := p.integer(key, fallback)
	if ok && n <= 0 {
		p.errs = append(p.errs, domain.NewValidationError(key, "must be a positive integer"))
	}
	return n
}

func (p *parser) nonNegative(key string, fallback int) int {
	n, ok := p.integer(key, fallback)
	if ok && n < 0 {
		p.errs = append(p.errs, domain.NewValidationError(key, "must not be negative"))
	}
	return n
}

func (p *parser) boolean(key string, fallback bool) bool {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		p.errs = append(p.errs, domain.NewValidationError(key, fmt.Sprintf("%q is not a boolean", raw)))
		return fallback
	}
	return b
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}
