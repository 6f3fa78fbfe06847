// Package domain concentra entidades e estruturas centrais do rate limiter.
package domain

import (
	"math"
	"time"
)

const (
	DefaultWindow     = 60 * time.Second
	DefaultMax        = 60
	DefaultKeyPrefix  = "ratelimit:"
	DefaultStatusCode = 429
	DefaultMessage    = "you have reached the maximum number of requests or actions allowed within a certain time frame"
)

// RateLimitOptions descreve a janela e a cota aplicadas a um identificador.
type RateLimitOptions struct {
	Window    time.Duration
	Max       int
	KeyPrefix string
}

// WithDefaults preenche campos ausentes com os valores padrão.
func (o RateLimitOptions) WithDefaults() RateLimitOptions {
	if o.Window <= 0 {
		o.Window = DefaultWindow
	}
	if o.Max <= 0 {
		o.Max = DefaultMax
	}
	if o.KeyPrefix == "" {
		o.KeyPrefix = DefaultKeyPrefix
	}
	return o
}

// Key builds the RateLimitKey for an identifier.
func (o RateLimitOptions) Key(identifier string) string {
	return o.KeyPrefix + identifier
}

// WindowRecord is the live state of a fixed window.
type WindowRecord struct {
	Count     int64
	ResetTime time.Time
}

// Expired reports whether the window must be treated as absent.
func (w WindowRecord) Expired(now time.Time) bool {
	return w.Count == 0 || now.After(w.ResetTime)
}

type RateLimitResult struct {
	Success    bool      `json:"success"`
	Limit      int       `json:"limit"`
	Remaining  int       `json:"remaining"`
	ResetTime  time.Time `json:"resetTime"`
	RetryAfter *int      `json:"retryAfter,omitempty"`

	// Count is the raw number of attempts seen in the window, including
	// rejected ones. It can exceed Limit.
	Count int64 `json:"-"`
	// FailOpen marks results produced because the counter store failed.
	FailOpen bool `json:"-"`
}

// Overshoot returns limit - count without clamping; negative once the quota is exceeded.
func (r RateLimitResult) Overshoot() int64 {
	return int64(r.Limit) - r.Count
}

// RetryAfterSeconds returns ceil((resetTime-now)/1s), never below 1.
func RetryAfterSeconds(resetTime, now time.Time) int {
	secs := int(math.Ceil(resetTime.Sub(now).Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// NewAllowed monta um resultado de sucesso para a contagem atual.
func NewAllowed(limit int, count int64, resetTime time.Time) RateLimitResult {
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return RateLimitResult{
		Success:   true,
		Limit:     limit,
		Remaining: remaining,
		ResetTime: resetTime,
		Count:     count,
	}
}

// NewDenied monta um resultado de rejeição com retryAfter.
func NewDenied(limit int, count int64, resetTime, now time.Time) RateLimitResult {
	retry := RetryAfterSeconds(resetTime, now)
	return RateLimitResult{
		Success:    false,
		Limit:      limit,
		Remaining:  0,
		ResetTime:  resetTime,
		RetryAfter: &retry,
		Count:      count,
	}
}

// NewFailOpen is returned when the counter store cannot be consulted.
func NewFailOpen(opts RateLimitOptions, now time.Time) RateLimitResult {
	return RateLimitResult{
		Success:   true,
		Limit:     opts.Max,
		Remaining: opts.Max,
		ResetTime: now.Add(opts.Window),
		FailOpen:  true,
	}
}

// RouteLimit sobrescreve a cota para caminhos que começam com Path.
type RouteLimit struct {
	Path   string
	Max    int
	Window time.Duration
}
