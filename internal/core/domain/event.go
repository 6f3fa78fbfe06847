package domain

import (
	"math"
	"time"
)

const (
	LimiterTypeRequest    = "request"
	LimiterTypeConnection = "websocket_connection"
	LimiterTypeMessage    = "websocket_message"
	LimiterTypeBurst      = "websocket_burst"
	LimiterTypeBlocked    = "blocked"
	LimiterTypeSystem     = "system"
)

const maxOverLimitFactor = 5

// RateLimitEvent é o registro de auditoria de uma decisão do limiter.
type RateLimitEvent struct {
	ID              string    `json:"id"`
	IP              string    `json:"ip"`
	Path            string    `json:"path"`
	Method          string    `json:"method"`
	LimiterType     string    `json:"limiterType"`
	Timestamp       time.Time `json:"timestamp"`
	Exceeded        bool      `json:"exceeded"`
	Remaining       int       `json:"remaining"`
	Limit           int       `json:"limit"`
	RetryAfter      *int      `json:"retryAfter,omitempty"`
	ResetTime       time.Time `json:"resetTime"`
	Suspicious      bool      `json:"suspicious"`
	Approaching     bool      `json:"approaching"`
	OverLimitFactor int       `json:"overLimitFactor,omitempty"`
	Blocked         bool      `json:"blocked,omitempty"`
	UserID          string    `json:"userId,omitempty"`
}

// IsSuspicious: rejected, or fewer than 10% of the quota left.
func IsSuspicious(r RateLimitResult) bool {
	return !r.Success || float64(r.Remaining) < 0.1*float64(r.Limit)
}

// IsApproaching: fewer than 20% of the quota left.
func IsApproaching(r RateLimitResult) bool {
	return float64(r.Remaining) < 0.2*float64(r.Limit)
}

// OverLimitFactor is min(5, ceil(1 + overshoot/limit)) for rejected results, 0 otherwise.
func OverLimitFactor(r RateLimitResult) int {
	if r.Success || r.Limit <= 0 {
		return 0
	}
	over := -r.Overshoot()
	if over < 0 {
		over = 0
	}
	factor := int(math.Ceil(1 + float64(over)/float64(r.Limit)))
	if factor > maxOverLimitFactor {
		return maxOverLimitFactor
	}
	return factor
}

// BlockedIPEntry representa um IP bloqueado até ExpiresAt.
type BlockedIPEntry struct {
	IP        string    `json:"ip"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Active reports whether the block still applies at now.
func (b BlockedIPEntry) Active(now time.Time) bool {
	return b.ExpiresAt.After(now)
}

// SuspiciousIP agrega eventos excedidos e suspeitos por IP.
type SuspiciousIP struct {
	IP       string    `json:"ip"`
	Count    int       `json:"count"`
	LastSeen time.Time `json:"lastSeen"`
}
