// Package middleware disponibiliza middlewares HTTP específicos da aplicação.
package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/vibewell25/vibewell-sub010/internal/core/services"
)

// RequestChecker is satisfied by services.RequestLimiter.
type RequestChecker interface {
	Check(ctx context.Context, req services.RequestInfo) services.RequestDecision
}

type Options struct {
	Identifier IdentifierOptions
	// UserFunc extracts an optional user id recorded on events.
	UserFunc func(r *http.Request) string
}

type errorBody struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter *int   `json:"retryAfter,omitempty"`
}

func NewRateLimiterMiddleware(limiter RequestChecker, opts Options) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			req := services.RequestInfo{
				Identifier: ResolveIdentity(r, opts.Identifier),
				IP:         ResolveClientIP(r, opts.Identifier.TrustedProxies),
				Path:       r.URL.Path,
				Method:     r.Method,
			}
			if opts.UserFunc != nil {
				req.UserID = opts.UserFunc(r)
			}

			decision := limiter.Check(r.Context(), req)
			writeRateLimitHeaders(w, decision)

			if !decision.Allowed() {
				writeRejection(w, decision)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeRateLimitHeaders(w http.ResponseWriter, d services.RequestDecision) {
	if d.Blocked {
		return
	}
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Result.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Result.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.Result.ResetTime.Unix(), 10))
}

func writeRejection(w http.ResponseWriter, d services.RequestDecision) {
	if d.Result.RetryAfter != nil {
		w.Header().Set("Retry-After", strconv.Itoa(*d.Result.RetryAfter))
	}

	body := errorBody{Error: "too_many_requests", Message: d.Message, RetryAfter: d.Result.RetryAfter}
	if d.Blocked {
		body.Error = "forbidden"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(d.StatusCode)
	_ = json.NewEncoder(w).Encode(body)
}
