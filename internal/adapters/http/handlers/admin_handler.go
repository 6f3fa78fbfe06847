package handlers

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/vibewell25/vibewell-sub010/internal/core/domain"
	"github.com/vibewell25/vibewell-sub010/internal/core/ports"
	"github.com/vibewell25/vibewell-sub010/internal/logging"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// AdminHandler expõe consultas ao log de eventos e gestão da blocklist.
type AdminHandler struct {
	events    ports.EventRecorder
	blocklist ports.Blocklist
	limiter   ports.RateLimiter
	log       *zap.Logger
}

func NewAdminHandler(events ports.EventRecorder, blocklist ports.Blocklist, limiter ports.RateLimiter, log *zap.Logger) *AdminHandler {
	return &AdminHandler{
		events:    events,
		blocklist: blocklist,
		limiter:   limiter,
		log:       logging.Category(log, "http"),
	}
}

// Routes returns the admin router, guarded by the bearer token.
func (h *AdminHandler) Routes(token string) http.Handler {
	r := chi.NewRouter()
	r.Use(RequireBearer(token))

	r.Get("/status", h.Status)
	r.Get("/events", h.ListEvents)
	r.Delete("/events", h.PurgeEvents)
	r.Get("/blocked", h.ListBlocked)
	r.Post("/blocked", h.Block)
	r.Delete("/blocked/{ip}", h.Unblock)
	r.Get("/suspicious", h.ListSuspicious)
	return r
}

// RequireBearer rejects requests without "Authorization: Bearer <token>".
// An empty token rejects everything.
func RequireBearer(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if token == "" || !found || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (h *AdminHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"distributed": h.limiter.ShouldUseDistributedStore()})
}

func (h *AdminHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	events, err := h.events.List(r.Context(), limit)
	if err != nil {
		h.internalError(w, "list events", err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *AdminHandler) PurgeEvents(w http.ResponseWriter, r *http.Request) {
	ms, err := strconv.ParseInt(r.URL.Query().Get("olderThanMs"), 10, 64)
	if err != nil || ms < 0 {
		writeError(w, http.StatusBadRequest, "olderThanMs must be a non-negative integer")
		return
	}
	removed, err := h.events.Purge(r.Context(), time.Duration(ms)*time.Millisecond)
	if err != nil {
		h.internalError(w, "purge events", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"removed": removed})
}

func (h *AdminHandler) ListBlocked(w http.ResponseWriter, r *http.Request) {
	entries, err := h.blocklist.ListBlocked(r.Context())
	if err != nil {
		h.internalError(w, "list blocked", err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

type blockRequest struct {
	IP              string `json:"ip"`
	DurationSeconds int    `json:"durationSeconds"`
}

func (h *AdminHandler) Block(w http.ResponseWriter, r *http.Request) {
	var req blockRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	err := h.blocklist.Block(r.Context(), req.IP, time.Duration(req.DurationSeconds)*time.Second)
	switch {
	case errors.Is(err, domain.ErrInvalidConfig), errors.Is(err, domain.ErrInvalidIdentifier):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		h.internalError(w, "block", err)
		return
	}

	h.log.Info("ip blocked by admin", zap.String("ip", req.IP), zap.Int("duration_seconds", req.DurationSeconds))
	writeJSON(w, http.StatusCreated, map[string]any{"ip": req.IP, "durationSeconds": req.DurationSeconds})
}

func (h *AdminHandler) Unblock(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")
	removed, err := h.blocklist.Unblock(r.Context(), ip)
	if err != nil {
		h.internalError(w, "unblock", err)
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "ip is not blocked")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) ListSuspicious(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	ips, err := h.blocklist.ListSuspicious(r.Context(), limit)
	if err != nil {
		h.internalError(w, "list suspicious", err)
		return
	}
	writeJSON(w, http.StatusOK, ips)
}

func (h *AdminHandler) internalError(w http.ResponseWriter, op string, err error) {
	h.log.Error("admin request failed", zap.String("operation", op), zap.Error(err))
	writeError(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
