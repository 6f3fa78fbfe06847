package handlers

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vibewell25/vibewell-sub010/internal/adapters/http/middleware"
	"github.com/vibewell25/vibewell-sub010/internal/core/services"
	"github.com/vibewell25/vibewell-sub010/internal/logging"
)

const writeWait = 5 * time.Second

type messageRejection struct {
	Error      string `json:"error"`
	RetryAfter *int   `json:"retryAfter,omitempty"`
}

// WebSocketHandler aplica os limites de conexão e mensagem e ecoa as
// mensagens aceitas.
type WebSocketHandler struct {
	limiter  *services.WebSocketLimiter
	trusted  []*net.IPNet
	upgrader websocket.Upgrader
	log      *zap.Logger

	mu     sync.Mutex
	conns  map[*websocket.Conn]struct{}
	closed bool
	active sync.WaitGroup
}

func NewWebSocketHandler(limiter *services.WebSocketLimiter, trusted []*net.IPNet, log *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		limiter: limiter,
		trusted: trusted,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		log:   logging.Category(log, "websocket"),
		conns: make(map[*websocket.Conn]struct{}),
	}
}

func (h *WebSocketHandler) track(conn *websocket.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[conn] = struct{}{}
	h.active.Add(1)
	return true
}

func (h *WebSocketHandler) untrack(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
	h.active.Done()
}

// Close sends a going-away frame to every open connection and closes it.
// Connections upgraded afterwards are closed immediately.
func (h *WebSocketHandler) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for conn := range h.conns {
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = conn.Close()
	}
}

// Wait blocks until every connection handler has returned or ctx ends.
func (h *WebSocketHandler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := middleware.ResolveClientIP(r, h.trusted)

	verdict := h.limiter.CheckConnection(r.Context(), ip)
	if !verdict.Allowed {
		status := http.StatusTooManyRequests
		if verdict.Reason == services.ReasonBlocked {
			status = http.StatusForbidden
		}
		if verdict.Result.RetryAfter != nil {
			w.Header().Set("Retry-After", strconv.Itoa(*verdict.Result.RetryAfter))
		}
		writeError(w, status, verdict.Reason)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", zap.String("ip", ip), zap.Error(err))
		return
	}
	defer conn.Close()

	if !h.track(conn) {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		return
	}
	defer h.untrack(conn)

	id := uuid.NewString()
	h.limiter.RegisterConnection(ip, id)
	defer h.limiter.UnregisterConnection(ip, id)

	// Frames above this are dropped by the library; smaller oversized
	// messages are judged by the limiter.
	conn.SetReadLimit(int64(h.limiter.Limits().MaxMessageSizeBytes) * 4)

	ctx := r.Context()
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debug("websocket read failed", zap.String("connection_id", id), zap.Error(err))
			}
			return
		}

		v := h.limiter.CheckMessage(ctx, ip, id, len(data))
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))

		if !v.Allowed {
			if v.Reason == services.ReasonBlocked {
				msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, v.Reason)
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
				return
			}
			if err := conn.WriteJSON(messageRejection{Error: v.Reason, RetryAfter: v.Result.RetryAfter}); err != nil {
				return
			}
			continue
		}

		if err := conn.WriteMessage(mt, data); err != nil {
			return
		}
	}
}
