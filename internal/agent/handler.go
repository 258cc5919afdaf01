package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ashureev/clusterchat/internal/api"
	"github.com/ashureev/clusterchat/internal/identity"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20

// HandlerConfig tunes the chat endpoints.
type HandlerConfig struct {
	ChatRateLimit     int
	StreamRateLimit   int
	RateWindow        time.Duration
	MaxRequestBody    int64
	KeepaliveInterval time.Duration
	// OriginPatterns are host patterns accepted for WebSocket upgrades.
	OriginPatterns []string
}

// DefaultHandlerConfig mirrors the documented defaults.
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		ChatRateLimit:     20,
		StreamRateLimit:   10,
		RateWindow:        time.Minute,
		MaxRequestBody:    defaultMaxRequestBodySize,
		KeepaliveInterval: 15 * time.Second,
	}
}

// Handler serves the chat endpoints.
type Handler struct {
	svc           *Service
	cfg           HandlerConfig
	chatLimiter   *RateLimiter
	streamLimiter *RateLimiter
}

// RateLimiter implements a per-client sliding-window limiter.
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
	done     chan struct{}
	once     sync.Once
}

// NewRateLimiter creates a new rate limiter and starts the background eviction goroutine.
// A non-positive limit disables limiting.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	rl := &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		done:     make(chan struct{}),
	}
	rl.startEviction()
	return rl
}

// Allow checks if a request is allowed for the given key.
func (r *RateLimiter) Allow(key string) bool {
	if r.limit <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// Stop ends the eviction goroutine.
func (r *RateLimiter) Stop() {
	r.once.Do(func() { close(r.done) })
}

// startEviction periodically removes expired keys so the map does not grow unbounded.
func (r *RateLimiter) startEviction() {
	go func() {
		ticker := time.NewTicker(r.window)
		defer ticker.Stop()
		for {
			select {
			case <-r.done:
				return
			case <-ticker.C:
			}
			r.mu.Lock()
			cutoff := time.Now().Add(-r.window)
			for key, times := range r.requests {
				var fresh []time.Time
				for _, t := range times {
					if t.After(cutoff) {
						fresh = append(fresh, t)
					}
				}
				if len(fresh) == 0 {
					delete(r.requests, key)
				} else {
					r.requests[key] = fresh
				}
			}
			r.mu.Unlock()
		}
	}()
}

// NewHandler creates the chat handler.
func NewHandler(svc *Service, cfg HandlerConfig) *Handler {
	def := DefaultHandlerConfig()
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = def.RateWindow
	}
	if cfg.MaxRequestBody <= 0 {
		cfg.MaxRequestBody = def.MaxRequestBody
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = def.KeepaliveInterval
	}
	return &Handler{
		svc:           svc,
		cfg:           cfg,
		chatLimiter:   NewRateLimiter(cfg.ChatRateLimit, cfg.RateWindow),
		streamLimiter: NewRateLimiter(cfg.StreamRateLimit, cfg.RateWindow),
	}
}

// RegisterRoutes registers chat routes. Authentication is applied by the caller.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chat", h.HandleChat)
	r.Post("/chat/stream", h.HandleStream)
	r.Get("/ws/chat", h.HandleWebSocket)
}

// Close stops background work.
func (h *Handler) Close() {
	h.chatLimiter.Stop()
	h.streamLimiter.Stop()
}

// rateKey buckets authenticated callers by API key principal and everyone
// else by client address.
func rateKey(r *http.Request) string {
	if p := identity.PrincipalFromContext(r.Context()); p != identity.PrincipalAnonymous {
		return "principal:" + string(p)
	}
	if ip := identity.ClientIPFromContext(r.Context()); ip != "" {
		return ip
	}
	return identity.IPFromRequest(r)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request) (ChatInput, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxRequestBody)

	var in ChatInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			api.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return in, false
		}
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return in, false
	}
	in.RequestID = chiMiddleware.GetReqID(r.Context())
	return in, true
}

// writeTurnError maps a turn failure to an HTTP status.
func writeTurnError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		api.Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrOracleUnavailable):
		api.JSON(w, http.StatusBadGateway, map[string]string{"error": "oracle_unavailable", "detail": err.Error()})
	case errors.Is(err, context.Canceled):
		// Client is gone; nothing useful to write.
	default:
		api.Error(w, http.StatusInternalServerError, "internal error")
	}
}

// HandleChat handles POST /chat.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	if !h.chatLimiter.Allow(rateKey(r)) {
		api.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	in, ok := h.decode(w, r)
	if !ok {
		return
	}
	in.Channel = "chat_http"

	out, err := h.svc.Chat(r.Context(), in)
	if err != nil {
		if !errors.Is(err, ErrInvalidRequest) {
			slog.Error("Agent chat failed", "error", err, "request_id", in.RequestID)
		}
		writeTurnError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, out)
}

// HandleStream handles POST /chat/stream as server-sent events. The first
// frame carries the session id, then message fragments, then done.
//
//nolint:gocyclo // SSE lifecycle handling intentionally keeps branches together.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	if !h.streamLimiter.Allow(rateKey(r)) {
		api.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	in, ok := h.decode(w, r)
	if !ok {
		return
	}
	in.Channel = "chat_stream"

	flusher, ok := w.(http.Flusher)
	if !ok {
		api.Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sessionID, seq, err := h.svc.Stream(ctx, in)
	if err != nil {
		writeTurnError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	events := pump(ctx, seq)
	keepalive := time.NewTicker(h.cfg.KeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Chat stream disconnected", "session_id", sessionID)
			return
		case <-keepalive.C:
			if err := writeSSE(w, "ping", `{"status":"alive"}`); err != nil {
				slog.Warn("failed to write SSE keepalive ping", "error", err, "session_id", sessionID)
				return
			}
			flusher.Flush()
		case item, open := <-events:
			if !open {
				return
			}
			if item.err != nil {
				if writeErr := writeSSE(w, "error", errorPayload(item.err)); writeErr != nil {
					slog.Warn("failed to write SSE error event", "error", writeErr)
				}
				flusher.Flush()
				return
			}
			if err := writeStreamEvent(w, item.event); err != nil {
				slog.Warn("failed to write SSE event", "error", err, "session_id", sessionID)
				return
			}
			flusher.Flush()
			if item.event.Type == StreamDone {
				return
			}
		}
	}
}

type streamItem struct {
	event StreamEvent
	err   error
}

// pump moves a pull sequence onto a channel so the writer can interleave
// keepalives. It stops pulling when ctx is cancelled.
func pump(ctx context.Context, seq iter.Seq2[StreamEvent, error]) <-chan streamItem {
	ch := make(chan streamItem)
	go func() {
		defer close(ch)
		for ev, err := range seq {
			select {
			case ch <- streamItem{event: ev, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return ch
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrOracleUnavailable):
		return "oracle_unavailable"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	default:
		return "internal_error"
	}
}

func errorPayload(err error) string {
	data, _ := json.Marshal(map[string]string{"error": errorCode(err), "detail": err.Error()})
	return string(data)
}

// writeStreamEvent renders one StreamEvent as an SSE frame. The session frame
// is an unnamed data frame so plain EventSource readers see it first.
func writeStreamEvent(w io.Writer, ev StreamEvent) error {
	var payload any
	name := string(ev.Type)
	switch ev.Type {
	case StreamSession:
		payload = map[string]string{"session_id": ev.SessionID}
		name = ""
	case StreamMessage:
		payload = map[string]string{"content": ev.Content}
	case StreamToolCall:
		payload = ev.Invocation
	case StreamToolResult:
		payload = ev.Result
	case StreamDone:
		payload = map[string]any{"session_id": ev.SessionID, "iterations": ev.Turn.Iterations, "limited": ev.Turn.Limited}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Type, err)
	}
	if name == "" {
		_, err = fmt.Fprintf(w, "data: %s\n\n", data)
		return err
	}
	return writeSSE(w, name, string(data))
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
