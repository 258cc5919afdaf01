package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/clusterchat/internal/identity"
	"github.com/coder/websocket"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

const wsWriteTimeout = 10 * time.Second

// wsFrame is one server-to-client message on /ws/chat.
type wsFrame struct {
	Type       string      `json:"type"`
	SessionID  string      `json:"session_id,omitempty"`
	Content    string      `json:"content,omitempty"`
	Invocation *Invocation `json:"invocation,omitempty"`
	Result     *Result     `json:"result,omitempty"`
	Error      string      `json:"error,omitempty"`
	Detail     string      `json:"detail,omitempty"`
}

// HandleWebSocket serves GET /ws/chat. Each text frame from the client is a
// chat request; the reply is the same event sequence as /chat/stream, one
// JSON frame per event. Turns on one connection run one at a time.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.cfg.OriginPatterns,
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "ip", identity.IPFromRequest(r))
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr)
		}
	}()
	ws.SetReadLimit(h.cfg.MaxRequestBody)

	ctx := r.Context()
	reqID := chiMiddleware.GetReqID(ctx)
	key := rateKey(r)

	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "request_id", reqID)
			} else if !errors.Is(err, context.Canceled) {
				slog.Warn("WebSocket read error", "error", err, "request_id", reqID)
			}
			return
		}

		if !h.streamLimiter.Allow(key) {
			if err := writeFrame(ctx, ws, wsFrame{Type: "error", Error: "rate_limit_exceeded"}); err != nil {
				return
			}
			continue
		}

		var in ChatInput
		if err := json.Unmarshal(message, &in); err != nil {
			if err := writeFrame(ctx, ws, wsFrame{Type: "error", Error: "invalid_request", Detail: "invalid request body"}); err != nil {
				return
			}
			continue
		}
		in.Channel = "chat_ws"
		in.RequestID = reqID

		if !h.runWebSocketTurn(ctx, ws, in) {
			return
		}
	}
}

// runWebSocketTurn streams one turn. It returns false when the connection is unusable.
func (h *Handler) runWebSocketTurn(ctx context.Context, ws *websocket.Conn, in ChatInput) bool {
	_, seq, err := h.svc.Stream(ctx, in)
	if err != nil {
		return writeFrame(ctx, ws, wsFrame{Type: "error", Error: "invalid_request", Detail: err.Error()}) == nil
	}

	for ev, err := range seq {
		if err != nil {
			return writeFrame(ctx, ws, wsFrame{Type: "error", Error: errorCode(err), Detail: err.Error()}) == nil
		}
		frame := wsFrame{
			Type:       string(ev.Type),
			SessionID:  ev.SessionID,
			Content:    ev.Content,
			Invocation: ev.Invocation,
			Result:     ev.Result,
		}
		if err := writeFrame(ctx, ws, frame); err != nil {
			slog.Warn("WebSocket write failed, abandoning turn", "error", err)
			return false
		}
	}
	return true
}

func writeFrame(ctx context.Context, ws *websocket.Conn, frame wsFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, data)
}
