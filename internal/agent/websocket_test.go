package agent

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/clusterchat/internal/store"
)

func newWebSocketServer(t *testing.T, oracle Oracle, cfg HandlerConfig) (*websocket.Conn, store.Repository) {
	t.Helper()
	svc, repo, _ := newTestService(t, oracle)
	h := NewHandler(svc, cfg)
	t.Cleanup(h.Close)
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/chat", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn, repo
}

func send(t *testing.T, conn *websocket.Conn, msg string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(msg)))
}

func readFrame(t *testing.T, conn *websocket.Conn) wsFrame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var f wsFrame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

// readTurn reads frames until a done or error frame.
func readTurn(t *testing.T, conn *websocket.Conn) []wsFrame {
	t.Helper()
	var frames []wsFrame
	for {
		f := readFrame(t, conn)
		frames = append(frames, f)
		if f.Type == string(StreamDone) || f.Type == "error" {
			return frames
		}
	}
}

func frameTypes(frames []wsFrame) ([]string, string) {
	var types []string
	var text strings.Builder
	for _, f := range frames {
		types = append(types, f.Type)
		if f.Type == string(StreamMessage) {
			text.WriteString(f.Content)
		}
	}
	return types, text.String()
}

func TestWebSocketTurnMatchesStreamSequence(t *testing.T) {
	t.Parallel()

	conn, repo := newWebSocketServer(t, newScriptedOracle(Step{Text: "hello there"}), HandlerConfig{})
	send(t, conn, `{"message":"hi","session_id":"w-1"}`)

	frames := readTurn(t, conn)
	types, text := frameTypes(frames)
	assert.Equal(t, []string{"session", "message", "message", "message", "done"}, types)
	assert.Equal(t, "hello there", text)
	assert.Equal(t, "w-1", frames[0].SessionID)
	assert.Equal(t, "w-1", frames[len(frames)-1].SessionID)

	turns, err := repo.ReadTurns(context.Background(), "w-1")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "hi", turns[0].Content)
	assert.Equal(t, "hello there", turns[1].Content)
}

func TestWebSocketInvalidFrameKeepsConnectionOpen(t *testing.T) {
	t.Parallel()

	conn, repo := newWebSocketServer(t, newScriptedOracle(Step{Text: "ok"}), HandlerConfig{})

	send(t, conn, `not json`)
	f := readFrame(t, conn)
	assert.Equal(t, "error", f.Type)
	assert.Equal(t, "invalid_request", f.Error)

	send(t, conn, `{"message":""}`)
	f = readFrame(t, conn)
	assert.Equal(t, "error", f.Type)
	assert.Equal(t, "invalid_request", f.Error)

	send(t, conn, `{"message":"still there?","session_id":"w-2"}`)
	types, text := frameTypes(readTurn(t, conn))
	assert.Equal(t, "done", types[len(types)-1])
	assert.Equal(t, "ok", text)

	turns, err := repo.ReadTurns(context.Background(), "w-2")
	require.NoError(t, err)
	assert.Len(t, turns, 2)
}

func TestWebSocketRateLimit(t *testing.T) {
	t.Parallel()

	conn, _ := newWebSocketServer(t, newScriptedOracle(Step{Text: "ok"}), HandlerConfig{StreamRateLimit: 1})

	send(t, conn, `{"message":"one"}`)
	types, _ := frameTypes(readTurn(t, conn))
	assert.Equal(t, "done", types[len(types)-1])

	send(t, conn, `{"message":"two"}`)
	f := readFrame(t, conn)
	assert.Equal(t, "error", f.Type)
	assert.Equal(t, "rate_limit_exceeded", f.Error)
}

func TestWebSocketOracleFailure(t *testing.T) {
	t.Parallel()

	oracle := newScriptedOracle(Step{Text: "never"})
	oracle.failAt = 1
	oracle.err = assert.AnError
	conn, repo := newWebSocketServer(t, oracle, HandlerConfig{})

	send(t, conn, `{"message":"hello","session_id":"w-3"}`)
	frames := readTurn(t, conn)
	types, _ := frameTypes(frames)
	assert.Equal(t, []string{"session", "error"}, types)
	assert.Equal(t, "oracle_unavailable", frames[1].Error)

	turns, err := repo.ReadTurns(context.Background(), "w-3")
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestWebSocketReadLimitClosesConnection(t *testing.T) {
	t.Parallel()

	conn, _ := newWebSocketServer(t, newScriptedOracle(Step{Text: "ok"}), HandlerConfig{MaxRequestBody: 64})
	send(t, conn, `{"message":"`+strings.Repeat("x", 200)+`"}`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusMessageTooBig, websocket.CloseStatus(err))
}
