package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/clusterchat/internal/domain"
)

func TestErrorWritesJSONBody(t *testing.T) {
	t.Parallel()

	w := httptest.NewRecorder()
	Error(w, http.StatusNotFound, "session not found")

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"error":"session not found"}`, w.Body.String())
}

func TestJSONEncodesSessionHistory(t *testing.T) {
	t.Parallel()

	created := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	history := domain.SessionHistory{
		Session: domain.Session{ID: "s-1", CreatedAt: created},
		Turns: []domain.Turn{
			{ID: "t1", Role: domain.RoleUser, Content: "list containers", CreatedAt: created},
			{ID: "t2", Role: domain.RoleAssistant, Content: "All containers: None", CreatedAt: created},
		},
	}

	w := httptest.NewRecorder()
	JSON(w, http.StatusOK, history)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var got map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "s-1", got["id"])
	assert.Equal(t, "2026-02-03T04:05:06Z", got["created_at"])
	messages, ok := got["messages"].([]any)
	require.True(t, ok, "messages should be an array")
	require.Len(t, messages, 2)
	first := messages[0].(map[string]any)
	assert.Equal(t, "user", first["role"])
	assert.Equal(t, "list containers", first["content"])
}
