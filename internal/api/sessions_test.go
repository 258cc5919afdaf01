package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ashureev/clusterchat/internal/domain"
	"github.com/ashureev/clusterchat/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSessionRouter(t *testing.T) (http.Handler, store.Repository) {
	t.Helper()
	repo := store.NewMemory()
	r := chi.NewRouter()
	NewHandler(repo).RegisterRoutes(r)
	return r, repo
}

func TestSessionEndpoints(t *testing.T) {
	t.Parallel()

	router, repo := newSessionRouter(t)
	ctx := context.Background()
	_, err := repo.AppendTurns(ctx, "s-1",
		domain.Turn{Role: domain.RoleUser, Content: "hello"},
		domain.Turn{Role: domain.RoleAssistant, Content: "hi"},
	)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var sessions []domain.Session
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, "s-1", sessions[0].ID)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions/s-1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var history domain.SessionHistory
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&history))
	require.Len(t, history.Turns, 2)
	assert.Equal(t, "hello", history.Turns[0].Content)
	assert.Equal(t, domain.RoleAssistant, history.Turns[1].Role)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/sessions/s-1", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/sessions/s-1", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions/s-1", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionEndpointsRejectInvalidID(t *testing.T) {
	t.Parallel()

	router, _ := newSessionRouter(t)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions/bad%20id", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthReportsEachProbe(t *testing.T) {
	t.Parallel()

	checker := NewHealthChecker([]string{"list_containers", "delete_container"},
		Probe{Name: "llm_connection", Check: func(context.Context) error { return errors.New("connection refused") }},
		Probe{Name: "store", Check: func(context.Context) error { return nil }},
	)

	rec := httptest.NewRecorder()
	checker.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status        string          `json:"status"`
		LLMConnection ComponentStatus `json:"llm_connection"`
		Store         ComponentStatus `json:"store"`
		Tools         []string        `json:"tools"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "error", body.LLMConnection.Status)
	assert.Contains(t, body.LLMConnection.Details, "connection refused")
	assert.Equal(t, "ok", body.Store.Status)
	assert.Equal(t, []string{"list_containers", "delete_container"}, body.Tools)
}
