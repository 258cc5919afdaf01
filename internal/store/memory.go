package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/clusterchat/internal/domain"
	"github.com/google/uuid"
)

// MemoryStore is an in-process Repository, used by tests and ephemeral runs.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memorySession
	now      func() time.Time
}

type memorySession struct {
	session domain.Session
	turns   []domain.Turn
}

func (s *memorySession) lastActive() time.Time {
	if n := len(s.turns); n > 0 {
		return s.turns[n-1].CreatedAt
	}
	return s.session.CreatedAt
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*memorySession),
		now:      time.Now,
	}
}

// ReadTurns returns a copy of the session's turns.
func (m *MemoryStore) ReadTurns(_ context.Context, sessionID string) ([]domain.Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return []domain.Turn{}, nil
	}
	out := make([]domain.Turn, len(s.turns))
	copy(out, s.turns)
	return out, nil
}

// AppendTurn stores one turn.
func (m *MemoryStore) AppendTurn(ctx context.Context, sessionID string, turn domain.Turn) (domain.Turn, error) {
	stored, err := m.AppendTurns(ctx, sessionID, turn)
	if err != nil {
		return domain.Turn{}, err
	}
	return stored[0], nil
}

// AppendTurns stores turns atomically.
func (m *MemoryStore) AppendTurns(_ context.Context, sessionID string, turns ...domain.Turn) ([]domain.Turn, error) {
	if len(turns) == 0 {
		return nil, nil
	}
	for _, t := range turns {
		if !t.Role.Valid() {
			return nil, fmt.Errorf("append turn: invalid role %q", t.Role)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	s, ok := m.sessions[sessionID]
	if !ok {
		s = &memorySession{session: domain.Session{ID: sessionID, CreatedAt: now}}
		m.sessions[sessionID] = s
	}

	stored := make([]domain.Turn, 0, len(turns))
	for _, t := range turns {
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		t.CreatedAt = now
		if n := len(s.turns); n > 0 && t.CreatedAt.Before(s.turns[n-1].CreatedAt) {
			t.CreatedAt = s.turns[n-1].CreatedAt
		}
		s.turns = append(s.turns, t)
		stored = append(stored, t)
	}
	return stored, nil
}

// GetSession returns the session or ErrSessionNotFound.
func (m *MemoryStore) GetSession(_ context.Context, sessionID string) (*domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	session := s.session
	return &session, nil
}

// ListSessions returns sessions newest first.
func (m *MemoryStore) ListSessions(_ context.Context) ([]domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.session)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// DeleteSession removes a session and its turns.
func (m *MemoryStore) DeleteSession(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return ErrSessionNotFound
	}
	delete(m.sessions, sessionID)
	return nil
}

// DeleteSessionsBefore removes sessions last active before cutoff.
func (m *MemoryStore) DeleteSessionsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for id, s := range m.sessions {
		if s.lastActive().Before(cutoff) {
			delete(m.sessions, id)
			deleted++
		}
	}
	return deleted, nil
}

// Ping always succeeds.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }
