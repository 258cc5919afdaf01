// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/clusterchat/internal/domain"
)

// ErrSessionNotFound is returned when a session id has no stored record.
var ErrSessionNotFound = errors.New("session not found")

// Repository persists chat sessions and their ordered turns.
// Implementations must be safe for concurrent use across sessions.
type Repository interface {
	// ReadTurns returns the turns of a session ordered by creation.
	// Unknown session ids yield an empty history, not an error.
	ReadTurns(ctx context.Context, sessionID string) ([]domain.Turn, error)

	// AppendTurn stores one turn, creating the session on first use.
	AppendTurn(ctx context.Context, sessionID string, turn domain.Turn) (domain.Turn, error)

	// AppendTurns stores several turns atomically, in order.
	AppendTurns(ctx context.Context, sessionID string, turns ...domain.Turn) ([]domain.Turn, error)

	// GetSession returns the session record or ErrSessionNotFound.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// ListSessions returns all sessions, newest first.
	ListSessions(ctx context.Context) ([]domain.Session, error)

	// DeleteSession removes a session and all its turns, or returns ErrSessionNotFound.
	DeleteSession(ctx context.Context, sessionID string) error

	// DeleteSessionsBefore removes sessions with no turn at or after cutoff
	// (sessions without turns age from creation) and reports how many.
	DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Ping verifies storage connectivity.
	Ping(ctx context.Context) error

	// Close releases storage resources.
	Close() error
}
