package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/clusterchat/internal/domain"
	"github.com/ashureev/clusterchat/internal/shared"
	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// gooseMu guards goose's package-level configuration.
var gooseMu sync.Mutex

const (
	busyRetries   = 3
	busyBaseDelay = 50 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite creates a new SQLite-backed repository and applies pending migrations.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL for concurrent readers; foreign keys so deleting a session cascades to its turns.
	dsn := "file:" + dbPath +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

func migrate(db *sql.DB) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.UpContext(context.Background(), db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// ReadTurns returns the turns of a session ordered by sequence.
func (s *SQLiteStore) ReadTurns(ctx context.Context, sessionID string) ([]domain.Turn, error) {
	query := `
		SELECT id, role, content, created_at
		FROM chat_messages WHERE session_id = ?
		ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close turn rows", "error", closeErr)
		}
	}()

	turns := make([]domain.Turn, 0)
	for rows.Next() {
		var turn domain.Turn
		var role string
		var createdAt int64
		if err := rows.Scan(&turn.ID, &role, &turn.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		turn.Role = domain.Role(role)
		turn.CreatedAt = time.Unix(0, createdAt).UTC()
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}
	return turns, nil
}

// AppendTurn stores one turn, creating the session on first use.
func (s *SQLiteStore) AppendTurn(ctx context.Context, sessionID string, turn domain.Turn) (domain.Turn, error) {
	stored, err := s.AppendTurns(ctx, sessionID, turn)
	if err != nil {
		return domain.Turn{}, err
	}
	return stored[0], nil
}

// AppendTurns stores turns in a single transaction.
func (s *SQLiteStore) AppendTurns(ctx context.Context, sessionID string, turns ...domain.Turn) ([]domain.Turn, error) {
	if len(turns) == 0 {
		return nil, nil
	}
	for _, t := range turns {
		if !t.Role.Valid() {
			return nil, fmt.Errorf("append turn: invalid role %q", t.Role)
		}
	}

	var stored []domain.Turn
	err := shared.RetryOnConflict(ctx, "append_turns", busyRetries, busyBaseDelay, func() error {
		var err error
		stored, err = s.appendTurnsOnce(ctx, sessionID, turns)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("append turns to %s: %w", sessionID, err)
	}
	return stored, nil
}

func (s *SQLiteStore) appendTurnsOnce(ctx context.Context, sessionID string, turns []domain.Turn) ([]domain.Turn, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			slog.Warn("failed to roll back append", "error", rbErr, "session_id", sessionID)
		}
	}()

	now := s.now()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO chat_sessions (id, created_at) VALUES (?, ?) ON CONFLICT(id) DO NOTHING`,
		sessionID, now.UnixNano(),
	); err != nil {
		return nil, fmt.Errorf("ensure session: %w", err)
	}

	var lastSeq, lastCreated int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0), COALESCE(MAX(created_at), 0) FROM chat_messages WHERE session_id = ?`,
		sessionID,
	).Scan(&lastSeq, &lastCreated); err != nil {
		return nil, fmt.Errorf("read last sequence: %w", err)
	}

	stored := make([]domain.Turn, 0, len(turns))
	for _, t := range turns {
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		// Keep timestamps non-decreasing within a session even if the wall clock steps back.
		created := now.UnixNano()
		if created < lastCreated {
			created = lastCreated
		}
		lastSeq++
		lastCreated = created

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chat_messages (id, session_id, seq, role, content, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			t.ID, sessionID, lastSeq, string(t.Role), t.Content, created,
		); err != nil {
			return nil, fmt.Errorf("insert turn: %w", err)
		}
		t.CreatedAt = time.Unix(0, created).UTC()
		stored = append(stored, t)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return stored, nil
}

// GetSession returns the session record or ErrSessionNotFound.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, created_at FROM chat_sessions WHERE id = ?`, sessionID)

	var session domain.Session
	var createdAt int64
	err := row.Scan(&session.ID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	session.CreatedAt = time.Unix(0, createdAt).UTC()
	return &session, nil
}

// ListSessions returns all sessions, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, created_at FROM chat_sessions ORDER BY created_at DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	sessions := make([]domain.Session, 0)
	for rows.Next() {
		var session domain.Session
		var createdAt int64
		if err := rows.Scan(&session.ID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		session.CreatedAt = time.Unix(0, createdAt).UTC()
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// DeleteSession removes a session and its turns.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	var affected int64
	err := shared.RetryOnConflict(ctx, "delete_session", busyRetries, busyBaseDelay, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `DELETE FROM chat_messages WHERE session_id = ?`, sessionID); err != nil {
			return fmt.Errorf("delete turns: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM chat_sessions WHERE id = ?`, sessionID)
		if err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		if affected, err = res.RowsAffected(); err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	if affected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// DeleteSessionsBefore removes sessions whose last turn (or creation, when
// empty) is before cutoff. Turns go with them via ON DELETE CASCADE.
func (s *SQLiteStore) DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := shared.RetryOnConflict(ctx, "delete_sessions_before", busyRetries, busyBaseDelay, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM chat_sessions
			WHERE COALESCE(
				(SELECT MAX(m.created_at) FROM chat_messages m WHERE m.session_id = chat_sessions.id),
				chat_sessions.created_at
			) < ?`, cutoff.UnixNano())
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("cleanup expired sessions: %w", err)
	}
	return deleted, nil
}
