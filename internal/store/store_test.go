package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/clusterchat/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type repoFactory func(t *testing.T) Repository

func repoFactories() map[string]repoFactory {
	return map[string]repoFactory{
		"memory": func(t *testing.T) Repository {
			return NewMemory()
		},
		"sqlite": func(t *testing.T) Repository {
			repo, err := NewSQLite(filepath.Join(t.TempDir(), "chat.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = repo.Close() })
			return repo
		},
	}
}

func TestRepositorySessionRoundTrip(t *testing.T) {
	for name, factory := range repoFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			repo := factory(t)

			_, err := repo.AppendTurn(ctx, "s-1", domain.Turn{Role: domain.RoleUser, Content: "hello"})
			require.NoError(t, err)
			_, err = repo.AppendTurn(ctx, "s-1", domain.Turn{Role: domain.RoleAssistant, Content: "hi"})
			require.NoError(t, err)

			turns, err := repo.ReadTurns(ctx, "s-1")
			require.NoError(t, err)
			require.Len(t, turns, 2)
			assert.Equal(t, domain.RoleUser, turns[0].Role)
			assert.Equal(t, "hello", turns[0].Content)
			assert.Equal(t, domain.RoleAssistant, turns[1].Role)
			assert.Equal(t, "hi", turns[1].Content)
			assert.False(t, turns[1].CreatedAt.Before(turns[0].CreatedAt), "timestamps must be non-decreasing")
			assert.NotEmpty(t, turns[0].ID)
			assert.NotEqual(t, turns[0].ID, turns[1].ID)
		})
	}
}

func TestRepositoryUnknownSessionIsEmpty(t *testing.T) {
	for name, factory := range repoFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			repo := factory(t)

			turns, err := repo.ReadTurns(ctx, "never-used")
			require.NoError(t, err)
			assert.Empty(t, turns)

			_, err = repo.GetSession(ctx, "never-used")
			assert.ErrorIs(t, err, ErrSessionNotFound)
		})
	}
}

func TestRepositoryAppendTurnsKeepsOrder(t *testing.T) {
	for name, factory := range repoFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			repo := factory(t)

			stored, err := repo.AppendTurns(ctx, "s-2",
				domain.Turn{Role: domain.RoleUser, Content: "list pods"},
				domain.Turn{Role: domain.RoleAssistant, Content: "web-1, web-2"},
			)
			require.NoError(t, err)
			require.Len(t, stored, 2)

			turns, err := repo.ReadTurns(ctx, "s-2")
			require.NoError(t, err)
			require.Len(t, turns, 2)
			assert.Equal(t, "list pods", turns[0].Content)
			assert.Equal(t, "web-1, web-2", turns[1].Content)
		})
	}
}

func TestRepositoryRejectsInvalidRole(t *testing.T) {
	for name, factory := range repoFactories() {
		t.Run(name, func(t *testing.T) {
			repo := factory(t)
			_, err := repo.AppendTurn(context.Background(), "s-3", domain.Turn{Role: "tool", Content: "x"})
			require.Error(t, err)
		})
	}
}

func TestRepositoryDeleteCascades(t *testing.T) {
	for name, factory := range repoFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			repo := factory(t)

			_, err := repo.AppendTurn(ctx, "doomed", domain.Turn{Role: domain.RoleUser, Content: "bye"})
			require.NoError(t, err)

			require.NoError(t, repo.DeleteSession(ctx, "doomed"))

			turns, err := repo.ReadTurns(ctx, "doomed")
			require.NoError(t, err)
			assert.Empty(t, turns)

			assert.ErrorIs(t, repo.DeleteSession(ctx, "doomed"), ErrSessionNotFound)
		})
	}
}

func TestRepositoryListSessions(t *testing.T) {
	for name, factory := range repoFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			repo := factory(t)

			for _, id := range []string{"a", "b"} {
				_, err := repo.AppendTurn(ctx, id, domain.Turn{Role: domain.RoleUser, Content: id})
				require.NoError(t, err)
			}

			sessions, err := repo.ListSessions(ctx)
			require.NoError(t, err)
			require.Len(t, sessions, 2)
			assert.False(t, sessions[0].CreatedAt.Before(sessions[1].CreatedAt))
		})
	}
}

func TestRepositoryDeleteSessionsBefore(t *testing.T) {
	for name, factory := range repoFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			repo := factory(t)

			_, err := repo.AppendTurn(ctx, "old", domain.Turn{Role: domain.RoleUser, Content: "x"})
			require.NoError(t, err)

			deleted, err := repo.DeleteSessionsBefore(ctx, time.Now().Add(time.Hour))
			require.NoError(t, err)
			assert.Equal(t, int64(1), deleted)

			sessions, err := repo.ListSessions(ctx)
			require.NoError(t, err)
			assert.Empty(t, sessions)
		})
	}
}

func TestDeleteSessionsBeforeUsesLastActivity(t *testing.T) {
	start := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	clocks := map[string]func(t *testing.T, now *time.Time) Repository{
		"memory": func(t *testing.T, now *time.Time) Repository {
			m := NewMemory()
			m.now = func() time.Time { return *now }
			return m
		},
		"sqlite": func(t *testing.T, now *time.Time) Repository {
			repo, err := NewSQLite(filepath.Join(t.TempDir(), "chat.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = repo.Close() })
			repo.now = func() time.Time { return *now }
			return repo
		},
	}

	for name, build := range clocks {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := start
			repo := build(t, &now)

			_, err := repo.AppendTurn(ctx, "active", domain.Turn{Role: domain.RoleUser, Content: "first"})
			require.NoError(t, err)
			_, err = repo.AppendTurn(ctx, "idle", domain.Turn{Role: domain.RoleUser, Content: "first"})
			require.NoError(t, err)

			now = start.Add(47 * time.Hour)
			_, err = repo.AppendTurn(ctx, "active", domain.Turn{Role: domain.RoleUser, Content: "still here"})
			require.NoError(t, err)

			deleted, err := repo.DeleteSessionsBefore(ctx, start.Add(24*time.Hour))
			require.NoError(t, err)
			assert.Equal(t, int64(1), deleted)

			sessions, err := repo.ListSessions(ctx)
			require.NoError(t, err)
			require.Len(t, sessions, 1)
			assert.Equal(t, "active", sessions[0].ID)

			turns, err := repo.ReadTurns(ctx, "active")
			require.NoError(t, err)
			assert.Len(t, turns, 2)
		})
	}
}

func TestRepositoryConcurrentSessions(t *testing.T) {
	for name, factory := range repoFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			repo := factory(t)

			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					id := string(rune('a' + i))
					for j := 0; j < 5; j++ {
						_, err := repo.AppendTurn(ctx, id, domain.Turn{Role: domain.RoleUser, Content: "m"})
						assert.NoError(t, err)
					}
				}(i)
			}
			wg.Wait()

			sessions, err := repo.ListSessions(ctx)
			require.NoError(t, err)
			assert.Len(t, sessions, 8)
			for _, s := range sessions {
				turns, err := repo.ReadTurns(ctx, s.ID)
				require.NoError(t, err)
				assert.Len(t, turns, 5)
			}
		})
	}
}
