package store

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func stores(t *testing.T) map[string]Users {
	t.Helper()
	out := map[string]Users{"sqlite": newSQLite(t)}
	if uri := os.Getenv("TEST_DATABASE_URL"); uri != "" {
		pg, err := NewPostgres(context.Background(), Config{URI: uri})
		require.NoError(t, err)
		require.NoError(t, pg.Migrate(context.Background()))
		_, err = pg.pool.Exec(context.Background(), "TRUNCATE users RESTART IDENTITY")
		require.NoError(t, err)
		t.Cleanup(func() { _ = pg.Close() })
		out["postgres"] = pg
	}
	return out
}

func TestUpsertInsertsThenUpdates(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			exp := time.Now().Add(time.Hour).UTC().Truncate(time.Second)

			id, err := s.UpsertUser(ctx, UpsertParams{
				Provider:       "google",
				ProviderUserID: "1234",
				Email:          "ada@example.com",
				AccessToken:    "at-1",
				RefreshToken:   "rt-1",
				TokenExpiresAt: &exp,
				Name:           "Ada",
				ProfilePicture: "https://example.com/a.png",
			})
			require.NoError(t, err)
			first, err := s.GetUser(ctx, id)
			require.NoError(t, err)

			again, err := s.UpsertUser(ctx, UpsertParams{
				Provider:       "google",
				ProviderUserID: "1234",
				Email:          "ada@new.example.com",
				AccessToken:    "at-2",
				Name:           "Ada L.",
			})
			require.NoError(t, err)
			assert.Equal(t, id, again)

			u, err := s.GetUser(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, "ada@new.example.com", u.Email)
			assert.Equal(t, "at-2", u.AccessToken)
			assert.Equal(t, "rt-1", u.RefreshToken, "missing refresh token keeps the stored one")
			assert.Equal(t, "Ada L.", u.Name)
			assert.Equal(t, "https://example.com/a.png", u.ProfilePicture)
			assert.Nil(t, u.TokenExpiresAt)
			assert.True(t, u.CreatedAt.Equal(first.CreatedAt))
		})
	}
}

func TestUpsertDistinctIdentities(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a, err := s.UpsertUser(ctx, UpsertParams{Provider: "google", ProviderUserID: "a", AccessToken: "x"})
			require.NoError(t, err)
			b, err := s.UpsertUser(ctx, UpsertParams{Provider: "google", ProviderUserID: "b", AccessToken: "x"})
			require.NoError(t, err)
			c, err := s.UpsertUser(ctx, UpsertParams{Provider: "dev", ProviderUserID: "a", AccessToken: "x"})
			require.NoError(t, err)

			assert.NotEqual(t, a, b)
			assert.NotEqual(t, a, c)
		})
	}
}

func TestUpsertConcurrentSameIdentity(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ids := make([]int64, 8)
			var wg sync.WaitGroup
			for i := range ids {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					id, err := s.UpsertUser(ctx, UpsertParams{Provider: "google", ProviderUserID: "same", AccessToken: "t"})
					assert.NoError(t, err)
					ids[i] = id
				}(i)
			}
			wg.Wait()
			for _, id := range ids {
				assert.Equal(t, ids[0], id)
			}
		})
	}
}

func TestUpsertRequiresIdentity(t *testing.T) {
	s := newSQLite(t)
	_, err := s.UpsertUser(context.Background(), UpsertParams{Provider: "google", AccessToken: "t"})
	require.Error(t, err)
}

func TestGetUserNotFound(t *testing.T) {
	s := newSQLite(t)
	_, err := s.GetUser(context.Background(), 42)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteUpdatedAtAdvances(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	s.now = func() time.Time { return base }

	id, err := s.UpsertUser(ctx, UpsertParams{Provider: "google", ProviderUserID: "u", AccessToken: "t"})
	require.NoError(t, err)

	s.now = func() time.Time { return base.Add(time.Hour) }
	_, err = s.UpsertUser(ctx, UpsertParams{Provider: "google", ProviderUserID: "u", AccessToken: "t2"})
	require.NoError(t, err)

	u, err := s.GetUser(ctx, id)
	require.NoError(t, err)
	assert.True(t, base.Equal(u.CreatedAt), "created_at %s", u.CreatedAt)
	assert.True(t, base.Add(time.Hour).Equal(u.UpdatedAt), "updated_at %s", u.UpdatedAt)
}

func TestOpenSchemes(t *testing.T) {
	_, err := Open(context.Background(), Config{URI: ""})
	require.Error(t, err)

	_, err = Open(context.Background(), Config{URI: "mysql://u:p@host/db"})
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "u:p")

	s, err := Open(context.Background(), Config{URI: "sqlite::memory:"})
	require.NoError(t, err)
	assert.NoError(t, s.Ping(context.Background()))
	assert.NoError(t, s.Close())
}

func TestRedactURI(t *testing.T) {
	assert.Equal(t, "postgresql://***@database:5432/y", redactURI("postgresql://y:y@database:5432/y"))
	assert.Equal(t, ":memory:", redactURI(":memory:"))
}
