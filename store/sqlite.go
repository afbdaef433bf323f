package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteTimeFormat = time.RFC3339Nano

// SQLite backs local development and tests.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens dsn with the pure-Go driver. ":memory:" databases are pinned
// to a single connection so every query sees the same data.
func NewSQLite(ctx context.Context, dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping sqlite: %w", err)
	}
	return &SQLite{db: db, now: time.Now}, nil
}

const sqliteUpsertUser = `
INSERT INTO users (provider, provider_user_id, email, access_token, refresh_token,
                   token_expires_at, name, profile_picture, created_at, updated_at)
VALUES (?, ?, NULLIF(?, ''), ?, NULLIF(?, ''), ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?)
ON CONFLICT(provider, provider_user_id) DO UPDATE SET
    email            = COALESCE(excluded.email, users.email),
    access_token     = excluded.access_token,
    refresh_token    = COALESCE(excluded.refresh_token, users.refresh_token),
    token_expires_at = excluded.token_expires_at,
    name             = COALESCE(excluded.name, users.name),
    profile_picture  = COALESCE(excluded.profile_picture, users.profile_picture),
    updated_at       = excluded.updated_at
RETURNING id`

// UpsertUser runs a single INSERT ... ON CONFLICT and returns the row id.
func (s *SQLite) UpsertUser(ctx context.Context, p UpsertParams) (int64, error) {
	if err := p.validate(); err != nil {
		return 0, err
	}
	var expires any
	if p.TokenExpiresAt != nil {
		expires = p.TokenExpiresAt.UTC().Format(sqliteTimeFormat)
	}
	now := s.now().UTC().Format(sqliteTimeFormat)

	var id int64
	err := s.db.QueryRowContext(ctx, sqliteUpsertUser,
		p.Provider, p.ProviderUserID, p.Email, p.AccessToken, p.RefreshToken,
		expires, p.Name, p.ProfilePicture, now, now,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: upsert user: %w", err)
	}
	return id, nil
}

const sqliteGetUser = `
SELECT id, provider, provider_user_id, email, access_token, refresh_token,
       token_expires_at, name, profile_picture, created_at, updated_at
FROM users WHERE id = ?`

// GetUser returns ErrNotFound when no row has id.
func (s *SQLite) GetUser(ctx context.Context, id int64) (User, error) {
	var (
		u                          User
		email, refresh, name, pict sql.NullString
		expires                    sql.NullString
		created, updated           string
	)
	err := s.db.QueryRowContext(ctx, sqliteGetUser, id).Scan(
		&u.ID, &u.Provider, &u.ProviderUserID, &email, &u.AccessToken, &refresh,
		&expires, &name, &pict, &created, &updated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("store: get user: %w", err)
	}

	u.Email = email.String
	u.RefreshToken = refresh.String
	u.Name = name.String
	u.ProfilePicture = pict.String
	if expires.Valid {
		t, err := time.Parse(sqliteTimeFormat, expires.String)
		if err != nil {
			return User{}, fmt.Errorf("store: parse token_expires_at: %w", err)
		}
		u.TokenExpiresAt = &t
	}
	if u.CreatedAt, err = time.Parse(sqliteTimeFormat, created); err != nil {
		return User{}, fmt.Errorf("store: parse created_at: %w", err)
	}
	if u.UpdatedAt, err = time.Parse(sqliteTimeFormat, updated); err != nil {
		return User{}, fmt.Errorf("store: parse updated_at: %w", err)
	}
	return u, nil
}

// Migrate applies the embedded schema.
func (s *SQLite) Migrate(ctx context.Context) error {
	ddl, err := schema("sqlite")
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("store: migrate sqlite: %w", err)
	}
	return nil
}

func (s *SQLite) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLite) Close() error { return s.db.Close() }
