package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultMaxConns = 5

// Postgres is the production user store.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres opens a bounded pool and pings it.
func NewPostgres(ctx context.Context, cfg Config) (*Postgres, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.URI)
	if err != nil {
		return nil, fmt.Errorf("store: parse postgres uri: %w", err)
	}
	pcfg.MaxConns = cfg.MaxConns
	if pcfg.MaxConns <= 0 {
		pcfg.MaxConns = defaultMaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("store: connect postgres: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping postgres %s: %w", redactURI(cfg.URI), err)
	}
	return &Postgres{pool: pool}, nil
}

const pgUpsertUser = `
INSERT INTO users (provider, provider_user_id, email, access_token, refresh_token,
                   token_expires_at, name, profile_picture, created_at, updated_at)
VALUES ($1, $2, NULLIF($3, ''), $4, NULLIF($5, ''), $6, NULLIF($7, ''), NULLIF($8, ''), now(), now())
ON CONFLICT (provider, provider_user_id) DO UPDATE SET
    email            = COALESCE(EXCLUDED.email, users.email),
    access_token     = EXCLUDED.access_token,
    refresh_token    = COALESCE(EXCLUDED.refresh_token, users.refresh_token),
    token_expires_at = EXCLUDED.token_expires_at,
    name             = COALESCE(EXCLUDED.name, users.name),
    profile_picture  = COALESCE(EXCLUDED.profile_picture, users.profile_picture),
    updated_at       = now()
RETURNING id`

// UpsertUser runs a single INSERT ... ON CONFLICT and returns the row id.
func (s *Postgres) UpsertUser(ctx context.Context, p UpsertParams) (int64, error) {
	if err := p.validate(); err != nil {
		return 0, err
	}
	var id int64
	err := s.pool.QueryRow(ctx, pgUpsertUser,
		p.Provider, p.ProviderUserID, p.Email, p.AccessToken, p.RefreshToken,
		p.TokenExpiresAt, p.Name, p.ProfilePicture,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: upsert user: %w", err)
	}
	return id, nil
}

const pgGetUser = `
SELECT id, provider, provider_user_id, email, access_token, refresh_token,
       token_expires_at, name, profile_picture, created_at, updated_at
FROM users WHERE id = $1`

// GetUser returns ErrNotFound when no row has id.
func (s *Postgres) GetUser(ctx context.Context, id int64) (User, error) {
	var (
		u                          User
		email, refresh, name, pict *string
	)
	err := s.pool.QueryRow(ctx, pgGetUser, id).Scan(
		&u.ID, &u.Provider, &u.ProviderUserID, &email, &u.AccessToken, &refresh,
		&u.TokenExpiresAt, &name, &pict, &u.CreatedAt, &u.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("store: get user: %w", err)
	}
	u.Email = deref(email)
	u.RefreshToken = deref(refresh)
	u.Name = deref(name)
	u.ProfilePicture = deref(pict)
	return u, nil
}

// Migrate applies the embedded schema.
func (s *Postgres) Migrate(ctx context.Context) error {
	ddl, err := schema("postgres")
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("store: migrate postgres: %w", err)
	}
	return nil
}

func (s *Postgres) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
