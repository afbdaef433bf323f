// Package store persists users that signed in through an upstream identity provider.
package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// ErrNotFound is returned when no user matches the lookup.
var ErrNotFound = errors.New("store: user not found")

// User is one row of the users table.
type User struct {
	ID             int64
	Provider       string
	ProviderUserID string
	Email          string
	AccessToken    string
	RefreshToken   string
	TokenExpiresAt *time.Time
	Name           string
	ProfilePicture string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// UpsertParams carries the provider-side view of a user after login.
// Empty strings mean "not reported by the provider" and never erase stored values.
type UpsertParams struct {
	Provider       string
	ProviderUserID string
	Email          string
	AccessToken    string
	RefreshToken   string
	TokenExpiresAt *time.Time
	Name           string
	ProfilePicture string
}

func (p UpsertParams) validate() error {
	if p.Provider == "" || p.ProviderUserID == "" {
		return errors.New("store: provider and provider user id are required")
	}
	if p.AccessToken == "" {
		return errors.New("store: access token is required")
	}
	return nil
}

// Users is the persistent user store.
type Users interface {
	// UpsertUser inserts or updates the row keyed by (provider, provider user id)
	// and returns its stable id.
	UpsertUser(ctx context.Context, p UpsertParams) (int64, error)
	GetUser(ctx context.Context, id int64) (User, error)
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Config selects the backend by URI scheme.
type Config struct {
	URI      string
	MaxConns int32
}

// Open connects to Postgres for postgres:// URIs and SQLite for sqlite: or file: URIs.
func Open(ctx context.Context, cfg Config) (Users, error) {
	uri := strings.TrimSpace(cfg.URI)
	switch {
	case strings.HasPrefix(uri, "postgres://"), strings.HasPrefix(uri, "postgresql://"):
		return NewPostgres(ctx, cfg)
	case strings.HasPrefix(uri, "sqlite:"), strings.HasPrefix(uri, "file:"):
		return NewSQLite(ctx, strings.TrimPrefix(uri, "sqlite:"))
	case uri == "":
		return nil, errors.New("store: database uri is required")
	default:
		return nil, fmt.Errorf("store: unsupported database uri scheme in %q", redactURI(uri))
	}
}

func schema(name string) (string, error) {
	b, err := schemaFS.ReadFile("schema/" + name + ".sql")
	if err != nil {
		return "", fmt.Errorf("store: read schema %s: %w", name, err)
	}
	return string(b), nil
}

// redactURI hides credentials before a URI reaches a log line or error.
func redactURI(uri string) string {
	at := strings.LastIndex(uri, "@")
	scheme := strings.Index(uri, "://")
	if at == -1 || scheme == -1 || at < scheme {
		return uri
	}
	return uri[:scheme+3] + "***" + uri[at:]
}
