// Package cache holds short-lived login state keyed by the OAuth state value.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when a key is absent or expired.
var ErrNotFound = errors.New("cache: key not found")

// StateCache stores state -> verifier entries for in-flight logins.
type StateCache interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	// Consume returns the value and removes it in one step. A second
	// Consume for the same key returns ErrNotFound.
	Consume(ctx context.Context, key string) (string, error)
	Ping(ctx context.Context) error
	Close() error
}

// Config selects and tunes a backend.
type Config struct {
	Driver     string
	URL        string
	Prefix     string
	DefaultTTL time.Duration
}

// New builds the backend named by cfg.Driver.
func New(ctx context.Context, cfg Config) (StateCache, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "redis":
		return NewRedis(ctx, cfg)
	case "memory":
		return NewMemory(cfg), nil
	default:
		return nil, fmt.Errorf("cache: unknown driver %q", cfg.Driver)
	}
}

func prefixed(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + ":" + key
}
