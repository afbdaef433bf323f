package cache

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Memory is a process-local StateCache. Entries do not survive restarts and
// are not shared between replicas.
type Memory struct {
	mu     sync.Mutex
	c      *gocache.Cache
	prefix string
}

// NewMemory returns an in-process cache that sweeps expired keys every minute.
func NewMemory(cfg Config) *Memory {
	ttl := cfg.DefaultTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Memory{c: gocache.New(ttl, time.Minute), prefix: cfg.Prefix}
}

// Set stores value under key for ttl, or the default TTL when ttl is not positive.
func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = gocache.DefaultExpiration
	}
	m.mu.Lock()
	m.c.Set(prefixed(m.prefix, key), value, ttl)
	m.mu.Unlock()
	return nil
}

// Get returns the value without removing it.
func (m *Memory) Get(_ context.Context, key string) (string, error) {
	v, ok := m.c.Get(prefixed(m.prefix, key))
	if !ok {
		return "", ErrNotFound
	}
	s, _ := v.(string)
	return s, nil
}

// Consume returns and deletes the value; concurrent callers see it at most once.
func (m *Memory) Consume(_ context.Context, key string) (string, error) {
	k := prefixed(m.prefix, key)

	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.c.Get(k)
	if !ok {
		return "", ErrNotFound
	}
	m.c.Delete(k)
	s, _ := v.(string)
	return s, nil
}

// Ping always succeeds.
func (m *Memory) Ping(context.Context) error { return nil }

// Close drops every entry.
func (m *Memory) Close() error {
	m.c.Flush()
	return nil
}
