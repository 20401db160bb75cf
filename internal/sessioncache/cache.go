// Package sessioncache persists the console's session across process restarts.
package sessioncache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Ernest01982/tuktukadmin/internal/backend"
)

// ErrMiss is returned by Load when nothing is stored under the key.
var ErrMiss = errors.New("sessioncache: miss")

// Cache stores one session per key.
type Cache interface {
	Load(ctx context.Context, key string) (*backend.Session, error)
	Save(ctx context.Context, key string, sess *backend.Session, ttl time.Duration) error
	Clear(ctx context.Context, key string) error
}

type entry struct {
	sess    *backend.Session
	expires time.Time
}

// Memory is an in-process Cache.
type Memory struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]entry
}

// NewMemory returns an empty in-process cache.
func NewMemory() *Memory {
	return &Memory{now: time.Now, entries: make(map[string]entry)}
}

func (m *Memory) Load(ctx context.Context, key string) (*backend.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, ErrMiss
	}
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		delete(m.entries, key)
		return nil, ErrMiss
	}
	return e.sess.Clone(), nil
}

func (m *Memory) Save(ctx context.Context, key string, sess *backend.Session, ttl time.Duration) error {
	if sess == nil {
		return m.Clear(ctx, key)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e := entry{sess: sess.Clone()}
	if ttl > 0 {
		e.expires = m.now().Add(ttl)
	}
	m.entries[key] = e
	return nil
}

func (m *Memory) Clear(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}
