// Package cache provides the short-TTL result cache for normalized post
// records. Failures are never cached: rate limits and outages are transient,
// and retrying later is the correct behavior.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/jonathan/postpulse/internal/post"
)

// Store is the result cache contract. Lookups past expiry are misses.
type Store interface {
	// Get returns the cached record for a post ID, or false on miss.
	Get(ctx context.Context, postID string) (*post.Record, bool, error)
	// Put caches a record under the post ID for ttl.
	Put(ctx context.Context, postID string, rec *post.Record, ttl time.Duration) error
}

// entry pairs a record with its expiry instant, always now+TTL at write time.
type entry struct {
	record    post.Record
	expiresAt time.Time
}

// Memory is an in-process Store backed by a map. Reads for different keys do
// not block each other; eviction of expired entries is lazy.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]entry
	now     func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, postID string) (*post.Record, bool, error) {
	m.mu.RLock()
	e, ok := m.entries[postID]
	m.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}
	if m.now().After(e.expiresAt) {
		// Lazy eviction; re-check under the write lock since another writer
		// may have refreshed the entry.
		m.mu.Lock()
		if current, ok := m.entries[postID]; ok && m.now().After(current.expiresAt) {
			delete(m.entries, postID)
		}
		m.mu.Unlock()
		return nil, false, nil
	}

	rec := e.record
	return &rec, true, nil
}

// Put implements Store.
func (m *Memory) Put(_ context.Context, postID string, rec *post.Record, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[postID] = entry{
		record:    *rec,
		expiresAt: m.now().Add(ttl),
	}
	return nil
}

// Len returns the number of entries currently held, including any not yet
// lazily evicted.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
