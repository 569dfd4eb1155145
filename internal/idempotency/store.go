// Package idempotency caches the results of idempotent store requests keyed
// by tenant and Idempotency-Key.
package idempotency

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrNotFound is returned when no result is cached for a key.
var ErrNotFound = errors.New("idempotency key not found")

// DefaultTTL is how long results are kept when no TTL is configured.
const DefaultTTL = 24 * time.Hour

// Store caches serialized results.
type Store interface {
	Get(ctx context.Context, tenantID, key string) ([]byte, error)
	Set(ctx context.Context, tenantID, key string, data []byte, ttl time.Duration) error
	Delete(ctx context.Context, tenantID, key string) error
	Ping(ctx context.Context) error
	Close() error
}

type memoryEntry struct {
	data    []byte
	expires time.Time
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	clock   clock.Clock
	entries map[string]memoryEntry
}

// NewMemoryStore creates an empty store. A nil clock uses wall time.
func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryStore{clock: clk, entries: make(map[string]memoryEntry)}
}

func (s *MemoryStore) Get(_ context.Context, tenantID, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := buildKey(tenantID, key)
	e, ok := s.entries[k]
	if !ok {
		return nil, ErrNotFound
	}
	if !s.clock.Now().Before(e.expires) {
		delete(s.entries, k)
		return nil, ErrNotFound
	}
	return append([]byte(nil), e.data...), nil
}

func (s *MemoryStore) Set(_ context.Context, tenantID, key string, data []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[buildKey(tenantID, key)] = memoryEntry{
		data:    append([]byte(nil), data...),
		expires: s.clock.Now().Add(ttl),
	}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, tenantID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, buildKey(tenantID, key))
	return nil
}

// Sweep drops expired entries.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	n := 0
	for k, e := range s.entries {
		if !now.Before(e.expires) {
			delete(s.entries, k)
			n++
		}
	}
	return n
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func buildKey(tenantID, key string) string {
	return "idempotency:" + tenantID + ":" + key
}
