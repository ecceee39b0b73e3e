// Package memory keeps cached documents in a bounded in-process LRU.
package memory

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common/lru"
)

// DefaultCapacity bounds the number of entries when none is configured.
const DefaultCapacity = 1024

type entry struct {
	value     []byte
	expiresAt time.Time
}

// Store is a thread-safe LRU with per-entry expiry.
type Store struct {
	cache *lru.Cache[string, entry]
	now   func() time.Time
}

func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{cache: lru.NewCache[string, entry](capacity), now: time.Now}
}

// WithClock replaces the time source; used by tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	e, ok := s.cache.Get(key)
	if !ok {
		return nil, false, nil
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		s.cache.Remove(key)
		return nil, false, nil
	}
	return e.value, true, nil
}

func (s *Store) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.cache.Add(key, e)
	return nil
}

// Len reports the number of entries, expired ones included.
func (s *Store) Len() int {
	return s.cache.Len()
}
