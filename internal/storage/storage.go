package storage

import (
	"context"
	"time"
)

// SchemaKeyPrefix namespaces cached IDL documents.
const SchemaKeyPrefix = "idl:"

// Store is a key-value cache with per-entry expiry.
type Store interface {
	// Get returns the stored value, or ok=false when the key is absent or expired.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	// Put stores value under key. A non-positive ttl keeps the entry until evicted.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// SchemaKey returns the cache key of a program's IDL document.
func SchemaKey(programID string) string {
	return SchemaKeyPrefix + programID
}

// Nop is a Store that never holds anything.
type Nop struct{}

func (Nop) Get(context.Context, string) ([]byte, bool, error) { return nil, false, nil }

func (Nop) Put(context.Context, string, []byte, time.Duration) error { return nil }

// BatchStore is implemented by stores that can write several entries at once.
type BatchStore interface {
	PutBatch(ctx context.Context, entries map[string][]byte, ttl time.Duration) error
}

// PutMany writes entries in one batch when the store supports it.
func PutMany(ctx context.Context, store Store, entries map[string][]byte, ttl time.Duration) error {
	if batch, ok := store.(BatchStore); ok {
		return batch.PutBatch(ctx, entries, ttl)
	}
	for key, value := range entries {
		if err := store.Put(ctx, key, value, ttl); err != nil {
			return err
		}
	}
	return nil
}
