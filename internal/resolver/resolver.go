// Package resolver finds the IDL of a program through a request memo, the
// shared schema cache and finally the registry.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	"idlgateway/internal/idl"
	"idlgateway/internal/metrics"
	"idlgateway/internal/storage"
)

// ErrSchemaNotFound reports that a program has no resolvable IDL.
var ErrSchemaNotFound = errors.New("idl not found for program")

const (
	DefaultTTL          = time.Hour
	DefaultWriteTimeout = 10 * time.Second
)

// Config tunes cache population.
type Config struct {
	TTL          time.Duration
	WriteTimeout time.Duration
}

// Resolver looks up schemas. It is safe for concurrent use.
type Resolver struct {
	fetcher idl.Fetcher
	store   storage.Store
	cfg     Config
	logger  *zap.Logger

	writes sync.WaitGroup
}

func New(fetcher idl.Fetcher, store storage.Store, cfg Config, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if store == nil {
		store = storage.Nop{}
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	return &Resolver{fetcher: fetcher, store: store, cfg: cfg, logger: logger}
}

// Resolve returns the schema of programID. With a memo, results (absence
// included) are shared by every lookup in the same request and concurrent
// lookups of one program trigger a single resolution.
func (r *Resolver) Resolve(ctx context.Context, programID string, memo *Memo) (*idl.Schema, error) {
	if memo == nil {
		return r.resolve(ctx, programID)
	}
	if e, ok := memo.get(programID); ok {
		metrics.SchemaResolutions.WithLabelValues(metrics.SourceMemo).Inc()
		return e.schema, e.err
	}

	v, err, _ := memo.group.Do(programID, func() (interface{}, error) {
		if e, ok := memo.get(programID); ok {
			return e.schema, e.err
		}
		schema, err := r.resolve(ctx, programID)
		memo.set(programID, schema, err)
		return schema, err
	})
	schema, _ := v.(*idl.Schema)
	return schema, err
}

func (r *Resolver) resolve(ctx context.Context, programID string) (*idl.Schema, error) {
	key := storage.SchemaKey(programID)

	data, ok, err := r.store.Get(ctx, key)
	if err != nil {
		r.logger.Warn("schema cache read failed", zap.String("program", programID), zap.Error(err))
	} else if ok {
		schema, err := idl.Parse(data, programID)
		if err == nil {
			metrics.SchemaResolutions.WithLabelValues(metrics.SourceCache).Inc()
			return schema, nil
		}
		r.logger.Warn("cached idl is invalid", zap.String("program", programID), zap.Error(err))
	}

	pk, err := solana.PublicKeyFromBase58(programID)
	if err != nil {
		metrics.SchemaResolutions.WithLabelValues(metrics.SourceMissing).Inc()
		return nil, fmt.Errorf("%w: %s: invalid program id: %w", ErrSchemaNotFound, programID, err)
	}
	if r.fetcher == nil {
		metrics.SchemaResolutions.WithLabelValues(metrics.SourceMissing).Inc()
		return nil, fmt.Errorf("%w: %s", ErrSchemaNotFound, programID)
	}

	data, err = r.fetcher.FetchIDL(ctx, pk)
	if err != nil {
		metrics.SchemaResolutions.WithLabelValues(metrics.SourceMissing).Inc()
		if !errors.Is(err, idl.ErrNotFound) {
			r.logger.Warn("idl fetch failed", zap.String("program", programID), zap.Error(err))
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrSchemaNotFound, programID, err)
	}
	schema, err := idl.Parse(data, programID)
	if err != nil {
		metrics.SchemaResolutions.WithLabelValues(metrics.SourceMissing).Inc()
		r.logger.Warn("registry idl is invalid", zap.String("program", programID), zap.Error(err))
		return nil, fmt.Errorf("%w: %s: %w", ErrSchemaNotFound, programID, err)
	}

	metrics.SchemaResolutions.WithLabelValues(metrics.SourceRegistry).Inc()
	r.persist(key, data)
	return schema, nil
}

// persist writes the document to the cache in the background.
func (r *Resolver) persist(key string, data []byte) {
	r.writes.Add(1)
	go func() {
		defer r.writes.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.WriteTimeout)
		defer cancel()
		if err := r.store.Put(ctx, key, data, r.cfg.TTL); err != nil {
			metrics.CacheWriteErrors.Inc()
			r.logger.Warn("schema cache write failed", zap.String("key", key), zap.Error(err))
		}
	}()
}

// Wait blocks until pending cache writes finish.
func (r *Resolver) Wait() {
	r.writes.Wait()
}

// Preload stores documents in the cache, keyed by program id. Documents that
// do not parse are rejected before anything is written.
func (r *Resolver) Preload(ctx context.Context, docs map[string][]byte) error {
	entries := make(map[string][]byte, len(docs))
	for programID, data := range docs {
		if _, err := idl.Parse(data, programID); err != nil {
			return fmt.Errorf("program %s: %w", programID, err)
		}
		entries[storage.SchemaKey(programID)] = data
	}
	return storage.PutMany(ctx, r.store, entries, r.cfg.TTL)
}
