// Package gateway decodes accounts and transactions fetched from the upstream
// node and serves them over JSON-RPC.
package gateway

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"idlgateway/internal/decoder"
	"idlgateway/internal/idl"
	"idlgateway/internal/metrics"
	"idlgateway/internal/model"
	"idlgateway/internal/resolver"
)

// SchemaResolver is the part of resolver.Resolver the enricher needs.
type SchemaResolver interface {
	Resolve(ctx context.Context, programID string, memo *resolver.Memo) (*idl.Schema, error)
}

// DecodeError explains why a record was left unparsed.
type DecodeError struct {
	Key     string
	Program string
	Err     error
}

func (e *DecodeError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("decode %s (program %s): %v", e.Key, e.Program, e.Err)
	}
	return fmt.Sprintf("decode program %s: %v", e.Program, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Outcome records the failure of one item of a batch or transaction.
type Outcome struct {
	Index   int
	Key     string
	Program string
	Err     error
}

// Record converts the outcome for JSONL error output.
func (o Outcome) Record() model.DecodeError {
	return model.DecodeError{Index: o.Index, Key: o.Key, Program: o.Program, Error: o.Err.Error()}
}

// Enricher decodes upstream records with the IDL of their owning program.
type Enricher struct {
	resolver SchemaResolver
	logger   *zap.Logger
}

func NewEnricher(r SchemaResolver, logger *zap.Logger) *Enricher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enricher{resolver: r, logger: logger}
}

// DecodeAccount enriches a single account. The returned record is never nil:
// on failure it is the unparsed copy and the error is a *DecodeError.
func (e *Enricher) DecodeAccount(ctx context.Context, key string, info *model.AccountInfo, memo *resolver.Memo) (*model.ParsedAccount, error) {
	out := model.NewParsedAccount(key, info)

	schema, err := e.resolver.Resolve(ctx, info.Owner, memo)
	if err != nil {
		metrics.DecodeFailures.WithLabelValues("account", "schema_not_found").Inc()
		return out, &DecodeError{Key: key, Program: info.Owner, Err: err}
	}

	data, err := info.Bytes()
	if err != nil {
		metrics.DecodeFailures.WithLabelValues("account", "encoding").Inc()
		return out, &DecodeError{Key: key, Program: info.Owner, Err: err}
	}

	name, value, err := decoder.DecodeAccount(schema, data)
	if err != nil {
		reason := "layout"
		if errors.Is(err, decoder.ErrUnknownRecordType) {
			reason = "unknown_type"
		}
		metrics.DecodeFailures.WithLabelValues("account", reason).Inc()
		e.logger.Debug("account decode failed",
			zap.String("key", key),
			zap.String("program", info.Owner),
			zap.Error(err),
		)
		return out, &DecodeError{Key: key, Program: info.Owner, Err: err}
	}

	out.Data = decoder.Normalize(value)
	out.Name = name
	out.Parsed = true
	return out, nil
}

// DecodeMany enriches a batch of accounts. The result has the same length and
// order as infos; nil accounts stay nil. With onlyParsed, records that could
// not be decoded keep their position and key but carry no data.
func (e *Enricher) DecodeMany(ctx context.Context, keys []string, infos []*model.AccountInfo, onlyParsed bool) ([]*model.ParsedAccount, []Outcome) {
	ctx = context.WithoutCancel(ctx)
	memo := resolver.NewMemo()

	owners := make([]string, 0, len(infos))
	seen := make(map[string]struct{}, len(infos))
	for _, info := range infos {
		if info == nil {
			continue
		}
		if _, ok := seen[info.Owner]; ok {
			continue
		}
		seen[info.Owner] = struct{}{}
		owners = append(owners, info.Owner)
	}
	e.resolveAll(ctx, owners, memo)

	out := make([]*model.ParsedAccount, len(infos))
	var outcomes []Outcome
	for i, info := range infos {
		if info == nil {
			continue
		}
		key := ""
		if i < len(keys) {
			key = keys[i]
		}
		acc, err := e.DecodeAccount(ctx, key, info, memo)
		if err != nil {
			outcomes = append(outcomes, Outcome{Index: i, Key: key, Program: info.Owner, Err: err})
			if onlyParsed {
				acc.Data = nil
			}
		}
		out[i] = acc
	}
	return out, outcomes
}

// resolveAll resolves every program concurrently into memo. Failures are
// recorded in the memo as absence and never affect siblings.
func (e *Enricher) resolveAll(ctx context.Context, programs []string, memo *resolver.Memo) map[string]*idl.Schema {
	schemas := make([]*idl.Schema, len(programs))
	var g errgroup.Group
	for i, program := range programs {
		i, program := i, program
		g.Go(func() error {
			schema, err := e.resolver.Resolve(ctx, program, memo)
			if err != nil {
				e.logger.Debug("schema unavailable", zap.String("program", program), zap.Error(err))
				return nil
			}
			schemas[i] = schema
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]*idl.Schema, len(programs))
	for i, schema := range schemas {
		if schema != nil {
			out[programs[i]] = schema
		}
	}
	return out
}
