package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"idlgateway/internal/chain"
	"idlgateway/internal/config"
	"idlgateway/internal/gateway"
	"idlgateway/internal/idl"
	"idlgateway/internal/model"
	"idlgateway/internal/resolver"
	"idlgateway/internal/storage"
)

func runDecode(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadDecode(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.RPCURL == "" && cfg.Registry.IDLDir == "" {
		return fmt.Errorf("rpc url or idl dir is required")
	}
	if cfg.In == "" {
		return fmt.Errorf("input path is required")
	}
	if cfg.Out == "" {
		return fmt.Errorf("output path is required")
	}
	if cfg.Errors == "" {
		return fmt.Errorf("errors path is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var source idl.AccountSource
	if cfg.RPCURL != "" {
		chainClient, err := chain.NewClient(ctx, cfg.RPCURL)
		if err != nil {
			return fmt.Errorf("connect rpc: %w", err)
		}
		defer chainClient.Close()
		source = chainClient
	}

	store, closeStore, err := openStore(ctx, cfg.Cache, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	res := resolver.New(newFetcher(source, cfg.Registry, logger), store, resolver.Config{TTL: cfg.Cache.TTL}, logger)
	defer res.Wait()
	enricher := gateway.NewEnricher(res, logger)

	inputFile, err := os.Open(cfg.In)
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	defer inputFile.Close()

	out := storage.NewJsonlWriter(cfg.Out)
	errOut := storage.NewJsonlWriter(cfg.Errors)

	logger.Info("decode start",
		zap.String("rpc", cfg.RPCURL),
		zap.String("idl_dir", cfg.Registry.IDLDir),
		zap.String("in", cfg.In),
		zap.String("out", cfg.Out),
		zap.String("errors", cfg.Errors),
		zap.Int("batch_size", cfg.BatchSize),
		zap.Bool("only_parsed", cfg.OnlyParsed),
	)

	b := &decodeBatch{enricher: enricher, out: out, errOut: errOut, onlyParsed: cfg.OnlyParsed}

	scanner := bufio.NewScanner(inputFile)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var record model.AccountRecord
		if err := json.Unmarshal(line, &record); err != nil || record.Account == nil {
			if err == nil {
				err = fmt.Errorf("account missing")
			}
			if werr := b.reject(record.Key, err); werr != nil {
				return werr
			}
			continue
		}

		b.add(record)
		if len(b.keys) >= cfg.BatchSize {
			if err := b.flush(ctx); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan input: %w", err)
	}
	if err := b.flush(ctx); err != nil {
		return err
	}

	logger.Info("decode complete",
		zap.Int("total", b.total),
		zap.Int("decoded", b.decoded),
		zap.Int("failed", b.failed),
	)

	return ctx.Err()
}

// decodeBatch accumulates account records and writes their decoded form.
type decodeBatch struct {
	enricher   *gateway.Enricher
	out        *storage.JsonlWriter
	errOut     *storage.JsonlWriter
	onlyParsed bool

	keys  []string
	infos []*model.AccountInfo

	total, decoded, failed int
}

func (b *decodeBatch) add(record model.AccountRecord) {
	b.keys = append(b.keys, record.Key)
	b.infos = append(b.infos, record.Account)
}

func (b *decodeBatch) reject(key string, err error) error {
	b.failed++
	rec := model.DecodeError{Index: b.total, Key: key, Error: err.Error()}
	b.total++
	return b.errOut.PutBatch([]interface{}{rec})
}

func (b *decodeBatch) flush(ctx context.Context) error {
	if len(b.keys) == 0 {
		return nil
	}
	accounts, outcomes := b.enricher.DecodeMany(ctx, b.keys, b.infos, b.onlyParsed)

	records := make([]interface{}, 0, len(accounts))
	for _, acc := range accounts {
		records = append(records, acc)
	}
	if err := b.out.PutBatch(records); err != nil {
		return err
	}

	if len(outcomes) > 0 {
		errRecords := make([]interface{}, 0, len(outcomes))
		for _, outcome := range outcomes {
			outcome.Index += b.total
			errRecords = append(errRecords, outcome.Record())
		}
		if err := b.errOut.PutBatch(errRecords); err != nil {
			return err
		}
	}

	b.total += len(accounts)
	b.failed += len(outcomes)
	b.decoded += len(accounts) - len(outcomes)
	b.keys = b.keys[:0]
	b.infos = b.infos[:0]
	return nil
}
