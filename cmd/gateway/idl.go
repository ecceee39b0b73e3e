package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"idlgateway/internal/chain"
	"idlgateway/internal/config"
	"idlgateway/internal/idl"
	"idlgateway/internal/resolver"
)

func runIDL(cmd *cobra.Command, args []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadIDL(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if !cfg.Preload && len(args) == 0 {
		return fmt.Errorf("program id is required")
	}
	if cfg.Preload && cfg.Registry.IDLDir == "" {
		return fmt.Errorf("idl dir is required for preload")
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

	if cfg.Preload {
		docs, err := idl.NewDirFetcher(cfg.Registry.IDLDir).All()
		if err != nil {
			return err
		}
		if err := res.Preload(ctx, docs); err != nil {
			return fmt.Errorf("preload: %w", err)
		}
		logger.Info("idl preload complete",
			zap.String("idl_dir", cfg.Registry.IDLDir),
			zap.String("cache_backend", cfg.Cache.Backend),
			zap.Int("programs", len(docs)),
		)
		if len(args) == 0 {
			return nil
		}
	}

	schema, err := res.Resolve(ctx, args[0], resolver.NewMemo())
	if err != nil {
		return err
	}
	logger.Info("idl resolved",
		zap.String("program", args[0]),
		zap.String("name", schema.Name),
		zap.Int("accounts", len(schema.Accounts)),
		zap.Int("instructions", len(schema.Instructions)),
		zap.Int("events", len(schema.Events)),
	)

	if cfg.Out == "" || cfg.Out == "-" {
		_, err = os.Stdout.Write(append(schema.Raw(), '\n'))
		return err
	}
	return os.WriteFile(cfg.Out, schema.Raw(), 0o644)
}
