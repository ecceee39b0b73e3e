package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"idlgateway/internal/chain"
	"idlgateway/internal/config"
	"idlgateway/internal/gateway"
	"idlgateway/internal/relay"
	"idlgateway/internal/resolver"
)

func main() {
	root := &cobra.Command{
		Use:          "gateway",
		Short:        "IDL-decoding Solana JSON-RPC gateway",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the JSON-RPC gateway",
		RunE:  runServe,
	}

	serveCmd.Flags().String("listen", ":8899", "listen address")
	serveCmd.Flags().String("rpc", "", "upstream Solana RPC URL")
	serveCmd.Flags().String("rpc-ws", "", "upstream websocket URL, derived from --rpc when empty")
	serveCmd.Flags().StringSlice("allowed-origins", nil, "allowed CORS origins (comma-separated), empty allows any")
	serveCmd.Flags().Duration("shutdown-timeout", 15*time.Second, "graceful shutdown timeout")
	addRegistryFlags(serveCmd)
	addCacheFlags(serveCmd)
	serveCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(serveCmd)

	decodeCmd := &cobra.Command{
		Use:   "decode",
		Short: "Decode a JSONL file of raw accounts",
		RunE:  runDecode,
	}

	decodeCmd.Flags().String("rpc", "", "Solana RPC URL for on-chain IDL lookups")
	decodeCmd.Flags().String("in", "", "input account records JSONL")
	decodeCmd.Flags().String("out", "./data/parsed_accounts.jsonl", "output parsed accounts JSONL")
	decodeCmd.Flags().String("errors", "./data/decode_errors.jsonl", "decode errors JSONL")
	decodeCmd.Flags().Int("batch-size", 100, "accounts decoded per batch")
	decodeCmd.Flags().Bool("only-parsed", false, "null the data of accounts that could not be decoded")
	addRegistryFlags(decodeCmd)
	addCacheFlags(decodeCmd)
	decodeCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(decodeCmd)

	idlCmd := &cobra.Command{
		Use:   "idl [program-id]",
		Short: "Print a program's IDL, or preload --idl-dir into the cache",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runIDL,
	}

	idlCmd.Flags().String("rpc", "", "Solana RPC URL for on-chain IDL lookups")
	idlCmd.Flags().String("out", "-", "output path for the IDL document")
	idlCmd.Flags().Bool("preload", false, "write every document under --idl-dir into the cache")
	addRegistryFlags(idlCmd)
	addCacheFlags(idlCmd)
	idlCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(idlCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func addRegistryFlags(cmd *cobra.Command) {
	cmd.Flags().String("idl-dir", "", "directory of <programId>.json IDL overrides")
	cmd.Flags().String("commitment", "confirmed", "commitment for IDL account reads")
	cmd.Flags().Int("max-retries", 3, "maximum IDL fetch attempts")
	cmd.Flags().Duration("retry-backoff", 200*time.Millisecond, "initial IDL fetch backoff")
}

func addCacheFlags(cmd *cobra.Command) {
	cmd.Flags().String("cache-backend", config.CacheMemory, "IDL cache backend (memory, redis, postgres, none)")
	cmd.Flags().Duration("cache-ttl", time.Hour, "IDL cache entry lifetime")
	cmd.Flags().Int("cache-capacity", 1024, "in-memory cache capacity")
	cmd.Flags().String("redis-addr", "", "Redis address")
	cmd.Flags().String("redis-password", "", "Redis password")
	cmd.Flags().Int("redis-db", 0, "Redis database")
	cmd.Flags().String("pg-dsn", "", "Postgres DSN")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.RPCURL == "" {
		return fmt.Errorf("rpc url is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	chainClient, err := chain.NewClient(ctx, cfg.RPCURL)
	if err != nil {
		return fmt.Errorf("connect rpc: %w", err)
	}
	defer chainClient.Close()

	store, closeStore, err := openStore(ctx, cfg.Cache, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	res := resolver.New(newFetcher(chainClient, cfg.Registry, logger), store, resolver.Config{TTL: cfg.Cache.TTL}, logger)
	enricher := gateway.NewEnricher(res, logger)

	proxy, err := gateway.NewProxy(cfg.RPCURL, logger)
	if err != nil {
		return err
	}

	server := gateway.NewServer(chainClient, enricher, proxy, logger)
	server.SetStreamHandler(relay.New(relay.Options{
		UpstreamURL: cfg.RPCWSURL,
		CheckOrigin: originChecker(cfg.AllowedOrigins),
	}, enricher, server, logger))

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           server.Handler(cfg.AllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("gateway start",
		zap.String("listen", cfg.Listen),
		zap.String("rpc", cfg.RPCURL),
		zap.String("rpc_ws", cfg.RPCWSURL),
		zap.String("cache_backend", cfg.Cache.Backend),
		zap.Duration("cache_ttl", cfg.Cache.TTL),
		zap.String("idl_dir", cfg.Registry.IDLDir),
		zap.Strings("allowed_origins", cfg.AllowedOrigins),
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
	}
	res.Wait()

	logger.Info("gateway stopped")
	return nil
}

// originChecker mirrors the CORS allow-list for websocket upgrades.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		if origin == "*" {
			return nil
		}
		set[origin] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
