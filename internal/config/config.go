package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "GATEWAY"

// Cache backends.
const (
	CacheMemory   = "memory"
	CacheRedis    = "redis"
	CachePostgres = "postgres"
	CacheNone     = "none"
)

// CacheConfig selects and configures the schema cache.
type CacheConfig struct {
	Backend       string
	TTL           time.Duration
	Capacity      int
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	PGDSN         string
}

// RegistryConfig configures where IDLs are fetched from.
type RegistryConfig struct {
	IDLDir       string
	Commitment   string
	MaxRetries   int
	RetryBackoff time.Duration
}

// Config holds configuration values for the serve command.
type Config struct {
	Listen          string
	RPCURL          string
	RPCWSURL        string
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
	Cache           CacheConfig
	Registry        RegistryConfig
	LogLevel        string
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v, err := newViper(cfgFile, flags, func(v *viper.Viper) {
		v.SetDefault("listen", ":8899")
		v.SetDefault("shutdown-timeout", 15*time.Second)
	})
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Listen:          v.GetString("listen"),
		RPCURL:          v.GetString("rpc"),
		RPCWSURL:        v.GetString("rpc-ws"),
		AllowedOrigins:  getStringSlice(v, "allowed-origins"),
		ShutdownTimeout: v.GetDuration("shutdown-timeout"),
		Cache:           cacheConfig(v),
		Registry:        registryConfig(v),
		LogLevel:        v.GetString("log-level"),
	}
	if cfg.RPCWSURL == "" {
		cfg.RPCWSURL = WebsocketURL(cfg.RPCURL)
	}
	return cfg, cfg.Cache.validate()
}

// WebsocketURL derives the websocket endpoint served next to an HTTP RPC URL.
func WebsocketURL(rpcURL string) string {
	switch {
	case strings.HasPrefix(rpcURL, "https://"):
		return "wss://" + strings.TrimPrefix(rpcURL, "https://")
	case strings.HasPrefix(rpcURL, "http://"):
		return "ws://" + strings.TrimPrefix(rpcURL, "http://")
	default:
		return rpcURL
	}
}

func newViper(cfgFile string, flags *pflag.FlagSet, defaults func(v *viper.Viper)) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("cache-backend", CacheMemory)
	v.SetDefault("cache-ttl", time.Hour)
	v.SetDefault("cache-capacity", 1024)
	v.SetDefault("redis-db", 0)
	v.SetDefault("commitment", "confirmed")
	v.SetDefault("max-retries", 3)
	v.SetDefault("retry-backoff", 200*time.Millisecond)
	v.SetDefault("log-level", "info")
	if defaults != nil {
		defaults(v)
	}

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}
	return v, nil
}

func cacheConfig(v *viper.Viper) CacheConfig {
	return CacheConfig{
		Backend:       strings.ToLower(strings.TrimSpace(v.GetString("cache-backend"))),
		TTL:           v.GetDuration("cache-ttl"),
		Capacity:      v.GetInt("cache-capacity"),
		RedisAddr:     v.GetString("redis-addr"),
		RedisPassword: v.GetString("redis-password"),
		RedisDB:       v.GetInt("redis-db"),
		PGDSN:         v.GetString("pg-dsn"),
	}
}

func registryConfig(v *viper.Viper) RegistryConfig {
	return RegistryConfig{
		IDLDir:       v.GetString("idl-dir"),
		Commitment:   v.GetString("commitment"),
		MaxRetries:   v.GetInt("max-retries"),
		RetryBackoff: v.GetDuration("retry-backoff"),
	}
}

func (c CacheConfig) validate() error {
	switch c.Backend {
	case CacheMemory, CacheNone:
		return nil
	case CacheRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("redis-addr is required for the redis cache")
		}
		return nil
	case CachePostgres:
		if c.PGDSN == "" {
			return fmt.Errorf("pg-dsn is required for the postgres cache")
		}
		return nil
	default:
		return fmt.Errorf("unknown cache backend %q", c.Backend)
	}
}

func getStringSlice(v *viper.Viper, key string) []string {
	if !v.IsSet(key) {
		return nil
	}

	val := v.Get(key)
	switch typed := val.(type) {
	case []string:
		return cleanStrings(typed)
	case string:
		return splitAndClean(typed)
	case []interface{}:
		items := make([]string, 0, len(typed))
		for _, item := range typed {
			items = append(items, fmt.Sprintf("%v", item))
		}
		return cleanStrings(items)
	default:
		return nil
	}
}

func splitAndClean(input string) []string {
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	return cleanStrings(parts)
}

func cleanStrings(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}
