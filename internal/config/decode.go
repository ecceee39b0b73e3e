package config

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// DecodeConfig holds configuration for the decode command.
type DecodeConfig struct {
	RPCURL     string
	In         string
	Out        string
	Errors     string
	BatchSize  int
	OnlyParsed bool
	Cache      CacheConfig
	Registry   RegistryConfig
	LogLevel   string
}

// LoadDecode merges config file, environment variables, and flags into DecodeConfig.
func LoadDecode(cfgFile string, flags *pflag.FlagSet) (DecodeConfig, error) {
	v, err := newViper(cfgFile, flags, func(v *viper.Viper) {
		v.SetDefault("out", "./data/parsed_accounts.jsonl")
		v.SetDefault("errors", "./data/decode_errors.jsonl")
		v.SetDefault("batch-size", 100)
		v.SetDefault("only-parsed", false)
	})
	if err != nil {
		return DecodeConfig{}, err
	}

	cfg := DecodeConfig{
		RPCURL:     v.GetString("rpc"),
		In:         v.GetString("in"),
		Out:        v.GetString("out"),
		Errors:     v.GetString("errors"),
		BatchSize:  v.GetInt("batch-size"),
		OnlyParsed: v.GetBool("only-parsed"),
		Cache:      cacheConfig(v),
		Registry:   registryConfig(v),
		LogLevel:   v.GetString("log-level"),
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return cfg, cfg.Cache.validate()
}
