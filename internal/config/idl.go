package config

import (
	"github.com/spf13/pflag"
)

// IDLConfig holds configuration for the idl command.
type IDLConfig struct {
	RPCURL   string
	Out      string
	Preload  bool
	Cache    CacheConfig
	Registry RegistryConfig
	LogLevel string
}

// LoadIDL merges config file, environment variables, and flags into IDLConfig.
func LoadIDL(cfgFile string, flags *pflag.FlagSet) (IDLConfig, error) {
	v, err := newViper(cfgFile, flags, nil)
	if err != nil {
		return IDLConfig{}, err
	}

	cfg := IDLConfig{
		RPCURL:   v.GetString("rpc"),
		Out:      v.GetString("out"),
		Preload:  v.GetBool("preload"),
		Cache:    cacheConfig(v),
		Registry: registryConfig(v),
		LogLevel: v.GetString("log-level"),
	}
	return cfg, cfg.Cache.validate()
}
