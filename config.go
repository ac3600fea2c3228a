package pulsar

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config carries the tunables of the pipeline and its collaborators. Values
// come from an optional pulsar.yaml plus PULSAR_* environment overrides.
type Config struct {
	Listen      string `mapstructure:"listen"`
	RedisAddr   string `mapstructure:"redis_addr"`
	CachePrefix string `mapstructure:"cache_prefix"`

	RateLimitPerKey  Quota `mapstructure:"rate_limit_per_key"`
	RateLimitPerUser Quota `mapstructure:"rate_limit_per_user"`
	RateLimitAnon    Quota `mapstructure:"rate_limit_anon"`

	// APIKeyLifetime revokes impermanent API keys unused for this long.
	APIKeyLifetime time.Duration `mapstructure:"api_key_lifetime"`
	// SessionLifetime expires non-persistent sessions idle for this long.
	SessionLifetime time.Duration `mapstructure:"session_lifetime"`

	// LockedPermissions is the restricted permission set of locked accounts.
	LockedPermissions []string `mapstructure:"locked_permissions"`
}

// DefaultConfig returns the configuration used when no file or environment
// overrides are present.
func DefaultConfig() *Config {
	return &Config{
		Listen:           ":8080",
		RedisAddr:        "localhost:6379",
		CachePrefix:      "pulsar_",
		RateLimitPerKey:  Quota{Requests: 50, Window: time.Minute},
		RateLimitPerUser: Quota{Requests: 90, Window: time.Minute},
		RateLimitAnon:    Quota{Requests: 30, Window: time.Minute},
		APIKeyLifetime:   30 * 24 * time.Hour,
		SessionLifetime:  30 * time.Minute,
	}
}

// LoadConfig reads configuration from path (or ./pulsar.yaml when empty) and
// the PULSAR_ environment, layered over the defaults. A missing file is not
// an error.
func LoadConfig(path string) (*Config, error) {
	def := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("pulsar")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("pulsar")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen", def.Listen)
	v.SetDefault("redis_addr", def.RedisAddr)
	v.SetDefault("cache_prefix", def.CachePrefix)
	v.SetDefault("rate_limit_per_key.requests", def.RateLimitPerKey.Requests)
	v.SetDefault("rate_limit_per_key.window", def.RateLimitPerKey.Window)
	v.SetDefault("rate_limit_per_user.requests", def.RateLimitPerUser.Requests)
	v.SetDefault("rate_limit_per_user.window", def.RateLimitPerUser.Window)
	v.SetDefault("rate_limit_anon.requests", def.RateLimitAnon.Requests)
	v.SetDefault("rate_limit_anon.window", def.RateLimitAnon.Window)
	v.SetDefault("api_key_lifetime", def.APIKeyLifetime)
	v.SetDefault("session_lifetime", def.SessionLifetime)

	if err := v.ReadInConfig(); err != nil {
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !notFound && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
