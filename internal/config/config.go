// Package config provides configuration management for strata using Viper
// for loading from files, environment variables, and command-line flags.
//
// Values come from .strata.yml (or the file named by STRATA_CONFIG_FILE),
// overridden by STRATA_<SECTION>_<KEY> environment variables and by flags bound
// in cmd. Load applies defaults for every key and validates the result before
// any component is built from it.
package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/conneroisu/strata/internal/errors"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Compile CompileConfig `mapstructure:"compile" yaml:"compile"`
	Cache   CacheConfig   `mapstructure:"cache" yaml:"cache"`
	Store   StoreConfig   `mapstructure:"store" yaml:"store"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
}

type ServerConfig struct {
	Host           string          `mapstructure:"host" yaml:"host"`
	Port           int             `mapstructure:"port" yaml:"port"`
	AllowedOrigins []string        `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	APIToken       string          `mapstructure:"api_token" yaml:"api_token"`
	RateLimit      RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`
}

type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled" yaml:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	Burst             int  `mapstructure:"burst" yaml:"burst"`
}

type CompileConfig struct {
	SourceDir     string              `mapstructure:"source_dir" yaml:"source_dir"`
	OutputDir     string              `mapstructure:"output_dir" yaml:"output_dir"`
	Extension     string              `mapstructure:"extension" yaml:"extension"`
	Reserved      []string            `mapstructure:"reserved" yaml:"reserved"`
	Cooldown      time.Duration       `mapstructure:"cooldown" yaml:"cooldown"`
	Timeout       time.Duration       `mapstructure:"timeout" yaml:"timeout"`
	Workers       int                 `mapstructure:"workers" yaml:"workers"`
	MemoEntries   int                 `mapstructure:"memo_entries" yaml:"memo_entries"`
	PruneStale    bool                `mapstructure:"prune_stale" yaml:"prune_stale"`
	RuntimeImport RuntimeImportConfig `mapstructure:"runtime_import" yaml:"runtime_import"`
	Watch         bool                `mapstructure:"watch" yaml:"watch"`
	Debounce      time.Duration       `mapstructure:"debounce" yaml:"debounce"`
	Interval      time.Duration       `mapstructure:"interval" yaml:"interval"`
}

// RuntimeImportConfig names the import the runtime provides as a global.
type RuntimeImportConfig struct {
	Module     string `mapstructure:"module" yaml:"module"`
	Identifier string `mapstructure:"identifier" yaml:"identifier"`
	Global     string `mapstructure:"global" yaml:"global"`
}

type CacheConfig struct {
	TTL           time.Duration `mapstructure:"ttl" yaml:"ttl"`
	MemoryEntries int           `mapstructure:"memory_entries" yaml:"memory_entries"`
	Redis         RedisConfig   `mapstructure:"redis" yaml:"redis"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
}

type StoreConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// DefaultReserved are base names that live next to collections but are not
// collections themselves.
var DefaultReserved = []string{"index", "types", "categories", "manager"}

// SetDefaults registers the default for every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.api_token", "")
	v.SetDefault("server.rate_limit.enabled", true)
	v.SetDefault("server.rate_limit.requests_per_minute", 600)
	v.SetDefault("server.rate_limit.burst", 60)

	v.SetDefault("compile.source_dir", "./collections")
	v.SetDefault("compile.output_dir", "./.strata/compiled")
	v.SetDefault("compile.extension", ".ts")
	v.SetDefault("compile.reserved", DefaultReserved)
	v.SetDefault("compile.cooldown", 60*time.Second)
	v.SetDefault("compile.timeout", 2*time.Minute)
	v.SetDefault("compile.workers", runtime.NumCPU())
	v.SetDefault("compile.memo_entries", 512)
	v.SetDefault("compile.prune_stale", true)
	v.SetDefault("compile.runtime_import.module", "zod")
	v.SetDefault("compile.runtime_import.identifier", "z")
	v.SetDefault("compile.runtime_import.global", "globalThis.z")
	v.SetDefault("compile.watch", true)
	v.SetDefault("compile.debounce", 300*time.Millisecond)
	v.SetDefault("compile.interval", time.Duration(0))

	v.SetDefault("cache.ttl", 300*time.Second)
	v.SetDefault("cache.memory_entries", 1024)
	v.SetDefault("cache.redis.enabled", false)
	v.SetDefault("cache.redis.addr", "localhost:6379")
	v.SetDefault("cache.redis.password", "")
	v.SetDefault("cache.redis.db", 0)

	v.SetDefault("store.path", "./.strata/strata.db")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads the configuration from the global viper instance.
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom reads, defaults and validates the configuration held by v.
func LoadFrom(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, errors.ErrCodeConfigInvalid, "decoding configuration failed")
	}

	if !strings.HasPrefix(config.Compile.Extension, ".") {
		config.Compile.Extension = "." + config.Compile.Extension
	}
	if config.Compile.Workers <= 0 {
		config.Compile.Workers = runtime.NumCPU()
	}

	result := ValidateConfigWithDetails(&config)
	if result.HasErrors() {
		return nil, errors.NewConfigError(errors.ErrCodeConfigInvalid,
			fmt.Sprintf("invalid configuration: %s", result.Errors[0].Error())).
			WithContext("errors", len(result.Errors))
	}

	return &config, nil
}

// Addr returns the host:port the HTTP server listens on.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
