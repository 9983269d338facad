package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/manenim/budgeteer/pkg/budgeteer"
)

// Store kinds understood by OpenStore.
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Config holds the settings of the budgeteer command.
type Config struct {
	LogLevel string                      `yaml:"log_level"`
	Listen   string                      `yaml:"listen"`
	Store    StoreConfig                 `yaml:"store"`
	Policies map[string]budgeteer.Policy `yaml:"policies"`
}

// StoreConfig selects and configures the backend.
type StoreConfig struct {
	Kind     string         `yaml:"kind"`
	Redis    RedisConfig    `yaml:"redis"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
	Breaker  BreakerConfig  `yaml:"breaker"`
}

// RedisConfig needs either Addr (host:port) or Path (unix socket).
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Path     string        `yaml:"path"`
	DB       int           `yaml:"db"`
	Password string        `yaml:"password"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
	Timeout  time.Duration `yaml:"timeout"`
}

// SQLiteConfig configures the embedded store.
type SQLiteConfig struct {
	Path string        `yaml:"path"`
	TTL  time.Duration `yaml:"ttl"`
}

// PostgresConfig configures the shared SQL store.
type PostgresConfig struct {
	DSN string        `yaml:"dsn"`
	TTL time.Duration `yaml:"ttl"`
}

// BreakerConfig wraps the store in a circuit breaker when Enabled.
type BreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	OpenTimeout time.Duration `yaml:"open_timeout"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Listen:   ":8080",
		Store: StoreConfig{
			Kind: StoreMemory,
			Redis: RedisConfig{
				Addr:    "localhost:6379",
				Prefix:  budgeteer.DefaultRedisPrefix,
				TTL:     budgeteer.DefaultRedisTTL,
				Timeout: budgeteer.DefaultRedisTimeout,
			},
			SQLite: SQLiteConfig{
				Path: "budgeteer.db",
				TTL:  budgeteer.DefaultRedisTTL,
			},
			Postgres: PostgresConfig{
				TTL: budgeteer.DefaultRedisTTL,
			},
			Breaker: BreakerConfig{
				MaxFailures: 5,
				OpenTimeout: 30 * time.Second,
			},
		},
		Policies: map[string]budgeteer.Policy{},
	}
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of Default and validates the result.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the store kind and every named policy.
func (c *Config) Validate() error {
	switch c.Store.Kind {
	case StoreMemory, StoreRedis, StoreSQLite, StorePostgres:
	default:
		return fmt.Errorf("%w: %q", budgeteer.ErrUnknownStore, c.Store.Kind)
	}
	for _, name := range c.PolicyNames() {
		if err := c.Policies[name].Validate(); err != nil {
			return fmt.Errorf("policy %q: %w", name, err)
		}
	}
	return nil
}

// Policy looks up a named policy.
func (c *Config) Policy(name string) (budgeteer.Policy, error) {
	p, ok := c.Policies[name]
	if !ok {
		return budgeteer.Policy{}, fmt.Errorf("%w: no policy named %q", budgeteer.ErrInvalidPolicy, name)
	}
	return p, nil
}

// PolicyNames returns the configured policy names in sorted order.
func (c *Config) PolicyNames() []string {
	names := make([]string, 0, len(c.Policies))
	for name := range c.Policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
