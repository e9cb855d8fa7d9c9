// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config loads and validates the authorization server
// configuration from a config file and environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/stacklok/umad/pkg/storage"
	"github.com/stacklok/umad/pkg/tickets"
	"github.com/stacklok/umad/pkg/tokens"
)

// EnvPrefix is the prefix for environment variable overrides, e.g.
// UMAD_ISSUER overrides the issuer key.
const EnvPrefix = "UMAD"

// DefaultListenAddr is the default HTTP listen address.
const DefaultListenAddr = ":8080"

// Config is the fully resolved configuration for the server. All values
// are plain data; no file paths remain to be resolved at use time except
// the key and seed files, which their consumers read on startup.
type Config struct {
	// Issuer is the issuer identifier for this authorization server. It
	// is included in the "iss" claim of issued tokens and is the
	// expected audience of client assertions.
	Issuer string `mapstructure:"issuer"`

	// ListenAddr is the HTTP listen address, e.g. ":8080".
	ListenAddr string `mapstructure:"listen_addr"`

	// Debug enables debug-level logging.
	Debug bool `mapstructure:"debug"`

	// TicketLifetime is the permission ticket TTL. Defaults to 5 minutes.
	TicketLifetime time.Duration `mapstructure:"ticket_lifetime"`

	// RPTLifetime is the granted token lifetime. Defaults to 30 minutes.
	RPTLifetime time.Duration `mapstructure:"rpt_lifetime"`

	// Storage selects and configures the persistence backend.
	Storage StorageConfig `mapstructure:"storage"`

	// Keys configures the signing key material.
	Keys KeysConfig `mapstructure:"keys"`

	// Authorizer points at the authorization gate configuration.
	Authorizer AuthorizerConfig `mapstructure:"authorizer"`

	// Seed points at the registration seed files loaded on startup.
	Seed SeedConfig `mapstructure:"seed"`

	// Audit configures the audit event publisher.
	Audit AuditConfig `mapstructure:"audit"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	// Backend is "memory" or "redis". Defaults to memory.
	Backend string `mapstructure:"backend"`

	// CleanupInterval for expired entries (memory backend only).
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`

	// Redis holds the connection settings for the redis backend.
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig holds redis connection settings.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// KeysConfig configures the signing key material. When SigningKeyFile is
// empty an ephemeral key is generated on startup.
type KeysConfig struct {
	// SigningKeyFile is the PEM file holding the active signing key.
	SigningKeyFile string `mapstructure:"signing_key_file"`

	// FallbackKeyFiles are PEM files of retired keys still published in
	// the JWKS for verification of outstanding tokens.
	FallbackKeyFiles []string `mapstructure:"fallback_key_files"`
}

// AuthorizerConfig points at the authorization gate configuration.
type AuthorizerConfig struct {
	// ConfigFile is a JSON file holding the gate configuration envelope
	// (type plus type-specific settings).
	ConfigFile string `mapstructure:"config_file"`
}

// SeedConfig points at the registration seed files.
type SeedConfig struct {
	// ClientsFile is a JSON file of pre-registered clients.
	ClientsFile string `mapstructure:"clients_file"`

	// ResourceSetsFile is a JSON file of pre-registered resource sets.
	ResourceSetsFile string `mapstructure:"resource_sets_file"`
}

// AuditConfig configures the audit event publisher.
type AuditConfig struct {
	// Enabled turns audit event publishing on.
	Enabled bool `mapstructure:"enabled"`

	// QueueSize is the publisher's queue capacity. Zero uses the default.
	QueueSize int `mapstructure:"queue_size"`
}

// setDefaults registers the default values on a viper instance.
func setDefaults(v *viper.Viper) {
	// An empty default registers the key so the UMAD_ISSUER environment
	// override reaches Unmarshal.
	v.SetDefault("issuer", "")
	v.SetDefault("listen_addr", DefaultListenAddr)
	v.SetDefault("ticket_lifetime", tickets.DefaultTicketLifetime)
	v.SetDefault("rpt_lifetime", tokens.DefaultRPTLifetime)
	v.SetDefault("storage.backend", string(storage.BackendMemory))
	v.SetDefault("storage.cleanup_interval", storage.DefaultCleanupInterval)
	v.SetDefault("storage.redis.key_prefix", storage.DefaultRedisKeyPrefix)
	v.SetDefault("audit.enabled", true)
}

// Load reads the configuration from the given file path, applying
// defaults and UMAD_* environment variable overrides. An empty path
// loads defaults and environment only.
func Load(path string) (*Config, error) {
	return load(viper.New(), path)
}

// LoadFromViper reads the configuration from an existing viper instance,
// typically the one cobra flags are bound to.
func LoadFromViper(v *viper.Viper) (*Config, error) {
	return load(v, v.ConfigFileUsed())
}

func load(v *viper.Viper, path string) (*Config, error) {
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if c.TicketLifetime <= 0 {
		return fmt.Errorf("ticket_lifetime must be positive")
	}
	if c.RPTLifetime <= 0 {
		return fmt.Errorf("rpt_lifetime must be positive")
	}

	switch storage.Backend(c.Storage.Backend) {
	case storage.BackendMemory, "":
	case storage.BackendRedis:
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("storage.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown storage backend: %s", c.Storage.Backend)
	}

	return nil
}

// StoreConfig converts the storage section into the storage package's
// config type.
func (c *Config) StoreConfig() *storage.Config {
	return &storage.Config{
		Backend:         storage.Backend(c.Storage.Backend),
		CleanupInterval: c.Storage.CleanupInterval,
		Redis: storage.RedisConfig{
			Addr:      c.Storage.Redis.Addr,
			Username:  c.Storage.Redis.Username,
			Password:  c.Storage.Redis.Password,
			DB:        c.Storage.Redis.DB,
			KeyPrefix: c.Storage.Redis.KeyPrefix,
		},
	}
}
