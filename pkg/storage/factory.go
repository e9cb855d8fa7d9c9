// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"fmt"
	"time"
)

// Backend identifies a storage backend type.
type Backend string

const (
	// BackendMemory uses in-memory storage (default).
	BackendMemory Backend = "memory"

	// BackendRedis uses Redis for distributed storage.
	BackendRedis Backend = "redis"

	// DefaultRedisKeyPrefix is the default key prefix for Redis storage.
	DefaultRedisKeyPrefix = "umad:"
)

// Config configures the storage backend.
type Config struct {
	// Backend specifies the storage backend type. Defaults to memory.
	Backend Backend

	// CleanupInterval for expired entries (memory backend only).
	CleanupInterval time.Duration

	// Redis holds the connection settings for the redis backend.
	Redis RedisConfig
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Backend:         BackendMemory,
		CleanupInterval: DefaultCleanupInterval,
	}
}

// NewStore creates a Store implementation based on config.
// If config is nil, defaults to in-memory storage.
func NewStore(ctx context.Context, config *Config) (Store, error) {
	if config == nil {
		config = DefaultConfig()
	}

	switch config.Backend {
	case BackendMemory, "":
		opts := []MemoryStoreOption{}
		if config.CleanupInterval > 0 {
			opts = append(opts, WithCleanupInterval(config.CleanupInterval))
		}
		return NewMemoryStore(opts...), nil

	case BackendRedis:
		cfg := config.Redis
		if cfg.KeyPrefix == "" {
			cfg.KeyPrefix = DefaultRedisKeyPrefix
		}
		return NewRedisStore(ctx, cfg)

	default:
		return nil, fmt.Errorf("unknown storage backend: %s", config.Backend)
	}
}
