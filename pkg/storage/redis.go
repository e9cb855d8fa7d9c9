// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stacklok/umad/pkg/clients"
	"github.com/stacklok/umad/pkg/resources"
	"github.com/stacklok/umad/pkg/tickets"
	"github.com/stacklok/umad/pkg/tokens"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// Key type segments used to namespace Redis keys under the prefix.
const (
	keyTypeClient      = "client"
	keyTypeResourceSet = "resourceset"
	keyTypeTicket      = "ticket"
	keyTypeToken       = "token"
	keyTypeAccessIdx   = "token:access"
	keyTypeRefreshIdx  = "token:refresh"
)

// RedisConfig holds Redis connection configuration for runtime use.
type RedisConfig struct {
	// Addr is the host:port of the Redis server.
	Addr string

	// Username and Password authenticate against Redis ACLs. Both may be
	// empty for unauthenticated deployments.
	Username string
	Password string

	// DB selects the Redis logical database.
	DB int

	// KeyPrefix namespaces all keys, e.g. "umad:prod:".
	KeyPrefix string

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedisStore implements the Store interface with a Redis backend. It
// provides distributed storage for clients, resource sets, permission
// tickets and granted tokens, enabling horizontal scaling.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	retention time.Duration
}

// NewRedisStore creates Redis-backed storage. Returns an error if
// configuration validation fails or the connection cannot be established.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if err := validateRedisConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid redis configuration: %w", err)
	}

	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		// Close the client to prevent a resource leak
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{
		client:    client,
		keyPrefix: cfg.KeyPrefix,
		retention: DefaultExpiredRetention,
	}, nil
}

// NewRedisStoreWithClient creates a RedisStore with a pre-configured
// client. This is useful for testing with miniredis.
func NewRedisStoreWithClient(client redis.UniversalClient, keyPrefix string) *RedisStore {
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		retention: DefaultExpiredRetention,
	}
}

func validateRedisConfig(cfg *RedisConfig) error {
	if cfg.Addr == "" {
		return errors.New("redis address is required")
	}
	if cfg.KeyPrefix == "" {
		return errors.New("key prefix is required")
	}
	return nil
}

// redisKey builds a namespaced key: "<prefix><type>:<id>".
func redisKey(prefix, keyType, id string) string {
	return prefix + keyType + ":" + id
}

// Close closes the Redis client connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Health checks Redis connectivity.
func (s *RedisStore) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// setJSON marshals value and stores it under key with the given TTL.
// A zero TTL stores the key without expiration.
func (s *RedisStore) setJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store record: %w", err)
	}
	return nil
}

// getJSON loads key into out. Returns false when the key does not exist.
func (s *RedisStore) getJSON(ctx context.Context, key string, out any) (bool, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load record: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return true, nil
}

// -----------------------
// clients.Store
// -----------------------

// RegisterClient adds or updates a client registration. Registrations
// do not expire.
func (s *RedisStore) RegisterClient(ctx context.Context, client *clients.Client) error {
	return s.setJSON(ctx, redisKey(s.keyPrefix, keyTypeClient, client.ID), client, 0)
}

// GetClient returns the client with the given id, or nil when no such
// client is registered.
func (s *RedisStore) GetClient(ctx context.Context, id string) (*clients.Client, error) {
	var client clients.Client
	ok, err := s.getJSON(ctx, redisKey(s.keyPrefix, keyTypeClient, id), &client)
	if err != nil || !ok {
		return nil, err
	}
	return &client, nil
}

// -----------------------
// resources.Store
// -----------------------

// RegisterResourceSet adds or updates a resource set registration.
// Registrations do not expire.
func (s *RedisStore) RegisterResourceSet(ctx context.Context, set *resources.ResourceSet) error {
	return s.setJSON(ctx, redisKey(s.keyPrefix, keyTypeResourceSet, set.ID), set, 0)
}

// GetResourceSet returns the resource set with the given id owned by
// owner, or nil when it does not exist. An empty owner matches any.
func (s *RedisStore) GetResourceSet(ctx context.Context, owner, id string) (*resources.ResourceSet, error) {
	var set resources.ResourceSet
	ok, err := s.getJSON(ctx, redisKey(s.keyPrefix, keyTypeResourceSet, id), &set)
	if err != nil || !ok {
		return nil, err
	}
	if owner != "" && set.Owner != owner {
		return nil, nil
	}
	return &set, nil
}

// GetResourceSets returns the resource sets for the given ids. Missing
// ids are omitted from the result.
func (s *RedisStore) GetResourceSets(ctx context.Context, ids []string) ([]*resources.ResourceSet, error) {
	sets := make([]*resources.ResourceSet, 0, len(ids))
	for _, id := range ids {
		set, err := s.GetResourceSet(ctx, "", id)
		if err != nil {
			return nil, err
		}
		if set != nil {
			sets = append(sets, set)
		}
	}
	return sets, nil
}

// -----------------------
// tickets.Store
// -----------------------

// AddTicket persists a permission ticket. The Redis TTL is the ticket's
// expiry plus the retention window so the redemption path can still
// distinguish "expired" from "not found".
func (s *RedisStore) AddTicket(ctx context.Context, ticket *tickets.Ticket) error {
	ttl := time.Until(ticket.Expires.Add(s.retention))
	if ttl <= 0 {
		return nil
	}
	return s.setJSON(ctx, redisKey(s.keyPrefix, keyTypeTicket, ticket.ID), ticket, ttl)
}

// GetTicket returns the ticket with the given id, or nil when it does
// not exist.
func (s *RedisStore) GetTicket(ctx context.Context, id string) (*tickets.Ticket, error) {
	var ticket tickets.Ticket
	ok, err := s.getJSON(ctx, redisKey(s.keyPrefix, keyTypeTicket, id), &ticket)
	if err != nil || !ok {
		return nil, err
	}
	return &ticket, nil
}

// RemoveTicket deletes the ticket and reports whether it existed. DEL is
// atomic in Redis, so for concurrent removals of the same id exactly one
// caller observes a non-zero deletion count.
func (s *RedisStore) RemoveTicket(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Del(ctx, redisKey(s.keyPrefix, keyTypeTicket, id)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to remove ticket: %w", err)
	}
	return n > 0, nil
}

// -----------------------
// tokens.Store
// -----------------------

// AddToken persists a granted token and indexes its access and refresh
// token values for introspection lookup.
func (s *RedisStore) AddToken(ctx context.Context, token *tokens.GrantedToken) error {
	expiry := token.CreateDateTime.Add(time.Duration(token.ExpiresIn) * time.Second)
	ttl := time.Until(expiry.Add(s.retention))
	if ttl <= 0 {
		return nil
	}

	if err := s.setJSON(ctx, redisKey(s.keyPrefix, keyTypeToken, token.ID), token, ttl); err != nil {
		return err
	}
	if err := s.client.Set(ctx, redisKey(s.keyPrefix, keyTypeAccessIdx, token.AccessToken), token.ID, ttl).Err(); err != nil {
		return fmt.Errorf("failed to index access token: %w", err)
	}
	if token.RefreshToken != "" {
		if err := s.client.Set(ctx, redisKey(s.keyPrefix, keyTypeRefreshIdx, token.RefreshToken), token.ID, ttl).Err(); err != nil {
			return fmt.Errorf("failed to index refresh token: %w", err)
		}
	}
	return nil
}

// GetAccessToken returns the granted token whose access token equals
// value, or nil when none exists.
func (s *RedisStore) GetAccessToken(ctx context.Context, value string) (*tokens.GrantedToken, error) {
	return s.lookupToken(ctx, keyTypeAccessIdx, value)
}

// GetRefreshToken returns the granted token whose refresh token equals
// value, or nil when none exists.
func (s *RedisStore) GetRefreshToken(ctx context.Context, value string) (*tokens.GrantedToken, error) {
	return s.lookupToken(ctx, keyTypeRefreshIdx, value)
}

// lookupToken resolves a token value through the given index key type.
func (s *RedisStore) lookupToken(ctx context.Context, idxType, value string) (*tokens.GrantedToken, error) {
	id, err := s.client.Get(ctx, redisKey(s.keyPrefix, idxType, value)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve token index: %w", err)
	}

	var token tokens.GrantedToken
	ok, err := s.getJSON(ctx, redisKey(s.keyPrefix, keyTypeToken, id), &token)
	if err != nil || !ok {
		return nil, err
	}
	return &token, nil
}

// Compile-time interface compliance check
var _ Store = (*RedisStore)(nil)
