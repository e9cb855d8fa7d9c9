// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/stacklok/umad/pkg/clients"
	"github.com/stacklok/umad/pkg/resources"
	"github.com/stacklok/umad/pkg/tickets"
	"github.com/stacklok/umad/pkg/tokens"
)

// timedEntry wraps a value with its creation time for TTL tracking.
type timedEntry[T any] struct {
	value     T
	createdAt time.Time
	expiresAt time.Time
}

// MemoryStore implements the Store interface with in-memory maps.
// This implementation is thread-safe and suitable for development and
// single-instance deployments. For horizontal scaling use RedisStore.
type MemoryStore struct {
	mu sync.RWMutex

	// clientRegs maps client_id -> Client. Registrations have no TTL.
	clientRegs map[string]*clients.Client

	// resourceSets maps resource set ID -> ResourceSet. No TTL.
	resourceSets map[string]*resources.ResourceSet

	// permTickets maps ticket ID -> ticket. Entries outlive the ticket's
	// own expiry by the retention window so redemption can report
	// "expired" rather than "not found".
	permTickets map[string]*timedEntry[*tickets.Ticket]

	// grantedTokens maps token ID -> granted token, with the access and
	// refresh indexes mapping token values back to IDs for O(1)
	// introspection lookup.
	grantedTokens map[string]*timedEntry[*tokens.GrantedToken]
	accessIndex   map[string]string
	refreshIndex  map[string]string

	// cleanupInterval is how often the background cleanup runs.
	cleanupInterval time.Duration

	// retention is how long expired tickets and tokens stay readable.
	retention time.Duration

	// stopCleanup signals the cleanup goroutine to stop; cleanupDone is
	// closed when it has fully stopped.
	stopCleanup chan struct{}
	cleanupDone chan struct{}
}

// MemoryStoreOption configures a MemoryStore instance.
type MemoryStoreOption func(*MemoryStore)

// WithCleanupInterval sets a custom cleanup interval.
func WithCleanupInterval(interval time.Duration) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.cleanupInterval = interval
	}
}

// WithExpiredRetention sets how long expired tickets and tokens remain
// readable after their expiry.
func WithExpiredRetention(retention time.Duration) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.retention = retention
	}
}

// NewMemoryStore creates a new MemoryStore with initialized maps and
// starts the background cleanup goroutine.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		clientRegs:      make(map[string]*clients.Client),
		resourceSets:    make(map[string]*resources.ResourceSet),
		permTickets:     make(map[string]*timedEntry[*tickets.Ticket]),
		grantedTokens:   make(map[string]*timedEntry[*tokens.GrantedToken]),
		accessIndex:     make(map[string]string),
		refreshIndex:    make(map[string]string),
		cleanupInterval: DefaultCleanupInterval,
		retention:       DefaultExpiredRetention,
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	go s.cleanupLoop()

	return s
}

// Health is a no-op for in-memory storage since it is always available.
func (*MemoryStore) Health(_ context.Context) error {
	return nil
}

// Close stops the background cleanup goroutine and waits for it to finish.
func (s *MemoryStore) Close() error {
	close(s.stopCleanup)
	<-s.cleanupDone
	return nil
}

// cleanupLoop runs periodic cleanup of expired entries.
func (s *MemoryStore) cleanupLoop() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanupExpired()
		}
	}
}

// cleanupExpired removes entries past their retention window. Expired keys
// are collected under the read lock and deleted under the write lock to
// keep write lock hold time short.
func (s *MemoryStore) cleanupExpired() {
	now := time.Now()

	s.mu.RLock()

	var staleTickets []string
	for k, v := range s.permTickets {
		if now.After(v.expiresAt) {
			staleTickets = append(staleTickets, k)
		}
	}

	var staleTokens []string
	for k, v := range s.grantedTokens {
		if now.After(v.expiresAt) {
			staleTokens = append(staleTokens, k)
		}
	}

	s.mu.RUnlock()

	if len(staleTickets) == 0 && len(staleTokens) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range staleTickets {
		delete(s.permTickets, k)
	}

	for _, k := range staleTokens {
		entry, ok := s.grantedTokens[k]
		if !ok {
			continue
		}
		delete(s.accessIndex, entry.value.AccessToken)
		if entry.value.RefreshToken != "" {
			delete(s.refreshIndex, entry.value.RefreshToken)
		}
		delete(s.grantedTokens, k)
	}
}

// -----------------------
// clients.Store
// -----------------------

// RegisterClient adds or updates a client registration.
func (s *MemoryStore) RegisterClient(_ context.Context, client *clients.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *client
	c.Secrets = slices.Clone(client.Secrets)
	c.GrantTypes = slices.Clone(client.GrantTypes)
	s.clientRegs[client.ID] = &c
	return nil
}

// GetClient returns the client with the given id, or nil when no such
// client is registered.
func (s *MemoryStore) GetClient(_ context.Context, id string) (*clients.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clientRegs[id]
	if !ok {
		return nil, nil
	}

	c := *client
	c.Secrets = slices.Clone(client.Secrets)
	c.GrantTypes = slices.Clone(client.GrantTypes)
	return &c, nil
}

// -----------------------
// resources.Store
// -----------------------

// RegisterResourceSet adds or updates a resource set registration.
func (s *MemoryStore) RegisterResourceSet(_ context.Context, set *resources.ResourceSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := *set
	r.Scopes = slices.Clone(set.Scopes)
	s.resourceSets[set.ID] = &r
	return nil
}

// GetResourceSet returns the resource set with the given id owned by
// owner, or nil when it does not exist. An empty owner matches any.
func (s *MemoryStore) GetResourceSet(_ context.Context, owner, id string) (*resources.ResourceSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set, ok := s.resourceSets[id]
	if !ok {
		return nil, nil
	}
	if owner != "" && set.Owner != owner {
		return nil, nil
	}

	r := *set
	r.Scopes = slices.Clone(set.Scopes)
	return &r, nil
}

// GetResourceSets returns the resource sets for the given ids. Missing
// ids are omitted from the result.
func (s *MemoryStore) GetResourceSets(_ context.Context, ids []string) ([]*resources.ResourceSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sets := make([]*resources.ResourceSet, 0, len(ids))
	for _, id := range ids {
		set, ok := s.resourceSets[id]
		if !ok {
			continue
		}
		r := *set
		r.Scopes = slices.Clone(set.Scopes)
		sets = append(sets, &r)
	}
	return sets, nil
}

// -----------------------
// tickets.Store
// -----------------------

// AddTicket persists a permission ticket.
func (s *MemoryStore) AddTicket(_ context.Context, ticket *tickets.Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := *ticket
	t.Lines = slices.Clone(ticket.Lines)

	s.permTickets[ticket.ID] = &timedEntry[*tickets.Ticket]{
		value:     &t,
		createdAt: ticket.Created,
		expiresAt: ticket.Expires.Add(s.retention),
	}
	return nil
}

// GetTicket returns the ticket with the given id, or nil when it does
// not exist.
func (s *MemoryStore) GetTicket(_ context.Context, id string) (*tickets.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.permTickets[id]
	if !ok {
		return nil, nil
	}

	t := *entry.value
	t.Lines = slices.Clone(entry.value.Lines)
	return &t, nil
}

// RemoveTicket deletes the ticket and reports whether it existed. The
// check and delete run under a single write lock, so for concurrent
// removals of the same id exactly one caller observes true.
func (s *MemoryStore) RemoveTicket(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.permTickets[id]; !ok {
		return false, nil
	}
	delete(s.permTickets, id)
	return true, nil
}

// -----------------------
// tokens.Store
// -----------------------

// AddToken persists a granted token and indexes its access and refresh
// token values.
func (s *MemoryStore) AddToken(_ context.Context, token *tokens.GrantedToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := *token
	expiry := token.CreateDateTime.Add(time.Duration(token.ExpiresIn) * time.Second)

	s.grantedTokens[token.ID] = &timedEntry[*tokens.GrantedToken]{
		value:     &t,
		createdAt: token.CreateDateTime,
		expiresAt: expiry.Add(s.retention),
	}
	s.accessIndex[token.AccessToken] = token.ID
	if token.RefreshToken != "" {
		s.refreshIndex[token.RefreshToken] = token.ID
	}
	return nil
}

// GetAccessToken returns the granted token whose access token equals
// value, or nil when none exists.
func (s *MemoryStore) GetAccessToken(_ context.Context, value string) (*tokens.GrantedToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lookupToken(s.accessIndex, value), nil
}

// GetRefreshToken returns the granted token whose refresh token equals
// value, or nil when none exists.
func (s *MemoryStore) GetRefreshToken(_ context.Context, value string) (*tokens.GrantedToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lookupToken(s.refreshIndex, value), nil
}

// lookupToken resolves a token value through the given index. Callers
// must hold at least the read lock.
func (s *MemoryStore) lookupToken(index map[string]string, value string) *tokens.GrantedToken {
	id, ok := index[value]
	if !ok {
		return nil
	}
	entry, ok := s.grantedTokens[id]
	if !ok {
		return nil
	}

	t := *entry.value
	return &t
}

// -----------------------
// Metrics/Stats (for testing and monitoring)
// -----------------------

// Stats contains statistics about the store contents.
type Stats struct {
	Clients      int
	ResourceSets int
	Tickets      int
	Tokens       int
}

// Stats returns current statistics about store contents.
func (s *MemoryStore) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Stats{
		Clients:      len(s.clientRegs),
		ResourceSets: len(s.resourceSets),
		Tickets:      len(s.permTickets),
		Tokens:       len(s.grantedTokens),
	}
}

// Compile-time interface compliance check
var _ Store = (*MemoryStore)(nil)
