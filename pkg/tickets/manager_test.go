// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package tickets

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/umad/pkg/oautherr"
	"github.com/stacklok/umad/pkg/resources"
)

// fakeResourceStore serves resource sets from a map.
type fakeResourceStore struct {
	sets map[string]*resources.ResourceSet
	err  error
}

func (s *fakeResourceStore) GetResourceSet(_ context.Context, _, id string) (*resources.ResourceSet, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.sets[id], nil
}

func (s *fakeResourceStore) GetResourceSets(_ context.Context, ids []string) ([]*resources.ResourceSet, error) {
	var out []*resources.ResourceSet
	for _, id := range ids {
		if set, ok := s.sets[id]; ok {
			out = append(out, set)
		}
	}
	return out, nil
}

// fakeTicketStore is an in-memory ticket store.
type fakeTicketStore struct {
	mu      sync.Mutex
	tickets map[string]*Ticket
	addErr  error
}

func newFakeTicketStore() *fakeTicketStore {
	return &fakeTicketStore{tickets: make(map[string]*Ticket)}
}

func (s *fakeTicketStore) AddTicket(_ context.Context, ticket *Ticket) error {
	if s.addErr != nil {
		return s.addErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickets[ticket.ID] = ticket
	return nil
}

func (s *fakeTicketStore) GetTicket(_ context.Context, id string) (*Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tickets[id], nil
}

func (s *fakeTicketStore) RemoveTicket(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tickets[id]; !ok {
		return false, nil
	}
	delete(s.tickets, id)
	return true, nil
}

func testResourceStore() *fakeResourceStore {
	return &fakeResourceStore{sets: map[string]*resources.ResourceSet{
		"r1": {ID: "r1", Name: "photos", Owner: "alice", Scopes: []string{"read", "write"}},
		"r2": {ID: "r2", Name: "albums", Owner: "alice", Scopes: []string{"read"}},
	}}
}

func frozenClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestRequestPermission(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("creates a ticket covering all requests", func(t *testing.T) {
		t.Parallel()
		store := newFakeTicketStore()
		m := NewManager(testResourceStore(), store, 5*time.Minute).
			WithClock(frozenClock(now)).
			WithIDGenerator(func() string { return "ticket-1" })

		id, err := m.RequestPermission(context.Background(), "alice", []PermissionRequest{
			{ResourceSetID: "r1", Scopes: []string{"read", "write"}},
			{ResourceSetID: "r2", Scopes: []string{"read"}},
		})
		require.NoError(t, err)
		assert.Equal(t, "ticket-1", id)

		ticket, err := store.GetTicket(context.Background(), id)
		require.NoError(t, err)
		require.NotNil(t, ticket)
		assert.Equal(t, "alice", ticket.ResourceOwner)
		assert.Equal(t, now, ticket.Created)
		assert.Equal(t, now.Add(5*time.Minute), ticket.Expires)
		require.Len(t, ticket.Lines, 2)
		assert.Equal(t, "r1", ticket.Lines[0].ResourceSetID)
		assert.Equal(t, []string{"read", "write"}, ticket.Lines[0].Scopes)
	})

	t.Run("empty batch is rejected", func(t *testing.T) {
		t.Parallel()
		m := NewManager(testResourceStore(), newFakeTicketStore(), 0)

		_, err := m.RequestPermission(context.Background(), "alice", nil)
		assert.Equal(t, oautherr.CodeInvalidRequest, oautherr.CodeOf(err))
	})

	t.Run("missing resource id is rejected", func(t *testing.T) {
		t.Parallel()
		m := NewManager(testResourceStore(), newFakeTicketStore(), 0)

		_, err := m.RequestPermission(context.Background(), "alice", []PermissionRequest{
			{Scopes: []string{"read"}},
		})
		require.Error(t, err)
		assert.Equal(t, oautherr.CodeInvalidRequest, oautherr.CodeOf(err))
		assert.Contains(t, err.Error(), "resource_id")
	})

	t.Run("missing scopes are rejected", func(t *testing.T) {
		t.Parallel()
		m := NewManager(testResourceStore(), newFakeTicketStore(), 0)

		_, err := m.RequestPermission(context.Background(), "alice", []PermissionRequest{
			{ResourceSetID: "r1"},
		})
		require.Error(t, err)
		assert.Equal(t, oautherr.CodeInvalidRequest, oautherr.CodeOf(err))
	})

	t.Run("unknown resource set is rejected", func(t *testing.T) {
		t.Parallel()
		m := NewManager(testResourceStore(), newFakeTicketStore(), 0)

		_, err := m.RequestPermission(context.Background(), "alice", []PermissionRequest{
			{ResourceSetID: "nope", Scopes: []string{"read"}},
		})
		require.Error(t, err)
		assert.Equal(t, oautherr.CodeInvalidResourceSetID, oautherr.CodeOf(err))
		assert.Contains(t, err.Error(), "nope")
	})

	t.Run("undeclared scopes abort the whole batch", func(t *testing.T) {
		t.Parallel()
		store := newFakeTicketStore()
		m := NewManager(testResourceStore(), store, 0)

		// r1 declares write, r2 does not; both offending pairs are reported.
		_, err := m.RequestPermission(context.Background(), "alice", []PermissionRequest{
			{ResourceSetID: "r1", Scopes: []string{"delete"}},
			{ResourceSetID: "r2", Scopes: []string{"write"}},
		})
		require.Error(t, err)
		assert.Equal(t, oautherr.CodeInvalidScope, oautherr.CodeOf(err))
		assert.Contains(t, err.Error(), "r1:delete")
		assert.Contains(t, err.Error(), "r2:write")

		// Nothing was persisted.
		assert.Empty(t, store.tickets)
	})

	t.Run("store failure surfaces as server error", func(t *testing.T) {
		t.Parallel()
		store := newFakeTicketStore()
		store.addErr = errors.New("boom")
		m := NewManager(testResourceStore(), store, 0)

		_, err := m.RequestPermission(context.Background(), "alice", []PermissionRequest{
			{ResourceSetID: "r1", Scopes: []string{"read"}},
		})
		assert.Equal(t, oautherr.CodeServerError, oautherr.CodeOf(err))
	})
}

func TestRedeem(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("missing ticket fails with invalid_grant", func(t *testing.T) {
		t.Parallel()
		m := NewManager(testResourceStore(), newFakeTicketStore(), 0)

		_, err := m.Redeem(context.Background(), "missing")
		assert.Equal(t, oautherr.CodeInvalidGrant, oautherr.CodeOf(err))
	})

	t.Run("expired ticket fails and is not consumed", func(t *testing.T) {
		t.Parallel()
		store := newFakeTicketStore()
		m := NewManager(testResourceStore(), store, 5*time.Minute).
			WithClock(frozenClock(now)).
			WithIDGenerator(func() string { return "ticket-1" })

		id, err := m.RequestPermission(context.Background(), "alice", []PermissionRequest{
			{ResourceSetID: "r1", Scopes: []string{"read"}},
		})
		require.NoError(t, err)

		// Advance past the ticket's expiry.
		m.WithClock(frozenClock(now.Add(6 * time.Minute)))

		_, err = m.Redeem(context.Background(), id)
		assert.Equal(t, oautherr.CodeExpiredTicket, oautherr.CodeOf(err))

		// The ticket is left for passive cleanup.
		ticket, err := store.GetTicket(context.Background(), id)
		require.NoError(t, err)
		assert.NotNil(t, ticket)
	})

	t.Run("expiry boundary is inclusive", func(t *testing.T) {
		t.Parallel()
		store := newFakeTicketStore()
		m := NewManager(testResourceStore(), store, 5*time.Minute).
			WithClock(frozenClock(now))

		id, err := m.RequestPermission(context.Background(), "alice", []PermissionRequest{
			{ResourceSetID: "r1", Scopes: []string{"read"}},
		})
		require.NoError(t, err)

		// At exactly Expires the ticket is no longer redeemable.
		m.WithClock(frozenClock(now.Add(5 * time.Minute)))
		_, err = m.Redeem(context.Background(), id)
		assert.Equal(t, oautherr.CodeExpiredTicket, oautherr.CodeOf(err))
	})

	t.Run("valid ticket is returned", func(t *testing.T) {
		t.Parallel()
		m := NewManager(testResourceStore(), newFakeTicketStore(), 5*time.Minute).
			WithClock(frozenClock(now))

		id, err := m.RequestPermission(context.Background(), "alice", []PermissionRequest{
			{ResourceSetID: "r1", Scopes: []string{"read"}},
		})
		require.NoError(t, err)

		ticket, err := m.Redeem(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, id, ticket.ID)
	})
}

func TestConsume(t *testing.T) {
	t.Parallel()

	store := newFakeTicketStore()
	m := NewManager(testResourceStore(), store, 5*time.Minute)

	id, err := m.RequestPermission(context.Background(), "alice", []PermissionRequest{
		{ResourceSetID: "r1", Scopes: []string{"read"}},
	})
	require.NoError(t, err)

	removed, err := m.Consume(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, removed)

	// Consuming again is not an error, but reports no removal.
	removed, err = m.Consume(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, removed)
}
