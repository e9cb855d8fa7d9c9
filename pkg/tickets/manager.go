// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package tickets

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/umad/pkg/oautherr"
	"github.com/stacklok/umad/pkg/resources"
)

// DefaultTicketLifetime is used when the manager is constructed with a
// zero TTL.
const DefaultTicketLifetime = 5 * time.Minute

// PermissionRequest is one requested (resource set, scopes) pair of a
// permission request, as posted to the permission endpoint.
type PermissionRequest struct {
	// ResourceSetID is the id of the resource set access is requested to.
	ResourceSetID string `json:"resource_id"`

	// Scopes are the requested access scopes.
	Scopes []string `json:"resource_scopes"`
}

// Manager creates, redeems, and consumes permission tickets.
type Manager struct {
	resourceStore resources.Store
	ticketStore   Store
	lifetime      time.Duration

	// now and newID are injected for deterministic tests.
	now   func() time.Time
	newID func() string
}

// NewManager creates a ticket manager. lifetime zero means
// DefaultTicketLifetime. Panics on nil stores: those are wiring bugs.
func NewManager(resourceStore resources.Store, ticketStore Store, lifetime time.Duration) *Manager {
	if resourceStore == nil {
		panic("tickets: resource store is required")
	}
	if ticketStore == nil {
		panic("tickets: ticket store is required")
	}
	if lifetime <= 0 {
		lifetime = DefaultTicketLifetime
	}
	return &Manager{
		resourceStore: resourceStore,
		ticketStore:   ticketStore,
		lifetime:      lifetime,
		now:           time.Now,
		newID:         uuid.NewString,
	}
}

// WithClock overrides the time source. Intended for tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// WithIDGenerator overrides the ticket id generator. Intended for tests.
func (m *Manager) WithIDGenerator(newID func() string) *Manager {
	m.newID = newID
	return m
}

// RequestPermission validates the requested permissions and creates one
// ticket covering all of them. Validation failures abort the whole batch
// before anything is persisted; a ticket id is only ever returned for a
// persisted ticket.
func (m *Manager) RequestPermission(ctx context.Context, owner string, requests []PermissionRequest) (string, error) {
	if len(requests) == 0 {
		return "", oautherr.New(oautherr.CodeInvalidRequest, "no permission was requested")
	}

	lines := make([]Line, 0, len(requests))
	var badScopes []string
	for _, req := range requests {
		if req.ResourceSetID == "" {
			return "", oautherr.New(oautherr.CodeInvalidRequest, "the parameter resource_id needs to be specified")
		}
		if len(req.Scopes) == 0 {
			return "", oautherr.New(oautherr.CodeInvalidRequest, "the parameter resource_scopes needs to be specified")
		}

		resourceSet, err := m.resourceStore.GetResourceSet(ctx, owner, req.ResourceSetID)
		if err != nil {
			return "", oautherr.Wrap(oautherr.CodeServerError, "failed to load resource set", err)
		}
		if resourceSet == nil {
			return "", oautherr.Newf(oautherr.CodeInvalidResourceSetID,
				"the resource set %s doesn't exist", req.ResourceSetID)
		}

		for _, scope := range req.Scopes {
			if !resourceSet.HasScope(scope) {
				badScopes = append(badScopes, fmt.Sprintf("%s:%s", req.ResourceSetID, scope))
			}
		}

		lines = append(lines, Line{ResourceSetID: req.ResourceSetID, Scopes: req.Scopes})
	}

	if len(badScopes) > 0 {
		return "", oautherr.Newf(oautherr.CodeInvalidScope,
			"one or more requested scopes are not declared on the resource set: %s",
			strings.Join(badScopes, ", "))
	}

	now := m.now().UTC()
	ticket := &Ticket{
		ID:            m.newID(),
		ResourceOwner: owner,
		Created:       now,
		Expires:       now.Add(m.lifetime),
		Lines:         lines,
	}

	if err := m.ticketStore.AddTicket(ctx, ticket); err != nil {
		return "", oautherr.Wrap(oautherr.CodeServerError, "the ticket cannot be inserted", err)
	}

	return ticket.ID, nil
}

// Redeem loads a ticket for redemption. A missing ticket fails with
// invalid_grant; an expired ticket fails with expired_ticket and is left
// in the store for passive cleanup, so the two cases stay
// distinguishable.
func (m *Manager) Redeem(ctx context.Context, ticketID string) (*Ticket, error) {
	ticket, err := m.ticketStore.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, oautherr.Wrap(oautherr.CodeServerError, "failed to load ticket", err)
	}
	if ticket == nil {
		return nil, oautherr.New(oautherr.CodeInvalidGrant, "the ticket doesn't exist")
	}
	if ticket.IsExpired(m.now().UTC()) {
		return nil, oautherr.New(oautherr.CodeExpiredTicket, "the ticket has expired")
	}
	return ticket, nil
}

// Consume removes a redeemed ticket. Removing an already-removed ticket
// is not an error at this layer; the returned bool reports whether this
// call performed the removal, which redemption uses to arbitrate races.
func (m *Manager) Consume(ctx context.Context, ticketID string) (bool, error) {
	removed, err := m.ticketStore.RemoveTicket(ctx, ticketID)
	if err != nil {
		return false, oautherr.Wrap(oautherr.CodeServerError, "failed to remove ticket", err)
	}
	return removed, nil
}
