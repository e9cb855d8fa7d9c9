// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package tickets implements the UMA permission-ticket lifecycle: a
// ticket is created from a validated permission request, lives for a
// configured TTL, and is redeemable at most once.
package tickets

import (
	"context"
	"time"
)

// Line is one (resource set, scopes) entry of a ticket. Its scopes were
// validated against the resource set's declared scopes at creation time
// and are not re-validated at redemption.
type Line struct {
	// ResourceSetID references the requested resource set.
	ResourceSetID string `json:"resource_id"`

	// Scopes is the non-empty set of requested scopes.
	Scopes []string `json:"resource_scopes"`
}

// Ticket represents one pending authorization request for a set of
// resources. A ticket is destroyed either by successful redemption or by
// passive expiry: expiry is checked lazily at read time, never swept by
// this package.
type Ticket struct {
	// ID uniquely identifies the ticket.
	ID string `json:"id"`

	// ClientID is the requesting client, when known at creation.
	ClientID string `json:"client_id,omitempty"`

	// ResourceOwner is the subject owning the requested resources.
	ResourceOwner string `json:"resource_owner,omitempty"`

	// Created is when the ticket was issued (UTC).
	Created time.Time `json:"created"`

	// Expires is Created plus the configured ticket lifetime.
	// Invariant: Expires is strictly after Created.
	Expires time.Time `json:"expires"`

	// Lines is the ordered, non-empty list of requested permissions.
	Lines []Line `json:"lines"`
}

// IsExpired reports whether the ticket is past its lifetime at the given
// instant. A ticket expiring exactly now is expired.
func (t *Ticket) IsExpired(now time.Time) bool {
	return !t.Expires.After(now)
}

// Store is the persistence contract for tickets. Implementations must
// guarantee that for concurrent Remove calls with the same id, exactly
// one caller observes removed == true.
type Store interface {
	// AddTicket persists a ticket. A returned error means the ticket was
	// not stored.
	AddTicket(ctx context.Context, ticket *Ticket) error

	// GetTicket returns the ticket with the given id, or nil when it does
	// not exist.
	GetTicket(ctx context.Context, id string) (*Ticket, error)

	// RemoveTicket deletes the ticket and reports whether it existed.
	RemoveTicket(ctx context.Context, id string) (bool, error)
}
