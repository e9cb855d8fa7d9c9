// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package storage provides the persistence backends for the authorization
// server: clients, resource sets, permission tickets and granted tokens.
package storage

import (
	"context"
	"time"

	"github.com/stacklok/umad/pkg/clients"
	"github.com/stacklok/umad/pkg/resources"
	"github.com/stacklok/umad/pkg/tickets"
	"github.com/stacklok/umad/pkg/tokens"
)

// Default TTL and housekeeping values.
const (
	// DefaultCleanupInterval is how often the in-memory backend sweeps
	// expired entries.
	DefaultCleanupInterval = 1 * time.Minute

	// DefaultExpiredRetention is how long expired tickets and tokens are
	// kept around after their expiry. Keeping them lets the redemption
	// path distinguish "expired" from "never existed" and lets
	// introspection report active=false instead of a miss.
	DefaultExpiredRetention = 30 * time.Minute
)

// Store is the full persistence contract for the authorization server.
// It composes the per-domain store interfaces so a single backend can be
// handed to every component.
type Store interface {
	clients.Store
	resources.Store
	tickets.Store
	tokens.Store

	// RegisterClient adds or updates a client registration.
	RegisterClient(ctx context.Context, client *clients.Client) error

	// RegisterResourceSet adds or updates a resource set registration.
	RegisterResourceSet(ctx context.Context, set *resources.ResourceSet) error

	// Health reports whether the backend is reachable.
	Health(ctx context.Context) error

	// Close releases the backend's resources.
	Close() error
}
