// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package resources defines the UMA resource-set model: a named, scoped
// protectable resource registered by an owner.
package resources

import (
	"context"
	"slices"
)

// ResourceSet is a protectable resource with its declared scopes.
type ResourceSet struct {
	// ID uniquely identifies the resource set.
	ID string `json:"_id"`

	// Name is the human-readable resource name.
	Name string `json:"name"`

	// Owner is the resource owner's subject identifier.
	Owner string `json:"owner"`

	// Scopes are the access scopes the owner declared for this resource.
	// A permission ticket may only request scopes from this set.
	Scopes []string `json:"scopes"`
}

// HasScope reports whether scope is declared on the resource set.
func (r *ResourceSet) HasScope(scope string) bool {
	return slices.Contains(r.Scopes, scope)
}

// Store resolves registered resource sets.
type Store interface {
	// GetResourceSet returns the resource set with the given id owned by
	// owner, or nil when it does not exist. An empty owner matches any.
	GetResourceSet(ctx context.Context, owner, id string) (*ResourceSet, error)

	// GetResourceSets returns the resource sets for the given ids. Missing
	// ids are omitted from the result.
	GetResourceSets(ctx context.Context, ids []string) ([]*ResourceSet, error)
}
