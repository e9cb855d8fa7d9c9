// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package tokens mints requesting-party tokens (RPTs) after a successful
// ticket redemption and evaluates issued tokens for introspection.
package tokens

import (
	"context"
	"time"
)

// TokenTypeBearer is the token_type of every token this server issues.
const TokenTypeBearer = "Bearer"

// ScopeOffline is the scope that, when requested, causes a refresh token
// to be issued alongside the access token.
const ScopeOffline = "offline"

// GrantedToken is the result of a token issuance.
type GrantedToken struct {
	// ID uniquely identifies the grant (also the JWT's jti).
	ID string `json:"id"`

	// AccessToken is the signed JWT in compact serialization.
	AccessToken string `json:"access_token"`

	// RefreshToken is an opaque id, present only when the offline scope
	// was requested.
	RefreshToken string `json:"refresh_token,omitempty"`

	// ExpiresIn is the token lifetime in seconds.
	ExpiresIn int64 `json:"expires_in"`

	// TokenType is always "Bearer".
	TokenType string `json:"token_type"`

	// CreateDateTime is when the token was minted (UTC).
	CreateDateTime time.Time `json:"create_date_time"`

	// Scope is the space-separated granted scope.
	Scope string `json:"scope,omitempty"`

	// ClientID is the client the token was issued to.
	ClientID string `json:"client_id"`

	// IDToken is carried through unchanged from the caller's claim token,
	// when one was supplied.
	IDToken string `json:"id_token,omitempty"`
}

// Active reports whether the token is live at the given instant.
// Activity is computed on read, never stored: a token whose lifetime has
// elapsed exactly is inactive (strict <, not <=).
func (t *GrantedToken) Active(now time.Time) bool {
	return now.Before(t.CreateDateTime.Add(time.Duration(t.ExpiresIn) * time.Second))
}

// Store is the persistence contract for granted tokens.
type Store interface {
	// AddToken persists a granted token. A returned error means the token
	// was not stored.
	AddToken(ctx context.Context, token *GrantedToken) error

	// GetAccessToken returns the granted token whose access token equals
	// value, or nil when none exists.
	GetAccessToken(ctx context.Context, value string) (*GrantedToken, error)

	// GetRefreshToken returns the granted token whose refresh token equals
	// value, or nil when none exists.
	GetRefreshToken(ctx context.Context, value string) (*GrantedToken, error)
}
