// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package tokens

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"

	"github.com/stacklok/umad/pkg/clients"
	"github.com/stacklok/umad/pkg/keys"
	"github.com/stacklok/umad/pkg/tickets"
)

// DefaultRPTLifetime is used when the minter is constructed with a zero
// lifetime.
const DefaultRPTLifetime = 30 * time.Minute

// PermissionClaim is one entry of the "permissions" claim embedded in a
// minted RPT, carrying the granted resource set, its scopes, and the
// permission's expiry.
type PermissionClaim struct {
	ResourceSetID string   `json:"resource_id"`
	Scopes        []string `json:"resource_scopes"`
	Expiry        int64    `json:"exp"`
}

// Minter builds granted tokens once authorization has succeeded.
// Minting is deterministic given its inputs except for the token id and
// the current time, both of which are injectable for tests.
type Minter struct {
	keyProvider keys.Provider
	lifetime    time.Duration

	now   func() time.Time
	newID func() string
}

// NewMinter creates a token minter. lifetime zero means
// DefaultRPTLifetime. Panics when keyProvider is nil.
func NewMinter(keyProvider keys.Provider, lifetime time.Duration) *Minter {
	if keyProvider == nil {
		panic("tokens: key provider is required")
	}
	if lifetime <= 0 {
		lifetime = DefaultRPTLifetime
	}
	return &Minter{
		keyProvider: keyProvider,
		lifetime:    lifetime,
		now:         time.Now,
		newID:       uuid.NewString,
	}
}

// WithClock overrides the time source. Intended for tests.
func (m *Minter) WithClock(now func() time.Time) *Minter {
	m.now = now
	return m
}

// WithIDGenerator overrides the id generator. Intended for tests.
func (m *Minter) WithIDGenerator(newID func() string) *Minter {
	m.newID = newID
	return m
}

// Lifetime returns the configured RPT lifetime.
func (m *Minter) Lifetime() time.Duration {
	return m.lifetime
}

// Mint builds and signs the granted token for a client. Each ticket line
// becomes one entry of the access token's "permissions" claim. A refresh
// token is generated only when the requested scope set contains the
// offline scope. idToken, when supplied by the caller's claim token, is
// passed through unchanged.
func (m *Minter) Mint(
	ctx context.Context,
	client *clients.Client,
	lines []tickets.Line,
	scope string,
	issuer string,
	idToken string,
) (*GrantedToken, error) {
	signingKey, err := m.keyProvider.SigningKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get signing key: %w", err)
	}

	now := m.now().UTC()
	tokenID := m.newID()
	expiry := now.Add(m.lifetime)

	permissions := make([]PermissionClaim, 0, len(lines))
	for _, line := range lines {
		permissions = append(permissions, PermissionClaim{
			ResourceSetID: line.ResourceSetID,
			Scopes:        line.Scopes,
			Expiry:        expiry.Unix(),
		})
	}

	signer, err := jose.NewSigner(
		jose.SigningKey{
			Algorithm: jose.SignatureAlgorithm(signingKey.Algorithm),
			Key:       signingKey.Key,
		},
		(&jose.SignerOptions{}).
			WithType("JWT").
			WithHeader("kid", signingKey.KeyID),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}

	claims := jwt.Claims{
		Issuer:   issuer,
		Subject:  client.ID,
		Audience: jwt.Audience{client.ID},
		ID:       tokenID,
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(expiry),
	}
	extra := map[string]any{
		"client_id":   client.ID,
		"permissions": permissions,
	}
	if scope != "" {
		extra["scope"] = scope
	}

	accessToken, err := jwt.Signed(signer).Claims(claims).Claims(extra).Serialize()
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}

	granted := &GrantedToken{
		ID:             tokenID,
		AccessToken:    accessToken,
		ExpiresIn:      int64(m.lifetime / time.Second),
		TokenType:      TokenTypeBearer,
		CreateDateTime: now,
		Scope:          scope,
		ClientID:       client.ID,
		IDToken:        idToken,
	}

	if slices.Contains(strings.Fields(scope), ScopeOffline) {
		granted.RefreshToken = m.newID()
	}

	return granted, nil
}
