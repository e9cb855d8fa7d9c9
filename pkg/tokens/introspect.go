// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package tokens

import (
	"context"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/stacklok/umad/pkg/oautherr"
)

// Token type hints per RFC 7662 section 2.1.
const (
	HintAccessToken  = "access_token"
	HintRefreshToken = "refresh_token"
)

// IntrospectionResult is the projection of a stored token for an
// introspection response (RFC 7662).
type IntrospectionResult struct {
	Active    bool     `json:"active"`
	Scope     string   `json:"scope,omitempty"`
	ClientID  string   `json:"client_id,omitempty"`
	TokenType string   `json:"token_type,omitempty"`
	Subject   string   `json:"sub,omitempty"`
	Audience  []string `json:"aud,omitempty"`
	Issuer    string   `json:"iss,omitempty"`
	JTI       string   `json:"jti,omitempty"`
	Expiry    int64    `json:"exp,omitempty"`
	IssuedAt  int64    `json:"iat,omitempty"`
}

// introspectionParseAlgorithms covers every algorithm the server may have
// signed an access token with; the payload is read without verification
// since the stored record is the source of truth.
var introspectionParseAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.PS256, jose.PS384, jose.PS512,
	jose.EdDSA,
}

// Evaluator determines token activity and projects token metadata for
// introspection responses.
type Evaluator struct {
	tokenStore Store

	now func() time.Time
}

// NewEvaluator creates an introspection evaluator over the token store.
func NewEvaluator(tokenStore Store) *Evaluator {
	if tokenStore == nil {
		panic("tokens: token store is required")
	}
	return &Evaluator{tokenStore: tokenStore, now: time.Now}
}

// WithClock overrides the time source. Intended for tests.
func (e *Evaluator) WithClock(now func() time.Time) *Evaluator {
	e.now = now
	return e
}

// Introspect implements the OAuth introspection endpoint semantics: both
// a missing and an expired token collapse to {active: false}, so the
// response never confirms or denies a token's existence.
func (e *Evaluator) Introspect(ctx context.Context, token, tokenTypeHint string) (*IntrospectionResult, error) {
	granted, err := e.lookup(ctx, token, tokenTypeHint)
	if err != nil {
		return nil, err
	}
	if granted == nil {
		return &IntrospectionResult{Active: false}, nil
	}
	return e.project(granted), nil
}

// IntrospectUMA implements the internal UMA introspection variant: a
// genuinely missing token record is surfaced as an invalid_grant error
// instead of being folded into an inactive response. An existing but
// expired token still introspects as inactive, not as an error.
func (e *Evaluator) IntrospectUMA(ctx context.Context, token, tokenTypeHint string) (*IntrospectionResult, error) {
	granted, err := e.lookup(ctx, token, tokenTypeHint)
	if err != nil {
		return nil, err
	}
	if granted == nil {
		return nil, oautherr.New(oautherr.CodeInvalidGrant, "the token doesn't exist")
	}
	return e.project(granted), nil
}

// lookup finds the stored token, trying the hinted type first and falling
// back to the other per RFC 7662.
func (e *Evaluator) lookup(ctx context.Context, token, tokenTypeHint string) (*GrantedToken, error) {
	if token == "" {
		return nil, oautherr.New(oautherr.CodeInvalidRequest, "the parameter token is missing")
	}

	order := []string{HintAccessToken, HintRefreshToken}
	if tokenTypeHint == HintRefreshToken {
		order = []string{HintRefreshToken, HintAccessToken}
	}

	for _, kind := range order {
		var (
			granted *GrantedToken
			err     error
		)
		switch kind {
		case HintAccessToken:
			granted, err = e.tokenStore.GetAccessToken(ctx, token)
		case HintRefreshToken:
			granted, err = e.tokenStore.GetRefreshToken(ctx, token)
		}
		if err != nil {
			return nil, oautherr.Wrap(oautherr.CodeServerError, "failed to load token", err)
		}
		if granted != nil {
			return granted, nil
		}
	}
	return nil, nil
}

// project builds the introspection response from the stored record,
// enriched with claims read from the access token payload when present.
func (e *Evaluator) project(granted *GrantedToken) *IntrospectionResult {
	result := &IntrospectionResult{
		Active:    granted.Active(e.now().UTC()),
		Scope:     granted.Scope,
		ClientID:  granted.ClientID,
		TokenType: granted.TokenType,
		JTI:       granted.ID,
		Expiry:    granted.CreateDateTime.Add(time.Duration(granted.ExpiresIn) * time.Second).Unix(),
		IssuedAt:  granted.CreateDateTime.Unix(),
	}

	if parsed, err := jwt.ParseSigned(granted.AccessToken, introspectionParseAlgorithms); err == nil {
		var claims jwt.Claims
		if err := parsed.UnsafeClaimsWithoutVerification(&claims); err == nil {
			result.Subject = claims.Subject
			result.Audience = claims.Audience
			result.Issuer = claims.Issuer
		}
	}

	return result
}
