// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package clients defines the registered OAuth client model and the store
// contract used to resolve clients during authentication.
package clients

import (
	"context"
	"slices"

	"github.com/go-jose/go-jose/v4"
)

// AuthMethod identifies how a client authenticates at the token endpoint.
type AuthMethod string

// Token-endpoint authentication methods, per OIDC client metadata values.
const (
	// AuthMethodSecretBasic authenticates with a shared secret in the
	// Authorization header (client_secret_basic).
	AuthMethodSecretBasic AuthMethod = "client_secret_basic"

	// AuthMethodSecretPost authenticates with a shared secret in the
	// request body (client_secret_post).
	AuthMethodSecretPost AuthMethod = "client_secret_post"

	// AuthMethodSecretJWT authenticates with a JWE client assertion
	// encrypted with the shared secret (client_secret_jwt).
	AuthMethodSecretJWT AuthMethod = "client_secret_jwt"

	// AuthMethodPrivateKeyJWT authenticates with a JWS client assertion
	// signed with the client's registered key (private_key_jwt).
	AuthMethodPrivateKeyJWT AuthMethod = "private_key_jwt"

	// AuthMethodTLSClientAuth authenticates with a mutual-TLS client
	// certificate (tls_client_auth).
	AuthMethodTLSClientAuth AuthMethod = "tls_client_auth"
)

// SecretType identifies the kind of a registered client secret.
type SecretType string

// Secret record types.
const (
	// SecretTypeShared is a shared secret compared by ordinal string match.
	SecretTypeShared SecretType = "shared_secret"

	// SecretTypeX509Thumbprint is the SHA-256 thumbprint of the client's
	// TLS certificate, hex encoded.
	SecretTypeX509Thumbprint SecretType = "x509_thumbprint"

	// SecretTypeX509Name is the expected subject name of the client's TLS
	// certificate.
	SecretTypeX509Name SecretType = "x509_name"
)

// GrantTypeUMATicket is the UMA 2.0 grant a client must declare to redeem
// permission tickets.
// https://docs.kantarainitiative.org/uma/wg/rec-oauth-uma-grant-2.0.html#uma-grant-type
const GrantTypeUMATicket = "urn:ietf:params:oauth:grant-type:uma-ticket"

// Secret is one typed credential record registered for a client.
type Secret struct {
	// Type identifies how Value is interpreted.
	Type SecretType `json:"type"`

	// Value is the secret material: the shared secret string, certificate
	// thumbprint, or certificate subject name.
	Value string `json:"value"`
}

// Client is a registered application. It is immutable for the duration of
// one authentication attempt; the store owns its lifecycle.
type Client struct {
	// ID is the OAuth client_id.
	ID string `json:"client_id"`

	// AuthMethod is the token-endpoint authentication method the client
	// registered. Authentication dispatches strictly on this value.
	AuthMethod AuthMethod `json:"token_endpoint_auth_method"`

	// Secrets is the ordered set of credential records.
	Secrets []Secret `json:"secrets"`

	// GrantTypes is the set of grant types the client may use.
	GrantTypes []string `json:"grant_types"`

	// JSONWebKeys holds the client's registered public keys, used to
	// verify private_key_jwt client assertions.
	JSONWebKeys *jose.JSONWebKeySet `json:"jwks,omitempty"`
}

// SharedSecrets returns the values of all shared-secret records, in
// registration order.
func (c *Client) SharedSecrets() []string {
	var out []string
	for _, s := range c.Secrets {
		if s.Type == SecretTypeShared {
			out = append(out, s.Value)
		}
	}
	return out
}

// SecretValue returns the first secret record of the given type, or ""
// when the client has none.
func (c *Client) SecretValue(t SecretType) string {
	for _, s := range c.Secrets {
		if s.Type == t {
			return s.Value
		}
	}
	return ""
}

// HasGrantType reports whether the client declared the given grant type.
func (c *Client) HasGrantType(grantType string) bool {
	return slices.Contains(c.GrantTypes, grantType)
}

// Store resolves registered clients by id.
type Store interface {
	// GetClient returns the client with the given id, or nil when no such
	// client is registered.
	GetClient(ctx context.Context, id string) (*Client, error)
}
