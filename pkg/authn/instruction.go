// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package authn implements token-endpoint client authentication.
//
// A client authenticates with whatever method it registered:
// client_secret_basic, client_secret_post, client_secret_jwt (a JWE
// assertion encrypted with the shared secret, wrapping a JWS),
// private_key_jwt (a JWS assertion verified against the client's
// registered keys), or tls_client_auth (mutual-TLS certificate match).
// Dispatch is strict: a client is never authenticated by a method other
// than the one it registered.
package authn

import "crypto/x509"

// AssertionTypeJWTBearer is the client_assertion_type value for JWT
// client assertions per RFC 7523.
const AssertionTypeJWTBearer = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// Instruction carries the per-request authentication inputs assembled by
// the transport layer from HTTP headers, the request body, and the TLS
// connection state. It is created fresh per request and never persisted.
type Instruction struct {
	// HeaderClientID is the client id from the Authorization header
	// (basic auth user).
	HeaderClientID string

	// HeaderClientSecret is the client secret from the Authorization
	// header (basic auth password).
	HeaderClientSecret string

	// BodyClientID is the client_id form parameter.
	BodyClientID string

	// BodyClientSecret is the client_secret form parameter.
	BodyClientSecret string

	// ClientAssertion is the client_assertion form parameter: a compact
	// JWS or JWE serialization.
	ClientAssertion string

	// ClientAssertionType is the client_assertion_type form parameter.
	ClientAssertionType string

	// Certificate is the client certificate presented on the TLS
	// connection, when any.
	Certificate *x509.Certificate
}
