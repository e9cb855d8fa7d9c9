// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authn

import (
	"context"
	"time"

	"github.com/stacklok/umad/pkg/clients"
	"github.com/stacklok/umad/pkg/oautherr"
)

// Authentication failure descriptions. These are the error_description
// values surfaced to callers; all carry the invalid_client error code.
const (
	descClientNotFound       = "the client doesn't exist"
	descMissingSecret        = "the client secret is missing"
	descSecretMismatch       = "the client secret is not correct"
	descNoSharedSecret       = "the client has no shared secret configured"
	descMissingCertificate   = "no client certificate was presented"
	descNoCertificateBinding = "the client has no certificate thumbprint and subject name configured"
	descCertificateMismatch  = "the client certificate doesn't match the registered thumbprint and subject"
	descUnsupportedMethod    = "the token endpoint auth method is not supported"
)

// Authenticator resolves and authenticates clients at the token endpoint.
type Authenticator struct {
	clientStore clients.Store
	assertions  *AssertionAuthenticator

	// now is injected for tests that freeze time.
	now func() time.Time
}

// NewAuthenticator creates an Authenticator backed by the given client
// store. Panics when clientStore is nil: a nil store is a wiring bug, not
// a runtime condition.
func NewAuthenticator(clientStore clients.Store) *Authenticator {
	if clientStore == nil {
		panic("authn: client store is required")
	}
	a := &Authenticator{
		clientStore: clientStore,
		now:         time.Now,
	}
	a.assertions = &AssertionAuthenticator{clientStore: clientStore, now: func() time.Time { return a.now() }}
	return a
}

// WithClock overrides the time source. Intended for tests.
func (a *Authenticator) WithClock(now func() time.Time) *Authenticator {
	a.now = now
	return a
}

// Authenticate resolves the candidate client and verifies its credentials
// against the method the client registered. issuer is the authorization
// server's own issuer URL, matched against assertion audiences.
//
// Expected mismatches return (nil, *oautherr.Error) with invalid_client;
// the caller decides the HTTP status. No side effects.
func (a *Authenticator) Authenticate(ctx context.Context, in *Instruction, issuer string) (*clients.Client, error) {
	clientID := a.resolveClientID(in)
	if clientID == "" {
		return nil, oautherr.New(oautherr.CodeInvalidClient, descClientNotFound)
	}

	client, err := a.clientStore.GetClient(ctx, clientID)
	if err != nil {
		return nil, oautherr.Wrap(oautherr.CodeServerError, "failed to load client", err)
	}
	if client == nil {
		return nil, oautherr.New(oautherr.CodeInvalidClient, descClientNotFound)
	}

	switch client.AuthMethod {
	case clients.AuthMethodSecretBasic:
		return a.verifySharedSecret(client, in.HeaderClientSecret)
	case clients.AuthMethodSecretPost:
		return a.verifySharedSecret(client, in.BodyClientSecret)
	case clients.AuthMethodSecretJWT:
		return a.assertions.AuthenticateClientSecretJWT(in, client, issuer)
	case clients.AuthMethodPrivateKeyJWT:
		return a.assertions.AuthenticatePrivateKeyJWT(ctx, in, issuer)
	case clients.AuthMethodTLSClientAuth:
		return a.verifyCertificate(client, in)
	default:
		return nil, oautherr.Newf(oautherr.CodeInvalidClient, "%s: %s", descUnsupportedMethod, client.AuthMethod)
	}
}

// resolveClientID picks the candidate client id in priority order: the
// issuer claim of a JWS client assertion, then the Authorization header,
// then the request body. First non-empty wins.
func (a *Authenticator) resolveClientID(in *Instruction) string {
	if in.ClientAssertionType == AssertionTypeJWTBearer && in.ClientAssertion != "" {
		// Only a JWS exposes its issuer before decryption; JWE assertions
		// resolve their client id later, from the decrypted payload.
		if issuer, err := unverifiedIssuer(in.ClientAssertion); err == nil && issuer != "" {
			return issuer
		}
	}
	if in.HeaderClientID != "" {
		return in.HeaderClientID
	}
	return in.BodyClientID
}

// verifySharedSecret checks the candidate secret against the client's
// shared-secret records by ordinal comparison; the first match wins.
func (*Authenticator) verifySharedSecret(client *clients.Client, candidate string) (*clients.Client, error) {
	if candidate == "" {
		return nil, oautherr.New(oautherr.CodeInvalidClient, descMissingSecret)
	}
	for _, secret := range client.SharedSecrets() {
		if secret == candidate {
			return client, nil
		}
	}
	return nil, oautherr.New(oautherr.CodeInvalidClient, descSecretMismatch)
}

// verifyCertificate checks the presented TLS client certificate against
// the client's registered thumbprint and subject name. Both must match.
func (a *Authenticator) verifyCertificate(client *clients.Client, in *Instruction) (*clients.Client, error) {
	if in.Certificate == nil {
		return nil, oautherr.New(oautherr.CodeInvalidClient, descMissingCertificate)
	}

	thumbprint := client.SecretValue(clients.SecretTypeX509Thumbprint)
	subject := client.SecretValue(clients.SecretTypeX509Name)
	if thumbprint == "" || subject == "" {
		return nil, oautherr.New(oautherr.CodeInvalidClient, descNoCertificateBinding)
	}

	if CertificateThumbprint(in.Certificate) != thumbprint {
		return nil, oautherr.New(oautherr.CodeInvalidClient, descCertificateMismatch)
	}
	if in.Certificate.Subject.String() != subject {
		return nil, oautherr.New(oautherr.CodeInvalidClient, descCertificateMismatch)
	}

	return client, nil
}
