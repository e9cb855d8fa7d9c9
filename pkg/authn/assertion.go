// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authn

import (
	"context"
	"slices"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/stacklok/umad/pkg/clients"
	"github.com/stacklok/umad/pkg/oautherr"
)

// Assertion failure descriptions.
const (
	descMissingAssertion  = "the client assertion is missing"
	descAssertionNotJWS   = "the client assertion is not a valid signed JWT"
	descAssertionNotJWE   = "the client assertion is not a valid encrypted JWT"
	descAssertionNoKeys   = "the client has no registered keys to verify the assertion"
	descAssertionBadSig   = "the client assertion signature is not valid"
	descAssertionNoIssuer = "the client assertion has no issuer claim"
	descClientIDIncorrect = "the client id passed in the JWT is not correct"
	descAudienceIncorrect = "the audience passed in the JWT is not correct"
	descAssertionExpired  = "the JWT has expired"
)

// asymmetricSignatureAlgorithms are accepted for private_key_jwt
// assertions. Symmetric algorithms are excluded: possession of the shared
// secret is proven through the client_secret_jwt JWE path instead.
var asymmetricSignatureAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.PS256, jose.PS384, jose.PS512,
	jose.EdDSA,
}

// symmetricSignatureAlgorithms are accepted for the JWS nested inside a
// client_secret_jwt JWE, where the shared secret is the MAC key.
var symmetricSignatureAlgorithms = []jose.SignatureAlgorithm{
	jose.HS256, jose.HS384, jose.HS512,
}

// assertionKeyAlgorithms are the JWE key-management algorithms accepted
// for client_secret_jwt assertions, all keyed by the shared secret.
// PBES2 is excluded: jwt.ParseSignedAndEncrypted refuses password-based
// key management entirely, even when the token doesn't use it.
var assertionKeyAlgorithms = []jose.KeyAlgorithm{
	jose.DIRECT,
	jose.A128KW, jose.A192KW, jose.A256KW,
	jose.A128GCMKW, jose.A256GCMKW,
}

// assertionContentEncryption are the JWE content-encryption algorithms
// accepted for client_secret_jwt assertions.
var assertionContentEncryption = []jose.ContentEncryption{
	jose.A128CBC_HS256, jose.A192CBC_HS384, jose.A256CBC_HS512,
	jose.A128GCM, jose.A192GCM, jose.A256GCM,
}

// AssertionAuthenticator verifies JWT-based client assertions
// (private_key_jwt and client_secret_jwt) per RFC 7523.
type AssertionAuthenticator struct {
	clientStore clients.Store
	now         func() time.Time
}

// NewAssertionAuthenticator creates an assertion authenticator backed by
// the given client store.
func NewAssertionAuthenticator(clientStore clients.Store, now func() time.Time) *AssertionAuthenticator {
	if clientStore == nil {
		panic("authn: client store is required")
	}
	if now == nil {
		now = time.Now
	}
	return &AssertionAuthenticator{clientStore: clientStore, now: now}
}

// AuthenticatePrivateKeyJWT verifies a JWS client assertion. The issuer
// claim names the client; its signature must verify against one of the
// client's registered keys, and the payload must pass the shared
// validation steps.
func (a *AssertionAuthenticator) AuthenticatePrivateKeyJWT(
	ctx context.Context, in *Instruction, expectedIssuer string,
) (*clients.Client, error) {
	if in.ClientAssertion == "" {
		return nil, oautherr.New(oautherr.CodeInvalidClient, descMissingAssertion)
	}

	token, err := jwt.ParseSigned(in.ClientAssertion, asymmetricSignatureAlgorithms)
	if err != nil {
		return nil, oautherr.Wrap(oautherr.CodeInvalidClient, descAssertionNotJWS, err)
	}

	var unverified jwt.Claims
	if err := token.UnsafeClaimsWithoutVerification(&unverified); err != nil {
		return nil, oautherr.Wrap(oautherr.CodeInvalidClient, descAssertionNotJWS, err)
	}
	if unverified.Issuer == "" {
		return nil, oautherr.New(oautherr.CodeInvalidClient, descAssertionNoIssuer)
	}

	client, err := a.loadClient(ctx, unverified.Issuer)
	if err != nil {
		return nil, err
	}
	if client.JSONWebKeys == nil || len(client.JSONWebKeys.Keys) == 0 {
		return nil, oautherr.New(oautherr.CodeInvalidClient, descAssertionNoKeys)
	}

	claims, err := verifyWithKeySet(token, client.JSONWebKeys)
	if err != nil {
		return nil, err
	}

	if err := a.validatePayload(claims, client.ID, expectedIssuer); err != nil {
		return nil, err
	}
	return client, nil
}

// AuthenticateClientSecretJWT verifies a JWE client assertion encrypted
// with the dispatched client's shared secret. The plaintext must itself
// be a JWS MAC'd with the same secret, the issuer claim must name that
// client, and the payload must pass the shared validation steps.
func (a *AssertionAuthenticator) AuthenticateClientSecretJWT(
	in *Instruction, client *clients.Client, expectedIssuer string,
) (*clients.Client, error) {
	clientSecret := client.SecretValue(clients.SecretTypeShared)
	if clientSecret == "" {
		return nil, oautherr.New(oautherr.CodeInvalidClient, descNoSharedSecret)
	}
	if in.ClientAssertion == "" {
		return nil, oautherr.New(oautherr.CodeInvalidClient, descMissingAssertion)
	}

	nested, err := jwt.ParseSignedAndEncrypted(
		in.ClientAssertion,
		assertionKeyAlgorithms,
		assertionContentEncryption,
		symmetricSignatureAlgorithms,
	)
	if err != nil {
		return nil, oautherr.Wrap(oautherr.CodeInvalidClient, descAssertionNotJWE, err)
	}

	inner, err := nested.Decrypt([]byte(clientSecret))
	if err != nil {
		return nil, oautherr.Wrap(oautherr.CodeInvalidClient, descAssertionNotJWE, err)
	}

	var claims jwt.Claims
	if err := inner.Claims([]byte(clientSecret), &claims); err != nil {
		return nil, oautherr.Wrap(oautherr.CodeInvalidClient, descAssertionBadSig, err)
	}

	if err := a.validatePayload(&claims, client.ID, expectedIssuer); err != nil {
		return nil, err
	}
	return client, nil
}

// validatePayload runs the shared assertion payload checks in order,
// short-circuiting on the first failure:
//
//  1. the issuer claim must be present and name the client whose
//     credentials verified the assertion,
//  2. the subject must equal the issuer (self-asserting token),
//  3. the audience must contain the authorization server's issuer URL,
//  4. the expiration must be in the future.
func (a *AssertionAuthenticator) validatePayload(claims *jwt.Claims, clientID, expectedIssuer string) error {
	if claims.Issuer == "" {
		return oautherr.New(oautherr.CodeInvalidClient, descAssertionNoIssuer)
	}
	if claims.Issuer != clientID {
		return oautherr.New(oautherr.CodeInvalidClient, descClientIDIncorrect)
	}

	if claims.Subject != claims.Issuer {
		return oautherr.New(oautherr.CodeInvalidClient, descClientIDIncorrect)
	}

	if len(claims.Audience) == 0 || !slices.Contains(claims.Audience, expectedIssuer) {
		return oautherr.New(oautherr.CodeInvalidClient, descAudienceIncorrect)
	}

	if claims.Expiry == nil || !claims.Expiry.Time().After(a.now().UTC()) {
		return oautherr.New(oautherr.CodeInvalidClient, descAssertionExpired)
	}

	return nil
}

func (a *AssertionAuthenticator) loadClient(ctx context.Context, id string) (*clients.Client, error) {
	client, err := a.clientStore.GetClient(ctx, id)
	if err != nil {
		return nil, oautherr.Wrap(oautherr.CodeServerError, "failed to load client", err)
	}
	if client == nil {
		return nil, oautherr.New(oautherr.CodeInvalidClient, descClientNotFound)
	}
	return client, nil
}

// verifyWithKeySet verifies the token signature against the client's
// registered keys. When the assertion header names a key id, only that
// key is tried; otherwise every registered key is a candidate.
func verifyWithKeySet(token *jwt.JSONWebToken, set *jose.JSONWebKeySet) (*jwt.Claims, error) {
	candidates := set.Keys
	if kid := headerKeyID(token); kid != "" {
		if matched := set.Key(kid); len(matched) > 0 {
			candidates = matched
		}
	}

	var claims jwt.Claims
	for _, key := range candidates {
		if err := token.Claims(key, &claims); err == nil {
			return &claims, nil
		}
	}
	return nil, oautherr.New(oautherr.CodeInvalidClient, descAssertionBadSig)
}

func headerKeyID(token *jwt.JSONWebToken) string {
	for _, h := range token.Headers {
		if h.KeyID != "" {
			return h.KeyID
		}
	}
	return ""
}

// unverifiedIssuer extracts the issuer claim of a JWS assertion without
// verifying the signature. Used only to resolve the candidate client id;
// verification happens during method dispatch.
func unverifiedIssuer(assertion string) (string, error) {
	token, err := jwt.ParseSigned(assertion, append(
		slices.Clone(asymmetricSignatureAlgorithms), symmetricSignatureAlgorithms...,
	))
	if err != nil {
		return "", err
	}
	var claims jwt.Claims
	if err := token.UnsafeClaimsWithoutVerification(&claims); err != nil {
		return "", err
	}
	return claims.Issuer, nil
}
