// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authn

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/umad/pkg/clients"
	"github.com/stacklok/umad/pkg/oautherr"
)

// testSecret is 32 bytes so it can drive direct A256GCM encryption.
const testSecret = "0123456789abcdef0123456789abcdef"

func generateKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

func privateKeyClient(id string, key *ecdsa.PrivateKey, kid string) *clients.Client {
	return &clients.Client{
		ID:         id,
		AuthMethod: clients.AuthMethodPrivateKeyJWT,
		JSONWebKeys: &jose.JSONWebKeySet{Keys: []jose.JSONWebKey{
			{Key: key.Public(), KeyID: kid, Algorithm: string(jose.ES256), Use: "sig"},
		}},
	}
}

func assertionClaims(clientID string) jwt.Claims {
	return jwt.Claims{
		Issuer:   clientID,
		Subject:  clientID,
		Audience: jwt.Audience{testIssuer},
		Expiry:   jwt.NewNumericDate(time.Now().Add(5 * time.Minute)),
		IssuedAt: jwt.NewNumericDate(time.Now()),
	}
}

// signAssertion produces a compact JWS assertion signed with the given
// ECDSA key.
func signAssertion(t *testing.T, key *ecdsa.PrivateKey, kid string, claims jwt.Claims) string {
	t.Helper()

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.ES256, Key: jose.JSONWebKey{Key: key, KeyID: kid}},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	require.NoError(t, err)

	raw, err := jwt.Signed(signer).Claims(claims).Serialize()
	require.NoError(t, err)
	return raw
}

// encryptAssertion produces a compact JWE assertion wrapping an HS256 JWS,
// both keyed by the shared secret.
func encryptAssertion(t *testing.T, signingSecret, encryptionSecret string, claims jwt.Claims) string {
	t.Helper()

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: []byte(signingSecret)},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	require.NoError(t, err)

	encrypter, err := jose.NewEncrypter(
		jose.A256GCM,
		jose.Recipient{Algorithm: jose.DIRECT, Key: []byte(encryptionSecret)},
		(&jose.EncrypterOptions{}).WithContentType("JWT"),
	)
	require.NoError(t, err)

	raw, err := jwt.SignedAndEncrypted(signer, encrypter).Claims(claims).Serialize()
	require.NoError(t, err)
	return raw
}

func TestAuthenticatePrivateKeyJWT(t *testing.T) {
	t.Parallel()

	key := generateKey(t)
	client := privateKeyClient("c1", key, "k1")
	a := NewAuthenticator(storeWith(client))

	instruction := func(assertion string) *Instruction {
		return &Instruction{
			ClientAssertion:     assertion,
			ClientAssertionType: AssertionTypeJWTBearer,
		}
	}

	t.Run("valid assertion succeeds", func(t *testing.T) {
		t.Parallel()
		got, err := a.Authenticate(context.Background(), instruction(
			signAssertion(t, key, "k1", assertionClaims("c1")),
		), testIssuer)
		require.NoError(t, err)
		assert.Equal(t, "c1", got.ID)
	})

	t.Run("assertion issuer resolves the client even without explicit ids", func(t *testing.T) {
		t.Parallel()
		// The header names a different, nonexistent client; the assertion
		// issuer wins the candidate resolution.
		in := instruction(signAssertion(t, key, "k1", assertionClaims("c1")))
		in.HeaderClientID = "someone-else"
		got, err := a.Authenticate(context.Background(), in, testIssuer)
		require.NoError(t, err)
		assert.Equal(t, "c1", got.ID)
	})

	t.Run("missing assertion fails", func(t *testing.T) {
		t.Parallel()
		_, err := a.Authenticate(context.Background(), &Instruction{
			BodyClientID: "c1",
		}, testIssuer)
		require.Error(t, err)
		assert.Equal(t, oautherr.CodeInvalidClient, oautherr.CodeOf(err))
		assert.Contains(t, err.Error(), "assertion is missing")
	})

	t.Run("wrong signing key fails", func(t *testing.T) {
		t.Parallel()
		other := generateKey(t)
		_, err := a.Authenticate(context.Background(), instruction(
			signAssertion(t, other, "k1", assertionClaims("c1")),
		), testIssuer)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "signature is not valid")
	})

	t.Run("subject different from issuer fails", func(t *testing.T) {
		t.Parallel()
		claims := assertionClaims("c1")
		claims.Subject = "someone-else"
		_, err := a.Authenticate(context.Background(), instruction(
			signAssertion(t, key, "k1", claims),
		), testIssuer)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "client id passed in the JWT is not correct")
	})

	t.Run("wrong audience fails", func(t *testing.T) {
		t.Parallel()
		claims := assertionClaims("c1")
		claims.Audience = jwt.Audience{"https://other.example"}
		_, err := a.Authenticate(context.Background(), instruction(
			signAssertion(t, key, "k1", claims),
		), testIssuer)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "audience passed in the JWT is not correct")
	})

	t.Run("expired assertion fails", func(t *testing.T) {
		t.Parallel()
		claims := assertionClaims("c1")
		claims.Expiry = jwt.NewNumericDate(time.Now().Add(-time.Minute))
		_, err := a.Authenticate(context.Background(), instruction(
			signAssertion(t, key, "k1", claims),
		), testIssuer)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "expired")
	})

	t.Run("missing expiry fails", func(t *testing.T) {
		t.Parallel()
		claims := assertionClaims("c1")
		claims.Expiry = nil
		_, err := a.Authenticate(context.Background(), instruction(
			signAssertion(t, key, "k1", claims),
		), testIssuer)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "expired")
	})

	t.Run("issuer naming an unknown client fails", func(t *testing.T) {
		t.Parallel()
		other := generateKey(t)
		_, err := a.Authenticate(context.Background(), instruction(
			signAssertion(t, other, "k1", assertionClaims("ghost")),
		), testIssuer)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "doesn't exist")
	})

	t.Run("client without registered keys fails", func(t *testing.T) {
		t.Parallel()
		keyless := &clients.Client{ID: "c2", AuthMethod: clients.AuthMethodPrivateKeyJWT}
		b := NewAuthenticator(storeWith(keyless))
		_, err := b.Authenticate(context.Background(), instruction(
			signAssertion(t, key, "k1", assertionClaims("c2")),
		), testIssuer)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no registered keys")
	})

	t.Run("unknown kid still verifies against the full key set", func(t *testing.T) {
		t.Parallel()
		got, err := a.Authenticate(context.Background(), instruction(
			signAssertion(t, key, "other-kid", assertionClaims("c1")),
		), testIssuer)
		require.NoError(t, err)
		assert.Equal(t, "c1", got.ID)
	})
}

func TestAuthenticateClientSecretJWT(t *testing.T) {
	t.Parallel()

	client := &clients.Client{
		ID:         "c1",
		AuthMethod: clients.AuthMethodSecretJWT,
		Secrets:    []clients.Secret{{Type: clients.SecretTypeShared, Value: testSecret}},
	}
	a := NewAuthenticator(storeWith(client))

	instruction := func(assertion string) *Instruction {
		// A JWE hides its issuer, so the candidate client id comes from
		// the request body.
		return &Instruction{
			BodyClientID:        "c1",
			ClientAssertion:     assertion,
			ClientAssertionType: AssertionTypeJWTBearer,
		}
	}

	t.Run("valid encrypted assertion succeeds", func(t *testing.T) {
		t.Parallel()
		got, err := a.Authenticate(context.Background(), instruction(
			encryptAssertion(t, testSecret, testSecret, assertionClaims("c1")),
		), testIssuer)
		require.NoError(t, err)
		assert.Equal(t, "c1", got.ID)
	})

	t.Run("encrypted with a different secret fails", func(t *testing.T) {
		t.Parallel()
		wrong := "ffffffffffffffffffffffffffffffff"
		_, err := a.Authenticate(context.Background(), instruction(
			encryptAssertion(t, wrong, wrong, assertionClaims("c1")),
		), testIssuer)
		require.Error(t, err)
		assert.Equal(t, oautherr.CodeInvalidClient, oautherr.CodeOf(err))
	})

	t.Run("inner signature keyed with a different secret fails", func(t *testing.T) {
		t.Parallel()
		wrong := "eeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee"
		_, err := a.Authenticate(context.Background(), instruction(
			encryptAssertion(t, wrong, testSecret, assertionClaims("c1")),
		), testIssuer)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "signature is not valid")
	})

	t.Run("assertion naming another client is rejected", func(t *testing.T) {
		t.Parallel()
		victim := sharedSecretClient("c3", clients.AuthMethodSecretBasic, "other-secret")
		b := NewAuthenticator(storeWith(client, victim))
		// Encrypted and MAC'd entirely with c1's secret, but the claims
		// name c3. The dispatched client's id must match the issuer.
		got, err := b.Authenticate(context.Background(), instruction(
			encryptAssertion(t, testSecret, testSecret, assertionClaims("c3")),
		), testIssuer)
		require.Error(t, err)
		assert.Nil(t, got)
		assert.Contains(t, err.Error(), "client id passed in the JWT is not correct")
	})

	t.Run("password-based key management is rejected", func(t *testing.T) {
		t.Parallel()
		signer, err := jose.NewSigner(
			jose.SigningKey{Algorithm: jose.HS256, Key: []byte(testSecret)},
			(&jose.SignerOptions{}).WithType("JWT"),
		)
		require.NoError(t, err)
		encrypter, err := jose.NewEncrypter(
			jose.A128CBC_HS256,
			jose.Recipient{Algorithm: jose.PBES2_HS256_A128KW, Key: []byte(testSecret)},
			(&jose.EncrypterOptions{}).WithContentType("JWT"),
		)
		require.NoError(t, err)
		raw, err := jwt.SignedAndEncrypted(signer, encrypter).Claims(assertionClaims("c1")).Serialize()
		require.NoError(t, err)

		_, err = a.Authenticate(context.Background(), instruction(raw), testIssuer)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not a valid encrypted JWT")
	})

	t.Run("expired encrypted assertion fails", func(t *testing.T) {
		t.Parallel()
		claims := assertionClaims("c1")
		claims.Expiry = jwt.NewNumericDate(time.Now().Add(-time.Minute))
		_, err := a.Authenticate(context.Background(), instruction(
			encryptAssertion(t, testSecret, testSecret, claims),
		), testIssuer)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "expired")
	})

	t.Run("missing assertion fails", func(t *testing.T) {
		t.Parallel()
		_, err := a.Authenticate(context.Background(), &Instruction{
			BodyClientID: "c1",
		}, testIssuer)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "assertion is missing")
	})

	t.Run("client without a shared secret fails", func(t *testing.T) {
		t.Parallel()
		secretless := &clients.Client{ID: "c2", AuthMethod: clients.AuthMethodSecretJWT}
		b := NewAuthenticator(storeWith(secretless))
		_, err := b.Authenticate(context.Background(), &Instruction{
			BodyClientID:        "c2",
			ClientAssertion:     encryptAssertion(t, testSecret, testSecret, assertionClaims("c2")),
			ClientAssertionType: AssertionTypeJWTBearer,
		}, testIssuer)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no shared secret")
	})
}
