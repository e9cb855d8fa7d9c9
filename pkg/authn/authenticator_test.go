// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authn

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/umad/pkg/clients"
	"github.com/stacklok/umad/pkg/oautherr"
)

const testIssuer = "https://issuer.example"

// fakeClientStore serves clients from a map.
type fakeClientStore struct {
	clients map[string]*clients.Client
}

func (s *fakeClientStore) GetClient(_ context.Context, id string) (*clients.Client, error) {
	return s.clients[id], nil
}

func storeWith(cs ...*clients.Client) *fakeClientStore {
	s := &fakeClientStore{clients: make(map[string]*clients.Client)}
	for _, c := range cs {
		s.clients[c.ID] = c
	}
	return s
}

func sharedSecretClient(id string, method clients.AuthMethod, secret string) *clients.Client {
	return &clients.Client{
		ID:         id,
		AuthMethod: method,
		Secrets:    []clients.Secret{{Type: clients.SecretTypeShared, Value: secret}},
		GrantTypes: []string{clients.GrantTypeUMATicket},
	}
}

// selfSignedCert creates a throwaway self-signed certificate for the TLS
// client auth tests.
func selfSignedCert(t *testing.T, commonName string) *x509.Certificate {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func TestAuthenticateSharedSecretBasic(t *testing.T) {
	t.Parallel()

	client := sharedSecretClient("c1", clients.AuthMethodSecretBasic, "s1")
	a := NewAuthenticator(storeWith(client))

	t.Run("matching header secret succeeds", func(t *testing.T) {
		t.Parallel()
		got, err := a.Authenticate(context.Background(), &Instruction{
			HeaderClientID:     "c1",
			HeaderClientSecret: "s1",
		}, testIssuer)
		require.NoError(t, err)
		assert.Equal(t, "c1", got.ID)
	})

	t.Run("wrong secret fails", func(t *testing.T) {
		t.Parallel()
		_, err := a.Authenticate(context.Background(), &Instruction{
			HeaderClientID:     "c1",
			HeaderClientSecret: "wrong",
		}, testIssuer)
		assert.Equal(t, oautherr.CodeInvalidClient, oautherr.CodeOf(err))
	})

	t.Run("missing secret fails", func(t *testing.T) {
		t.Parallel()
		_, err := a.Authenticate(context.Background(), &Instruction{
			HeaderClientID: "c1",
		}, testIssuer)
		assert.Equal(t, oautherr.CodeInvalidClient, oautherr.CodeOf(err))
	})

	t.Run("body secret is ignored for the basic method", func(t *testing.T) {
		t.Parallel()
		_, err := a.Authenticate(context.Background(), &Instruction{
			HeaderClientID:   "c1",
			BodyClientSecret: "s1",
		}, testIssuer)
		assert.Equal(t, oautherr.CodeInvalidClient, oautherr.CodeOf(err))
	})

	t.Run("unknown client fails", func(t *testing.T) {
		t.Parallel()
		_, err := a.Authenticate(context.Background(), &Instruction{
			HeaderClientID:     "nope",
			HeaderClientSecret: "s1",
		}, testIssuer)
		require.Error(t, err)
		assert.Equal(t, oautherr.CodeInvalidClient, oautherr.CodeOf(err))
		assert.Contains(t, err.Error(), "doesn't exist")
	})

	t.Run("no candidate client id fails", func(t *testing.T) {
		t.Parallel()
		_, err := a.Authenticate(context.Background(), &Instruction{}, testIssuer)
		assert.Equal(t, oautherr.CodeInvalidClient, oautherr.CodeOf(err))
	})
}

func TestAuthenticateSharedSecretPost(t *testing.T) {
	t.Parallel()

	client := sharedSecretClient("c1", clients.AuthMethodSecretPost, "s1")
	// A second shared secret lets rotated credentials keep working.
	client.Secrets = append(client.Secrets, clients.Secret{Type: clients.SecretTypeShared, Value: "s2"})
	a := NewAuthenticator(storeWith(client))

	t.Run("matching body secret succeeds", func(t *testing.T) {
		t.Parallel()
		got, err := a.Authenticate(context.Background(), &Instruction{
			BodyClientID:     "c1",
			BodyClientSecret: "s1",
		}, testIssuer)
		require.NoError(t, err)
		assert.Equal(t, "c1", got.ID)
	})

	t.Run("any registered secret matches", func(t *testing.T) {
		t.Parallel()
		_, err := a.Authenticate(context.Background(), &Instruction{
			BodyClientID:     "c1",
			BodyClientSecret: "s2",
		}, testIssuer)
		assert.NoError(t, err)
	})

	t.Run("header id resolves before body id", func(t *testing.T) {
		t.Parallel()
		// The header names an unknown client; the body id is not consulted.
		_, err := a.Authenticate(context.Background(), &Instruction{
			HeaderClientID:   "unknown",
			BodyClientID:     "c1",
			BodyClientSecret: "s1",
		}, testIssuer)
		assert.Equal(t, oautherr.CodeInvalidClient, oautherr.CodeOf(err))
	})
}

func TestAuthenticateTLSClientAuth(t *testing.T) {
	t.Parallel()

	cert := selfSignedCert(t, "client-one")
	client := &clients.Client{
		ID:         "c1",
		AuthMethod: clients.AuthMethodTLSClientAuth,
		Secrets: []clients.Secret{
			{Type: clients.SecretTypeX509Thumbprint, Value: CertificateThumbprint(cert)},
			{Type: clients.SecretTypeX509Name, Value: cert.Subject.String()},
		},
	}
	a := NewAuthenticator(storeWith(client))

	t.Run("matching certificate succeeds", func(t *testing.T) {
		t.Parallel()
		got, err := a.Authenticate(context.Background(), &Instruction{
			BodyClientID: "c1",
			Certificate:  cert,
		}, testIssuer)
		require.NoError(t, err)
		assert.Equal(t, "c1", got.ID)
	})

	t.Run("missing certificate fails", func(t *testing.T) {
		t.Parallel()
		_, err := a.Authenticate(context.Background(), &Instruction{
			BodyClientID: "c1",
		}, testIssuer)
		assert.Equal(t, oautherr.CodeInvalidClient, oautherr.CodeOf(err))
	})

	t.Run("different certificate fails", func(t *testing.T) {
		t.Parallel()
		other := selfSignedCert(t, "client-one")
		_, err := a.Authenticate(context.Background(), &Instruction{
			BodyClientID: "c1",
			Certificate:  other,
		}, testIssuer)
		assert.Equal(t, oautherr.CodeInvalidClient, oautherr.CodeOf(err))
	})

	t.Run("matching thumbprint but different subject fails", func(t *testing.T) {
		t.Parallel()
		otherSubject := &clients.Client{
			ID:         "c2",
			AuthMethod: clients.AuthMethodTLSClientAuth,
			Secrets: []clients.Secret{
				{Type: clients.SecretTypeX509Thumbprint, Value: CertificateThumbprint(cert)},
				{Type: clients.SecretTypeX509Name, Value: "CN=someone-else"},
			},
		}
		b := NewAuthenticator(storeWith(otherSubject))
		_, err := b.Authenticate(context.Background(), &Instruction{
			BodyClientID: "c2",
			Certificate:  cert,
		}, testIssuer)
		assert.Equal(t, oautherr.CodeInvalidClient, oautherr.CodeOf(err))
	})

	t.Run("client without certificate binding fails", func(t *testing.T) {
		t.Parallel()
		unbound := &clients.Client{ID: "c3", AuthMethod: clients.AuthMethodTLSClientAuth}
		b := NewAuthenticator(storeWith(unbound))
		_, err := b.Authenticate(context.Background(), &Instruction{
			BodyClientID: "c3",
			Certificate:  cert,
		}, testIssuer)
		assert.Equal(t, oautherr.CodeInvalidClient, oautherr.CodeOf(err))
	})
}

func TestAuthenticateUnsupportedMethod(t *testing.T) {
	t.Parallel()

	client := &clients.Client{ID: "c1", AuthMethod: "none"}
	a := NewAuthenticator(storeWith(client))

	_, err := a.Authenticate(context.Background(), &Instruction{BodyClientID: "c1"}, testIssuer)
	require.Error(t, err)
	assert.Equal(t, oautherr.CodeInvalidClient, oautherr.CodeOf(err))
}
