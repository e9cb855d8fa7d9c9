// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package server exposes the authorization server over HTTP: the token
// endpoint, the permission endpoint, both introspection variants, and
// the public JWKS.
package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stacklok/umad/pkg/authn"
	"github.com/stacklok/umad/pkg/clients"
	"github.com/stacklok/umad/pkg/grant"
	"github.com/stacklok/umad/pkg/keys"
	"github.com/stacklok/umad/pkg/logger"
	"github.com/stacklok/umad/pkg/oautherr"
	"github.com/stacklok/umad/pkg/tickets"
	"github.com/stacklok/umad/pkg/tokens"
)

// maxRequestBody caps permission request bodies.
const maxRequestBody = 1 << 20 // 1 MiB

// Handler provides HTTP handlers for the authorization server endpoints.
type Handler struct {
	engine        *grant.Engine
	authenticator *authn.Authenticator
	evaluator     *tokens.Evaluator
	keyProvider   keys.Provider
	issuer        string
}

// NewHandler creates a new Handler with the given dependencies.
func NewHandler(
	engine *grant.Engine,
	authenticator *authn.Authenticator,
	evaluator *tokens.Evaluator,
	keyProvider keys.Provider,
	issuer string,
) *Handler {
	return &Handler{
		engine:        engine,
		authenticator: authenticator,
		evaluator:     evaluator,
		keyProvider:   keyProvider,
		issuer:        issuer,
	}
}

// Routes returns a router with all endpoints registered.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(metricsMiddleware)

	r.Post("/oauth/token", h.TokenHandler)
	r.Post("/oauth/introspect", h.IntrospectHandler)
	r.Post("/uma/introspect", h.UMAIntrospectHandler)
	r.Post("/perm", h.PermissionHandler)
	r.Get("/jwks", h.JWKSHandler)
	r.Get("/health", h.HealthHandler)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// tokenResponse is the token endpoint's success body.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// TokenHandler implements the token endpoint. Only the UMA ticket grant
// is supported.
func (h *Handler) TokenHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, oautherr.New(oautherr.CodeInvalidRequest, "the request body cannot be parsed"))
		return
	}

	grantType := r.PostFormValue("grant_type")
	if grantType != clients.GrantTypeUMATicket {
		writeError(w, oautherr.Newf(oautherr.CodeInvalidGrant, "the grant type %s is not supported", grantType))
		return
	}

	in := instructionFromRequest(r)
	token, err := h.engine.RedeemTicketForToken(
		r.Context(),
		r.PostFormValue("ticket"),
		in,
		r.PostFormValue("claim_token"),
		r.PostFormValue("scope"),
	)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  token.AccessToken,
		TokenType:    token.TokenType,
		ExpiresIn:    token.ExpiresIn,
		RefreshToken: token.RefreshToken,
		IDToken:      token.IDToken,
		Scope:        token.Scope,
	})
}

// PermissionHandler implements the permission endpoint. The body is a
// JSON permission request or an array of them; the response carries the
// new ticket id. The caller authenticates as a registered client.
func (h *Handler) PermissionHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, oautherr.New(oautherr.CodeInvalidRequest, "the request body cannot be read"))
		return
	}

	requests, err := parsePermissionRequests(body)
	if err != nil {
		writeError(w, err)
		return
	}

	in := instructionFromRequest(r)
	ticketID, err := h.engine.RequestPermission(r.Context(), in, r.URL.Query().Get("owner"), requests)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"ticket": ticketID})
}

// IntrospectHandler implements RFC 7662 introspection. A missing or
// expired token yields {"active": false}, never an error.
func (h *Handler) IntrospectHandler(w http.ResponseWriter, r *http.Request) {
	result, ok := h.introspect(w, r, h.evaluator.Introspect)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// UMAIntrospectHandler implements the internal UMA introspection
// variant: a missing token is surfaced as an invalid_grant error rather
// than folded into an inactive response.
func (h *Handler) UMAIntrospectHandler(w http.ResponseWriter, r *http.Request) {
	result, ok := h.introspect(w, r, h.evaluator.IntrospectUMA)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type introspectFunc func(ctx context.Context, token, tokenTypeHint string) (*tokens.IntrospectionResult, error)

func (h *Handler) introspect(w http.ResponseWriter, r *http.Request, fn introspectFunc) (*tokens.IntrospectionResult, bool) {
	if err := r.ParseForm(); err != nil {
		writeError(w, oautherr.New(oautherr.CodeInvalidRequest, "the request body cannot be parsed"))
		return nil, false
	}

	if _, err := h.authenticator.Authenticate(r.Context(), instructionFromRequest(r), h.issuer); err != nil {
		writeError(w, err)
		return nil, false
	}

	result, err := fn(r.Context(), r.PostFormValue("token"), r.PostFormValue("token_type_hint"))
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return result, true
}

// JWKSHandler serves the server's public signing keys.
func (h *Handler) JWKSHandler(w http.ResponseWriter, r *http.Request) {
	jwks, err := keys.MarshalJWKS(r.Context(), h.keyProvider)
	if err != nil {
		logger.Errorf("failed to marshal JWKS: %v", err)
		writeError(w, oautherr.Wrap(oautherr.CodeServerError, "the key set cannot be produced", err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(jwks)
}

// HealthHandler reports liveness.
func (*Handler) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// instructionFromRequest assembles the authentication instruction from
// the Authorization header, the form body, and the TLS peer certificate.
func instructionFromRequest(r *http.Request) *authn.Instruction {
	in := &authn.Instruction{
		BodyClientID:        r.PostFormValue("client_id"),
		BodyClientSecret:    r.PostFormValue("client_secret"),
		ClientAssertion:     r.PostFormValue("client_assertion"),
		ClientAssertionType: r.PostFormValue("client_assertion_type"),
	}

	if user, pass, ok := r.BasicAuth(); ok {
		in.HeaderClientID = user
		in.HeaderClientSecret = pass
	}

	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		in.Certificate = r.TLS.PeerCertificates[0]
	}

	return in
}

// parsePermissionRequests decodes the permission endpoint body: either a
// single permission request object or an array of them.
func parsePermissionRequests(body []byte) ([]tickets.PermissionRequest, error) {
	var batch []tickets.PermissionRequest
	if err := json.Unmarshal(body, &batch); err == nil {
		return batch, nil
	}

	var single tickets.PermissionRequest
	if err := json.Unmarshal(body, &single); err == nil {
		return []tickets.PermissionRequest{single}, nil
	}

	return nil, oautherr.New(oautherr.CodeInvalidRequest, "the request body cannot be parsed")
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Errorf("failed to write response: %v", err)
	}
}

// writeError maps an error to its RFC 6749 response. Unknown errors are
// wrapped as server_error so internal details never leak.
func writeError(w http.ResponseWriter, err error) {
	oerr := oautherr.AsError(err)
	if oerr.Code == oautherr.CodeServerError {
		logger.Errorf("internal error: %v", err)
	}
	writeJSON(w, oerr.HTTPStatus(), oerr.JSON())
}
