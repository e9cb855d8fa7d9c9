// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package grant orchestrates the UMA ticket grant: it ties client
// authentication, ticket redemption, the authorization gate and token
// minting together into the token endpoint's decision flow.
package grant

import (
	"context"
	"strings"

	"github.com/stacklok/umad/pkg/audit"
	"github.com/stacklok/umad/pkg/authn"
	"github.com/stacklok/umad/pkg/authz"
	"github.com/stacklok/umad/pkg/clients"
	"github.com/stacklok/umad/pkg/logger"
	"github.com/stacklok/umad/pkg/oautherr"
	"github.com/stacklok/umad/pkg/tickets"
	"github.com/stacklok/umad/pkg/tokens"
)

// component is the audit component name for grant events.
const component = "grant"

// Engine drives the UMA ticket grant end to end. One Engine serves all
// requests; it holds no per-request state.
type Engine struct {
	authenticator *authn.Authenticator
	ticketManager *tickets.Manager
	gate          authz.Gate
	minter        *tokens.Minter
	tokenStore    tokens.Store
	publisher     audit.Publisher
	issuer        string
}

// NewEngine creates a grant engine. All collaborators are required
// except publisher, which defaults to a no-op.
func NewEngine(
	authenticator *authn.Authenticator,
	ticketManager *tickets.Manager,
	gate authz.Gate,
	minter *tokens.Minter,
	tokenStore tokens.Store,
	issuer string,
) *Engine {
	if authenticator == nil || ticketManager == nil || gate == nil || minter == nil || tokenStore == nil {
		panic("grant: all collaborators are required")
	}
	return &Engine{
		authenticator: authenticator,
		ticketManager: ticketManager,
		gate:          gate,
		minter:        minter,
		tokenStore:    tokenStore,
		publisher:     audit.NopPublisher{},
		issuer:        issuer,
	}
}

// WithPublisher sets the audit publisher. Returns the engine for chaining.
func (e *Engine) WithPublisher(publisher audit.Publisher) *Engine {
	e.publisher = publisher
	return e
}

// RequestPermission authenticates the caller as a registered client and
// creates a permission ticket for the given requests on behalf of owner.
// Returns the new ticket id.
func (e *Engine) RequestPermission(
	ctx context.Context,
	in *authn.Instruction,
	owner string,
	requests []tickets.PermissionRequest,
) (string, error) {
	client, err := e.authenticator.Authenticate(ctx, in, e.issuer)
	if err != nil {
		e.auditAuthFailure(in, err)
		return "", err
	}

	ticketID, err := e.ticketManager.RequestPermission(ctx, owner, requests)
	if err != nil {
		return "", err
	}

	ids := make([]string, 0, len(requests))
	for _, req := range requests {
		ids = append(ids, req.ResourceSetID)
	}
	e.publisher.Publish(audit.NewEvent(
		audit.EventTypePermissionRequested, audit.OutcomeSuccess, component,
		map[string]string{
			audit.SubjectKeyClientID:      client.ID,
			audit.SubjectKeyResourceOwner: owner,
		},
	).WithTarget(map[string]string{
		audit.TargetKeyTicketID:       ticketID,
		audit.TargetKeyResourceSetIDs: strings.Join(ids, " "),
	}))

	return ticketID, nil
}

// RedeemTicketForToken runs the full ticket redemption flow: client
// authentication, grant-type check, ticket load with expiry check, gate
// evaluation, token minting and persistence, then ticket consumption.
// The ticket is consumed only after the minted token has been persisted;
// a persistence failure leaves it redeemable.
func (e *Engine) RedeemTicketForToken(
	ctx context.Context,
	ticketID string,
	in *authn.Instruction,
	claimToken string,
	scope string,
) (*tokens.GrantedToken, error) {
	if ticketID == "" {
		return nil, oautherr.New(oautherr.CodeInvalidRequest, "the parameter ticket needs to be specified")
	}

	client, err := e.authenticator.Authenticate(ctx, in, e.issuer)
	if err != nil {
		e.auditAuthFailure(in, err)
		return nil, err
	}

	if !client.HasGrantType(clients.GrantTypeUMATicket) {
		return nil, oautherr.New(oautherr.CodeInvalidGrant,
			"the client doesn't support the grant type uma_ticket")
	}

	ticket, err := e.ticketManager.Redeem(ctx, ticketID)
	if err != nil {
		return nil, err
	}

	verdict, err := e.gate.Evaluate(ctx, ticket, client, claimToken)
	if err != nil {
		return nil, oautherr.Wrap(oautherr.CodeServerError, "the authorization policy cannot be evaluated", err)
	}

	switch verdict.Decision {
	case authz.DecisionAuthorized:
		return e.issueToken(ctx, client, ticket, scope, claimToken)

	case authz.DecisionRequestSubmitted:
		e.auditRedemption(audit.EventTypeRedemptionPending, audit.OutcomePending, client, ticket, "")
		return nil, oautherr.New(oautherr.CodeRequestSubmitted,
			"the authorization request has been submitted and is pending approval")

	default:
		e.auditRedemption(audit.EventTypeRedemptionDenied, audit.OutcomeDenied, client, ticket, "")
		return nil, oautherr.New(oautherr.CodeRequestDenied, "the authorization request has been denied")
	}
}

// issueToken mints and persists the granted token, then consumes the
// ticket. Consumption comes last: if two requests race on the same
// ticket, the loser of the store's removal arbitration gets an
// invalid_grant and its freshly minted token is never returned.
func (e *Engine) issueToken(
	ctx context.Context,
	client *clients.Client,
	ticket *tickets.Ticket,
	scope string,
	claimToken string,
) (*tokens.GrantedToken, error) {
	// The caller's claim token doubles as the id token passed through on
	// the granted token.
	token, err := e.minter.Mint(ctx, client, ticket.Lines, scope, e.issuer, claimToken)
	if err != nil {
		e.auditRedemption(audit.EventTypeRedemptionFailed, audit.OutcomeError, client, ticket, "")
		return nil, oautherr.Wrap(oautherr.CodeServerError, "the token cannot be minted", err)
	}

	if err := e.tokenStore.AddToken(ctx, token); err != nil {
		// The ticket stays untouched so the caller can retry redemption.
		e.auditRedemption(audit.EventTypeRedemptionFailed, audit.OutcomeError, client, ticket, "")
		return nil, oautherr.Wrap(oautherr.CodeServerError, "the token cannot be inserted", err)
	}

	removed, err := e.ticketManager.Consume(ctx, ticket.ID)
	if err != nil {
		e.auditRedemption(audit.EventTypeRedemptionFailed, audit.OutcomeError, client, ticket, "")
		return nil, oautherr.Wrap(oautherr.CodeServerError, "the ticket cannot be removed", err)
	}
	if !removed {
		// A concurrent redemption consumed the ticket first.
		logger.Debugw("ticket already consumed", "ticket_id", ticket.ID)
		return nil, oautherr.New(oautherr.CodeInvalidGrant, "the ticket doesn't exist")
	}

	e.auditRedemption(audit.EventTypeTicketRedeemed, audit.OutcomeSuccess, client, ticket, token.ID)
	return token, nil
}

func (e *Engine) auditAuthFailure(in *authn.Instruction, err error) {
	clientID := in.HeaderClientID
	if clientID == "" {
		clientID = in.BodyClientID
	}
	e.publisher.Publish(audit.NewEvent(
		audit.EventTypeClientAuthFailed, audit.OutcomeError, component,
		map[string]string{audit.SubjectKeyClientID: clientID},
	).WithData(map[string]string{"error": err.Error()}))
}

func (e *Engine) auditRedemption(
	eventType, outcome string,
	client *clients.Client,
	ticket *tickets.Ticket,
	tokenID string,
) {
	target := map[string]string{audit.TargetKeyTicketID: ticket.ID}
	if tokenID != "" {
		target[audit.TargetKeyTokenID] = tokenID
	}
	e.publisher.Publish(audit.NewEvent(
		eventType, outcome, component,
		map[string]string{
			audit.SubjectKeyClientID:      client.ID,
			audit.SubjectKeyResourceOwner: ticket.ResourceOwner,
		},
	).WithTarget(target))
}
