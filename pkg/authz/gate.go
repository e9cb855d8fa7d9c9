// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package authz defines the authorization gate consulted during ticket
// redemption, and the pluggable policy evaluators behind it.
//
// The redemption engine never inspects rule internals: it hands the gate
// a ticket, the authenticated client, and the requesting party's claim
// token, and acts on the tri-state verdict alone.
package authz

import (
	"context"

	"github.com/golang-jwt/jwt/v5"

	"github.com/stacklok/umad/pkg/clients"
	"github.com/stacklok/umad/pkg/tickets"
)

// Decision is the gate's tri-state outcome.
type Decision string

const (
	// DecisionAuthorized grants every permission the ticket requests.
	DecisionAuthorized Decision = "authorized"

	// DecisionRequestSubmitted parks the request pending approval by the
	// resource owner; the ticket stays redeemable.
	DecisionRequestSubmitted Decision = "request_submitted"

	// DecisionNotAuthorized denies the request; the ticket stays
	// redeemable until it expires.
	DecisionNotAuthorized Decision = "not_authorized"
)

// Verdict is the gate's answer for one redemption attempt.
type Verdict struct {
	// Decision is the tri-state outcome.
	Decision Decision

	// Principal carries the requesting party's claims as understood by
	// the evaluator, for auditing and token enrichment. May be nil.
	Principal jwt.MapClaims
}

// Authorized is shorthand for an authorized verdict with the given
// principal claims.
func Authorized(principal jwt.MapClaims) *Verdict {
	return &Verdict{Decision: DecisionAuthorized, Principal: principal}
}

// RequestSubmitted is shorthand for a pending verdict.
func RequestSubmitted(principal jwt.MapClaims) *Verdict {
	return &Verdict{Decision: DecisionRequestSubmitted, Principal: principal}
}

// NotAuthorized is shorthand for a denied verdict.
func NotAuthorized(principal jwt.MapClaims) *Verdict {
	return &Verdict{Decision: DecisionNotAuthorized, Principal: principal}
}

// Gate evaluates whether a client may redeem a ticket. claimToken is the
// requesting party's evidence (typically an ID token) and may be empty.
//
// A returned error means evaluation itself failed; policy denials are
// expressed through the verdict, never as errors.
type Gate interface {
	Evaluate(ctx context.Context, ticket *tickets.Ticket, client *clients.Client, claimToken string) (*Verdict, error)
}
