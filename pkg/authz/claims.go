// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authz

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/golang-jwt/jwt/v5"

	"github.com/stacklok/umad/pkg/clients"
	"github.com/stacklok/umad/pkg/tickets"
)

// ClaimsConfigType is the configuration type identifier for the
// claims-matching gate.
const ClaimsConfigType = "claimsv1"

func init() {
	Register(ClaimsConfigType, &claimsFactory{})
}

// ClaimPolicy authorizes access to one resource set when the requesting
// party's claim token carries all required claims.
type ClaimPolicy struct {
	// ResourceSetID is the resource set this policy protects.
	ResourceSetID string `json:"resource_set_id"`

	// Scopes restricts the policy to these scopes. Empty means the
	// policy covers every scope of the resource set.
	Scopes []string `json:"scopes,omitempty"`

	// RequiredClaims maps claim names to the values the claim token must
	// carry. A claim whose token value is a list matches when any list
	// element equals the required value.
	RequiredClaims map[string]any `json:"required_claims"`
}

// ClaimsConfig is the configuration for the claims-matching gate.
type ClaimsConfig struct {
	Version string         `json:"version"`
	Type    string         `json:"type"`
	Options *ClaimsOptions `json:"claims"`
}

// ClaimsOptions holds the claims-specific options.
type ClaimsOptions struct {
	Policies []ClaimPolicy `json:"policies"`
}

type claimsFactory struct{}

func (*claimsFactory) ValidateConfig(rawConfig json.RawMessage) error {
	var config ClaimsConfig
	if err := json.Unmarshal(rawConfig, &config); err != nil {
		return fmt.Errorf("failed to parse configuration: %w", err)
	}
	if config.Options == nil {
		return fmt.Errorf("claims configuration is required (missing 'claims' field)")
	}
	for i, policy := range config.Options.Policies {
		if policy.ResourceSetID == "" {
			return fmt.Errorf("policy %d: resource_set_id is required", i)
		}
	}
	return nil
}

func (*claimsFactory) CreateGate(rawConfig json.RawMessage) (Gate, error) {
	var config ClaimsConfig
	if err := json.Unmarshal(rawConfig, &config); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	if config.Options == nil {
		return nil, fmt.Errorf("claims configuration is required (missing 'claims' field)")
	}
	return NewClaimsGate(config.Options.Policies), nil
}

// ClaimsGate authorizes ticket redemption by matching the requesting
// party's claims against per-resource policies.
//
// For each ticket line: a line with no covering policy is denied; a line
// whose policies need claims the caller did not present yields a pending
// verdict (the requesting party can retry with more evidence); a
// mismatching claim value is a denial.
type ClaimsGate struct {
	policies map[string][]ClaimPolicy
}

// NewClaimsGate creates a claims-matching gate from the given policies.
func NewClaimsGate(policies []ClaimPolicy) *ClaimsGate {
	byResource := make(map[string][]ClaimPolicy)
	for _, p := range policies {
		byResource[p.ResourceSetID] = append(byResource[p.ResourceSetID], p)
	}
	return &ClaimsGate{policies: byResource}
}

// Evaluate implements Gate.
func (g *ClaimsGate) Evaluate(
	_ context.Context, ticket *tickets.Ticket, client *clients.Client, claimToken string,
) (*Verdict, error) {
	principal := parseClaimToken(claimToken)

	for _, line := range ticket.Lines {
		pending := false
		covering := g.coveringPolicies(line)
		if len(covering) == 0 {
			slog.Debug("no policy covers requested permission",
				"resource_set_id", line.ResourceSetID,
				"client_id", client.ID,
			)
			return NotAuthorized(principal), nil
		}

		matched := false
		for _, policy := range covering {
			if principal == nil {
				// Evidence is required but none was presented; the
				// request is submitted for the party to supply claims.
				pending = true
				continue
			}
			if claimsSatisfy(principal, policy.RequiredClaims) {
				matched = true
				break
			}
		}
		if matched {
			continue
		}
		if pending {
			return RequestSubmitted(principal), nil
		}
		return NotAuthorized(principal), nil
	}

	return Authorized(principal), nil
}

// coveringPolicies returns the policies applying to every scope of the
// line. A policy with no scope restriction covers all scopes.
func (g *ClaimsGate) coveringPolicies(line tickets.Line) []ClaimPolicy {
	var covering []ClaimPolicy
	for _, policy := range g.policies[line.ResourceSetID] {
		if len(policy.Scopes) == 0 || containsAll(policy.Scopes, line.Scopes) {
			covering = append(covering, policy)
		}
	}
	return covering
}

func containsAll(haystack, needles []string) bool {
	set := make(map[string]struct{}, len(haystack))
	for _, s := range haystack {
		set[s] = struct{}{}
	}
	for _, n := range needles {
		if _, ok := set[n]; !ok {
			return false
		}
	}
	return true
}

// claimsSatisfy reports whether the presented claims carry every
// required claim with a matching value.
func claimsSatisfy(presented jwt.MapClaims, required map[string]any) bool {
	for name, want := range required {
		got, ok := presented[name]
		if !ok {
			return false
		}
		if !claimValueMatches(got, want) {
			return false
		}
	}
	return true
}

// claimValueMatches compares a presented claim value against the
// required one. List-valued claims match when any element matches.
func claimValueMatches(got, want any) bool {
	if list, ok := got.([]any); ok {
		for _, item := range list {
			if fmt.Sprint(item) == fmt.Sprint(want) {
				return true
			}
		}
		return false
	}
	return fmt.Sprint(got) == fmt.Sprint(want)
}

// parseClaimToken decodes the claim token's payload without verifying
// its signature. Verification of caller-supplied evidence is the
// deployment's trust decision; the default gates treat the token as a
// claims carrier only.
func parseClaimToken(claimToken string) jwt.MapClaims {
	if claimToken == "" {
		return nil
	}
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(claimToken, claims); err != nil {
		slog.Debug("failed to parse claim token", "error", err)
		return nil
	}
	return claims
}
