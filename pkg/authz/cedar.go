// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	cedar "github.com/cedar-policy/cedar-go"

	"github.com/stacklok/umad/pkg/clients"
	"github.com/stacklok/umad/pkg/tickets"
)

// CedarConfigType is the configuration type identifier for the Cedar
// policy gate.
const CedarConfigType = "cedarv1"

func init() {
	Register(CedarConfigType, &cedarFactory{})
}

// Cedar gate errors.
var (
	ErrNoPolicies    = errors.New("no policies loaded")
	ErrInvalidPolicy = errors.New("invalid policy")
)

// CedarConfig is the configuration for the Cedar gate.
type CedarConfig struct {
	Version string        `json:"version"`
	Type    string        `json:"type"`
	Options *CedarOptions `json:"cedar"`
}

// CedarOptions holds the Cedar-specific options.
type CedarOptions struct {
	// Policies is a list of Cedar policy strings.
	Policies []string `json:"policies"`

	// EntitiesJSON is the JSON document with additional Cedar entities.
	EntitiesJSON string `json:"entities_json,omitempty"`
}

type cedarFactory struct{}

func (*cedarFactory) ValidateConfig(rawConfig json.RawMessage) error {
	var config CedarConfig
	if err := json.Unmarshal(rawConfig, &config); err != nil {
		return fmt.Errorf("failed to parse configuration: %w", err)
	}
	if config.Options == nil {
		return fmt.Errorf("cedar configuration is required (missing 'cedar' field)")
	}
	if len(config.Options.Policies) == 0 {
		return fmt.Errorf("at least one policy is required: %w", ErrNoPolicies)
	}
	return nil
}

func (*cedarFactory) CreateGate(rawConfig json.RawMessage) (Gate, error) {
	var config CedarConfig
	if err := json.Unmarshal(rawConfig, &config); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	if config.Options == nil {
		return nil, fmt.Errorf("cedar configuration is required (missing 'cedar' field)")
	}
	return NewCedarGate(*config.Options)
}

// CedarGate authorizes ticket redemption with Cedar policies. Each
// requested scope of each ticket line becomes one Cedar request:
//
//	principal = Client::<client_id>
//	action    = Action::<scope>
//	resource  = ResourceSet::<resource_set_id>
//
// with the requesting party's claims in the request context under
// claim_-prefixed keys. Every request must be allowed for an authorized
// verdict; any forbid yields a denial. Cedar has no pending state, so
// this gate never returns a submitted verdict.
type CedarGate struct {
	mu        sync.RWMutex
	policySet *cedar.PolicySet
	entities  cedar.EntityMap
}

// NewCedarGate creates a Cedar gate from the given options.
func NewCedarGate(options CedarOptions) (*CedarGate, error) {
	if len(options.Policies) == 0 {
		return nil, ErrNoPolicies
	}

	gate := &CedarGate{
		policySet: cedar.NewPolicySet(),
		entities:  cedar.EntityMap{},
	}

	for i, policyStr := range options.Policies {
		var policy cedar.Policy
		if err := policy.UnmarshalCedar([]byte(policyStr)); err != nil {
			return nil, fmt.Errorf("failed to parse policy %d: %w: %w", i, ErrInvalidPolicy, err)
		}
		policyID := cedar.PolicyID(fmt.Sprintf("policy%d", i))
		gate.policySet.Add(policyID, &policy)
	}

	if options.EntitiesJSON != "" {
		if err := json.Unmarshal([]byte(options.EntitiesJSON), &gate.entities); err != nil {
			return nil, fmt.Errorf("failed to parse entities JSON: %w", err)
		}
	}

	return gate, nil
}

// Evaluate implements Gate.
func (g *CedarGate) Evaluate(
	_ context.Context, ticket *tickets.Ticket, client *clients.Client, claimToken string,
) (*Verdict, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	principal := parseClaimToken(claimToken)
	contextRecord := claimsToCedarRecord(principal)

	for _, line := range ticket.Lines {
		for _, scope := range line.Scopes {
			req := cedar.Request{
				Principal: cedar.NewEntityUID("Client", cedar.String(client.ID)),
				Action:    cedar.NewEntityUID("Action", cedar.String(scope)),
				Resource:  cedar.NewEntityUID("ResourceSet", cedar.String(line.ResourceSetID)),
				Context:   contextRecord,
			}

			decision, diagnostic := cedar.Authorize(g.policySet, g.entities, req)
			slog.Debug("cedar decision",
				"principal", req.Principal,
				"action", req.Action,
				"resource", req.Resource,
				"decision", decision,
			)
			if len(diagnostic.Errors) > 0 {
				return nil, fmt.Errorf("authorization error: %v", diagnostic.Errors)
			}
			if decision != cedar.Allow {
				return NotAuthorized(principal), nil
			}
		}
	}

	return Authorized(principal), nil
}

// claimsToCedarRecord projects JWT claims into a Cedar context record.
// Claim keys get a claim_ prefix so policies can tell token evidence
// apart from other context. Unsupported value types are skipped.
func claimsToCedarRecord(claims map[string]any) cedar.Record {
	if claims == nil {
		return cedar.NewRecord(cedar.RecordMap{})
	}

	recordMap := make(cedar.RecordMap, len(claims))
	for k, v := range claims {
		if value := toCedarValue(v); value != nil {
			recordMap[cedar.String("claim_"+k)] = value
		}
	}
	return cedar.NewRecord(recordMap)
}

func toCedarValue(v any) cedar.Value {
	switch val := v.(type) {
	case bool:
		return cedar.Boolean(val)
	case string:
		return cedar.String(val)
	case int:
		return cedar.Long(val)
	case int64:
		return cedar.Long(val)
	case float64:
		return cedar.Long(int64(val))
	case []any:
		items := make([]cedar.Value, 0, len(val))
		for _, item := range val {
			if converted := toCedarValue(item); converted != nil {
				items = append(items, converted)
			}
		}
		return cedar.NewSet(items...)
	default:
		return nil
	}
}
