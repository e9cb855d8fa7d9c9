// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package audit provides the audit trail for authorization decisions.
//
// Every redemption outcome, permission request, and authentication
// failure produces an event. Publishing is fire-and-forget: a slow or
// failing sink never blocks or fails the operation being audited.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"time"
)

// Event types emitted by the authorization server.
const (
	// EventTypePermissionRequested records creation of a permission ticket.
	EventTypePermissionRequested = "permission_requested"

	// EventTypeTicketRedeemed records a successful ticket redemption.
	EventTypeTicketRedeemed = "ticket_redeemed"

	// EventTypeRedemptionDenied records a not-authorized gate verdict.
	EventTypeRedemptionDenied = "redemption_denied"

	// EventTypeRedemptionPending records a request-submitted gate verdict.
	EventTypeRedemptionPending = "redemption_pending"

	// EventTypeRedemptionFailed records an internal failure during
	// redemption, distinct from a policy denial.
	EventTypeRedemptionFailed = "redemption_failed"

	// EventTypeClientAuthFailed records a failed client authentication.
	EventTypeClientAuthFailed = "client_authentication_failed"
)

// Outcomes of an audited operation.
const (
	// OutcomeSuccess indicates the operation succeeded.
	OutcomeSuccess = "success"

	// OutcomeDenied indicates the operation was denied by policy.
	OutcomeDenied = "denied"

	// OutcomePending indicates the operation awaits approval.
	OutcomePending = "pending"

	// OutcomeError indicates the operation failed internally.
	OutcomeError = "error"
)

// Target field keys.
const (
	// TargetKeyTicketID is the key for the ticket id in the target map.
	TargetKeyTicketID = "ticket_id"

	// TargetKeyResourceSetIDs is the key for the requested resource set
	// ids in the target map.
	TargetKeyResourceSetIDs = "resource_set_ids"

	// TargetKeyTokenID is the key for the issued token id in the target map.
	TargetKeyTokenID = "token_id"
)

// Subject field keys.
const (
	// SubjectKeyClientID is the key for the client id in the subjects map.
	SubjectKeyClientID = "client_id"

	// SubjectKeyResourceOwner is the key for the resource owner in the
	// subjects map.
	SubjectKeyResourceOwner = "resource_owner"
)

// LevelAudit is the slog level audit records are written at. It sits
// above Info so audit output survives an info-level filter.
const LevelAudit = slog.Level(6)

// Event is one audit record.
type Event struct {
	// Type is one of the EventType* constants.
	Type string `json:"type"`

	// LoggedAt is when the event was created (UTC).
	LoggedAt time.Time `json:"logged_at"`

	// Outcome is one of the Outcome* constants.
	Outcome string `json:"outcome"`

	// Component identifies the emitting component.
	Component string `json:"component,omitempty"`

	// Subjects identifies who the event is about.
	Subjects map[string]string `json:"subjects,omitempty"`

	// Target identifies what the event is about.
	Target map[string]string `json:"target,omitempty"`

	// Data carries optional structured details.
	Data *json.RawMessage `json:"data,omitempty"`
}

// NewEvent creates an audit event stamped with the current time.
func NewEvent(eventType, outcome, component string, subjects map[string]string) *Event {
	return &Event{
		Type:      eventType,
		LoggedAt:  time.Now().UTC(),
		Outcome:   outcome,
		Component: component,
		Subjects:  subjects,
	}
}

// WithTarget sets the event target and returns the event for chaining.
func (e *Event) WithTarget(target map[string]string) *Event {
	e.Target = target
	return e
}

// WithData attaches structured details and returns the event for
// chaining. Marshal failures are ignored; the event stays usable.
func (e *Event) WithData(data any) *Event {
	if raw, err := json.Marshal(data); err == nil {
		msg := json.RawMessage(raw)
		e.Data = &msg
	}
	return e
}

// LogTo writes the event to the given logger at the audit level.
func (e *Event) LogTo(ctx context.Context, logger *slog.Logger) {
	logger.Log(ctx, LevelAudit, "audit_event",
		"type", e.Type,
		"logged_at", e.LoggedAt.Format(time.RFC3339Nano),
		"outcome", e.Outcome,
		"component", e.Component,
		"subjects", e.Subjects,
		"target", e.Target,
		"data", e.Data,
	)
}

// NewAuditLogger creates a JSON slog logger for audit output.
func NewAuditLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: LevelAudit,
	}))
}
