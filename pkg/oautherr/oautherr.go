// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package oautherr defines the OAuth2/UMA error taxonomy used across umad.
//
// Errors are plain values carrying an RFC 6749-style error code, a
// human-readable description, and the HTTP status the transport layer
// should map them to. Expected protocol failures (bad credentials, expired
// tickets, denied requests) travel as these values; panics are reserved
// for programmer errors such as nil required dependencies.
package oautherr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes returned by the authorization server.
const (
	// CodeInvalidRequest is returned for malformed or missing required input.
	CodeInvalidRequest = "invalid_request"

	// CodeInvalidClient is returned when client authentication fails.
	CodeInvalidClient = "invalid_client"

	// CodeInvalidGrant is returned when the grant type is unsupported or a
	// ticket is missing or not redeemable.
	CodeInvalidGrant = "invalid_grant"

	// CodeExpiredTicket is returned when a permission ticket has expired.
	CodeExpiredTicket = "expired_ticket"

	// CodeInvalidScope is returned when a requested scope is not declared
	// on the referenced resource set.
	CodeInvalidScope = "invalid_scope"

	// CodeInvalidResourceSetID is returned when a permission request names
	// a resource set that does not exist.
	CodeInvalidResourceSetID = "invalid_resource_set_id"

	// CodeRequestSubmitted is returned when the authorization gate parked
	// the request for approval by the resource owner.
	CodeRequestSubmitted = "request_submitted"

	// CodeRequestDenied is returned when the authorization gate denied the
	// request outright.
	CodeRequestDenied = "request_denied"

	// CodeServerError is returned for store and other internal failures.
	CodeServerError = "server_error"
)

// statusByCode maps error codes to the HTTP status the transport uses.
var statusByCode = map[string]int{
	CodeInvalidRequest:       http.StatusBadRequest,
	CodeInvalidClient:        http.StatusUnauthorized,
	CodeInvalidGrant:         http.StatusBadRequest,
	CodeExpiredTicket:        http.StatusBadRequest,
	CodeInvalidScope:         http.StatusBadRequest,
	CodeInvalidResourceSetID: http.StatusBadRequest,
	CodeRequestSubmitted:     http.StatusForbidden,
	CodeRequestDenied:        http.StatusBadRequest,
	CodeServerError:          http.StatusInternalServerError,
}

// Error is a protocol-level error with an OAuth2 error code.
type Error struct {
	// Code is one of the Code* constants.
	Code string

	// Description is the human-readable error_description.
	Description string

	// Cause is the underlying error, if any.
	Cause error
}

// New creates an Error with the given code and description.
func New(code, description string) *Error {
	return &Error{Code: code, Description: description}
}

// Newf creates an Error with a formatted description.
func Newf(code, format string, args ...any) *Error {
	return &Error{Code: code, Description: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error that records cause for unwrapping. The cause is
// not exposed in the description, so internal details never reach the
// wire.
func Wrap(code, description string, cause error) *Error {
	return &Error{Code: code, Description: description, Cause: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Description, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same code. This makes
// errors.Is(err, oautherr.New(code, "")) match on code alone.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// HTTPStatus returns the HTTP status code for the error.
func (e *Error) HTTPStatus() int {
	if status, ok := statusByCode[e.Code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// JSON returns the RFC 6749 error response body fields.
func (e *Error) JSON() map[string]string {
	body := map[string]string{"error": e.Code}
	if e.Description != "" {
		body["error_description"] = e.Description
	}
	return body
}

// CodeOf returns the OAuth error code for err, or server_error when err is
// not an *Error.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeServerError
}

// AsError converts err to an *Error, wrapping unknown errors as
// server_error so internal failures never leak their message.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(CodeServerError, "internal error", err)
}
