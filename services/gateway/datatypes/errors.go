// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"errors"
	"fmt"
	"net/http"
)

// =============================================================================
// Error Taxonomy
// =============================================================================

// ErrorKind classifies gateway failures by how they surface to the caller.
type ErrorKind string

const (
	// KindAuth covers missing or invalid credentials and inactive subscriptions.
	// The caller never learns which check failed.
	KindAuth ErrorKind = "auth"

	// KindEntitlement covers missing plans and exceeded quotas. The reason is
	// disclosed because it only concerns the caller's own account.
	KindEntitlement ErrorKind = "entitlement"

	// KindValidation covers malformed input and disallowed content.
	KindValidation ErrorKind = "validation"

	// KindUpstream covers provider and collaborator failures. Details stay in
	// the server log.
	KindUpstream ErrorKind = "upstream"

	// KindNotFound covers missing collections and documents.
	KindNotFound ErrorKind = "not_found"

	// KindRateLimited is returned when a credential exceeds its request rate.
	KindRateLimited ErrorKind = "rate_limited"
)

// Generic messages for kinds whose detail must not reach the caller.
const (
	MessageUnauthorized = "unauthorized"
	MessageInternal     = "internal error"
)

// GatewayError is the single error type handlers translate into HTTP responses.
//
// # Description
//
// Message is the caller-facing text. Err holds the underlying cause and is only
// ever logged. For KindAuth and KindUpstream the Message is replaced by a generic
// string when the error is rendered (see PublicMessage).
//
// # Thread Safety
//
// Immutable after construction.
type GatewayError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// Error implements error.
func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *GatewayError) Unwrap() error {
	return e.Err
}

// StatusCode maps the kind to its HTTP status.
func (e *GatewayError) StatusCode() int {
	switch e.Kind {
	case KindAuth:
		return http.StatusUnauthorized
	case KindEntitlement:
		return http.StatusForbidden
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the text that is safe to send to the caller.
func (e *GatewayError) PublicMessage() string {
	switch e.Kind {
	case KindAuth:
		return MessageUnauthorized
	case KindUpstream:
		return MessageInternal
	default:
		return e.Message
	}
}

// NewAuthError builds a KindAuth error. reason is logged, never shown.
func NewAuthError(reason string) *GatewayError {
	return &GatewayError{Kind: KindAuth, Message: reason}
}

// NewEntitlementError builds a KindEntitlement error with a caller-visible reason.
func NewEntitlementError(format string, args ...any) *GatewayError {
	return &GatewayError{Kind: KindEntitlement, Message: fmt.Sprintf(format, args...)}
}

// NewValidationError builds a KindValidation error with a caller-visible reason.
func NewValidationError(format string, args ...any) *GatewayError {
	return &GatewayError{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// NewNotFoundError builds a KindNotFound error.
func NewNotFoundError(format string, args ...any) *GatewayError {
	return &GatewayError{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// NewUpstreamError wraps a collaborator failure. stage names the operation.
func NewUpstreamError(stage string, err error) *GatewayError {
	return &GatewayError{Kind: KindUpstream, Message: stage, Err: err}
}

// KindOf reports the kind of err. Errors that are not a GatewayError are
// treated as upstream failures.
func KindOf(err error) ErrorKind {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.Kind
	}
	return KindUpstream
}

// AsGatewayError returns err as a GatewayError, wrapping unknown errors as
// upstream failures.
func AsGatewayError(err error) *GatewayError {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr
	}
	return NewUpstreamError("unclassified", err)
}
