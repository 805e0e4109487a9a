// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"context"
	"errors"
)

// ErrUnauthorized is returned when authentication fails.
// Implementations should wrap this error with additional context.
//
// Example:
//
//	if !found {
//	    return nil, fmt.Errorf("unknown session: %w", extensions.ErrUnauthorized)
//	}
var ErrUnauthorized = errors.New("unauthorized")

// Authentication methods recorded on AuthInfo.
const (
	MethodSession = "session"
	MethodAPIKey  = "api_key"
)

// AuthInfo contains identity information returned after successful
// authentication.
//
// Required fields (always populated):
//   - UserID: Unique identifier for the user
//   - Method: How the caller authenticated (MethodSession, MethodAPIKey)
type AuthInfo struct {
	// UserID is the unique identifier for the authenticated user.
	// This is the only identity field and must never be empty.
	UserID string

	// Method records the credential type that produced this identity.
	Method string
}

// AuthProvider validates authentication tokens and returns user identity.
//
// # Description
//
// Validate returns ErrUnauthorized (possibly wrapped) when the token is
// missing, unknown or expired. Any other error means the provider itself
// failed and the caller should answer with a server error.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use by multiple goroutines.
type AuthProvider interface {
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// NopAuthProvider rejects every token. With it the gateway serves only the
// anonymous demo chat and the public API-key endpoint.
type NopAuthProvider struct{}

// Validate always returns ErrUnauthorized.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return nil, ErrUnauthorized
}

var _ AuthProvider = (*NopAuthProvider)(nil)
