// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the gateway.
//
// # Description
//
// Two credential regimes share this package. Dashboard requests carry a
// session token (cookie or bearer) validated by an extensions.AuthProvider;
// the caller's metadata is then loaded and exposed to handlers as an
// entitlement.Subject. Public chat requests carry an API key resolved by the
// auth.Authenticator. Handlers read the outcome with GetAuthInfo, GetSubject
// and GetCaller.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
	"github.com/AleutianAI/AleutianChat/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianChat/services/gateway/entitlement"
	"github.com/AleutianAI/AleutianChat/services/gateway/identity"
)

// =============================================================================
// Context Keys
// =============================================================================

const (
	authInfoKey = "aleutian_auth_info"
	subjectKey  = "aleutian_subject"
)

// DefaultSessionCookie is the cookie carrying the dashboard session token.
const DefaultSessionCookie = "aleutian_session"

// SetAuthInfo stores authentication info in the Gin context.
func SetAuthInfo(c *gin.Context, info *extensions.AuthInfo) {
	c.Set(authInfoKey, info)
}

// GetAuthInfo retrieves authentication info from the Gin context.
//
// Returns nil when the request is anonymous.
func GetAuthInfo(c *gin.Context) *extensions.AuthInfo {
	if info, exists := c.Get(authInfoKey); exists {
		if authInfo, ok := info.(*extensions.AuthInfo); ok {
			return authInfo
		}
	}
	return nil
}

// SetSubject stores the entitlement subject in the Gin context.
func SetSubject(c *gin.Context, s *entitlement.Subject) {
	c.Set(subjectKey, s)
}

// GetSubject returns the caller's entitlement subject, or an unauthenticated
// zero Subject when the request is anonymous. It never returns nil.
func GetSubject(c *gin.Context) *entitlement.Subject {
	if v, exists := c.Get(subjectKey); exists {
		if s, ok := v.(*entitlement.Subject); ok && s != nil {
			return s
		}
	}
	return &entitlement.Subject{}
}

// =============================================================================
// Session Authentication
// =============================================================================

// SessionConfig configures SessionAuth.
type SessionConfig struct {
	// Provider validates the session token.
	Provider extensions.AuthProvider

	// Directory loads the caller's metadata once the token is valid.
	Directory identity.Directory

	// Billing answers live plan checks. When nil the plan is read from the
	// metadata snapshot.
	Billing identity.Billing

	// CookieName is the session cookie. Empty means DefaultSessionCookie.
	CookieName string

	// Required rejects anonymous requests with 401. When false, requests
	// without a token pass through anonymously; an invalid token is still
	// rejected.
	Required bool

	Logger *slog.Logger
}

// SessionAuth authenticates dashboard requests.
//
// # Description
//
// The token is taken from the session cookie, falling back to an
// "Authorization: Bearer" header. A valid token yields AuthInfo and a
// Subject built from the user's current metadata.
//
// # Outputs
//
//   - 401 {"error": "unauthorized"} for an invalid token, an unknown user, or
//     a missing token when Required is set.
//   - 500 {"error": "internal error"} when the provider or directory fails.
func SessionAuth(cfg SessionConfig) gin.HandlerFunc {
	if cfg.Provider == nil || cfg.Directory == nil {
		panic("middleware.SessionAuth: provider and directory are required")
	}
	if cfg.CookieName == "" {
		cfg.CookieName = DefaultSessionCookie
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return func(c *gin.Context) {
		token := sessionToken(c, cfg.CookieName)
		if token == "" {
			if cfg.Required {
				abortUnauthorized(c)
				return
			}
			c.Next()
			return
		}

		ctx := c.Request.Context()
		authInfo, err := cfg.Provider.Validate(ctx, token)
		if err != nil {
			if errors.Is(err, extensions.ErrUnauthorized) {
				abortUnauthorized(c)
				return
			}
			cfg.Logger.Error("session validation failed", "error", err)
			abortInternal(c)
			return
		}

		user, err := cfg.Directory.GetUser(ctx, authInfo.UserID)
		if err != nil {
			if errors.Is(err, identity.ErrUserNotFound) {
				abortUnauthorized(c)
				return
			}
			cfg.Logger.Error("session user lookup failed", "user_id", authInfo.UserID, "error", err)
			abortInternal(c)
			return
		}

		var subject *entitlement.Subject
		if cfg.Billing != nil {
			subject = entitlement.FromBilling(user.ID, user.Metadata, cfg.Billing)
		} else {
			subject = entitlement.FromSnapshot(user.ID, user.Metadata)
		}

		SetAuthInfo(c, authInfo)
		SetSubject(c, subject)
		c.Next()
	}
}

// SessionProvider validates session tokens against an identity session
// store.
type SessionProvider struct {
	resolver identity.SessionResolver
}

// NewSessionProvider creates a SessionProvider.
func NewSessionProvider(resolver identity.SessionResolver) *SessionProvider {
	if resolver == nil {
		panic("middleware.NewSessionProvider: resolver must not be nil")
	}
	return &SessionProvider{resolver: resolver}
}

// Validate implements extensions.AuthProvider.
func (p *SessionProvider) Validate(ctx context.Context, token string) (*extensions.AuthInfo, error) {
	if token == "" {
		return nil, extensions.ErrUnauthorized
	}
	userID, err := p.resolver.ResolveSession(ctx, token)
	if err != nil {
		if errors.Is(err, identity.ErrSessionNotFound) {
			return nil, fmt.Errorf("session lookup: %w", extensions.ErrUnauthorized)
		}
		return nil, fmt.Errorf("session lookup: %w", err)
	}
	return &extensions.AuthInfo{UserID: userID, Method: extensions.MethodSession}, nil
}

var _ extensions.AuthProvider = (*SessionProvider)(nil)

// =============================================================================
// Helpers
// =============================================================================

func sessionToken(c *gin.Context, cookieName string) string {
	if v, err := c.Cookie(cookieName); err == nil && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return extractBearerToken(c)
}

// extractBearerToken extracts the token from the Authorization header.
//
// Returns empty string if header is missing or malformed.
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}

func abortUnauthorized(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": datatypes.MessageUnauthorized})
}

func abortInternal(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": datatypes.MessageInternal})
}
