// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"context"
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
	"github.com/AleutianAI/AleutianChat/services/gateway/auth"
)

const callerKey = "aleutian_api_caller"

// KeyResolver resolves a bearer API key to a caller. A nil caller with a nil
// error means the key is not accepted.
type KeyResolver interface {
	Resolve(ctx context.Context, token string) (*auth.Caller, error)
}

var _ KeyResolver = (*auth.Authenticator)(nil)

// GetCaller returns the API caller resolved by APIKeyAuth, or nil.
func GetCaller(c *gin.Context) *auth.Caller {
	if v, exists := c.Get(callerKey); exists {
		if caller, ok := v.(*auth.Caller); ok {
			return caller
		}
	}
	return nil
}

// APIKeyAuth authenticates public chat requests by bearer API key.
//
// # Description
//
// Every rejection answers the same 401 body so the caller cannot tell an
// unknown key from an inactive subscription. A directory failure answers 500.
// Rejections are recorded on audit.
func APIKeyAuth(resolver KeyResolver, audit extensions.AuditLogger, logger *slog.Logger) gin.HandlerFunc {
	if resolver == nil {
		panic("middleware.APIKeyAuth: resolver must not be nil")
	}
	if audit == nil {
		audit = &extensions.NopAuditLogger{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return func(c *gin.Context) {
		ctx := c.Request.Context()
		caller, err := resolver.Resolve(ctx, extractBearerToken(c))
		if err != nil {
			logger.Error("api key resolution failed", "error", err, "path", c.FullPath())
			abortInternal(c)
			return
		}
		if caller == nil {
			_ = audit.Log(ctx, extensions.AuditEvent{
				EventType:    "auth.failed",
				Action:       "authenticate",
				ResourceType: "api_key",
				Outcome:      extensions.OutcomeBlocked,
				Metadata:     map[string]any{"client_ip": c.ClientIP()},
			})
			abortUnauthorized(c)
			return
		}

		c.Set(callerKey, caller)
		SetAuthInfo(c, &extensions.AuthInfo{UserID: caller.UserID, Method: extensions.MethodAPIKey})
		SetSubject(c, caller.Subject())
		c.Next()
	}
}
