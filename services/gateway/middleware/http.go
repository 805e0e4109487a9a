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
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// =============================================================================
// CORS
// =============================================================================

// CORS answers cross-origin requests from any origin. OPTIONS preflights are
// answered with 204 and never reach the handler.
func CORS(methods ...string) gin.HandlerFunc {
	if len(methods) == 0 {
		methods = []string{http.MethodPost}
	}
	allowMethods := strings.Join(append(methods, http.MethodOptions), ", ")

	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", allowMethods)
		h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		h.Set("Access-Control-Expose-Headers", SessionIDHeader)
		h.Set("Access-Control-Max-Age", "600")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// SessionIDHeader carries the assistant-run thread id on public chat
// responses.
const SessionIDHeader = "X-Session-Id"

// =============================================================================
// Request ID
// =============================================================================

const requestIDKey = "aleutian_request_id"

// RequestIDHeader is read from and echoed on every response.
const RequestIDHeader = "X-Request-Id"

// RequestID assigns every request an id, reusing a well-formed inbound
// X-Request-Id.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// GetRequestID returns the request id, or a fresh one when RequestID did not
// run.
func GetRequestID(c *gin.Context) string {
	if v := c.GetString(requestIDKey); v != "" {
		return v
	}
	id := uuid.NewString()
	c.Set(requestIDKey, id)
	return id
}

// =============================================================================
// Timeout
// =============================================================================

// Timeout bounds the request context. Streams in flight when it fires are
// cancelled through the relay. A non-positive d disables the bound.
func Timeout(d time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if d <= 0 {
			c.Next()
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// =============================================================================
// Rate Limiting
// =============================================================================

// DefaultLimiterIdleTTL is how long an idle credential keeps its bucket.
const DefaultLimiterIdleTTL = 10 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter holds one token bucket per credential.
//
// # Thread Safety
//
// Safe for concurrent use.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	limit    rate.Limit
	burst    int
	idleTTL  time.Duration
	lastGC   time.Time
	now      func() time.Time
}

// NewRateLimiter creates a limiter allowing rps requests per second with the
// given burst per credential.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limiters: make(map[string]*limiterEntry),
		limit:    rate.Limit(rps),
		burst:    burst,
		idleTTL:  DefaultLimiterIdleTTL,
		now:      time.Now,
	}
}

// Allow reports whether key may make a request now.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	now := r.now()
	if now.Sub(r.lastGC) > r.idleTTL {
		for k, e := range r.limiters {
			if now.Sub(e.lastSeen) > r.idleTTL {
				delete(r.limiters, k)
			}
		}
		r.lastGC = now
	}
	e, ok := r.limiters[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.limiters[key] = e
	}
	e.lastSeen = now
	r.mu.Unlock()

	return e.limiter.AllowN(now, 1)
}

// Middleware rejects requests over the rate with 429. The bucket is keyed by
// the authenticated user when there is one, otherwise by client IP.
func (r *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !r.Allow(credentialKey(c)) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": RateLimitedMessage})
			return
		}
		c.Next()
	}
}

// RateLimitedMessage is the 429 response body.
const RateLimitedMessage = "rate limit exceeded"

func credentialKey(c *gin.Context) string {
	if info := GetAuthInfo(c); info != nil && info.UserID != "" {
		return "user:" + info.UserID
	}
	return "ip:" + c.ClientIP()
}
