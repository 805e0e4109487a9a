// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianChat/services/gateway/auth"
	"github.com/AleutianAI/AleutianChat/services/gateway/conversation"
	"github.com/AleutianAI/AleutianChat/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianChat/services/gateway/entitlement"
	"github.com/AleutianAI/AleutianChat/services/gateway/handlers"
	"github.com/AleutianAI/AleutianChat/services/gateway/identity"
	"github.com/AleutianAI/AleutianChat/services/gateway/middleware"
	"github.com/AleutianAI/AleutianChat/services/gateway/tenants"
	"github.com/AleutianAI/AleutianChat/services/llm"
)

// ============================================================================
// Test Setup
// ============================================================================

func init() {
	gin.SetMode(gin.TestMode)
}

type eofStream struct{}

func (eofStream) Recv() (llm.Event, error) { return nil, io.EOF }
func (eofStream) Close() error             { return nil }

type stubUpstream struct{}

func (stubUpstream) Invoke(context.Context, llm.InvokeRequest) (llm.EventStream, error) {
	return eofStream{}, nil
}

func (stubUpstream) StartRun(context.Context, llm.RunRequest) (string, llm.EventStream, error) {
	return "thread_1", eofStream{}, nil
}

func (stubUpstream) SubmitToolOutputs(context.Context, string, string, []llm.ToolOutput) (llm.EventStream, error) {
	return eofStream{}, nil
}

func (stubUpstream) Model() string { return "stub" }

type stubDocs struct{}

func (stubDocs) Ingest(context.Context, *entitlement.Subject, []byte, string) (datatypes.Document, error) {
	return datatypes.Document{}, nil
}

func (stubDocs) List(context.Context, *entitlement.Subject) (datatypes.DocumentListing, error) {
	return datatypes.DocumentListing{}, nil
}

func (stubDocs) Delete(context.Context, *entitlement.Subject, string) error { return nil }
func (stubDocs) MaxUploadBytes() int64                                     { return 1024 }

type stubInstructions struct{}

func (stubInstructions) Get(context.Context, string) (string, error) { return "", nil }

func (stubInstructions) Save(_ context.Context, _ *entitlement.Subject, text string) (string, error) {
	return text, nil
}

func newTestRouter(t *testing.T, limiter *middleware.RateLimiter) *gin.Engine {
	t.Helper()
	dir := identity.NewMemoryProvider()
	dir.AddUser(identity.User{ID: "u1", Metadata: identity.Metadata{
		APIKey:             "sk_live_1",
		SubscriptionStatus: identity.SubscriptionActive,
		Plan:               "pro",
	}})
	dir.AddSession("sess_1", "u1")

	stores := func(*gin.Context) conversation.Store { return conversation.NewMemoryStore() }
	gate := entitlement.NewGate("pro", entitlement.Limits{}, nil)

	h := Handlers{
		InternalChat: handlers.NewInternalChatHandler(handlers.InternalChatConfig{
			Upstream: stubUpstream{},
			Tenants:  tenants.NewRegistry(nil),
			Gate:     gate,
			Sessions: stores,
		}),
		PublicChat:   handlers.NewPublicChatHandler(handlers.PublicChatConfig{Upstream: stubUpstream{}}),
		Documents:    handlers.NewDocumentsHandler(stubDocs{}, nil, nil),
		Instructions: handlers.NewInstructionsHandler(stubInstructions{}, nil, nil),
		Sessions:     handlers.NewSessionsHandler(stores, nil),
		Health:       handlers.NewHealthHandler(nil, 0),
	}
	provider := middleware.NewSessionProvider(dir)
	mw := Middleware{
		OptionalSession: middleware.SessionAuth(middleware.SessionConfig{Provider: provider, Directory: dir}),
		RequiredSession: middleware.SessionAuth(middleware.SessionConfig{Provider: provider, Directory: dir, Required: true}),
		APIKey:          middleware.APIKeyAuth(auth.NewAuthenticator(dir, dir, auth.Config{UseIndex: true}, nil), nil, nil),
		RateLimiter:     limiter,
	}

	router := gin.New()
	SetupRoutes(router, h, mw)
	return router
}

// ============================================================================
// SetupRoutes Tests
// ============================================================================

func TestSetupRoutes_RegistersRoutes(t *testing.T) {
	router := newTestRouter(t, nil)

	expected := []struct {
		method string
		path   string
	}{
		{"GET", "/health"},
		{"GET", "/metrics"},
		{"POST", "/v1/chat/internal/:namespace"},
		{"OPTIONS", "/v1/chat"},
		{"POST", "/v1/chat"},
		{"GET", "/v1/sessions/:namespace"},
		{"DELETE", "/v1/sessions/:namespace"},
		{"POST", "/v1/sessions/:namespace/turns"},
		{"GET", "/v1/documents"},
		{"POST", "/v1/documents"},
		{"DELETE", "/v1/documents"},
		{"GET", "/v1/instructions"},
		{"PUT", "/v1/instructions"},
	}

	registered := make(map[string]bool)
	for _, r := range router.Routes() {
		registered[r.Method+" "+r.Path] = true
	}
	for _, e := range expected {
		assert.True(t, registered[e.method+" "+e.path], "route %s %s not registered", e.method, e.path)
	}
}

func TestSetupRoutes_PanicsWithoutRequiredParts(t *testing.T) {
	assert.Panics(t, func() { SetupRoutes(gin.New(), Handlers{}, Middleware{}) })
}

func TestSetupRoutes_Health(t *testing.T) {
	router := newTestRouter(t, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(middleware.RequestIDHeader))
}

func TestSetupRoutes_Metrics(t *testing.T) {
	router := newTestRouter(t, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestSetupRoutes_PublicChatPreflight(t *testing.T) {
	router := newTestRouter(t, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/v1/chat", nil))

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "POST")
}

func TestSetupRoutes_PublicChatAuth(t *testing.T) {
	router := newTestRouter(t, nil)

	t.Run("missing key", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(`{"message":"hi"}`)))

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.JSONEq(t, `{"error":"unauthorized"}`, w.Body.String())
		assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("valid key", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(`{"message":"hi"}`))
		req.Header.Set("Authorization", "Bearer sk_live_1")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "thread_1", w.Header().Get(middleware.SessionIDHeader))
	})
}

func TestSetupRoutes_PublicChatRateLimited(t *testing.T) {
	router := newTestRouter(t, middleware.NewRateLimiter(0, 1))

	send := func() int {
		req := httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(`{"message":"hi"}`))
		req.Header.Set("Authorization", "Bearer sk_live_1")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w.Code
	}

	require.Equal(t, http.StatusOK, send())
	assert.Equal(t, http.StatusTooManyRequests, send())
}

func TestSetupRoutes_DashboardRoutesRequireSession(t *testing.T) {
	router := newTestRouter(t, nil)

	for _, path := range []string{"/v1/documents", "/v1/instructions"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)

		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.AddCookie(&http.Cookie{Name: middleware.DefaultSessionCookie, Value: "sess_1"})
		w = httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}

func TestSetupRoutes_InternalChatAllowsAnonymousDemo(t *testing.T) {
	router := newTestRouter(t, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/chat/internal/demo", strings.NewReader(`{"message":"hi"}`)))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/chat/internal/dashboard", strings.NewReader(`{"message":"hi"}`)))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
