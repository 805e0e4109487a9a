// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
	"github.com/AleutianAI/AleutianChat/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianChat/services/gateway/entitlement"
	"github.com/AleutianAI/AleutianChat/services/gateway/identity"
)

type recordingAudit struct {
	mu     sync.Mutex
	events []extensions.AuditEvent
}

func (a *recordingAudit) Log(_ context.Context, ev extensions.AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
	return nil
}

func (a *recordingAudit) Flush(context.Context) error { return nil }

var proSubject = entitlement.FromSnapshot("u1", identity.Metadata{Plan: "pro", VectorStoreID: "vs_u1"})

// =============================================================================
// Documents
// =============================================================================

type fakeDocs struct {
	ingestErr error
	deleteErr error
	maxBytes  int64

	gotData    []byte
	gotName    string
	gotDelete  string
	gotSubject *entitlement.Subject
}

func (f *fakeDocs) Ingest(_ context.Context, s *entitlement.Subject, data []byte, name string) (datatypes.Document, error) {
	f.gotSubject, f.gotData, f.gotName = s, data, name
	if f.ingestErr != nil {
		return datatypes.Document{}, f.ingestErr
	}
	return datatypes.Document{ID: "file_1", Name: name, SizeBytes: int64(len(data)), Status: "processing"}, nil
}

func (f *fakeDocs) List(_ context.Context, s *entitlement.Subject) (datatypes.DocumentListing, error) {
	f.gotSubject = s
	return datatypes.DocumentListing{
		Documents:          []datatypes.Document{{ID: "file_1", Name: "a.pdf", SizeBytes: 10}},
		UsedBytes:          10,
		SubscriptionStatus: identity.SubscriptionActive,
		Entitlement:        datatypes.Entitlement{HasQualifyingPlan: true, FileQuota: 5, StorageQuotaBytes: 1000},
	}, nil
}

func (f *fakeDocs) Delete(_ context.Context, s *entitlement.Subject, id string) error {
	f.gotSubject, f.gotDelete = s, id
	return f.deleteErr
}

func (f *fakeDocs) MaxUploadBytes() int64 {
	if f.maxBytes == 0 {
		return 1 << 20
	}
	return f.maxBytes
}

func newDocsRouter(docs *fakeDocs, audit *recordingAudit) *gin.Engine {
	h := NewDocumentsHandler(docs, audit, nil)
	r := gin.New()
	r.Use(withSubject(proSubject))
	r.GET("/v1/documents", h.HandleList)
	r.POST("/v1/documents", h.HandleUpload)
	r.DELETE("/v1/documents", h.HandleDelete)
	return r
}

func multipartUpload(t *testing.T, field, name string, content []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, name)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/documents", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestDocuments_Upload(t *testing.T) {
	docs := &fakeDocs{}
	audit := &recordingAudit{}
	r := newDocsRouter(docs, audit)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, multipartUpload(t, "file", "notes.txt", []byte("hello world")))

	require.Equal(t, http.StatusCreated, w.Code)
	var doc datatypes.Document
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	assert.Equal(t, "file_1", doc.ID)
	assert.Equal(t, int64(11), doc.SizeBytes)

	assert.Equal(t, "notes.txt", docs.gotName)
	assert.Equal(t, []byte("hello world"), docs.gotData)
	assert.Same(t, proSubject, docs.gotSubject)

	require.Len(t, audit.events, 1)
	assert.Equal(t, "document.upload", audit.events[0].EventType)
	assert.Equal(t, extensions.OutcomeSuccess, audit.events[0].Outcome)
}

func TestDocuments_UploadMissingFile(t *testing.T) {
	docs := &fakeDocs{}
	audit := &recordingAudit{}
	r := newDocsRouter(docs, audit)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, multipartUpload(t, "attachment", "notes.txt", []byte("x")))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), `named \"file\" is required`)
	assert.Nil(t, docs.gotData)
	require.Len(t, audit.events, 1)
	assert.Equal(t, extensions.OutcomeBlocked, audit.events[0].Outcome)
}

func TestDocuments_UploadRejectedByBridge(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
		body string
	}{
		{"not entitled", datatypes.NewEntitlementError("the %s plan is required", "pro"), http.StatusForbidden, `{"error":"the pro plan is required"}`},
		{"quota", datatypes.NewValidationError("file limit of %d reached", 5), http.StatusBadRequest, `{"error":"file limit of 5 reached"}`},
		{"upstream", datatypes.NewUpstreamError("upload", errors.New("503")), http.StatusInternalServerError, `{"error":"internal error"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newDocsRouter(&fakeDocs{ingestErr: tt.err}, &recordingAudit{})
			w := httptest.NewRecorder()
			r.ServeHTTP(w, multipartUpload(t, "file", "a.pdf", []byte("%PDF-1.4")))

			assert.Equal(t, tt.code, w.Code)
			assert.JSONEq(t, tt.body, w.Body.String())
		})
	}
}

func TestDocuments_List(t *testing.T) {
	docs := &fakeDocs{}
	r := newDocsRouter(docs, &recordingAudit{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/documents", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var listing datatypes.DocumentListing
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listing))
	assert.Len(t, listing.Documents, 1)
	assert.Equal(t, int64(10), listing.UsedBytes)
	assert.True(t, listing.Entitlement.HasQualifyingPlan)
	assert.Equal(t, 5, listing.Entitlement.FileQuota)
}

func TestDocuments_Delete(t *testing.T) {
	t.Run("deleted", func(t *testing.T) {
		docs := &fakeDocs{}
		audit := &recordingAudit{}
		r := newDocsRouter(docs, audit)

		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/v1/documents", strings.NewReader(`{"fileId":"file_1"}`)))

		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, "file_1", docs.gotDelete)
		require.Len(t, audit.events, 1)
		assert.Equal(t, "document.delete", audit.events[0].EventType)
	})

	t.Run("missing id", func(t *testing.T) {
		docs := &fakeDocs{}
		r := newDocsRouter(docs, &recordingAudit{})

		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/v1/documents", strings.NewReader(`{}`)))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.JSONEq(t, `{"error":"fileId is required"}`, w.Body.String())
		assert.Empty(t, docs.gotDelete)
	})

	t.Run("not owned", func(t *testing.T) {
		docs := &fakeDocs{deleteErr: datatypes.NewNotFoundError("document not found")}
		r := newDocsRouter(docs, &recordingAudit{})

		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/v1/documents", strings.NewReader(`{"fileId":"file_other"}`)))

		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.JSONEq(t, `{"error":"document not found"}`, w.Body.String())
	})
}

// =============================================================================
// Instructions
// =============================================================================

type fakeInstructionStore struct {
	text    map[string]string
	saveErr error
}

func (f *fakeInstructionStore) Get(_ context.Context, userID string) (string, error) {
	return f.text[userID], nil
}

func (f *fakeInstructionStore) Save(_ context.Context, s *entitlement.Subject, text string) (string, error) {
	if f.saveErr != nil {
		return "", f.saveErr
	}
	trimmed := strings.TrimSpace(text)
	f.text[s.UserID] = trimmed
	return trimmed, nil
}

func newInstructionsRouter(store *fakeInstructionStore, audit *recordingAudit) *gin.Engine {
	h := NewInstructionsHandler(store, audit, nil)
	r := gin.New()
	r.Use(withSubject(proSubject))
	r.GET("/v1/instructions", h.HandleGet)
	r.PUT("/v1/instructions", h.HandleSave)
	return r
}

func TestInstructions_SaveThenGet(t *testing.T) {
	store := &fakeInstructionStore{text: map[string]string{}}
	audit := &recordingAudit{}
	r := newInstructionsRouter(store, audit)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/v1/instructions", strings.NewReader(`{"instructions":"  Be kind.  "}`)))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"instructions":"Be kind."}`, w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/instructions", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"instructions":"Be kind."}`, w.Body.String())

	require.Len(t, audit.events, 1)
	assert.Equal(t, "u1", audit.events[0].UserID)
	assert.Equal(t, extensions.OutcomeSuccess, audit.events[0].Outcome)
}

func TestInstructions_SaveNotEntitled(t *testing.T) {
	store := &fakeInstructionStore{text: map[string]string{}, saveErr: datatypes.NewEntitlementError("the %s plan is required", "pro")}
	audit := &recordingAudit{}
	r := newInstructionsRouter(store, audit)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/v1/instructions", strings.NewReader(`{"instructions":"x"}`)))

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.JSONEq(t, `{"error":"the pro plan is required"}`, w.Body.String())
	require.Len(t, audit.events, 1)
	assert.Equal(t, extensions.OutcomeBlocked, audit.events[0].Outcome)
}

func TestInstructions_BadBody(t *testing.T) {
	r := newInstructionsRouter(&fakeInstructionStore{text: map[string]string{}}, &recordingAudit{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/v1/instructions", strings.NewReader(`{`)))

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// =============================================================================
// Sessions
// =============================================================================

func newSessionsRouter() *gin.Engine {
	factory, _ := memoryStores()
	h := NewSessionsHandler(factory, nil)
	r := gin.New()
	r.GET("/v1/sessions/:namespace", h.HandleLoad)
	r.DELETE("/v1/sessions/:namespace", h.HandleClear)
	r.POST("/v1/sessions/:namespace/turns", h.HandleAppend)
	return r
}

func decodeSession(t *testing.T, w *httptest.ResponseRecorder) datatypes.Session {
	t.Helper()
	var s datatypes.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &s))
	return s
}

func TestSessions_Lifecycle(t *testing.T) {
	r := newSessionsRouter()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/sessions/demo", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"conversation":[]`)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/sessions/demo/turns",
		strings.NewReader(`{"threadId":"thread_1","turn":{"role":"assistant","content":"Hi there"}}`)))
	require.Equal(t, http.StatusOK, w.Code)
	s := decodeSession(t, w)
	assert.Equal(t, "thread_1", s.ThreadID)
	assert.Equal(t, []datatypes.ConversationTurn{{Role: datatypes.RoleAssistant, Content: "Hi there"}}, s.Conversation)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/sessions/demo/turns",
		strings.NewReader(`{"turn":{"role":"user","content":"thanks"}}`)))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeSession(t, w).Conversation, 2)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/v1/sessions/demo", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/sessions/demo", nil))
	s = decodeSession(t, w)
	assert.Empty(t, s.ThreadID)
	assert.Empty(t, s.Conversation)
}

func TestSessions_NamespacesAreIndependent(t *testing.T) {
	r := newSessionsRouter()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/sessions/demo/turns",
		strings.NewReader(`{"turn":{"role":"user","content":"hello"}}`)))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/sessions/dashboard", nil))
	assert.Empty(t, decodeSession(t, w).Conversation)
}

func TestSessions_Rejections(t *testing.T) {
	r := newSessionsRouter()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/sessions/admin", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/sessions/demo/turns",
		strings.NewReader(`{"turn":{"role":"system","content":"x"}}`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error":"invalid request: validation failed"}`, w.Body.String())
}

// =============================================================================
// Health
// =============================================================================

func TestHealth(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		h := NewHealthHandler(map[string]HealthCheck{
			"redis":  func(context.Context) error { return nil },
			"sqlite": func(context.Context) error { return nil },
		}, 0)
		r := gin.New()
		r.GET("/health", h.HandleHealth)

		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"status":"healthy","checks":{"redis":"ok","sqlite":"ok"}}`, w.Body.String())
	})

	t.Run("unhealthy", func(t *testing.T) {
		h := NewHealthHandler(map[string]HealthCheck{
			"redis":  func(context.Context) error { return errors.New("connection refused") },
			"sqlite": func(context.Context) error { return nil },
		}, 0)
		r := gin.New()
		r.GET("/health", h.HandleHealth)

		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.JSONEq(t, `{"status":"unhealthy","checks":{"redis":"connection refused","sqlite":"ok"}}`, w.Body.String())
	})
}

// =============================================================================
// SSE Writers
// =============================================================================

func TestSSEWriter_Frames(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	require.NoError(t, err)

	require.NoError(t, w.WriteText("hi"))
	require.NoError(t, w.WriteDone("thread_9"))

	body := rec.Body.String()
	frames := parseSSE(t, body)
	require.Len(t, frames, 2)
	text := decodeEvent(t, frames[0])
	assert.Equal(t, "hi", text.Content)
	assert.NotEmpty(t, text.ID)
	assert.Positive(t, text.CreatedAt)
	assert.Equal(t, "thread_9", decodeEvent(t, frames[1]).ThreadID)
	assert.True(t, rec.Flushed)
}

type noFlushWriter struct {
	http.ResponseWriter
}

func TestSSEWriter_RequiresFlusher(t *testing.T) {
	_, err := NewSSEWriter(noFlushWriter{httptest.NewRecorder()})
	assert.Error(t, err)
	_, err = newDataWriter(noFlushWriter{httptest.NewRecorder()})
	assert.Error(t, err)
}

func TestDataWriter_SplitsLines(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := newDataWriter(rec)
	require.NoError(t, err)

	require.NoError(t, w.WriteData("one\r\ntwo"))
	require.NoError(t, w.WriteData(""))

	assert.Equal(t, "data: one\ndata: two\n\ndata: \n\n", rec.Body.String())
}

func TestDataWriter_KeepAliveIsAComment(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := newDataWriter(rec)
	require.NoError(t, err)

	require.NoError(t, w.WriteData("a"))
	require.NoError(t, w.WriteKeepAlive())
	require.NoError(t, w.WriteData("b"))

	assert.Equal(t, "data: a\n\n: ping\n\ndata: b\n\n", rec.Body.String())
	assert.True(t, rec.Flushed)
}
