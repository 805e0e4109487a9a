// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package documents

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCollections(t *testing.T, mux *http.ServeMux) *OpenAICollections {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	cfg := openai.DefaultConfig("sk-test")
	cfg.BaseURL = srv.URL + "/v1"
	return NewOpenAICollections(openai.NewClientWithConfig(cfg), nil)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestOpenAICollections_ListFilesPagesAndResolvesNames(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/vector_stores/vs_1/files", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "assistants=v2", r.Header.Get("OpenAI-Beta"))
		if r.URL.Query().Get("after") == "" {
			writeJSON(w, map[string]any{
				"data": []map[string]any{
					{"id": "file_a", "created_at": 1700000000, "usage_bytes": 10, "status": "completed"},
				},
				"last_id":  "file_a",
				"has_more": true,
			})
			return
		}
		assert.Equal(t, "file_a", r.URL.Query().Get("after"))
		writeJSON(w, map[string]any{
			"data": []map[string]any{
				{"id": "file_b", "created_at": 1700000001, "usage_bytes": 20, "status": "in_progress"},
			},
			"has_more": false,
		})
	})
	mux.HandleFunc("/v1/files/file_a", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"id": "file_a", "filename": "a.pdf", "bytes": 1234})
	})
	mux.HandleFunc("/v1/files/file_b", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		writeJSON(w, map[string]any{"error": map[string]any{"message": "boom", "type": "server_error"}})
	})

	docs, err := newTestCollections(t, mux).ListFiles(context.Background(), "vs_1")

	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "a.pdf", docs[0].Name)
	assert.Equal(t, int64(1234), docs[0].SizeBytes)
	assert.Equal(t, int64(1700000000000), docs[0].CreatedAt)
	assert.Equal(t, unnamedDocument, docs[1].Name, "name lookup failure keeps the entry")
	assert.Equal(t, int64(20), docs[1].SizeBytes)
	assert.Equal(t, "in_progress", docs[1].Status)
}

func TestOpenAICollections_NotFoundIsMapped(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/vector_stores/vs_gone/files", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		writeJSON(w, map[string]any{"error": map[string]any{"message": "No vector store found", "type": "invalid_request_error"}})
	})

	_, err := newTestCollections(t, mux).ListFiles(context.Background(), "vs_gone")

	require.ErrorIs(t, err, ErrNotFound)
}

func TestOpenAICollections_UploadAndAttach(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/files", func(w http.ResponseWriter, r *http.Request) {
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			return
		}
		assert.Equal(t, "assistants", r.FormValue("purpose"))
		_, hdr, err := r.FormFile("file")
		if assert.NoError(t, err) {
			assert.Equal(t, "notes.txt", hdr.Filename)
		}
		writeJSON(w, map[string]any{"id": "file_new", "filename": "notes.txt"})
	})
	var attached string
	mux.HandleFunc("/v1/vector_stores/vs_1/files", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			FileID string `json:"file_id"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		attached = body.FileID
		writeJSON(w, map[string]any{"id": body.FileID, "vector_store_id": "vs_1"})
	})

	c := newTestCollections(t, mux)
	id, err := c.UploadFile(context.Background(), "notes.txt", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "file_new", id)

	require.NoError(t, c.AttachFile(context.Background(), "vs_1", id))
	assert.Equal(t, "file_new", attached)
}
