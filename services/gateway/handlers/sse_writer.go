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
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianChat/services/gateway/datatypes"
)

// =============================================================================
// Interface Definition
// =============================================================================

// SSEWriter writes typed Server-Sent Events for the internal chat.
//
// # Description
//
// Each event is written as:
//
//	event: {type}
//	data: {json}
//
// and flushed immediately.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type SSEWriter interface {
	// WriteEvent writes a single event. ID and CreatedAt are set by the
	// writer.
	WriteEvent(event datatypes.StreamEvent) error

	// WriteText writes a text event carrying the best known full answer.
	WriteText(content string) error

	// WriteError writes an error event. message must be safe to show.
	WriteError(message string) error

	// WriteDone writes the final event with the thread id.
	WriteDone(threadID string) error
}

// =============================================================================
// Struct Definition
// =============================================================================

type sseWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

// NewSSEWriter creates a new SSEWriter for the given ResponseWriter.
//
// # Inputs
//
//   - w: HTTP ResponseWriter. Must implement http.Flusher.
//
// # Outputs
//
//   - SSEWriter: Ready to write SSE events.
//   - error: Non-nil if ResponseWriter doesn't support flushing.
//
// # Assumptions
//
//   - Caller has set SSE headers via SetSSEHeaders()
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{writer: w, flusher: flusher}, nil
}

// =============================================================================
// Methods
// =============================================================================

func (w *sseWriter) WriteEvent(event datatypes.StreamEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	event.ID = uuid.NewString()
	event.CreatedAt = datatypes.NowMillis()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if _, err := fmt.Fprintf(w.writer, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	w.flusher.Flush()
	return nil
}

func (w *sseWriter) WriteText(content string) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:    datatypes.StreamEventText,
		Content: content,
	})
}

func (w *sseWriter) WriteError(message string) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:  datatypes.StreamEventError,
		Error: message,
	})
}

func (w *sseWriter) WriteDone(threadID string) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:     datatypes.StreamEventDone,
		ThreadID: threadID,
	})
}

// =============================================================================
// Raw Data Writer
// =============================================================================

// dataWriter writes untyped SSE "data:" frames for the public endpoint.
//
// A fragment containing newlines is split across several data lines of the
// same frame, which a compliant client rejoins with "\n".
type dataWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

func newDataWriter(w http.ResponseWriter) (*dataWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &dataWriter{writer: w, flusher: flusher}, nil
}

func (w *dataWriter) WriteData(fragment string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var b strings.Builder
	for _, line := range strings.Split(fragment, "\n") {
		b.WriteString("data: ")
		b.WriteString(strings.TrimSuffix(line, "\r"))
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	if _, err := w.writer.Write([]byte(b.String())); err != nil {
		return fmt.Errorf("write data: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// WriteKeepAlive sends an SSE comment, which clients ignore, to keep idle
// proxies from closing the stream.
func (w *dataWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := io.WriteString(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// =============================================================================
// Helper Functions
// =============================================================================

// SetSSEHeaders sets the headers required for SSE streaming.
//
// X-Accel-Buffering disables nginx proxy buffering.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

var _ SSEWriter = (*sseWriter)(nil)
