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
	"log/slog"
	"time"
)

// Audit outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeBlocked = "blocked"
)

// AuditEvent represents a security-relevant event.
//
// Event types used by the gateway:
//   - "document.upload", "document.delete"
//   - "instructions.save"
//   - "auth.failed"
//
// Example:
//
//	event := AuditEvent{
//	    EventType:    "document.upload",
//	    UserID:       subject.UserID,
//	    Action:       "create",
//	    ResourceType: "document",
//	    ResourceID:   doc.ID,
//	    Outcome:      OutcomeSuccess,
//	}
type AuditEvent struct {
	// EventType categorizes the event. Format: "category.action".
	EventType string

	// Timestamp is when the event occurred. If zero, implementations set it
	// to time.Now().UTC().
	Timestamp time.Time

	// UserID identifies who performed the action.
	// "anonymous" if unknown.
	UserID string

	// Action describes what operation was attempted.
	Action string

	// ResourceType is the category of resource involved.
	ResourceType string

	// ResourceID is the specific resource instance (optional).
	ResourceID string

	// Outcome is one of OutcomeSuccess, OutcomeFailure, OutcomeBlocked.
	Outcome string

	// Metadata holds event-specific data such as "reason" or "request_id".
	Metadata map[string]any
}

// AuditLogger records audit events.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type AuditLogger interface {
	// Log records event. Failures are reported but must never block the
	// operation being audited.
	Log(ctx context.Context, event AuditEvent) error

	// Flush writes any buffered events.
	Flush(ctx context.Context) error
}

// NopAuditLogger discards all events.
type NopAuditLogger struct{}

// Log discards event.
func (l *NopAuditLogger) Log(_ context.Context, _ AuditEvent) error {
	return nil
}

// Flush is a no-op.
func (l *NopAuditLogger) Flush(_ context.Context) error {
	return nil
}

// SlogAuditLogger writes audit events as structured log records.
//
// Records are emitted at Info level with msg "audit" so a log pipeline can
// route them separately from operational logs.
type SlogAuditLogger struct {
	logger *slog.Logger
	now    func() time.Time
}

// NewSlogAuditLogger creates an audit logger on logger, or slog.Default()
// when nil.
func NewSlogAuditLogger(logger *slog.Logger) *SlogAuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogAuditLogger{logger: logger, now: time.Now}
}

// Log writes event.
func (l *SlogAuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = l.now().UTC()
	}
	if event.UserID == "" {
		event.UserID = "anonymous"
	}
	attrs := []slog.Attr{
		slog.String("event_type", event.EventType),
		slog.Time("timestamp", event.Timestamp),
		slog.String("user_id", event.UserID),
		slog.String("action", event.Action),
		slog.String("resource_type", event.ResourceType),
		slog.String("outcome", event.Outcome),
	}
	if event.ResourceID != "" {
		attrs = append(attrs, slog.String("resource_id", event.ResourceID))
	}
	if len(event.Metadata) > 0 {
		md := make([]any, 0, len(event.Metadata))
		for k, v := range event.Metadata {
			md = append(md, slog.Any(k, v))
		}
		attrs = append(attrs, slog.Group("metadata", md...))
	}
	l.logger.LogAttrs(ctx, slog.LevelInfo, "audit", attrs...)
	return nil
}

// Flush is a no-op; slog handlers write synchronously.
func (l *SlogAuditLogger) Flush(_ context.Context) error {
	return nil
}

var (
	_ AuditLogger = (*NopAuditLogger)(nil)
	_ AuditLogger = (*SlogAuditLogger)(nil)
)
