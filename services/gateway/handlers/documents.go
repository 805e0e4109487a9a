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
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
	"github.com/AleutianAI/AleutianChat/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianChat/services/gateway/documents"
	"github.com/AleutianAI/AleutianChat/services/gateway/entitlement"
	"github.com/AleutianAI/AleutianChat/services/gateway/middleware"
	"github.com/AleutianAI/AleutianChat/services/gateway/observability"
)

// multipartOverhead is allowed on top of the file size for form framing.
const multipartOverhead = 1 << 20

// DocumentService is the document bridge surface used by the handlers.
type DocumentService interface {
	Ingest(ctx context.Context, subject *entitlement.Subject, data []byte, declaredName string) (datatypes.Document, error)
	List(ctx context.Context, subject *entitlement.Subject) (datatypes.DocumentListing, error)
	Delete(ctx context.Context, subject *entitlement.Subject, documentID string) error
	MaxUploadBytes() int64
}

var _ DocumentService = (*documents.Bridge)(nil)

// DocumentsHandler serves /v1/documents.
type DocumentsHandler struct {
	docs   DocumentService
	audit  extensions.AuditLogger
	logger *slog.Logger
}

// NewDocumentsHandler creates the handler. Panics on a nil service.
func NewDocumentsHandler(docs DocumentService, audit extensions.AuditLogger, logger *slog.Logger) *DocumentsHandler {
	if docs == nil {
		panic("NewDocumentsHandler: document service must not be nil")
	}
	if audit == nil {
		audit = &extensions.NopAuditLogger{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DocumentsHandler{docs: docs, audit: audit, logger: logger}
}

// HandleList handles GET /v1/documents.
func (h *DocumentsHandler) HandleList(c *gin.Context) {
	listing, err := h.docs.List(c.Request.Context(), middleware.GetSubject(c))
	if err != nil {
		respondError(c, observability.EndpointDocuments, err, h.logger)
		return
	}
	c.JSON(http.StatusOK, listing)
}

// HandleUpload handles POST /v1/documents with a multipart "file" field.
//
// # Description
//
// The request body is capped before parsing so an oversized upload is cut
// off instead of buffered. Every precondition lives in the bridge; this
// handler only extracts the bytes and the declared name.
//
// # Outputs
//
//   - 201: The stored document.
//   - 400: Missing file, unreadable form, disallowed type.
//   - 403: Not entitled, file or storage quota reached.
func (h *DocumentsHandler) HandleUpload(c *gin.Context) {
	endpoint := observability.EndpointDocuments
	subject := middleware.GetSubject(c)
	ctx, span := observability.StartSpan(c.Request.Context(), "Documents.HandleUpload",
		attribute.String("user.id", subject.UserID))
	var spanErr error
	defer func() { observability.EndSpan(span, spanErr) }()

	limit := h.docs.MaxUploadBytes()
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit+multipartOverhead)

	fh, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			spanErr = datatypes.NewValidationError("file exceeds the %d byte upload limit", limit)
		} else {
			spanErr = datatypes.NewValidationError("a multipart file field named \"file\" is required")
		}
		h.reject(c, subject, "", spanErr)
		return
	}

	f, err := fh.Open()
	if err != nil {
		spanErr = datatypes.NewValidationError("uploaded file could not be read")
		h.reject(c, subject, fh.Filename, spanErr)
		return
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		spanErr = datatypes.NewValidationError("uploaded file could not be read")
		h.reject(c, subject, fh.Filename, spanErr)
		return
	}
	span.SetAttributes(attribute.Int("document.size", len(data)))

	doc, err := h.docs.Ingest(ctx, subject, data, fh.Filename)
	if err != nil {
		spanErr = err
		h.reject(c, subject, fh.Filename, err)
		return
	}

	_ = h.audit.Log(ctx, extensions.AuditEvent{
		EventType:    "document.upload",
		UserID:       subject.UserID,
		Action:       "create",
		ResourceType: "document",
		ResourceID:   doc.ID,
		Outcome:      extensions.OutcomeSuccess,
		Metadata:     map[string]any{"size_bytes": doc.SizeBytes, "request_id": middleware.GetRequestID(c)},
	})
	if m := observability.DefaultMetrics; m != nil {
		m.RecordRequest(endpoint, true)
	}
	c.JSON(http.StatusCreated, doc)
}

func (h *DocumentsHandler) reject(c *gin.Context, subject *entitlement.Subject, name string, err error) {
	kind := datatypes.KindOf(err)
	if kind != datatypes.KindUpstream {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordUploadRejection(observability.ErrorCodeFor(kind))
		}
		_ = h.audit.Log(c.Request.Context(), extensions.AuditEvent{
			EventType:    "document.upload",
			UserID:       subject.UserID,
			Action:       "create",
			ResourceType: "document",
			Outcome:      extensions.OutcomeBlocked,
			Metadata:     map[string]any{"reason": string(kind), "name": name},
		})
	}
	respondError(c, observability.EndpointDocuments, err, h.logger)
}

// HandleDelete handles DELETE /v1/documents with body {"fileId": "..."}.
func (h *DocumentsHandler) HandleDelete(c *gin.Context) {
	subject := middleware.GetSubject(c)

	var req datatypes.DeleteDocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, observability.EndpointDocuments, datatypes.NewValidationError("invalid request body"), h.logger)
		return
	}
	if err := req.Validate(); err != nil {
		respondError(c, observability.EndpointDocuments, datatypes.NewValidationError("fileId is required"), h.logger)
		return
	}

	ctx := c.Request.Context()
	if err := h.docs.Delete(ctx, subject, req.FileID); err != nil {
		respondError(c, observability.EndpointDocuments, err, h.logger)
		return
	}

	_ = h.audit.Log(ctx, extensions.AuditEvent{
		EventType:    "document.delete",
		UserID:       subject.UserID,
		Action:       "delete",
		ResourceType: "document",
		ResourceID:   req.FileID,
		Outcome:      extensions.OutcomeSuccess,
	})
	c.Status(http.StatusNoContent)
}
