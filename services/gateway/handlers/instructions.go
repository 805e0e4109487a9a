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
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
	"github.com/AleutianAI/AleutianChat/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianChat/services/gateway/entitlement"
	"github.com/AleutianAI/AleutianChat/services/gateway/instructions"
	"github.com/AleutianAI/AleutianChat/services/gateway/middleware"
	"github.com/AleutianAI/AleutianChat/services/gateway/observability"
)

// InstructionsService reads and writes custom instructions.
type InstructionsService interface {
	InstructionsReader
	Save(ctx context.Context, subject *entitlement.Subject, text string) (string, error)
}

var _ InstructionsService = (*instructions.Store)(nil)

// InstructionsHandler serves /v1/instructions.
type InstructionsHandler struct {
	store  InstructionsService
	audit  extensions.AuditLogger
	logger *slog.Logger
}

// NewInstructionsHandler creates the handler. Panics on a nil store.
func NewInstructionsHandler(store InstructionsService, audit extensions.AuditLogger, logger *slog.Logger) *InstructionsHandler {
	if store == nil {
		panic("NewInstructionsHandler: store must not be nil")
	}
	if audit == nil {
		audit = &extensions.NopAuditLogger{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &InstructionsHandler{store: store, audit: audit, logger: logger}
}

// HandleGet handles GET /v1/instructions. The text is returned as stored,
// already HTML-escaped.
func (h *InstructionsHandler) HandleGet(c *gin.Context) {
	subject := middleware.GetSubject(c)
	text, err := h.store.Get(c.Request.Context(), subject.UserID)
	if err != nil {
		respondError(c, observability.EndpointInstructions, datatypes.NewUpstreamError("get instructions", err), h.logger)
		return
	}
	c.JSON(http.StatusOK, datatypes.InstructionsResponse{Instructions: text})
}

// HandleSave handles PUT /v1/instructions.
func (h *InstructionsHandler) HandleSave(c *gin.Context) {
	subject := middleware.GetSubject(c)

	var req datatypes.InstructionsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, observability.EndpointInstructions, datatypes.NewValidationError("invalid request body"), h.logger)
		return
	}

	ctx := c.Request.Context()
	saved, err := h.store.Save(ctx, subject, req.Instructions)
	outcome := extensions.OutcomeSuccess
	if err != nil {
		outcome = extensions.OutcomeBlocked
	}
	_ = h.audit.Log(ctx, extensions.AuditEvent{
		EventType:    "instructions.save",
		UserID:       subject.UserID,
		Action:       "update",
		ResourceType: "instructions",
		Outcome:      outcome,
	})
	if err != nil {
		respondError(c, observability.EndpointInstructions, err, h.logger)
		return
	}
	c.JSON(http.StatusOK, datatypes.InstructionsResponse{Instructions: saved})
}
