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
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianChat/services/gateway/datatypes"
)

// SessionsHandler exposes the client-held conversation session so the widget
// can restore, extend and reset it.
type SessionsHandler struct {
	sessions StoreFactory
	logger   *slog.Logger
}

// NewSessionsHandler creates the handler. Panics on a nil factory.
func NewSessionsHandler(sessions StoreFactory, logger *slog.Logger) *SessionsHandler {
	if sessions == nil {
		panic("NewSessionsHandler: store factory must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionsHandler{sessions: sessions, logger: logger}
}

func (h *SessionsHandler) namespace(c *gin.Context) (string, bool) {
	ns := c.Param("namespace")
	if !validNamespace(ns) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session namespace"})
		return "", false
	}
	return ns, true
}

// HandleLoad handles GET /v1/sessions/:namespace. A missing or unreadable
// session is returned empty.
func (h *SessionsHandler) HandleLoad(c *gin.Context) {
	ns, ok := h.namespace(c)
	if !ok {
		return
	}
	session := h.sessions(c).Load(ns)
	if session.Conversation == nil {
		session.Conversation = []datatypes.ConversationTurn{}
	}
	c.JSON(http.StatusOK, session)
}

// HandleAppend handles POST /v1/sessions/:namespace/turns.
//
// threadId and assistantId, when present, replace the stored values before
// the turn is appended.
func (h *SessionsHandler) HandleAppend(c *gin.Context) {
	ns, ok := h.namespace(c)
	if !ok {
		return
	}

	var req datatypes.AppendTurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: validation failed"})
		return
	}

	store := h.sessions(c)
	if req.ThreadID != "" || req.AssistantID != nil {
		session := store.Load(ns)
		if req.ThreadID != "" && req.ThreadID != session.ThreadID {
			session = datatypes.Session{ThreadID: req.ThreadID}
		}
		if req.AssistantID != nil {
			session.AssistantID = req.AssistantID
		}
		if err := store.Save(ns, session); err != nil {
			h.logger.Error("session save failed", "namespace", ns, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": datatypes.MessageInternal})
			return
		}
	}

	turns, err := store.Append(ns, req.Turn)
	if err != nil {
		h.logger.Error("session append failed", "namespace", ns, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": datatypes.MessageInternal})
		return
	}
	session := store.Load(ns)
	session.Conversation = turns
	c.JSON(http.StatusOK, session)
}

// HandleClear handles DELETE /v1/sessions/:namespace. Clearing an empty
// session succeeds.
func (h *SessionsHandler) HandleClear(c *gin.Context) {
	ns, ok := h.namespace(c)
	if !ok {
		return
	}
	if err := h.sessions(c).Clear(ns); err != nil {
		h.logger.Error("session clear failed", "namespace", ns, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": datatypes.MessageInternal})
		return
	}
	c.Status(http.StatusNoContent)
}
