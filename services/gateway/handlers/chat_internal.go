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
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianChat/services/gateway/conversation"
	"github.com/AleutianAI/AleutianChat/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianChat/services/gateway/entitlement"
	"github.com/AleutianAI/AleutianChat/services/gateway/middleware"
	"github.com/AleutianAI/AleutianChat/services/gateway/observability"
	"github.com/AleutianAI/AleutianChat/services/gateway/relay"
	"github.com/AleutianAI/AleutianChat/services/gateway/tenants"
	"github.com/AleutianAI/AleutianChat/services/gateway/usage"
	"github.com/AleutianAI/AleutianChat/services/llm"
)

// InternalChatConfig wires an InternalChatHandler.
type InternalChatConfig struct {
	Upstream     Invoker
	Tenants      *tenants.Registry
	Gate         *entitlement.Gate
	Instructions InstructionsReader
	Sessions     StoreFactory
	Usage        usage.Log
	Counter      *usage.Counter
	Logger       *slog.Logger
}

// InternalChatHandler serves the first-party widget chat.
//
// # Thread Safety
//
// Immutable after construction; safe for concurrent use.
type InternalChatHandler struct {
	upstream     Invoker
	tenants      *tenants.Registry
	gate         *entitlement.Gate
	instructions InstructionsReader
	sessions     StoreFactory
	recorder     *streamRecorder
	logger       *slog.Logger
}

// NewInternalChatHandler creates the handler. Panics on missing required
// collaborators.
func NewInternalChatHandler(cfg InternalChatConfig) *InternalChatHandler {
	if cfg.Upstream == nil {
		panic("NewInternalChatHandler: upstream must not be nil")
	}
	if cfg.Tenants == nil || cfg.Gate == nil || cfg.Sessions == nil {
		panic("NewInternalChatHandler: tenants, gate and sessions must not be nil")
	}
	if cfg.Usage == nil {
		cfg.Usage = usage.NopLog{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &InternalChatHandler{
		upstream:     cfg.Upstream,
		tenants:      cfg.Tenants,
		gate:         cfg.Gate,
		instructions: cfg.Instructions,
		sessions:     cfg.Sessions,
		recorder:     &streamRecorder{log: cfg.Usage, counter: cfg.Counter, logger: cfg.Logger},
		logger:       cfg.Logger,
	}
}

// HandleChat handles POST /v1/chat/internal/:namespace.
//
// # Description
//
// The demo namespace is open to anonymous visitors. The dashboard namespace
// requires a signed-in, entitled caller and adds the caller's custom
// instructions and own collection to the tenant configuration.
//
// History comes from conversationTurns when the body carries it, otherwise
// from the namespace's cookie session. The user turn is written to the
// session before streaming starts; the widget appends the assistant turn once
// it has the final text.
//
// The response is an SSE stream of "text" events, each carrying the full
// answer so far, closed by "done" (with the thread id) or by "error" carrying
// a localized fallback message.
func (h *InternalChatHandler) HandleChat(c *gin.Context) {
	started := time.Now()
	endpoint := observability.EndpointInternalChat
	requestID := middleware.GetRequestID(c)

	ctx, span := observability.StartSpan(c.Request.Context(), "InternalChat.HandleChat",
		attribute.String("request.id", requestID))
	var spanErr error
	defer func() { observability.EndSpan(span, spanErr) }()

	namespace := c.Param("namespace")
	if !validNamespace(namespace) {
		spanErr = datatypes.NewNotFoundError("unknown chat namespace")
		respondError(c, endpoint, spanErr, h.logger)
		return
	}

	var req datatypes.InternalChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		spanErr = datatypes.NewValidationError("invalid request body")
		respondError(c, endpoint, spanErr, h.logger)
		return
	}
	if err := req.Validate(); err != nil {
		h.logger.Warn("internal chat validation failed", "error", err, "request_id", requestID)
		spanErr = datatypes.NewValidationError("invalid request: validation failed")
		respondError(c, endpoint, spanErr, h.logger)
		return
	}
	req.RequestID = requestID
	req.EnsureDefaults()

	subject := middleware.GetSubject(c)
	if req.AssistantID != nil && !h.tenants.Has(*req.AssistantID) {
		// Unknown ids fall back to the default tenant and are not remembered.
		h.logger.Warn("unknown assistant id, using default tenant",
			"assistant_id", *req.AssistantID,
			"request_id", requestID)
		span.SetAttributes(attribute.String("tenant.unknown_id", *req.AssistantID))
		req.AssistantID = nil
	}
	tenant := h.tenants.ResolvePtr(req.AssistantID)
	customInstructions := ""
	if namespace == NamespaceDashboard {
		if !subject.Authenticated {
			spanErr = datatypes.NewAuthError("dashboard chat requires a session")
			respondError(c, endpoint, spanErr, h.logger)
			return
		}
		if !h.gate.Check(ctx, subject, "") {
			spanErr = datatypes.NewEntitlementError("the %s plan is required", h.gate.RequiredPlan())
			respondError(c, endpoint, spanErr, h.logger)
			return
		}
		if h.instructions != nil {
			text, err := h.instructions.Get(ctx, subject.UserID)
			if err != nil {
				h.logger.Warn("custom instructions unavailable", "user_id", subject.UserID, "error", err)
			}
			customInstructions = text
		}
		if id := subject.Metadata.VectorStoreID; id != "" && !slices.Contains(tenant.RetrievalCollectionIDs, id) {
			tenant.RetrievalCollectionIDs = append(tenant.RetrievalCollectionIDs, id)
		}
	}
	span.SetAttributes(
		attribute.String("chat.namespace", namespace),
		attribute.String("tenant.id", tenant.TenantID),
	)

	store := h.sessions(c)
	session := store.Load(namespace)
	turns := req.ConversationTurns
	if turns == nil {
		if req.ThreadID != "" && session.ThreadID != "" && req.ThreadID != session.ThreadID {
			session.Conversation = nil
		}
		turns = session.Conversation
	}
	threadID := firstNonEmpty(req.ThreadID, session.ThreadID, conversation.NewThreadID())

	invokeReq := llm.InvokeRequest{
		SystemPrompt:           tenants.SystemPrompt(tenant, customInstructions),
		Turns:                  turns,
		Message:                req.Message,
		Locale:                 req.Locale,
		RetrievalCollectionIDs: tenant.RetrievalCollectionIDs,
		User:                   subject.UserID,
	}
	stream, err := h.upstream.Invoke(ctx, invokeReq)
	if err != nil {
		spanErr = err
		respondError(c, endpoint, datatypes.NewUpstreamError("invoke", err), h.logger)
		return
	}

	// Cookies cannot be set once the stream starts, so the user turn is
	// persisted here, after upstream accepted the exchange.
	saved := datatypes.Session{
		ThreadID:     threadID,
		AssistantID:  req.AssistantID,
		Conversation: append(append([]datatypes.ConversationTurn(nil), turns...), datatypes.ConversationTurn{Role: datatypes.RoleUser, Content: req.Message}),
	}
	if err := store.Save(namespace, saved); err != nil {
		h.logger.Warn("conversation session not saved", "namespace", namespace, "error", err)
	}

	if m := observability.DefaultMetrics; m != nil {
		m.StreamStarted(endpoint)
		defer m.StreamEnded(endpoint)
	}

	SetSSEHeaders(c.Writer)
	c.Status(http.StatusOK)
	writer, err := NewSSEWriter(c.Writer)
	if err != nil {
		_ = stream.Close()
		spanErr = err
		h.logger.Error("streaming not supported", "error", err)
		return
	}

	sink := &eventSink{writer: writer, threadID: threadID, fallback: fallbackMessage(req.Locale)}
	result, runErr := relay.New(relay.Config{
		Mode:      relay.ModeAccumulate,
		Transport: usage.TransportInternal,
		RequestID: requestID,
		Logger:    h.logger,
	}).Run(ctx, stream, sink)
	spanErr = runErr

	h.recorder.record(ctx, streamOutcome{
		endpoint:  endpoint,
		transport: usage.TransportInternal,
		userID:    userOrAnonymous(subject.UserID),
		model:     h.upstream.Model(),
		requestID: requestID,
		prompt:    promptParts(invokeReq),
		result:    result,
		err:       runErr,
		started:   started,
	})
}

// eventSink adapts an SSEWriter to the relay.
type eventSink struct {
	writer   SSEWriter
	threadID string
	fallback string
}

func (s *eventSink) Write(chunk string) error {
	return s.writer.WriteText(chunk)
}

func (s *eventSink) Close(err error) {
	if err != nil {
		_ = s.writer.WriteError(s.fallback)
		return
	}
	_ = s.writer.WriteDone(s.threadID)
}

// =============================================================================
// Helpers
// =============================================================================

func promptParts(req llm.InvokeRequest) []string {
	parts := make([]string, 0, len(req.Turns)+2)
	parts = append(parts, req.SystemPrompt)
	for _, t := range req.Turns {
		parts = append(parts, t.Content)
	}
	return append(parts, req.Message)
}

func userOrAnonymous(id string) string {
	if id == "" {
		return "anonymous"
	}
	return id
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
