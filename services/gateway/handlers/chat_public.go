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
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianChat/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianChat/services/gateway/middleware"
	"github.com/AleutianAI/AleutianChat/services/gateway/observability"
	"github.com/AleutianAI/AleutianChat/services/gateway/relay"
	"github.com/AleutianAI/AleutianChat/services/gateway/usage"
	"github.com/AleutianAI/AleutianChat/services/llm"
)

// PublicChatConfig wires a PublicChatHandler.
type PublicChatConfig struct {
	Upstream RunClient
	// Tools answers the assistant's function calls.
	Tools         relay.ToolOutputFunc
	Instructions  InstructionsReader
	MaxToolRounds int
	Usage         usage.Log
	Counter       *usage.Counter
	Logger        *slog.Logger
}

// PublicChatHandler serves the API-key chat endpoint.
//
// # Thread Safety
//
// Immutable after construction; safe for concurrent use.
type PublicChatHandler struct {
	upstream      RunClient
	tools         relay.ToolOutputFunc
	instructions  InstructionsReader
	maxToolRounds int
	recorder      *streamRecorder
	logger        *slog.Logger
}

// NewPublicChatHandler creates the handler. Panics on a nil upstream.
func NewPublicChatHandler(cfg PublicChatConfig) *PublicChatHandler {
	if cfg.Upstream == nil {
		panic("NewPublicChatHandler: upstream must not be nil")
	}
	if cfg.Usage == nil {
		cfg.Usage = usage.NopLog{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &PublicChatHandler{
		upstream:      cfg.Upstream,
		tools:         cfg.Tools,
		instructions:  cfg.Instructions,
		maxToolRounds: cfg.MaxToolRounds,
		recorder:      &streamRecorder{log: cfg.Usage, counter: cfg.Counter, logger: cfg.Logger},
		logger:        cfg.Logger,
	}
}

// HandleChat handles POST /v1/chat.
//
// # Description
//
// The caller was resolved by middleware.APIKeyAuth. sessionId continues an
// existing assistant thread; without it a new thread is created and its id
// returned in the X-Session-Id header. The body of a successful response is
// an SSE stream of raw text fragments in upstream order; the client
// concatenates them. A failure after the stream started ends the stream
// without a trailer.
//
// # Outputs
//
//   - 400 {"error"}: Malformed body, blank or oversized message.
//   - 401 {"error": "unauthorized"}: No resolved caller.
//   - 404 {"error": "session not found"}: sessionId is not one of the caller's threads.
//   - 500 {"error": "internal error"}: The run could not be started.
func (h *PublicChatHandler) HandleChat(c *gin.Context) {
	started := time.Now()
	endpoint := observability.EndpointPublicChat
	requestID := middleware.GetRequestID(c)

	ctx, span := observability.StartSpan(c.Request.Context(), "PublicChat.HandleChat",
		attribute.String("request.id", requestID))
	var spanErr error
	defer func() { observability.EndSpan(span, spanErr) }()

	caller := middleware.GetCaller(c)
	if caller == nil {
		spanErr = datatypes.NewAuthError("no api caller")
		respondError(c, endpoint, spanErr, h.logger)
		return
	}
	span.SetAttributes(attribute.String("user.id", caller.UserID))

	var req datatypes.PublicChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		spanErr = datatypes.NewValidationError("invalid request body")
		respondError(c, endpoint, spanErr, h.logger)
		return
	}
	if err := req.Validate(); err != nil {
		spanErr = datatypes.NewValidationError("invalid request: validation failed")
		respondError(c, endpoint, spanErr, h.logger)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		spanErr = datatypes.NewValidationError("message is required")
		respondError(c, endpoint, spanErr, h.logger)
		return
	}

	runReq := llm.RunRequest{
		ThreadID: req.SessionID,
		Owner:    caller.UserID,
		Message:  req.Message,
		Metadata: map[string]any{"request_id": requestID},
	}
	if id := caller.Metadata.VectorStoreID; id != "" {
		runReq.VectorStoreIDs = []string{id}
	}
	if h.instructions != nil {
		text, err := h.instructions.Get(ctx, caller.UserID)
		if err != nil {
			h.logger.Warn("custom instructions unavailable", "user_id", caller.UserID, "error", err)
		}
		runReq.AdditionalInstructions = text
	}

	threadID, stream, err := h.upstream.StartRun(ctx, runReq)
	if err != nil {
		spanErr = err
		if errors.Is(err, llm.ErrEmptyInput) {
			respondError(c, endpoint, datatypes.NewValidationError("message is required"), h.logger)
			return
		}
		if errors.Is(err, llm.ErrThreadNotOwned) {
			respondError(c, endpoint, datatypes.NewNotFoundError("session not found"), h.logger)
			return
		}
		respondError(c, endpoint, datatypes.NewUpstreamError("start_run", err), h.logger)
		return
	}
	span.SetAttributes(attribute.String("thread.id", threadID))

	if m := observability.DefaultMetrics; m != nil {
		m.StreamStarted(endpoint)
		defer m.StreamEnded(endpoint)
	}

	c.Header(middleware.SessionIDHeader, threadID)
	SetSSEHeaders(c.Writer)
	c.Status(http.StatusOK)
	writer, err := newDataWriter(c.Writer)
	if err != nil {
		_ = stream.Close()
		spanErr = err
		h.logger.Error("streaming not supported", "error", err)
		return
	}

	cfg := relay.Config{
		Mode:          relay.ModeRaw,
		ThreadID:      threadID,
		MaxToolRounds: h.maxToolRounds,
		Transport:     usage.TransportPublic,
		RequestID:     requestID,
		Logger:        h.logger,
	}
	if h.tools != nil {
		cfg.Tools = h.tools
		cfg.Resumer = h.upstream
	}
	result, runErr := relay.New(cfg).Run(ctx, stream, dataSink{writer: writer})
	spanErr = runErr

	h.recorder.record(ctx, streamOutcome{
		endpoint:  endpoint,
		transport: usage.TransportPublic,
		userID:    caller.UserID,
		model:     h.upstream.Model(),
		requestID: requestID,
		prompt:    []string{runReq.AdditionalInstructions, req.Message},
		result:    result,
		err:       runErr,
		started:   started,
	})
}

// dataSink adapts a dataWriter to the relay. Close writes nothing: the raw
// transport signals the end by closing the response.
type dataSink struct {
	writer *dataWriter
}

func (s dataSink) Write(chunk string) error {
	return s.writer.WriteData(chunk)
}

func (s dataSink) Close(error) {}

// KeepAlive lets the relay ping the client during tool rounds.
func (s dataSink) KeepAlive() error {
	return s.writer.WriteKeepAlive()
}
