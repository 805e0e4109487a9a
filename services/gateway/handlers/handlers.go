// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the gateway's HTTP endpoints.
//
// # Description
//
// Two chat transports share the relay: the internal widget chat streams typed
// SSE events carrying the running answer, and the public API streams raw
// "data:" fragments. The remaining handlers cover documents, custom
// instructions, the client-held conversation session and health.
//
// Failures before a stream starts are answered as JSON {"error": msg} with
// the status of the error's kind. Failures after the first byte end the
// stream instead.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianChat/services/gateway/conversation"
	"github.com/AleutianAI/AleutianChat/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianChat/services/gateway/observability"
	"github.com/AleutianAI/AleutianChat/services/gateway/relay"
	"github.com/AleutianAI/AleutianChat/services/gateway/usage"
	"github.com/AleutianAI/AleutianChat/services/llm"
)

// =============================================================================
// Collaborators
// =============================================================================

// Invoker starts a Responses stream.
type Invoker interface {
	Invoke(ctx context.Context, req llm.InvokeRequest) (llm.EventStream, error)
	Model() string
}

// RunClient starts and resumes assistant runs.
type RunClient interface {
	relay.Resumer
	StartRun(ctx context.Context, req llm.RunRequest) (string, llm.EventStream, error)
	Model() string
}

// InstructionsReader returns a user's stored custom instructions.
type InstructionsReader interface {
	Get(ctx context.Context, userID string) (string, error)
}

// StoreFactory binds a conversation store to a request.
type StoreFactory func(c *gin.Context) conversation.Store

// CookieStores returns a StoreFactory backed by signed cookies.
func CookieStores(codec *conversation.Codec) StoreFactory {
	return func(c *gin.Context) conversation.Store {
		return codec.For(c)
	}
}

var (
	_ Invoker   = (*llm.Client)(nil)
	_ RunClient = (*llm.Client)(nil)
)

// =============================================================================
// Namespaces
// =============================================================================

const (
	// NamespaceDemo is the anonymous marketing-site widget.
	NamespaceDemo = "demo"

	// NamespaceDashboard is the signed-in customer's test widget.
	NamespaceDashboard = "dashboard"
)

func validNamespace(ns string) bool {
	return ns == NamespaceDemo || ns == NamespaceDashboard
}

// =============================================================================
// Errors
// =============================================================================

// respondError writes err as JSON and records it.
//
// Upstream errors are logged with their cause; the caller only sees the
// generic message.
func respondError(c *gin.Context, endpoint observability.Endpoint, err error, logger *slog.Logger) {
	gwErr := datatypes.AsGatewayError(err)
	if gwErr.Kind == datatypes.KindUpstream {
		logger.Error("request failed",
			"endpoint", string(endpoint),
			"path", c.FullPath(),
			"error", err)
	}
	if m := observability.DefaultMetrics; m != nil {
		m.RecordError(endpoint, observability.ErrorCodeFor(gwErr.Kind))
	}
	c.JSON(gwErr.StatusCode(), gin.H{"error": gwErr.PublicMessage()})
}

// =============================================================================
// Fallback Messages
// =============================================================================

var fallbackMessages = map[string]string{
	"en": "Sorry, something went wrong. Please try again.",
	"es": "Lo sentimos, algo salió mal. Por favor, inténtalo de nuevo.",
	"fr": "Désolé, une erreur s'est produite. Veuillez réessayer.",
	"de": "Entschuldigung, etwas ist schiefgelaufen. Bitte versuche es erneut.",
	"pt": "Desculpe, algo deu errado. Por favor, tente novamente.",
	"it": "Spiacenti, qualcosa è andato storto. Riprova.",
}

// fallbackMessage returns the failed-turn text for locale, matching on the
// primary language subtag.
func fallbackMessage(locale string) string {
	lang := strings.ToLower(locale)
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	if msg, ok := fallbackMessages[lang]; ok {
		return msg
	}
	return fallbackMessages[datatypes.DefaultLocale]
}

// =============================================================================
// Stream Accounting
// =============================================================================

// streamRecorder records usage and metrics for finished streams.
type streamRecorder struct {
	log     usage.Log
	counter *usage.Counter
	logger  *slog.Logger
}

type streamOutcome struct {
	endpoint  observability.Endpoint
	transport string
	userID    string
	model     string
	requestID string
	prompt    []string
	result    relay.Result
	err       error
	started   time.Time
}

func (r *streamRecorder) record(ctx context.Context, o streamOutcome) {
	success := o.err == nil
	u := o.result.Usage
	estimated := false
	if r.counter != nil {
		u, estimated = r.counter.Fill(u, o.prompt, o.result.Text)
	}

	if m := observability.DefaultMetrics; m != nil {
		m.RecordRequest(o.endpoint, success)
		m.RecordStreamDuration(o.endpoint, time.Since(o.started).Seconds(), success)
		m.RecordToolRounds(o.endpoint, o.result.ToolRounds)
		if o.result.Deltas > 0 {
			m.RecordTimeToFirstDelta(o.endpoint, o.result.TimeToFirstDelta.Seconds())
		}
		if u.Total() > 0 {
			m.RecordTokens(u.InputTokens, u.OutputTokens, o.model)
		}
		if !success {
			var se *relay.StageError
			if errors.As(o.err, &se) && se.Stage == relay.StageCancelled && errors.Is(o.err, context.Canceled) {
				m.RecordClientDisconnect(o.endpoint)
				m.RecordError(o.endpoint, observability.ErrorCodeClientDisconnect)
			} else if errors.Is(o.err, context.DeadlineExceeded) {
				m.RecordError(o.endpoint, observability.ErrorCodeTimeout)
			} else {
				m.RecordError(o.endpoint, observability.ErrorCodeUpstream)
			}
		}
	}

	if u.Total() == 0 {
		return
	}
	err := r.log.Record(context.WithoutCancel(ctx), usage.Event{
		UserID:       o.userID,
		Transport:    o.transport,
		Model:        o.model,
		RequestID:    o.requestID,
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		Estimated:    estimated,
		At:           time.Now(),
	})
	if err != nil {
		r.logger.Warn("usage record failed", "request_id", o.requestID, "error", err)
	}
}
