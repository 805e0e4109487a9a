// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianChat/pkg/validation"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// MaxMessageContentBytes bounds a single message or turn.
	MaxMessageContentBytes = 32 * 1024

	// MaxTurnsPerRequest bounds the conversation history accepted per call.
	MaxTurnsPerRequest = 100

	// DefaultLocale is used when the caller does not send one.
	DefaultLocale = "en"
)

// Roles accepted in a ConversationTurn.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// =============================================================================
// Validation
// =============================================================================

var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()

	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
	_ = chatValidate.RegisterValidation("notblank", validateNotBlank)
	_ = chatValidate.RegisterValidation("resourceid", validateResourceID)
}

func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageContentBytes
}

func validateNotBlank(fl validator.FieldLevel) bool {
	return strings.TrimSpace(fl.Field().String()) != ""
}

// validateResourceID guards ids that end up in upstream URL paths.
func validateResourceID(fl validator.FieldLevel) bool {
	return validation.ValidateResourceID(fl.Field().String()) == nil
}

// =============================================================================
// Conversation Types
// =============================================================================

// ConversationTurn is one message of a conversation tagged with its speaker.
//
// # Description
//
// Turns are ordered by insertion. Strict role alternation is not enforced, so
// two consecutive user turns are accepted. Content is untrusted text and is
// only ever sent to the model as a conversation message.
type ConversationTurn struct {
	Role    string `json:"role" validate:"required,oneof=user assistant"`
	Content string `json:"content" validate:"maxbytes"`
}

// Session is the client-held conversation state for one widget namespace.
//
// # Description
//
// The server never stores a Session. It is loaded from and written back to the
// caller's signed cookies on each call. ThreadID is generated on first
// interaction; AssistantID is nil for the default assistant.
type Session struct {
	ThreadID     string             `json:"threadId"`
	AssistantID  *string            `json:"assistantId"`
	Conversation []ConversationTurn `json:"conversation"`
}

// IsEmpty reports whether the session holds no state.
func (s Session) IsEmpty() bool {
	return s.ThreadID == "" && s.AssistantID == nil && len(s.Conversation) == 0
}

// =============================================================================
// Request Types
// =============================================================================

// InternalChatRequest is the body of the same-origin widget chat call.
//
// # Description
//
// ConversationTurns is optional. When it is nil the handler loads the turns
// from the caller's cookie session for the assistant's namespace.
//
// # Examples
//
//	req := InternalChatRequest{
//	    ThreadID: "t_123",
//	    Message:  "What plans do you offer?",
//	    Locale:   "en",
//	}
type InternalChatRequest struct {
	ThreadID          string             `json:"threadId" validate:"omitempty,resourceid"`
	Message           string             `json:"message" validate:"notblank,maxbytes"`
	AssistantID       *string            `json:"assistantId" validate:"omitempty,max=128"`
	Locale            string             `json:"locale" validate:"omitempty,max=16"`
	ConversationTurns []ConversationTurn `json:"conversationTurns" validate:"omitempty,max=100,dive"`
	RequestID         string             `json:"-"`
}

// Validate checks field constraints.
func (r *InternalChatRequest) Validate() error {
	return chatValidate.Struct(r)
}

// EnsureDefaults fills in the locale and request id.
func (r *InternalChatRequest) EnsureDefaults() {
	if r.Locale == "" {
		r.Locale = DefaultLocale
	}
	if r.RequestID == "" {
		r.RequestID = uuid.NewString()
	}
}

// PublicChatRequest is the body of the bearer-authenticated chat endpoint.
//
// # Description
//
// SessionID is the provider thread id returned by a previous call. An empty
// SessionID starts a new thread.
type PublicChatRequest struct {
	SessionID string `json:"sessionId" validate:"omitempty,resourceid"`
	Message   string `json:"message" validate:"maxbytes"`
}

// Validate checks field constraints. A missing message is reported separately
// by the handler so the response body can name it.
func (r *PublicChatRequest) Validate() error {
	return chatValidate.Struct(r)
}

// AppendTurnRequest is the body for appending a turn to a cookie session.
type AppendTurnRequest struct {
	ThreadID    string           `json:"threadId" validate:"omitempty,resourceid"`
	AssistantID *string          `json:"assistantId" validate:"omitempty,max=128"`
	Turn        ConversationTurn `json:"turn" validate:"required"`
}

// Validate checks field constraints.
func (r *AppendTurnRequest) Validate() error {
	return chatValidate.Struct(r)
}

// =============================================================================
// Stream Events
// =============================================================================

// StreamEvent is one SSE event on the internal chat transport.
//
// # Description
//
// Type is one of "text", "error" or "done". For "text", Content carries the
// best known full text so far, replacing what the client rendered before.
type StreamEvent struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	CreatedAt int64  `json:"created_at"`
	Content   string `json:"content,omitempty"`
	Error     string `json:"error,omitempty"`
	ThreadID  string `json:"thread_id,omitempty"`
}

// Stream event types.
const (
	StreamEventText  = "text"
	StreamEventError = "error"
	StreamEventDone  = "done"
)

// NowMillis returns the current Unix time in milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
