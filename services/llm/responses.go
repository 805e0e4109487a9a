// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/AleutianAI/AleutianChat/services/gateway/datatypes"
)

// ErrEmptyInput is returned when neither turns nor a message were supplied.
var ErrEmptyInput = errors.New("llm: no conversation turns and no message")

// InvokeRequest describes one retrieval-augmented response.
//
// # Description
//
// Turns holds the prior conversation. When it is non-empty the request carries
// structured messages; otherwise it carries a single prompt string built from
// Locale and Message. RetrievalCollectionIDs scopes the file search tool and
// the first id doubles as the provider prompt cache key.
type InvokeRequest struct {
	SystemPrompt           string
	Turns                  []datatypes.ConversationTurn
	Message                string
	Locale                 string
	RetrievalCollectionIDs []string
	// User is an opaque end-user id forwarded for provider abuse monitoring.
	User string
}

type inputMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type fileSearchTool struct {
	Type           string   `json:"type"`
	VectorStoreIDs []string `json:"vector_store_ids"`
	MaxNumResults  int      `json:"max_num_results"`
}

type textFormat struct {
	Type string `json:"type"`
}

type textConfig struct {
	Format textFormat `json:"format"`
}

// responsesRequest is the wire body of a streamed response call.
type responsesRequest struct {
	Model          string           `json:"model"`
	Instructions   string           `json:"instructions,omitempty"`
	Input          any              `json:"input"`
	Tools          []fileSearchTool `json:"tools,omitempty"`
	ToolChoice     string           `json:"tool_choice,omitempty"`
	PromptCacheKey string           `json:"prompt_cache_key,omitempty"`
	Text           textConfig       `json:"text"`
	Store          bool             `json:"store"`
	Stream         bool             `json:"stream"`
	User           string           `json:"user,omitempty"`
}

// LocalePrompt builds the single-prompt form: "[locale] message".
func LocalePrompt(locale, message string) string {
	if locale == "" {
		locale = datatypes.DefaultLocale
	}
	return "[" + locale + "] " + message
}

// buildResponsesRequest maps an InvokeRequest to exactly one request shape.
func buildResponsesRequest(model string, maxResults int, req InvokeRequest) (responsesRequest, error) {
	out := responsesRequest{
		Model:        model,
		Instructions: req.SystemPrompt,
		Text:         textConfig{Format: textFormat{Type: "text"}},
		Store:        true,
		Stream:       true,
		User:         req.User,
	}

	if len(req.Turns) > 0 {
		msgs := make([]inputMessage, 0, len(req.Turns)+1)
		for _, t := range req.Turns {
			role := openai.ChatMessageRoleUser
			if t.Role == datatypes.RoleAssistant {
				role = openai.ChatMessageRoleAssistant
			}
			msgs = append(msgs, inputMessage{Role: role, Content: t.Content})
		}
		// The caller may or may not have appended the new message already.
		last := req.Turns[len(req.Turns)-1]
		if req.Message != "" && !(last.Role == datatypes.RoleUser && last.Content == req.Message) {
			msgs = append(msgs, inputMessage{Role: openai.ChatMessageRoleUser, Content: req.Message})
		}
		out.Input = msgs
	} else {
		if strings.TrimSpace(req.Message) == "" {
			return responsesRequest{}, ErrEmptyInput
		}
		out.Input = LocalePrompt(req.Locale, req.Message)
	}

	if len(req.RetrievalCollectionIDs) > 0 {
		out.Tools = []fileSearchTool{{
			Type:           "file_search",
			VectorStoreIDs: append([]string(nil), req.RetrievalCollectionIDs...),
			MaxNumResults:  maxResults,
		}}
		out.ToolChoice = "auto"
		out.PromptCacheKey = req.RetrievalCollectionIDs[0]
	}
	return out, nil
}

// Invoke opens a streamed, stored response.
//
// # Description
//
// Builds the request (see InvokeRequest) and opens the provider event stream.
// The call is made once; a rejected request surfaces as *APIError.
//
// # Inputs
//
//   - ctx: Cancelling it aborts the upstream request.
//   - req: Prompt, conversation and retrieval scope.
//
// # Outputs
//
//   - EventStream: Decoded events. The caller must Close it.
//   - error: ErrEmptyInput, *APIError or a transport error.
func (c *Client) Invoke(ctx context.Context, req InvokeRequest) (EventStream, error) {
	body, err := buildResponsesRequest(c.cfg.Model, c.cfg.MaxRetrievalResults, req)
	if err != nil {
		return nil, err
	}
	return c.openStream(ctx, "/responses", body, false, c.decodeResponseEvent)
}

// =============================================================================
// Response Event Decoding
// =============================================================================

type responseUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type responseEnvelope struct {
	Delta  string `json:"delta"`
	ItemID string `json:"item_id"`
	// Code and Message are set on top-level "error" events.
	Code     string        `json:"code"`
	Message  string        `json:"message"`
	Item     *responseItem `json:"item"`
	Response *struct {
		ID    string         `json:"id"`
		Usage *responseUsage `json:"usage"`
		Error *responseError `json:"error"`
	} `json:"response"`
}

type responseItem struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Name   string `json:"name"`
}

// ignoredResponseEvents are lifecycle events with nothing to relay.
var ignoredResponseEvents = map[string]struct{}{
	"response.created":                       {},
	"response.queued":                        {},
	"response.in_progress":                   {},
	"response.output_item.done":              {},
	"response.content_part.added":            {},
	"response.content_part.done":             {},
	"response.output_text.done":              {},
	"response.output_text.annotation.added":  {},
	"response.file_search_call.searching":    {},
	"response.function_call_arguments.delta": {},
	"response.function_call_arguments.done":  {},
	"response.refusal.delta":                 {},
	"response.refusal.done":                  {},
}

func (c *Client) decodeResponseEvent(name string, data []byte) ([]Event, error) {
	if _, skip := ignoredResponseEvents[name]; skip {
		return nil, nil
	}

	var env responseEnvelope
	if len(data) > 0 {
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, fmt.Errorf("decode %s event: %w", name, err)
		}
	}

	switch name {
	case "response.output_text.delta":
		if env.Delta == "" {
			return nil, nil
		}
		return []Event{TextDelta{Text: env.Delta}}, nil
	case "response.file_search_call.in_progress":
		return []Event{ToolCallCreated{ID: env.ItemID, Name: "file_search", Hosted: true}}, nil
	case "response.file_search_call.completed":
		return []Event{ToolCallDone{ID: env.ItemID}}, nil
	case "response.output_item.added":
		if env.Item != nil && env.Item.Type == "function_call" {
			return []Event{ToolCallCreated{ID: env.Item.CallID, Name: env.Item.Name}}, nil
		}
		return nil, nil
	case "response.completed", "response.incomplete":
		done := Completed{}
		if env.Response != nil {
			done.ResponseID = env.Response.ID
			if env.Response.Usage != nil {
				done.Usage = Usage{InputTokens: env.Response.Usage.InputTokens, OutputTokens: env.Response.Usage.OutputTokens}
			}
		}
		return []Event{done}, nil
	case "response.failed":
		failed := Errored{Message: "response failed"}
		if env.Response != nil && env.Response.Error != nil {
			failed = Errored{Code: env.Response.Error.Code, Message: env.Response.Error.Message}
		}
		return []Event{failed}, nil
	case "error":
		return []Event{Errored{Code: env.Code, Message: env.Message}}, nil
	default:
		return unknownEvent(c.cfg.StrictEvents, c.logger, name)
	}
}
