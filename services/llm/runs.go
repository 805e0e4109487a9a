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
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// ProductCatalogTool is the function the assistant may call for product data.
const ProductCatalogTool = "get_products"

// OwnerMetadataKey is the thread metadata entry naming the owning user.
const OwnerMetadataKey = "user_id"

// ErrThreadNotOwned is returned when a thread to continue does not exist or
// belongs to another user. The two cases are not distinguished.
var ErrThreadNotOwned = errors.New("llm: thread not found for this user")

// RunRequest describes one assistant run on a thread.
//
// # Description
//
// An empty ThreadID starts a new thread scoped to VectorStoreIDs. Message is
// appended to the thread as a user message before the run starts. When Owner
// is set, a new thread is tagged with it and an existing thread must carry it.
type RunRequest struct {
	ThreadID               string
	Owner                  string
	Message                string
	AdditionalInstructions string
	VectorStoreIDs         []string
	Metadata               map[string]any
}

// ToolOutput is the result of one function call.
type ToolOutput struct {
	ToolCallID string
	Output     string
}

type streamRunRequest struct {
	openai.RunRequest
	Stream bool `json:"stream"`
}

type streamSubmitRequest struct {
	openai.SubmitToolOutputsRequest
	Stream bool `json:"stream"`
}

// runTools declares the catalog function and, when the thread has a
// retrieval scope, file search.
func runTools(withFileSearch bool) []openai.Tool {
	tools := []openai.Tool{{
		Type: openai.ToolTypeFunction,
		Function: &openai.FunctionDefinition{
			Name:        ProductCatalogTool,
			Description: "Returns the current product catalog with names, descriptions and prices.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{}}`),
		},
	}}
	if withFileSearch {
		tools = append(tools, openai.Tool{Type: openai.ToolType("file_search")})
	}
	return tools
}

// StartRun appends the message to a thread and streams a new run.
//
// # Description
//
// Creates the thread first when req.ThreadID is empty. An existing thread is
// checked against req.Owner before anything is added to it. Thread and message
// calls go through go-openai; the run itself is streamed.
//
// # Outputs
//
//   - string: The thread id, new or reused.
//   - EventStream: The run's events. The caller must Close it.
//   - error: ErrThreadNotOwned, or a thread, message or run creation failure.
func (c *Client) StartRun(ctx context.Context, req RunRequest) (string, EventStream, error) {
	if c.cfg.AssistantID == "" {
		return "", nil, errors.New("llm: assistant id is not configured")
	}
	if strings.TrimSpace(req.Message) == "" {
		return "", nil, ErrEmptyInput
	}

	metadata := req.Metadata
	if req.Owner != "" {
		metadata = make(map[string]any, len(req.Metadata)+1)
		for k, v := range req.Metadata {
			metadata[k] = v
		}
		metadata[OwnerMetadataKey] = req.Owner
	}

	threadID := req.ThreadID
	if threadID != "" && req.Owner != "" {
		if err := c.checkThreadOwner(ctx, threadID, req.Owner); err != nil {
			return "", nil, err
		}
	}
	if threadID == "" {
		threadReq := openai.ThreadRequest{Metadata: metadata}
		if len(req.VectorStoreIDs) > 0 {
			threadReq.ToolResources = &openai.ToolResourcesRequest{
				FileSearch: &openai.FileSearchToolResourcesRequest{VectorStoreIDs: req.VectorStoreIDs},
			}
		}
		thread, err := c.api.CreateThread(ctx, threadReq)
		if err != nil {
			return "", nil, fmt.Errorf("create thread: %w", err)
		}
		threadID = thread.ID
	}

	if _, err := c.api.CreateMessage(ctx, threadID, openai.MessageRequest{
		Role:    string(openai.ThreadMessageRoleUser),
		Content: req.Message,
	}); err != nil {
		return threadID, nil, fmt.Errorf("create message: %w", err)
	}

	body := streamRunRequest{
		RunRequest: openai.RunRequest{
			AssistantID:            c.cfg.AssistantID,
			AdditionalInstructions: req.AdditionalInstructions,
			Tools:                  runTools(len(req.VectorStoreIDs) > 0),
			Metadata:               metadata,
		},
		Stream: true,
	}
	stream, err := c.openStream(ctx, "/threads/"+threadID+"/runs", body, true, c.decodeRunEvent)
	if err != nil {
		return threadID, nil, err
	}
	return threadID, stream, nil
}

func (c *Client) checkThreadOwner(ctx context.Context, threadID, owner string) error {
	thread, err := c.api.RetrieveThread(ctx, threadID)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusNotFound {
			return ErrThreadNotOwned
		}
		var reqErr *openai.RequestError
		if errors.As(err, &reqErr) && reqErr.HTTPStatusCode == http.StatusNotFound {
			return ErrThreadNotOwned
		}
		return fmt.Errorf("retrieve thread: %w", err)
	}
	if id, _ := thread.Metadata[OwnerMetadataKey].(string); id != owner {
		c.logger.Warn("thread owner mismatch", "thread_id", threadID, "user_id", owner)
		return ErrThreadNotOwned
	}
	return nil
}

// SubmitToolOutputs submits every output in one batch and streams the
// continuation of the run.
func (c *Client) SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []ToolOutput) (EventStream, error) {
	req := streamSubmitRequest{Stream: true}
	req.ToolOutputs = make([]openai.ToolOutput, 0, len(outputs))
	for _, o := range outputs {
		req.ToolOutputs = append(req.ToolOutputs, openai.ToolOutput{ToolCallID: o.ToolCallID, Output: o.Output})
	}
	path := fmt.Sprintf("/threads/%s/runs/%s/submit_tool_outputs", threadID, runID)
	return c.openStream(ctx, path, req, true, c.decodeRunEvent)
}

// =============================================================================
// Run Event Decoding
// =============================================================================

type messageDelta struct {
	Delta struct {
		Content []struct {
			Type string `json:"type"`
			Text *struct {
				Value string `json:"value"`
			} `json:"text"`
		} `json:"content"`
	} `json:"delta"`
}

type runStepDelta struct {
	Delta struct {
		StepDetails openai.StepDetails `json:"step_details"`
	} `json:"delta"`
}

type streamError struct {
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

var ignoredRunEvents = map[string]struct{}{
	"thread.created":              {},
	"thread.run.created":          {},
	"thread.run.queued":           {},
	"thread.run.in_progress":      {},
	"thread.run.cancelling":       {},
	"thread.run.step.in_progress": {},
	"thread.message.created":      {},
	"thread.message.in_progress":  {},
	"thread.message.completed":    {},
	"thread.message.incomplete":   {},
}

func (c *Client) decodeRunEvent(name string, data []byte) ([]Event, error) {
	if _, skip := ignoredRunEvents[name]; skip {
		return nil, nil
	}

	switch name {
	case "done":
		return nil, errStreamDone

	case "thread.message.delta":
		var md messageDelta
		if err := json.Unmarshal(data, &md); err != nil {
			return nil, fmt.Errorf("decode %s event: %w", name, err)
		}
		var out []Event
		for _, part := range md.Delta.Content {
			if part.Type == "text" && part.Text != nil && part.Text.Value != "" {
				out = append(out, TextDelta{Text: part.Text.Value})
			}
		}
		return out, nil

	case "thread.run.step.created":
		var step openai.RunStep
		if err := json.Unmarshal(data, &step); err != nil {
			return nil, fmt.Errorf("decode %s event: %w", name, err)
		}
		return toolCallsCreated(step.StepDetails.ToolCalls), nil

	case "thread.run.step.delta":
		var sd runStepDelta
		if err := json.Unmarshal(data, &sd); err != nil {
			return nil, fmt.Errorf("decode %s event: %w", name, err)
		}
		return toolCallsCreated(sd.Delta.StepDetails.ToolCalls), nil

	case "thread.run.step.completed", "thread.run.step.failed",
		"thread.run.step.cancelled", "thread.run.step.expired":
		var step openai.RunStep
		if err := json.Unmarshal(data, &step); err != nil {
			return nil, fmt.Errorf("decode %s event: %w", name, err)
		}
		var out []Event
		for _, tc := range step.StepDetails.ToolCalls {
			if tc.ID != "" {
				out = append(out, ToolCallDone{ID: tc.ID})
			}
		}
		return out, nil

	case "thread.run.requires_action":
		var run openai.Run
		if err := json.Unmarshal(data, &run); err != nil {
			return nil, fmt.Errorf("decode %s event: %w", name, err)
		}
		action := RequiresAction{RunID: run.ID, ThreadID: run.ThreadID}
		if run.RequiredAction != nil && run.RequiredAction.SubmitToolOutputs != nil {
			for _, tc := range run.RequiredAction.SubmitToolOutputs.ToolCalls {
				action.Calls = append(action.Calls, ToolCall{
					ID:        tc.ID,
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				})
			}
		}
		if action.RunID == "" {
			return nil, fmt.Errorf("decode %s event: missing run id", name)
		}
		return []Event{action}, nil

	case "thread.run.completed", "thread.run.incomplete":
		var run openai.Run
		if err := json.Unmarshal(data, &run); err != nil {
			return nil, fmt.Errorf("decode %s event: %w", name, err)
		}
		return []Event{Completed{
			ResponseID: run.ID,
			Usage:      Usage{InputTokens: run.Usage.PromptTokens, OutputTokens: run.Usage.CompletionTokens},
		}}, nil

	case "thread.run.failed", "thread.run.cancelled", "thread.run.expired":
		var run openai.Run
		if err := json.Unmarshal(data, &run); err != nil {
			return nil, fmt.Errorf("decode %s event: %w", name, err)
		}
		failed := Errored{Code: string(run.Status), Message: name}
		if run.LastError != nil {
			failed = Errored{Code: string(run.LastError.Code), Message: run.LastError.Message}
		}
		return []Event{failed}, nil

	case "error":
		var se streamError
		if err := json.Unmarshal(data, &se); err != nil {
			return []Event{Errored{Message: string(data)}}, nil
		}
		if se.Error != nil {
			return []Event{Errored{Code: se.Error.Code, Message: se.Error.Message}}, nil
		}
		return []Event{Errored{Code: se.Code, Message: se.Message}}, nil

	default:
		return unknownEvent(c.cfg.StrictEvents, c.logger, name)
	}
}

func toolCallsCreated(calls []openai.ToolCall) []Event {
	var out []Event
	for _, tc := range calls {
		if tc.ID == "" {
			// Later deltas of a call only carry its index.
			continue
		}
		out = append(out, ToolCallCreated{
			ID:     tc.ID,
			Name:   tc.Function.Name,
			Hosted: tc.Type != openai.ToolTypeFunction,
		})
	}
	return out
}
