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

import "fmt"

// =============================================================================
// Upstream Events
// =============================================================================

// Event is one decoded upstream stream event.
//
// # Description
//
// Event is a closed set: the unexported marker method keeps other packages
// from adding variants, so a type switch over the six variants below is
// exhaustive. Consumers should end their switch with a default case that
// reports an unexpected variant as an error.
//
// Variants:
//   - TextDelta: an incremental fragment of generated text
//   - ToolCallCreated: the model started a tool call
//   - ToolCallDone: a tool call finished on the provider side
//   - RequiresAction: the run is paused until tool outputs are submitted
//   - Completed: the response finished normally
//   - Errored: the provider reported a failure
type Event interface {
	upstreamEvent()
}

// TextDelta carries generated text in upstream order.
type TextDelta struct {
	Text string
}

// ToolCallCreated announces a tool call. Hosted calls (file search) are run by
// the provider and never need an output from the gateway.
type ToolCallCreated struct {
	ID     string
	Name   string
	Hosted bool
}

// ToolCallDone marks a tool call as finished on the provider side.
type ToolCallDone struct {
	ID string
}

// ToolCall is a pending function call awaiting an output.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// RequiresAction pauses the run until outputs for Calls are submitted.
type RequiresAction struct {
	RunID    string
	ThreadID string
	Calls    []ToolCall
}

// Usage reports token counts for a finished response.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Total returns input plus output tokens.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// Completed marks the normal end of a response.
type Completed struct {
	ResponseID string
	Usage      Usage
}

// Errored reports a provider-side failure.
type Errored struct {
	Code    string
	Message string
}

// Error makes Errored usable as an error value.
func (e Errored) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("upstream error: %s", e.Message)
	}
	return fmt.Sprintf("upstream error %s: %s", e.Code, e.Message)
}

func (TextDelta) upstreamEvent()       {}
func (ToolCallCreated) upstreamEvent() {}
func (ToolCallDone) upstreamEvent()    {}
func (RequiresAction) upstreamEvent()  {}
func (Completed) upstreamEvent()       {}
func (Errored) upstreamEvent()         {}

// EventStream yields upstream events in order.
//
// # Description
//
// Recv blocks until the next event, returning io.EOF after the last one.
// Close aborts the underlying request; it is safe to call more than once and
// concurrently with Recv, which then returns an error.
type EventStream interface {
	Recv() (Event, error)
	Close() error
}
