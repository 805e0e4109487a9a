// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package relay moves upstream LLM events onto a caller-facing output.
//
// # Description
//
// A Relay consumes one logical response, which may span several upstream
// streams when the model pauses for tool results, and forwards text to a Sink
// in upstream order. Per request it walks:
//
//	Started -> Streaming -> (AwaitingToolResult -> Streaming)* -> Completed | Errored
//
// The Sink is closed exactly once: with nil after the upstream signals its end
// while no tool call is pending, or with the error that stopped the relay.
// Nothing is written after an error.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianChat/services/llm"
)

// =============================================================================
// Types
// =============================================================================

// Mode selects what each text delta produces on the Sink.
type Mode int

const (
	// ModeRaw forwards each delta as it arrives. The caller concatenates.
	ModeRaw Mode = iota

	// ModeAccumulate forwards the running concatenation, so every chunk is
	// the best known full text so far.
	ModeAccumulate
)

// State is the relay's position in the response lifecycle.
type State int

const (
	StateStarted State = iota
	StateStreaming
	StateAwaitingToolResult
	StateCompleted
	StateErrored
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateStarted:
		return "started"
	case StateStreaming:
		return "streaming"
	case StateAwaitingToolResult:
		return "awaiting_tool_result"
	case StateCompleted:
		return "completed"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Sink is the caller-facing output channel.
type Sink interface {
	// Write delivers one chunk. An error stops the relay.
	Write(chunk string) error
	// Close ends the output. err is nil on normal completion.
	Close(err error)
}

// KeepAliver is implemented by sinks that can send a no-op frame. The relay
// uses it while waiting on tool outputs so idle proxies keep the stream open.
type KeepAliver interface {
	KeepAlive() error
}

// ToolOutputFunc produces the output for one pending tool call.
type ToolOutputFunc func(ctx context.Context, call llm.ToolCall) (string, error)

// Resumer submits tool outputs and returns the continuation stream.
type Resumer interface {
	SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []llm.ToolOutput) (llm.EventStream, error)
}

// Config configures a Relay.
type Config struct {
	Mode Mode
	// Tools produces tool outputs. Required when the upstream can pause for
	// tool results.
	Tools ToolOutputFunc
	// Resumer resumes a paused run. Required together with Tools.
	Resumer Resumer
	// ThreadID is used when a requires-action event omits its thread.
	ThreadID string
	// MaxToolRounds bounds requires-action rounds per response.
	MaxToolRounds int
	// KeepAliveInterval spaces keepalives during tool rounds.
	KeepAliveInterval time.Duration
	Transport         string
	RequestID         string
	Logger            *slog.Logger
}

// DefaultMaxToolRounds is used when Config.MaxToolRounds is zero.
const DefaultMaxToolRounds = 4

// DefaultKeepAliveInterval is used when Config.KeepAliveInterval is zero.
const DefaultKeepAliveInterval = 15 * time.Second

// Result summarises a finished relay.
type Result struct {
	Text             string
	Usage            llm.Usage
	Deltas           int
	ToolRounds       int
	TimeToFirstDelta time.Duration
	State            State
}

// StageError records where the relay stopped.
type StageError struct {
	Stage string
	Err   error
}

// Error implements error.
func (e *StageError) Error() string {
	return fmt.Sprintf("relay %s: %v", e.Stage, e.Err)
}

// Unwrap returns the cause.
func (e *StageError) Unwrap() error {
	return e.Err
}

// Relay stages.
const (
	StageReceive   = "receive"
	StageDeliver   = "deliver"
	StageUpstream  = "upstream"
	StageToolCall  = "tool_call"
	StageSubmit    = "submit_tool_outputs"
	StageCancelled = "cancelled"
	StageProtocol  = "protocol"
)

var (
	// ErrPendingToolCalls means the upstream ended while function calls were
	// still waiting for outputs.
	ErrPendingToolCalls = errors.New("upstream ended with pending tool calls")

	// ErrNoToolSource means the upstream asked for tool outputs but the relay
	// has no way to produce or submit them.
	ErrNoToolSource = errors.New("tool outputs requested but no tool source configured")

	// ErrTooManyToolRounds means the requires-action budget was exhausted.
	ErrTooManyToolRounds = errors.New("too many tool rounds")
)

// =============================================================================
// Relay
// =============================================================================

// Relay drives one upstream response onto a Sink.
//
// # Thread Safety
//
// A Relay is immutable and may be shared; each Run call keeps its own state.
type Relay struct {
	cfg Config
}

// New creates a Relay.
func New(cfg Config) *Relay {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = DefaultMaxToolRounds
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = DefaultKeepAliveInterval
	}
	return &Relay{cfg: cfg}
}

// Run consumes stream until the logical response ends and closes sink.
//
// # Description
//
// Text deltas are forwarded immediately in upstream order. Tool calls are
// tracked by id; when the upstream requires action, one output per pending
// call is produced concurrently, all outputs are submitted in a single batch
// keyed by the run id, and the continuation stream replaces the current one.
// When ctx is cancelled the current upstream stream is closed, which aborts
// the upstream request.
//
// # Inputs
//
//   - ctx: Request context. Cancellation aborts the upstream.
//   - stream: The first upstream stream. Run takes ownership and closes it.
//   - sink: Output channel, closed exactly once before Run returns.
//
// # Outputs
//
//   - Result: Text, usage and timing of the response, also on failure.
//   - error: *StageError describing where the relay stopped, or nil.
func (r *Relay) Run(ctx context.Context, stream llm.EventStream, sink Sink) (Result, error) {
	rs := &runState{
		relay:   r,
		sink:    sink,
		current: stream,
		pending: make(map[string]llm.ToolCall),
		hosted:  make(map[string]struct{}),
		started: time.Now(),
	}
	stop := context.AfterFunc(ctx, rs.abort)
	defer stop()

	err := rs.loop(ctx)
	rs.closeCurrent()

	result := Result{
		Text:             rs.text.String(),
		Usage:            rs.usage,
		Deltas:           rs.deltas,
		ToolRounds:       rs.rounds,
		TimeToFirstDelta: rs.firstDelta,
		State:            rs.state,
	}

	if err != nil {
		result.State = StateErrored
		var se *StageError
		if errors.As(err, &se) {
			r.cfg.Logger.Error("relay failed",
				"stage", se.Stage,
				"timestamp", time.Now().UTC().Format(time.RFC3339Nano),
				"state", rs.state.String(),
				"transport", r.cfg.Transport,
				"request_id", r.cfg.RequestID,
				"deltas", rs.deltas,
				"error", se.Err)
		}
		sink.Close(err)
		return result, err
	}

	result.State = StateCompleted
	sink.Close(nil)
	return result, nil
}

// runState is the per-request state of Run.
type runState struct {
	relay *Relay
	sink  Sink

	mu      sync.Mutex
	current llm.EventStream

	state      State
	text       strings.Builder
	deltas     int
	rounds     int
	usage      llm.Usage
	started    time.Time
	firstDelta time.Duration

	pending map[string]llm.ToolCall
	order   []string
	hosted  map[string]struct{}
}

func (s *runState) abort() {
	s.mu.Lock()
	cur := s.current
	s.mu.Unlock()
	if cur != nil {
		_ = cur.Close()
	}
}

func (s *runState) closeCurrent() {
	s.mu.Lock()
	cur := s.current
	s.current = nil
	s.mu.Unlock()
	if cur != nil {
		_ = cur.Close()
	}
}

func (s *runState) swap(next llm.EventStream) {
	s.mu.Lock()
	old := s.current
	s.current = next
	s.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
}

func (s *runState) stream() llm.EventStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func fail(stage string, err error) error {
	return &StageError{Stage: stage, Err: err}
}

func (s *runState) loop(ctx context.Context) error {
	s.state = StateStarted
	for {
		if err := ctx.Err(); err != nil {
			return fail(StageCancelled, err)
		}

		ev, err := s.stream().Recv()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fail(StageCancelled, ctxErr)
			}
			if errors.Is(err, io.EOF) {
				return s.finish()
			}
			return fail(StageReceive, err)
		}

		switch e := ev.(type) {
		case llm.TextDelta:
			if err := s.deliver(e.Text); err != nil {
				return fail(StageDeliver, err)
			}

		case llm.ToolCallCreated:
			if e.ID == "" {
				return fail(StageProtocol, errors.New("tool call without id"))
			}
			s.track(e)

		case llm.ToolCallDone:
			delete(s.hosted, e.ID)
			s.untrack(e.ID)

		case llm.RequiresAction:
			if err := s.resolveTools(ctx, e); err != nil {
				return err
			}

		case llm.Completed:
			s.usage.InputTokens += e.Usage.InputTokens
			s.usage.OutputTokens += e.Usage.OutputTokens
			return s.finish()

		case llm.Errored:
			return fail(StageUpstream, e)

		default:
			return fail(StageProtocol, fmt.Errorf("unexpected upstream event %T", ev))
		}
	}
}

// finish handles an upstream end signal.
func (s *runState) finish() error {
	if len(s.pending) > 0 {
		return fail(StageProtocol, fmt.Errorf("%w: %v", ErrPendingToolCalls, s.order))
	}
	s.state = StateCompleted
	return nil
}

func (s *runState) deliver(delta string) error {
	if delta == "" {
		return nil
	}
	s.state = StateStreaming
	if s.deltas == 0 {
		s.firstDelta = time.Since(s.started)
	}
	s.deltas++
	s.text.WriteString(delta)

	chunk := delta
	if s.relay.cfg.Mode == ModeAccumulate {
		chunk = s.text.String()
	}
	return s.sink.Write(chunk)
}

func (s *runState) track(e llm.ToolCallCreated) {
	if e.Hosted {
		s.hosted[e.ID] = struct{}{}
		return
	}
	if _, ok := s.pending[e.ID]; ok {
		return
	}
	s.pending[e.ID] = llm.ToolCall{ID: e.ID, Name: e.Name}
	s.order = append(s.order, e.ID)
}

func (s *runState) untrack(id string) {
	if _, ok := s.pending[id]; !ok {
		return
	}
	delete(s.pending, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// =============================================================================
// Tool Rounds
// =============================================================================

// callsFor merges the calls named by the requires-action event with those
// announced earlier on the stream. Each id appears once.
func (s *runState) callsFor(e llm.RequiresAction) []llm.ToolCall {
	seen := make(map[string]struct{}, len(e.Calls)+len(s.order))
	calls := make([]llm.ToolCall, 0, len(e.Calls)+len(s.order))
	for _, c := range e.Calls {
		if c.ID == "" {
			continue
		}
		if _, dup := seen[c.ID]; dup {
			continue
		}
		seen[c.ID] = struct{}{}
		calls = append(calls, c)
	}
	for _, id := range s.order {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		calls = append(calls, s.pending[id])
	}
	return calls
}

// resolveTools answers one requires-action event and switches to the
// continuation stream. The sink stays open throughout.
func (s *runState) resolveTools(ctx context.Context, e llm.RequiresAction) error {
	cfg := s.relay.cfg
	s.state = StateAwaitingToolResult

	if cfg.Tools == nil || cfg.Resumer == nil {
		return fail(StageToolCall, ErrNoToolSource)
	}
	s.rounds++
	if s.rounds > cfg.MaxToolRounds {
		return fail(StageToolCall, fmt.Errorf("%w: %d", ErrTooManyToolRounds, cfg.MaxToolRounds))
	}

	calls := s.callsFor(e)
	if len(calls) == 0 {
		return fail(StageProtocol, errors.New("requires action without tool calls"))
	}

	stop := s.keepAliveUntil(ctx)
	defer stop()

	outputs := make([]llm.ToolOutput, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		g.Go(func() error {
			out, err := cfg.Tools(gctx, call)
			if err != nil {
				return fmt.Errorf("tool call %s (%s): %w", call.ID, call.Name, err)
			}
			outputs[i] = llm.ToolOutput{ToolCallID: call.ID, Output: out}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fail(StageCancelled, ctxErr)
		}
		return fail(StageToolCall, err)
	}

	threadID := e.ThreadID
	if threadID == "" {
		threadID = cfg.ThreadID
	}
	cfg.Logger.Info("submitting tool outputs",
		"run_id", e.RunID,
		"thread_id", threadID,
		"outputs", len(outputs),
		"round", s.rounds,
		"request_id", cfg.RequestID)

	next, err := cfg.Resumer.SubmitToolOutputs(ctx, threadID, e.RunID, outputs)
	stop()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fail(StageCancelled, ctxErr)
		}
		return fail(StageSubmit, err)
	}

	s.swap(next)
	clear(s.pending)
	s.order = s.order[:0]
	s.state = StateStreaming
	return nil
}

// keepAliveUntil pings the sink once and then every KeepAliveInterval until
// the returned stop is called or ctx ends. stop is idempotent and returns
// only after the last ping has been written.
func (s *runState) keepAliveUntil(ctx context.Context) (stop func()) {
	ka, ok := s.sink.(KeepAliver)
	if !ok {
		return func() {}
	}
	logger := s.relay.cfg.Logger
	if err := ka.KeepAlive(); err != nil {
		logger.Debug("keepalive failed", "error", err, "request_id", s.relay.cfg.RequestID)
		return func() {}
	}

	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(s.relay.cfg.KeepAliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := ka.KeepAlive(); err != nil {
					logger.Debug("keepalive failed", "error", err, "request_id", s.relay.cfg.RequestID)
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
		<-exited
	}
}
