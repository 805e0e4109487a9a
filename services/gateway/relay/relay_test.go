// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package relay

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianChat/services/llm"
)

// =============================================================================
// Fakes
// =============================================================================

// fakeStream replays events, then returns io.EOF. With hold set it blocks
// after the last event until Close is called.
type fakeStream struct {
	mu     sync.Mutex
	events []llm.Event
	hold   bool

	closed    chan struct{}
	closeOnce sync.Once
	closes    atomic.Int32
}

func newStream(events ...llm.Event) *fakeStream {
	return &fakeStream{events: events, closed: make(chan struct{})}
}

func (f *fakeStream) Recv() (llm.Event, error) {
	f.mu.Lock()
	if len(f.events) > 0 {
		ev := f.events[0]
		f.events = f.events[1:]
		f.mu.Unlock()
		return ev, nil
	}
	f.mu.Unlock()

	if f.hold {
		<-f.closed
		return nil, errors.New("stream closed")
	}
	return nil, io.EOF
}

func (f *fakeStream) Close() error {
	f.closes.Add(1)
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeStream) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

type recordingSink struct {
	mu       sync.Mutex
	chunks   []string
	closes   int
	closeErr error
	onWrite  func(chunk string) error
}

func (s *recordingSink) Write(chunk string) error {
	s.mu.Lock()
	s.chunks = append(s.chunks, chunk)
	hook := s.onWrite
	s.mu.Unlock()
	if hook != nil {
		return hook(chunk)
	}
	return nil
}

func (s *recordingSink) Close(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	s.closeErr = err
}

func (s *recordingSink) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

type submission struct {
	threadID string
	runID    string
	outputs  []llm.ToolOutput
}

type fakeResumer struct {
	mu          sync.Mutex
	submissions []submission
	next        func(n int) (llm.EventStream, error)
	onSubmit    func()
}

func (r *fakeResumer) SubmitToolOutputs(_ context.Context, threadID, runID string, outputs []llm.ToolOutput) (llm.EventStream, error) {
	r.mu.Lock()
	r.submissions = append(r.submissions, submission{threadID: threadID, runID: runID, outputs: outputs})
	n := len(r.submissions)
	r.mu.Unlock()
	if r.onSubmit != nil {
		r.onSubmit()
	}
	return r.next(n)
}

func catalogTool(_ context.Context, call llm.ToolCall) (string, error) {
	return `{"products":[]}#` + call.ID, nil
}

// =============================================================================
// Delivery Modes
// =============================================================================

func TestRun_RawModeForwardsEachDelta(t *testing.T) {
	stream := newStream(
		llm.TextDelta{Text: "A"},
		llm.TextDelta{Text: "B"},
		llm.TextDelta{Text: "C"},
		llm.Completed{ResponseID: "resp_1", Usage: llm.Usage{InputTokens: 10, OutputTokens: 3}},
	)
	sink := &recordingSink{}

	res, err := New(Config{Mode: ModeRaw}).Run(context.Background(), stream, sink)

	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, sink.chunks)
	assert.Equal(t, 1, sink.closes)
	assert.NoError(t, sink.closeErr)
	assert.Equal(t, "ABC", res.Text)
	assert.Equal(t, 3, res.Deltas)
	assert.Equal(t, 13, res.Usage.Total())
	assert.Equal(t, StateCompleted, res.State)
	assert.True(t, stream.isClosed())
}

func TestRun_AccumulateModeForwardsRunningText(t *testing.T) {
	stream := newStream(
		llm.TextDelta{Text: "A"},
		llm.TextDelta{Text: "B"},
		llm.TextDelta{Text: "C"},
		llm.Completed{},
	)
	sink := &recordingSink{}

	res, err := New(Config{Mode: ModeAccumulate}).Run(context.Background(), stream, sink)

	require.NoError(t, err)
	assert.Equal(t, []string{"A", "AB", "ABC"}, sink.chunks)
	assert.Equal(t, 1, sink.closes)
	assert.Equal(t, "ABC", res.Text)
}

func TestRun_EndOfStreamWithoutCompletedFinishes(t *testing.T) {
	sink := &recordingSink{}

	_, err := New(Config{}).Run(context.Background(), newStream(llm.TextDelta{Text: "x"}), sink)

	require.NoError(t, err)
	assert.Equal(t, 1, sink.closes)
	assert.NoError(t, sink.closeErr)
}

func TestRun_EmptyDeltasAreSkipped(t *testing.T) {
	sink := &recordingSink{}

	res, err := New(Config{}).Run(context.Background(),
		newStream(llm.TextDelta{}, llm.TextDelta{Text: "x"}, llm.Completed{}), sink)

	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, sink.chunks)
	assert.Equal(t, 1, res.Deltas)
}

// =============================================================================
// Failures
// =============================================================================

func TestRun_UpstreamErrorClosesSinkWithError(t *testing.T) {
	stream := newStream(
		llm.TextDelta{Text: "A"},
		llm.Errored{Code: "server_error", Message: "boom"},
		llm.TextDelta{Text: "B"},
	)
	sink := &recordingSink{}

	res, err := New(Config{}).Run(context.Background(), stream, sink)

	require.Error(t, err)
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageUpstream, se.Stage)
	var upstream llm.Errored
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, "server_error", upstream.Code)

	assert.Equal(t, []string{"A"}, sink.chunks, "nothing is written after an error")
	assert.Equal(t, 1, sink.closes)
	assert.Equal(t, err, sink.closeErr)
	assert.Equal(t, StateErrored, res.State)
	assert.True(t, stream.isClosed())
}

func TestRun_ReceiveErrorIsReported(t *testing.T) {
	stream := &errStream{err: errors.New("connection reset")}
	sink := &recordingSink{}

	_, err := New(Config{}).Run(context.Background(), stream, sink)

	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageReceive, se.Stage)
	assert.Equal(t, 1, sink.closes)
}

type errStream struct{ err error }

func (e *errStream) Recv() (llm.Event, error) { return nil, e.err }
func (e *errStream) Close() error             { return nil }

func TestRun_UnexpectedEventIsAnError(t *testing.T) {
	sink := &recordingSink{}

	_, err := New(Config{}).Run(context.Background(), newStream(nil), sink)

	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageProtocol, se.Stage)
	assert.Equal(t, 1, sink.closes)
}

func TestRun_SinkWriteErrorStopsRelay(t *testing.T) {
	stream := newStream(llm.TextDelta{Text: "A"}, llm.TextDelta{Text: "B"})
	sink := &recordingSink{onWrite: func(string) error { return errors.New("client gone") }}

	_, err := New(Config{}).Run(context.Background(), stream, sink)

	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageDeliver, se.Stage)
	assert.Equal(t, []string{"A"}, sink.chunks)
	assert.Equal(t, 1, sink.closes)
}

func TestRun_EndWithPendingFunctionCallFails(t *testing.T) {
	stream := newStream(
		llm.ToolCallCreated{ID: "call_1", Name: llm.ProductCatalogTool},
		llm.Completed{},
	)
	sink := &recordingSink{}

	_, err := New(Config{}).Run(context.Background(), stream, sink)

	require.ErrorIs(t, err, ErrPendingToolCalls)
	assert.Equal(t, 1, sink.closes)
}

func TestRun_HostedCallsNeverBlockCompletion(t *testing.T) {
	stream := newStream(
		llm.ToolCallCreated{ID: "fs_1", Name: "file_search", Hosted: true},
		llm.TextDelta{Text: "answer"},
		llm.Completed{},
	)
	sink := &recordingSink{}

	_, err := New(Config{}).Run(context.Background(), stream, sink)

	require.NoError(t, err)
	assert.Equal(t, []string{"answer"}, sink.chunks)
}

func TestRun_ToolCallWithoutIDIsRejected(t *testing.T) {
	sink := &recordingSink{}

	_, err := New(Config{}).Run(context.Background(), newStream(llm.ToolCallCreated{Name: "x"}), sink)

	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageProtocol, se.Stage)
}

// =============================================================================
// Tool Rounds
// =============================================================================

func TestRun_RequiresActionSubmitsOneBatchAndResumes(t *testing.T) {
	first := newStream(
		llm.TextDelta{Text: "Let me check. "},
		llm.ToolCallCreated{ID: "call_1", Name: llm.ProductCatalogTool},
		llm.ToolCallCreated{ID: "call_2", Name: llm.ProductCatalogTool},
		llm.ToolCallCreated{ID: "fs_1", Name: "file_search", Hosted: true},
		llm.RequiresAction{
			RunID:    "run_1",
			ThreadID: "thread_1",
			Calls:    []llm.ToolCall{{ID: "call_1", Name: llm.ProductCatalogTool}},
		},
	)
	first.hold = true
	second := newStream(
		llm.TextDelta{Text: "We sell widgets."},
		llm.Completed{Usage: llm.Usage{InputTokens: 5, OutputTokens: 4}},
	)

	sink := &recordingSink{}
	var closesAtSubmit int
	resumer := &fakeResumer{
		onSubmit: func() { closesAtSubmit = sink.closeCount() },
		next:     func(int) (llm.EventStream, error) { return second, nil },
	}
	var toolCalls atomic.Int32
	tools := func(ctx context.Context, call llm.ToolCall) (string, error) {
		toolCalls.Add(1)
		return catalogTool(ctx, call)
	}

	res, err := New(Config{Mode: ModeRaw, Tools: tools, Resumer: resumer}).Run(context.Background(), first, sink)

	require.NoError(t, err)
	require.Len(t, resumer.submissions, 1, "outputs are submitted in a single batch")
	sub := resumer.submissions[0]
	assert.Equal(t, "run_1", sub.runID)
	assert.Equal(t, "thread_1", sub.threadID)
	require.Len(t, sub.outputs, 2, "one output per pending function call")
	assert.Equal(t, "call_1", sub.outputs[0].ToolCallID)
	assert.Equal(t, "call_2", sub.outputs[1].ToolCallID)
	assert.Equal(t, `{"products":[]}#call_2`, sub.outputs[1].Output)
	assert.Equal(t, int32(2), toolCalls.Load())

	assert.Equal(t, 0, closesAtSubmit, "sink stays open across the tool exchange")
	assert.Equal(t, []string{"Let me check. ", "We sell widgets."}, sink.chunks)
	assert.Equal(t, 1, sink.closes)
	assert.NoError(t, sink.closeErr)
	assert.Equal(t, 1, res.ToolRounds)
	assert.Equal(t, 9, res.Usage.Total())
	assert.True(t, first.isClosed(), "paused stream is released")
	assert.True(t, second.isClosed())
}

func TestRun_RequiresActionFallsBackToConfiguredThread(t *testing.T) {
	first := newStream(llm.RequiresAction{RunID: "run_1", Calls: []llm.ToolCall{{ID: "call_1"}}})
	resumer := &fakeResumer{next: func(int) (llm.EventStream, error) { return newStream(llm.Completed{}), nil }}

	_, err := New(Config{Tools: catalogTool, Resumer: resumer, ThreadID: "thread_cfg"}).
		Run(context.Background(), first, &recordingSink{})

	require.NoError(t, err)
	assert.Equal(t, "thread_cfg", resumer.submissions[0].threadID)
}

// pingingSink records keepalives alongside chunks.
type pingingSink struct {
	recordingSink
	pings atomic.Int32
}

func (s *pingingSink) KeepAlive() error {
	s.pings.Add(1)
	return nil
}

func TestRun_ToolRoundSendsKeepAlives(t *testing.T) {
	first := newStream(
		llm.TextDelta{Text: "Checking. "},
		llm.RequiresAction{RunID: "run_1", ThreadID: "thread_1", Calls: []llm.ToolCall{{ID: "call_1"}}},
	)
	resumer := &fakeResumer{next: func(int) (llm.EventStream, error) {
		return newStream(llm.TextDelta{Text: "Done."}, llm.Completed{}), nil
	}}
	slowTool := func(ctx context.Context, call llm.ToolCall) (string, error) {
		time.Sleep(30 * time.Millisecond)
		return catalogTool(ctx, call)
	}
	sink := &pingingSink{}

	_, err := New(Config{Tools: slowTool, Resumer: resumer, KeepAliveInterval: 5 * time.Millisecond}).
		Run(context.Background(), first, sink)

	require.NoError(t, err)
	assert.GreaterOrEqual(t, sink.pings.Load(), int32(2), "one ping up front, more while the tool runs")
	assert.Equal(t, []string{"Checking. ", "Done."}, sink.chunks)
}

func TestRun_KeepAlivesStopAfterToolRound(t *testing.T) {
	first := newStream(llm.RequiresAction{RunID: "run_1", Calls: []llm.ToolCall{{ID: "call_1"}}})
	resumer := &fakeResumer{next: func(int) (llm.EventStream, error) { return newStream(llm.Completed{}), nil }}
	sink := &pingingSink{}

	_, err := New(Config{Tools: catalogTool, Resumer: resumer, ThreadID: "thread_1", KeepAliveInterval: time.Millisecond}).
		Run(context.Background(), first, sink)
	require.NoError(t, err)

	after := sink.pings.Load()
	assert.GreaterOrEqual(t, after, int32(1))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, sink.pings.Load(), "no pings after the tool round ends")
}

func TestRun_RequiresActionWithoutToolSourceFails(t *testing.T) {
	stream := newStream(llm.RequiresAction{RunID: "run_1", Calls: []llm.ToolCall{{ID: "call_1"}}})
	sink := &recordingSink{}

	_, err := New(Config{}).Run(context.Background(), stream, sink)

	require.ErrorIs(t, err, ErrNoToolSource)
	assert.Equal(t, 1, sink.closes)
}

func TestRun_ToolFailureSkipsSubmission(t *testing.T) {
	stream := newStream(llm.RequiresAction{RunID: "run_1", Calls: []llm.ToolCall{{ID: "call_1"}}})
	resumer := &fakeResumer{next: func(int) (llm.EventStream, error) { return newStream(), nil }}
	failing := func(context.Context, llm.ToolCall) (string, error) { return "", errors.New("catalog down") }

	_, err := New(Config{Tools: failing, Resumer: resumer}).Run(context.Background(), stream, &recordingSink{})

	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageToolCall, se.Stage)
	assert.Empty(t, resumer.submissions)
}

func TestRun_SubmitFailureIsReported(t *testing.T) {
	stream := newStream(llm.RequiresAction{RunID: "run_1", Calls: []llm.ToolCall{{ID: "call_1"}}})
	resumer := &fakeResumer{next: func(int) (llm.EventStream, error) { return nil, errors.New("409 run expired") }}

	_, err := New(Config{Tools: catalogTool, Resumer: resumer}).Run(context.Background(), stream, &recordingSink{})

	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageSubmit, se.Stage)
}

func TestRun_ToolRoundsAreBounded(t *testing.T) {
	action := func() llm.EventStream {
		return newStream(llm.RequiresAction{RunID: "run_1", Calls: []llm.ToolCall{{ID: "call_1"}}})
	}
	resumer := &fakeResumer{next: func(int) (llm.EventStream, error) { return action(), nil }}

	res, err := New(Config{Tools: catalogTool, Resumer: resumer, MaxToolRounds: 2}).
		Run(context.Background(), action(), &recordingSink{})

	require.ErrorIs(t, err, ErrTooManyToolRounds)
	assert.Len(t, resumer.submissions, 2)
	assert.Equal(t, 3, res.ToolRounds)
}

// =============================================================================
// Cancellation
// =============================================================================

func TestRun_CancellationAbortsUpstreamAndClosesSink(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream := newStream(llm.TextDelta{Text: "A"})
	stream.hold = true
	sink := &recordingSink{onWrite: func(string) error {
		cancel()
		return nil
	}}

	done := make(chan error, 1)
	go func() {
		_, err := New(Config{}).Run(ctx, stream, sink)
		done <- err
	}()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
		var se *StageError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, StageCancelled, se.Stage)
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not stop after cancellation")
	}

	assert.True(t, stream.isClosed(), "upstream is aborted")
	assert.Equal(t, 1, sink.closeCount())
	assert.Equal(t, []string{"A"}, sink.chunks)
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	stream := newStream(llm.TextDelta{Text: "A"})
	sink := &recordingSink{}

	_, err := New(Config{}).Run(ctx, stream, sink)

	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, sink.chunks)
	assert.Equal(t, 1, sink.closes)
	assert.True(t, stream.isClosed())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "awaiting_tool_result", StateAwaitingToolResult.String())
	assert.Equal(t, "unknown", State(42).String())
}
