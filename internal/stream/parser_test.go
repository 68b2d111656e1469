// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"context"
	"io"
	"strings"
	"testing"
)

// recorder collects callback invocations for assertions.
type recorder struct {
	thinking  int
	chunks    []string
	raw       []Event
	streamErr string
	errored   bool
	done      bool
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnThinking:    func() { r.thinking++ },
		OnAnswerChunk: func(text string) { r.chunks = append(r.chunks, text) },
		OnRawEvent:    func(ev Event) { r.raw = append(r.raw, ev) },
		OnStreamError: func(msg string) { r.streamErr = msg; r.errored = true },
		OnDone:        func() { r.done = true },
	}
}

// =============================================================================
// STATE MACHINE TESTS
// =============================================================================

func TestParser_HappyPath(t *testing.T) {
	rec := &recorder{}
	p := NewParser(rec.callbacks())

	if p.State() != StateIdle {
		t.Fatalf("Expected idle start, got %s", p.State())
	}

	if !p.Feed("", []byte(`{"event":"workflow_started","task_id":"t-1"}`)) {
		t.Fatal("Feed must continue after workflow_started")
	}
	if p.State() != StateThinking {
		t.Errorf("Expected thinking, got %s", p.State())
	}

	p.Feed("", []byte(`{"event":"node_started","task_id":"t-1"}`))
	if rec.thinking != 2 {
		t.Errorf("Expected 2 thinking notifications, got %d", rec.thinking)
	}

	p.Feed("", []byte(`{"event":"message","answer":"Hello","conversation_id":"c-9"}`))
	p.Feed("", []byte(`{"event":"message","answer":" world"}`))
	if p.State() != StateAnswering {
		t.Errorf("Expected answering, got %s", p.State())
	}

	p.Feed("", []byte(`{"event":"message_end"}`))
	if cont := p.Feed("", []byte("[DONE]")); cont {
		t.Error("Feed must stop at [DONE]")
	}

	if p.State() != StateDone {
		t.Errorf("Expected done, got %s", p.State())
	}
	if !rec.done {
		t.Error("Expected OnDone")
	}
	if got := strings.Join(rec.chunks, ""); got != "Hello world" {
		t.Errorf("Expected concatenated chunks, got %q", got)
	}
	if p.TaskID() != "t-1" {
		t.Errorf("Expected captured task ID, got %q", p.TaskID())
	}
	if p.ConversationID() != "c-9" {
		t.Errorf("Expected captured conversation ID, got %q", p.ConversationID())
	}
}

func TestParser_FeedAfterTerminalIgnored(t *testing.T) {
	rec := &recorder{}
	p := NewParser(rec.callbacks())

	p.Feed("", []byte("[DONE]"))
	if p.Feed("", []byte(`{"event":"message","answer":"late"}`)) {
		t.Error("Feed must refuse events after terminal state")
	}
	if len(rec.chunks) != 0 {
		t.Errorf("Terminal parser must not emit chunks, got %v", rec.chunks)
	}
}

func TestParser_ContentFieldFallback(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		expected string
	}{
		{"answer field", `{"event":"message","answer":"a"}`, "a"},
		{"text fallback", `{"event":"message","text":"b"}`, "b"},
		{"content fallback", `{"event":"message","content":"c"}`, "c"},
		{"answer wins over text", `{"event":"message","answer":"a","text":"b"}`, "a"},
		{"unknown event with answer", `{"event":"agent_message","answer":"d"}`, "d"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			p := NewParser(rec.callbacks())
			p.Feed("", []byte(tt.payload))

			if len(rec.chunks) != 1 || rec.chunks[0] != tt.expected {
				t.Errorf("Expected chunk %q, got %v", tt.expected, rec.chunks)
			}
			if p.State() != StateAnswering {
				t.Errorf("Expected answering, got %s", p.State())
			}
		})
	}
}

func TestParser_EmptyChunkNotEmitted(t *testing.T) {
	rec := &recorder{}
	p := NewParser(rec.callbacks())

	p.Feed("", []byte(`{"event":"message","answer":""}`))
	if len(rec.chunks) != 0 {
		t.Errorf("Empty chunk must not fire callback, got %v", rec.chunks)
	}
	if p.State() != StateIdle {
		t.Errorf("Empty chunk must not change state, got %s", p.State())
	}
}

func TestParser_IgnoredEvents(t *testing.T) {
	for _, name := range []string{"ping", "message_end", "workflow_finished", "something_new"} {
		t.Run(name, func(t *testing.T) {
			rec := &recorder{}
			p := NewParser(rec.callbacks())

			if !p.Feed("", []byte(`{"event":"`+name+`"}`)) {
				t.Error("Control events must not terminate the stream")
			}
			if p.State() != StateIdle {
				t.Errorf("Control events must not change state, got %s", p.State())
			}
			if len(rec.raw) != 1 {
				t.Errorf("Expected raw-event passthrough, got %d events", len(rec.raw))
			}
		})
	}
}

// =============================================================================
// ERROR HANDLING TESTS
// =============================================================================

func TestParser_ErrorMessagePriority(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		expected string
	}{
		{
			"message field first",
			`{"event":"error","message":"quota exceeded","error":"e","details":"d"}`,
			"quota exceeded",
		},
		{
			"error field second",
			`{"event":"error","error":"invalid key","details":"d"}`,
			"invalid key",
		},
		{"details third", `{"event":"error","details":"upstream timeout"}`, "upstream timeout"},
		{"description fourth", `{"event":"error","description":"bad input"}`, "bad input"},
		{"generic fallback", `{"event":"error"}`, genericStreamError},
		{
			"non-string message skipped",
			`{"event":"error","message":{"code":500},"details":"real cause"}`,
			"real cause",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			p := NewParser(rec.callbacks())

			if p.Feed("", []byte(tt.payload)) {
				t.Error("Error event must terminate the stream")
			}
			if p.State() != StateError {
				t.Errorf("Expected error state, got %s", p.State())
			}
			if rec.streamErr != tt.expected {
				t.Errorf("Expected error %q, got %q", tt.expected, rec.streamErr)
			}
		})
	}
}

func TestParser_MalformedPayloadTerminates(t *testing.T) {
	rec := &recorder{}
	p := NewParser(rec.callbacks())

	p.Feed("", []byte(`{"event":"message","answer":"good"}`))
	if p.Feed("", []byte(`{not json`)) {
		t.Error("Malformed payload must terminate the stream")
	}

	if p.State() != StateError {
		t.Errorf("Expected error state, got %s", p.State())
	}
	if !strings.Contains(rec.streamErr, "malformed stream payload") {
		t.Errorf("Expected malformed payload error, got %q", rec.streamErr)
	}
	// Chunks received before the failure stay delivered.
	if len(rec.chunks) != 1 || rec.chunks[0] != "good" {
		t.Errorf("Expected earlier chunk preserved, got %v", rec.chunks)
	}
}

func TestParser_FinishEOF(t *testing.T) {
	rec := &recorder{}
	p := NewParser(rec.callbacks())
	p.Feed("", []byte(`{"event":"message","answer":"partial"}`))
	p.FinishEOF()

	if p.State() != StateDone {
		t.Errorf("Expected done after clean EOF, got %s", p.State())
	}
	if !rec.done {
		t.Error("Expected OnDone after clean EOF")
	}

	// Idempotent: a second call must not re-fire.
	rec.done = false
	p.FinishEOF()
	if rec.done {
		t.Error("FinishEOF on terminal parser must be a no-op")
	}
}

// =============================================================================
// SSE READER TESTS
// =============================================================================

func TestSSEReader_ReadEvent(t *testing.T) {
	input := "event: message\ndata: {\"a\":1}\n\n" +
		": comment line\n" +
		"data: line1\ndata: line2\n\n" +
		"data: [DONE]\n\n"

	r := NewSSEReader(strings.NewReader(input))

	name, data, err := r.ReadEvent()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if name != "message" || string(data) != `{"a":1}` {
		t.Errorf("Unexpected first event: %q %q", name, data)
	}

	_, data, err = r.ReadEvent()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if string(data) != "line1\nline2" {
		t.Errorf("Expected multi-line data joined, got %q", data)
	}

	_, data, err = r.ReadEvent()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if string(data) != "[DONE]" {
		t.Errorf("Expected [DONE], got %q", data)
	}

	if _, _, err = r.ReadEvent(); err != io.EOF {
		t.Errorf("Expected EOF, got %v", err)
	}
}

func TestSSEReader_CRLFAndTruncatedTail(t *testing.T) {
	// CRLF line endings plus a final event missing its trailing blank line.
	input := "data: first\r\n\r\ndata: tail"
	r := NewSSEReader(strings.NewReader(input))

	_, data, err := r.ReadEvent()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if string(data) != "first" {
		t.Errorf("Expected CRLF-trimmed data, got %q", data)
	}

	_, data, err = r.ReadEvent()
	if err != nil {
		t.Fatalf("Expected pending data before EOF, got error: %v", err)
	}
	if string(data) != "tail" {
		t.Errorf("Expected tail data, got %q", data)
	}
}

// =============================================================================
// CONSUME TESTS
// =============================================================================

func TestParser_ConsumeFullStream(t *testing.T) {
	body := "data: {\"event\":\"workflow_started\",\"task_id\":\"t-7\"}\n\n" +
		"data: {\"event\":\"message\",\"answer\":\"Hi\"}\n\n" +
		"data: {\"event\":\"message\",\"answer\":\" there\"}\n\n" +
		"data: {\"event\":\"message_end\"}\n\n" +
		"data: [DONE]\n\n"

	rec := &recorder{}
	p := NewParser(rec.callbacks())

	if err := p.Consume(context.Background(), strings.NewReader(body)); err != nil {
		t.Fatalf("Unexpected consume error: %v", err)
	}

	if got := strings.Join(rec.chunks, ""); got != "Hi there" {
		t.Errorf("Expected full answer, got %q", got)
	}
	if !rec.done || p.State() != StateDone {
		t.Errorf("Expected done stream, got state %s", p.State())
	}
	if p.TaskID() != "t-7" {
		t.Errorf("Expected captured task ID, got %q", p.TaskID())
	}
}

func TestParser_ConsumeStreamError(t *testing.T) {
	body := "data: {\"event\":\"message\",\"answer\":\"part\"}\n\n" +
		"data: {\"event\":\"error\",\"message\":\"model overloaded\"}\n\n"

	rec := &recorder{}
	p := NewParser(rec.callbacks())

	// In-band errors are reported through callbacks, not the return value.
	if err := p.Consume(context.Background(), strings.NewReader(body)); err != nil {
		t.Fatalf("In-band error must not surface as consume error, got %v", err)
	}
	if rec.streamErr != "model overloaded" {
		t.Errorf("Expected stream error message, got %q", rec.streamErr)
	}
	if p.State() != StateError {
		t.Errorf("Expected error state, got %s", p.State())
	}
}

func TestParser_ConsumeEOFWithoutSentinel(t *testing.T) {
	body := "data: {\"event\":\"message\",\"answer\":\"all of it\"}\n\n"

	rec := &recorder{}
	p := NewParser(rec.callbacks())

	if err := p.Consume(context.Background(), strings.NewReader(body)); err != nil {
		t.Fatalf("Unexpected consume error: %v", err)
	}
	if p.State() != StateDone || !rec.done {
		t.Errorf("Clean EOF must complete the stream, got state %s", p.State())
	}
}

func TestParser_ConsumeCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := &recorder{}
	p := NewParser(rec.callbacks())

	err := p.Consume(ctx, strings.NewReader("data: {\"event\":\"ping\"}\n\n"))
	if err != context.Canceled {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if p.State().Terminal() {
		t.Error("Cancellation must leave the parser non-terminal for annotation")
	}
}
