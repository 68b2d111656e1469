// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"bytes"
	"context"
	"fmt"
	"io"
)

// =============================================================================
// PARSER STATE
// =============================================================================

// State is the lifecycle phase of a single generation stream.
type State int

const (
	// StateIdle is the initial state, before any event has arrived.
	StateIdle State = iota
	// StateThinking means the backend is preparing a response (workflow or
	// node execution started, no content yet).
	StateThinking
	// StateAnswering means at least one content chunk has arrived.
	StateAnswering
	// StateDone is terminal: the stream completed normally.
	StateDone
	// StateError is terminal: the stream failed, either via an explicit
	// error event or an unrecoverable payload.
	StateError
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateThinking:
		return "thinking"
	case StateAnswering:
		return "answering"
	case StateDone:
		return "done"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further events will be accepted.
func (s State) Terminal() bool {
	return s == StateDone || s == StateError
}

// =============================================================================
// CALLBACKS
// =============================================================================

// Callbacks receives parser notifications. Any field may be nil.
//
// All callbacks fire synchronously from the goroutine feeding the parser, in
// stream order. Callbacks must not call back into the parser.
type Callbacks struct {
	// OnThinking fires when the backend signals response preparation.
	// It may fire multiple times (once per workflow/node start event).
	OnThinking func()

	// OnAnswerChunk fires for each non-empty content chunk, in order.
	OnAnswerChunk func(text string)

	// OnRawEvent fires for every successfully decoded event, before the
	// kind-specific callback. Useful for logging and task ID capture.
	OnRawEvent func(ev Event)

	// OnStreamError fires when the stream terminates with an in-band error:
	// an explicit error event or an undecodable payload.
	OnStreamError func(message string)

	// OnDone fires when the stream completes normally, via the [DONE]
	// sentinel or clean EOF.
	OnDone func()
}

// =============================================================================
// PARSER
// =============================================================================

// Parser is the event-stream state machine for one generation.
//
// A parser handles exactly one stream: create a new one per request. It is
// not safe for concurrent use; feed it from a single goroutine.
type Parser struct {
	state State
	cb    Callbacks

	// IDs captured from the stream as they first appear.
	taskID         string
	conversationID string
	messageID      string
}

// NewParser creates a parser in StateIdle.
func NewParser(cb Callbacks) *Parser {
	return &Parser{state: StateIdle, cb: cb}
}

// State returns the current lifecycle state.
func (p *Parser) State() State {
	return p.state
}

// TaskID returns the backend task ID, once one has been observed. The task
// ID is what the stop endpoint needs, so it is surfaced as soon as the first
// event carrying it arrives.
func (p *Parser) TaskID() string {
	return p.taskID
}

// ConversationID returns the server-assigned conversation ID, if observed.
func (p *Parser) ConversationID() string {
	return p.conversationID
}

// MessageID returns the server-assigned message ID, if observed.
func (p *Parser) MessageID() string {
	return p.messageID
}

// Feed processes one SSE event. sseName is the SSE "event:" field (often
// empty), data the raw event data. Returns false once the parser is
// terminal; callers should stop reading the stream at that point.
func (p *Parser) Feed(sseName string, data []byte) bool {
	if p.state.Terminal() {
		return false
	}

	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return true
	}

	// End-of-stream sentinel arrives as literal data, not JSON.
	if bytes.Equal(data, []byte(DoneSentinel)) {
		p.finish()
		return false
	}

	ev, err := decodeEvent(sseName, data)
	if err != nil {
		// An undecodable payload means the stream is corrupt. Unlike a
		// missing field this is not recoverable, so terminate.
		p.state = StateError
		if p.cb.OnStreamError != nil {
			p.cb.OnStreamError(fmt.Sprintf("malformed stream payload: %v", err))
		}
		return false
	}

	p.captureIDs(ev)

	if p.cb.OnRawEvent != nil {
		p.cb.OnRawEvent(ev)
	}

	switch ev.Kind {
	case KindThinking:
		p.state = StateThinking
		if p.cb.OnThinking != nil {
			p.cb.OnThinking()
		}

	case KindChunk:
		if ev.Answer != "" {
			p.state = StateAnswering
			if p.cb.OnAnswerChunk != nil {
				p.cb.OnAnswerChunk(ev.Answer)
			}
		}

	case KindError:
		p.state = StateError
		if p.cb.OnStreamError != nil {
			p.cb.OnStreamError(ev.ErrorMessage)
		}
		return false

	case KindControl, KindUnknown:
		// Lifecycle markers and unrecognized events carry no content.
	}

	return true
}

// FinishEOF marks a clean end of stream. Some backends close the connection
// without sending [DONE]; that still counts as normal completion.
func (p *Parser) FinishEOF() {
	if p.state.Terminal() {
		return
	}
	p.finish()
}

// finish transitions to StateDone and fires OnDone.
func (p *Parser) finish() {
	p.state = StateDone
	if p.cb.OnDone != nil {
		p.cb.OnDone()
	}
}

// captureIDs records stream-level IDs the first time they appear.
func (p *Parser) captureIDs(ev Event) {
	if p.taskID == "" && ev.TaskID != "" {
		p.taskID = ev.TaskID
	}
	if p.conversationID == "" && ev.ConversationID != "" {
		p.conversationID = ev.ConversationID
	}
	if p.messageID == "" && ev.MessageID != "" {
		p.messageID = ev.MessageID
	}
}

// =============================================================================
// STREAM CONSUMPTION
// =============================================================================

// Consume reads SSE events from r and feeds them into the parser until the
// stream ends, the parser reaches a terminal state, or ctx is cancelled.
//
// A nil return means the parser reached a terminal state on its own (done or
// in-band error, both already reported through callbacks). A non-nil return
// is a transport-level failure: cancellation or a read error. On transport
// failure the parser is left non-terminal so the caller can decide how to
// annotate the partial result.
func (p *Parser) Consume(ctx context.Context, r io.Reader) error {
	reader := NewSSEReader(r)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		name, data, err := reader.ReadEvent()
		if err != nil {
			if err == io.EOF {
				p.FinishEOF()
				return nil
			}
			// Reads unblock with an error when the body is closed mid-read;
			// prefer the cancellation cause when present.
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		if !p.Feed(name, data) {
			return nil
		}
	}
}
