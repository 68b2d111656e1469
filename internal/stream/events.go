// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"encoding/json"
)

// =============================================================================
// WIRE EVENT NAMES
// =============================================================================

// Event names emitted by the backend. The set is open: the backend may grow
// new names, so anything unrecognized is handled permissively (see Kind
// resolution below) while error and completion semantics stay strict.
const (
	EventWorkflowStarted  = "workflow_started"
	EventNodeStarted      = "node_started"
	EventMessage          = "message"
	EventMessageEnd       = "message_end"
	EventWorkflowFinished = "workflow_finished"
	EventError            = "error"
	EventPing             = "ping"
)

// DoneSentinel is the literal end-of-stream marker sent as event data.
const DoneSentinel = "[DONE]"

// =============================================================================
// EVENT KIND
// =============================================================================

// Kind classifies a wire event into the small set of shapes the parser
// understands. Unknown names that carry recognizable content degrade to
// KindChunk; fully unrecognized events become KindUnknown and are only
// forwarded through the raw-event callback.
type Kind int

const (
	KindUnknown Kind = iota
	KindThinking
	KindChunk
	KindControl
	KindError
)

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindThinking:
		return "thinking"
	case KindChunk:
		return "chunk"
	case KindControl:
		return "control"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// =============================================================================
// EVENT TYPE
// =============================================================================

// Event is one decoded wire event.
type Event struct {
	// Name is the event discriminator, taken from the JSON "event" field
	// when present, otherwise from the SSE event field.
	Name string
	Kind Kind

	// Metadata present on most events.
	TaskID         string
	ConversationID string
	MessageID      string

	// Answer carries the chunk text for KindChunk events.
	Answer string

	// ErrorMessage carries the extracted message for KindError events.
	ErrorMessage string

	// Raw is the undecoded payload, forwarded to OnRawEvent.
	Raw json.RawMessage
}

// wireEvent mirrors the superset of payload fields the backend is known to
// send. Field probing is confined to this adapter: everything downstream
// works with the typed Event.
type wireEvent struct {
	Event          string `json:"event"`
	TaskID         string `json:"task_id"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`

	// Content fields, in fallback priority order.
	Answer  string `json:"answer"`
	Text    string `json:"text"`
	Content string `json:"content"`

	// Error description fields, in extraction priority order. "message" may
	// be a string or an object depending on the backend, so it stays raw.
	Message     json.RawMessage `json:"message"`
	Error       json.RawMessage `json:"error"`
	Details     string          `json:"details"`
	Description string          `json:"description"`
}

// genericStreamError is the fallback when an error event carries no usable
// description in any known field.
const genericStreamError = "stream failed, please try again later"

// decodeEvent parses a raw payload into a typed Event. The sseName argument
// is the SSE "event:" field, used only when the JSON payload lacks its own
// discriminator.
func decodeEvent(sseName string, data []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return Event{}, err
	}

	name := w.Event
	if name == "" {
		name = sseName
	}

	ev := Event{
		Name:           name,
		TaskID:         w.TaskID,
		ConversationID: w.ConversationID,
		MessageID:      w.MessageID,
		Raw:            json.RawMessage(append([]byte(nil), data...)),
	}

	switch name {
	case EventWorkflowStarted, EventNodeStarted:
		ev.Kind = KindThinking
	case EventMessage:
		ev.Kind = KindChunk
		ev.Answer = firstContent(w)
	case EventError:
		ev.Kind = KindError
		ev.ErrorMessage = extractErrorMessage(w)
	case EventMessageEnd, EventWorkflowFinished, EventPing:
		ev.Kind = KindControl
	default:
		// Forward-compatibility fallback: an unknown event that carries a
		// recognizable content field is treated as a chunk.
		if text := firstContent(w); text != "" {
			ev.Kind = KindChunk
			ev.Answer = text
		} else {
			ev.Kind = KindUnknown
		}
	}

	return ev, nil
}

// firstContent returns the chunk text from the first populated content field.
func firstContent(w wireEvent) string {
	if w.Answer != "" {
		return w.Answer
	}
	if w.Text != "" {
		return w.Text
	}
	return w.Content
}

// extractErrorMessage pulls a best-effort human-readable message out of an
// error payload, probing message, error, details, description in order.
func extractErrorMessage(w wireEvent) string {
	if s := rawString(w.Message); s != "" {
		return s
	}
	if s := rawString(w.Error); s != "" {
		return s
	}
	if w.Details != "" {
		return w.Details
	}
	if w.Description != "" {
		return w.Description
	}
	return genericStreamError
}

// rawString decodes a raw JSON value as a string, returning "" when the
// value is absent or not a string.
func rawString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}
