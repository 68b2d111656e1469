// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/jeranaias/agentchat/internal/util"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// DisplayName returns a human-readable name for the role.
func (r Role) DisplayName() string {
	switch r {
	case RoleUser:
		return "You"
	case RoleAssistant:
		return "Assistant"
	default:
		return string(r)
	}
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message represents a single message in a conversation transcript.
//
// While IsStreaming is true the content arrives in chunks and is accumulated
// internally; Content is frozen once streaming ends. Historical messages are
// hydrated from persisted or server state, are immutable, and never re-enter
// streaming.
type Message struct {
	// Identity
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	Role           Role   `json:"role"`
	Timestamp      int64  `json:"timestamp"` // milliseconds since epoch

	// Content
	Content string `json:"content"`

	// Lifecycle flags
	IsStreaming  bool `json:"isStreaming,omitempty"`
	IsHistorical bool `json:"isHistorical,omitempty"`

	// Attachments
	Files []FileRef `json:"files,omitempty"`

	// Streaming accumulation state (not persisted)
	// PERFORMANCE: strings.Builder avoids quadratic allocations during streaming
	stream strings.Builder
}

// NewUserMessage creates a user message with a generated ID and timestamp.
func NewUserMessage(conversationID, content string, files []FileRef) *Message {
	return &Message{
		ID:             GenerateMessageID(RoleUser),
		ConversationID: conversationID,
		Role:           RoleUser,
		Content:        content,
		Timestamp:      NowMillis(),
		Files:          files,
	}
}

// NewStreamingPlaceholder creates an empty assistant message that will
// accumulate streamed chunks.
func NewStreamingPlaceholder(conversationID string) *Message {
	return &Message{
		ID:             GenerateMessageID(RoleAssistant),
		ConversationID: conversationID,
		Role:           RoleAssistant,
		Timestamp:      NowMillis(),
		IsStreaming:    true,
	}
}

// NewHistoricalMessage creates an immutable message hydrated from prior state.
func NewHistoricalMessage(id, conversationID string, role Role, content string, timestamp int64, files []FileRef) *Message {
	return &Message{
		ID:             id,
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Timestamp:      timestamp,
		IsHistorical:   true,
		Files:          files,
	}
}

// =============================================================================
// MESSAGE METHODS
// =============================================================================

// AppendChunk appends streamed text to the message. Chunks are ignored once
// the message is no longer streaming.
func (m *Message) AppendChunk(text string) {
	if m.IsStreaming {
		m.stream.WriteString(text)
	}
}

// Finalize completes streaming. If override is non-empty it replaces the
// accumulated content; otherwise the accumulated chunks become the content.
// Finalizing an already-final message is a no-op.
func (m *Message) Finalize(override string) {
	if !m.IsStreaming {
		return
	}
	if override != "" {
		m.Content = override
	} else {
		m.Content = m.stream.String()
	}
	m.stream.Reset()
	m.IsStreaming = false
}

// DisplayContent returns the content to display (streaming or final).
func (m *Message) DisplayContent() string {
	if m.IsStreaming {
		return m.stream.String()
	}
	return m.Content
}

// Preview returns a single-line, display-width limited preview of the message.
func (m *Message) Preview(maxWidth int) string {
	return util.TruncateWidth(util.CollapseLines(m.DisplayContent()), maxWidth)
}

// IsEmpty returns true if the message has no content.
func (m *Message) IsEmpty() bool {
	return len(m.Content) == 0 && m.stream.Len() == 0
}

// Clone returns a copy of the message with the accumulated stream flattened
// into Content. Used when handing messages across package boundaries so
// callers cannot mutate repository state.
func (m *Message) Clone() *Message {
	c := &Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Role:           m.Role,
		Timestamp:      m.Timestamp,
		Content:        m.DisplayContent(),
		IsStreaming:    m.IsStreaming,
		IsHistorical:   m.IsHistorical,
	}
	if len(m.Files) > 0 {
		c.Files = append([]FileRef(nil), m.Files...)
	}
	return c
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// NowMillis returns the current time in milliseconds since the epoch.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// GenerateMessageID creates a unique client-side message ID in the form
// <role>_<unix-ms>_<random>. Server-acknowledged messages keep their
// server-assigned IDs instead.
func GenerateMessageID(role Role) string {
	buf := make([]byte, 8)
	rand.Read(buf)
	return string(role) + "_" + strconv.FormatInt(NowMillis(), 10) + "_" + hex.EncodeToString(buf)
}
