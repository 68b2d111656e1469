// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/jeranaias/agentchat/internal/util"
)

// =============================================================================
// CONVERSATION TYPE
// =============================================================================

// Conversation is a denormalized summary of one conversation, suitable for
// list views. The last message and timestamp follow last-write-wins: they
// reflect whichever mutation touched the conversation most recently.
type Conversation struct {
	ID          string `json:"id"`
	AgentID     string `json:"agentId"`
	Title       string `json:"title,omitempty"`
	LastMessage string `json:"lastMessage"`
	Timestamp   int64  `json:"timestamp"` // milliseconds since epoch
}

// Touch updates the denormalized summary from the given message.
func (c *Conversation) Touch(msg *Message) {
	c.LastMessage = msg.Preview(100)
	c.Timestamp = msg.Timestamp
	if c.Title == "" && msg.Role == RoleUser {
		c.Title = util.TruncateRunes(util.CollapseLines(msg.DisplayContent()), 50)
	}
}

// DisplayTitle returns the conversation title or a default.
func (c *Conversation) DisplayTitle() string {
	if c.Title != "" {
		return c.Title
	}
	return "New Conversation"
}

// GenerateConversationID creates a unique client-side conversation ID.
// Conversations acknowledged by the server keep the server-assigned ID.
func GenerateConversationID() string {
	buf := make([]byte, 8)
	rand.Read(buf)
	return "conv_" + hex.EncodeToString(buf)
}
