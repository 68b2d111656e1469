// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import "strings"

// =============================================================================
// KEY FAMILIES
// =============================================================================

// Key families. Transcript keys hold one JSON message array per conversation
// and are the only keys the compaction ladder touches: everything else is
// small metadata that must survive quota pressure.
const (
	transcriptPrefix    = "messages:"
	conversationsPrefix = "conversations:"
	currentConvPrefix   = "current-conversation:"
)

// TranscriptKey returns the key holding a conversation's message array.
func TranscriptKey(conversationID string) string {
	return transcriptPrefix + conversationID
}

// ConversationsKey returns the key holding an agent's conversation list.
func ConversationsKey(agentID string) string {
	return conversationsPrefix + agentID
}

// CurrentConversationKey returns the key holding an agent's active
// conversation ID.
func CurrentConversationKey(agentID string) string {
	return currentConvPrefix + agentID
}

// IsTranscriptKey reports whether key belongs to the transcript family.
func IsTranscriptKey(key string) bool {
	return strings.HasPrefix(key, transcriptPrefix)
}

// ConversationIDFromTranscriptKey extracts the conversation ID, or "" when
// the key is not a transcript key.
func ConversationIDFromTranscriptKey(key string) string {
	if !IsTranscriptKey(key) {
		return ""
	}
	return strings.TrimPrefix(key, transcriptPrefix)
}
