// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package repo

import (
	"log"

	"github.com/jeranaias/agentchat/internal/model"
	"github.com/jeranaias/agentchat/internal/storage"
)

// =============================================================================
// PERSISTENCE
// =============================================================================

// The persisted transcript is a convenience cache, not a source of truth:
// the authoritative transcript lives on the server. Flush failures are
// therefore logged and absorbed, never surfaced to mutation callers.

// FlushNow serializes all dirty state through the store immediately.
func (r *Repository) FlushNow() {
	r.mu.Lock()

	type flushItem struct {
		key     string
		payload any
	}
	var items []flushItem

	for conversationID := range r.dirty {
		items = append(items, flushItem{
			key:     storage.TranscriptKey(conversationID),
			payload: r.persistableTranscriptLocked(conversationID),
		})
		delete(r.dirty, conversationID)
	}

	if r.metaDirty {
		convs := make([]model.Conversation, 0, len(r.conversations))
		for _, c := range r.conversations {
			convs = append(convs, *c)
		}
		items = append(items,
			flushItem{key: storage.ConversationsKey(r.agentID), payload: convs},
			flushItem{key: storage.CurrentConversationKey(r.agentID), payload: r.currentConv},
		)
		r.metaDirty = false
	}
	r.mu.Unlock()

	// Writes happen outside the lock: the sqlite backend can block.
	for _, item := range items {
		if err := r.store.Put(item.key, item.payload); err != nil {
			log.Printf("repo: failed to persist %s: %v", item.key, err)
		}
	}
}

// persistableTranscriptLocked builds the serializable view of a transcript
// (must hold lock). Transient state is dropped: preview URLs are stripped,
// streaming flags cleared (a persisted transcript cannot resume streaming),
// and everything is marked historical for the next load.
func (r *Repository) persistableTranscriptLocked(conversationID string) []model.Message {
	list := r.messages[conversationID]
	out := make([]model.Message, 0, len(list))
	for _, m := range list {
		c := *m.Clone()
		c.IsStreaming = false
		c.IsHistorical = true
		for i := range c.Files {
			c.Files[i] = c.Files[i].Stripped()
		}
		out = append(out, c)
	}
	return out
}

// =============================================================================
// LOADING
// =============================================================================

// LoadPersisted restores conversation summaries and the current-conversation
// pointer from the store, then loads the current conversation's transcript.
// Missing keys are not errors; corrupt values are logged and skipped.
func (r *Repository) LoadPersisted() {
	var convs []model.Conversation
	if _, err := r.store.Load(storage.ConversationsKey(r.agentID), &convs); err != nil {
		log.Printf("repo: failed to load conversation list: %v", err)
	}

	var current string
	if _, err := r.store.Load(storage.CurrentConversationKey(r.agentID), &current); err != nil {
		log.Printf("repo: failed to load current conversation: %v", err)
	}

	r.mu.Lock()
	for i := range convs {
		c := convs[i]
		r.conversations[c.ID] = &c
	}
	r.currentConv = current
	r.mu.Unlock()

	if current != "" {
		r.LoadTranscript(current)
	}
}

// LoadTranscript restores one conversation's persisted transcript into
// memory. In-memory state wins: a conversation that already has messages is
// left alone.
func (r *Repository) LoadTranscript(conversationID string) {
	var history []model.Message
	found, err := r.store.Load(storage.TranscriptKey(conversationID), &history)
	if err != nil {
		log.Printf("repo: failed to load transcript %s: %v", conversationID, err)
		return
	}
	if !found {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.messages[conversationID]) > 0 {
		return
	}

	list := make([]*model.Message, 0, len(history))
	for i := range history {
		m := history[i].Clone()
		m.IsHistorical = true
		m.IsStreaming = false
		list = append(list, m)
		r.index[m.ID] = m
	}
	r.messages[conversationID] = list

	if _, ok := r.conversations[conversationID]; !ok {
		r.conversations[conversationID] = &model.Conversation{ID: conversationID, AgentID: r.agentID}
	}
}
