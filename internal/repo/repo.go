// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package repo

import (
	"sort"
	"sync"
	"time"

	"github.com/jeranaias/agentchat/internal/model"
	"github.com/jeranaias/agentchat/internal/storage"
)

// =============================================================================
// REPOSITORY
// =============================================================================

// DefaultFlushDebounce is how long mutations coalesce before a persistence
// write. Chunk appends arrive many times per second; writing on every one
// would thrash the store for no durability gain.
const DefaultFlushDebounce = 2 * time.Second

// Repository holds the in-memory conversation transcripts and persists them
// through the quota-aware store.
//
// All methods are safe for concurrent use. Persistence is write-behind:
// mutations mark a conversation dirty and a debounced flush serializes it,
// except finalize and delete, which flush immediately so terminal states are
// never lost to the debounce window.
type Repository struct {
	mu      sync.Mutex
	store   *storage.Store
	agentID string

	messages      map[string][]*model.Message // conversationID -> ordered transcript
	index         map[string]*model.Message   // messageID -> message
	conversations map[string]*model.Conversation
	currentConv   string
	lastHydrated  string

	dirty      map[string]bool
	metaDirty  bool
	flushTimer *time.Timer
	debounce   time.Duration
	closed     bool
}

// New creates a repository scoped to one agent, persisting through store.
func New(store *storage.Store, agentID string) *Repository {
	return &Repository{
		store:         store,
		agentID:       agentID,
		messages:      make(map[string][]*model.Message),
		index:         make(map[string]*model.Message),
		conversations: make(map[string]*model.Conversation),
		dirty:         make(map[string]bool),
		debounce:      DefaultFlushDebounce,
	}
}

// SetFlushDebounce overrides the flush debounce. Zero disables the timer;
// state then persists only on forced flushes (finalize, delete, Close,
// explicit FlushNow), which keeps tests deterministic.
func (r *Repository) SetFlushDebounce(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.debounce = d
}

// =============================================================================
// MESSAGE OPERATIONS
// =============================================================================

// CreateUserMessage appends a user message to the conversation, creating the
// conversation on first send. Pass an empty conversationID to start a new
// conversation; the assigned ID is on the returned message.
func (r *Repository) CreateUserMessage(conversationID, content string, files []model.FileRef) *model.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conversationID == "" {
		conversationID = model.GenerateConversationID()
	}

	msg := model.NewUserMessage(conversationID, content, files)
	r.appendLocked(msg)
	r.currentConv = conversationID
	r.metaDirty = true
	r.markDirtyLocked(conversationID)
	return msg
}

// CreateStreamingPlaceholder appends an empty assistant message that will
// accumulate chunks. Any previous streaming message in the conversation is
// finalized first, preserving the one-streaming-message invariant.
func (r *Repository) CreateStreamingPlaceholder(conversationID string) *model.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, m := range r.messages[conversationID] {
		if m.IsStreaming {
			m.Finalize("")
		}
	}

	msg := model.NewStreamingPlaceholder(conversationID)
	r.appendLocked(msg)
	r.markDirtyLocked(conversationID)
	return msg
}

// AppendChunk appends streamed text to the message. Unknown IDs and
// non-streaming messages are ignored: late chunks after finalize are
// expected during cancellation races.
func (r *Repository) AppendChunk(messageID, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg, ok := r.index[messageID]
	if !ok {
		return
	}
	msg.AppendChunk(text)
	r.markDirtyLocked(msg.ConversationID)
}

// Finalize freezes a streaming message. A non-empty override replaces the
// accumulated content, used to attach error or cancellation annotations.
// Finalizing an unknown or already-final message is a no-op. The transcript
// is flushed immediately.
func (r *Repository) Finalize(messageID, override string) {
	r.mu.Lock()

	msg, ok := r.index[messageID]
	if !ok || !msg.IsStreaming {
		r.mu.Unlock()
		return
	}
	msg.Finalize(override)
	if conv, ok := r.conversations[msg.ConversationID]; ok {
		conv.Touch(msg)
	}
	r.dirty[msg.ConversationID] = true
	r.metaDirty = true
	r.mu.Unlock()

	r.FlushNow()
}

// Message returns a copy of one message, or false when unknown.
func (r *Repository) Message(messageID string) (model.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg, ok := r.index[messageID]
	if !ok {
		return model.Message{}, false
	}
	return *msg.Clone(), true
}

// Messages returns copies of the conversation's transcript in insertion
// order.
func (r *Repository) Messages(conversationID string) []model.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.messages[conversationID]
	out := make([]model.Message, len(list))
	for i, m := range list {
		out[i] = *m.Clone()
	}
	return out
}

// appendLocked adds a message to its transcript and index, and touches the
// conversation summary (must hold lock).
func (r *Repository) appendLocked(msg *model.Message) {
	r.messages[msg.ConversationID] = append(r.messages[msg.ConversationID], msg)
	r.index[msg.ID] = msg

	conv, ok := r.conversations[msg.ConversationID]
	if !ok {
		conv = &model.Conversation{ID: msg.ConversationID, AgentID: r.agentID}
		r.conversations[msg.ConversationID] = conv
		r.metaDirty = true
	}
	conv.Touch(msg)
}

// =============================================================================
// HISTORY HYDRATION
// =============================================================================

// HydrateHistory replaces the conversation's in-memory transcript with
// server-sourced history. Returns false without touching anything when the
// conversation was already hydrated (the same snapshot arriving twice) or
// when a message in it is actively streaming: a stale fetch must not clobber
// live state.
func (r *Repository) HydrateHistory(conversationID string, history []model.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.lastHydrated == conversationID {
		return false
	}
	for _, m := range r.messages[conversationID] {
		if m.IsStreaming {
			return false
		}
	}

	for _, m := range r.messages[conversationID] {
		delete(r.index, m.ID)
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
		r.metaDirty = true
	}
	if len(list) > 0 {
		r.conversations[conversationID].Touch(list[len(list)-1])
	}

	r.lastHydrated = conversationID
	r.markDirtyLocked(conversationID)
	return true
}

// =============================================================================
// CONVERSATION OPERATIONS
// =============================================================================

// Conversations returns conversation summaries, most recent first.
func (r *Repository) Conversations() []model.Conversation {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]model.Conversation, 0, len(r.conversations))
	for _, c := range r.conversations {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp > out[j].Timestamp
	})
	return out
}

// PutConversations merges server-sourced conversation summaries into the
// list, keeping local summaries that the server does not know about yet.
func (r *Repository) PutConversations(convs []model.Conversation) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range convs {
		c := convs[i]
		c.AgentID = r.agentID
		r.conversations[c.ID] = &c
	}
	r.metaDirty = true
	r.markDirtyLocked("")
}

// DeleteConversation removes the conversation, its transcript, and its
// persisted state. Deleting an unknown conversation is a no-op.
func (r *Repository) DeleteConversation(conversationID string) {
	r.mu.Lock()

	for _, m := range r.messages[conversationID] {
		delete(r.index, m.ID)
	}
	delete(r.messages, conversationID)
	delete(r.conversations, conversationID)
	delete(r.dirty, conversationID)
	if r.currentConv == conversationID {
		r.currentConv = ""
	}
	if r.lastHydrated == conversationID {
		r.lastHydrated = ""
	}
	r.metaDirty = true
	r.mu.Unlock()

	r.store.Remove(storage.TranscriptKey(conversationID))
	r.FlushNow()
}

// CurrentConversation returns the active conversation ID, or "".
func (r *Repository) CurrentConversation() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentConv
}

// SetCurrentConversation records the active conversation for this agent
// scope and persists the pointer.
func (r *Repository) SetCurrentConversation(conversationID string) {
	r.mu.Lock()
	r.currentConv = conversationID
	r.metaDirty = true
	r.mu.Unlock()

	r.FlushNow()
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Close flushes pending state and stops the debounce timer.
func (r *Repository) Close() {
	r.mu.Lock()
	r.closed = true
	if r.flushTimer != nil {
		r.flushTimer.Stop()
		r.flushTimer = nil
	}
	r.mu.Unlock()

	r.FlushNow()
}

// markDirtyLocked schedules a debounced flush for the conversation (must
// hold lock). An empty ID marks only metadata dirty.
func (r *Repository) markDirtyLocked(conversationID string) {
	if conversationID != "" {
		r.dirty[conversationID] = true
	}
	if r.closed {
		return
	}
	if r.debounce <= 0 {
		return
	}
	if r.flushTimer == nil {
		r.flushTimer = time.AfterFunc(r.debounce, func() {
			r.mu.Lock()
			r.flushTimer = nil
			r.mu.Unlock()
			r.FlushNow()
		})
	}
}
