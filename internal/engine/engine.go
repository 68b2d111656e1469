// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"bytes"
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/agentchat/internal/blobcache"
	"github.com/jeranaias/agentchat/internal/config"
	"github.com/jeranaias/agentchat/internal/model"
	"github.com/jeranaias/agentchat/internal/repo"
	"github.com/jeranaias/agentchat/internal/storage"
	"github.com/jeranaias/agentchat/internal/stream"
	"github.com/jeranaias/agentchat/internal/transport"
)

// stoppedAnnotation is appended to a message the user cancelled mid-stream.
const stoppedAnnotation = "generation stopped"

// =============================================================================
// ENGINE
// =============================================================================

// Options configures an Engine.
type Options struct {
	// Config supplies backend, storage, and cache settings. Nil uses
	// defaults.
	Config *config.Config

	// AgentID scopes persisted state so multiple agents can share a store.
	AgentID string

	// Client overrides the backend client, used by tests.
	Client *transport.Client

	// KV overrides the persistence backend, used by tests.
	KV storage.KV
}

// SendResult identifies the messages created by one send.
type SendResult struct {
	ConversationID     string
	UserMessageID      string
	AssistantMessageID string
}

// Engine composes the session pieces into one chat surface: it owns the
// repository, the object-handle cache, the persistent store, and the backend
// client, and keeps them consistent across sends, cancellations, history
// loads, and deletes.
//
// All methods are safe for concurrent use.
type Engine struct {
	cfg     *config.Config
	agentID string

	client *transport.Client
	repo   *repo.Repository
	cache  *blobcache.Cache
	store  *storage.Store

	mu          sync.Mutex
	active      *transport.Session
	activeConv  string            // local conversation ID of the active session
	backendConv map[string]string // local conversation ID -> server-assigned ID
}

// New creates an engine. When the configured sqlite path cannot be opened
// the engine falls back to in-memory persistence rather than failing: the
// persisted transcript is a convenience cache, not a source of truth.
func New(opts Options) (*Engine, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}

	kv := opts.KV
	if kv == nil {
		if cfg.Storage.Path != "" {
			sqliteKV, err := storage.OpenSQLiteKV(cfg.Storage.Path, cfg.Storage.QuotaBytes)
			if err != nil {
				log.Printf("engine: sqlite store at %s unavailable, using in-memory storage: %v", cfg.Storage.Path, err)
				kv = storage.NewMemoryKV(cfg.Storage.QuotaBytes)
			} else {
				kv = sqliteKV
			}
		} else {
			kv = storage.NewMemoryKV(cfg.Storage.QuotaBytes)
		}
	}
	store := storage.NewStore(kv)

	r := repo.New(store, opts.AgentID)
	r.SetFlushDebounce(cfg.FlushDebounce())
	r.LoadPersisted()

	client := opts.Client
	if client == nil {
		client = transport.NewClient(transport.Options{
			BaseURL:   cfg.Backend.BaseURL,
			Token:     cfg.Backend.Token,
			User:      cfg.Backend.User,
			AgentType: cfg.Backend.AgentType,
			Language:  cfg.Backend.Language,
		})
	}

	cache := blobcache.New(blobcache.Options{
		MaxObjectSize: cfg.Cache.MaxObjectBytes,
		MaxEntries:    cfg.Cache.MaxEntries,
		SweepInterval: time.Duration(cfg.Cache.SweepIntervalSecs) * time.Second,
		IdleGrace:     time.Duration(cfg.Cache.IdleGraceSecs) * time.Second,
		MaxAge:        time.Duration(cfg.Cache.MaxAgeSecs) * time.Second,
	})

	return &Engine{
		cfg:         cfg,
		agentID:     opts.AgentID,
		client:      client,
		repo:        r,
		cache:       cache,
		store:       store,
		backendConv: make(map[string]string),
	}, nil
}

// =============================================================================
// SENDING
// =============================================================================

// SendMessage records the user's message, creates a streaming placeholder,
// and starts a generation that accumulates into it. An empty conversationID
// starts a new conversation.
//
// The returned result is available immediately; the assistant message fills
// in asynchronously. Stream and transport failures are appended to the
// placeholder as a trailing annotation and the message is finalized, so
// callers never observe a permanently streaming message.
//
// Sending while another generation is in flight stops it first: the previous
// placeholder is finalized with the stopped annotation before the new
// session takes the slot.
func (e *Engine) SendMessage(ctx context.Context, conversationID, content string, files []model.FileRef) (SendResult, error) {
	if strings.TrimSpace(content) == "" {
		return SendResult{}, transport.ErrEmptyQuery
	}

	e.StopGeneration(ctx)

	userMsg := e.repo.CreateUserMessage(conversationID, content, files)
	convID := userMsg.ConversationID
	placeholder := e.repo.CreateStreamingPlaceholder(convID)

	// The transcript now references these handles; hold them until the
	// message is deleted or swept.
	for _, f := range files {
		if f.IsLocal() {
			e.cache.Retain(f.HandleID)
		}
	}

	h := transport.StreamHandler{
		Callbacks: stream.Callbacks{
			OnAnswerChunk: func(text string) {
				e.repo.AppendChunk(placeholder.ID, text)
			},
			OnStreamError: func(msg string) {
				e.annotateAndFinalize(placeholder.ID, msg)
			},
			OnDone: func() {
				e.repo.Finalize(placeholder.ID, "")
			},
		},
		OnTransportError: func(err *transport.BackendError) {
			e.annotateAndFinalize(placeholder.ID, err.UserMessage())
		},
	}

	req := transport.ChatRequest{
		ConversationID:  e.backendConversation(convID),
		TargetMessageID: placeholder.ID,
		Query:           content,
		Files:           model.UploadRefs(files),
	}

	session, err := e.client.Start(ctx, req, h)
	if err != nil {
		note := "connection interrupted, please try again later"
		var be *transport.BackendError
		if errors.As(err, &be) {
			note = be.UserMessage()
		}
		e.annotateAndFinalize(placeholder.ID, note)
		return SendResult{}, err
	}

	e.mu.Lock()
	e.active = session
	e.activeConv = convID
	e.mu.Unlock()

	go e.adoptServerConversation(convID, session)

	return SendResult{
		ConversationID:     convID,
		UserMessageID:      userMsg.ID,
		AssistantMessageID: placeholder.ID,
	}, nil
}

// adoptServerConversation records the server-assigned conversation ID once
// the stream finishes, so follow-up sends continue the same backend thread.
func (e *Engine) adoptServerConversation(localConvID string, s *transport.Session) {
	<-s.Done()

	if serverID := s.ServerConversationID(); serverID != "" {
		e.mu.Lock()
		e.backendConv[localConvID] = serverID
		e.mu.Unlock()
	}

	e.mu.Lock()
	if e.active == s {
		e.active = nil
		e.activeConv = ""
	}
	e.mu.Unlock()
}

// backendConversation maps a local conversation ID to the one the backend
// knows. Client-generated IDs are local-only until the server assigns one.
func (e *Engine) backendConversation(localConvID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	if serverID, ok := e.backendConv[localConvID]; ok {
		return serverID
	}
	if strings.HasPrefix(localConvID, "conv_") {
		return "" // not yet acknowledged by the server
	}
	return localConvID
}

// annotateAndFinalize appends a bracketed annotation to a streaming message
// and freezes it. No-op when the message is unknown or already final.
func (e *Engine) annotateAndFinalize(messageID, note string) {
	msg, ok := e.repo.Message(messageID)
	if !ok || !msg.IsStreaming {
		return
	}
	e.repo.Finalize(messageID, msg.Content+"\n\n["+note+"]")
}

// =============================================================================
// CANCELLATION
// =============================================================================

// StopGeneration cancels the in-flight generation, if any. The partial
// answer is kept and annotated; the backend is notified exactly once.
func (e *Engine) StopGeneration(ctx context.Context) {
	e.mu.Lock()
	session := e.active
	e.mu.Unlock()

	if session == nil {
		return
	}

	e.client.Cancel(ctx, session)
	e.annotateAndFinalize(session.TargetMessageID, stoppedAnnotation)
}

// IsGenerating reports whether a generation is in flight. A non-empty
// conversationID restricts the check to that conversation. The check runs
// against the local conversation ID, which stays stable even while the
// server has not yet assigned its own.
func (e *Engine) IsGenerating(conversationID string) bool {
	e.mu.Lock()
	session, activeConv := e.active, e.activeConv
	e.mu.Unlock()

	if session == nil || session.Cancelled() {
		return false
	}
	return conversationID == "" || conversationID == activeConv
}

// =============================================================================
// HISTORY AND CONVERSATIONS
// =============================================================================

// LoadHistory fetches a conversation's server-side history and hydrates the
// repository with it. Returns false when hydration was skipped, either
// because this snapshot was already applied or a message in the conversation
// is still streaming.
func (e *Engine) LoadHistory(ctx context.Context, conversationID string) (bool, error) {
	backendID := e.backendConversation(conversationID)
	if backendID == "" {
		return false, nil // local-only conversation, nothing on the server
	}

	history, err := e.client.FetchMessages(ctx, backendID)
	if err != nil {
		return false, err
	}
	return e.repo.HydrateHistory(conversationID, history), nil
}

// RefreshConversations fetches the server's conversation list and merges it
// into the local set. Returns the merged list, most recent first.
func (e *Engine) RefreshConversations(ctx context.Context) ([]model.Conversation, error) {
	convs, err := e.client.ListConversations(ctx)
	if err != nil {
		return nil, err
	}
	e.repo.PutConversations(convs)
	return e.repo.Conversations(), nil
}

// DeleteConversation removes a conversation locally and on the server. The
// local delete happens regardless: a failed server delete is returned but
// never blocks reclaiming local state.
func (e *Engine) DeleteConversation(ctx context.Context, conversationID string) error {
	var serverErr error
	if backendID := e.backendConversation(conversationID); backendID != "" {
		serverErr = e.client.DeleteConversation(ctx, backendID)
		if serverErr != nil {
			log.Printf("engine: server delete of conversation %s failed: %v", backendID, serverErr)
		}
	}

	// Release the handles the transcript was holding before dropping it.
	for _, msg := range e.repo.Messages(conversationID) {
		for _, f := range msg.Files {
			if f.IsLocal() {
				e.cache.Release(f.HandleID)
			}
		}
	}

	e.repo.DeleteConversation(conversationID)

	e.mu.Lock()
	delete(e.backendConv, conversationID)
	e.mu.Unlock()

	return serverErr
}

// Messages returns copies of a conversation's transcript in order.
func (e *Engine) Messages(conversationID string) []model.Message {
	return e.repo.Messages(conversationID)
}

// Conversations returns conversation summaries, most recent first.
func (e *Engine) Conversations() []model.Conversation {
	return e.repo.Conversations()
}

// CurrentConversation returns the active conversation ID, or "".
func (e *Engine) CurrentConversation() string {
	return e.repo.CurrentConversation()
}

// SetCurrentConversation records and persists the active conversation.
func (e *Engine) SetCurrentConversation(conversationID string) {
	e.repo.SetCurrentConversation(conversationID)
}

// =============================================================================
// ATTACHMENTS AND FEEDBACK
// =============================================================================

// AttachFile uploads file contents to the backend and registers a local
// preview handle for them. The returned reference carries the server file ID
// for the chat request and the handle for local preview.
func (e *Engine) AttachFile(ctx context.Context, name, mediaType string, data []byte) (model.FileRef, error) {
	handleID := uuid.NewString()
	previewURL := e.cache.Acquire(data, handleID, name)

	ref, err := e.client.UploadFile(ctx, name, mediaType, bytes.NewReader(data))
	if err != nil {
		if previewURL != "" {
			e.cache.ForceRevoke(handleID)
		}
		return model.FileRef{}, err
	}

	ref.HandleID = handleID
	ref.PreviewURL = previewURL
	return ref, nil
}

// ReleaseAttachment revokes the preview handle of an attachment discarded
// before sending. The attachment was never referenced by a message, so no
// other holder exists and the handle is reclaimed immediately instead of
// waiting for the sweeper.
func (e *Engine) ReleaseAttachment(handleID string) {
	e.cache.ForceRevoke(handleID)
}

// SubmitFeedback records a like/dislike rating on a message. An empty
// rating withdraws previous feedback.
func (e *Engine) SubmitFeedback(ctx context.Context, messageID, rating, comment string) error {
	return e.client.SubmitFeedback(ctx, messageID, rating, comment)
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Close cancels any in-flight generation, flushes pending state, and
// releases the cache and store.
func (e *Engine) Close() {
	e.StopGeneration(context.Background())
	e.repo.Close()
	e.cache.Close()
	if err := e.store.Close(); err != nil {
		log.Printf("engine: store close failed: %v", err)
	}
}
