// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/jeranaias/agentchat/internal/model"
	"github.com/jeranaias/agentchat/internal/stream"
)

// =============================================================================
// STREAM SESSION
// =============================================================================

// Session is one in-flight generation. It is created by Start, owned by the
// client's single slot, and discarded on completion, error, or cancellation.
type Session struct {
	// ConversationID is the conversation this generation belongs to. Empty
	// until the server assigns one (first message of a new conversation);
	// see ServerConversationID for the assigned value.
	ConversationID string

	// TargetMessageID is the repository message accumulating the answer.
	TargetMessageID string

	cancel context.CancelFunc
	done   chan struct{}

	mu           sync.Mutex
	taskID       string
	serverConv   string
	cancelled    bool
	stopNotified bool
}

// TaskID returns the server-assigned task ID, or "" before the first event.
func (s *Session) TaskID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.taskID
}

// ServerConversationID returns the conversation ID the server assigned to
// this generation, or "" before the first event carrying one.
func (s *Session) ServerConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverConv
}

// Cancelled reports whether Cancel was called on this session.
func (s *Session) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// Done is closed when the session's stream goroutine has finished.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// =============================================================================
// STREAM HANDLER
// =============================================================================

// StreamHandler bundles the parser callbacks with transport-level
// notifications. All fields are optional.
type StreamHandler struct {
	stream.Callbacks

	// OnTransportError fires when the connection fails mid-stream for
	// reasons other than cancellation. The error is always a *BackendError.
	OnTransportError func(err *BackendError)
}

// ChatRequest describes one generation request.
type ChatRequest struct {
	ConversationID  string
	TargetMessageID string
	Query           string
	Files           []model.UploadRef
	Inputs          map[string]any
}

// chatMessagePayload is the wire shape of a streaming chat request.
type chatMessagePayload struct {
	Inputs         map[string]any    `json:"inputs"`
	Query          string            `json:"query"`
	ResponseMode   string            `json:"response_mode"`
	User           string            `json:"user"`
	ConversationID string            `json:"conversation_id"`
	Files          []model.UploadRef `json:"files,omitempty"`
}

// =============================================================================
// START
// =============================================================================

// Start opens a streaming generation. Any previous in-flight session is
// cancelled first: the slot holds at most one generation, which is what
// keeps the one-streaming-message-per-conversation invariant.
//
// The returned session is already running; events flow through h until the
// stream reaches a terminal state. ctx bounds the connection attempt and the
// rate-limiter wait, not the stream itself; use Cancel to stop a running
// generation.
func (c *Client) Start(ctx context.Context, req ChatRequest, h StreamHandler) (*Session, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, ErrEmptyQuery
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	if prev := c.currentSession(); prev != nil {
		c.Cancel(ctx, prev)
	}

	inputs := req.Inputs
	if inputs == nil {
		inputs = map[string]any{"timestamp": model.NowMillis()}
	}
	payload := chatMessagePayload{
		Inputs:         inputs,
		Query:          query,
		ResponseMode:   "streaming",
		User:           c.user,
		ConversationID: req.ConversationID,
		Files:          req.Files,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	// The stream outlives ctx: it ends via Cancel or a terminal event.
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	httpReq, err := http.NewRequestWithContext(streamCtx, http.MethodPost, c.baseURL+"/chat-messages", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(httpReq, true)
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")

	resp, err := c.streamingClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, Classify(err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize))
		resp.Body.Close()
		cancel()
		return nil, classifyResponse(resp.StatusCode, respBody)
	}

	s := &Session{
		ConversationID:  req.ConversationID,
		TargetMessageID: req.TargetMessageID,
		cancel:          cancel,
		done:            make(chan struct{}),
	}

	c.mu.Lock()
	c.current = s
	c.mu.Unlock()

	go c.consume(streamCtx, s, resp.Body, h)
	return s, nil
}

// consume drives the parser over the response body and releases the slot
// when the stream ends.
func (c *Client) consume(ctx context.Context, s *Session, body io.ReadCloser, h StreamHandler) {
	defer close(s.done)
	defer body.Close()
	defer c.clearCurrent(s)

	cb := h.Callbacks
	userRaw := cb.OnRawEvent
	cb.OnRawEvent = func(ev stream.Event) {
		s.mu.Lock()
		if s.taskID == "" && ev.TaskID != "" {
			s.taskID = ev.TaskID
		}
		if s.serverConv == "" && ev.ConversationID != "" {
			s.serverConv = ev.ConversationID
		}
		s.mu.Unlock()
		if userRaw != nil {
			userRaw(ev)
		}
	}

	parser := stream.NewParser(cb)
	if err := parser.Consume(ctx, body); err != nil {
		if s.Cancelled() {
			return // local cancellation, the caller annotates
		}
		if h.OnTransportError != nil {
			h.OnTransportError(Classify(err))
		}
	}
}

// =============================================================================
// CANCEL
// =============================================================================

// Cancel stops a generation: the local stream is aborted first so the
// caller can finalize immediately, then the backend is notified to stop the
// server-side task, with one retry on failure. Cancelling a nil, finished,
// or already-cancelled session is a no-op.
//
// A failed stop notification is logged and accepted: the server-side
// generation may run to completion unobserved, which is preferable to
// blocking the user's next action on an unreachable backend.
func (c *Client) Cancel(ctx context.Context, s *Session) {
	if s == nil {
		return
	}

	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return
	}
	s.cancelled = true
	taskID := s.taskID
	notified := s.stopNotified
	s.stopNotified = true
	s.mu.Unlock()

	s.cancel()
	c.clearCurrent(s)

	if taskID == "" || notified {
		return
	}
	if err := c.stopGeneration(ctx, taskID); err != nil {
		log.Printf("transport: stop notification for task %s failed, retrying: %v", taskID, err)
		if err := c.stopGeneration(ctx, taskID); err != nil {
			log.Printf("transport: stop notification for task %s abandoned: %v", taskID, err)
		}
	}
}

// stopGeneration issues the backend stop call for a task.
func (c *Client) stopGeneration(ctx context.Context, taskID string) error {
	return c.doJSON(ctx, http.MethodPost, "/chat-messages/"+taskID+"/stop", nil,
		map[string]string{"user": c.user}, nil)
}

// =============================================================================
// SLOT ACCESSORS
// =============================================================================

// IsActive reports whether a generation is in flight. A non-empty
// conversationID restricts the check to that conversation.
func (c *Client) IsActive(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil || c.current.Cancelled() {
		return false
	}
	return conversationID == "" || c.current.ConversationID == conversationID
}

// CurrentTaskID returns the in-flight generation's task ID, or "".
func (c *Client) CurrentTaskID() string {
	c.mu.Lock()
	current := c.current
	c.mu.Unlock()

	if current == nil {
		return ""
	}
	return current.TaskID()
}

// currentSession returns the in-flight session, or nil.
func (c *Client) currentSession() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// clearCurrent releases the slot if s still owns it.
func (c *Client) clearCurrent(s *Session) {
	c.mu.Lock()
	if c.current == s {
		c.current = nil
	}
	c.mu.Unlock()
}
