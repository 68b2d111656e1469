// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"

	"github.com/jeranaias/agentchat/internal/model"
)

// =============================================================================
// CONVERSATION LIST
// =============================================================================

// wireConversation is the backend's conversation list entry.
type wireConversation struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt int64  `json:"created_at"` // seconds since epoch
	UpdatedAt int64  `json:"updated_at"`
}

// listEnvelope tolerates both a bare array and a {"data": [...]} wrapper,
// which varies between backend deployments.
type listEnvelope[T any] struct {
	Data []T `json:"data"`
}

// decodeList decodes either response shape into a slice.
func decodeList[T any](raw json.RawMessage) ([]T, error) {
	var bare []T
	if err := json.Unmarshal(raw, &bare); err == nil {
		return bare, nil
	}
	var wrapped listEnvelope[T]
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("failed to decode list response: %w", err)
	}
	return wrapped.Data, nil
}

// ListConversations fetches the user's conversations for this agent.
func (c *Client) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	var raw json.RawMessage
	query := url.Values{"user": {c.user}}
	if err := c.doJSON(ctx, http.MethodGet, "/conversations", query, nil, &raw); err != nil {
		return nil, err
	}

	wire, err := decodeList[wireConversation](raw)
	if err != nil {
		return nil, err
	}

	convs := make([]model.Conversation, 0, len(wire))
	for _, w := range wire {
		ts := w.UpdatedAt
		if ts == 0 {
			ts = w.CreatedAt
		}
		convs = append(convs, model.Conversation{
			ID:        w.ID,
			Title:     w.Name,
			Timestamp: ts * 1000,
		})
	}
	return convs, nil
}

// DeleteConversation removes a conversation on the server.
func (c *Client) DeleteConversation(ctx context.Context, conversationID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/conversations/"+conversationID, nil,
		map[string]string{"user": c.user}, nil)
}

// =============================================================================
// MESSAGE HISTORY
// =============================================================================

// wireMessage is the backend's history record: one query/answer exchange.
type wireMessage struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversation_id"`
	Query          string            `json:"query"`
	Answer         string            `json:"answer"`
	CreatedAt      int64             `json:"created_at"` // seconds since epoch
	MessageFiles   []wireMessageFile `json:"message_files"`
}

// wireMessageFile is an attachment on a history record.
type wireMessageFile struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	URL       string `json:"url"`
	BelongsTo string `json:"belongs_to"` // "user" or "assistant"
	Filename  string `json:"filename"`
	Size      int64  `json:"size"`
}

// FetchMessages retrieves a conversation's history. Each backend record is
// one exchange and expands into a user and an assistant message, both
// historical, with attachments split by which side they belong to.
func (c *Client) FetchMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	var raw json.RawMessage
	query := url.Values{
		"conversation_id": {conversationID},
		"user":            {c.user},
	}
	if err := c.doJSON(ctx, http.MethodGet, "/messages", query, nil, &raw); err != nil {
		return nil, err
	}

	wire, err := decodeList[wireMessage](raw)
	if err != nil {
		return nil, err
	}

	msgs := make([]model.Message, 0, 2*len(wire))
	for _, w := range wire {
		ts := w.CreatedAt * 1000
		// The record ID covers the whole exchange; suffix it so the two
		// expanded messages stay distinct.
		msgs = append(msgs,
			*model.NewHistoricalMessage(w.ID+"_user", w.ConversationID, model.RoleUser,
				w.Query, ts, historyFiles(w.MessageFiles, "user")),
			*model.NewHistoricalMessage(w.ID+"_assistant", w.ConversationID, model.RoleAssistant,
				w.Answer, ts, historyFiles(w.MessageFiles, "assistant")),
		)
	}
	return msgs, nil
}

// historyFiles converts one side's attachments to file references.
func historyFiles(files []wireMessageFile, belongsTo string) []model.FileRef {
	var refs []model.FileRef
	for _, f := range files {
		if f.BelongsTo != belongsTo {
			continue
		}
		refs = append(refs, model.FileRef{
			ID:        f.ID,
			Name:      f.Filename,
			Size:      f.Size,
			MediaType: f.Type,
			URL:       f.URL,
		})
	}
	return refs
}

// =============================================================================
// FILE UPLOAD
// =============================================================================

// uploadResponse is the backend's upload acknowledgement.
type uploadResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
	Size int64  `json:"size"`
	URL  string `json:"url"`
}

// UploadFile sends file contents to the backend and returns the
// acknowledged reference for attaching to a chat request.
func (c *Client) UploadFile(ctx context.Context, name, mediaType string, contents io.Reader) (model.FileRef, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", name)
	if err != nil {
		return model.FileRef{}, fmt.Errorf("failed to build upload form: %w", err)
	}
	if _, err := io.Copy(part, contents); err != nil {
		return model.FileRef{}, fmt.Errorf("failed to read upload contents: %w", err)
	}
	if err := w.WriteField("user", c.user); err != nil {
		return model.FileRef{}, fmt.Errorf("failed to build upload form: %w", err)
	}
	if err := w.Close(); err != nil {
		return model.FileRef{}, fmt.Errorf("failed to build upload form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/files/upload", &buf)
	if err != nil {
		return model.FileRef{}, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req, false)
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return model.FileRef{}, Classify(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize))
	if err != nil {
		return model.FileRef{}, Classify(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return model.FileRef{}, classifyResponse(resp.StatusCode, body)
	}

	var ack uploadResponse
	if err := json.Unmarshal(body, &ack); err != nil {
		return model.FileRef{}, fmt.Errorf("failed to decode upload response: %w", err)
	}
	if ack.Name == "" {
		ack.Name = name
	}
	if ack.Type == "" {
		ack.Type = mediaType
	}
	return model.FileRef{
		ID:        ack.ID,
		Name:      ack.Name,
		Size:      ack.Size,
		MediaType: ack.Type,
		URL:       ack.URL,
	}, nil
}

// =============================================================================
// FEEDBACK
// =============================================================================

// Rating values for message feedback. An empty rating withdraws previous
// feedback.
const (
	RatingLike    = "like"
	RatingDislike = "dislike"
)

// SubmitFeedback records a like/dislike on a message.
func (c *Client) SubmitFeedback(ctx context.Context, messageID, rating, content string) error {
	payload := map[string]any{
		"message_id": messageID,
		"user":       c.user,
		"content":    content,
	}
	if rating == "" {
		payload["rating"] = nil
	} else {
		payload["rating"] = rating
	}
	return c.doJSON(ctx, http.MethodPost, "/messages/"+messageID+"/feedbacks", nil, payload, nil)
}
