// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jeranaias/agentchat/internal/config"
	"github.com/jeranaias/agentchat/internal/model"
	"github.com/jeranaias/agentchat/internal/storage"
	"github.com/jeranaias/agentchat/internal/transport"
)

// newTestEngine builds an engine against a test server with deterministic
// persistence (no debounce timer).
func newTestEngine(t *testing.T, srv *httptest.Server) *Engine {
	t.Helper()

	cfg := config.Default()
	cfg.Session.FlushDebounceMillis = 0
	cfg.Backend.BaseURL = srv.URL

	client := transport.NewClient(transport.Options{
		BaseURL:         srv.URL,
		User:            "u1",
		Language:        "en",
		HTTPClient:      srv.Client(),
		StreamingClient: srv.Client(),
	})

	e, err := New(Options{
		Config:  cfg,
		AgentID: "agent-1",
		Client:  client,
		KV:      storage.NewMemoryKV(0),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(e.Close)
	return e
}

// waitFinal polls until the message stops streaming and returns it.
func waitFinal(t *testing.T, e *Engine, conversationID, messageID string) model.Message {
	t.Helper()

	deadline := time.After(3 * time.Second)
	for {
		for _, m := range e.Messages(conversationID) {
			if m.ID == messageID && !m.IsStreaming {
				return m
			}
		}
		select {
		case <-deadline:
			t.Fatal("Timed out waiting for message to finalize")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func sseEvents(events ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, ev := range events {
			fmt.Fprintf(w, "data: %s\n\n", ev)
			w.(http.Flusher).Flush()
		}
	}
}

// =============================================================================
// SEND TESTS
// =============================================================================

func TestEngine_SendMessageHappyPath(t *testing.T) {
	srv := httptest.NewServer(sseEvents(
		`{"event":"workflow_started","task_id":"t-1"}`,
		`{"event":"message","answer":"Hi"}`,
		`{"event":"message","answer":" there"}`,
		`[DONE]`,
	))
	defer srv.Close()
	e := newTestEngine(t, srv)

	res, err := e.SendMessage(context.Background(), "", "hello", nil)
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if res.ConversationID == "" {
		t.Fatal("Expected a conversation to be assigned")
	}

	final := waitFinal(t, e, res.ConversationID, res.AssistantMessageID)
	if final.Content != "Hi there" {
		t.Errorf("Expected accumulated answer, got %q", final.Content)
	}

	msgs := e.Messages(res.ConversationID)
	if len(msgs) != 2 {
		t.Fatalf("Expected user + assistant messages, got %d", len(msgs))
	}
	if msgs[0].Content != "hello" || msgs[0].Role != model.RoleUser {
		t.Errorf("Unexpected user message: %+v", msgs[0])
	}
	if e.CurrentConversation() != res.ConversationID {
		t.Error("Send must set the current conversation")
	}
}

func TestEngine_SendMessageRejectsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	e := newTestEngine(t, srv)

	if _, err := e.SendMessage(context.Background(), "", "  ", nil); err == nil {
		t.Fatal("Expected error for blank content")
	}
	if len(e.Conversations()) != 0 {
		t.Error("Rejected send must not create a conversation")
	}
}

func TestEngine_StreamErrorAnnotatesMessage(t *testing.T) {
	srv := httptest.NewServer(sseEvents(
		`{"event":"message","answer":"Partial "}`,
		`{"event":"error","message":"rate limited"}`,
	))
	defer srv.Close()
	e := newTestEngine(t, srv)

	res, err := e.SendMessage(context.Background(), "", "q", nil)
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	final := waitFinal(t, e, res.ConversationID, res.AssistantMessageID)
	if final.Content != "Partial \n\n[rate limited]" {
		t.Errorf("Expected annotated partial content, got %q", final.Content)
	}
}

func TestEngine_StartFailureAnnotatesAndReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"message":"backend down"}`)
	}))
	defer srv.Close()
	e := newTestEngine(t, srv)

	_, err := e.SendMessage(context.Background(), "", "q", nil)
	if err == nil {
		t.Fatal("Expected error from failed start")
	}

	// The placeholder is finalized with the user-facing category message.
	convs := e.Conversations()
	if len(convs) != 1 {
		t.Fatalf("Expected 1 conversation, got %d", len(convs))
	}
	msgs := e.Messages(convs[0].ID)
	if len(msgs) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(msgs))
	}
	assistant := msgs[1]
	if assistant.IsStreaming {
		t.Error("Placeholder must not stay streaming after a failed start")
	}
	if !strings.Contains(assistant.Content, "[") {
		t.Errorf("Expected annotation in content, got %q", assistant.Content)
	}
}

// =============================================================================
// CANCELLATION TESTS
// =============================================================================

func TestEngine_StopGeneration(t *testing.T) {
	var stopCalls atomic.Int32
	started := make(chan struct{})

	mux := http.NewServeMux()
	mux.HandleFunc("/chat-messages", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"event\":\"workflow_started\",\"task_id\":\"t-9\"}\n\n")
		fmt.Fprint(w, "data: {\"event\":\"message\",\"answer\":\"Working on it\"}\n\n")
		w.(http.Flusher).Flush()
		close(started)
		<-r.Context().Done()
	})
	mux.HandleFunc("/chat-messages/t-9/stop", func(w http.ResponseWriter, r *http.Request) {
		stopCalls.Add(1)
		fmt.Fprint(w, `{"result":"success"}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	e := newTestEngine(t, srv)

	res, err := e.SendMessage(context.Background(), "", "q", nil)
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	<-started

	// Let the chunk land before stopping.
	deadline := time.After(2 * time.Second)
	for {
		msgs := e.Messages(res.ConversationID)
		if len(msgs) == 2 && msgs[1].Content == "Working on it" {
			break
		}
		select {
		case <-deadline:
			t.Fatal("Timed out waiting for chunk")
		case <-time.After(5 * time.Millisecond):
		}
	}

	e.StopGeneration(context.Background())

	final := waitFinal(t, e, res.ConversationID, res.AssistantMessageID)
	if final.Content != "Working on it\n\n[generation stopped]" {
		t.Errorf("Expected stop annotation, got %q", final.Content)
	}
	if got := stopCalls.Load(); got != 1 {
		t.Errorf("Expected exactly 1 stop notification, got %d", got)
	}

	// Stopping again with nothing in flight is a no-op.
	e.StopGeneration(context.Background())
	if got := stopCalls.Load(); got != 1 {
		t.Errorf("Idle stop must not notify, got %d calls", got)
	}
}

func TestEngine_NewSendStopsPreviousGeneration(t *testing.T) {
	var sends atomic.Int32
	started := make(chan struct{})

	mux := http.NewServeMux()
	mux.HandleFunc("/chat-messages", func(w http.ResponseWriter, r *http.Request) {
		if sends.Add(1) == 1 {
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, "data: {\"event\":\"workflow_started\",\"task_id\":\"t-1\"}\n\n")
			fmt.Fprint(w, "data: {\"event\":\"message\",\"answer\":\"First answer\"}\n\n")
			w.(http.Flusher).Flush()
			close(started)
			<-r.Context().Done()
			return
		}
		sseEvents(`{"event":"message","answer":"Second"}`, `[DONE]`)(w, r)
	})
	mux.HandleFunc("/chat-messages/t-1/stop", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"result":"success"}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	e := newTestEngine(t, srv)

	res1, err := e.SendMessage(context.Background(), "", "first", nil)
	if err != nil {
		t.Fatalf("First send failed: %v", err)
	}
	<-started

	// Let the first chunk land before replacing the generation.
	deadline := time.After(2 * time.Second)
	for {
		msgs := e.Messages(res1.ConversationID)
		if len(msgs) == 2 && msgs[1].Content == "First answer" {
			break
		}
		select {
		case <-deadline:
			t.Fatal("Timed out waiting for first chunk")
		case <-time.After(5 * time.Millisecond):
		}
	}

	res2, err := e.SendMessage(context.Background(), "", "second", nil)
	if err != nil {
		t.Fatalf("Second send failed: %v", err)
	}

	// The replaced generation's placeholder must not stay streaming: it is
	// finalized with the stopped annotation, same as an explicit stop.
	final := waitFinal(t, e, res1.ConversationID, res1.AssistantMessageID)
	if final.Content != "First answer\n\n[generation stopped]" {
		t.Errorf("Expected stop annotation on replaced placeholder, got %q", final.Content)
	}

	second := waitFinal(t, e, res2.ConversationID, res2.AssistantMessageID)
	if second.Content != "Second" {
		t.Errorf("Expected second generation to complete, got %q", second.Content)
	}
}

func TestEngine_IsGeneratingTracksLocalConversation(t *testing.T) {
	started := make(chan struct{})

	mux := http.NewServeMux()
	mux.HandleFunc("/chat-messages", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"event\":\"workflow_started\",\"task_id\":\"t-2\"}\n\n")
		w.(http.Flusher).Flush()
		close(started)
		<-r.Context().Done()
	})
	mux.HandleFunc("/chat-messages/t-2/stop", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"result":"success"}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	e := newTestEngine(t, srv)

	res, err := e.SendMessage(context.Background(), "", "q", nil)
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	<-started

	// The check works on the local conversation ID even though the server
	// has not assigned its own yet.
	if !e.IsGenerating("") {
		t.Error("Expected an unscoped generation check to report in flight")
	}
	if !e.IsGenerating(res.ConversationID) {
		t.Error("Expected the sending conversation to report generating")
	}
	if e.IsGenerating("conv_other") {
		t.Error("Unrelated conversation must not report generating")
	}

	e.StopGeneration(context.Background())
	waitFinal(t, e, res.ConversationID, res.AssistantMessageID)
	if e.IsGenerating(res.ConversationID) {
		t.Error("Stopped conversation must not report generating")
	}
}

// =============================================================================
// CONVERSATION TESTS
// =============================================================================

func TestEngine_AdoptsServerConversation(t *testing.T) {
	var sends atomic.Int32
	var secondConvID atomic.Value

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sends.Add(1) == 2 {
			var payload map[string]any
			json.NewDecoder(r.Body).Decode(&payload)
			secondConvID.Store(payload["conversation_id"])
		}
		sseEvents(
			`{"event":"workflow_started","task_id":"t-1","conversation_id":"srv-c1"}`,
			`{"event":"message","answer":"ok"}`,
			`[DONE]`,
		)(w, r)
	}))
	defer srv.Close()
	e := newTestEngine(t, srv)

	res, err := e.SendMessage(context.Background(), "", "first", nil)
	if err != nil {
		t.Fatalf("First send failed: %v", err)
	}
	waitFinal(t, e, res.ConversationID, res.AssistantMessageID)

	// The adoption goroutine races the stream end; wait for the mapping.
	deadline := time.After(2 * time.Second)
	for e.backendConversation(res.ConversationID) != "srv-c1" {
		select {
		case <-deadline:
			t.Fatal("Timed out waiting for server conversation adoption")
		case <-time.After(5 * time.Millisecond):
		}
	}

	res2, err := e.SendMessage(context.Background(), res.ConversationID, "second", nil)
	if err != nil {
		t.Fatalf("Second send failed: %v", err)
	}
	waitFinal(t, e, res2.ConversationID, res2.AssistantMessageID)

	if got := secondConvID.Load(); got != "srv-c1" {
		t.Errorf("Second send must carry the server conversation ID, got %v", got)
	}
}

func TestEngine_DeleteLocalOnlyConversationSkipsServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			t.Errorf("Unexpected server delete for local-only conversation: %s", r.URL.Path)
		}
		sseEvents(`[DONE]`)(w, r)
	}))
	defer srv.Close()
	e := newTestEngine(t, srv)

	res, err := e.SendMessage(context.Background(), "", "q", nil)
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	waitFinal(t, e, res.ConversationID, res.AssistantMessageID)

	if err := e.DeleteConversation(context.Background(), res.ConversationID); err != nil {
		t.Fatalf("DeleteConversation failed: %v", err)
	}
	if len(e.Messages(res.ConversationID)) != 0 {
		t.Error("Transcript must be gone after delete")
	}
	if len(e.Conversations()) != 0 {
		t.Error("Conversation summary must be gone after delete")
	}
}

func TestEngine_LoadHistorySkipsLocalOnlyConversation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("Unexpected request for local-only conversation: %s", r.URL.Path)
	}))
	defer srv.Close()
	e := newTestEngine(t, srv)

	hydrated, err := e.LoadHistory(context.Background(), "conv_deadbeef")
	if err != nil {
		t.Fatalf("LoadHistory failed: %v", err)
	}
	if hydrated {
		t.Error("Local-only conversation must not hydrate from the server")
	}
}

func TestEngine_LoadHistory(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/messages", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"id":"x1","conversation_id":"srv-c1","query":"hi","answer":"hello","created_at":1000}]`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	e := newTestEngine(t, srv)

	hydrated, err := e.LoadHistory(context.Background(), "srv-c1")
	if err != nil {
		t.Fatalf("LoadHistory failed: %v", err)
	}
	if !hydrated {
		t.Fatal("Expected hydration")
	}

	msgs := e.Messages("srv-c1")
	if len(msgs) != 2 {
		t.Fatalf("Expected 2 hydrated messages, got %d", len(msgs))
	}
	if !msgs[0].IsHistorical || !msgs[1].IsHistorical {
		t.Error("Hydrated messages must be historical")
	}

	// The same snapshot applied twice is a no-op.
	hydrated, err = e.LoadHistory(context.Background(), "srv-c1")
	if err != nil {
		t.Fatalf("Second LoadHistory failed: %v", err)
	}
	if hydrated {
		t.Error("Repeated hydration must be skipped")
	}
}

// =============================================================================
// ATTACHMENT TESTS
// =============================================================================

func TestEngine_AttachFile(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/files/upload", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"srv-f1","name":"a.png","size":9}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	e := newTestEngine(t, srv)

	ref, err := e.AttachFile(context.Background(), "a.png", "image/png", []byte("png bytes"))
	if err != nil {
		t.Fatalf("AttachFile failed: %v", err)
	}
	if ref.ID != "srv-f1" {
		t.Errorf("Expected server file ID, got %q", ref.ID)
	}
	if ref.HandleID == "" || ref.PreviewURL == "" {
		t.Errorf("Expected a local preview handle, got %+v", ref)
	}

	// Discarding the attachment revokes the handle right away; nothing else
	// holds it.
	e.ReleaseAttachment(ref.HandleID)
	if url := e.cache.HandleURL(ref.HandleID); url != "" {
		t.Errorf("Discarded attachment handle must be revoked, got %q", url)
	}
}

func TestEngine_AttachFileUploadFailureReleasesHandle(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/files/upload", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"message":"disk full"}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	e := newTestEngine(t, srv)

	if _, err := e.AttachFile(context.Background(), "a.png", "image/png", []byte("png bytes")); err == nil {
		t.Fatal("Expected upload error")
	}
	if n := e.cache.Stats().Entries; n != 0 {
		t.Errorf("Failed upload must not leave a handle behind, got %d entries", n)
	}
}
