// agentchat - streaming chat client for Dify-style agent backends.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jeranaias/agentchat/internal/config"
	"github.com/jeranaias/agentchat/internal/engine"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
)

func main() {
	var (
		configPath   = flag.String("config", "", "config file path (default ~/.agentchat/config.toml)")
		agentID      = flag.String("agent", "default", "agent scope for persisted state")
		conversation = flag.String("conversation", "", "conversation to continue (empty starts a new one)")
		listConvs    = flag.Bool("list", false, "list conversations and exit")
		showVersion  = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("agentchat %s (%s)\n", Version, GitCommit)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agentchat: %v\n", err)
		os.Exit(1)
	}
	if cfg.Backend.BaseURL == "" {
		fmt.Fprintln(os.Stderr, "agentchat: no backend configured (set backend.base_url or AGENTCHAT_BASE_URL)")
		os.Exit(1)
	}

	eng, err := engine.New(engine.Options{Config: cfg, AgentID: *agentID})
	if err != nil {
		fmt.Fprintf(os.Stderr, "agentchat: %v\n", err)
		os.Exit(1)
	}
	defer eng.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *listConvs {
		listConversations(ctx, eng)
		return
	}

	query := strings.TrimSpace(strings.Join(flag.Args(), " "))
	if query == "" {
		fmt.Fprintln(os.Stderr, "usage: agentchat [flags] <message>")
		os.Exit(2)
	}

	if err := send(ctx, eng, *conversation, query); err != nil {
		fmt.Fprintf(os.Stderr, "agentchat: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads the explicit path when given, the default chain otherwise.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromPath(path)
	}
	return config.Load()
}

// listConversations prints the merged conversation list, most recent first.
func listConversations(ctx context.Context, eng *engine.Engine) {
	convs, err := eng.RefreshConversations(ctx)
	if err != nil {
		// The local list still has value when the backend is unreachable.
		fmt.Fprintf(os.Stderr, "agentchat: could not refresh from server: %v\n", err)
		convs = eng.Conversations()
	}
	for _, c := range convs {
		ts := time.UnixMilli(c.Timestamp).Format("2006-01-02 15:04")
		fmt.Printf("%s  %s  %s\n", c.ID, ts, c.Title)
	}
}

// send runs one generation to completion and prints the answer.
// Interrupting cancels the generation and keeps the partial answer.
func send(ctx context.Context, eng *engine.Engine, conversationID, query string) error {
	res, err := eng.SendMessage(ctx, conversationID, query, nil)
	if err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		waitForFinal(eng, res.ConversationID, res.AssistantMessageID)
	}()

	select {
	case <-ctx.Done():
		eng.StopGeneration(context.Background())
		<-done
	case <-done:
	}

	for _, m := range eng.Messages(res.ConversationID) {
		if m.ID == res.AssistantMessageID {
			fmt.Println(m.Content)
			break
		}
	}
	fmt.Fprintf(os.Stderr, "[conversation %s]\n", res.ConversationID)
	return nil
}

// waitForFinal polls until the assistant message finalizes. The engine
// annotates and finalizes on every terminal path, so this always returns.
func waitForFinal(eng *engine.Engine, conversationID, messageID string) {
	for {
		for _, m := range eng.Messages(conversationID) {
			if m.ID == messageID && !m.IsStreaming {
				return
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
}
