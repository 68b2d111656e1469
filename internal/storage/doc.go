// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides the quota-aware persistence layer.
//
// The KV interface is the backend port, with two implementations: SQLiteKV
// (durable, embedded SQLite) and MemoryKV (ephemeral, for tests and
// in-memory sessions). Store layers JSON encoding and quota absorption on
// top: when a write trips the byte quota, transcripts are compacted down a
// ladder (trailing window, then wholesale drop) so that recent chat state
// keeps persisting under pressure while small metadata is never sacrificed.
//
// Key layout is flat, with family prefixes: "messages:<conversationID>" for
// per-conversation transcripts, "conversations:<agentID>" for conversation
// lists, and "current-conversation:<agentID>" for the active conversation
// pointer.
package storage
