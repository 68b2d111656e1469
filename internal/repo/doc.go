// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package repo holds the in-memory conversation transcripts and their
// write-behind persistence.
//
// The repository is the single mutation point for messages: user appends,
// streaming placeholder creation, chunk accumulation, finalization, history
// hydration, and conversation deletion all go through it under one mutex.
// Persistence is debounced and quota-absorbed through the storage package;
// a flush failure degrades the local cache, never the live transcript.
package repo
