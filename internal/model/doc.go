// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and messages.
//
// The central type is Message, a single transcript entry that accumulates
// streamed content chunks while IsStreaming is true and freezes its content
// once finalized. Conversation is the denormalized per-conversation summary
// used by list views, and FileRef describes message attachments that resolve
// either to a server URL or to a local object handle.
//
// All types in this package are plain values with no I/O; persistence and
// concurrency control live in the repo and storage packages.
package model
