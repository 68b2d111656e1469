// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package blobcache manages ephemeral binary object handles for attachment
// previews.
//
// A handle is a revocable mem:// URL backed by in-memory bytes, analogous to
// a temporary file descriptor. Entries are reference counted so a handle
// shared between an upload in progress and the transcript survives either
// holder going away. Reclamation is sweep-driven: a periodic pass revokes
// unreferenced idle entries, ages out everything past an absolute lifetime,
// and enforces a hard LRU entry ceiling.
package blobcache
