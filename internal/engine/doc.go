// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package engine ties the session pieces together: the message repository,
// the backend transport, the object-handle cache, and the persistent store.
//
// It exposes the operations a chat surface needs (send, stop, history,
// conversation management, attachments) and enforces the cross-cutting
// rules: one generation in flight, stream failures annotated into the
// affected message, local state reclaimed even when the backend is
// unreachable.
package engine
