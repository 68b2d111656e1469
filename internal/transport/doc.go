// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package transport talks to the chat backend: the streaming generation
// endpoint plus the REST surface around it (conversations, history, upload,
// feedback).
//
// The client owns the single in-flight generation slot. Start opens an SSE
// stream and drives the stream package's parser on a goroutine; Cancel
// aborts locally first, then notifies the backend to stop the server-side
// task with one retry. Failures are classified into a small set of
// user-facing categories; streaming requests are never retried, since
// partial output may already have been delivered.
package transport
