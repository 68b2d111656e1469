// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package stream parses the backend's Server-Sent Events chat stream.
//
// The package has three layers: SSEReader splits the raw byte stream into
// events, decodeEvent turns one event payload into a typed Event, and Parser
// runs the per-generation state machine (idle, thinking, answering, then a
// terminal done or error state) and dispatches Callbacks.
//
// The parser is deliberately forgiving about event names the backend may add
// in the future: unknown events that carry a content field are treated as
// chunks, and everything else is ignored. Error events and undecodable
// payloads are strict and always terminate the stream.
package stream
