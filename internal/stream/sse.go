// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
)

// STREAMING: Robust SSE parsing with error handling

// MaxEventSize is the maximum allowed size for a single SSE event (64KB).
const MaxEventSize = 64 * 1024

// =============================================================================
// SSE READER
// =============================================================================

// SSEReader parses Server-Sent Events from a stream.
type SSEReader struct {
	reader *bufio.Reader
}

// NewSSEReader creates a new SSE reader from an io.Reader.
func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{
		reader: bufio.NewReader(r),
	}
}

// ReadEvent reads the next SSE event from the stream.
// Returns the event type, data, and any error.
// Returns io.EOF when the stream ends.
func (s *SSEReader) ReadEvent() (string, []byte, error) {
	var eventType string
	var dataLines [][]byte
	total := 0

	for {
		// ReadBytes can return a partial line together with io.EOF when the
		// stream ends without a trailing newline; process the line first so
		// a truncated final frame is not dropped.
		line, err := s.reader.ReadBytes('\n')
		if len(line) > 0 {
			total += len(line)
			if total > MaxEventSize {
				return "", nil, fmt.Errorf("sse event too large: %d bytes", total)
			}

			// Trim trailing newline and carriage return
			line = bytes.TrimRight(line, "\r\n")

			switch {
			case len(line) == 0:
				// Empty line signals end of event
				if len(dataLines) > 0 {
					return eventType, bytes.Join(dataLines, []byte("\n")), nil
				}
			case bytes.HasPrefix(line, []byte("event:")):
				eventType = string(bytes.TrimSpace(line[6:]))
			case bytes.HasPrefix(line, []byte("data:")):
				dataLines = append(dataLines, bytes.TrimSpace(line[5:]))
			}
			// Ignore other fields (id:, retry:, comments starting with :)
		}

		if err != nil {
			if err == io.EOF {
				// If we have data, return it before EOF
				if len(dataLines) > 0 {
					return eventType, bytes.Join(dataLines, []byte("\n")), nil
				}
				return "", nil, io.EOF
			}
			return "", nil, err
		}
	}
}
