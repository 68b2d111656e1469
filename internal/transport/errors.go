// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
)

// =============================================================================
// ERROR CATEGORIES
// =============================================================================

// Category is the user-facing classification of a backend failure. Streaming
// requests are never retried automatically, whatever the category: partial
// output may already have been appended, so a replay would duplicate it.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryNetwork
	CategoryTimeout
	CategoryAuth
	CategoryForbidden
	CategoryNotFound
	CategoryServer
	CategoryBadRequest
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryNetwork:
		return "network"
	case CategoryTimeout:
		return "timeout"
	case CategoryAuth:
		return "auth"
	case CategoryForbidden:
		return "forbidden"
	case CategoryNotFound:
		return "not-found"
	case CategoryServer:
		return "server"
	case CategoryBadRequest:
		return "bad-request"
	default:
		return "unknown"
	}
}

// userMessage is the annotation text shown in the transcript for a failure
// of this category.
func (c Category) userMessage() string {
	switch c {
	case CategoryNetwork:
		return "connection interrupted, please try again later"
	case CategoryTimeout:
		return "request timed out, please try again later"
	case CategoryAuth:
		return "authentication failed"
	case CategoryForbidden:
		return "access denied"
	case CategoryNotFound:
		return "resource not found"
	case CategoryServer:
		return "server error, please try again later"
	case CategoryBadRequest:
		return "invalid request"
	default:
		return "request failed, please try again later"
	}
}

// =============================================================================
// BACKEND ERROR
// =============================================================================

// ErrEmptyQuery indicates a chat request with no query text.
var ErrEmptyQuery = errors.New("query must not be empty")

// BackendError represents a classified failure talking to the backend.
type BackendError struct {
	Category Category
	Status   int
	Message  string
}

// Error implements the error interface.
func (e *BackendError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("backend error [%s] (HTTP %d): %s", e.Category, e.Status, e.Message)
	}
	return fmt.Sprintf("backend error [%s]: %s", e.Category, e.Message)
}

// UserMessage returns the transcript annotation text for this error.
func (e *BackendError) UserMessage() string {
	return e.Category.userMessage()
}

// apiErrorResponse is the backend's error body shape. Field names vary by
// endpoint, so several are probed.
type apiErrorResponse struct {
	Message string `json:"message"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}

// classifyStatus maps an HTTP status to a category.
func classifyStatus(status int) Category {
	switch {
	case status == http.StatusUnauthorized:
		return CategoryAuth
	case status == http.StatusForbidden:
		return CategoryForbidden
	case status == http.StatusNotFound:
		return CategoryNotFound
	case status == http.StatusRequestTimeout:
		return CategoryTimeout
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return CategoryBadRequest
	case status >= 500:
		return CategoryServer
	default:
		return CategoryUnknown
	}
}

// classifyResponse builds a BackendError from a non-2xx response body.
func classifyResponse(status int, body []byte) *BackendError {
	msg := ""
	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil {
		switch {
		case apiErr.Message != "":
			msg = apiErr.Message
		case apiErr.Error != "":
			msg = apiErr.Error
		}
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &BackendError{Category: classifyStatus(status), Status: status, Message: msg}
}

// Classify wraps a transport-level failure in a BackendError. Status-coded
// errors keep their classification; everything else is inspected for
// timeout/network signatures.
func Classify(err error) *BackendError {
	var be *BackendError
	if errors.As(err, &be) {
		return be
	}

	cat := CategoryUnknown
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		cat = CategoryTimeout
	case isTimeout(err):
		cat = CategoryTimeout
	case isNetworkError(err):
		cat = CategoryNetwork
	}
	return &BackendError{Category: cat, Message: err.Error()}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isNetworkError(err error) bool {
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	// A url.Error that is not a timeout is a connection-level failure.
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
