// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/time/rate"
)

// Configuration constants for the backend API.
const (
	// DefaultTimeout is the default timeout for non-streaming requests.
	DefaultTimeout = 30 * time.Second

	// AnonymousUser is the user identifier sent when no identity is known.
	AnonymousUser = "-1"

	// MaxResponseSize is the maximum allowed response body size.
	// SECURITY: Response size limit prevents memory exhaustion.
	MaxResponseSize = 10 * 1024 * 1024 // 10MB

	// Send throttling: bursts of two requests, refilling once per second,
	// absorb rapid cancel-and-resend cycles without hammering the backend.
	sendRatePerSecond = 1
	sendBurst         = 2
)

var (
	// PERFORMANCE: Connection pooling reduces TCP handshake overhead.
	// SECURITY: TLS 1.2+ with verification required.
	sharedHTTPClient = &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		},
		Timeout: DefaultTimeout,
	}

	// sharedStreamingClient is used for streaming requests (no timeout,
	// context-controlled).
	sharedStreamingClient = &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		},
		// No timeout for streaming - controlled via context
	}
)

// =============================================================================
// CLIENT
// =============================================================================

// Options configures a Client.
type Options struct {
	// BaseURL is the backend API root, e.g. "https://host/api/dify".
	BaseURL string

	// Token is the bearer token. Empty is allowed; the backend then treats
	// the caller as unauthenticated.
	Token string

	// User is the stable user identifier threaded through every call.
	// Empty falls back to AnonymousUser.
	User string

	// AgentType is the agent discriminator header value.
	AgentType string

	// Language is a BCP 47 tag ("en-US", "zh-Hans", ...) normalized to the
	// backend's two supported values.
	Language string

	// HTTPClient and StreamingClient override the shared pooled clients,
	// used by tests.
	HTTPClient      *http.Client
	StreamingClient *http.Client
}

// Client talks to the chat backend. It owns the single in-flight generation
// slot: at most one streaming session exists at a time, guarded by a mutex
// since callers run on real threads.
type Client struct {
	baseURL   string
	token     string
	user      string
	agentType string
	language  string

	httpClient      *http.Client
	streamingClient *http.Client
	limiter         *rate.Limiter

	mu      sync.Mutex
	current *Session
}

// NewClient creates a client for the given backend.
func NewClient(opts Options) *Client {
	user := opts.User
	if user == "" {
		user = AnonymousUser
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = sharedHTTPClient
	}
	streamingClient := opts.StreamingClient
	if streamingClient == nil {
		streamingClient = sharedStreamingClient
	}
	return &Client{
		baseURL:         strings.TrimRight(opts.BaseURL, "/"),
		token:           strings.TrimSpace(opts.Token),
		user:            user,
		agentType:       opts.AgentType,
		language:        NormalizeLanguage(opts.Language),
		httpClient:      httpClient,
		streamingClient: streamingClient,
		limiter:         rate.NewLimiter(rate.Limit(sendRatePerSecond), sendBurst),
	}
}

// User returns the user identifier this client sends.
func (c *Client) User() string {
	return c.user
}

// supportedLanguages is what the backend's language header accepts.
var supportedLanguages = language.NewMatcher([]language.Tag{
	language.Chinese, // default
	language.English,
})

// NormalizeLanguage maps an arbitrary BCP 47 tag onto the backend's
// supported language header values ("zh" or "en").
func NormalizeLanguage(tag string) string {
	parsed, err := language.Parse(tag)
	if err != nil {
		return "zh"
	}
	// Match always yields an index; an unsupported tag comes back with
	// confidence language.No and must fall through to the default.
	_, index, conf := supportedLanguages.Match(parsed)
	if conf == language.No {
		return "zh"
	}
	if index == 1 {
		return "en"
	}
	return "zh"
}

// setHeaders applies the standard request headers.
func (c *Client) setHeaders(req *http.Request, withContentType bool) {
	if withContentType {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("language", c.language)
	if c.agentType != "" {
		req.Header.Set("agentType", c.agentType)
	}
}

// =============================================================================
// REQUEST PLUMBING
// =============================================================================

// doJSON performs a non-streaming request and decodes the response into out
// (skipped when out is nil). Non-2xx responses are classified.
func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req, body != nil)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Classify(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize))
	if err != nil {
		return Classify(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classifyResponse(resp.StatusCode, respBody)
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
