// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package boards

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/bureau-foundation/agentbridge/lib/netutil"
	"github.com/bureau-foundation/agentbridge/lib/secret"
)

// CapabilityAgentInput is the board capability that marks a board as
// having an invocable agent.
const CapabilityAgentInput = "agent_input"

// Board describes one board in the backend.
type Board struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	ChatVisible  bool     `json:"chat_visible"`
	Capabilities []string `json:"capabilities"`
}

// HasAgentInput reports whether the board's agent can be invoked.
func (b Board) HasAgentInput() bool {
	for _, capability := range b.Capabilities {
		if capability == CapabilityAgentInput {
			return true
		}
	}
	return false
}

// Eligible reports whether the board should be projected into the
// chat homeserver: chat-visible with an invocable agent.
func (b Board) Eligible() bool {
	return b.ChatVisible && b.HasAgentInput()
}

// BackendError is a non-2xx response from the backend. The body is
// included for diagnostics.
type BackendError struct {
	StatusCode int
	Body       string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend: unexpected status %d: %s", e.StatusCode, e.Body)
}

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	// BaseURL is the backend's base URL (e.g., "http://localhost:3000").
	BaseURL string
	// Token authenticates requests. Optional; when nil no token
	// parameter is sent. The Client reads the buffer but does not
	// close it.
	Token *secret.Buffer
	// HTTPClient is used for all requests. If nil, http.DefaultClient
	// is used. Agent invocations can run for minutes; the caller
	// bounds them with the request context, not a client timeout.
	HTTPClient *http.Client
	// Logger is used for structured logging. If nil, slog.Default()
	// is used.
	Logger *slog.Logger
}

// Client talks to the board automation backend.
//
// Client is safe for concurrent use.
type Client struct {
	baseURL    string
	token      *secret.Buffer
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new backend client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("boards: BaseURL is required")
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("boards: invalid BaseURL %q: %w", config.BaseURL, err)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		token:      config.Token,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// List fetches all boards, including boards hidden from chat. Callers
// filter with Board.Eligible.
func (c *Client) List(ctx context.Context) ([]Board, error) {
	query := url.Values{}
	query.Set("all", "true")

	body, err := c.get(ctx, "/api/boards", query)
	if err != nil {
		return nil, fmt.Errorf("boards: listing boards: %w", err)
	}

	// The backend wraps the list in {"boards": [...]} in newer
	// versions and returns a bare array in older ones.
	var wrapped struct {
		Boards []Board `json:"boards"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Boards != nil {
		return wrapped.Boards, nil
	}

	var list []Board
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("boards: failed to parse board list: %w", err)
	}
	return list, nil
}

// InvokeRequest is one agent invocation.
type InvokeRequest struct {
	// BoardID selects which board's agent to invoke.
	BoardID string
	// Message is the text passed to the agent.
	Message string
	// Sender is the Matrix user ID of the human who triggered the
	// invocation.
	Sender string
	// RoomID is the Matrix room the invocation originated from.
	RoomID string
}

// Invoke calls a board's agent synchronously and returns the reply as
// plain text. The call runs until the agent answers or ctx is
// cancelled; bound it with a deadline-carrying context.
func (c *Client) Invoke(ctx context.Context, request InvokeRequest) (string, error) {
	if request.BoardID == "" {
		return "", fmt.Errorf("boards: BoardID is required")
	}

	query := url.Values{}
	query.Set("message", request.Message)
	if request.Sender != "" {
		query.Set("sender", request.Sender)
	}
	if request.RoomID != "" {
		query.Set("roomId", request.RoomID)
	}

	path := "/api/agents/" + url.PathEscape(request.BoardID) + "/agent_input"
	body, err := c.get(ctx, path, query)
	if err != nil {
		return "", fmt.Errorf("boards: invoking agent for board %q: %w", request.BoardID, err)
	}

	reply := ExtractReply(body)
	if reply == "" {
		return "", fmt.Errorf("boards: agent for board %q returned an empty reply", request.BoardID)
	}
	return reply, nil
}

// get performs a GET request with the token appended and returns the
// body. Non-2xx responses become *BackendError.
func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	if c.token != nil {
		query.Set("token", c.token.String())
	}

	requestURL := c.baseURL + path
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return nil, &BackendError{
			StatusCode: response.StatusCode,
			Body:       netutil.ErrorBody(response.Body),
		}
	}

	return netutil.ReadResponse(response.Body)
}

// ExtractReply normalizes an agent response body to plain text. The
// pipeline behind a board may answer with a bare string, an
// OpenAI-style completion, or an ad-hoc envelope; the fields are
// probed in a fixed order:
//
//  1. "response"
//  2. "choices.0.message.content"
//  3. "message"
//  4. "result"
//
// A JSON string body is unquoted. Anything that is not valid JSON is
// returned as-is, trimmed.
func ExtractReply(body []byte) string {
	text := strings.TrimSpace(string(body))
	if !gjson.Valid(text) {
		return text
	}

	parsed := gjson.Parse(text)
	if parsed.Type == gjson.String {
		return strings.TrimSpace(parsed.String())
	}

	for _, field := range []string{"response", "choices.0.message.content", "message", "result"} {
		if value := parsed.Get(field); value.Exists() && value.Type == gjson.String {
			if reply := strings.TrimSpace(value.String()); reply != "" {
				return reply
			}
		}
	}

	// Valid JSON with no recognized field: hand the raw text to the
	// room rather than dropping the reply.
	return text
}
