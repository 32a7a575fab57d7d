// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/agentbridge/lib/netutil"
	"github.com/bureau-foundation/agentbridge/lib/ref"
	"github.com/bureau-foundation/agentbridge/lib/secret"
)

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	// HomeserverURL is the base URL of the Matrix homeserver
	// (e.g., "http://localhost:8008").
	HomeserverURL string
	// ASToken authenticates every request. The Client reads the
	// buffer but does not close it; the caller retains ownership.
	ASToken *secret.Buffer
	// HTTPClient is used for all requests. If nil, http.DefaultClient
	// is used.
	HTTPClient *http.Client
	// Logger is used for structured logging. If nil, slog.Default()
	// is used.
	Logger *slog.Logger
}

// Client is an application service Matrix client. Every request
// carries the as_token; calls that act on behalf of a virtual user
// take the acting user as an argument and add it as the user_id query
// parameter.
//
// Client is safe for concurrent use.
type Client struct {
	baseURL            string
	asToken            *secret.Buffer
	httpClient         *http.Client
	logger             *slog.Logger
	transactionCounter atomic.Int64
}

// NewClient creates a new application service client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.HomeserverURL == "" {
		return nil, fmt.Errorf("messaging: HomeserverURL is required")
	}
	if config.ASToken == nil {
		return nil, fmt.Errorf("messaging: ASToken is required")
	}

	// Validate the URL structure. We store the string form (with
	// trailing slash stripped) and build request URLs by direct
	// concatenation; see the package doc for why.
	if _, err := url.Parse(config.HomeserverURL); err != nil {
		return nil, fmt.Errorf("messaging: invalid HomeserverURL %q: %w", config.HomeserverURL, err)
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
		baseURL:    strings.TrimRight(config.HomeserverURL, "/"),
		asToken:    config.ASToken,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// CloseIdleConnections closes idle HTTP connections in the underlying
// transport's connection pool. Call after a network disruption to
// force fresh TCP connections.
func (c *Client) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}

// RegisterUser registers a virtual user with m.login.application_service
// authentication. If the user already exists the homeserver responds
// with M_USER_IN_USE; callers that want idempotent registration should
// treat that code as success via IsMatrixError.
func (c *Client) RegisterUser(ctx context.Context, localpart string) error {
	request := registerRequest{
		Type:     "m.login.application_service",
		Username: localpart,
	}
	_, err := c.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/register", ref.UserID{}, request)
	if err != nil {
		return fmt.Errorf("messaging: register %q failed: %w", localpart, err)
	}
	c.logger.Info("registered virtual user", "localpart", localpart)
	return nil
}

// SetDisplayName sets the display name of a virtual user, acting as
// that user.
func (c *Client) SetDisplayName(ctx context.Context, user ref.UserID, displayName string) error {
	path := fmt.Sprintf("/_matrix/client/v3/profile/%s/displayname", url.PathEscape(user.String()))
	_, err := c.doRequest(ctx, http.MethodPut, path, user, map[string]string{"displayname": displayName})
	if err != nil {
		return fmt.Errorf("messaging: set display name for %q failed: %w", user, err)
	}
	return nil
}

// SetPresence sets the presence state ("online", "offline",
// "unavailable") of a virtual user.
func (c *Client) SetPresence(ctx context.Context, user ref.UserID, presence string) error {
	path := fmt.Sprintf("/_matrix/client/v3/presence/%s/status", url.PathEscape(user.String()))
	_, err := c.doRequest(ctx, http.MethodPut, path, user, presenceRequest{Presence: presence})
	if err != nil {
		return fmt.Errorf("messaging: set presence for %q failed: %w", user, err)
	}
	return nil
}

// SetTyping starts or stops the typing indicator for a virtual user in
// a room. The timeout bounds how long the homeserver shows the
// indicator if it is not refreshed; it is only sent when typing is
// true.
func (c *Client) SetTyping(ctx context.Context, user ref.UserID, roomID ref.RoomID, typing bool, timeout time.Duration) error {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/typing/%s",
		url.PathEscape(roomID.String()),
		url.PathEscape(user.String()),
	)
	request := typingRequest{Typing: typing}
	if typing {
		request.Timeout = timeout.Milliseconds()
	}
	_, err := c.doRequest(ctx, http.MethodPut, path, user, request)
	if err != nil {
		return fmt.Errorf("messaging: set typing for %q in %q failed: %w", user, roomID, err)
	}
	return nil
}

// CreateRoom creates a new Matrix room, acting as the given user. A
// zero actingUser creates the room as the bridge bot.
func (c *Client) CreateRoom(ctx context.Context, actingUser ref.UserID, request CreateRoomRequest) (*CreateRoomResponse, error) {
	body, err := c.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/createRoom", actingUser, request)
	if err != nil {
		return nil, fmt.Errorf("messaging: create room failed: %w", err)
	}

	var response CreateRoomResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse createRoom response: %w", err)
	}

	c.logger.Info("created matrix room",
		"room_id", response.RoomID,
		"alias", request.Alias,
		"name", request.Name,
	)
	return &response, nil
}

// ResolveAlias resolves a room alias (e.g., "#agents:bridge.local") to
// a room ID. Returns a *MatrixError with code M_NOT_FOUND if the alias
// does not exist.
func (c *Client) ResolveAlias(ctx context.Context, alias ref.RoomAlias) (ref.RoomID, error) {
	path := "/_matrix/client/v3/directory/room/" + url.PathEscape(alias.String())
	body, err := c.doRequest(ctx, http.MethodGet, path, ref.UserID{}, nil)
	if err != nil {
		return ref.RoomID{}, fmt.Errorf("messaging: resolve alias %q failed: %w", alias, err)
	}

	var response struct {
		RoomID ref.RoomID `json:"room_id"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return ref.RoomID{}, fmt.Errorf("messaging: failed to parse alias response: %w", err)
	}
	return response.RoomID, nil
}

// JoinRoom joins a room as the given user. Returns the room ID.
func (c *Client) JoinRoom(ctx context.Context, actingUser ref.UserID, roomID ref.RoomID) (ref.RoomID, error) {
	path := "/_matrix/client/v3/join/" + url.PathEscape(roomID.String())
	body, err := c.doRequest(ctx, http.MethodPost, path, actingUser, struct{}{})
	if err != nil {
		return ref.RoomID{}, fmt.Errorf("messaging: join room %s as %q failed: %w", roomID, actingUser, err)
	}

	var response struct {
		RoomID ref.RoomID `json:"room_id"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return ref.RoomID{}, fmt.Errorf("messaging: failed to parse join response: %w", err)
	}
	return response.RoomID, nil
}

// LeaveRoom leaves a room as the given user.
func (c *Client) LeaveRoom(ctx context.Context, actingUser ref.UserID, roomID ref.RoomID) error {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/leave", url.PathEscape(roomID.String()))
	_, err := c.doRequest(ctx, http.MethodPost, path, actingUser, struct{}{})
	if err != nil {
		return fmt.Errorf("messaging: leave room %s as %q failed: %w", roomID, actingUser, err)
	}
	return nil
}

// JoinedRooms returns the rooms the given user has joined.
func (c *Client) JoinedRooms(ctx context.Context, actingUser ref.UserID) ([]ref.RoomID, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/joined_rooms", actingUser, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: joined rooms for %q failed: %w", actingUser, err)
	}

	var response struct {
		JoinedRooms []ref.RoomID `json:"joined_rooms"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse joined_rooms response: %w", err)
	}
	return response.JoinedRooms, nil
}

// JoinedMembers returns the current members of a room, acting as the
// given user. The acting user must be in the room.
func (c *Client) JoinedMembers(ctx context.Context, actingUser ref.UserID, roomID ref.RoomID) (map[ref.UserID]RoomMember, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/joined_members", url.PathEscape(roomID.String()))
	body, err := c.doRequest(ctx, http.MethodGet, path, actingUser, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: joined members of %s failed: %w", roomID, err)
	}

	var response struct {
		Joined map[ref.UserID]RoomMember `json:"joined"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse joined_members response: %w", err)
	}
	return response.Joined, nil
}

// SendMessage sends an m.room.message event to a room as the given
// user. Returns the event ID.
func (c *Client) SendMessage(ctx context.Context, actingUser ref.UserID, roomID ref.RoomID, content MessageContent) (ref.EventID, error) {
	return c.SendEvent(ctx, actingUser, roomID, "m.room.message", content)
}

// SendEvent sends an event of any type to a room as the given user.
// Uses Matrix's idempotent PUT with a transaction ID. Returns the
// event ID.
func (c *Client) SendEvent(ctx context.Context, actingUser ref.UserID, roomID ref.RoomID, eventType ref.EventType, content any) (ref.EventID, error) {
	transactionID := c.nextTransactionID()
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/send/%s/%s",
		url.PathEscape(roomID.String()),
		url.PathEscape(eventType.String()),
		url.PathEscape(transactionID),
	)

	body, err := c.doRequest(ctx, http.MethodPut, path, actingUser, content)
	if err != nil {
		return ref.EventID{}, fmt.Errorf("messaging: send event to %q failed: %w", roomID, err)
	}

	var response SendEventResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return ref.EventID{}, fmt.Errorf("messaging: failed to parse send response: %w", err)
	}
	return response.EventID, nil
}

// SendStateEvent sends a state event to a room as the given user.
// Returns the event ID.
func (c *Client) SendStateEvent(ctx context.Context, actingUser ref.UserID, roomID ref.RoomID, eventType ref.EventType, stateKey string, content any) (ref.EventID, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/state/%s/%s",
		url.PathEscape(roomID.String()),
		url.PathEscape(eventType.String()),
		url.PathEscape(stateKey),
	)

	body, err := c.doRequest(ctx, http.MethodPut, path, actingUser, content)
	if err != nil {
		return ref.EventID{}, fmt.Errorf("messaging: send state event to %q failed: %w", roomID, err)
	}

	var response SendEventResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return ref.EventID{}, fmt.Errorf("messaging: failed to parse send state response: %w", err)
	}
	return response.EventID, nil
}

// GetStateEvent fetches a specific state event's content from a room.
// Returns the raw JSON content; the caller unmarshals into the
// appropriate type. If the state event does not exist, returns a
// *MatrixError with code M_NOT_FOUND.
func (c *Client) GetStateEvent(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, stateKey string) (json.RawMessage, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/state/%s/%s",
		url.PathEscape(roomID.String()),
		url.PathEscape(eventType.String()),
		url.PathEscape(stateKey),
	)

	body, err := c.doRequest(ctx, http.MethodGet, path, ref.UserID{}, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: get state event %s/%s in %q failed: %w", eventType, stateKey, roomID, err)
	}
	return json.RawMessage(body), nil
}

// nextTransactionID generates a unique transaction ID for idempotent
// event sending. Format: "agentbridge-<timestamp_ms>-<counter>" to
// ensure uniqueness across restarts.
func (c *Client) nextTransactionID() string {
	counter := c.transactionCounter.Add(1)
	return fmt.Sprintf("agentbridge-%d-%d", time.Now().UnixMilli(), counter)
}

// doRequest performs an HTTP request to the homeserver and returns the
// response body. On 2xx, returns the body. On 4xx/5xx, returns the
// body alongside a *MatrixError. A non-zero actingUser is added as the
// user_id query parameter for appservice impersonation.
func (c *Client) doRequest(ctx context.Context, method, path string, actingUser ref.UserID, requestBody any, query ...url.Values) ([]byte, error) {
	values := url.Values{}
	if len(query) > 0 && query[0] != nil {
		values = query[0]
	}
	if !actingUser.IsZero() {
		values.Set("user_id", actingUser.String())
	}

	requestURL := c.baseURL + path
	if len(values) > 0 {
		requestURL += "?" + values.Encode()
	}

	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return nil, fmt.Errorf("messaging: failed to encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("messaging: failed to create request: %w", err)
	}

	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	request.Header.Set("Authorization", "Bearer "+c.asToken.String())

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("messaging: request to %s %s failed: %w", method, path, err)
	}
	defer response.Body.Close()

	responseBody, err := netutil.ReadResponse(response.Body)
	if err != nil {
		return nil, fmt.Errorf("messaging: failed to read response body: %w", err)
	}

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return responseBody, nil
	}

	// All Matrix error responses use the same JSON shape.
	var matrixErr MatrixError
	if jsonErr := json.Unmarshal(responseBody, &matrixErr); jsonErr != nil {
		// Non-JSON error from a spec-compliant server should not
		// happen; fail loud with the raw body.
		return nil, fmt.Errorf("messaging: unexpected %d response from %s %s: %s",
			response.StatusCode, method, path, string(responseBody))
	}
	matrixErr.StatusCode = response.StatusCode

	return responseBody, &matrixErr
}
