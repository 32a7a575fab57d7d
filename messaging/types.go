// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"encoding/json"

	"github.com/bureau-foundation/agentbridge/lib/ref"
)

// CreateRoomRequest holds the parameters for creating a Matrix room.
type CreateRoomRequest struct {
	// Visibility is "public" or "private". Default (empty) is private.
	Visibility string `json:"visibility,omitempty"`
	// Alias is the desired room alias localpart (without # or server).
	Alias string `json:"room_alias_name,omitempty"`
	// Name is the room display name.
	Name string `json:"name,omitempty"`
	// Topic is the room topic.
	Topic string `json:"topic,omitempty"`
	// Preset is "private_chat", "public_chat", or "trusted_private_chat".
	Preset string `json:"preset,omitempty"`
	// Invite lists user IDs to invite on creation.
	Invite []ref.UserID `json:"invite,omitempty"`
	// IsDirect marks the room as a direct chat.
	IsDirect bool `json:"is_direct,omitempty"`
	// InitialState lists state events applied at creation, before
	// anything the preset implies.
	InitialState []StateEventInput `json:"initial_state,omitempty"`
}

// StateEventInput is a state event included in a createRoom request.
type StateEventInput struct {
	Type     string          `json:"type"`
	StateKey string          `json:"state_key"`
	Content  json.RawMessage `json:"content"`
}

// CreateRoomResponse is the homeserver's response to createRoom.
type CreateRoomResponse struct {
	RoomID ref.RoomID `json:"room_id"`
}

// SendEventResponse is the homeserver's response to sending an event.
type SendEventResponse struct {
	EventID ref.EventID `json:"event_id"`
}

// MessageContent is the content of an m.room.message event.
type MessageContent struct {
	MsgType string `json:"msgtype"`
	Body    string `json:"body"`
}

// NewTextMessage creates an m.text message.
func NewTextMessage(body string) MessageContent {
	return MessageContent{MsgType: "m.text", Body: body}
}

// NewNotice creates an m.notice message. Notices are rendered
// differently by clients and, by convention, bots do not respond to
// them.
func NewNotice(body string) MessageContent {
	return MessageContent{MsgType: "m.notice", Body: body}
}

// Event is a Matrix event as delivered in an appservice transaction or
// fetched from room state.
type Event struct {
	Type           ref.EventType   `json:"type"`
	EventID        ref.EventID     `json:"event_id,omitempty"`
	Sender         ref.UserID      `json:"sender,omitempty"`
	RoomID         ref.RoomID      `json:"room_id,omitempty"`
	StateKey       *string         `json:"state_key,omitempty"`
	Content        json.RawMessage `json:"content,omitempty"`
	OriginServerTS int64           `json:"origin_server_ts,omitempty"`
}

// Transaction is the body of a homeserver transaction push
// (PUT /_matrix/app/v1/transactions/{txnId}).
type Transaction struct {
	Events []Event `json:"events"`
}

// MembershipContent is the content of an m.room.member event.
type MembershipContent struct {
	Membership  string `json:"membership"`
	DisplayName string `json:"displayname,omitempty"`
}

// Membership values for m.room.member events.
const (
	MembershipInvite = "invite"
	MembershipJoin   = "join"
	MembershipLeave  = "leave"
	MembershipBan    = "ban"
)

// RoomMember describes one member in a joined_members response.
type RoomMember struct {
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// RoomNameContent is the content of an m.room.name state event.
type RoomNameContent struct {
	Name string `json:"name"`
}

// CanonicalAliasContent is the content of an m.room.canonical_alias
// state event.
type CanonicalAliasContent struct {
	Alias string `json:"alias"`
}

// presenceRequest is the body of PUT /presence/{userId}/status.
type presenceRequest struct {
	Presence  string `json:"presence"`
	StatusMsg string `json:"status_msg,omitempty"`
}

// typingRequest is the body of PUT /rooms/{roomId}/typing/{userId}.
// Timeout is in milliseconds and only meaningful when Typing is true.
type typingRequest struct {
	Typing  bool  `json:"typing"`
	Timeout int64 `json:"timeout,omitempty"`
}

// registerRequest is the body of the appservice register call.
type registerRequest struct {
	Type     string `json:"type"`
	Username string `json:"username"`
}
