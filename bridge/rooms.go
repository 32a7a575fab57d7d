// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bureau-foundation/agentbridge/lib/ref"
	"github.com/bureau-foundation/agentbridge/messaging"
)

// RoomManager owns the broadcast room and agent room membership.
type RoomManager struct {
	client  *messaging.Client
	state   *State
	logger  *slog.Logger
	botUser ref.UserID
	alias   ref.RoomAlias

	mu              sync.Mutex
	broadcastRoom   ref.RoomID
	createAttempted bool
}

// NewRoomManager creates a RoomManager. botUser is the bridge bot that
// creates and anchors the broadcast room; alias is the broadcast
// room's canonical alias.
func NewRoomManager(client *messaging.Client, state *State, botUser ref.UserID, alias ref.RoomAlias, logger *slog.Logger) *RoomManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &RoomManager{
		client:  client,
		state:   state,
		logger:  logger,
		botUser: botUser,
		alias:   alias,
	}
}

// EnsureBroadcastRoom resolves the broadcast room alias, creating the
// room if it does not exist. The result is memoized; concurrent and
// repeated calls after the first success are cheap. Alias resolution
// failures are retried on later calls, but creation is attempted at
// most once per process: a failed create is terminal until restart.
func (m *RoomManager) EnsureBroadcastRoom(ctx context.Context) (ref.RoomID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.broadcastRoom.IsZero() {
		return m.broadcastRoom, nil
	}

	roomID, err := m.client.ResolveAlias(ctx, m.alias)
	if err == nil {
		m.broadcastRoom = roomID
		return roomID, nil
	}
	if !messaging.IsMatrixError(err, messaging.ErrCodeNotFound) {
		return ref.RoomID{}, fmt.Errorf("bridge: resolving broadcast alias: %w", err)
	}

	if m.createAttempted {
		return ref.RoomID{}, fmt.Errorf("bridge: broadcast room creation already failed this process")
	}
	m.createAttempted = true

	response, err := m.client.CreateRoom(ctx, m.botUser, messaging.CreateRoomRequest{
		Visibility: "public",
		Preset:     "public_chat",
		Alias:      m.alias.Localpart(),
		Name:       "Agents",
		Topic:      "Broadcast room for board agents",
		InitialState: []messaging.StateEventInput{{
			Type:    "m.room.history_visibility",
			Content: json.RawMessage(`{"history_visibility":"shared"}`),
		}},
	})
	if err != nil {
		// Another process may have won the creation race.
		if messaging.IsMatrixError(err, messaging.ErrCodeRoomInUse) {
			roomID, resolveErr := m.client.ResolveAlias(ctx, m.alias)
			if resolveErr != nil {
				return ref.RoomID{}, fmt.Errorf("bridge: resolving broadcast alias after create race: %w", resolveErr)
			}
			m.broadcastRoom = roomID
			return roomID, nil
		}
		return ref.RoomID{}, fmt.Errorf("bridge: creating broadcast room: %w", err)
	}

	m.broadcastRoom = response.RoomID
	m.logger.Info("created broadcast room",
		"room_id", response.RoomID,
		"alias", m.alias,
	)
	return response.RoomID, nil
}

// BroadcastRoomID returns the broadcast room if it has been resolved.
func (m *RoomManager) BroadcastRoomID() (ref.RoomID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.broadcastRoom, !m.broadcastRoom.IsZero()
}

// IsBroadcastRoom reports whether roomID is the broadcast room.
func (m *RoomManager) IsBroadcastRoom(roomID ref.RoomID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.broadcastRoom.IsZero() && m.broadcastRoom == roomID
}

// JoinBroadcastRoom joins an agent to the broadcast room. Idempotent:
// agents already marked as members are skipped.
func (m *RoomManager) JoinBroadcastRoom(ctx context.Context, agent *Agent) error {
	if m.state.IsBroadcastMember(agent.UserID) {
		return nil
	}

	roomID, err := m.EnsureBroadcastRoom(ctx)
	if err != nil {
		return err
	}

	if _, err := m.client.JoinRoom(ctx, agent.UserID, roomID); err != nil {
		return fmt.Errorf("bridge: joining %q to broadcast room: %w", agent.UserID, err)
	}
	m.state.MarkBroadcastMember(agent.UserID)
	return nil
}

// JoinRoom joins an agent to an arbitrary room (typically accepting a
// DM invite).
func (m *RoomManager) JoinRoom(ctx context.Context, agent *Agent, roomID ref.RoomID) error {
	if _, err := m.client.JoinRoom(ctx, agent.UserID, roomID); err != nil {
		return fmt.Errorf("bridge: joining %q to %s: %w", agent.UserID, roomID, err)
	}
	return nil
}

// LeaveAllRooms removes an agent from every room it has joined.
// Best-effort: individual leave failures are logged and skipped so a
// single dead room cannot strand the removal.
func (m *RoomManager) LeaveAllRooms(ctx context.Context, agent *Agent) {
	rooms, err := m.client.JoinedRooms(ctx, agent.UserID)
	if err != nil {
		m.logger.Warn("listing rooms for departing agent failed",
			"agent", agent.UserID,
			"error", err,
		)
		return
	}

	for _, roomID := range rooms {
		if err := m.client.LeaveRoom(ctx, agent.UserID, roomID); err != nil {
			m.logger.Warn("agent failed to leave room",
				"agent", agent.UserID,
				"room_id", roomID,
				"error", err,
			)
		}
	}
}
