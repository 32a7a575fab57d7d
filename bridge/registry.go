// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bureau-foundation/agentbridge/boards"
	"github.com/bureau-foundation/agentbridge/lib/ref"
	"github.com/bureau-foundation/agentbridge/messaging"
)

// Registry keeps the virtual user fleet in step with the backend's
// board list.
type Registry struct {
	client  *messaging.Client
	backend *boards.Client
	state   *State
	rooms   *RoomManager
	server  ref.ServerName
	logger  *slog.Logger
}

// NewRegistry creates a Registry.
func NewRegistry(client *messaging.Client, backend *boards.Client, state *State, rooms *RoomManager, server ref.ServerName, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		client:  client,
		backend: backend,
		state:   state,
		rooms:   rooms,
		server:  server,
		logger:  logger,
	}
}

// SyncAgents fetches the board list and provisions an agent for every
// eligible board. Boards that fail to provision are logged and
// skipped; the sync continues so one bad board cannot block the fleet.
func (r *Registry) SyncAgents(ctx context.Context) error {
	boardList, err := r.backend.List(ctx)
	if err != nil {
		return fmt.Errorf("bridge: syncing agents: %w", err)
	}

	var provisioned int
	for _, board := range boardList {
		if !board.Eligible() {
			continue
		}
		if _, err := r.EnsureAgent(ctx, board); err != nil {
			r.logger.Error("provisioning agent failed",
				"board_id", board.ID,
				"board_title", board.Title,
				"error", err,
			)
			continue
		}
		provisioned++
	}

	r.logger.Info("agent sync complete",
		"boards", len(boardList),
		"agents", provisioned,
	)
	return nil
}

// SyncAgentsWithCleanup runs SyncAgents and then removes agents whose
// boards have disappeared or become ineligible.
func (r *Registry) SyncAgentsWithCleanup(ctx context.Context) error {
	boardList, err := r.backend.List(ctx)
	if err != nil {
		return fmt.Errorf("bridge: syncing agents: %w", err)
	}

	eligible := make(map[string]bool, len(boardList))
	for _, board := range boardList {
		if !board.Eligible() {
			continue
		}
		eligible[board.ID] = true
		if _, err := r.EnsureAgent(ctx, board); err != nil {
			r.logger.Error("provisioning agent failed",
				"board_id", board.ID,
				"error", err,
			)
		}
	}

	var removeErrs []error
	for _, agent := range r.state.Agents() {
		if eligible[agent.BoardID] {
			continue
		}
		if err := r.RemoveAgent(ctx, agent.BoardID); err != nil {
			removeErrs = append(removeErrs, err)
		}
	}
	return errors.Join(removeErrs...)
}

// EnsureAgent provisions the virtual user for a board: registers the
// account (treating an existing account as success), sets display name
// and presence, and joins the broadcast room. Idempotent.
func (r *Registry) EnsureAgent(ctx context.Context, board boards.Board) (*Agent, error) {
	agent, err := NewAgent(board, r.server)
	if err != nil {
		return nil, err
	}

	if !r.state.IsProvisioned(agent.Localpart()) {
		err := r.client.RegisterUser(ctx, agent.Localpart())
		if err != nil && !messaging.IsMatrixError(err, messaging.ErrCodeUserInUse) {
			return nil, fmt.Errorf("bridge: registering %q: %w", agent.UserID, err)
		}
		r.state.MarkProvisioned(agent.Localpart())
	}

	// Profile and presence are cosmetic. Failures are logged, not
	// fatal.
	if err := r.client.SetDisplayName(ctx, agent.UserID, agent.DisplayName); err != nil {
		r.logger.Warn("setting agent display name failed",
			"agent", agent.UserID,
			"error", err,
		)
	}
	if err := r.client.SetPresence(ctx, agent.UserID, "online"); err != nil {
		r.logger.Warn("setting agent presence failed",
			"agent", agent.UserID,
			"error", err,
		)
	}

	r.state.UpsertAgent(agent)

	if err := r.rooms.JoinBroadcastRoom(ctx, agent); err != nil {
		r.logger.Warn("joining agent to broadcast room failed",
			"agent", agent.UserID,
			"error", err,
		)
	}

	return agent, nil
}

// EnsureAgentByUserID re-provisions an agent the homeserver asked
// about (the user query API). Returns false if no eligible board maps
// to the user ID.
func (r *Registry) EnsureAgentByUserID(ctx context.Context, user ref.UserID) (bool, error) {
	if _, ok := r.state.AgentByUserID(user); ok {
		return true, nil
	}
	if !IsAgentUserID(user) {
		return false, nil
	}

	// Unknown agent user: the board list may have changed since the
	// last sync. Refresh and look again.
	boardList, err := r.backend.List(ctx)
	if err != nil {
		return false, fmt.Errorf("bridge: user query for %q: %w", user, err)
	}
	for _, board := range boardList {
		if !board.Eligible() {
			continue
		}
		agent, err := NewAgent(board, r.server)
		if err != nil || agent.UserID != user {
			continue
		}
		if _, err := r.EnsureAgent(ctx, board); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// RemoveAgent retires a board's agent: presence goes offline, the
// agent leaves every room, and it drops out of routing. The homeserver
// account remains (Matrix accounts are permanent); the provisioned set
// keeps the localpart so a returning board skips re-registration.
func (r *Registry) RemoveAgent(ctx context.Context, boardID string) error {
	agent, ok := r.state.RemoveAgent(boardID)
	if !ok {
		return fmt.Errorf("bridge: no agent for board %q", boardID)
	}

	if err := r.client.SetPresence(ctx, agent.UserID, "offline"); err != nil {
		r.logger.Warn("setting departing agent offline failed",
			"agent", agent.UserID,
			"error", err,
		)
	}
	r.rooms.LeaveAllRooms(ctx, agent)

	r.logger.Info("removed agent",
		"board_id", boardID,
		"agent", agent.UserID,
	)
	return nil
}

// CleanupOrphanedAgents finds agent users lingering in the broadcast
// room with no matching board and makes them leave. Run once at
// startup, after the first SyncAgents, to clean up after boards
// deleted while the bridge was down.
func (r *Registry) CleanupOrphanedAgents(ctx context.Context) error {
	roomID, ok := r.rooms.BroadcastRoomID()
	if !ok {
		return fmt.Errorf("bridge: broadcast room not resolved")
	}

	members, err := r.client.JoinedMembers(ctx, ref.UserID{}, roomID)
	if err != nil {
		return fmt.Errorf("bridge: listing broadcast members: %w", err)
	}

	for user := range members {
		if !IsAgentUserID(user) {
			continue
		}
		if _, live := r.state.AgentByUserID(user); live {
			continue
		}
		r.logger.Info("removing orphaned agent from broadcast room", "agent", user)
		if err := r.client.SetPresence(ctx, user, "offline"); err != nil {
			r.logger.Warn("setting orphaned agent offline failed",
				"agent", user,
				"error", err,
			)
		}
		if err := r.client.LeaveRoom(ctx, user, roomID); err != nil {
			r.logger.Warn("orphaned agent failed to leave",
				"agent", user,
				"error", err,
			)
		}
	}
	return nil
}
