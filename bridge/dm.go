// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"log/slog"

	"github.com/bureau-foundation/agentbridge/lib/ref"
	"github.com/bureau-foundation/agentbridge/messaging"
)

// maxDMMembers is the largest room still treated as a direct message.
// Three covers the human, the agent, and the bridge bot.
const maxDMMembers = 3

// DMDetector classifies rooms as direct messages with an agent.
type DMDetector struct {
	client *messaging.Client
	state  *State
	rooms  *RoomManager
	logger *slog.Logger
}

// NewDMDetector creates a DMDetector.
func NewDMDetector(client *messaging.Client, state *State, rooms *RoomManager, logger *slog.Logger) *DMDetector {
	if logger == nil {
		logger = slog.Default()
	}
	return &DMDetector{
		client: client,
		state:  state,
		rooms:  rooms,
		logger: logger,
	}
}

// Classify decides whether a room is a DM with an agent, returning the
// partner agent. A room is a DM when it has at most maxDMMembers
// members; the first agent whose membership probe succeeds is the
// partner. Results are cached; a membership change invalidates the
// cache via State.ForgetRoom.
//
// The broadcast room is never a DM regardless of size.
func (d *DMDetector) Classify(ctx context.Context, roomID ref.RoomID) (*Agent, bool) {
	if agent, isDM, classified := d.state.DMAgent(roomID); classified {
		return agent, isDM
	}

	if d.rooms.IsBroadcastRoom(roomID) {
		d.state.CacheNotDM(roomID)
		return nil, false
	}

	// Membership is only visible to users in the room, so probe as
	// each agent until one of them can see it. The probing agent is
	// the DM partner.
	for _, agent := range d.state.Agents() {
		members, err := d.client.JoinedMembers(ctx, agent.UserID, roomID)
		if err != nil {
			// This agent is not in the room (or the probe failed);
			// try the next one. Transient failures cost a retry on
			// the next message, not a wrong cached answer.
			continue
		}

		if len(members) <= maxDMMembers {
			d.logger.Info("classified room as direct message",
				"room_id", roomID,
				"agent", agent.UserID,
			)
			d.state.CacheDM(roomID, agent)
			return agent, true
		}

		d.state.CacheNotDM(roomID)
		return nil, false
	}

	// No agent can see the room: not a DM with any agent. Not cached,
	// an invite may be in flight.
	return nil, false
}
