// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"sort"
	"sync"

	"github.com/bureau-foundation/agentbridge/lib/ref"
)

// State is the bridge's in-memory view of the agent fleet and room
// classifications. Everything here is reconstructible: agents from the
// board list, room classifications from membership probes. Losing it
// on restart costs probes, not correctness.
//
// State is safe for concurrent use.
type State struct {
	mu sync.RWMutex

	// agents maps board ID to the live agent.
	agents map[string]*Agent

	// byUser indexes the live agents by Matrix user ID.
	byUser map[ref.UserID]*Agent

	// provisioned records every localpart ever registered with the
	// homeserver. Never pruned: Matrix accounts cannot be deleted,
	// only abandoned, and re-registering an existing localpart is a
	// wasted round trip.
	provisioned map[string]bool

	// broadcastMembers records which agents have joined the broadcast
	// room.
	broadcastMembers map[ref.UserID]bool

	// dmAgents caches positive DM classifications: room to the agent
	// that is the DM partner.
	dmAgents map[ref.RoomID]*Agent

	// notDM caches negative DM classifications.
	notDM map[ref.RoomID]bool
}

// NewState creates an empty State.
func NewState() *State {
	return &State{
		agents:           make(map[string]*Agent),
		byUser:           make(map[ref.UserID]*Agent),
		provisioned:      make(map[string]bool),
		broadcastMembers: make(map[ref.UserID]bool),
		dmAgents:         make(map[ref.RoomID]*Agent),
		notDM:            make(map[ref.RoomID]bool),
	}
}

// UpsertAgent adds or replaces an agent. Replacing keeps the board ID
// stable but may change the user ID if the board was retitled; the old
// user index entry is removed.
func (s *State) UpsertAgent(agent *Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.agents[agent.BoardID]; ok && old.UserID != agent.UserID {
		delete(s.byUser, old.UserID)
		delete(s.broadcastMembers, old.UserID)
	}
	s.agents[agent.BoardID] = agent
	s.byUser[agent.UserID] = agent
}

// RemoveAgent removes an agent by board ID, returning it. DM cache
// entries pointing at the agent are dropped so stale classifications
// do not route to a dead agent.
func (s *State) RemoveAgent(boardID string) (*Agent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.agents[boardID]
	if !ok {
		return nil, false
	}
	delete(s.agents, boardID)
	delete(s.byUser, agent.UserID)
	delete(s.broadcastMembers, agent.UserID)
	for roomID, dmAgent := range s.dmAgents {
		if dmAgent.BoardID == boardID {
			delete(s.dmAgents, roomID)
		}
	}
	return agent, true
}

// Agents returns the live agents sorted by board ID. The order makes
// mention matching deterministic when display names overlap.
func (s *State) Agents() []*Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agents := make([]*Agent, 0, len(s.agents))
	for _, agent := range s.agents {
		agents = append(agents, agent)
	}
	sort.Slice(agents, func(i, j int) bool {
		return agents[i].BoardID < agents[j].BoardID
	})
	return agents
}

// AgentByBoard looks up a live agent by board ID.
func (s *State) AgentByBoard(boardID string) (*Agent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agent, ok := s.agents[boardID]
	return agent, ok
}

// AgentByUserID looks up a live agent by Matrix user ID.
func (s *State) AgentByUserID(user ref.UserID) (*Agent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agent, ok := s.byUser[user]
	return agent, ok
}

// MarkProvisioned records that a localpart has been registered.
func (s *State) MarkProvisioned(localpart string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.provisioned[localpart] = true
}

// IsProvisioned reports whether a localpart has been registered during
// this process's lifetime.
func (s *State) IsProvisioned(localpart string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.provisioned[localpart]
}

// MarkBroadcastMember records that an agent has joined the broadcast
// room.
func (s *State) MarkBroadcastMember(user ref.UserID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcastMembers[user] = true
}

// IsBroadcastMember reports whether an agent has joined the broadcast
// room.
func (s *State) IsBroadcastMember(user ref.UserID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.broadcastMembers[user]
}

// CacheDM records a positive DM classification.
func (s *State) CacheDM(roomID ref.RoomID, agent *Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dmAgents[roomID] = agent
	delete(s.notDM, roomID)
}

// CacheNotDM records a negative DM classification.
func (s *State) CacheNotDM(roomID ref.RoomID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notDM[roomID] = true
}

// DMAgent returns the cached DM classification for a room:
// (agent, true, _) for a known DM, (nil, false, true) for a known
// non-DM, (nil, false, false) for an unclassified room.
func (s *State) DMAgent(roomID ref.RoomID) (agent *Agent, isDM bool, classified bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if agent, ok := s.dmAgents[roomID]; ok {
		return agent, true, true
	}
	if s.notDM[roomID] {
		return nil, false, true
	}
	return nil, false, false
}

// ForgetRoom drops any cached classification for a room. Called on
// membership changes, which can flip a room between DM and group.
func (s *State) ForgetRoom(roomID ref.RoomID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.dmAgents, roomID)
	delete(s.notDM, roomID)
}
