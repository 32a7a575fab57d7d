// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"testing"
)

func TestClassifyDirectMessage(t *testing.T) {
	rig := newRig(t, newFakeBackend(), "")
	agent := newTestAgent(t, "b1", "Sales")
	rig.state.UpsertAgent(agent)

	rig.hs.addRoom("!dm:bridge.local", "@alice:bridge.local", agent.UserID.String())

	got, isDM := rig.detector.Classify(context.Background(), roomID(t, "!dm:bridge.local"))
	if !isDM || got != agent {
		t.Fatalf("Classify = (%v, %v), want (%v, true)", got, isDM, agent)
	}

	// The result is cached; a second classification takes no probe.
	if _, isDM, classified := rig.state.DMAgent(roomID(t, "!dm:bridge.local")); !isDM || !classified {
		t.Error("positive classification not cached")
	}
}

func TestClassifyDMWithBridgeBot(t *testing.T) {
	rig := newRig(t, newFakeBackend(), "")
	agent := newTestAgent(t, "b1", "Sales")
	rig.state.UpsertAgent(agent)

	// Human, agent, and the bridge bot: still a DM.
	rig.hs.addRoom("!dm:bridge.local",
		"@alice:bridge.local",
		agent.UserID.String(),
		rig.botUser.String(),
	)

	if _, isDM := rig.detector.Classify(context.Background(), roomID(t, "!dm:bridge.local")); !isDM {
		t.Fatal("three-member room with one agent should be a DM")
	}
}

func TestClassifyGroupRoom(t *testing.T) {
	rig := newRig(t, newFakeBackend(), "")
	agent := newTestAgent(t, "b1", "Sales")
	rig.state.UpsertAgent(agent)

	rig.hs.addRoom("!group:bridge.local",
		"@alice:bridge.local",
		"@bob:bridge.local",
		"@carol:bridge.local",
		agent.UserID.String(),
	)

	if _, isDM := rig.detector.Classify(context.Background(), roomID(t, "!group:bridge.local")); isDM {
		t.Fatal("four-member room classified as DM")
	}
	if _, isDM, classified := rig.state.DMAgent(roomID(t, "!group:bridge.local")); isDM || !classified {
		t.Error("negative classification not cached")
	}
}

func TestClassifyTwoAgentsFirstProbeWins(t *testing.T) {
	rig := newRig(t, newFakeBackend(), "")
	sales := newTestAgent(t, "b1", "Sales")
	support := newTestAgent(t, "b2", "Support")
	rig.state.UpsertAgent(sales)
	rig.state.UpsertAgent(support)

	// A small room with two agents is still a DM; the first agent
	// whose probe succeeds (board order) is the partner.
	rig.hs.addRoom("!pair:bridge.local",
		"@alice:bridge.local",
		sales.UserID.String(),
		support.UserID.String(),
	)

	got, isDM := rig.detector.Classify(context.Background(), roomID(t, "!pair:bridge.local"))
	if !isDM {
		t.Fatal("three-member room with two agents not classified as DM")
	}
	if got != sales {
		t.Errorf("partner = %v, want the first probing agent %v", got.UserID, sales.UserID)
	}
}

func TestClassifyBroadcastRoomNeverDM(t *testing.T) {
	rig := newRig(t, newFakeBackend(), "")
	agent := newTestAgent(t, "b1", "Sales")
	rig.state.UpsertAgent(agent)

	broadcast, err := rig.rooms.EnsureBroadcastRoom(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	rig.hs.addRoom(broadcast.String(), "@alice:bridge.local", agent.UserID.String())

	if _, isDM := rig.detector.Classify(context.Background(), broadcast); isDM {
		t.Fatal("broadcast room classified as DM")
	}
}

func TestClassifyInvisibleRoomNotCached(t *testing.T) {
	rig := newRig(t, newFakeBackend(), "")
	agent := newTestAgent(t, "b1", "Sales")
	rig.state.UpsertAgent(agent)

	// No agent is a member, so every probe fails.
	rig.hs.addRoom("!private:bridge.local", "@alice:bridge.local", "@bob:bridge.local")

	if _, isDM := rig.detector.Classify(context.Background(), roomID(t, "!private:bridge.local")); isDM {
		t.Fatal("invisible room classified as DM")
	}
	// The failure is not cached: an invite may be in flight, and the
	// next message should retry the probe.
	if _, _, classified := rig.state.DMAgent(roomID(t, "!private:bridge.local")); classified {
		t.Error("failed probe was cached")
	}
}
