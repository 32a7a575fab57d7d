// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"encoding/json"
	"testing"
)

func TestParseUserID(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		user, err := ParseUserID("@agent_sales:bridge.local")
		if err != nil {
			t.Fatalf("ParseUserID failed: %v", err)
		}
		if user.Localpart() != "agent_sales" {
			t.Errorf("unexpected localpart: %s", user.Localpart())
		}
		if user.Server() != "bridge.local" {
			t.Errorf("unexpected server: %s", user.Server())
		}
	})

	t.Run("invalid", func(t *testing.T) {
		for _, raw := range []string{"", "agent:server", "@:server", "@agent", "@agent:"} {
			if _, err := ParseUserID(raw); err == nil {
				t.Errorf("expected error for %q", raw)
			}
		}
	})

	t.Run("zero value", func(t *testing.T) {
		var user UserID
		if !user.IsZero() {
			t.Error("zero value should report IsZero")
		}
	})
}

func TestParseRoomID(t *testing.T) {
	room, err := ParseRoomID("!abc123:bridge.local")
	if err != nil {
		t.Fatalf("ParseRoomID failed: %v", err)
	}
	if room.String() != "!abc123:bridge.local" {
		t.Errorf("unexpected room ID: %s", room)
	}

	for _, raw := range []string{"", "abc:server", "!:server", "!abc", "!abc:"} {
		if _, err := ParseRoomID(raw); err == nil {
			t.Errorf("expected error for %q", raw)
		}
	}
}

func TestParseRoomAlias(t *testing.T) {
	alias, err := ParseRoomAlias("#agents:bridge.local")
	if err != nil {
		t.Fatalf("ParseRoomAlias failed: %v", err)
	}
	if alias.Localpart() != "agents" {
		t.Errorf("unexpected localpart: %s", alias.Localpart())
	}
	if alias.Server() != "bridge.local" {
		t.Errorf("unexpected server: %s", alias.Server())
	}

	if _, err := ParseRoomAlias("agents:bridge.local"); err == nil {
		t.Error("expected error for missing sigil")
	}
}

func TestNewRoomAlias(t *testing.T) {
	server, err := ParseServerName("bridge.local")
	if err != nil {
		t.Fatalf("ParseServerName failed: %v", err)
	}
	alias, err := NewRoomAlias("agents", server)
	if err != nil {
		t.Fatalf("NewRoomAlias failed: %v", err)
	}
	if alias.String() != "#agents:bridge.local" {
		t.Errorf("unexpected alias: %s", alias)
	}
}

func TestParseEventID(t *testing.T) {
	event, err := ParseEventID("$abc123")
	if err != nil {
		t.Fatalf("ParseEventID failed: %v", err)
	}
	if event.String() != "$abc123" {
		t.Errorf("unexpected event ID: %s", event)
	}

	for _, raw := range []string{"", "$", "abc123"} {
		if _, err := ParseEventID(raw); err == nil {
			t.Errorf("expected error for %q", raw)
		}
	}
}

func TestMatrixUserID(t *testing.T) {
	server, _ := ParseServerName("bridge.local")
	user := MatrixUserID("agent_demo", server)
	if user.String() != "@agent_demo:bridge.local" {
		t.Errorf("unexpected user ID: %s", user)
	}
}

func TestValidateLocalpart(t *testing.T) {
	if err := ValidateLocalpart("agent_demo-board.1"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateLocalpart("Agent"); err == nil {
		t.Error("expected error for uppercase")
	}
	if err := ValidateLocalpart(""); err == nil {
		t.Error("expected error for empty localpart")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	// Map keys exercise the TextMarshaler path; transaction payloads
	// deserialize room IDs this way.
	payload := map[RoomID]string{
		MustParseRoomID("!room:bridge.local"): "value",
	}
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var decoded map[RoomID]string
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if decoded[MustParseRoomID("!room:bridge.local")] != "value" {
		t.Error("round trip lost the entry")
	}

	var invalid map[RoomID]string
	if err := json.Unmarshal([]byte(`{"bogus":"x"}`), &invalid); err == nil {
		t.Error("expected error for invalid room ID key")
	}
}
