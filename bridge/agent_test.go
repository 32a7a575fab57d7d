// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"testing"

	"github.com/bureau-foundation/agentbridge/boards"
	"github.com/bureau-foundation/agentbridge/lib/ref"
)

func testServer(t *testing.T) ref.ServerName {
	t.Helper()
	server, err := ref.ParseServerName(testServerName)
	if err != nil {
		t.Fatal(err)
	}
	return server
}

func TestSanitizeLocalpart(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Sales Agents!", "sales_agents"},
		{"  Support  ", "support"},
		{"Q&A Board", "qa_board"},
		{"board-7.2", "board-7.2"},
		{"ALLCAPS", "allcaps"},
		{"tabs\there", "tabs_here"},
		{"trailing space ", "trailing_space"},
		{"___", "__"},
		{"émoji 🦊 board", "moji_board"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := SanitizeLocalpart(tc.in); got != tc.want {
			t.Errorf("SanitizeLocalpart(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNewAgent(t *testing.T) {
	server := testServer(t)

	agent, err := NewAgent(testBoard("b1", "Sales Agents"), server)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := agent.UserID.String(), "@agent_sales_agents:bridge.local"; got != want {
		t.Errorf("UserID = %q, want %q", got, want)
	}
	if agent.DisplayName != "Sales Agents" {
		t.Errorf("DisplayName = %q, want %q", agent.DisplayName, "Sales Agents")
	}
	if agent.BoardID != "b1" {
		t.Errorf("BoardID = %q, want %q", agent.BoardID, "b1")
	}
}

func TestNewAgentFallsBackToBoardID(t *testing.T) {
	agent, err := NewAgent(testBoard("board-42", "🦊🦊🦊"), testServer(t))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := agent.Localpart(), "agent_board-42"; got != want {
		t.Errorf("Localpart = %q, want %q", got, want)
	}
}

func TestNewAgentUnusableName(t *testing.T) {
	if _, err := NewAgent(testBoard("🦊", "🦊"), testServer(t)); err == nil {
		t.Fatal("expected error for board with no usable name")
	}
}

func TestMention(t *testing.T) {
	agent, err := NewAgent(testBoard("b1", "Sales Agents"), testServer(t))
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		body    string
		payload string
		ok      bool
	}{
		{"@agent_sales_agents:bridge.local summarize the backlog", "summarize the backlog", true},
		{"@agent_sales_agents:bridge.local: summarize", "summarize", true},
		{"agent_sales_agents do the thing", "do the thing", true},
		{"@agent_sales_agents, do the thing", "do the thing", true},
		{"agent_sales_agents:do it", "do it", true},
		{"@agent_sales_agents:bridge.local:reply now", "reply now", true},
		{"Sales Agents: what's new?", "what's new?", true},
		{"sales agents: case folds", "case folds", true},
		{"  @agent_sales_agents   leading space", "leading space", true},
		{"agent_sales_agents:\nmultiline payload", "multiline payload", true},
		// Display name without a separator is just conversation.
		{"Sales Agents went home", "", false},
		{"unrelated message", "", false},
		{"agent_sales_agents", "", false},
		{"xagent_sales_agents hi", "", false},
	}
	for _, tc := range cases {
		payload, ok := agent.Mention(tc.body)
		if ok != tc.ok || payload != tc.payload {
			t.Errorf("Mention(%q) = (%q, %v), want (%q, %v)", tc.body, payload, ok, tc.payload, tc.ok)
		}
	}
}

func TestIsAgentUserID(t *testing.T) {
	if !IsAgentUserID(ref.MustParseUserID("@agent_sales:bridge.local")) {
		t.Error("agent user not recognized")
	}
	if IsAgentUserID(ref.MustParseUserID("@alice:bridge.local")) {
		t.Error("human user misclassified as agent")
	}
	if IsAgentUserID(ref.MustParseUserID("@agentbridge:bridge.local")) {
		t.Error("bridge bot misclassified as agent")
	}
}

func TestAgentEligibility(t *testing.T) {
	board := boards.Board{
		ID:           "b1",
		Title:        "Hidden",
		ChatVisible:  false,
		Capabilities: []string{boards.CapabilityAgentInput},
	}
	if board.Eligible() {
		t.Error("chat-hidden board should not be eligible")
	}
}
