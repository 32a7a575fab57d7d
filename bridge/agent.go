// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/bureau-foundation/agentbridge/boards"
	"github.com/bureau-foundation/agentbridge/lib/ref"
)

// LocalpartPrefix marks every virtual agent user. The appservice
// registration claims @agent_.* exclusively, so nothing else on the
// homeserver can collide with it.
const LocalpartPrefix = "agent_"

// Agent is one board's projection into the homeserver.
type Agent struct {
	// BoardID is the backend board this agent answers for.
	BoardID string

	// DisplayName is what chat users see, taken from the board title.
	DisplayName string

	// UserID is the agent's Matrix user ID.
	UserID ref.UserID

	// mentionPatterns match a message body that addresses this agent
	// and capture the payload after the address.
	mentionPatterns []*regexp.Regexp
}

// NewAgent builds the agent identity for a board. The localpart is the
// sanitized board title (falling back to the board ID) with the agent
// prefix.
func NewAgent(board boards.Board, server ref.ServerName) (*Agent, error) {
	base := SanitizeLocalpart(board.Title)
	if base == "" {
		base = SanitizeLocalpart(board.ID)
	}
	if base == "" {
		return nil, fmt.Errorf("bridge: board %q has no usable name", board.ID)
	}

	localpart := LocalpartPrefix + base
	if err := ref.ValidateLocalpart(localpart); err != nil {
		return nil, fmt.Errorf("bridge: board %q: %w", board.ID, err)
	}

	displayName := board.Title
	if displayName == "" {
		displayName = board.ID
	}

	userID := ref.MatrixUserID(localpart, server)

	// Users address agents three ways: full user ID, localpart, or
	// display name. A separator (colon or comma) or whitespace ends
	// the address; the rest of the message is the payload. The
	// display name variant requires an explicit separator because
	// titles can be ordinary words.
	patterns := []*regexp.Regexp{
		regexp.MustCompile(`(?is)^\s*` + regexp.QuoteMeta(userID.String()) + `(?:[:,]\s*|\s+)(.+)$`),
		regexp.MustCompile(`(?is)^\s*@?` + regexp.QuoteMeta(localpart) + `(?:[:,]\s*|\s+)(.+)$`),
		regexp.MustCompile(`(?is)^\s*@?` + regexp.QuoteMeta(displayName) + `\s*[:,]\s*(.+)$`),
	}

	return &Agent{
		BoardID:         board.ID,
		DisplayName:     displayName,
		UserID:          userID,
		mentionPatterns: patterns,
	}, nil
}

// Localpart returns the agent's Matrix localpart.
func (a *Agent) Localpart() string { return a.UserID.Localpart() }

// Mention checks whether body addresses this agent and returns the
// payload after the address.
func (a *Agent) Mention(body string) (payload string, ok bool) {
	for _, pattern := range a.mentionPatterns {
		if match := pattern.FindStringSubmatch(body); match != nil {
			return strings.TrimSpace(match[1]), true
		}
	}
	return "", false
}

// IsAgentUserID reports whether a user ID belongs to the agent
// namespace.
func IsAgentUserID(user ref.UserID) bool {
	return strings.HasPrefix(user.Localpart(), LocalpartPrefix)
}

// SanitizeLocalpart lowercases a board title and maps it into the
// Matrix localpart character set: runs of whitespace become single
// underscores, characters outside [a-z0-9._=-] are dropped.
func SanitizeLocalpart(title string) string {
	title = strings.ToLower(strings.TrimSpace(title))

	var builder strings.Builder
	builder.Grow(len(title))
	lastUnderscore := false
	for _, r := range title {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '=', r == '-':
			builder.WriteRune(r)
			lastUnderscore = r == '_'
		case r == ' ' || r == '\t':
			if !lastUnderscore && builder.Len() > 0 {
				builder.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.TrimSuffix(builder.String(), "_")
}
