// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chatlog

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bureau-foundation/agentbridge/lib/clock"
	"github.com/bureau-foundation/agentbridge/lib/ref"
	"github.com/bureau-foundation/agentbridge/messaging"
)

// boundaryMarker separates cleared context from new context in a
// transcript. Tail never returns lines above the last marker.
const boundaryMarker = "----- context cleared -----"

// StateSource fetches room state events. Satisfied by
// *messaging.Client.
type StateSource interface {
	GetStateEvent(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, stateKey string) (json.RawMessage, error)
}

// Config holds the parameters for creating a Logger.
type Config struct {
	// Dir is the directory transcript files are written to. Created
	// if it does not exist.
	Dir string

	// State resolves room names from state events. If nil, files are
	// named after the room ID.
	State StateSource

	// Clock provides message timestamps. If nil, clock.Real() is
	// used.
	Clock clock.Clock

	// Logger receives operational messages. If nil, slog.Default()
	// is used.
	Logger *slog.Logger
}

// Logger appends room traffic to per-room transcript files.
//
// Logger is safe for concurrent use; a single mutex serializes file
// appends, which keeps lines from interleaving.
type Logger struct {
	dir    string
	state  StateSource
	clock  clock.Clock
	logger *slog.Logger

	mu    sync.Mutex
	names map[ref.RoomID]string
}

// New creates a transcript logger writing under cfg.Dir.
func New(cfg Config) (*Logger, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("chatlog: Dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("chatlog: creating %s: %w", cfg.Dir, err)
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Logger{
		dir:    cfg.Dir,
		state:  cfg.State,
		clock:  clk,
		logger: logger,
		names:  make(map[ref.RoomID]string),
	}, nil
}

// Append writes one message line to the room's transcript.
func (l *Logger) Append(ctx context.Context, roomID ref.RoomID, sender ref.UserID, body string) error {
	timestamp := l.clock.Now().UTC().Format("2006-01-02 15:04:05")
	// Multi-line bodies stay one transcript line so Tail stays
	// line-oriented.
	body = strings.ReplaceAll(body, "\n", " ")
	line := fmt.Sprintf("[%s] %s: %s\n", timestamp, sender, body)
	return l.appendLine(ctx, roomID, line)
}

// AppendBoundary writes a context-clear marker to the room's
// transcript. Lines above the marker are invisible to Tail.
func (l *Logger) AppendBoundary(ctx context.Context, roomID ref.RoomID) error {
	return l.appendLine(ctx, roomID, boundaryMarker+"\n")
}

// Tail returns up to n transcript lines for the room, newest last,
// never crossing the last clear boundary. Returns nil for a room with
// no transcript.
func (l *Logger) Tail(ctx context.Context, roomID ref.RoomID, n int) ([]string, error) {
	path := filepath.Join(l.dir, l.fileName(ctx, roomID))

	l.mu.Lock()
	defer l.mu.Unlock()

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("chatlog: opening transcript: %w", err)
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if line == boundaryMarker {
			lines = lines[:0]
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("chatlog: reading transcript: %w", err)
	}

	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

func (l *Logger) appendLine(ctx context.Context, roomID ref.RoomID, line string) error {
	path := filepath.Join(l.dir, l.fileName(ctx, roomID))

	l.mu.Lock()
	defer l.mu.Unlock()

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("chatlog: opening transcript: %w", err)
	}
	defer file.Close()

	if _, err := file.WriteString(line); err != nil {
		return fmt.Errorf("chatlog: writing transcript: %w", err)
	}
	return nil
}

// fileName resolves the transcript file name for a room, caching the
// result. Preference order: canonical alias localpart, room name,
// sanitized room ID.
func (l *Logger) fileName(ctx context.Context, roomID ref.RoomID) string {
	l.mu.Lock()
	if name, ok := l.names[roomID]; ok {
		l.mu.Unlock()
		return name
	}
	l.mu.Unlock()

	name := l.resolveName(ctx, roomID)

	l.mu.Lock()
	l.names[roomID] = name
	l.mu.Unlock()
	return name
}

func (l *Logger) resolveName(ctx context.Context, roomID ref.RoomID) string {
	if l.state != nil {
		if raw, err := l.state.GetStateEvent(ctx, roomID, "m.room.canonical_alias", ""); err == nil {
			var content messaging.CanonicalAliasContent
			if json.Unmarshal(raw, &content) == nil && content.Alias != "" {
				if alias, err := ref.ParseRoomAlias(content.Alias); err == nil {
					return sanitizeFileName(alias.Localpart()) + ".log"
				}
			}
		}
		if raw, err := l.state.GetStateEvent(ctx, roomID, "m.room.name", ""); err == nil {
			var content messaging.RoomNameContent
			if json.Unmarshal(raw, &content) == nil && content.Name != "" {
				return sanitizeFileName(content.Name) + ".log"
			}
		}
	}
	return sanitizeFileName(roomID.String()) + ".log"
}

// sanitizeFileName lowercases and replaces everything outside
// [a-z0-9._-] with underscores.
func sanitizeFileName(name string) string {
	name = strings.ToLower(name)
	var builder strings.Builder
	builder.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			builder.WriteRune(r)
		default:
			builder.WriteRune('_')
		}
	}
	return builder.String()
}
