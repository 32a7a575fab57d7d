// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package history

import (
	"context"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/agentbridge/lib/ref"
	"github.com/bureau-foundation/agentbridge/lib/sqlitepool"
)

// MaxEntries is the number of turns retained per (board, room)
// conversation. Appends past the cap evict the oldest turns.
const MaxEntries = 50

// Conversation roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Entry is one turn in a conversation.
type Entry struct {
	Role    string
	Content string
}

const schema = `
CREATE TABLE IF NOT EXISTS conversation_history (
    board_id TEXT NOT NULL,
    room_id  TEXT NOT NULL,
    seq      INTEGER NOT NULL,
    role     TEXT NOT NULL,
    content  TEXT NOT NULL,
    PRIMARY KEY (board_id, room_id, seq)
);
`

// StoreConfig holds the parameters for opening a history store.
type StoreConfig struct {
	// Path is the filesystem path to the SQLite database file. The
	// parent directory must exist.
	Path string

	// PoolSize is the number of connections in the pool. Defaults to
	// 4 if zero or negative.
	PoolSize int

	// Logger receives operational messages.
	Logger *slog.Logger
}

// Store is the SQLite-backed conversation history.
//
// Store is safe for concurrent use. Append uses a read-modify-write
// on the sequence counter inside a single IMMEDIATE transaction, so
// concurrent appends to the same conversation serialize on SQLite's
// write lock.
type Store struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

// OpenStore opens (creating if necessary) the history database.
func OpenStore(cfg StoreConfig) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: poolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("history: opening store: %w", err)
	}

	return &Store{pool: pool, logger: logger}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// Load returns the conversation window for a (board, room) pair,
// oldest first. Returns an empty slice for an unknown conversation.
func (s *Store) Load(ctx context.Context, boardID string, roomID ref.RoomID) ([]Entry, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var entries []Entry
	err = sqlitex.Execute(conn,
		`SELECT role, content FROM conversation_history
		 WHERE board_id = ? AND room_id = ?
		 ORDER BY seq ASC`,
		&sqlitex.ExecOptions{
			Args: []any{boardID, roomID.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				entries = append(entries, Entry{
					Role:    stmt.ColumnText(0),
					Content: stmt.ColumnText(1),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("history: loading %s/%s: %w", boardID, roomID, err)
	}
	return entries, nil
}

// Append adds entries to a conversation and trims it to MaxEntries,
// evicting the oldest turns. The insert and trim run in one
// transaction.
func (s *Store) Append(ctx context.Context, boardID string, roomID ref.RoomID, entries ...Entry) error {
	if len(entries) == 0 {
		return nil
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("history: starting transaction: %w", err)
	}
	defer endFn(&err)

	// Next sequence number. MAX over an empty set is NULL, which
	// ColumnInt64 reads as 0.
	var nextSeq int64
	err = sqlitex.Execute(conn,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM conversation_history
		 WHERE board_id = ? AND room_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{boardID, roomID.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				nextSeq = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return fmt.Errorf("history: reading sequence for %s/%s: %w", boardID, roomID, err)
	}

	for i, entry := range entries {
		err = sqlitex.Execute(conn,
			`INSERT INTO conversation_history (board_id, room_id, seq, role, content)
			 VALUES (?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{
				Args: []any{boardID, roomID.String(), nextSeq + int64(i), entry.Role, entry.Content},
			})
		if err != nil {
			return fmt.Errorf("history: appending to %s/%s: %w", boardID, roomID, err)
		}
	}

	// Evict everything older than the newest MaxEntries turns.
	maxSeq := nextSeq + int64(len(entries)) - 1
	err = sqlitex.Execute(conn,
		`DELETE FROM conversation_history
		 WHERE board_id = ? AND room_id = ? AND seq <= ?`,
		&sqlitex.ExecOptions{
			Args: []any{boardID, roomID.String(), maxSeq - MaxEntries},
		})
	if err != nil {
		return fmt.Errorf("history: trimming %s/%s: %w", boardID, roomID, err)
	}

	return nil
}

// Clear removes the conversation window for a (board, room) pair.
func (s *Store) Clear(ctx context.Context, boardID string, roomID ref.RoomID) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`DELETE FROM conversation_history WHERE board_id = ? AND room_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{boardID, roomID.String()},
		})
	if err != nil {
		return fmt.Errorf("history: clearing %s/%s: %w", boardID, roomID, err)
	}

	s.logger.Info("cleared conversation history",
		"board_id", boardID,
		"room_id", roomID,
	)
	return nil
}
