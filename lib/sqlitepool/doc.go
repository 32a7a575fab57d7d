// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides a fixed-size SQLite connection pool with
// standard pragmas applied to every connection.
//
// The bridge persists conversation history in SQLite. The pool wraps
// zombiezen.com/go/sqlite/sqlitex and exposes the same Take/Put API,
// adding WAL mode, busy timeout, and cache pragmas so callers never
// configure connections themselves.
package sqlitepool
