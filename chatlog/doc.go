// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package chatlog writes per-room transcript files.
//
// Every message the bridge routes is appended to a plain-text file
// named after the room, one line per message with a timestamp and
// sender. The transcript serves two purposes: an audit trail a human
// can read with tail, and the context window handed to the broadcast
// agent (Tail returns the lines since the last clear boundary).
package chatlog
