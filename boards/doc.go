// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package boards is the HTTP client for the board automation backend.
//
// The backend exposes the board list (GET /api/boards) and a
// synchronous agent invocation endpoint per board
// (GET /api/agents/{board}/agent_input). A board is eligible for
// bridging when it is chat-visible and its capability list includes
// agent input.
//
// Agent replies come back in whatever shape the board's automation
// pipeline produces: a bare string, an OpenAI-style completion object,
// or an ad-hoc JSON envelope. ExtractReply normalizes all of these to
// plain text.
package boards
