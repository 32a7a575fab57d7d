// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package history persists per-conversation context for direct
// message rooms.
//
// Each (board, room) pair has its own rolling window of at most
// MaxEntries user/assistant turns. The window is what gets replayed
// to the agent on the next DM, so agents keep short-term context
// across invocations without the backend holding chat state.
package history
