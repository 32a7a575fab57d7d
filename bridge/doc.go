// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package bridge projects backend board agents into a Matrix
// homeserver as virtual users.
//
// Each eligible board gets one virtual user (@agent_<name>:server).
// The Registry keeps the virtual users in step with the board list,
// the Dispatcher routes homeserver transactions to agent invocations,
// and the Server is the appservice HTTP surface the homeserver pushes
// transactions to.
//
// Message routing, in order:
//   - messages in the broadcast room go to the broadcast board's agent
//   - messages mentioning an agent go to that agent
//   - messages in a direct message room go to the DM partner agent,
//     with the stored conversation window replayed as context
//
// While an invocation is in flight the agent shows a typing indicator
// and the call runs under a resettable deadline: interim activity from
// the backend (via the room send endpoint) pushes the deadline out.
package bridge
