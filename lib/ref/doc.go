// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides validated value types for Matrix identifiers:
// user IDs, room IDs, room aliases, event IDs, event types, and server
// names.
//
// Raw identifier strings arrive at process boundaries (configuration,
// homeserver responses, application-service transactions) and are parsed
// into these types exactly once. Everything past the boundary works with
// the typed values, so a function signature taking a ref.RoomID cannot be
// handed a user ID by accident and never needs to re-validate its input.
//
// All types are immutable value types whose zero value is "unset"; use
// IsZero to check. Types that appear in JSON payloads implement
// encoding.TextMarshaler/TextUnmarshaler so that deserialization
// validates automatically.
package ref
