// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package messaging is a Matrix client for application services.
//
// Unlike a regular client, an application service authenticates every
// request with a single as_token and impersonates its virtual users by
// adding a user_id query parameter. Client therefore takes the acting
// user as an argument on each call instead of holding a per-user
// session.
//
// Request URLs are built by string concatenation with url.PathEscape
// on each path segment. Go's url.URL.String() re-encodes Path even
// when RawPath is set if it does not consider RawPath a valid encoding
// of Path, which double-encodes Matrix identifiers.
//
// Errors from the homeserver are returned as *MatrixError; use
// IsMatrixError to branch on an error code.
package messaging
