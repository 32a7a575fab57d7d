// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"log/slog"
	"time"

	"github.com/bureau-foundation/agentbridge/lib/clock"
	"github.com/bureau-foundation/agentbridge/lib/ref"
	"github.com/bureau-foundation/agentbridge/messaging"
)

// TypingSimulator keeps an agent's typing indicator alive for the
// duration of a call.
//
// Homeservers expire typing notifications on their own timer, so the
// indicator is re-asserted on every refresh tick: off then on, which
// restarts the homeserver-side countdown even on servers that ignore
// a repeated "on".
type TypingSimulator struct {
	client  *messaging.Client
	clock   clock.Clock
	refresh time.Duration
	logger  *slog.Logger
}

// NewTypingSimulator creates a TypingSimulator re-asserting at the
// given refresh interval.
func NewTypingSimulator(client *messaging.Client, clk clock.Clock, refresh time.Duration, logger *slog.Logger) *TypingSimulator {
	if logger == nil {
		logger = slog.Default()
	}
	return &TypingSimulator{
		client:  client,
		clock:   clk,
		refresh: refresh,
		logger:  logger,
	}
}

// Start shows the typing indicator for user in room and keeps it
// refreshed until the returned stop function is called. Stop always
// clears the indicator, even when ctx is already cancelled, so a
// timed-out agent never types forever. Stop is idempotent and blocks
// until the indicator is cleared.
func (s *TypingSimulator) Start(ctx context.Context, user ref.UserID, roomID ref.RoomID) (stop func()) {
	// The homeserver-side expiry is twice the refresh interval, so a
	// single missed tick does not flicker the indicator.
	expiry := 2 * s.refresh

	if err := s.client.SetTyping(ctx, user, roomID, true, expiry); err != nil {
		s.logger.Debug("typing on failed", "agent", user, "room_id", roomID, "error", err)
	}

	done := make(chan struct{})
	finished := make(chan struct{})

	go func() {
		defer close(finished)
		ticker := s.clock.NewTicker(s.refresh)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := s.client.SetTyping(ctx, user, roomID, false, 0); err != nil {
					s.logger.Debug("typing off failed", "agent", user, "room_id", roomID, "error", err)
				}
				if err := s.client.SetTyping(ctx, user, roomID, true, expiry); err != nil {
					s.logger.Debug("typing on failed", "agent", user, "room_id", roomID, "error", err)
				}
			case <-done:
				// The surrounding call context may already be
				// cancelled; the final off must still go out.
				clearCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()
				if err := s.client.SetTyping(clearCtx, user, roomID, false, 0); err != nil {
					s.logger.Debug("typing clear failed", "agent", user, "room_id", roomID, "error", err)
				}
				return
			case <-ctx.Done():
				// Keep looping until stop is called: the final off is
				// stop's responsibility. Block on done to avoid a
				// busy loop.
				<-done
				clearCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()
				if err := s.client.SetTyping(clearCtx, user, roomID, false, 0); err != nil {
					s.logger.Debug("typing clear failed", "agent", user, "room_id", roomID, "error", err)
				}
				return
			}
		}
	}()

	var stopped bool
	return func() {
		if stopped {
			return
		}
		stopped = true
		close(done)
		<-finished
	}
}
