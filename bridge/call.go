// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/agentbridge/lib/clock"
	"github.com/bureau-foundation/agentbridge/lib/ref"
)

// TimeoutError is returned when an agent call outlives its (possibly
// reset) deadline.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("bridge: agent call exceeded %s deadline", e.Timeout)
}

// IsTimeout reports whether err is (or wraps) a call deadline
// expiration.
func IsTimeout(err error) bool {
	var timeoutErr *TimeoutError
	return errors.As(err, &timeoutErr)
}

// CallController runs agent calls under a resettable deadline.
//
// A plain context deadline is wrong for long-running agents: an agent
// that posts interim progress is alive and should be allowed to keep
// working. The controller tracks one active call per room; interim
// activity (the backend posting into the room) calls ResetDeadline,
// which pushes the cutoff out by the full timeout again. A silent
// agent still gets cut off after the timeout.
type CallController struct {
	clock   clock.Clock
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	active map[ref.RoomID]*activeCall
}

type activeCall struct {
	timer *clock.Timer
}

// NewCallController creates a CallController with the given default
// deadline.
func NewCallController(clk clock.Clock, timeout time.Duration, logger *slog.Logger) *CallController {
	if logger == nil {
		logger = slog.Default()
	}
	return &CallController{
		clock:   clk,
		timeout: timeout,
		logger:  logger,
		active:  make(map[ref.RoomID]*activeCall),
	}
}

// Run executes call under the resettable deadline, tracked by room.
// If the deadline fires, the call's context is cancelled and Run
// returns a *TimeoutError.
//
// One call per room is tracked for deadline resets; a second
// concurrent call in the same room still runs and times out on its
// own, but ResetDeadline only reaches the first (first registration
// wins).
func (c *CallController) Run(ctx context.Context, roomID ref.RoomID, call func(context.Context) error) error {
	callCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	timeoutErr := &TimeoutError{Timeout: c.timeout}
	timer := c.clock.AfterFunc(c.timeout, func() {
		cancel(timeoutErr)
	})
	defer timer.Stop()

	entry := &activeCall{timer: timer}
	c.mu.Lock()
	registered := false
	if _, exists := c.active[roomID]; !exists {
		c.active[roomID] = entry
		registered = true
	}
	c.mu.Unlock()

	if registered {
		defer func() {
			c.mu.Lock()
			if c.active[roomID] == entry {
				delete(c.active, roomID)
			}
			c.mu.Unlock()
		}()
	}

	err := call(callCtx)
	if err != nil && errors.Is(context.Cause(callCtx), timeoutErr) {
		return timeoutErr
	}
	return err
}

// ResetDeadline pushes the active call's deadline out by the full
// timeout. Returns false if the room has no active call.
func (c *CallController) ResetDeadline(roomID ref.RoomID) bool {
	c.mu.Lock()
	entry, ok := c.active[roomID]
	c.mu.Unlock()
	if !ok {
		return false
	}

	entry.timer.Reset(c.timeout)
	c.logger.Debug("reset agent call deadline",
		"room_id", roomID,
		"timeout", c.timeout,
	)
	return true
}

// Active reports whether a call is in flight for the room.
func (c *CallController) Active(roomID ref.RoomID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[roomID]
	return ok
}
