// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction for testability.
//
// Production code accepts a Clock interface parameter instead of calling
// time.Now, time.After, time.AfterFunc, or time.NewTicker directly. In
// production, Real() provides standard library behavior. In tests,
// Fake() provides a deterministic clock that advances only when Advance
// is called.
//
// The bridge uses Clock in two places: the resettable deadline on
// in-flight agent calls (AfterFunc + Reset) and the typing indicator
// refresh loop (NewTicker). Both are tested against a FakeClock so the
// tests never sleep.
//
// # Wiring Pattern
//
// Add a Clock field to structs that use time:
//
//	type Controller struct {
//	    clock clock.Clock
//	    // ...
//	}
//
// In production:
//
//	c := &Controller{clock: clock.Real()}
//
// In tests:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	c := &Controller{clock: fake}
//	// ... start goroutines ...
//	fake.WaitForTimers(1)          // wait for the timer to register
//	fake.Advance(30 * time.Second) // fire it deterministically
//
// WaitForTimers eliminates the race between a goroutine registering a
// timer and the test advancing the clock, so tests never need
// time.Sleep for synchronization.
package clock
