// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source for the bus.
//
// The bus reads the time for connection bookkeeping, arms the
// authentication timeout with AfterFunc, and bounds waits on full
// outgoing queues with After. Production code passes Real(). Tests
// pass Fake() and drive time explicitly:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	// ... start the goroutine that arms a timer ...
//	c.WaitForTimers(1)
//	c.Advance(30 * time.Second)
//
// WaitForTimers closes the race between a goroutine registering its
// timer and the test advancing past it.
package clock
