// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"time"
)

// Fataler is the subset of testing.TB the Require helpers need.
type Fataler interface {
	Helper()
	Fatalf(format string, args ...any)
}

// RequireReceive reads one value from ch within timeout, or fails the
// test. A closed channel is a failure.
//
//	reply := testutil.RequireReceive(t, replies, 5*time.Second, "reply to %s", serial)
func RequireReceive[T any](t Fataler, ch <-chan T, timeout time.Duration, what ...any) T {
	t.Helper()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case value, ok := <-ch:
		if !ok {
			t.Fatalf("%s: channel closed", describe(what))
		}
		return value
	case <-timer.C:
		t.Fatalf("%s: nothing received after %v", describe(what), timeout)
	}
	panic("unreachable")
}

// RequireClosed waits for ch to be closed, or to deliver a value,
// within timeout.
//
//	testutil.RequireClosed(t, conn.Done(), 5*time.Second, "connection closed")
func RequireClosed(t Fataler, ch <-chan struct{}, timeout time.Duration, what ...any) {
	t.Helper()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
	case <-timer.C:
		t.Fatalf("%s: channel still open after %v", describe(what), timeout)
	}
}

// describe renders the optional description: nothing, a plain value,
// or a format string followed by its arguments.
func describe(what []any) string {
	switch {
	case len(what) == 0:
		return "waiting on channel"
	case len(what) == 1:
		return fmt.Sprint(what[0])
	}
	if format, ok := what[0].(string); ok {
		return fmt.Sprintf(format, what[1:]...)
	}
	return fmt.Sprint(what...)
}
