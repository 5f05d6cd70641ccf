// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import "testing"

func TestReplyTrackerFulfilOnce(t *testing.T) {
	tracker := newReplyTracker()
	if !tracker.expect(":1.1", 7, ":1.2", 10) {
		t.Fatal("expect refused under the limit")
	}
	if tracker.fulfil(":1.1", 7, ":1.3") {
		t.Error("fulfil accepted a reply from the wrong callee")
	}
	if !tracker.fulfil(":1.1", 7, ":1.2") {
		t.Error("fulfil rejected the expected reply")
	}
	if tracker.fulfil(":1.1", 7, ":1.2") {
		t.Error("fulfil accepted a second reply")
	}
	if n := tracker.pending(":1.1"); n != 0 {
		t.Errorf("pending = %d after fulfil, want 0", n)
	}
}

func TestReplyTrackerLimit(t *testing.T) {
	tracker := newReplyTracker()
	tracker.expect(":1.1", 1, ":1.2", 2)
	tracker.expect(":1.1", 2, ":1.2", 2)
	if tracker.expect(":1.1", 3, ":1.2", 2) {
		t.Error("expect accepted a call over the limit")
	}
	// Re-recording an existing serial does not count twice.
	if !tracker.expect(":1.1", 2, ":1.2", 2) {
		t.Error("expect refused an already recorded serial")
	}
	tracker.cancel(":1.1", 1, ":1.2")
	if !tracker.expect(":1.1", 3, ":1.2", 2) {
		t.Error("expect refused after cancel freed a slot")
	}
}

func TestReplyTrackerRemoveConnection(t *testing.T) {
	tracker := newReplyTracker()
	tracker.expect(":1.1", 1, ":1.3", 10)
	tracker.expect(":1.2", 5, ":1.3", 10)
	tracker.expect(":1.3", 9, ":1.1", 10)

	orphaned := tracker.removeConnection(":1.3")
	if len(orphaned) != 2 {
		t.Fatalf("orphaned = %v, want two calls", orphaned)
	}
	found := map[replyKey]bool{}
	for _, key := range orphaned {
		found[key] = true
	}
	if !found[replyKey{caller: ":1.1", serial: 1}] || !found[replyKey{caller: ":1.2", serial: 5}] {
		t.Errorf("orphaned = %v", orphaned)
	}
	// The departed connection's own outstanding call is forgotten too.
	if tracker.fulfil(":1.3", 9, ":1.1") {
		t.Error("call made by the removed connection is still pending")
	}
	if n := tracker.pending(":1.1"); n != 0 {
		t.Errorf("pending(:1.1) = %d, want 0", n)
	}
}
