// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import "sync"

// replyKey identifies a method call awaiting a reply.
type replyKey struct {
	caller string
	serial uint32
}

// replyTracker records which method calls may be answered, and by whom.
// A reply is only routed if it matches an expectation recorded when the
// call passed through the bus.
type replyTracker struct {
	mu       sync.Mutex
	byCaller map[string]map[uint32]string
	byCallee map[string]map[replyKey]struct{}
}

func newReplyTracker() *replyTracker {
	return &replyTracker{
		byCaller: make(map[string]map[uint32]string),
		byCallee: make(map[string]map[replyKey]struct{}),
	}
}

// expect records that callee owes caller a reply to serial. Returns
// false if caller already has limit calls outstanding.
func (t *replyTracker) expect(caller string, serial uint32, callee string, limit int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	calls := t.byCaller[caller]
	if calls == nil {
		calls = make(map[uint32]string)
		t.byCaller[caller] = calls
	}
	if _, exists := calls[serial]; !exists && len(calls) >= limit {
		return false
	}
	calls[serial] = callee
	owed := t.byCallee[callee]
	if owed == nil {
		owed = make(map[replyKey]struct{})
		t.byCallee[callee] = owed
	}
	owed[replyKey{caller: caller, serial: serial}] = struct{}{}
	return true
}

// fulfil consumes the expectation that callee replies to caller's
// serial. Returns false if there was none.
func (t *replyTracker) fulfil(caller string, serial uint32, callee string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	calls := t.byCaller[caller]
	if expected, ok := calls[serial]; !ok || expected != callee {
		return false
	}
	t.removeLocked(caller, serial, callee)
	return true
}

// cancel drops an expectation recorded for a call that was never
// delivered.
func (t *replyTracker) cancel(caller string, serial uint32, callee string) {
	t.fulfil(caller, serial, callee)
}

func (t *replyTracker) removeLocked(caller string, serial uint32, callee string) {
	calls := t.byCaller[caller]
	delete(calls, serial)
	if len(calls) == 0 {
		delete(t.byCaller, caller)
	}
	owed := t.byCallee[callee]
	delete(owed, replyKey{caller: caller, serial: serial})
	if len(owed) == 0 {
		delete(t.byCallee, callee)
	}
}

// pending returns how many calls caller is waiting on.
func (t *replyTracker) pending(caller string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byCaller[caller])
}

// removeConnection forgets every expectation involving unique. It
// returns the calls unique will now never answer, so the callers can be
// told.
func (t *replyTracker) removeConnection(unique string) []replyKey {
	t.mu.Lock()
	defer t.mu.Unlock()
	for serial, callee := range t.byCaller[unique] {
		t.removeLocked(unique, serial, callee)
	}
	var orphaned []replyKey
	for key := range t.byCallee[unique] {
		orphaned = append(orphaned, key)
	}
	for _, key := range orphaned {
		t.removeLocked(key.caller, key.serial, unique)
	}
	return orphaned
}
