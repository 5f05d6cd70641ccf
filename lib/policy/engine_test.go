// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"errors"
	"testing"

	"github.com/bureau-foundation/busd/lib/wire"
)

var (
	alice = Subject{UID: 1000, HaveUID: true, GIDs: []uint32{1000, 27}}
	bob   = Subject{UID: 1001, HaveUID: true, GIDs: []uint32{1001}}
	anon  = Subject{}
)

func boolPtr(value bool) *bool { return &value }

func mustEngine(t *testing.T, rules []Rule) *Engine {
	t.Helper()
	engine, err := NewEngine(rules)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return engine
}

func callTo(subject Subject, iface, member string, peers ...string) Query {
	return Query{
		Direction: Send,
		Subject:   subject,
		Type:      wire.TypeMethodCall,
		Interface: iface,
		Member:    member,
		Path:      "/",
		PeerNames: peers,
	}
}

func TestDecide_NoRulesDenies(t *testing.T) {
	engine := mustEngine(t, nil)
	for _, direction := range []Direction{Connect, Send, Receive, Own} {
		result := engine.Decide(Query{Direction: direction, Subject: alice, Name: "com.example.Foo"})
		if result.Decision != Deny || result.Rule != nil {
			t.Errorf("%v with no rules: got %v (%v), want default deny", direction, result.Decision, result.Rule)
		}
	}
}

func TestDecide_RequestedReplyAllowedByDefault(t *testing.T) {
	engine := mustEngine(t, nil)
	query := Query{Direction: Receive, Subject: alice, Type: wire.TypeMethodReturn, RequestedReply: true}
	if result := engine.Decide(query); result.Decision != Allow {
		t.Errorf("requested reply: got %v, want allow", result.Decision)
	}
	query.RequestedReply = false
	if result := engine.Decide(query); result.Decision != Deny {
		t.Errorf("unrequested reply: got %v, want deny", result.Decision)
	}
}

func TestDecide_LastMatchWins(t *testing.T) {
	engine := mustEngine(t, []Rule{
		{Direction: Send, Decision: Allow, Peer: Any},
		{Direction: Send, Decision: Deny, Peer: "com.example.Foo"},
		{Direction: Send, Decision: Allow, Peer: "com.example.Foo", Member: "Ping"},
	})

	if result := engine.Decide(callTo(alice, "com.example.Foo", "Bar", ":1.5", "com.example.Foo")); result.Decision != Deny {
		t.Errorf("Foo.Bar: got %v, want deny", result.Decision)
	}
	result := engine.Decide(callTo(alice, "com.example.Foo", "Ping", ":1.5", "com.example.Foo"))
	if result.Decision != Allow {
		t.Errorf("Foo.Ping: got %v, want allow", result.Decision)
	}
	if result.Rule == nil || result.Rule.Member != "Ping" {
		t.Errorf("Foo.Ping: decided by %v, want the Ping rule", result.Rule)
	}
	if result := engine.Decide(callTo(alice, "com.example.Other", "Bar", ":1.6")); result.Decision != Allow {
		t.Errorf("Other: got %v, want allow", result.Decision)
	}
}

func TestDecide_ScopePrecedence(t *testing.T) {
	// List order puts the mandatory rule first; scope order must still
	// evaluate it last.
	engine := mustEngine(t, []Rule{
		{Scope: ScopeMandatory, Direction: Own, Decision: Deny, OwnPrefix: "org.secure"},
		{Scope: ScopeUser, Principal: IDMatch{ID: 1000}, Direction: Own, Decision: Allow, OwnName: Any},
		{Scope: ScopeGroup, Principal: IDMatch{ID: 1001}, Direction: Own, Decision: Deny, OwnName: "com.example.Foo"},
		{Scope: ScopeDefault, Direction: Own, Decision: Allow, OwnName: "com.example.Foo"},
	})

	tests := []struct {
		subject Subject
		name    string
		want    Decision
	}{
		{alice, "com.example.Foo", Allow},
		{alice, "com.example.Bar", Allow},
		{alice, "org.secure.Keys", Deny},
		{alice, "org.secure", Deny},
		{bob, "com.example.Foo", Deny},
		{bob, "com.example.Bar", Deny},
		{anon, "com.example.Foo", Allow},
	}
	for _, test := range tests {
		result := engine.Decide(Query{Direction: Own, Subject: test.subject, Name: test.name})
		if result.Decision != test.want {
			t.Errorf("uid %d own %s: got %v, want %v", test.subject.UID, test.name, result.Decision, test.want)
		}
	}
}

func TestDecide_Connect(t *testing.T) {
	engine := mustEngine(t, []Rule{
		{Direction: Connect, Decision: Allow, User: &IDMatch{ID: 1000}},
		{Direction: Connect, Decision: Allow, Group: &IDMatch{ID: 27}},
		{Scope: ScopeMandatory, Direction: Connect, Decision: Deny, User: &IDMatch{ID: 1002}},
	})
	tests := []struct {
		subject Subject
		want    Decision
	}{
		{alice, Allow},
		{bob, Deny},
		{Subject{UID: 1002, HaveUID: true, GIDs: []uint32{27}}, Deny},
		{Subject{UID: 1003, HaveUID: true, GIDs: []uint32{27}}, Allow},
		{anon, Deny},
	}
	for _, test := range tests {
		if got := engine.Decide(Query{Direction: Connect, Subject: test.subject}).Decision; got != test.want {
			t.Errorf("connect uid %d: got %v, want %v", test.subject.UID, got, test.want)
		}
	}
}

func TestDecide_InterfacelessMessage(t *testing.T) {
	engine := mustEngine(t, []Rule{
		{Direction: Send, Decision: Allow, Peer: Any},
		{Direction: Send, Decision: Deny, Interface: "com.example.Admin"},
		{Direction: Send, Decision: Allow, Interface: "com.example.Admin", Member: "Status"},
	})
	// The allow rule for Admin.Status must not match a call without an
	// interface, but the deny rule must.
	query := callTo(alice, "", "Status", ":1.9")
	if got := engine.Decide(query).Decision; got != Deny {
		t.Errorf("interfaceless Status: got %v, want deny", got)
	}
	query.Interface = "com.example.Admin"
	if got := engine.Decide(query).Decision; got != Allow {
		t.Errorf("Admin.Status: got %v, want allow", got)
	}
}

func TestDecide_Eavesdrop(t *testing.T) {
	engine := mustEngine(t, []Rule{
		{Direction: Receive, Decision: Allow},
		{Direction: Receive, Decision: Deny, Eavesdrop: true, Member: "Secret"},
	})

	signal := Query{Direction: Receive, Subject: alice, Type: wire.TypeSignal, Member: "Changed"}
	if got := engine.Decide(signal).Decision; got != Allow {
		t.Errorf("ordinary receive: got %v, want allow", got)
	}
	signal.Eavesdrop = true
	if got := engine.Decide(signal).Decision; got != Deny {
		t.Errorf("eavesdrop without an eavesdrop allow rule: got %v, want deny", got)
	}

	signal = Query{Direction: Receive, Subject: alice, Type: wire.TypeSignal, Member: "Secret"}
	if got := engine.Decide(signal).Decision; got != Allow {
		t.Errorf("eavesdrop-only deny applied to ordinary receive: got %v", got)
	}

	engine = mustEngine(t, []Rule{
		{Direction: Receive, Decision: Allow, Eavesdrop: true},
		{Direction: Receive, Decision: Deny, Member: "Secret"},
	})
	signal = Query{Direction: Receive, Subject: alice, Type: wire.TypeSignal, Member: "Changed", Eavesdrop: true}
	if got := engine.Decide(signal).Decision; got != Allow {
		t.Errorf("eavesdrop with eavesdrop allow rule: got %v, want allow", got)
	}
	signal.Member = "Secret"
	if got := engine.Decide(signal).Decision; got != Deny {
		t.Errorf("plain deny rule must apply to eavesdropping: got %v", got)
	}
}

func TestDecide_PeerPrefixAndBroadcast(t *testing.T) {
	engine := mustEngine(t, []Rule{
		{Direction: Send, Decision: Allow, PeerPrefix: "com.example"},
		{Direction: Send, Decision: Allow, Type: wire.TypeSignal, Broadcast: boolPtr(true)},
	})
	if got := engine.Decide(callTo(alice, "a.b", "C", ":1.4", "com.example.Foo")).Decision; got != Allow {
		t.Errorf("prefix match: got %v, want allow", got)
	}
	if got := engine.Decide(callTo(alice, "a.b", "C", ":1.4", "com.examples")).Decision; got != Deny {
		t.Errorf("prefix must respect element boundaries: got %v", got)
	}

	broadcast := Query{Direction: Send, Subject: alice, Type: wire.TypeSignal, Broadcast: true}
	if got := engine.Decide(broadcast).Decision; got != Allow {
		t.Errorf("broadcast signal: got %v, want allow", got)
	}
	broadcast.Broadcast = false
	if got := engine.Decide(broadcast).Decision; got != Deny {
		t.Errorf("unicast signal: got %v, want deny", got)
	}
}

func TestReloadSwapsAtomically(t *testing.T) {
	engine := mustEngine(t, SessionDefaults(1000))
	if got := engine.Decide(Query{Direction: Own, Subject: alice, Name: "com.example.Foo"}).Decision; got != Allow {
		t.Fatalf("session defaults own: got %v", got)
	}

	err := engine.Reload([]Rule{{Direction: Own, Decision: Allow}})
	if !errors.Is(err, ErrInvalidRule) {
		t.Fatalf("Reload with invalid rule: got %v, want ErrInvalidRule", err)
	}
	if len(engine.Rules()) != 4 {
		t.Errorf("failed reload replaced the rule set")
	}

	if err := engine.Reload(nil); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if got := engine.Decide(Query{Direction: Own, Subject: alice, Name: "com.example.Foo"}).Decision; got != Deny {
		t.Errorf("after reload to empty: got %v, want deny", got)
	}
}

func TestSessionDefaults(t *testing.T) {
	engine := mustEngine(t, SessionDefaults(1000))
	if !engine.Allowed(Query{Direction: Connect, Subject: alice}) {
		t.Error("owner cannot connect")
	}
	if engine.Allowed(Query{Direction: Connect, Subject: bob}) {
		t.Error("other user can connect")
	}
	if !engine.Allowed(callTo(alice, "com.example.Foo", "Bar", ":1.3")) {
		t.Error("owner cannot send")
	}
	if !engine.Allowed(Query{Direction: Receive, Subject: alice, Type: wire.TypeSignal, Eavesdrop: true}) {
		t.Error("owner cannot eavesdrop")
	}
}

func TestValidate(t *testing.T) {
	invalid := []Rule{
		{Direction: Connect, Decision: Allow},
		{Direction: Connect, Decision: Allow, User: &IDMatch{Any: true}, Member: "X"},
		{Scope: ScopeUser, Direction: Connect, Decision: Allow, User: &IDMatch{Any: true}},
		{Direction: Own, Decision: Allow},
		{Direction: Own, Decision: Allow, OwnName: "a.b", OwnPrefix: "a"},
		{Direction: Receive, Decision: Allow, PeerPrefix: "a"},
		{Direction: Receive, Decision: Allow, Broadcast: boolPtr(true)},
		{Direction: Send, Decision: Allow, OwnName: "a.b"},
		{Direction: Direction(9), Decision: Allow},
		{Direction: Send, Decision: Decision(5)},
	}
	for i, rule := range invalid {
		if err := rule.Validate(); !errors.Is(err, ErrInvalidRule) {
			t.Errorf("rule %d (%s): got %v, want ErrInvalidRule", i, rule.String(), err)
		}
	}
}
