// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"fmt"
	"slices"
	"sort"
	"sync/atomic"

	"github.com/bureau-foundation/busd/lib/wire"
)

// Subject is the connection whose policy is being evaluated: the sender
// for Send, the receiver for Receive, the requester for Own, and the
// connecting peer for Connect.
type Subject struct {
	UID     uint32
	HaveUID bool
	GIDs    []uint32
}

// Query describes one action to check.
type Query struct {
	Direction Direction
	Subject   Subject

	// Message attributes, for Send and Receive.
	Type           wire.Type
	Interface      string
	Member         string
	Path           string
	ErrorName      string
	RequestedReply bool
	Broadcast      bool
	Eavesdrop      bool

	// PeerNames are the names owned by the other side: the recipient
	// for Send, the sender for Receive. Unique names included.
	PeerNames []string

	// Name is the well-known name being requested, for Own.
	Name string
}

// MessageQuery fills the message attributes of a query from msg.
// requestedReply reports whether msg is a reply to a call the receiver
// made.
func MessageQuery(direction Direction, subject Subject, msg *wire.Message, requestedReply bool, peerNames []string) Query {
	return Query{
		Direction:      direction,
		Subject:        subject,
		Type:           msg.Type,
		Interface:      msg.Interface,
		Member:         msg.Member,
		Path:           string(msg.Path),
		ErrorName:      msg.ErrorName,
		RequestedReply: requestedReply,
		Broadcast:      msg.Destination == "",
		PeerNames:      peerNames,
	}
}

// Result is the outcome of a policy check.
type Result struct {
	Decision Decision

	// Rule is the rule that decided the query. Nil when no rule matched
	// and the default applied.
	Rule *Rule
}

// Engine evaluates queries against a rule set that can be replaced at
// runtime. The zero value is not usable; call NewEngine.
type Engine struct {
	rules atomic.Pointer[[]Rule]
}

// NewEngine compiles rules into a new engine.
func NewEngine(rules []Rule) (*Engine, error) {
	engine := &Engine{}
	if err := engine.Reload(rules); err != nil {
		return nil, err
	}
	return engine, nil
}

// Reload validates rules and atomically replaces the engine's rule set.
// On error the previous set stays in effect.
func (e *Engine) Reload(rules []Rule) error {
	compiled := slices.Clone(rules)
	for i := range compiled {
		if err := compiled[i].Validate(); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
	}
	sort.SliceStable(compiled, func(i, j int) bool {
		return compiled[i].Scope < compiled[j].Scope
	})
	e.rules.Store(&compiled)
	return nil
}

// Rules returns the current rule set in evaluation order.
func (e *Engine) Rules() []Rule {
	return slices.Clone(*e.rules.Load())
}

// Decide evaluates q. The last applicable matching rule wins.
func (e *Engine) Decide(q Query) Result {
	rules := *e.rules.Load()
	for i := len(rules) - 1; i >= 0; i-- {
		rule := &rules[i]
		if rule.Direction != q.Direction || !rule.appliesTo(q.Subject) {
			continue
		}
		if rule.matches(q) {
			return Result{Decision: rule.Decision, Rule: rule}
		}
	}
	if q.RequestedReply && (q.Direction == Send || q.Direction == Receive) {
		return Result{Decision: Allow}
	}
	return Result{Decision: Deny}
}

// Allowed is shorthand for Decide(q).Decision == Allow.
func (e *Engine) Allowed(q Query) bool {
	return e.Decide(q).Decision == Allow
}

func (r *Rule) appliesTo(subject Subject) bool {
	switch r.Scope {
	case ScopeUser:
		return r.Principal.matches(subject.UID, subject.HaveUID)
	case ScopeGroup:
		if r.Principal.Any {
			return true
		}
		return slices.Contains(subject.GIDs, r.Principal.ID)
	default:
		return true
	}
}

func (r *Rule) matches(q Query) bool {
	switch q.Direction {
	case Connect:
		return r.matchesConnect(q.Subject)
	case Own:
		if r.OwnName != "" {
			return r.OwnName == Any || r.OwnName == q.Name
		}
		return namespaceMatches(r.OwnPrefix, q.Name)
	default:
		return r.matchesMessage(q)
	}
}

func (r *Rule) matchesConnect(subject Subject) bool {
	if r.User != nil && r.User.matches(subject.UID, subject.HaveUID) {
		return true
	}
	if r.Group != nil {
		if r.Group.Any {
			return true
		}
		if slices.Contains(subject.GIDs, r.Group.ID) {
			return true
		}
	}
	return false
}

func (r *Rule) matchesMessage(q Query) bool {
	if q.Eavesdrop && r.Decision == Allow && !r.Eavesdrop {
		return false
	}
	if !q.Eavesdrop && r.Decision == Deny && r.Eavesdrop {
		return false
	}
	if r.Type != wire.TypeInvalid && r.Type != q.Type {
		return false
	}
	if r.Interface != "" && r.Interface != Any {
		// A message without an interface could be dispatched to any
		// interface by the receiver, so deny rules still catch it.
		if q.Interface == "" {
			if r.Decision == Allow {
				return false
			}
		} else if r.Interface != q.Interface {
			return false
		}
	}
	if !stringMatches(r.Member, q.Member) ||
		!stringMatches(r.Path, q.Path) ||
		!stringMatches(r.ErrorName, q.ErrorName) {
		return false
	}
	if r.Peer != "" && r.Peer != Any && !slices.Contains(q.PeerNames, r.Peer) {
		return false
	}
	if r.PeerPrefix != "" && !slices.ContainsFunc(q.PeerNames, func(name string) bool {
		return namespaceMatches(r.PeerPrefix, name)
	}) {
		return false
	}
	if r.RequestedReply != nil && *r.RequestedReply != q.RequestedReply {
		return false
	}
	if r.Broadcast != nil && *r.Broadcast != q.Broadcast {
		return false
	}
	return true
}

// SessionDefaults returns the rule set of a per-user session bus owned
// by owner: only owner may connect, and connected peers may send,
// receive, eavesdrop and own any name.
func SessionDefaults(owner uint32) []Rule {
	return []Rule{
		{Direction: Connect, Decision: Allow, User: &IDMatch{ID: owner}},
		{Direction: Send, Decision: Allow, Peer: Any, Eavesdrop: true},
		{Direction: Receive, Decision: Allow, Eavesdrop: true},
		{Direction: Own, Decision: Allow, OwnName: Any},
	}
}
