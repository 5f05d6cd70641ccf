// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package match

import (
	"errors"
	"iter"
	"sort"
	"sync"

	"github.com/bureau-foundation/busd/lib/wire"
)

// ErrRuleNotFound is returned by Remove for a rule the connection never
// added (or already removed as many times as it added it).
var ErrRuleNotFound = errors.New("match: rule not found")

type counted struct {
	rule  Rule
	count int
}

// Registry holds every connection's match rules and monitor
// registrations, keyed by unique name.
type Registry struct {
	mu       sync.RWMutex
	rules    map[string]map[string]*counted
	monitors map[string][]Rule
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		rules:    make(map[string]map[string]*counted),
		monitors: make(map[string][]Rule),
	}
}

// Add registers rule for owner, incrementing its reference count if
// already present. Returns the total number of references owner holds.
func (r *Registry) Add(owner string, rule Rule) int {
	key := rule.String()
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.rules[owner]
	if set == nil {
		set = make(map[string]*counted)
		r.rules[owner] = set
	}
	if existing := set[key]; existing != nil {
		existing.count++
	} else {
		set[key] = &counted{rule: rule, count: 1}
	}
	return countLocked(set)
}

// Remove drops one reference to rule for owner.
func (r *Registry) Remove(owner string, rule Rule) error {
	key := rule.String()
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.rules[owner]
	existing := set[key]
	if existing == nil {
		return ErrRuleNotFound
	}
	existing.count--
	if existing.count == 0 {
		delete(set, key)
		if len(set) == 0 {
			delete(r.rules, owner)
		}
	}
	return nil
}

// RemoveAll drops every rule and any monitor registration held by owner.
func (r *Registry) RemoveAll(owner string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rules, owner)
	delete(r.monitors, owner)
}

// Count returns the number of rule references owner holds.
func (r *Registry) Count(owner string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return countLocked(r.rules[owner])
}

func countLocked(set map[string]*counted) int {
	total := 0
	for _, entry := range set {
		total += entry.count
	}
	return total
}

// Rules returns owner's distinct rules in canonical-string order.
func (r *Registry) Rules(owner string) []Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.rules[owner]
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	rules := make([]Rule, len(keys))
	for i, key := range keys {
		rules[i] = set[key].rule
	}
	return rules
}

// SetMonitor registers owner as a monitor. An empty rule list observes
// every message.
func (r *Registry) SetMonitor(owner string, rules []Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.monitors[owner] = append([]Rule{}, rules...)
}

// IsMonitor reports whether owner is registered as a monitor.
func (r *Registry) IsMonitor(owner string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.monitors[owner]
	return ok
}

type subscription struct {
	owner string
	rules []Rule
}

// Subscribers yields each connection holding a rule that matches msg.
// A rule without eavesdrop='true' only matches messages that have no
// destination or are addressed to the rule's owner. Each owner is
// yielded at most once; order is unspecified.
func (r *Registry) Subscribers(msg *wire.Message, resolver Resolver) iter.Seq[string] {
	snapshot := r.snapshotRules()
	return func(yield func(string) bool) {
		args := newArguments(msg)
		destination := resolveDestination(msg, resolver)
		for _, sub := range snapshot {
			addressed := msg.Destination == "" || destination == sub.owner
			for _, rule := range sub.rules {
				if !addressed && !rule.Eavesdrop {
					continue
				}
				if rule.matches(msg, resolver, args) {
					if !yield(sub.owner) {
						return
					}
					break
				}
			}
		}
	}
}

// Monitors yields each monitor whose filter matches msg, regardless of
// the message's destination.
func (r *Registry) Monitors(msg *wire.Message, resolver Resolver) iter.Seq[string] {
	snapshot := r.snapshotMonitors()
	return func(yield func(string) bool) {
		args := newArguments(msg)
		for _, sub := range snapshot {
			matched := len(sub.rules) == 0
			for _, rule := range sub.rules {
				if rule.matches(msg, resolver, args) {
					matched = true
					break
				}
			}
			if matched && !yield(sub.owner) {
				return
			}
		}
	}
}

func resolveDestination(msg *wire.Message, resolver Resolver) string {
	if msg.Destination == "" || wire.IsUniqueName(msg.Destination) || resolver == nil {
		return msg.Destination
	}
	if owner, ok := resolver.Resolve(msg.Destination); ok {
		return owner
	}
	return msg.Destination
}

func (r *Registry) snapshotRules() []subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snapshot := make([]subscription, 0, len(r.rules))
	for owner, set := range r.rules {
		rules := make([]Rule, 0, len(set))
		for _, entry := range set {
			rules = append(rules, entry.rule)
		}
		snapshot = append(snapshot, subscription{owner: owner, rules: rules})
	}
	return snapshot
}

func (r *Registry) snapshotMonitors() []subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snapshot := make([]subscription, 0, len(r.monitors))
	for owner, rules := range r.monitors {
		snapshot = append(snapshot, subscription{owner: owner, rules: rules})
	}
	return snapshot
}
