// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package match

import (
	"errors"
	"slices"
	"sort"
	"testing"
)

func collect(seq func(func(string) bool)) []string {
	var owners []string
	for owner := range seq {
		owners = append(owners, owner)
	}
	sort.Strings(owners)
	return owners
}

func TestSubscribersSignalScenario(t *testing.T) {
	registry := NewRegistry()
	registry.Add(":1.3", mustParse(t, "type='signal',interface='com.example.Bar',member='Changed'"))
	registry.Add(":1.4", mustParse(t, "type='signal',interface='com.example.Bar',member='Removed'"))

	msg := signal(t, "com.example.Bar", "Changed")
	got := collect(registry.Subscribers(msg, nil))
	if !slices.Equal(got, []string{":1.3"}) {
		t.Errorf("Subscribers = %v, want [:1.3]", got)
	}
}

func TestSubscribersYieldOwnerOnce(t *testing.T) {
	registry := NewRegistry()
	registry.Add(":1.3", mustParse(t, "type='signal'"))
	registry.Add(":1.3", mustParse(t, "interface='com.example.Bar'"))
	got := collect(registry.Subscribers(signal(t, "com.example.Bar", "Changed"), nil))
	if !slices.Equal(got, []string{":1.3"}) {
		t.Errorf("Subscribers = %v, want a single :1.3", got)
	}
}

func TestSubscribersDestinationNeedsEavesdrop(t *testing.T) {
	registry := NewRegistry()
	registry.Add(":1.3", mustParse(t, "type='signal'"))
	registry.Add(":1.4", mustParse(t, "type='signal',eavesdrop='true'"))
	registry.Add(":1.9", mustParse(t, "type='signal'"))

	msg := signal(t, "com.example.Bar", "Changed")
	msg.Destination = "com.example.Target"
	resolver := staticResolver{"com.example.Target": ":1.9"}

	got := collect(registry.Subscribers(msg, resolver))
	if !slices.Equal(got, []string{":1.4", ":1.9"}) {
		t.Errorf("Subscribers = %v, want the eavesdropper and the addressee", got)
	}
}

func TestSubscribersStopEarly(t *testing.T) {
	registry := NewRegistry()
	for _, owner := range []string{":1.1", ":1.2", ":1.3"} {
		registry.Add(owner, Rule{})
	}
	count := 0
	for range registry.Subscribers(signal(t, "com.example.Bar", "Changed"), nil) {
		count++
		break
	}
	if count != 1 {
		t.Errorf("iterated %d times after break", count)
	}
}

func TestAddRemoveRefCounted(t *testing.T) {
	registry := NewRegistry()
	rule := mustParse(t, "type='signal',member='Changed'")
	same := mustParse(t, "member='Changed', type='signal'")

	if n := registry.Add(":1.3", rule); n != 1 {
		t.Errorf("first Add count = %d, want 1", n)
	}
	if n := registry.Add(":1.3", same); n != 2 {
		t.Errorf("second Add count = %d, want 2", n)
	}
	if err := registry.Remove(":1.3", rule); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	msg := signal(t, "com.example.Bar", "Changed")
	if got := collect(registry.Subscribers(msg, nil)); len(got) != 1 {
		t.Errorf("rule should survive one removal, subscribers = %v", got)
	}
	if err := registry.Remove(":1.3", rule); err != nil {
		t.Fatalf("second Remove: %v", err)
	}
	if got := collect(registry.Subscribers(msg, nil)); len(got) != 0 {
		t.Errorf("subscribers after final removal = %v", got)
	}
	if err := registry.Remove(":1.3", rule); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("third Remove: got %v, want ErrRuleNotFound", err)
	}
}

func TestRemoveAll(t *testing.T) {
	registry := NewRegistry()
	registry.Add(":1.3", Rule{})
	registry.SetMonitor(":1.3", nil)
	registry.RemoveAll(":1.3")
	if registry.Count(":1.3") != 0 || registry.IsMonitor(":1.3") {
		t.Error("RemoveAll left state behind")
	}
}

func TestMonitors(t *testing.T) {
	registry := NewRegistry()
	registry.SetMonitor(":1.7", nil)
	registry.SetMonitor(":1.8", []Rule{mustParse(t, "member='Other'")})

	msg := signal(t, "com.example.Bar", "Changed")
	msg.Destination = ":1.2"
	got := collect(registry.Monitors(msg, nil))
	if !slices.Equal(got, []string{":1.7"}) {
		t.Errorf("Monitors = %v, want [:1.7]", got)
	}
	if !registry.IsMonitor(":1.8") {
		t.Error("IsMonitor(:1.8) = false")
	}
}
