// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"strings"
	"testing"
)

func TestValidBusName(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"org.freedesktop.DBus", true},
		{"com.example.Foo-Bar", true},
		{"com.example._private", true},
		{":1.42", true},
		{":1.0a", true},
		{"nodots", false},
		{"", false},
		{".leading.dot", false},
		{"trailing.dot.", false},
		{"com.9digit", false},
		{"com..empty", false},
		{"com.exa mple", false},
		{":", false},
		{":1", false},
		{"com." + strings.Repeat("a", 252), false},
	}
	for _, test := range tests {
		if got := ValidBusName(test.name); got != test.want {
			t.Errorf("ValidBusName(%q) = %v, want %v", test.name, got, test.want)
		}
	}
}

func TestValidInterfaceAndMember(t *testing.T) {
	interfaces := map[string]bool{
		"org.freedesktop.DBus":            true,
		"org.freedesktop.DBus.Properties": true,
		"com.example.Foo-Bar":             false,
		"single":                          false,
		"com.1bad":                        false,
	}
	for name, want := range interfaces {
		if got := ValidInterfaceName(name); got != want {
			t.Errorf("ValidInterfaceName(%q) = %v, want %v", name, got, want)
		}
	}

	members := map[string]bool{
		"Hello":      true,
		"_private":   true,
		"Get2":       true,
		"2Get":       false,
		"Has.Dot":    false,
		"":           false,
		"with-minus": false,
	}
	for name, want := range members {
		if got := ValidMemberName(name); got != want {
			t.Errorf("ValidMemberName(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestValidObjectPath(t *testing.T) {
	paths := map[string]bool{
		"/":                     true,
		"/org/freedesktop/DBus": true,
		"/a_b/C9":               true,
		"":                      false,
		"org":                   false,
		"/trailing/":            false,
		"//double":              false,
		"/has-minus":            false,
	}
	for path, want := range paths {
		if got := ValidObjectPath(path); got != want {
			t.Errorf("ValidObjectPath(%q) = %v, want %v", path, got, want)
		}
	}
}
