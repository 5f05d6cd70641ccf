// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import "strings"

// maxNameLength bounds bus, interface, member, and error names.
const maxNameLength = 255

// IsUniqueName reports whether name has the form of a bus-assigned
// unique connection name (leading colon).
func IsUniqueName(name string) bool {
	return strings.HasPrefix(name, ":")
}

// ValidBusName reports whether name is a syntactically valid unique or
// well-known bus name.
func ValidBusName(name string) bool {
	if name == "" || len(name) > maxNameLength {
		return false
	}
	unique := IsUniqueName(name)
	if unique {
		name = name[1:]
	}
	elements := strings.Split(name, ".")
	if len(elements) < 2 {
		return false
	}
	for _, element := range elements {
		if element == "" {
			return false
		}
		if !unique && isDigit(element[0]) {
			return false
		}
		for i := 0; i < len(element); i++ {
			c := element[i]
			if !isNameChar(c) && c != '-' {
				return false
			}
		}
	}
	return true
}

// ValidInterfaceName reports whether name is a valid interface name:
// two or more dot-separated elements of [A-Za-z0-9_], none starting
// with a digit.
func ValidInterfaceName(name string) bool {
	if name == "" || len(name) > maxNameLength {
		return false
	}
	elements := strings.Split(name, ".")
	if len(elements) < 2 {
		return false
	}
	for _, element := range elements {
		if !validElement(element) {
			return false
		}
	}
	return true
}

// ValidErrorName reports whether name is a valid error name. Error
// names follow the interface name rules.
func ValidErrorName(name string) bool {
	return ValidInterfaceName(name)
}

// ValidMemberName reports whether name is a valid method or signal name.
func ValidMemberName(name string) bool {
	return len(name) <= maxNameLength && validElement(name)
}

// ValidObjectPath reports whether path is a valid object path.
func ValidObjectPath(path string) bool {
	if path == "/" {
		return true
	}
	if !strings.HasPrefix(path, "/") || strings.HasSuffix(path, "/") {
		return false
	}
	for _, element := range strings.Split(path[1:], "/") {
		if element == "" {
			return false
		}
		for i := 0; i < len(element); i++ {
			if !isNameChar(element[i]) {
				return false
			}
		}
	}
	return true
}

func validElement(element string) bool {
	if element == "" || isDigit(element[0]) {
		return false
	}
	for i := 0; i < len(element); i++ {
		if !isNameChar(element[i]) {
			return false
		}
	}
	return true
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isNameChar(c byte) bool {
	return c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z' || isDigit(c) || c == '_'
}
