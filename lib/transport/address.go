// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrInvalidAddress matches every address parse error.
var ErrInvalidAddress = errors.New("transport: invalid address")

// Address is one parsed D-Bus address.
type Address struct {
	Transport string
	Params    map[string]string
}

// ParseAddresses parses a semicolon-separated address list.
func ParseAddresses(text string) ([]Address, error) {
	var addresses []Address
	for _, part := range strings.Split(text, ";") {
		if part == "" {
			continue
		}
		address, err := ParseAddress(part)
		if err != nil {
			return nil, err
		}
		addresses = append(addresses, address)
	}
	if len(addresses) == 0 {
		return nil, fmt.Errorf("%w: empty address list", ErrInvalidAddress)
	}
	return addresses, nil
}

// ParseAddress parses a single address.
func ParseAddress(text string) (Address, error) {
	transport, rest, ok := strings.Cut(text, ":")
	if !ok || transport == "" {
		return Address{}, fmt.Errorf("%w: %q has no transport", ErrInvalidAddress, text)
	}
	address := Address{Transport: transport, Params: make(map[string]string)}
	if rest == "" {
		return address, nil
	}
	for _, pair := range strings.Split(rest, ",") {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return Address{}, fmt.Errorf("%w: malformed pair %q in %q", ErrInvalidAddress, pair, text)
		}
		if _, exists := address.Params[key]; exists {
			return Address{}, fmt.Errorf("%w: key %q repeated in %q", ErrInvalidAddress, key, text)
		}
		unescaped, err := unescape(value)
		if err != nil {
			return Address{}, fmt.Errorf("%w: %s in %q", ErrInvalidAddress, err, text)
		}
		address.Params[key] = unescaped
	}
	return address, nil
}

// String renders the address with keys sorted and values escaped.
func (a Address) String() string {
	keys := make([]string, 0, len(a.Params))
	for key := range a.Params {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	pairs := make([]string, len(keys))
	for i, key := range keys {
		pairs[i] = key + "=" + Escape(a.Params[key])
	}
	return a.Transport + ":" + strings.Join(pairs, ",")
}

// With returns a copy of a with key set to value.
func (a Address) With(key, value string) Address {
	params := make(map[string]string, len(a.Params)+1)
	for k, v := range a.Params {
		params[k] = v
	}
	params[key] = value
	return Address{Transport: a.Transport, Params: params}
}

// Escape percent-encodes every byte outside the set D-Bus allows
// unescaped in address values.
func Escape(value string) string {
	var builder strings.Builder
	for i := 0; i < len(value); i++ {
		c := value[i]
		if optionallyEscaped(c) {
			builder.WriteByte(c)
		} else {
			fmt.Fprintf(&builder, "%%%02x", c)
		}
	}
	return builder.String()
}

func optionallyEscaped(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	return strings.IndexByte("-_/.\\*", c) >= 0
}

func unescape(value string) (string, error) {
	if !strings.Contains(value, "%") {
		return value, nil
	}
	var builder strings.Builder
	for i := 0; i < len(value); i++ {
		if value[i] != '%' {
			builder.WriteByte(value[i])
			continue
		}
		if i+2 >= len(value) {
			return "", errors.New("truncated escape")
		}
		high, okHigh := hexValue(value[i+1])
		low, okLow := hexValue(value[i+2])
		if !okHigh || !okLow {
			return "", fmt.Errorf("bad escape %q", value[i:i+3])
		}
		builder.WriteByte(high<<4 | low)
		i += 2
	}
	return builder.String(), nil
}

func hexValue(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
