// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

// Protocol limits on signatures and container nesting.
const (
	MaxSignatureLength = 255
	maxArrayDepth      = 32
	maxStructDepth     = 32
	maxTotalDepth      = 64
)

// Signature is a D-Bus type signature: a sequence of zero or more
// complete types.
type Signature string

// ObjectPath is a D-Bus object path.
type ObjectPath string

// ParseSignature validates s and returns it as a Signature.
func ParseSignature(s string) (Signature, error) {
	if err := validateSignature(s); err != nil {
		return "", err
	}
	return Signature(s), nil
}

// Types splits the signature into its complete types. The signature
// must already be valid.
func (s Signature) Types() []Signature {
	var types []Signature
	rest := string(s)
	for rest != "" {
		n := singleTypeLength(rest)
		types = append(types, Signature(rest[:n]))
		rest = rest[n:]
	}
	return types
}

// IsSingle reports whether s is exactly one complete type.
func (s Signature) IsSingle() bool {
	if validateSignature(string(s)) != nil || s == "" {
		return false
	}
	return singleTypeLength(string(s)) == len(s)
}

func validateSignature(s string) error {
	if len(s) > MaxSignatureLength {
		return malformed("signature longer than %d bytes", MaxSignatureLength)
	}
	for i := 0; i < len(s); {
		n, err := completeType(s[i:], 0, 0)
		if err != nil {
			return err
		}
		i += n
	}
	return nil
}

func isBasicType(c byte) bool {
	switch c {
	case 'y', 'b', 'n', 'q', 'i', 'u', 'x', 't', 'd', 's', 'o', 'g', 'h':
		return true
	}
	return false
}

// completeType returns the length of the complete type at the start of
// s, enforcing nesting limits.
func completeType(s string, arrays, structs int) (int, error) {
	if s == "" {
		return 0, malformed("signature ends inside a container")
	}
	c := s[0]
	switch {
	case isBasicType(c), c == 'v':
		return 1, nil
	case c == 'a':
		if arrays+1 > maxArrayDepth {
			return 0, malformed("array nesting deeper than %d", maxArrayDepth)
		}
		if len(s) < 2 {
			return 0, malformed("array without element type")
		}
		if s[1] == '{' {
			n, err := dictEntryType(s[1:], arrays+1, structs)
			if err != nil {
				return 0, err
			}
			return 1 + n, nil
		}
		n, err := completeType(s[1:], arrays+1, structs)
		if err != nil {
			return 0, err
		}
		return 1 + n, nil
	case c == '(':
		if structs+1 > maxStructDepth {
			return 0, malformed("struct nesting deeper than %d", maxStructDepth)
		}
		i := 1
		for {
			if i >= len(s) {
				return 0, malformed("unterminated struct in signature")
			}
			if s[i] == ')' {
				break
			}
			n, err := completeType(s[i:], arrays, structs+1)
			if err != nil {
				return 0, err
			}
			i += n
		}
		if i == 1 {
			return 0, malformed("empty struct in signature")
		}
		return i + 1, nil
	case c == '{':
		return 0, malformed("dict entry outside of array")
	case c == ')' || c == '}':
		return 0, malformed("unbalanced %q in signature", c)
	default:
		return 0, malformed("unknown type code %q", c)
	}
}

// dictEntryType parses "{KV}" where K is a basic type.
func dictEntryType(s string, arrays, structs int) (int, error) {
	if structs+1 > maxStructDepth {
		return 0, malformed("struct nesting deeper than %d", maxStructDepth)
	}
	if len(s) < 2 {
		return 0, malformed("unterminated dict entry in signature")
	}
	if !isBasicType(s[1]) {
		return 0, malformed("dict entry key must be a basic type, got %q", s[1])
	}
	n, err := completeType(s[2:], arrays, structs+1)
	if err != nil {
		return 0, err
	}
	end := 2 + n
	if end >= len(s) || s[end] != '}' {
		return 0, malformed("dict entry must hold exactly two types")
	}
	return end + 1, nil
}

// singleTypeLength returns the length of the first complete type of a
// signature known to be valid.
func singleTypeLength(s string) int {
	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case 'a':
			continue
		case '(', '{':
			depth++
		case ')', '}':
			depth--
		}
		if depth == 0 {
			return i + 1
		}
	}
	return len(s)
}

// alignment returns the wire alignment of the type starting with c.
func alignment(c byte) int {
	switch c {
	case 'y', 'g', 'v':
		return 1
	case 'n', 'q':
		return 2
	case 'b', 'i', 'u', 's', 'o', 'a', 'h':
		return 4
	case 'x', 't', 'd', '(', '{':
		return 8
	}
	return 1
}
