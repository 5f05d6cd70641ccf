// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import "fmt"

// Type is the message type carried in the second header byte.
type Type byte

const (
	TypeInvalid      Type = 0
	TypeMethodCall   Type = 1
	TypeMethodReturn Type = 2
	TypeError        Type = 3
	TypeSignal       Type = 4
)

// String returns the match-rule spelling of the type.
func (t Type) String() string {
	switch t {
	case TypeMethodCall:
		return "method_call"
	case TypeMethodReturn:
		return "method_return"
	case TypeError:
		return "error"
	case TypeSignal:
		return "signal"
	default:
		return fmt.Sprintf("type(%d)", byte(t))
	}
}

// ParseType maps a match-rule or policy type name to a Type.
func ParseType(name string) (Type, bool) {
	switch name {
	case "method_call":
		return TypeMethodCall, true
	case "method_return":
		return TypeMethodReturn, true
	case "error":
		return TypeError, true
	case "signal":
		return TypeSignal, true
	}
	return TypeInvalid, false
}

// Flags is the header flag byte.
type Flags byte

const (
	FlagNoReplyExpected               Flags = 0x1
	FlagNoAutoStart                   Flags = 0x2
	FlagAllowInteractiveAuthorization Flags = 0x4
)

// ProtocolVersion is the only major protocol version in existence.
const ProtocolVersion = 1

// MaxMessageSize is the protocol ceiling on a whole message.
const MaxMessageSize = 128 << 20

// fixedHeaderLength covers the endianness byte through the length of
// the header fields array.
const fixedHeaderLength = 16

// Header field codes.
const (
	fieldPath        = 1
	fieldInterface   = 2
	fieldMember      = 3
	fieldErrorName   = 4
	fieldReplySerial = 5
	fieldDestination = 6
	fieldSender      = 7
	fieldSignature   = 8
	fieldUnixFDs     = 9
)

// fieldTypes is the variant signature each known header field must use.
var fieldTypes = [...]string{
	fieldPath:        "o",
	fieldInterface:   "s",
	fieldMember:      "s",
	fieldErrorName:   "s",
	fieldReplySerial: "u",
	fieldDestination: "s",
	fieldSender:      "s",
	fieldSignature:   "g",
	fieldUnixFDs:     "u",
}

// Message is one decoded D-Bus message. Body holds the raw payload in
// the message's own byte order; it is never re-interpreted when a
// message is routed.
type Message struct {
	Order       ByteOrder
	Type        Type
	Flags       Flags
	Serial      uint32
	ReplySerial uint32
	Path        ObjectPath
	Interface   string
	Member      string
	ErrorName   string
	Destination string
	Sender      string
	Signature   Signature
	UnixFDs     uint32
	Body        []byte
}

// ExpectsReply reports whether m is a method call whose sender wants
// a reply.
func (m *Message) ExpectsReply() bool {
	return m.Type == TypeMethodCall && m.Flags&FlagNoReplyExpected == 0
}

// Clone returns a shallow copy of m. The body slice is shared; bodies
// are never mutated after decode.
func (m *Message) Clone() *Message {
	clone := *m
	return &clone
}

// String renders a one-line summary for logs.
func (m *Message) String() string {
	switch m.Type {
	case TypeMethodReturn:
		return fmt.Sprintf("%s serial=%d reply_serial=%d sender=%s destination=%s",
			m.Type, m.Serial, m.ReplySerial, m.Sender, m.Destination)
	case TypeError:
		return fmt.Sprintf("%s serial=%d reply_serial=%d error=%s sender=%s destination=%s",
			m.Type, m.Serial, m.ReplySerial, m.ErrorName, m.Sender, m.Destination)
	default:
		return fmt.Sprintf("%s serial=%d path=%s interface=%s member=%s sender=%s destination=%s",
			m.Type, m.Serial, m.Path, m.Interface, m.Member, m.Sender, m.Destination)
	}
}

// Validate checks the header invariants that do not depend on the
// byte layout: required fields per type, name syntax, and a non-zero
// serial.
func (m *Message) Validate() error {
	if m.Serial == 0 {
		return malformed("serial must be non-zero")
	}
	switch m.Type {
	case TypeMethodCall:
		if m.Path == "" || m.Member == "" {
			return malformed("method call requires path and member")
		}
	case TypeMethodReturn:
		if m.ReplySerial == 0 {
			return malformed("method return requires reply serial")
		}
	case TypeError:
		if m.ErrorName == "" || m.ReplySerial == 0 {
			return malformed("error requires error name and reply serial")
		}
	case TypeSignal:
		if m.Path == "" || m.Interface == "" || m.Member == "" {
			return malformed("signal requires path, interface and member")
		}
	default:
		return malformed("unknown message type %d", m.Type)
	}
	if m.Path != "" && !ValidObjectPath(string(m.Path)) {
		return malformed("invalid object path %q", m.Path)
	}
	if m.Interface != "" && !ValidInterfaceName(m.Interface) {
		return malformed("invalid interface %q", m.Interface)
	}
	if m.Member != "" && !ValidMemberName(m.Member) {
		return malformed("invalid member %q", m.Member)
	}
	if m.ErrorName != "" && !ValidErrorName(m.ErrorName) {
		return malformed("invalid error name %q", m.ErrorName)
	}
	if m.Destination != "" && !ValidBusName(m.Destination) {
		return malformed("invalid destination %q", m.Destination)
	}
	if m.Sender != "" && !ValidBusName(m.Sender) {
		return malformed("invalid sender %q", m.Sender)
	}
	if m.Type == TypeSignal && m.Path == "/org/freedesktop/DBus/Local" {
		return malformed("signal uses the reserved local path")
	}
	if m.Interface == "org.freedesktop.DBus.Local" {
		return malformed("message uses the reserved local interface")
	}
	return validateSignature(string(m.Signature))
}
