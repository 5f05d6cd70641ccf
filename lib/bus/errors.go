// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"errors"
	"fmt"
)

var (
	// ErrProtocolViolation closes a connection that broke the rules of
	// the session: a first message other than Hello, a second Hello.
	ErrProtocolViolation = errors.New("bus: protocol violation")

	// ErrResourceExhausted closes a connection whose outgoing queue
	// stayed full.
	ErrResourceExhausted = errors.New("bus: resource exhausted")

	// ErrAuthTimeout closes a connection that did not finish the
	// handshake within Limits.AuthTimeout.
	ErrAuthTimeout = errors.New("bus: authentication timed out")

	// ErrShutdown closes every connection when the bus stops.
	ErrShutdown = errors.New("bus: shutting down")

	// ErrClosed is returned when delivering to a connection that has
	// already closed.
	ErrClosed = errors.New("bus: connection closed")
)

// Standard D-Bus error names sent in error replies.
const (
	ErrorFailed                        = "org.freedesktop.DBus.Error.Failed"
	ErrorServiceUnknown                = "org.freedesktop.DBus.Error.ServiceUnknown"
	ErrorNameHasNoOwner                = "org.freedesktop.DBus.Error.NameHasNoOwner"
	ErrorNoReply                       = "org.freedesktop.DBus.Error.NoReply"
	ErrorAccessDenied                  = "org.freedesktop.DBus.Error.AccessDenied"
	ErrorLimitsExceeded                = "org.freedesktop.DBus.Error.LimitsExceeded"
	ErrorInvalidArgs                   = "org.freedesktop.DBus.Error.InvalidArgs"
	ErrorUnknownMethod                 = "org.freedesktop.DBus.Error.UnknownMethod"
	ErrorUnknownInterface              = "org.freedesktop.DBus.Error.UnknownInterface"
	ErrorUnknownProperty               = "org.freedesktop.DBus.Error.UnknownProperty"
	ErrorPropertyReadOnly              = "org.freedesktop.DBus.Error.PropertyReadOnly"
	ErrorMatchRuleInvalid              = "org.freedesktop.DBus.Error.MatchRuleInvalid"
	ErrorMatchRuleNotFound             = "org.freedesktop.DBus.Error.MatchRuleNotFound"
	ErrorNotSupported                  = "org.freedesktop.DBus.Error.NotSupported"
	ErrorUnixProcessIdUnknown          = "org.freedesktop.DBus.Error.UnixProcessIdUnknown"
	ErrorSELinuxSecurityContextUnknown = "org.freedesktop.DBus.Error.SELinuxSecurityContextUnknown"
	ErrorAdtAuditDataUnknown           = "org.freedesktop.DBus.Error.AdtAuditDataUnknown"
)

// Error is a D-Bus error: a well-formed error name plus a human-readable
// message, sent as the single string argument of an error reply.
type Error struct {
	Name    string
	Message string
}

func (e *Error) Error() string {
	return e.Name + ": " + e.Message
}

func newError(name, format string, args ...any) *Error {
	return &Error{Name: name, Message: fmt.Sprintf(format, args...)}
}

// IsErrorName reports whether err is, or wraps, an *Error with the given
// D-Bus error name.
func IsErrorName(err error, name string) bool {
	var busErr *Error
	return errors.As(err, &busErr) && busErr.Name == name
}
