// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"errors"
	"fmt"
)

// ErrIncomplete is returned by Decode and FrameLength when the buffer
// does not yet hold a whole message. The caller should read more bytes
// and retry.
var ErrIncomplete = errors.New("wire: incomplete message")

// ErrMalformed matches every *MalformedError under errors.Is.
var ErrMalformed = errors.New("wire: malformed message")

// MalformedError describes why a message or body failed validation.
type MalformedError struct {
	Reason string
}

func (e *MalformedError) Error() string {
	return "wire: malformed message: " + e.Reason
}

// Is reports whether target is ErrMalformed.
func (e *MalformedError) Is(target error) bool {
	return target == ErrMalformed
}

func malformed(format string, args ...any) error {
	return &MalformedError{Reason: fmt.Sprintf(format, args...)}
}
