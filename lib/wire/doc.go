// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire implements the D-Bus binary message format.
//
// A message on the wire is a 16-byte fixed header, an array of typed
// header fields, padding to an 8-byte boundary, and a body whose layout
// is described by the SIGNATURE header field. Every multi-byte value is
// encoded in the byte order named by the first byte of the message ('l'
// for little-endian, 'B' for big-endian) and aligned to its natural
// boundary relative to the start of the message.
//
// The package is stateless. [Decode] consumes exactly one message from
// a byte slice and reports [ErrIncomplete] when the slice does not yet
// hold the whole message, so a connection reader can buffer and retry
// without the codec ever blocking:
//
//	length, err := wire.FrameLength(header)
//	// ... read until len(buf) >= length ...
//	msg, consumed, err := wire.Decode(buf)
//
// [Encode] produces the byte-exact representation of a [Message]. The
// header fields array is always written in ascending field-code order,
// so re-encoding a decoded message yields the same bytes whenever the
// sender used canonical ordering.
//
// Bodies are validated against their signature on decode but otherwise
// kept as raw bytes: routing never needs the typed payload. Callers that
// do (the bus driver, match rule argument filters) use [DecodeBody] and
// [EncodeBody], which map D-Bus types onto Go values:
//
//	y byte        b bool        n int16       q uint16
//	i int32       u uint32      x int64       t uint64
//	d float64     s string      o ObjectPath  g Signature
//	h UnixFD      v Variant     (...) Struct  a{..} Dict
//	ay []byte     a* []any
//
// Any input that violates the format (bad alignment padding, invalid
// UTF-8, an unterminated container in a signature, a duplicated header
// field, a length past the protocol limits) is reported as a
// [*MalformedError], which matches [ErrMalformed] under errors.Is.
package wire
