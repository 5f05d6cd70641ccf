// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import "fmt"

// FrameLength returns the total length of the message whose fixed
// header starts buf. It returns ErrIncomplete if buf holds fewer than
// 16 bytes, and a *MalformedError if the header is unusable or the
// message would exceed MaxMessageSize.
func FrameLength(buf []byte) (int, error) {
	return frameLength(buf, MaxMessageSize)
}

func frameLength(buf []byte, limit int) (int, error) {
	if len(buf) < fixedHeaderLength {
		return 0, ErrIncomplete
	}
	order := ByteOrder(buf[0])
	if order != LittleEndian && order != BigEndian {
		return 0, malformed("invalid endianness marker %q", buf[0])
	}
	if buf[3] != ProtocolVersion {
		return 0, malformed("unsupported protocol version %d", buf[3])
	}
	byteOrder := order.binary()
	bodyLength := uint64(byteOrder.Uint32(buf[4:8]))
	fieldsLength := uint64(byteOrder.Uint32(buf[12:16]))
	if fieldsLength > MaxArrayLength {
		return 0, malformed("header fields array longer than %d bytes", MaxArrayLength)
	}
	headerEnd := pad8(fixedHeaderLength + fieldsLength)
	total := headerEnd + bodyLength
	if total > uint64(limit) {
		return 0, malformed("message length %d exceeds limit %d", total, limit)
	}
	return int(total), nil
}

func pad8(n uint64) uint64 {
	return (n + 7) &^ 7
}

// Decode decodes the first message in buf and returns it together
// with the number of bytes consumed.
func Decode(buf []byte) (*Message, int, error) {
	return DecodeLimit(buf, MaxMessageSize)
}

// DecodeLimit is Decode with a caller-imposed message size limit,
// which must not exceed MaxMessageSize.
func DecodeLimit(buf []byte, limit int) (*Message, int, error) {
	if limit <= 0 || limit > MaxMessageSize {
		limit = MaxMessageSize
	}
	total, err := frameLength(buf, limit)
	if err != nil {
		return nil, 0, err
	}
	if len(buf) < total {
		return nil, 0, ErrIncomplete
	}
	buf = buf[:total]

	order := ByteOrder(buf[0])
	byteOrder := order.binary()
	m := &Message{
		Order:  order,
		Type:   Type(buf[1]),
		Flags:  Flags(buf[2]),
		Serial: byteOrder.Uint32(buf[8:12]),
	}
	bodyLength := int(byteOrder.Uint32(buf[4:8]))

	d := &decoder{order: byteOrder, data: buf, pos: 12}
	fieldsLength, err := d.uint32()
	if err != nil {
		return nil, 0, err
	}
	fieldsEnd := d.pos + int(fieldsLength)
	var seen [len(fieldTypes)]bool
	for d.pos < fieldsEnd {
		if err := d.align(8); err != nil {
			return nil, 0, err
		}
		code, err := d.byte()
		if err != nil {
			return nil, 0, err
		}
		sig, err := d.signature()
		if err != nil {
			return nil, 0, err
		}
		if sig == "" || singleTypeLength(sig) != len(sig) {
			return nil, 0, malformed("header field %d has invalid variant signature %q", code, sig)
		}
		value, err := d.value(sig, depth{variants: 1})
		if err != nil {
			return nil, 0, err
		}
		if int(code) >= len(fieldTypes) || code == 0 {
			// Unknown fields are skipped.
			continue
		}
		if seen[code] {
			return nil, 0, malformed("duplicate header field %d", code)
		}
		seen[code] = true
		if sig != fieldTypes[code] {
			return nil, 0, malformed("header field %d has type %q, want %q", code, sig, fieldTypes[code])
		}
		assignField(m, code, value)
	}
	if d.pos != fieldsEnd {
		return nil, 0, malformed("header fields overrun declared length")
	}
	if err := d.align(8); err != nil {
		return nil, 0, err
	}
	if len(buf)-d.pos != bodyLength {
		return nil, 0, malformed("body length mismatch")
	}
	if bodyLength > 0 {
		m.Body = append([]byte(nil), buf[d.pos:]...)
	}

	if err := m.Validate(); err != nil {
		return nil, 0, err
	}
	if m.Signature == "" && bodyLength > 0 {
		return nil, 0, malformed("body present without signature")
	}
	if err := ValidateBody(order, m.Signature, m.Body); err != nil {
		return nil, 0, err
	}
	return m, total, nil
}

func assignField(m *Message, code byte, value any) {
	switch code {
	case fieldPath:
		m.Path = value.(ObjectPath)
	case fieldInterface:
		m.Interface = value.(string)
	case fieldMember:
		m.Member = value.(string)
	case fieldErrorName:
		m.ErrorName = value.(string)
	case fieldReplySerial:
		m.ReplySerial = value.(uint32)
	case fieldDestination:
		m.Destination = value.(string)
	case fieldSender:
		m.Sender = value.(string)
	case fieldSignature:
		m.Signature = value.(Signature)
	case fieldUnixFDs:
		m.UnixFDs = value.(uint32)
	}
}

// Encode returns the wire representation of m. The byte order defaults
// to little-endian when m.Order is unset.
func Encode(m *Message) ([]byte, error) {
	return AppendMessage(nil, m)
}

// AppendMessage appends the wire representation of m to buf.
func AppendMessage(buf []byte, m *Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return buf, err
	}
	if m.Signature == "" && len(m.Body) > 0 {
		return buf, malformed("body present without signature")
	}
	order := m.Order
	if order != BigEndian {
		order = LittleEndian
	}
	byteOrder := order.binary()

	// The header is encoded into its own buffer so that alignment is
	// measured from the start of the message.
	e := &encoder{order: byteOrder}
	e.buf = append(e.buf, byte(order), byte(m.Type), byte(m.Flags), ProtocolVersion)
	e.buf = byteOrder.AppendUint32(e.buf, uint32(len(m.Body)))
	e.buf = byteOrder.AppendUint32(e.buf, m.Serial)
	e.buf = byteOrder.AppendUint32(e.buf, 0)

	field := func(code byte, sig string, value any) {
		e.align(8)
		e.buf = append(e.buf, code)
		e.signature(sig)
		// Header values are pre-validated, so encoding cannot fail.
		_ = e.value(sig, value, depth{variants: 1})
	}
	if m.Path != "" {
		field(fieldPath, "o", m.Path)
	}
	if m.Interface != "" {
		field(fieldInterface, "s", m.Interface)
	}
	if m.Member != "" {
		field(fieldMember, "s", m.Member)
	}
	if m.ErrorName != "" {
		field(fieldErrorName, "s", m.ErrorName)
	}
	if m.ReplySerial != 0 {
		field(fieldReplySerial, "u", m.ReplySerial)
	}
	if m.Destination != "" {
		field(fieldDestination, "s", m.Destination)
	}
	if m.Sender != "" {
		field(fieldSender, "s", m.Sender)
	}
	if m.Signature != "" {
		field(fieldSignature, "g", m.Signature)
	}
	if m.UnixFDs != 0 {
		field(fieldUnixFDs, "u", m.UnixFDs)
	}
	byteOrder.PutUint32(e.buf[12:16], uint32(len(e.buf)-fixedHeaderLength))
	e.align(8)

	if len(e.buf)+len(m.Body) > MaxMessageSize {
		return buf, malformed("message length %d exceeds limit %d", len(e.buf)+len(m.Body), MaxMessageSize)
	}
	buf = append(buf, e.buf...)
	return append(buf, m.Body...), nil
}

// EncodeBody marshals values according to sig.
func EncodeBody(order ByteOrder, sig Signature, values ...any) ([]byte, error) {
	if err := validateSignature(string(sig)); err != nil {
		return nil, err
	}
	types := sig.Types()
	if len(types) != len(values) {
		return nil, fmt.Errorf("wire: signature %q describes %d values, got %d", sig, len(types), len(values))
	}
	e := &encoder{order: order.binary()}
	for i, valueType := range types {
		if err := e.value(string(valueType), values[i], depth{}); err != nil {
			return nil, err
		}
	}
	return e.buf, nil
}

// DecodeBody unmarshals a body described by sig.
func DecodeBody(order ByteOrder, sig Signature, body []byte) ([]any, error) {
	if err := validateSignature(string(sig)); err != nil {
		return nil, err
	}
	d := &decoder{order: order.binary(), data: body}
	var values []any
	for _, valueType := range sig.Types() {
		value, err := d.value(string(valueType), depth{})
		if err != nil {
			return nil, err
		}
		values = append(values, value)
	}
	if d.pos != len(body) {
		return nil, malformed("%d trailing bytes after body", len(body)-d.pos)
	}
	return values, nil
}

// ValidateBody checks that body is a well-formed encoding of sig.
func ValidateBody(order ByteOrder, sig Signature, body []byte) error {
	_, err := DecodeBody(order, sig, body)
	return err
}
