// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/binary"
	"math"
	"sort"
	"unicode/utf8"
)

// MaxArrayLength is the largest array payload, in bytes, the protocol
// permits.
const MaxArrayLength = 64 << 20

// Variant is a value tagged with its own single-type signature.
type Variant struct {
	Signature Signature
	Value     any
}

// MakeVariant builds a Variant, inferring the signature from the Go
// type of value. Returns a zero Variant if the type has no mapping.
func MakeVariant(value any) Variant {
	sig, ok := signatureOf(value)
	if !ok {
		return Variant{}
	}
	return Variant{Signature: sig, Value: value}
}

// Struct is a D-Bus STRUCT; one element per field.
type Struct []any

// DictEntry is one key/value pair of a D-Bus dictionary.
type DictEntry struct {
	Key   any
	Value any
}

// Dict is a D-Bus array of dict entries, in wire order.
type Dict []DictEntry

// UnixFD is an index into the out-of-band file descriptor array.
type UnixFD uint32

// ByteOrder is the endianness marker carried in the first header byte.
type ByteOrder byte

const (
	LittleEndian ByteOrder = 'l'
	BigEndian    ByteOrder = 'B'
)

// byteOrder reads and appends fixed-width integers in one endianness.
type byteOrder interface {
	binary.ByteOrder
	binary.AppendByteOrder
}

func (o ByteOrder) binary() byteOrder {
	if o == BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// depth tracks container nesting while walking values.
type depth struct {
	arrays, structs, variants int
}

func (d depth) enter(c byte) (depth, error) {
	switch c {
	case 'a':
		d.arrays++
	case '(', '{':
		d.structs++
	case 'v':
		d.variants++
	}
	if d.arrays > maxArrayDepth || d.structs > maxStructDepth ||
		d.arrays+d.structs+d.variants > maxTotalDepth {
		return d, malformed("container nesting too deep")
	}
	return d, nil
}

// encoder appends aligned values to a buffer. Offsets are relative to
// the start of buf, which must itself start on an 8-byte boundary of
// the enclosing message.
type encoder struct {
	order byteOrder
	buf   []byte
}

func (e *encoder) align(n int) {
	for len(e.buf)%n != 0 {
		e.buf = append(e.buf, 0)
	}
}

func (e *encoder) uint32(v uint32) {
	e.align(4)
	e.buf = e.order.AppendUint32(e.buf, v)
}

func (e *encoder) string(s string) {
	e.uint32(uint32(len(s)))
	e.buf = append(e.buf, s...)
	e.buf = append(e.buf, 0)
}

func (e *encoder) signature(s string) {
	e.buf = append(e.buf, byte(len(s)))
	e.buf = append(e.buf, s...)
	e.buf = append(e.buf, 0)
}

func (e *encoder) value(sig string, v any, d depth) error {
	c := sig[0]
	switch c {
	case 'y':
		b, ok := v.(byte)
		if !ok {
			return encodeTypeError(sig, v)
		}
		e.buf = append(e.buf, b)
	case 'b':
		b, ok := v.(bool)
		if !ok {
			return encodeTypeError(sig, v)
		}
		var n uint32
		if b {
			n = 1
		}
		e.uint32(n)
	case 'n':
		n, ok := v.(int16)
		if !ok {
			return encodeTypeError(sig, v)
		}
		e.align(2)
		e.buf = e.order.AppendUint16(e.buf, uint16(n))
	case 'q':
		n, ok := v.(uint16)
		if !ok {
			return encodeTypeError(sig, v)
		}
		e.align(2)
		e.buf = e.order.AppendUint16(e.buf, n)
	case 'i':
		n, ok := v.(int32)
		if !ok {
			return encodeTypeError(sig, v)
		}
		e.uint32(uint32(n))
	case 'u':
		n, ok := v.(uint32)
		if !ok {
			return encodeTypeError(sig, v)
		}
		e.uint32(n)
	case 'h':
		n, ok := v.(UnixFD)
		if !ok {
			return encodeTypeError(sig, v)
		}
		e.uint32(uint32(n))
	case 'x':
		n, ok := v.(int64)
		if !ok {
			return encodeTypeError(sig, v)
		}
		e.align(8)
		e.buf = e.order.AppendUint64(e.buf, uint64(n))
	case 't':
		n, ok := v.(uint64)
		if !ok {
			return encodeTypeError(sig, v)
		}
		e.align(8)
		e.buf = e.order.AppendUint64(e.buf, n)
	case 'd':
		f, ok := v.(float64)
		if !ok {
			return encodeTypeError(sig, v)
		}
		e.align(8)
		e.buf = e.order.AppendUint64(e.buf, math.Float64bits(f))
	case 's':
		s, ok := v.(string)
		if !ok {
			return encodeTypeError(sig, v)
		}
		if !validString(s) {
			return malformed("string is not valid UTF-8 or contains NUL")
		}
		e.string(s)
	case 'o':
		var p string
		switch value := v.(type) {
		case ObjectPath:
			p = string(value)
		case string:
			p = value
		default:
			return encodeTypeError(sig, v)
		}
		if !ValidObjectPath(p) {
			return malformed("invalid object path %q", p)
		}
		e.string(p)
	case 'g':
		var s string
		switch value := v.(type) {
		case Signature:
			s = string(value)
		case string:
			s = value
		default:
			return encodeTypeError(sig, v)
		}
		if err := validateSignature(s); err != nil {
			return err
		}
		e.signature(s)
	case 'v':
		variant, ok := v.(Variant)
		if !ok {
			return encodeTypeError(sig, v)
		}
		if !variant.Signature.IsSingle() {
			return malformed("variant signature %q is not a single complete type", variant.Signature)
		}
		inner, err := d.enter('v')
		if err != nil {
			return err
		}
		e.signature(string(variant.Signature))
		return e.value(string(variant.Signature), variant.Value, inner)
	case '(':
		fields, ok := v.(Struct)
		if !ok {
			if slice, isSlice := v.([]any); isSlice {
				fields = slice
			} else {
				return encodeTypeError(sig, v)
			}
		}
		inner, err := d.enter('(')
		if err != nil {
			return err
		}
		types := Signature(sig[1 : len(sig)-1]).Types()
		if len(types) != len(fields) {
			return malformed("struct %s has %d fields, got %d values", sig, len(types), len(fields))
		}
		e.align(8)
		for i, fieldType := range types {
			if err := e.value(string(fieldType), fields[i], inner); err != nil {
				return err
			}
		}
	case 'a':
		return e.array(sig, v, d)
	default:
		return malformed("unknown type code %q", c)
	}
	return nil
}

func (e *encoder) array(sig string, v any, d depth) error {
	inner, err := d.enter('a')
	if err != nil {
		return err
	}
	elementType := sig[1:]
	e.uint32(0)
	lengthOffset := len(e.buf) - 4
	e.align(alignment(elementType[0]))
	start := len(e.buf)

	switch {
	case elementType == "y":
		bytes, ok := v.([]byte)
		if !ok {
			return encodeTypeError(sig, v)
		}
		e.buf = append(e.buf, bytes...)
	case elementType[0] == '{':
		entries, err := dictEntries(v)
		if err != nil {
			return encodeTypeError(sig, v)
		}
		entryInner, err := inner.enter('{')
		if err != nil {
			return err
		}
		keyType := elementType[1:2]
		valueType := elementType[2 : len(elementType)-1]
		for _, entry := range entries {
			e.align(8)
			if err := e.value(keyType, entry.Key, entryInner); err != nil {
				return err
			}
			if err := e.value(valueType, entry.Value, entryInner); err != nil {
				return err
			}
		}
	default:
		elements, ok := arrayElements(v)
		if !ok {
			return encodeTypeError(sig, v)
		}
		for _, element := range elements {
			if err := e.value(elementType, element, inner); err != nil {
				return err
			}
		}
	}

	length := len(e.buf) - start
	if length > MaxArrayLength {
		return malformed("array longer than %d bytes", MaxArrayLength)
	}
	e.order.PutUint32(e.buf[lengthOffset:], uint32(length))
	return nil
}

func arrayElements(v any) ([]any, bool) {
	switch value := v.(type) {
	case []any:
		return value, true
	case []string:
		elements := make([]any, len(value))
		for i, s := range value {
			elements[i] = s
		}
		return elements, true
	case []ObjectPath:
		elements := make([]any, len(value))
		for i, p := range value {
			elements[i] = p
		}
		return elements, true
	case []uint32:
		elements := make([]any, len(value))
		for i, n := range value {
			elements[i] = n
		}
		return elements, true
	}
	return nil, false
}

func dictEntries(v any) (Dict, error) {
	switch value := v.(type) {
	case Dict:
		return value, nil
	case map[string]Variant:
		keys := make([]string, 0, len(value))
		for key := range value {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		entries := make(Dict, len(keys))
		for i, key := range keys {
			entries[i] = DictEntry{Key: key, Value: value[key]}
		}
		return entries, nil
	case map[string]string:
		keys := make([]string, 0, len(value))
		for key := range value {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		entries := make(Dict, len(keys))
		for i, key := range keys {
			entries[i] = DictEntry{Key: key, Value: value[key]}
		}
		return entries, nil
	}
	return nil, malformed("not a dictionary: %T", v)
}

func encodeTypeError(sig string, v any) error {
	return malformed("cannot encode %T as %q", v, sig)
}

// signatureOf infers the D-Bus signature for the Go types DecodeBody
// produces, plus the conveniences EncodeBody accepts.
func signatureOf(v any) (Signature, bool) {
	switch value := v.(type) {
	case byte:
		return "y", true
	case bool:
		return "b", true
	case int16:
		return "n", true
	case uint16:
		return "q", true
	case int32:
		return "i", true
	case uint32:
		return "u", true
	case int64:
		return "x", true
	case uint64:
		return "t", true
	case float64:
		return "d", true
	case string:
		return "s", true
	case ObjectPath:
		return "o", true
	case Signature:
		return "g", true
	case UnixFD:
		return "h", true
	case Variant:
		return "v", true
	case []byte:
		return "ay", true
	case []string:
		return "as", true
	case []ObjectPath:
		return "ao", true
	case []uint32:
		return "au", true
	case map[string]Variant:
		return "a{sv}", true
	case map[string]string:
		return "a{ss}", true
	case Struct:
		sig := "("
		for _, field := range value {
			fieldSig, ok := signatureOf(field)
			if !ok {
				return "", false
			}
			sig += string(fieldSig)
		}
		return Signature(sig + ")"), len(value) > 0
	}
	return "", false
}

// decoder reads aligned values from data. Offsets are relative to the
// start of data, which sits on an 8-byte boundary of the message.
type decoder struct {
	order byteOrder
	data  []byte
	pos   int
}

func (d *decoder) align(n int) error {
	for d.pos%n != 0 {
		if d.pos >= len(d.data) {
			return malformed("truncated padding")
		}
		if d.data[d.pos] != 0 {
			return malformed("non-zero padding byte at offset %d", d.pos)
		}
		d.pos++
	}
	return nil
}

func (d *decoder) need(n int) error {
	if n < 0 || len(d.data)-d.pos < n {
		return malformed("value extends past end of data at offset %d", d.pos)
	}
	return nil
}

func (d *decoder) byte() (byte, error) {
	if err := d.need(1); err != nil {
		return 0, err
	}
	b := d.data[d.pos]
	d.pos++
	return b, nil
}

func (d *decoder) uint16() (uint16, error) {
	if err := d.align(2); err != nil {
		return 0, err
	}
	if err := d.need(2); err != nil {
		return 0, err
	}
	v := d.order.Uint16(d.data[d.pos:])
	d.pos += 2
	return v, nil
}

func (d *decoder) uint32() (uint32, error) {
	if err := d.align(4); err != nil {
		return 0, err
	}
	if err := d.need(4); err != nil {
		return 0, err
	}
	v := d.order.Uint32(d.data[d.pos:])
	d.pos += 4
	return v, nil
}

func (d *decoder) uint64() (uint64, error) {
	if err := d.align(8); err != nil {
		return 0, err
	}
	if err := d.need(8); err != nil {
		return 0, err
	}
	v := d.order.Uint64(d.data[d.pos:])
	d.pos += 8
	return v, nil
}

func (d *decoder) string() (string, error) {
	length, err := d.uint32()
	if err != nil {
		return "", err
	}
	if uint64(length) > uint64(len(d.data)) {
		return "", malformed("string length %d exceeds data", length)
	}
	if err := d.need(int(length) + 1); err != nil {
		return "", err
	}
	s := string(d.data[d.pos : d.pos+int(length)])
	if d.data[d.pos+int(length)] != 0 {
		return "", malformed("string not NUL-terminated")
	}
	d.pos += int(length) + 1
	if !validString(s) {
		return "", malformed("string is not valid UTF-8 or contains NUL")
	}
	return s, nil
}

func (d *decoder) signature() (string, error) {
	length, err := d.byte()
	if err != nil {
		return "", err
	}
	if err := d.need(int(length) + 1); err != nil {
		return "", err
	}
	s := string(d.data[d.pos : d.pos+int(length)])
	if d.data[d.pos+int(length)] != 0 {
		return "", malformed("signature not NUL-terminated")
	}
	d.pos += int(length) + 1
	if err := validateSignature(s); err != nil {
		return "", err
	}
	return s, nil
}

// value decodes one complete type. The signature must already be valid.
func (d *decoder) value(sig string, nesting depth) (any, error) {
	switch sig[0] {
	case 'y':
		return d.byte()
	case 'b':
		n, err := d.uint32()
		if err != nil {
			return nil, err
		}
		if n > 1 {
			return nil, malformed("boolean value %d", n)
		}
		return n == 1, nil
	case 'n':
		n, err := d.uint16()
		return int16(n), err
	case 'q':
		return d.uint16()
	case 'i':
		n, err := d.uint32()
		return int32(n), err
	case 'u':
		return d.uint32()
	case 'h':
		n, err := d.uint32()
		return UnixFD(n), err
	case 'x':
		n, err := d.uint64()
		return int64(n), err
	case 't':
		return d.uint64()
	case 'd':
		n, err := d.uint64()
		return math.Float64frombits(n), err
	case 's':
		return d.string()
	case 'o':
		s, err := d.string()
		if err != nil {
			return nil, err
		}
		if !ValidObjectPath(s) {
			return nil, malformed("invalid object path %q", s)
		}
		return ObjectPath(s), nil
	case 'g':
		s, err := d.signature()
		return Signature(s), err
	case 'v':
		inner, err := nesting.enter('v')
		if err != nil {
			return nil, err
		}
		s, err := d.signature()
		if err != nil {
			return nil, err
		}
		if s == "" || singleTypeLength(s) != len(s) {
			return nil, malformed("variant signature %q is not a single complete type", s)
		}
		value, err := d.value(s, inner)
		if err != nil {
			return nil, err
		}
		return Variant{Signature: Signature(s), Value: value}, nil
	case '(':
		inner, err := nesting.enter('(')
		if err != nil {
			return nil, err
		}
		if err := d.align(8); err != nil {
			return nil, err
		}
		var fields Struct
		for _, fieldType := range Signature(sig[1 : len(sig)-1]).Types() {
			field, err := d.value(string(fieldType), inner)
			if err != nil {
				return nil, err
			}
			fields = append(fields, field)
		}
		return fields, nil
	case 'a':
		return d.array(sig, nesting)
	}
	return nil, malformed("unknown type code %q", sig[0])
}

func (d *decoder) array(sig string, nesting depth) (any, error) {
	inner, err := nesting.enter('a')
	if err != nil {
		return nil, err
	}
	length, err := d.uint32()
	if err != nil {
		return nil, err
	}
	if length > MaxArrayLength {
		return nil, malformed("array longer than %d bytes", MaxArrayLength)
	}
	elementType := sig[1:]
	if err := d.align(alignment(elementType[0])); err != nil {
		return nil, err
	}
	if err := d.need(int(length)); err != nil {
		return nil, err
	}
	end := d.pos + int(length)

	if elementType == "y" {
		bytes := make([]byte, length)
		copy(bytes, d.data[d.pos:end])
		d.pos = end
		return bytes, nil
	}

	if elementType[0] == '{' {
		entryInner, err := inner.enter('{')
		if err != nil {
			return nil, err
		}
		keyType := elementType[1:2]
		valueType := elementType[2 : len(elementType)-1]
		dict := Dict{}
		for d.pos < end {
			if err := d.align(8); err != nil {
				return nil, err
			}
			key, err := d.value(keyType, entryInner)
			if err != nil {
				return nil, err
			}
			value, err := d.value(valueType, entryInner)
			if err != nil {
				return nil, err
			}
			dict = append(dict, DictEntry{Key: key, Value: value})
		}
		if d.pos != end {
			return nil, malformed("array contents overrun declared length")
		}
		return dict, nil
	}

	elements := []any{}
	for d.pos < end {
		element, err := d.value(elementType, inner)
		if err != nil {
			return nil, err
		}
		elements = append(elements, element)
	}
	if d.pos != end {
		return nil, malformed("array contents overrun declared length")
	}
	return elements, nil
}

func validString(s string) bool {
	if !utf8.ValidString(s) {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] == 0 {
			return false
		}
	}
	return true
}
