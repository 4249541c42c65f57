// Package document implements the self-describing record encoding.
//
// A document is a flat sequence of fields; each field carries the column id
// it belongs to, a type discriminator, and the payload. The framing is a
// deterministic little-endian TLV stream:
//
//	u32 field count
//	per field: u64 name, u8 type, payload
//
// Numeric payloads are fixed width; string, bytes, and nested documents are
// u64 length prefixed. Fields are sorted by name before encoding so that
// encoding is a pure function of the document's contents.
package document

import (
	"encoding/binary"
	"math"
	"slices"

	"github.com/cockroachdb/errors"
)

// Type discriminates field payloads.
type Type uint8

const (
	TypeInvalid Type = iota
	TypeBoolean
	TypeInt8
	TypeUint8
	TypeInt16
	TypeUint16
	TypeInt32
	TypeUint32
	TypeInt64
	TypeUint64
	TypeFloat32
	TypeFloat64
	TypeString
	TypeBytes
	TypeDocument
)

func (t Type) String() string {
	switch t {
	case TypeBoolean:
		return "boolean"
	case TypeInt8:
		return "int8"
	case TypeUint8:
		return "uint8"
	case TypeInt16:
		return "int16"
	case TypeUint16:
		return "uint16"
	case TypeInt32:
		return "int32"
	case TypeUint32:
		return "uint32"
	case TypeInt64:
		return "int64"
	case TypeUint64:
		return "uint64"
	case TypeFloat32:
		return "float32"
	case TypeFloat64:
		return "float64"
	case TypeString:
		return "string"
	case TypeBytes:
		return "bytes"
	case TypeDocument:
		return "document"
	default:
		return "invalid"
	}
}

// ErrMalformed marks byte streams that do not decode back to a document.
var ErrMalformed = errors.New("tosdb/document: malformed document")

// Value is the tagged union a field carries.
type Value struct {
	Type  Type
	Bool  bool
	Int   int64
	Uint  uint64
	Float float64
	Str   string
	Bytes []byte
	Doc   Document
}

// Field binds a column id to a value.
type Field struct {
	Name  uint64
	Value Value
}

// Document is an ordered set of fields.
type Document []Field

func Boolean(v bool) Value     { return Value{Type: TypeBoolean, Bool: v} }
func Int8(v int8) Value        { return Value{Type: TypeInt8, Int: int64(v)} }
func Uint8(v uint8) Value      { return Value{Type: TypeUint8, Uint: uint64(v)} }
func Int16(v int16) Value      { return Value{Type: TypeInt16, Int: int64(v)} }
func Uint16(v uint16) Value    { return Value{Type: TypeUint16, Uint: uint64(v)} }
func Int32(v int32) Value      { return Value{Type: TypeInt32, Int: int64(v)} }
func Uint32(v uint32) Value    { return Value{Type: TypeUint32, Uint: uint64(v)} }
func Int64(v int64) Value      { return Value{Type: TypeInt64, Int: v} }
func Uint64(v uint64) Value    { return Value{Type: TypeUint64, Uint: v} }
func Float32(v float32) Value  { return Value{Type: TypeFloat32, Float: float64(v)} }
func Float64(v float64) Value  { return Value{Type: TypeFloat64, Float: v} }
func String(v string) Value    { return Value{Type: TypeString, Str: v} }
func BytesValue(v []byte) Value { return Value{Type: TypeBytes, Bytes: v} }
func DocValue(v Document) Value { return Value{Type: TypeDocument, Doc: v} }

// Encode serializes the document. The field order of d is not significant;
// output is sorted by field name.
func (d Document) Encode() []byte {
	fields := slices.Clone(d)
	slices.SortFunc(fields, func(a, b Field) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		default:
			return 0
		}
	})
	buf := binary.LittleEndian.AppendUint32(nil, uint32(len(fields)))
	for _, f := range fields {
		buf = binary.LittleEndian.AppendUint64(buf, f.Name)
		buf = append(buf, uint8(f.Value.Type))
		buf = appendValue(buf, f.Value)
	}
	return buf
}

func appendValue(buf []byte, v Value) []byte {
	switch v.Type {
	case TypeBoolean:
		if v.Bool {
			return append(buf, 1)
		}
		return append(buf, 0)
	case TypeInt8:
		return append(buf, uint8(v.Int))
	case TypeUint8:
		return append(buf, uint8(v.Uint))
	case TypeInt16:
		return binary.LittleEndian.AppendUint16(buf, uint16(v.Int))
	case TypeUint16:
		return binary.LittleEndian.AppendUint16(buf, uint16(v.Uint))
	case TypeInt32:
		return binary.LittleEndian.AppendUint32(buf, uint32(v.Int))
	case TypeUint32:
		return binary.LittleEndian.AppendUint32(buf, uint32(v.Uint))
	case TypeInt64:
		return binary.LittleEndian.AppendUint64(buf, uint64(v.Int))
	case TypeUint64:
		return binary.LittleEndian.AppendUint64(buf, v.Uint)
	case TypeFloat32:
		return binary.LittleEndian.AppendUint32(buf, math.Float32bits(float32(v.Float)))
	case TypeFloat64:
		return binary.LittleEndian.AppendUint64(buf, math.Float64bits(v.Float))
	case TypeString:
		buf = binary.LittleEndian.AppendUint64(buf, uint64(len(v.Str)))
		return append(buf, v.Str...)
	case TypeBytes:
		buf = binary.LittleEndian.AppendUint64(buf, uint64(len(v.Bytes)))
		return append(buf, v.Bytes...)
	case TypeDocument:
		sub := v.Doc.Encode()
		buf = binary.LittleEndian.AppendUint64(buf, uint64(len(sub)))
		return append(buf, sub...)
	default:
		panic("document: unknown value type")
	}
}

// Decode parses an encoded document.
func Decode(buf []byte) (Document, error) {
	d, rest, err := decode(buf)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, errors.Wrapf(ErrMalformed, "%d trailing bytes", errors.Safe(len(rest)))
	}
	return d, nil
}

func decode(buf []byte) (Document, []byte, error) {
	if len(buf) < 4 {
		return nil, nil, errors.Wrap(ErrMalformed, "short count")
	}
	count := binary.LittleEndian.Uint32(buf)
	buf = buf[4:]
	doc := make(Document, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(buf) < 9 {
			return nil, nil, errors.Wrap(ErrMalformed, "short field header")
		}
		name := binary.LittleEndian.Uint64(buf)
		typ := Type(buf[8])
		buf = buf[9:]
		v, rest, err := decodeValue(typ, buf)
		if err != nil {
			return nil, nil, err
		}
		buf = rest
		doc = append(doc, Field{Name: name, Value: v})
	}
	return doc, buf, nil
}

func decodeValue(typ Type, buf []byte) (Value, []byte, error) {
	need := func(n int) error {
		if len(buf) < n {
			return errors.Wrapf(ErrMalformed, "short %s payload", errors.Safe(typ))
		}
		return nil
	}
	switch typ {
	case TypeBoolean:
		if err := need(1); err != nil {
			return Value{}, nil, err
		}
		return Boolean(buf[0] != 0), buf[1:], nil
	case TypeInt8:
		if err := need(1); err != nil {
			return Value{}, nil, err
		}
		return Int8(int8(buf[0])), buf[1:], nil
	case TypeUint8:
		if err := need(1); err != nil {
			return Value{}, nil, err
		}
		return Uint8(buf[0]), buf[1:], nil
	case TypeInt16:
		if err := need(2); err != nil {
			return Value{}, nil, err
		}
		return Int16(int16(binary.LittleEndian.Uint16(buf))), buf[2:], nil
	case TypeUint16:
		if err := need(2); err != nil {
			return Value{}, nil, err
		}
		return Uint16(binary.LittleEndian.Uint16(buf)), buf[2:], nil
	case TypeInt32:
		if err := need(4); err != nil {
			return Value{}, nil, err
		}
		return Int32(int32(binary.LittleEndian.Uint32(buf))), buf[4:], nil
	case TypeUint32:
		if err := need(4); err != nil {
			return Value{}, nil, err
		}
		return Uint32(binary.LittleEndian.Uint32(buf)), buf[4:], nil
	case TypeInt64:
		if err := need(8); err != nil {
			return Value{}, nil, err
		}
		return Int64(int64(binary.LittleEndian.Uint64(buf))), buf[8:], nil
	case TypeUint64:
		if err := need(8); err != nil {
			return Value{}, nil, err
		}
		return Uint64(binary.LittleEndian.Uint64(buf)), buf[8:], nil
	case TypeFloat32:
		if err := need(4); err != nil {
			return Value{}, nil, err
		}
		return Float32(math.Float32frombits(binary.LittleEndian.Uint32(buf))), buf[4:], nil
	case TypeFloat64:
		if err := need(8); err != nil {
			return Value{}, nil, err
		}
		return Float64(math.Float64frombits(binary.LittleEndian.Uint64(buf))), buf[8:], nil
	case TypeString, TypeBytes, TypeDocument:
		if err := need(8); err != nil {
			return Value{}, nil, err
		}
		n := binary.LittleEndian.Uint64(buf)
		buf = buf[8:]
		if uint64(len(buf)) < n {
			return Value{}, nil, errors.Wrapf(ErrMalformed, "short %s payload", errors.Safe(typ))
		}
		payload := buf[:n]
		rest := buf[n:]
		switch typ {
		case TypeString:
			return String(string(payload)), rest, nil
		case TypeBytes:
			out := make([]byte, n)
			copy(out, payload)
			return BytesValue(out), rest, nil
		default:
			sub, tail, err := decode(payload)
			if err != nil {
				return Value{}, nil, err
			}
			if len(tail) != 0 {
				return Value{}, nil, errors.Wrap(ErrMalformed, "trailing bytes in nested document")
			}
			return DocValue(sub), rest, nil
		}
	default:
		return Value{}, nil, errors.Wrapf(ErrMalformed, "unknown type %d", errors.Safe(uint8(typ)))
	}
}
