package document

import (
	"encoding/binary"
	"math"

	"github.com/cockroachdb/errors"
)

// KeyBytes is the canonical index-key encoding of a value: fixed-width
// little-endian for numerics, raw bytes for strings and byte arrays. Key
// ordering in the engine is by hash first, so the encoding only needs to be
// deterministic and reversible, not order-preserving.
func KeyBytes(v Value) ([]byte, error) {
	switch v.Type {
	case TypeBoolean:
		if v.Bool {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case TypeInt8:
		return []byte{uint8(v.Int)}, nil
	case TypeUint8:
		return []byte{uint8(v.Uint)}, nil
	case TypeInt16:
		return binary.LittleEndian.AppendUint16(nil, uint16(v.Int)), nil
	case TypeUint16:
		return binary.LittleEndian.AppendUint16(nil, uint16(v.Uint)), nil
	case TypeInt32:
		return binary.LittleEndian.AppendUint32(nil, uint32(v.Int)), nil
	case TypeUint32:
		return binary.LittleEndian.AppendUint32(nil, uint32(v.Uint)), nil
	case TypeInt64:
		return binary.LittleEndian.AppendUint64(nil, uint64(v.Int)), nil
	case TypeUint64:
		return binary.LittleEndian.AppendUint64(nil, v.Uint), nil
	case TypeFloat32:
		return binary.LittleEndian.AppendUint32(nil, math.Float32bits(float32(v.Float))), nil
	case TypeFloat64:
		return binary.LittleEndian.AppendUint64(nil, math.Float64bits(v.Float)), nil
	case TypeString:
		return []byte(v.Str), nil
	case TypeBytes:
		out := make([]byte, len(v.Bytes))
		copy(out, v.Bytes)
		return out, nil
	default:
		return nil, errors.Newf("tosdb/document: type %s cannot be a key", errors.Safe(v.Type))
	}
}

// ValueFromKeyBytes reverses KeyBytes for the given column type.
func ValueFromKeyBytes(t Type, key []byte) (Value, error) {
	short := func(n int) error {
		if len(key) != n {
			return errors.Wrapf(ErrMalformed, "%s key of %d bytes", errors.Safe(t), errors.Safe(len(key)))
		}
		return nil
	}
	switch t {
	case TypeBoolean:
		if err := short(1); err != nil {
			return Value{}, err
		}
		return Boolean(key[0] != 0), nil
	case TypeInt8:
		if err := short(1); err != nil {
			return Value{}, err
		}
		return Int8(int8(key[0])), nil
	case TypeUint8:
		if err := short(1); err != nil {
			return Value{}, err
		}
		return Uint8(key[0]), nil
	case TypeInt16:
		if err := short(2); err != nil {
			return Value{}, err
		}
		return Int16(int16(binary.LittleEndian.Uint16(key))), nil
	case TypeUint16:
		if err := short(2); err != nil {
			return Value{}, err
		}
		return Uint16(binary.LittleEndian.Uint16(key)), nil
	case TypeInt32:
		if err := short(4); err != nil {
			return Value{}, err
		}
		return Int32(int32(binary.LittleEndian.Uint32(key))), nil
	case TypeUint32:
		if err := short(4); err != nil {
			return Value{}, err
		}
		return Uint32(binary.LittleEndian.Uint32(key)), nil
	case TypeInt64:
		if err := short(8); err != nil {
			return Value{}, err
		}
		return Int64(int64(binary.LittleEndian.Uint64(key))), nil
	case TypeUint64:
		if err := short(8); err != nil {
			return Value{}, err
		}
		return Uint64(binary.LittleEndian.Uint64(key)), nil
	case TypeFloat32:
		if err := short(4); err != nil {
			return Value{}, err
		}
		return Float32(math.Float32frombits(binary.LittleEndian.Uint32(key))), nil
	case TypeFloat64:
		if err := short(8); err != nil {
			return Value{}, err
		}
		return Float64(math.Float64frombits(binary.LittleEndian.Uint64(key))), nil
	case TypeString:
		return String(string(key)), nil
	case TypeBytes:
		out := make([]byte, len(key))
		copy(out, key)
		return BytesValue(out), nil
	default:
		return Value{}, errors.Newf("tosdb/document: type %s cannot be a key", errors.Safe(t))
	}
}
