package document

import (
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"testing"

	"github.com/cockroachdb/datadriven"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

// TestDataDriven round-trips documents described as "name type value" lines
// through the codec and prints the decoded result in the same shape.
func TestDataDriven(t *testing.T) {
	datadriven.RunTest(t, "testdata/roundtrip", func(t *testing.T, d *datadriven.TestData) string {
		switch d.Cmd {
		case "roundtrip":
			doc, err := parseDoc(d.Input)
			if err != nil {
				return fmt.Sprintf("error: %v", err)
			}
			decoded, err := Decode(doc.Encode())
			if err != nil {
				return fmt.Sprintf("error: %v", err)
			}
			return formatDoc(decoded)
		default:
			return fmt.Sprintf("unknown command %q", d.Cmd)
		}
	})
}

func parseDoc(input string) (Document, error) {
	var doc Document
	for _, line := range strings.Split(strings.TrimSpace(input), "\n") {
		parts := strings.SplitN(strings.TrimSpace(line), " ", 3)
		if len(parts) < 2 {
			return nil, errors.Newf("malformed line %q", line)
		}
		name, err := strconv.ParseUint(parts[0], 10, 64)
		if err != nil {
			return nil, err
		}
		rest := ""
		if len(parts) == 3 {
			rest = parts[2]
		}
		v, err := parseValue(parts[1], rest)
		if err != nil {
			return nil, err
		}
		doc = append(doc, Field{Name: name, Value: v})
	}
	return doc, nil
}

func parseValue(typ, s string) (Value, error) {
	switch typ {
	case "boolean":
		return Boolean(s == "true"), nil
	case "int8", "int16", "int32", "int64":
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return Value{}, err
		}
		switch typ {
		case "int8":
			return Int8(int8(n)), nil
		case "int16":
			return Int16(int16(n)), nil
		case "int32":
			return Int32(int32(n)), nil
		default:
			return Int64(n), nil
		}
	case "uint8", "uint16", "uint32", "uint64":
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return Value{}, err
		}
		switch typ {
		case "uint8":
			return Uint8(uint8(n)), nil
		case "uint16":
			return Uint16(uint16(n)), nil
		case "uint32":
			return Uint32(uint32(n)), nil
		default:
			return Uint64(n), nil
		}
	case "float32":
		f, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return Value{}, err
		}
		return Float32(float32(f)), nil
	case "float64":
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Value{}, err
		}
		return Float64(f), nil
	case "string":
		return String(s), nil
	case "bytes":
		b, err := hex.DecodeString(s)
		if err != nil {
			return Value{}, err
		}
		return BytesValue(b), nil
	default:
		return Value{}, errors.Newf("unknown type %q", typ)
	}
}

func formatValue(v Value) string {
	switch v.Type {
	case TypeBoolean:
		return strconv.FormatBool(v.Bool)
	case TypeInt8, TypeInt16, TypeInt32, TypeInt64:
		return strconv.FormatInt(v.Int, 10)
	case TypeUint8, TypeUint16, TypeUint32, TypeUint64:
		return strconv.FormatUint(v.Uint, 10)
	case TypeFloat32, TypeFloat64:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case TypeString:
		return v.Str
	case TypeBytes:
		return hex.EncodeToString(v.Bytes)
	default:
		return "?"
	}
}

func formatDoc(doc Document) string {
	fields := append(Document(nil), doc...)
	sort.Slice(fields, func(i, j int) bool { return fields[i].Name < fields[j].Name })
	var sb strings.Builder
	for _, f := range fields {
		fmt.Fprintf(&sb, "%d %s %s\n", f.Name, f.Value.Type, formatValue(f.Value))
	}
	return sb.String()
}

func TestRoundTripAllTypes(t *testing.T) {
	doc := Document{
		{Name: 1, Value: Boolean(true)},
		{Name: 2, Value: Int8(-8)},
		{Name: 3, Value: Uint8(8)},
		{Name: 4, Value: Int16(-1600)},
		{Name: 5, Value: Uint16(1600)},
		{Name: 6, Value: Int32(-320000)},
		{Name: 7, Value: Uint32(320000)},
		{Name: 8, Value: Int64(-64_000_000_000)},
		{Name: 9, Value: Uint64(64_000_000_000)},
		{Name: 10, Value: Float32(1.5)},
		{Name: 11, Value: Float64(math.Pi)},
		{Name: 12, Value: String("hello tosdb")},
		{Name: 13, Value: BytesValue([]byte{0, 1, 2, 0xff})},
		{Name: 14, Value: DocValue(Document{{Name: 1, Value: Uint64(42)}})},
	}
	decoded, err := Decode(doc.Encode())
	require.NoError(t, err)
	require.Equal(t, doc, decoded)
}

func TestEncodeDeterministic(t *testing.T) {
	a := Document{
		{Name: 2, Value: String("b")},
		{Name: 1, Value: String("a")},
	}
	b := Document{
		{Name: 1, Value: String("a")},
		{Name: 2, Value: String("b")},
	}
	require.Equal(t, a.Encode(), b.Encode())
}

func TestDecodeMalformed(t *testing.T) {
	for _, buf := range [][]byte{
		{1, 2, 3},
		append(Document{{Name: 1, Value: Uint64(1)}}.Encode(), 0xaa),
	} {
		_, err := Decode(buf)
		require.True(t, errors.Is(err, ErrMalformed), "buf %x", buf)
	}
}

func TestKeyBytesRoundTrip(t *testing.T) {
	cases := []Value{
		Boolean(true),
		Int8(-5), Uint8(5),
		Int16(-500), Uint16(500),
		Int32(-50000), Uint32(50000),
		Int64(-5_000_000_000), Uint64(5_000_000_000),
		Float32(0.25), Float64(-0.125),
		String("key"),
		BytesValue([]byte{1, 2, 3}),
	}
	for _, v := range cases {
		key, err := KeyBytes(v)
		require.NoError(t, err)
		back, err := ValueFromKeyBytes(v.Type, key)
		require.NoError(t, err)
		require.Equal(t, v, back, "type %s", v.Type)
	}
}

func TestKeyBytesRejectsDocuments(t *testing.T) {
	_, err := KeyBytes(DocValue(Document{}))
	require.Error(t, err)
}
