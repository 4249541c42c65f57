// Package compress provides the pluggable compression codecs of the engine.
// A codec has a stable numeric id persisted in the superblock; on open the
// id alone selects the implementation.
package compress

import (
	"bytes"
	"io"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// Type is a codec's persisted id.
type Type uint32

const (
	None Type = iota
	// Zlib is the deflate-family reference codec.
	Zlib
	Zstd
	Snappy
)

func (t Type) String() string {
	switch t {
	case None:
		return "none"
	case Zlib:
		return "zlib"
	case Zstd:
		return "zstd"
	case Snappy:
		return "snappy"
	default:
		return "unknown"
	}
}

// ErrUnknown marks codec ids this build has no implementation for.
var ErrUnknown = errors.New("tosdb/compress: unknown compression type")

// Compressor packs and unpacks byte streams. unpackedSize on Unpack is the
// original length recorded in the owning block header; implementations use
// it to size output buffers and to cross-check the result.
type Compressor interface {
	Type() Type
	Pack(input []byte) ([]byte, error)
	Unpack(input []byte, unpackedSize uint64) ([]byte, error)
}

// Get returns the codec registered for t.
func Get(t Type) (Compressor, error) {
	switch t {
	case None:
		return noneCodec{}, nil
	case Zlib:
		return zlibCodec{}, nil
	case Zstd:
		return zstdCodec{}, nil
	case Snappy:
		return snappyCodec{}, nil
	default:
		return nil, errors.Wrapf(ErrUnknown, "id %d", errors.Safe(uint32(t)))
	}
}

type noneCodec struct{}

func (noneCodec) Type() Type { return None }

func (noneCodec) Pack(input []byte) ([]byte, error) {
	out := make([]byte, len(input))
	copy(out, input)
	return out, nil
}

func (noneCodec) Unpack(input []byte, unpackedSize uint64) ([]byte, error) {
	if uint64(len(input)) != unpackedSize {
		return nil, errors.Newf("tosdb/compress: stored size %d, want %d", errors.Safe(len(input)), errors.Safe(unpackedSize))
	}
	out := make([]byte, len(input))
	copy(out, input)
	return out, nil
}

type zlibCodec struct{}

func (zlibCodec) Type() Type { return Zlib }

func (zlibCodec) Pack(input []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(input); err != nil {
		return nil, errors.Wrap(err, "zlib pack")
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "zlib pack")
	}
	return buf.Bytes(), nil
}

func (zlibCodec) Unpack(input []byte, unpackedSize uint64) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(input))
	if err != nil {
		return nil, errors.Wrap(err, "zlib unpack")
	}
	defer func() { _ = r.Close() }()
	out := make([]byte, 0, unpackedSize)
	buf := bytes.NewBuffer(out)
	if _, err := io.Copy(buf, r); err != nil {
		return nil, errors.Wrap(err, "zlib unpack")
	}
	if uint64(buf.Len()) != unpackedSize {
		return nil, errors.Newf("tosdb/compress: zlib unpacked %d bytes, want %d", errors.Safe(buf.Len()), errors.Safe(unpackedSize))
	}
	return buf.Bytes(), nil
}

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func zstdInit() {
	zstdOnce.Do(func() {
		zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
		zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	})
}

type zstdCodec struct{}

func (zstdCodec) Type() Type { return Zstd }

func (zstdCodec) Pack(input []byte) ([]byte, error) {
	zstdInit()
	return zstdEncoder.EncodeAll(input, nil), nil
}

func (zstdCodec) Unpack(input []byte, unpackedSize uint64) ([]byte, error) {
	zstdInit()
	out, err := zstdDecoder.DecodeAll(input, make([]byte, 0, unpackedSize))
	if err != nil {
		return nil, errors.Wrap(err, "zstd unpack")
	}
	if uint64(len(out)) != unpackedSize {
		return nil, errors.Newf("tosdb/compress: zstd unpacked %d bytes, want %d", errors.Safe(len(out)), errors.Safe(unpackedSize))
	}
	return out, nil
}

type snappyCodec struct{}

func (snappyCodec) Type() Type { return Snappy }

func (snappyCodec) Pack(input []byte) ([]byte, error) {
	return snappy.Encode(nil, input), nil
}

func (snappyCodec) Unpack(input []byte, unpackedSize uint64) ([]byte, error) {
	out, err := snappy.Decode(nil, input)
	if err != nil {
		return nil, errors.Wrap(err, "snappy unpack")
	}
	if uint64(len(out)) != unpackedSize {
		return nil, errors.Newf("tosdb/compress: snappy unpacked %d bytes, want %d", errors.Safe(len(out)), errors.Safe(unpackedSize))
	}
	return out, nil
}
