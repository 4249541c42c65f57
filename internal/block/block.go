// Package block implements the on-disk block codec shared by every persisted
// tosdb structure.
//
// Every block begins with the same 56 byte header:
//
//	off  0  [8]  magic "TOSDBSB\0"
//	off  8  u16  version major
//	off 10  u16  version minor
//	off 12  u32  block type
//	off 16  u64  block size (multiple of the page size)
//	off 24  u64  previous block location
//	off 32  u64  previous block size
//	off 40  u8   previous block invalid flag
//	off 41  [7]  pad
//	off 48  u64  checksum
//
// All fields are little-endian. The checksum is the xxhash64 of the entire
// block with the checksum field zeroed. Catalog blocks use the previous
// location/size pair to form a reverse chain; a set previous-invalid flag
// stops chain walks at that block.
package block

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
)

const (
	// PageSize is the write granularity of the engine. Every block size is a
	// multiple of it.
	PageSize = 4096

	// HeaderSize is the size of the common block header prefix.
	HeaderSize = 56

	// Magic prefixes every block.
	Magic = "TOSDBSB\x00"

	VersionMajor = 1
	VersionMinor = 0
)

// Type enumerates the persisted block kinds.
type Type uint32

const (
	TypeInvalid Type = iota
	TypeSuperblock
	TypeDatabaseList
	TypeTableList
	TypeColumnList
	TypeIndexList
	TypeSSTableList
	TypeSSTableIndex
	TypeSSTableIndexData
	TypeValuelog
)

func (t Type) String() string {
	switch t {
	case TypeSuperblock:
		return "superblock"
	case TypeDatabaseList:
		return "database-list"
	case TypeTableList:
		return "table-list"
	case TypeColumnList:
		return "column-list"
	case TypeIndexList:
		return "index-list"
	case TypeSSTableList:
		return "sstable-list"
	case TypeSSTableIndex:
		return "sstable-index"
	case TypeSSTableIndexData:
		return "sstable-index-data"
	case TypeValuelog:
		return "valuelog"
	default:
		return "invalid"
	}
}

// ErrCorrupt marks blocks whose magic, size, type, or checksum fail
// validation.
var ErrCorrupt = errors.New("tosdb/block: corrupt block")

// ErrUnsupportedVersion marks blocks written by a version major no codec in
// this build handles.
var ErrUnsupportedVersion = errors.New("tosdb/block: unsupported version")

// Header is the decoded common prefix of a block.
type Header struct {
	Type             Type
	Size             uint64
	PreviousLocation uint64
	PreviousSize     uint64
	PreviousInvalid  bool
}

// Align rounds n up to the next page boundary.
func Align(n uint64) uint64 {
	if r := n % PageSize; r != 0 {
		n += PageSize - r
	}
	return n
}

// Encode lays out a complete block: header, payload, zero padding to the
// aligned size, and the checksum stamped last.
func Encode(h Header, payload []byte) []byte {
	size := Align(HeaderSize + uint64(len(payload)))
	buf := make([]byte, size)
	copy(buf, Magic)
	binary.LittleEndian.PutUint16(buf[8:], VersionMajor)
	binary.LittleEndian.PutUint16(buf[10:], VersionMinor)
	binary.LittleEndian.PutUint32(buf[12:], uint32(h.Type))
	binary.LittleEndian.PutUint64(buf[16:], size)
	binary.LittleEndian.PutUint64(buf[24:], h.PreviousLocation)
	binary.LittleEndian.PutUint64(buf[32:], h.PreviousSize)
	if h.PreviousInvalid {
		buf[40] = 1
	}
	copy(buf[HeaderSize:], payload)
	binary.LittleEndian.PutUint64(buf[48:], Checksum(buf))
	return buf
}

// Checksum computes the block checksum: xxhash64 over buf with the checksum
// field treated as zero.
func Checksum(buf []byte) uint64 {
	d := xxhash.New()
	_, _ = d.Write(buf[:48])
	var zero [8]byte
	_, _ = d.Write(zero[:])
	_, _ = d.Write(buf[HeaderSize:])
	return d.Sum64()
}

// Decode validates a raw block and returns its header and payload. want is
// the expected block type; TypeInvalid accepts any.
func Decode(buf []byte, want Type) (Header, []byte, error) {
	var h Header
	if uint64(len(buf)) < HeaderSize {
		return h, nil, errors.Wrapf(ErrCorrupt, "block shorter than header: %d", errors.Safe(len(buf)))
	}
	if string(buf[:8]) != Magic {
		return h, nil, errors.Wrapf(ErrCorrupt, "bad magic 0x%x", errors.Safe(buf[:8]))
	}
	if major := binary.LittleEndian.Uint16(buf[8:]); major != VersionMajor {
		return h, nil, errors.Wrapf(ErrUnsupportedVersion, "version major %d", errors.Safe(major))
	}
	h.Type = Type(binary.LittleEndian.Uint32(buf[12:]))
	if want != TypeInvalid && h.Type != want {
		return h, nil, errors.Wrapf(ErrCorrupt, "block type %s, want %s", errors.Safe(h.Type), errors.Safe(want))
	}
	h.Size = binary.LittleEndian.Uint64(buf[16:])
	if h.Size != uint64(len(buf)) || h.Size%PageSize != 0 {
		return h, nil, errors.Wrapf(ErrCorrupt, "block size %d, read %d", errors.Safe(h.Size), errors.Safe(len(buf)))
	}
	h.PreviousLocation = binary.LittleEndian.Uint64(buf[24:])
	h.PreviousSize = binary.LittleEndian.Uint64(buf[32:])
	h.PreviousInvalid = buf[40] != 0
	stored := binary.LittleEndian.Uint64(buf[48:])
	if sum := Checksum(buf); sum != stored {
		return h, nil, errors.Wrapf(ErrCorrupt, "checksum 0x%x, want 0x%x", errors.Safe(sum), errors.Safe(stored))
	}
	return h, buf[HeaderSize:], nil
}
