package tosdb

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"

	"github.com/turnstonedb/tosdb/backend"
	"github.com/turnstonedb/tosdb/internal/block"
	"github.com/turnstonedb/tosdb/internal/compress"
)

// superblockSize is the size of each superblock copy. Two copies live at
// offset 0 and at capacity-superblockSize.
const superblockSize = block.PageSize

// superblock is the decoded root block. Field layout (after the common
// header) is bit-exact:
//
//	off 56  u32  compression type
//	off 60  [4]  pad
//	off 64  u64  free next location
//	off 72  u64  database list location
//	off 80  u64  database list size
type superblock struct {
	compression      compress.Type
	freeNext         uint64
	databaseListLoc  uint64
	databaseListSize uint64
}

func (sb *superblock) encode() []byte {
	buf := make([]byte, superblockSize)
	copy(buf, block.Magic)
	binary.LittleEndian.PutUint16(buf[8:], block.VersionMajor)
	binary.LittleEndian.PutUint16(buf[10:], block.VersionMinor)
	binary.LittleEndian.PutUint32(buf[12:], uint32(block.TypeSuperblock))
	binary.LittleEndian.PutUint64(buf[16:], superblockSize)
	binary.LittleEndian.PutUint32(buf[56:], uint32(sb.compression))
	binary.LittleEndian.PutUint64(buf[64:], sb.freeNext)
	binary.LittleEndian.PutUint64(buf[72:], sb.databaseListLoc)
	binary.LittleEndian.PutUint64(buf[80:], sb.databaseListSize)
	binary.LittleEndian.PutUint64(buf[48:], block.Checksum(buf))
	return buf
}

func decodeSuperblock(buf []byte) (*superblock, error) {
	if _, _, err := block.Decode(buf, block.TypeSuperblock); err != nil {
		return nil, err
	}
	return &superblock{
		compression:      compress.Type(binary.LittleEndian.Uint32(buf[56:])),
		freeNext:         binary.LittleEndian.Uint64(buf[64:]),
		databaseListLoc:  binary.LittleEndian.Uint64(buf[72:]),
		databaseListSize: binary.LittleEndian.Uint64(buf[80:]),
	}, nil
}

// readSuperblocks loads both copies and applies the recovery matrix: use the
// first valid copy, repair the other when it disagrees or fails validation,
// format when both fail.
func readSuperblocks(b backend.Backend, logger Logger, formatCompression compress.Type) (*superblock, error) {
	if b.Capacity() < 2*superblockSize {
		return nil, errors.Wrapf(ErrBackendIO, "capacity %d below two superblocks", b.Capacity())
	}

	mainBuf, err := b.ReadAt(0, superblockSize)
	if err != nil {
		return nil, errors.Wrap(err, "read main superblock")
	}
	backupOff := b.Capacity() - superblockSize
	backupBuf, err := b.ReadAt(backupOff, superblockSize)
	if err != nil {
		return nil, errors.Wrap(err, "read backup superblock")
	}

	mainSB, mainErr := decodeSuperblock(mainBuf)
	backupSB, backupErr := decodeSuperblock(backupBuf)

	// A stored codec id this build lacks must fail the open before any
	// repair write touches the backend.
	checkCodec := func(sb *superblock) error {
		_, err := compress.Get(sb.compression)
		return err
	}

	switch {
	case mainErr == nil && backupErr == nil:
		if err := checkCodec(mainSB); err != nil {
			return nil, err
		}
		if string(mainBuf) != string(backupBuf) {
			logger.Infof("superblock copies differ, rewriting backup")
			if err := writeSuperblocks(b, mainSB); err != nil {
				return nil, err
			}
		}
		return mainSB, nil
	case mainErr == nil:
		if err := checkCodec(mainSB); err != nil {
			return nil, err
		}
		logger.Errorf("backup superblock invalid, repairing: %v", backupErr)
		if err := writeSuperblocks(b, mainSB); err != nil {
			return nil, err
		}
		return mainSB, nil
	case backupErr == nil:
		if err := checkCodec(backupSB); err != nil {
			return nil, err
		}
		logger.Errorf("main superblock invalid, repairing: %v", mainErr)
		if err := writeSuperblocks(b, backupSB); err != nil {
			return nil, err
		}
		return backupSB, nil
	default:
		logger.Errorf("both superblocks invalid, formatting: %v / %v", mainErr, backupErr)
		return formatBackend(b, formatCompression)
	}
}

// writeSuperblocks persists both copies: primary, flush, backup, flush.
func writeSuperblocks(b backend.Backend, sb *superblock) error {
	buf := sb.encode()
	if err := b.WriteAt(0, buf); err != nil {
		return errors.Wrap(err, "write main superblock")
	}
	if err := b.Flush(); err != nil {
		return errors.Wrap(err, "flush main superblock")
	}
	if err := b.WriteAt(b.Capacity()-superblockSize, buf); err != nil {
		return errors.Wrap(err, "write backup superblock")
	}
	if err := b.Flush(); err != nil {
		return errors.Wrap(err, "flush backup superblock")
	}
	return nil
}

// formatBackend initializes an empty store. The caller opted in by choosing
// a format-time compression; the id must resolve before anything is written.
func formatBackend(b backend.Backend, compression compress.Type) (*superblock, error) {
	if _, err := compress.Get(compression); err != nil {
		return nil, err
	}
	sb := &superblock{
		compression: compression,
		freeNext:    superblockSize,
	}
	if err := writeSuperblocks(b, sb); err != nil {
		return nil, err
	}
	return sb, nil
}
