package block

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
)

// Writer accumulates a little-endian block payload.
type Writer struct {
	buf []byte
}

func (w *Writer) U8(v uint8)   { w.buf = append(w.buf, v) }
func (w *Writer) U16(v uint16) { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }
func (w *Writer) U32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *Writer) U64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }

func (w *Writer) Bool(v bool) {
	if v {
		w.U8(1)
	} else {
		w.U8(0)
	}
}

func (w *Writer) Bytes(b []byte) { w.buf = append(w.buf, b...) }

// String writes a u16 length prefix followed by the bytes.
func (w *Writer) String(s string) {
	w.U16(uint16(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *Writer) Len() int { return len(w.buf) }

func (w *Writer) Finish() []byte { return w.buf }

// Reader decodes a little-endian block payload. The first malformed field
// poisons the reader; Err reports it once at the end so call sites stay
// linear, the same shape the sstable footer parser uses.
type Reader struct {
	buf []byte
	off int
	err error
}

func NewReader(buf []byte) *Reader { return &Reader{buf: buf} }

func (r *Reader) fail(n int) bool {
	if r.err != nil {
		return true
	}
	if r.off+n > len(r.buf) {
		r.err = errors.Wrapf(ErrCorrupt, "payload truncated at %d+%d of %d", errors.Safe(r.off), errors.Safe(n), errors.Safe(len(r.buf)))
		return true
	}
	return false
}

func (r *Reader) U8() uint8 {
	if r.fail(1) {
		return 0
	}
	v := r.buf[r.off]
	r.off++
	return v
}

func (r *Reader) U16() uint16 {
	if r.fail(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v
}

func (r *Reader) U32() uint32 {
	if r.fail(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *Reader) U64() uint64 {
	if r.fail(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v
}

func (r *Reader) Bool() bool { return r.U8() != 0 }

func (r *Reader) Bytes(n int) []byte {
	if r.fail(n) {
		return nil
	}
	v := r.buf[r.off : r.off+n]
	r.off += n
	return v
}

func (r *Reader) String() string {
	n := int(r.U16())
	return string(r.Bytes(n))
}

func (r *Reader) Err() error { return r.err }
