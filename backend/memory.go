package backend

import "github.com/cockroachdb/errors"

// Memory is an in-memory backend. It is primarily used by tests and by
// embedders that keep an entire store in RAM and persist it elsewhere.
type Memory struct {
	buf []byte
}

var _ Backend = (*Memory)(nil)

// NewMemory returns a zeroed memory backend of the given capacity.
func NewMemory(capacity uint64) *Memory {
	return &Memory{buf: make([]byte, capacity)}
}

// NewMemoryFromBuffer wraps an existing buffer. The backend takes ownership
// of buf; its length is the capacity.
func NewMemoryFromBuffer(buf []byte) *Memory {
	return &Memory{buf: buf}
}

// Bytes returns the backing buffer. The caller must not mutate it while the
// store is open.
func (m *Memory) Bytes() []byte { return m.buf }

func (m *Memory) ReadAt(offset, length uint64) ([]byte, error) {
	if err := checkRange(offset, length, uint64(len(m.buf))); err != nil {
		return nil, err
	}
	out := make([]byte, length)
	copy(out, m.buf[offset:offset+length])
	return out, nil
}

func (m *Memory) WriteAt(offset uint64, data []byte) error {
	if err := checkRange(offset, uint64(len(data)), uint64(len(m.buf))); err != nil {
		return err
	}
	copy(m.buf[offset:], data)
	return nil
}

func (m *Memory) Flush() error { return nil }

func (m *Memory) Capacity() uint64 { return uint64(len(m.buf)) }

// Corrupt flips bytes in [offset, offset+length). Test helper.
func (m *Memory) Corrupt(offset, length uint64) error {
	if err := checkRange(offset, length, uint64(len(m.buf))); err != nil {
		return errors.Wrap(err, "corrupt")
	}
	for i := offset; i < offset+length; i++ {
		m.buf[i] ^= 0xff
	}
	return nil
}
