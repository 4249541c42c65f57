// Package backend provides the random-access, byte-addressed stores a tosdb
// instance runs on top of.
//
// A backend is a fixed-size blob. The engine performs all of its writes in
// 4 KiB granularity; the backend itself only promises that ReadAt returns
// exactly the requested range and that data written before a successful
// Flush survives on durable implementations.
package backend

import (
	"github.com/cockroachdb/errors"
)

// ErrIO marks every failure surfaced by a backend.
var ErrIO = errors.New("tosdb/backend: io error")

// Backend is the store underneath a tosdb instance.
//
// Capacity is fixed for the lifetime of the backend. Offsets are absolute
// byte offsets; ReadAt fails unless offset+length <= Capacity().
type Backend interface {
	ReadAt(offset, length uint64) ([]byte, error)
	WriteAt(offset uint64, data []byte) error
	Flush() error
	Capacity() uint64
}

func checkRange(offset, length, capacity uint64) error {
	if offset+length < offset || offset+length > capacity {
		return errors.Wrapf(ErrIO, "range [%d, %d) exceeds capacity %d", offset, offset+length, capacity)
	}
	return nil
}
