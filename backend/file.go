package backend

import (
	"os"

	"github.com/cockroachdb/errors"
)

// File is a disk backend over a single regular file. The file is created
// with the requested capacity on first open; subsequent opens reuse the
// existing size as the capacity.
type File struct {
	f        *os.File
	capacity uint64
}

var _ Backend = (*File)(nil)

// OpenFile opens or creates path as a backend. capacity is only used when
// the file does not yet exist; an existing file's size wins.
func OpenFile(path string, capacity uint64) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrapf(ErrIO, "open %s: %v", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(ErrIO, "stat %s: %v", path, err)
	}
	if st.Size() == 0 {
		if err := f.Truncate(int64(capacity)); err != nil {
			_ = f.Close()
			return nil, errors.Wrapf(ErrIO, "truncate %s to %d: %v", path, capacity, err)
		}
	} else {
		capacity = uint64(st.Size())
	}
	return &File{f: f, capacity: capacity}, nil
}

func (d *File) ReadAt(offset, length uint64) ([]byte, error) {
	if err := checkRange(offset, length, d.capacity); err != nil {
		return nil, err
	}
	out := make([]byte, length)
	if _, err := d.f.ReadAt(out, int64(offset)); err != nil {
		return nil, errors.Wrapf(ErrIO, "read %d bytes at %d: %v", length, offset, err)
	}
	return out, nil
}

func (d *File) WriteAt(offset uint64, data []byte) error {
	if err := checkRange(offset, uint64(len(data)), d.capacity); err != nil {
		return err
	}
	if _, err := d.f.WriteAt(data, int64(offset)); err != nil {
		return errors.Wrapf(ErrIO, "write %d bytes at %d: %v", len(data), offset, err)
	}
	return nil
}

func (d *File) Flush() error {
	if err := d.f.Sync(); err != nil {
		return errors.Wrapf(ErrIO, "sync: %v", err)
	}
	return nil
}

func (d *File) Capacity() uint64 { return d.capacity }

// Close flushes and closes the underlying file.
func (d *File) Close() error {
	if err := d.Flush(); err != nil {
		_ = d.f.Close()
		return err
	}
	if err := d.f.Close(); err != nil {
		return errors.Wrapf(ErrIO, "close: %v", err)
	}
	return nil
}
