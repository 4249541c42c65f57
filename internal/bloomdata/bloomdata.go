// Package bloomdata sizes and serializes the bloom filters guarding sstable
// index reads.
package bloomdata

import (
	"bytes"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/cockroachdb/errors"
)

// DefaultFalsePositiveRate is the target rate filters are sized for at a
// table's declared record cap.
const DefaultFalsePositiveRate = 0.008

// New returns a filter sized for capacity insertions at the default false
// positive rate.
func New(capacity uint64) *bloom.BloomFilter {
	if capacity == 0 {
		capacity = 1
	}
	return bloom.NewWithEstimates(uint(capacity), DefaultFalsePositiveRate)
}

// Marshal serializes a filter to its portable binary form.
func Marshal(f *bloom.BloomFilter) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, errors.Wrap(err, "serialize bloom filter")
	}
	return buf.Bytes(), nil
}

// Unmarshal reverses Marshal.
func Unmarshal(data []byte) (*bloom.BloomFilter, error) {
	f := &bloom.BloomFilter{}
	if _, err := f.ReadFrom(bytes.NewReader(data)); err != nil {
		return nil, errors.Wrap(err, "deserialize bloom filter")
	}
	return f, nil
}
