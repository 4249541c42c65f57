package tosdb

import (
	"bytes"

	bloomfilter "github.com/bits-and-blooms/bloom/v3"
	"github.com/cockroachdb/errors"
	"github.com/google/btree"

	"github.com/turnstonedb/tosdb/internal/block"
	"github.com/turnstonedb/tosdb/internal/bloomdata"
	"github.com/turnstonedb/tosdb/internal/document"
)

// indexItem is one primary or unique index entry: the key, its hash, and the
// record's slice of the owning value log. Items order by
// (hash, key bytes, key length).
type indexItem struct {
	keyHash  uint64
	key      []byte
	recordID uint64
	offset   uint64
	length   uint64
	deleted  bool
}

func compareKeys(aHash uint64, a []byte, bHash uint64, b []byte) int {
	switch {
	case aHash < bHash:
		return -1
	case aHash > bHash:
		return 1
	}
	n := min(len(a), len(b))
	if c := bytes.Compare(a[:n], b[:n]); c != 0 {
		return c
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}

func compareIndexItems(a, b *indexItem) int {
	return compareKeys(a.keyHash, a.key, b.keyHash, b.key)
}

func indexItemLess(a, b *indexItem) bool { return compareIndexItems(a, b) < 0 }

// encode appends the item's on-disk form:
// u64 hash, u64 record id, u64 offset, u64 length, u8 deleted, u32 key len,
// key bytes.
func (it *indexItem) encode(w *block.Writer) {
	w.U64(it.keyHash)
	w.U64(it.recordID)
	w.U64(it.offset)
	w.U64(it.length)
	w.Bool(it.deleted)
	w.U32(uint32(len(it.key)))
	w.Bytes(it.key)
}

func decodeIndexItem(r *block.Reader) (*indexItem, error) {
	it := &indexItem{
		keyHash:  r.U64(),
		recordID: r.U64(),
		offset:   r.U64(),
		length:   r.U64(),
		deleted:  r.Bool(),
	}
	n := r.U32()
	it.key = append([]byte(nil), r.Bytes(int(n))...)
	return it, r.Err()
}

// secondaryIndexItem carries a secondary key and the primary key it points
// at. Items order by secondary key first, primary key as tiebreak, so equal
// secondary keys coexist. primaryDeleted is stamped from the owning
// memtable's view of the primary at upsert time.
type secondaryIndexItem struct {
	secondaryHash  uint64
	secondaryKey   []byte
	primaryHash    uint64
	primaryKey     []byte
	recordID       uint64
	primaryDeleted bool

	// pivot sorts before every real item with the same secondary key;
	// range scans seed iteration with one.
	pivot bool
}

func compareSecondaryItems(a, b *secondaryIndexItem) int {
	if c := compareKeys(a.secondaryHash, a.secondaryKey, b.secondaryHash, b.secondaryKey); c != 0 {
		return c
	}
	if a.pivot != b.pivot {
		if a.pivot {
			return -1
		}
		return 1
	}
	return compareKeys(a.primaryHash, a.primaryKey, b.primaryHash, b.primaryKey)
}

func secondaryItemLess(a, b *secondaryIndexItem) bool { return compareSecondaryItems(a, b) < 0 }

// encode appends the item's on-disk form:
// u64 secondary hash, u64 primary hash, u64 record id, u8 primary deleted,
// u32 secondary len, u32 primary len, secondary bytes, primary bytes.
func (it *secondaryIndexItem) encode(w *block.Writer) {
	w.U64(it.secondaryHash)
	w.U64(it.primaryHash)
	w.U64(it.recordID)
	w.Bool(it.primaryDeleted)
	w.U32(uint32(len(it.secondaryKey)))
	w.U32(uint32(len(it.primaryKey)))
	w.Bytes(it.secondaryKey)
	w.Bytes(it.primaryKey)
}

func decodeSecondaryItem(r *block.Reader) (*secondaryIndexItem, error) {
	it := &secondaryIndexItem{
		secondaryHash:  r.U64(),
		primaryHash:    r.U64(),
		recordID:       r.U64(),
		primaryDeleted: r.Bool(),
	}
	sn := r.U32()
	pn := r.U32()
	it.secondaryKey = append([]byte(nil), r.Bytes(int(sn))...)
	it.primaryKey = append([]byte(nil), r.Bytes(int(pn))...)
	return it, r.Err()
}

// memtableIndex is the per-index in-memory state of one memtable.
type memtableIndex struct {
	index     *Index
	bloom     *bloomfilter.BloomFilter
	primary   *btree.BTreeG[*indexItem]          // primary and unique indexes
	secondary *btree.BTreeG[*secondaryIndexItem] // secondary indexes
}

// memtable accumulates serialized records in a write buffer plus per-index
// ordered maps and bloom filters. Only a table's current memtable is
// writable.
type memtable struct {
	id          uint64
	values      bytes.Buffer
	indexes     map[uint64]*memtableIndex
	recordCount uint64
	readonly    bool
	dirty       bool
}

const btreeDegree = 32

func newMemtable(id uint64, indexes map[uint64]*Index, recordCap uint64) *memtable {
	mt := &memtable{
		id:      id,
		indexes: make(map[uint64]*memtableIndex, len(indexes)),
		dirty:   true,
	}
	for _, idx := range indexes {
		mi := &memtableIndex{
			index: idx,
			bloom: bloomdata.New(recordCap),
		}
		if idx.Kind == IndexSecondary {
			mi.secondary = btree.NewG(btreeDegree, secondaryItemLess)
		} else {
			mi.primary = btree.NewG(btreeDegree, indexItemLess)
		}
		mt.indexes[idx.ID] = mi
	}
	return mt
}

// get searches one memtable index for an exact key match. The bloom filter
// gates the tree search.
func (mt *memtable) get(key recordKey) (*indexItem, bool) {
	mi, ok := mt.indexes[key.indexID]
	if !ok || mi.primary == nil {
		return nil, false
	}
	if !mi.bloom.Test(key.key) {
		return nil, false
	}
	return mi.primary.Get(&indexItem{keyHash: key.hash, key: key.key})
}

// searchSecondary collects every item matching the secondary key, in order.
func (mt *memtable) searchSecondary(key recordKey) []*secondaryIndexItem {
	mi, ok := mt.indexes[key.indexID]
	if !ok || mi.secondary == nil {
		return nil
	}
	if !mi.bloom.Test(key.key) {
		return nil
	}
	var out []*secondaryIndexItem
	pivot := &secondaryIndexItem{secondaryHash: key.hash, secondaryKey: key.key, pivot: true}
	mi.secondary.AscendGreaterOrEqual(pivot, func(it *secondaryIndexItem) bool {
		if compareKeys(it.secondaryHash, it.secondaryKey, key.hash, key.key) != 0 {
			return false
		}
		out = append(out, it)
		return true
	})
	return out
}

// valueSlice returns the serialized record at [offset, offset+length).
func (mt *memtable) valueSlice(offset, length uint64) ([]byte, error) {
	buf := mt.values.Bytes()
	if offset+length > uint64(len(buf)) {
		return nil, errors.Wrapf(ErrCorruptBlock,
			"memtable value slice [0x%x, 0x%x) beyond 0x%x", offset, offset+length, len(buf))
	}
	return buf[offset : offset+length], nil
}

// populateRecord fills the record's non-key columns from a serialized document.
func populateRecord(r *Record, data []byte, keyColumnID uint64) error {
	doc, err := document.Decode(data)
	if err != nil {
		return err
	}
	for _, f := range doc {
		if f.Name == keyColumnID {
			continue
		}
		if err := r.setByColumnID(f.Name, f.Value); err != nil {
			return err
		}
	}
	return nil
}
