package tosdb

import (
	"slices"

	bloomfilter "github.com/bits-and-blooms/bloom/v3"
	"github.com/cockroachdb/errors"

	"github.com/turnstonedb/tosdb/internal/block"
	"github.com/turnstonedb/tosdb/internal/bloomdata"
	"github.com/turnstonedb/tosdb/internal/cache"
)

// cachedBloom holds one sstable index's decoded bloom filter, its first and
// last items, and the location of its index data block.
type cachedBloom struct {
	bloom    *bloomfilter.BloomFilter
	firstPri *indexItem
	lastPri  *indexItem
	firstSec *secondaryIndexItem
	lastSec  *secondaryIndexItem
	dataLoc  uint64
	dataSize uint64
	count    uint64
	byteSize uint64
}

func (c *cachedBloom) ByteSize() uint64 { return c.byteSize }

// cachedIndexData holds one sstable's decoded primary index array.
type cachedIndexData struct {
	items    []*indexItem
	count    uint64
	byteSize uint64
}

func (c *cachedIndexData) ByteSize() uint64 { return c.byteSize }

// cachedSecondaryIndexData holds one sstable's decoded secondary index
// array.
type cachedSecondaryIndexData struct {
	items    []*secondaryIndexItem
	byteSize uint64
}

func (c *cachedSecondaryIndexData) ByteSize() uint64 { return c.byteSize }

// cachedValuelog holds one sstable's decompressed valuelog.
type cachedValuelog struct {
	data []byte
}

func (c *cachedValuelog) ByteSize() uint64 { return uint64(len(c.data)) }

func (t *Table) cacheKey(kind cache.Kind, indexID uint64, sli *sstListItem) cache.Key {
	return cache.Key{
		Kind:       kind,
		DatabaseID: t.db.id,
		TableID:    t.id,
		IndexID:    indexID,
		Level:      sli.level,
		SSTableID:  sli.sstableID,
	}
}

func (t *Table) cacheGet(key cache.Key) (cache.Entry, bool) {
	c := t.db.tdb.cache
	if c == nil {
		return nil, false
	}
	e, ok := c.Get(key)
	if ok {
		t.db.tdb.metrics.CacheHits.WithLabelValues(key.Kind.String()).Inc()
	} else {
		t.db.tdb.metrics.CacheMisses.WithLabelValues(key.Kind.String()).Inc()
	}
	return e, ok
}

func (t *Table) cachePut(key cache.Key, e cache.Entry) {
	if c := t.db.tdb.cache; c != nil {
		c.Put(key, e)
	}
}

// loadSSTIndex reads (or recalls) an sstable-index block: bounds, bloom
// filter, and the index data pointer.
func (t *Table) loadSSTIndex(sli *sstListItem, idx *Index, pair sstIndexPair) (*cachedBloom, error) {
	key := t.cacheKey(cache.KindBloomFilter, idx.ID, sli)
	if e, ok := t.cacheGet(key); ok {
		return e.(*cachedBloom), nil
	}

	_, payload, err := t.db.tdb.blockRead(pair.loc, pair.size, block.TypeSSTableIndex)
	if err != nil {
		return nil, errors.Wrapf(err, "read sstable %d index %d", sli.sstableID, idx.ID)
	}
	r := block.NewReader(payload)
	_ = r.U64() // database id
	_ = r.U64() // table id
	_ = r.U64() // sstable id
	_ = r.U64() // index id
	count := r.U64()
	bloomPacked := r.U64()
	bloomUnpacked := r.U64()
	dataLoc := r.U64()
	dataSize := r.U64()
	firstLen := r.U32()
	lastLen := r.U32()
	firstRaw := r.Bytes(int(firstLen))
	lastRaw := r.Bytes(int(lastLen))
	packed := r.Bytes(int(bloomPacked))
	if r.Err() != nil {
		return nil, r.Err()
	}

	bloomRaw, err := t.db.tdb.compressor.Unpack(packed, bloomUnpacked)
	if err != nil {
		return nil, errors.Wrapf(err, "unpack bloom filter of sstable %d index %d", sli.sstableID, idx.ID)
	}
	bf, err := bloomdata.Unmarshal(bloomRaw)
	if err != nil {
		return nil, err
	}

	cb := &cachedBloom{
		bloom:    bf,
		dataLoc:  dataLoc,
		dataSize: dataSize,
		count:    count,
		byteSize: bloomUnpacked + uint64(firstLen) + uint64(lastLen) + 64,
	}
	if count > 0 {
		if idx.Kind == IndexSecondary {
			if cb.firstSec, err = decodeSecondaryItem(block.NewReader(firstRaw)); err != nil {
				return nil, err
			}
			if cb.lastSec, err = decodeSecondaryItem(block.NewReader(lastRaw)); err != nil {
				return nil, err
			}
		} else {
			if cb.firstPri, err = decodeIndexItem(block.NewReader(firstRaw)); err != nil {
				return nil, err
			}
			if cb.lastPri, err = decodeIndexItem(block.NewReader(lastRaw)); err != nil {
				return nil, err
			}
		}
	}
	t.cachePut(key, cb)
	return cb, nil
}

func (t *Table) readIndexDataBlock(sli *sstListItem, indexID uint64, cb *cachedBloom) ([]byte, uint64, error) {
	_, payload, err := t.db.tdb.blockRead(cb.dataLoc, cb.dataSize, block.TypeSSTableIndexData)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "read index data of sstable %d index %d", sli.sstableID, indexID)
	}
	r := block.NewReader(payload)
	_ = r.U64() // database id
	_ = r.U64() // table id
	_ = r.U64() // sstable id
	_ = r.U64() // index id
	count := r.U64()
	packedSize := r.U64()
	unpackedSize := r.U64()
	packed := r.Bytes(int(packedSize))
	if r.Err() != nil {
		return nil, 0, r.Err()
	}
	raw, err := t.db.tdb.compressor.Unpack(packed, unpackedSize)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "unpack index data of sstable %d index %d", sli.sstableID, indexID)
	}
	return raw, count, nil
}

// loadIndexItems reads (or recalls) an sstable's decoded primary index
// array.
func (t *Table) loadIndexItems(sli *sstListItem, idx *Index, cb *cachedBloom) (*cachedIndexData, error) {
	key := t.cacheKey(cache.KindIndexData, idx.ID, sli)
	if e, ok := t.cacheGet(key); ok {
		return e.(*cachedIndexData), nil
	}
	raw, count, err := t.readIndexDataBlock(sli, idx.ID, cb)
	if err != nil {
		return nil, err
	}
	r := block.NewReader(raw)
	items := make([]*indexItem, 0, count)
	var bytes uint64
	for i := uint64(0); i < count; i++ {
		it, err := decodeIndexItem(r)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
		bytes += uint64(len(it.key)) + 48
	}
	cid := &cachedIndexData{items: items, count: count, byteSize: bytes + 32}
	t.cachePut(key, cid)
	return cid, nil
}

// loadSecondaryItems reads (or recalls) an sstable's decoded secondary index
// array.
func (t *Table) loadSecondaryItems(sli *sstListItem, idx *Index, cb *cachedBloom) (*cachedSecondaryIndexData, error) {
	key := t.cacheKey(cache.KindSecondaryIndexData, idx.ID, sli)
	if e, ok := t.cacheGet(key); ok {
		return e.(*cachedSecondaryIndexData), nil
	}
	raw, count, err := t.readIndexDataBlock(sli, idx.ID, cb)
	if err != nil {
		return nil, err
	}
	r := block.NewReader(raw)
	items := make([]*secondaryIndexItem, 0, count)
	var bytes uint64
	for i := uint64(0); i < count; i++ {
		it, err := decodeSecondaryItem(r)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
		bytes += uint64(len(it.secondaryKey)+len(it.primaryKey)) + 56
	}
	cid := &cachedSecondaryIndexData{items: items, byteSize: bytes + 32}
	t.cachePut(key, cid)
	return cid, nil
}

// loadValuelog reads (or recalls) an sstable's decompressed valuelog.
func (t *Table) loadValuelog(sli *sstListItem) ([]byte, error) {
	key := t.cacheKey(cache.KindValuelog, 0, sli)
	if e, ok := t.cacheGet(key); ok {
		return e.(*cachedValuelog).data, nil
	}
	_, payload, err := t.db.tdb.blockRead(sli.valuelogLoc, sli.valuelogSize, block.TypeValuelog)
	if err != nil {
		return nil, errors.Wrapf(err, "read valuelog of sstable %d", sli.sstableID)
	}
	r := block.NewReader(payload)
	_ = r.U64() // database id
	_ = r.U64() // table id
	_ = r.U64() // sstable id
	packedSize := r.U64()
	unpackedSize := r.U64()
	packed := r.Bytes(int(packedSize))
	if r.Err() != nil {
		return nil, r.Err()
	}
	raw, err := t.db.tdb.compressor.Unpack(packed, unpackedSize)
	if err != nil {
		return nil, errors.Wrapf(err, "unpack valuelog of sstable %d", sli.sstableID)
	}
	t.cachePut(key, &cachedValuelog{data: raw})
	return raw, nil
}

// sstGet walks the snapshot's sstables newest-first for the key. A record
// that remembers its owning sstable is answered from that sstable alone.
func (t *Table) sstGet(r *Record, key recordKey, snap tableSnapshot) (bool, error) {
	t.mu.Lock()
	idx := t.indexes[key.indexID]
	t.mu.Unlock()
	if idx == nil {
		return false, errors.Wrapf(ErrRecordKeyRequired, "key for unknown index %d", key.indexID)
	}
	search := &indexItem{keyHash: key.hash, key: key.key}
	hasHint := r.level != noLocation && r.sstableID != noLocation

	var found bool
	var ferr error
	snap.sstSources(func(sli *sstListItem) bool {
		if hasHint && (sli.level != r.level || sli.sstableID != r.sstableID) {
			return true
		}
		pair, ok := sli.indexPair(key.indexID)
		if !ok {
			return true
		}
		hit, err := t.sstGetOnItem(r, sli, idx, pair, key, search)
		if err != nil {
			ferr = err
			return false
		}
		if hit {
			found = true
			return false
		}
		// With a location hint the record can live nowhere else.
		return !hasHint
	})
	return found, ferr
}

// sstGetOnItem searches a single sstable: bounds, bloom filter, binary
// search, then the valuelog slice.
func (t *Table) sstGetOnItem(r *Record, sli *sstListItem, idx *Index, pair sstIndexPair, key recordKey, search *indexItem) (bool, error) {
	cb, err := t.loadSSTIndex(sli, idx, pair)
	if err != nil {
		return false, err
	}
	if cb.count == 0 {
		return false, nil
	}
	if compareIndexItems(cb.firstPri, search) > 0 || compareIndexItems(cb.lastPri, search) < 0 {
		return false, nil
	}
	if !cb.bloom.Test(key.key) {
		return false, nil
	}

	cid, err := t.loadIndexItems(sli, idx, cb)
	if err != nil {
		return false, err
	}
	i, ok := slices.BinarySearchFunc(cid.items, search, compareIndexItems)
	if !ok {
		return false, nil
	}
	it := cid.items[i]
	r.recordID = it.recordID
	r.level = sli.level
	r.sstableID = sli.sstableID
	if it.deleted {
		r.deleted = true
		return true, nil
	}

	vl, err := t.loadValuelog(sli)
	if err != nil {
		return false, err
	}
	if it.offset+it.length > uint64(len(vl)) {
		return false, errors.Wrapf(ErrCorruptBlock,
			"valuelog slice [0x%x, 0x%x) beyond 0x%x in sstable %d",
			it.offset, it.offset+it.length, len(vl), sli.sstableID)
	}
	if err := populateRecord(r, vl[it.offset:it.offset+it.length], key.columnID); err != nil {
		return false, err
	}
	r.deleted = false
	return true, nil
}
