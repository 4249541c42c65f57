package tosdb

import (
	"github.com/cockroachdb/errors"

	"github.com/turnstonedb/tosdb/internal/block"
	"github.com/turnstonedb/tosdb/internal/bloomdata"
)

// sstIndexPayload is one index's contribution to an sstable: the ordered,
// serialized item stream, the serialized first and last items, and the
// marshaled bloom filter, all still uncompressed.
type sstIndexPayload struct {
	index     *Index
	count     uint64
	items     []byte
	first     []byte
	last      []byte
	bloomData []byte
}

// serializeIndexItems flattens an ordered primary item slice into the
// on-disk stream plus the serialized first and last items.
func serializeIndexItems(items []*indexItem) (stream, first, last []byte) {
	var w block.Writer
	for _, it := range items {
		var iw block.Writer
		it.encode(&iw)
		one := iw.Finish()
		if first == nil {
			first = one
		}
		last = one
		w.Bytes(one)
	}
	return w.Finish(), first, last
}

// serializeSecondaryItems is serializeIndexItems for secondary items.
func serializeSecondaryItems(items []*secondaryIndexItem) (stream, first, last []byte) {
	var w block.Writer
	for _, it := range items {
		var iw block.Writer
		it.encode(&iw)
		one := iw.Finish()
		if first == nil {
			first = one
		}
		last = one
		w.Bytes(one)
	}
	return w.Finish(), first, last
}

// writeSSTFromMemtable projects a memtable into sstable payloads and writes
// them at level 1. Caller holds the table lock.
func (t *Table) writeSSTFromMemtable(mt *memtable) (*sstListItem, error) {
	payloads := make([]sstIndexPayload, 0, len(mt.indexes))
	for _, idx := range t.liveIndexes() {
		mi, ok := mt.indexes[idx.ID]
		if !ok {
			continue
		}
		p := sstIndexPayload{index: idx}
		if mi.primary != nil {
			items := make([]*indexItem, 0, mi.primary.Len())
			mi.primary.Ascend(func(it *indexItem) bool {
				items = append(items, it)
				return true
			})
			p.count = uint64(len(items))
			p.items, p.first, p.last = serializeIndexItems(items)
		} else {
			items := make([]*secondaryIndexItem, 0, mi.secondary.Len())
			mi.secondary.Ascend(func(it *secondaryIndexItem) bool {
				items = append(items, it)
				return true
			})
			p.count = uint64(len(items))
			p.items, p.first, p.last = serializeSecondaryItems(items)
		}
		bf, err := bloomdata.Marshal(mi.bloom)
		if err != nil {
			return nil, err
		}
		p.bloomData = bf
		payloads = append(payloads, p)
	}
	return t.writeSST(mt.id, 1, mt.recordCount, mt.values.Bytes(), payloads)
}

// writeSST persists one sstable: the valuelog block, one index-data and one
// index block per index, and returns the list item locating them all.
func (t *Table) writeSST(sstableID, level, recordCount uint64, valuelog []byte, payloads []sstIndexPayload) (*sstListItem, error) {
	tdb := t.db.tdb

	packedVL, err := tdb.compressor.Pack(valuelog)
	if err != nil {
		return nil, errors.Wrapf(err, "pack valuelog of sstable %d", sstableID)
	}
	var vw block.Writer
	vw.U64(t.db.id)
	vw.U64(t.id)
	vw.U64(sstableID)
	vw.U64(uint64(len(packedVL)))
	vw.U64(uint64(len(valuelog)))
	vw.Bytes(packedVL)
	vlLoc, vlSize, err := tdb.blockWrite(block.Header{Type: block.TypeValuelog}, vw.Finish())
	if err != nil {
		return nil, errors.Wrapf(err, "write valuelog of sstable %d", sstableID)
	}

	item := &sstListItem{
		sstableID:    sstableID,
		level:        level,
		recordCount:  recordCount,
		valuelogLoc:  vlLoc,
		valuelogSize: vlSize,
	}

	for _, p := range payloads {
		packedItems, err := tdb.compressor.Pack(p.items)
		if err != nil {
			return nil, errors.Wrapf(err, "pack index data of sstable %d index %d", sstableID, p.index.ID)
		}
		var dw block.Writer
		dw.U64(t.db.id)
		dw.U64(t.id)
		dw.U64(sstableID)
		dw.U64(p.index.ID)
		dw.U64(p.count)
		dw.U64(uint64(len(packedItems)))
		dw.U64(uint64(len(p.items)))
		dw.Bytes(packedItems)
		dataLoc, dataSize, err := tdb.blockWrite(block.Header{Type: block.TypeSSTableIndexData}, dw.Finish())
		if err != nil {
			return nil, errors.Wrapf(err, "write index data of sstable %d index %d", sstableID, p.index.ID)
		}

		packedBloom, err := tdb.compressor.Pack(p.bloomData)
		if err != nil {
			return nil, errors.Wrapf(err, "pack bloom filter of sstable %d index %d", sstableID, p.index.ID)
		}
		var iw block.Writer
		iw.U64(t.db.id)
		iw.U64(t.id)
		iw.U64(sstableID)
		iw.U64(p.index.ID)
		iw.U64(p.count)
		iw.U64(uint64(len(packedBloom)))
		iw.U64(uint64(len(p.bloomData)))
		iw.U64(dataLoc)
		iw.U64(dataSize)
		iw.U32(uint32(len(p.first)))
		iw.U32(uint32(len(p.last)))
		iw.Bytes(p.first)
		iw.Bytes(p.last)
		iw.Bytes(packedBloom)
		idxLoc, idxSize, err := tdb.blockWrite(block.Header{Type: block.TypeSSTableIndex}, iw.Finish())
		if err != nil {
			return nil, errors.Wrapf(err, "write index of sstable %d index %d", sstableID, p.index.ID)
		}
		item.indexes = append(item.indexes, sstIndexPair{indexID: p.index.ID, loc: idxLoc, size: idxSize})
	}
	return item, nil
}
