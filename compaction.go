package tosdb

import (
	"bytes"
	"encoding/binary"
	"slices"
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/turnstonedb/tosdb/internal/block"
	"github.com/turnstonedb/tosdb/internal/bloomdata"
)

// compact runs one compaction pass over the table. Minor merges each level
// with more than one sstable into a single sstable at the same level; major
// merges everything into one sstable one level past the deepest.
//
// The replacement sstable-list chain is published (with the previous-invalid
// flag blocking the superseded entries) before the in-memory state swaps, so
// readers holding older snapshots stay consistent. A failing pass leaves the
// existing chain untouched.
func (t *Table) compact(mode CompactionType) error {
	if err := t.load(); err != nil {
		return err
	}
	t.mu.Lock()
	if t.compacting {
		t.mu.Unlock()
		return nil
	}
	t.compacting = true
	snap := t.snapshotLocked()
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.compacting = false
		t.mu.Unlock()
	}()

	type group struct {
		items  []*sstListItem // newest first
		target uint64
	}
	var groups []group

	// Pending flush items are level-1 entries that only lack a chain block.
	level1 := append(append([]*sstListItem(nil), snap.sstItems...), snap.levels[1]...)
	switch mode {
	case CompactionMinor:
		if len(level1) > 1 {
			groups = append(groups, group{items: level1, target: 1})
		}
		for lvl := uint64(2); lvl <= snap.maxLevel; lvl++ {
			if items := snap.levels[lvl]; len(items) > 1 {
				groups = append(groups, group{items: slices.Clone(items), target: lvl})
			}
		}
	case CompactionMajor:
		all := slices.Clone(level1)
		deepest := uint64(1)
		for lvl := uint64(2); lvl <= snap.maxLevel; lvl++ {
			all = append(all, snap.levels[lvl]...)
			if len(snap.levels[lvl]) > 0 {
				deepest = lvl
			}
		}
		if len(all) > 1 {
			groups = append(groups, group{items: all, target: deepest + 1})
		}
	default:
		return nil
	}
	if len(groups) == 0 {
		return nil
	}

	merged := make(map[uint64]bool) // sstable ids consumed by a group
	var outputs []*sstListItem
	for _, g := range groups {
		// Tombstones are droppable only when nothing older than the output
		// can still hold a live version, i.e. no untouched sstables exist at
		// deeper levels.
		drop := true
		for lvl := g.target + 1; lvl <= snap.maxLevel; lvl++ {
			inGroup := 0
			for _, it := range g.items {
				if it.level == lvl {
					inGroup++
				}
			}
			if len(snap.levels[lvl]) > inGroup {
				drop = false
				break
			}
		}
		out, err := t.mergeGroup(g.items, g.target, drop)
		if err != nil {
			return errors.Wrapf(err, "compact table %s level %d", t.name, g.target)
		}
		outputs = append(outputs, out)
		for _, it := range g.items {
			merged[it.sstableID] = true
		}
	}

	// Survivors: untouched items plus the merged outputs, levels ascending.
	var survivors []*sstListItem
	survivors = append(survivors, outputs...)
	for _, it := range level1 {
		if !merged[it.sstableID] {
			survivors = append(survivors, it)
		}
	}
	for lvl := uint64(2); lvl <= snap.maxLevel; lvl++ {
		for _, it := range snap.levels[lvl] {
			if !merged[it.sstableID] {
				survivors = append(survivors, it)
			}
		}
	}
	sort.SliceStable(survivors, func(i, j int) bool { return survivors[i].level < survivors[j].level })

	// Publish the replacement chain before touching in-memory state.
	t.mu.Lock()
	prevLoc, prevSize := t.sstListLoc, t.sstListSize
	t.mu.Unlock()
	var w block.Writer
	encodeSSTListItems(&w, survivors)
	loc, size, err := t.db.tdb.blockWrite(block.Header{
		Type:             block.TypeSSTableList,
		PreviousLocation: prevLoc,
		PreviousSize:     prevSize,
		PreviousInvalid:  true,
	}, w.Finish())
	if err != nil {
		return errors.Wrapf(err, "write compacted sstable list of table %s", t.name)
	}

	t.mu.Lock()
	t.sstListLoc, t.sstListSize = loc, size
	// Flushes that landed during the pass stay pending for the next chain
	// block; everything else now lives in the published one.
	snapIDs := make(map[uint64]bool, len(snap.sstItems))
	for _, it := range snap.sstItems {
		snapIDs[it.sstableID] = true
	}
	var pending []*sstListItem
	for _, it := range t.sstItems {
		if !snapIDs[it.sstableID] {
			pending = append(pending, it)
		}
	}
	t.sstItems = pending
	t.levels = make(map[uint64][]*sstListItem)
	t.maxLevel = 0
	for _, it := range survivors {
		t.levels[it.level] = append(t.levels[it.level], it)
		if it.level > t.maxLevel {
			t.maxLevel = it.level
		}
	}
	t.markDirtyLocked()
	t.mu.Unlock()
	return nil
}

func secondaryDedupKey(it *secondaryIndexItem) string {
	k := binary.LittleEndian.AppendUint32(nil, uint32(len(it.secondaryKey)))
	k = append(k, it.secondaryKey...)
	k = append(k, it.primaryKey...)
	return string(k)
}

// mergeGroup merges a newest-first set of sstables into one sstable at
// targetLevel, keeping the newest version of every key and rewriting the
// valuelog around the survivors.
func (t *Table) mergeGroup(group []*sstListItem, targetLevel uint64, dropTombstones bool) (*sstListItem, error) {
	t.mu.Lock()
	live := t.liveIndexes()
	pri := t.primaryIndex
	maxRecords := t.maxRecordCount
	t.mu.Unlock()
	if pri == nil {
		return nil, errors.Wrapf(ErrSchemaConflict, "table %s has no primary index", t.name)
	}

	// Primary pass: newest version per key wins; collect surviving documents.
	seen := make(map[string]bool)
	var priOut []*indexItem
	docs := make(map[uint64][]byte) // record id -> serialized document
	for _, sli := range group {
		pair, ok := sli.indexPair(pri.ID)
		if !ok {
			continue
		}
		cb, err := t.loadSSTIndex(sli, pri, pair)
		if err != nil {
			return nil, err
		}
		cid, err := t.loadIndexItems(sli, pri, cb)
		if err != nil {
			return nil, err
		}
		var vl []byte
		for _, it := range cid.items {
			k := string(it.key)
			if seen[k] {
				continue
			}
			seen[k] = true
			if it.deleted {
				if !dropTombstones {
					priOut = append(priOut, &indexItem{
						keyHash:  it.keyHash,
						key:      it.key,
						recordID: it.recordID,
						deleted:  true,
					})
				}
				continue
			}
			if vl == nil {
				if vl, err = t.loadValuelog(sli); err != nil {
					return nil, err
				}
			}
			if it.offset+it.length > uint64(len(vl)) {
				return nil, errors.Wrapf(ErrCorruptBlock,
					"valuelog slice beyond bounds in sstable %d", sli.sstableID)
			}
			docs[it.recordID] = vl[it.offset : it.offset+it.length]
			priOut = append(priOut, &indexItem{
				keyHash:  it.keyHash,
				key:      it.key,
				recordID: it.recordID,
			})
		}
	}
	slices.SortFunc(priOut, compareIndexItems)

	// Rebuild the valuelog in key order and restamp offsets.
	var vlBuf bytes.Buffer
	offsets := make(map[uint64][2]uint64, len(docs))
	for _, it := range priOut {
		if it.deleted {
			continue
		}
		doc := docs[it.recordID]
		it.offset = uint64(vlBuf.Len())
		it.length = uint64(len(doc))
		offsets[it.recordID] = [2]uint64{it.offset, it.length}
		vlBuf.Write(doc)
	}

	payloads := make([]sstIndexPayload, 0, len(live))
	for _, idx := range live {
		p := sstIndexPayload{index: idx}
		bf := bloomdata.New(maxRecords)
		switch idx.Kind {
		case IndexPrimary:
			p.count = uint64(len(priOut))
			p.items, p.first, p.last = serializeIndexItems(priOut)
			for _, it := range priOut {
				bf.Add(it.key)
			}
		case IndexUnique:
			items, err := t.mergeUniqueIndex(group, idx, offsets, dropTombstones)
			if err != nil {
				return nil, err
			}
			p.count = uint64(len(items))
			p.items, p.first, p.last = serializeIndexItems(items)
			for _, it := range items {
				bf.Add(it.key)
			}
		case IndexSecondary:
			items, err := t.mergeSecondaryIndex(group, idx, offsets, dropTombstones)
			if err != nil {
				return nil, err
			}
			p.count = uint64(len(items))
			p.items, p.first, p.last = serializeSecondaryItems(items)
			for _, it := range items {
				bf.Add(it.secondaryKey)
			}
		}
		bfData, err := bloomdata.Marshal(bf)
		if err != nil {
			return nil, err
		}
		p.bloomData = bfData
		payloads = append(payloads, p)
	}

	t.mu.Lock()
	sstableID := t.nextMemtableID
	t.nextMemtableID++
	t.mu.Unlock()
	return t.writeSST(sstableID, targetLevel, uint64(len(priOut)), vlBuf.Bytes(), payloads)
}

// mergeUniqueIndex dedups a unique index by key and restamps surviving
// offsets from the rebuilt valuelog. Items whose record version lost the
// primary merge are stale and dropped.
func (t *Table) mergeUniqueIndex(group []*sstListItem, idx *Index, offsets map[uint64][2]uint64, dropTombstones bool) ([]*indexItem, error) {
	seen := make(map[string]bool)
	var out []*indexItem
	for _, sli := range group {
		pair, ok := sli.indexPair(idx.ID)
		if !ok {
			continue
		}
		cb, err := t.loadSSTIndex(sli, idx, pair)
		if err != nil {
			return nil, err
		}
		cid, err := t.loadIndexItems(sli, idx, cb)
		if err != nil {
			return nil, err
		}
		for _, it := range cid.items {
			k := string(it.key)
			if seen[k] {
				continue
			}
			seen[k] = true
			if it.deleted {
				if !dropTombstones {
					out = append(out, &indexItem{
						keyHash:  it.keyHash,
						key:      it.key,
						recordID: it.recordID,
						deleted:  true,
					})
				}
				continue
			}
			off, ok := offsets[it.recordID]
			if !ok {
				continue
			}
			out = append(out, &indexItem{
				keyHash:  it.keyHash,
				key:      it.key,
				recordID: it.recordID,
				offset:   off[0],
				length:   off[1],
			})
		}
	}
	slices.SortFunc(out, compareIndexItems)
	return out, nil
}

// mergeSecondaryIndex dedups a secondary index by (secondary key, primary
// key), keeping items whose record survived the primary merge and, when
// tombstones are kept, the primary-deleted markers.
func (t *Table) mergeSecondaryIndex(group []*sstListItem, idx *Index, offsets map[uint64][2]uint64, dropTombstones bool) ([]*secondaryIndexItem, error) {
	seen := make(map[string]bool)
	var out []*secondaryIndexItem
	for _, sli := range group {
		pair, ok := sli.indexPair(idx.ID)
		if !ok {
			continue
		}
		cb, err := t.loadSSTIndex(sli, idx, pair)
		if err != nil {
			return nil, err
		}
		cid, err := t.loadSecondaryItems(sli, idx, cb)
		if err != nil {
			return nil, err
		}
		for _, it := range cid.items {
			k := secondaryDedupKey(it)
			if seen[k] {
				continue
			}
			seen[k] = true
			if it.primaryDeleted {
				if !dropTombstones {
					out = append(out, it)
				}
				continue
			}
			if _, ok := offsets[it.recordID]; !ok {
				continue
			}
			out = append(out, it)
		}
	}
	slices.SortFunc(out, compareSecondaryItems)
	return out, nil
}
