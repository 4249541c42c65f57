package tosdb

import (
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/turnstonedb/tosdb/internal/document"
)

// searchHit is one candidate a secondary scan produced: the primary key it
// points at and the visibility recorded at its source.
type searchHit struct {
	primaryKey  []byte
	primaryHash uint64
	recordID    uint64
	deleted     bool
}

// search walks memtables newest-first and then sstables by level for every
// item matching the secondary key. The first sighting of a primary key wins,
// so newer deletes shadow older versions. Surviving hits are populated
// through the primary index.
func (t *Table) search(key recordKey) ([]*Record, error) {
	t.mu.Lock()
	idx := t.indexes[key.indexID]
	pri := t.primaryIndex
	t.mu.Unlock()
	if idx == nil || pri == nil {
		return nil, errors.Wrapf(ErrRecordKeyRequired, "search needs a live secondary index")
	}
	t.mu.Lock()
	priCol := t.columnsByID[pri.ColumnID]
	t.mu.Unlock()

	snap := t.snapshot()
	seen := make(map[string]*searchHit)
	order := make([]string, 0, 8)
	collect := func(items []*secondaryIndexItem) {
		for _, it := range items {
			k := string(it.primaryKey)
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = &searchHit{
				primaryKey:  it.primaryKey,
				primaryHash: it.primaryHash,
				recordID:    it.recordID,
				deleted:     it.primaryDeleted,
			}
			order = append(order, k)
		}
	}

	for _, mt := range snap.memtables {
		collect(mt.searchSecondary(key))
	}

	var ferr error
	snap.sstSources(func(sli *sstListItem) bool {
		pair, ok := sli.indexPair(key.indexID)
		if !ok {
			return true
		}
		items, err := t.sstSearchOnItem(sli, idx, pair, key)
		if err != nil {
			ferr = err
			return false
		}
		collect(items)
		return true
	})
	if ferr != nil {
		return nil, ferr
	}

	records := make([]*Record, 0, len(order))
	for _, k := range order {
		hit := seen[k]
		if hit.deleted {
			continue
		}
		rec, err := t.CreateRecord()
		if err != nil {
			return nil, err
		}
		v, err := document.ValueFromKeyBytes(priCol.Type, hit.primaryKey)
		if err != nil {
			return nil, err
		}
		if err := rec.setByColumnID(priCol.ID, v); err != nil {
			return nil, err
		}
		if err := rec.Get(); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		records = append(records, rec)
	}
	sortRecordsByPrimary(records, pri.ID)
	return records, nil
}

// sstSearchOnItem scans one sstable's secondary index for every contiguous
// match of the key.
func (t *Table) sstSearchOnItem(sli *sstListItem, idx *Index, pair sstIndexPair, key recordKey) ([]*secondaryIndexItem, error) {
	cb, err := t.loadSSTIndex(sli, idx, pair)
	if err != nil {
		return nil, err
	}
	if cb.count == 0 {
		return nil, nil
	}
	if compareKeys(cb.firstSec.secondaryHash, cb.firstSec.secondaryKey, key.hash, key.key) > 0 ||
		compareKeys(cb.lastSec.secondaryHash, cb.lastSec.secondaryKey, key.hash, key.key) < 0 {
		return nil, nil
	}
	if !cb.bloom.Test(key.key) {
		return nil, nil
	}
	cid, err := t.loadSecondaryItems(sli, idx, cb)
	if err != nil {
		return nil, err
	}
	items := cid.items
	lo := sort.Search(len(items), func(i int) bool {
		return compareKeys(items[i].secondaryHash, items[i].secondaryKey, key.hash, key.key) >= 0
	})
	var out []*secondaryIndexItem
	for i := lo; i < len(items); i++ {
		if compareKeys(items[i].secondaryHash, items[i].secondaryKey, key.hash, key.key) != 0 {
			break
		}
		out = append(out, items[i])
	}
	return out, nil
}

// PrimaryKeys returns one record per live primary key, carrying only the
// primary key column. Newest visibility wins; tombstoned keys are absent.
func (t *Table) PrimaryKeys() ([]*Record, error) {
	if err := t.load(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	pri := t.primaryIndex
	var priCol *Column
	if pri != nil {
		priCol = t.columnsByID[pri.ColumnID]
	}
	t.mu.Unlock()
	if pri == nil || priCol == nil {
		return nil, errors.Wrapf(ErrSchemaConflict, "table %s has no primary index", t.name)
	}

	snap := t.snapshot()
	seen := make(map[string]*indexItem)
	order := make([]string, 0, 16)
	collect := func(it *indexItem) {
		k := string(it.key)
		if _, ok := seen[k]; ok {
			return
		}
		seen[k] = it
		order = append(order, k)
	}

	for _, mt := range snap.memtables {
		mi, ok := mt.indexes[pri.ID]
		if !ok || mi.primary == nil {
			continue
		}
		mi.primary.Ascend(func(it *indexItem) bool {
			collect(it)
			return true
		})
	}

	var ferr error
	snap.sstSources(func(sli *sstListItem) bool {
		pair, ok := sli.indexPair(pri.ID)
		if !ok {
			return true
		}
		cb, err := t.loadSSTIndex(sli, pri, pair)
		if err != nil {
			ferr = err
			return false
		}
		cid, err := t.loadIndexItems(sli, pri, cb)
		if err != nil {
			ferr = err
			return false
		}
		for _, it := range cid.items {
			collect(it)
		}
		return true
	})
	if ferr != nil {
		return nil, ferr
	}

	records := make([]*Record, 0, len(order))
	for _, k := range order {
		it := seen[k]
		if it.deleted {
			continue
		}
		rec, err := t.CreateRecord()
		if err != nil {
			return nil, err
		}
		v, err := document.ValueFromKeyBytes(priCol.Type, it.key)
		if err != nil {
			return nil, err
		}
		if err := rec.setByColumnID(priCol.ID, v); err != nil {
			return nil, err
		}
		rec.recordID = it.recordID
		records = append(records, rec)
	}
	sortRecordsByPrimary(records, pri.ID)
	return records, nil
}
