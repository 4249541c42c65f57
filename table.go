package tosdb

import (
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"

	"github.com/turnstonedb/tosdb/internal/block"
	"github.com/turnstonedb/tosdb/internal/document"
)

// DataType is a column's value type.
type DataType = document.Type

// Re-exported column types.
const (
	TypeBoolean = document.TypeBoolean
	TypeInt8    = document.TypeInt8
	TypeUint8   = document.TypeUint8
	TypeInt16   = document.TypeInt16
	TypeUint16  = document.TypeUint16
	TypeInt32   = document.TypeInt32
	TypeUint32  = document.TypeUint32
	TypeInt64   = document.TypeInt64
	TypeUint64  = document.TypeUint64
	TypeFloat32 = document.TypeFloat32
	TypeFloat64 = document.TypeFloat64
	TypeString  = document.TypeString
	TypeBytes   = document.TypeBytes
)

// IndexKind discriminates index behavior.
type IndexKind uint8

const (
	IndexPrimary IndexKind = iota
	IndexUnique
	IndexSecondary
)

func (k IndexKind) String() string {
	switch k {
	case IndexPrimary:
		return "primary"
	case IndexUnique:
		return "unique"
	case IndexSecondary:
		return "secondary"
	default:
		return "invalid"
	}
}

// Column is a table column. Ids are monotonic and never reused.
type Column struct {
	ID      uint64
	Name    string
	Type    DataType
	deleted bool
}

// Index binds an index id to a column.
type Index struct {
	ID       uint64
	ColumnID uint64
	Kind     IndexKind
	deleted  bool
}

// sstIndexPair locates one index's sstable-index block.
type sstIndexPair struct {
	indexID uint64
	loc     uint64
	size    uint64
}

// sstListItem is one entry of the table's sstable list chain.
type sstListItem struct {
	sstableID    uint64
	level        uint64
	recordCount  uint64
	valuelogLoc  uint64
	valuelogSize uint64
	indexes      []sstIndexPair
}

func (s *sstListItem) indexPair(indexID uint64) (sstIndexPair, bool) {
	for _, p := range s.indexes {
		if p.indexID == indexID {
			return p, true
		}
	}
	return sstIndexPair{}, false
}

// Table owns its memtable stack and sstable list chains. All mutation of
// either happens under mu; readers work on snapshots.
type Table struct {
	db *Database

	id      uint64
	name    string
	deleted bool

	maxRecordCount   uint64
	maxValuelogSize  uint64
	maxMemtableCount uint64

	mu     sync.Mutex
	loaded bool

	columnListLoc  uint64
	columnListSize uint64
	indexListLoc   uint64
	indexListSize  uint64
	sstListLoc     uint64
	sstListSize    uint64

	columnsByName map[string]*Column
	columnsByID   map[uint64]*Column
	indexes       map[uint64]*Index
	indexByColumn map[uint64]*Index
	primaryIndex  *Index

	nextColumnID   uint64
	nextIndexID    uint64
	nextMemtableID uint64
	nextRecordID   uint64

	memtables []*memtable // oldest first; last is the writable one
	sstItems  []*sstListItem // flushed but not yet in a chain block, newest first
	levels    map[uint64][]*sstListItem // newest first within each level
	maxLevel  uint64

	dirty      bool
	compacting bool
}

// Name returns the table name.
func (t *Table) Name() string { return t.name }

// ID returns the table id.
func (t *Table) ID() uint64 { return t.id }

// load reads the table's column, index, and sstable-list chains on first
// access.
func (t *Table) load() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.loaded {
		return nil
	}
	t.columnsByName = make(map[string]*Column)
	t.columnsByID = make(map[uint64]*Column)
	t.indexes = make(map[uint64]*Index)
	t.indexByColumn = make(map[uint64]*Index)
	t.levels = make(map[uint64][]*sstListItem)

	if err := t.loadColumns(); err != nil {
		return err
	}
	if err := t.loadIndexes(); err != nil {
		return err
	}
	if err := t.loadSSTList(); err != nil {
		return err
	}
	t.loaded = true
	return nil
}

func (t *Table) loadColumns() error {
	loc, size := t.columnListLoc, t.columnListSize
	for loc != 0 {
		h, payload, err := t.db.tdb.blockRead(loc, size, block.TypeColumnList)
		if err != nil {
			return errors.Wrapf(err, "load columns of table %s", t.name)
		}
		r := block.NewReader(payload)
		count := r.U64()
		for i := uint64(0); i < count; i++ {
			col := &Column{
				ID:      r.U64(),
				Type:    DataType(r.U8()),
				deleted: r.Bool(),
			}
			col.Name = r.String()
			if r.Err() != nil {
				return r.Err()
			}
			if _, ok := t.columnsByID[col.ID]; ok {
				continue
			}
			t.columnsByID[col.ID] = col
			if !col.deleted {
				t.columnsByName[col.Name] = col
			}
		}
		if h.PreviousInvalid {
			break
		}
		loc, size = h.PreviousLocation, h.PreviousSize
	}
	return nil
}

func (t *Table) loadIndexes() error {
	loc, size := t.indexListLoc, t.indexListSize
	for loc != 0 {
		h, payload, err := t.db.tdb.blockRead(loc, size, block.TypeIndexList)
		if err != nil {
			return errors.Wrapf(err, "load indexes of table %s", t.name)
		}
		r := block.NewReader(payload)
		count := r.U64()
		for i := uint64(0); i < count; i++ {
			idx := &Index{
				ID:       r.U64(),
				ColumnID: r.U64(),
				Kind:     IndexKind(r.U8()),
				deleted:  r.Bool(),
			}
			if r.Err() != nil {
				return r.Err()
			}
			if _, ok := t.indexes[idx.ID]; ok {
				continue
			}
			t.indexes[idx.ID] = idx
			if !idx.deleted {
				t.indexByColumn[idx.ColumnID] = idx
				if idx.Kind == IndexPrimary {
					t.primaryIndex = idx
				}
			}
		}
		if h.PreviousInvalid {
			break
		}
		loc, size = h.PreviousLocation, h.PreviousSize
	}
	return nil
}

func (t *Table) loadSSTList() error {
	seen := make(map[uint64]bool)
	loc, size := t.sstListLoc, t.sstListSize
	for loc != 0 {
		h, payload, err := t.db.tdb.blockRead(loc, size, block.TypeSSTableList)
		if err != nil {
			return errors.Wrapf(err, "load sstable list of table %s", t.name)
		}
		r := block.NewReader(payload)
		count := r.U64()
		for i := uint64(0); i < count; i++ {
			item := &sstListItem{
				sstableID:    r.U64(),
				level:        r.U64(),
				recordCount:  r.U64(),
				valuelogLoc:  r.U64(),
				valuelogSize: r.U64(),
			}
			pairs := r.U32()
			for j := uint32(0); j < pairs; j++ {
				item.indexes = append(item.indexes, sstIndexPair{
					indexID: r.U64(),
					loc:     r.U64(),
					size:    r.U64(),
				})
			}
			if r.Err() != nil {
				return r.Err()
			}
			if seen[item.sstableID] {
				continue
			}
			seen[item.sstableID] = true
			t.levels[item.level] = append(t.levels[item.level], item)
			if item.level > t.maxLevel {
				t.maxLevel = item.level
			}
			if item.sstableID >= t.nextMemtableID {
				t.nextMemtableID = item.sstableID + 1
			}
		}
		if h.PreviousInvalid {
			break
		}
		loc, size = h.PreviousLocation, h.PreviousSize
	}
	return nil
}

// ColumnAdd appends a column. Names are unique within the table; ids are
// never reused.
func (t *Table) ColumnAdd(name string, typ DataType) error {
	if len(name) == 0 || len(name) > NameMaxLen {
		return errors.Wrapf(ErrSchemaConflict, "column name %q", name)
	}
	if err := t.load(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.columnsByName[name]; ok {
		return errors.Wrapf(ErrSchemaConflict, "column %s exists on table %s", name, t.name)
	}
	col := &Column{ID: t.nextColumnID, Name: name, Type: typ}
	t.nextColumnID++
	t.columnsByID[col.ID] = col
	t.columnsByName[name] = col
	t.markDirtyLocked()
	return nil
}

// IndexCreate indexes an existing column. A table holds exactly one primary
// index and at most one index per column.
func (t *Table) IndexCreate(columnName string, kind IndexKind) error {
	if err := t.load(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	col, ok := t.columnsByName[columnName]
	if !ok {
		return errors.Wrapf(ErrSchemaConflict, "index over missing column %s on table %s", columnName, t.name)
	}
	if _, ok := t.indexByColumn[col.ID]; ok {
		return errors.Wrapf(ErrSchemaConflict, "column %s of table %s already indexed", columnName, t.name)
	}
	if kind == IndexPrimary && t.primaryIndex != nil {
		return errors.Wrapf(ErrSchemaConflict, "table %s already has a primary index", t.name)
	}
	idx := &Index{ID: t.nextIndexID, ColumnID: col.ID, Kind: kind}
	t.nextIndexID++
	t.indexes[idx.ID] = idx
	t.indexByColumn[col.ID] = idx
	if kind == IndexPrimary {
		t.primaryIndex = idx
	}
	t.markDirtyLocked()
	return nil
}

func (t *Table) markDirtyLocked() {
	t.dirty = true
	t.db.mu.Lock()
	t.db.dirty = true
	t.db.mu.Unlock()
	t.db.tdb.mu.Lock()
	t.db.tdb.dirty = true
	t.db.tdb.mu.Unlock()
}

func (t *Table) liveIndexes() []*Index {
	out := make([]*Index, 0, len(t.indexes))
	for _, idx := range t.indexes {
		if !idx.deleted {
			out = append(out, idx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func hashKey(key []byte) uint64 { return xxhash.Sum64(key) }

// newMemtableLocked opens a fresh writable memtable and marks the previous
// one readonly.
func (t *Table) newMemtableLocked() {
	if cur := t.currentLocked(); cur != nil {
		cur.readonly = true
	}
	mt := newMemtable(t.nextMemtableID, t.indexes, t.maxRecordCount)
	t.nextMemtableID++
	t.memtables = append(t.memtables, mt)
	t.markDirtyLocked()
}

func (t *Table) currentLocked() *memtable {
	if len(t.memtables) == 0 {
		return nil
	}
	return t.memtables[len(t.memtables)-1]
}

// upsert serializes the record into the current memtable and registers one
// index item per live index. del writes tombstones instead of a document.
func (t *Table) upsert(r *Record, del bool) error {
	if err := t.load(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	live := t.liveIndexes()
	if len(live) == 0 || t.primaryIndex == nil {
		return errors.Wrapf(ErrSchemaConflict, "table %s has no primary index", t.name)
	}
	if len(r.keys) != len(live) {
		return errors.Wrapf(ErrRecordKeyRequired,
			"table %s has %d indexes, record carries %d keys", t.name, len(live), len(r.keys))
	}
	priKey, ok := r.keys[t.primaryIndex.ID]
	if !ok {
		return errors.Wrapf(ErrRecordKeyRequired, "table %s: primary key missing", t.name)
	}

	if t.currentLocked() == nil || t.currentLocked().readonly {
		t.newMemtableLocked()
	}

	var offset, length uint64
	if !del {
		doc := make(document.Document, 0, len(r.values))
		for colID, v := range r.values {
			doc = append(doc, document.Field{Name: colID, Value: v})
		}
		serialized := doc.Encode()
		if uint64(len(serialized)) > t.maxValuelogSize {
			return errors.Wrapf(ErrOutOfBudget,
				"record of %d bytes, valuelog cap %d", len(serialized), t.maxValuelogSize)
		}
		cur := t.currentLocked()
		if uint64(cur.values.Len())+uint64(len(serialized)) > t.maxValuelogSize ||
			cur.recordCount >= t.maxRecordCount {
			t.newMemtableLocked()
			cur = t.currentLocked()
		}
		offset = uint64(cur.values.Len())
		length = uint64(len(serialized))
		cur.values.Write(serialized)
	}

	cur := t.currentLocked()
	recordID := t.nextRecordID
	t.nextRecordID++
	r.recordID = recordID

	for _, idx := range live {
		key, ok := r.keys[idx.ID]
		if !ok {
			return errors.Wrapf(ErrRecordKeyRequired,
				"table %s: key for index %d missing", t.name, idx.ID)
		}
		mi := cur.indexes[idx.ID]
		if idx.Kind == IndexSecondary {
			mi.secondary.ReplaceOrInsert(&secondaryIndexItem{
				secondaryHash:  key.hash,
				secondaryKey:   key.key,
				primaryHash:    priKey.hash,
				primaryKey:     priKey.key,
				recordID:       recordID,
				primaryDeleted: del,
			})
		} else {
			mi.primary.ReplaceOrInsert(&indexItem{
				keyHash:  key.hash,
				key:      key.key,
				recordID: recordID,
				offset:   offset,
				length:   length,
				deleted:  del,
			})
		}
		mi.bloom.Add(key.key)
	}
	cur.recordCount++
	cur.dirty = true
	t.markDirtyLocked()

	for uint64(len(t.memtables)) > t.maxMemtableCount {
		oldest := t.memtables[0]
		oldest.readonly = true
		if err := t.flushMemtableLocked(oldest); err != nil {
			return err
		}
		t.memtables = t.memtables[1:]
	}
	return nil
}

// tableSnapshot is the read view of a table's sources, newest first.
type tableSnapshot struct {
	memtables []*memtable // newest first
	sstItems  []*sstListItem
	levels    map[uint64][]*sstListItem
	maxLevel  uint64
}

func (t *Table) snapshot() tableSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Table) snapshotLocked() tableSnapshot {
	snap := tableSnapshot{
		memtables: make([]*memtable, 0, len(t.memtables)),
		sstItems:  append([]*sstListItem(nil), t.sstItems...),
		levels:    make(map[uint64][]*sstListItem, len(t.levels)),
		maxLevel:  t.maxLevel,
	}
	for i := len(t.memtables) - 1; i >= 0; i-- {
		snap.memtables = append(snap.memtables, t.memtables[i])
	}
	for lvl, items := range t.levels {
		snap.levels[lvl] = append([]*sstListItem(nil), items...)
	}
	return snap
}

// sstSources yields the snapshot's sstable list items newest-first: pending
// items, then levels ascending.
func (s tableSnapshot) sstSources(yield func(*sstListItem) bool) {
	for _, item := range s.sstItems {
		if !yield(item) {
			return
		}
	}
	for lvl := uint64(1); lvl <= s.maxLevel; lvl++ {
		for _, item := range s.levels[lvl] {
			if !yield(item) {
				return
			}
		}
	}
}

// flushMemtables persists every memtable holding records, current included.
func (t *Table) flushMemtables() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, mt := range t.memtables {
		mt.readonly = true
		if err := t.flushMemtableLocked(mt); err != nil {
			return err
		}
	}
	t.memtables = nil
	return nil
}

func (t *Table) flushMemtableLocked(mt *memtable) error {
	if !mt.dirty || mt.recordCount == 0 {
		return nil
	}
	start := time.Now()
	item, err := t.writeSSTFromMemtable(mt)
	if err != nil {
		return err
	}
	t.sstItems = append([]*sstListItem{item}, t.sstItems...)
	mt.dirty = false
	t.markDirtyLocked()
	t.db.tdb.metrics.MemtableFlushes.Inc()
	t.db.tdb.metrics.observeFlush(time.Since(start))
	return nil
}

// persist writes the table's dirty catalog chains. Reports whether anything
// was written.
func (t *Table) persist() (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.loaded || !t.dirty {
		return false, nil
	}

	if err := t.persistColumnsLocked(); err != nil {
		return false, err
	}
	if err := t.persistIndexesLocked(); err != nil {
		return false, err
	}
	if err := t.persistSSTListLocked(); err != nil {
		return false, err
	}
	t.dirty = false
	return true, nil
}

func (t *Table) persistColumnsLocked() error {
	cols := make([]*Column, 0, len(t.columnsByID))
	for _, c := range t.columnsByID {
		cols = append(cols, c)
	}
	sort.Slice(cols, func(i, j int) bool { return cols[i].ID < cols[j].ID })
	var w block.Writer
	w.U64(uint64(len(cols)))
	for _, c := range cols {
		w.U64(c.ID)
		w.U8(uint8(c.Type))
		w.Bool(c.deleted)
		w.String(c.Name)
	}
	loc, size, err := t.db.tdb.blockWrite(block.Header{
		Type:             block.TypeColumnList,
		PreviousLocation: t.columnListLoc,
		PreviousSize:     t.columnListSize,
	}, w.Finish())
	if err != nil {
		return errors.Wrapf(err, "write column list of table %s", t.name)
	}
	t.columnListLoc, t.columnListSize = loc, size
	return nil
}

func (t *Table) persistIndexesLocked() error {
	idxs := make([]*Index, 0, len(t.indexes))
	for _, idx := range t.indexes {
		idxs = append(idxs, idx)
	}
	sort.Slice(idxs, func(i, j int) bool { return idxs[i].ID < idxs[j].ID })
	var w block.Writer
	w.U64(uint64(len(idxs)))
	for _, idx := range idxs {
		w.U64(idx.ID)
		w.U64(idx.ColumnID)
		w.U8(uint8(idx.Kind))
		w.Bool(idx.deleted)
	}
	loc, size, err := t.db.tdb.blockWrite(block.Header{
		Type:             block.TypeIndexList,
		PreviousLocation: t.indexListLoc,
		PreviousSize:     t.indexListSize,
	}, w.Finish())
	if err != nil {
		return errors.Wrapf(err, "write index list of table %s", t.name)
	}
	t.indexListLoc, t.indexListSize = loc, size
	return nil
}

func encodeSSTListItems(w *block.Writer, items []*sstListItem) {
	w.U64(uint64(len(items)))
	for _, item := range items {
		w.U64(item.sstableID)
		w.U64(item.level)
		w.U64(item.recordCount)
		w.U64(item.valuelogLoc)
		w.U64(item.valuelogSize)
		w.U32(uint32(len(item.indexes)))
		for _, p := range item.indexes {
			w.U64(p.indexID)
			w.U64(p.loc)
			w.U64(p.size)
		}
	}
}

// persistSSTListLocked appends the pending flushed items as a new chain
// block and files them under their levels.
func (t *Table) persistSSTListLocked() error {
	if len(t.sstItems) == 0 {
		return nil
	}
	var w block.Writer
	encodeSSTListItems(&w, t.sstItems)
	loc, size, err := t.db.tdb.blockWrite(block.Header{
		Type:             block.TypeSSTableList,
		PreviousLocation: t.sstListLoc,
		PreviousSize:     t.sstListSize,
	}, w.Finish())
	if err != nil {
		return errors.Wrapf(err, "write sstable list of table %s", t.name)
	}
	t.sstListLoc, t.sstListSize = loc, size
	for i := len(t.sstItems) - 1; i >= 0; i-- {
		item := t.sstItems[i]
		t.levels[item.level] = append([]*sstListItem{item}, t.levels[item.level]...)
		if item.level > t.maxLevel {
			t.maxLevel = item.level
		}
	}
	t.sstItems = nil
	return nil
}
