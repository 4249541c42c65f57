package tosdb

import "sort"

// Compression reports the store's persisted codec id.
func (t *TosDb) Compression() CompressionType {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sb.compression
}

// FreeNext reports the store's append cursor.
func (t *TosDb) FreeNext() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sb.freeNext
}

// DatabaseNames lists the live databases, sorted.
func (t *TosDb) DatabaseNames() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, 0, len(t.databases))
	for name, db := range t.databases {
		if !db.deleted {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// TableNames lists the database's live tables, sorted. The catalog loads on
// demand.
func (d *Database) TableNames() ([]string, error) {
	if err := d.load(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.tables))
	for name, tbl := range d.tables {
		if !tbl.deleted {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// LevelStats summarizes one sstable level.
type LevelStats struct {
	SSTables int
	Records  uint64
}

// TableStats summarizes a table's in-memory and on-disk state.
type TableStats struct {
	MaxRecordCount   uint64
	MaxValuelogSize  uint64
	MaxMemtableCount uint64
	Memtables        int
	MemtableRecords  uint64
	PendingSSTables  int
	MaxLevel         uint64
	Levels           map[uint64]LevelStats
}

// Stats loads the table if needed and summarizes it.
func (t *Table) Stats() (TableStats, error) {
	if err := t.load(); err != nil {
		return TableStats{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	st := TableStats{
		MaxRecordCount:   t.maxRecordCount,
		MaxValuelogSize:  t.maxValuelogSize,
		MaxMemtableCount: t.maxMemtableCount,
		Memtables:        len(t.memtables),
		PendingSSTables:  len(t.sstItems),
		MaxLevel:         t.maxLevel,
		Levels:           make(map[uint64]LevelStats),
	}
	for _, mt := range t.memtables {
		st.MemtableRecords += mt.recordCount
	}
	for lvl, items := range t.levels {
		ls := LevelStats{SSTables: len(items)}
		for _, it := range items {
			ls.Records += it.recordCount
		}
		st.Levels[lvl] = ls
	}
	return st, nil
}
