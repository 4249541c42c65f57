package tosdb

import (
	"sort"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/turnstonedb/tosdb/internal/block"
)

// Database groups tables. Handles come from TosDb.DatabaseCreateOrOpen; the
// table catalog loads lazily on first use.
type Database struct {
	tdb *TosDb

	id      uint64
	name    string
	deleted bool

	mu            sync.Mutex
	loaded        bool
	tableListLoc  uint64
	tableListSize uint64
	tables        map[string]*Table
	nextTableID   uint64
	dirty         bool
}

// Name returns the database name.
func (d *Database) Name() string { return d.name }

// ID returns the database id.
func (d *Database) ID() uint64 { return d.id }

// load walks the table-list chain once and registers lazy table stubs.
func (d *Database) load() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loadLocked()
}

func (d *Database) loadLocked() error {
	if d.loaded {
		return nil
	}
	d.tables = make(map[string]*Table)
	loc, size := d.tableListLoc, d.tableListSize
	for loc != 0 {
		h, payload, err := d.tdb.blockRead(loc, size, block.TypeTableList)
		if err != nil {
			return errors.Wrapf(err, "load table list of database %s", d.name)
		}
		r := block.NewReader(payload)
		count := r.U64()
		for i := uint64(0); i < count; i++ {
			tbl := &Table{
				db:      d,
				id:      r.U64(),
				deleted: r.Bool(),
				name:    r.String(),

				maxRecordCount:   r.U64(),
				maxValuelogSize:  r.U64(),
				maxMemtableCount: r.U64(),

				nextColumnID:   r.U64(),
				nextIndexID:    r.U64(),
				nextMemtableID: r.U64(),
				nextRecordID:   r.U64(),

				columnListLoc:  r.U64(),
				columnListSize: r.U64(),
				indexListLoc:   r.U64(),
				indexListSize:  r.U64(),
				sstListLoc:     r.U64(),
				sstListSize:    r.U64(),
			}
			if r.Err() != nil {
				return r.Err()
			}
			if tbl.id >= d.nextTableID {
				d.nextTableID = tbl.id + 1
			}
			if _, ok := d.tables[tbl.name]; ok {
				continue
			}
			d.tables[tbl.name] = tbl
		}
		if h.PreviousInvalid {
			break
		}
		loc, size = h.PreviousLocation, h.PreviousSize
	}
	d.loaded = true
	return nil
}

// TableCreateOrOpen returns the named table, creating it with the given caps
// if absent. Caps of an existing table win over the arguments.
func (d *Database) TableCreateOrOpen(name string, maxRecordCount, maxValuelogSize, maxMemtableCount uint64) (*Table, error) {
	if len(name) == 0 || len(name) > NameMaxLen {
		return nil, errors.Wrapf(ErrSchemaConflict, "table name %q", name)
	}
	if maxRecordCount == 0 || maxValuelogSize == 0 || maxMemtableCount == 0 {
		return nil, errors.Wrapf(ErrSchemaConflict, "table %s: caps must be positive", name)
	}
	if err := d.load(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	tbl, ok := d.tables[name]
	if ok && !tbl.deleted {
		d.mu.Unlock()
		if err := tbl.load(); err != nil {
			return nil, err
		}
		return tbl, nil
	}
	tbl = &Table{
		db:               d,
		id:               d.nextTableID,
		name:             name,
		maxRecordCount:   maxRecordCount,
		maxValuelogSize:  maxValuelogSize,
		maxMemtableCount: maxMemtableCount,
		nextColumnID:     1,
		nextIndexID:      1,
		nextMemtableID:   1,
		nextRecordID:     1,
		loaded:           true,
		columnsByName:    make(map[string]*Column),
		columnsByID:      make(map[uint64]*Column),
		indexes:          make(map[uint64]*Index),
		indexByColumn:    make(map[uint64]*Index),
		levels:           make(map[uint64][]*sstListItem),
		dirty:            true,
	}
	d.nextTableID++
	d.tables[name] = tbl
	d.dirty = true
	d.mu.Unlock()

	d.tdb.mu.Lock()
	d.tdb.dirty = true
	d.tdb.mu.Unlock()
	return tbl, nil
}

// flushTables persists every loaded table's memtables.
func (d *Database) flushTables() error {
	d.mu.Lock()
	tbls := d.tablesLocked()
	d.mu.Unlock()
	for _, tbl := range tbls {
		if err := tbl.flushMemtables(); err != nil {
			return errors.Wrapf(err, "flush table %s", tbl.name)
		}
	}
	return nil
}

func (d *Database) tablesLocked() []*Table {
	tbls := make([]*Table, 0, len(d.tables))
	for _, tbl := range d.tables {
		tbls = append(tbls, tbl)
	}
	sort.Slice(tbls, func(i, j int) bool { return tbls[i].id < tbls[j].id })
	return tbls
}

// persist writes dirty tables, then a new table-list block when anything
// changed, and updates the database's catalog pointer.
func (d *Database) persist() error {
	d.mu.Lock()
	if !d.loaded || d.deleted {
		d.mu.Unlock()
		return nil
	}
	tbls := d.tablesLocked()
	dirty := d.dirty
	d.mu.Unlock()

	for _, tbl := range tbls {
		changed, err := tbl.persist()
		if err != nil {
			return err
		}
		if changed {
			dirty = true
		}
	}
	if !dirty {
		return nil
	}

	var w block.Writer
	w.U64(uint64(len(tbls)))
	for _, tbl := range tbls {
		tbl.mu.Lock()
		w.U64(tbl.id)
		w.Bool(tbl.deleted)
		w.String(tbl.name)
		w.U64(tbl.maxRecordCount)
		w.U64(tbl.maxValuelogSize)
		w.U64(tbl.maxMemtableCount)
		w.U64(tbl.nextColumnID)
		w.U64(tbl.nextIndexID)
		w.U64(tbl.nextMemtableID)
		w.U64(tbl.nextRecordID)
		w.U64(tbl.columnListLoc)
		w.U64(tbl.columnListSize)
		w.U64(tbl.indexListLoc)
		w.U64(tbl.indexListSize)
		w.U64(tbl.sstListLoc)
		w.U64(tbl.sstListSize)
		tbl.mu.Unlock()
	}

	d.mu.Lock()
	prevLoc, prevSize := d.tableListLoc, d.tableListSize
	d.mu.Unlock()
	loc, size, err := d.tdb.blockWrite(block.Header{
		Type:             block.TypeTableList,
		PreviousLocation: prevLoc,
		PreviousSize:     prevSize,
	}, w.Finish())
	if err != nil {
		return errors.Wrapf(err, "write table list of database %s", d.name)
	}
	d.mu.Lock()
	d.tableListLoc = loc
	d.tableListSize = size
	d.dirty = false
	d.mu.Unlock()
	return nil
}

// Close flushes the database's tables. Catalog durability comes from the
// owning store's persist.
func (d *Database) Close() error {
	return d.flushTables()
}
