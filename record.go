package tosdb

import (
	"math"
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/turnstonedb/tosdb/internal/document"
)

// Value is the tagged union a record column carries.
type Value = document.Value

// noLocation marks a record with no known owning sstable.
const noLocation = math.MaxUint64

// recordKey is a precomputed index key: the canonical key bytes of the
// indexed column's value plus their hash.
type recordKey struct {
	indexID  uint64
	columnID uint64
	key      []byte
	hash     uint64
}

// Record is a row handle bound to a table. Set the indexed key column and
// call Get to load the rest; set every column and call Upsert to write.
// After a successful Get the record remembers the sstable that served it, so
// follow-up operations short-circuit to that sstable.
type Record struct {
	table  *Table
	values map[uint64]document.Value
	keys   map[uint64]recordKey

	recordID  uint64
	level     uint64
	sstableID uint64
	deleted   bool
}

// CreateRecord returns an empty record for the table.
func (t *Table) CreateRecord() (*Record, error) {
	if err := t.load(); err != nil {
		return nil, err
	}
	return &Record{
		table:     t,
		values:    make(map[uint64]document.Value),
		keys:      make(map[uint64]recordKey),
		level:     noLocation,
		sstableID: noLocation,
	}, nil
}

// SetValue stores a value into the named column. Setting an indexed column
// registers the corresponding index key.
func (r *Record) SetValue(column string, v Value) error {
	r.table.mu.Lock()
	col, ok := r.table.columnsByName[column]
	r.table.mu.Unlock()
	if !ok {
		return errors.Wrapf(ErrSchemaConflict, "unknown column %s on table %s", column, r.table.name)
	}
	if col.Type != v.Type {
		return errors.Wrapf(ErrRecordColumnMismatch,
			"column %s is %s, value is %s", column, col.Type, v.Type)
	}
	return r.setByColumnID(col.ID, v)
}

func (r *Record) setByColumnID(colID uint64, v Value) error {
	r.values[colID] = v
	r.table.mu.Lock()
	idx, indexed := r.table.indexByColumn[colID]
	r.table.mu.Unlock()
	if indexed {
		key, err := document.KeyBytes(v)
		if err != nil {
			return err
		}
		r.keys[idx.ID] = recordKey{
			indexID:  idx.ID,
			columnID: colID,
			key:      key,
			hash:     hashKey(key),
		}
	}
	return nil
}

// GetValue returns the named column's value. Absent columns report
// ErrNotFound.
func (r *Record) GetValue(column string) (Value, error) {
	r.table.mu.Lock()
	col, ok := r.table.columnsByName[column]
	r.table.mu.Unlock()
	if !ok {
		return Value{}, errors.Wrapf(ErrSchemaConflict, "unknown column %s on table %s", column, r.table.name)
	}
	v, ok := r.values[col.ID]
	if !ok {
		return Value{}, errors.Wrapf(ErrNotFound, "column %s not set", column)
	}
	return v, nil
}

func (r *Record) typedGet(column string, want DataType) (Value, error) {
	v, err := r.GetValue(column)
	if err != nil {
		return Value{}, err
	}
	if v.Type != want {
		return Value{}, errors.Wrapf(ErrRecordColumnMismatch,
			"column %s holds %s, asked for %s", column, v.Type, want)
	}
	return v, nil
}

func (r *Record) SetBoolean(column string, v bool) error { return r.SetValue(column, document.Boolean(v)) }
func (r *Record) SetInt8(column string, v int8) error    { return r.SetValue(column, document.Int8(v)) }
func (r *Record) SetUint8(column string, v uint8) error  { return r.SetValue(column, document.Uint8(v)) }
func (r *Record) SetInt16(column string, v int16) error  { return r.SetValue(column, document.Int16(v)) }
func (r *Record) SetUint16(column string, v uint16) error {
	return r.SetValue(column, document.Uint16(v))
}
func (r *Record) SetInt32(column string, v int32) error { return r.SetValue(column, document.Int32(v)) }
func (r *Record) SetUint32(column string, v uint32) error {
	return r.SetValue(column, document.Uint32(v))
}
func (r *Record) SetInt64(column string, v int64) error { return r.SetValue(column, document.Int64(v)) }
func (r *Record) SetUint64(column string, v uint64) error {
	return r.SetValue(column, document.Uint64(v))
}
func (r *Record) SetFloat32(column string, v float32) error {
	return r.SetValue(column, document.Float32(v))
}
func (r *Record) SetFloat64(column string, v float64) error {
	return r.SetValue(column, document.Float64(v))
}
func (r *Record) SetString(column string, v string) error {
	return r.SetValue(column, document.String(v))
}
func (r *Record) SetBytes(column string, v []byte) error {
	return r.SetValue(column, document.BytesValue(v))
}

func (r *Record) GetBoolean(column string) (bool, error) {
	v, err := r.typedGet(column, TypeBoolean)
	return v.Bool, err
}

func (r *Record) GetInt8(column string) (int8, error) {
	v, err := r.typedGet(column, TypeInt8)
	return int8(v.Int), err
}

func (r *Record) GetUint8(column string) (uint8, error) {
	v, err := r.typedGet(column, TypeUint8)
	return uint8(v.Uint), err
}

func (r *Record) GetInt16(column string) (int16, error) {
	v, err := r.typedGet(column, TypeInt16)
	return int16(v.Int), err
}

func (r *Record) GetUint16(column string) (uint16, error) {
	v, err := r.typedGet(column, TypeUint16)
	return uint16(v.Uint), err
}

func (r *Record) GetInt32(column string) (int32, error) {
	v, err := r.typedGet(column, TypeInt32)
	return int32(v.Int), err
}

func (r *Record) GetUint32(column string) (uint32, error) {
	v, err := r.typedGet(column, TypeUint32)
	return uint32(v.Uint), err
}

func (r *Record) GetInt64(column string) (int64, error) {
	v, err := r.typedGet(column, TypeInt64)
	return v.Int, err
}

func (r *Record) GetUint64(column string) (uint64, error) {
	v, err := r.typedGet(column, TypeUint64)
	return v.Uint, err
}

func (r *Record) GetFloat32(column string) (float32, error) {
	v, err := r.typedGet(column, TypeFloat32)
	return float32(v.Float), err
}

func (r *Record) GetFloat64(column string) (float64, error) {
	v, err := r.typedGet(column, TypeFloat64)
	return v.Float, err
}

func (r *Record) GetString(column string) (string, error) {
	v, err := r.typedGet(column, TypeString)
	return v.Str, err
}

func (r *Record) GetBytes(column string) ([]byte, error) {
	v, err := r.typedGet(column, TypeBytes)
	return v.Bytes, err
}

// Upsert writes the record. Every indexed column must be set.
func (r *Record) Upsert() error {
	return r.table.upsert(r, false)
}

// Delete tombstones the record. The primary key must be set; missing
// secondary keys are recovered with an internal Get first, so deleting by
// primary key alone works.
func (r *Record) Delete() error {
	r.table.mu.Lock()
	indexCount := len(r.table.liveIndexes())
	r.table.mu.Unlock()
	if len(r.keys) != indexCount {
		if err := r.Get(); err != nil {
			return err
		}
	}
	return r.table.upsert(r, true)
}

// lookupKey picks the key Get operates on: the single registered key, or the
// primary key when population registered more.
func (r *Record) lookupKey() (recordKey, error) {
	if len(r.keys) == 1 {
		for _, k := range r.keys {
			return k, nil
		}
	}
	r.table.mu.Lock()
	pri := r.table.primaryIndex
	r.table.mu.Unlock()
	if pri != nil {
		if k, ok := r.keys[pri.ID]; ok {
			return k, nil
		}
	}
	return recordKey{}, errors.Wrapf(ErrRecordKeyRequired,
		"record carries %d keys", len(r.keys))
}

// Get populates the record's non-key columns from the newest visible
// version. The key must belong to a primary or unique index; tombstones
// report ErrNotFound.
func (r *Record) Get() error {
	if err := r.table.load(); err != nil {
		return err
	}
	key, err := r.lookupKey()
	if err != nil {
		return err
	}
	r.table.mu.Lock()
	idx := r.table.indexes[key.indexID]
	r.table.mu.Unlock()
	if idx == nil {
		return errors.Wrapf(ErrRecordKeyRequired, "key for unknown index %d", key.indexID)
	}
	if idx.Kind == IndexSecondary {
		return errors.Wrapf(ErrRecordKeyRequired,
			"get needs a primary or unique key, index %d is secondary", key.indexID)
	}

	snap := r.table.snapshot()
	for _, mt := range snap.memtables {
		item, ok := mt.get(key)
		if !ok {
			continue
		}
		if item.deleted {
			r.deleted = true
			r.recordID = item.recordID
			return errors.Wrapf(ErrNotFound, "key tombstoned")
		}
		data, err := mt.valueSlice(item.offset, item.length)
		if err != nil {
			return err
		}
		if err := populateRecord(r, data, key.columnID); err != nil {
			return err
		}
		r.recordID = item.recordID
		r.deleted = false
		return nil
	}

	found, err := r.table.sstGet(r, key, snap)
	if err != nil {
		return err
	}
	if !found {
		return errors.Wrapf(ErrNotFound, "no live record")
	}
	if r.deleted {
		return errors.Wrapf(ErrNotFound, "key tombstoned")
	}
	return nil
}

// Search returns every live record matching the record's single key. With a
// secondary key the result can hold many records; with a primary or unique
// key it degenerates to Get.
func (r *Record) Search() ([]*Record, error) {
	if err := r.table.load(); err != nil {
		return nil, err
	}
	key, err := r.lookupKey()
	if err != nil {
		return nil, err
	}
	r.table.mu.Lock()
	idx := r.table.indexes[key.indexID]
	r.table.mu.Unlock()
	if idx == nil {
		return nil, errors.Wrapf(ErrRecordKeyRequired, "key for unknown index %d", key.indexID)
	}
	if idx.Kind != IndexSecondary {
		out, err := r.table.CreateRecord()
		if err != nil {
			return nil, err
		}
		out.keys[key.indexID] = key
		out.values[key.columnID] = r.values[key.columnID]
		if err := out.Get(); err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, nil
			}
			return nil, err
		}
		return []*Record{out}, nil
	}
	return r.table.search(key)
}

// Destroy clears the record for reuse.
func (r *Record) Destroy() {
	clear(r.values)
	clear(r.keys)
	r.recordID = 0
	r.level = noLocation
	r.sstableID = noLocation
	r.deleted = false
}

// sortRecordsByPrimary orders records deterministically by primary key.
func sortRecordsByPrimary(records []*Record, primaryIndexID uint64) {
	sort.Slice(records, func(i, j int) bool {
		a, aok := records[i].keys[primaryIndexID]
		b, bok := records[j].keys[primaryIndexID]
		if !aok || !bok {
			return !aok && bok
		}
		return compareKeys(a.hash, a.key, b.hash, b.key) < 0
	})
}
