package tosdb

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/turnstonedb/tosdb/backend"
)

const testCapacity = 8 << 20

func testOptions() *Options {
	return &Options{Compression: CompressionZlib, Logger: NoopLogger}
}

func testStore(t *testing.T, opts *Options) (*TosDb, *backend.Memory) {
	t.Helper()
	if opts == nil {
		opts = testOptions()
	}
	mem := backend.NewMemory(testCapacity)
	store, err := New(mem, opts)
	require.NoError(t, err)
	return store, mem
}

// testTable builds the canonical fixture schema: id (u64, primary),
// name (string), tag (string, secondary).
func testTable(t *testing.T, store *TosDb, maxRecords, maxValuelog, maxMemtables uint64) *Table {
	t.Helper()
	db, err := store.DatabaseCreateOrOpen("D")
	require.NoError(t, err)
	tbl, err := db.TableCreateOrOpen("T", maxRecords, maxValuelog, maxMemtables)
	require.NoError(t, err)
	require.NoError(t, tbl.ColumnAdd("id", TypeUint64))
	require.NoError(t, tbl.ColumnAdd("name", TypeString))
	require.NoError(t, tbl.ColumnAdd("tag", TypeString))
	require.NoError(t, tbl.IndexCreate("id", IndexPrimary))
	require.NoError(t, tbl.IndexCreate("tag", IndexSecondary))
	return tbl
}

func insertRow(t *testing.T, tbl *Table, id uint64, name, tag string) {
	t.Helper()
	rec, err := tbl.CreateRecord()
	require.NoError(t, err)
	require.NoError(t, rec.SetUint64("id", id))
	require.NoError(t, rec.SetString("name", name))
	require.NoError(t, rec.SetString("tag", tag))
	require.NoError(t, rec.Upsert())
}

func getByID(t *testing.T, tbl *Table, id uint64) (*Record, error) {
	t.Helper()
	rec, err := tbl.CreateRecord()
	require.NoError(t, err)
	require.NoError(t, rec.SetUint64("id", id))
	if err := rec.Get(); err != nil {
		return nil, err
	}
	return rec, nil
}

func deleteByID(t *testing.T, tbl *Table, id uint64) error {
	t.Helper()
	rec, err := tbl.CreateRecord()
	require.NoError(t, err)
	require.NoError(t, rec.SetUint64("id", id))
	return rec.Delete()
}

func searchByTag(t *testing.T, tbl *Table, tag string) map[uint64]string {
	t.Helper()
	rec, err := tbl.CreateRecord()
	require.NoError(t, err)
	require.NoError(t, rec.SetString("tag", tag))
	recs, err := rec.Search()
	require.NoError(t, err)
	out := make(map[uint64]string)
	for _, r := range recs {
		id, err := r.GetUint64("id")
		require.NoError(t, err)
		name, err := r.GetString("name")
		require.NoError(t, err)
		out[id] = name
	}
	return out
}

func TestEndToEndScenario(t *testing.T) {
	store, _ := testStore(t, nil)
	tbl := testTable(t, store, 3, 4096, 2)

	insertRow(t, tbl, 1, "a", "x")
	insertRow(t, tbl, 2, "b", "y")
	insertRow(t, tbl, 3, "c", "x")
	insertRow(t, tbl, 4, "d", "x")

	rec, err := getByID(t, tbl, 3)
	require.NoError(t, err)
	name, err := rec.GetString("name")
	require.NoError(t, err)
	require.Equal(t, "c", name)
	tag, err := rec.GetString("tag")
	require.NoError(t, err)
	require.Equal(t, "x", tag)

	got := searchByTag(t, tbl, "x")
	require.Equal(t, map[uint64]string{1: "a", 3: "c", 4: "d"}, got)

	require.NoError(t, deleteByID(t, tbl, 1))
	got = searchByTag(t, tbl, "x")
	require.Equal(t, map[uint64]string{3: "c", 4: "d"}, got)

	require.NoError(t, store.Close())
}

func TestRoundTripAllColumnTypes(t *testing.T) {
	store, _ := testStore(t, nil)
	db, err := store.DatabaseCreateOrOpen("D")
	require.NoError(t, err)
	tbl, err := db.TableCreateOrOpen("types", 16, 1<<16, 2)
	require.NoError(t, err)

	cols := []struct {
		name string
		typ  DataType
	}{
		{"id", TypeUint64},
		{"b", TypeBoolean},
		{"i8", TypeInt8}, {"u8", TypeUint8},
		{"i16", TypeInt16}, {"u16", TypeUint16},
		{"i32", TypeInt32}, {"u32", TypeUint32},
		{"i64", TypeInt64},
		{"f32", TypeFloat32}, {"f64", TypeFloat64},
		{"s", TypeString}, {"raw", TypeBytes},
	}
	for _, c := range cols {
		require.NoError(t, tbl.ColumnAdd(c.name, c.typ))
	}
	require.NoError(t, tbl.IndexCreate("id", IndexPrimary))

	rec, err := tbl.CreateRecord()
	require.NoError(t, err)
	require.NoError(t, rec.SetUint64("id", 1))
	require.NoError(t, rec.SetBoolean("b", true))
	require.NoError(t, rec.SetInt8("i8", -8))
	require.NoError(t, rec.SetUint8("u8", 8))
	require.NoError(t, rec.SetInt16("i16", -1600))
	require.NoError(t, rec.SetUint16("u16", 1600))
	require.NoError(t, rec.SetInt32("i32", -320000))
	require.NoError(t, rec.SetUint32("u32", 320000))
	require.NoError(t, rec.SetInt64("i64", -64_000_000_000))
	require.NoError(t, rec.SetFloat32("f32", 1.5))
	require.NoError(t, rec.SetFloat64("f64", -2.25))
	require.NoError(t, rec.SetString("s", "text"))
	require.NoError(t, rec.SetBytes("raw", []byte{0, 1, 2, 0xff}))
	require.NoError(t, rec.Upsert())

	back, err := tbl.CreateRecord()
	require.NoError(t, err)
	require.NoError(t, back.SetUint64("id", 1))
	require.NoError(t, back.Get())

	vb, err := back.GetBoolean("b")
	require.NoError(t, err)
	require.True(t, vb)
	vi8, err := back.GetInt8("i8")
	require.NoError(t, err)
	require.EqualValues(t, -8, vi8)
	vu8, err := back.GetUint8("u8")
	require.NoError(t, err)
	require.EqualValues(t, 8, vu8)
	vi16, err := back.GetInt16("i16")
	require.NoError(t, err)
	require.EqualValues(t, -1600, vi16)
	vu16, err := back.GetUint16("u16")
	require.NoError(t, err)
	require.EqualValues(t, 1600, vu16)
	vi32, err := back.GetInt32("i32")
	require.NoError(t, err)
	require.EqualValues(t, -320000, vi32)
	vu32, err := back.GetUint32("u32")
	require.NoError(t, err)
	require.EqualValues(t, 320000, vu32)
	vi64, err := back.GetInt64("i64")
	require.NoError(t, err)
	require.EqualValues(t, -64_000_000_000, vi64)
	vf32, err := back.GetFloat32("f32")
	require.NoError(t, err)
	require.EqualValues(t, 1.5, vf32)
	vf64, err := back.GetFloat64("f64")
	require.NoError(t, err)
	require.EqualValues(t, -2.25, vf64)
	vs, err := back.GetString("s")
	require.NoError(t, err)
	require.Equal(t, "text", vs)
	vraw, err := back.GetBytes("raw")
	require.NoError(t, err)
	require.Equal(t, []byte{0, 1, 2, 0xff}, vraw)
}

func TestReadYourWritesAndTombstone(t *testing.T) {
	store, _ := testStore(t, nil)
	tbl := testTable(t, store, 100, 1<<16, 4)

	insertRow(t, tbl, 7, "seven", "odd")
	rec, err := getByID(t, tbl, 7)
	require.NoError(t, err)
	name, err := rec.GetString("name")
	require.NoError(t, err)
	require.Equal(t, "seven", name)

	// Upsert shadows the previous version.
	insertRow(t, tbl, 7, "SEVEN", "odd")
	rec, err = getByID(t, tbl, 7)
	require.NoError(t, err)
	name, err = rec.GetString("name")
	require.NoError(t, err)
	require.Equal(t, "SEVEN", name)

	require.NoError(t, deleteByID(t, tbl, 7))
	_, err = getByID(t, tbl, 7)
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestMemtableRotationAndSSTGet(t *testing.T) {
	store, _ := testStore(t, nil)
	tbl := testTable(t, store, 2, 1<<16, 2)

	for i := uint64(1); i <= 10; i++ {
		insertRow(t, tbl, i, fmt.Sprintf("n%d", i), "t")
	}
	st, err := tbl.Stats()
	require.NoError(t, err)
	// With two records per memtable, ten inserts span at least four
	// memtables/sstables in total.
	require.GreaterOrEqual(t, st.PendingSSTables+st.Memtables, 4)
	require.Greater(t, st.PendingSSTables, 0, "rotation must have flushed sstables")

	for i := uint64(1); i <= 10; i++ {
		rec, err := getByID(t, tbl, i)
		require.NoError(t, err)
		name, err := rec.GetString("name")
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("n%d", i), name)
	}
}

func TestPrimaryKeys(t *testing.T) {
	store, _ := testStore(t, nil)
	tbl := testTable(t, store, 2, 1<<16, 2)
	for i := uint64(1); i <= 6; i++ {
		insertRow(t, tbl, i, fmt.Sprintf("n%d", i), "t")
	}
	require.NoError(t, deleteByID(t, tbl, 3))

	recs, err := tbl.PrimaryKeys()
	require.NoError(t, err)
	ids := make(map[uint64]bool)
	for _, r := range recs {
		id, err := r.GetUint64("id")
		require.NoError(t, err)
		ids[id] = true
	}
	require.Equal(t, map[uint64]bool{1: true, 2: true, 4: true, 5: true, 6: true}, ids)
}

func TestUniqueIndexGet(t *testing.T) {
	store, _ := testStore(t, nil)
	db, err := store.DatabaseCreateOrOpen("D")
	require.NoError(t, err)
	tbl, err := db.TableCreateOrOpen("U", 2, 1<<16, 2)
	require.NoError(t, err)
	require.NoError(t, tbl.ColumnAdd("id", TypeUint64))
	require.NoError(t, tbl.ColumnAdd("email", TypeString))
	require.NoError(t, tbl.ColumnAdd("note", TypeString))
	require.NoError(t, tbl.IndexCreate("id", IndexPrimary))
	require.NoError(t, tbl.IndexCreate("email", IndexUnique))

	for i := uint64(1); i <= 5; i++ {
		rec, err := tbl.CreateRecord()
		require.NoError(t, err)
		require.NoError(t, rec.SetUint64("id", i))
		require.NoError(t, rec.SetString("email", fmt.Sprintf("u%d@example.com", i)))
		require.NoError(t, rec.SetString("note", fmt.Sprintf("note%d", i)))
		require.NoError(t, rec.Upsert())
	}

	rec, err := tbl.CreateRecord()
	require.NoError(t, err)
	require.NoError(t, rec.SetString("email", "u4@example.com"))
	require.NoError(t, rec.Get())
	id, err := rec.GetUint64("id")
	require.NoError(t, err)
	require.EqualValues(t, 4, id)
	note, err := rec.GetString("note")
	require.NoError(t, err)
	require.Equal(t, "note4", note)
}

func TestSchemaErrors(t *testing.T) {
	store, _ := testStore(t, nil)
	db, err := store.DatabaseCreateOrOpen("D")
	require.NoError(t, err)
	tbl, err := db.TableCreateOrOpen("S", 4, 4096, 2)
	require.NoError(t, err)
	require.NoError(t, tbl.ColumnAdd("id", TypeUint64))

	err = tbl.ColumnAdd("id", TypeString)
	require.True(t, errors.Is(err, ErrSchemaConflict))

	err = tbl.IndexCreate("missing", IndexPrimary)
	require.True(t, errors.Is(err, ErrSchemaConflict))

	require.NoError(t, tbl.IndexCreate("id", IndexPrimary))
	require.NoError(t, tbl.ColumnAdd("other", TypeUint64))
	err = tbl.IndexCreate("other", IndexPrimary)
	require.True(t, errors.Is(err, ErrSchemaConflict))
}

func TestRecordErrors(t *testing.T) {
	store, _ := testStore(t, nil)
	tbl := testTable(t, store, 4, 256, 2)

	rec, err := tbl.CreateRecord()
	require.NoError(t, err)
	err = rec.SetString("id", "nope")
	require.True(t, errors.Is(err, ErrRecordColumnMismatch))

	err = rec.SetUint64("ghost", 1)
	require.True(t, errors.Is(err, ErrSchemaConflict))

	// Upsert without the secondary key.
	require.NoError(t, rec.SetUint64("id", 1))
	err = rec.Upsert()
	require.True(t, errors.Is(err, ErrRecordKeyRequired))

	// Get with no key at all.
	empty, err := tbl.CreateRecord()
	require.NoError(t, err)
	err = empty.Get()
	require.True(t, errors.Is(err, ErrRecordKeyRequired))
}

func TestOutOfBudget(t *testing.T) {
	store, _ := testStore(t, nil)
	tbl := testTable(t, store, 4, 256, 2)

	rec, err := tbl.CreateRecord()
	require.NoError(t, err)
	require.NoError(t, rec.SetUint64("id", 1))
	require.NoError(t, rec.SetString("name", string(make([]byte, 1024))))
	require.NoError(t, rec.SetString("tag", "t"))
	err = rec.Upsert()
	require.True(t, errors.Is(err, ErrOutOfBudget))
}

func TestReopenAfterClose(t *testing.T) {
	mem := backend.NewMemory(testCapacity)
	store, err := New(mem, testOptions())
	require.NoError(t, err)
	tbl := testTable(t, store, 3, 4096, 2)
	for i := uint64(1); i <= 9; i++ {
		insertRow(t, tbl, i, fmt.Sprintf("n%d", i), "even")
	}
	require.NoError(t, store.Close())

	store2, err := New(mem, testOptions())
	require.NoError(t, err)
	require.Equal(t, []string{"D"}, store2.DatabaseNames())
	require.Equal(t, CompressionZlib, store2.Compression())

	db, err := store2.DatabaseCreateOrOpen("D")
	require.NoError(t, err)
	names, err := db.TableNames()
	require.NoError(t, err)
	require.Equal(t, []string{"T"}, names)

	tbl2, err := db.TableCreateOrOpen("T", 1, 1, 1)
	require.NoError(t, err)
	for i := uint64(1); i <= 9; i++ {
		rec, err := getByID(t, tbl2, i)
		require.NoError(t, err)
		name, err := rec.GetString("name")
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("n%d", i), name)
	}
	recs, err := tbl2.PrimaryKeys()
	require.NoError(t, err)
	require.Len(t, recs, 9)
}

func TestCrashLosesUnflushedMemtables(t *testing.T) {
	mem := backend.NewMemory(testCapacity)
	store, err := New(mem, testOptions())
	require.NoError(t, err)
	tbl := testTable(t, store, 2, 4096, 2)

	for i := uint64(1); i <= 4; i++ {
		insertRow(t, tbl, i, fmt.Sprintf("n%d", i), "t")
	}
	require.NoError(t, store.Flush())
	for i := uint64(5); i <= 7; i++ {
		insertRow(t, tbl, i, fmt.Sprintf("n%d", i), "t")
	}
	// No close: everything after the flush dies with the process.

	store2, err := New(backend.NewMemoryFromBuffer(mem.Bytes()), testOptions())
	require.NoError(t, err)
	db, err := store2.DatabaseCreateOrOpen("D")
	require.NoError(t, err)
	tbl2, err := db.TableCreateOrOpen("T", 1, 1, 1)
	require.NoError(t, err)

	for i := uint64(1); i <= 4; i++ {
		_, err := getByID(t, tbl2, i)
		require.NoError(t, err, "record %d was persisted", i)
	}
	for i := uint64(5); i <= 7; i++ {
		_, err := getByID(t, tbl2, i)
		require.True(t, errors.Is(err, ErrNotFound), "record %d was not persisted", i)
	}
}

func TestCacheOnOffEquivalence(t *testing.T) {
	run := func(opts *Options) (map[uint64]string, map[uint64]string) {
		store, _ := testStore(t, opts)
		tbl := testTable(t, store, 2, 1<<16, 2)
		for i := uint64(1); i <= 12; i++ {
			tag := "a"
			if i%2 == 0 {
				tag = "b"
			}
			insertRow(t, tbl, i, fmt.Sprintf("n%d", i), tag)
		}
		require.NoError(t, deleteByID(t, tbl, 6))
		gets := make(map[uint64]string)
		for i := uint64(1); i <= 12; i++ {
			rec, err := getByID(t, tbl, i)
			if err != nil {
				require.True(t, errors.Is(err, ErrNotFound))
				continue
			}
			name, err := rec.GetString("name")
			require.NoError(t, err)
			gets[i] = name
		}
		return gets, searchByTag(t, tbl, "b")
	}

	cachedOpts := testOptions()
	cachedOpts.Cache = &CacheConfig{
		BloomFilterSize:        1 << 20,
		IndexDataSize:          1 << 20,
		SecondaryIndexDataSize: 1 << 20,
		ValuelogSize:           1 << 20,
	}
	gotCached, searchCached := run(cachedOpts)
	gotPlain, searchPlain := run(testOptions())
	require.Equal(t, gotPlain, gotCached)
	require.Equal(t, searchPlain, searchCached)
}

func TestTinyValuelogCacheRandomGets(t *testing.T) {
	opts := testOptions()
	opts.Cache = &CacheConfig{
		BloomFilterSize:        1 << 20,
		IndexDataSize:          1 << 20,
		SecondaryIndexDataSize: 1 << 20,
		ValuelogSize:           4096, // one block
	}
	store, _ := testStore(t, opts)
	tbl := testTable(t, store, 2, 1<<16, 2)
	for i := uint64(1); i <= 10; i++ {
		insertRow(t, tbl, i, fmt.Sprintf("n%d", i), "t")
	}

	rng := rand.New(rand.NewSource(42))
	for n := 0; n < 1000; n++ {
		id := uint64(rng.Intn(10)) + 1
		rec, err := getByID(t, tbl, id)
		require.NoError(t, err)
		name, err := rec.GetString("name")
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("n%d", id), name)
	}
}

func TestFlushVisibilityAcrossHandles(t *testing.T) {
	store, _ := testStore(t, nil)
	tbl := testTable(t, store, 100, 1<<16, 4)
	insertRow(t, tbl, 1, "one", "t")
	require.NoError(t, store.Flush())

	rec, err := getByID(t, tbl, 1)
	require.NoError(t, err)
	name, err := rec.GetString("name")
	require.NoError(t, err)
	require.Equal(t, "one", name)
}

func TestMetricsCount(t *testing.T) {
	opts := testOptions()
	opts.Cache = &CacheConfig{
		BloomFilterSize: 1 << 20, IndexDataSize: 1 << 20,
		SecondaryIndexDataSize: 1 << 20, ValuelogSize: 1 << 20,
	}
	store, _ := testStore(t, opts)
	tbl := testTable(t, store, 2, 1<<16, 2)
	for i := uint64(1); i <= 8; i++ {
		insertRow(t, tbl, i, "n", "t")
	}
	for i := uint64(1); i <= 8; i++ {
		_, err := getByID(t, tbl, i)
		require.NoError(t, err)
	}
	require.NotNil(t, store.Metrics())
	require.GreaterOrEqual(t, int64(store.Metrics().FlushLatencyAtQuantile(50)), int64(0))
}
