// Package tosdb implements a log-structured key/value and multi-column table
// engine over a block-addressed backing store.
//
// A store is organized as databases holding tables. Writes land in per-table
// memtables; full memtables persist as immutable sstables whose blocks carry
// per-index bloom filters and ordered index data. Reads walk memtables
// newest-first, then sstables by level, skipping via bloom filters and
// first/last key bounds. Catalog state lives in reverse-chained list blocks
// rooted in a doubly-stored, checksummed superblock.
package tosdb

import (
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/tokenbucket"
	"golang.org/x/sync/errgroup"

	"github.com/turnstonedb/tosdb/backend"
	"github.com/turnstonedb/tosdb/internal/block"
	"github.com/turnstonedb/tosdb/internal/cache"
	"github.com/turnstonedb/tosdb/internal/compress"
)

// Backend is re-exported for constructor signatures.
type Backend = backend.Backend

// CompressionType selects a codec by its persisted id.
type CompressionType = compress.Type

const (
	CompressionNone   = compress.None
	CompressionZlib   = compress.Zlib
	CompressionZstd   = compress.Zstd
	CompressionSnappy = compress.Snappy
)

// NameMaxLen bounds database, table, and column names.
const NameMaxLen = 64

// CompactionType selects a compaction mode.
type CompactionType uint8

const (
	// CompactionNone performs no work.
	CompactionNone CompactionType = iota
	// CompactionMinor merges sstables within a level.
	CompactionMinor
	// CompactionMajor merges whole levels into the next level.
	CompactionMajor
)

// CacheConfig carries the per-kind cache byte caps. Zero caps disable the
// kind.
type CacheConfig struct {
	BloomFilterSize        uint64
	IndexDataSize          uint64
	SecondaryIndexDataSize uint64
	ValuelogSize           uint64
}

// Options configures a store at open time.
type Options struct {
	// Compression is the codec used if the backend needs formatting. Opens of
	// an existing store honor the stored id instead.
	Compression CompressionType

	// Cache enables the read cache when non-nil.
	Cache *CacheConfig

	Logger Logger

	// WriteByteRate paces block writes in bytes per second. Compaction and
	// flushes are the dominant producers. Zero disables pacing.
	WriteByteRate float64
}

// EnsureDefaults fills unset fields in place and returns opts.
func (o *Options) EnsureDefaults() *Options {
	if o.Logger == nil {
		o.Logger = DefaultLogger
	}
	return o
}

// TosDb is a store handle. It exclusively owns its superblock, cache, and
// the database handles it opened.
type TosDb struct {
	be         backend.Backend
	logger     Logger
	metrics    *Metrics
	compressor compress.Compressor
	cache      *cache.Cache
	pacer      *tokenbucket.TokenBucket

	mu             sync.Mutex
	sb             *superblock
	databases      map[string]*Database
	nextDatabaseID uint64
	dirty          bool
	closed         bool
}

// New opens the store on be, running superblock recovery first. A backend
// with no valid superblock is formatted with opts.Compression.
func New(be Backend, opts *Options) (*TosDb, error) {
	if opts == nil {
		opts = &Options{}
	}
	opts.EnsureDefaults()

	sb, err := readSuperblocks(be, opts.Logger, opts.Compression)
	if err != nil {
		return nil, err
	}
	compressor, err := compress.Get(sb.compression)
	if err != nil {
		return nil, err
	}

	t := &TosDb{
		be:             be,
		logger:         opts.Logger,
		metrics:        newMetrics(),
		compressor:     compressor,
		sb:             sb,
		databases:      make(map[string]*Database),
		nextDatabaseID: 1,
	}
	if opts.Cache != nil {
		t.cache = cache.New(cache.Config{
			BloomFilterSize:        opts.Cache.BloomFilterSize,
			IndexDataSize:          opts.Cache.IndexDataSize,
			SecondaryIndexDataSize: opts.Cache.SecondaryIndexDataSize,
			ValuelogSize:           opts.Cache.ValuelogSize,
		})
	}
	if opts.WriteByteRate > 0 {
		t.pacer = &tokenbucket.TokenBucket{}
		t.pacer.Init(tokenbucket.TokensPerSecond(opts.WriteByteRate),
			tokenbucket.Tokens(opts.WriteByteRate))
	}
	if err := t.loadDatabases(); err != nil {
		return nil, err
	}
	return t, nil
}

// Metrics returns the store's collector.
func (t *TosDb) Metrics() *Metrics { return t.metrics }

// CacheConfigSet installs the read cache. It fails once a cache exists.
func (t *TosDb) CacheConfigSet(cfg CacheConfig) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.cache != nil {
		return errors.New("tosdb: cache config already set")
	}
	t.cache = cache.New(cache.Config{
		BloomFilterSize:        cfg.BloomFilterSize,
		IndexDataSize:          cfg.IndexDataSize,
		SecondaryIndexDataSize: cfg.SecondaryIndexDataSize,
		ValuelogSize:           cfg.ValuelogSize,
	})
	return nil
}

// blockRead fetches and validates one block.
func (t *TosDb) blockRead(location, size uint64, want block.Type) (block.Header, []byte, error) {
	if location == 0 || size == 0 || size%block.PageSize != 0 {
		return block.Header{}, nil, errors.Wrapf(ErrCorruptBlock,
			"bad block location 0x%x size 0x%x", errors.Safe(location), errors.Safe(size))
	}
	buf, err := t.be.ReadAt(location, size)
	if err != nil {
		return block.Header{}, nil, err
	}
	t.metrics.BlockReads.Inc()
	return block.Decode(buf, want)
}

// blockWrite bump-allocates space at the free-next cursor and writes one
// block. The superblock itself is rewritten at persist time, not here.
func (t *TosDb) blockWrite(h block.Header, payload []byte) (loc, size uint64, err error) {
	encoded := block.Encode(h, payload)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, 0, ErrClosed
	}
	loc = block.Align(t.sb.freeNext)
	size = uint64(len(encoded))
	if loc+size > t.be.Capacity()-superblockSize {
		return 0, 0, errors.Wrapf(ErrBackendIO, "store full: need [0x%x, 0x%x)", loc, loc+size)
	}
	if t.pacer != nil {
		t.pace(size)
	}
	if err := t.be.WriteAt(loc, encoded); err != nil {
		return 0, 0, err
	}
	t.metrics.BlockWrites.Inc()
	t.sb.freeNext = loc + size
	t.dirty = true
	return loc, size, nil
}

func (t *TosDb) pace(bytes uint64) {
	for {
		ok, wait := t.pacer.TryToFulfill(tokenbucket.Tokens(bytes))
		if ok {
			return
		}
		time.Sleep(wait)
	}
}

// loadDatabases walks the database-list chain and registers one lazy stub
// per database; later chain blocks shadow earlier ones.
func (t *TosDb) loadDatabases() error {
	loc, size := t.sb.databaseListLoc, t.sb.databaseListSize
	for loc != 0 {
		h, payload, err := t.blockRead(loc, size, block.TypeDatabaseList)
		if err != nil {
			return errors.Wrap(err, "load database list")
		}
		r := block.NewReader(payload)
		count := r.U64()
		for i := uint64(0); i < count; i++ {
			id := r.U64()
			deleted := r.Bool()
			name := r.String()
			metaLoc := r.U64()
			metaSize := r.U64()
			if r.Err() != nil {
				return r.Err()
			}
			if id >= t.nextDatabaseID {
				t.nextDatabaseID = id + 1
			}
			if _, ok := t.databases[name]; ok {
				continue
			}
			t.databases[name] = &Database{
				tdb:           t,
				id:            id,
				name:          name,
				deleted:       deleted,
				tableListLoc:  metaLoc,
				tableListSize: metaSize,
				nextTableID:   1,
			}
		}
		if h.PreviousInvalid {
			break
		}
		loc, size = h.PreviousLocation, h.PreviousSize
	}
	return nil
}

// DatabaseCreateOrOpen returns the named database, creating it in memory if
// absent or previously deleted. Creation durability comes from the next
// persist.
func (t *TosDb) DatabaseCreateOrOpen(name string) (*Database, error) {
	if len(name) == 0 || len(name) > NameMaxLen {
		return nil, errors.Wrapf(ErrSchemaConflict, "database name %q", name)
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	db, ok := t.databases[name]
	if ok && !db.deleted {
		t.mu.Unlock()
		if err := db.load(); err != nil {
			return nil, err
		}
		return db, nil
	}
	db = &Database{
		tdb:         t,
		id:          t.nextDatabaseID,
		name:        name,
		loaded:      true,
		tables:      make(map[string]*Table),
		nextTableID: 1,
		dirty:       true,
	}
	t.nextDatabaseID++
	t.databases[name] = db
	t.dirty = true
	t.mu.Unlock()
	return db, nil
}

// persist writes dirty catalog state: every dirty database first, then a new
// database-list block, then both superblock copies.
func (t *TosDb) persist() error {
	t.mu.Lock()
	dirty := t.dirty
	dbs := make([]*Database, 0, len(t.databases))
	for _, db := range t.databases {
		dbs = append(dbs, db)
	}
	prevLoc, prevSize := t.sb.databaseListLoc, t.sb.databaseListSize
	t.mu.Unlock()
	if !dirty {
		return nil
	}
	sort.Slice(dbs, func(i, j int) bool { return dbs[i].id < dbs[j].id })

	for _, db := range dbs {
		if err := db.persist(); err != nil {
			return errors.Wrapf(err, "persist database %s", db.name)
		}
	}

	var w block.Writer
	w.U64(uint64(len(dbs)))
	for _, db := range dbs {
		db.mu.Lock()
		w.U64(db.id)
		w.Bool(db.deleted)
		w.String(db.name)
		if db.deleted {
			w.U64(0)
			w.U64(0)
		} else {
			w.U64(db.tableListLoc)
			w.U64(db.tableListSize)
		}
		db.mu.Unlock()
	}
	loc, size, err := t.blockWrite(block.Header{
		Type:             block.TypeDatabaseList,
		PreviousLocation: prevLoc,
		PreviousSize:     prevSize,
	}, w.Finish())
	if err != nil {
		return errors.Wrap(err, "write database list")
	}

	t.mu.Lock()
	t.sb.databaseListLoc = loc
	t.sb.databaseListSize = size
	sb := *t.sb
	t.mu.Unlock()
	if err := writeSuperblocks(t.be, &sb); err != nil {
		return err
	}
	t.mu.Lock()
	t.dirty = false
	t.mu.Unlock()
	return nil
}

// Flush persists all dirty state without closing. Cross-thread visibility of
// writes is guaranteed after Flush returns.
func (t *TosDb) Flush() error {
	t.mu.Lock()
	dbs := make([]*Database, 0, len(t.databases))
	for _, db := range t.databases {
		dbs = append(dbs, db)
	}
	t.mu.Unlock()
	for _, db := range dbs {
		if err := db.flushTables(); err != nil {
			return err
		}
	}
	return t.persist()
}

// Close flushes every open database and persists the catalog. The handle is
// unusable afterwards.
func (t *TosDb) Close() error {
	if err := t.Flush(); err != nil {
		return err
	}
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

// Compact runs the requested compaction mode over every loaded table, fanning
// out across tables, then persists the resulting catalog state.
func (t *TosDb) Compact(mode CompactionType) error {
	if mode == CompactionNone {
		return nil
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	dbs := make([]*Database, 0, len(t.databases))
	for _, db := range t.databases {
		dbs = append(dbs, db)
	}
	t.mu.Unlock()

	var tables []*Table
	for _, db := range dbs {
		db.mu.Lock()
		for _, tbl := range db.tables {
			tables = append(tables, tbl)
		}
		db.mu.Unlock()
	}

	start := time.Now()
	var g errgroup.Group
	for _, tbl := range tables {
		tbl := tbl
		g.Go(func() error { return tbl.compact(mode) })
	}
	if err := g.Wait(); err != nil {
		return err
	}
	t.metrics.Compactions.Inc()
	t.metrics.observeCompaction(time.Since(start))
	return t.persist()
}
