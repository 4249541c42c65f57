package tosdb

import (
	"github.com/cockroachdb/errors"

	"github.com/turnstonedb/tosdb/backend"
	"github.com/turnstonedb/tosdb/internal/block"
	"github.com/turnstonedb/tosdb/internal/compress"
)

// Error kinds surfaced by the engine. Check with errors.Is; everything is
// wrapped with context on the way up.
var (
	// ErrBackendIO marks any failure coming out of the backend.
	ErrBackendIO = backend.ErrIO

	// ErrCorruptBlock marks magic/version/size/checksum mismatches on read.
	ErrCorruptBlock = block.ErrCorrupt

	// ErrUnsupportedVersion marks version majors no codec handles.
	ErrUnsupportedVersion = block.ErrUnsupportedVersion

	// ErrUnknownCompression marks a superblock naming a codec this build
	// lacks.
	ErrUnknownCompression = compress.ErrUnknown

	// ErrSchemaConflict marks duplicate names, duplicate primary indexes, and
	// indexes over missing columns.
	ErrSchemaConflict = errors.New("tosdb: schema conflict")

	// ErrRecordKeyRequired marks operations that need indexed keys the record
	// does not carry, or carries too many of.
	ErrRecordKeyRequired = errors.New("tosdb: record key required")

	// ErrRecordColumnMismatch marks set/get against a column of the wrong
	// type.
	ErrRecordColumnMismatch = errors.New("tosdb: record column mismatch")

	// ErrNotFound is the clean miss signal of get and search.
	ErrNotFound = errors.New("tosdb: not found")

	// ErrOutOfBudget marks a single record too large for the table's
	// valuelog cap.
	ErrOutOfBudget = errors.New("tosdb: record exceeds valuelog budget")

	// ErrClosed marks operations against a closed store, database, or table.
	ErrClosed = errors.New("tosdb: closed")
)
