package tosdb

import (
	"fmt"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/turnstonedb/tosdb/backend"
)

func TestFormatOnEmptyBackend(t *testing.T) {
	mem := backend.NewMemory(1 << 20)
	store, err := New(mem, testOptions())
	require.NoError(t, err)
	require.Empty(t, store.DatabaseNames())
	require.Equal(t, CompressionZlib, store.Compression())

	// Both superblock copies verify after the format.
	_, err = decodeSuperblock(mem.Bytes()[:superblockSize])
	require.NoError(t, err)
	_, err = decodeSuperblock(mem.Bytes()[mem.Capacity()-superblockSize:])
	require.NoError(t, err)
}

func TestSuperblockLayout(t *testing.T) {
	sb := &superblock{
		compression:      CompressionSnappy,
		freeNext:         0x42000,
		databaseListLoc:  0x13000,
		databaseListSize: 0x1000,
	}
	buf := sb.encode()
	require.Len(t, buf, superblockSize)
	require.Equal(t, "TOSDBSB\x00", string(buf[:8]))

	back, err := decodeSuperblock(buf)
	require.NoError(t, err)
	require.Equal(t, sb, back)
}

func TestCorruptBackupIsRepaired(t *testing.T) {
	mem := backend.NewMemory(1 << 20)
	store, err := New(mem, testOptions())
	require.NoError(t, err)
	require.NoError(t, store.Close())

	backupOff := mem.Capacity() - superblockSize
	require.NoError(t, mem.Corrupt(backupOff+8, 16))
	_, err = decodeSuperblock(mem.Bytes()[backupOff:])
	require.Error(t, err)

	_, err = New(mem, testOptions())
	require.NoError(t, err)
	_, err = decodeSuperblock(mem.Bytes()[backupOff:])
	require.NoError(t, err, "backup must be rewritten on open")
}

func TestCorruptMainRecoversFromBackup(t *testing.T) {
	mem := backend.NewMemory(1 << 20)
	store, err := New(mem, testOptions())
	require.NoError(t, err)
	tbl := testTable(t, store, 4, 4096, 2)
	insertRow(t, tbl, 1, "a", "x")
	require.NoError(t, store.Close())

	require.NoError(t, mem.Corrupt(0, 64))

	store2, err := New(mem, testOptions())
	require.NoError(t, err)
	require.Equal(t, []string{"D"}, store2.DatabaseNames())
	_, err = decodeSuperblock(mem.Bytes()[:superblockSize])
	require.NoError(t, err, "main must be repaired from backup")
}

func TestBothCorruptFormats(t *testing.T) {
	mem := backend.NewMemory(1 << 20)
	store, err := New(mem, testOptions())
	require.NoError(t, err)
	tbl := testTable(t, store, 4, 4096, 2)
	insertRow(t, tbl, 1, "a", "x")
	require.NoError(t, store.Close())

	require.NoError(t, mem.Corrupt(0, 64))
	require.NoError(t, mem.Corrupt(mem.Capacity()-superblockSize, 64))

	store2, err := New(mem, testOptions())
	require.NoError(t, err)
	require.Empty(t, store2.DatabaseNames(), "format starts from scratch")
}

func TestUnknownCompressionFailsWithoutMutation(t *testing.T) {
	mem := backend.NewMemory(1 << 20)
	sb := &superblock{compression: CompressionType(77), freeNext: superblockSize}
	require.NoError(t, writeSuperblocks(mem, sb))
	before := append([]byte(nil), mem.Bytes()...)

	_, err := New(mem, testOptions())
	require.True(t, errors.Is(err, ErrUnknownCompression))
	require.Equal(t, before, mem.Bytes(), "open must not mutate the backend")
}

func TestUnknownCompressionWithCorruptBackup(t *testing.T) {
	mem := backend.NewMemory(1 << 20)
	sb := &superblock{compression: CompressionType(77), freeNext: superblockSize}
	require.NoError(t, writeSuperblocks(mem, sb))
	require.NoError(t, mem.Corrupt(mem.Capacity()-superblockSize, 32))
	before := append([]byte(nil), mem.Bytes()...)

	_, err := New(mem, testOptions())
	require.True(t, errors.Is(err, ErrUnknownCompression))
	require.Equal(t, before, mem.Bytes(), "repair must not run before the codec check")
}

func TestStoredCompressionWinsOverOption(t *testing.T) {
	for _, typ := range []CompressionType{CompressionZlib, CompressionZstd, CompressionSnappy} {
		t.Run(fmt.Sprint(typ), func(t *testing.T) {
			mem := backend.NewMemory(testCapacity)
			store, err := New(mem, &Options{Compression: typ, Logger: NoopLogger})
			require.NoError(t, err)
			tbl := testTable(t, store, 2, 4096, 2)
			for i := uint64(1); i <= 5; i++ {
				insertRow(t, tbl, i, fmt.Sprintf("n%d", i), "t")
			}
			require.NoError(t, store.Close())

			// Reopen asking for a different codec; the stored id wins.
			other := CompressionZlib
			if typ == CompressionZlib {
				other = CompressionSnappy
			}
			store2, err := New(mem, &Options{Compression: other, Logger: NoopLogger})
			require.NoError(t, err)
			require.Equal(t, typ, store2.Compression())
			db, err := store2.DatabaseCreateOrOpen("D")
			require.NoError(t, err)
			tbl2, err := db.TableCreateOrOpen("T", 1, 1, 1)
			require.NoError(t, err)
			rec, err := getByID(t, tbl2, 3)
			require.NoError(t, err)
			name, err := rec.GetString("name")
			require.NoError(t, err)
			require.Equal(t, "n3", name)
		})
	}
}
