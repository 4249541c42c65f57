package cache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type entry struct {
	id   int
	size uint64
}

func (e *entry) ByteSize() uint64 { return e.size }

func key(kind Kind, sst uint64) Key {
	return Key{Kind: kind, DatabaseID: 1, TableID: 1, IndexID: 1, Level: 1, SSTableID: sst}
}

func TestGetPut(t *testing.T) {
	c := New(Config{ValuelogSize: 1024})
	_, ok := c.Get(key(KindValuelog, 1))
	require.False(t, ok)

	c.Put(key(KindValuelog, 1), &entry{id: 1, size: 100})
	e, ok := c.Get(key(KindValuelog, 1))
	require.True(t, ok)
	require.Equal(t, 1, e.(*entry).id)
	require.EqualValues(t, 100, c.Used(KindValuelog))
}

func TestReplaceAccounting(t *testing.T) {
	c := New(Config{ValuelogSize: 1024})
	c.Put(key(KindValuelog, 1), &entry{id: 1, size: 100})
	c.Put(key(KindValuelog, 1), &entry{id: 2, size: 300})
	require.EqualValues(t, 300, c.Used(KindValuelog))
	require.Equal(t, 1, c.Len(KindValuelog))
	e, ok := c.Get(key(KindValuelog, 1))
	require.True(t, ok)
	require.Equal(t, 2, e.(*entry).id)
}

func TestEvictionRespectsBudget(t *testing.T) {
	c := New(Config{ValuelogSize: 250})
	c.Put(key(KindValuelog, 1), &entry{id: 1, size: 100})
	c.Put(key(KindValuelog, 2), &entry{id: 2, size: 100})
	c.Put(key(KindValuelog, 3), &entry{id: 3, size: 100})

	require.LessOrEqual(t, c.Used(KindValuelog), uint64(250))
	_, ok := c.Get(key(KindValuelog, 1))
	require.False(t, ok, "oldest entry must be evicted")
	_, ok = c.Get(key(KindValuelog, 3))
	require.True(t, ok)
}

func TestLRUPromotion(t *testing.T) {
	c := New(Config{ValuelogSize: 250})
	c.Put(key(KindValuelog, 1), &entry{id: 1, size: 100})
	c.Put(key(KindValuelog, 2), &entry{id: 2, size: 100})
	_, ok := c.Get(key(KindValuelog, 1)) // promote 1
	require.True(t, ok)
	c.Put(key(KindValuelog, 3), &entry{id: 3, size: 100})

	_, ok = c.Get(key(KindValuelog, 2))
	require.False(t, ok, "2 was least recently used")
	_, ok = c.Get(key(KindValuelog, 1))
	require.True(t, ok)
}

func TestOversizedEntryNotCached(t *testing.T) {
	c := New(Config{ValuelogSize: 100})
	c.Put(key(KindValuelog, 1), &entry{id: 1, size: 101})
	_, ok := c.Get(key(KindValuelog, 1))
	require.False(t, ok)
	require.EqualValues(t, 0, c.Used(KindValuelog))
}

func TestKindsAreIsolated(t *testing.T) {
	c := New(Config{BloomFilterSize: 100, ValuelogSize: 100})
	c.Put(key(KindBloomFilter, 1), &entry{id: 1, size: 80})
	c.Put(key(KindValuelog, 1), &entry{id: 2, size: 80})

	_, ok := c.Get(key(KindBloomFilter, 1))
	require.True(t, ok)
	_, ok = c.Get(key(KindValuelog, 1))
	require.True(t, ok)

	// Zero-cap kinds never admit entries.
	c.Put(key(KindIndexData, 1), &entry{id: 3, size: 1})
	_, ok = c.Get(key(KindIndexData, 1))
	require.False(t, ok)
}
