// Package cache implements the typed, byte-budgeted cache in front of the
// sstable read path.
//
// Four entry kinds exist, each with its own byte cap and its own LRU order:
// decoded bloom filters, decoded primary index arrays, decoded secondary
// index arrays, and decompressed valuelogs. Entries are immutable once
// inserted; readers hold plain references and eviction merely drops the
// cache's own reference, so a borrow's scope is bounded by the garbage
// collector rather than by manual reclamation.
package cache

import (
	"container/list"
	"sync"

	"github.com/cockroachdb/swiss"
)

// Kind selects one of the four caches.
type Kind uint8

const (
	KindBloomFilter Kind = iota
	KindIndexData
	KindSecondaryIndexData
	KindValuelog
	numKinds
)

func (k Kind) String() string {
	switch k {
	case KindBloomFilter:
		return "bloomfilter"
	case KindIndexData:
		return "index-data"
	case KindSecondaryIndexData:
		return "secondary-index-data"
	case KindValuelog:
		return "valuelog"
	default:
		return "invalid"
	}
}

// Key addresses a cached entry.
type Key struct {
	Kind       Kind
	DatabaseID uint64
	TableID    uint64
	IndexID    uint64
	Level      uint64
	SSTableID  uint64
}

// Entry is any cached payload. ByteSize is the entry's declared cost against
// its kind's budget.
type Entry interface {
	ByteSize() uint64
}

// Config carries the per-kind byte caps. A zero cap disables that kind.
type Config struct {
	BloomFilterSize        uint64
	IndexDataSize          uint64
	SecondaryIndexDataSize uint64
	ValuelogSize           uint64
}

func (c Config) capFor(k Kind) uint64 {
	switch k {
	case KindBloomFilter:
		return c.BloomFilterSize
	case KindIndexData:
		return c.IndexDataSize
	case KindSecondaryIndexData:
		return c.SecondaryIndexDataSize
	case KindValuelog:
		return c.ValuelogSize
	default:
		return 0
	}
}

type record struct {
	key   Key
	entry Entry
	size  uint64
}

type shard struct {
	capacity uint64
	used     uint64
	entries  *swiss.Map[Key, *list.Element]
	lru      *list.List // front = most recent
}

// Cache is safe for concurrent use.
type Cache struct {
	mu     sync.Mutex
	shards [numKinds]shard
}

// New builds a cache from the per-kind caps.
func New(cfg Config) *Cache {
	c := &Cache{}
	for k := Kind(0); k < numKinds; k++ {
		c.shards[k] = shard{
			capacity: cfg.capFor(k),
			entries:  swiss.New[Key, *list.Element](16),
			lru:      list.New(),
		}
	}
	return c
}

// Get returns the entry for key and promotes it.
func (c *Cache) Get(key Key) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := &c.shards[key.Kind]
	el, ok := s.entries.Get(key)
	if !ok {
		return nil, false
	}
	s.lru.MoveToFront(el)
	return el.Value.(*record).entry, true
}

// Put inserts or replaces the entry for key, evicting least-recently-used
// entries of the same kind until the kind's budget holds. Entries larger
// than the whole budget are not cached.
func (c *Cache) Put(key Key, entry Entry) {
	size := entry.ByteSize()
	c.mu.Lock()
	defer c.mu.Unlock()
	s := &c.shards[key.Kind]
	if size > s.capacity {
		return
	}
	if el, ok := s.entries.Get(key); ok {
		s.used -= el.Value.(*record).size
		s.lru.Remove(el)
		s.entries.Delete(key)
	}
	for s.used+size > s.capacity {
		back := s.lru.Back()
		if back == nil {
			break
		}
		victim := back.Value.(*record)
		s.used -= victim.size
		s.lru.Remove(back)
		s.entries.Delete(victim.key)
	}
	el := s.lru.PushFront(&record{key: key, entry: entry, size: size})
	s.entries.Put(key, el)
	s.used += size
}

// Used reports the bytes currently accounted to a kind.
func (c *Cache) Used(k Kind) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shards[k].used
}

// Len reports the entry count of a kind.
func (c *Cache) Len(k Kind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shards[k].lru.Len()
}
