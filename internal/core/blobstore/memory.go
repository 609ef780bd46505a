package blobstore

import (
	"container/list"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/zeusync/worldsync/internal/core/observability/log"
	"github.com/zeusync/worldsync/internal/core/serial"
)

const defaultShardCount = 16

var _ serial.BlobStore = (*Memory)(nil)

// MemoryConfig sizes a Memory store. MaxBytes of zero means unbounded.
type MemoryConfig struct {
	Shards   int
	MaxBytes int64
}

// Memory is a sharded in-memory blob store. With a byte budget it evicts
// least recently used blobs, never touching pinned ones.
type Memory struct {
	shards []*memoryShard
	logger log.Log

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// memoryShard is one LRU list with its own lock and slice of the budget.
type memoryShard struct {
	mx     sync.Mutex
	items  map[serial.Hash]*list.Element
	lru    *list.List
	pinned map[serial.Hash]int
	size   int64
	budget int64
}

type memoryEntry struct {
	hash serial.Hash
	data []byte
}

func NewMemory(config MemoryConfig, logger log.Log) *Memory {
	shardCount := config.Shards
	if shardCount <= 0 {
		shardCount = defaultShardCount
	}
	if logger == nil {
		logger = log.Nop()
	}

	var perShard int64
	if config.MaxBytes > 0 {
		perShard = max(config.MaxBytes/int64(shardCount), 1)
	}

	m := &Memory{
		shards: make([]*memoryShard, shardCount),
		logger: logger.With(log.String("component", "blobstore"), log.String("tier", "memory")),
	}
	for i := range m.shards {
		m.shards[i] = &memoryShard{
			items:  make(map[serial.Hash]*list.Element),
			lru:    list.New(),
			pinned: make(map[serial.Hash]int),
			budget: perShard,
		}
	}
	return m
}

func (m *Memory) shard(h serial.Hash) *memoryShard {
	return m.shards[xxhash.Sum64(h[:])%uint64(len(m.shards))]
}

func (m *Memory) Get(h serial.Hash) ([]byte, bool) {
	sh := m.shard(h)
	sh.mx.Lock()
	el, ok := sh.items[h]
	if ok {
		sh.lru.MoveToFront(el)
	}
	sh.mx.Unlock()

	if !ok {
		m.misses.Add(1)
		return nil, false
	}
	m.hits.Add(1)
	return el.Value.(*memoryEntry).data, true
}

func (m *Memory) Has(h serial.Hash) bool {
	sh := m.shard(h)
	sh.mx.Lock()
	_, ok := sh.items[h]
	sh.mx.Unlock()
	return ok
}

// Put stores a copy of data. Putting a hash that is already present only
// refreshes its recency.
func (m *Memory) Put(h serial.Hash, data []byte) error {
	sh := m.shard(h)
	sh.mx.Lock()
	defer sh.mx.Unlock()

	if el, ok := sh.items[h]; ok {
		sh.lru.MoveToFront(el)
		return nil
	}

	sh.items[h] = sh.lru.PushFront(&memoryEntry{hash: h, data: slices.Clone(data)})
	sh.size += int64(len(data))

	if evicted := sh.evict(); evicted > 0 {
		m.evictions.Add(uint64(evicted))
		m.logger.Debug("Evicted blobs", log.Int("count", evicted), log.Int64("shard_bytes", sh.size))
	}
	return nil
}

// evict drops unpinned blobs from the cold end until the shard fits its
// budget. The most recent blob always stays.
func (s *memoryShard) evict() int {
	if s.budget <= 0 {
		return 0
	}
	evicted := 0
	el := s.lru.Back()
	for s.size > s.budget && el != nil && el != s.lru.Front() {
		prev := el.Prev()
		entry := el.Value.(*memoryEntry)
		if s.pinned[entry.hash] == 0 {
			s.lru.Remove(el)
			delete(s.items, entry.hash)
			s.size -= int64(len(entry.data))
			evicted++
		}
		el = prev
	}
	return evicted
}

func (m *Memory) Delete(h serial.Hash) bool {
	sh := m.shard(h)
	sh.mx.Lock()
	defer sh.mx.Unlock()
	el, ok := sh.items[h]
	if !ok {
		return false
	}
	sh.lru.Remove(el)
	delete(sh.items, h)
	sh.size -= int64(len(el.Value.(*memoryEntry).data))
	return true
}

// Pin protects h from eviction until a matching Unpin. Pins nest and may be
// taken before the blob is stored.
func (m *Memory) Pin(hashes ...serial.Hash) {
	for _, h := range hashes {
		sh := m.shard(h)
		sh.mx.Lock()
		sh.pinned[h]++
		sh.mx.Unlock()
	}
}

func (m *Memory) Unpin(hashes ...serial.Hash) {
	for _, h := range hashes {
		sh := m.shard(h)
		sh.mx.Lock()
		if n := sh.pinned[h]; n <= 1 {
			delete(sh.pinned, h)
		} else {
			sh.pinned[h] = n - 1
		}
		sh.evict()
		sh.mx.Unlock()
	}
}

func (m *Memory) Len() int {
	n := 0
	for _, sh := range m.shards {
		sh.mx.Lock()
		n += len(sh.items)
		sh.mx.Unlock()
	}
	return n
}

// Hashes lists every stored hash, in no particular order.
func (m *Memory) Hashes() []serial.Hash {
	var out []serial.Hash
	for _, sh := range m.shards {
		sh.mx.Lock()
		for h := range sh.items {
			out = append(out, h)
		}
		sh.mx.Unlock()
	}
	return out
}

func (m *Memory) Stats() Stats {
	s := Stats{
		Hits:      m.hits.Load(),
		Misses:    m.misses.Load(),
		Evictions: m.evictions.Load(),
	}
	for _, sh := range m.shards {
		sh.mx.Lock()
		s.Blobs += len(sh.items)
		s.Bytes += sh.size
		s.Pinned += len(sh.pinned)
		sh.mx.Unlock()
	}
	return s
}
