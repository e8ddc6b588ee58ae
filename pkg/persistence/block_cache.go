package persistence

import (
	"sync"
	"sync/atomic"

	"lsmkv/pkg/types"
)

const cacheShards = 16

// BlockCache keeps decoded data blocks in memory.
type BlockCache interface {
	Get(key blockKey) ([]types.Record, bool)
	Set(key blockKey, records []types.Record, size int)
	// Evict drops every block of a file.
	Evict(fileID uint64)
}

type blockKey struct {
	FileID uint64
	Offset uint64
}

// CacheStats reports cache effectiveness.
type CacheStats struct {
	Hits, Misses uint64
	Bytes        int64
}

// BlockCacheImpl is a sharded LRU bounded by the total size of cached blocks.
type BlockCacheImpl struct {
	shards [cacheShards]cacheShard
	hits   atomic.Uint64
	misses atomic.Uint64
}

type cacheShard struct {
	mu       sync.Mutex
	capacity int64
	size     int64
	items    map[blockKey]*cacheItem
	head     *cacheItem
	tail     *cacheItem
}

type cacheItem struct {
	key     blockKey
	records []types.Record
	size    int64
	prev    *cacheItem
	next    *cacheItem
}

// NewBlockCache creates a cache holding up to capacity bytes. A non-positive
// capacity disables caching.
func NewBlockCache(capacity int64) *BlockCacheImpl {
	bc := &BlockCacheImpl{}
	for i := range bc.shards {
		bc.shards[i].capacity = capacity / cacheShards
		bc.shards[i].items = make(map[blockKey]*cacheItem)
	}
	return bc
}

func (bc *BlockCacheImpl) shard(key blockKey) *cacheShard {
	h := key.FileID*0x9e3779b97f4a7c15 ^ key.Offset
	return &bc.shards[h%cacheShards]
}

// Get retrieves a block from the cache
func (bc *BlockCacheImpl) Get(key blockKey) ([]types.Record, bool) {
	s := bc.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	item, found := s.items[key]
	if !found {
		bc.misses.Add(1)
		return nil, false
	}

	bc.hits.Add(1)
	s.moveToHead(item)
	return item.records, true
}

// Set stores a block in the cache
func (bc *BlockCacheImpl) Set(key blockKey, records []types.Record, size int) {
	s := bc.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if int64(size) > s.capacity {
		return
	}

	if item, found := s.items[key]; found {
		s.size += int64(size) - item.size
		item.records = records
		item.size = int64(size)
		s.moveToHead(item)
	} else {
		item := &cacheItem{key: key, records: records, size: int64(size)}
		s.addToHead(item)
		s.items[key] = item
		s.size += item.size
	}

	for s.size > s.capacity && s.tail != nil {
		s.evictLRU()
	}
}

// Evict removes all blocks of fileID.
func (bc *BlockCacheImpl) Evict(fileID uint64) {
	for i := range bc.shards {
		s := &bc.shards[i]
		s.mu.Lock()
		for key, item := range s.items {
			if key.FileID == fileID {
				s.unlink(item)
				delete(s.items, key)
				s.size -= item.size
			}
		}
		s.mu.Unlock()
	}
}

func (bc *BlockCacheImpl) Stats() CacheStats {
	st := CacheStats{Hits: bc.hits.Load(), Misses: bc.misses.Load()}
	for i := range bc.shards {
		s := &bc.shards[i]
		s.mu.Lock()
		st.Bytes += s.size
		s.mu.Unlock()
	}
	return st
}

// moveToHead moves an item to the head of the list
func (s *cacheShard) moveToHead(item *cacheItem) {
	if item == s.head {
		return
	}
	s.unlink(item)
	s.addToHead(item)
}

// addToHead adds an item to the head of the list
func (s *cacheShard) addToHead(item *cacheItem) {
	item.prev = nil
	item.next = s.head

	if s.head != nil {
		s.head.prev = item
	}
	s.head = item

	if s.tail == nil {
		s.tail = item
	}
}

func (s *cacheShard) unlink(item *cacheItem) {
	if item.prev != nil {
		item.prev.next = item.next
	} else {
		s.head = item.next
	}
	if item.next != nil {
		item.next.prev = item.prev
	} else {
		s.tail = item.prev
	}
	item.prev, item.next = nil, nil
}

// evictLRU removes the least recently used item
func (s *cacheShard) evictLRU() {
	item := s.tail
	s.unlink(item)
	delete(s.items, item.key)
	s.size -= item.size
}
