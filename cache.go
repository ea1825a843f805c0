package ewf

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheCapacity is the default number of decompressed chunk
// buffers the ChunkCache retains (§4.4: "typical 256-1024").
const DefaultCacheCapacity = 512

// ChunkCache is a bounded LRU of decompressed chunk buffers keyed by
// global chunk index (§4.4). Capacity 0 disables the cache entirely —
// every read reloads its chunk — which §8 requires to change nothing but
// speed.
//
// A returned buffer is an ordinary Go slice: Go's garbage collector is
// the "shared ownership" mechanism §9 asks for. A reader holding a slice
// returned by Get keeps the backing array alive even after the cache
// evicts its own entry, with no manual refcounting needed.
type ChunkCache struct {
	mu  sync.Mutex
	lru *lru.Cache[uint64, []byte]
}

// NewChunkCache builds a cache with the given entry capacity.
func NewChunkCache(capacity int) *ChunkCache {
	if capacity <= 0 {
		return &ChunkCache{}
	}
	c, err := lru.New[uint64, []byte](capacity)
	if err != nil {
		// Only returns an error for a non-positive size, already excluded.
		return &ChunkCache{}
	}
	return &ChunkCache{lru: c}
}

// Get returns the cached buffer for index, promoting it to
// most-recently-used. The second return is false on a miss.
func (c *ChunkCache) Get(index uint64) ([]byte, bool) {
	if c.lru == nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Get(index)
}

// Insert stores buf for index, evicting the least-recently-used entry if
// the cache is full. Concurrent duplicate misses are tolerated: the
// second Insert simply replaces the first without invalidating any
// reference a caller already took from a prior Get.
func (c *ChunkCache) Insert(index uint64, buf []byte) {
	if c.lru == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(index, buf)
}

// Len reports the number of entries currently cached.
func (c *ChunkCache) Len() int {
	if c.lru == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
