package concurrent_lru

import (
	"hash/maphash"
	"sync"

	"github.com/churchfleet/fleetcache/pkg/lru"
)

// ShardedLRU spreads string keys over several mutex guarded LRUs to cut lock
// contention on hot read paths.
type ShardedLRU[V any] struct {
	seed   maphash.Seed
	shards []*shard[V]
	mask   uint64 // shardNum - 1 (shardNum must be power of 2)
}

type shard[V any] struct {
	sync.Mutex
	lru *lru.LRU[string, V]
}

func NewShardedLRU[V any](shardNum, maxSizePerShard int, onEvict func(key string, v V)) *ShardedLRU[V] {
	if shardNum <= 0 || shardNum&(shardNum-1) != 0 {
		panic("shardNum must be a power of 2 and > 0")
	}

	c := &ShardedLRU[V]{
		seed:   maphash.MakeSeed(),
		shards: make([]*shard[V], shardNum),
		mask:   uint64(shardNum - 1),
	}
	for i := range c.shards {
		c.shards[i] = &shard[V]{lru: lru.NewLRU[string, V](maxSizePerShard, onEvict)}
	}
	return c
}

func (c *ShardedLRU[V]) getShard(key string) *shard[V] {
	h := maphash.String(c.seed, key)
	return c.shards[int(h&c.mask)]
}

func (c *ShardedLRU[V]) Add(key string, v V) {
	s := c.getShard(key)
	s.Lock()
	s.lru.Add(key, v)
	s.Unlock()
}

func (c *ShardedLRU[V]) Get(key string) (v V, ok bool) {
	s := c.getShard(key)
	s.Lock()
	v, ok = s.lru.Get(key)
	s.Unlock()
	return
}

func (c *ShardedLRU[V]) Del(key string) {
	s := c.getShard(key)
	s.Lock()
	s.lru.Del(key)
	s.Unlock()
}

// Purge empties every shard.
func (c *ShardedLRU[V]) Purge() {
	for _, s := range c.shards {
		s.Lock()
		s.lru.Purge()
		s.Unlock()
	}
}

func (c *ShardedLRU[V]) Len() int {
	sum := 0
	for _, s := range c.shards {
		s.Lock()
		sum += s.lru.Len()
		s.Unlock()
	}
	return sum
}
