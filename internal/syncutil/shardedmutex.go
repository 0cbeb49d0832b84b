// Package syncutil provides synchronization helpers shared across subsystems.
package syncutil

import (
	"hash/fnv"
	"sync"
)

// shardCount is the fixed size of the mutex pool.
const shardCount = 256

// ShardedMutex provides a fixed-size pool of mutexes keyed by string.
// Unlike per-key lock maps, memory stays bounded no matter how many keys are
// seen, at the cost of occasional false sharing between keys that hash to
// the same shard. The zero value is ready to use.
type ShardedMutex struct {
	shards [shardCount]sync.Mutex
}

// Lock acquires the mutex for the given key and returns an unlock function.
func (s *ShardedMutex) Lock(key string) func() {
	mu := s.shard(key)
	mu.Lock()
	return mu.Unlock
}

func (s *ShardedMutex) shard(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.shards[h.Sum32()%shardCount]
}
