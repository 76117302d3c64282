package store

import (
	"sync"

	"github.com/mit-pdos/go-lfs/util"
)

type cacheShard struct {
	mu    *sync.RWMutex
	state map[uint64][]byte
}

// blockCache is a sharded map from block location to contents. Each shard
// holds at most max blocks; when full an arbitrary block is dropped.
type blockCache struct {
	shards []*cacheShard
	max    int
}

const NSHARD uint64 = 61

func mkBlockCache(blocks uint64) *blockCache {
	var shards []*cacheShard
	for i := uint64(0); i < NSHARD; i++ {
		shards = append(shards, &cacheShard{
			mu:    new(sync.RWMutex),
			state: make(map[uint64][]byte),
		})
	}
	return &blockCache{
		shards: shards,
		max:    int(util.RoundUp(blocks, NSHARD)),
	}
}

func (c *blockCache) shard(loc uint64) *cacheShard {
	return c.shards[loc%NSHARD]
}

// read returns a private copy of the cached block.
func (c *blockCache) read(loc uint64) ([]byte, bool) {
	s := c.shard(loc)
	s.mu.RLock()
	blk, ok := s.state[loc]
	if ok {
		blk = util.CloneByteSlice(blk)
	}
	s.mu.RUnlock()
	return blk, ok
}

func (c *blockCache) write(loc uint64, blk []byte) {
	if c.max == 0 {
		return
	}
	s := c.shard(loc)
	s.mu.Lock()
	if _, ok := s.state[loc]; !ok && len(s.state) >= c.max {
		for k := range s.state {
			delete(s.state, k)
			break
		}
	}
	s.state[loc] = util.CloneByteSlice(blk)
	s.mu.Unlock()
}

func (c *blockCache) drop(loc uint64) {
	s := c.shard(loc)
	s.mu.Lock()
	delete(s.state, loc)
	s.mu.Unlock()
}

func (c *blockCache) reset() {
	for _, s := range c.shards {
		s.mu.Lock()
		s.state = make(map[uint64][]byte)
		s.mu.Unlock()
	}
}

func (c *blockCache) len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.RLock()
		n += len(s.state)
		s.mu.RUnlock()
	}
	return n
}
