// Package lockmap serializes updates to a single inode.
//
// The API is as if LockMap held a lock for every inode number: Acquire(ino)
// takes the lock of ino and Release(ino) drops it. Only locks that are held
// or waited on have any state; they live in a fixed set of shards chosen by
// hashing the inode number, so inodes allocated in runs spread across
// shards.
package lockmap

import (
	"encoding/binary"
	"sync"

	"github.com/spaolacci/murmur3"

	"github.com/mit-pdos/go-lfs/common"
)

type lockState struct {
	held    bool
	cond    *sync.Cond
	waiters uint64
}

type lockShard struct {
	mu    *sync.Mutex
	state map[common.Inum]*lockState
}

func mkLockShard() *lockShard {
	mu := new(sync.Mutex)
	return &lockShard{
		mu:    mu,
		state: make(map[common.Inum]*lockState),
	}
}

func (s *lockShard) acquire(ino common.Inum) {
	s.mu.Lock()
	for {
		st, ok := s.state[ino]
		if !ok {
			st = &lockState{cond: sync.NewCond(s.mu)}
			s.state[ino] = st
		}
		if !st.held {
			st.held = true
			break
		}
		st.waiters += 1
		st.cond.Wait()
		// release keeps the state while there are waiters
		s.state[ino].waiters -= 1
	}
	s.mu.Unlock()
}

func (s *lockShard) release(ino common.Inum) {
	s.mu.Lock()
	st, ok := s.state[ino]
	if !ok || !st.held {
		s.mu.Unlock()
		panic("lockmap: release of unheld lock")
	}
	st.held = false
	if st.waiters > 0 {
		st.cond.Signal()
	} else {
		delete(s.state, ino)
	}
	s.mu.Unlock()
}

const NSHARD uint64 = 43

type LockMap struct {
	shards []*lockShard
}

func MkLockMap() *LockMap {
	var shards []*lockShard
	for i := uint64(0); i < NSHARD; i++ {
		shards = append(shards, mkLockShard())
	}
	return &LockMap{shards: shards}
}

func (lmap *LockMap) shard(ino common.Inum) *lockShard {
	var key [8]byte
	binary.LittleEndian.PutUint64(key[:], uint64(ino))
	return lmap.shards[murmur3.Sum64(key[:])%NSHARD]
}

func (lmap *LockMap) Acquire(ino common.Inum) {
	lmap.shard(ino).acquire(ino)
}

func (lmap *LockMap) Release(ino common.Inum) {
	lmap.shard(ino).release(ino)
}

// Held reports whether anyone holds the lock of ino.
func (lmap *LockMap) Held(ino common.Inum) bool {
	s := lmap.shard(ino)
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.state[ino]
	return ok && st.held
}
