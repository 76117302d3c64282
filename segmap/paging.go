package segmap

import (
	"fmt"

	"github.com/mit-pdos/go-lfs/alloc"
	"github.com/mit-pdos/go-lfs/block"
	"github.com/mit-pdos/go-lfs/common"
)

// Segmap block i holds the bitmaps of segments
// [i*SegmapEntries, (i+1)*SegmapEntries), SegmapBytes each.

func (sm *SegMap) Blocks() uint64 {
	return uint64(len(sm.addrs))
}

func (sm *SegMap) span(i uint64) (uint64, uint64) {
	start := i * sm.geo.SegmapEntries
	end := start + sm.geo.SegmapEntries
	if end > sm.geo.Segments {
		end = sm.geo.Segments
	}
	return start, end
}

// Encode returns the payload of segmap block i.
func (sm *SegMap) Encode(i uint64) []byte {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	buf := make([]byte, sm.geo.BlockBytes)
	start, end := sm.span(i)
	for seg := start; seg < end; seg++ {
		copy(buf[(seg-start)*sm.geo.SegmapBytes:], sm.segs[seg].bits)
	}
	return buf
}

// Load installs the bitmaps of segmap block i read at mount.
func (sm *SegMap) Load(i uint64, payload []byte) error {
	if i >= sm.Blocks() {
		return fmt.Errorf("segmap block %d: %w", i, common.ErrCorruption)
	}
	sm.mu.Lock()
	defer sm.mu.Unlock()
	start, end := sm.span(i)
	for seg := start; seg < end; seg++ {
		s := sm.segs[seg]
		copy(s.bits, payload[(seg-start)*sm.geo.SegmapBytes:])
		s.live = 0
		for off := uint64(0); off < sm.geo.SegmapBits; off++ {
			if s.isLive(off) {
				s.live += 1
			}
		}
	}
	return nil
}

func (sm *SegMap) BlockAddr(i uint64) block.Addr {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.addrs[i]
}

func (sm *SegMap) SetBlockAddr(i uint64, a block.Addr) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.addrs[i] = a
}

func (sm *SegMap) BlockAddrs() []block.Addr {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return append([]block.Addr(nil), sm.addrs...)
}

// Recover derives segment states from the bitmaps of a loaded checkpoint:
// head is active with used blocks written, every other segment holding live
// blocks is full, and the rest are clean.
func (sm *SegMap) Recover(head uint64, used uint64) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.free = alloc.MkAlloc(sm.geo.Segments)
	for i, s := range sm.segs {
		s.wtime = 0
		switch {
		case uint64(i) == head:
			s.state = Active
			s.used = used
			sm.free.MarkUsed(uint64(i))
		case s.live > 0:
			s.state = Full
			s.used = sm.geo.SegmapBits
			sm.free.MarkUsed(uint64(i))
		default:
			s.state = Clean
			s.used = 0
		}
	}
	sm.free.SetNext(head + 1)
}

// Resume marks a clean segment found holding blocks written after the
// checkpoint. The newest is made active; others are full.
func (sm *SegMap) Resume(seg uint64, used uint64, active bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s := sm.segs[seg]
	if s.state == Clean {
		sm.free.MarkUsed(seg)
	}
	s.used = used
	if active {
		s.state = Active
		sm.free.SetNext(seg + 1)
	} else {
		s.used = sm.geo.SegmapBits
		s.state = Full
	}
}
