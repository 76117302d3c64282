// Package segmap tracks which blocks of each segment are live and the
// life cycle of every segment.
//
// A segment is clean, active (the log head), full, or being cleaned. The
// set of clean segments is kept in an alloc.Alloc. A segment whose live
// count drops to zero stays full until the next checkpoint commits, since
// the previous checkpoint may still refer to its blocks; Reclaim then
// returns it to the clean set.
package segmap

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mit-pdos/go-lfs/alloc"
	"github.com/mit-pdos/go-lfs/block"
	"github.com/mit-pdos/go-lfs/common"
	"github.com/mit-pdos/go-lfs/layout"
	"github.com/mit-pdos/go-lfs/util"
)

type State uint8

const (
	Clean State = iota
	Active
	Full
	Cleaning
)

func (s State) String() string {
	switch s {
	case Clean:
		return "clean"
	case Active:
		return "active"
	case Full:
		return "full"
	case Cleaning:
		return "being-cleaned"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

type segment struct {
	bits  []byte
	live  uint64
	used  uint64 // blocks written since the segment was last clean
	state State
	wtime int64 // write time of the oldest block, 0 if unknown
}

type SegMap struct {
	geo  *layout.Geometry
	mu   *sync.Mutex
	segs []*segment
	free *alloc.Alloc // clean segments are free

	// location and header version of each segmap block
	addrs []block.Addr
}

func MkSegMap(geo *layout.Geometry) *SegMap {
	sm := &SegMap{
		geo:   geo,
		mu:    new(sync.Mutex),
		segs:  make([]*segment, geo.Segments),
		free:  alloc.MkAlloc(geo.Segments),
		addrs: make([]block.Addr, geo.SegmapBlocks),
	}
	for i := range sm.segs {
		sm.segs[i] = &segment{bits: make([]byte, geo.SegmapBytes)}
	}
	for i := range sm.addrs {
		sm.addrs[i] = block.NullAddr
	}
	return sm
}

func (sm *SegMap) seg(a block.Addr) (*segment, uint64, error) {
	if a.IsNull() || uint64(a.Segment()) >= sm.geo.Segments || uint64(a.Offset()) >= sm.geo.SegmapBits {
		return nil, 0, fmt.Errorf("address %v: %w", a, common.ErrInvalidArgument)
	}
	return sm.segs[a.Segment()], uint64(a.Offset()), nil
}

func (s *segment) isLive(off uint64) bool {
	return s.bits[off/8]&(1<<(off%8)) != 0
}

func (s *segment) set(off uint64) {
	s.bits[off/8] |= 1 << (off % 8)
	s.live += 1
}

func (s *segment) clear(off uint64) {
	s.bits[off/8] &^= 1 << (off % 8)
	s.live -= 1
}

func (sm *SegMap) markLive(a block.Addr) error {
	s, off, err := sm.seg(a)
	if err != nil {
		return err
	}
	if s.isLive(off) {
		util.Fatalf("segmap: %v is already live\n", a)
		return fmt.Errorf("%v is already live: %w", a, common.ErrConcurrency)
	}
	s.set(off)
	return nil
}

func (sm *SegMap) markDead(a block.Addr) error {
	s, off, err := sm.seg(a)
	if err != nil {
		return err
	}
	if !s.isLive(off) {
		util.Fatalf("segmap: %v is already dead\n", a)
		return fmt.Errorf("%v is already dead: %w", a, common.ErrConcurrency)
	}
	s.clear(off)
	return nil
}

func (sm *SegMap) MarkLive(a block.Addr) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.markLive(a)
}

func (sm *SegMap) MarkDead(a block.Addr) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.markDead(a)
}

// Move marks old dead and new live as one step. Either may be null. Nothing
// changes if either half would fail.
func (sm *SegMap) Move(old, new block.Addr) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if !old.IsNull() {
		s, off, err := sm.seg(old)
		if err != nil {
			return err
		}
		if !s.isLive(off) {
			util.Fatalf("segmap: move from dead %v\n", old)
			return fmt.Errorf("move from dead %v: %w", old, common.ErrConcurrency)
		}
	}
	if !new.IsNull() {
		if err := sm.markLive(new); err != nil {
			return err
		}
	}
	if !old.IsNull() {
		return sm.markDead(old)
	}
	return nil
}

func (sm *SegMap) IsLive(a block.Addr) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s, off, err := sm.seg(a)
	return err == nil && s.isLive(off)
}

func (sm *SegMap) LiveCount(seg uint64) uint64 {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.segs[seg].live
}

// IsClean reports whether seg holds no live block.
func (sm *SegMap) IsClean(seg uint64) bool {
	return sm.LiveCount(seg) == 0
}

func (sm *SegMap) State(seg uint64) State {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.segs[seg].state
}

func (sm *SegMap) Used(seg uint64) uint64 {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.segs[seg].used
}

// LiveOffsets lists the live blocks of seg.
func (sm *SegMap) LiveOffsets(seg uint64) []uint64 {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s := sm.segs[seg]
	var offs []uint64
	for off := uint64(0); off < s.used; off++ {
		if s.isLive(off) {
			offs = append(offs, off)
		}
	}
	return offs
}

// CleanCount is the number of segments in the clean state.
func (sm *SegMap) CleanCount() uint64 {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.free.NumFree()
}

// Allocate makes a clean segment the active one. It fails with
// ErrOutOfSpace unless more than reserve clean segments remain.
func (sm *SegMap) Allocate(reserve uint64) (uint64, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.free.NumFree() <= reserve {
		return 0, fmt.Errorf("%d clean segments, %d reserved: %w",
			sm.free.NumFree(), reserve, common.ErrOutOfSpace)
	}
	n, ok := sm.free.AllocNum()
	if !ok {
		return 0, fmt.Errorf("no clean segment: %w", common.ErrOutOfSpace)
	}
	s := sm.segs[n]
	if s.state != Clean || s.live != 0 {
		util.Fatalf("segmap: allocated segment %d is %v with %d live\n", n, s.state, s.live)
		return 0, fmt.Errorf("segment %d is %v: %w", n, s.state, common.ErrConcurrency)
	}
	s.state = Active
	s.used = 0
	s.wtime = 0
	util.DPrintf(5, "segmap: allocate %d\n", n)
	return n, nil
}

// Append records n more blocks written to the active segment seg.
func (sm *SegMap) Append(seg uint64, n uint64, wtime int64) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s := sm.segs[seg]
	if s.state != Active {
		util.Fatalf("segmap: write to %v segment %d\n", s.state, seg)
		return fmt.Errorf("write to %v segment %d: %w", s.state, seg, common.ErrConcurrency)
	}
	if s.used+n > sm.geo.SegmapBits {
		return fmt.Errorf("segment %d overflows: %w", seg, common.ErrConcurrency)
	}
	if s.used == 0 {
		s.wtime = wtime
	}
	s.used += n
	return nil
}

// Seal retires the active segment.
func (sm *SegMap) Seal(seg uint64) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s := sm.segs[seg]
	if s.state != Active {
		return fmt.Errorf("seal %v segment %d: %w", s.state, seg, common.ErrConcurrency)
	}
	s.state = Full
	return nil
}

// BeginCleaning stops seg from accepting writes until it is reclaimed.
func (sm *SegMap) BeginCleaning(seg uint64) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s := sm.segs[seg]
	if s.state != Full {
		return fmt.Errorf("clean %v segment %d: %w", s.state, seg, common.ErrConcurrency)
	}
	s.state = Cleaning
	return nil
}

// EndCleaning puts a segment that could not be drained back in the full
// state.
func (sm *SegMap) EndCleaning(seg uint64) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.segs[seg].state == Cleaning {
		sm.segs[seg].state = Full
	}
}

// Reclaim returns retired segments without live blocks to the clean set.
// Call only once a checkpoint recording their live counts is durable.
func (sm *SegMap) Reclaim() []uint64 {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	var segs []uint64
	for i, s := range sm.segs {
		if (s.state == Full || s.state == Cleaning) && s.live == 0 {
			s.state = Clean
			s.used = 0
			s.wtime = 0
			sm.free.FreeNum(uint64(i))
			segs = append(segs, uint64(i))
		}
	}
	if len(segs) > 0 {
		util.DPrintf(3, "segmap: reclaimed %v\n", segs)
	}
	return segs
}

// Candidate is a segment worth cleaning.
type Candidate struct {
	Seg   uint64
	Live  uint64
	WTime int64
}

// Candidates lists full segments that have both live and dead blocks, the
// lowest live ratio first and the oldest first among equals. writeTime
// supplies the write time of segments for which it is not known.
func (sm *SegMap) Candidates(writeTime func(seg uint64) int64) []Candidate {
	sm.mu.Lock()
	var cs []Candidate
	var unknown []int
	for i, s := range sm.segs {
		if s.state != Full || s.live == 0 || s.live >= s.used {
			continue
		}
		if s.wtime == 0 {
			unknown = append(unknown, len(cs))
		}
		cs = append(cs, Candidate{Seg: uint64(i), Live: s.live, WTime: s.wtime})
	}
	sm.mu.Unlock()

	for _, j := range unknown {
		t := writeTime(cs[j].Seg)
		cs[j].WTime = t
		sm.mu.Lock()
		if s := sm.segs[cs[j].Seg]; s.wtime == 0 {
			s.wtime = t
		}
		sm.mu.Unlock()
	}
	// every segment has the same capacity
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].Live != cs[j].Live {
			return cs[i].Live < cs[j].Live
		}
		return cs[i].WTime < cs[j].WTime
	})
	return cs
}

type Stats struct {
	Live      uint64
	Dead      uint64
	Allocated uint64
	Clean     uint64
}

func (sm *SegMap) Stats() Stats {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	var st Stats
	for _, s := range sm.segs {
		st.Allocated += s.used
		for off := uint64(0); off < s.used; off++ {
			if s.isLive(off) {
				st.Live += 1
			} else {
				st.Dead += 1
			}
		}
	}
	st.Clean = sm.free.NumFree()
	return st
}

// TotalLive sums the live counts of all segments.
func (sm *SegMap) TotalLive() uint64 {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	var n uint64
	for _, s := range sm.segs {
		n += s.live
	}
	return n
}

// Reclaimable counts retired segments a checkpoint would return to the
// clean set.
func (sm *SegMap) Reclaimable() uint64 {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	var n uint64
	for _, s := range sm.segs {
		if (s.state == Full || s.state == Cleaning) && s.live == 0 {
			n += 1
		}
	}
	return n
}
