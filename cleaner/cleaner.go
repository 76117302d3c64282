// Package cleaner reclaims space by copying the live blocks out of mostly
// dead segments.
//
// Cleaning starts when fewer than min_clean_segs segments are clean and
// continues until target_clean_segs are, or until no segment has a dead
// block left to reclaim. Each round picks the segments with the fewest live
// blocks, oldest first among equals, relocates their live blocks through
// the writer and then checkpoints, which returns the drained segments to
// the clean set.
package cleaner

import (
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/mit-pdos/go-lfs/block"
	"github.com/mit-pdos/go-lfs/common"
	"github.com/mit-pdos/go-lfs/imap"
	"github.com/mit-pdos/go-lfs/layout"
	"github.com/mit-pdos/go-lfs/segmap"
	"github.com/mit-pdos/go-lfs/store"
	"github.com/mit-pdos/go-lfs/util"
	"github.com/mit-pdos/go-lfs/writer"
)

// MaxRound bounds the segments cleaned between checkpoints.
const MaxRound = 16

type Stats struct {
	Passes    uint64
	Rounds    uint64
	Segments  uint64 // segments drained
	Relocated uint64 // data blocks copied
}

type Cleaner struct {
	geo *layout.Geometry
	st  store.BlockStore
	im  *imap.Imap
	sm  *segmap.SegMap
	w   *writer.Writer

	min, target uint64
	checkpoint  func() error

	passMu *sync.Mutex // one pass at a time
	sf     singleflight.Group

	mu      *sync.Mutex // protects the fields below
	stopped bool
	stats   Stats

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

func MkCleaner(geo *layout.Geometry, st store.BlockStore, im *imap.Imap, sm *segmap.SegMap,
	w *writer.Writer, min, target uint64, checkpoint func() error) *Cleaner {
	return &Cleaner{
		geo:        geo,
		st:         st,
		im:         im,
		sm:         sm,
		w:          w,
		min:        min,
		target:     target,
		checkpoint: checkpoint,
		passMu:     new(sync.Mutex),
		mu:         new(sync.Mutex),
		wake:       make(chan struct{}, 1),
	}
}

func (c *Cleaner) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Needed reports whether clean segments are below the minimum.
func (c *Cleaner) Needed() bool {
	return c.sm.CleanCount() < c.min
}

// writeTime reads the write time of the first live block of seg.
func (c *Cleaner) writeTime(seg uint64) int64 {
	offs := c.sm.LiveOffsets(seg)
	if len(offs) == 0 {
		return 0
	}
	buf, err := c.st.Read(seg, offs[0])
	if err != nil {
		return 0
	}
	h, _, err := block.Decode(buf).Resolve()
	if err != nil {
		return 0
	}
	return h.WriteTime
}

// cleanBlock arranges for the block at seg:off to move, if it is still
// live. It reports whether a data block was relocated.
func (c *Cleaner) cleanBlock(seg uint64, off uint64) (bool, error) {
	buf, err := c.st.Read(seg, off)
	if err != nil {
		return false, err
	}
	b, h, ok := block.Committed(buf)
	if !ok {
		return false, fmt.Errorf("live block %d:%d is torn: %w", seg, off, common.ErrCorruption)
	}
	a := block.MkAddr(uint32(seg), uint32(off), h.Version)
	if !c.sm.IsLive(a) {
		return false, nil
	}
	switch b.Index.Kind {
	case block.KindData:
		ino := common.Inum(b.Index.Num)
		cur, err := c.im.Entry(ino)
		if err != nil || cur.IsNull() || !cur.SameBlock(a) {
			return false, nil
		}
		return c.w.Relocate(ino, cur, b.Payload), nil
	case block.KindImap:
		if b.Index.Num < c.im.Blocks() && c.im.BlockAddr(b.Index.Num).SameBlock(a) {
			c.im.MarkDirty(b.Index.Num)
		}
	case block.KindSegmap:
		// every checkpoint rewrites the segmap
	default:
		return false, fmt.Errorf("live %v block at %d:%d: %w", b.Index.Kind, seg, off, common.ErrCorruption)
	}
	return false, nil
}

// round drains up to MaxRound candidates whose live blocks fit in the log.
// It reports how many were attempted.
func (c *Cleaner) round() (uint64, error) {
	cands := c.sm.Candidates(c.writeTime)
	room := c.w.Room()
	need := c.geo.ImapBlocks + c.geo.SegmapBlocks
	var picked []uint64
	defer func() {
		for _, seg := range picked {
			c.sm.EndCleaning(seg)
		}
	}()
	for _, cand := range cands {
		if len(picked) == MaxRound || need+cand.Live > room {
			break
		}
		if err := c.sm.BeginCleaning(cand.Seg); err != nil {
			return 0, err
		}
		need += cand.Live
		picked = append(picked, cand.Seg)
	}
	if len(picked) == 0 {
		return 0, nil
	}
	util.DPrintf(2, "cleaner: round of %v\n", picked)
	var moved uint64
	for _, seg := range picked {
		for _, off := range c.sm.LiveOffsets(seg) {
			ok, err := c.cleanBlock(seg, off)
			if err != nil {
				return 0, err
			}
			if ok {
				moved += 1
			}
		}
	}
	if err := c.w.Flush(); err != nil {
		return 0, err
	}
	if err := c.checkpoint(); err != nil {
		return 0, err
	}
	var drained uint64
	for _, seg := range picked {
		if c.sm.State(seg) == segmap.Clean {
			drained += 1
		}
	}
	c.mu.Lock()
	c.stats.Rounds += 1
	c.stats.Segments += drained
	c.stats.Relocated += moved
	c.mu.Unlock()
	return uint64(len(picked)), nil
}

// pass cleans until the target is reached or nothing more can be done.
// Unless forced it only starts below the minimum.
func (c *Cleaner) pass(force bool) error {
	c.passMu.Lock()
	defer c.passMu.Unlock()
	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()
	if stopped || (!force && !c.Needed()) {
		return nil
	}
	start := c.sm.CleanCount()
	util.DPrintf(1, "cleaner: pass with %d clean segments\n", start)
	for c.sm.CleanCount() < c.target {
		before := c.sm.CleanCount()
		if c.sm.Reclaimable() > 0 {
			if err := c.checkpoint(); err != nil {
				return fmt.Errorf("cleaner: %w", err)
			}
			if c.sm.CleanCount() > before {
				continue
			}
		}
		n, err := c.round()
		if err != nil {
			return fmt.Errorf("cleaner: %w", err)
		}
		if n == 0 || c.sm.CleanCount() <= before {
			break
		}
	}
	c.mu.Lock()
	c.stats.Passes += 1
	c.mu.Unlock()
	util.DPrintf(1, "cleaner: pass done, %d -> %d clean segments\n", start, c.sm.CleanCount())
	return nil
}

// Pass runs a pass if clean segments are below the minimum.
func (c *Cleaner) Pass() error {
	return c.pass(false)
}

// CleanSync cleans now, whatever the clean count. Concurrent callers share
// one pass.
func (c *Cleaner) CleanSync() error {
	_, err, _ := c.sf.Do("clean", func() (interface{}, error) {
		return nil, c.pass(true)
	})
	return err
}
