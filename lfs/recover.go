package lfs

import (
	"sort"

	"github.com/mit-pdos/go-lfs/block"
	"github.com/mit-pdos/go-lfs/checkpoint"
	"github.com/mit-pdos/go-lfs/common"
	"github.com/mit-pdos/go-lfs/segmap"
	"github.com/mit-pdos/go-lfs/util"
)

// logged is a block found after the checkpoint.
type logged struct {
	addr  block.Addr
	index block.Index
	time  int64
}

// scan reads seg from the start while blocks are committed and their
// write times do not go backwards. It returns the blocks newer than after,
// where the scan stopped, and the newest write time seen.
func (fs *FS) scan(seg uint64, after int64) ([]logged, uint64, int64, error) {
	var found []logged
	var prev int64
	off := uint64(0)
	for ; off < fs.geo.SegmapBits; off++ {
		buf, err := fs.st.Read(seg, off)
		if err != nil {
			return nil, 0, 0, err
		}
		b, h, ok := block.Committed(buf)
		if !ok || h.WriteTime < prev {
			break
		}
		prev = h.WriteTime
		if h.WriteTime > after {
			found = append(found, logged{
				addr:  block.MkAddr(uint32(seg), uint32(off), h.Version),
				index: b.Index,
				time:  h.WriteTime,
			})
		} else if fs.sm.State(seg) == segmap.Clean {
			// a reused segment starts with new blocks
			break
		}
	}
	return found, off, prev, nil
}

// recover rolls the log forward from checkpoint rec. Only the head and the
// segments that were clean at the checkpoint can hold newer blocks; they
// are replayed in write-time order.
func (fs *FS) recover(rec *checkpoint.Record) error {
	fs.sm.Recover(rec.Head, 0)
	segs := []uint64{rec.Head}
	for seg := uint64(0); seg < fs.geo.Segments; seg++ {
		if seg != rec.Head && fs.sm.State(seg) == segmap.Clean {
			segs = append(segs, seg)
		}
	}

	var found []logged
	stops := make(map[uint64]uint64)
	touched := make(map[uint64]bool)
	last := rec.Time
	for _, seg := range segs {
		blks, stop, newest, err := fs.scan(seg, rec.Time)
		if err != nil {
			return err
		}
		stops[seg] = stop
		if newest > last {
			last = newest
		}
		if len(blks) > 0 {
			touched[seg] = true
			found = append(found, blks...)
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].time < found[j].time })

	head := rec.Head
	for _, l := range found {
		head = uint64(l.addr.Segment())
		ino := common.Inum(l.index.Num)
		var err error
		switch l.index.Kind {
		case block.KindData:
			err = fs.im.Restore(ino, l.addr)
		case block.KindTombstone:
			err = fs.im.Restore(ino, block.MkNullAddr(l.addr.Version()))
		default:
			// map blocks of a checkpoint that never committed
			continue
		}
		if err != nil {
			return err
		}
	}
	for seg := range touched {
		if seg != rec.Head {
			fs.sm.Resume(seg, stops[seg], seg == head)
		}
	}
	if head != rec.Head {
		fs.sm.Resume(rec.Head, stops[rec.Head], false)
	} else {
		fs.sm.Resume(rec.Head, stops[rec.Head], true)
	}
	fs.w.Resume(head, stops[head], last)
	util.DPrintf(1, "recover: replayed %d blocks from %d segments, head %d:%d\n",
		len(found), len(touched), head, stops[head])
	if len(found) > 0 {
		return fs.checkpoint()
	}
	return nil
}
