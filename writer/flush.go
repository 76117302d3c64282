package writer

import (
	"fmt"

	"github.com/mit-pdos/go-lfs/block"
	"github.com/mit-pdos/go-lfs/common"
	"github.com/mit-pdos/go-lfs/util"
)

// rotate makes a fresh clean segment the head, then retires the old one.
// Assumes flushMu is held.
func (w *Writer) rotate(reserve uint64) error {
	seg, err := w.sm.Allocate(reserve)
	if err != nil {
		return err
	}
	w.mu.Lock()
	old := w.head
	w.head = seg
	w.tail = 0
	hook := w.allocHook
	w.mu.Unlock()
	if err := w.sm.Seal(old); err != nil {
		return err
	}
	util.DPrintf(3, "writer: head %d -> %d\n", old, seg)
	if hook != nil {
		hook()
	}
	return nil
}

// headRoom returns the head and tail, rotating first if the head is full.
// Assumes flushMu is held.
func (w *Writer) headRoom() (uint64, uint64, error) {
	w.mu.Lock()
	full := w.tail >= w.geo.SegmapBits
	w.mu.Unlock()
	if full {
		if err := w.rotate(0); err != nil {
			return 0, 0, err
		}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.head, w.tail, nil
}

// abandon gives up on the rest of seg after a failed write. Recovery stops
// scanning a segment at its first unwritten block, so nothing may be
// appended after one: the segment counts as full and the next append
// rotates. Assumes flushMu is held.
func (w *Writer) abandon(seg uint64) {
	w.mu.Lock()
	if w.head != seg {
		w.mu.Unlock()
		return
	}
	rest := w.geo.SegmapBits - w.tail
	w.tail = w.geo.SegmapBits
	w.mu.Unlock()
	util.Fatalf("writer: write to segment %d failed, abandoning %d blocks\n", seg, rest)
	if rest > 0 {
		if err := w.sm.Append(seg, rest, 0); err != nil {
			util.Fatalf("writer: %v\n", err)
		}
	}
}

// stale reports whether e no longer needs writing: a relocation of a block
// that was since replaced, or a deletion of an absent inode. Nothing but a
// flush changes the imap, so the answer holds until the flush is done.
func (w *Writer) stale(e *entry) bool {
	cur, err := w.im.Entry(e.ino)
	if err != nil {
		return true
	}
	if e.relocate {
		return cur != e.from
	}
	return e.kind == block.KindTombstone && cur.IsNull()
}

// takeBatch moves the buffer into the in-flight set.
func (w *Writer) takeBatch() []*entry {
	w.mu.Lock()
	defer w.mu.Unlock()
	batch := w.pending
	w.pending = nil
	w.pos = make(map[common.Inum]int)
	for _, e := range batch {
		w.flushing[e.ino] = e
	}
	w.inflight += uint64(len(batch))
	return batch
}

// done retires entries from the in-flight set.
func (w *Writer) done(es []*entry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, e := range es {
		if w.flushing[e.ino] == e {
			delete(w.flushing, e.ino)
		}
		w.inflight -= 1
	}
}

// requeue puts entries that could not be written back in the buffer,
// unless newer updates of their inode arrived meanwhile.
func (w *Writer) requeue(es []*entry) {
	w.mu.Lock()
	for _, e := range es {
		if _, ok := w.pos[e.ino]; ok {
			continue
		}
		w.pos[e.ino] = len(w.pending)
		w.pending = append(w.pending, e)
	}
	w.mu.Unlock()
	w.done(es)
}

// writeChunk appends es, which fit in the head, and points the imap at the
// new blocks. applied is false if the imap was left untouched.
func (w *Writer) writeChunk(seg uint64, off uint64, es []*entry) (applied bool, err error) {
	blks := make([][]byte, len(es))
	vers := make([]uint8, len(es))
	var first int64
	for i, e := range es {
		v, err := w.im.NextVersion(e.ino)
		if err != nil {
			return false, err
		}
		t := w.clock()
		if i == 0 {
			first = t
		}
		b := block.Mk(block.Index{Kind: e.kind, Num: uint64(e.ino)},
			block.Header{WriteTime: t, Version: v}, e.payload)
		blks[i], err = block.Encode(w.geo.BlockSize, b)
		if err != nil {
			return false, err
		}
		vers[i] = v
	}
	if err := w.sm.Append(seg, uint64(len(es)), first); err != nil {
		return false, err
	}
	w.mu.Lock()
	w.tail = off + uint64(len(es))
	w.mu.Unlock()
	if err := w.st.Write(seg, off, blks...); err != nil {
		w.abandon(seg)
		return false, err
	}
	for i, e := range es {
		a := block.MkAddr(uint32(seg), uint32(off)+uint32(i), 0)
		var v uint8
		var err error
		switch {
		case e.kind == block.KindTombstone:
			v, err = w.im.Delete(e.ino)
		case e.relocate:
			var ok bool
			v, ok, err = w.im.UpdateIf(e.ino, e.from, a)
			if err == nil && !ok {
				err = fmt.Errorf("relocated inode %d moved: %w", e.ino, common.ErrConcurrency)
			}
		default:
			v, err = w.im.Update(e.ino, a)
		}
		if err == nil && v != vers[i] {
			err = fmt.Errorf("inode %d version %d, wrote %d: %w", e.ino, v, vers[i], common.ErrConcurrency)
		}
		if err != nil {
			util.Fatalf("writer: %v\n", err)
			return true, err
		}
	}
	return true, nil
}

func (w *Writer) flush() error {
	batch := w.takeBatch()
	if len(batch) == 0 {
		return nil
	}
	live := batch[:0:0]
	var skipped []*entry
	for _, e := range batch {
		if w.stale(e) {
			skipped = append(skipped, e)
		} else {
			live = append(live, e)
		}
	}
	w.done(skipped)
	util.DPrintf(5, "writer: flush %d blocks, %d stale\n", len(live), len(skipped))
	for len(live) > 0 {
		seg, off, err := w.headRoom()
		if err != nil {
			w.requeue(live)
			return fmt.Errorf("flush: %w", err)
		}
		n := util.Min(uint64(len(live)), w.geo.SegmapBits-off)
		chunk := live[:n]
		if applied, err := w.writeChunk(seg, off, chunk); err != nil {
			if applied {
				w.done(chunk)
				w.requeue(live[n:])
			} else {
				w.requeue(live)
			}
			return fmt.Errorf("flush: %w", err)
		}
		w.done(chunk)
		live = live[n:]
	}
	return nil
}

// Flush appends all buffered updates to the log.
func (w *Writer) Flush() error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()
	return w.flush()
}
