// Package writer buffers block updates in memory and appends them to the
// log.
//
// Updates are absorbed per inode: a later write of an inode replaces an
// earlier one still in the buffer. The buffer is flushed into the active
// segment when it would fill the rest of the segment, on a timer, and
// before every checkpoint. Every block gets its own write time, strictly
// increasing across the engine.
//
// Foreground updates are admitted only if the log has room for them outside
// the reserve kept for the cleaner and for checkpoints, so a flush never
// runs out of space.
package writer

import (
	"fmt"
	"sync"
	"time"

	"github.com/mit-pdos/go-lfs/block"
	"github.com/mit-pdos/go-lfs/common"
	"github.com/mit-pdos/go-lfs/imap"
	"github.com/mit-pdos/go-lfs/layout"
	"github.com/mit-pdos/go-lfs/segmap"
	"github.com/mit-pdos/go-lfs/store"
	"github.com/mit-pdos/go-lfs/util"
)

type entry struct {
	ino     common.Inum
	kind    block.Kind // data or tombstone
	payload []byte
	// for a block the cleaner relocates, where the block is now
	from     block.Addr
	relocate bool
}

type Writer struct {
	geo *layout.Geometry
	st  store.BlockStore
	im  *imap.Imap
	sm  *segmap.SegMap

	flushMu *sync.Mutex // the flush critical section; held by checkpoints
	last    int64       // last write time handed out, under flushMu

	mu       *sync.Mutex // protects the fields below
	pending  []*entry
	pos      map[common.Inum]int // index into pending
	flushing map[common.Inum]*entry
	inflight uint64
	head     uint64
	tail     uint64 // next free offset in head

	cleanHook func() error
	allocHook func()
}

func MkWriter(geo *layout.Geometry, st store.BlockStore, im *imap.Imap, sm *segmap.SegMap) *Writer {
	return &Writer{
		geo:      geo,
		st:       st,
		im:       im,
		sm:       sm,
		flushMu:  new(sync.Mutex),
		mu:       new(sync.Mutex),
		pos:      make(map[common.Inum]int),
		flushing: make(map[common.Inum]*entry),
	}
}

// Resume sets the log head found at mount and the last write time seen.
func (w *Writer) Resume(head uint64, tail uint64, last int64) {
	w.flushMu.Lock()
	w.last = last
	w.flushMu.Unlock()
	w.mu.Lock()
	w.head = head
	w.tail = tail
	w.mu.Unlock()
}

// SetCleanHook installs the synchronous cleaning run when a write finds no
// room.
func (w *Writer) SetCleanHook(f func() error) {
	w.mu.Lock()
	w.cleanHook = f
	w.mu.Unlock()
}

// SetAllocHook installs a function called after each segment allocation.
func (w *Writer) SetAllocHook(f func()) {
	w.mu.Lock()
	w.allocHook = f
	w.mu.Unlock()
}

func (w *Writer) Head() (uint64, uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.head, w.tail
}

func (w *Writer) Pending() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return uint64(len(w.pending))
}

// LastTime is the last write time handed out.
func (w *Writer) LastTime() int64 {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()
	return w.last
}

// clock returns a fresh write time. Assumes flushMu is held.
func (w *Writer) clock() int64 {
	now := time.Now().UnixNano()
	if now <= w.last {
		now = w.last + 1
	}
	w.last = now
	return now
}

// room counts free block slots, excluding reserve clean segments, less what
// is already buffered. Assumes mu is held.
func (w *Writer) room(reserve uint64) uint64 {
	bps := w.geo.SegmapBits
	free := bps - w.tail
	if clean := w.sm.CleanCount(); clean > reserve {
		free += (clean - reserve) * bps
	}
	used := uint64(len(w.pending)) + w.inflight
	if used >= free {
		return 0
	}
	return free - used
}

// Room is the number of blocks that can still be written, reserve
// included.
func (w *Writer) Room() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.room(0)
}

// admit buffers e if it absorbs a buffered update or fits outside the
// reserve. Assumes mu is held.
func (w *Writer) admit(e *entry) bool {
	if i, ok := w.pos[e.ino]; ok {
		util.DPrintf(5, "writer: absorb %d\n", e.ino)
		w.pending[i] = e
		return true
	}
	if w.room(w.geo.ReserveSegments) == 0 {
		return false
	}
	w.pos[e.ino] = len(w.pending)
	w.pending = append(w.pending, e)
	return true
}

// full reports whether the buffer would fill the rest of the head, or a
// whole segment if the head is full.
func (w *Writer) full() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	rest := w.geo.SegmapBits - w.tail
	if rest == 0 {
		rest = w.geo.SegmapBits
	}
	return uint64(len(w.pending)) >= rest
}

func (w *Writer) enqueue(e *entry) error {
	w.mu.Lock()
	ok := w.admit(e)
	hook := w.cleanHook
	w.mu.Unlock()
	if !ok && hook != nil {
		util.DPrintf(1, "writer: no room for %d, cleaning\n", e.ino)
		if err := hook(); err != nil {
			util.DPrintf(1, "writer: cleaning: %v\n", err)
		}
		w.mu.Lock()
		ok = w.admit(e)
		w.mu.Unlock()
	}
	if !ok {
		return fmt.Errorf("write inode %d: %w", e.ino, common.ErrOutOfSpace)
	}
	if w.full() {
		return w.Flush()
	}
	return nil
}

func (w *Writer) checkPayload(ino common.Inum, payload []byte) error {
	if ino == common.NULLINUM || uint64(ino) >= w.geo.Inodes {
		return fmt.Errorf("inode %d: %w", ino, common.ErrInvalidArgument)
	}
	if uint64(len(payload)) > w.geo.BlockBytes {
		return fmt.Errorf("payload of %d bytes exceeds %d: %w",
			len(payload), w.geo.BlockBytes, common.ErrInvalidArgument)
	}
	return nil
}

// Write buffers a new block for ino.
func (w *Writer) Write(ino common.Inum, payload []byte) error {
	if err := w.checkPayload(ino, payload); err != nil {
		return err
	}
	return w.enqueue(&entry{
		ino:     ino,
		kind:    block.KindData,
		payload: util.CloneByteSlice(payload),
	})
}

// Delete buffers a tombstone for ino.
func (w *Writer) Delete(ino common.Inum) error {
	if err := w.checkPayload(ino, nil); err != nil {
		return err
	}
	return w.enqueue(&entry{ino: ino, kind: block.KindTombstone})
}

// Relocate buffers a copy of the block of ino now at from. It is skipped
// if an update of ino is buffered or in flight, or if the imap no longer
// points at from, since the block is then superseded. Relocations may use
// the reserve.
func (w *Writer) Relocate(ino common.Inum, from block.Addr, payload []byte) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.pos[ino]; ok {
		return false
	}
	if _, ok := w.flushing[ino]; ok {
		return false
	}
	// a flush updates the imap before it retires its entries, so with
	// nothing in flight the imap is current
	if cur, err := w.im.Entry(ino); err != nil || cur != from {
		return false
	}
	w.pos[ino] = len(w.pending)
	w.pending = append(w.pending, &entry{
		ino:      ino,
		kind:     block.KindData,
		payload:  util.CloneByteSlice(payload),
		from:     from,
		relocate: true,
	})
	return true
}

// ReadBuffered returns the newest buffered update of ino. deleted is true
// for a buffered deletion. Relocations are not updates: the block they copy
// stays readable at its old address until its segment is reclaimed.
func (w *Writer) ReadBuffered(ino common.Inum) (payload []byte, deleted bool, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var e *entry
	if i, found := w.pos[ino]; found && !w.pending[i].relocate {
		e = w.pending[i]
	} else if f, found := w.flushing[ino]; found && !f.relocate {
		e = f
	} else {
		return nil, false, false
	}
	if e.kind == block.KindTombstone {
		return nil, true, true
	}
	p := make([]byte, w.geo.BlockBytes)
	copy(p, e.payload)
	return p, false, true
}
