package writer

import (
	"github.com/mit-pdos/go-lfs/block"
)

// Slot is a block position handed out for a map block, with the write
// time its headers must carry.
type Slot struct {
	Addr block.Addr
	Time int64
}

// MetaTx appends map blocks inside the flush critical section. It may use
// the reserve.
type MetaTx struct {
	w *Writer
}

// Reserve hands out n log positions, rotating the head as needed. The slots count as written from now on.
func (tx *MetaTx) Reserve(n uint64) ([]Slot, error) {
	w := tx.w
	slots := make([]Slot, 0, n)
	for uint64(len(slots)) < n {
		seg, off, err := w.headRoom()
		if err != nil {
			return nil, err
		}
		t := w.clock()
		if err := w.sm.Append(seg, 1, t); err != nil {
			return nil, err
		}
		w.mu.Lock()
		w.tail = off + 1
		w.mu.Unlock()
		slots = append(slots, Slot{Addr: block.MkAddr(uint32(seg), uint32(off), 0), Time: t})
	}
	return slots, nil
}

// Write stores a map block at s. If the write fails, the reserved slots
// after s in the head are never filled, so the head is abandoned.
func (tx *MetaTx) Write(s Slot, idx block.Index, version uint8, payload []byte) error {
	b, err := block.Encode(tx.w.geo.BlockSize,
		block.Mk(idx, block.Header{WriteTime: s.Time, Version: version}, payload))
	if err != nil {
		return err
	}
	if err := tx.w.st.Write(uint64(s.Addr.Segment()), uint64(s.Addr.Offset()), b); err != nil {
		seg, _ := tx.w.Head()
		tx.w.abandon(seg)
		return err
	}
	return nil
}

// Now returns a write time later than every block written so far.
func (tx *MetaTx) Now() int64 {
	return tx.w.clock()
}

// Head is the current head segment.
func (tx *MetaTx) Head() uint64 {
	seg, _ := tx.w.Head()
	return seg
}

// Checkpoint flushes the buffer and runs fn with flushes held off.
func (w *Writer) Checkpoint(fn func(tx *MetaTx) error) error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()
	if err := w.flush(); err != nil {
		return err
	}
	return fn(&MetaTx{w: w})
}
