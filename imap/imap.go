// Package imap maps inode numbers to the log address of their current
// block. The table is paged into imap blocks that are written to the log at
// checkpoints; each page tracks where it was last written and whether it
// changed since.
package imap

import (
	"fmt"
	"sync"

	"github.com/mit-pdos/go-lfs/block"
	"github.com/mit-pdos/go-lfs/common"
	"github.com/mit-pdos/go-lfs/layout"
	"github.com/mit-pdos/go-lfs/lockmap"
	"github.com/mit-pdos/go-lfs/segmap"
	"github.com/mit-pdos/go-lfs/util"
)

type page struct {
	addr  block.Addr // where the page was last written, with its header version
	dirty bool
}

type Imap struct {
	geo   *layout.Geometry
	sm    *segmap.SegMap
	locks *lockmap.LockMap

	mu      *sync.Mutex // protects entries and pages
	entries []block.Addr
	pages   []page
}

func MkImap(geo *layout.Geometry, sm *segmap.SegMap) *Imap {
	im := &Imap{
		geo:     geo,
		sm:      sm,
		locks:   lockmap.MkLockMap(),
		mu:      new(sync.Mutex),
		entries: make([]block.Addr, geo.ImapBlocks*geo.ImapEntries),
		pages:   make([]page, geo.ImapBlocks),
	}
	for i := range im.entries {
		im.entries[i] = block.NullAddr
	}
	for i := range im.pages {
		im.pages[i].addr = block.NullAddr
	}
	return im
}

func (im *Imap) check(ino common.Inum) error {
	if ino == common.NULLINUM || uint64(ino) >= im.geo.Inodes {
		return fmt.Errorf("inode %d: %w", ino, common.ErrInvalidArgument)
	}
	return nil
}

// PageOf is the imap block holding the entry of ino.
func (im *Imap) PageOf(ino common.Inum) uint64 {
	return uint64(ino) / im.geo.ImapEntries
}

// Entry returns the current entry of ino, which is null with the last
// version if the inode was deleted or never written.
func (im *Imap) Entry(ino common.Inum) (block.Addr, error) {
	if err := im.check(ino); err != nil {
		return block.NullAddr, err
	}
	im.mu.Lock()
	defer im.mu.Unlock()
	return im.entries[ino], nil
}

func (im *Imap) Lookup(ino common.Inum) (block.Addr, error) {
	a, err := im.Entry(ino)
	if err != nil {
		return a, err
	}
	if a.IsNull() {
		return a, fmt.Errorf("inode %d: %w", ino, common.ErrNotFound)
	}
	return a, nil
}

// NextVersion is the version the next update of ino will carry.
func (im *Imap) NextVersion(ino common.Inum) (uint8, error) {
	a, err := im.Entry(ino)
	if err != nil {
		return 0, err
	}
	return a.Version() + 1, nil
}

// set installs a for ino and moves the live bit from the old block. The
// caller holds the inode lock.
func (im *Imap) set(ino common.Inum, a block.Addr) error {
	im.mu.Lock()
	defer im.mu.Unlock()
	old := im.entries[ino]
	if err := im.sm.Move(old, a); err != nil {
		return err
	}
	im.entries[ino] = a
	im.pages[im.PageOf(ino)].dirty = true
	return nil
}

// Update points ino at the block written at a and returns the new version,
// one more than the previous.
func (im *Imap) Update(ino common.Inum, a block.Addr) (uint8, error) {
	if err := im.check(ino); err != nil {
		return 0, err
	}
	if a.IsNull() {
		return 0, fmt.Errorf("update inode %d to null: %w", ino, common.ErrInvalidArgument)
	}
	im.locks.Acquire(ino)
	defer im.locks.Release(ino)
	old, _ := im.Entry(ino)
	v := old.Version() + 1
	if err := im.set(ino, a.WithVersion(v)); err != nil {
		return 0, err
	}
	util.DPrintf(10, "imap: %d %v -> %v\n", ino, old, a.WithVersion(v))
	return v, nil
}

// UpdateIf is Update for a relocated block: it applies only while ino still
// points at expected. ok is false if the inode moved on.
func (im *Imap) UpdateIf(ino common.Inum, expected block.Addr, a block.Addr) (uint8, bool, error) {
	if err := im.check(ino); err != nil {
		return 0, false, err
	}
	im.locks.Acquire(ino)
	defer im.locks.Release(ino)
	old, _ := im.Entry(ino)
	if old != expected {
		return 0, false, nil
	}
	v := old.Version() + 1
	if err := im.set(ino, a.WithVersion(v)); err != nil {
		return 0, false, err
	}
	return v, true, nil
}

// Delete nulls the entry of ino, keeping the incremented version.
func (im *Imap) Delete(ino common.Inum) (uint8, error) {
	if err := im.check(ino); err != nil {
		return 0, err
	}
	im.locks.Acquire(ino)
	defer im.locks.Release(ino)
	old, _ := im.Entry(ino)
	if old.IsNull() {
		return 0, fmt.Errorf("delete inode %d: %w", ino, common.ErrNotFound)
	}
	v := old.Version() + 1
	if err := im.set(ino, block.MkNullAddr(v)); err != nil {
		return 0, err
	}
	return v, nil
}

// Restore replays an entry found in the log after the last checkpoint. a
// carries the recorded version and is null for a deletion.
func (im *Imap) Restore(ino common.Inum, a block.Addr) error {
	if err := im.check(ino); err != nil {
		return fmt.Errorf("replay: %w", err)
	}
	im.locks.Acquire(ino)
	defer im.locks.Release(ino)
	return im.set(ino, a)
}

// Inodes counts the inodes with a current entry.
func (im *Imap) Inodes() uint64 {
	im.mu.Lock()
	defer im.mu.Unlock()
	var n uint64
	for _, a := range im.entries {
		if !a.IsNull() {
			n += 1
		}
	}
	return n
}
