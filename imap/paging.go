package imap

import (
	"fmt"

	"github.com/mit-pdos/go-lfs/block"
	"github.com/mit-pdos/go-lfs/common"
)

func (im *Imap) Blocks() uint64 {
	return uint64(len(im.pages))
}

// Encode returns the payload of imap block i.
func (im *Imap) Encode(i uint64) []byte {
	im.mu.Lock()
	defer im.mu.Unlock()
	n := im.geo.ImapEntries
	return block.EncodeAddrs(im.entries[i*n:(i+1)*n], im.geo.BlockBytes)
}

// Load installs imap block i read at mount.
func (im *Imap) Load(i uint64, payload []byte) error {
	if i >= im.Blocks() {
		return fmt.Errorf("imap block %d: %w", i, common.ErrCorruption)
	}
	n := im.geo.ImapEntries
	addrs := block.DecodeAddrs(payload, n)
	im.mu.Lock()
	defer im.mu.Unlock()
	copy(im.entries[i*n:(i+1)*n], addrs)
	im.pages[i].dirty = false
	return nil
}

// Dirty lists the imap blocks changed since they were last written.
func (im *Imap) Dirty() []uint64 {
	im.mu.Lock()
	defer im.mu.Unlock()
	var ds []uint64
	for i, p := range im.pages {
		if p.dirty {
			ds = append(ds, uint64(i))
		}
	}
	return ds
}

// MarkDirty forces block i to be rewritten at the next checkpoint.
func (im *Imap) MarkDirty(i uint64) {
	im.mu.Lock()
	im.pages[i].dirty = true
	im.mu.Unlock()
}

func (im *Imap) BlockAddr(i uint64) block.Addr {
	im.mu.Lock()
	defer im.mu.Unlock()
	return im.pages[i].addr
}

// SetBlockAddr records where block i was written and marks it clean.
func (im *Imap) SetBlockAddr(i uint64, a block.Addr) {
	im.mu.Lock()
	im.pages[i].addr = a
	im.pages[i].dirty = false
	im.mu.Unlock()
}

func (im *Imap) BlockAddrs() []block.Addr {
	im.mu.Lock()
	defer im.mu.Unlock()
	addrs := make([]block.Addr, len(im.pages))
	for i, p := range im.pages {
		addrs[i] = p.addr
	}
	return addrs
}
