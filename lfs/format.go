package lfs

import (
	"fmt"
	"time"

	"github.com/mit-pdos/go-lfs/block"
	"github.com/mit-pdos/go-lfs/checkpoint"
	"github.com/mit-pdos/go-lfs/common"
	"github.com/mit-pdos/go-lfs/disk"
	"github.com/mit-pdos/go-lfs/layout"
	"github.com/mit-pdos/go-lfs/store"
	"github.com/mit-pdos/go-lfs/super"
	"github.com/mit-pdos/go-lfs/util"
)

func nullAddrs(n uint64) []block.Addr {
	addrs := make([]block.Addr, n)
	for i := range addrs {
		addrs[i] = block.NullAddr
	}
	return addrs
}

// Format lays out an empty file system on d. Nothing is written unless the
// parameters and the device size are acceptable. A device error can leave
// the checkpoint regions written without a superblock; such a device still
// mounts as unformatted.
func Format(d disk.Disk, p super.Params) (*super.Superblock, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	sz, err := d.Size()
	if err != nil {
		return nil, fmt.Errorf("device size: %v: %w", err, common.ErrDevice)
	}
	geo, err := layout.Compute(p, sz*disk.BlockSize)
	if err != nil {
		return nil, err
	}
	st := store.MkStore(d, geo, 0)
	rec := &checkpoint.Record{
		Time:   time.Now().UnixNano(),
		Head:   0,
		Imap:   nullAddrs(geo.ImapBlocks),
		Segmap: nullAddrs(geo.SegmapBlocks),
	}
	if err := checkpoint.MkManager(geo, st).Format(rec); err != nil {
		return nil, err
	}
	// the superblock goes last, so a superblock implies initialized regions
	sb := super.New(p, uint16(geo.CheckpointBlocks), uint32(geo.Segments))
	if err := sb.Write(d); err != nil {
		return nil, err
	}
	util.DPrintf(1, "format: %v\n", sb)
	return sb, nil
}
