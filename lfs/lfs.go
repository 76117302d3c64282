// Package lfs is the log-structured storage engine: every update of an
// inode's block is appended to a log of segments, an inode map tracks the
// current block of each inode, and a cleaner reclaims segments holding
// mostly dead blocks.
package lfs

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/mit-pdos/go-lfs/block"
	"github.com/mit-pdos/go-lfs/checkpoint"
	"github.com/mit-pdos/go-lfs/cleaner"
	"github.com/mit-pdos/go-lfs/common"
	"github.com/mit-pdos/go-lfs/disk"
	"github.com/mit-pdos/go-lfs/imap"
	"github.com/mit-pdos/go-lfs/layout"
	"github.com/mit-pdos/go-lfs/segmap"
	"github.com/mit-pdos/go-lfs/store"
	"github.com/mit-pdos/go-lfs/super"
	"github.com/mit-pdos/go-lfs/util"
	"github.com/mit-pdos/go-lfs/writer"
)

type Options struct {
	// NoBackground disables the flush and checkpoint timers and the
	// background cleaner.
	NoBackground bool
	// CacheBlocks bounds the block cache; 0 selects the default.
	CacheBlocks uint64
}

type FS struct {
	d   disk.Disk
	sb  *super.Superblock
	geo *layout.Geometry
	st  *store.Store
	sm  *segmap.SegMap
	im  *imap.Imap
	cm  *checkpoint.Manager
	w   *writer.Writer
	cl  *cleaner.Cleaner

	cron *cron.Cron

	opMu   *sync.RWMutex // held shared by operations, exclusively by Unmount
	closed bool
}

// loadMapBlock reads a map block recorded in the checkpoint.
func (fs *FS) loadMapBlock(kind block.Kind, i uint64, a block.Addr) ([]byte, error) {
	buf, err := fs.st.Read(uint64(a.Segment()), uint64(a.Offset()))
	if err != nil {
		return nil, err
	}
	b, h, ok := block.Committed(buf)
	if !ok || b.Index.Kind != kind || b.Index.Num != i || h.Version != a.Version() {
		return nil, fmt.Errorf("%v block %d at %v: %w", kind, i, a, common.ErrCorruption)
	}
	return b.Payload, nil
}

func (fs *FS) loadMaps(ctx context.Context, rec *checkpoint.Record) error {
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, a := range rec.Imap {
		i, a := uint64(i), a
		if a.IsNull() {
			continue
		}
		g.Go(func() error {
			p, err := fs.loadMapBlock(block.KindImap, i, a)
			if err != nil {
				return err
			}
			if err := fs.im.Load(i, p); err != nil {
				return err
			}
			fs.im.SetBlockAddr(i, a)
			return nil
		})
	}
	for i, a := range rec.Segmap {
		i, a := uint64(i), a
		if a.IsNull() {
			continue
		}
		g.Go(func() error {
			p, err := fs.loadMapBlock(block.KindSegmap, i, a)
			if err != nil {
				return err
			}
			if err := fs.sm.Load(i, p); err != nil {
				return err
			}
			fs.sm.SetBlockAddr(i, a)
			return nil
		})
	}
	return g.Wait()
}

// Mount loads the file system on d: superblock, newest checkpoint, then
// whatever was logged after it.
func Mount(d disk.Disk, opts Options) (*FS, error) {
	sb, err := super.Read(d)
	if err != nil {
		return nil, err
	}
	sz, err := d.Size()
	if err != nil {
		return nil, fmt.Errorf("device size: %v: %w", err, common.ErrDevice)
	}
	geo, err := layout.FromSuper(sb, sz*disk.BlockSize)
	if err != nil {
		return nil, err
	}
	cache := opts.CacheBlocks
	if cache == 0 {
		cache = store.DefaultCacheBlocks
	}
	fs := &FS{
		d:    d,
		sb:   sb,
		geo:  geo,
		st:   store.MkStore(d, geo, cache),
		opMu: new(sync.RWMutex),
	}
	fs.sm = segmap.MkSegMap(geo)
	fs.im = imap.MkImap(geo, fs.sm)
	fs.cm = checkpoint.MkManager(geo, fs.st)
	fs.w = writer.MkWriter(geo, fs.st, fs.im, fs.sm)
	fs.cl = cleaner.MkCleaner(geo, fs.st, fs.im, fs.sm, fs.w,
		uint64(sb.MinCleanSegs), uint64(sb.TargetCleanSegs), fs.checkpoint)

	ctx := context.Background()
	rec, err := fs.cm.Load(ctx)
	if err != nil {
		return nil, err
	}
	if err := fs.loadMaps(ctx, rec); err != nil {
		return nil, err
	}
	if err := fs.recover(rec); err != nil {
		return nil, err
	}

	fs.w.SetCleanHook(fs.cl.CleanSync)
	fs.w.SetAllocHook(fs.cl.Wake)

	if _, err := fs.im.Lookup(common.ROOTINUM); err != nil {
		util.DPrintf(1, "mount: creating root inode\n")
		if err := fs.w.Write(common.ROOTINUM, nil); err != nil {
			return nil, err
		}
		if err := fs.checkpoint(); err != nil {
			return nil, err
		}
	}
	if !opts.NoBackground {
		if err := fs.startBackground(); err != nil {
			return nil, err
		}
	}
	util.DPrintf(1, "mount: %v, %d inodes, %d clean segments\n",
		sb, fs.im.Inodes(), fs.sm.CleanCount())
	return fs, nil
}

func (fs *FS) startBackground() error {
	c := cron.New()
	sched := fmt.Sprintf("@every %ds", fs.sb.BufferPeriod)
	if _, err := c.AddFunc(sched, fs.flushTick); err != nil {
		return fmt.Errorf("flush timer: %v: %w", err, common.ErrConfig)
	}
	sched = fmt.Sprintf("@every %ds", fs.sb.CheckpointPeriod)
	if _, err := c.AddFunc(sched, fs.checkpointTick); err != nil {
		return fmt.Errorf("checkpoint timer: %v: %w", err, common.ErrConfig)
	}
	fs.cl.Start()
	c.Start()
	fs.cron = c
	fs.cl.Wake()
	return nil
}

func (fs *FS) flushTick() {
	if err := fs.w.Flush(); err != nil {
		util.DPrintf(0, "flush: %v\n", err)
	}
}

func (fs *FS) checkpointTick() {
	if err := fs.checkpoint(); err != nil {
		util.DPrintf(0, "checkpoint: %v\n", err)
	}
	fs.cl.Wake()
}

// checkpoint writes the dirty imap blocks and the whole segmap to the log,
// then records their locations in the next checkpoint region. Segments
// that lost their last live block become clean once that is durable.
func (fs *FS) checkpoint() error {
	return fs.w.Checkpoint(func(tx *writer.MetaTx) error {
		dirty := fs.im.Dirty()
		nseg := fs.sm.Blocks()
		slots, err := tx.Reserve(uint64(len(dirty)) + nseg)
		if err != nil {
			return err
		}
		fail := func(err error) error {
			for _, i := range dirty {
				fs.im.MarkDirty(i)
			}
			return fmt.Errorf("checkpoint: %w", err)
		}
		// move every live bit before the segmap is encoded
		for j, i := range dirty {
			old := fs.im.BlockAddr(i)
			a := slots[j].Addr.WithVersion(old.Version() + 1)
			if err := fs.sm.Move(old, a); err != nil {
				return fail(err)
			}
			fs.im.SetBlockAddr(i, a)
		}
		segSlots := slots[len(dirty):]
		for i := uint64(0); i < nseg; i++ {
			old := fs.sm.BlockAddr(i)
			a := segSlots[i].Addr.WithVersion(old.Version() + 1)
			if err := fs.sm.Move(old, a); err != nil {
				return fail(err)
			}
			fs.sm.SetBlockAddr(i, a)
		}
		for j, i := range dirty {
			a := fs.im.BlockAddr(i)
			err := tx.Write(slots[j], block.Index{Kind: block.KindImap, Num: i}, a.Version(), fs.im.Encode(i))
			if err != nil {
				return fail(err)
			}
		}
		for i := uint64(0); i < nseg; i++ {
			a := fs.sm.BlockAddr(i)
			err := tx.Write(segSlots[i], block.Index{Kind: block.KindSegmap, Num: i}, a.Version(), fs.sm.Encode(i))
			if err != nil {
				return fail(err)
			}
		}
		rec := &checkpoint.Record{
			Time:   tx.Now(),
			Head:   tx.Head(),
			Imap:   fs.im.BlockAddrs(),
			Segmap: fs.sm.BlockAddrs(),
		}
		if err := fs.cm.Write(rec); err != nil {
			return fail(err)
		}
		fs.sm.Reclaim()
		util.DPrintf(3, "checkpoint: %d imap blocks, head %d\n", len(dirty), rec.Head)
		return nil
	})
}
