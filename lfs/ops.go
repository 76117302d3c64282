package lfs

import (
	"fmt"

	"github.com/mit-pdos/go-lfs/block"
	"github.com/mit-pdos/go-lfs/cleaner"
	"github.com/mit-pdos/go-lfs/common"
	"github.com/mit-pdos/go-lfs/layout"
	"github.com/mit-pdos/go-lfs/segmap"
	"github.com/mit-pdos/go-lfs/super"
	"github.com/mit-pdos/go-lfs/util"
)

// a read races with the cleaner moving the block it looked up
const readAttempts = 3

func (fs *FS) begin() error {
	fs.opMu.RLock()
	if fs.closed {
		fs.opMu.RUnlock()
		return fmt.Errorf("file system is unmounted: %w", common.ErrInvalidArgument)
	}
	return nil
}

func (fs *FS) end() {
	fs.opMu.RUnlock()
}

func (fs *FS) Super() *super.Superblock {
	return fs.sb
}

func (fs *FS) Geometry() *layout.Geometry {
	return fs.geo
}

// MaxBytes is the largest file an inode can describe.
func (fs *FS) MaxBytes() uint64 {
	return fs.geo.MaxBytes
}

// BlockBytes is the payload size of one block.
func (fs *FS) BlockBytes() uint64 {
	return fs.geo.BlockBytes
}

func (fs *FS) Root() common.Inum {
	return common.ROOTINUM
}

// read returns the payload of ino and its version.
func (fs *FS) read(ino common.Inum) ([]byte, uint8, error) {
	if p, deleted, ok := fs.w.ReadBuffered(ino); ok {
		if deleted {
			return nil, 0, fmt.Errorf("inode %d: %w", ino, common.ErrNotFound)
		}
		v, err := fs.im.NextVersion(ino)
		return p, v, err
	}
	var err error
	for try := 0; try < readAttempts; try++ {
		var a block.Addr
		a, err = fs.im.Lookup(ino)
		if err != nil {
			return nil, 0, err
		}
		var buf []byte
		buf, err = fs.st.Read(uint64(a.Segment()), uint64(a.Offset()))
		if err != nil {
			return nil, 0, err
		}
		b, h, ok := block.Committed(buf)
		if ok && b.Index.Kind == block.KindData && b.Index.Num == uint64(ino) && h.Version == a.Version() {
			return util.CloneByteSlice(b.Payload), h.Version, nil
		}
		err = fmt.Errorf("inode %d at %v: %w", ino, a, common.ErrCorruption)
	}
	return nil, 0, err
}

// Read returns the block of ino, zero padded to BlockBytes, and its
// version.
func (fs *FS) Read(ino common.Inum) ([]byte, uint8, error) {
	if err := fs.begin(); err != nil {
		return nil, 0, err
	}
	defer fs.end()
	if _, err := fs.im.Entry(ino); err != nil {
		return nil, 0, err
	}
	return fs.read(ino)
}

// Write replaces the block of ino, creating the inode if needed.
func (fs *FS) Write(ino common.Inum, payload []byte) error {
	if err := fs.begin(); err != nil {
		return err
	}
	defer fs.end()
	return fs.w.Write(ino, payload)
}

func (fs *FS) exists(ino common.Inum) error {
	if _, deleted, ok := fs.w.ReadBuffered(ino); ok {
		if deleted {
			return fmt.Errorf("inode %d: %w", ino, common.ErrNotFound)
		}
		return nil
	}
	_, err := fs.im.Lookup(ino)
	return err
}

// Truncate empties the block of an existing inode.
func (fs *FS) Truncate(ino common.Inum) error {
	if err := fs.begin(); err != nil {
		return err
	}
	defer fs.end()
	if err := fs.exists(ino); err != nil {
		return err
	}
	return fs.w.Write(ino, nil)
}

// Delete removes ino. The root cannot be deleted.
func (fs *FS) Delete(ino common.Inum) error {
	if err := fs.begin(); err != nil {
		return err
	}
	defer fs.end()
	if ino == common.ROOTINUM {
		return fmt.Errorf("delete root: %w", common.ErrInvalidArgument)
	}
	if err := fs.exists(ino); err != nil {
		return err
	}
	return fs.w.Delete(ino)
}

// Sync flushes buffered updates and waits for the device.
func (fs *FS) Sync() error {
	if err := fs.begin(); err != nil {
		return err
	}
	defer fs.end()
	if err := fs.w.Flush(); err != nil {
		return err
	}
	return fs.st.Flush()
}

// Checkpoint makes the current state the one the next mount starts from.
func (fs *FS) Checkpoint() error {
	if err := fs.begin(); err != nil {
		return err
	}
	defer fs.end()
	return fs.checkpoint()
}

// Clean runs a cleaning pass now.
func (fs *FS) Clean() error {
	if err := fs.begin(); err != nil {
		return err
	}
	defer fs.end()
	return fs.cl.CleanSync()
}

type Stats struct {
	Segmap     segmap.Stats
	Cleaner    cleaner.Stats
	Inodes     uint64
	Pending    uint64
	Head       uint64
	Tail       uint64
	Region     uint64
	Checkpoint int64
}

func (fs *FS) Stats() Stats {
	head, tail := fs.w.Head()
	return Stats{
		Segmap:     fs.sm.Stats(),
		Cleaner:    fs.cl.Stats(),
		Inodes:     fs.im.Inodes(),
		Pending:    fs.w.Pending(),
		Head:       head,
		Tail:       tail,
		Region:     fs.cm.Region(),
		Checkpoint: fs.cm.Time(),
	}
}

// Unmount stops the timers and the cleaner, writes a final checkpoint and
// drops the caches. The disk is left open. If the final flush or
// checkpoint fails the file system stays mounted, without its background
// work, and Unmount may be retried.
func (fs *FS) Unmount() error {
	fs.opMu.Lock()
	defer fs.opMu.Unlock()
	if fs.closed {
		return nil
	}
	if fs.cron != nil {
		<-fs.cron.Stop().Done()
	}
	fs.cl.Stop()
	if err := fs.w.Flush(); err != nil {
		return fmt.Errorf("unmount: %w", err)
	}
	if err := fs.checkpoint(); err != nil {
		return fmt.Errorf("unmount: %w", err)
	}
	fs.closed = true
	fs.st.Release()
	util.DPrintf(1, "unmount: clean\n")
	return nil
}
