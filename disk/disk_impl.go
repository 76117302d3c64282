package disk

import (
	"fmt"
	"sync"

	gdisk "github.com/tchajed/goose/machine/disk"
	"golang.org/x/sys/unix"
)

var _ Disk = (*fileDisk)(nil)

type fileDisk struct {
	fd        int
	numBlocks uint64
}

// NewFileDisk opens a file or block device. With numBlocks == 0 the size of
// the existing device is used and nothing is modified; otherwise a regular
// file is created or resized to numBlocks blocks.
func NewFileDisk(path string, numBlocks uint64) (*fileDisk, error) {
	flags := unix.O_RDWR
	if numBlocks > 0 {
		flags |= unix.O_CREAT
	}
	fd, err := unix.Open(path, flags, 0666)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	var stat unix.Stat_t
	err = unix.Fstat(fd, &stat)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("fstat %s: %w", path, err)
	}
	isReg := stat.Mode&unix.S_IFMT == unix.S_IFREG
	if numBlocks > 0 {
		if !isReg {
			unix.Close(fd)
			return nil, fmt.Errorf("%s: only regular files can be sized", path)
		}
		if uint64(stat.Size) != numBlocks*BlockSize {
			err = unix.Ftruncate(fd, int64(numBlocks*BlockSize))
			if err != nil {
				unix.Close(fd)
				return nil, fmt.Errorf("truncate %s: %w", path, err)
			}
		}
		return &fileDisk{fd, numBlocks}, nil
	}
	bytes, err := deviceBytes(fd, &stat)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("size of %s: %w", path, err)
	}
	return &fileDisk{fd, bytes / BlockSize}, nil
}

func (d *fileDisk) ReadTo(a uint64, buf Block) error {
	if uint64(len(buf)) != BlockSize {
		return fmt.Errorf("buffer is not block-sized (%d bytes)", len(buf))
	}
	if a >= d.numBlocks {
		return fmt.Errorf("out-of-bounds read at %v", a)
	}
	n, err := unix.Pread(d.fd, buf, int64(a*BlockSize))
	if err != nil {
		return fmt.Errorf("read at %v: %w", a, err)
	}
	if uint64(n) != BlockSize {
		return fmt.Errorf("short read at %v: %d bytes", a, n)
	}
	return nil
}

func (d *fileDisk) Read(a uint64) (Block, error) {
	buf := make([]byte, BlockSize)
	err := d.ReadTo(a, buf)
	return buf, err
}

func (d *fileDisk) Write(a uint64, v Block) error {
	if uint64(len(v)) != BlockSize {
		return fmt.Errorf("v is not block sized (%d bytes)", len(v))
	}
	return d.pwrite(a, v)
}

func (d *fileDisk) pwrite(a uint64, v []byte) error {
	end := a + uint64(len(v))/BlockSize
	if end > d.numBlocks {
		return fmt.Errorf("out-of-bounds write at %v", a)
	}
	n, err := unix.Pwrite(d.fd, v, int64(a*BlockSize))
	if err != nil {
		return fmt.Errorf("write at %v: %w", a, err)
	}
	if n != len(v) {
		return fmt.Errorf("short write at %v: %d bytes", a, n)
	}
	return nil
}

// WriteBatch issues one pwrite for contiguous blocks.
func (d *fileDisk) WriteBatch(startPos uint64, blocks []Block) error {
	buf := make([]byte, 0, uint64(len(blocks))*BlockSize)
	for _, b := range blocks {
		if uint64(len(b)) != BlockSize {
			return fmt.Errorf("batch block is not block sized (%d bytes)", len(b))
		}
		buf = append(buf, b...)
	}
	return d.pwrite(startPos, buf)
}

func (d *fileDisk) Size() (uint64, error) {
	return d.numBlocks, nil
}

func (d *fileDisk) Barrier() error {
	// NOTE: on macOS, this flushes to the drive but doesn't actually issue a
	// disk barrier; see https://golang.org/src/internal/poll/fd_fsync_darwin.go
	// for more details. The correct replacement is to issue a fcntl syscall with
	// cmd F_FULLFSYNC.
	err := unix.Fsync(d.fd)
	if err != nil {
		return fmt.Errorf("file sync failed: %w", err)
	}
	return nil
}

func (d *fileDisk) Close() error {
	return unix.Close(d.fd)
}

/////////////////////////
/////////////////////////

var _ Disk = (*memDisk)(nil)

// memDisk adapts the goose in-memory disk, which panics on bad addresses,
// to the error-returning Disk interface.
type memDisk struct {
	l      *sync.RWMutex
	d      gdisk.Disk
	closed bool
}

func NewMemDisk(numBlocks uint64) Disk {
	return &memDisk{l: new(sync.RWMutex), d: gdisk.NewMemDisk(numBlocks)}
}

func (d *memDisk) check(a uint64) error {
	if d.closed {
		return fmt.Errorf("disk closed")
	}
	if a >= d.d.Size() {
		return fmt.Errorf("out-of-bounds access at %v", a)
	}
	return nil
}

func (d *memDisk) ReadTo(a uint64, buf Block) error {
	d.l.RLock()
	defer d.l.RUnlock()
	if err := d.check(a); err != nil {
		return err
	}
	if uint64(len(buf)) != BlockSize {
		return fmt.Errorf("buffer is not block-sized (%d bytes)", len(buf))
	}
	d.d.ReadTo(a, buf)
	return nil
}

func (d *memDisk) Read(a uint64) (Block, error) {
	buf := make(Block, BlockSize)
	err := d.ReadTo(a, buf)
	return buf, err
}

func (d *memDisk) Write(a uint64, v Block) error {
	if uint64(len(v)) != BlockSize {
		return fmt.Errorf("v is not block-sized (%d bytes)", len(v))
	}
	d.l.Lock()
	defer d.l.Unlock()
	if err := d.check(a); err != nil {
		return err
	}
	d.d.Write(a, v)
	return nil
}

func (d *memDisk) Size() (uint64, error) {
	// this never changes so we assume it's safe to run lock-free
	return d.d.Size(), nil
}

func (d *memDisk) Barrier() error { return nil }

func (d *memDisk) Close() error {
	d.l.Lock()
	d.closed = true
	d.l.Unlock()
	return nil
}
