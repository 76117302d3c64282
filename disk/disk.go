package disk

import (
	gdisk "github.com/tchajed/goose/machine/disk"
)

// Block is a BlockSize-byte buffer
type Block = []byte

// BlockSize is the logical block size of every device; LFS block and
// segment sizes must be multiples of it.
const BlockSize uint64 = gdisk.BlockSize

// Disk provides access to a logical block-based disk
type Disk interface {
	// Read reads a disk block by address
	//
	// Expects a < Size().
	Read(a uint64) (Block, error)

	// ReadTo reads the disk block at a and stores the result in b
	//
	// Expects a < Size().
	ReadTo(a uint64, b Block) error

	// Write updates a disk block by address
	//
	// Expects a < Size().
	Write(a uint64, v Block) error

	// Size reports how big the disk is, in blocks
	Size() (uint64, error)

	// Barrier ensures data is persisted.
	//
	// When it returns, all outstanding writes are guaranteed to be durably on
	// disk
	Barrier() error

	// Close releases any resources used by the disk and makes it unusable.
	Close() error
}

// DiskWriteBatch is implemented by disks that can write a run of contiguous
// blocks in one request.
type DiskWriteBatch interface {
	WriteBatch(startPos uint64, blocks []Block) error
}

// WriteRun writes data, a multiple of BlockSize bytes, starting at block a.
func WriteRun(d Disk, a uint64, data []byte) error {
	n := uint64(len(data)) / BlockSize
	blks := make([]Block, 0, n)
	for i := uint64(0); i < n; i++ {
		blks = append(blks, data[i*BlockSize:(i+1)*BlockSize])
	}
	if bd, ok := d.(DiskWriteBatch); ok {
		return bd.WriteBatch(a, blks)
	}
	for i, b := range blks {
		if err := d.Write(a+uint64(i), b); err != nil {
			return err
		}
	}
	return nil
}

// ReadRun reads n contiguous blocks starting at a into one buffer.
func ReadRun(d Disk, a uint64, n uint64) ([]byte, error) {
	buf := make([]byte, n*BlockSize)
	for i := uint64(0); i < n; i++ {
		err := d.ReadTo(a+i, buf[i*BlockSize:(i+1)*BlockSize])
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}
