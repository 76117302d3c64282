// Package layout derives the on-disk geometry of a file system from its
// format parameters and the capacity of the device.
//
// The device is laid out as
//
//	[reserved | superblock | region A | region B | segment 0 | segment 1 | ...]
//
// where the reserved area ends at common.OFFSET and each checkpoint region
// is CheckpointBlocks blocks.
package layout

import (
	"fmt"
	"math"

	"github.com/mit-pdos/go-lfs/block"
	"github.com/mit-pdos/go-lfs/common"
	"github.com/mit-pdos/go-lfs/disk"
	"github.com/mit-pdos/go-lfs/super"
	"github.com/mit-pdos/go-lfs/util"
)

type Geometry struct {
	BlockSize   uint64
	SegmentSize uint64
	Inodes      uint64
	Indirection uint64

	BlockBytes       uint64 // payload bytes per block
	ImapEntries      uint64 // addresses per imap (and checkpoint) block
	ImapBlocks       uint64
	SegmapBits       uint64 // blocks per segment
	SegmapBytes      uint64 // bytes per segment bitmap
	SegmapEntries    uint64 // bitmaps per segmap block
	SegmapBlocks     uint64
	CheckpointBlocks uint64
	Segments         uint64
	ReserveSegments  uint64
	MaxBytes         uint64
}

func ImapEntries(blockSize uint64) uint64 {
	return (blockSize - block.HeaderOverhead) / block.AddrSize
}

func ImapBlocks(blockSize, inodes uint64) uint64 {
	return util.RoundUp(inodes, ImapEntries(blockSize))
}

func SegmapBits(blockSize, segmentSize uint64) uint64 {
	return segmentSize / blockSize
}

func SegmapEntries(blockSize, segmentSize uint64) uint64 {
	return block.PayloadSize(blockSize) / util.RoundUp(SegmapBits(blockSize, segmentSize), 8)
}

func SegmapBlocks(blockSize, segmentSize, segments uint64) uint64 {
	return util.RoundUp(segments, SegmapEntries(blockSize, segmentSize))
}

// CheckpointBlocks is the size of one region. Imap and segmap addresses are
// kept in separate blocks.
func CheckpointBlocks(blockSize, imapBlocks, segmapBlocks uint64) uint64 {
	n := ImapEntries(blockSize)
	return util.RoundUp(imapBlocks, n) + util.RoundUp(segmapBlocks, n)
}

// FixedBlocks is the superblock block plus both checkpoint regions.
func FixedBlocks(checkpointBlocks uint64) uint64 {
	return 1 + 2*checkpointBlocks
}

// SegmentCount is how many whole segments fit after the fixed area.
func SegmentCount(deviceBytes, blockSize, segmentSize, checkpointBlocks uint64) uint64 {
	if util.MulOverflows(FixedBlocks(checkpointBlocks), blockSize) {
		return 0
	}
	fixed := common.OFFSET + FixedBlocks(checkpointBlocks)*blockSize
	if deviceBytes < fixed {
		return 0
	}
	return (deviceBytes - fixed) / segmentSize
}

// MaxBytes is the largest file an inode with NBLOCKPTR pointers, the last
// indirection of which are single, double, ... indirect, can address.
func MaxBytes(blockSize, indirection uint64) (uint64, error) {
	if indirection > common.NBLOCKPTR {
		return 0, fmt.Errorf("indirection %d exceeds %d block pointers: %w",
			indirection, common.NBLOCKPTR, common.ErrConfig)
	}
	entries := ImapEntries(blockSize)
	blocks := common.NBLOCKPTR - indirection
	pow := uint64(1)
	for i := uint64(1); i <= indirection; i++ {
		if util.MulOverflows(pow, entries) {
			return 0, fmt.Errorf("%d levels of indirection: %w", indirection, common.ErrConfig)
		}
		pow *= entries
		if util.SumOverflows(blocks, pow) {
			return 0, fmt.Errorf("%d levels of indirection: %w", indirection, common.ErrConfig)
		}
		blocks += pow
	}
	if util.MulOverflows(blocks, blockSize) {
		return 0, fmt.Errorf("max file size of %d blocks: %w", blocks, common.ErrConfig)
	}
	return blocks * blockSize, nil
}

func checkSizes(blockSize, segmentSize uint64) error {
	if blockSize == 0 || blockSize%disk.BlockSize != 0 {
		return fmt.Errorf("block size %d is not a multiple of %d: %w",
			blockSize, disk.BlockSize, common.ErrConfig)
	}
	if segmentSize < blockSize || segmentSize%blockSize != 0 {
		return fmt.Errorf("segment size %d is not a multiple of block size %d: %w",
			segmentSize, blockSize, common.ErrConfig)
	}
	if SegmapBits(blockSize, segmentSize)-1 > uint64(block.MaxOffset) {
		return fmt.Errorf("segment of %d blocks is not addressable: %w",
			SegmapBits(blockSize, segmentSize), common.ErrConfig)
	}
	if SegmapEntries(blockSize, segmentSize) == 0 {
		return fmt.Errorf("bitmap of a %d byte segment does not fit a block: %w",
			segmentSize, common.ErrConfig)
	}
	return nil
}

func derive(p super.Params) (*Geometry, error) {
	bs := uint64(p.BlockSize)
	ss := uint64(p.SegmentSize)
	if err := checkSizes(bs, ss); err != nil {
		return nil, err
	}
	if p.Inodes == 0 {
		return nil, fmt.Errorf("zero inodes: %w", common.ErrInvalidArgument)
	}
	maxb, err := MaxBytes(bs, uint64(p.Indirection))
	if err != nil {
		return nil, err
	}
	g := &Geometry{
		BlockSize:     bs,
		SegmentSize:   ss,
		Inodes:        uint64(p.Inodes),
		Indirection:   uint64(p.Indirection),
		BlockBytes:    block.PayloadSize(bs),
		ImapEntries:   ImapEntries(bs),
		ImapBlocks:    ImapBlocks(bs, uint64(p.Inodes)),
		SegmapBits:    SegmapBits(bs, ss),
		SegmapBytes:   util.RoundUp(SegmapBits(bs, ss), 8),
		SegmapEntries: SegmapEntries(bs, ss),
		MaxBytes:      maxb,
	}
	return g, nil
}

func (g *Geometry) finish() error {
	g.SegmapBlocks = SegmapBlocks(g.BlockSize, g.SegmentSize, g.Segments)
	g.ReserveSegments = util.RoundUp(g.ImapBlocks+g.SegmapBlocks, g.SegmapBits) + 1
	if g.Segments < 1 {
		return fmt.Errorf("no room for a segment: %w", common.ErrConfig)
	}
	if g.CheckpointBlocks < 2 {
		return fmt.Errorf("%d checkpoint blocks: %w", g.CheckpointBlocks, common.ErrConfig)
	}
	if g.CheckpointBlocks > math.MaxUint16 {
		return fmt.Errorf("%d checkpoint blocks overflow the superblock: %w",
			g.CheckpointBlocks, common.ErrConfig)
	}
	if g.Segments >= uint64(block.NullSegment) {
		return fmt.Errorf("%d segments overflow an address: %w", g.Segments, common.ErrConfig)
	}
	return nil
}

// Compute lays out a new file system on a device of deviceBytes bytes.
//
// The segment count and the checkpoint size depend on each other through
// the segmap. Starting from the smallest region, the region grows until it
// holds the segmap of every segment left after it; growing it only removes
// segments, so the search terminates.
func Compute(p super.Params, deviceBytes uint64) (*Geometry, error) {
	if deviceBytes < common.OFFSET+uint64(p.BlockSize) {
		return nil, fmt.Errorf("device of %d bytes cannot hold a superblock: %w",
			deviceBytes, common.ErrDevice)
	}
	g, err := derive(p)
	if err != nil {
		return nil, err
	}
	cp := CheckpointBlocks(g.BlockSize, g.ImapBlocks, 1)
	for {
		segs := SegmentCount(deviceBytes, g.BlockSize, g.SegmentSize, cp)
		need := CheckpointBlocks(g.BlockSize, g.ImapBlocks,
			SegmapBlocks(g.BlockSize, g.SegmentSize, segs))
		if segs == 0 || need <= cp {
			g.Segments = segs
			g.CheckpointBlocks = cp
			break
		}
		cp = need
	}
	if err := g.finish(); err != nil {
		return nil, err
	}
	util.DPrintf(2, "layout: %d segments, %d imap blocks, %d segmap blocks, %d checkpoint blocks\n",
		g.Segments, g.ImapBlocks, g.SegmapBlocks, g.CheckpointBlocks)
	return g, nil
}

// FromSuper rebuilds the geometry recorded in a superblock and checks it
// against the device.
func FromSuper(sb *super.Superblock, deviceBytes uint64) (*Geometry, error) {
	g, err := derive(sb.Params())
	if err != nil {
		return nil, fmt.Errorf("superblock: %w", err)
	}
	g.Segments = uint64(sb.Segments)
	g.CheckpointBlocks = uint64(sb.CheckpointBlocks)
	if err := g.finish(); err != nil {
		return nil, fmt.Errorf("superblock: %w", err)
	}
	if CheckpointBlocks(g.BlockSize, g.ImapBlocks, g.SegmapBlocks) > g.CheckpointBlocks {
		return nil, fmt.Errorf("checkpoint region of %d blocks is too small: %w",
			g.CheckpointBlocks, common.ErrCorruption)
	}
	if g.End() > deviceBytes {
		return nil, fmt.Errorf("file system of %d bytes exceeds device of %d: %w",
			g.End(), deviceBytes, common.ErrDevice)
	}
	return g, nil
}

// ImapAddrBlocks is the number of region blocks holding imap addresses.
func (g *Geometry) ImapAddrBlocks() uint64 {
	return util.RoundUp(g.ImapBlocks, g.ImapEntries)
}

// SuperblockByte is the byte offset of the superblock.
func (g *Geometry) SuperblockByte() uint64 {
	return common.OFFSET
}

// RegionByte is the byte offset of block i of checkpoint region r (0 or 1).
func (g *Geometry) RegionByte(r uint64, i uint64) uint64 {
	return common.OFFSET + g.BlockSize*(1+r*g.CheckpointBlocks+i)
}

// SegmentByte is the byte offset of block off of segment seg.
func (g *Geometry) SegmentByte(seg uint64, off uint64) uint64 {
	return common.OFFSET + g.BlockSize*FixedBlocks(g.CheckpointBlocks) +
		seg*g.SegmentSize + off*g.BlockSize
}

// End is the first byte past the last segment.
func (g *Geometry) End() uint64 {
	return g.SegmentByte(g.Segments, 0)
}

// DeviceBlocks is the number of device blocks per file system block.
func (g *Geometry) DeviceBlocks() uint64 {
	return g.BlockSize / disk.BlockSize
}

// Bnum converts a byte offset to a device block number.
func Bnum(byteOff uint64) common.Bnum {
	return byteOff / disk.BlockSize
}

// Capacity is the number of block slots in all segments.
func (g *Geometry) Capacity() uint64 {
	return g.Segments * g.SegmapBits
}
