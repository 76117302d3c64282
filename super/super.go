// Package super is the fixed on-disk superblock record. It is written once
// at format time and never modified; segment and checkpoint-block counts are
// derived from the device by the layout package.
package super

import (
	"encoding/binary"
	"fmt"

	"github.com/mit-pdos/go-lfs/common"
	"github.com/mit-pdos/go-lfs/disk"
)

// Params are the format-time tunables.
type Params struct {
	BlockSize        uint16
	SegmentSize      uint32
	Inodes           uint32
	BufferPeriod     uint8 // seconds
	CheckpointPeriod uint8 // seconds
	Indirection      uint8
	MinCleanSegs     uint8
	TargetCleanSegs  uint8
}

func DefaultParams() Params {
	return Params{
		BlockSize:        common.BLOCK_SIZE,
		SegmentSize:      common.SEGMENT_SIZE,
		Inodes:           common.MAX_INODES,
		BufferPeriod:     common.BUFFER_PERIOD,
		CheckpointPeriod: common.CHECKPOINT_PERIOD,
		Indirection:      common.INDIRECTION,
		MinCleanSegs:     common.MIN_CLEAN_SEGS,
		TargetCleanSegs:  common.TARGET_CLEAN_SEGS,
	}
}

// Validate rejects values the format tool refuses outright.
func (p Params) Validate() error {
	switch {
	case p.BlockSize < 1:
		return fmt.Errorf("block size of %d bytes is too small: %w", p.BlockSize, common.ErrInvalidArgument)
	case p.SegmentSize < 1:
		return fmt.Errorf("segment size of %d bytes is too small: %w", p.SegmentSize, common.ErrInvalidArgument)
	case p.Inodes < 2:
		return fmt.Errorf("%d is not enough inodes: %w", p.Inodes, common.ErrInvalidArgument)
	case p.BufferPeriod < 1:
		return fmt.Errorf("write-back period of %d seconds is too small: %w", p.BufferPeriod, common.ErrInvalidArgument)
	case p.CheckpointPeriod < 1:
		return fmt.Errorf("checkpoint period of %d seconds is too small: %w", p.CheckpointPeriod, common.ErrInvalidArgument)
	case p.MinCleanSegs < 1:
		return fmt.Errorf("a threshold of %d will never trigger cleaning: %w", p.MinCleanSegs, common.ErrInvalidArgument)
	case p.TargetCleanSegs < p.MinCleanSegs:
		return fmt.Errorf("target of %d clean segments is below the minimum %d: %w",
			p.TargetCleanSegs, p.MinCleanSegs, common.ErrInvalidArgument)
	}
	return nil
}

// Superblock mirrors the on-disk record field for field.
type Superblock struct {
	Magic            uint32
	BlockSize        uint16
	CheckpointBlocks uint16
	Inodes           uint32
	SegmentSize      uint32
	Segments         uint32
	BufferPeriod     uint8
	CheckpointPeriod uint8
	Indirection      uint8
	MinCleanSegs     uint8
	TargetCleanSegs  uint8
}

// RecordSize is the encoded size of a Superblock.
const RecordSize = 4 + 2 + 2 + 4 + 4 + 4 + 5

// New fills a superblock from params and the device-derived counts.
func New(p Params, checkpointBlocks uint16, segments uint32) *Superblock {
	return &Superblock{
		Magic:            common.MAGIC,
		BlockSize:        p.BlockSize,
		CheckpointBlocks: checkpointBlocks,
		Inodes:           p.Inodes,
		SegmentSize:      p.SegmentSize,
		Segments:         segments,
		BufferPeriod:     p.BufferPeriod,
		CheckpointPeriod: p.CheckpointPeriod,
		Indirection:      p.Indirection,
		MinCleanSegs:     p.MinCleanSegs,
		TargetCleanSegs:  p.TargetCleanSegs,
	}
}

func (sb *Superblock) Params() Params {
	return Params{
		BlockSize:        sb.BlockSize,
		SegmentSize:      sb.SegmentSize,
		Inodes:           sb.Inodes,
		BufferPeriod:     sb.BufferPeriod,
		CheckpointPeriod: sb.CheckpointPeriod,
		Indirection:      sb.Indirection,
		MinCleanSegs:     sb.MinCleanSegs,
		TargetCleanSegs:  sb.TargetCleanSegs,
	}
}

// Encode returns one device block holding the record.
func (sb *Superblock) Encode() disk.Block {
	b := make(disk.Block, disk.BlockSize)
	le := binary.LittleEndian
	le.PutUint32(b[0:], sb.Magic)
	le.PutUint16(b[4:], sb.BlockSize)
	le.PutUint16(b[6:], sb.CheckpointBlocks)
	le.PutUint32(b[8:], sb.Inodes)
	le.PutUint32(b[12:], sb.SegmentSize)
	le.PutUint32(b[16:], sb.Segments)
	b[20] = sb.BufferPeriod
	b[21] = sb.CheckpointPeriod
	b[22] = sb.Indirection
	b[23] = sb.MinCleanSegs
	b[24] = sb.TargetCleanSegs
	return b
}

func Decode(b []byte) *Superblock {
	le := binary.LittleEndian
	return &Superblock{
		Magic:            le.Uint32(b[0:]),
		BlockSize:        le.Uint16(b[4:]),
		CheckpointBlocks: le.Uint16(b[6:]),
		Inodes:           le.Uint32(b[8:]),
		SegmentSize:      le.Uint32(b[12:]),
		Segments:         le.Uint32(b[16:]),
		BufferPeriod:     b[20],
		CheckpointPeriod: b[21],
		Indirection:      b[22],
		MinCleanSegs:     b[23],
		TargetCleanSegs:  b[24],
	}
}

// Bnum is the device block holding the superblock.
func Bnum() common.Bnum {
	return common.OFFSET / disk.BlockSize
}

// Read loads and checks the superblock of d.
func Read(d disk.Disk) (*Superblock, error) {
	sz, err := d.Size()
	if err != nil {
		return nil, fmt.Errorf("device size: %v: %w", err, common.ErrDevice)
	}
	if sz <= Bnum() {
		return nil, fmt.Errorf("device of %d blocks has no superblock: %w", sz, common.ErrDevice)
	}
	b, err := d.Read(Bnum())
	if err != nil {
		return nil, fmt.Errorf("read superblock: %v: %w", err, common.ErrDevice)
	}
	sb := Decode(b)
	if sb.Magic != common.MAGIC {
		return nil, fmt.Errorf("bad magic %#x: %w", sb.Magic, common.ErrCorruption)
	}
	return sb, nil
}

// Write persists the record. It is not retried on failure.
func (sb *Superblock) Write(d disk.Disk) error {
	if err := d.Write(Bnum(), sb.Encode()); err != nil {
		return fmt.Errorf("write superblock: %v: %w", err, common.ErrDevice)
	}
	if err := d.Barrier(); err != nil {
		return fmt.Errorf("sync superblock: %v: %w", err, common.ErrDevice)
	}
	return nil
}

func (sb *Superblock) String() string {
	return fmt.Sprintf("block %d segment %d x %d checkpoint %d inodes %d "+
		"periods %ds/%ds indirection %d clean %d..%d",
		sb.BlockSize, sb.SegmentSize, sb.Segments, sb.CheckpointBlocks, sb.Inodes,
		sb.BufferPeriod, sb.CheckpointPeriod, sb.Indirection,
		sb.MinCleanSegs, sb.TargetCleanSegs)
}
