// Package store reads and writes file system blocks, addressed by segment
// and offset, on a block device.
package store

import (
	"fmt"

	"github.com/mit-pdos/go-lfs/common"
	"github.com/mit-pdos/go-lfs/disk"
	"github.com/mit-pdos/go-lfs/layout"
)

// BlockStore is the block I/O capability the engine is built on.
type BlockStore interface {
	// Read returns block off of segment seg.
	Read(seg uint64, off uint64) ([]byte, error)
	// Write stores data at consecutive blocks of seg starting at off.
	Write(seg uint64, off uint64, data ...[]byte) error
	// ReadRegion returns block i of checkpoint region r.
	ReadRegion(r uint64, i uint64) ([]byte, error)
	WriteRegion(r uint64, i uint64, data ...[]byte) error
	// Flush makes all writes durable.
	Flush() error
}

// Store is the BlockStore over a disk.Disk, with a write-through cache of
// segment blocks.
type Store struct {
	d     disk.Disk
	geo   *layout.Geometry
	cache *blockCache
}

// DefaultCacheBlocks bounds the segment block cache.
const DefaultCacheBlocks uint64 = 4096

func MkStore(d disk.Disk, geo *layout.Geometry, cacheBlocks uint64) *Store {
	return &Store{
		d:     d,
		geo:   geo,
		cache: mkBlockCache(cacheBlocks),
	}
}

func (s *Store) Geometry() *layout.Geometry {
	return s.geo
}

func (s *Store) loc(seg, off uint64) uint64 {
	return seg*s.geo.SegmapBits + off
}

func (s *Store) checkSeg(seg, off, n uint64) error {
	if seg >= s.geo.Segments || off+n > s.geo.SegmapBits {
		return fmt.Errorf("block %d:%d+%d outside the log: %w", seg, off, n, common.ErrInvalidArgument)
	}
	return nil
}

func (s *Store) readAt(byteOff uint64) ([]byte, error) {
	b, err := disk.ReadRun(s.d, layout.Bnum(byteOff), s.geo.DeviceBlocks())
	if err != nil {
		return nil, fmt.Errorf("read at %d: %v: %w", byteOff, err, common.ErrDevice)
	}
	return b, nil
}

func (s *Store) writeAt(byteOff uint64, data [][]byte) error {
	buf := make([]byte, 0, uint64(len(data))*s.geo.BlockSize)
	for _, b := range data {
		if uint64(len(b)) != s.geo.BlockSize {
			return fmt.Errorf("block of %d bytes: %w", len(b), common.ErrInvalidArgument)
		}
		buf = append(buf, b...)
	}
	if err := disk.WriteRun(s.d, layout.Bnum(byteOff), buf); err != nil {
		return fmt.Errorf("write at %d: %v: %w", byteOff, err, common.ErrDevice)
	}
	return nil
}

func (s *Store) Read(seg uint64, off uint64) ([]byte, error) {
	if err := s.checkSeg(seg, off, 1); err != nil {
		return nil, err
	}
	if b, ok := s.cache.read(s.loc(seg, off)); ok {
		return b, nil
	}
	b, err := s.readAt(s.geo.SegmentByte(seg, off))
	if err != nil {
		return nil, err
	}
	s.cache.write(s.loc(seg, off), b)
	return b, nil
}

func (s *Store) Write(seg uint64, off uint64, data ...[]byte) error {
	if err := s.checkSeg(seg, off, uint64(len(data))); err != nil {
		return err
	}
	err := s.writeAt(s.geo.SegmentByte(seg, off), data)
	for i, b := range data {
		if err != nil {
			// the device may hold either version
			s.cache.drop(s.loc(seg, off+uint64(i)))
		} else {
			s.cache.write(s.loc(seg, off+uint64(i)), b)
		}
	}
	return err
}

func (s *Store) checkRegion(r, i, n uint64) error {
	if r > 1 || i+n > s.geo.CheckpointBlocks {
		return fmt.Errorf("region %d block %d+%d: %w", r, i, n, common.ErrInvalidArgument)
	}
	return nil
}

// Region blocks are read once per mount and are not cached.
func (s *Store) ReadRegion(r uint64, i uint64) ([]byte, error) {
	if err := s.checkRegion(r, i, 1); err != nil {
		return nil, err
	}
	return s.readAt(s.geo.RegionByte(r, i))
}

func (s *Store) WriteRegion(r uint64, i uint64, data ...[]byte) error {
	if err := s.checkRegion(r, i, uint64(len(data))); err != nil {
		return err
	}
	return s.writeAt(s.geo.RegionByte(r, i), data)
}

func (s *Store) Flush() error {
	if err := s.d.Barrier(); err != nil {
		return fmt.Errorf("barrier: %v: %w", err, common.ErrDevice)
	}
	return nil
}

// Release drops every cached block.
func (s *Store) Release() {
	s.cache.reset()
}

func (s *Store) Cached() int {
	return s.cache.len()
}
