package store

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mit-pdos/go-lfs/common"
	"github.com/mit-pdos/go-lfs/disk"
	"github.com/mit-pdos/go-lfs/layout"
	"github.com/mit-pdos/go-lfs/super"
)

const devBlocks uint64 = 2048

func mkGeo(t *testing.T, bs uint16) *layout.Geometry {
	p := super.DefaultParams()
	p.BlockSize = bs
	p.SegmentSize = 1 << 16
	p.Inodes = 1024
	g, err := layout.Compute(p, devBlocks*disk.BlockSize)
	require.NoError(t, err)
	return g
}

func fill(n uint64, b byte) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = b
	}
	return buf
}

func TestReadWrite(t *testing.T) {
	d := disk.NewMemDisk(devBlocks)
	g := mkGeo(t, 4096)
	s := MkStore(d, g, 16)

	require.NoError(t, s.Write(2, 3, fill(4096, 1), fill(4096, 2)))
	b, err := s.Read(2, 4)
	require.NoError(t, err)
	assert.Equal(t, fill(4096, 2), b)

	// bypass the cache
	raw, err := d.Read(layout.Bnum(g.SegmentByte(2, 3)))
	require.NoError(t, err)
	assert.Equal(t, fill(4096, 1), raw)

	s.Release()
	assert.Equal(t, 0, s.Cached())
	b, err = s.Read(2, 3)
	require.NoError(t, err)
	assert.Equal(t, fill(4096, 1), b)
	assert.Equal(t, 1, s.Cached())
}

func TestCacheCopies(t *testing.T) {
	s := MkStore(disk.NewMemDisk(devBlocks), mkGeo(t, 4096), 16)
	data := fill(4096, 5)
	require.NoError(t, s.Write(0, 0, data))
	data[0] = 9
	b, err := s.Read(0, 0)
	require.NoError(t, err)
	assert.Equal(t, byte(5), b[0])
	b[1] = 9
	b, err = s.Read(0, 0)
	require.NoError(t, err)
	assert.Equal(t, byte(5), b[1])
}

func TestLargeBlocks(t *testing.T) {
	d := disk.NewMemDisk(devBlocks)
	g := mkGeo(t, 8192)
	s := MkStore(d, g, 0)
	require.NoError(t, s.Write(1, 1, fill(8192, 7)))
	b, err := s.Read(1, 1)
	require.NoError(t, err)
	assert.Equal(t, fill(8192, 7), b)
	assert.Equal(t, 0, s.Cached())
}

func TestRegions(t *testing.T) {
	d := disk.NewMemDisk(devBlocks)
	g := mkGeo(t, 4096)
	s := MkStore(d, g, 16)
	require.NoError(t, s.WriteRegion(1, 0, fill(4096, 3), fill(4096, 4)))
	require.NoError(t, s.Flush())
	b, err := s.ReadRegion(1, 1)
	require.NoError(t, err)
	assert.Equal(t, fill(4096, 4), b)
	b, err = s.ReadRegion(0, 0)
	require.NoError(t, err)
	assert.Equal(t, fill(4096, 0), b)

	_, err = s.ReadRegion(2, 0)
	assert.True(t, errors.Is(err, common.ErrInvalidArgument))
	err = s.WriteRegion(0, g.CheckpointBlocks-1, fill(4096, 1), fill(4096, 1))
	assert.True(t, errors.Is(err, common.ErrInvalidArgument))
}

func TestBounds(t *testing.T) {
	g := mkGeo(t, 4096)
	s := MkStore(disk.NewMemDisk(devBlocks), g, 16)
	_, err := s.Read(g.Segments, 0)
	assert.True(t, errors.Is(err, common.ErrInvalidArgument))
	err = s.Write(0, g.SegmapBits, fill(4096, 1))
	assert.True(t, errors.Is(err, common.ErrInvalidArgument))
	err = s.Write(0, 0, fill(100, 1))
	assert.True(t, errors.Is(err, common.ErrInvalidArgument))
}

func TestDeviceError(t *testing.T) {
	d := disk.NewMemDisk(devBlocks)
	s := MkStore(d, mkGeo(t, 4096), 16)
	require.NoError(t, d.Close())
	_, err := s.Read(0, 0)
	assert.True(t, errors.Is(err, common.ErrDevice))
	err = s.Write(0, 0, fill(4096, 1))
	assert.True(t, errors.Is(err, common.ErrDevice))
}
