package writer

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/mit-pdos/go-lfs/block"
	"github.com/mit-pdos/go-lfs/common"
	"github.com/mit-pdos/go-lfs/disk"
	"github.com/mit-pdos/go-lfs/imap"
	"github.com/mit-pdos/go-lfs/layout"
	"github.com/mit-pdos/go-lfs/segmap"
	"github.com/mit-pdos/go-lfs/store"
	"github.com/mit-pdos/go-lfs/super"
)

// five segments of 16 blocks
const devBytes = common.OFFSET + 5*4096 + 5*(1<<16)

type WriterSuite struct {
	suite.Suite
	geo *layout.Geometry
	st  *store.Store
	sm  *segmap.SegMap
	im  *imap.Imap
	w   *Writer
}

func (suite *WriterSuite) SetupTest() {
	p := super.DefaultParams()
	p.SegmentSize = 1 << 16
	p.Inodes = 1024
	g, err := layout.Compute(p, devBytes)
	suite.Require().NoError(err)
	suite.Require().Equal(uint64(5), g.Segments)
	suite.Require().Equal(uint64(2), g.ReserveSegments)
	suite.geo = g
	suite.st = store.MkStore(disk.NewMemDisk(devBytes/disk.BlockSize), g, 64)
	suite.sm = segmap.MkSegMap(g)
	suite.im = imap.MkImap(g, suite.sm)
	suite.sm.Recover(0, 0)
	suite.w = MkWriter(g, suite.st, suite.im, suite.sm)
	suite.w.Resume(0, 0, 0)
}

// faultyStore fails segment writes while fail is set.
type faultyStore struct {
	*store.Store
	fail bool
}

func (s *faultyStore) Write(seg uint64, off uint64, data ...[]byte) error {
	if s.fail {
		return fmt.Errorf("write %d:%d: %w", seg, off, common.ErrDevice)
	}
	return s.Store.Write(seg, off, data...)
}

func TestWriter(t *testing.T) {
	suite.Run(t, new(WriterSuite))
}

func (suite *WriterSuite) payload(b byte) []byte {
	p := make([]byte, suite.geo.BlockBytes)
	for i := range p {
		p[i] = b
	}
	return p
}

// onDisk decodes the current block of ino.
func (suite *WriterSuite) onDisk(ino common.Inum) (*block.Block, block.Header) {
	a, err := suite.im.Lookup(ino)
	suite.Require().NoError(err)
	buf, err := suite.st.Read(uint64(a.Segment()), uint64(a.Offset()))
	suite.Require().NoError(err)
	b, h, ok := block.Committed(buf)
	suite.Require().True(ok)
	return b, h
}

func (suite *WriterSuite) TestWriteFlush() {
	w := suite.w
	suite.NoError(w.Write(5, []byte("hello")))
	p, deleted, ok := w.ReadBuffered(5)
	suite.True(ok)
	suite.False(deleted)
	suite.Equal(suite.geo.BlockBytes, uint64(len(p)))
	suite.Equal([]byte("hello"), p[:5])

	_, err := suite.im.Lookup(5)
	suite.True(errors.Is(err, common.ErrNotFound), "not in the imap before a flush")

	suite.NoError(w.Flush())
	_, _, ok = w.ReadBuffered(5)
	suite.False(ok)
	b, h := suite.onDisk(5)
	suite.Equal(block.Index{Kind: block.KindData, Num: 5}, b.Index)
	suite.Equal(uint8(1), h.Version)
	suite.Equal([]byte("hello"), b.Payload[:5])
	seg, tail := w.Head()
	suite.Equal(uint64(0), seg)
	suite.Equal(uint64(1), tail)
	suite.Equal(uint64(1), suite.sm.LiveCount(0))
}

func (suite *WriterSuite) TestAbsorb() {
	w := suite.w
	suite.NoError(w.Write(5, suite.payload(1)))
	suite.NoError(w.Write(6, suite.payload(2)))
	suite.NoError(w.Write(5, suite.payload(3)))
	suite.Equal(uint64(2), w.Pending())
	suite.NoError(w.Flush())
	b, _ := suite.onDisk(5)
	suite.Equal(suite.payload(3), b.Payload)
	_, tail := w.Head()
	suite.Equal(uint64(2), tail)
}

func (suite *WriterSuite) TestWriteTimesIncrease() {
	w := suite.w
	for i := 0; i < 3; i++ {
		for ino := common.Inum(1); ino <= 4; ino++ {
			suite.NoError(w.Write(ino, []byte{byte(i)}))
		}
		suite.NoError(w.Flush())
	}
	var last int64
	for off := uint64(0); off < 12; off++ {
		buf, err := suite.st.Read(0, off)
		suite.Require().NoError(err)
		_, h, ok := block.Committed(buf)
		suite.True(ok)
		suite.Greater(h.WriteTime, last)
		last = h.WriteTime
	}
	suite.Equal(last, w.LastTime())
	_, h := suite.onDisk(4)
	suite.Equal(uint8(3), h.Version)
	st := suite.sm.Stats()
	suite.Equal(uint64(4), st.Live)
	suite.Equal(uint64(8), st.Dead)
}

func (suite *WriterSuite) TestDelete() {
	w := suite.w
	suite.NoError(w.Write(9, []byte("x")))
	suite.NoError(w.Flush())
	suite.NoError(w.Delete(9))
	_, deleted, ok := w.ReadBuffered(9)
	suite.True(ok)
	suite.True(deleted)
	suite.NoError(w.Flush())

	e, err := suite.im.Entry(9)
	suite.NoError(err)
	suite.True(e.IsNull())
	suite.Equal(uint8(2), e.Version())
	buf, err := suite.st.Read(0, 1)
	suite.Require().NoError(err)
	b, h, ok := block.Committed(buf)
	suite.True(ok)
	suite.Equal(block.KindTombstone, b.Index.Kind)
	suite.Equal(uint8(2), h.Version)
	suite.Equal(uint64(0), suite.sm.TotalLive(), "tombstones are dead on arrival")

	// deleting an absent inode writes nothing
	suite.NoError(w.Delete(10))
	suite.NoError(w.Flush())
	_, tail := w.Head()
	suite.Equal(uint64(2), tail)
}

func (suite *WriterSuite) TestBadArguments() {
	w := suite.w
	err := w.Write(common.NULLINUM, nil)
	suite.True(errors.Is(err, common.ErrInvalidArgument))
	err = w.Write(1024, nil)
	suite.True(errors.Is(err, common.ErrInvalidArgument))
	err = w.Write(3, make([]byte, suite.geo.BlockBytes+1))
	suite.True(errors.Is(err, common.ErrInvalidArgument))
}

func (suite *WriterSuite) TestRotate() {
	w := suite.w
	for ino := common.Inum(1); ino <= 20; ino++ {
		suite.NoError(w.Write(ino, []byte{byte(ino)}))
	}
	suite.NoError(w.Flush())
	seg, tail := w.Head()
	suite.NotEqual(uint64(0), seg)
	suite.Equal(uint64(4), tail)
	suite.Equal(segmap.Full, suite.sm.State(0))
	suite.Equal(segmap.Active, suite.sm.State(seg))
	b, _ := suite.onDisk(20)
	suite.Equal(byte(20), b.Payload[0])
}

func (suite *WriterSuite) TestFlushWhenFull() {
	w := suite.w
	for ino := common.Inum(1); ino <= 16; ino++ {
		suite.NoError(w.Write(ino, nil))
	}
	suite.Equal(uint64(0), w.Pending(), "a segment's worth is flushed")
	_, tail := w.Head()
	suite.Equal(uint64(16), tail)
}

func (suite *WriterSuite) TestOutOfSpace() {
	w := suite.w
	hooks := 0
	w.SetCleanHook(func() error {
		hooks += 1
		return nil
	})
	allocs := 0
	w.SetAllocHook(func() { allocs += 1 })

	// three segments are outside the reserve
	for ino := common.Inum(1); ino <= 48; ino++ {
		suite.Require().NoError(w.Write(ino, nil))
	}
	suite.Equal(0, hooks)
	err := w.Write(49, nil)
	suite.True(errors.Is(err, common.ErrOutOfSpace))
	suite.Equal(1, hooks)
	suite.Equal(2, allocs)

	suite.NoError(w.Flush())
	suite.Equal(uint64(2), suite.sm.CleanCount())
	suite.Equal(uint64(2*16), w.Room(), "the reserve is left")
}

func (suite *WriterSuite) TestRelocate() {
	w := suite.w
	suite.NoError(w.Write(3, []byte("a")))
	suite.NoError(w.Write(4, []byte("b")))
	suite.NoError(w.Flush())
	a3, _ := suite.im.Lookup(3)
	a4, _ := suite.im.Lookup(4)

	suite.True(w.Relocate(3, a3, []byte("a")))
	suite.NoError(w.Write(4, []byte("c")))
	suite.False(w.Relocate(4, a4, []byte("b")), "a buffered write supersedes")
	suite.NoError(w.Flush())

	n3, _ := suite.im.Lookup(3)
	suite.False(n3.SameBlock(a3))
	suite.Equal(a3.Version()+1, n3.Version())
	suite.False(suite.sm.IsLive(a3))
	b, _ := suite.onDisk(4)
	suite.Equal([]byte("c"), b.Payload[:1])
}

func (suite *WriterSuite) TestStaleRelocation() {
	w := suite.w
	suite.NoError(w.Write(3, []byte("a")))
	suite.NoError(w.Flush())
	a3, _ := suite.im.Lookup(3)
	suite.NoError(w.Write(3, []byte("b")))
	suite.NoError(w.Flush())
	_, before := w.Head()

	suite.False(w.Relocate(3, a3, []byte("a")), "the imap moved on")
	_, _, ok := w.ReadBuffered(3)
	suite.False(ok)
	suite.NoError(w.Flush())
	_, after := w.Head()
	suite.Equal(before, after, "nothing written")
	b, _ := suite.onDisk(3)
	suite.Equal([]byte("b"), b.Payload[:1])
}

func (suite *WriterSuite) TestRelocateInFlight() {
	w := suite.w
	suite.NoError(w.Write(3, []byte("a")))
	suite.NoError(w.Flush())
	a3, _ := suite.im.Lookup(3)
	suite.NoError(w.Write(3, []byte("b")))

	// the update of 3 is being flushed but the imap is not updated yet
	batch := w.takeBatch()
	suite.False(w.Relocate(3, a3, []byte("a")), "an update is in flight")
	p, _, ok := w.ReadBuffered(3)
	suite.True(ok)
	suite.Equal([]byte("b"), p[:1])

	w.requeue(batch)
	suite.NoError(w.Flush())
	b, _ := suite.onDisk(3)
	suite.Equal([]byte("b"), b.Payload[:1])
}

func (suite *WriterSuite) TestRelocationNotRead() {
	w := suite.w
	suite.NoError(w.Write(3, []byte("a")))
	suite.NoError(w.Flush())
	a3, _ := suite.im.Lookup(3)

	suite.True(w.Relocate(3, a3, []byte("a")))
	_, _, ok := w.ReadBuffered(3)
	suite.False(ok, "pending relocation")
	batch := w.takeBatch()
	_, _, ok = w.ReadBuffered(3)
	suite.False(ok, "relocation in flight")
	w.requeue(batch)
	suite.NoError(w.Flush())
	_, _, ok = w.ReadBuffered(3)
	suite.False(ok)
}

func (suite *WriterSuite) TestCheckpointTx() {
	w := suite.w
	suite.NoError(w.Write(3, []byte("a")))
	var slots []Slot
	err := w.Checkpoint(func(tx *MetaTx) error {
		suite.Equal(uint64(0), w.Pending(), "flushed first")
		var err error
		slots, err = tx.Reserve(16)
		if err != nil {
			return err
		}
		for i, s := range slots {
			err := tx.Write(s, block.Index{Kind: block.KindImap, Num: uint64(i)}, 1, []byte{byte(i)})
			if err != nil {
				return err
			}
		}
		suite.Greater(tx.Now(), slots[15].Time)
		suite.NotEqual(uint64(0), tx.Head())
		return nil
	})
	suite.Require().NoError(err)
	suite.Len(slots, 16)
	suite.Equal(block.MkAddr(0, 1, 0), slots[0].Addr)
	suite.Equal(block.MkAddr(0, 15, 0), slots[14].Addr)
	suite.Equal(uint32(0), slots[15].Addr.Offset(), "rotated into a new segment")
	buf, err := suite.st.Read(uint64(slots[15].Addr.Segment()), 0)
	suite.Require().NoError(err)
	b, h, ok := block.Committed(buf)
	suite.True(ok)
	suite.Equal(block.KindImap, b.Index.Kind)
	suite.Equal(slots[15].Time, h.WriteTime)
}

func (suite *WriterSuite) TestFailedWriteAbandonsSegment() {
	st := &faultyStore{Store: suite.st}
	w := MkWriter(suite.geo, st, suite.im, suite.sm)
	w.Resume(0, 0, 0)
	suite.NoError(w.Write(1, []byte("a")))
	suite.NoError(w.Flush())

	st.fail = true
	suite.NoError(w.Write(2, []byte("b")))
	suite.NoError(w.Write(3, []byte("c")))
	err := w.Flush()
	suite.True(errors.Is(err, common.ErrDevice))
	seg, tail := w.Head()
	suite.Equal(uint64(0), seg)
	suite.Equal(uint64(16), tail, "nothing goes after the gap")
	suite.Equal(uint64(16), suite.sm.Used(0))
	suite.Equal(uint64(2), w.Pending(), "requeued")

	st.fail = false
	suite.NoError(w.Flush())
	seg, tail = w.Head()
	suite.NotEqual(uint64(0), seg)
	suite.Equal(uint64(2), tail)
	suite.Equal(segmap.Full, suite.sm.State(0))
	a, err := suite.im.Lookup(2)
	suite.NoError(err)
	suite.Equal(uint32(seg), a.Segment())
	suite.Equal(uint32(0), a.Offset())
	b, _ := suite.onDisk(3)
	suite.Equal([]byte("c"), b.Payload[:1])
	stats := suite.sm.Stats()
	suite.Equal(uint64(3), stats.Live)
	suite.Equal(stats.Allocated, stats.Live+stats.Dead)
}

func (suite *WriterSuite) TestFailedMapWriteAbandonsSegment() {
	st := &faultyStore{Store: suite.st}
	w := MkWriter(suite.geo, st, suite.im, suite.sm)
	w.Resume(0, 0, 0)
	suite.NoError(w.Write(1, []byte("a")))
	err := w.Checkpoint(func(tx *MetaTx) error {
		slots, err := tx.Reserve(2)
		if err != nil {
			return err
		}
		st.fail = true
		return tx.Write(slots[0], block.Index{Kind: block.KindImap, Num: 0}, 1, []byte{1})
	})
	suite.True(errors.Is(err, common.ErrDevice))
	_, tail := w.Head()
	suite.Equal(uint64(16), tail)

	st.fail = false
	suite.NoError(w.Write(2, []byte("b")))
	suite.NoError(w.Flush())
	a, err := suite.im.Lookup(2)
	suite.NoError(err)
	suite.NotEqual(uint32(0), a.Segment())
}
