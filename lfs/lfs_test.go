package lfs

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/mit-pdos/go-lfs/block"
	"github.com/mit-pdos/go-lfs/cleaner"
	"github.com/mit-pdos/go-lfs/common"
	"github.com/mit-pdos/go-lfs/disk"
	"github.com/mit-pdos/go-lfs/layout"
	"github.com/mit-pdos/go-lfs/segmap"
	"github.com/mit-pdos/go-lfs/super"
)

// countingDisk counts block writes.
type countingDisk struct {
	disk.Disk
	mu     sync.Mutex
	writes int
}

func (d *countingDisk) Write(a uint64, v disk.Block) error {
	d.mu.Lock()
	d.writes += 1
	d.mu.Unlock()
	return d.Disk.Write(a, v)
}

// faultyDisk fails writes to the blocks bad selects.
type faultyDisk struct {
	disk.Disk
	mu  sync.Mutex
	bad func(a uint64) bool
}

func (d *faultyDisk) setBad(bad func(a uint64) bool) {
	d.mu.Lock()
	d.bad = bad
	d.mu.Unlock()
}

func (d *faultyDisk) Write(a uint64, v disk.Block) error {
	d.mu.Lock()
	bad := d.bad
	d.mu.Unlock()
	if bad != nil && bad(a) {
		return fmt.Errorf("write %d failed", a)
	}
	return d.Disk.Write(a, v)
}

func everyBlock(a uint64) bool { return true }

func testParams() super.Params {
	p := super.DefaultParams()
	p.SegmentSize = 1 << 16
	p.Inodes = 1024
	return p
}

// superblock, two 2-block regions and n segments of 16 blocks
func devBlocks(n uint64) uint64 {
	return common.OFFSET/disk.BlockSize + 5 + 16*n
}

type LfsSuite struct {
	suite.Suite
	d  disk.Disk
	fs *FS
}

func (suite *LfsSuite) SetupTest() {
	suite.d = disk.NewMemDisk(devBlocks(40))
	_, err := Format(suite.d, testParams())
	suite.Require().NoError(err)
	suite.fs = suite.mount()
}

func (suite *LfsSuite) TearDownTest() {
	if suite.fs != nil {
		suite.NoError(suite.fs.Unmount())
	}
}

func TestLfs(t *testing.T) {
	suite.Run(t, new(LfsSuite))
}

func (suite *LfsSuite) mount() *FS {
	fs, err := Mount(suite.d, Options{NoBackground: true})
	suite.Require().NoError(err)
	return fs
}

func (suite *LfsSuite) remount() *FS {
	suite.Require().NoError(suite.fs.Unmount())
	suite.fs = suite.mount()
	return suite.fs
}

// crash abandons the file system without unmounting it
func (suite *LfsSuite) crash() *FS {
	suite.fs = suite.mount()
	return suite.fs
}

func (suite *LfsSuite) checkRead(ino common.Inum, data string) uint8 {
	p, v, err := suite.fs.Read(ino)
	suite.Require().NoError(err, "inode %d", ino)
	suite.Equal(suite.fs.BlockBytes(), uint64(len(p)))
	suite.Equal(data, string(p[:len(data)]), "inode %d", ino)
	return v
}

func (suite *LfsSuite) checkStats() {
	st := suite.fs.Stats().Segmap
	suite.Equal(st.Allocated, st.Live+st.Dead)
}

func (suite *LfsSuite) TestRoot() {
	fs := suite.fs
	suite.Equal(common.ROOTINUM, fs.Root())
	suite.checkRead(fs.Root(), "")
	err := fs.Delete(fs.Root())
	suite.True(errors.Is(err, common.ErrInvalidArgument))
	_, _, err = fs.Read(common.NULLINUM)
	suite.True(errors.Is(err, common.ErrInvalidArgument))
}

func (suite *LfsSuite) TestSuperblockSurvives() {
	sb := *suite.fs.Super()
	suite.Equal(common.MAGIC, sb.Magic)
	suite.Equal(uint32(40), sb.Segments)
	suite.Equal(uint16(2), sb.CheckpointBlocks)
	fs := suite.remount()
	suite.Equal(sb, *fs.Super())
	suite.Equal(uint64(4096)*(13+509+509*509+509*509*509), fs.MaxBytes())
}

func (suite *LfsSuite) TestReadWrite() {
	fs := suite.fs
	suite.NoError(fs.Write(2, []byte("two")))
	suite.Equal(uint8(1), suite.checkRead(2, "two"), "served from the buffer")
	suite.NoError(fs.Sync())
	suite.Equal(uint8(1), suite.checkRead(2, "two"))
	suite.NoError(fs.Write(2, []byte("deux")))
	suite.Equal(uint8(2), suite.checkRead(2, "deux"))

	_, _, err := fs.Read(3)
	suite.True(errors.Is(err, common.ErrNotFound))
	err = fs.Write(3, make([]byte, fs.BlockBytes()+1))
	suite.True(errors.Is(err, common.ErrInvalidArgument))
	suite.checkStats()
}

func (suite *LfsSuite) TestTruncateDelete() {
	fs := suite.fs
	suite.NoError(fs.Write(5, []byte("five")))
	suite.NoError(fs.Sync())
	suite.NoError(fs.Truncate(5))
	suite.Equal(uint8(2), suite.checkRead(5, "\x00\x00\x00\x00"))

	suite.NoError(fs.Delete(5))
	_, _, err := fs.Read(5)
	suite.True(errors.Is(err, common.ErrNotFound))
	err = fs.Delete(5)
	suite.True(errors.Is(err, common.ErrNotFound))
	err = fs.Truncate(6)
	suite.True(errors.Is(err, common.ErrNotFound))

	suite.NoError(fs.Sync())
	e, err := fs.im.Entry(5)
	suite.NoError(err)
	suite.Equal(block.MkNullAddr(2), e, "the truncation was absorbed")
	suite.NoError(fs.Write(5, []byte("again")))
	suite.Equal(uint8(3), suite.checkRead(5, "again"))
	suite.checkStats()
}

func (suite *LfsSuite) TestRemount() {
	fs := suite.fs
	for ino := common.Inum(2); ino < 100; ino++ {
		suite.Require().NoError(fs.Write(ino, []byte(fmt.Sprintf("inode %d", ino))))
	}
	for ino := common.Inum(2); ino < 100; ino += 3 {
		suite.Require().NoError(fs.Write(ino, []byte(fmt.Sprintf("inode %d v2", ino))))
	}
	suite.NoError(fs.Delete(50))
	suite.NoError(fs.Checkpoint())
	live := fs.Stats().Segmap.Live

	fs = suite.remount()
	for ino := common.Inum(2); ino < 100; ino++ {
		switch {
		case ino == 50:
			_, _, err := fs.Read(ino)
			suite.True(errors.Is(err, common.ErrNotFound))
		case (ino-2)%3 == 0:
			suite.Equal(uint8(2), suite.checkRead(ino, fmt.Sprintf("inode %d v2", ino)))
		default:
			suite.Equal(uint8(1), suite.checkRead(ino, fmt.Sprintf("inode %d", ino)))
		}
	}
	suite.Equal(uint64(98), fs.Stats().Inodes)
	suite.Equal(live, fs.Stats().Segmap.Live)
	suite.checkStats()
}

func (suite *LfsSuite) TestRollForward() {
	fs := suite.fs
	suite.NoError(fs.Write(2, []byte("checkpointed")))
	suite.NoError(fs.Write(3, []byte("doomed")))
	suite.NoError(fs.Checkpoint())
	for ino := common.Inum(4); ino < 40; ino++ {
		suite.Require().NoError(fs.Write(ino, []byte(fmt.Sprintf("logged %d", ino))))
	}
	suite.NoError(fs.Write(2, []byte("overwritten")))
	suite.NoError(fs.Delete(3))
	suite.NoError(fs.Sync())
	suite.NoError(fs.Write(41, []byte("never flushed")))

	fs = suite.crash()
	suite.Equal(uint8(2), suite.checkRead(2, "overwritten"))
	_, _, err := fs.Read(3)
	suite.True(errors.Is(err, common.ErrNotFound))
	e, _ := fs.im.Entry(3)
	suite.Equal(uint8(2), e.Version(), "deletion keeps its version")
	for ino := common.Inum(4); ino < 40; ino++ {
		suite.checkRead(ino, fmt.Sprintf("logged %d", ino))
	}
	_, _, err = fs.Read(41)
	suite.True(errors.Is(err, common.ErrNotFound))
	suite.checkStats()

	// and the recovered state is itself durable
	fs = suite.crash()
	suite.checkRead(39, "logged 39")
	suite.NoError(fs.Write(42, []byte("after")))
	fs = suite.remount()
	suite.checkRead(42, "after")
}

func (suite *LfsSuite) TestTornWrite() {
	fs := suite.fs
	suite.NoError(fs.Write(2, []byte("old")))
	suite.NoError(fs.Checkpoint())
	suite.NoError(fs.Write(2, []byte("new")))
	suite.NoError(fs.Sync())
	a, err := fs.im.Lookup(2)
	suite.Require().NoError(err)

	// the trailer never reached the disk
	bn := layout.Bnum(fs.geo.SegmentByte(uint64(a.Segment()), uint64(a.Offset())))
	buf, err := suite.d.Read(bn)
	suite.Require().NoError(err)
	for i := disk.BlockSize - block.HeaderSize; i < disk.BlockSize; i++ {
		buf[i] = 0
	}
	suite.Require().NoError(suite.d.Write(bn, buf))

	fs = suite.crash()
	suite.Equal(uint8(1), suite.checkRead(2, "old"))
	suite.NoError(fs.Write(2, []byte("newer")))
	suite.Equal(uint8(2), suite.checkRead(2, "newer"))
	fs = suite.remount()
	suite.Equal(uint8(2), suite.checkRead(2, "newer"))
}

func (suite *LfsSuite) TestRelocationAfterOverwrite() {
	fs := suite.fs
	suite.NoError(fs.Write(2, []byte("old")))
	suite.NoError(fs.Sync())
	old, err := fs.im.Entry(2)
	suite.Require().NoError(err)
	suite.NoError(fs.Write(2, []byte("new")))
	suite.NoError(fs.Sync())

	// a cleaner that looked the block up before the overwrite was flushed
	suite.False(fs.w.Relocate(2, old, []byte("old")))
	suite.checkRead(2, "new")
	suite.NoError(fs.Sync())
	suite.checkRead(2, "new")
}

func (suite *LfsSuite) TestReadDuringRelocation() {
	fs := suite.fs
	suite.NoError(fs.Write(3, []byte("moving")))
	suite.NoError(fs.Sync())
	a, err := fs.im.Entry(3)
	suite.Require().NoError(err)
	suite.True(fs.w.Relocate(3, a, []byte("moving")))
	suite.Equal(a.Version(), suite.checkRead(3, "moving"), "served from the old block")
	suite.NoError(fs.Sync())
	suite.Equal(a.Version()+1, suite.checkRead(3, "moving"))
	suite.checkStats()
}

// TestConcurrentCleaning runs writers and readers while the cleaner moves
// their blocks. Each writer owns its inodes and checks it reads back what
// it wrote; readers check that no inode ever goes back to older data.
func (suite *LfsSuite) TestConcurrentCleaning() {
	fs := suite.fs
	const writers = 4
	const readers = 2
	const inodes = 5
	const rounds = 300
	owner := func(w, k int) common.Inum { return common.Inum(2 + w*inodes + k) }
	parse := func(p []byte) (int, int, error) {
		var w, i int
		_, err := fmt.Sscanf(strings.TrimRight(string(p), "\x00"), "w%d i%d", &w, &i)
		return w, i, err
	}

	errs := make(chan error, writers+readers+1)
	last := make([][]string, writers)
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		last[w] = make([]string, inodes)
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				k := i % inodes
				data := fmt.Sprintf("w%d i%d", w, i)
				if err := fs.Write(owner(w, k), []byte(data)); err != nil {
					errs <- fmt.Errorf("write %q: %w", data, err)
					return
				}
				last[w][k] = data
				if i%3 == 0 {
					if err := fs.Sync(); err != nil {
						errs <- err
						return
					}
				}
				for j := 0; j < inodes; j++ {
					if last[w][j] == "" {
						continue
					}
					p, _, err := fs.Read(owner(w, j))
					if err != nil {
						errs <- fmt.Errorf("read %d: %w", owner(w, j), err)
						return
					}
					if got := strings.TrimRight(string(p), "\x00"); got != last[w][j] {
						errs <- fmt.Errorf("inode %d: read %q, wrote %q", owner(w, j), got, last[w][j])
						return
					}
				}
			}
		}(w)
	}

	done := make(chan struct{})
	var bg sync.WaitGroup
	for r := 0; r < readers; r++ {
		bg.Add(1)
		go func() {
			defer bg.Done()
			seen := make(map[common.Inum]int)
			for n := 0; ; n++ {
				select {
				case <-done:
					return
				default:
				}
				ino := common.Inum(2 + n%(writers*inodes))
				p, _, err := fs.Read(ino)
				if errors.Is(err, common.ErrNotFound) {
					if _, ok := seen[ino]; ok {
						errs <- fmt.Errorf("inode %d disappeared", ino)
						return
					}
					continue
				}
				if err != nil {
					errs <- fmt.Errorf("read %d: %w", ino, err)
					return
				}
				_, i, err := parse(p)
				if err != nil {
					errs <- fmt.Errorf("inode %d: %w", ino, err)
					return
				}
				if prev, ok := seen[ino]; ok && i < prev {
					errs <- fmt.Errorf("inode %d went back from write %d to %d", ino, prev, i)
					return
				}
				seen[ino] = i
			}
		}()
	}
	bg.Add(1)
	go func() {
		defer bg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			if err := fs.Clean(); err != nil {
				errs <- fmt.Errorf("clean: %w", err)
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	wg.Wait()
	close(done)
	bg.Wait()
	close(errs)
	for err := range errs {
		suite.NoError(err)
	}

	suite.True(fs.Stats().Cleaner.Segments > 0, "the cleaner ran")
	suite.NoError(fs.Sync())
	check := func() {
		for w := 0; w < writers; w++ {
			for k := 0; k < inodes; k++ {
				suite.checkRead(owner(w, k), last[w][k])
			}
		}
		suite.checkStats()
	}
	check()
	suite.remount()
	check()
}

func (suite *LfsSuite) TestUnmounted() {
	fs := suite.fs
	suite.NoError(fs.Unmount())
	suite.NoError(fs.Unmount())
	err := fs.Write(2, nil)
	suite.True(errors.Is(err, common.ErrInvalidArgument))
	suite.fs = nil
}

// writeSync logs one block per call.
func (suite *LfsSuite) writeSync(ino common.Inum, data string) {
	suite.Require().NoError(suite.fs.Write(ino, []byte(data)))
	suite.Require().NoError(suite.fs.Sync())
}

func (suite *LfsSuite) TestCleanerCorrectness() {
	fs := suite.fs
	// two inodes that are never overwritten among churn
	suite.writeSync(500, "keep 500")
	for i := 0; i < 40; i++ {
		suite.writeSync(common.Inum(2+i%8), fmt.Sprintf("churn %d", i))
	}
	suite.writeSync(501, "keep 501")
	for i := 40; i < 80; i++ {
		suite.writeSync(common.Inum(2+i%8), fmt.Sprintf("churn %d", i))
	}
	a500, _ := fs.im.Lookup(500)
	a501, _ := fs.im.Lookup(501)
	seg := uint64(a500.Segment())
	suite.Equal(segmap.Full, fs.sm.State(seg))
	suite.Equal(segmap.Full, fs.sm.State(uint64(a501.Segment())))

	suite.NoError(fs.Clean())
	suite.Equal(uint64(0), fs.sm.LiveCount(seg))
	suite.Equal(segmap.Clean, fs.sm.State(seg))
	suite.True(suite.checkRead(500, "keep 500") > a500.Version())
	suite.True(suite.checkRead(501, "keep 501") > a501.Version())
	for i := 72; i < 80; i++ {
		suite.checkRead(common.Inum(2+i%8), fmt.Sprintf("churn %d", i))
	}
	st := fs.Stats().Cleaner
	suite.True(st.Segments > 0)
	suite.True(st.Relocated >= 2)
	suite.checkStats()

	fs = suite.remount()
	suite.checkRead(500, "keep 500")
	suite.checkRead(501, "keep 501")
}

func (suite *LfsSuite) TestSyncCleaningMakesRoom() {
	fs := suite.fs
	// many times the capacity of the device
	for i := 0; i < 40*16*8; i++ {
		err := fs.Write(common.Inum(2+i%20), []byte(fmt.Sprintf("write %d", i)))
		suite.Require().NoError(err, "write %d", i)
	}
	suite.NoError(fs.Sync())
	for i := 40*16*8 - 20; i < 40*16*8; i++ {
		suite.checkRead(common.Inum(2+i%20), fmt.Sprintf("write %d", i))
	}
	suite.checkStats()
	fs = suite.remount()
	suite.checkRead(common.Inum(2+(40*16*8-1)%20), fmt.Sprintf("write %d", 40*16*8-1))
}

func (suite *LfsSuite) TestOutOfSpace() {
	fs := suite.fs
	var err error
	var ino common.Inum
	for ino = 2; ino < 1024; ino++ {
		err = fs.Write(ino, nil)
		if err != nil {
			break
		}
	}
	suite.True(errors.Is(err, common.ErrOutOfSpace))
	// the reserve still takes a checkpoint
	suite.NoError(fs.Sync())
	suite.NoError(fs.Checkpoint())
	suite.checkRead(2, "")
	suite.checkStats()
}

func TestFormatTooSmall(t *testing.T) {
	d := &countingDisk{Disk: disk.NewMemDisk(common.OFFSET / disk.BlockSize)}
	_, err := Format(d, testParams())
	if !errors.Is(err, common.ErrDevice) {
		t.Fatalf("expected a device error, got %v", err)
	}
	if d.writes != 0 {
		t.Fatalf("%d blocks written", d.writes)
	}
}

func TestFormatBadConfig(t *testing.T) {
	d := &countingDisk{Disk: disk.NewMemDisk(devBlocks(10))}
	p := testParams()
	p.SegmentSize = 3 * 4096 / 2
	_, err := Format(d, p)
	if !errors.Is(err, common.ErrConfig) {
		t.Fatalf("expected a config error, got %v", err)
	}
	p = testParams()
	p.CheckpointPeriod = 0
	_, err = Format(d, p)
	if !errors.Is(err, common.ErrInvalidArgument) {
		t.Fatalf("expected an invalid argument, got %v", err)
	}
	if d.writes != 0 {
		t.Fatalf("%d blocks written", d.writes)
	}
}

func TestMountUnformatted(t *testing.T) {
	_, err := Mount(disk.NewMemDisk(devBlocks(10)), Options{NoBackground: true})
	if !errors.Is(err, common.ErrCorruption) {
		t.Fatalf("expected corruption, got %v", err)
	}
}

func TestMountLostCheckpoints(t *testing.T) {
	d := disk.NewMemDisk(devBlocks(10))
	sb, err := Format(d, testParams())
	if err != nil {
		t.Fatal(err)
	}
	g, err := layout.FromSuper(sb, devBlocks(10)*disk.BlockSize)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Write(layout.Bnum(g.RegionByte(0, 1)), make([]byte, disk.BlockSize)); err != nil {
		t.Fatal(err)
	}
	_, err = Mount(d, Options{NoBackground: true})
	if !errors.Is(err, common.ErrCorruption) {
		t.Fatalf("expected corruption, got %v", err)
	}
}

func TestBackground(t *testing.T) {
	d := disk.NewMemDisk(devBlocks(10))
	p := testParams()
	p.BufferPeriod = 1
	p.CheckpointPeriod = 1
	if _, err := Format(d, p); err != nil {
		t.Fatal(err)
	}
	fs, err := Mount(d, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := fs.Write(2, []byte("x")); err != nil {
		t.Fatal(err)
	}
	if err := fs.Unmount(); err != nil {
		t.Fatal(err)
	}
	fs, err = Mount(d, Options{NoBackground: true})
	if err != nil {
		t.Fatal(err)
	}
	if _, v, err := fs.Read(2); err != nil || v != 1 {
		t.Fatalf("read: %v version %d", err, v)
	}
}

func TestCleanToTarget(t *testing.T) {
	assert := assert.New(t)
	d := disk.NewMemDisk(devBlocks(200))
	_, err := Format(d, testParams())
	require.NoError(t, err)
	fs, err := Mount(d, Options{NoBackground: true})
	require.NoError(t, err)

	// every segment keeps one block among churn
	keeper := func(k int) common.Inum { return common.Inum(100 + k/16) }
	churn := func(k int) common.Inum { return common.Inum(2 + k%20) }
	k := 0
	for ; fs.sm.CleanCount() > 30; k++ {
		ino := churn(k)
		if k%16 == 0 {
			ino = keeper(k)
		}
		require.NoError(t, fs.Write(ino, []byte(fmt.Sprintf("%d", k))))
	}
	require.Equal(t, uint64(30), fs.sm.CleanCount())
	require.True(t, fs.cl.Needed())

	require.NoError(t, fs.cl.Pass())
	clean := fs.sm.CleanCount()
	assert.True(clean >= 128, "%d clean", clean)
	assert.True(clean < 128+2*cleaner.MaxRound, "%d clean", clean)
	st := fs.Stats().Cleaner
	assert.Equal(uint64(1), st.Passes)
	assert.True(st.Relocated > 0)

	// above the minimum nothing happens
	require.NoError(t, fs.cl.Pass())
	assert.Equal(uint64(1), fs.Stats().Cleaner.Passes)
	assert.Equal(clean, fs.sm.CleanCount())

	for j := 0; j < k; j += 16 {
		p, _, err := fs.Read(keeper(j))
		require.NoError(t, err)
		assert.Equal(fmt.Sprintf("%d", j), string(p[:len(fmt.Sprintf("%d", j))]))
	}
	require.NoError(t, fs.Unmount())
}

func TestUnmountRetry(t *testing.T) {
	require := require.New(t)
	d := &faultyDisk{Disk: disk.NewMemDisk(devBlocks(10))}
	_, err := Format(d, testParams())
	require.NoError(err)
	fs, err := Mount(d, Options{NoBackground: true})
	require.NoError(err)
	require.NoError(fs.Write(2, []byte("buffered")))

	d.setBad(everyBlock)
	err = fs.Unmount()
	require.True(errors.Is(err, common.ErrDevice), "%v", err)
	p, _, err := fs.Read(2)
	require.NoError(err, "still mounted")
	require.Equal("buffered", string(p[:8]))

	d.setBad(nil)
	require.NoError(fs.Unmount())
	require.NoError(fs.Unmount())
	_, _, err = fs.Read(2)
	require.True(errors.Is(err, common.ErrInvalidArgument))

	fs, err = Mount(d, Options{NoBackground: true})
	require.NoError(err)
	p, _, err = fs.Read(2)
	require.NoError(err)
	require.Equal("buffered", string(p[:8]))
	require.NoError(fs.Unmount())
}

func TestFailedWriteRecovers(t *testing.T) {
	require := require.New(t)
	d := &faultyDisk{Disk: disk.NewMemDisk(devBlocks(10))}
	_, err := Format(d, testParams())
	require.NoError(err)
	fs, err := Mount(d, Options{NoBackground: true})
	require.NoError(err)
	require.NoError(fs.Write(2, []byte("checkpointed")))
	require.NoError(fs.Checkpoint())
	require.NoError(fs.Write(3, []byte("logged")))
	require.NoError(fs.Sync())

	d.setBad(everyBlock)
	require.NoError(fs.Write(4, []byte("retried")))
	err = fs.Sync()
	require.True(errors.Is(err, common.ErrDevice), "%v", err)
	d.setBad(nil)
	require.NoError(fs.Write(5, []byte("after")))
	require.NoError(fs.Sync())

	// crash: roll-forward must find the blocks written after the failure
	fs, err = Mount(d, Options{NoBackground: true})
	require.NoError(err)
	for ino, data := range map[common.Inum]string{
		2: "checkpointed", 3: "logged", 4: "retried", 5: "after",
	} {
		p, _, err := fs.Read(ino)
		require.NoError(err, "inode %d", ino)
		require.Equal(data, string(p[:len(data)]))
	}
	st := fs.Stats().Segmap
	require.Equal(st.Allocated, st.Live+st.Dead)
	require.NoError(fs.Unmount())
}

func TestFormatSuperblockFails(t *testing.T) {
	d := &faultyDisk{Disk: disk.NewMemDisk(devBlocks(10))}
	d.setBad(func(a uint64) bool { return a == super.Bnum() })
	_, err := Format(d, testParams())
	require.True(t, errors.Is(err, common.ErrDevice), "%v", err)

	// the regions written so far do not make a file system
	d.setBad(nil)
	_, err = Mount(d, Options{NoBackground: true})
	require.True(t, errors.Is(err, common.ErrCorruption), "%v", err)

	_, err = Format(d, testParams())
	require.NoError(t, err)
	fs, err := Mount(d, Options{NoBackground: true})
	require.NoError(t, err)
	require.NoError(t, fs.Unmount())
}
