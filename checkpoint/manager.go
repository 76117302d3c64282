package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/mit-pdos/go-lfs/common"
	"github.com/mit-pdos/go-lfs/layout"
	"github.com/mit-pdos/go-lfs/util"
)

// RegionStore is the part of the block store the manager needs.
type RegionStore interface {
	ReadRegion(r uint64, i uint64) ([]byte, error)
	WriteRegion(r uint64, i uint64, data ...[]byte) error
	Flush() error
}

// Recovery reads are retried this many times before a region is given up.
const readAttempts = 3

type Manager struct {
	geo *layout.Geometry
	st  RegionStore

	mu   *sync.Mutex
	last uint64 // region holding the newest valid checkpoint
	time int64
}

func MkManager(geo *layout.Geometry, st RegionStore) *Manager {
	return &Manager{geo: geo, st: st, mu: new(sync.Mutex)}
}

func (m *Manager) readRegion(r uint64) ([][]byte, error) {
	var blks [][]byte
	for i := uint64(0); i < m.geo.CheckpointBlocks; i++ {
		var b []byte
		var err error
		for try := 0; try < readAttempts; try++ {
			b, err = m.st.ReadRegion(r, i)
			if err == nil || !errors.Is(err, common.ErrDevice) {
				break
			}
			util.DPrintf(1, "checkpoint: read region %d block %d: %v\n", r, i, err)
		}
		if err != nil {
			return nil, err
		}
		blks = append(blks, b)
	}
	return blks, nil
}

func (m *Manager) candidate(r uint64) Candidate {
	blks, err := m.readRegion(r)
	if err != nil {
		return Candidate{Region: r, Err: err}
	}
	rec, err := Decode(m.geo, blks)
	if err != nil {
		util.DPrintf(1, "checkpoint: region %d: %v\n", r, err)
		return Candidate{Region: r, Err: err}
	}
	return Candidate{Region: r, Rec: rec}
}

// Load reads both regions at once and returns the newest valid checkpoint.
func (m *Manager) Load(ctx context.Context) (*Record, error) {
	var cands [2]Candidate
	g, _ := errgroup.WithContext(ctx)
	for r := uint64(0); r < 2; r++ {
		r := r
		g.Go(func() error {
			cands[r] = m.candidate(r)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	c, err := Choose(cands[0], cands[1])
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.last = c.Region
	m.time = c.Rec.Time
	m.mu.Unlock()
	util.DPrintf(1, "checkpoint: region %d time %d head %d\n", c.Region, c.Rec.Time, c.Rec.Head)
	return c.Rec, nil
}

func (m *Manager) write(r uint64, rec *Record) error {
	blks, err := Encode(m.geo, rec)
	if err != nil {
		return err
	}
	// everything the checkpoint refers to must be durable first
	if err := m.st.Flush(); err != nil {
		return err
	}
	if err := m.st.WriteRegion(r, 0, blks...); err != nil {
		return err
	}
	return m.st.Flush()
}

// Write commits rec to the region not holding the last checkpoint.
func (m *Manager) Write(rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.Time <= m.time {
		return fmt.Errorf("checkpoint at %d is not after %d: %w", rec.Time, m.time, common.ErrConcurrency)
	}
	r := 1 - m.last
	if err := m.write(r, rec); err != nil {
		return fmt.Errorf("checkpoint to region %d: %w", r, err)
	}
	m.last = r
	m.time = rec.Time
	util.DPrintf(2, "checkpoint: wrote region %d time %d head %d\n", r, rec.Time, rec.Head)
	return nil
}

// Format writes the first checkpoint to region 0 and invalidates region 1.
func (m *Manager) Format(rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.write(0, rec); err != nil {
		return err
	}
	zero := make([][]byte, m.geo.CheckpointBlocks)
	for i := range zero {
		zero[i] = make([]byte, m.geo.BlockSize)
	}
	if err := m.st.WriteRegion(1, 0, zero...); err != nil {
		return err
	}
	if err := m.st.Flush(); err != nil {
		return err
	}
	m.last = 0
	m.time = rec.Time
	return nil
}

// Region is the region holding the newest checkpoint.
func (m *Manager) Region() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Time is the write time of the newest checkpoint.
func (m *Manager) Time() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.time
}
