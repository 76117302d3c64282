// Package checkpoint persists the location of the imap and segmap blocks
// in two alternating regions. A checkpoint is written to the region not
// holding the last one, so a torn checkpoint write leaves the previous one
// intact; at mount the newer valid region wins.
package checkpoint

import (
	"errors"
	"fmt"

	"github.com/mit-pdos/go-lfs/block"
	"github.com/mit-pdos/go-lfs/common"
	"github.com/mit-pdos/go-lfs/layout"
	"github.com/mit-pdos/go-lfs/util"
)

// Record is the content of one checkpoint.
type Record struct {
	Time   int64  // write time of the region; later blocks are replayed
	Head   uint64 // segment at the head of the log
	Imap   []block.Addr
	Segmap []block.Addr
}

// Candidate is what was found in one region.
type Candidate struct {
	Region uint64
	Rec    *Record // nil if the region is not a valid checkpoint
	Err    error
}

func (c Candidate) Valid() bool {
	return c.Rec != nil
}

// Choose picks the valid candidate with the later write time.
func Choose(a, b Candidate) (Candidate, error) {
	switch {
	case a.Valid() && b.Valid():
		if b.Rec.Time > a.Rec.Time {
			return b, nil
		}
		return a, nil
	case a.Valid():
		return a, nil
	case b.Valid():
		return b, nil
	}
	for _, c := range []Candidate{a, b} {
		if errors.Is(c.Err, common.ErrDevice) {
			return Candidate{}, fmt.Errorf("no readable checkpoint: %w", c.Err)
		}
	}
	return Candidate{}, fmt.Errorf("no valid checkpoint: %w", common.ErrCorruption)
}

// Encode lays rec out as the blocks of a region: imap addresses first, then
// segmap addresses starting in a fresh block, then empty blocks to fill the
// region.
func Encode(geo *layout.Geometry, rec *Record) ([][]byte, error) {
	if uint64(len(rec.Imap)) != geo.ImapBlocks || uint64(len(rec.Segmap)) != geo.SegmapBlocks {
		return nil, fmt.Errorf("checkpoint of %d+%d map blocks: %w",
			len(rec.Imap), len(rec.Segmap), common.ErrInvalidArgument)
	}
	n := geo.ImapEntries
	var payloads [][]byte
	for _, addrs := range [][]block.Addr{rec.Imap, rec.Segmap} {
		for i := uint64(0); i < uint64(len(addrs)); i += n {
			end := util.Min(i+n, uint64(len(addrs)))
			payloads = append(payloads, block.EncodeAddrs(addrs[i:end], geo.BlockBytes))
		}
	}
	for uint64(len(payloads)) < geo.CheckpointBlocks {
		payloads = append(payloads, nil)
	}
	idx := block.Index{Kind: block.KindCheckpoint, Num: rec.Head}
	h := block.Header{WriteTime: rec.Time}
	blks := make([][]byte, 0, len(payloads))
	for _, p := range payloads {
		b, err := block.Encode(geo.BlockSize, block.Mk(idx, h, p))
		if err != nil {
			return nil, err
		}
		blks = append(blks, b)
	}
	return blks, nil
}

func checkAddrs(geo *layout.Geometry, addrs []block.Addr) error {
	for _, a := range addrs {
		if a.IsNull() {
			continue
		}
		if uint64(a.Segment()) >= geo.Segments || uint64(a.Offset()) >= geo.SegmapBits {
			return fmt.Errorf("map block at %v: %w", a, common.ErrCorruption)
		}
	}
	return nil
}

// Decode validates the blocks of a region. Every block must be committed,
// untorn and stamped with the same time and head.
func Decode(geo *layout.Geometry, blks [][]byte) (*Record, error) {
	if uint64(len(blks)) != geo.CheckpointBlocks {
		return nil, fmt.Errorf("region of %d blocks: %w", len(blks), common.ErrCorruption)
	}
	var rec *Record
	var payloads [][]byte
	for i, buf := range blks {
		b, h, ok := block.Committed(buf)
		if !ok {
			return nil, fmt.Errorf("region block %d: %w", i, common.ErrCorruption)
		}
		if b.Index.Kind != block.KindCheckpoint {
			return nil, fmt.Errorf("region block %d is %v: %w", i, b.Index.Kind, common.ErrCorruption)
		}
		if rec == nil {
			rec = &Record{Time: h.WriteTime, Head: b.Index.Num}
		} else if rec.Time != h.WriteTime || rec.Head != b.Index.Num {
			return nil, fmt.Errorf("region block %d is from another checkpoint: %w", i, common.ErrCorruption)
		}
		payloads = append(payloads, b.Payload)
	}
	if rec.Head >= geo.Segments {
		return nil, fmt.Errorf("head segment %d: %w", rec.Head, common.ErrCorruption)
	}
	n := geo.ImapEntries
	read := func(count uint64) []block.Addr {
		var addrs []block.Addr
		for count > 0 {
			k := util.Min(count, n)
			addrs = append(addrs, block.DecodeAddrs(payloads[0], k)...)
			payloads = payloads[1:]
			count -= k
		}
		return addrs
	}
	rec.Imap = read(geo.ImapBlocks)
	rec.Segmap = read(geo.SegmapBlocks)
	if err := checkAddrs(geo, rec.Imap); err != nil {
		return nil, err
	}
	if err := checkAddrs(geo, rec.Segmap); err != nil {
		return nil, err
	}
	return rec, nil
}
