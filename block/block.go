// Package block is the on-disk representation of log blocks.
//
// Every block written to the log, data and metadata alike, has the layout
//
//	[ h0 (9) | index (6) | payload (block_size-24) | h1 (9) ]
//
// The two header copies are stamped identically. h1 is the trailer, so a
// write interrupted part way through a multi-sector block leaves the pair
// disagreeing and the block is detected as torn.
package block

import (
	"encoding/binary"
	"fmt"

	"github.com/mit-pdos/go-lfs/common"
)

const (
	HeaderSize     uint64 = 9
	HeaderOverhead uint64 = 2 * HeaderSize
	IndexSize      uint64 = 6
	Overhead       uint64 = HeaderOverhead + IndexSize
	AddrSize       uint64 = 8
)

// Header is one copy of a block's header.
type Header struct {
	WriteTime int64 // unix nanoseconds, strictly increasing per engine
	Version   uint8 // incremented when the owner is updated or deleted
}

// Valid reports whether the copy was ever written.
func (h Header) Valid() bool {
	return h.WriteTime > 0
}

// Before reports whether h was committed before o.
func (h Header) Before(o Header) bool {
	if h.WriteTime != o.WriteTime {
		return h.WriteTime < o.WriteTime
	}
	return h.Version < o.Version
}

func (h Header) put(b []byte) {
	binary.LittleEndian.PutUint64(b, uint64(h.WriteTime))
	b[8] = h.Version
}

func getHeader(b []byte) Header {
	return Header{
		WriteTime: int64(binary.LittleEndian.Uint64(b)),
		Version:   b[8],
	}
}

type Kind uint8

const (
	KindNone Kind = iota
	KindData
	KindTombstone
	KindImap
	KindSegmap
	KindCheckpoint
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindTombstone:
		return "tombstone"
	case KindImap:
		return "imap"
	case KindSegmap:
		return "segmap"
	case KindCheckpoint:
		return "checkpoint"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// MaxIndexNum is the largest number an Index can carry (40 bits).
const MaxIndexNum uint64 = 1<<40 - 1

// Index says what a block holds: an inode (data, tombstone), a map block
// number (imap, segmap) or, for checkpoint blocks, the log-head segment.
type Index struct {
	Kind Kind
	Num  uint64
}

func (i Index) put(b []byte) {
	b[0] = byte(i.Kind)
	n := i.Num
	for j := 1; j < int(IndexSize); j++ {
		b[j] = byte(n)
		n >>= 8
	}
}

func getIndex(b []byte) Index {
	var n uint64
	for j := int(IndexSize) - 1; j >= 1; j-- {
		n = n<<8 | uint64(b[j])
	}
	return Index{Kind: Kind(b[0]), Num: n}
}

// Block is a decoded log block.
type Block struct {
	H0      Header
	H1      Header
	Index   Index
	Payload []byte
}

// Mk builds a block with both header copies stamped with h.
func Mk(idx Index, h Header, payload []byte) *Block {
	return &Block{H0: h, H1: h, Index: idx, Payload: payload}
}

// PayloadSize is the number of payload bytes in a block of blockSize bytes.
func PayloadSize(blockSize uint64) uint64 {
	return blockSize - Overhead
}

// Encode serializes b into a blockSize buffer, zero-padding the payload.
func Encode(blockSize uint64, b *Block) ([]byte, error) {
	if blockSize <= Overhead {
		return nil, fmt.Errorf("block size %d: %w", blockSize, common.ErrConfig)
	}
	if uint64(len(b.Payload)) > PayloadSize(blockSize) {
		return nil, fmt.Errorf("payload of %d bytes exceeds %d: %w",
			len(b.Payload), PayloadSize(blockSize), common.ErrInvalidArgument)
	}
	if b.Index.Num > MaxIndexNum {
		return nil, fmt.Errorf("index %d: %w", b.Index.Num, common.ErrInvalidArgument)
	}
	buf := make([]byte, blockSize)
	b.H0.put(buf[0:HeaderSize])
	b.Index.put(buf[HeaderSize : HeaderSize+IndexSize])
	copy(buf[HeaderSize+IndexSize:], b.Payload)
	b.H1.put(buf[blockSize-HeaderSize:])
	return buf, nil
}

// Decode splits a raw block into its fields without judging them. The
// payload aliases buf.
func Decode(buf []byte) *Block {
	sz := uint64(len(buf))
	if sz <= Overhead {
		return &Block{}
	}
	return &Block{
		H0:      getHeader(buf[0:HeaderSize]),
		H1:      getHeader(buf[sz-HeaderSize:]),
		Index:   getIndex(buf[HeaderSize : HeaderSize+IndexSize]),
		Payload: buf[HeaderSize+IndexSize : sz-HeaderSize],
	}
}

// Resolve returns the committed header of the pair and whether the pair
// disagrees (a torn write). When both copies are valid but differ, the older
// copy is the fully committed one. When only one copy is valid it is used.
// If neither validates the block is corrupt.
func (b *Block) Resolve() (Header, bool, error) {
	v0 := b.H0.Valid()
	v1 := b.H1.Valid()
	if !v0 && !v1 {
		return Header{}, false, fmt.Errorf("no valid header copy: %w", common.ErrCorruption)
	}
	if v0 && !v1 {
		return b.H0, true, nil
	}
	if !v0 && v1 {
		return b.H1, true, nil
	}
	if b.H0 == b.H1 {
		return b.H0, false, nil
	}
	if b.H0.Before(b.H1) {
		return b.H0, true, nil
	}
	return b.H1, true, nil
}

// Committed decodes buf and returns the block only if its header pair is
// valid and agrees.
func Committed(buf []byte) (*Block, Header, bool) {
	b := Decode(buf)
	h, torn, err := b.Resolve()
	if err != nil || torn {
		return b, h, false
	}
	return b, h, true
}
