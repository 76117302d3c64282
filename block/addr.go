package block

import (
	"fmt"

	"github.com/tchajed/marshal"
)

// Addr locates a block in the log and records the version written there:
//
//	segment (32 bits) | offset in blocks (24 bits) | version (8 bits)
//
// A null address (no block) keeps its version so a deleted inode's version
// survives a remount.
type Addr uint64

const (
	NullSegment uint32 = 0xFFFFFFFF
	MaxOffset   uint32 = 1<<24 - 1
)

func MkAddr(seg uint32, off uint32, ver uint8) Addr {
	return Addr(uint64(seg)<<32 | uint64(off&MaxOffset)<<8 | uint64(ver))
}

func MkNullAddr(ver uint8) Addr {
	return MkAddr(NullSegment, 0, ver)
}

// NullAddr is the address of a block that was never written.
var NullAddr = MkNullAddr(0)

func (a Addr) Segment() uint32 {
	return uint32(a >> 32)
}

func (a Addr) Offset() uint32 {
	return uint32(a>>8) & MaxOffset
}

func (a Addr) Version() uint8 {
	return uint8(a)
}

func (a Addr) IsNull() bool {
	return a.Segment() == NullSegment
}

func (a Addr) WithVersion(v uint8) Addr {
	return a&^0xFF | Addr(v)
}

// SameBlock compares locations, ignoring versions.
func (a Addr) SameBlock(b Addr) bool {
	return a>>8 == b>>8
}

func (a Addr) String() string {
	if a.IsNull() {
		return fmt.Sprintf("null/v%d", a.Version())
	}
	return fmt.Sprintf("%d:%d/v%d", a.Segment(), a.Offset(), a.Version())
}

// EncodeAddrs packs addrs into size bytes, zero-padded.
func EncodeAddrs(addrs []Addr, size uint64) []byte {
	enc := marshal.NewEnc(size)
	xs := make([]uint64, len(addrs))
	for i, a := range addrs {
		xs[i] = uint64(a)
	}
	enc.PutInts(xs)
	return enc.Finish()
}

// DecodeAddrs reads n addresses from the start of payload.
func DecodeAddrs(payload []byte, n uint64) []Addr {
	dec := marshal.NewDec(payload)
	xs := dec.GetInts(n)
	addrs := make([]Addr, n)
	for i, x := range xs {
		addrs[i] = Addr(x)
	}
	return addrs
}
