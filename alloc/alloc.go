package alloc

import (
	"sync"

	"github.com/mit-pdos/go-lfs/util"
)

// Alloc hands out numbers in [0, max) using a bitmap; a set bit means the
// number is in use. Allocation rotates through the range starting after the
// last number handed out, so a log wraps around the device instead of
// reusing the lowest free segment.
type Alloc struct {
	mu     *sync.Mutex
	max    uint64
	bitmap []byte
	next   uint64 // first number to try
}

// MkAlloc starts with every number in [0, max) free.
func MkAlloc(max uint64) *Alloc {
	return &Alloc{
		mu:     new(sync.Mutex),
		max:    max,
		bitmap: make([]byte, util.RoundUp(max, 8)),
	}
}

// MkMaxAlloc starts with every number in use.
func MkMaxAlloc(max uint64) *Alloc {
	a := MkAlloc(max)
	for n := uint64(0); n < max; n++ {
		a.bitmap[n/8] |= 1 << (n % 8)
	}
	return a
}

func (a *Alloc) used(n uint64) bool {
	return a.bitmap[n/8]&(1<<(n%8)) != 0
}

func (a *Alloc) check(n uint64) {
	if n >= a.max {
		panic("alloc: number out of range")
	}
}

// AllocNum returns a free number and marks it used. ok is false when none is
// free.
func (a *Alloc) AllocNum() (n uint64, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := uint64(0); i < a.max; i++ {
		num := (a.next + i) % a.max
		if !a.used(num) {
			a.bitmap[num/8] |= 1 << (num % 8)
			a.next = (num + 1) % a.max
			util.DPrintf(10, "AllocNum: %d\n", num)
			return num, true
		}
	}
	return 0, false
}

func (a *Alloc) FreeNum(n uint64) {
	a.check(n)
	a.mu.Lock()
	a.bitmap[n/8] &^= 1 << (n % 8)
	a.mu.Unlock()
}

func (a *Alloc) MarkUsed(n uint64) {
	a.check(n)
	a.mu.Lock()
	a.bitmap[n/8] |= 1 << (n % 8)
	a.mu.Unlock()
}

// SetNext moves the rotation point, e.g. to just after the log head found at
// mount.
func (a *Alloc) SetNext(n uint64) {
	a.mu.Lock()
	a.next = n % a.max
	a.mu.Unlock()
}

func (a *Alloc) IsFree(n uint64) bool {
	a.check(n)
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.used(n)
}

func popCnt(b byte) uint64 {
	var count uint64
	var x = b
	for i := uint64(0); i < 8; i++ {
		count += uint64(x & 1)
		x = x >> 1
	}
	return count
}

// NumFree counts the free numbers.
func (a *Alloc) NumFree() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var used uint64
	for _, b := range a.bitmap {
		used += popCnt(b)
	}
	return a.max - used
}
