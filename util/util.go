package util

import (
	"github.com/chzyer/logex"
)

// Debug is the highest DPrintf level that is emitted.
var Debug uint64 = 1

func DPrintf(level uint64, format string, a ...interface{}) {
	if level > Debug {
		return
	}
	if level <= 1 {
		logex.Infof(format, a...)
	} else {
		logex.Debugf(format, a...)
	}
}

// Fatalf reports a broken invariant. The caller still returns an error.
func Fatalf(format string, a ...interface{}) {
	logex.Errorf(format, a...)
}

func RoundUp(n uint64, sz uint64) uint64 {
	return (n + sz - 1) / sz
}

func Min(n uint64, m uint64) uint64 {
	if n < m {
		return n
	} else {
		return m
	}
}

func SumOverflows(n uint64, m uint64) bool {
	return n+m < n
}

// MulOverflows reports whether n*m does not fit in 64 bits.
func MulOverflows(n uint64, m uint64) bool {
	if n == 0 || m == 0 {
		return false
	}
	return n*m/m != n
}

func CloneByteSlice(s []byte) []byte {
	s2 := make([]byte, len(s))
	copy(s2, s)
	return s2
}
