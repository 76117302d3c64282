//go:build linux

package disk

import (
	"golang.org/x/sys/unix"
)

// deviceBytes asks the kernel for the size of a block device and falls back
// to fstat for regular files.
func deviceBytes(fd int, stat *unix.Stat_t) (uint64, error) {
	if stat.Mode&unix.S_IFMT == unix.S_IFBLK {
		n, err := unix.IoctlGetInt(fd, unix.BLKGETSIZE64)
		if err == nil {
			return uint64(n), nil
		}
	}
	return uint64(stat.Size), nil
}
