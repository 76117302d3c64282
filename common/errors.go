package common

import "errors"

// Error taxonomy of the engine. Callers match with errors.Is; the wrapping
// message carries the context.
var (
	// ErrConfig is an illegal or overflowing derived configuration value.
	ErrConfig = errors.New("illegal configuration")

	// ErrInvalidArgument is a caller-supplied value out of range.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrDevice is an I/O failure on the block device.
	ErrDevice = errors.New("device error")

	// ErrCorruption means no valid copy of some on-disk structure exists.
	ErrCorruption = errors.New("corruption")

	// ErrOutOfSpace is returned to a writer when no clean segment exists
	// and cleaning could not produce one. Retry after a cleaning pass.
	ErrOutOfSpace = errors.New("out of space")

	// ErrConcurrency is a broken internal invariant. It is a defect and is
	// never retried.
	ErrConcurrency = errors.New("concurrency violation")

	// ErrNotFound means the inode has no current imap entry.
	ErrNotFound = errors.New("inode not found")
)
