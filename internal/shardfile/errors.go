package shardfile

import "errors"

var (
	// ErrLockContention is returned when the OS file lock could not be taken
	// within the configured number of retries.
	ErrLockContention = errors.New("shard file is locked by another handle")

	// ErrOutOfRange is returned for reads at or beyond the high-water mark.
	ErrOutOfRange = errors.New("offset out of range")

	// ErrIndexFull is returned when growing the file would need more chunks
	// than the sparse index region can describe.
	ErrIndexFull = errors.New("sparse index capacity exceeded")

	// ErrCorrupt marks an index or content ordering violation.
	ErrCorrupt = errors.New("shard file corrupted")

	ErrBadHeader     = errors.New("bad shard header")
	ErrUnaligned     = errors.New("offset or length not aligned to element size")
	ErrNotFound      = errors.New("key not found")
	ErrClosed        = errors.New("shard file closed")
	ErrReadOnly      = errors.New("shard file opened read-only")
	ErrNeedsRecovery = errors.New("shard file has a pending journal, open read-write to recover")
)
