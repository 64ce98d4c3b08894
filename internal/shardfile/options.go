package shardfile

import (
	"fmt"
	"io"
	"log/slog"
	"time"
)

const (
	HeaderSize = 1024

	DefaultIndexSize     = 512 * 1024
	DefaultChunkSize     = 16 * 1024
	DefaultInitialSize   = 1 << 20
	DefaultGrowIncrement = 1 << 20
	DefaultLockRetries   = 50
	DefaultLockBackoff   = 20 * time.Millisecond
)

// Mode selects how a shard file is opened.
type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
)

func (m Mode) String() string {
	if m == ReadWrite {
		return "read-write"
	}
	return "read-only"
}

// Options describes the record geometry and the I/O behaviour of a shard
// file. ElementSize, KeySize and ChunkSize may be left zero when opening an
// existing file; they are then taken from its header.
type Options struct {
	ElementSize   int
	KeySize       int
	ChunkSize     int
	IndexSize     int64
	InitialSize   int64
	GrowIncrement int64
	LockRetries   int
	LockBackoff   time.Duration
	UseMmap       bool // only honoured for ReadOnly handles
	Logger        *slog.Logger
}

func (o *Options) normalize() error {
	if o.ElementSize < 0 || o.KeySize < 0 || o.ChunkSize < 0 {
		return fmt.Errorf("negative record geometry: element=%d key=%d chunk=%d", o.ElementSize, o.KeySize, o.ChunkSize)
	}
	if o.IndexSize <= 0 {
		o.IndexSize = DefaultIndexSize
	}
	if o.InitialSize <= 0 {
		o.InitialSize = DefaultInitialSize
	}
	if o.GrowIncrement <= 0 {
		o.GrowIncrement = DefaultGrowIncrement
	}
	if o.LockRetries < 0 {
		o.LockRetries = 0
	} else if o.LockRetries == 0 {
		o.LockRetries = DefaultLockRetries
	}
	if o.LockBackoff <= 0 {
		o.LockBackoff = DefaultLockBackoff
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return nil
}

// geometry validates element, key and chunk size once all three are known.
// A chunk size that is not a multiple of the element size is rounded down;
// it never drops below one element.
func geometry(element, key, chunk int) (int, error) {
	if element <= 0 || key <= 0 {
		return 0, fmt.Errorf("%w: element size %d, key size %d", ErrBadHeader, element, key)
	}
	if key > element {
		return 0, fmt.Errorf("%w: key size %d exceeds element size %d", ErrBadHeader, key, element)
	}
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	if chunk < element {
		chunk = element
	}
	return chunk - chunk%element, nil
}
