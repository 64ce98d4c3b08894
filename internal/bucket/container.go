package bucket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/luhtfiimanal/go-shard-archive/internal/partition"
)

var (
	// ErrClosed is returned by Add once the container has been closed.
	ErrClosed = errors.New("bucket container closed")

	ErrRecordSize = errors.New("record has the wrong size")
	ErrNotEmpty   = errors.New("buckets still hold records")

	// ErrMergeResult: a MergeFunc returned a record with another key or a
	// short length.
	ErrMergeResult = errors.New("merge changed the key or size of a record")
)

// Config sets the record geometry and limits of a Container.
type Config struct {
	ElementSize int
	KeySize     int
	MaxElements int // per bucket, 0 means bounded by memory only
	Logger      *slog.Logger
}

// Container routes records to one bucket per shard. When the target bucket
// is full, Add blocks until a flush frees room, the context is cancelled or
// the container is closed. A blocked writer raises the pressure flag so the
// flusher drains buckets regardless of their thresholds.
type Container struct {
	part  *partition.RangeFunc
	alloc *Allocator
	cfg   Config
	log   *slog.Logger

	mu      sync.Mutex
	buckets []*Bucket
	closed  bool
	gen     chan struct{}
	notify  func(shard int)

	waiting atomic.Int32
}

// NewContainer creates one empty bucket per shard of part.
func NewContainer(part *partition.RangeFunc, alloc *Allocator, cfg Config) (*Container, error) {
	if cfg.ElementSize <= 0 || cfg.KeySize <= 0 || cfg.KeySize > cfg.ElementSize {
		return nil, fmt.Errorf("invalid record geometry: element %d, key %d", cfg.ElementSize, cfg.KeySize)
	}
	if cfg.KeySize != part.KeySize() {
		return nil, fmt.Errorf("key size %d does not match partition key size %d", cfg.KeySize, part.KeySize())
	}
	if alloc.ChunkSize() < int64(cfg.ElementSize) {
		return nil, fmt.Errorf("allocator chunk %d is smaller than one record (%d)", alloc.ChunkSize(), cfg.ElementSize)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := &Container{
		part:  part,
		alloc: alloc,
		cfg:   cfg,
		log:   cfg.Logger,
		gen:   make(chan struct{}),
	}
	c.buckets = c.makeBuckets(part.NumShards())
	return c, nil
}

func (c *Container) makeBuckets(n int) []*Bucket {
	bs := make([]*Bucket, n)
	for i := range bs {
		bs[i] = newBucket(i, c.cfg.ElementSize, c.cfg.KeySize, c.cfg.MaxElements, c.alloc)
	}
	return bs
}

// SetNotify registers fn to be called with the shard id whenever a writer
// finds that shard's bucket full.
func (c *Container) SetNotify(fn func(shard int)) {
	c.mu.Lock()
	c.notify = fn
	c.mu.Unlock()
}

// Add routes and buffers records. Every record is validated and routed
// before any of them is buffered, so a routing failure inserts nothing. When
// Add returns a context or close error, the records before the one it was
// waiting for have been buffered.
func (c *Container) Add(ctx context.Context, records ...[]byte) error {
	if c.isClosed() {
		return ErrClosed
	}
	ids := make([]int, len(records))
	for i, rec := range records {
		if len(rec) != c.cfg.ElementSize {
			return fmt.Errorf("%w: record %d has %d bytes, expected %d", ErrRecordSize, i, len(rec), c.cfg.ElementSize)
		}
		id, err := c.part.ShardForKey(rec[:c.cfg.KeySize])
		if err != nil {
			return fmt.Errorf("route record %d: %w", i, err)
		}
		ids[i] = id
	}
	for i, rec := range records {
		if err := c.add(ctx, ids[i], rec); err != nil {
			return err
		}
	}
	return nil
}

func (c *Container) add(ctx context.Context, id int, rec []byte) error {
	for {
		b, wake, notify, err := c.target(id)
		if err != nil {
			return err
		}
		if b.Add(rec) {
			return nil
		}
		// wake was taken before the retry above, so a flush finishing in
		// between still wakes us
		c.waiting.Add(1)
		if notify != nil {
			notify(id)
		}
		select {
		case <-wake:
			c.waiting.Add(-1)
		case <-ctx.Done():
			c.waiting.Add(-1)
			return ctx.Err()
		}
	}
}

func (c *Container) target(id int) (*Bucket, <-chan struct{}, func(int), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, nil, nil, ErrClosed
	}
	if id >= len(c.buckets) {
		return nil, nil, nil, fmt.Errorf("%w: shard %d of %d", partition.ErrRouting, id, len(c.buckets))
	}
	return c.buckets[id], c.gen, c.notify, nil
}

// Signal wakes every writer blocked on a full bucket. The flusher calls it
// after each flush that freed memory.
func (c *Container) Signal() {
	c.mu.Lock()
	close(c.gen)
	c.gen = make(chan struct{})
	c.mu.Unlock()
}

// Pressure reports whether a writer is currently blocked.
func (c *Container) Pressure() bool { return c.waiting.Load() > 0 }

// Waiting returns the number of blocked writers.
func (c *Container) Waiting() int { return int(c.waiting.Load()) }

// Contains reports whether key is buffered in its shard's bucket.
func (c *Container) Contains(key []byte) (bool, error) {
	id, err := c.part.ShardForKey(key[:min(len(key), c.cfg.KeySize)])
	if err != nil {
		return false, err
	}
	b, err := c.Bucket(id)
	if err != nil {
		return false, err
	}
	return b.Contains(key), nil
}

// Bucket returns the bucket of shard id.
func (c *Container) Bucket(id int) (*Bucket, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id < 0 || id >= len(c.buckets) {
		return nil, fmt.Errorf("%w: shard %d of %d", partition.ErrRouting, id, len(c.buckets))
	}
	return c.buckets[id], nil
}

// Buckets returns a snapshot of all buckets in shard order.
func (c *Container) Buckets() []*Bucket {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Bucket(nil), c.buckets...)
}

// Len returns the number of buffered records over all buckets.
func (c *Container) Len() int {
	n := 0
	for _, b := range c.Buckets() {
		n += b.Len()
	}
	return n
}

// Rebuild replaces the buckets after the partition table changed shape. All
// buckets must be empty.
func (c *Container) Rebuild() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range c.buckets {
		if n := b.Len(); n > 0 {
			return fmt.Errorf("%w: shard %d has %d records", ErrNotEmpty, b.ID(), n)
		}
	}
	c.buckets = c.makeBuckets(c.part.NumShards())
	c.log.Debug("buckets rebuilt", "shards", len(c.buckets))
	return nil
}

// Close rejects further records and wakes blocked writers, which then fail
// with ErrClosed. Buffered records stay in place for the final flush.
func (c *Container) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.Signal()
}

func (c *Container) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Allocator returns the memory allocator shared by the buckets.
func (c *Container) Allocator() *Allocator { return c.alloc }
