package bucket

import (
	"bytes"
	"sync"
	"time"
)

// Bucket stages the unflushed records of one shard. Records are kept in
// arrival order in a list of fixed-size segments; a segment is never
// reallocated, so a drained batch can be read while new records go into
// fresh segments. Add and Drain exclude each other through the bucket lock.
type Bucket struct {
	id    int
	elem  int
	key   int
	max   int
	alloc *Allocator

	mu      sync.Mutex
	segs    [][]byte
	n       int
	created time.Time
}

func newBucket(id, elem, key, maxElements int, alloc *Allocator) *Bucket {
	return &Bucket{id: id, elem: elem, key: key, max: maxElements, alloc: alloc}
}

// ID returns the shard id this bucket buffers for.
func (b *Bucket) ID() int { return b.id }

// Add appends one record. It reports false when the bucket reached its
// element cap or the allocator refused another segment.
func (b *Bucket) Add(rec []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.max > 0 && b.n >= b.max {
		return false
	}
	last := len(b.segs) - 1
	if last < 0 || cap(b.segs[last])-len(b.segs[last]) < b.elem {
		if !b.alloc.Acquire() {
			return false
		}
		size := int(b.alloc.ChunkSize())
		b.segs = append(b.segs, make([]byte, 0, size-size%b.elem))
		last++
	}
	b.segs[last] = append(b.segs[last], rec[:b.elem]...)
	if b.n == 0 {
		b.created = time.Now()
	}
	b.n++
	return true
}

// Len returns the number of buffered records.
func (b *Bucket) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.n
}

// Age returns how long the oldest buffered record has waited. An empty
// bucket has age zero.
func (b *Bucket) Age() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.n == 0 {
		return 0
	}
	return time.Since(b.created)
}

// Contains reports whether a record with key is buffered. It never looks at
// the shard file.
func (b *Bucket) Contains(key []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := key[:b.key]
	for _, s := range b.segs {
		for off := 0; off < len(s); off += b.elem {
			if bytes.Equal(s[off:off+b.key], k) {
				return true
			}
		}
	}
	return false
}

// Drain takes every buffered record out of the bucket and leaves it empty.
// It returns nil when there is nothing to take.
func (b *Bucket) Drain() *Batch {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.n == 0 {
		return nil
	}
	batch := &Batch{
		shard:   b.id,
		elem:    b.elem,
		key:     b.key,
		alloc:   b.alloc,
		segs:    b.segs,
		n:       b.n,
		created: b.created,
	}
	b.segs, b.n = nil, 0
	return batch
}

// Restore puts a drained batch back in front of whatever arrived since, so a
// failed flush loses nothing. The batch must not be used afterwards.
func (b *Bucket) Restore(batch *Batch) {
	if batch == nil || batch.n == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	segs := make([][]byte, 0, len(batch.segs)+len(b.segs))
	segs = append(segs, batch.segs...)
	b.segs = append(segs, b.segs...)
	if b.n == 0 || batch.created.Before(b.created) {
		b.created = batch.created
	}
	b.n += batch.n
	batch.segs, batch.n = nil, 0
}

// Bytes returns the memory held by the bucket's segments.
func (b *Bucket) Bytes() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.segs)) * b.alloc.ChunkSize()
}

func (b *Bucket) ElementSize() int { return b.elem }
