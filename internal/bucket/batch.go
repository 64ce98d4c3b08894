package bucket

import (
	"bytes"
	"fmt"
	"time"

	"golang.org/x/exp/slices"
)

// MergeFunc combines two records with the same key into one. existing is the
// older record; the result must keep the key and the element size. It may
// reuse either argument's memory.
type MergeFunc func(existing, incoming []byte) []byte

// Replace keeps the newer record.
func Replace(_, incoming []byte) []byte { return incoming }

// Batch is the content of a drained bucket.
type Batch struct {
	shard   int
	elem    int
	key     int
	alloc   *Allocator
	segs    [][]byte
	n       int
	created time.Time
}

func (b *Batch) Shard() int { return b.shard }
func (b *Batch) Len() int   { return b.n }

// Each calls fn for every record in arrival order.
func (b *Batch) Each(fn func(rec []byte)) {
	for _, s := range b.segs {
		for off := 0; off < len(s); off += b.elem {
			fn(s[off : off+b.elem])
		}
	}
}

// Sorted returns the records as one slab sorted by key, with same-key
// records folded through merge in arrival order. A nil merge keeps the
// newest record. The batch itself is left untouched so it can still be
// restored.
func (b *Batch) Sorted(merge MergeFunc) ([]byte, error) {
	slab := make([]byte, 0, b.n*b.elem)
	b.Each(func(rec []byte) { slab = append(slab, rec...) })
	return SortRecords(slab, b.elem, b.key, merge)
}

// Release returns the batch memory to the allocator.
func (b *Batch) Release() {
	if b.alloc != nil {
		b.alloc.Release(int64(len(b.segs)) * b.alloc.ChunkSize())
	}
	b.segs, b.n = nil, 0
}

// SortRecords sorts the records in recs by key, stable with respect to their
// order in recs, and folds runs of equal keys through merge. It returns the
// sorted records as a new slab. A merge result that is shorter than elem or
// carries another key fails with ErrMergeResult.
func SortRecords(recs []byte, elem, key int, merge MergeFunc) ([]byte, error) {
	if merge == nil {
		merge = Replace
	}
	n := len(recs) / elem
	views := make([][]byte, n)
	for i := range views {
		views[i] = recs[i*elem : (i+1)*elem]
	}
	slices.SortStableFunc(views, func(a, b []byte) int {
		return bytes.Compare(a[:key], b[:key])
	})

	out := make([]byte, 0, len(recs))
	for i := 0; i < n; {
		acc := views[i]
		j := i + 1
		for ; j < n && bytes.Equal(views[j][:key], acc[:key]); j++ {
			acc = merge(acc, views[j])
			if len(acc) < elem || !bytes.Equal(acc[:key], views[j][:key]) {
				return nil, fmt.Errorf("%w: key %x", ErrMergeResult, views[j][:key])
			}
		}
		out = append(out, acc[:elem]...)
		i = j
	}
	return out, nil
}
