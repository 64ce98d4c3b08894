package bucket

import "sync/atomic"

// Allocator hands out buffer memory in fixed chunks against a budget shared
// by every bucket of one store. It only does the accounting; the buckets own
// the bytes.
type Allocator struct {
	budget int64
	chunk  int64
	used   atomic.Int64
}

// NewAllocator returns an allocator granting chunk bytes at a time out of
// budget. The budget is raised to one chunk if it is smaller.
func NewAllocator(budget, chunk int64) *Allocator {
	if chunk <= 0 {
		chunk = 64 * 1024
	}
	if budget < chunk {
		budget = chunk
	}
	return &Allocator{budget: budget, chunk: chunk}
}

// Acquire reserves one chunk. It reports false when the budget is spent.
func (a *Allocator) Acquire() bool {
	for {
		used := a.used.Load()
		if used+a.chunk > a.budget {
			return false
		}
		if a.used.CompareAndSwap(used, used+a.chunk) {
			return true
		}
	}
}

// Release gives n bytes back to the budget.
func (a *Allocator) Release(n int64) {
	if n > 0 {
		a.used.Add(-n)
	}
}

func (a *Allocator) Used() int64      { return a.used.Load() }
func (a *Allocator) Budget() int64    { return a.budget }
func (a *Allocator) ChunkSize() int64 { return a.chunk }
