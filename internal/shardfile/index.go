package shardfile

import (
	"bytes"
	"fmt"
	"io"
	"sort"
)

// Index is the sparse chunk index of a shard file. Entry i holds the largest
// key stored in chunk i of the content region. Entries [0, Filled()) are
// strictly increasing in a healthy file.
type Index struct {
	keySize   int
	chunkSize int64
	elemSize  int64
	maxChunks int
	keys      []byte
	filled    int

	// store receives every SetLargestKey at base+id*keySize. Nil for
	// in-memory only indexes (read-only handles).
	store io.WriterAt
	base  int64
}

func newIndex(keySize, chunkSize, elemSize int, capacity int64, store io.WriterAt, base int64) *Index {
	return &Index{
		keySize:   keySize,
		chunkSize: int64(chunkSize),
		elemSize:  int64(elemSize),
		maxChunks: int(capacity / int64(keySize)),
		store:     store,
		base:      base,
	}
}

// load reads the first n entries from r.
func (x *Index) load(r io.ReaderAt, n int) error {
	if n > x.maxChunks {
		return fmt.Errorf("%w: %d chunks recorded, capacity %d", ErrCorrupt, n, x.maxChunks)
	}
	x.keys = make([]byte, n*x.keySize)
	if n > 0 {
		if _, err := r.ReadAt(x.keys, x.base); err != nil {
			return fmt.Errorf("read index: %w", err)
		}
	}
	x.filled = n
	return nil
}

// Filled returns the number of chunks that have an entry.
func (x *Index) Filled() int { return x.filled }

// Capacity returns the number of chunks the index region can describe.
func (x *Index) Capacity() int { return x.maxChunks }

// LargestKey returns the recorded key of chunk id. The slice aliases the
// index and must not be modified.
func (x *Index) LargestKey(id int) []byte {
	return x.keys[id*x.keySize : (id+1)*x.keySize]
}

// ChunkForKey returns the smallest chunk whose largest key is >= key. It
// reports false when key is beyond the last filled chunk.
func (x *Index) ChunkForKey(key []byte) (int, bool) {
	k := key[:x.keySize]
	i := sort.Search(x.filled, func(i int) bool {
		return bytes.Compare(x.LargestKey(i), k) >= 0
	})
	if i == x.filled {
		return -1, false
	}
	return i, true
}

// StartOffset returns the content offset where chunk id begins.
func (x *Index) StartOffset(id int) int64 {
	return int64(id) * x.chunkSize
}

// FirstRecordOffset returns the offset of the first record that starts inside
// chunk id.
func (x *Index) FirstRecordOffset(id int) int64 {
	start := x.StartOffset(id)
	if rem := start % x.elemSize; rem != 0 {
		start += x.elemSize - rem
	}
	return start
}

// SetLargestKey records key for chunk id. The index only grows by appending:
// id may overwrite an existing entry or extend Filled by exactly one.
func (x *Index) SetLargestKey(id int, key []byte) error {
	if id < 0 || id >= x.maxChunks {
		return fmt.Errorf("%w: chunk %d, capacity %d", ErrIndexFull, id, x.maxChunks)
	}
	if id > x.filled {
		return fmt.Errorf("%w: chunk %d set before chunk %d", ErrCorrupt, id, x.filled)
	}
	if id == x.filled {
		x.keys = append(x.keys, key[:x.keySize]...)
		x.filled++
	} else {
		copy(x.LargestKey(id), key[:x.keySize])
	}
	if x.store != nil {
		if _, err := x.store.WriteAt(key[:x.keySize], x.base+int64(id*x.keySize)); err != nil {
			return fmt.Errorf("persist index entry %d: %w", id, err)
		}
	}
	return nil
}

// truncate forgets every entry from chunk n on.
func (x *Index) truncate(n int) {
	if n < x.filled {
		x.filled = n
		x.keys = x.keys[:n*x.keySize]
	}
}

// Validate checks that the filled entries are strictly increasing.
func (x *Index) Validate() error {
	for i := 1; i < x.filled; i++ {
		if bytes.Compare(x.LargestKey(i-1), x.LargestKey(i)) >= 0 {
			return fmt.Errorf("%w: index entry %d not greater than entry %d", ErrCorrupt, i, i-1)
		}
	}
	return nil
}
