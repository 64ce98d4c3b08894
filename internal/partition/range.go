package partition

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrRouting is returned when a key cannot be mapped to any shard: the
	// key has the wrong width or the table is empty.
	ErrRouting = errors.New("key does not map to a shard")

	// ErrBadTable marks an invalid set of ranges or an unparsable table file.
	ErrBadTable = errors.New("malformed partition table")

	ErrTooFewRecords = errors.New("shard holds fewer records than requested parts")
)

// Range is one entry of the partition table. A shard owns every key greater
// than the previous shard's upper bound and not greater than its own.
type Range struct {
	UpperBound []byte
	Filename   string
}

// RangeFunc maps keys to shards by sorted upper bounds. Shard ids are the
// positions in the sorted table, so they are always dense. Keys above the
// last bound wrap around to shard 0.
//
// A RangeFunc is safe for concurrent use. ReplaceRange swaps the table
// atomically with respect to lookups.
type RangeFunc struct {
	mu      sync.RWMutex
	keySize int
	ranges  []Range
}

// New builds a range function. ranges may be given in any order; they are
// sorted by upper bound. Bounds and filenames must be unique.
func New(keySize int, ranges []Range) (*RangeFunc, error) {
	if keySize <= 0 {
		return nil, fmt.Errorf("%w: key size %d", ErrBadTable, keySize)
	}
	if len(ranges) == 0 {
		return nil, fmt.Errorf("%w: no ranges", ErrBadTable)
	}
	rs := make([]Range, len(ranges))
	for i, r := range ranges {
		rs[i] = Range{UpperBound: bytes.Clone(r.UpperBound), Filename: r.Filename}
	}
	if err := normalize(keySize, rs); err != nil {
		return nil, err
	}
	return &RangeFunc{keySize: keySize, ranges: rs}, nil
}

func normalize(keySize int, rs []Range) error {
	sort.SliceStable(rs, func(i, j int) bool {
		return bytes.Compare(rs[i].UpperBound, rs[j].UpperBound) < 0
	})
	names := make(map[string]struct{}, len(rs))
	for i, r := range rs {
		if len(r.UpperBound) != keySize {
			return fmt.Errorf("%w: bound %d has %d bytes, key size is %d", ErrBadTable, i, len(r.UpperBound), keySize)
		}
		if r.Filename == "" || strings.ContainsAny(r.Filename, "\t\n") {
			return fmt.Errorf("%w: invalid filename %q", ErrBadTable, r.Filename)
		}
		if _, dup := names[r.Filename]; dup {
			return fmt.Errorf("%w: filename %q used twice", ErrBadTable, r.Filename)
		}
		names[r.Filename] = struct{}{}
		if i > 0 && bytes.Equal(rs[i-1].UpperBound, r.UpperBound) {
			return fmt.Errorf("%w: duplicate upper bound %v", ErrBadTable, r.UpperBound)
		}
	}
	return nil
}

// Uniform spreads n shards evenly over the whole key space. Shard i is
// stored in prefix+i+suffix and the last bound is all 0xFF.
func Uniform(keySize, n int, prefix, suffix string) (*RangeFunc, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: %d shards", ErrBadTable, n)
	}
	space := new(big.Int).Lsh(big.NewInt(1), uint(8*keySize))
	if space.Cmp(big.NewInt(int64(n))) < 0 {
		return nil, fmt.Errorf("%w: %d shards do not fit a %d byte key", ErrBadTable, n, keySize)
	}
	ranges := make([]Range, n)
	one := big.NewInt(1)
	for i := range ranges {
		b := new(big.Int).Mul(space, big.NewInt(int64(i+1)))
		b.Quo(b, big.NewInt(int64(n)))
		b.Sub(b, one)
		ranges[i] = Range{
			UpperBound: b.FillBytes(make([]byte, keySize)),
			Filename:   fmt.Sprintf("%s%d%s", prefix, i, suffix),
		}
	}
	return New(keySize, ranges)
}

// ShardForKey returns the id of the shard owning key.
func (p *RangeFunc) ShardForKey(key []byte) (int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.shardForKey(key)
}

func (p *RangeFunc) shardForKey(key []byte) (int, error) {
	if len(p.ranges) == 0 {
		return -1, fmt.Errorf("%w: empty table", ErrRouting)
	}
	if len(key) != p.keySize {
		return -1, fmt.Errorf("%w: key has %d bytes, expected %d", ErrRouting, len(key), p.keySize)
	}
	i := sort.Search(len(p.ranges), func(i int) bool {
		return bytes.Compare(p.ranges[i].UpperBound, key) >= 0
	})
	if i == len(p.ranges) {
		return 0, nil
	}
	return i, nil
}

// Filename returns the file name of shard id, relative to the store
// directory.
func (p *RangeFunc) Filename(id int) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ranges[id].Filename
}

// UpperBound returns a copy of the upper bound of shard id.
func (p *RangeFunc) UpperBound(id int) []byte {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return bytes.Clone(p.ranges[id].UpperBound)
}

func (p *RangeFunc) NumShards() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.ranges)
}

func (p *RangeFunc) KeySize() int { return p.keySize }

// Ranges returns a copy of the table in shard id order.
func (p *RangeFunc) Ranges() []Range {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Range, len(p.ranges))
	for i, r := range p.ranges {
		out[i] = Range{UpperBound: bytes.Clone(r.UpperBound), Filename: r.Filename}
	}
	return out
}

// Filenames returns the file name of every shard in id order.
func (p *RangeFunc) Filenames() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, len(p.ranges))
	for i, r := range p.ranges {
		out[i] = r.Filename
	}
	return out
}

// Clone returns an independent copy of the table.
func (p *RangeFunc) Clone() *RangeFunc {
	return &RangeFunc{keySize: p.keySize, ranges: p.Ranges()}
}

// Overlaps reports whether shard id may hold a key in [from, to]. Shard 0
// also owns the wrapped space above the last bound.
func (p *RangeFunc) Overlaps(id int, from, to []byte) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	last := len(p.ranges) - 1
	if id == 0 && bytes.Compare(to, p.ranges[last].UpperBound) > 0 {
		return true
	}
	if bytes.Compare(from, p.ranges[id].UpperBound) > 0 {
		return false
	}
	return id == 0 || bytes.Compare(to, p.ranges[id-1].UpperBound) > 0
}

// DerivedFilename names the k-th file a split of name produces:
// "shard.db" becomes "shard_k.db".
func DerivedFilename(name string, k int) string {
	ext := filepath.Ext(name)
	return fmt.Sprintf("%s_%d%s", strings.TrimSuffix(name, ext), k, ext)
}

// ReplaceRange swaps shard id for len(bounds) shards with the given upper
// bounds and derived filenames, then renumbers the table. bounds must be
// strictly increasing, the last one must equal the old upper bound and the
// first one must lie above the previous shard's bound, so the covered key
// space does not change. It returns the new ranges in order.
func (p *RangeFunc) ReplaceRange(id int, bounds [][]byte) ([]Range, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id < 0 || id >= len(p.ranges) {
		return nil, fmt.Errorf("%w: shard %d of %d", ErrBadTable, id, len(p.ranges))
	}
	if len(bounds) == 0 {
		return nil, fmt.Errorf("%w: no bounds for shard %d", ErrBadTable, id)
	}
	old := p.ranges[id]
	if !bytes.Equal(bounds[len(bounds)-1], old.UpperBound) {
		return nil, fmt.Errorf("%w: last bound must equal the replaced bound %v", ErrBadTable, old.UpperBound)
	}
	for i, b := range bounds {
		if len(b) != p.keySize {
			return nil, fmt.Errorf("%w: bound %d has %d bytes, key size is %d", ErrBadTable, i, len(b), p.keySize)
		}
		if i > 0 && bytes.Compare(bounds[i-1], b) >= 0 {
			return nil, fmt.Errorf("%w: bounds are not strictly increasing at %d", ErrBadTable, i)
		}
	}
	if id > 0 && bytes.Compare(bounds[0], p.ranges[id-1].UpperBound) <= 0 {
		return nil, fmt.Errorf("%w: bound %v falls into shard %d", ErrBadTable, bounds[0], id-1)
	}

	added := make([]Range, len(bounds))
	for k, b := range bounds {
		added[k] = Range{UpperBound: bytes.Clone(b), Filename: DerivedFilename(old.Filename, k)}
	}
	next := make([]Range, 0, len(p.ranges)+len(bounds)-1)
	next = append(next, p.ranges[:id]...)
	next = append(next, added...)
	next = append(next, p.ranges[id+1:]...)
	if err := normalize(p.keySize, next); err != nil {
		return nil, err
	}
	p.ranges = next
	return added, nil
}

// Reset replaces the whole table with the one held by other.
func (p *RangeFunc) Reset(other *RangeFunc) {
	rs := other.Ranges()
	p.mu.Lock()
	p.ranges = rs
	p.mu.Unlock()
}
