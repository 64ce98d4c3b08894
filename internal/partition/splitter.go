package partition

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/luhtfiimanal/go-shard-archive/internal/shardfile"
)

// Splitter replaces one shard with several narrower ones. It must run with
// exclusive access to the shard being split; the caller is responsible for
// keeping writers away.
type Splitter struct {
	Dir         string
	Table       *RangeFunc
	TablePath   string // table is persisted here after the swap; empty skips it
	FileOptions shardfile.Options
	Logger      *slog.Logger
}

type splitTarget struct {
	rng  Range
	tmp  string
	file *shardfile.File
	buf  []byte
	sum  *xxhash.Digest
	n    int64
}

// Split divides shard id into parts shards of (almost) equal record count.
// Records are streamed in one pass into temporary files, each new file is
// verified against the digest of what was streamed into it, then the files
// are installed, the table is swapped and persisted and the old file is
// removed. It returns the new ranges; they take ids id..id+parts-1.
func (s *Splitter) Split(id, parts int) (ranges []Range, err error) {
	log := s.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if parts < 2 {
		return nil, fmt.Errorf("%w: cannot split into %d parts", ErrBadTable, parts)
	}
	if id < 0 || id >= s.Table.NumShards() {
		return nil, fmt.Errorf("%w: shard %d of %d", ErrBadTable, id, s.Table.NumShards())
	}
	oldName := s.Table.Filename(id)
	oldBound := s.Table.UpperBound(id)
	srcPath := filepath.Join(s.Dir, oldName)

	src, err := shardfile.Open(srcPath, shardfile.ReadOnly, s.FileOptions)
	if err != nil {
		return nil, err
	}
	srcOpen := true
	defer func() {
		if srcOpen {
			src.Close()
		}
	}()

	// shard 0 also holds keys above the last bound; they sort after
	// everything else and stay out of the split point computation
	total := src.Len()
	inRange, err := countUpTo(src, oldBound)
	if err != nil {
		return nil, err
	}
	if inRange < int64(parts) {
		return nil, fmt.Errorf("%w: shard %d has %d records, %d parts requested", ErrTooFewRecords, id, inRange, parts)
	}

	bounds := make([][]byte, parts)
	rec := make([]byte, src.ElementSize())
	for k := 0; k < parts-1; k++ {
		last := int64(k+1)*inRange/int64(parts) - 1
		if _, err := src.Read(last*int64(src.ElementSize()), rec); err != nil {
			return nil, err
		}
		bounds[k] = bytes.Clone(rec[:src.KeySize()])
	}
	bounds[parts-1] = oldBound

	next := s.Table.Clone()
	added, err := next.ReplaceRange(id, bounds)
	if err != nil {
		return nil, err
	}

	opts := s.FileOptions
	opts.ElementSize, opts.KeySize, opts.ChunkSize = src.ElementSize(), src.KeySize(), src.ChunkSize()
	tag := uuid.NewString()
	targets := make([]*splitTarget, parts)
	defer func() {
		for _, t := range targets {
			if t == nil {
				continue
			}
			if t.file != nil {
				t.file.Close()
			}
			if err != nil {
				os.Remove(t.tmp)
			}
		}
	}()
	for k, r := range added {
		t := &splitTarget{
			rng: r,
			tmp: filepath.Join(s.Dir, r.Filename+"."+tag+".split"),
			buf: make([]byte, 0, src.ChunkSize()),
			sum: xxhash.New(),
		}
		targets[k] = t
		if t.file, err = shardfile.Open(t.tmp, shardfile.ReadWrite, opts); err != nil {
			return nil, err
		}
	}

	sc := src.Scan(0)
	for sc.Next() {
		k := sort.Search(parts, func(i int) bool {
			return bytes.Compare(bounds[i], sc.Key()) >= 0
		})
		if k == parts {
			k = 0
		}
		if err = targets[k].add(sc.Record()); err != nil {
			return nil, err
		}
	}
	if err = sc.Err(); err != nil {
		return nil, err
	}

	var written int64
	for _, t := range targets {
		if err = t.finish(); err != nil {
			return nil, err
		}
		written += t.n
	}
	if written != total {
		err = fmt.Errorf("%w: split of shard %d wrote %d records, source holds %d", shardfile.ErrCorrupt, id, written, total)
		return nil, err
	}
	for _, t := range targets {
		if err = t.verify(opts); err != nil {
			return nil, err
		}
	}

	srcOpen = false
	if err = src.Close(); err != nil {
		return nil, err
	}
	for _, t := range targets {
		if err = os.Rename(t.tmp, filepath.Join(s.Dir, t.rng.Filename)); err != nil {
			err = fmt.Errorf("install split shard %s: %w", t.rng.Filename, err)
			return nil, err
		}
	}
	if s.TablePath != "" {
		if err = next.Store(s.TablePath); err != nil {
			return nil, err
		}
	}
	s.Table.Reset(next)

	if rerr := os.Remove(srcPath); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
		log.Warn("could not remove split shard file", "file", oldName, "err", rerr)
	}
	log.Info("split shard", "shard", id, "file", oldName, "parts", parts, "records", total)
	return added, nil
}

// countUpTo returns how many leading records have a key not above bound.
func countUpTo(f *shardfile.File, bound []byte) (int64, error) {
	n := f.Len()
	elem := int64(f.ElementSize())
	key := make([]byte, f.KeySize())
	var rerr error
	i := sort.Search(int(n), func(i int) bool {
		if rerr != nil {
			return true
		}
		if _, err := f.Read(int64(i)*elem, key); err != nil {
			rerr = err
			return true
		}
		return bytes.Compare(key, bound) > 0
	})
	return int64(i), rerr
}

func (t *splitTarget) add(rec []byte) error {
	t.buf = append(t.buf, rec...)
	t.sum.Write(rec)
	t.n++
	if len(t.buf) == cap(t.buf) {
		return t.flush()
	}
	return nil
}

func (t *splitTarget) flush() error {
	if len(t.buf) == 0 {
		return nil
	}
	if _, err := t.file.Append(t.buf); err != nil {
		return err
	}
	t.buf = t.buf[:0]
	return nil
}

func (t *splitTarget) finish() error {
	if err := t.flush(); err != nil {
		return err
	}
	err := t.file.Close()
	t.file = nil
	return err
}

func (t *splitTarget) verify(opts shardfile.Options) error {
	f, err := shardfile.Open(t.tmp, shardfile.ReadOnly, opts)
	if err != nil {
		return err
	}
	defer f.Close()
	got, err := f.Digest()
	if err != nil {
		return err
	}
	if got != t.sum.Sum64() || f.Len() != t.n {
		return fmt.Errorf("%w: split target %s digest mismatch", shardfile.ErrCorrupt, t.rng.Filename)
	}
	ok, err := f.IsConsistent()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: split target %s is out of order", shardfile.ErrCorrupt, t.rng.Filename)
	}
	return nil
}
