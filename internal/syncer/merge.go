package syncer

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/luhtfiimanal/go-shard-archive/internal/bucket"
	"github.com/luhtfiimanal/go-shard-archive/internal/shardfile"
)

// tail reads the on-disk records of a rewrite ahead of the write position.
// Every record is pulled into pending before the output overwrites it.
type tail struct {
	f       *shardfile.File
	elem    int
	pos     int64 // next offset to read from disk
	end     int64
	next    int64 // disk offset of the record at the head of pending
	pending []byte
	head    int
	buf     []byte
}

func newTail(f *shardfile.File, from int64) *tail {
	return &tail{
		f:    f,
		elem: f.ElementSize(),
		pos:  from,
		next: from,
		end:  f.FilledUpTo(),
		buf:  make([]byte, f.ChunkSize()),
	}
}

// fill reads disk content up to offset upTo.
func (t *tail) fill(upTo int64) error {
	for t.pos < min(upTo, t.end) {
		n, err := t.f.Read(t.pos, t.buf[:min(int64(len(t.buf)), t.end-t.pos)])
		if err != nil {
			return err
		}
		if t.head > 0 && t.head >= len(t.pending)/2 {
			n := copy(t.pending, t.pending[t.head:])
			t.pending, t.head = t.pending[:n], 0
		}
		t.pending = append(t.pending, t.buf[:n]...)
		t.pos += int64(n)
	}
	return nil
}

// peek returns the next unconsumed disk record, or nil at the end.
func (t *tail) peek() ([]byte, error) {
	if t.head == len(t.pending) {
		if err := t.fill(t.pos + int64(t.elem)); err != nil {
			return nil, err
		}
		if t.head == len(t.pending) {
			return nil, nil
		}
	}
	return t.pending[t.head : t.head+t.elem], nil
}

func (t *tail) pop() {
	t.head += t.elem
	t.next += int64(t.elem)
}

// mergeWrite merges the sorted, key-unique records of batch into f. The
// rewrite starts at the first stored record not below the batch's smallest
// key and runs under the shard journal, so it is either applied in full or
// rolled back.
func mergeWrite(f *shardfile.File, batch []byte, merge bucket.MergeFunc) (err error) {
	elem, key := f.ElementSize(), f.KeySize()
	if len(batch) == 0 {
		return nil
	}
	if merge == nil {
		merge = bucket.Replace
	}
	start, err := f.Seek(batch[:key], make([]byte, f.LookupBufferSize()))
	if err != nil {
		return err
	}
	if err := f.Journal(start); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			err = errors.Join(err, f.Rollback())
		}
	}()

	src := newTail(f, start)
	out := make([]byte, 0, f.ChunkSize())
	w := start
	flush := func() error {
		if len(out) == 0 {
			return nil
		}
		if err := src.fill(w + int64(len(out))); err != nil {
			return err
		}
		if err := f.Write(w, out); err != nil {
			return err
		}
		w += int64(len(out))
		out = out[:0]
		return nil
	}
	emit := func(rec []byte) error {
		out = append(out, rec[:elem]...)
		if len(out) == cap(out) {
			return flush()
		}
		return nil
	}

	for i := 0; ; {
		var in []byte
		if i < len(batch) {
			in = batch[i : i+elem]
		}
		d, err := src.peek()
		if err != nil {
			return err
		}
		if in == nil && (d == nil || w+int64(len(out)) == src.next) {
			// what is left on disk is already in place
			break
		}
		switch c := compare(in, d, key); {
		case c < 0:
			err = emit(in)
			i += elem
		case c > 0:
			err = emit(d)
			src.pop()
		default:
			m := merge(d, in)
			if len(m) < elem || !bytes.Equal(m[:key], d[:key]) {
				return fmt.Errorf("%w: merge changed the key or size of a record", shardfile.ErrCorrupt)
			}
			err = emit(m)
			src.pop()
			i += elem
		}
		if err != nil {
			return err
		}
	}
	if err := flush(); err != nil {
		return err
	}
	return f.Commit()
}

// compare orders a batch record against a disk record; a nil side sorts
// after everything.
func compare(in, d []byte, key int) int {
	switch {
	case d == nil:
		return -1
	case in == nil:
		return 1
	}
	return bytes.Compare(in[:key], d[:key])
}

// updateOnly merges the records of batch into the records already stored
// under the same keys. Keys absent from f are skipped; their number is
// returned.
func updateOnly(f *shardfile.File, batch []byte, merge bucket.MergeFunc) (missing int, err error) {
	elem, key := f.ElementSize(), f.KeySize()
	if merge == nil {
		merge = bucket.Replace
	}
	type patch struct {
		off int64
		rec []byte
	}
	var patches []patch
	scratch := make([]byte, f.LookupBufferSize())
	for i := 0; i < len(batch); i += elem {
		in := batch[i : i+elem]
		cur, off, err := f.Lookup(in[:key], scratch)
		if errors.Is(err, shardfile.ErrNotFound) {
			missing++
			continue
		}
		if err != nil {
			return missing, err
		}
		m := merge(bytes.Clone(cur), in)
		if len(m) < elem || !bytes.Equal(m[:key], in[:key]) {
			return missing, fmt.Errorf("%w: merge changed the key or size of a record", shardfile.ErrCorrupt)
		}
		patches = append(patches, patch{off: off, rec: bytes.Clone(m[:elem])})
	}
	if len(patches) == 0 {
		return missing, nil
	}

	if err := f.Journal(patches[0].off); err != nil {
		return missing, err
	}
	for _, p := range patches {
		if err := f.Write(p.off, p.rec); err != nil {
			return missing, errors.Join(err, f.Rollback())
		}
	}
	return missing, f.Commit()
}
