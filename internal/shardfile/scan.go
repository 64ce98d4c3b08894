package shardfile

import (
	"bytes"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// Scanner streams records sequentially, one chunk read at a time, without
// consulting the index.
type Scanner struct {
	f    *File
	next int64
	base int64
	buf  []byte
	n    int
	pos  int
	rec  []byte
	err  error
}

// Scan returns a Scanner positioned at the record containing offset from.
func (f *File) Scan(from int64) *Scanner {
	if from < 0 {
		from = 0
	}
	return &Scanner{
		f:    f,
		next: from / f.elem * f.elem,
		buf:  make([]byte, f.chunk),
	}
}

// ReadAhead makes every read of s fetch chunks chunks at once instead of
// one. It must be called before the first Next.
func (s *Scanner) ReadAhead(chunks int) *Scanner {
	if chunks > 1 && s.n == 0 {
		s.buf = make([]byte, int64(chunks)*s.f.chunk)
	}
	return s
}

// Next advances to the next record.
func (s *Scanner) Next() bool {
	if s.err != nil {
		return false
	}
	elem := int(s.f.elem)
	if s.pos+elem > s.n {
		if s.next >= s.f.FilledUpTo() {
			return false
		}
		n, err := s.f.Read(s.next, s.buf)
		if err != nil {
			s.err = err
			return false
		}
		s.base, s.n, s.pos = s.next, n-n%elem, 0
		s.next += int64(s.n)
		if s.n == 0 {
			return false
		}
	}
	s.rec = s.buf[s.pos : s.pos+elem]
	s.pos += elem
	return true
}

// Record returns the current record. It is only valid until the next call
// to Next.
func (s *Scanner) Record() []byte { return s.rec }

// Key returns the key prefix of the current record.
func (s *Scanner) Key() []byte { return s.rec[:s.f.key] }

// Offset returns the content offset of the current record.
func (s *Scanner) Offset() int64 { return s.base + int64(s.pos) - s.f.elem }

func (s *Scanner) Err() error { return s.err }

// Lookup finds the record with the given key: the index names the candidate
// chunk and a binary search runs over that chunk's records only. buf is used
// as scratch when it holds LookupBufferSize bytes. The returned record
// aliases the scratch space.
func (f *File) Lookup(key []byte, buf []byte) ([]byte, int64, error) {
	if f.osf == nil {
		return nil, -1, ErrClosed
	}
	c, ok := f.idx.ChunkForKey(key)
	if !ok {
		return nil, -1, ErrNotFound
	}
	win, start, err := f.window(c, buf)
	if err != nil {
		return nil, -1, err
	}
	e, k := int(f.elem), key[:f.key]
	i := f.search(win, k)
	if i*e < len(win) && bytes.Equal(win[i*e:i*e+f.key], k) {
		return win[i*e : (i+1)*e], start + int64(i*e), nil
	}
	return nil, -1, ErrNotFound
}

// Seek returns the offset of the first record whose key is not below key,
// or FilledUpTo when every stored key is smaller.
func (f *File) Seek(key []byte, buf []byte) (int64, error) {
	if f.osf == nil {
		return -1, ErrClosed
	}
	c, ok := f.idx.ChunkForKey(key)
	if !ok {
		return f.FilledUpTo(), nil
	}
	win, start, err := f.window(c, buf)
	if err != nil {
		return -1, err
	}
	return start + int64(f.search(win, key[:f.key])*int(f.elem)), nil
}

// window loads the records starting in chunk c.
func (f *File) window(c int, buf []byte) ([]byte, int64, error) {
	filled := int64(f.hdr.FilledUpTo)
	start := f.idx.FirstRecordOffset(c)
	size := f.lastRecordStart(c, filled) + f.elem - start
	if int64(cap(buf)) < size {
		buf = make([]byte, size)
	}
	buf = buf[:size]
	if _, err := f.Read(start, buf); err != nil {
		return nil, -1, err
	}
	return buf, start, nil
}

func (f *File) search(win, key []byte) int {
	e := int(f.elem)
	return sort.Search(len(win)/e, func(i int) bool {
		return bytes.Compare(win[i*e:i*e+f.key], key) >= 0
	})
}

// Digest returns the xxhash64 of the content region.
func (f *File) Digest() (uint64, error) {
	h := xxhash.New()
	buf := make([]byte, f.chunk)
	for pos := int64(0); pos < f.FilledUpTo(); {
		n, err := f.Read(pos, buf)
		if err != nil {
			return 0, err
		}
		h.Write(buf[:n])
		pos += int64(n)
	}
	return h.Sum64(), nil
}
