package shardfile

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// File is one open shard file. It owns the OS descriptor, the advisory lock,
// the decoded header and the sparse index. A File is not safe for concurrent
// use; concurrent handles on the same path are prevented by the OS lock.
type File struct {
	path string
	mode Mode
	opts Options
	log  *slog.Logger

	osf  *os.File
	mmap []byte // read-only mapping, nil unless UseMmap on a ReadOnly handle

	hdr          Header
	idx          *Index
	contentStart int64
	elem         int64
	key          int
	chunk        int64

	recovered bool
	journal   *journalState
	keyBuf    []byte
	hdrBuf    []byte
}

// Open opens the shard file at path. In ReadWrite mode a missing file is
// created with Options.InitialSize bytes of content capacity. An existing
// file whose soft-close flag is unset gets its index repaired before Open
// returns.
func Open(path string, mode Mode, opts Options) (*File, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	flag := os.O_RDONLY
	if mode == ReadWrite {
		flag = os.O_RDWR | os.O_CREATE
	}
	osf, err := os.OpenFile(path, flag, 0o666)
	if err != nil {
		return nil, fmt.Errorf("open shard %s: %w", path, err)
	}

	f := &File{
		path:         path,
		mode:         mode,
		opts:         opts,
		log:          opts.Logger.With("shard", filepath.Base(path)),
		osf:          osf,
		contentStart: HeaderSize + opts.IndexSize,
		hdrBuf:       make([]byte, HeaderSize),
	}
	if err := f.lock(); err != nil {
		osf.Close()
		return nil, err
	}
	if err := f.init(); err != nil {
		if f.mmap != nil {
			unix.Munmap(f.mmap)
		}
		f.unlock()
		osf.Close()
		return nil, err
	}
	return f, nil
}

func (f *File) init() error {
	st, err := f.osf.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", f.path, err)
	}
	if st.Size() == 0 {
		if f.mode != ReadWrite {
			return fmt.Errorf("%w: %s is empty", ErrBadHeader, f.path)
		}
		return f.create()
	}
	if st.Size() < f.contentStart {
		return fmt.Errorf("%w: %s is %d bytes, header and index need %d", ErrBadHeader, f.path, st.Size(), f.contentStart)
	}

	if _, err := f.osf.ReadAt(f.hdrBuf, 0); err != nil {
		return fmt.Errorf("read header %s: %w", f.path, err)
	}
	f.hdr = decodeHeader(f.hdrBuf)
	if err := f.adoptGeometry(); err != nil {
		return err
	}
	filled := int64(f.hdr.FilledUpTo)
	if filled%f.elem != 0 || f.contentStart+filled > st.Size() {
		return fmt.Errorf("%w: filled-up-to %d does not fit %s (%d bytes)", ErrCorrupt, filled, f.path, st.Size())
	}
	f.hdr.FileSize = uint64(st.Size())

	var store io.WriterAt
	if f.mode == ReadWrite {
		store = f.osf
	}
	f.idx = newIndex(f.key, int(f.chunk), int(f.elem), f.opts.IndexSize, store, HeaderSize)
	if err := f.idx.load(f.osf, f.chunkCount(filled)); err != nil {
		return err
	}

	softClosed := f.hdr.SoftClosed
	if f.mode == ReadOnly {
		if _, err := os.Stat(f.journalPath()); err == nil {
			return fmt.Errorf("%w: %s", ErrNeedsRecovery, f.path)
		}
		if f.opts.UseMmap {
			m, err := unix.Mmap(int(f.osf.Fd()), 0, int(st.Size()), unix.PROT_READ, unix.MAP_SHARED)
			if err != nil {
				return fmt.Errorf("mmap %s: %w", f.path, err)
			}
			f.mmap = m
		}
		if !softClosed {
			f.log.Warn("shard was not closed softly, rebuilding index in memory")
			f.recovered = true
			return f.RepairIndex()
		}
		return nil
	}

	rolledBack, err := f.recoverJournal()
	if err != nil {
		return err
	}
	f.hdr.SoftClosed = false
	if err := f.writeHeader(); err != nil {
		return err
	}
	if err := f.osf.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", f.path, err)
	}
	if !softClosed || rolledBack {
		f.log.Warn("shard was not closed softly, repairing index", "filled", f.hdr.FilledUpTo)
		f.recovered = true
		return f.RepairIndex()
	}
	return nil
}

func (f *File) create() error {
	chunk, err := geometry(f.opts.ElementSize, f.opts.KeySize, f.opts.ChunkSize)
	if err != nil {
		return err
	}
	f.hdr = Header{
		ChunkSize:   uint32(chunk),
		ElementSize: uint32(f.opts.ElementSize),
		KeySize:     uint32(f.opts.KeySize),
	}
	f.setGeometry()
	f.idx = newIndex(f.key, int(f.chunk), int(f.elem), f.opts.IndexSize, f.osf, HeaderSize)
	if err := f.grow(f.opts.InitialSize); err != nil {
		return err
	}
	if err := f.writeHeader(); err != nil {
		return err
	}
	return f.osf.Sync()
}

// adoptGeometry checks the header against the supplied options. Zero option
// values accept whatever the header says.
func (f *File) adoptGeometry() error {
	h := f.hdr
	if _, err := geometry(int(h.ElementSize), int(h.KeySize), int(h.ChunkSize)); err != nil {
		return err
	}
	if int(h.ChunkSize)%int(h.ElementSize) != 0 {
		f.log.Warn("chunk size is not a multiple of element size", "chunk", h.ChunkSize, "element", h.ElementSize)
	}
	mismatch := func(name string, want int, have uint32) error {
		if want != 0 && want != int(have) {
			return fmt.Errorf("%w: %s %d in %s, expected %d", ErrBadHeader, name, have, f.path, want)
		}
		return nil
	}
	if err := errors.Join(
		mismatch("element size", f.opts.ElementSize, h.ElementSize),
		mismatch("key size", f.opts.KeySize, h.KeySize),
	); err != nil {
		return err
	}
	if f.opts.ChunkSize != 0 {
		want, _ := geometry(int(h.ElementSize), int(h.KeySize), f.opts.ChunkSize)
		if err := mismatch("chunk size", want, h.ChunkSize); err != nil {
			return err
		}
	}
	f.setGeometry()
	return nil
}

func (f *File) setGeometry() {
	f.elem = int64(f.hdr.ElementSize)
	f.key = int(f.hdr.KeySize)
	f.chunk = int64(f.hdr.ChunkSize)
	f.keyBuf = make([]byte, f.key)
}

func (f *File) capacity() int64 {
	c := int64(f.hdr.FileSize) - f.contentStart
	if c < 0 {
		return 0
	}
	return c
}

// grow makes room for content up to end. The deficit is rounded up to the
// grow increment, clamped to what the index can describe.
func (f *File) grow(end int64) error {
	capacity := f.capacity()
	if end <= capacity {
		return nil
	}
	maxCap := int64(f.idx.Capacity()) * f.chunk
	if end > maxCap {
		return fmt.Errorf("%w: %s needs %d content bytes, index covers %d", ErrIndexFull, f.path, end, maxCap)
	}
	inc := f.opts.GrowIncrement
	newCap := capacity + (end-capacity+inc-1)/inc*inc
	if newCap > maxCap {
		newCap = maxCap
	}
	size := f.contentStart + newCap
	if err := f.osf.Truncate(size); err != nil {
		return fmt.Errorf("grow %s to %d bytes: %w", f.path, size, err)
	}
	f.hdr.FileSize = uint64(size)
	return nil
}

func (f *File) writeHeader() error {
	f.hdr.encode(f.hdrBuf)
	if _, err := f.osf.WriteAt(f.hdrBuf, 0); err != nil {
		return fmt.Errorf("write header %s: %w", f.path, err)
	}
	return nil
}

// chunkCount returns how many chunks contain the start of a record when the
// content is filled up to filled bytes.
func (f *File) chunkCount(filled int64) int {
	if filled <= 0 {
		return 0
	}
	return int((filled-f.elem)/f.chunk) + 1
}

// lastRecordStart returns the offset of the last record starting in chunk c.
func (f *File) lastRecordStart(c int, filled int64) int64 {
	end := min(int64(c+1)*f.chunk, filled)
	return (end - 1) / f.elem * f.elem
}

func (f *File) readKey(off int64, dst []byte) error {
	if f.mmap != nil {
		copy(dst, f.mmap[f.contentStart+off:])
		return nil
	}
	if _, err := f.osf.ReadAt(dst, f.contentStart+off); err != nil {
		return fmt.Errorf("read key %s at %d: %w", f.path, off, err)
	}
	return nil
}

// Read copies content starting at off into dst. Reads are truncated at the
// high-water mark; off at or beyond it yields ErrOutOfRange.
func (f *File) Read(off int64, dst []byte) (int, error) {
	if f.osf == nil {
		return 0, ErrClosed
	}
	filled := int64(f.hdr.FilledUpTo)
	if off < 0 || off >= filled {
		return 0, fmt.Errorf("%w: offset %d, filled up to %d", ErrOutOfRange, off, filled)
	}
	n := int64(len(dst))
	if off+n > filled {
		n = filled - off
	}
	if f.mmap != nil {
		return copy(dst[:n], f.mmap[f.contentStart+off:]), nil
	}
	m, err := f.osf.ReadAt(dst[:n], f.contentStart+off)
	if err != nil {
		return m, fmt.Errorf("read %s at %d: %w", f.path, off, err)
	}
	return m, nil
}

// Write stores p at off, growing the file when needed and refreshing the
// index entry of every chunk the write touches. off must not leave a gap
// after the high-water mark.
func (f *File) Write(off int64, p []byte) error {
	if f.osf == nil {
		return ErrClosed
	}
	if f.mode != ReadWrite {
		return ErrReadOnly
	}
	if len(p) == 0 {
		return nil
	}
	if off < 0 || off%f.elem != 0 || int64(len(p))%f.elem != 0 {
		return fmt.Errorf("%w: offset %d, length %d, element %d", ErrUnaligned, off, len(p), f.elem)
	}
	filled := int64(f.hdr.FilledUpTo)
	if off > filled {
		return fmt.Errorf("%w: write at %d leaves a gap after %d", ErrOutOfRange, off, filled)
	}
	end := off + int64(len(p))
	if err := f.grow(end); err != nil {
		return err
	}
	if _, err := f.osf.WriteAt(p, f.contentStart+off); err != nil {
		return fmt.Errorf("write %s at %d: %w", f.path, off, err)
	}
	if end > filled {
		f.hdr.FilledUpTo = uint64(end)
	}
	return f.reindex(off, end, p)
}

func (f *File) reindex(off, end int64, p []byte) error {
	filled := int64(f.hdr.FilledUpTo)
	first := int(off / f.chunk)
	last := int((end - f.elem) / f.chunk)
	for c := first; c <= last; c++ {
		rs := f.lastRecordStart(c, filled)
		var k []byte
		if rs >= off && rs+f.elem <= end {
			k = p[rs-off : rs-off+int64(f.key)]
		} else {
			if err := f.readKey(rs, f.keyBuf); err != nil {
				return err
			}
			k = f.keyBuf
		}
		if err := f.idx.SetLargestKey(c, k); err != nil {
			return err
		}
	}
	return nil
}

// Append writes p at the high-water mark and returns the offset it landed on.
func (f *File) Append(p []byte) (int64, error) {
	off := int64(f.hdr.FilledUpTo)
	return off, f.Write(off, p)
}

// Sync persists the header and flushes the file to stable storage.
func (f *File) Sync() error {
	if f.osf == nil {
		return ErrClosed
	}
	if f.mode != ReadWrite {
		return nil
	}
	if err := f.writeHeader(); err != nil {
		return err
	}
	return f.osf.Sync()
}

// Close persists the header with the soft-close flag set and releases the
// lock. The lock and descriptor are released even if persisting fails. An
// uncommitted journal is rolled back first.
func (f *File) Close() (err error) {
	if f.osf == nil {
		return ErrClosed
	}
	defer func() {
		err = errors.Join(err, f.unlock())
		if cerr := f.osf.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close %s: %w", f.path, cerr))
		}
		f.osf = nil
	}()

	if f.mmap != nil {
		if merr := unix.Munmap(f.mmap); merr != nil {
			err = fmt.Errorf("munmap %s: %w", f.path, merr)
		}
		f.mmap = nil
	}
	if f.mode != ReadWrite {
		return err
	}
	if f.journal != nil {
		f.log.Warn("closing with an uncommitted rewrite, rolling back")
		if rerr := f.Rollback(); rerr != nil {
			// leave the flag unset so the next open repairs
			return errors.Join(err, rerr)
		}
	}
	f.hdr.SoftClosed = true
	if werr := f.writeHeader(); werr != nil {
		return errors.Join(err, werr)
	}
	if serr := f.osf.Sync(); serr != nil {
		err = errors.Join(err, fmt.Errorf("sync %s: %w", f.path, serr))
	}
	return err
}

// Path returns the path the file was opened with.
func (f *File) Path() string { return f.path }

// Mode returns the open mode.
func (f *File) Mode() Mode { return f.mode }

// Header returns a copy of the in-memory header.
func (f *File) Header() Header { return f.hdr }

// Index returns the sparse chunk index owned by this file.
func (f *File) Index() *Index { return f.idx }

// FilledUpTo returns the high-water mark in bytes.
func (f *File) FilledUpTo() int64 { return int64(f.hdr.FilledUpTo) }

// Len returns the number of records stored.
func (f *File) Len() int64 { return int64(f.hdr.FilledUpTo) / f.elem }

func (f *File) ElementSize() int { return int(f.elem) }
func (f *File) KeySize() int     { return f.key }
func (f *File) ChunkSize() int   { return int(f.chunk) }

// Recovered reports whether Open found the soft-close flag unset (or an
// interrupted rewrite) and repaired the index.
func (f *File) Recovered() bool { return f.recovered }

// LookupBufferSize is the scratch size Lookup needs to avoid allocating.
func (f *File) LookupBufferSize() int { return int(f.chunk + f.elem) }
