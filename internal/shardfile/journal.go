package shardfile

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
)

// journal file layout:
//
//	[0:8]   magic "SHJRNL01"
//	[8:16]  rewrite offset
//	[16:24] filled-up-to before the rewrite
//	[24:n]  content bytes [offset, filled)
//	[n:n+8] xxhash64 of everything before it
const (
	journalMagic     = "SHJRNL01"
	journalHeadSize  = 24
	journalTrailSize = 8
)

type journalState struct {
	off    int64
	filled int64
}

func (f *File) journalPath() string { return f.path + ".journal" }

// Journal saves the content from off up to the high-water mark so that a
// rewrite starting at off can be undone by Rollback, or by the next
// read-write Open if the process dies before Commit.
func (f *File) Journal(off int64) (err error) {
	if f.osf == nil {
		return ErrClosed
	}
	if f.mode != ReadWrite {
		return ErrReadOnly
	}
	if f.journal != nil {
		return fmt.Errorf("journal already active for %s at %d", f.path, f.journal.off)
	}
	filled := int64(f.hdr.FilledUpTo)
	if off < 0 || off > filled || off%f.elem != 0 {
		return fmt.Errorf("%w: journal offset %d, filled up to %d", ErrOutOfRange, off, filled)
	}

	path := f.journalPath()
	jf, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o666)
	if err != nil {
		return fmt.Errorf("create journal %s: %w", path, err)
	}
	defer func() {
		if cerr := jf.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close journal %s: %w", path, cerr)
		}
		if err != nil {
			os.Remove(path)
		}
	}()

	bw := bufio.NewWriterSize(jf, 64*1024)
	h := xxhash.New()
	w := io.MultiWriter(bw, h)

	head := make([]byte, journalHeadSize)
	copy(head, journalMagic)
	binary.BigEndian.PutUint64(head[8:], uint64(off))
	binary.BigEndian.PutUint64(head[16:], uint64(filled))
	if _, err := w.Write(head); err != nil {
		return fmt.Errorf("write journal %s: %w", path, err)
	}
	buf := make([]byte, f.chunk)
	for pos := off; pos < filled; {
		n, err := f.Read(pos, buf)
		if err != nil {
			return err
		}
		if _, err := w.Write(buf[:n]); err != nil {
			return fmt.Errorf("write journal %s: %w", path, err)
		}
		pos += int64(n)
	}
	if err := binary.Write(bw, binary.BigEndian, h.Sum64()); err != nil {
		return fmt.Errorf("write journal %s: %w", path, err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flush journal %s: %w", path, err)
	}
	if err := jf.Sync(); err != nil {
		return fmt.Errorf("sync journal %s: %w", path, err)
	}
	f.journal = &journalState{off: off, filled: filled}
	return nil
}

// Commit makes the current content durable and discards the journal.
func (f *File) Commit() error {
	if err := f.Sync(); err != nil {
		return err
	}
	if f.journal == nil {
		return nil
	}
	if err := os.Remove(f.journalPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove journal %s: %w", f.journalPath(), err)
	}
	f.journal = nil
	return nil
}

// Rollback restores the content, high-water mark and index saved by the
// last Journal call. Without an active journal it does nothing.
func (f *File) Rollback() error {
	if f.journal == nil {
		return nil
	}
	applied, err := f.applyJournal()
	if err != nil {
		return err
	}
	if !applied {
		return fmt.Errorf("%w: journal %s unreadable during rollback", ErrCorrupt, f.journalPath())
	}
	f.journal = nil
	return nil
}

// recoverJournal rolls back a rewrite interrupted by a crash. It reports
// whether a complete journal was applied. Incomplete journals are discarded:
// they mean the crash happened before the rewrite touched the content.
func (f *File) recoverJournal() (bool, error) {
	if _, err := os.Stat(f.journalPath()); errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	applied, err := f.applyJournal()
	if err != nil {
		return false, err
	}
	if applied {
		f.log.Warn("rolled back interrupted rewrite", "journal", f.journalPath())
	} else {
		f.log.Warn("discarding incomplete journal", "journal", f.journalPath())
		if err := os.Remove(f.journalPath()); err != nil {
			return false, fmt.Errorf("remove journal %s: %w", f.journalPath(), err)
		}
	}
	return applied, nil
}

func (f *File) applyJournal() (bool, error) {
	path := f.journalPath()
	jf, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("open journal %s: %w", path, err)
	}
	defer jf.Close()

	st, err := jf.Stat()
	if err != nil {
		return false, fmt.Errorf("stat journal %s: %w", path, err)
	}
	head := make([]byte, journalHeadSize)
	if _, err := jf.ReadAt(head, 0); err != nil || !bytes.Equal(head[:8], []byte(journalMagic)) {
		return false, nil
	}
	off := int64(binary.BigEndian.Uint64(head[8:]))
	filled := int64(binary.BigEndian.Uint64(head[16:]))
	if off < 0 || off > filled || st.Size() != journalHeadSize+(filled-off)+journalTrailSize {
		return false, nil
	}

	// verify before touching the shard
	h := xxhash.New()
	if _, err := io.Copy(h, io.NewSectionReader(jf, 0, journalHeadSize+filled-off)); err != nil {
		return false, fmt.Errorf("read journal %s: %w", path, err)
	}
	trail := make([]byte, journalTrailSize)
	if _, err := jf.ReadAt(trail, journalHeadSize+filled-off); err != nil {
		return false, fmt.Errorf("read journal %s: %w", path, err)
	}
	if binary.BigEndian.Uint64(trail) != h.Sum64() {
		return false, nil
	}

	if err := f.grow(filled); err != nil {
		return false, err
	}
	buf := make([]byte, f.chunk)
	src := io.NewSectionReader(jf, journalHeadSize, filled-off)
	for pos := off; pos < filled; {
		n, err := io.ReadFull(src, buf[:min(int64(len(buf)), filled-pos)])
		if err != nil {
			return false, fmt.Errorf("read journal %s: %w", path, err)
		}
		if _, err := f.osf.WriteAt(buf[:n], f.contentStart+pos); err != nil {
			return false, fmt.Errorf("restore %s at %d: %w", f.path, pos, err)
		}
		pos += int64(n)
	}

	f.hdr.FilledUpTo = uint64(filled)
	first := min(int(off/f.chunk), f.idx.Filled())
	f.idx.truncate(first)
	for c := first; c < f.chunkCount(filled); c++ {
		if err := f.readKey(f.lastRecordStart(c, filled), f.keyBuf); err != nil {
			return false, err
		}
		if err := f.idx.SetLargestKey(c, f.keyBuf); err != nil {
			return false, err
		}
	}
	if err := f.Sync(); err != nil {
		return false, err
	}
	if err := os.Remove(path); err != nil {
		return false, fmt.Errorf("remove journal %s: %w", path, err)
	}
	return true, nil
}
