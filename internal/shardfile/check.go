package shardfile

import "bytes"

// IsConsistent scans every record and reports whether keys are strictly
// ascending.
func (f *File) IsConsistent() (bool, error) {
	prev := make([]byte, f.key)
	first := true
	sc := f.Scan(0)
	for sc.Next() {
		if !first && bytes.Compare(prev, sc.Key()) >= 0 {
			f.log.Warn("key order violated", "offset", sc.Offset())
			return false, nil
		}
		copy(prev, sc.Key())
		first = false
	}
	return sc.Err() == nil, sc.Err()
}

// IsConsistentWithIndex compares every index entry with the last record that
// starts in its chunk.
func (f *File) IsConsistentWithIndex() (bool, error) {
	filled := f.FilledUpTo()
	n := f.chunkCount(filled)
	if f.idx.Filled() != n {
		f.log.Warn("index length mismatch", "index", f.idx.Filled(), "chunks", n)
		return false, nil
	}
	key := make([]byte, f.key)
	for c := 0; c < n; c++ {
		if err := f.readKey(f.lastRecordStart(c, filled), key); err != nil {
			return false, err
		}
		if !bytes.Equal(key, f.idx.LargestKey(c)) {
			f.log.Warn("index entry does not match content", "chunk", c)
			return false, nil
		}
	}
	return true, nil
}

// RepairIndex recomputes every index entry from the content. Read-only
// handles repair their in-memory copy only.
func (f *File) RepairIndex() error {
	if f.osf == nil {
		return ErrClosed
	}
	filled := f.FilledUpTo()
	f.idx.truncate(0)
	key := make([]byte, f.key)
	for c := 0; c < f.chunkCount(filled); c++ {
		if err := f.readKey(f.lastRecordStart(c, filled), key); err != nil {
			return err
		}
		if err := f.idx.SetLargestKey(c, key); err != nil {
			return err
		}
	}
	return nil
}
