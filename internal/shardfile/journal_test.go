package shardfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readAll(t *testing.T, f *File) []byte {
	t.Helper()
	if f.FilledUpTo() == 0 {
		return nil
	}
	buf := make([]byte, f.FilledUpTo())
	_, err := f.Read(0, buf)
	require.NoError(t, err)
	return buf
}

func TestJournalRollback(t *testing.T) {
	f := openTest(t, filepath.Join(t.TempDir(), "shard.db"), ReadWrite)
	defer f.Close()
	_, err := f.Append(records(seq(1, 10)...))
	require.NoError(t, err)
	before := readAll(t, f)

	require.NoError(t, f.Journal(4*testElem))
	require.NoError(t, f.Write(4*testElem, records(5, 6, 7, 8, 9, 10, 11, 12)))
	assert.Equal(t, int64(12), f.Len())

	require.NoError(t, f.Rollback())
	assert.Equal(t, int64(10), f.Len())
	assert.Equal(t, before, readAll(t, f))
	ok, err := f.IsConsistentWithIndex()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoFileExists(t, f.journalPath())
}

func TestJournalCommit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shard.db")
	f := openTest(t, path, ReadWrite)
	_, err := f.Append(records(1, 2, 3))
	require.NoError(t, err)

	require.NoError(t, f.Journal(0))
	assert.FileExists(t, f.journalPath())
	require.NoError(t, f.Write(0, records(1, 2, 3, 4)))
	require.NoError(t, f.Commit())
	assert.NoFileExists(t, f.journalPath())
	require.NoError(t, f.Close())

	f = openTest(t, path, ReadOnly)
	defer f.Close()
	assert.Equal(t, records(1, 2, 3, 4), readAll(t, f))
}

// TestJournalRecoveredOnOpen drops the handle without Commit or Close, the
// way a crashed process would.
func TestJournalRecoveredOnOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shard.db")
	f := openTest(t, path, ReadWrite)
	_, err := f.Append(records(seq(1, 10)...))
	require.NoError(t, err)
	require.NoError(t, f.Commit())
	before := readAll(t, f)

	require.NoError(t, f.Journal(0))
	require.NoError(t, f.Write(0, records(seq(100, 111)...)))
	require.NoError(t, f.Sync())
	require.NoError(t, f.unlock())
	require.NoError(t, f.osf.Close())

	_, err = Open(path, ReadOnly, testOptions())
	assert.ErrorIs(t, err, ErrNeedsRecovery)

	f = openTest(t, path, ReadWrite)
	assert.True(t, f.Recovered())
	assert.Equal(t, before, readAll(t, f))
	ok, err := f.IsConsistentWithIndex()
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, f.Close())
	assert.NoFileExists(t, path+".journal")
}

func TestIncompleteJournalDiscarded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shard.db")
	f := openTest(t, path, ReadWrite)
	_, err := f.Append(records(1, 2, 3))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, os.WriteFile(path+".journal", []byte("SHJRNL01 truncated"), 0o666))

	f = openTest(t, path, ReadWrite)
	defer f.Close()
	assert.Equal(t, records(1, 2, 3), readAll(t, f))
	assert.NoFileExists(t, path+".journal")
}

func TestCloseRollsBackUncommitted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shard.db")
	f := openTest(t, path, ReadWrite)
	_, err := f.Append(records(1, 2, 3))
	require.NoError(t, err)
	require.NoError(t, f.Journal(0))
	require.NoError(t, f.Write(0, records(7, 8, 9, 10)))
	require.NoError(t, f.Close())

	f = openTest(t, path, ReadOnly)
	defer f.Close()
	assert.Equal(t, records(1, 2, 3), readAll(t, f))
}

func TestDigestAndScan(t *testing.T) {
	a := openTest(t, filepath.Join(t.TempDir(), "a.db"), ReadWrite)
	defer a.Close()
	b := openTest(t, filepath.Join(t.TempDir(), "b.db"), ReadWrite)
	defer b.Close()

	_, err := a.Append(records(seq(1, 9)...))
	require.NoError(t, err)
	_, err = b.Append(records(seq(1, 4)...))
	require.NoError(t, err)
	_, err = b.Append(records(seq(5, 9)...))
	require.NoError(t, err)

	da, err := a.Digest()
	require.NoError(t, err)
	db, err := b.Digest()
	require.NoError(t, err)
	assert.Equal(t, da, db)

	sc := a.Scan(3 * testElem)
	var got []byte
	var offs []int64
	for sc.Next() {
		got = append(got, sc.Record()...)
		offs = append(offs, sc.Offset())
	}
	require.NoError(t, sc.Err())
	assert.Equal(t, records(seq(4, 9)...), got)
	assert.Equal(t, int64(3*testElem), offs[0])
	assert.Equal(t, int64(8*testElem), offs[len(offs)-1])
}

func TestScanReadAhead(t *testing.T) {
	f := openTest(t, filepath.Join(t.TempDir(), "s.db"), ReadWrite)
	defer f.Close()
	_, err := f.Append(records(seq(1, 40)...))
	require.NoError(t, err)

	collect := func(sc *Scanner) ([]byte, []int64) {
		var recs []byte
		var offs []int64
		for sc.Next() {
			recs = append(recs, sc.Record()...)
			offs = append(offs, sc.Offset())
		}
		require.NoError(t, sc.Err())
		return recs, offs
	}

	wantRecs, wantOffs := collect(f.Scan(5 * testElem))
	gotRecs, gotOffs := collect(f.Scan(5 * testElem).ReadAhead(3))
	assert.Equal(t, records(seq(6, 40)...), wantRecs)
	assert.Equal(t, wantRecs, gotRecs)
	assert.Equal(t, wantOffs, gotOffs)

	sc := f.Scan(0).ReadAhead(3)
	assert.Len(t, sc.buf, 3*f.ChunkSize())
}
