package archive

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luhtfiimanal/go-shard-archive/internal/bucket"
	"github.com/luhtfiimanal/go-shard-archive/internal/partition"
	"github.com/luhtfiimanal/go-shard-archive/internal/shardfile"
)

func maxKey() []byte { return bytes.Repeat([]byte{0xFF}, testKey) }

func withRanges(rs ...Range) func(*Options) {
	return func(o *Options) { o.Ranges = rs }
}

func insertRange(t *testing.T, a *Archive, from, to uint64) {
	t.Helper()
	ctx := context.Background()
	for k := from; k <= to; k++ {
		require.NoError(t, a.InsertOrMerge(ctx, rec(k, k)))
	}
}

func seq(from, to uint64) []uint64 {
	var out []uint64
	for k := from; k <= to; k++ {
		out = append(out, k)
	}
	return out
}

func TestTwoShardRouting(t *testing.T) {
	a, _ := newTestArchive(t, withRanges(
		Range{UpperBound: key(10), Filename: "s0.db"},
		Range{UpperBound: maxKey(), Filename: "s1.db"},
	))
	ctx := context.Background()

	require.NoError(t, a.InsertOrMerge(ctx, rec(11, 1)))
	require.NoError(t, a.InsertOrMerge(ctx, rec(5, 1)))
	st := a.GetStats()
	require.Len(t, st.Shards, 2)
	assert.Equal(t, 1, st.Shards[0].Buffered)
	assert.Equal(t, 1, st.Shards[1].Buffered)

	require.NoError(t, a.Flush(ctx))
	got, err := a.SelectUint64(ctx, 5, 11)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(5), recKey(got[0]))
	assert.Equal(t, uint64(11), recKey(got[1]))

	raw, err := a.Read(1, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(11), recKey(raw))

	st = a.GetStats()
	assert.Equal(t, int64(1), st.Shards[0].Records)
	assert.Equal(t, int64(1), st.Shards[1].Records)
	assert.Zero(t, st.Buffered)
}

func TestNoLossUnderBackpressure(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions()
	opts.Shards = 2
	opts.MaxBufferElements = 8
	opts.MemoryBudget = 1024
	opts.BufferChunk = 256
	a, err := Create(dir, opts)
	require.NoError(t, err)

	const writers, perWriter = 4, 500
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				// spread keys over the whole key space so both shards fill
				k := uint64(w*perWriter+i) * 0x9E3779B97F4A7C15
				if err := a.InsertOrMerge(ctx, rec(k, 1)); err != nil {
					errs <- err
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.NoError(t, a.Close())

	reopened, err := Open(dir, opts)
	require.NoError(t, err)
	defer reopened.Close()
	it, err := reopened.Iterator()
	require.NoError(t, err)
	n := 0
	var prev []byte
	shard := -1
	for it.Next() {
		if it.Shard() == shard && prev != nil {
			require.Less(t, bytes.Compare(prev, it.Record()[:testKey]), 0, "keys ascend within a shard")
		}
		shard = it.Shard()
		prev = bytes.Clone(it.Record()[:testKey])
		n++
	}
	require.NoError(t, it.Close())
	assert.Equal(t, writers*perWriter, n)

	reps, err := reopened.VerifyAll()
	require.NoError(t, err)
	for _, rep := range reps {
		assert.True(t, rep.OK(), "%+v", rep)
	}
}

func TestMergeIdempotence(t *testing.T) {
	a, _ := newTestArchive(t, nil)
	ctx := context.Background()

	r := rec(7, 42)
	require.NoError(t, a.InsertOrMerge(ctx, r, r))
	require.NoError(t, a.Flush(ctx))
	require.NoError(t, a.InsertOrMerge(ctx, r))
	require.NoError(t, a.Flush(ctx))

	it, err := a.Iterator()
	require.NoError(t, err)
	var all [][]byte
	for it.Next() {
		all = append(all, bytes.Clone(it.Record()))
	}
	require.NoError(t, it.Close())
	require.Len(t, all, 1)
	assert.Equal(t, r, all[0])
}

func TestMergeFuncCombinesSameKey(t *testing.T) {
	a, _ := newTestArchive(t, func(o *Options) { o.Merge = sumMerge })
	ctx := context.Background()

	require.NoError(t, a.InsertOrMerge(ctx, rec(1, 1), rec(1, 2)))
	require.NoError(t, a.Flush(ctx))
	require.NoError(t, a.InsertOrMerge(ctx, rec(1, 4)))
	require.NoError(t, a.Flush(ctx))

	got, err := a.SelectUint64(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(7), recVal(got[0]))
}

func TestUpdateOnlySemantics(t *testing.T) {
	a, _ := newTestArchive(t, func(o *Options) { o.Merge = sumMerge })
	ctx := context.Background()

	insertRange(t, a, 1, 10)
	require.NoError(t, a.Flush(ctx))
	before, err := a.Verify(0)
	require.NoError(t, err)

	// absent key: store unchanged
	n, err := a.Update(ctx, rec(50, 7))
	require.NoError(t, err)
	assert.Zero(t, n)
	after, err := a.Verify(0)
	require.NoError(t, err)
	assert.Equal(t, before.Digest, after.Digest)
	assert.Equal(t, int64(10), after.Records)

	n, err = a.Update(ctx, rec(5, 10), rec(50, 7))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err := a.SelectUint64(ctx, 5, 50)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(15), recVal(got[0]))
	assert.Equal(t, uint64(2), a.GetStats().Sync.Missing)
}

func TestUpdateCountsDistinctKeys(t *testing.T) {
	a, dir := newTestArchive(t, func(o *Options) { o.Merge = sumMerge })
	ctx := context.Background()

	// nothing flushed yet: no shard file may appear
	n, err := a.Update(ctx, rec(7, 5), rec(7, 6))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoFileExists(t, filepath.Join(dir, "shard-0.db"))

	require.NoError(t, a.InsertOrMerge(ctx, rec(1, 1)))
	require.NoError(t, a.Flush(ctx))

	n, err = a.Update(ctx, rec(1, 5), rec(1, 6))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = a.Update(ctx, rec(7, 5), rec(7, 6))
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := a.SelectUint64(ctx, 1, 7)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(12), recVal(got[0]))
}

func TestUpdateSeesBufferedRecords(t *testing.T) {
	a, _ := newTestArchive(t, nil)
	ctx := context.Background()

	// still buffered: Update flushes the shard first
	require.NoError(t, a.InsertOrMerge(ctx, rec(3, 1)))
	n, err := a.Update(ctx, rec(3, 9))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err := a.SelectUint64(ctx, 3)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(9), recVal(got[0]))
}

func TestScanBoundaries(t *testing.T) {
	a, _ := newTestArchive(t, withRanges(
		Range{UpperBound: key(30), Filename: "a.db"},
		Range{UpperBound: key(60), Filename: "b.db"},
		Range{UpperBound: maxKey(), Filename: "c.db"},
	))
	insertRange(t, a, 1, 100)
	require.NoError(t, a.Flush(context.Background()))

	cases := []struct {
		name     string
		from, to []byte
		want     []uint64
	}{
		{"inside one shard", key(12), key(17), seq(12, 17)},
		{"across two shards", key(10), key(40), seq(10, 40)},
		{"on a shard bound", key(30), key(31), seq(30, 31)},
		{"open start", nil, key(5), seq(1, 5)},
		{"open end", key(95), nil, seq(95, 100)},
		{"everything", nil, nil, seq(1, 100)},
		{"single key", key(60), key(60), []uint64{60}},
		{"gap", key(200), key(300), nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			it, err := a.Scan(tc.from, tc.to)
			require.NoError(t, err)
			assert.Equal(t, tc.want, collect(t, it))
		})
	}

	_, err := a.Scan(key(41), key(40))
	assert.Error(t, err)
}

func TestScanPrefetchChunks(t *testing.T) {
	for _, chunks := range []int{0, 1, 3, 64} {
		a, _ := newTestArchive(t, func(o *Options) { o.PrefetchChunks = chunks })
		insertRange(t, a, 1, 60)
		require.NoError(t, a.Flush(context.Background()))

		it, err := a.Scan(key(7), key(45))
		require.NoError(t, err)
		assert.Equal(t, seq(7, 45), collect(t, it), "prefetch %d", chunks)
	}
}

func TestWrappedKeysLiveInShardZero(t *testing.T) {
	a, _ := newTestArchive(t, withRanges(
		Range{UpperBound: key(50), Filename: "lo.db"},
		Range{UpperBound: key(100), Filename: "hi.db"},
	))
	ctx := context.Background()
	require.NoError(t, a.InsertOrMerge(ctx, rec(10, 1), rec(60, 1), rec(200, 1)))
	require.NoError(t, a.Flush(ctx))

	it, err := a.Iterator()
	require.NoError(t, err)
	assert.Equal(t, []uint64{10, 200, 60}, collect(t, it))

	it, err = a.Scan(key(150), key(250))
	require.NoError(t, err)
	assert.Equal(t, []uint64{200}, collect(t, it))

	got, err := a.SelectUint64(ctx, 200)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestSplitPreservesContent(t *testing.T) {
	a, dir := newTestArchive(t, nil)
	ctx := context.Background()
	insertRange(t, a, 1, 100)
	require.NoError(t, a.Flush(ctx))
	before, err := a.Verify(0)
	require.NoError(t, err)

	ranges, err := a.Split(ctx, 0, 4)
	require.NoError(t, err)
	require.Len(t, ranges, 4)
	require.Equal(t, 4, a.NumShards())
	assert.Equal(t, maxKey(), a.Ranges()[3].UpperBound, "coverage unchanged")

	var all []uint64
	for id := 0; id < 4; id++ {
		raw, err := a.Read(id, 0, 100)
		require.NoError(t, err)
		require.Len(t, raw, 25*testElem, "shard %d", id)
		for i := 0; i < 25; i++ {
			all = append(all, recKey(raw[i*testElem:]))
		}
	}
	assert.Equal(t, seq(1, 100), all)
	assert.Equal(t, int64(100), before.Records)

	// table persisted, old file gone, no leftovers
	table, err := partition.Load(filepath.Join(dir, tableFile))
	require.NoError(t, err)
	assert.Equal(t, a.Ranges(), table.Ranges())
	_, err = os.Stat(filepath.Join(dir, "shard-0.db"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
	leftovers, _ := filepath.Glob(filepath.Join(dir, "*.split"))
	assert.Empty(t, leftovers)

	// writes after the split go to the new shards
	require.NoError(t, a.InsertOrMerge(ctx, rec(60, 600)))
	require.NoError(t, a.Flush(ctx))
	got, err := a.SelectUint64(ctx, 60)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(600), recVal(got[0]))
	st := a.GetStats()
	assert.Len(t, st.Shards, 4)
}

func TestSplitSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	a, err := Create(dir, testOptions())
	require.NoError(t, err)
	insertRange(t, a, 1, 40)
	_, err = a.Split(context.Background(), 0, 2)
	require.NoError(t, err)
	require.NoError(t, a.Close())

	reopened, err := Open(dir, testOptions())
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, 2, reopened.NumShards())
	it, err := reopened.Iterator()
	require.NoError(t, err)
	assert.Equal(t, seq(1, 40), collect(t, it))
}

func TestSplitTooFewRecords(t *testing.T) {
	a, _ := newTestArchive(t, nil)
	ctx := context.Background()
	insertRange(t, a, 1, 3)
	_, err := a.Split(ctx, 0, 4)
	require.ErrorIs(t, err, partition.ErrTooFewRecords)
	assert.Equal(t, 1, a.NumShards())

	// the archive keeps working
	require.NoError(t, a.InsertOrMerge(ctx, rec(4, 4)))
	require.NoError(t, a.Flush(ctx))
	got, err := a.SelectUint64(ctx, 1, 4)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestVerifyAndRepairIndex(t *testing.T) {
	a, dir := newTestArchive(t, nil)
	ctx := context.Background()
	insertRange(t, a, 1, 20)
	require.NoError(t, a.Flush(ctx))

	rep, err := a.Verify(0)
	require.NoError(t, err)
	require.True(t, rep.OK())

	// overwrite the index entry of chunk 1 (largest key 8) with a wrong key
	f, err := os.OpenFile(filepath.Join(dir, "shard-0.db"), os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt(key(7), shardfile.HeaderSize+testKey)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	rep, err = a.Verify(0)
	require.ErrorIs(t, err, ErrInconsistent)
	assert.True(t, rep.Ordered)
	assert.False(t, rep.IndexConsistent)

	rep, err = a.Repair(0)
	require.NoError(t, err)
	assert.True(t, rep.IndexConsistent)

	rep, err = a.Verify(0)
	require.NoError(t, err)
	assert.True(t, rep.OK())
	assert.Equal(t, int64(20), rep.Records)
}

func TestVerifyMissingShard(t *testing.T) {
	a, _ := newTestArchive(t, nil)
	rep, err := a.Verify(0)
	require.NoError(t, err)
	assert.True(t, rep.Missing)
}

func TestExportImport(t *testing.T) {
	src, _ := newTestArchive(t, func(o *Options) { o.Shards = 3 })
	ctx := context.Background()
	for k := uint64(0); k < 50; k++ {
		require.NoError(t, src.InsertOrMerge(ctx, rec(k<<58|k, k)))
	}
	require.NoError(t, src.Flush(ctx))

	var buf bytes.Buffer
	n, err := src.Export(ctx, &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(50), n)

	dst, _ := newTestArchive(t, func(o *Options) { o.Shards = 2 })
	n, err = dst.Import(ctx, bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, int64(50), n)
	require.NoError(t, dst.Flush(ctx))

	want := make(map[uint64]uint64)
	it, err := src.Iterator()
	require.NoError(t, err)
	for it.Next() {
		want[recKey(it.Record())] = recVal(it.Record())
	}
	require.NoError(t, it.Close())
	got := make(map[uint64]uint64)
	it, err = dst.Iterator()
	require.NoError(t, err)
	for it.Next() {
		got[recKey(it.Record())] = recVal(it.Record())
	}
	require.NoError(t, it.Close())
	assert.Equal(t, want, got)
}

func TestImportRejectsForeignStreams(t *testing.T) {
	a, _ := newTestArchive(t, nil)
	ctx := context.Background()

	_, err := a.Import(ctx, bytes.NewReader([]byte("definitely not zstd")))
	assert.ErrorIs(t, err, ErrBadExport)

	other, _ := newTestArchive(t, func(o *Options) { o.ElementSize = 24 })
	require.NoError(t, other.InsertOrMerge(ctx, make([]byte, 24)))
	require.NoError(t, other.Flush(ctx))
	var buf bytes.Buffer
	_, err = other.Export(ctx, &buf)
	require.NoError(t, err)
	_, err = a.Import(ctx, &buf)
	assert.ErrorIs(t, err, ErrBadExport)
}

func TestInsertBlocksAndCancels(t *testing.T) {
	a, _ := newTestArchive(t, func(o *Options) {
		o.MaxBufferElements = 1
		o.MaxBufferAge = time.Hour
		o.LockRetries = 2
		o.LockBackoff = time.Millisecond
		o.FlushRetries = 0
	})
	// the flush that backpressure triggers cannot take the file lock while
	// the test holds it
	f, err := shardfile.Open(filepath.Join(a.Dir(), "shard-0.db"), shardfile.ReadWrite, a.opts.fileOptions())
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, a.InsertOrMerge(context.Background(), rec(1, 1)))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = a.InsertOrMerge(ctx, rec(2, 1))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFlushErrorSurfacesOnNextInsert(t *testing.T) {
	a, _ := newTestArchive(t, func(o *Options) {
		o.LockRetries = 1
		o.LockBackoff = time.Millisecond
		o.FlushRetries = 0
	})
	ctx := context.Background()
	require.NoError(t, a.InsertOrMerge(ctx, rec(1, 1)))

	f, err := shardfile.Open(filepath.Join(a.Dir(), "shard-0.db"), shardfile.ReadWrite, a.opts.fileOptions())
	require.NoError(t, err)
	err = a.Flush(ctx)
	require.ErrorIs(t, err, ErrLockContention)
	require.NoError(t, f.Close())

	// the failed batch is still buffered and the error is reported once
	assert.Equal(t, 1, a.GetStats().Buffered)
	err = a.InsertOrMerge(ctx, rec(2, 1))
	require.ErrorIs(t, err, ErrFlushFailed)
	require.NoError(t, a.InsertOrMerge(ctx, rec(2, 1)))
	require.NoError(t, a.Flush(ctx))

	got, err := a.SelectUint64(ctx, 1, 2)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestInvalidInsertKeepsPendingFlushError(t *testing.T) {
	a, _ := newTestArchive(t, func(o *Options) {
		o.LockRetries = 1
		o.LockBackoff = time.Millisecond
		o.FlushRetries = 0
	})
	ctx := context.Background()
	require.NoError(t, a.InsertOrMerge(ctx, rec(1, 1)))

	f, err := shardfile.Open(filepath.Join(a.Dir(), "shard-0.db"), shardfile.ReadWrite, a.opts.fileOptions())
	require.NoError(t, err)
	require.ErrorIs(t, a.Flush(ctx), ErrLockContention)
	require.NoError(t, f.Close())

	// a rejected call must not swallow the pending flush error
	err = a.InsertOrMerge(ctx, rec(2, 1), []byte{1, 2, 3})
	require.ErrorIs(t, err, bucket.ErrRecordSize)
	assert.NotErrorIs(t, err, ErrFlushFailed)

	err = a.InsertOrMerge(ctx, rec(2, 1))
	require.ErrorIs(t, err, ErrFlushFailed)
	require.NoError(t, a.InsertOrMerge(ctx, rec(2, 1)))
}

func TestLoadOptionsFromEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte(
		"SHARDARCHIVE_ELEMENT_SIZE=24\nSHARDARCHIVE_SYNC_INTERVAL=250ms\nSHARDARCHIVE_FORCE_FLUSH=true\n"), 0o644))
	for _, name := range []string{"ELEMENT_SIZE", "SYNC_INTERVAL", "FORCE_FLUSH"} {
		name := EnvPrefix + name
		t.Cleanup(func() { os.Unsetenv(name) })
	}
	// process environment wins over the file
	t.Setenv(EnvPrefix+"WORKERS", "3")

	opts, err := LoadOptionsFromEnv(path, testOptions())
	require.NoError(t, err)
	assert.Equal(t, 24, opts.ElementSize)
	assert.Equal(t, testKey, opts.KeySize)
	assert.Equal(t, 250*time.Millisecond, opts.SyncInterval)
	assert.True(t, opts.ForceFlush)
	assert.Equal(t, 3, opts.Workers)

	t.Setenv(EnvPrefix+"SHARDS", "many")
	_, err = LoadOptionsFromEnv("", testOptions())
	assert.Error(t, err)

	_, err = LoadOptionsFromEnv(filepath.Join(dir, "missing.env"), testOptions())
	assert.NoError(t, err)
}
