package archive

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/luhtfiimanal/go-shard-archive/internal/bucket"
	"github.com/luhtfiimanal/go-shard-archive/internal/partition"
	"github.com/luhtfiimanal/go-shard-archive/internal/shardfile"
	"github.com/luhtfiimanal/go-shard-archive/internal/syncer"
)

// Archive adalah sorted key-value store berbasis file yang dipartisi per
// rentang key. Record masuk ke bucket memori per shard lalu di-merge secara
// berkala ke file shard yang terurut oleh sync engine.
//
// Semua operasi aman untuk goroutine.
type Archive struct {
	dir     string
	opts    Options
	log     *slog.Logger
	table   *partition.RangeFunc
	buckets *bucket.Container
	sync    *syncer.Manager

	// split dipegang shared oleh penulis dan eksklusif oleh Split agar tabel
	// partisi tidak berubah di tengah routing.
	split sync.RWMutex

	bufPool *sync.Pool // pool scratch buffer lookup

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error

	statHits   atomic.Uint64
	statMisses atomic.Uint64
}

// Create membuat archive baru di dir. Gagal dengan ErrExists bila dir sudah
// berisi tabel partisi.
func Create(dir string, opts Options) (*Archive, error) {
	if _, err := os.Stat(filepath.Join(dir, tableFile)); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrExists, dir)
	}
	return Open(dir, opts)
}

// Open membuka archive di dir, atau membuatnya bila belum ada. Layout yang
// tersimpan (archive.json) selalu menang atas opts. Shard yang tidak ditutup
// dengan benar dipulihkan sebelum Open kembali.
func Open(dir string, opts Options) (*Archive, error) {
	opts = opts.withDefaults()
	log := opts.Logger.With("archive", filepath.Base(dir))

	// Pastikan direktori ada
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}
	if err := verifyOrWriteConfig(filepath.Join(dir, configFile), &opts); err != nil {
		return nil, err
	}
	if opts.ElementSize <= 0 || opts.KeySize <= 0 || opts.KeySize > opts.ElementSize {
		return nil, fmt.Errorf("invalid record geometry: element %d, key %d", opts.ElementSize, opts.KeySize)
	}
	if opts.BufferChunk < int64(opts.ElementSize) {
		opts.BufferChunk = int64(opts.ElementSize)
	}
	opts.Logger = log

	table, err := loadOrCreateTable(dir, opts)
	if err != nil {
		return nil, err
	}
	if err := recoverShards(dir, table, opts.fileOptions(), log); err != nil {
		return nil, err
	}

	alloc := bucket.NewAllocator(opts.MemoryBudget, opts.BufferChunk)
	buckets, err := bucket.NewContainer(table, alloc, bucket.Config{
		ElementSize: opts.ElementSize,
		KeySize:     opts.KeySize,
		MaxElements: opts.MaxBufferElements,
		Logger:      log.With("component", "bucket"),
	})
	if err != nil {
		return nil, err
	}
	mgr, err := syncer.New(syncer.Config{
		Dir:          dir,
		Table:        table,
		Buckets:      buckets,
		FileOptions:  opts.fileOptions(),
		Merge:        opts.Merge,
		Workers:      opts.Workers,
		Interval:     opts.SyncInterval,
		MinElements:  opts.MinFlushElements,
		MaxAge:       opts.MaxBufferAge,
		Force:        opts.ForceFlush,
		Retries:      opts.FlushRetries,
		RetryBackoff: opts.RetryBackoff,
		Logger:       log.With("component", "syncer"),
	})
	if err != nil {
		return nil, err
	}
	buckets.SetNotify(mgr.Wake)

	// Buffer pool
	var pool *sync.Pool
	if opts.BufferPoolSize > 0 {
		size := opts.ChunkSize + opts.ElementSize
		pool = &sync.Pool{New: func() any { return make([]byte, size) }}
	}

	a := &Archive{
		dir:     dir,
		opts:    opts,
		log:     log,
		table:   table,
		buckets: buckets,
		sync:    mgr,
		bufPool: pool,
	}
	mgr.Start()
	log.Info("archive opened", "shards", table.NumShards(), "element", opts.ElementSize, "key", opts.KeySize)
	return a, nil
}

func loadOrCreateTable(dir string, opts Options) (*partition.RangeFunc, error) {
	path := filepath.Join(dir, tableFile)
	if _, err := os.Stat(path); err == nil {
		table, err := partition.Load(path)
		if err != nil {
			return nil, err
		}
		if table.KeySize() != opts.KeySize {
			return nil, fmt.Errorf("%w: partition table has %d byte keys, layout says %d", ErrInconsistent, table.KeySize(), opts.KeySize)
		}
		return table, nil
	}

	var (
		table *partition.RangeFunc
		err   error
	)
	if len(opts.Ranges) > 0 {
		table, err = partition.New(opts.KeySize, opts.Ranges)
	} else {
		table, err = partition.Uniform(opts.KeySize, opts.Shards, "shard-", ".db")
	}
	if err != nil {
		return nil, err
	}
	if err := table.Store(path); err != nil {
		return nil, err
	}
	return table, nil
}

// recoverShards membuka setiap file shard yang ada dalam mode read-write
// sekali, sehingga journal yang tertinggal di-rollback dan index yang rusak
// diperbaiki. Sisa file split yang gagal dihapus.
func recoverShards(dir string, table *partition.RangeFunc, fo shardfile.Options, log *slog.Logger) error {
	stale, err := filepath.Glob(filepath.Join(dir, "*.split"))
	if err != nil {
		return err
	}
	for _, p := range stale {
		log.Warn("removing leftover split file", "file", filepath.Base(p))
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", p, err)
		}
	}

	var errs []error
	for id, name := range table.Filenames() {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			continue
		}
		f, err := shardfile.Open(path, shardfile.ReadWrite, fo)
		if err != nil {
			errs = append(errs, fmt.Errorf("recover shard %d: %w", id, err))
			continue
		}
		if f.Recovered() {
			log.Warn("shard recovered after unclean shutdown", "shard", id, "file", name, "records", f.Len())
		}
		if err := f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("recover shard %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Dir mengembalikan direktori archive.
func (a *Archive) Dir() string { return a.dir }

// Options mengembalikan opsi efektif (setelah default dan layout tersimpan).
func (a *Archive) Options() Options { return a.opts }
