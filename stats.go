package archive

import (
	"path/filepath"

	"github.com/luhtfiimanal/go-shard-archive/internal/shardfile"
	"github.com/luhtfiimanal/go-shard-archive/internal/syncer"
)

// Stats menyimpan statistik archive.
// HitRatio dalam persentase (0-100).
type Stats struct {
	Hits     uint64
	Misses   uint64
	HitRatio float64

	Buffered     int   // record yang menunggu flush
	MemoryUsed   int64 // byte yang dipegang bucket
	MemoryBudget int64
	Waiting      int // writer yang sedang diblok backpressure

	Sync   syncer.Stats
	Shards []ShardStats
}

// ShardStats adalah ringkasan satu shard.
type ShardStats struct {
	File     string
	Buffered int
	State    string
	Records  int64 // record di file menurut header terakhir yang tersimpan
	Bytes    int64 // ukuran file di disk
}

// GetStats mengambil snapshot statistik tanpa lock berat.
func (a *Archive) GetStats() Stats {
	hits := a.statHits.Load()
	misses := a.statMisses.Load()
	total := hits + misses
	ratio := 0.0
	if total > 0 {
		ratio = float64(hits) / float64(total) * 100.0
	}
	alloc := a.buckets.Allocator()
	st := Stats{
		Hits:         hits,
		Misses:       misses,
		HitRatio:     ratio,
		MemoryUsed:   alloc.Used(),
		MemoryBudget: alloc.Budget(),
		Waiting:      a.buckets.Waiting(),
		Sync:         a.sync.Stats(),
	}

	a.split.RLock()
	defer a.split.RUnlock()
	names := a.table.Filenames()
	for _, b := range a.buckets.Buckets() {
		id := b.ID()
		if id >= len(names) {
			continue
		}
		n := b.Len()
		st.Buffered += n
		ss := ShardStats{File: names[id], Buffered: n, State: a.sync.State(id).String()}
		if h, err := shardfile.ReadHeader(filepath.Join(a.dir, names[id])); err == nil && h.ElementSize > 0 {
			ss.Records = int64(h.FilledUpTo) / int64(h.ElementSize)
			ss.Bytes = int64(h.FileSize)
		}
		st.Shards = append(st.Shards, ss)
	}
	return st
}

// ResetStats mengatur ulang penghitung hit/miss.
func (a *Archive) ResetStats() {
	a.statHits.Store(0)
	a.statMisses.Store(0)
}

// NumShards mengembalikan jumlah shard saat ini.
func (a *Archive) NumShards() int { return a.table.NumShards() }

// Ranges mengembalikan salinan tabel partisi.
func (a *Archive) Ranges() []Range { return a.table.Ranges() }

// ElementSize mengembalikan ukuran setiap record.
func (a *Archive) ElementSize() int { return a.opts.ElementSize }

// KeySize mengembalikan ukuran prefix key.
func (a *Archive) KeySize() int { return a.opts.KeySize }
