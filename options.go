package archive

import (
	"log/slog"
	"os"
	"time"

	"github.com/luhtfiimanal/go-shard-archive/internal/bucket"
	"github.com/luhtfiimanal/go-shard-archive/internal/partition"
	"github.com/luhtfiimanal/go-shard-archive/internal/shardfile"
)

// Range adalah satu baris tabel partisi: batas atas key (inklusif) dan nama
// file shard relatif terhadap direktori archive.
type Range = partition.Range

// MergeFunc menggabungkan dua record dengan key yang sama. existing adalah
// record yang lebih lama. Fungsi harus komutatif/asosiatif bila urutan
// insert ke key yang sama tidak dijamin oleh pemanggil.
type MergeFunc = bucket.MergeFunc

// Options menyediakan opsi konfigurasi untuk Archive.
//
//   - ElementSize, KeySize: geometri record (key adalah prefix record), wajib >0
//   - ChunkSize, IndexSize: granularitas dan kapasitas sparse index per shard
//   - Shards / Ranges:      tabel partisi awal (hanya dipakai saat archive baru)
//   - MemoryBudget:         total memori buffer untuk semua shard
//   - Workers:              jumlah goroutine flush paralel
//
// Nilai 0 artinya gunakan default. Lihat DefaultOptions() untuk nilai bawaan.
type Options struct {
	// Geometri record dan file
	ElementSize   int
	KeySize       int
	ChunkSize     int   // byte per entry sparse index
	IndexSize     int64 // kapasitas region index per shard (byte)
	InitialSize   int64 // kapasitas konten awal file shard baru
	GrowIncrement int64 // kelipatan pertumbuhan file
	UseMmap       bool  // jalur baca memakai memory-mapping

	// Partisi awal; Ranges menang atas Shards
	Shards int
	Ranges []Range

	// Buffer tulis
	MemoryBudget      int64 // total byte untuk semua bucket
	BufferChunk       int64 // unit alokasi bucket
	MaxBufferElements int   // batas record per bucket (0 = dibatasi memori saja)

	// Sync engine
	Workers          int
	SyncInterval     time.Duration
	MinFlushElements int
	MaxBufferAge     time.Duration
	ForceFlush       bool // flush setiap bucket yang tidak kosong pada tiap tick
	FlushRetries     int
	RetryBackoff     time.Duration

	// Lock file OS
	LockRetries int
	LockBackoff time.Duration

	BufferPoolSize int // ukuran pool scratch buffer baca (0 = disable)
	PrefetchChunks int // chunk yang dibaca sekaligus oleh Iterator/Scan (0 = satu)

	Merge  MergeFunc // nil = record terbaru menang
	Logger *slog.Logger
}

// DefaultOptions mengembalikan konfigurasi default yang digunakan Open.
func DefaultOptions() Options {
	return Options{
		ElementSize:       32,
		KeySize:           8,
		ChunkSize:         shardfile.DefaultChunkSize,
		IndexSize:         shardfile.DefaultIndexSize,
		InitialSize:       shardfile.DefaultInitialSize,
		GrowIncrement:     shardfile.DefaultGrowIncrement,
		UseMmap:           true,
		Shards:            4,
		MemoryBudget:      64 << 20, // 64 MB untuk semua bucket
		BufferChunk:       64 << 10,
		MaxBufferElements: 0,
		Workers:           4,
		SyncInterval:      time.Second,
		MinFlushElements:  64 * 1024,
		MaxBufferAge:      10 * time.Second,
		FlushRetries:      3,
		RetryBackoff:      100 * time.Millisecond,
		LockRetries:       shardfile.DefaultLockRetries,
		LockBackoff:       shardfile.DefaultLockBackoff,
		BufferPoolSize:    64,
		PrefetchChunks:    4,
	}
}

// withDefaults mengisi bidang kosong dari DefaultOptions.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ChunkSize <= 0 {
		o.ChunkSize = d.ChunkSize
	}
	if o.IndexSize <= 0 {
		o.IndexSize = d.IndexSize
	}
	if o.InitialSize <= 0 {
		o.InitialSize = d.InitialSize
	}
	if o.GrowIncrement <= 0 {
		o.GrowIncrement = d.GrowIncrement
	}
	if o.Shards <= 0 && len(o.Ranges) == 0 {
		o.Shards = 1
	}
	if o.MemoryBudget <= 0 {
		o.MemoryBudget = d.MemoryBudget
	}
	if o.BufferChunk <= 0 {
		o.BufferChunk = d.BufferChunk
	}
	if o.BufferChunk < int64(o.ElementSize) {
		o.BufferChunk = int64(o.ElementSize)
	}
	if o.Workers <= 0 {
		o.Workers = d.Workers
	}
	if o.SyncInterval <= 0 {
		o.SyncInterval = d.SyncInterval
	}
	if o.FlushRetries < 0 {
		o.FlushRetries = 0
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = d.RetryBackoff
	}
	if o.LockRetries <= 0 {
		o.LockRetries = d.LockRetries
	}
	if o.LockBackoff <= 0 {
		o.LockBackoff = d.LockBackoff
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	}
	return o
}

func (o Options) fileOptions() shardfile.Options {
	return shardfile.Options{
		ElementSize:   o.ElementSize,
		KeySize:       o.KeySize,
		ChunkSize:     o.ChunkSize,
		IndexSize:     o.IndexSize,
		InitialSize:   o.InitialSize,
		GrowIncrement: o.GrowIncrement,
		LockRetries:   o.LockRetries,
		LockBackoff:   o.LockBackoff,
		Logger:        o.Logger.With("component", "shardfile"),
	}
}
