// Package archive provides an embedded, disk-resident sorted key-value store
// for fixed-size binary records. Keys are a fixed-width prefix of each record
// and are compared as unsigned bytes.
//
// Records are routed by key range to shards. Each shard has an in-memory
// bucket and a shard file holding its records in key order behind a sparse
// per-chunk index. A background sync engine merges full or old buckets into
// their files; writers block when the memory budget is exhausted until a
// flush frees space.
//
// The library is organised into several files for clarity:
//
//	options.go      – configuration struct & defaults
//	env.go          – options from .env / environment
//	config.go       – persisted record layout (archive.json)
//	archive.go      – constructors, recovery & core fields
//	shard.go        – read-only shard handles
//	shard_lookup.go – grouping keys by shard
//	buffer.go       – pooled lookup buffers
//	io.go           – insert, update, select & raw reads
//	iterator.go     – full iteration & range scans
//	maintenance.go  – split, verify & repair
//	export.go       – zstd export / import
//	stats.go        – lightweight stats accessors
//	flush_close.go  – flush & close helpers
//
// The on-disk pieces live in internal packages: shardfile (file format,
// sparse index, journal), partition (range table, splitting), bucket (write
// buffers, memory budget) and syncer (flush scheduling and merge-write).
package archive
