// Package shardfile implements the on-disk shard file: a fixed 1024 byte
// header, a sparse chunk index and a content region of fixed-size records
// sorted ascending by key.
//
// Layout (big-endian):
//
//	┌──────────────────────────────────────────────────────────────┐
//	│ Header (1024 bytes)                                          │
//	│   [0:8]   file size                                          │
//	│   [8:16]  filled-up-to (content relative)                    │
//	│   [16]    soft-close flag                                    │
//	│   [17:21] chunk size                                         │
//	│   [21:25] element size                                       │
//	│   [25:29] key size                                           │
//	├──────────────────────────────────────────────────────────────┤
//	│ Sparse index (IndexSize bytes)                               │
//	│   largest key of chunk i at i*keySize                        │
//	├──────────────────────────────────────────────────────────────┤
//	│ Content                                                      │
//	│   record, record, record, ...                                │
//	└──────────────────────────────────────────────────────────────┘
//
// All offsets accepted by File are relative to the content region.
package shardfile
