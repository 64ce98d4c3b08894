package archive

import (
	"errors"

	"github.com/luhtfiimanal/go-shard-archive/internal/partition"
	"github.com/luhtfiimanal/go-shard-archive/internal/shardfile"
)

var (
	ErrClosed = errors.New("archive closed")
	ErrExists = errors.New("archive already exists")

	// ErrInconsistent dilaporkan oleh Verify atau saat konfigurasi tersimpan
	// tidak masuk akal.
	ErrInconsistent = errors.New("archive inconsistent")

	// ErrFlushFailed membungkus error flush background yang belum pernah
	// dilaporkan; dikembalikan oleh insert berikutnya ke shard yang sama.
	ErrFlushFailed = errors.New("background flush failed")

	ErrBadExport = errors.New("not an archive export stream")

	// ErrRouting: key tidak dapat dipetakan ke shard manapun.
	ErrRouting = partition.ErrRouting

	// ErrLockContention: file shard sedang dikunci handle lain.
	ErrLockContention = shardfile.ErrLockContention
)
