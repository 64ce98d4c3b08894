package archive

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/luhtfiimanal/go-shard-archive/internal/shardfile"
)

// shard merepresentasikan satu file shard yang dibuka untuk dibaca.
//
// Handle read-only memegang shared lock OS selama hidup, sehingga flush ke
// shard yang sama menunggu (dengan retry) sampai handle ditutup. Bila opsi
// `UseMmap` aktif, konten dibaca lewat memory-map tanpa syscall per read.
//
// Shard yang belum pernah di-flush belum punya file; openShard mengembalikan
// nil tanpa error untuk kasus itu dan pemanggil memperlakukannya sebagai
// shard kosong.
type shard struct {
	id   int
	file *shardfile.File
}

// openShard membuka file shard id dalam mode read-only.
func (a *Archive) openShard(id int) (*shard, error) {
	return a.openShardNamed(id, a.table.Filename(id))
}

// openShardNamed seperti openShard dengan nama file dari tabel lain (mis.
// salinan tabel milik iterator).
func (a *Archive) openShardNamed(id int, name string) (*shard, error) {
	path := filepath.Join(a.dir, name)
	fo := a.opts.fileOptions()
	fo.UseMmap = a.opts.UseMmap
	f, err := shardfile.Open(path, shardfile.ReadOnly, fo)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &shard{id: id, file: f}, nil
}

func (s *shard) close() error {
	if s == nil {
		return nil
	}
	return s.file.Close()
}

// shardPath mengembalikan path file shard id.
func (a *Archive) shardPath(id int) string {
	return filepath.Join(a.dir, a.table.Filename(id))
}
