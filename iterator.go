package archive

import (
	"bytes"
	"fmt"

	"github.com/luhtfiimanal/go-shard-archive/internal/partition"
	"github.com/luhtfiimanal/go-shard-archive/internal/shardfile"
)

// Iterator adalah cursor maju-saja, read-only dan tidak bisa diulang atas
// record yang sudah di-flush. Shard dibuka satu per satu menurut id; di dalam
// shard record keluar menurut key. Shard 0 juga memuat key di atas batas
// terakhir (wrap-around), sehingga key itu muncul di akhir shard 0.
//
// Iterator tidak boleh dipakai bersamaan dengan flush ke shard yang sama:
// selama sebuah shard terbuka, flush ke shard itu menunggu lock file.
type Iterator struct {
	a     *Archive
	table *partition.RangeFunc
	from  []byte // nil = tanpa batas bawah
	to    []byte // nil = tanpa batas atas

	next int
	cur  *shard
	sc   *shardfile.Scanner
	id   int
	rec  []byte
	err  error
	done bool
}

// Iterator mengembalikan cursor atas seluruh isi archive.
func (a *Archive) Iterator() (*Iterator, error) {
	return a.Scan(nil, nil)
}

// Scan mengembalikan cursor atas record dengan from <= key <= to. Kedua batas
// inklusif dan dibandingkan per record, tidak per chunk; nil berarti tanpa
// batas. Shard yang rentangnya tidak mungkin beririsan dilewati, dan awal
// tiap shard dicari lewat sparse index.
func (a *Archive) Scan(from, to []byte) (*Iterator, error) {
	if a.closed.Load() {
		return nil, ErrClosed
	}
	k := a.opts.KeySize
	if from != nil && len(from) < k || to != nil && len(to) < k {
		return nil, fmt.Errorf("scan bounds need %d byte keys", k)
	}
	if from != nil {
		from = bytes.Clone(from[:k])
	}
	if to != nil {
		to = bytes.Clone(to[:k])
	}
	if from != nil && to != nil && bytes.Compare(from, to) > 0 {
		return nil, fmt.Errorf("scan bounds reversed: %x > %x", from, to)
	}
	a.split.RLock()
	table := a.table.Clone()
	a.split.RUnlock()
	return &Iterator{a: a, table: table, from: from, to: to, id: -1}, nil
}

func (it *Iterator) overlaps(id int) bool {
	if it.from == nil && it.to == nil {
		return true
	}
	from, to := it.from, it.to
	if from == nil {
		from = make([]byte, it.table.KeySize())
	}
	if to == nil {
		to = bytes.Repeat([]byte{0xFF}, it.table.KeySize())
	}
	return it.table.Overlaps(id, from, to)
}

// Next memajukan cursor. Mengembalikan false di akhir data atau saat error;
// periksa Err setelahnya.
func (it *Iterator) Next() bool {
	for !it.done && it.err == nil {
		if it.sc == nil {
			if !it.openNext() {
				return false
			}
			continue
		}
		if it.sc.Next() {
			key := it.sc.Key()
			if it.to != nil && bytes.Compare(key, it.to) > 0 {
				it.closeShard()
				continue
			}
			it.rec = it.sc.Record()
			return true
		}
		if err := it.sc.Err(); err != nil {
			it.err = fmt.Errorf("scan shard %d: %w", it.id, err)
			return false
		}
		it.closeShard()
	}
	return false
}

// openNext membuka shard berikutnya yang relevan dan memposisikan scanner.
func (it *Iterator) openNext() bool {
	for it.next < it.table.NumShards() {
		id := it.next
		it.next++
		if !it.overlaps(id) {
			continue
		}
		s, err := it.a.openShardNamed(id, it.table.Filename(id))
		if err != nil {
			it.err = fmt.Errorf("open shard %d: %w", id, err)
			return false
		}
		if s == nil {
			continue
		}
		start := int64(0)
		if it.from != nil {
			buf := it.a.getBufFromPool()
			start, err = s.file.Seek(it.from, buf)
			it.a.returnBufToPool(buf)
			if err != nil {
				s.close()
				it.err = fmt.Errorf("seek shard %d: %w", id, err)
				return false
			}
		}
		it.cur, it.id = s, id
		it.sc = s.file.Scan(start).ReadAhead(it.a.opts.PrefetchChunks)
		return true
	}
	it.done = true
	return false
}

func (it *Iterator) closeShard() {
	if it.cur != nil {
		if err := it.cur.close(); err != nil && it.err == nil {
			it.err = err
		}
	}
	it.cur, it.sc, it.rec = nil, nil, nil
}

// Record mengembalikan record saat ini. Slice hanya valid sampai Next
// berikutnya; salin bila perlu disimpan.
func (it *Iterator) Record() []byte { return it.rec }

// Shard mengembalikan id shard dari record saat ini.
func (it *Iterator) Shard() int { return it.id }

func (it *Iterator) Err() error { return it.err }

// Close melepas shard yang sedang terbuka. Aman dipanggil berulang kali.
func (it *Iterator) Close() error {
	it.done = true
	it.closeShard()
	return it.err
}
