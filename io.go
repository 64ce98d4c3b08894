package archive

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/luhtfiimanal/go-shard-archive/internal/bucket"
	"github.com/luhtfiimanal/go-shard-archive/internal/shardfile"
	"github.com/luhtfiimanal/go-shard-archive/internal/syncer"
)

// InsertOrMerge memasukkan record ke bucket shard masing-masing. Record
// dengan key yang sudah ada digabung memakai Options.Merge saat flush.
//
// Panggilan memblok bila bucket tujuan penuh sampai sync engine membebaskan
// memori, atau sampai ctx dibatalkan. Bila flush background sebelumnya untuk
// salah satu shard tujuan gagal, error itu dikembalikan (dibungkus
// ErrFlushFailed) dan tidak ada record yang dimasukkan.
func (a *Archive) InsertOrMerge(ctx context.Context, records ...[]byte) error {
	if a.closed.Load() {
		return ErrClosed
	}
	a.split.RLock()
	defer a.split.RUnlock()

	k := a.opts.KeySize
	var ids []int
	seen := make(map[int]struct{})
	for i, rec := range records {
		if len(rec) != a.opts.ElementSize {
			return fmt.Errorf("%w: record %d has %d bytes, expected %d", bucket.ErrRecordSize, i, len(rec), a.opts.ElementSize)
		}
		id, err := a.table.ShardForKey(rec[:k])
		if err != nil {
			return fmt.Errorf("route record %d: %w", i, err)
		}
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}

	// pending flush errors are only consumed once the whole call is valid
	var errs []error
	for _, id := range ids {
		if err := a.sync.TakeErr(id); err != nil {
			errs = append(errs, fmt.Errorf("%w: shard %d: %w", ErrFlushFailed, id, err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	if err := a.buckets.Add(ctx, records...); err != nil {
		if errors.Is(err, bucket.ErrClosed) {
			return ErrClosed
		}
		return err
	}
	return nil
}

// Update menimpa record yang sudah ada di disk. Record dikelompokkan per
// shard, bucket shard tersebut di-flush lebih dulu, lalu setiap record
// digabung dengan record lama memakai Options.Merge. Key yang tidak ada di
// disk dilewati dengan warning, bukan error.
//
// Mengembalikan jumlah key berbeda yang benar-benar diperbarui; record
// dengan key sama dalam satu panggilan digabung dulu dan dihitung sekali.
func (a *Archive) Update(ctx context.Context, records ...[]byte) (int, error) {
	if a.closed.Load() {
		return 0, ErrClosed
	}
	a.split.RLock()
	defer a.split.RUnlock()

	for i, rec := range records {
		if len(rec) != a.opts.ElementSize {
			return 0, fmt.Errorf("%w: record %d has %d bytes, expected %d", bucket.ErrRecordSize, i, len(rec), a.opts.ElementSize)
		}
	}
	groups, err := a.groupByShard(records, a.opts.ElementSize)
	if err != nil {
		return 0, err
	}

	updated := 0
	var errs []error
	for _, g := range groups {
		if err := a.sync.FlushShard(ctx, g.id); err != nil {
			errs = append(errs, fmt.Errorf("flush shard %d before update: %w", g.id, err))
			continue
		}
		buf := make([]byte, 0, len(g.items)*a.opts.ElementSize)
		for _, rec := range g.items {
			buf = append(buf, rec...)
		}
		n, err := a.sync.Apply(ctx, g.id, buf, syncer.UpdateOnly)
		if err != nil {
			errs = append(errs, fmt.Errorf("update shard %d: %w", g.id, err))
			continue
		}
		updated += n
	}
	return updated, errors.Join(errs...)
}

// Select mencari record untuk setiap key di file shard. Key yang tidak
// ditemukan diabaikan tanpa error. Hanya data yang sudah di-flush yang
// terlihat; panggil Flush bila perlu membaca record yang masih di buffer.
//
// Hasil berurutan menurut shard lalu key. Setiap key boleh lebih panjang dari
// KeySize; hanya prefix KeySize yang dipakai.
func (a *Archive) Select(ctx context.Context, keys ...[]byte) ([][]byte, error) {
	if a.closed.Load() {
		return nil, ErrClosed
	}
	a.split.RLock()
	defer a.split.RUnlock()

	groups, err := a.groupByShard(keys, a.opts.KeySize)
	if err != nil {
		return nil, err
	}

	results := make([][][]byte, len(groups))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(a.opts.Workers)
	for i, grp := range groups {
		g.Go(func() error {
			found, err := a.selectShard(ctx, grp)
			if err != nil {
				return fmt.Errorf("select shard %d: %w", grp.id, err)
			}
			results[i] = found
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out [][]byte
	for _, r := range results {
		out = append(out, r...)
	}
	return out, nil
}

func (a *Archive) selectShard(ctx context.Context, g shardGroup) ([][]byte, error) {
	s, err := a.openShard(g.id)
	if err != nil {
		return nil, err
	}
	if s == nil {
		a.statMisses.Add(uint64(len(g.items)))
		return nil, nil
	}
	defer s.close()

	buf := a.getBufFromPool()
	defer a.returnBufToPool(buf)

	var (
		out  [][]byte
		prev []byte
	)
	for _, key := range g.items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		key = key[:a.opts.KeySize]
		if prev != nil && string(prev) == string(key) {
			continue
		}
		prev = key
		rec, _, err := s.file.Lookup(key, buf)
		if errors.Is(err, shardfile.ErrNotFound) {
			a.statMisses.Add(1)
			continue
		}
		if err != nil {
			return nil, err
		}
		a.statHits.Add(1)
		out = append(out, append([]byte(nil), rec...))
	}
	return out, nil
}

// SelectUint64 seperti Select dengan key numerik yang dikodekan big-endian
// selebar KeySize (lihat KeyFromUint64).
func (a *Archive) SelectUint64(ctx context.Context, keys ...uint64) ([][]byte, error) {
	bk := make([][]byte, len(keys))
	for i, k := range keys {
		bk[i] = KeyFromUint64(k, a.opts.KeySize)
	}
	return a.Select(ctx, bk...)
}

// KeyFromUint64 mengkodekan k big-endian ke size byte. Key yang lebih lebar
// dari 8 byte diberi padding nol di depan; yang lebih sempit memotong byte
// paling signifikan.
func KeyFromUint64(k uint64, size int) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], k)
	out := make([]byte, size)
	if size >= 8 {
		copy(out[size-8:], tmp[:])
	} else {
		copy(out, tmp[8-size:])
	}
	return out
}

// Read membaca count record mulai dari record ke-elementOffset di shard
// shardID secara berurutan tanpa memakai index. Hasil dipotong di akhir
// data; offset di luar data menghasilkan error.
func (a *Archive) Read(shardID int, elementOffset int64, count int) ([]byte, error) {
	if a.closed.Load() {
		return nil, ErrClosed
	}
	if elementOffset < 0 || count < 0 {
		return nil, fmt.Errorf("%w: offset %d count %d", shardfile.ErrOutOfRange, elementOffset, count)
	}
	a.split.RLock()
	defer a.split.RUnlock()
	if shardID < 0 || shardID >= a.table.NumShards() {
		return nil, fmt.Errorf("%w: shard %d of %d", ErrRouting, shardID, a.table.NumShards())
	}
	s, err := a.openShard(shardID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("%w: shard %d is empty", shardfile.ErrOutOfRange, shardID)
	}
	defer s.close()

	elem := int64(a.opts.ElementSize)
	out := make([]byte, int64(count)*elem)
	n, err := s.file.Read(elementOffset*elem, out)
	if err != nil {
		return nil, err
	}
	return out[:n], nil
}

// Contains melaporkan apakah key masih menunggu di buffer memori. Disk tidak
// diperiksa.
func (a *Archive) Contains(key []byte) (bool, error) {
	if a.closed.Load() {
		return false, ErrClosed
	}
	return a.buckets.Contains(key)
}

// forEachShard menjalankan fn untuk setiap shard dengan paralelisme Workers
// dan menggabungkan semua error.
func (a *Archive) forEachShard(fn func(id int) error) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(a.opts.Workers)
	for id := 0; id < a.table.NumShards(); id++ {
		g.Go(func() error {
			if err := fn(id); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("shard %d: %w", id, err))
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return errors.Join(errs...)
}
