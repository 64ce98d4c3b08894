package archive

import (
	"bytes"
	"fmt"

	"golang.org/x/exp/slices"
)

// shardGroup adalah sekumpulan key (atau record) yang jatuh ke shard yang
// sama, sudah terurut.
type shardGroup struct {
	id    int
	items [][]byte
}

// groupByShard menentukan shard untuk setiap item berdasarkan prefix key-nya,
// lalu mengelompokkan dan mengurutkan item per shard. Grup dikembalikan
// berurutan menurut id shard.
//
// Mengembalikan error bila ada item yang tidak bisa di-routing; dalam kasus
// itu tidak ada grup yang dikembalikan.
func (a *Archive) groupByShard(items [][]byte, minLen int) ([]shardGroup, error) {
	k := a.opts.KeySize
	byID := make(map[int][][]byte)
	for i, it := range items {
		if len(it) < minLen {
			return nil, fmt.Errorf("item %d has %d bytes, need %d", i, len(it), minLen)
		}
		id, err := a.table.ShardForKey(it[:k])
		if err != nil {
			return nil, fmt.Errorf("route item %d: %w", i, err)
		}
		byID[id] = append(byID[id], it)
	}

	groups := make([]shardGroup, 0, len(byID))
	for id, its := range byID {
		slices.SortStableFunc(its, func(x, y []byte) int {
			return bytes.Compare(x[:k], y[:k])
		})
		groups = append(groups, shardGroup{id: id, items: its})
	}
	slices.SortFunc(groups, func(x, y shardGroup) int { return x.id - y.id })
	return groups, nil
}
