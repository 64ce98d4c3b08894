package archive_test

import (
	"context"
	"errors"
	"testing"

	archive "github.com/luhtfiimanal/go-shard-archive"
	"github.com/luhtfiimanal/go-shard-archive/internal/bucket"
)

func TestInsertRejectsWrongSizeWithoutPanic(t *testing.T) {
	tmp := t.TempDir()

	opts := archive.DefaultOptions()
	opts.ElementSize = 2048
	opts.KeySize = 8
	opts.Shards = 2

	a, err := archive.Create(tmp, opts)
	if err != nil {
		t.Fatalf("failed to create archive: %v", err)
	}
	defer a.Close()

	ctx := context.Background()
	// Record terlalu pendek: bahkan key-nya tidak lengkap.
	for _, n := range []int{0, 4, 2047, 2049} {
		if err := a.InsertOrMerge(ctx, make([]byte, n)); !errors.Is(err, bucket.ErrRecordSize) {
			t.Fatalf("record of %d bytes: expected size error, got %v", n, err)
		}
		if _, err := a.Update(ctx, make([]byte, n)); !errors.Is(err, bucket.ErrRecordSize) {
			t.Fatalf("update of %d bytes: expected size error, got %v", n, err)
		}
	}
	if _, err := a.Select(ctx, []byte{1, 2}); err == nil {
		t.Fatalf("expected error for short key")
	}
	if st := a.GetStats(); st.Buffered != 0 {
		t.Fatalf("rejected records were buffered: %+v", st)
	}
}
