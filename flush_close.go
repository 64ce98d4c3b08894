package archive

import (
	"context"
	"fmt"
)

// Flush memaksa semua bucket ditulis ke file shard dan menunggu sampai
// selesai. Shard yang gagal tidak menghentikan shard lain; semua error
// digabung.
func (a *Archive) Flush(ctx context.Context) error {
	if a.closed.Load() {
		return ErrClosed
	}
	if err := a.sync.FlushAll(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrFlushFailed, err)
	}
	return nil
}

// Close berhenti menerima record, menunggu semua worker sync selesai lalu
// mem-flush sisa buffer. Writer yang sedang diblok backpressure gagal dengan
// ErrClosed. Panggilan berikutnya mengembalikan hasil yang sama.
func (a *Archive) Close() error {
	return a.CloseContext(context.Background())
}

// CloseContext seperti Close; ctx membatasi retry flush terakhir.
func (a *Archive) CloseContext(ctx context.Context) error {
	a.closeOnce.Do(func() {
		a.closed.Store(true)
		a.buckets.Close()
		if err := a.sync.Stop(ctx); err != nil {
			a.closeErr = fmt.Errorf("%w: %w", ErrFlushFailed, err)
			a.log.Error("final flush failed", "err", err)
			return
		}
		a.log.Info("archive closed")
	})
	return a.closeErr
}
