package archive

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

const (
	exportMagic     = "SHAEXP01"
	exportHeaderLen = len(exportMagic) + 8
	importBatch     = 1024
)

// Export menulis semua record yang sudah di-flush ke w sebagai stream zstd:
// header (magic, element size, key size, big-endian) diikuti record mentah
// dalam urutan Iterator. Mengembalikan jumlah record yang ditulis.
func (a *Archive) Export(ctx context.Context, w io.Writer) (int64, error) {
	it, err := a.Iterator()
	if err != nil {
		return 0, err
	}
	defer it.Close()

	enc, err := zstd.NewWriter(w)
	if err != nil {
		return 0, err
	}
	var hdr [exportHeaderLen]byte
	copy(hdr[:], exportMagic)
	binary.BigEndian.PutUint32(hdr[len(exportMagic):], uint32(a.opts.ElementSize))
	binary.BigEndian.PutUint32(hdr[len(exportMagic)+4:], uint32(a.opts.KeySize))
	if _, err := enc.Write(hdr[:]); err != nil {
		enc.Close()
		return 0, err
	}

	var n int64
	for it.Next() {
		if n%importBatch == 0 {
			if err := ctx.Err(); err != nil {
				enc.Close()
				return n, err
			}
		}
		if _, err := enc.Write(it.Record()); err != nil {
			enc.Close()
			return n, err
		}
		n++
	}
	if err := it.Err(); err != nil {
		enc.Close()
		return n, err
	}
	if err := enc.Close(); err != nil {
		return n, err
	}
	a.log.Info("export finished", "records", n)
	return n, nil
}

// Import membaca stream hasil Export dan memasukkan setiap record lewat
// InsertOrMerge, jadi record dengan key yang sudah ada digabung. Geometri
// record di stream harus sama dengan archive.
func (a *Archive) Import(ctx context.Context, r io.Reader) (int64, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrBadExport, err)
	}
	defer dec.Close()
	br := bufio.NewReader(dec)

	var hdr [exportHeaderLen]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrBadExport, err)
	}
	if string(hdr[:len(exportMagic)]) != exportMagic {
		return 0, ErrBadExport
	}
	elem := int(binary.BigEndian.Uint32(hdr[len(exportMagic):]))
	key := int(binary.BigEndian.Uint32(hdr[len(exportMagic)+4:]))
	if elem != a.opts.ElementSize || key != a.opts.KeySize {
		return 0, fmt.Errorf("%w: stream has element %d key %d, archive has element %d key %d",
			ErrBadExport, elem, key, a.opts.ElementSize, a.opts.KeySize)
	}

	var n int64
	for {
		buf := make([]byte, importBatch*elem)
		got, rerr := io.ReadFull(br, buf)
		if got%elem != 0 {
			return n, fmt.Errorf("%w: truncated record after %d records", ErrBadExport, n+int64(got/elem))
		}
		if got > 0 {
			recs := make([][]byte, got/elem)
			for i := range recs {
				recs[i] = buf[i*elem : (i+1)*elem]
			}
			if err := a.InsertOrMerge(ctx, recs...); err != nil {
				return n, err
			}
			n += int64(len(recs))
		}
		if errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrUnexpectedEOF) {
			break
		}
		if rerr != nil {
			return n, fmt.Errorf("%w: %w", ErrBadExport, rerr)
		}
	}
	a.log.Info("import finished", "records", n)
	return n, nil
}
