package bench_test

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"io"
	"log/slog"
	"math/rand"
	"testing"
	"time"

	archive "github.com/luhtfiimanal/go-shard-archive"
	_ "modernc.org/sqlite"
)

type testRow struct {
	ID int64
	A  string // ascii, fixed 16 bytes
	B  int64
	C  string // ascii, fixed 16 bytes
	D  int64
}

const (
	asciiLen   = 16
	int64Bytes = 8
	keySize    = int64Bytes
	recordSize = keySize + asciiLen*2 + int64Bytes*2 // 56 bytes
)

// encodeRow converts row to fixed-length byte slice following layout:
// ID[8, big-endian key] | A[16] | B[8] | C[16] | D[8]
func encodeRow(r testRow) []byte {
	buf := make([]byte, recordSize)

	// key
	binary.BigEndian.PutUint64(buf[0:keySize], uint64(r.ID))
	p := buf[keySize:]
	// A
	copy(p[0:asciiLen], []byte(r.A))
	// B
	binary.LittleEndian.PutUint64(p[asciiLen:asciiLen+8], uint64(r.B))
	// C
	copy(p[asciiLen+8:asciiLen+8+asciiLen], []byte(r.C))
	// D
	binary.LittleEndian.PutUint64(p[asciiLen+8+asciiLen:], uint64(r.D))
	return buf
}

// decodeRow converts bytes back to struct (helper for verification)
func decodeRow(b []byte) testRow {
	r := testRow{ID: int64(binary.BigEndian.Uint64(b[0:keySize]))}
	p := b[keySize:]
	r.A = string(bytes.TrimRight(p[0:asciiLen], "\x00"))
	r.B = int64(binary.LittleEndian.Uint64(p[asciiLen : asciiLen+8]))
	r.C = string(bytes.TrimRight(p[asciiLen+8:asciiLen+8+asciiLen], "\x00"))
	r.D = int64(binary.LittleEndian.Uint64(p[asciiLen+8+asciiLen:]))
	return r
}

func randomASCII(n int) string {
	letters := []rune("abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ")
	b := make([]rune, n)
	for i := range b {
		b[i] = letters[rand.Intn(len(letters))]
	}
	return string(b)
}

func randomRow(id int64) testRow {
	return testRow{
		ID: id,
		A:  randomASCII(asciiLen),
		B:  rand.Int63(),
		C:  randomASCII(asciiLen),
		D:  rand.Int63(),
	}
}

func benchOptions(shards int) archive.Options {
	opts := archive.DefaultOptions()
	opts.ElementSize = recordSize
	opts.KeySize = keySize
	opts.Shards = shards
	opts.UseMmap = false
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return opts
}

func openArchive(tb testing.TB, shards int) *archive.Archive {
	tb.Helper()
	a, err := archive.Create(tb.TempDir(), benchOptions(shards))
	if err != nil {
		tb.Fatalf("create archive: %v", err)
	}
	return a
}

func openSQLite(tb testing.TB) *sql.DB {
	tb.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		tb.Fatalf("open sqlite: %v", err)
	}
	if _, err := db.Exec(`CREATE TABLE tbl (id INTEGER PRIMARY KEY, a TEXT, b INTEGER, c TEXT, d INTEGER);`); err != nil {
		tb.Fatalf("create table: %v", err)
	}
	return db
}

// TestCompareWithSQLite inserts records into both the archive and SQLite and
// validates equality, including after merging updates into existing keys.
func TestCompareWithSQLite(t *testing.T) {
	rand.Seed(time.Now().UnixNano())

	const total = 1000

	a := openArchive(t, 1)
	defer a.Close()
	db := openSQLite(t)
	defer db.Close()

	ctx := context.Background()
	stmt, err := db.PrepareContext(ctx, `INSERT INTO tbl (id, a, b, c, d) VALUES (?, ?, ?, ?, ?);`)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	defer stmt.Close()

	// insert in random order; the archive sorts on flush
	for _, i := range rand.Perm(total) {
		r := randomRow(int64(i + 1))
		if err := a.InsertOrMerge(ctx, encodeRow(r)); err != nil {
			t.Fatalf("archive insert %d: %v", r.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, r.ID, r.A, r.B, r.C, r.D); err != nil {
			t.Fatalf("sqlite insert %d: %v", r.ID, err)
		}
	}
	if err := a.Flush(ctx); err != nil {
		t.Fatalf("flush archive: %v", err)
	}

	// overwrite a random subset in both stores
	for i := 0; i < 100; i++ {
		r := randomRow(int64(rand.Intn(total) + 1))
		if _, err := a.Update(ctx, encodeRow(r)); err != nil {
			t.Fatalf("archive update %d: %v", r.ID, err)
		}
		if _, err := db.ExecContext(ctx, `UPDATE tbl SET a=?, b=?, c=?, d=? WHERE id=?;`, r.A, r.B, r.C, r.D, r.ID); err != nil {
			t.Fatalf("sqlite update %d: %v", r.ID, err)
		}
	}

	// full comparison in key order
	it, err := a.Iterator()
	if err != nil {
		t.Fatalf("iterator: %v", err)
	}
	defer it.Close()
	rows, err := db.QueryContext(ctx, `SELECT id, a, b, c, d FROM tbl ORDER BY id;`)
	if err != nil {
		t.Fatalf("sqlite query: %v", err)
	}
	defer rows.Close()
	n := 0
	for it.Next() {
		if !rows.Next() {
			t.Fatalf("archive has more rows than sqlite")
		}
		var sq testRow
		if err := rows.Scan(&sq.ID, &sq.A, &sq.B, &sq.C, &sq.D); err != nil {
			t.Fatalf("sqlite scan: %v", err)
		}
		if rc := decodeRow(it.Record()); rc != sq {
			t.Fatalf("mismatch at row %d: archive=%+v sqlite=%+v", n, rc, sq)
		}
		n++
	}
	if err := it.Err(); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if n != total {
		t.Fatalf("archive returned %d rows, want %d", n, total)
	}
}

// BenchmarkWrite compares write throughput between the archive and sqlite.
func BenchmarkWrite(b *testing.B) {
	rand.Seed(42)

	b.Run("archive", func(bb *testing.B) {
		a := openArchive(bb, 4)
		defer a.Close()
		ctx := context.Background()

		// prepare data specific for this sub-benchmark size
		recs := make([][]byte, bb.N)
		for i := range recs {
			recs[i] = encodeRow(randomRow(rand.Int63()))
		}
		bb.ResetTimer()
		for i := 0; i < bb.N; i++ {
			if err := a.InsertOrMerge(ctx, recs[i]); err != nil {
				bb.Fatalf("write: %v", err)
			}
		}
		if err := a.Flush(ctx); err != nil {
			bb.Fatalf("flush: %v", err)
		}
	})

	b.Run("sqlite", func(bb *testing.B) {
		db := openSQLite(bb)
		defer db.Close()
		stmt, _ := db.Prepare(`INSERT OR REPLACE INTO tbl (id, a, b, c, d) VALUES (?, ?, ?, ?, ?);`)
		rowBuf := make([]testRow, bb.N)
		for i := range rowBuf {
			rowBuf[i] = randomRow(rand.Int63())
		}
		bb.ResetTimer()
		for i := 0; i < bb.N; i++ {
			r := rowBuf[i]
			if _, err := stmt.Exec(r.ID, r.A, r.B, r.C, r.D); err != nil {
				bb.Fatalf("insert: %v", err)
			}
		}
	})
}
