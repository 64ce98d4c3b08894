package partition

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// The table file is tab separated. The header names one column per key byte
// followed by the filename:
//
//	b0	b1	...	b7	filename
//	63	255	...	255	shard-0.db
//
// Key bytes are unsigned decimals, so a reload reproduces every bound byte
// for byte.

// WriteTo writes the table in its text form.
func (p *RangeFunc) WriteTo(w io.Writer) (int64, error) {
	rs := p.Ranges()
	bw := bufio.NewWriter(w)
	var n int64
	write := func(s string) {
		m, _ := bw.WriteString(s)
		n += int64(m)
	}
	for i := 0; i < p.keySize; i++ {
		write("b" + strconv.Itoa(i) + "\t")
	}
	write("filename\n")
	for _, r := range rs {
		for _, b := range r.UpperBound {
			write(strconv.FormatUint(uint64(b), 10) + "\t")
		}
		write(r.Filename + "\n")
	}
	if err := bw.Flush(); err != nil {
		return n, fmt.Errorf("write partition table: %w", err)
	}
	return n, nil
}

// Store persists the table at path. The file is written next to path and
// renamed over it, so a reader never sees a half written table.
func (p *RangeFunc) Store(path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create partition table: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := p.WriteTo(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync partition table: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close partition table: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("install partition table: %w", err)
	}
	return nil
}

// Read parses a table in the form written by WriteTo.
func Read(r io.Reader) (*RangeFunc, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("read partition table: %w", err)
		}
		return nil, fmt.Errorf("%w: missing header", ErrBadTable)
	}
	head := strings.Split(sc.Text(), "\t")
	keySize := len(head) - 1
	if keySize <= 0 || head[keySize] != "filename" {
		return nil, fmt.Errorf("%w: header %q", ErrBadTable, sc.Text())
	}
	for i := 0; i < keySize; i++ {
		if head[i] != "b"+strconv.Itoa(i) {
			return nil, fmt.Errorf("%w: header column %d is %q", ErrBadTable, i, head[i])
		}
	}

	var ranges []Range
	for line := 2; sc.Scan(); line++ {
		if sc.Text() == "" {
			continue
		}
		cols := strings.Split(sc.Text(), "\t")
		if len(cols) != keySize+1 {
			return nil, fmt.Errorf("%w: line %d has %d columns, expected %d", ErrBadTable, line, len(cols), keySize+1)
		}
		bound := make([]byte, keySize)
		for i := range bound {
			v, err := strconv.ParseUint(cols[i], 10, 8)
			if err != nil {
				return nil, fmt.Errorf("%w: line %d column %d: %v", ErrBadTable, line, i, err)
			}
			bound[i] = byte(v)
		}
		ranges = append(ranges, Range{UpperBound: bound, Filename: cols[keySize]})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read partition table: %w", err)
	}
	return New(keySize, ranges)
}

// Load reads the table stored at path.
func Load(path string) (*RangeFunc, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open partition table: %w", err)
	}
	defer f.Close()
	return Read(f)
}
