package shardfile

import (
	"encoding/binary"
	"fmt"
	"os"
)

// Header is the decoded fixed header of a shard file.
type Header struct {
	FileSize    uint64 // total size of the OS file in bytes
	FilledUpTo  uint64 // high-water mark, relative to the content region
	SoftClosed  bool   // set only by an orderly Close
	ChunkSize   uint32
	ElementSize uint32
	KeySize     uint32
}

const (
	offFileSize    = 0
	offFilledUpTo  = 8
	offSoftClosed  = 16
	offChunkSize   = 17
	offElementSize = 21
	offKeySize     = 25
)

func (h *Header) encode(buf []byte) {
	clear(buf[:HeaderSize])
	binary.BigEndian.PutUint64(buf[offFileSize:], h.FileSize)
	binary.BigEndian.PutUint64(buf[offFilledUpTo:], h.FilledUpTo)
	if h.SoftClosed {
		buf[offSoftClosed] = 1
	}
	binary.BigEndian.PutUint32(buf[offChunkSize:], h.ChunkSize)
	binary.BigEndian.PutUint32(buf[offElementSize:], h.ElementSize)
	binary.BigEndian.PutUint32(buf[offKeySize:], h.KeySize)
}

func decodeHeader(buf []byte) Header {
	return Header{
		FileSize:    binary.BigEndian.Uint64(buf[offFileSize:]),
		FilledUpTo:  binary.BigEndian.Uint64(buf[offFilledUpTo:]),
		SoftClosed:  buf[offSoftClosed] == 1,
		ChunkSize:   binary.BigEndian.Uint32(buf[offChunkSize:]),
		ElementSize: binary.BigEndian.Uint32(buf[offElementSize:]),
		KeySize:     binary.BigEndian.Uint32(buf[offKeySize:]),
	}
}

// ReadHeader decodes the header of the shard file at path without taking
// the lock. The values may be stale while a writer holds the file.
func ReadHeader(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, err
	}
	defer f.Close()
	buf := make([]byte, HeaderSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return Header{}, fmt.Errorf("%w: read header %s: %w", ErrBadHeader, path, err)
	}
	return decodeHeader(buf), nil
}
