package ewf

import (
	"encoding/binary"
	"io"
)

// readFull reads exactly len(buf) bytes from r starting at off, failing
// with TruncatedInput rather than returning a partial read (§4.1: "no
// buffering beyond OS read").
func readFull(r io.ReaderAt, path string, off int64, buf []byte) error {
	n, err := r.ReadAt(buf, off)
	if err != nil && !(err == io.EOF && n == len(buf)) {
		return errTruncatedInput(path, off, len(buf), n)
	}
	return nil
}

func readU8(r io.ReaderAt, path string, off int64) (uint8, error) {
	var buf [1]byte
	if err := readFull(r, path, off, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func readU16LE(r io.ReaderAt, path string, off int64) (uint16, error) {
	var buf [2]byte
	if err := readFull(r, path, off, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func readU32LE(r io.ReaderAt, path string, off int64) (uint32, error) {
	var buf [4]byte
	if err := readFull(r, path, off, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func readU64LE(r io.ReaderAt, path string, off int64) (uint64, error) {
	var buf [8]byte
	if err := readFull(r, path, off, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// readU32BE reads a big-endian u32, for the one checksum-alignment field
// (§4.1) some section trailers encode in network byte order. No section
// parser in this package calls it.
func readU32BE(r io.ReaderAt, path string, off int64) (uint32, error) {
	var buf [4]byte
	if err := readFull(r, path, off, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}
