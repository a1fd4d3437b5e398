// Package oplog implements the crash-safe write-ahead log that backs a
// core: a pair of 4 KiB header slots recording the last known-good tree
// state, followed by an append-only stream of incremental entries
// written between flushes.
package oplog

import (
	"encoding/binary"
	"errors"
)

// ErrTruncated is returned when a buffer ends in the middle of an
// encoded value — either a genuinely corrupt record, or (in the entry
// stream) the tail of a torn write that recovery should simply stop at.
var ErrTruncated = errors.New("oplog: truncated record")

// encoder appends the project's compact encoding (little-endian LEB128
// varints, length-prefixed byte strings, fixed-size arrays) to a growable
// buffer.
type encoder struct {
	buf []byte
}

func (e *encoder) putUvarint(v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	e.buf = append(e.buf, tmp[:n]...)
}

func (e *encoder) putByte(b byte) {
	e.buf = append(e.buf, b)
}

func (e *encoder) putFixed(b []byte) {
	e.buf = append(e.buf, b...)
}

func (e *encoder) putBytes(b []byte) {
	e.putUvarint(uint64(len(b)))
	e.buf = append(e.buf, b...)
}

// decoder reads the compact encoding back out of a fixed buffer.
type decoder struct {
	buf []byte
	pos int
}

func newDecoder(buf []byte) *decoder {
	return &decoder{buf: buf}
}

func (d *decoder) uvarint() (uint64, error) {
	v, n := binary.Uvarint(d.buf[d.pos:])
	if n <= 0 {
		return 0, ErrTruncated
	}
	d.pos += n
	return v, nil
}

func (d *decoder) byteVal() (byte, error) {
	if d.pos >= len(d.buf) {
		return 0, ErrTruncated
	}
	b := d.buf[d.pos]
	d.pos++
	return b, nil
}

func (d *decoder) fixed(n int) ([]byte, error) {
	if d.pos+n > len(d.buf) {
		return nil, ErrTruncated
	}
	out := make([]byte, n)
	copy(out, d.buf[d.pos:d.pos+n])
	d.pos += n
	return out, nil
}

func (d *decoder) bytesVal() ([]byte, error) {
	n, err := d.uvarint()
	if err != nil {
		return nil, err
	}
	return d.fixed(int(n))
}
