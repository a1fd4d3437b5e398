package oplog

import (
	"github.com/datrs/hypercore/bitfield"
	"github.com/datrs/hypercore/crypto"
	"github.com/datrs/hypercore/merkle"
)

const (
	flagTreeNodes uint8 = 1 << iota
	flagTreeUpgrade
	flagBitfieldUpdate
)

// TreeUpgrade is the entry-stream record of a signed length/fork change,
// written on every append and on every accepted upgrade proof.
type TreeUpgrade struct {
	Length     uint64
	ByteLength uint64
	Fork       uint64
	Signature  []byte
}

// Entry is one record in the oplog's append-only stream: the delta a
// single core operation produced, not yet folded into a header.
type Entry struct {
	TreeNodes      []merkle.Node
	TreeUpgrade    *TreeUpgrade
	BitfieldUpdate *bitfield.Update
}

func encodeEntry(e Entry) []byte {
	enc := &encoder{}
	var flags uint8
	if len(e.TreeNodes) > 0 {
		flags |= flagTreeNodes
	}
	if e.TreeUpgrade != nil {
		flags |= flagTreeUpgrade
	}
	if e.BitfieldUpdate != nil {
		flags |= flagBitfieldUpdate
	}
	enc.putByte(flags)

	if flags&flagTreeNodes != 0 {
		enc.putUvarint(uint64(len(e.TreeNodes)))
		for _, n := range e.TreeNodes {
			enc.putUvarint(n.Index)
			enc.putFixed(n.Hash[:])
			enc.putUvarint(n.Length)
		}
	}
	if flags&flagTreeUpgrade != 0 {
		enc.putUvarint(e.TreeUpgrade.Length)
		enc.putUvarint(e.TreeUpgrade.ByteLength)
		enc.putUvarint(e.TreeUpgrade.Fork)
		enc.putBytes(e.TreeUpgrade.Signature)
	}
	if flags&flagBitfieldUpdate != 0 {
		enc.putUvarint(e.BitfieldUpdate.Start)
		enc.putUvarint(e.BitfieldUpdate.Length)
		if e.BitfieldUpdate.Drop {
			enc.putByte(1)
		} else {
			enc.putByte(0)
		}
	}
	return enc.buf
}

// decodeEntry parses one entry starting at buf[0] and reports how many
// bytes it consumed.
func decodeEntry(buf []byte) (Entry, int, error) {
	d := newDecoder(buf)
	flags, err := d.byteVal()
	if err != nil {
		return Entry{}, 0, err
	}

	var e Entry
	if flags&flagTreeNodes != 0 {
		count, err := d.uvarint()
		if err != nil {
			return Entry{}, 0, err
		}
		nodes := make([]merkle.Node, 0, count)
		for i := uint64(0); i < count; i++ {
			idx, err := d.uvarint()
			if err != nil {
				return Entry{}, 0, err
			}
			h, err := d.fixed(crypto.Size)
			if err != nil {
				return Entry{}, 0, err
			}
			l, err := d.uvarint()
			if err != nil {
				return Entry{}, 0, err
			}
			var hash crypto.Hash
			copy(hash[:], h)
			nodes = append(nodes, merkle.Node{Index: idx, Hash: hash, Length: l})
		}
		e.TreeNodes = nodes
	}
	if flags&flagTreeUpgrade != 0 {
		length, err := d.uvarint()
		if err != nil {
			return Entry{}, 0, err
		}
		byteLength, err := d.uvarint()
		if err != nil {
			return Entry{}, 0, err
		}
		fork, err := d.uvarint()
		if err != nil {
			return Entry{}, 0, err
		}
		sig, err := d.bytesVal()
		if err != nil {
			return Entry{}, 0, err
		}
		e.TreeUpgrade = &TreeUpgrade{Length: length, ByteLength: byteLength, Fork: fork, Signature: sig}
	}
	if flags&flagBitfieldUpdate != 0 {
		start, err := d.uvarint()
		if err != nil {
			return Entry{}, 0, err
		}
		length, err := d.uvarint()
		if err != nil {
			return Entry{}, 0, err
		}
		drop, err := d.byteVal()
		if err != nil {
			return Entry{}, 0, err
		}
		e.BitfieldUpdate = &bitfield.Update{Start: start, Length: length, Drop: drop != 0}
	}
	return e, d.pos, nil
}

// decodeEntries decodes as many whole entries as possible from the front
// of buf and reports how many bytes were consumed; it stops (without
// error) at the first entry it cannot fully parse, which is exactly what
// a torn trailing write looks like.
func decodeEntries(buf []byte) ([]Entry, uint64) {
	var entries []Entry
	var consumed uint64
	for len(buf) > 0 {
		e, n, err := decodeEntry(buf)
		if err != nil {
			break
		}
		entries = append(entries, e)
		buf = buf[n:]
		consumed += uint64(n)
	}
	return entries, consumed
}
