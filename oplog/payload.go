package oplog

import (
	"crypto/ed25519"

	"github.com/datrs/hypercore/crypto"
	"github.com/datrs/hypercore/merkle"
)

// TreeState is the subset of a merkle.Tree's fields that need to survive
// a restart: enough to reconstruct it with merkle.Restore.
type TreeState struct {
	Length     uint64
	ByteLength uint64
	Fork       uint64
	Roots      []merkle.Node
	Signature  []byte
}

// Hints carries the bookkeeping Open relies on when choosing and replaying
// a header: the monotonic counter used to break a tie between two
// simultaneously-valid slots, and how much of the entry stream this header
// already accounts for. ContiguousLength is encoded and decoded with the
// rest, but nothing in this repository sets it, so it is always written
// as zero.
type Hints struct {
	Counter          uint64
	StreamLength     uint64
	ContiguousLength uint64
}

// Payload is the data carried by one oplog header slot.
type Payload struct {
	KeyPair  crypto.PartialKeypair
	Manifest crypto.Manifest
	Tree     TreeState
	Hints    Hints
}

func encodePayload(p Payload) []byte {
	e := &encoder{}
	e.putBytes(p.KeyPair.Public)
	if p.KeyPair.Writable() {
		e.putByte(1)
		e.putFixed(p.KeyPair.Secret)
	} else {
		e.putByte(0)
	}
	e.putBytes(crypto.EncodeManifest(p.Manifest))

	e.putUvarint(p.Tree.Length)
	e.putUvarint(p.Tree.ByteLength)
	e.putUvarint(p.Tree.Fork)
	e.putUvarint(uint64(len(p.Tree.Roots)))
	for _, n := range p.Tree.Roots {
		e.putUvarint(n.Index)
		e.putFixed(n.Hash[:])
		e.putUvarint(n.Length)
	}
	e.putBytes(p.Tree.Signature)

	e.putUvarint(p.Hints.Counter)
	e.putUvarint(p.Hints.StreamLength)
	e.putUvarint(p.Hints.ContiguousLength)
	return e.buf
}

func decodePayload(buf []byte) (Payload, error) {
	d := newDecoder(buf)

	pub, err := d.bytesVal()
	if err != nil {
		return Payload{}, err
	}
	hasSecret, err := d.byteVal()
	if err != nil {
		return Payload{}, err
	}
	var secret ed25519.PrivateKey
	if hasSecret != 0 {
		secret, err = d.fixed(ed25519.PrivateKeySize)
		if err != nil {
			return Payload{}, err
		}
	}
	manifestBytes, err := d.bytesVal()
	if err != nil {
		return Payload{}, err
	}
	manifest, err := crypto.DecodeManifest(manifestBytes)
	if err != nil {
		return Payload{}, err
	}

	length, err := d.uvarint()
	if err != nil {
		return Payload{}, err
	}
	byteLength, err := d.uvarint()
	if err != nil {
		return Payload{}, err
	}
	fork, err := d.uvarint()
	if err != nil {
		return Payload{}, err
	}
	rootCount, err := d.uvarint()
	if err != nil {
		return Payload{}, err
	}
	roots := make([]merkle.Node, 0, rootCount)
	for i := uint64(0); i < rootCount; i++ {
		idx, err := d.uvarint()
		if err != nil {
			return Payload{}, err
		}
		h, err := d.fixed(crypto.Size)
		if err != nil {
			return Payload{}, err
		}
		l, err := d.uvarint()
		if err != nil {
			return Payload{}, err
		}
		var hash crypto.Hash
		copy(hash[:], h)
		roots = append(roots, merkle.Node{Index: idx, Hash: hash, Length: l})
	}
	signature, err := d.bytesVal()
	if err != nil {
		return Payload{}, err
	}

	counter, err := d.uvarint()
	if err != nil {
		return Payload{}, err
	}
	streamLength, err := d.uvarint()
	if err != nil {
		return Payload{}, err
	}
	contiguousLength, err := d.uvarint()
	if err != nil {
		return Payload{}, err
	}

	return Payload{
		KeyPair: crypto.PartialKeypair{Public: ed25519.PublicKey(pub), Secret: secret},
		Manifest: manifest,
		Tree: TreeState{
			Length:     length,
			ByteLength: byteLength,
			Fork:       fork,
			Roots:      roots,
			Signature:  signature,
		},
		Hints: Hints{
			Counter:          counter,
			StreamLength:     streamLength,
			ContiguousLength: contiguousLength,
		},
	}, nil
}
