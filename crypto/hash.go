// Package crypto provides the domain-separated Blake2b hashing and
// Ed25519 signing used to authenticate a core's Merkle tree, plus the
// manifest wire encoding that names a core's hash/signature scheme.
package crypto

import (
	"encoding/binary"

	"golang.org/x/crypto/blake2b"
)

// Domain separator prefixes, written as the first byte of the hash input.
const (
	leafType   byte = 0x00
	parentType byte = 0x01
	rootType   byte = 0x02
	treeType   byte = 0x03
)

// Size is the length in bytes of every hash produced by this package.
const Size = 32

// Hash is a 32-byte Blake2b digest.
type Hash [Size]byte

// IsZero reports whether h is the all-zero (blank) hash.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

func sum(parts ...[]byte) Hash {
	h, err := blake2b.New256(nil)
	if err != nil {
		// blake2b.New256 only fails for an oversized key, and we never pass one.
		panic("crypto: blake2b.New256: " + err.Error())
	}
	for _, p := range parts {
		h.Write(p)
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

func beUint64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

// LeafHash computes the LEAF-domain hash of a block's bytes.
func LeafHash(data []byte) Hash {
	return sum([]byte{leafType}, beUint64(uint64(len(data))), data)
}

// ParentHash computes the PARENT-domain hash combining two child nodes.
// combinedLength is the sum of the two children's byte lengths.
func ParentHash(combinedLength uint64, left, right Hash) Hash {
	return sum([]byte{parentType}, beUint64(combinedLength), left[:], right[:])
}

// RootHashable is the minimal shape of a tree node needed to compute the
// ROOT-domain digest: its flat-tree index, hash, and byte length.
type RootHashable struct {
	Index  uint64
	Hash   Hash
	Length uint64
}

// RootHash computes the ROOT-domain hash over an ascending-index-ordered
// set of full-root nodes.
func RootHash(roots []RootHashable) Hash {
	h, err := blake2b.New256(nil)
	if err != nil {
		panic("crypto: blake2b.New256: " + err.Error())
	}
	h.Write([]byte{rootType})
	for _, r := range roots {
		h.Write(r.Hash[:])
		h.Write(beUint64(r.Index))
		h.Write(beUint64(r.Length))
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// SignableTree computes the TREE-domain digest that gets Ed25519-signed
// by the writer and verified by every reader.
func SignableTree(rootHash Hash, length, fork uint64) Hash {
	return sum([]byte{treeType}, rootHash[:], beUint64(length), beUint64(fork))
}
