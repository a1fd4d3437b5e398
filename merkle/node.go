// Package merkle implements the Merkle tree engine: the append-only,
// provable log of block hashes that backs every core. It is independent
// of storage and task scheduling — callers supply a NodeSource for
// cache-miss resolution and decide when to flush a committed Changeset.
package merkle

import "github.com/datrs/hypercore/crypto"

// Node is a single entry in the flat-tree: either a leaf (covering one
// block) or a parent (covering the byte-span of its two children).
type Node struct {
	Index  uint64
	Hash   crypto.Hash
	Length uint64
}

// Blank reports whether n carries the all-zero hash, the sentinel for
// "no node here".
func (n Node) Blank() bool {
	return n.Hash.IsZero()
}

// Equal reports whether n and other have identical index, hash, and length.
func (n Node) Equal(other Node) bool {
	return n.Index == other.Index && n.Hash == other.Hash && n.Length == other.Length
}

func (n Node) rootHashable() crypto.RootHashable {
	return crypto.RootHashable{Index: n.Index, Hash: n.Hash, Length: n.Length}
}

func rootHashables(nodes []Node) []crypto.RootHashable {
	out := make([]crypto.RootHashable, len(nodes))
	for i, n := range nodes {
		out[i] = n.rootHashable()
	}
	return out
}
