package merkle

import (
	"github.com/datrs/hypercore/crypto"
	"github.com/datrs/hypercore/flattree"
)

// Changeset is a staged mutation of a Tree: either an append of new
// blocks, or the application of a verified proof. Nothing the changeset
// does is visible to readers of the Tree until Tree.Commit is called.
//
// This mirrors the reference implementation's MerkleTreeChangeset,
// called MerkleTreeBatch in the original JavaScript implementation.
type Changeset struct {
	Length      uint64
	Ancestors   uint64 // the tree length this changeset was staged from
	ByteLength  uint64
	BatchLength uint64
	Fork        uint64
	Roots       []Node
	Nodes       []Node // every node created or touched, in creation order
	Signature   []byte
	Upgraded    bool

	// Safeguarding values, used to detect a concurrent commit underneath
	// a long-lived changeset.
	OriginalTreeLength uint64
	OriginalTreeFork   uint64
}

// Append adds one block to the changeset, folding newly-complete sibling
// pairs into parent nodes as it goes, and returns the number of bytes
// appended.
func (cs *Changeset) Append(data []byte) uint64 {
	head := cs.Length * 2
	it := flattree.NewIterator(head)
	leaf := Node{Index: head, Hash: crypto.LeafHash(data), Length: uint64(len(data))}
	cs.appendRoot(leaf, it)
	cs.BatchLength++
	return uint64(len(data))
}

// appendRoot pushes node onto the roots/nodes lists and repeatedly merges
// the top two roots while they are siblings in the flat tree, mirroring
// the reference implementation's append_root.
func (cs *Changeset) appendRoot(node Node, it *flattree.Iterator) {
	cs.Upgraded = true
	cs.Length += it.Factor() / 2
	cs.ByteLength += node.Length
	cs.Roots = append(cs.Roots, node)
	cs.Nodes = append(cs.Nodes, node)

	for len(cs.Roots) > 1 {
		a := cs.Roots[len(cs.Roots)-1]
		b := cs.Roots[len(cs.Roots)-2]
		if it.Sibling() != b.Index {
			it.Sibling() // toggle back so the iterator still points at the last root
			break
		}
		parentIndex := it.Parent()
		parent := Node{
			Index:  parentIndex,
			Hash:   crypto.ParentHash(b.Length+a.Length, b.Hash, a.Hash),
			Length: b.Length + a.Length,
		}
		cs.Nodes = append(cs.Nodes, parent)
		cs.Roots = cs.Roots[:len(cs.Roots)-2]
		cs.Roots = append(cs.Roots, parent)
	}
}

// Hash computes the ROOT-domain digest over the changeset's current roots.
func (cs *Changeset) Hash() crypto.Hash {
	return crypto.RootHash(rootHashables(cs.Roots))
}

// HashAndSign computes the root hash, builds the TREE-domain signable
// digest, and signs it under kp, storing the signature on the changeset.
// Returns crypto.ErrNoSecretKey if kp is read-only.
func (cs *Changeset) HashAndSign(kp crypto.PartialKeypair) error {
	signable := crypto.SignableTree(cs.Hash(), cs.Length, cs.Fork)
	sig, err := crypto.Sign(kp, signable)
	if err != nil {
		return err
	}
	cs.Signature = sig
	return nil
}

// setRoots replaces the changeset's length, byte length, and whole root
// set with ones produced while applying a proof (as opposed to an
// append), and marks the changeset upgraded.
func (cs *Changeset) setRoots(length, byteLength uint64, roots []Node) {
	cs.Length = length
	cs.ByteLength = byteLength
	cs.Roots = append([]Node(nil), roots...)
	cs.Upgraded = true
}
