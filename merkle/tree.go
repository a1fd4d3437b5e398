package merkle

import "github.com/datrs/hypercore/flattree"

// NodeSource resolves a tree-store cache miss: given a flat-tree index,
// it returns the persisted node, or ok==false if nothing is stored there.
// The core controller implements this over its storage.Backend; tests
// typically back it with an in-memory map.
type NodeSource interface {
	GetNode(index uint64) (Node, bool, error)
}

// Tree is the committed state of a core's Merkle tree: length, byte
// length, fork counter, current root set, and the writer's signature over
// them. Mutation happens exclusively through a Changeset staged with
// NewChangeset and applied with Commit.
type Tree struct {
	Length     uint64
	ByteLength uint64
	Fork       uint64
	Roots      []Node
	Signature  []byte

	source NodeSource
	cache  *nodeCache
}

// NewTree creates an empty tree backed by source for cache-miss resolution.
func NewTree(source NodeSource) *Tree {
	return &Tree{source: source, cache: newNodeCache(defaultCacheCapacity)}
}

// NewTreeWithCacheCapacity is NewTree with an explicit node cache size,
// letting a caller (the core controller's Config) trade memory for fewer
// round-trips to the tree store.
func NewTreeWithCacheCapacity(source NodeSource, capacity int) *Tree {
	return &Tree{source: source, cache: newNodeCache(capacity)}
}

// Restore creates a tree preloaded with previously-persisted state, as
// read back from the oplog header on open.
func Restore(source NodeSource, length, byteLength, fork uint64, roots []Node, signature []byte) *Tree {
	return RestoreWithCacheCapacity(source, length, byteLength, fork, roots, signature, defaultCacheCapacity)
}

// RestoreWithCacheCapacity is Restore with an explicit node cache size.
func RestoreWithCacheCapacity(source NodeSource, length, byteLength, fork uint64, roots []Node, signature []byte, cacheCapacity int) *Tree {
	t := NewTreeWithCacheCapacity(source, cacheCapacity)
	t.Length = length
	t.ByteLength = byteLength
	t.Fork = fork
	t.Roots = append([]Node(nil), roots...)
	t.Signature = append([]byte(nil), signature...)
	return t
}

// NewChangeset stages a changeset from the tree's current committed state.
func (t *Tree) NewChangeset() *Changeset {
	roots := append([]Node(nil), t.Roots...)
	return &Changeset{
		Length:             t.Length,
		Ancestors:          t.Length,
		ByteLength:         t.ByteLength,
		Fork:               t.Fork,
		Roots:              roots,
		OriginalTreeLength: t.Length,
		OriginalTreeFork:   t.Fork,
	}
}

// Commit atomically replaces the tree's state with the changeset's and
// folds every node the changeset touched into the cache. It does not
// itself write to storage; callers persist cs.Nodes to the tree store,
// and the new roots and signature to the oplog, as part of the same
// operation.
func (t *Tree) Commit(cs *Changeset) {
	t.Length = cs.Length
	t.ByteLength = cs.ByteLength
	t.Fork = cs.Fork
	t.Roots = append([]Node(nil), cs.Roots...)
	if cs.Signature != nil {
		t.Signature = cs.Signature
	}
	for _, n := range cs.Nodes {
		t.cache.put(n.Index, n)
	}
}

// Get returns the node at flat-tree index i, resolving a cache miss
// through the tree's NodeSource. ok is false if no node is stored there.
func (t *Tree) Get(i uint64) (node Node, ok bool, err error) {
	if n, hit := t.cache.get(i); hit {
		return n, true, nil
	}
	for _, r := range t.Roots {
		if r.Index == i {
			t.cache.put(i, r)
			return r, true, nil
		}
	}
	if t.source == nil {
		return Node{}, false, nil
	}
	n, ok, err := t.source.GetNode(i)
	if err != nil {
		return Node{}, false, err
	}
	if ok {
		t.cache.put(i, n)
	}
	return n, ok, nil
}

// ByteOffset returns the byte offset at which block i begins, computed by
// summing the lengths of every leaf to the left of i's leaf.
func (t *Tree) ByteOffset(i uint64) (uint64, error) {
	if i == 0 {
		return 0, nil
	}
	roots := flattree.FullRoots(i)
	var offset uint64
	for _, r := range roots {
		n, ok, err := t.Get(r)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, ErrMissingNode
		}
		offset += n.Length
	}
	return offset, nil
}

// Truncate rebuilds the root set for the given length and sets the fork
// counter to fork, used when adopting a shorter forked history. It
// returns a changeset ready to be extended (e.g. by applying an upgrade)
// and committed.
func (t *Tree) Truncate(length, fork uint64) *Changeset {
	cs := t.NewChangeset()
	cs.Length = length
	cs.Fork = fork
	cs.ByteLength = 0
	cs.Roots = nil
	for _, idx := range flattree.FullRoots(length) {
		if n, ok, _ := t.Get(idx); ok {
			cs.Roots = append(cs.Roots, n)
			cs.ByteLength += n.Length
		}
	}
	cs.Upgraded = true
	return cs
}
