package merkle

import (
	"sort"

	"github.com/datrs/hypercore/flattree"
)

// NodesRequest is "prove the node at Index; I already have the bottom
// Nodes internal nodes toward it", the shape shared by block and hash
// proof requests.
type NodesRequest struct {
	Index uint64
	Nodes uint64
}

// RequestSeek asks for the leaf whose byte range contains Bytes.
type RequestSeek struct {
	Bytes uint64
}

// RequestUpgrade asks for enough nodes to extend a tree known up to
// Start leaves by Length more, tying into the currently signed root.
type RequestUpgrade struct {
	Start  uint64
	Length uint64
}

// ProofBlock carries the sibling nodes needed to verify block Index,
// bottom-up, in ascending flat-tree index order, plus the block's own data
// so the recipient can recompute its leaf hash instead of trusting it.
type ProofBlock struct {
	Index uint64
	Nodes []Node
	Value []byte
}

// ProofHash is the same shape as ProofBlock, for a request against an
// arbitrary flat-tree node rather than a block leaf.
type ProofHash struct {
	Index uint64
	Nodes []Node
}

// ProofSeek carries the sibling nodes needed to locate and verify the
// leaf covering a byte offset.
type ProofSeek struct {
	Bytes uint64
	Nodes []Node
}

// ProofUpgrade carries the additional full roots beyond Start, plus the
// signed length and signature they tie into.
type ProofUpgrade struct {
	Start     uint64
	Length    uint64
	Nodes     []Node
	Signature []byte
}

// Proof is the response to create_proof: each present component carries
// the minimal node set needed for the caller to verify it.
type Proof struct {
	Fork    uint64
	Block   *ProofBlock
	Hash    *ProofHash
	Seek    *ProofSeek
	Upgrade *ProofUpgrade
}

// CreateProof answers a combination of block/hash/seek/upgrade requests
// against the tree's current, committed state. Any subset of the four may
// be nil; if all four are nil, CreateProof returns (nil, nil).
func CreateProof(t *Tree, block, hash *NodesRequest, seek *RequestSeek, upgrade *RequestUpgrade) (*Proof, error) {
	if block == nil && hash == nil && seek == nil && upgrade == nil {
		return nil, nil
	}

	proof := &Proof{Fork: t.Fork}

	if upgrade != nil {
		if upgrade.Start > t.Length {
			return nil, &InvalidProofError{Reason: "ahead of tree"}
		}
		roots, err := t.additionalRoots(upgrade.Start)
		if err != nil {
			return nil, err
		}
		proof.Upgrade = &ProofUpgrade{
			Start:     upgrade.Start,
			Length:    t.Length - upgrade.Start,
			Nodes:     roots,
			Signature: append([]byte(nil), t.Signature...),
		}
	}

	if block != nil {
		if block.Index >= t.Length {
			return nil, &InvalidProofError{Reason: "ahead of tree"}
		}
		nodes, err := t.collectProofNodes(block.Index*2, block.Nodes)
		if err != nil {
			return nil, err
		}
		proof.Block = &ProofBlock{Index: block.Index, Nodes: nodes}
	}

	if hash != nil {
		if flattree.RightSpan(hash.Index)/2 >= t.Length {
			return nil, &InvalidProofError{Reason: "ahead of tree"}
		}
		nodes, err := t.collectProofNodes(hash.Index, hash.Nodes)
		if err != nil {
			return nil, err
		}
		proof.Hash = &ProofHash{Index: hash.Index, Nodes: nodes}
	}

	if seek != nil {
		if seek.Bytes > t.ByteLength {
			return nil, ErrSeekOutOfRange
		}
		nodes, err := t.seekNodes(seek.Bytes)
		if err != nil {
			return nil, err
		}
		proof.Seek = &ProofSeek{Bytes: seek.Bytes, Nodes: nodes}
	}

	return proof, nil
}

// additionalRoots returns the full roots of the tree's current length
// whose leaf span begins at or after start: the roots a requester who
// already knows everything below start still needs.
func (t *Tree) additionalRoots(start uint64) ([]Node, error) {
	var out []Node
	for _, r := range flattree.FullRoots(t.Length) {
		left, _ := flattree.Span(r)
		if left/2 < start {
			continue
		}
		n, ok, err := t.Get(r)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrMissingNode
		}
		out = append(out, n)
	}
	return out, nil
}

// collectProofNodes walks from a flat-tree index up to the full root that
// covers it, collecting `skip`-adjusted sibling nodes along the way.
func (t *Tree) collectProofNodes(from, have uint64) ([]Node, error) {
	covering, ok := coveringRoot(flattree.FullRoots(t.Length), from)
	if !ok {
		return nil, &InvalidProofError{Reason: "index not covered by any full root"}
	}

	var nodes []Node
	cur := from
	skip := have
	for cur != covering {
		sib := flattree.Sibling(cur)
		if skip > 0 {
			skip--
		} else {
			n, ok, err := t.Get(sib)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, ErrMissingNode
			}
			nodes = append(nodes, n)
		}
		cur = flattree.Parent(cur)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Index < nodes[j].Index })
	return nodes, nil
}

func coveringRoot(roots []uint64, index uint64) (uint64, bool) {
	for _, r := range roots {
		left, right := flattree.Span(r)
		if index >= left && index <= right {
			return r, true
		}
	}
	return 0, false
}

// seekNodes scans the tree's full roots in order, then descends within
// the covering root using parent length fields, collecting the sibling at
// each level, until it reaches the leaf whose byte range contains bytes.
func (t *Tree) seekNodes(bytes uint64) ([]Node, error) {
	var offset uint64
	for _, r := range flattree.FullRoots(t.Length) {
		n, ok, err := t.Get(r)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrMissingNode
		}
		if bytes < offset+n.Length {
			return t.seekWithinSubtree(r, bytes-offset)
		}
		offset += n.Length
	}
	return nil, ErrSeekOutOfRange
}

func (t *Tree) seekWithinSubtree(root, rel uint64) ([]Node, error) {
	var nodes []Node
	cur := root
	for {
		left, right := flattree.Children(cur)
		if left == cur {
			sort.Slice(nodes, func(i, j int) bool { return nodes[i].Index < nodes[j].Index })
			return nodes, nil
		}
		leftNode, ok, err := t.Get(left)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrMissingNode
		}
		if rel < leftNode.Length {
			rightNode, ok, err := t.Get(right)
			if err != nil {
				return nil, err
			}
			if ok {
				nodes = append(nodes, rightNode)
			}
			cur = left
		} else {
			rel -= leftNode.Length
			nodes = append(nodes, leftNode)
			cur = right
		}
	}
}
