package merkle

import (
	"crypto/ed25519"

	"github.com/datrs/hypercore/crypto"
	"github.com/datrs/hypercore/flattree"
)

// ApplyResult reports what VerifyAndApplyProof actually did, so the core
// controller knows whether to truncate the bitfield and data stores.
type ApplyResult struct {
	// Grew is true if the tree's length advanced.
	Grew bool
	// Forked is true if the proof's fork counter differed from the local
	// tree's, meaning a reorg was accepted.
	Forked bool
	// TruncateTo is only meaningful when Forked is true: the bitfield and
	// data stores must be truncated to this many blocks to match the
	// common ancestor the reconciled tree now shares with the proof.
	TruncateTo uint64
}

// VerifyAndApplyProof validates p against the tree's current state under
// publicKey and, on success, commits the resulting state to t. It returns
// what changed so the caller can persist the same delta to storage and
// the oplog.
func VerifyAndApplyProof(t *Tree, publicKey ed25519.PublicKey, p *Proof) (ApplyResult, error) {
	if p.Upgrade == nil && t.Length == 0 {
		return ApplyResult{}, ErrNothingToAnchorTo
	}

	forked := p.Upgrade != nil && p.Fork != t.Fork
	if p.Fork != t.Fork && p.Upgrade == nil {
		return ApplyResult{}, &InvalidProofError{Reason: "fork change without an upgrade to verify it"}
	}

	var allNodes []Node
	if p.Block != nil {
		allNodes = append(allNodes, p.Block.Nodes...)
	}
	if p.Hash != nil {
		allNodes = append(allNodes, p.Hash.Nodes...)
	}
	if p.Seek != nil {
		allNodes = append(allNodes, p.Seek.Nodes...)
	}
	if p.Upgrade != nil {
		allNodes = append(allNodes, p.Upgrade.Nodes...)
	}

	if !forked {
		for _, n := range allNodes {
			existing, ok, err := t.Get(n.Index)
			if err != nil {
				return ApplyResult{}, err
			}
			if ok && !existing.Blank() && !existing.Equal(n) {
				return ApplyResult{}, &InvalidProofError{Reason: "diverging history"}
			}
		}
	}

	cs := t.NewChangeset()

	if p.Upgrade == nil {
		if p.Block != nil {
			leaf := Node{
				Index:  p.Block.Index * 2,
				Hash:   crypto.LeafHash(p.Block.Value),
				Length: uint64(len(p.Block.Value)),
			}
			ok, err := verifyChainToRoot(t, leaf, p.Block.Nodes)
			if err != nil {
				return ApplyResult{}, err
			}
			if !ok {
				return ApplyResult{}, &InvalidProofError{Reason: "hash mismatch"}
			}
		}
		if p.Hash != nil {
			ok, err := nodesMatchTree(t, p.Hash.Nodes)
			if err != nil {
				return ApplyResult{}, err
			}
			if !ok {
				return ApplyResult{}, &InvalidProofError{Reason: "hash mismatch"}
			}
		}
		if p.Seek != nil {
			ok, err := nodesMatchTree(t, p.Seek.Nodes)
			if err != nil {
				return ApplyResult{}, err
			}
			if !ok {
				return ApplyResult{}, &InvalidProofError{Reason: "hash mismatch"}
			}
		}
		cs.Nodes = append(cs.Nodes, allNodes...)
		t.Commit(cs)
		return ApplyResult{}, nil
	}

	newLength := p.Upgrade.Start + p.Upgrade.Length

	roots, truncateTo, err := mergeUpgradeRoots(t, p.Upgrade, forked)
	if err != nil {
		return ApplyResult{}, err
	}

	rootHash := crypto.RootHash(rootHashables(roots))
	signable := crypto.SignableTree(rootHash, newLength, p.Fork)
	if !crypto.Verify(publicKey, signable, p.Upgrade.Signature) {
		return ApplyResult{}, ErrInvalidSignature
	}

	grew := forked || newLength > t.Length

	cs.Fork = p.Fork
	cs.Length = newLength
	cs.Roots = roots
	cs.Signature = append([]byte(nil), p.Upgrade.Signature...)
	cs.ByteLength = sumLengths(roots)
	cs.Nodes = append(cs.Nodes, allNodes...)
	cs.Upgraded = grew

	t.Commit(cs)

	return ApplyResult{Grew: grew, Forked: forked, TruncateTo: truncateTo}, nil
}

// mergeUpgradeRoots reconstructs the full root set implied by an upgrade
// proof: the caller's already-known roots below Start, plus the proof's
// additional roots above it. That reconstructed set is exactly what the
// proof's signature covers, regardless of fork status -- a mismatch there
// is caught by the signature check in the caller, not here.
//
// On a fork, the reconstructed roots name a *candidate* signed state under
// a new fork counter; truncateTo reports how much of it this tree can
// already vouch for. It's computed by walking the roots left to right and
// keeping the longest prefix that is bit-identical to what the local tree
// already has cached at the same node index -- the provable common
// ancestor between the old and new history. A root the local tree doesn't
// have, or has with a different hash, ends the common prefix right there;
// nodes after it belong to the diverging tail and must be re-synced.
func mergeUpgradeRoots(t *Tree, up *ProofUpgrade, forked bool) (roots []Node, truncateTo uint64, err error) {
	for _, r := range flattree.FullRoots(up.Start) {
		n, ok, gerr := t.Get(r)
		if gerr != nil {
			return nil, 0, gerr
		}
		if !ok {
			return nil, 0, ErrMissingNode
		}
		roots = append(roots, n)
	}
	roots = append(roots, up.Nodes...)

	if !forked {
		return roots, 0, nil
	}

	for _, r := range roots {
		local, ok, gerr := t.Get(r.Index)
		if gerr != nil {
			return nil, 0, gerr
		}
		if !ok || local.Blank() || !local.Equal(r) {
			break
		}
		left, right := flattree.Span(r.Index)
		truncateTo += (right-left)/2 + 1
	}
	return roots, truncateTo, nil
}

func sumLengths(nodes []Node) uint64 {
	var total uint64
	for _, n := range nodes {
		total += n.Length
	}
	return total
}

// VerifyBlockHash recomputes the hash chain from block `index`'s data up
// through the sibling nodes supplied in a ProofBlock/ProofHash/ProofSeek,
// and reports whether it reaches a node the tree already recognizes as a
// root. It does not mutate t; callers that trust the result still need to
// write the block to the data store and mark it present in the bitfield.
func VerifyBlockHash(t *Tree, index uint64, data []byte, nodes []Node) (bool, error) {
	leaf := Node{Index: index * 2, Hash: crypto.LeafHash(data), Length: uint64(len(data))}
	return verifyChainToRoot(t, leaf, nodes)
}

// verifyChainToRoot climbs from start toward a flat-tree root by repeatedly
// combining the current node with its sibling out of nodes, recomputing the
// parent hash via crypto.ParentHash at each step. It succeeds only if the
// climb lands on an index the tree already recognizes as a root and the
// recomputed hash agrees with it; any unresolved sibling or hash mismatch
// along the way reports false rather than partially trusting the chain.
func verifyChainToRoot(t *Tree, start Node, nodes []Node) (bool, error) {
	cur := start
	remaining := append([]Node(nil), nodes...)

	for {
		for _, r := range t.Roots {
			if r.Index == cur.Index {
				return r.Equal(cur), nil
			}
		}
		if len(remaining) == 0 {
			return false, nil
		}
		sibIndex := flattree.Sibling(cur.Index)
		pos := -1
		for i, n := range remaining {
			if n.Index == sibIndex {
				pos = i
				break
			}
		}
		if pos == -1 {
			return false, nil
		}
		sib := remaining[pos]
		remaining = append(remaining[:pos:pos], remaining[pos+1:]...)

		left, right := cur, sib
		if sibIndex < cur.Index {
			left, right = sib, cur
		}
		cur = Node{
			Index:  flattree.Parent(cur.Index),
			Hash:   crypto.ParentHash(left.Length+right.Length, left.Hash, right.Hash),
			Length: left.Length + right.Length,
		}
	}
}

// nodesMatchTree verifies a ProofHash/ProofSeek node set the only way their
// wire shape allows: neither carries the leaf data needed to recompute a
// hash chain from scratch, so every node they name must already agree with
// one this tree independently obtained and cached. A node at an index the
// tree hasn't seen yet, or one that disagrees with what it has, is rejected
// outright rather than merged in on faith.
func nodesMatchTree(t *Tree, nodes []Node) (bool, error) {
	for _, n := range nodes {
		existing, ok, err := t.Get(n.Index)
		if err != nil {
			return false, err
		}
		if !ok || existing.Blank() || !existing.Equal(n) {
			return false, nil
		}
	}
	return true, nil
}
