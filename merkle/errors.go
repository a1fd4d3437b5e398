package merkle

import "errors"

// Sentinel errors surfaced by proof creation and application.
var (
	// ErrMissingNode is returned when a node needed to answer a proof
	// request or recompute a hash is absent from both the cache and the
	// configured NodeSource.
	ErrMissingNode = errors.New("merkle: required node not found in tree store")

	// ErrNothingToAnchorTo is returned by VerifyAndApplyProof when the
	// local tree is empty and the proof carries no upgrade to bootstrap it.
	ErrNothingToAnchorTo = errors.New("merkle: empty tree and proof has no upgrade to anchor to")

	// ErrInvalidSignature is returned when a proof's upgrade signature does
	// not verify under the core's public key.
	ErrInvalidSignature = errors.New("merkle: upgrade signature verification failed")

	// ErrSeekOutOfRange is returned when a seek request's byte offset is
	// beyond the tree's current byte length.
	ErrSeekOutOfRange = errors.New("merkle: seek offset beyond tree byte length")
)

// InvalidProofError reports a structural problem with a proof: it asked
// for something ahead of the tree, carried hashes that didn't recompute
// correctly, or disagreed with an already-stored node.
type InvalidProofError struct {
	Reason string
}

func (e *InvalidProofError) Error() string {
	return "merkle: invalid proof: " + e.Reason
}
