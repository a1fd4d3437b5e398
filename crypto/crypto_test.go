package crypto

import (
	"bytes"
	"testing"
)

func TestLeafHashIsDomainSeparatedFromParentHash(t *testing.T) {
	data := []byte("Hello, world!")
	leaf := LeafHash(data)
	// A parent combining two all-zero hashes should never collide with a
	// leaf hash of typical block data.
	parent := ParentHash(uint64(len(data)), Hash{}, Hash{})
	if leaf == parent {
		t.Fatalf("LeafHash and ParentHash collided: %x", leaf)
	}
}

func TestRootHashOrderMatters(t *testing.T) {
	a := RootHashable{Index: 1, Hash: LeafHash([]byte("a")), Length: 1}
	b := RootHashable{Index: 5, Hash: LeafHash([]byte("b")), Length: 1}
	h1 := RootHash([]RootHashable{a, b})
	h2 := RootHash([]RootHashable{b, a})
	if h1 == h2 {
		t.Fatalf("RootHash should depend on ordering of roots")
	}
}

func TestSignableTreeChangesWithFork(t *testing.T) {
	root := LeafHash([]byte("x"))
	s1 := SignableTree(root, 10, 0)
	s2 := SignableTree(root, 10, 1)
	if s1 == s2 {
		t.Fatalf("SignableTree must depend on fork")
	}
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	kp, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	digest := SignableTree(LeafHash([]byte("block")), 1, 0)
	sig, err := Sign(kp, digest)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !Verify(kp.Public, digest, sig) {
		t.Fatalf("Verify failed for a freshly produced signature")
	}
	if Verify(kp.Public, SignableTree(LeafHash([]byte("other")), 1, 0), sig) {
		t.Fatalf("Verify succeeded against a different digest")
	}
}

func TestSignWithoutSecretKeyFails(t *testing.T) {
	kp, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	readOnly := PartialKeypair{Public: kp.Public}
	if readOnly.Writable() {
		t.Fatalf("key pair without secret should not be Writable")
	}
	if _, err := Sign(readOnly, Hash{}); err != ErrNoSecretKey {
		t.Fatalf("Sign on read-only key pair: got %v, want ErrNoSecretKey", err)
	}
}

func TestManifestEncodeDecodeRoundTrip(t *testing.T) {
	kp, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	var ns [32]byte
	copy(ns[:], []byte("test-namespace-000000000000000"))
	m := NewManifest(ns, kp.Public)

	encoded := EncodeManifest(m)
	decoded, err := DecodeManifest(encoded)
	if err != nil {
		t.Fatalf("DecodeManifest: %v", err)
	}
	if !bytes.Equal(decoded.Signer.PublicKey[:], m.Signer.PublicKey[:]) {
		t.Fatalf("decoded public key mismatch")
	}
	if decoded.Signer.Namespace != m.Signer.Namespace {
		t.Fatalf("decoded namespace mismatch")
	}
}

func TestDecodeManifestRejectsUnknownIDs(t *testing.T) {
	var ns [32]byte
	kp, _ := Generate()
	m := NewManifest(ns, kp.Public)
	encoded := EncodeManifest(m)

	bad := append([]byte(nil), encoded...)
	bad[1] = 7 // unknown hash_id
	if _, err := DecodeManifest(bad); err == nil {
		t.Fatalf("DecodeManifest accepted an unknown hash id")
	}

	bad2 := append([]byte(nil), encoded...)
	bad2[3] = 9 // unknown signature_id (first byte of signer)
	if _, err := DecodeManifest(bad2); err == nil {
		t.Fatalf("DecodeManifest accepted an unknown signature id")
	}
}

func TestDecodeManifestTruncatedInput(t *testing.T) {
	if _, err := DecodeManifest([]byte{0, 0, 1}); err == nil {
		t.Fatalf("DecodeManifest accepted truncated input")
	}
}
