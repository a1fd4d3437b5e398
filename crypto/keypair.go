package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
)

// ErrNoSecretKey is returned by Sign when the key pair has no secret half.
var ErrNoSecretKey = errors.New("crypto: key pair has no secret key")

// PartialKeypair is an Ed25519 key pair where the secret half may be
// absent: a core opened without write access only ever holds the public
// key, and every mutating operation that needs to sign must check for it.
type PartialKeypair struct {
	Public ed25519.PublicKey
	Secret ed25519.PrivateKey // nil for a read-only core
}

// Writable reports whether this key pair can sign (i.e. has a secret key).
func (k PartialKeypair) Writable() bool {
	return len(k.Secret) == ed25519.PrivateKeySize
}

// Generate creates a fresh Ed25519 key pair.
func Generate() (PartialKeypair, error) {
	pub, sec, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return PartialKeypair{}, err
	}
	return PartialKeypair{Public: pub, Secret: sec}, nil
}

// Sign signs the digest under the key pair's secret key. Returns
// ErrNoSecretKey if the key pair is read-only.
func Sign(k PartialKeypair, digest Hash) ([]byte, error) {
	if !k.Writable() {
		return nil, ErrNoSecretKey
	}
	return ed25519.Sign(k.Secret, digest[:]), nil
}

// Verify reports whether sig is a valid Ed25519 signature of digest under pub.
func Verify(pub ed25519.PublicKey, digest Hash, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, digest[:], sig)
}
