package crypto

import (
	"crypto/ed25519"
	"fmt"
)

// Manifest identifies the parameters of a core: its hash function,
// signature scheme, namespace, and public key. Only one combination is
// currently defined; any other byte value fails to decode rather than
// being silently accepted, per the wire format's forward-compatibility
// contract.
type Manifest struct {
	Signer ManifestSigner
}

// ManifestSigner names the signature scheme and the key material used
// to verify a core's tree signatures.
type ManifestSigner struct {
	Namespace [32]byte
	PublicKey [32]byte
}

const (
	manifestVersion   = 0
	hashIDBlake2b     = 0
	manifestTypeBasic = 1
	signatureIDEd25519 = 0
)

// EncodingError is returned when the manifest wire format is malformed
// or names an unsupported hash/signature scheme.
type EncodingError struct {
	Kind string // "InvalidData" or "UnexpectedEnd"
	Msg  string
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("crypto: %s: %s", e.Kind, e.Msg)
}

func invalidData(format string, args ...interface{}) error {
	return &EncodingError{Kind: "InvalidData", Msg: fmt.Sprintf(format, args...)}
}

func unexpectedEnd(context string) error {
	return &EncodingError{Kind: "UnexpectedEnd", Msg: context}
}

// EncodeManifest serializes a Manifest as
// version(1) ‖ hash_id(1) ‖ manifest_type(1) ‖ signer, where
// signer = signature_id(1) ‖ namespace[32] ‖ public_key[32].
func EncodeManifest(m Manifest) []byte {
	buf := make([]byte, 0, 3+1+32+32)
	buf = append(buf, manifestVersion, hashIDBlake2b, manifestTypeBasic)
	buf = append(buf, signatureIDEd25519)
	buf = append(buf, m.Signer.Namespace[:]...)
	buf = append(buf, m.Signer.PublicKey[:]...)
	return buf
}

// DecodeManifest parses the wire format produced by EncodeManifest.
// Any unknown version/hash_id/manifest_type/signature_id is rejected at
// decode time with an *EncodingError — never silently accepted.
func DecodeManifest(buf []byte) (Manifest, error) {
	if len(buf) < 4 {
		return Manifest{}, unexpectedEnd("manifest header")
	}
	version, hashID, manifestType := buf[0], buf[1], buf[2]
	if version != manifestVersion {
		return Manifest{}, invalidData("unknown manifest version %d", version)
	}
	if hashID != hashIDBlake2b {
		return Manifest{}, invalidData("unknown hash id %d", hashID)
	}
	if manifestType != manifestTypeBasic {
		return Manifest{}, invalidData("unknown manifest type %d", manifestType)
	}
	rest := buf[3:]
	if len(rest) < 1 {
		return Manifest{}, unexpectedEnd("signer signature id")
	}
	signatureID := rest[0]
	if signatureID != signatureIDEd25519 {
		return Manifest{}, invalidData("unknown signature id %d", signatureID)
	}
	rest = rest[1:]
	if len(rest) < 64 {
		return Manifest{}, unexpectedEnd("signer namespace/public key")
	}
	var signer ManifestSigner
	copy(signer.Namespace[:], rest[:32])
	copy(signer.PublicKey[:], rest[32:64])
	return Manifest{Signer: signer}, nil
}

// PublicKey returns the manifest's public key as an ed25519.PublicKey.
func (m Manifest) PublicKey() ed25519.PublicKey {
	pk := make(ed25519.PublicKey, 32)
	copy(pk, m.Signer.PublicKey[:])
	return pk
}

// NewManifest builds a Manifest for the given namespace and public key.
func NewManifest(namespace [32]byte, publicKey ed25519.PublicKey) Manifest {
	var signer ManifestSigner
	signer.Namespace = namespace
	copy(signer.PublicKey[:], publicKey)
	return Manifest{Signer: signer}
}
