// Package sign implements Ed25519 detached signatures over the unsigned
// portion of every envelope, with strict canonical-encoding checks beyond
// what crypto/ed25519.Verify performs on its own.
package sign

import (
	"crypto/ed25519"
	"errors"

	"filippo.io/edwards25519"
)

// PublicKeySize and PrivateKeySize mirror crypto/ed25519's sizes, named here
// so callers don't need to import crypto/ed25519 just for constants.
const (
	PublicKeySize  = ed25519.PublicKeySize
	PrivateKeySize = ed25519.PrivateKeySize
	SeedSize       = ed25519.SeedSize
)

// ErrNonCanonicalPoint is returned when a public key or signature component
// fails the strict canonical-encoding / small-order check.
var ErrNonCanonicalPoint = errors.New("sign: non-canonical or small-order point encoding")

// ErrInvalidSignature is returned when a syntactically valid signature does
// not verify against the given message and public key.
var ErrInvalidSignature = errors.New("sign: invalid signature")

// Signer holds a local Ed25519 signing key and produces detached signatures.
type Signer struct {
	priv ed25519.PrivateKey
}

// NewSigner wraps a 64-byte Ed25519 private key (seed||public, as produced by
// crypto/ed25519.GenerateKey or NewSignerFromSeed).
func NewSigner(priv ed25519.PrivateKey) *Signer {
	return &Signer{priv: priv}
}

// NewSignerFromSeed derives a Signer from a 32-byte seed, the form the
// configuration schema stores node private keys in.
func NewSignerFromSeed(seed []byte) (*Signer, error) {
	if len(seed) != SeedSize {
		return nil, errors.New("sign: seed must be 32 bytes")
	}
	return &Signer{priv: ed25519.NewKeyFromSeed(seed)}, nil
}

// Public returns the public key corresponding to the signer's private key.
func (s *Signer) Public() ed25519.PublicKey {
	return s.priv.Public().(ed25519.PublicKey)
}

// Sign returns a 64-byte detached signature over msg.
func (s *Signer) Sign(msg []byte) []byte {
	return ed25519.Sign(s.priv, msg)
}

// Verify checks sig over msg against pub using strict Ed25519 semantics:
// crypto/ed25519's own canonical-S check, plus an explicit rejection of
// non-canonical or small-order encodings of the public key and the
// signature's R component. This closes the classic malleability corner
// where a forged or cofactor-multiplied point would otherwise verify.
func Verify(pub ed25519.PublicKey, msg, sig []byte) error {
	if len(pub) != PublicKeySize || len(sig) != ed25519.SignatureSize {
		return ErrInvalidSignature
	}
	if err := checkCanonicalPoint(pub); err != nil {
		return err
	}
	if err := checkCanonicalPoint(sig[:32]); err != nil {
		return err
	}
	if !ed25519.Verify(pub, msg, sig) {
		return ErrInvalidSignature
	}
	return nil
}

// checkCanonicalPoint rejects encodings that edwards25519 would otherwise
// silently accept as equivalent to a canonical point, and rejects points in
// the small-order subgroup (the identity and its 7 cofactor siblings),
// following the strict verification approach used throughout the
// ed25519/edwards25519 ecosystem.
func checkCanonicalPoint(encoded []byte) error {
	if len(encoded) != 32 {
		return ErrNonCanonicalPoint
	}
	p, err := new(edwards25519.Point).SetBytes(encoded)
	if err != nil {
		return ErrNonCanonicalPoint
	}
	// Re-encoding a canonical point must reproduce the input exactly; a
	// non-canonical encoding (e.g. y-coordinate >= p) decodes but re-encodes
	// differently.
	if string(p.Bytes()) != string(encoded) {
		return ErrNonCanonicalPoint
	}
	if isSmallOrder(p) {
		return ErrNonCanonicalPoint
	}
	return nil
}

// isSmallOrder reports whether p lies in the 8-element small-order subgroup,
// i.e. whether 8*p is the identity.
func isSmallOrder(p *edwards25519.Point) bool {
	multiplied := new(edwards25519.Point).MultByCofactor(p)
	return multiplied.Equal(edwards25519.NewIdentityPoint()) == 1
}
