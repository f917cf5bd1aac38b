// Package identity holds the node's long-lived Curve25519 keypair.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

const (
	PrivateKeySize = 32
	PublicKeySize  = 32
)

// PublicKey is a node's permanent public identity.
type PublicKey [PublicKeySize]byte

// String returns the lowercase hex form, the canonical display format.
func (k PublicKey) String() string {
	return hex.EncodeToString(k[:])
}

// IsZero reports whether the key is the all-zero placeholder.
func (k PublicKey) IsZero() bool {
	return k == PublicKey{}
}

// ParsePublicKey decodes a lowercase (or any-case) hex public key.
func ParsePublicKey(s string) (PublicKey, error) {
	var k PublicKey
	b, err := hex.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("invalid public key hex: %w", err)
	}
	if len(b) != PublicKeySize {
		return k, fmt.Errorf("public key must be %d bytes, got %d", PublicKeySize, len(b))
	}
	copy(k[:], b)
	return k, nil
}

// PrivateKey is the matching Curve25519 scalar. Callers should call
// Zero on it once the identity is no longer needed.
type PrivateKey [PrivateKeySize]byte

// Zero overwrites the key material in place.
func (k *PrivateKey) Zero() {
	for i := range k {
		k[i] = 0
	}
}

// Identity is a node's permanent keypair. There is no revocation.
type Identity struct {
	Private PrivateKey
	Public  PublicKey
}

// Generate creates a new random identity.
func Generate() (*Identity, error) {
	var priv PrivateKey
	if _, err := rand.Read(priv[:]); err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}
	clamp(&priv)
	return FromPrivateKey(priv)
}

// FromPrivateKey derives the public key and builds an Identity.
func FromPrivateKey(priv PrivateKey) (*Identity, error) {
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	id := &Identity{Private: priv}
	copy(id.Public[:], pub)
	return id, nil
}

// ParsePrivateKey decodes a hex-encoded private key as stored in config.
func ParsePrivateKey(s string) (PrivateKey, error) {
	var k PrivateKey
	b, err := hex.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("invalid private key hex: %w", err)
	}
	if len(b) != PrivateKeySize {
		return k, fmt.Errorf("private key must be %d bytes, got %d", PrivateKeySize, len(b))
	}
	copy(k[:], b)
	return k, nil
}

func clamp(priv *PrivateKey) {
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
}

// String returns a human-readable identity summary; never prints the
// private key.
func (id *Identity) String() string {
	return fmt.Sprintf("Identity{pubkey=%s}", id.Public)
}
