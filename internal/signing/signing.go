// Package signing is the single Ed25519 signing abstraction shared across
// agent registration, ledger records, and peer identity (spec.md §9:
// "Ed25519 everywhere... calls for one signing abstraction shared across
// all three uses; keys are scoped to purpose so the same keypair is never
// overloaded").
package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

// Purpose scopes a keypair to exactly one of the three uses so a key
// minted for one role is never reused for another.
type Purpose string

const (
	PurposeAgent  Purpose = "agent"
	PurposeLedger Purpose = "ledger"
	PurposePeer   Purpose = "peer"
)

// ErrInvalidSignature is returned by Verify when the signature does not
// match the message under the given public key.
var ErrInvalidSignature = errors.New("signing: invalid signature")

// KeyPair is an Ed25519 keypair scoped to a Purpose.
type KeyPair struct {
	Purpose    Purpose
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// Generate mints a fresh keypair for the given purpose.
func Generate(purpose Purpose) (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("signing: generate %s key: %w", purpose, err)
	}
	return &KeyPair{Purpose: purpose, PublicKey: pub, PrivateKey: priv}, nil
}

// FromSeed reconstructs a keypair from a 32-byte seed, e.g. one loaded from
// operator-managed secret storage.
func FromSeed(purpose Purpose, seed []byte) (*KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return &KeyPair{Purpose: purpose, PublicKey: pub, PrivateKey: priv}, nil
}

// Sign signs message with the keypair's private key.
func (k *KeyPair) Sign(message []byte) []byte {
	return ed25519.Sign(k.PrivateKey, message)
}

// SignBase64 signs message and returns the signature base64-encoded, the
// wire format spec.md §6 mandates for x-signature.
func (k *KeyPair) SignBase64(message []byte) string {
	return base64.StdEncoding.EncodeToString(k.Sign(message))
}

// PublicKeyBase64 returns the public key base64-encoded for transport.
func (k *KeyPair) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(k.PublicKey)
}

// Verify checks a signature against message under the given public key.
func Verify(publicKey ed25519.PublicKey, message, signature []byte) error {
	if len(publicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("signing: bad public key length %d", len(publicKey))
	}
	if !ed25519.Verify(publicKey, message, signature) {
		return ErrInvalidSignature
	}
	return nil
}

// VerifyBase64 verifies a base64-encoded public key and signature.
func VerifyBase64(publicKeyB64 string, message []byte, signatureB64 string) error {
	pub, err := base64.StdEncoding.DecodeString(publicKeyB64)
	if err != nil {
		return fmt.Errorf("signing: decode public key: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return fmt.Errorf("signing: decode signature: %w", err)
	}
	return Verify(pub, message, sig)
}
