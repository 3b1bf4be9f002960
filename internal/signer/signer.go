// Package signer signs dataset commitments with ECDSA and verifies the
// resulting signatures.
//
// The signed message is the SHA-256 digest of the commitment's hex string, so
// a signature covers exactly the committed value. Signatures are ASN.1 DER,
// base64 encoded. Two schemes are supported: P-256 (the default) and
// secp256k1. Each signature records the fingerprint of the key that produced
// it so old snapshots keep verifying after the signing key is rotated.
//
// Key material is accepted as PEM or base64-encoded PEM. It is never logged;
// only fingerprints are safe to print.
package signer

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"
)

// Algorithm is the tag recorded on every signature.
type Algorithm string

const (
	AlgP256      Algorithm = "ecdsa-p256-sha256"
	AlgSecp256k1 Algorithm = "ecdsa-secp256k1-sha256"
)

var (
	// ErrMissingKey is returned when key material is absent. Callers should
	// treat it as fatal at startup.
	ErrMissingKey = errors.New("signer: key material missing")
	// ErrInvalidKey is returned when key material cannot be decoded or uses
	// an unsupported curve.
	ErrInvalidKey = errors.New("signer: invalid key material")
	// ErrInvalidHash is returned when asked to sign something that is not a
	// lowercase hex SHA-256.
	ErrInvalidHash = errors.New("signer: value to sign is not a hex sha256")
)

// SnapshotSignature binds one signature to one commitment hash.
type SnapshotSignature struct {
	Signature      string    `json:"signature"`
	SignerID       string    `json:"signer_id"`
	SignedAt       time.Time `json:"signed_at"`
	Algorithm      Algorithm `json:"algorithm"`
	KeyFingerprint string    `json:"key_fingerprint"`
	// SignedHash is the exact commitment hash the signature was issued for.
	SignedHash string `json:"signed_hash"`
}

// Signer produces SnapshotSignatures with a single private key.
type Signer struct {
	key         *ecdsa.PrivateKey
	signerID    string
	alg         Algorithm
	fingerprint string
	now         func() time.Time
}

// New returns a Signer for key. A nil key is a configuration error.
func New(key *ecdsa.PrivateKey, signerID string) (*Signer, error) {
	if key == nil {
		return nil, ErrMissingKey
	}
	alg, err := AlgorithmFor(key.Curve)
	if err != nil {
		return nil, err
	}
	fp, err := Fingerprint(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	return &Signer{key: key, signerID: signerID, alg: alg, fingerprint: fp, now: time.Now}, nil
}

// NewFromPEM parses key material and returns a Signer. An empty input yields
// ErrMissingKey.
func NewFromPEM(data []byte, signerID string) (*Signer, error) {
	key, err := ParsePrivateKey(data)
	if err != nil {
		return nil, err
	}
	return New(key, signerID)
}

// Algorithm returns the signer's algorithm tag.
func (s *Signer) Algorithm() Algorithm { return s.alg }

// Fingerprint returns the fingerprint of the signer's public key.
func (s *Signer) Fingerprint() string { return s.fingerprint }

// PublicKey returns the signer's public key.
func (s *Signer) PublicKey() *ecdsa.PublicKey { return &s.key.PublicKey }

func digest(hash string) []byte {
	d := sha256.Sum256([]byte(hash))
	return d[:]
}

func isHexHash(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if c := s[i]; (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Sign signs hash, which must be a lowercase hex SHA-256.
func (s *Signer) Sign(hash string) (*SnapshotSignature, error) {
	if !isHexHash(hash) {
		return nil, ErrInvalidHash
	}
	sig, err := ecdsa.SignASN1(rand.Reader, s.key, digest(hash))
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	return &SnapshotSignature{
		Signature:      base64.StdEncoding.EncodeToString(sig),
		SignerID:       s.signerID,
		SignedAt:       s.now().UTC(),
		Algorithm:      s.alg,
		KeyFingerprint: s.fingerprint,
		SignedHash:     hash,
	}, nil
}

// Verify checks sig against hash using the signer's own public key.
func (s *Signer) Verify(hash string, sig *SnapshotSignature) bool {
	return Verify(hash, sig, &s.key.PublicKey)
}

// Verify reports whether sig is a valid signature over hash by pub. The
// signature must have been issued for exactly hash, its algorithm must match
// pub's curve, and its recorded fingerprint must match pub.
func Verify(hash string, sig *SnapshotSignature, pub *ecdsa.PublicKey) bool {
	if sig == nil || pub == nil {
		return false
	}
	if sig.SignedHash != "" && sig.SignedHash != hash {
		return false
	}
	alg, err := AlgorithmFor(pub.Curve)
	if err != nil || alg != sig.Algorithm {
		return false
	}
	if sig.KeyFingerprint != "" {
		fp, err := Fingerprint(pub)
		if err != nil || fp != sig.KeyFingerprint {
			return false
		}
	}
	raw, err := base64.StdEncoding.DecodeString(sig.Signature)
	if err != nil {
		return false
	}
	return ecdsa.VerifyASN1(pub, digest(hash), raw)
}
