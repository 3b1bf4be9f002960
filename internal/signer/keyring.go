package signer

import (
	"crypto/ecdsa"
	"fmt"
	"sync"
)

// Keyring holds the public keys a verifier trusts, indexed by fingerprint.
// Retired keys stay in the ring so snapshots signed before a rotation keep
// verifying.
type Keyring struct {
	mu   sync.RWMutex
	keys map[string]*ecdsa.PublicKey
}

// NewKeyring returns a Keyring containing pubs.
func NewKeyring(pubs ...*ecdsa.PublicKey) (*Keyring, error) {
	k := &Keyring{keys: make(map[string]*ecdsa.PublicKey)}
	for _, p := range pubs {
		if _, err := k.Add(p); err != nil {
			return nil, err
		}
	}
	return k, nil
}

// Add registers pub and returns its fingerprint.
func (k *Keyring) Add(pub *ecdsa.PublicKey) (string, error) {
	if _, err := AlgorithmFor(pub.Curve); err != nil {
		return "", err
	}
	fp, err := Fingerprint(pub)
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	k.mu.Lock()
	k.keys[fp] = pub
	k.mu.Unlock()
	return fp, nil
}

// Lookup returns the key with fingerprint fp.
func (k *Keyring) Lookup(fp string) (*ecdsa.PublicKey, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	pub, ok := k.keys[fp]
	return pub, ok
}

// Len returns the number of keys in the ring.
func (k *Keyring) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.keys)
}

// Verify resolves the key by the signature's recorded fingerprint and checks
// the signature. Unknown fingerprints never verify.
func (k *Keyring) Verify(hash string, sig *SnapshotSignature) bool {
	if sig == nil {
		return false
	}
	pub, ok := k.Lookup(sig.KeyFingerprint)
	if !ok {
		return false
	}
	return Verify(hash, sig, pub)
}
