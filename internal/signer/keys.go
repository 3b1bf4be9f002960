package signer

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"strings"

	"github.com/btcsuite/btcd/btcec"
)

var (
	oidPublicKeyECDSA = asn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1}
	oidSecp256k1      = asn1.ObjectIdentifier{1, 3, 132, 0, 10}
)

// S256 returns the secp256k1 curve. We use btcsuite's implementation.
func S256() elliptic.Curve {
	return btcec.S256()
}

func isSecp256k1(c elliptic.Curve) bool {
	if c == nil {
		return false
	}
	k := btcec.S256().Params()
	p := c.Params()
	return p.P.Cmp(k.P) == 0 && p.N.Cmp(k.N) == 0 && p.B.Cmp(k.B) == 0
}

// AlgorithmFor returns the signature algorithm tag for keys on curve c.
func AlgorithmFor(c elliptic.Curve) (Algorithm, error) {
	switch {
	case c == elliptic.P256():
		return AlgP256, nil
	case isSecp256k1(c):
		return AlgSecp256k1, nil
	}
	return "", fmt.Errorf("%w: unsupported curve", ErrInvalidKey)
}

// GenerateKey creates a new private key for alg.
func GenerateKey(alg Algorithm) (*ecdsa.PrivateKey, error) {
	switch alg {
	case AlgP256:
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case AlgSecp256k1:
		return ecdsa.GenerateKey(S256(), rand.Reader)
	}
	return nil, fmt.Errorf("generate key: unknown algorithm %q", alg)
}

// ── ASN.1 structures for curves x509 does not know ─────────────────────────────

type publicKeyInfo struct {
	Algorithm pkix.AlgorithmIdentifier
	PublicKey asn1.BitString
}

type ecPrivateKey struct {
	Version       int
	PrivateKey    []byte
	NamedCurveOID asn1.ObjectIdentifier `asn1:"optional,explicit,tag:0"`
	PublicKey     asn1.BitString        `asn1:"optional,explicit,tag:1"`
}

type pkcs8 struct {
	Version    int
	Algo       pkix.AlgorithmIdentifier
	PrivateKey []byte
}

func curveOID() asn1.RawValue {
	b, _ := asn1.Marshal(oidSecp256k1)
	return asn1.RawValue{FullBytes: b}
}

// MarshalPublicKeyDER returns the SubjectPublicKeyInfo DER of pub.
func MarshalPublicKeyDER(pub *ecdsa.PublicKey) ([]byte, error) {
	if pub == nil {
		return nil, ErrMissingKey
	}
	if !isSecp256k1(pub.Curve) {
		der, err := x509.MarshalPKIXPublicKey(pub)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		return der, nil
	}
	point := elliptic.Marshal(pub.Curve, pub.X, pub.Y)
	return asn1.Marshal(publicKeyInfo{
		Algorithm: pkix.AlgorithmIdentifier{Algorithm: oidPublicKeyECDSA, Parameters: curveOID()},
		PublicKey: asn1.BitString{Bytes: point, BitLength: 8 * len(point)},
	})
}

// MarshalPublicKeyPEM returns pub as a "PUBLIC KEY" PEM block.
func MarshalPublicKeyPEM(pub *ecdsa.PublicKey) ([]byte, error) {
	der, err := MarshalPublicKeyDER(pub)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// MarshalPrivateKeyPEM returns key as an "EC PRIVATE KEY" (SEC 1) PEM block.
func MarshalPrivateKeyPEM(key *ecdsa.PrivateKey) ([]byte, error) {
	if key == nil {
		return nil, ErrMissingKey
	}
	var der []byte
	var err error
	if isSecp256k1(key.Curve) {
		d := make([]byte, 32)
		key.D.FillBytes(d)
		point := elliptic.Marshal(key.Curve, key.X, key.Y)
		der, err = asn1.Marshal(ecPrivateKey{
			Version:       1,
			PrivateKey:    d,
			NamedCurveOID: oidSecp256k1,
			PublicKey:     asn1.BitString{Bytes: point, BitLength: 8 * len(point)},
		})
	} else {
		der, err = x509.MarshalECPrivateKey(key)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), nil
}

// decodePEM accepts raw PEM or base64-encoded PEM and returns the first block.
func decodePEM(data []byte) (*pem.Block, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, ErrMissingKey
	}
	if block, _ := pem.Decode([]byte(trimmed)); block != nil {
		return block, nil
	}
	raw, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: neither PEM nor base64 PEM", ErrInvalidKey)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("%w: base64 payload is not PEM", ErrInvalidKey)
	}
	return block, nil
}

// ParsePrivateKey decodes an ECDSA private key from PEM or base64 PEM. SEC 1
// ("EC PRIVATE KEY") and PKCS #8 ("PRIVATE KEY") blocks are accepted.
func ParsePrivateKey(data []byte) (*ecdsa.PrivateKey, error) {
	block, err := decodePEM(data)
	if err != nil {
		return nil, err
	}
	switch block.Type {
	case "EC PRIVATE KEY":
		if k, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
			return k, nil
		}
		return parseSecp256k1SEC1(block.Bytes)
	case "PRIVATE KEY":
		if k, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
			ec, ok := k.(*ecdsa.PrivateKey)
			if !ok {
				return nil, fmt.Errorf("%w: not an ECDSA key", ErrInvalidKey)
			}
			return ec, nil
		}
		var p pkcs8
		if _, err := asn1.Unmarshal(block.Bytes, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		var oid asn1.ObjectIdentifier
		if _, err := asn1.Unmarshal(p.Algo.Parameters.FullBytes, &oid); err != nil || !oid.Equal(oidSecp256k1) {
			return nil, fmt.Errorf("%w: unsupported PKCS #8 curve", ErrInvalidKey)
		}
		return parseSecp256k1SEC1(p.PrivateKey)
	}
	return nil, fmt.Errorf("%w: unexpected PEM block %q", ErrInvalidKey, block.Type)
}

func parseSecp256k1SEC1(der []byte) (*ecdsa.PrivateKey, error) {
	var k ecPrivateKey
	if _, err := asn1.Unmarshal(der, &k); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(k.NamedCurveOID) > 0 && !k.NamedCurveOID.Equal(oidSecp256k1) {
		return nil, fmt.Errorf("%w: unsupported curve %v", ErrInvalidKey, k.NamedCurveOID)
	}
	curve := S256()
	d := new(big.Int).SetBytes(k.PrivateKey)
	if d.Sign() <= 0 || d.Cmp(curve.Params().N) >= 0 {
		return nil, fmt.Errorf("%w: private scalar out of range", ErrInvalidKey)
	}
	priv := &ecdsa.PrivateKey{D: d}
	priv.Curve = curve
	priv.X, priv.Y = curve.ScalarBaseMult(k.PrivateKey)
	return priv, nil
}

// ParsePublicKey decodes an ECDSA public key from a PEM or base64 PEM
// "PUBLIC KEY" block.
func ParsePublicKey(data []byte) (*ecdsa.PublicKey, error) {
	block, err := decodePEM(data)
	if err != nil {
		return nil, err
	}
	if block.Type != "PUBLIC KEY" {
		return nil, fmt.Errorf("%w: unexpected PEM block %q", ErrInvalidKey, block.Type)
	}
	if k, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		ec, ok := k.(*ecdsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: not an ECDSA key", ErrInvalidKey)
		}
		return ec, nil
	}
	var info publicKeyInfo
	if _, err := asn1.Unmarshal(block.Bytes, &info); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	var oid asn1.ObjectIdentifier
	if _, err := asn1.Unmarshal(info.Algorithm.Parameters.FullBytes, &oid); err != nil || !oid.Equal(oidSecp256k1) {
		return nil, fmt.Errorf("%w: unsupported public key curve", ErrInvalidKey)
	}
	curve := S256()
	x, y := elliptic.Unmarshal(curve, info.PublicKey.RightAlign())
	if x == nil {
		return nil, fmt.Errorf("%w: point not on curve", ErrInvalidKey)
	}
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}

// Fingerprint returns the hex SHA-256 of pub's SubjectPublicKeyInfo DER.
func Fingerprint(pub *ecdsa.PublicKey) (string, error) {
	der, err := MarshalPublicKeyDER(pub)
	if err != nil {
		return "", err
	}
	h := sha256.Sum256(der)
	return hex.EncodeToString(h[:]), nil
}
