// Package verify answers provenance verification requests: given a claimed
// hash, signature or proof plus the data it supposedly commits to, recompute
// and report whether the claim holds.
package verify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/gtixt/provenance/internal/evidence"
	"github.com/gtixt/provenance/internal/hashchain"
	"github.com/gtixt/provenance/internal/merkle"
	"github.com/gtixt/provenance/internal/signer"
	"github.com/gtixt/provenance/internal/snapshot"
)

// Type selects what a Request verifies.
type Type string

const (
	TypeEvidence    Type = "evidence"
	TypePillar      Type = "pillar"
	TypeFirm        Type = "firm"
	TypeDataset     Type = "dataset"
	TypeMerkleProof Type = "merkle_proof"
	TypeSignature   Type = "signature"
	TypeBundle      Type = "bundle"
)

var (
	// ErrUnsupportedType is returned for an unknown request type.
	ErrUnsupportedType = errors.New("verify: unsupported type")
	// ErrBadRequest is returned when supporting data is missing or cannot be
	// decoded for the requested type.
	ErrBadRequest = errors.New("verify: malformed supporting data")
)

// Request is the verification wire format.
type Request struct {
	Type           Type            `json:"type"`
	ClaimedHash    string          `json:"claimed_hash"`
	SupportingData json.RawMessage `json:"supporting_data"`
}

// Details explains a Result.
type Details struct {
	ClaimedHash    string                     `json:"claimed_hash,omitempty"`
	ComputedHash   string                     `json:"computed_hash,omitempty"`
	Reason         string                     `json:"reason,omitempty"`
	KeyFingerprint string                     `json:"key_fingerprint,omitempty"`
	Hierarchy      *hashchain.HierarchyReport `json:"hierarchy,omitempty"`
	Problems       []string                   `json:"problems,omitempty"`
}

// Result is the verification outcome. Valid=false is an answer, not an error.
type Result struct {
	Valid   bool    `json:"valid"`
	Type    Type    `json:"type"`
	Details Details `json:"details"`
}

// PillarData is the supporting data for TypePillar.
type PillarData struct {
	Pillar *hashchain.PillarHash `json:"pillar"`
	// Evidence optionally supplies the referenced items for a deeper check.
	Evidence []*evidence.Item `json:"evidence,omitempty"`
}

// FirmData is the supporting data for TypeFirm.
type FirmData struct {
	Firm *hashchain.FirmHash `json:"firm"`
	// Pillars optionally supplies the referenced pillar records.
	Pillars []*hashchain.PillarHash `json:"pillars,omitempty"`
}

// DatasetData is the supporting data for TypeDataset.
type DatasetData struct {
	Firms []hashchain.Ref `json:"firms"`
}

// ProofData is the supporting data for TypeMerkleProof. The claimed hash is
// the expected root. Either Proof or Compact must be set.
type ProofData struct {
	LeafHash string        `json:"leaf_hash"`
	Proof    *merkle.Proof `json:"proof,omitempty"`
	Compact  string        `json:"compact,omitempty"`
}

// SignatureData is the supporting data for TypeSignature. The claimed hash
// is the commitment hash the signature should cover.
type SignatureData struct {
	Signature *signer.SnapshotSignature `json:"signature"`
}

// Service verifies requests against a keyring of trusted public keys.
type Service struct {
	keys   *signer.Keyring
	logger *zap.Logger
	record func(t Type, valid bool)
}

// New creates a Service. keys may be nil, in which case signature and bundle
// requests always come back invalid.
func New(keys *signer.Keyring, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{keys: keys, logger: logger}
}

// SetRecorder registers a callback invoked with the outcome of every answered
// request. Pass nil to disable.
func (s *Service) SetRecorder(fn func(t Type, valid bool)) { s.record = fn }

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return fmt.Errorf("%w: supporting_data is required", ErrBadRequest)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return nil
}

// Verify answers req. Structural problems with the request are errors;
// a claim that does not hold is a Result with Valid=false.
func (s *Service) Verify(ctx context.Context, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var (
		res *Result
		err error
	)
	switch req.Type {
	case TypeEvidence:
		res, err = s.evidence(req)
	case TypePillar:
		res, err = s.pillar(req)
	case TypeFirm:
		res, err = s.firm(req)
	case TypeDataset:
		res, err = s.dataset(req)
	case TypeMerkleProof:
		res, err = s.merkleProof(req)
	case TypeSignature:
		res, err = s.signature(req)
	case TypeBundle:
		res, err = s.bundle(req)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, req.Type)
	}
	if err != nil {
		return nil, err
	}
	res.Type = req.Type
	res.Details.ClaimedHash = req.ClaimedHash
	if s.record != nil {
		s.record(req.Type, res.Valid)
	}
	s.logger.Debug("provenance verified",
		zap.String("type", string(req.Type)),
		zap.Bool("valid", res.Valid),
	)
	return res, nil
}

// compare fills a Result from a recomputed hash.
func compare(claimed, computed string) *Result {
	r := &Result{Valid: claimed != "" && claimed == computed, Details: Details{ComputedHash: computed}}
	if !r.Valid {
		r.Details.Reason = "recomputed hash does not match claimed hash"
	}
	return r
}

func (s *Service) evidence(req Request) (*Result, error) {
	var it evidence.Item
	if err := decode(req.SupportingData, &it); err != nil {
		return nil, err
	}
	if err := it.CheckText(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadRequest, err)
	}
	claimed := req.ClaimedHash
	if claimed == "" {
		claimed = it.EvidenceHash
	}
	return compare(claimed, hashchain.HashEvidence(&it)), nil
}

func (s *Service) pillar(req Request) (*Result, error) {
	var d PillarData
	if err := decode(req.SupportingData, &d); err != nil {
		return nil, err
	}
	if d.Pillar == nil {
		return nil, fmt.Errorf("%w: pillar is required", ErrBadRequest)
	}
	if err := hashchain.CheckRefs(d.Pillar.Evidence); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadRequest, err)
	}
	r := compare(req.ClaimedHash, d.Pillar.Hash)
	if !hashchain.VerifyPillarHash(d.Pillar) {
		r.Valid = false
		r.Details.Reason = "pillar hash does not recompute from its inputs"
	}
	if len(d.Evidence) > 0 {
		rep := hashchain.VerifyHierarchy(hashchain.Hierarchy{Items: d.Evidence, Pillars: []*hashchain.PillarHash{d.Pillar}})
		r.Details.Hierarchy = &rep
		if !rep.Valid {
			r.Valid = false
			r.Details.Reason = "supplied evidence does not match the pillar"
		}
	}
	return r, nil
}

func (s *Service) firm(req Request) (*Result, error) {
	var d FirmData
	if err := decode(req.SupportingData, &d); err != nil {
		return nil, err
	}
	if d.Firm == nil {
		return nil, fmt.Errorf("%w: firm is required", ErrBadRequest)
	}
	if err := hashchain.CheckRefs(d.Firm.Pillars); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadRequest, err)
	}
	r := compare(req.ClaimedHash, d.Firm.Hash)
	if !hashchain.VerifyFirmHash(d.Firm, d.Pillars) {
		r.Valid = false
		r.Details.Reason = "firm hash does not recompute from its pillars"
	}
	return r, nil
}

func (s *Service) dataset(req Request) (*Result, error) {
	var d DatasetData
	if err := decode(req.SupportingData, &d); err != nil {
		return nil, err
	}
	if err := hashchain.CheckRefs(d.Firms); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadRequest, err)
	}
	return compare(req.ClaimedHash, hashchain.HashDataset(d.Firms)), nil
}

func (s *Service) merkleProof(req Request) (*Result, error) {
	var d ProofData
	if err := decode(req.SupportingData, &d); err != nil {
		return nil, err
	}
	p := d.Proof
	if d.Compact != "" {
		var err error
		if p, err = merkle.DecodeProof(d.Compact); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBadRequest, err)
		}
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadRequest, err)
	}
	leaf := d.LeafHash
	if leaf == "" {
		leaf = p.LeafHash
	}
	r := &Result{Details: Details{ComputedHash: p.ComputeRoot(leaf)}}
	r.Valid = merkle.VerifyProof(leaf, p, req.ClaimedHash)
	if !r.Valid {
		r.Details.Reason = "proof does not lead to the claimed root"
	}
	return r, nil
}

func (s *Service) signature(req Request) (*Result, error) {
	var d SignatureData
	if err := decode(req.SupportingData, &d); err != nil {
		return nil, err
	}
	if d.Signature == nil {
		return nil, fmt.Errorf("%w: signature is required", ErrBadRequest)
	}
	r := &Result{Details: Details{KeyFingerprint: d.Signature.KeyFingerprint}}
	switch {
	case s.keys == nil:
		r.Details.Reason = "no verification keys configured"
	case !s.keysKnow(d.Signature.KeyFingerprint):
		r.Details.Reason = "signature was made by an unknown key"
	case !s.keys.Verify(req.ClaimedHash, d.Signature):
		r.Details.Reason = "signature does not verify for the claimed hash"
	default:
		r.Valid = true
	}
	return r, nil
}

func (s *Service) keysKnow(fp string) bool {
	_, ok := s.keys.Lookup(fp)
	return ok
}

func (s *Service) bundle(req Request) (*Result, error) {
	var b snapshot.Bundle
	if err := decode(req.SupportingData, &b); err != nil {
		return nil, err
	}
	if b.Commitment == nil {
		return nil, fmt.Errorf("%w: commitment is required", ErrBadRequest)
	}
	rep := b.Verify(s.keys)
	r := &Result{
		Valid: rep.Valid,
		Details: Details{
			ComputedHash: b.Commitment.CommitmentHash,
			Hierarchy:    &rep.Hierarchy,
			Problems:     rep.Problems,
		},
	}
	if b.Signature != nil {
		r.Details.KeyFingerprint = b.Signature.KeyFingerprint
	}
	if req.ClaimedHash != "" && req.ClaimedHash != b.Commitment.CommitmentHash {
		r.Valid = false
		r.Details.Problems = append(r.Details.Problems, "claimed hash is not this bundle's commitment")
	}
	if !r.Valid {
		r.Details.Reason = "bundle failed verification"
	}
	return r, nil
}
