package verify_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/gtixt/provenance/internal/evidence"
	"github.com/gtixt/provenance/internal/hashchain"
	"github.com/gtixt/provenance/internal/merkle"
	"github.com/gtixt/provenance/internal/signer"
	"github.com/gtixt/provenance/internal/snapshot"
	"github.com/gtixt/provenance/internal/verify"
)

var (
	ctx = context.Background()
	day = time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC)
)

func item(t *testing.T, id, firm string, value float64) *evidence.Item {
	t.Helper()
	it := &evidence.Item{
		ID:          id,
		FirmID:      firm,
		PillarID:    "transparency",
		Type:        evidence.TypeAudit,
		Description: "Independent audit report published",
		Confidence:  evidence.ConfidenceHigh,
		Timestamp:   day,
		Source:      "https://www.fca.org.uk/r",
		Value:       value,
		Provenance:  evidence.Provenance{Validation: &evidence.ValidationSummary{ValidatorKind: "consensus", Score: 0.9, Timestamp: day}},
	}
	if err := it.Lock(hashchain.HashEvidence(it), day); err != nil {
		t.Fatal(err)
	}
	return it
}

// fixture signs a two-firm snapshot and returns it with a service trusting
// the signing key.
func fixture(t *testing.T) (*snapshot.Bundle, *verify.Service) {
	t.Helper()
	key, err := signer.GenerateKey(signer.AlgP256)
	if err != nil {
		t.Fatal(err)
	}
	s, err := signer.New(key, "verify-test")
	if err != nil {
		t.Fatal(err)
	}
	g, err := snapshot.NewGenerator(s, snapshot.Config{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	req := snapshot.Request{SnapshotID: "2026-02-28", GeneratedAt: day}
	for _, id := range []string{"firm-a", "firm-b"} {
		req.Firms = append(req.Firms, snapshot.FirmData{
			FirmID:      id,
			FinalScore:  64,
			Aggregation: hashchain.Methodology{Formula: "weighted_mean", Version: "2"},
			Pillars: []snapshot.PillarData{{
				PillarID:    "transparency",
				Weight:      1,
				Score:       64,
				Methodology: hashchain.Methodology{Formula: "mean", Version: "2"},
				Evidence:    []*evidence.Item{item(t, id+"-1", id, 3), item(t, id+"-2", id, 4)},
			}},
		})
	}
	b, err := g.Generate(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	kr, err := signer.NewKeyring(s.PublicKey())
	if err != nil {
		t.Fatal(err)
	}
	return b, verify.New(kr, nil)
}

func raw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestVerify_validClaims(t *testing.T) {
	b, svc := fixture(t)
	proof, err := b.Proof("firm-b")
	if err != nil {
		t.Fatal(err)
	}
	compact, err := merkle.EncodeProof(proof)
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name string
		req  verify.Request
	}{
		{"evidence", verify.Request{Type: verify.TypeEvidence, ClaimedHash: b.Evidence[0].EvidenceHash, SupportingData: raw(t, b.Evidence[0])}},
		{"evidence without claim", verify.Request{Type: verify.TypeEvidence, SupportingData: raw(t, b.Evidence[1])}},
		{"pillar", verify.Request{Type: verify.TypePillar, ClaimedHash: b.Pillars[0].Hash, SupportingData: raw(t, verify.PillarData{Pillar: b.Pillars[0]})}},
		{"pillar with evidence", verify.Request{Type: verify.TypePillar, ClaimedHash: b.Pillars[0].Hash, SupportingData: raw(t, verify.PillarData{Pillar: b.Pillars[0], Evidence: b.Evidence[:2]})}},
		{"firm", verify.Request{Type: verify.TypeFirm, ClaimedHash: b.Firms[0].Hash, SupportingData: raw(t, verify.FirmData{Firm: b.Firms[0], Pillars: b.Pillars[:1]})}},
		{"dataset", verify.Request{Type: verify.TypeDataset, ClaimedHash: b.Commitment.DatasetHash, SupportingData: raw(t, verify.DatasetData{Firms: hashchain.FirmRefs(b.Firms)})}},
		{"merkle proof", verify.Request{Type: verify.TypeMerkleProof, ClaimedHash: b.Commitment.MerkleRoot, SupportingData: raw(t, verify.ProofData{LeafHash: proof.LeafHash, Proof: proof})}},
		{"compact proof", verify.Request{Type: verify.TypeMerkleProof, ClaimedHash: b.Commitment.MerkleRoot, SupportingData: raw(t, verify.ProofData{Compact: compact})}},
		{"signature", verify.Request{Type: verify.TypeSignature, ClaimedHash: b.Commitment.CommitmentHash, SupportingData: raw(t, verify.SignatureData{Signature: b.Signature})}},
		{"bundle", verify.Request{Type: verify.TypeBundle, ClaimedHash: b.Commitment.CommitmentHash, SupportingData: raw(t, b)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := svc.Verify(ctx, tt.req)
			if err != nil {
				t.Fatalf("Verify: %v", err)
			}
			if !res.Valid {
				t.Errorf("Valid = false: %+v", res.Details)
			}
			if res.Type != tt.req.Type {
				t.Errorf("Type = %q", res.Type)
			}
		})
	}
}

func TestVerify_mismatchIsResult(t *testing.T) {
	b, svc := fixture(t)
	other := b.Firms[1].Hash
	proof, err := b.Proof("firm-a")
	if err != nil {
		t.Fatal(err)
	}

	edited := b.Evidence[0].Clone()
	edited.Value = 99

	pillar := *b.Pillars[0]
	pillar.Score = 1

	tests := []struct {
		name string
		req  verify.Request
	}{
		{"evidence edited", verify.Request{Type: verify.TypeEvidence, ClaimedHash: b.Evidence[0].EvidenceHash, SupportingData: raw(t, edited)}},
		{"pillar recomputes differently", verify.Request{Type: verify.TypePillar, ClaimedHash: b.Pillars[0].Hash, SupportingData: raw(t, verify.PillarData{Pillar: &pillar})}},
		{"pillar evidence mismatch", verify.Request{Type: verify.TypePillar, ClaimedHash: b.Pillars[0].Hash, SupportingData: raw(t, verify.PillarData{Pillar: b.Pillars[0], Evidence: []*evidence.Item{edited, b.Evidence[1]}})}},
		{"firm wrong claim", verify.Request{Type: verify.TypeFirm, ClaimedHash: other, SupportingData: raw(t, verify.FirmData{Firm: b.Firms[0]})}},
		{"dataset missing firm", verify.Request{Type: verify.TypeDataset, ClaimedHash: b.Commitment.DatasetHash, SupportingData: raw(t, verify.DatasetData{Firms: hashchain.FirmRefs(b.Firms[:1])})}},
		{"proof wrong leaf", verify.Request{Type: verify.TypeMerkleProof, ClaimedHash: b.Commitment.MerkleRoot, SupportingData: raw(t, verify.ProofData{LeafHash: other, Proof: proof})}},
		{"signature wrong hash", verify.Request{Type: verify.TypeSignature, ClaimedHash: b.Commitment.DatasetHash, SupportingData: raw(t, verify.SignatureData{Signature: b.Signature})}},
		{"bundle wrong claim", verify.Request{Type: verify.TypeBundle, ClaimedHash: other, SupportingData: raw(t, b)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := svc.Verify(ctx, tt.req)
			if err != nil {
				t.Fatalf("mismatch returned error: %v", err)
			}
			if res.Valid {
				t.Error("Valid = true for a false claim")
			}
			if res.Details.Reason == "" {
				t.Error("no reason given")
			}
		})
	}
}

func TestVerify_unknownKey(t *testing.T) {
	b, _ := fixture(t)
	for _, svc := range []*verify.Service{verify.New(nil, nil), verify.New(&signer.Keyring{}, nil)} {
		res, err := svc.Verify(ctx, verify.Request{
			Type:           verify.TypeSignature,
			ClaimedHash:    b.Commitment.CommitmentHash,
			SupportingData: raw(t, verify.SignatureData{Signature: b.Signature}),
		})
		if err != nil {
			t.Fatal(err)
		}
		if res.Valid || res.Details.KeyFingerprint != b.Signature.KeyFingerprint {
			t.Errorf("got %+v", res)
		}
	}
}

func TestVerify_structuralErrors(t *testing.T) {
	b, svc := fixture(t)
	proof, err := b.Proof("firm-a")
	if err != nil {
		t.Fatal(err)
	}
	broken := *proof
	broken.Siblings = broken.Siblings[:0]

	tests := []struct {
		name string
		req  verify.Request
		want error
	}{
		{"unknown type", verify.Request{Type: "merkle"}, verify.ErrUnsupportedType},
		{"no data", verify.Request{Type: verify.TypeEvidence}, verify.ErrBadRequest},
		{"bad json", verify.Request{Type: verify.TypeFirm, SupportingData: json.RawMessage(`{"firm":7}`)}, verify.ErrBadRequest},
		{"no pillar", verify.Request{Type: verify.TypePillar, SupportingData: json.RawMessage(`{}`)}, verify.ErrBadRequest},
		{"no signature", verify.Request{Type: verify.TypeSignature, SupportingData: json.RawMessage(`{}`)}, verify.ErrBadRequest},
		{"no proof", verify.Request{Type: verify.TypeMerkleProof, SupportingData: json.RawMessage(`{}`)}, merkle.ErrMalformedProof},
		{"short proof", verify.Request{Type: verify.TypeMerkleProof, ClaimedHash: b.Commitment.MerkleRoot, SupportingData: raw(t, verify.ProofData{Proof: &broken})}, merkle.ErrMalformedProof},
		{"bad compact", verify.Request{Type: verify.TypeMerkleProof, SupportingData: raw(t, verify.ProofData{Compact: "%%%"})}, verify.ErrBadRequest},
		{"no commitment", verify.Request{Type: verify.TypeBundle, SupportingData: json.RawMessage(`{}`)}, verify.ErrBadRequest},
		{"spliced ref", verify.Request{Type: verify.TypeDataset, SupportingData: raw(t, verify.DatasetData{Firms: []hashchain.Ref{
			{ID: "firm-a", Hash: b.Firms[0].Hash + "|firm-b:" + b.Firms[1].Hash},
		}})}, hashchain.ErrMalformedRef},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := svc.Verify(ctx, tt.req)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if res != nil {
				t.Errorf("result alongside error: %+v", res)
			}
		})
	}
}

func TestVerify_recorder(t *testing.T) {
	b, svc := fixture(t)
	var got []string
	svc.SetRecorder(func(typ verify.Type, valid bool) {
		if valid {
			got = append(got, string(typ)+":valid")
		} else {
			got = append(got, string(typ)+":invalid")
		}
	})
	reqs := []verify.Request{
		{Type: verify.TypeEvidence, SupportingData: raw(t, b.Evidence[0])},
		{Type: verify.TypeDataset, ClaimedHash: "00", SupportingData: raw(t, verify.DatasetData{Firms: hashchain.FirmRefs(b.Firms)})},
		{Type: "nope"},
	}
	for _, r := range reqs {
		_, _ = svc.Verify(ctx, r)
	}
	if len(got) != 2 || got[0] != "evidence:valid" || got[1] != "dataset:invalid" {
		t.Errorf("recorded %v", got)
	}
}

func TestVerify_cancelled(t *testing.T) {
	_, svc := fixture(t)
	c, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := svc.Verify(c, verify.Request{Type: verify.TypeEvidence}); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v", err)
	}
}
