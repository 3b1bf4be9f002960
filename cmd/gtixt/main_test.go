package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gtixt/provenance/internal/evidence"
	"github.com/gtixt/provenance/internal/hashchain"
	"github.com/gtixt/provenance/internal/merkle"
	"github.com/gtixt/provenance/internal/snapshot"
	"github.com/gtixt/provenance/internal/verify"
)

var day = time.Date(2026, 6, 30, 0, 0, 0, 0, time.UTC)

// gtixt runs the CLI with args and returns stdout.
func gtixt(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, dir, name string, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, b, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func committed(t *testing.T, id, firm string) *evidence.Item {
	t.Helper()
	it := &evidence.Item{
		ID:          id,
		FirmID:      firm,
		PillarID:    "regulatory",
		Type:        evidence.TypeAudit,
		Description: "Annual audit completed without qualification",
		Confidence:  evidence.ConfidenceHigh,
		Timestamp:   day,
		Source:      "https://www.sec.gov/x",
		Value:       1,
		Provenance:  evidence.Provenance{Validation: &evidence.ValidationSummary{ValidatorKind: "consensus", Score: 0.9, Timestamp: day}},
	}
	if err := it.Lock(hashchain.HashEvidence(it), day); err != nil {
		t.Fatal(err)
	}
	return it
}

func request(t *testing.T, id string, at time.Time, firms ...string) snapshot.Request {
	t.Helper()
	req := snapshot.Request{SnapshotID: id, GeneratedAt: at}
	for _, f := range firms {
		req.Firms = append(req.Firms, snapshot.FirmData{
			FirmID:      f,
			FinalScore:  70,
			Aggregation: hashchain.Methodology{Formula: "weighted_mean", Version: "1"},
			Pillars: []snapshot.PillarData{{
				PillarID:    "regulatory",
				Weight:      1,
				Score:       70,
				Methodology: hashchain.Methodology{Formula: "mean", Version: "1"},
				Evidence:    []*evidence.Item{committed(t, f+"-e1", f)},
			}},
		})
	}
	return req
}

func TestKeygenSnapshotVerify(t *testing.T) {
	dir := t.TempDir()
	keys := filepath.Join(dir, "keys")
	if _, err := gtixt(t, "keygen", "--out", keys); err != nil {
		t.Fatal(err)
	}
	if fi, err := os.Stat(filepath.Join(keys, "signing.key")); err != nil || fi.Mode().Perm() != 0o600 {
		t.Fatalf("private key file: %v %v", fi, err)
	}
	priv := filepath.Join(keys, "signing.key")
	pub := filepath.Join(keys, "signing.pub")

	reqPath := writeFile(t, dir, "req1.json", request(t, "2026-06", day, "firm-a", "firm-b", "firm-c"))
	out, err := gtixt(t, "snapshot", "--key", priv, reqPath)
	if err != nil {
		t.Fatal(err)
	}
	first := filepath.Join(dir, "b1.json")
	if err := os.WriteFile(first, []byte(out), 0o600); err != nil {
		t.Fatal(err)
	}

	out, err = gtixt(t, "verify", "--trusted", pub, first)
	if err != nil {
		t.Fatalf("verify: %v\n%s", err, out)
	}

	// A chained second snapshot verifies against the first.
	reqPath = writeFile(t, dir, "req2.json", request(t, "2026-07", day.AddDate(0, 1, 0), "firm-a", "firm-b"))
	out, err = gtixt(t, "snapshot", "--key", priv, "--previous", first, reqPath)
	if err != nil {
		t.Fatal(err)
	}
	second := filepath.Join(dir, "b2.json")
	if err := os.WriteFile(second, []byte(out), 0o600); err != nil {
		t.Fatal(err)
	}
	if out, err := gtixt(t, "verify", "--trusted", pub, "--previous", first, second); err != nil {
		t.Fatalf("chained verify: %v\n%s", err, out)
	}
	// Reversed, the link does not hold.
	if _, err := gtixt(t, "verify", "--trusted", pub, "--previous", second, first); !errors.Is(err, errInvalid) {
		t.Errorf("reversed chain: err = %v", err)
	}

	// A key that did not sign is rejected.
	other := filepath.Join(dir, "other")
	if _, err := gtixt(t, "keygen", "--alg", "ecdsa-p256-sha256", "--out", other); err != nil {
		t.Fatal(err)
	}
	if _, err := gtixt(t, "verify", "--trusted", filepath.Join(other, "signing.pub"), first); !errors.Is(err, errInvalid) {
		t.Errorf("foreign key: err = %v", err)
	}
}

func TestProveAndCheck(t *testing.T) {
	dir := t.TempDir()
	keys := filepath.Join(dir, "keys")
	if _, err := gtixt(t, "keygen", "--out", keys); err != nil {
		t.Fatal(err)
	}
	out, err := gtixt(t, "snapshot", "--key", filepath.Join(keys, "signing.key"),
		writeFile(t, dir, "req.json", request(t, "s1", day, "firm-a", "firm-b", "firm-c")))
	if err != nil {
		t.Fatal(err)
	}
	var b snapshot.Bundle
	if err := json.Unmarshal([]byte(out), &b); err != nil {
		t.Fatal(err)
	}
	bundle := writeFile(t, dir, "bundle.json", &b)

	compact, err := gtixt(t, "prove", "--compact", bundle, "firm-c")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := merkle.DecodeProof(strings.TrimSpace(compact)); err != nil {
		t.Fatalf("compact proof does not decode: %v", err)
	}
	if _, err := gtixt(t, "prove", bundle, "firm-z"); !errors.Is(err, snapshot.ErrUnknownFirm) {
		t.Errorf("unknown firm: err = %v", err)
	}

	proofReq := func(root string) string {
		data, _ := json.Marshal(verify.ProofData{Compact: strings.TrimSpace(compact)})
		return writeFile(t, dir, "proof-"+root[:8]+".json", verify.Request{
			Type:           verify.TypeMerkleProof,
			ClaimedHash:    root,
			SupportingData: data,
		})
	}
	if out, err := gtixt(t, "check", proofReq(b.Commitment.MerkleRoot)); err != nil {
		t.Fatalf("check proof: %v\n%s", err, out)
	}
	if _, err := gtixt(t, "check", proofReq(strings.Repeat("ab", 32))); !errors.Is(err, errInvalid) {
		t.Errorf("wrong root: err = %v", err)
	}

	sig, _ := json.Marshal(verify.SignatureData{Signature: b.Signature})
	sigReq := writeFile(t, dir, "sig.json", verify.Request{
		Type:           verify.TypeSignature,
		ClaimedHash:    b.Commitment.CommitmentHash,
		SupportingData: sig,
	})
	if _, err := gtixt(t, "check", "--trusted", filepath.Join(keys, "signing.pub"), sigReq); err != nil {
		t.Errorf("check signature: %v", err)
	}
}

func TestHash(t *testing.T) {
	dir := t.TempDir()
	it := committed(t, "e1", "firm-a")
	out, err := gtixt(t, "hash", writeFile(t, dir, "e1.json", it))
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(out); got != it.EvidenceHash {
		t.Errorf("hash = %s, want %s", got, it.EvidenceHash)
	}
}

func TestSnapshotNeedsKey(t *testing.T) {
	t.Setenv("GTIXT_ECDSA_PRIVATE_KEY", "")
	dir := t.TempDir()
	_, err := gtixt(t, "snapshot", writeFile(t, dir, "req.json", request(t, "s1", day, "firm-a")))
	if err == nil || !strings.Contains(err.Error(), "key material missing") {
		t.Errorf("err = %v", err)
	}
}

func TestPull(t *testing.T) {
	dir := t.TempDir()
	keys := filepath.Join(dir, "keys")
	if _, err := gtixt(t, "keygen", "--out", keys); err != nil {
		t.Fatal(err)
	}
	bundle, err := gtixt(t, "snapshot", "--key", filepath.Join(keys, "signing.key"),
		writeFile(t, dir, "req.json", request(t, "s1", day, "firm-a")))
	if err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/snapshots/s1":
			w.Write([]byte(bundle)) //nolint:errcheck
		case "/api/v1/snapshots/forged":
			w.Write([]byte(strings.Replace(bundle, `"final_score": 70`, `"final_score": 99`, 1))) //nolint:errcheck
		default:
			http.Error(w, `{"error":"snapshot not found"}`, http.StatusNotFound)
		}
	}))
	defer srv.Close()

	pub := filepath.Join(keys, "signing.pub")
	if _, err := gtixt(t, "pull", "--server", srv.URL, "--trusted", pub, "s1"); err != nil {
		t.Fatalf("pull: %v", err)
	}
	if _, err := gtixt(t, "pull", "--server", srv.URL, "--trusted", pub, "forged"); !errors.Is(err, errInvalid) {
		t.Errorf("forged bundle: err = %v", err)
	}
	if _, err := gtixt(t, "pull", "--server", srv.URL, "--trusted", pub, "s9"); err == nil {
		t.Error("missing snapshot: expected error")
	}
}
