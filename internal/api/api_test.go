package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/gtixt/provenance/internal/api"
	"github.com/gtixt/provenance/internal/evidence"
	"github.com/gtixt/provenance/internal/evidencestore"
	"github.com/gtixt/provenance/internal/hashchain"
	"github.com/gtixt/provenance/internal/health"
	"github.com/gtixt/provenance/internal/intake"
	"github.com/gtixt/provenance/internal/merkle"
	"github.com/gtixt/provenance/internal/signer"
	"github.com/gtixt/provenance/internal/snapshot"
	"github.com/gtixt/provenance/internal/snapshotstore"
	"github.com/gtixt/provenance/internal/validation"
	"github.com/gtixt/provenance/internal/verify"
)

// ── Setup ────────────────────────────────────────────────────────────────

type stack struct {
	router *gin.Engine
	store  *evidencestore.MemoryStore
	down   atomic.Bool
	ledger atomic.Bool // when set, the health probe fails
	health *health.Checker
}

type setup struct {
	verifierOnly bool
	minFirms     int
	override     bool
}

func newStack(t *testing.T, s setup) *stack {
	t.Helper()
	gin.SetMode(gin.TestMode)
	st := &stack{store: evidencestore.NewMemoryStore()}

	rule := validation.ValidatorFunc{M: validation.MethodRule, Fn: func(_ context.Context, in validation.Input) (validation.Result, error) {
		if st.down.Load() {
			return validation.Result{}, validation.ErrUnavailable
		}
		if in.Item.Value > 5 {
			return validation.Result{Verdict: validation.VerdictFail, HardFail: true}, nil
		}
		return validation.Result{Confidence: 0.9, Verdict: validation.VerdictPass}, nil
	}}
	orch, err := validation.NewOrchestrator(validation.DefaultConfig(), nil, rule)
	if err != nil {
		t.Fatal(err)
	}

	key, err := signer.GenerateKey(signer.AlgSecp256k1)
	if err != nil {
		t.Fatal(err)
	}
	sg, err := signer.New(key, "api-test")
	if err != nil {
		t.Fatal(err)
	}
	keys, err := signer.NewKeyring(sg.PublicKey())
	if err != nil {
		t.Fatal(err)
	}
	var gen *snapshot.Generator
	if !s.verifierOnly {
		if gen, err = snapshot.NewGenerator(sg, snapshot.Config{MinFirms: s.minFirms}, nil); err != nil {
			t.Fatal(err)
		}
		gen.SetLedger(st.store)
	}

	st.health = health.New(health.Config{FailThreshold: 1}, nil, health.Probe{
		Name: "evidence_ledger",
		Check: func(ctx context.Context) error {
			if st.ledger.Load() {
				return errors.New("hash chain broken at index 3")
			}
			return st.store.Verify(ctx)
		},
	})

	logger := zap.NewNop()
	evh := api.NewEvidenceHandler(intake.New(orch, st.store, logger), st.store, logger)
	if s.override {
		evh.EnableOverride()
	}
	st.router = api.NewRouter(api.Options{
		MaxBodyBytes: 1 << 20,
		Health:       st.health,
		Logger:       logger,
	},
		api.NewVerifyHandler(verify.New(keys, logger), logger),
		api.NewLedgerHandler(st.store, logger),
		evh,
		api.NewSnapshotHandler(gen, snapshotstore.NewMemoryStore(), keys, logger),
	)
	return st
}

func (st *stack) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	st.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return v
}

func expect(t *testing.T, w *httptest.ResponseRecorder, code int) {
	t.Helper()
	if w.Code != code {
		t.Fatalf("expected %d, got %d: %s", code, w.Code, w.Body.String())
	}
}

func item(id, firm string, value float64) *evidence.Item {
	return &evidence.Item{
		ID:          id,
		FirmID:      firm,
		PillarID:    "regulatory",
		Type:        evidence.TypeRegulatoryFiling,
		Description: "Form ADV annual amendment filed",
		Confidence:  evidence.ConfidenceHigh,
		Timestamp:   time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
		Source:      "https://www.sec.gov/adv",
		Value:       value,
	}
}

// submit posts it and returns the committed item.
func (st *stack) submit(t *testing.T, it *evidence.Item) *evidence.Item {
	t.Helper()
	w := st.do(t, http.MethodPost, "/api/v1/evidence", it)
	expect(t, w, http.StatusCreated)
	return decode[intake.Outcome](t, w).Item
}

// ── Health ───────────────────────────────────────────────────────────────

func TestHealthz(t *testing.T) {
	st := newStack(t, setup{})
	expect(t, st.do(t, http.MethodGet, "/healthz", nil), http.StatusOK)

	st.ledger.Store(true)
	st.health.CheckAll(context.Background())
	w := st.do(t, http.MethodGet, "/healthz", nil)
	expect(t, w, http.StatusServiceUnavailable)
	if resp := decode[map[string]any](t, w); resp["status"] != "degraded" {
		t.Errorf("status = %v", resp["status"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	st := newStack(t, setup{})
	st.do(t, http.MethodGet, "/healthz", nil)
	w := st.do(t, http.MethodGet, "/metrics", nil)
	expect(t, w, http.StatusOK)
	if !bytes.Contains(w.Body.Bytes(), []byte("gtixt_http_requests_total")) {
		t.Error("metrics missing request counter")
	}
}

// ── Evidence + ledger ────────────────────────────────────────────────────

func TestEvidence_lifecycle(t *testing.T) {
	st := newStack(t, setup{})
	committed := st.submit(t, item("e1", "firm-a", 2))
	if !committed.Locked() || !hashchain.VerifyEvidenceHash(committed, committed.EvidenceHash) {
		t.Fatalf("committed item does not verify: %+v", committed.Immutable)
	}

	w := st.do(t, http.MethodGet, "/api/v1/evidence/e1", nil)
	expect(t, w, http.StatusOK)
	if got := decode[evidence.Item](t, w); got.EvidenceHash != committed.EvidenceHash {
		t.Errorf("GET hash %s", got.EvidenceHash)
	}
	expect(t, st.do(t, http.MethodGet, "/api/v1/evidence/nope", nil), http.StatusNotFound)

	// duplicate
	expect(t, st.do(t, http.MethodPost, "/api/v1/evidence", item("e1", "firm-a", 2)), http.StatusConflict)

	// correction
	fix := item("e1-v2", "", 2.5)
	w = st.do(t, http.MethodPost, "/api/v1/evidence/e1/correction", fix)
	expect(t, w, http.StatusCreated)
	if out := decode[intake.Outcome](t, w); out.Item.Immutable.Supersedes != "e1" {
		t.Errorf("correction not linked: %+v", out.Item.Immutable)
	}

	w = st.do(t, http.MethodGet, "/api/v1/evidence/e1/history", nil)
	expect(t, w, http.StatusOK)
	if recs := decode[map[string][]evidencestore.Record](t, w)["records"]; len(recs) != 2 || recs[1].Action != evidencestore.ActionRetract {
		t.Errorf("history %+v", recs)
	}

	w = st.do(t, http.MethodGet, "/api/v1/firms/firm-a/evidence", nil)
	expect(t, w, http.StatusOK)
	list := decode[struct {
		Evidence []evidence.Item `json:"evidence"`
	}](t, w)
	if len(list.Evidence) != 1 || list.Evidence[0].ID != "e1-v2" {
		t.Errorf("firm evidence %+v", list.Evidence)
	}

	expect(t, st.do(t, http.MethodPost, "/api/v1/evidence/e1-v2/withdraw", nil), http.StatusOK)
	expect(t, st.do(t, http.MethodPost, "/api/v1/evidence/e1-v2/withdraw", nil), http.StatusConflict)

	w = st.do(t, http.MethodGet, "/api/v1/ledger", nil)
	expect(t, w, http.StatusOK)
	if n := decode[map[string]any](t, w)["records"].(float64); n != 5 {
		t.Errorf("ledger records = %v, want 5", n)
	}
	w = st.do(t, http.MethodGet, "/api/v1/ledger/verify", nil)
	expect(t, w, http.StatusOK)
	if decode[map[string]any](t, w)["valid"] != true {
		t.Error("ledger does not verify")
	}
	expect(t, st.do(t, http.MethodGet, "/api/v1/ledger/records/1", nil), http.StatusOK)
	expect(t, st.do(t, http.MethodGet, "/api/v1/ledger/records/abc", nil), http.StatusBadRequest)
	expect(t, st.do(t, http.MethodGet, "/api/v1/ledger/records/99", nil), http.StatusNotFound)
}

func TestEvidence_outcomes(t *testing.T) {
	st := newStack(t, setup{})

	w := st.do(t, http.MethodPost, "/api/v1/evidence", item("bad", "firm-a", 9))
	expect(t, w, http.StatusOK)
	if out := decode[intake.Outcome](t, w); out.Consensus.Approved || out.Record != nil {
		t.Errorf("vetoed item committed: %+v", out)
	}

	st.down.Store(true)
	w = st.do(t, http.MethodPost, "/api/v1/evidence", item("held", "firm-a", 1))
	expect(t, w, http.StatusAccepted)
	if out := decode[intake.Outcome](t, w); out.Consensus.State != validation.StateValidating {
		t.Errorf("state %s", out.Consensus.State)
	}
	st.down.Store(false)

	expect(t, st.do(t, http.MethodPost, "/api/v1/evidence", `{"id":`), http.StatusBadRequest)
	expect(t, st.do(t, http.MethodPost, "/api/v1/evidence", item("", "firm-a", 1)), http.StatusBadRequest)
}

func TestEvidence_batch(t *testing.T) {
	st := newStack(t, setup{})
	w := st.do(t, http.MethodPost, "/api/v1/evidence/batch", map[string]any{
		"items": []*evidence.Item{item("e1", "firm-a", 1), item("e2", "firm-a", 7), item("e3", "firm-b", 3)},
	})
	expect(t, w, http.StatusOK)
	body := decode[struct {
		Committed int              `json:"committed"`
		Stats     validation.Stats `json:"stats"`
	}](t, w)
	if body.Committed != 2 || body.Stats.Total != 3 || body.Stats.Approved != 2 || body.Stats.Rejected != 1 {
		t.Errorf("batch summary %+v", body)
	}
	expect(t, st.do(t, http.MethodPost, "/api/v1/evidence/batch", map[string]any{"items": []any{}}), http.StatusBadRequest)
}

func TestEvidence_override(t *testing.T) {
	body := map[string]any{
		"item":     item("v1", "firm-a", 9),
		"decision": intake.Decision{Approved: true, Notes: "confirmed with the filing agent", Reviewer: "alice"},
	}
	st := newStack(t, setup{})
	expect(t, st.do(t, http.MethodPost, "/api/v1/evidence/override", body), http.StatusNotFound)

	st = newStack(t, setup{override: true})
	w := st.do(t, http.MethodPost, "/api/v1/evidence/override", body)
	expect(t, w, http.StatusCreated)
	if out := decode[intake.Outcome](t, w); out.Item.Provenance.Validation.ValidatorVersion != "manual:alice" {
		t.Errorf("override not recorded: %+v", out.Item.Provenance.Validation)
	}
	expect(t, st.do(t, http.MethodPost, "/api/v1/evidence/override", map[string]any{"item": item("v2", "firm-a", 1)}), http.StatusBadRequest)
}

// ── Snapshots + verify ───────────────────────────────────────────────────

func snapshotRequest(id string, at time.Time, items map[string]*evidence.Item) snapshot.Request {
	req := snapshot.Request{SnapshotID: id, GeneratedAt: at}
	for firm, it := range items {
		req.Firms = append(req.Firms, snapshot.FirmData{
			FirmID:      firm,
			FinalScore:  66,
			Aggregation: hashchain.Methodology{Formula: "weighted_mean", Version: "1"},
			Pillars: []snapshot.PillarData{{
				PillarID:    "regulatory",
				Weight:      1,
				Score:       66,
				Methodology: hashchain.Methodology{Formula: "mean", Version: "1"},
				Evidence:    []*evidence.Item{it},
			}},
		})
	}
	return req
}

func TestSnapshots_publishAndVerify(t *testing.T) {
	st := newStack(t, setup{})
	items := map[string]*evidence.Item{
		"firm-a": st.submit(t, item("a1", "firm-a", 1)),
		"firm-b": st.submit(t, item("b1", "firm-b", 2)),
	}
	day := time.Date(2026, 6, 30, 0, 0, 0, 0, time.UTC)

	w := st.do(t, http.MethodPost, "/api/v1/snapshots", snapshotRequest("2026-06-30", day, items))
	expect(t, w, http.StatusCreated)
	first := decode[snapshot.Bundle](t, w)

	w = st.do(t, http.MethodPost, "/api/v1/snapshots", snapshotRequest("2026-07-31", day.AddDate(0, 1, 1), items))
	expect(t, w, http.StatusCreated)
	second := decode[snapshot.Bundle](t, w)
	if second.Commitment.PreviousCommitmentHash != first.Commitment.CommitmentHash {
		t.Fatal("second snapshot not chained to the first")
	}

	// Reusing the latest id or going back in time cannot extend the chain.
	expect(t, st.do(t, http.MethodPost, "/api/v1/snapshots", snapshotRequest("2026-07-31", day.AddDate(0, 2, 0), items)), http.StatusBadRequest)
	expect(t, st.do(t, http.MethodPost, "/api/v1/snapshots", snapshotRequest("old", day, items)), http.StatusBadRequest)

	w = st.do(t, http.MethodGet, "/api/v1/snapshots", nil)
	expect(t, w, http.StatusOK)
	if list := decode[map[string][]snapshot.DatasetCommitment](t, w)["commitments"]; len(list) != 2 {
		t.Errorf("list has %d commitments", len(list))
	}
	w = st.do(t, http.MethodGet, "/api/v1/snapshots/latest", nil)
	expect(t, w, http.StatusOK)
	if got := decode[snapshot.Bundle](t, w); got.Commitment.SnapshotID != "2026-07-31" {
		t.Errorf("latest = %s", got.Commitment.SnapshotID)
	}
	w = st.do(t, http.MethodGet, "/api/v1/snapshots/2026-06-30/verify", nil)
	expect(t, w, http.StatusOK)
	if rep := decode[snapshot.Report](t, w); !rep.Valid {
		t.Errorf("archived snapshot does not verify: %v", rep.Problems)
	}
	expect(t, st.do(t, http.MethodGet, "/api/v1/snapshots/nope", nil), http.StatusNotFound)
	expect(t, st.do(t, http.MethodGet, "/api/v1/snapshots/2026-06-30/proofs/firm-z", nil), http.StatusNotFound)

	w = st.do(t, http.MethodGet, "/api/v1/snapshots/2026-06-30/proofs/firm-b", nil)
	expect(t, w, http.StatusOK)
	proof := decode[struct {
		Proof *merkle.Proof `json:"proof"`
	}](t, w).Proof

	w = st.do(t, http.MethodPost, "/api/v1/provenance/verify", verify.Request{
		Type:           verify.TypeMerkleProof,
		ClaimedHash:    first.Commitment.MerkleRoot,
		SupportingData: mustJSON(t, verify.ProofData{Proof: proof}),
	})
	expect(t, w, http.StatusOK)
	if res := decode[verify.Result](t, w); !res.Valid {
		t.Errorf("proof from the archive does not verify: %+v", res.Details)
	}

	w = st.do(t, http.MethodPost, "/api/v1/provenance/verify", verify.Request{
		Type:           verify.TypeSignature,
		ClaimedHash:    second.Commitment.CommitmentHash,
		SupportingData: mustJSON(t, verify.SignatureData{Signature: first.Signature}),
	})
	expect(t, w, http.StatusOK)
	if res := decode[verify.Result](t, w); res.Valid {
		t.Error("signature accepted for the wrong commitment")
	}
}

func TestSnapshots_refusals(t *testing.T) {
	st := newStack(t, setup{verifierOnly: true})
	items := map[string]*evidence.Item{"firm-a": st.submit(t, item("a1", "firm-a", 1))}
	day := time.Date(2026, 6, 30, 0, 0, 0, 0, time.UTC)
	expect(t, st.do(t, http.MethodPost, "/api/v1/snapshots", snapshotRequest("s", day, items)), http.StatusForbidden)

	st = newStack(t, setup{minFirms: 2})
	items = map[string]*evidence.Item{"firm-a": st.submit(t, item("a1", "firm-a", 1))}
	expect(t, st.do(t, http.MethodPost, "/api/v1/snapshots", snapshotRequest("s", day, items)), http.StatusUnprocessableEntity)

	// Evidence that was never committed.
	items["firm-b"] = item("b1", "firm-b", 1)
	expect(t, st.do(t, http.MethodPost, "/api/v1/snapshots", snapshotRequest("s", day, items)), http.StatusUnprocessableEntity)

	// Locked with a made-up validation summary but never submitted: the rule
	// validator would have vetoed it.
	forged := item("b2", "firm-b", 9999)
	forged.Provenance.Validation = &evidence.ValidationSummary{ValidatorKind: "consensus", Score: 1, Timestamp: day}
	if err := forged.Lock(hashchain.HashEvidence(forged), day); err != nil {
		t.Fatal(err)
	}
	items["firm-b"] = forged
	w := st.do(t, http.MethodPost, "/api/v1/snapshots", snapshotRequest("s", day, items))
	expect(t, w, http.StatusUnprocessableEntity)
	if !strings.Contains(w.Body.String(), "not in the ledger") {
		t.Errorf("unexpected refusal: %s", w.Body.String())
	}
}

func TestVerify_requestErrors(t *testing.T) {
	st := newStack(t, setup{})
	expect(t, st.do(t, http.MethodPost, "/api/v1/provenance/verify", `not json`), http.StatusBadRequest)
	expect(t, st.do(t, http.MethodPost, "/api/v1/provenance/verify", verify.Request{Type: "guess"}), http.StatusBadRequest)
	expect(t, st.do(t, http.MethodPost, "/api/v1/provenance/verify", map[string]any{
		"type":            "merkle_proof",
		"claimed_hash":    "00",
		"supporting_data": map[string]any{"compact": "{}"},
	}), http.StatusBadRequest)

	w := st.do(t, http.MethodPost, "/api/v1/provenance/verify", verify.Request{
		Type:           verify.TypeEvidence,
		ClaimedHash:    "ff",
		SupportingData: mustJSON(t, item("x", "firm-a", 1)),
	})
	expect(t, w, http.StatusOK)
	if res := decode[verify.Result](t, w); res.Valid || res.Details.ComputedHash == "" {
		t.Errorf("mismatch result %+v", res)
	}
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return b
}
