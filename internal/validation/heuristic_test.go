package validation_test

import (
	"slices"
	"testing"

	"github.com/gtixt/provenance/internal/evidence"
	"github.com/gtixt/provenance/internal/validation"
)

func heuristic() *validation.HeuristicValidator {
	return validation.NewHeuristicValidator(0, 0).WithClock(clock)
}

func TestHeuristic_normalValue(t *testing.T) {
	r, err := heuristic().Validate(ctx, validation.Input{Item: goodItem("e1", 3), Related: related()})
	if err != nil {
		t.Fatal(err)
	}
	if r.Confidence != 1 {
		t.Errorf("Confidence = %v, notes %v", r.Confidence, r.Notes)
	}
	if r.Verdict != validation.VerdictPass || len(r.Flags) != 0 {
		t.Errorf("unexpected verdict %s flags %v", r.Verdict, r.Flags)
	}
}

func TestHeuristic_outlier(t *testing.T) {
	it := goodItem("e2", 6)
	it.Confidence = evidence.ConfidenceHigh
	r, err := heuristic().Validate(ctx, validation.Input{Item: it, Related: related()})
	if err != nil {
		t.Fatal(err)
	}
	if r.Confidence > 0.05 {
		t.Errorf("Confidence = %v, want near 0 for a z>8 outlier", r.Confidence)
	}
	if r.Verdict != validation.VerdictFail || !slices.Contains(r.Flags, "anomaly_detected") {
		t.Errorf("verdict %s flags %v", r.Verdict, r.Flags)
	}
}

func TestHeuristic_tooFewSamples(t *testing.T) {
	it := goodItem("e2", 6)
	it.Confidence = evidence.ConfidenceHigh
	r, err := heuristic().Validate(ctx, validation.Input{Item: it, Related: related()[:2]})
	if err != nil {
		t.Fatal(err)
	}
	if r.Confidence != 1 {
		t.Errorf("distribution check should not run below MinSamples, got %v", r.Confidence)
	}
}

func TestHeuristic_ignoresOtherPillarsAndRetracted(t *testing.T) {
	rel := related()
	for _, r := range rel {
		r.PillarID = "governance"
	}
	retracted := goodItem("rel-x", 100)
	retracted.Immutable.Retracted = true
	rel = append(rel, retracted)

	r, err := heuristic().Validate(ctx, validation.Input{Item: goodItem("e1", 3), Related: rel})
	if err != nil {
		t.Fatal(err)
	}
	for _, n := range r.Notes {
		if n.Check == "h_value_zscore" {
			t.Errorf("unexpected distribution note %v", n)
		}
	}
}

func TestHeuristic_identicalSamples(t *testing.T) {
	var rel []*evidence.Item
	for _, id := range []string{"a", "b", "c"} {
		rel = append(rel, goodItem(id, 2))
	}
	r, err := heuristic().Validate(ctx, validation.Input{Item: goodItem("e1", 3), Related: rel})
	if err != nil {
		t.Fatal(err)
	}
	if r.Confidence >= 0.5 {
		t.Errorf("a value off a zero-variance distribution should score as an outlier, got %v", r.Confidence)
	}
}

func TestHeuristic_contentChecks(t *testing.T) {
	it := goodItem("e1", 10)
	it.Confidence = evidence.ConfidenceLow
	it.Source = "https://bit.ly/test-staging"
	it.Description = "Firm might possibly have allegedly reportedly missed a filing, could seemingly be a rumour"
	it.Provenance.ExtractionMethod = evidence.ExtractionLLM
	r, err := heuristic().Validate(ctx, validation.Input{Item: it})
	if err != nil {
		t.Fatal(err)
	}
	if r.Verdict != validation.VerdictFail {
		t.Errorf("Verdict = %s, notes %v", r.Verdict, r.Notes)
	}
	if r.Confidence >= 0.5 {
		t.Errorf("Confidence = %v", r.Confidence)
	}
}
