package validation_test

import (
	"math"
	"strings"
	"testing"

	"github.com/gtixt/provenance/internal/evidence"
	"github.com/gtixt/provenance/internal/validation"
)

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestCombine_excludesUnavailable(t *testing.T) {
	w := validation.DefaultWeights()
	results := []validation.Result{
		{Method: validation.MethodRule, Available: true, Confidence: 1},
		{Method: validation.MethodHeuristic, Available: true, Confidence: 0.5},
		{Method: validation.MethodLLM, Available: false, Confidence: 0},
	}
	got, ok := validation.Combine(results, w)
	if !ok {
		t.Fatal("expected a usable consensus")
	}
	// (1*.3 + .5*.2) / (.3 + .2)
	if want := 0.8; !approx(got, want) {
		t.Errorf("Combine = %v, want %v", got, want)
	}
}

func TestCombine_noneAvailable(t *testing.T) {
	_, ok := validation.Combine([]validation.Result{{Method: validation.MethodLLM}}, validation.DefaultWeights())
	if ok {
		t.Error("expected ok=false with no available method")
	}
}

func TestCombine_monotonic(t *testing.T) {
	w := validation.DefaultWeights()
	base := []validation.Result{
		{Method: validation.MethodRule, Available: true, Confidence: 0.6},
		{Method: validation.MethodHeuristic, Available: true, Confidence: 0.4},
		{Method: validation.MethodCrossReference, Available: true, Confidence: 0.2},
		{Method: validation.MethodLLM, Available: true, Confidence: 0.9},
	}
	prev, _ := validation.Combine(base, w)
	for i := range base {
		for _, delta := range []float64{0.01, 0.1, 0.3} {
			bumped := append([]validation.Result(nil), base...)
			bumped[i].Confidence += delta
			got, _ := validation.Combine(bumped, w)
			if got < prev {
				t.Errorf("raising %s by %v lowered confidence: %v < %v", bumped[i].Method, delta, got, prev)
			}
		}
	}
}

func TestDecide_thresholdAndVeto(t *testing.T) {
	w := validation.DefaultWeights()
	pass := []validation.Result{
		{Method: validation.MethodRule, Available: true, Confidence: 1},
		{Method: validation.MethodLLM, Available: true, Confidence: 0.9},
	}
	c := validation.Decide(pass, w, 0.6)
	if !c.Approved || c.State != validation.StateApproved {
		t.Errorf("expected approval, got %+v", c)
	}
	if c.Level != evidence.ConfidenceHigh {
		t.Errorf("Level = %q", c.Level)
	}

	c = validation.Decide(pass, w, 0.99)
	if c.Approved || c.State != validation.StateRejected {
		t.Error("confidence below threshold must reject")
	}

	veto := append([]validation.Result(nil), pass...)
	veto[0].HardFail = true
	c = validation.Decide(veto, w, 0.1)
	if c.Approved {
		t.Error("rule hard fail must veto regardless of confidence")
	}
	if !strings.Contains(c.ReviewerNotes, "rule veto") {
		t.Errorf("reviewer notes should mention the veto: %q", c.ReviewerNotes)
	}

	// A hard fail reported by any method other than rule is not a veto.
	other := append([]validation.Result(nil), pass...)
	other[1].HardFail = true
	if c := validation.Decide(other, w, 0.6); !c.Approved {
		t.Error("only the rule method can veto")
	}
}

func TestDecide_allUnavailableHeld(t *testing.T) {
	c := validation.Decide([]validation.Result{
		{Method: validation.MethodRule, Error: "boom"},
		{Method: validation.MethodLLM, Error: "timeout"},
	}, validation.DefaultWeights(), 0.6)
	if c.State != validation.StateValidating || c.Approved {
		t.Errorf("expected held item, got state %s approved %t", c.State, c.Approved)
	}
	want := []string{"rule_unavailable", "llm_unavailable"}
	if strings.Join(c.Flags, ",") != strings.Join(want, ",") {
		t.Errorf("Flags = %v, want %v", c.Flags, want)
	}
}

func TestWeights_Validate(t *testing.T) {
	cases := map[string]validation.Weights{
		"negative": {validation.MethodRule: -1},
		"zero":     {validation.MethodRule: 0, validation.MethodLLM: 0},
		"unknown":  {validation.Method("oracle"): 1},
	}
	for name, w := range cases {
		if err := w.Validate(); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
	if err := validation.DefaultWeights().Validate(); err != nil {
		t.Errorf("default weights: %v", err)
	}
}

func TestOverride(t *testing.T) {
	c := validation.Decide([]validation.Result{
		{Method: validation.MethodRule, Available: true, Confidence: 0.2},
	}, validation.DefaultWeights(), 0.6)

	o := validation.Override(c, true, "verified by phone with regulator", "alice", now)
	if !o.Approved || o.State != validation.StateApproved {
		t.Error("override should approve")
	}
	if o.ValidatedBy != "manual:alice" {
		t.Errorf("ValidatedBy = %q", o.ValidatedBy)
	}
	if !strings.HasPrefix(o.ReviewerNotes, "[MANUAL OVERRIDE]") {
		t.Errorf("ReviewerNotes = %q", o.ReviewerNotes)
	}
	if o.OverallConfidence != c.OverallConfidence || len(o.Results) != len(c.Results) {
		t.Error("override must keep automated results")
	}
	if c.Approved {
		t.Error("original consensus must not change")
	}
}

func TestTally(t *testing.T) {
	w := validation.DefaultWeights()
	cs := []validation.Consensus{
		validation.Decide([]validation.Result{{Method: validation.MethodRule, Available: true, Confidence: 1}}, w, 0.6),
		validation.Decide([]validation.Result{{Method: validation.MethodRule, Available: true, Confidence: 0.5}}, w, 0.6),
		validation.Decide([]validation.Result{{Method: validation.MethodLLM}}, w, 0.6),
	}
	s := validation.Tally(cs)
	if s.Total != 3 || s.Approved != 1 || s.Rejected != 1 || s.Held != 1 {
		t.Errorf("unexpected counts: %+v", s)
	}
	if !approx(s.AverageConfidence, 0.75) {
		t.Errorf("AverageConfidence = %v", s.AverageConfidence)
	}
	if s.Distribution[evidence.ConfidenceHigh] != 1 || s.Distribution[evidence.ConfidenceLow] != 1 {
		t.Errorf("Distribution = %v", s.Distribution)
	}
	if s.Unavailable[validation.MethodLLM] != 1 {
		t.Errorf("Unavailable = %v", s.Unavailable)
	}
}
