package validation_test

import (
	"context"
	"time"

	"github.com/gtixt/provenance/internal/evidence"
	"github.com/gtixt/provenance/internal/validation"
)

var (
	ctx = context.Background()
	now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

func clock() time.Time { return now }

// goodItem returns a regulatory filing that passes every rule and trips no
// heuristic check.
func goodItem(id string, value float64) *evidence.Item {
	return &evidence.Item{
		ID:          id,
		FirmID:      "firm-a",
		PillarID:    "regulatory",
		Type:        evidence.TypeRegulatoryFiling,
		Description: "Form 10-K annual report filed with the SEC on schedule",
		Confidence:  evidence.ConfidenceMedium,
		Timestamp:   now.Add(-48 * time.Hour),
		Source:      "https://www.sec.gov/Archives/edgar/data/1",
		Value:       value,
		Provenance: evidence.Provenance{
			SourceSystem:        evidence.SourceCrawler,
			SourceURL:           "https://www.sec.gov/Archives/edgar/data/1",
			ExtractionMethod:    evidence.ExtractionAPI,
			ExtractionTimestamp: now.Add(-24 * time.Hour),
			TransformationChain: []evidence.TransformationStep{
				{Step: 0, Operation: "fetch", OutputHash: "aa", AgentID: "edgar-crawler", AgentVersion: "2.0.1", Timestamp: now.Add(-24 * time.Hour)},
			},
			RawDataHash: evidence.RawDataHash([]byte(id)),
		},
	}
}

// related returns four comparable items for firm-a / regulatory.
func related() []*evidence.Item {
	var out []*evidence.Item
	for i, v := range []float64{2.5, 3.0, 3.5, 2.8} {
		it := goodItem("rel-"+string(rune('1'+i)), v)
		out = append(out, it)
	}
	return out
}

// fakeLLM returns a fixed confidence per evidence id.
type fakeLLM struct {
	scores map[string]float64
	delay  time.Duration
	// ignoreCtx makes the fake sleep through cancellation.
	ignoreCtx bool
	err       error
	flags     []validation.LLMFlag
}

func (f *fakeLLM) Assess(ctx context.Context, req validation.LLMRequest) (*validation.LLMAssessment, error) {
	if f.delay > 0 {
		if f.ignoreCtx {
			time.Sleep(f.delay)
		} else {
			select {
			case <-time.After(f.delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	conf, ok := f.scores[req.EvidenceID]
	if !ok {
		conf = 0.5
	}
	return &validation.LLMAssessment{Confidence: conf, Notes: "looks plausible", Flags: f.flags, Model: "fake"}, nil
}

func fixed(m validation.Method, conf float64, hardFail bool) validation.Validator {
	return validation.ValidatorFunc{M: m, Fn: func(context.Context, validation.Input) (validation.Result, error) {
		return validation.Result{Confidence: conf, HardFail: hardFail, Verdict: validation.VerdictPass}, nil
	}}
}

func unavailable(m validation.Method) validation.Validator {
	return validation.ValidatorFunc{M: m, Fn: func(context.Context, validation.Input) (validation.Result, error) {
		return validation.Result{}, validation.ErrUnavailable
	}}
}
