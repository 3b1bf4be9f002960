package validation

import (
	"fmt"
	"strings"
	"time"

	"github.com/gtixt/provenance/internal/evidence"
)

// Weights maps each method to its weight in the consensus mean.
type Weights map[Method]float64

// DefaultWeights returns the default method weights.
func DefaultWeights() Weights {
	return Weights{
		MethodLLM:            0.4,
		MethodRule:           0.3,
		MethodHeuristic:      0.2,
		MethodCrossReference: 0.1,
	}
}

// DefaultThreshold is the default admission threshold.
const DefaultThreshold = 0.6

// Validate rejects negative, unknown or all-zero weights.
func (w Weights) Validate() error {
	var total float64
	for m, v := range w {
		if !m.Valid() {
			return fmt.Errorf("unknown validation method %q", m)
		}
		if v < 0 {
			return fmt.Errorf("weight for %s is negative: %v", m, v)
		}
		total += v
	}
	if total == 0 {
		return fmt.Errorf("validation weights sum to zero")
	}
	return nil
}

// Consensus is the combined verdict for one item.
type Consensus struct {
	ValidationID      string                   `json:"validation_id"`
	EvidenceID        string                   `json:"evidence_id"`
	State             State                    `json:"state"`
	OverallConfidence float64                  `json:"overall_confidence"`
	Level             evidence.ConfidenceLevel `json:"confidence_level"`
	Approved          bool                     `json:"approved"`
	Threshold         float64                  `json:"threshold"`
	Results           []Result                 `json:"results"`
	Flags             []string                 `json:"flags"`
	ValidatedBy       string                   `json:"validated_by"`
	ReviewerNotes     string                   `json:"reviewer_notes"`
	Timestamp         time.Time                `json:"timestamp"`
}

// Combine computes Σ(confidence×weight)/Σ(weight) over the available results.
// It returns ok=false when no available result carried positive weight.
func Combine(results []Result, w Weights) (confidence float64, ok bool) {
	var num, den float64
	for _, r := range results {
		if !r.Available {
			continue
		}
		wt := w[r.Method]
		if wt <= 0 {
			continue
		}
		num += clamp01(r.Confidence) * wt
		den += wt
	}
	if den == 0 {
		return 0, false
	}
	return num / den, true
}

// Decide applies the threshold and the rule veto to results. A consensus with
// no usable result stays in StateValidating.
func Decide(results []Result, w Weights, threshold float64) Consensus {
	c := Consensus{
		Results:     results,
		Threshold:   threshold,
		ValidatedBy: ValidatedBy,
		Flags:       collectFlags(results),
	}
	conf, ok := Combine(results, w)
	if !ok {
		c.State = StateValidating
		c.Level = evidence.ConfidenceLow
		c.ReviewerNotes = reviewerNotes(c)
		return c
	}
	c.OverallConfidence = conf
	c.Level = evidence.LevelFor(conf)
	c.Approved = conf >= threshold && !vetoed(results)
	if c.Approved {
		c.State = StateApproved
	} else {
		c.State = StateRejected
	}
	c.ReviewerNotes = reviewerNotes(c)
	return c
}

func vetoed(results []Result) bool {
	for _, r := range results {
		if r.Method == MethodRule && r.Available && r.HardFail {
			return true
		}
	}
	return false
}

func collectFlags(results []Result) []string {
	flags := []string{}
	for _, r := range results {
		if !r.Available {
			flags = append(flags, string(r.Method)+"_unavailable")
			continue
		}
		flags = append(flags, r.Flags...)
	}
	return flags
}

func reviewerNotes(c Consensus) string {
	parts := make([]string, 0, len(c.Results)+2)
	for _, r := range c.Results {
		if !r.Available {
			parts = append(parts, fmt.Sprintf("%s: unavailable (%s)", r.Method, r.Error))
			continue
		}
		var warn, fail int
		for _, n := range r.Notes {
			switch n.Severity {
			case SeverityWarning:
				warn++
			case SeverityError:
				fail++
			}
		}
		parts = append(parts, fmt.Sprintf("%s: confidence=%.2f verdict=%s (%d errors, %d warnings)",
			r.Method, r.Confidence, r.Verdict, fail, warn))
	}
	if vetoed(c.Results) {
		parts = append(parts, "rule veto")
	}
	if len(c.Flags) > 0 {
		parts = append(parts, "flags: "+strings.Join(c.Flags, ", "))
	}
	return strings.Join(parts, " | ")
}

// Summarize converts c into the provenance validation summary stored on the
// evidence item.
func Summarize(c Consensus) evidence.ValidationSummary {
	return evidence.ValidationSummary{
		ValidatorKind:    "consensus",
		ValidatorVersion: c.ValidatedBy,
		Score:            c.OverallConfidence,
		Timestamp:        c.Timestamp,
		Notes:            c.ReviewerNotes,
	}
}

// Override records a manual decision over c. The automated results are kept
// for audit; only the verdict, notes and attribution change.
func Override(c Consensus, approved bool, notes, reviewer string, at time.Time) Consensus {
	out := c
	out.Approved = approved
	if approved {
		out.State = StateApproved
	} else {
		out.State = StateRejected
	}
	out.ReviewerNotes = fmt.Sprintf("[MANUAL OVERRIDE] %s (overridden by %s)", notes, reviewer)
	out.ValidatedBy = "manual:" + reviewer
	out.Timestamp = at.UTC()
	out.Flags = append(append([]string(nil), c.Flags...), "manual_override")
	return out
}

// Stats summarises a set of consensus records.
type Stats struct {
	Total             int                              `json:"total"`
	Approved          int                              `json:"approved"`
	Rejected          int                              `json:"rejected"`
	Held              int                              `json:"held"`
	AverageConfidence float64                          `json:"average_confidence"`
	Distribution      map[evidence.ConfidenceLevel]int `json:"confidence_distribution"`
	Unavailable       map[Method]int                   `json:"unavailable"`
}

// Tally computes Stats over cs. Held records are excluded from the
// average since they carry no confidence.
func Tally(cs []Consensus) Stats {
	s := Stats{
		Total:        len(cs),
		Distribution: map[evidence.ConfidenceLevel]int{},
		Unavailable:  map[Method]int{},
	}
	var sum float64
	var scored int
	for _, c := range cs {
		for _, r := range c.Results {
			if !r.Available {
				s.Unavailable[r.Method]++
			}
		}
		switch c.State {
		case StateApproved:
			s.Approved++
		case StateRejected:
			s.Rejected++
		default:
			s.Held++
			continue
		}
		sum += c.OverallConfidence
		scored++
		s.Distribution[c.Level]++
	}
	if scored > 0 {
		s.AverageConfidence = sum / float64(scored)
	}
	return s
}
