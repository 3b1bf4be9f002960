package validation

import (
	"context"
	"fmt"
	"math"

	"github.com/gtixt/provenance/internal/evidence"
)

// consistency classifies how a related item relates to the one under review.
type consistency int

const (
	neutral consistency = iota
	agreement
	conflict
)

// CrossReferenceValidator checks an item against other evidence for the same
// firm. Agreeing items raise confidence and contradicting items lower it.
// With no related evidence the method is unavailable.
type CrossReferenceValidator struct{}

// NewCrossReferenceValidator returns a CrossReferenceValidator.
func NewCrossReferenceValidator() *CrossReferenceValidator { return &CrossReferenceValidator{} }

// Method implements Validator.
func (v *CrossReferenceValidator) Method() Method { return MethodCrossReference }

// Validate implements Validator.
func (v *CrossReferenceValidator) Validate(_ context.Context, in Input) (Result, error) {
	it := in.Item
	if it == nil {
		return Result{}, fmt.Errorf("cross-reference: nil item")
	}
	var related []*evidence.Item
	for _, r := range in.Related {
		if r.ID != it.ID && r.FirmID == it.FirmID && !r.Immutable.Retracted {
			related = append(related, r)
		}
	}
	if len(related) == 0 {
		return Result{}, fmt.Errorf("cross-reference: no related evidence for firm %s: %w", it.FirmID, ErrUnavailable)
	}

	res := Result{Method: MethodCrossReference, Available: true, Notes: []Note{}, Verdict: VerdictPass}
	var agree, disagree int
	for _, r := range related {
		kind, score := compare(it, r)
		switch kind {
		case agreement:
			agree++
		case conflict:
			disagree++
			if c := 100 - score; c > 30 {
				sev := SeverityWarning
				if c > 70 {
					sev = SeverityError
				}
				res.Notes = append(res.Notes, Note{
					Check:    "x_conflict_" + r.ID,
					Severity: sev,
					Message:  fmt.Sprintf("claims impact %+.1f while %s claims %+.1f", it.Value, r.ID, r.Value),
				})
				res.Flags = append(res.Flags, "conflict_with_"+r.ID)
			}
		}
	}

	n := float64(len(related))
	metric := float64(agree)/n*100 - float64(disagree)/n*50
	res.Confidence = clamp01(metric / 100)
	switch {
	case len(res.Flags) > 0:
		res.Verdict = VerdictFail
	case disagree > 0:
		res.Verdict = VerdictWarn
	}
	return res, nil
}

func direction(v float64) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}

// compare scores the consistency of a with b on a 0-100 scale starting from a
// neutral 50.
func compare(a, b *evidence.Item) (consistency, float64) {
	score := 50.0
	kind := neutral

	da, db := direction(a.Value), direction(b.Value)
	switch {
	case da == 0 || db == 0:
	case da == db:
		score += 20
		kind = agreement
	default:
		score -= 25
		kind = conflict
	}

	switch diff := math.Abs(math.Abs(a.Value) - math.Abs(b.Value)); {
	case diff <= 1:
		score += 15
	case diff <= 3:
		score += 5
	default:
		score -= 10
	}

	switch d := math.Abs(confidenceRank(a.Confidence) - confidenceRank(b.Confidence)); {
	case d == 0:
		score += 10
	case d <= 1:
		score += 5
	}

	days := math.Abs(a.Provenance.ExtractionTimestamp.Sub(b.Provenance.ExtractionTimestamp).Hours() / 24)
	switch {
	case days <= 1:
		score += 10
	case days <= 30:
		score += 5
	case days > 180:
		score -= 5
	}
	return kind, math.Max(0, math.Min(100, score))
}
