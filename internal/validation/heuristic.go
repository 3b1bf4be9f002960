package validation

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/gtixt/provenance/internal/evidence"
)

// Default heuristic parameters.
const (
	DefaultZThreshold = 3.0
	DefaultMinSamples = 3
)

// HeuristicValidator flags statistical anomalies. Its main signal is the
// z-score of an item's value against other evidence for the same firm and
// pillar; a set of content checks contributes a secondary anomaly score.
//
// Confidence is 1 - max(distribution anomaly, mean content anomaly)/100.
type HeuristicValidator struct {
	// ZThreshold is the z-score above which a value counts as an outlier.
	ZThreshold float64
	// MinSamples is the number of comparable values needed before the
	// distribution check runs.
	MinSamples int
	now        func() time.Time
}

// NewHeuristicValidator returns a HeuristicValidator with defaults applied to
// zero parameters.
func NewHeuristicValidator(zThreshold float64, minSamples int) *HeuristicValidator {
	if zThreshold <= 0 {
		zThreshold = DefaultZThreshold
	}
	if minSamples <= 1 {
		minSamples = DefaultMinSamples
	}
	return &HeuristicValidator{ZThreshold: zThreshold, MinSamples: minSamples, now: time.Now}
}

// WithClock returns a copy of v that reads the current time from now.
func (v *HeuristicValidator) WithClock(now func() time.Time) *HeuristicValidator {
	c := *v
	c.now = now
	return &c
}

// Method implements Validator.
func (v *HeuristicValidator) Method() Method { return MethodHeuristic }

// anomaly is one heuristic check result on a 0-100 scale.
type anomaly struct {
	check string
	score float64
	msg   string
}

func (a anomaly) severity() Severity {
	switch {
	case a.score > 70:
		return SeverityError
	case a.score > 30:
		return SeverityWarning
	}
	return SeverityInfo
}

// Validate implements Validator.
func (v *HeuristicValidator) Validate(_ context.Context, in Input) (Result, error) {
	it := in.Item
	if it == nil {
		return Result{}, fmt.Errorf("heuristic: nil item")
	}
	now := v.now().UTC()

	checks := []anomaly{
		checkImpactConfidence(it),
		checkSourceReliability(it),
		checkExtractionMethod(it),
		checkTemporalConsistency(it, now),
		checkClaimSpecificity(it),
		checkNumericalRange(it),
	}
	var sum float64
	var high int
	for _, c := range checks {
		sum += c.score
		if c.severity() == SeverityError {
			high++
		}
	}
	content := sum / float64(len(checks))

	dist, distNote := v.distribution(it, in.Related)
	worst := math.Max(dist, content)

	res := Result{
		Method:     MethodHeuristic,
		Available:  true,
		Confidence: clamp01(1 - worst/100),
		Verdict:    VerdictPass,
		Notes:      []Note{},
	}
	if distNote != nil {
		res.Notes = append(res.Notes, *distNote)
	}
	for _, c := range checks {
		if c.score > 0 {
			res.Notes = append(res.Notes, Note{Check: c.check, Severity: c.severity(), Message: c.msg})
		}
	}

	isAnomaly := content > 50 || high > 2 || dist >= 50
	if isAnomaly {
		res.Verdict = VerdictFail
		level := "medium"
		if worst > 75 {
			level = "high"
		}
		res.Flags = append(res.Flags, "anomaly_detected", "anomaly_level_"+level)
	} else if worst > 30 {
		res.Verdict = VerdictWarn
	}
	return res, nil
}

// distribution scores the item's value against comparable evidence. It
// returns 0 and no note when there are too few samples to judge.
func (v *HeuristicValidator) distribution(it *evidence.Item, related []*evidence.Item) (float64, *Note) {
	var vals []float64
	for _, r := range related {
		if r.ID == it.ID || r.FirmID != it.FirmID || r.PillarID != it.PillarID || r.Immutable.Retracted {
			continue
		}
		vals = append(vals, r.Value)
	}
	if len(vals) < v.MinSamples {
		return 0, nil
	}

	var mean float64
	for _, x := range vals {
		mean += x
	}
	mean /= float64(len(vals))
	var ss float64
	for _, x := range vals {
		ss += (x - mean) * (x - mean)
	}
	std := math.Sqrt(ss / float64(len(vals)))

	var z float64
	switch {
	case std > 0:
		z = math.Abs(it.Value-mean) / std
	case it.Value == mean:
		z = 0
	default:
		// Every sample agrees and this value does not.
		z = 2 * v.ZThreshold
	}

	score := 0.0
	if z > v.ZThreshold {
		score = math.Min(100, 50+50*(z-v.ZThreshold)/v.ZThreshold)
	}
	note := &Note{
		Check:    "h_value_zscore",
		Severity: SeverityInfo,
		Message:  fmt.Sprintf("z=%.2f against %d comparable values (mean %.2f, sd %.2f)", z, len(vals), mean, std),
	}
	if score > 0 {
		note.Severity = SeverityError
	}
	return score, note
}

func confidenceRank(c evidence.ConfidenceLevel) float64 {
	switch c {
	case evidence.ConfidenceHigh:
		return 3
	case evidence.ConfidenceMedium:
		return 2
	case evidence.ConfidenceLow:
		return 1
	}
	return 2
}

func checkImpactConfidence(it *evidence.Item) anomaly {
	impact := math.Abs(it.Value)
	conf := confidenceRank(it.Confidence)
	var score float64
	if impact > 5 && conf < 2 {
		score = math.Min(100, (impact-5+conf)*20)
	}
	return anomaly{"h_impact_confidence", score, fmt.Sprintf("impact %.1f with %s confidence", impact, it.Confidence)}
}

var (
	sourceRedFlags  = []string{"bit.ly", "tinyurl", "jmp.click", "xn--", "localhost", "127.0.0.1", "test", "staging"}
	sourceKnownGood = []string{"sec", "finra", "nasdaq", "nyse", "reuters", "bloomberg", "cftc", "fca"}
)

func checkSourceReliability(it *evidence.Item) anomaly {
	src := strings.ToLower(it.Source)
	var flags int
	for _, f := range sourceRedFlags {
		if strings.Contains(src, f) {
			flags++
		}
	}
	known := false
	for _, d := range sourceKnownGood {
		if strings.Contains(src, d) {
			known = true
			break
		}
	}
	score := float64(flags * 20)
	if !known {
		score += 15
	}
	return anomaly{"h_source_reliability", math.Min(100, score), fmt.Sprintf("%d suspicious source pattern(s), known domain=%t", flags, known)}
}

func checkExtractionMethod(it *evidence.Item) anomaly {
	m := it.Provenance.ExtractionMethod
	var score float64
	switch {
	case m == evidence.ExtractionLLM && it.Confidence == evidence.ConfidenceLow:
		score = 40
	case m == evidence.ExtractionRegex && it.Confidence == evidence.ConfidenceHigh:
		score = 30
	case m == evidence.ExtractionScraping && it.Confidence == evidence.ConfidenceHigh:
		score = 25
	}
	return anomaly{"h_extraction_method", score, fmt.Sprintf("%s extraction with %s confidence", m, it.Confidence)}
}

func checkTemporalConsistency(it *evidence.Item, now time.Time) anomaly {
	days := now.Sub(it.Provenance.ExtractionTimestamp).Hours() / 24
	impact := math.Abs(it.Value)
	maxImpact := 10.0
	switch {
	case days > 365:
		maxImpact = 1
	case days > 180:
		maxImpact = 3
	}
	var score float64
	if impact > maxImpact {
		score = math.Min(100, (impact-maxImpact)*15)
	}
	return anomaly{"h_temporal_consistency", score, fmt.Sprintf("evidence age %.0f days with impact %.1f", days, impact)}
}

var vagueTerms = []string{"might", "could", "possibly", "allegedly", "reportedly", "seemingly", "rumour", "rumor"}

func checkClaimSpecificity(it *evidence.Item) anomaly {
	words := strings.Fields(strings.ToLower(it.Description))
	var vague int
	for _, w := range words {
		w = strings.Trim(w, ".,;:!?\"'()")
		for _, t := range vagueTerms {
			if w == t {
				vague++
			}
		}
	}
	allowed := map[evidence.ConfidenceLevel]int{
		evidence.ConfidenceHigh:   0,
		evidence.ConfidenceMedium: 1,
		evidence.ConfidenceLow:    3,
	}[it.Confidence]
	var score float64
	if vague > allowed {
		score = math.Min(100, float64(vague-allowed)*20)
	}
	return anomaly{"h_claim_specificity", score, fmt.Sprintf("%d vague term(s) for %s confidence", vague, it.Confidence)}
}

// expectedImpact is the typical |value| range per evidence type.
var expectedImpact = map[evidence.Type][2]float64{
	evidence.TypeRegulatoryFiling: {0.5, 8},
	evidence.TypeAudit:            {0.5, 6},
	evidence.TypeNews:             {0.5, 4},
	evidence.TypeLitigation:       {1, 8},
	evidence.TypeFinancialReport:  {0.5, 6},
	evidence.TypeDisclosure:       {0.5, 5},
}

func checkNumericalRange(it *evidence.Item) anomaly {
	rng, ok := expectedImpact[it.Type]
	if !ok {
		rng = [2]float64{0.5, 5}
	}
	impact := math.Abs(it.Value)
	var score float64
	switch {
	case impact < rng[0]:
		score = (rng[0] - impact) * 15
	case impact > rng[1]:
		score = (impact - rng[1]) * 15
	}
	return anomaly{"h_numerical_range", math.Min(100, score), fmt.Sprintf("impact %.1f for %s (expected %.1f-%.1f)", impact, it.Type, rng[0], rng[1])}
}
