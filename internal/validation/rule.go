package validation

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/gtixt/provenance/internal/evidence"
)

// RuleSetVersion identifies the rule catalogue below. Bump it whenever a rule
// is added, removed or changes meaning.
const RuleSetVersion = "2026.1"

// rule is one deterministic business rule. A rule with no types applies to
// every evidence type. A failing rule that is not a warning is a hard fail.
type rule struct {
	id      string
	version string
	types   []evidence.Type
	warning bool
	message string
	check   func(it *evidence.Item, now time.Time) bool
}

func (r rule) appliesTo(t evidence.Type) bool {
	if len(r.types) == 0 {
		return true
	}
	for _, x := range r.types {
		if x == t {
			return true
		}
	}
	return false
}

// RuleValidator scores evidence against a fixed, versioned rule catalogue.
// Each applicable rule contributes 1 when it passes and 0 when it fails; the
// confidence is the pass ratio.
type RuleValidator struct {
	rules []rule
	now   func() time.Time
}

// NewRuleValidator returns a RuleValidator loaded with the default catalogue.
func NewRuleValidator() *RuleValidator {
	return &RuleValidator{
		rules: []rule{
			ruleSourceAllowListed,
			ruleSourceNotExpired,
			ruleDescriptionLength,
			ruleExtractionDateValid,
			ruleConfidenceConsistency,
			ruleProvenanceComplete,
			ruleImpactInRange,
			ruleRegulatoryFilingFormat,
		},
		now: time.Now,
	}
}

// WithClock returns a copy of v that reads the current time from now.
func (v *RuleValidator) WithClock(now func() time.Time) *RuleValidator {
	c := *v
	c.now = now
	return &c
}

// Method implements Validator.
func (v *RuleValidator) Method() Method { return MethodRule }

// Validate implements Validator.
func (v *RuleValidator) Validate(_ context.Context, in Input) (Result, error) {
	if in.Item == nil {
		return Result{}, fmt.Errorf("rule: nil item")
	}
	now := v.now().UTC()
	res := Result{Method: MethodRule, Available: true, Notes: []Note{}}

	var applied, passed int
	var warned bool
	for _, r := range v.rules {
		if !r.appliesTo(in.Item.Type) {
			continue
		}
		applied++
		if r.check(in.Item, now) {
			passed++
			continue
		}
		sev := SeverityError
		if r.warning {
			sev = SeverityWarning
			warned = true
		} else {
			res.HardFail = true
		}
		res.Notes = append(res.Notes, Note{Check: r.id + "@" + r.version, Severity: sev, Message: r.message})
		res.Flags = append(res.Flags, "rule_failed_"+r.id)
	}

	if applied == 0 {
		return Result{}, fmt.Errorf("rule: no rule applies to type %q: %w", in.Item.Type, ErrUnavailable)
	}
	res.Confidence = float64(passed) / float64(applied)
	switch {
	case res.HardFail:
		res.Verdict = VerdictFail
	case warned:
		res.Verdict = VerdictWarn
	default:
		res.Verdict = VerdictPass
	}
	return res, nil
}

// ── Rules ─────────────────────────────────────────────────────────────────────

// allowListedDomains groups the source domains accepted as official or
// credible by class.
var allowListedDomains = map[string][]string{
	"regulator": {"sec.gov", "finra.org", "cftc.gov", "nfa.futures.org", "fca.org.uk", "esma.europa.eu"},
	"filings":   {"sec.report"},
	"wire":      {"reuters.com", "bloomberg.com", "marketwatch.com"},
}

// DomainClass returns the allow-list class of rawURL's host, or "" when the
// host is not allow-listed. Subdomains of a listed domain match.
func DomainClass(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Hostname() == "" {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	for class, domains := range allowListedDomains {
		for _, d := range domains {
			if host == d || strings.HasSuffix(host, "."+d) {
				return class
			}
		}
	}
	return ""
}

var ruleSourceAllowListed = rule{
	id:      "r_source_official",
	version: "1.1",
	types:   []evidence.Type{evidence.TypeRegulatoryFiling, evidence.TypeNews},
	message: "source URL does not resolve to an allow-listed domain class",
	check: func(it *evidence.Item, _ time.Time) bool {
		return DomainClass(it.Source) != ""
	},
}

var ruleSourceNotExpired = rule{
	id:      "r_source_not_expired",
	version: "1.0",
	types:   []evidence.Type{evidence.TypeRegulatoryFiling, evidence.TypeDisclosure},
	warning: true,
	message: "source information is older than one year",
	check: func(it *evidence.Item, now time.Time) bool {
		return now.Sub(it.Provenance.ExtractionTimestamp) < 365*24*time.Hour
	},
}

var ruleDescriptionLength = rule{
	id:      "r_description_length",
	version: "1.0",
	message: "description is shorter than 20 characters",
	check: func(it *evidence.Item, _ time.Time) bool {
		return len([]rune(strings.TrimSpace(it.Description))) >= 20
	},
}

var ruleExtractionDateValid = rule{
	id:      "r_extraction_date_valid",
	version: "1.0",
	message: "extraction date is in the future or before 1990",
	check: func(it *evidence.Item, now time.Time) bool {
		ts := it.Provenance.ExtractionTimestamp
		return !ts.After(now) && ts.Year() >= 1990
	},
}

var ruleConfidenceConsistency = rule{
	id:      "r_confidence_consistency",
	version: "1.0",
	warning: true,
	message: "confidence label is inconsistent with impact magnitude",
	check: func(it *evidence.Item, _ time.Time) bool {
		impact := math.Abs(it.Value)
		switch it.Confidence {
		case evidence.ConfidenceHigh:
			return true
		case evidence.ConfidenceMedium:
			return impact <= 5
		case evidence.ConfidenceLow:
			return impact <= 2
		}
		return false
	},
}

var ruleProvenanceComplete = rule{
	id:      "r_provenance_complete",
	version: "1.0",
	warning: true,
	message: "provenance chain is incomplete",
	check: func(it *evidence.Item, _ time.Time) bool {
		p := it.Provenance
		return len(p.TransformationChain) > 0 && p.RawDataHash != "" && p.SourceURL != ""
	},
}

var ruleImpactInRange = rule{
	id:      "r_impact_in_range",
	version: "1.0",
	message: "impact value is outside [-10, 10]",
	check: func(it *evidence.Item, _ time.Time) bool {
		return !math.IsNaN(it.Value) && it.Value >= -10 && it.Value <= 10
	},
}

// regulatoryFormats are filing form names a regulatory filing is expected to
// mention.
var regulatoryFormats = []string{"10-K", "10-Q", "8-K", "S-1", "DEF 14A", "Form ADV", "Form BD", "13F"}

var ruleRegulatoryFilingFormat = rule{
	id:      "r_regulatory_filing_format",
	version: "1.0",
	types:   []evidence.Type{evidence.TypeRegulatoryFiling},
	warning: true,
	message: "regulatory filing format not recognised",
	check: func(it *evidence.Item, _ time.Time) bool {
		for _, f := range regulatoryFormats {
			if strings.Contains(it.Description, f) {
				return true
			}
		}
		return false
	},
}
