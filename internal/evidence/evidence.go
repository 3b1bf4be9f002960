// Package evidence defines the atomic observations that feed a firm's score
// together with the provenance record attached to each one.
//
// An Item is mutable only until it is locked. Once Immutability.Locked is set
// the item's content and hash are frozen; corrections are expressed by
// creating a new Item via Supersede, which marks the predecessor as retracted
// and links the two records.
package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

// Type is the kind of evidence an Item records.
type Type string

const (
	TypeRegulatoryFiling Type = "regulatory_filing"
	TypeAudit            Type = "audit"
	TypeNews             Type = "news"
	TypeLitigation       Type = "litigation"
	TypeFinancialReport  Type = "financial_report"
	TypeDisclosure       Type = "disclosure"
)

// Valid reports whether t is one of the known evidence types.
func (t Type) Valid() bool {
	switch t {
	case TypeRegulatoryFiling, TypeAudit, TypeNews, TypeLitigation, TypeFinancialReport, TypeDisclosure:
		return true
	}
	return false
}

// ConfidenceLevel is the coarse confidence label carried by an Item.
type ConfidenceLevel string

const (
	ConfidenceHigh   ConfidenceLevel = "high"
	ConfidenceMedium ConfidenceLevel = "medium"
	ConfidenceLow    ConfidenceLevel = "low"
)

// LevelFor maps a 0-1 confidence score to its label.
//
//	≥ 0.85 → high
//	≥ 0.60 → medium
//	else   → low
func LevelFor(score float64) ConfidenceLevel {
	switch {
	case score >= 0.85:
		return ConfidenceHigh
	case score >= 0.60:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// SourceSystem identifies the collector that produced the raw evidence.
type SourceSystem string

const (
	SourceCrawler      SourceSystem = "crawler"
	SourceIntegration  SourceSystem = "integration"
	SourceManualReview SourceSystem = "manual_review"
)

// ExtractionMethod is how the evidence was pulled out of its source.
type ExtractionMethod string

const (
	ExtractionRegex    ExtractionMethod = "regex"
	ExtractionLLM      ExtractionMethod = "llm"
	ExtractionManual   ExtractionMethod = "manual"
	ExtractionAPI      ExtractionMethod = "api"
	ExtractionScraping ExtractionMethod = "scraping"
)

// ErrLocked is returned when a caller attempts to modify a locked Item.
var ErrLocked = errors.New("evidence item is locked")

// ErrRetracted is returned when superseding an Item that was already retracted.
var ErrRetracted = errors.New("evidence item is already retracted")

// ErrInvalidText is returned for an Item carrying a string that is not valid
// UTF-8.
var ErrInvalidText = errors.New("evidence item text is not valid UTF-8")

// TransformationStep is one entry in an Item's transformation chain.
type TransformationStep struct {
	Step         int       `json:"step"`
	Operation    string    `json:"operation"`
	InputHash    string    `json:"input_hash"`
	OutputHash   string    `json:"output_hash"`
	AgentID      string    `json:"agent_id"`
	AgentVersion string    `json:"agent_version"`
	Timestamp    time.Time `json:"timestamp"`
}

// ValidationSummary is the outcome of consensus validation recorded in the
// provenance of an admitted Item.
type ValidationSummary struct {
	ValidatorKind    string    `json:"validator_kind"`
	ValidatorVersion string    `json:"validator_version"`
	Score            float64   `json:"score"`
	Timestamp        time.Time `json:"timestamp"`
	Notes            string    `json:"notes,omitempty"`
}

// Provenance records where an Item came from and what was done to it.
type Provenance struct {
	SourceSystem        SourceSystem         `json:"source_system"`
	SourceURL           string               `json:"source_url"`
	ExtractionMethod    ExtractionMethod     `json:"extraction_method"`
	ExtractionTimestamp time.Time            `json:"extraction_timestamp"`
	TransformationChain []TransformationStep `json:"transformation_chain"`
	Validation          *ValidationSummary   `json:"validation,omitempty"`
	RawDataHash         string               `json:"raw_data_hash"`
}

// Immutability tracks the lock and retraction state of an Item.
type Immutability struct {
	Locked      bool       `json:"locked"`
	LockedAt    *time.Time `json:"locked_at,omitempty"`
	Retracted   bool       `json:"retracted"`
	RetractedAt *time.Time `json:"retracted_at,omitempty"`
	// Supersedes is the ID of the retracted predecessor, if any.
	Supersedes string `json:"supersedes,omitempty"`
	// SupersededBy is the ID of the correcting record, if any.
	SupersededBy string `json:"superseded_by,omitempty"`
}

// Item is one atomic observation about a firm.
type Item struct {
	ID          string          `json:"id"`
	FirmID      string          `json:"firm_id"`
	PillarID    string          `json:"pillar_id"`
	Type        Type            `json:"type"`
	Description string          `json:"description"`
	Confidence  ConfidenceLevel `json:"confidence"`
	Timestamp   time.Time       `json:"timestamp"`
	Source      string          `json:"source"`
	// Value is the item's impact on the score.
	Value        float64      `json:"value"`
	Provenance   Provenance   `json:"provenance"`
	EvidenceHash string       `json:"evidence_hash,omitempty"`
	Immutable    Immutability `json:"immutable"`
}

// Locked reports whether the item has been frozen.
func (it *Item) Locked() bool { return it.Immutable.Locked }

// ApplyValidation records the consensus outcome in the item's provenance.
// Only the provenance validation field is touched; the raw content never is.
func (it *Item) ApplyValidation(v ValidationSummary) error {
	if it.Immutable.Locked {
		return fmt.Errorf("apply validation to %s: %w", it.ID, ErrLocked)
	}
	it.Provenance.Validation = &v
	return nil
}

// AppendTransformation adds a step to the transformation chain. The step
// index is assigned from the current chain length.
func (it *Item) AppendTransformation(step TransformationStep) error {
	if it.Immutable.Locked {
		return fmt.Errorf("append transformation to %s: %w", it.ID, ErrLocked)
	}
	step.Step = len(it.Provenance.TransformationChain)
	it.Provenance.TransformationChain = append(it.Provenance.TransformationChain, step)
	return nil
}

// Lock freezes the item and records its committed hash.
func (it *Item) Lock(hash string, at time.Time) error {
	if it.Immutable.Locked {
		return fmt.Errorf("lock %s: %w", it.ID, ErrLocked)
	}
	at = at.UTC()
	it.EvidenceHash = hash
	it.Immutable.Locked = true
	it.Immutable.LockedAt = &at
	return nil
}

// Clone returns a deep copy of the item.
func (it *Item) Clone() *Item {
	c := *it
	if it.Provenance.TransformationChain != nil {
		c.Provenance.TransformationChain = append([]TransformationStep(nil), it.Provenance.TransformationChain...)
	}
	if it.Provenance.Validation != nil {
		v := *it.Provenance.Validation
		c.Provenance.Validation = &v
	}
	if it.Immutable.LockedAt != nil {
		t := *it.Immutable.LockedAt
		c.Immutable.LockedAt = &t
	}
	if it.Immutable.RetractedAt != nil {
		t := *it.Immutable.RetractedAt
		c.Immutable.RetractedAt = &t
	}
	return &c
}

// Retract marks the item as withdrawn. by names the correcting record and
// may be empty for a plain withdrawal. Content and hash are left untouched.
func (it *Item) Retract(by string, at time.Time) error {
	if it.Immutable.Retracted {
		return fmt.Errorf("retract %s: %w", it.ID, ErrRetracted)
	}
	at = at.UTC()
	it.Immutable.Retracted = true
	it.Immutable.RetractedAt = &at
	it.Immutable.SupersededBy = by
	return nil
}

// Supersede retracts old and returns correction linked to it. The predecessor
// keeps its content and hash so it stays verifiable in history; only its
// retraction markers change. The correction is returned unlocked so it can
// pass through validation before being committed.
func Supersede(old, correction *Item, at time.Time) (*Item, error) {
	if old.Immutable.Retracted {
		return nil, fmt.Errorf("supersede %s: %w", old.ID, ErrRetracted)
	}
	if correction.Immutable.Locked {
		return nil, fmt.Errorf("supersede %s with %s: %w", old.ID, correction.ID, ErrLocked)
	}
	if correction.ID == old.ID {
		return nil, fmt.Errorf("supersede %s: correction must carry a new id", old.ID)
	}
	if err := old.Retract(correction.ID, at); err != nil {
		return nil, err
	}

	next := correction.Clone()
	next.Immutable.Supersedes = old.ID
	if next.FirmID == "" {
		next.FirmID = old.FirmID
	}
	if next.PillarID == "" {
		next.PillarID = old.PillarID
	}
	return next, nil
}

// CheckText returns ErrInvalidText naming the first committed string field
// that is not valid UTF-8.
func (it *Item) CheckText() error {
	p := it.Provenance
	check := func(field, v string) error {
		if utf8.ValidString(v) {
			return nil
		}
		return fmt.Errorf("%s field %s: %w", it.ID, field, ErrInvalidText)
	}
	fields := [][2]string{
		{"id", it.ID},
		{"firm_id", it.FirmID},
		{"pillar_id", it.PillarID},
		{"type", string(it.Type)},
		{"description", it.Description},
		{"confidence", string(it.Confidence)},
		{"source", it.Source},
		{"supersedes", it.Immutable.Supersedes},
		{"source_system", string(p.SourceSystem)},
		{"source_url", p.SourceURL},
		{"extraction_method", string(p.ExtractionMethod)},
		{"raw_data_hash", p.RawDataHash},
	}
	for i, st := range p.TransformationChain {
		prefix := fmt.Sprintf("transformation_chain[%d].", i)
		fields = append(fields,
			[2]string{prefix + "operation", st.Operation},
			[2]string{prefix + "input_hash", st.InputHash},
			[2]string{prefix + "output_hash", st.OutputHash},
			[2]string{prefix + "agent_id", st.AgentID},
			[2]string{prefix + "agent_version", st.AgentVersion},
		)
	}
	if v := p.Validation; v != nil {
		fields = append(fields,
			[2]string{"validation.validator_kind", v.ValidatorKind},
			[2]string{"validation.validator_version", v.ValidatorVersion},
			[2]string{"validation.notes", v.Notes},
		)
	}
	for _, f := range fields {
		if err := check(f[0], f[1]); err != nil {
			return err
		}
	}
	return nil
}

// RawDataHash returns the hex SHA-256 of an untouched source payload.
func RawDataHash(payload []byte) string {
	h := sha256.Sum256(payload)
	return hex.EncodeToString(h[:])
}
