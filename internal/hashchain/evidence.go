package hashchain

import "github.com/gtixt/provenance/internal/evidence"

type canonicalStep struct {
	Step         string `json:"step"`
	Operation    string `json:"operation"`
	InputHash    string `json:"input_hash"`
	OutputHash   string `json:"output_hash"`
	AgentID      string `json:"agent_id"`
	AgentVersion string `json:"agent_version"`
	Timestamp    string `json:"timestamp"`
}

type canonicalValidation struct {
	ValidatorKind    string `json:"validator_kind"`
	ValidatorVersion string `json:"validator_version"`
	Score            string `json:"score"`
	Timestamp        string `json:"timestamp"`
	Notes            string `json:"notes"`
}

type canonicalProvenance struct {
	SourceSystem        string               `json:"source_system"`
	SourceURL           string               `json:"source_url"`
	ExtractionMethod    string               `json:"extraction_method"`
	ExtractionTimestamp string               `json:"extraction_timestamp"`
	TransformationChain []canonicalStep      `json:"transformation_chain"`
	Validation          *canonicalValidation `json:"validation"`
	RawDataHash         string               `json:"raw_data_hash"`
}

type canonicalEvidence struct {
	ID          string              `json:"id"`
	FirmID      string              `json:"firm_id"`
	PillarID    string              `json:"pillar_id"`
	Type        string              `json:"type"`
	Description string              `json:"description"`
	Confidence  string              `json:"confidence"`
	Timestamp   string              `json:"timestamp"`
	Source      string              `json:"source"`
	Value       string              `json:"value"`
	Supersedes  string              `json:"supersedes"`
	Provenance  canonicalProvenance `json:"provenance"`
}

// CanonicalEvidence returns the byte sequence HashEvidence commits to.
//
// The committed hash and the lock/retraction markers are excluded: they are
// outputs of committing, and retraction happens after the fact without
// altering what was committed. The predecessor link is included because it is
// fixed when the correcting record is created.
func CanonicalEvidence(it *evidence.Item) []byte {
	p := it.Provenance
	steps := make([]canonicalStep, len(p.TransformationChain))
	for i, s := range p.TransformationChain {
		steps[i] = canonicalStep{
			Step:         FormatNumber(float64(s.Step)),
			Operation:    s.Operation,
			InputHash:    s.InputHash,
			OutputHash:   s.OutputHash,
			AgentID:      s.AgentID,
			AgentVersion: s.AgentVersion,
			Timestamp:    FormatTime(s.Timestamp),
		}
	}
	var v *canonicalValidation
	if p.Validation != nil {
		v = &canonicalValidation{
			ValidatorKind:    p.Validation.ValidatorKind,
			ValidatorVersion: p.Validation.ValidatorVersion,
			Score:            FormatNumber(p.Validation.Score),
			Timestamp:        FormatTime(p.Validation.Timestamp),
			Notes:            p.Validation.Notes,
		}
	}
	return Canonical(canonicalEvidence{
		ID:          it.ID,
		FirmID:      it.FirmID,
		PillarID:    it.PillarID,
		Type:        string(it.Type),
		Description: it.Description,
		Confidence:  string(it.Confidence),
		Timestamp:   FormatTime(it.Timestamp),
		Source:      it.Source,
		Value:       FormatNumber(it.Value),
		Supersedes:  it.Immutable.Supersedes,
		Provenance: canonicalProvenance{
			SourceSystem:        string(p.SourceSystem),
			SourceURL:           p.SourceURL,
			ExtractionMethod:    string(p.ExtractionMethod),
			ExtractionTimestamp: FormatTime(p.ExtractionTimestamp),
			TransformationChain: steps,
			Validation:          v,
			RawDataHash:         p.RawDataHash,
		},
	})
}

// HashEvidence returns the evidence-level hash of it.
func HashEvidence(it *evidence.Item) string {
	return sha256Hex(CanonicalEvidence(it))
}

// VerifyEvidenceHash reports whether it recomputes to claimed. An item with
// text that is not valid UTF-8 never verifies: its canonical form would not
// be the bytes it carries.
func VerifyEvidenceHash(it *evidence.Item, claimed string) bool {
	return claimed != "" && it.CheckText() == nil && HashEvidence(it) == claimed
}

// EvidenceRef returns the reference a pillar uses to commit to it. The
// recomputed hash is used, not the stored one.
func EvidenceRef(it *evidence.Item) Ref {
	return Ref{ID: it.ID, Hash: HashEvidence(it)}
}
