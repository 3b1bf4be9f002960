package hashchain

// Methodology describes the scoring computation a level's numbers came from.
// It is committed so that a change of formula or weights changes the hash
// even when the numeric output happens to stay the same.
type Methodology struct {
	Formula string             `json:"formula"`
	Version string             `json:"version"`
	Params  map[string]float64 `json:"params,omitempty"`
}

func (m Methodology) validText() bool {
	if !validText(m.Formula, m.Version) {
		return false
	}
	for k := range m.Params {
		if !validText(k) {
			return false
		}
	}
	return true
}

func (m Methodology) hash(weight float64) string {
	return sha256Hex(Canonical(struct {
		Formula string            `json:"formula"`
		Version string            `json:"version"`
		Weight  string            `json:"weight"`
		Params  map[string]string `json:"params"`
	}{m.Formula, m.Version, FormatNumber(weight), canonicalParams(m.Params)}))
}

// PillarInput is everything needed to commit one pillar of one firm.
type PillarInput struct {
	FirmID      string
	PillarID    string
	Weight      float64
	Score       float64
	Evidence    []Ref
	Methodology Methodology
}

// PillarHash is the commitment over one pillar's evidence and sub-score.
type PillarHash struct {
	FirmID           string      `json:"firm_id"`
	PillarID         string      `json:"pillar_id"`
	Weight           float64     `json:"weight"`
	Score            float64     `json:"score"`
	Evidence         []Ref       `json:"evidence"`
	Methodology      Methodology `json:"methodology"`
	EvidenceListHash string      `json:"evidence_list_hash"`
	ComputationHash  string      `json:"computation_hash"`
	Hash             string      `json:"hash"`
}

// Ref returns the reference a firm uses to commit to p.
func (p *PillarHash) Ref() Ref { return Ref{ID: p.PillarID, Hash: p.Hash} }

// HashPillar commits to in. Evidence references are sorted by id first.
func HashPillar(in PillarInput) *PillarHash {
	refs := sortedRefs(in.Evidence)
	listH := listHash(refs)
	compH := in.Methodology.hash(in.Weight)
	return &PillarHash{
		FirmID:           in.FirmID,
		PillarID:         in.PillarID,
		Weight:           in.Weight,
		Score:            in.Score,
		Evidence:         refs,
		Methodology:      in.Methodology,
		EvidenceListHash: listH,
		ComputationHash:  compH,
		Hash: hashFields(tagPillar, in.FirmID, in.PillarID,
			FormatNumber(in.Weight), FormatNumber(in.Score), listH, compH),
	}
}

// VerifyPillarHash recomputes p from its recorded inputs and compares every
// derived field. A pillar with a malformed evidence reference or text that is
// not valid UTF-8 never verifies.
func VerifyPillarHash(p *PillarHash) bool {
	if p == nil || CheckRefs(p.Evidence) != nil ||
		!validText(p.FirmID, p.PillarID) || !p.Methodology.validText() {
		return false
	}
	got := HashPillar(PillarInput{
		FirmID:      p.FirmID,
		PillarID:    p.PillarID,
		Weight:      p.Weight,
		Score:       p.Score,
		Evidence:    p.Evidence,
		Methodology: p.Methodology,
	})
	return got.Hash == p.Hash &&
		got.EvidenceListHash == p.EvidenceListHash &&
		got.ComputationHash == p.ComputationHash
}
