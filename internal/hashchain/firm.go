package hashchain

import "time"

// FirmInput is everything needed to commit one firm on one snapshot date.
type FirmInput struct {
	FirmID       string
	SnapshotDate time.Time
	FinalScore   float64
	Pillars      []*PillarHash
	Aggregation  Methodology
}

// FirmHash is the commitment over all of a firm's pillar hashes.
type FirmHash struct {
	FirmID          string      `json:"firm_id"`
	SnapshotDate    time.Time   `json:"snapshot_date"`
	FinalScore      float64     `json:"final_score"`
	Pillars         []Ref       `json:"pillars"`
	Aggregation     Methodology `json:"aggregation"`
	PillarsHash     string      `json:"pillars_hash"`
	AggregationHash string      `json:"aggregation_hash"`
	Hash            string      `json:"hash"`
}

// Ref returns the reference a dataset uses to commit to f.
func (f *FirmHash) Ref() Ref { return Ref{ID: f.FirmID, Hash: f.Hash} }

// HashFirm commits to in. Pillar hashes must already be computed.
func HashFirm(in FirmInput) *FirmHash {
	refs := make([]Ref, len(in.Pillars))
	for i, p := range in.Pillars {
		refs[i] = p.Ref()
	}
	return hashFirmRefs(in.FirmID, in.SnapshotDate, in.FinalScore, refs, in.Aggregation)
}

func hashFirmRefs(firmID string, date time.Time, score float64, refs []Ref, agg Methodology) *FirmHash {
	refs = sortedRefs(refs)
	pillarsH := listHash(refs)
	aggH := agg.hash(score)
	return &FirmHash{
		FirmID:          firmID,
		SnapshotDate:    date.UTC(),
		FinalScore:      score,
		Pillars:         refs,
		Aggregation:     agg,
		PillarsHash:     pillarsH,
		AggregationHash: aggH,
		Hash: hashFields(tagFirm, firmID, FormatTime(date),
			FormatNumber(score), pillarsH, aggH),
	}
}

// VerifyFirmHash recomputes f from its recorded pillar references. When
// pillars is non-nil, each supplied pillar must also verify independently and
// match the reference f recorded for it, and every reference must be covered.
func VerifyFirmHash(f *FirmHash, pillars []*PillarHash) bool {
	if f == nil || CheckRefs(f.Pillars) != nil ||
		!validText(f.FirmID) || !f.Aggregation.validText() {
		return false
	}
	got := hashFirmRefs(f.FirmID, f.SnapshotDate, f.FinalScore, f.Pillars, f.Aggregation)
	ok := got.Hash == f.Hash && got.PillarsHash == f.PillarsHash && got.AggregationHash == f.AggregationHash
	if pillars == nil {
		return ok
	}
	if len(pillars) != len(f.Pillars) {
		return false
	}
	want := make(map[string]string, len(f.Pillars))
	for _, r := range f.Pillars {
		want[r.ID] = r.Hash
	}
	for _, p := range pillars {
		if !VerifyPillarHash(p) || p.FirmID != f.FirmID || want[p.PillarID] != p.Hash {
			ok = false
		}
		delete(want, p.PillarID)
	}
	return ok && len(want) == 0
}
