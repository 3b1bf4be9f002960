package hashchain

import "github.com/gtixt/provenance/internal/evidence"

// Level names a tier of the hierarchy.
type Level string

const (
	LevelEvidence Level = "evidence"
	LevelPillar   Level = "pillar"
	LevelFirm     Level = "firm"
	LevelDataset  Level = "dataset"
)

// Failure is one mismatch found while verifying a hierarchy.
type Failure struct {
	Level  Level  `json:"level"`
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// HierarchyReport collects every mismatch found by VerifyHierarchy.
type HierarchyReport struct {
	Valid    bool      `json:"valid"`
	Checked  int       `json:"checked"`
	Failures []Failure `json:"failures"`
}

func (r *HierarchyReport) fail(level Level, id, reason string) {
	r.Valid = false
	r.Failures = append(r.Failures, Failure{Level: level, ID: id, Reason: reason})
}

// Hierarchy is a full set of committed records for one snapshot.
type Hierarchy struct {
	Items       []*evidence.Item
	Pillars     []*PillarHash
	Firms       []*FirmHash
	DatasetHash string
}

// pillarKey identifies one pillar of one firm.
type pillarKey struct{ firm, pillar string }

func (k pillarKey) String() string { return k.firm + "/" + k.pillar }

// VerifyHierarchy checks every level bottom-up and keeps going after a
// failure so that the report lists all of them. A level is also marked
// invalid when anything below it failed.
func VerifyHierarchy(h Hierarchy) HierarchyReport {
	r := HierarchyReport{Valid: true, Failures: []Failure{}}

	// Recomputed evidence hashes, keyed by id.
	evidenceOK := make(map[string]string, len(h.Items))
	for _, it := range h.Items {
		r.Checked++
		got := HashEvidence(it)
		if !VerifyEvidenceHash(it, it.EvidenceHash) {
			r.fail(LevelEvidence, it.ID, "evidence hash does not recompute")
			continue
		}
		evidenceOK[it.ID] = got
	}

	pillarOK := make(map[pillarKey]bool, len(h.Pillars))
	byFirm := make(map[string][]*PillarHash)
	for _, p := range h.Pillars {
		r.Checked++
		key := pillarKey{p.FirmID, p.PillarID}
		id := key.String()
		byFirm[p.FirmID] = append(byFirm[p.FirmID], p)
		if !VerifyPillarHash(p) {
			r.fail(LevelPillar, id, "pillar hash does not recompute")
			continue
		}
		ok := true
		for _, ref := range p.Evidence {
			got, seen := evidenceOK[ref.ID]
			switch {
			case !seen:
				r.fail(LevelPillar, id, "evidence "+ref.ID+" missing or invalid")
				ok = false
			case got != ref.Hash:
				r.fail(LevelPillar, id, "evidence "+ref.ID+" hash differs from reference")
				ok = false
			}
		}
		pillarOK[key] = ok
	}

	firmOK := true
	for _, f := range h.Firms {
		r.Checked++
		if !VerifyFirmHash(f, nil) {
			r.fail(LevelFirm, f.FirmID, "firm hash does not recompute")
			firmOK = false
			continue
		}
		ps := byFirm[f.FirmID]
		if h.Pillars != nil && !VerifyFirmHash(f, ps) {
			r.fail(LevelFirm, f.FirmID, "pillar set does not match firm references")
			firmOK = false
			continue
		}
		for _, p := range ps {
			if !pillarOK[pillarKey{p.FirmID, p.PillarID}] {
				r.fail(LevelFirm, f.FirmID, "pillar "+p.PillarID+" failed verification")
				firmOK = false
				break
			}
		}
	}

	if h.DatasetHash != "" {
		r.Checked++
		switch {
		case !VerifyDatasetHash(FirmRefs(h.Firms), h.DatasetHash):
			r.fail(LevelDataset, "", "dataset hash does not recompute")
		case !firmOK:
			r.fail(LevelDataset, "", "one or more firms failed verification")
		}
	}
	return r
}
