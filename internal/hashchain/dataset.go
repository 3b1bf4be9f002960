package hashchain

import (
	"slices"
	"strconv"
	"strings"
	"time"
)

// HashDataset returns the flat dataset-level hash over firm hashes, ordered
// by firm id. It commits to the same leaves as the Merkle root but in a form
// that can be recomputed without building a tree.
func HashDataset(firms []Ref) string {
	refs := sortedRefs(firms)
	return hashFields(tagDataset, strconv.Itoa(len(refs)), listHash(refs))
}

// VerifyDatasetHash reports whether firms recompute to claimed.
func VerifyDatasetHash(firms []Ref, claimed string) bool {
	return claimed != "" && CheckRefs(firms) == nil && HashDataset(firms) == claimed
}

// FirmRefs extracts dataset references from firm hashes.
func FirmRefs(firms []*FirmHash) []Ref {
	refs := make([]Ref, len(firms))
	for i, f := range firms {
		refs[i] = f.Ref()
	}
	return refs
}

// SortedFirms returns firms ordered by firm id. This is the published leaf
// order of a snapshot.
func SortedFirms(firms []*FirmHash) []*FirmHash {
	out := append([]*FirmHash(nil), firms...)
	slices.SortStableFunc(out, func(a, b *FirmHash) int {
		return strings.Compare(a.FirmID, b.FirmID)
	})
	return out
}

// HashCommitment returns the snapshot commitment hash: the value that is
// signed. It binds the Merkle root and the dataset hash to the snapshot's
// identity and to the commitment it follows. previous is "" for the first
// snapshot of a chain.
func HashCommitment(snapshotID string, generatedAt time.Time, firmCount int, merkleRoot, datasetHash, previous string) string {
	return hashFields(tagCommit, snapshotID, FormatTime(generatedAt),
		strconv.Itoa(firmCount), merkleRoot, datasetHash, previous)
}
