package snapshot

import (
	"errors"
	"fmt"
	"slices"

	"github.com/gtixt/provenance/internal/evidence"
	"github.com/gtixt/provenance/internal/hashchain"
	"github.com/gtixt/provenance/internal/merkle"
	"github.com/gtixt/provenance/internal/signer"
)

// ErrUnknownFirm is returned by Bundle.Proof for a firm not in the snapshot.
var ErrUnknownFirm = errors.New("snapshot: firm not in snapshot")

// Bundle is everything published for one snapshot. Firms are in leaf order.
type Bundle struct {
	Commitment *DatasetCommitment        `json:"commitment"`
	Signature  *signer.SnapshotSignature `json:"signature"`
	Firms      []*hashchain.FirmHash     `json:"firms"`
	Pillars    []*hashchain.PillarHash   `json:"pillars"`
	Evidence   []*evidence.Item          `json:"evidence"`
	tree       *merkle.Tree
}

// Tree returns the Merkle tree over the bundle's firm hashes, building it on
// first use for bundles decoded from JSON.
func (b *Bundle) Tree() (*merkle.Tree, error) {
	if b.tree != nil {
		return b.tree, nil
	}
	leaves := make([]string, len(b.Firms))
	for i, f := range b.Firms {
		leaves[i] = f.Hash
	}
	t, err := merkle.Build(leaves)
	if err != nil {
		return nil, err
	}
	b.tree = t
	return t, nil
}

// Proof returns the inclusion proof for firmID's hash.
func (b *Bundle) Proof(firmID string) (*merkle.Proof, error) {
	idx, ok := slices.BinarySearch(b.Commitment.FirmIDs, firmID)
	if !ok {
		return nil, fmt.Errorf("%s: %w", firmID, ErrUnknownFirm)
	}
	t, err := b.Tree()
	if err != nil {
		return nil, err
	}
	return t.Prove(idx)
}

// Hierarchy returns the bundle's records as a hashchain.Hierarchy.
func (b *Bundle) Hierarchy() hashchain.Hierarchy {
	return hashchain.Hierarchy{
		Items:       b.Evidence,
		Pillars:     b.Pillars,
		Firms:       b.Firms,
		DatasetHash: b.Commitment.DatasetHash,
	}
}

// Report is the result of verifying a whole bundle.
type Report struct {
	Valid     bool                      `json:"valid"`
	Problems  []string                  `json:"problems"`
	Hierarchy hashchain.HierarchyReport `json:"hierarchy"`
}

// Verify checks the commitment hash, the signature against keys, the Merkle
// root and the full hash hierarchy. Every problem found is reported.
func (b *Bundle) Verify(keys *signer.Keyring) Report {
	r := Report{Problems: []string{}}
	c := b.Commitment
	if c == nil {
		r.Problems = append(r.Problems, "bundle has no commitment")
		return r
	}
	if !c.Valid() {
		r.Problems = append(r.Problems, "commitment hash does not recompute")
	}
	switch {
	case b.Signature == nil:
		r.Problems = append(r.Problems, "bundle is unsigned")
	case keys == nil:
		r.Problems = append(r.Problems, "no verification keys configured")
	case !keys.Verify(c.CommitmentHash, b.Signature):
		r.Problems = append(r.Problems, "signature does not verify")
	}

	ids := make([]string, len(b.Firms))
	for i, f := range b.Firms {
		ids[i] = f.FirmID
	}
	if c.FirmCount != len(b.Firms) || !slices.Equal(ids, c.FirmIDs) || !slices.IsSorted(ids) {
		r.Problems = append(r.Problems, "firm list does not match commitment")
	}
	if t, err := b.Tree(); err != nil {
		r.Problems = append(r.Problems, "merkle tree: "+err.Error())
	} else if t.Root() != c.MerkleRoot {
		r.Problems = append(r.Problems, "merkle root does not match commitment")
	}

	r.Hierarchy = hashchain.VerifyHierarchy(b.Hierarchy())
	if !r.Hierarchy.Valid {
		r.Problems = append(r.Problems, fmt.Sprintf("hash hierarchy has %d failure(s)", len(r.Hierarchy.Failures)))
	}
	r.Valid = len(r.Problems) == 0
	return r
}

// VerifyChain checks that current directly follows previous.
func VerifyChain(current, previous *DatasetCommitment) error {
	switch {
	case current == nil || previous == nil:
		return fmt.Errorf("snapshot chain: missing commitment")
	case !previous.Valid():
		return fmt.Errorf("snapshot chain: %s does not verify", previous.SnapshotID)
	case !current.Valid():
		return fmt.Errorf("snapshot chain: %s does not verify", current.SnapshotID)
	case current.PreviousCommitmentHash != previous.CommitmentHash:
		return fmt.Errorf("snapshot chain: %s does not link to %s", current.SnapshotID, previous.SnapshotID)
	case !current.GeneratedAt.After(previous.GeneratedAt):
		return fmt.Errorf("snapshot chain: %s is not newer than %s", current.SnapshotID, previous.SnapshotID)
	}
	return nil
}
