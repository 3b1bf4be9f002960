// Package snapshotstore archives signed snapshot bundles as a chain: each
// saved bundle must link to the one saved before it.
package snapshotstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/gtixt/provenance/internal/snapshot"
)

var (
	ErrNotFound  = errors.New("snapshot not found")
	ErrDuplicate = errors.New("snapshot id already archived")
	// ErrStaleChain is returned when a bundle does not link to the latest
	// archived commitment, usually because another snapshot was saved first.
	ErrStaleChain = errors.New("snapshot does not extend the latest commitment")
)

// Store archives snapshot bundles.
type Store interface {
	// Save appends b. Its previous commitment hash must equal the latest
	// archived commitment hash, or be empty when the archive is empty.
	Save(ctx context.Context, b *snapshot.Bundle) error
	// Latest returns the most recently saved bundle, or ErrNotFound.
	Latest(ctx context.Context) (*snapshot.Bundle, error)
	// Get returns the bundle with the given snapshot id.
	Get(ctx context.Context, snapshotID string) (*snapshot.Bundle, error)
	// List returns every archived commitment, oldest first.
	List(ctx context.Context) ([]*snapshot.DatasetCommitment, error)
}

// checkLink verifies that b may follow latest (nil when empty).
func checkLink(b *snapshot.Bundle, latest *snapshot.DatasetCommitment) error {
	if b == nil || b.Commitment == nil {
		return fmt.Errorf("save: bundle has no commitment")
	}
	if !b.Commitment.Valid() {
		return fmt.Errorf("save %s: commitment hash does not recompute", b.Commitment.SnapshotID)
	}
	if latest == nil {
		if b.Commitment.PreviousCommitmentHash != "" {
			return fmt.Errorf("save %s: archive is empty: %w", b.Commitment.SnapshotID, ErrStaleChain)
		}
		return nil
	}
	if err := snapshot.VerifyChain(b.Commitment, latest); err != nil {
		return fmt.Errorf("save %s: %w: %w", b.Commitment.SnapshotID, ErrStaleChain, err)
	}
	return nil
}
