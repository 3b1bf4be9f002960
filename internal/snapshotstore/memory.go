package snapshotstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/gtixt/provenance/internal/snapshot"
)

// MemoryStore is an in-memory, thread-safe Store.
type MemoryStore struct {
	mu      sync.RWMutex
	bundles []*snapshot.Bundle
	byID    map[string]int
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: map[string]int{}}
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, b *snapshot.Bundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *snapshot.DatasetCommitment
	if n := len(s.bundles); n > 0 {
		latest = s.bundles[n-1].Commitment
	}
	if err := checkLink(b, latest); err != nil {
		return err
	}
	if _, dup := s.byID[b.Commitment.SnapshotID]; dup {
		return fmt.Errorf("save %s: %w", b.Commitment.SnapshotID, ErrDuplicate)
	}
	s.byID[b.Commitment.SnapshotID] = len(s.bundles)
	s.bundles = append(s.bundles, b)
	return nil
}

// Latest implements Store.
func (s *MemoryStore) Latest(_ context.Context) (*snapshot.Bundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.bundles) == 0 {
		return nil, ErrNotFound
	}
	return s.bundles[len(s.bundles)-1], nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, snapshotID string) (*snapshot.Bundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.byID[snapshotID]
	if !ok {
		return nil, fmt.Errorf("snapshot %s: %w", snapshotID, ErrNotFound)
	}
	return s.bundles[i], nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context) ([]*snapshot.DatasetCommitment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*snapshot.DatasetCommitment, len(s.bundles))
	for i, b := range s.bundles {
		out[i] = b.Commitment
	}
	return out, nil
}
