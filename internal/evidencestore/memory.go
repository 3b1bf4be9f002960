package evidencestore

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gtixt/provenance/internal/evidence"
)

// MemoryStore is an in-memory, thread-safe Store. It is used in tests and by
// single-process deployments that run without a database.
type MemoryStore struct {
	mu      sync.RWMutex
	records []*Record
	// byID maps an evidence id to its record indices, oldest first.
	byID map[string][]int
	now  func() time.Time
}

// NewMemoryStore creates a MemoryStore holding only the genesis record.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: []*Record{genesisRecord(time.Now())},
		byID:    map[string][]int{},
		now:     time.Now,
	}
}

func (s *MemoryStore) tail() *Record { return s.records[len(s.records)-1] }

func (s *MemoryStore) push(r *Record) {
	s.records = append(s.records, r)
	s.byID[r.EvidenceID] = append(s.byID[r.EvidenceID], r.Index)
}

// current returns the decoded latest state of id. Callers hold the lock.
func (s *MemoryStore) current(id string) (*evidence.Item, error) {
	idx, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("evidence %s: %w", id, ErrNotFound)
	}
	return s.records[idx[len(idx)-1]].Item()
}

// Append implements Store.
func (s *MemoryStore) Append(_ context.Context, it *evidence.Item) (*Record, error) {
	if err := checkCommit(it); err != nil {
		return nil, err
	}
	if it.Immutable.Supersedes != "" {
		return nil, fmt.Errorf("append %s: corrections are stored through Retract: %w", it.ID, ErrBrokenLink)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.byID[it.ID]; dup {
		return nil, fmt.Errorf("append %s: %w", it.ID, ErrDuplicate)
	}
	r := newRecord(s.tail(), ActionCommit, it, s.now())
	s.push(r)
	return r, nil
}

// Retract implements Store.
func (s *MemoryStore) Retract(_ context.Context, id string, correction *evidence.Item, at time.Time) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.current(id)
	if err != nil {
		return nil, err
	}
	if correction != nil {
		if _, dup := s.byID[correction.ID]; dup {
			return nil, fmt.Errorf("retract %s: correction %s: %w", id, correction.ID, ErrDuplicate)
		}
	}
	retracted, err := prepareRetract(cur, correction, at)
	if err != nil {
		return nil, err
	}

	r := newRecord(s.tail(), ActionRetract, retracted, at)
	var c *Record
	if correction != nil {
		c = newRecord(r, ActionCommit, correction, at)
	}
	s.push(r)
	if c != nil {
		s.push(c)
	}
	return r, nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, index int) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if index < 0 || index >= len(s.records) {
		return nil, fmt.Errorf("index %d out of range", index)
	}
	return s.records[index], nil
}

// Current implements Store.
func (s *MemoryStore) Current(_ context.Context, id string) (*evidence.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current(id)
}

// History implements Store.
func (s *MemoryStore) History(_ context.Context, id string) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("evidence %s: %w", id, ErrNotFound)
	}
	out := make([]*Record, len(idx))
	for i, n := range idx {
		out[i] = s.records[n]
	}
	return out, nil
}

// ListByFirm implements Store.
func (s *MemoryStore) ListByFirm(_ context.Context, firmID string) ([]*evidence.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*evidence.Item
	for id, idx := range s.byID {
		last := s.records[idx[len(idx)-1]]
		if last.FirmID != firmID || last.Action == ActionRetract {
			continue
		}
		it, err := last.Item()
		if err != nil {
			return nil, fmt.Errorf("list %s: %s: %w", firmID, id, err)
		}
		out = append(out, it)
	}
	slices.SortFunc(out, func(a, b *evidence.Item) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

// Len implements Store.
func (s *MemoryStore) Len(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records), nil
}

// Root implements Store.
func (s *MemoryStore) Root(_ context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tail().Hash, nil
}

// Verify implements Store.
func (s *MemoryStore) Verify(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var prev *Record
	for _, curr := range s.records {
		if err := verifyRecord(prev, curr); err != nil {
			return err
		}
		prev = curr
	}
	return nil
}
