// Package evidencestore is the append-only ledger of committed evidence.
//
// Every state an evidence item passes through after admission is a Record in
// a SHA-256 hash chain: a commit record when the locked item is stored and a
// retract record when it is withdrawn. Records are never updated or removed,
// so the full history of every item stays verifiable.
package evidencestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gtixt/provenance/internal/evidence"
	"github.com/gtixt/provenance/internal/hashchain"
)

// GenesisHash is the hash of the genesis record. Every chain starts from it.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

var (
	ErrNotFound         = errors.New("evidence not found")
	ErrNotLocked        = errors.New("evidence must be locked before it is stored")
	ErrAlreadyRetracted = errors.New("evidence is already retracted")
	ErrDuplicate        = errors.New("evidence id already stored")
	ErrHashMismatch     = errors.New("evidence hash does not match content")
	ErrBrokenLink       = errors.New("correction does not link to the retracted record")
)

// Action is the kind of ledger record.
type Action string

const (
	ActionGenesis Action = "genesis"
	ActionCommit  Action = "commit"
	ActionRetract Action = "retract"
)

// Record is one immutable ledger entry.
type Record struct {
	Index        int       `json:"index"`
	Timestamp    time.Time `json:"timestamp"`
	Action       Action    `json:"action"`
	EvidenceID   string    `json:"evidence_id"`
	FirmID       string    `json:"firm_id"`
	EvidenceHash string    `json:"evidence_hash"`
	// Document is the canonical JSON of the item state this record captures.
	Document json.RawMessage `json:"document,omitempty"`
	DataHash string          `json:"data_hash"`
	PrevHash string          `json:"prev_hash"`
	Hash     string          `json:"hash"`
}

// Item decodes the item state captured by r.
func (r *Record) Item() (*evidence.Item, error) {
	if len(r.Document) == 0 {
		return nil, fmt.Errorf("record %d carries no document", r.Index)
	}
	var it evidence.Item
	if err := json.Unmarshal(r.Document, &it); err != nil {
		return nil, fmt.Errorf("decode record %d: %w", r.Index, err)
	}
	return &it, nil
}

// Store is the evidence ledger. MemoryStore and PostgresStore implement it.
type Store interface {
	// Append commits a locked, admitted item.
	Append(ctx context.Context, it *evidence.Item) (*Record, error)

	// Retract withdraws the current state of id. A non-nil correction must be
	// locked and link back to id; it is committed in the same step.
	Retract(ctx context.Context, id string, correction *evidence.Item, at time.Time) (*Record, error)

	// Get returns the record at the given zero-based index.
	Get(ctx context.Context, index int) (*Record, error)

	// Current returns the latest state of the item with the given id.
	Current(ctx context.Context, id string) (*evidence.Item, error)

	// History returns every record for id, oldest first.
	History(ctx context.Context, id string) ([]*Record, error)

	// ListByFirm returns the current, non-retracted items of a firm ordered
	// by id.
	ListByFirm(ctx context.Context, firmID string) ([]*evidence.Item, error)

	// Len returns the number of records including genesis.
	Len(ctx context.Context) (int, error)

	// Root returns the hash of the most recent record.
	Root(ctx context.Context) (string, error)

	// Verify walks the chain and checks every record.
	Verify(ctx context.Context) error
}

func genesisRecord(at time.Time) *Record {
	return &Record{
		Index:     0,
		Timestamp: at.UTC(),
		Action:    ActionGenesis,
		DataHash:  GenesisHash,
		PrevHash:  GenesisHash,
		Hash:      GenesisHash,
	}
}

// hashRecord computes the chained hash of r. It is never called for genesis.
func hashRecord(r *Record) string {
	return sha256Sum(hashchain.Canonical(struct {
		Index        string `json:"index"`
		Timestamp    string `json:"timestamp"`
		Action       string `json:"action"`
		EvidenceID   string `json:"evidence_id"`
		FirmID       string `json:"firm_id"`
		EvidenceHash string `json:"evidence_hash"`
		DataHash     string `json:"data_hash"`
		PrevHash     string `json:"prev_hash"`
	}{
		strconv.Itoa(r.Index), hashchain.FormatTime(r.Timestamp), string(r.Action),
		r.EvidenceID, r.FirmID, r.EvidenceHash, r.DataHash, r.PrevHash,
	}))
}

func sha256Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// newRecord builds the record that follows prev for the given item state.
func newRecord(prev *Record, action Action, it *evidence.Item, at time.Time) *Record {
	doc := hashchain.Canonical(it)
	r := &Record{
		Index:        prev.Index + 1,
		Timestamp:    at.UTC(),
		Action:       action,
		EvidenceID:   it.ID,
		FirmID:       it.FirmID,
		EvidenceHash: it.EvidenceHash,
		Document:     doc,
		DataHash:     sha256Sum(doc),
		PrevHash:     prev.Hash,
	}
	r.Hash = hashRecord(r)
	return r
}

// checkCommit verifies that it may be committed.
func checkCommit(it *evidence.Item) error {
	if it == nil {
		return fmt.Errorf("append: nil item")
	}
	if !it.Locked() {
		return fmt.Errorf("append %s: %w", it.ID, ErrNotLocked)
	}
	if it.Immutable.Retracted {
		return fmt.Errorf("append %s: %w", it.ID, ErrAlreadyRetracted)
	}
	if err := it.CheckText(); err != nil {
		return fmt.Errorf("append: %w", err)
	}
	if !hashchain.VerifyEvidenceHash(it, it.EvidenceHash) {
		return fmt.Errorf("append %s: %w", it.ID, ErrHashMismatch)
	}
	return nil
}

// prepareRetract returns the retracted state of cur and validates the
// optional correction.
func prepareRetract(cur, correction *evidence.Item, at time.Time) (*evidence.Item, error) {
	by := ""
	if correction != nil {
		if err := checkCommit(correction); err != nil {
			return nil, err
		}
		if correction.Immutable.Supersedes != cur.ID || correction.ID == cur.ID {
			return nil, fmt.Errorf("retract %s with %s: %w", cur.ID, correction.ID, ErrBrokenLink)
		}
		by = correction.ID
	}
	next := cur.Clone()
	if err := next.Retract(by, at); err != nil {
		return nil, fmt.Errorf("retract %s: %w", cur.ID, ErrAlreadyRetracted)
	}
	return next, nil
}

// verifyRecord checks curr against its predecessor. prev is nil for genesis.
func verifyRecord(prev, curr *Record) error {
	if prev == nil {
		if curr.Hash != GenesisHash {
			return fmt.Errorf("genesis record has wrong hash: got %q", curr.Hash)
		}
		return nil
	}
	if curr.PrevHash != prev.Hash {
		return fmt.Errorf("hash chain broken at index %d", curr.Index)
	}
	if curr.Hash != hashRecord(curr) {
		return fmt.Errorf("record %d has invalid hash", curr.Index)
	}
	if curr.DataHash != sha256Sum(curr.Document) {
		return fmt.Errorf("record %d document does not match its data hash", curr.Index)
	}
	it, err := curr.Item()
	if err != nil {
		return err
	}
	if it.ID != curr.EvidenceID || it.EvidenceHash != curr.EvidenceHash {
		return fmt.Errorf("record %d metadata does not match its document", curr.Index)
	}
	if !hashchain.VerifyEvidenceHash(it, curr.EvidenceHash) {
		return fmt.Errorf("record %d: evidence %s: %w", curr.Index, curr.EvidenceID, ErrHashMismatch)
	}
	return nil
}
