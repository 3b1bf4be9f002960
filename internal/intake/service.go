// Package intake takes raw evidence through validation and into the ledger.
package intake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/gtixt/provenance/internal/evidence"
	"github.com/gtixt/provenance/internal/evidencestore"
	"github.com/gtixt/provenance/internal/validation"
)

var (
	// ErrIncomplete is returned for an item without an id or firm id.
	ErrIncomplete = errors.New("intake: evidence id and firm id are required")
	// ErrNoReviewer is returned for an override without attribution.
	ErrNoReviewer = errors.New("intake: override needs a reviewer and notes")
)

// Outcome is the result of submitting one item. Record is set only when the
// item was approved and committed.
type Outcome struct {
	Consensus validation.Consensus  `json:"consensus"`
	Item      *evidence.Item        `json:"item,omitempty"`
	Record    *evidencestore.Record `json:"record,omitempty"`
}

// Committed reports whether the item reached the ledger.
func (o *Outcome) Committed() bool { return o != nil && o.Record != nil }

// Service validates submitted evidence against what the ledger already holds
// for the same firm and commits what the orchestrator approves.
type Service struct {
	orch     *validation.Orchestrator
	store    evidencestore.Store
	logger   *zap.Logger
	now      func() time.Time
	onAppend func(evidencestore.Action)
}

// New creates a Service.
func New(orch *validation.Orchestrator, store evidencestore.Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{orch: orch, store: store, logger: logger, now: time.Now}
}

// SetAppendHook registers a callback invoked for every ledger record written.
func (s *Service) SetAppendHook(fn func(evidencestore.Action)) { s.onAppend = fn }

func (s *Service) appended(actions ...evidencestore.Action) {
	if s.onAppend == nil {
		return
	}
	for _, a := range actions {
		s.onAppend(a)
	}
}

// related returns the firm's committed evidence other than id.
func (s *Service) related(ctx context.Context, firmID, id string) ([]*evidence.Item, error) {
	items, err := s.store.ListByFirm(ctx, firmID)
	if err != nil {
		return nil, fmt.Errorf("load related evidence for %s: %w", firmID, err)
	}
	out := items[:0]
	for _, it := range items {
		if it.ID != id {
			out = append(out, it)
		}
	}
	return out, nil
}

func draft(it *evidence.Item) (*evidence.Item, error) {
	if it == nil || it.ID == "" || it.FirmID == "" {
		return nil, ErrIncomplete
	}
	if it.Locked() {
		return nil, fmt.Errorf("submit %s: %w", it.ID, evidence.ErrLocked)
	}
	if err := it.CheckText(); err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}
	return it.Clone(), nil
}

// Submit validates it and commits it when approved. A rejection is an
// Outcome without a record, not an error. When every method was unavailable
// the Outcome is returned with validation.ErrAllUnavailable so the caller can
// retry later. The caller's item is never modified.
func (s *Service) Submit(ctx context.Context, it *evidence.Item) (*Outcome, error) {
	d, err := draft(it)
	if err != nil {
		return nil, err
	}
	related, err := s.related(ctx, d.FirmID, d.ID)
	if err != nil {
		return nil, err
	}
	c, err := s.orch.Validate(ctx, validation.Input{Item: d, Related: related})
	out := &Outcome{Consensus: c}
	if err != nil {
		return out, err
	}
	return out, s.commit(ctx, d, out)
}

func (s *Service) commit(ctx context.Context, d *evidence.Item, out *Outcome) error {
	if !out.Consensus.Approved {
		s.logger.Info("evidence rejected",
			zap.String("evidence_id", d.ID),
			zap.Float64("confidence", out.Consensus.OverallConfidence),
			zap.Strings("flags", out.Consensus.Flags),
		)
		return nil
	}
	if _, err := validation.Admit(d, out.Consensus); err != nil {
		return err
	}
	rec, err := s.store.Append(ctx, d)
	if err != nil {
		return fmt.Errorf("commit %s: %w", d.ID, err)
	}
	s.appended(rec.Action)
	out.Item = d
	out.Record = rec
	return nil
}

// SubmitBatch validates items concurrently and commits the approved ones in
// input order. Items held for retry come back with an Outcome in
// StateValidating and no record.
func (s *Service) SubmitBatch(ctx context.Context, items []*evidence.Item) ([]*Outcome, error) {
	inputs := make([]validation.Input, len(items))
	for i, it := range items {
		d, err := draft(it)
		if err != nil {
			return nil, err
		}
		related, err := s.related(ctx, d.FirmID, d.ID)
		if err != nil {
			return nil, err
		}
		inputs[i] = validation.Input{Item: d, Related: related}
	}
	cs, err := s.orch.ValidateBatch(ctx, inputs)
	if err != nil {
		return nil, err
	}
	out := make([]*Outcome, len(cs))
	for i, c := range cs {
		out[i] = &Outcome{Consensus: c}
		if c.State == validation.StateValidating {
			continue
		}
		if err := s.commit(ctx, inputs[i].Item, out[i]); err != nil {
			return out, err
		}
	}
	return out, nil
}

// Correct validates correction as the replacement for the committed item id
// and, when approved, retracts id and commits the correction in one step.
func (s *Service) Correct(ctx context.Context, id string, correction *evidence.Item) (*Outcome, error) {
	old, err := s.store.Current(ctx, id)
	if err != nil {
		return nil, err
	}
	if correction != nil && correction.FirmID == "" {
		correction = correction.Clone()
		correction.FirmID = old.FirmID
	}
	d, err := draft(correction)
	if err != nil {
		return nil, err
	}
	at := s.now().UTC()
	d, err = evidence.Supersede(old, d, at)
	if err != nil {
		return nil, err
	}
	related, err := s.related(ctx, d.FirmID, id)
	if err != nil {
		return nil, err
	}
	c, err := s.orch.Validate(ctx, validation.Input{Item: d, Related: related})
	out := &Outcome{Consensus: c}
	if err != nil || !c.Approved {
		return out, err
	}
	if _, err := validation.Admit(d, c); err != nil {
		return out, err
	}
	rec, err := s.store.Retract(ctx, id, d, at)
	if err != nil {
		return out, fmt.Errorf("correct %s: %w", id, err)
	}
	s.appended(evidencestore.ActionRetract, evidencestore.ActionCommit)
	out.Item = d
	out.Record = rec
	s.logger.Info("evidence superseded",
		zap.String("evidence_id", id),
		zap.String("superseded_by", d.ID),
	)
	return out, nil
}

// Withdraw retracts id without a replacement.
func (s *Service) Withdraw(ctx context.Context, id string) (*evidencestore.Record, error) {
	rec, err := s.store.Retract(ctx, id, nil, s.now().UTC())
	if err != nil {
		return nil, err
	}
	s.appended(rec.Action)
	return rec, nil
}

// Decision is a reviewer's manual verdict on one item.
type Decision struct {
	Approved bool   `json:"approved"`
	Notes    string `json:"notes"`
	Reviewer string `json:"reviewer"`
}

// Override runs the automated validators over it for the audit trail, then
// replaces their verdict with d. An approved override is committed with the
// reviewer recorded in the item's provenance. This is also how an item held
// for unavailable validators is resolved.
func (s *Service) Override(ctx context.Context, it *evidence.Item, d Decision) (*Outcome, error) {
	if d.Reviewer == "" || d.Notes == "" {
		return nil, ErrNoReviewer
	}
	dr, err := draft(it)
	if err != nil {
		return nil, err
	}
	related, err := s.related(ctx, dr.FirmID, dr.ID)
	if err != nil {
		return nil, err
	}
	auto, err := s.orch.Validate(ctx, validation.Input{Item: dr, Related: related})
	if err != nil && !IsHeld(err) {
		return nil, err
	}
	c := validation.Override(auto, d.Approved, d.Notes, d.Reviewer, s.now())
	s.logger.Warn("manual validation override",
		zap.String("evidence_id", dr.ID),
		zap.String("reviewer", d.Reviewer),
		zap.Bool("approved", d.Approved),
		zap.String("automated_state", string(auto.State)),
	)
	out := &Outcome{Consensus: c}
	return out, s.commit(ctx, dr, out)
}

// IsHeld reports whether err means the item is waiting for validators.
func IsHeld(err error) bool { return errors.Is(err, validation.ErrAllUnavailable) }
