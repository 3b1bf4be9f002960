// Package snapshot assembles a signed, verifiable dataset snapshot from
// committed evidence and computed scores.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gtixt/provenance/internal/evidence"
	"github.com/gtixt/provenance/internal/evidencestore"
	"github.com/gtixt/provenance/internal/hashchain"
	"github.com/gtixt/provenance/internal/merkle"
	"github.com/gtixt/provenance/internal/signer"
)

var (
	// ErrInsufficientCoverage is returned when a snapshot would cover fewer
	// firms than the configured minimum. Nothing is signed.
	ErrInsufficientCoverage = errors.New("snapshot: insufficient firm coverage")
	// ErrUncommittedEvidence is returned when an input item is not locked,
	// was never validated, is retracted, does not match its stored hash, or
	// is not the ledger's current state of that item.
	ErrUncommittedEvidence = errors.New("snapshot: evidence is not committed")
)

// Ledger resolves the current committed state of an evidence item.
// evidencestore.Store satisfies it.
type Ledger interface {
	Current(ctx context.Context, id string) (*evidence.Item, error)
}

// PillarData is one pillar's computed score and the evidence behind it.
type PillarData struct {
	PillarID    string                `json:"pillar_id"`
	Weight      float64               `json:"weight"`
	Score       float64               `json:"score"`
	Methodology hashchain.Methodology `json:"methodology"`
	Evidence    []*evidence.Item      `json:"evidence"`
}

// FirmData is one firm's computed scores for the snapshot.
type FirmData struct {
	FirmID      string                `json:"firm_id"`
	FinalScore  float64               `json:"final_score"`
	Aggregation hashchain.Methodology `json:"aggregation"`
	Pillars     []PillarData          `json:"pillars"`
}

// Request is the input to Generate.
type Request struct {
	SnapshotID string `json:"snapshot_id"`
	// GeneratedAt defaults to the generator's clock.
	GeneratedAt time.Time  `json:"generated_at"`
	Firms       []FirmData `json:"firms"`
	// Previous is the commitment this snapshot follows, if any.
	Previous *DatasetCommitment `json:"previous,omitempty"`
}

// DatasetCommitment is the published, signed summary of one snapshot.
type DatasetCommitment struct {
	SnapshotID             string    `json:"snapshot_id"`
	GeneratedAt            time.Time `json:"generated_at"`
	FirmCount              int       `json:"firm_count"`
	FirmIDs                []string  `json:"firm_ids"`
	MerkleRoot             string    `json:"merkle_root"`
	DatasetHash            string    `json:"dataset_hash"`
	PreviousCommitmentHash string    `json:"previous_commitment_hash,omitempty"`
	CommitmentHash         string    `json:"commitment_hash"`
}

// computeHash recomputes the commitment hash from c's fields.
func (c *DatasetCommitment) computeHash() string {
	return hashchain.HashCommitment(c.SnapshotID, c.GeneratedAt, c.FirmCount,
		c.MerkleRoot, c.DatasetHash, c.PreviousCommitmentHash)
}

// Valid reports whether c's commitment hash recomputes from its fields.
func (c *DatasetCommitment) Valid() bool {
	return c != nil && c.CommitmentHash != "" && c.computeHash() == c.CommitmentHash
}

// Config controls a Generator.
type Config struct {
	// MinFirms is the smallest number of firms a snapshot may cover.
	// Defaults to 1.
	MinFirms int
	// Concurrency caps how many firms are hashed at once. Defaults to 8.
	Concurrency int
}

// Generator builds and signs snapshots.
type Generator struct {
	signer    *signer.Signer
	ledger    Ledger
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time
	onOutcome func(outcome string)
}

// NewGenerator creates a Generator that signs with s.
func NewGenerator(s *signer.Signer, cfg Config, logger *zap.Logger) (*Generator, error) {
	if s == nil {
		return nil, fmt.Errorf("snapshot: %w", signer.ErrMissingKey)
	}
	if cfg.MinFirms <= 0 {
		cfg.MinFirms = 1
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{signer: s, cfg: cfg, logger: logger, now: time.Now}, nil
}

// SetLedger makes Generate resolve every input item against l. An item the
// ledger does not hold, or holds as retracted or with a different hash, aborts
// the snapshot, and the ledger's copy is what gets committed. Without a
// ledger the supplied items are checked only on their own.
func (g *Generator) SetLedger(l Ledger) { g.ledger = l }

// SetOutcomeHook registers a callback invoked once per Generate call with
// "signed", "insufficient_coverage" or "error". Pass nil to disable.
func (g *Generator) SetOutcomeHook(fn func(outcome string)) { g.onOutcome = fn }

func (g *Generator) report(err error) {
	if g.onOutcome == nil {
		return
	}
	switch {
	case err == nil:
		g.onOutcome("signed")
	case errors.Is(err, ErrInsufficientCoverage):
		g.onOutcome("insufficient_coverage")
	default:
		g.onOutcome("error")
	}
}

// Generate hashes every firm, builds the Merkle tree over the firm hashes in
// firm-id order, computes the dataset hash and signs the commitment.
func (g *Generator) Generate(ctx context.Context, req Request) (b *Bundle, err error) {
	defer func() { g.report(err) }()

	if req.SnapshotID == "" {
		return nil, fmt.Errorf("snapshot: missing snapshot id")
	}
	if !utf8.ValidString(req.SnapshotID) {
		return nil, fmt.Errorf("snapshot: id is not valid UTF-8")
	}
	if len(req.Firms) < g.cfg.MinFirms {
		return nil, fmt.Errorf("snapshot %s: %d firms, need %d: %w",
			req.SnapshotID, len(req.Firms), g.cfg.MinFirms, ErrInsufficientCoverage)
	}
	if err := checkFirms(req.Firms); err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", req.SnapshotID, err)
	}
	generatedAt := req.GeneratedAt
	if generatedAt.IsZero() {
		generatedAt = g.now()
	}
	generatedAt = generatedAt.UTC()

	var prevHash string
	if p := req.Previous; p != nil {
		if !p.Valid() {
			return nil, fmt.Errorf("snapshot %s: previous commitment %s does not verify", req.SnapshotID, p.SnapshotID)
		}
		if p.SnapshotID == req.SnapshotID || !generatedAt.After(p.GeneratedAt) {
			return nil, fmt.Errorf("snapshot %s: must follow %s", req.SnapshotID, p.SnapshotID)
		}
		prevHash = p.CommitmentHash
	}

	// Firms are independent; each slot is written by exactly one goroutine.
	resolved := make([]FirmData, len(req.Firms))
	firms := make([]*hashchain.FirmHash, len(req.Firms))
	pillars := make([][]*hashchain.PillarHash, len(req.Firms))
	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(g.cfg.Concurrency)
	for i, f := range req.Firms {
		eg.Go(func() error {
			if err := ectx.Err(); err != nil {
				return err
			}
			rf, err := g.resolve(ectx, f)
			if err != nil {
				return err
			}
			resolved[i] = rf
			firms[i], pillars[i] = hashFirm(rf, generatedAt)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", req.SnapshotID, err)
	}

	sorted := hashchain.SortedFirms(firms)
	leaves := make([]string, len(sorted))
	ids := make([]string, len(sorted))
	for i, f := range sorted {
		leaves[i] = f.Hash
		ids[i] = f.FirmID
	}
	tree, err := merkle.Build(leaves)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", req.SnapshotID, err)
	}

	c := &DatasetCommitment{
		SnapshotID:             req.SnapshotID,
		GeneratedAt:            generatedAt,
		FirmCount:              len(sorted),
		FirmIDs:                ids,
		MerkleRoot:             tree.Root(),
		DatasetHash:            hashchain.HashDataset(hashchain.FirmRefs(sorted)),
		PreviousCommitmentHash: prevHash,
	}
	c.CommitmentHash = c.computeHash()

	sig, err := g.signer.Sign(c.CommitmentHash)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", req.SnapshotID, err)
	}
	g.logger.Info("snapshot signed",
		zap.String("snapshot_id", c.SnapshotID),
		zap.Int("firm_count", c.FirmCount),
		zap.String("merkle_root", c.MerkleRoot),
		zap.String("key_fingerprint", sig.KeyFingerprint),
	)

	b = &Bundle{
		Commitment: c,
		Signature:  sig,
		Firms:      sorted,
		tree:       tree,
	}
	for i, f := range resolved {
		b.Pillars = append(b.Pillars, pillars[i]...)
		for _, p := range f.Pillars {
			for _, it := range p.Evidence {
				b.Evidence = append(b.Evidence, it.Clone())
			}
		}
	}
	return b, nil
}

// checkFirms rejects malformed ids, duplicate firms and pillars, and evidence
// that is not a committed, validated item of the firm it is listed under.
func checkFirms(firms []FirmData) error {
	seen := make(map[string]bool, len(firms))
	for _, f := range firms {
		switch {
		case f.FirmID == "":
			return fmt.Errorf("firm with empty id")
		case !utf8.ValidString(f.FirmID):
			return fmt.Errorf("firm id %q is not valid UTF-8", f.FirmID)
		case seen[f.FirmID]:
			return fmt.Errorf("duplicate firm %s", f.FirmID)
		}
		seen[f.FirmID] = true
		pillarSeen := make(map[string]bool, len(f.Pillars))
		for _, p := range f.Pillars {
			if !utf8.ValidString(p.PillarID) {
				return fmt.Errorf("firm %s: pillar id %q is not valid UTF-8", f.FirmID, p.PillarID)
			}
			if pillarSeen[p.PillarID] {
				return fmt.Errorf("firm %s: duplicate pillar %s", f.FirmID, p.PillarID)
			}
			pillarSeen[p.PillarID] = true
			for _, it := range p.Evidence {
				if err := checkItem(f.FirmID, p.PillarID, it); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func checkItem(firmID, pillarID string, it *evidence.Item) error {
	switch {
	case it == nil:
		return fmt.Errorf("firm %s pillar %s: nil evidence", firmID, pillarID)
	case !it.Locked() || it.Immutable.Retracted:
		return fmt.Errorf("evidence %s: %w", it.ID, ErrUncommittedEvidence)
	case it.Provenance.Validation == nil:
		return fmt.Errorf("evidence %s: never validated: %w", it.ID, ErrUncommittedEvidence)
	case it.FirmID != firmID:
		return fmt.Errorf("evidence %s belongs to firm %s, not %s", it.ID, it.FirmID, firmID)
	}
	if err := it.CheckText(); err != nil {
		return err
	}
	if !hashchain.VerifyEvidenceHash(it, it.EvidenceHash) {
		return fmt.Errorf("evidence %s: stored hash does not recompute: %w", it.ID, ErrUncommittedEvidence)
	}
	return nil
}

// resolve replaces every item of f with the ledger's current copy.
func (g *Generator) resolve(ctx context.Context, f FirmData) (FirmData, error) {
	if g.ledger == nil {
		return f, nil
	}
	out := f
	out.Pillars = make([]PillarData, len(f.Pillars))
	for i, p := range f.Pillars {
		out.Pillars[i] = p
		out.Pillars[i].Evidence = make([]*evidence.Item, len(p.Evidence))
		for j, it := range p.Evidence {
			cur, err := g.ledger.Current(ctx, it.ID)
			switch {
			case errors.Is(err, evidencestore.ErrNotFound):
				return FirmData{}, fmt.Errorf("evidence %s: not in the ledger: %w", it.ID, ErrUncommittedEvidence)
			case err != nil:
				return FirmData{}, fmt.Errorf("resolve evidence %s: %w", it.ID, err)
			case cur.Immutable.Retracted:
				return FirmData{}, fmt.Errorf("evidence %s: retracted in the ledger: %w", it.ID, ErrUncommittedEvidence)
			case cur.EvidenceHash != it.EvidenceHash:
				return FirmData{}, fmt.Errorf("evidence %s: hash differs from the ledger: %w", it.ID, ErrUncommittedEvidence)
			}
			if err := checkItem(f.FirmID, p.PillarID, cur); err != nil {
				return FirmData{}, err
			}
			out.Pillars[i].Evidence[j] = cur
		}
	}
	return out, nil
}

func hashFirm(f FirmData, at time.Time) (*hashchain.FirmHash, []*hashchain.PillarHash) {
	ps := make([]*hashchain.PillarHash, len(f.Pillars))
	for i, p := range f.Pillars {
		refs := make([]hashchain.Ref, len(p.Evidence))
		for j, it := range p.Evidence {
			refs[j] = hashchain.EvidenceRef(it)
		}
		ps[i] = hashchain.HashPillar(hashchain.PillarInput{
			FirmID:      f.FirmID,
			PillarID:    p.PillarID,
			Weight:      p.Weight,
			Score:       p.Score,
			Evidence:    refs,
			Methodology: p.Methodology,
		})
	}
	return hashchain.HashFirm(hashchain.FirmInput{
		FirmID:       f.FirmID,
		SnapshotDate: at,
		FinalScore:   f.FinalScore,
		Pillars:      ps,
		Aggregation:  f.Aggregation,
	}), ps
}
