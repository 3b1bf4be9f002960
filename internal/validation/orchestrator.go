package validation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gtixt/provenance/internal/evidence"
	"github.com/gtixt/provenance/internal/hashchain"
)

// ErrNotApproved is returned by Admit for a consensus that did not approve.
var ErrNotApproved = errors.New("validation: evidence not approved")

// Config controls consensus weighting and dispatch.
type Config struct {
	Weights Weights
	// TypeWeights optionally overrides Weights for specific evidence types.
	TypeWeights map[evidence.Type]Weights
	Threshold   float64
	// MethodTimeout bounds every method; the LLM validator also applies its
	// own timeout.
	MethodTimeout time.Duration
	// BatchConcurrency caps how many items ValidateBatch runs at once.
	BatchConcurrency int
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		Weights:          DefaultWeights(),
		Threshold:        DefaultThreshold,
		MethodTimeout:    DefaultLLMTimeout,
		BatchConcurrency: 8,
	}
}

// Orchestrator runs the four methods for each item and decides admission.
type Orchestrator struct {
	validators map[Method]Validator
	cfg        Config
	logger     *zap.Logger
	now        func() time.Time
	observe    func(Consensus)
	onMissing  func(Method)
}

// NewOrchestrator creates an Orchestrator. At most one validator per method
// is accepted; a method with no validator is always unavailable.
func NewOrchestrator(cfg Config, logger *zap.Logger, validators ...Validator) (*Orchestrator, error) {
	if cfg.Weights == nil {
		cfg.Weights = DefaultWeights()
	}
	if err := cfg.Weights.Validate(); err != nil {
		return nil, err
	}
	for t, w := range cfg.TypeWeights {
		if err := w.Validate(); err != nil {
			return nil, fmt.Errorf("weights for %s: %w", t, err)
		}
	}
	if cfg.Threshold < 0 || cfg.Threshold > 1 {
		return nil, fmt.Errorf("threshold %v outside [0, 1]", cfg.Threshold)
	}
	if cfg.MethodTimeout <= 0 {
		cfg.MethodTimeout = DefaultLLMTimeout
	}
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = 8
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		validators: make(map[Method]Validator, len(Methods)),
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
	for _, v := range validators {
		m := v.Method()
		if !m.Valid() {
			return nil, fmt.Errorf("validator for unknown method %q", m)
		}
		if _, dup := o.validators[m]; dup {
			return nil, fmt.Errorf("duplicate validator for method %s", m)
		}
		o.validators[m] = v
	}
	return o, nil
}

// SetObserver registers a callback invoked with every consensus produced.
// Pass nil to disable.
func (o *Orchestrator) SetObserver(fn func(Consensus)) { o.observe = fn }

// SetUnavailableHook registers a callback invoked for each method that was
// unavailable for an item. Pass nil to disable.
func (o *Orchestrator) SetUnavailableHook(fn func(Method)) { o.onMissing = fn }

// Config returns the orchestrator's effective configuration.
func (o *Orchestrator) Config() Config { return o.cfg }

func (o *Orchestrator) weightsFor(t evidence.Type) Weights {
	if w, ok := o.cfg.TypeWeights[t]; ok {
		return w
	}
	return o.cfg.Weights
}

// snapshotRelated copies related evidence so validators cannot observe later
// changes to the caller's records.
func snapshotRelated(related []*evidence.Item) []*evidence.Item {
	out := make([]*evidence.Item, len(related))
	for i, r := range related {
		out[i] = r.Clone()
	}
	return out
}

// Validate runs every method concurrently and returns the consensus. When no
// method is available the consensus is returned in StateValidating together
// with ErrAllUnavailable.
func (o *Orchestrator) Validate(ctx context.Context, in Input) (Consensus, error) {
	if in.Item == nil {
		return Consensus{}, fmt.Errorf("validate: nil item")
	}
	in = Input{Item: in.Item.Clone(), Related: snapshotRelated(in.Related)}

	results := make([]Result, len(Methods))
	var g errgroup.Group
	for i, m := range Methods {
		v, ok := o.validators[m]
		if !ok {
			results[i] = Result{Method: m, Verdict: VerdictUnavailable, Error: "not configured"}
			continue
		}
		g.Go(func() error {
			results[i] = o.run(ctx, m, v, in)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		if r.Available {
			continue
		}
		if o.onMissing != nil {
			o.onMissing(r.Method)
		}
		if r.Error != "not configured" {
			o.logger.Warn("validation method unavailable",
				zap.String("evidence_id", in.Item.ID),
				zap.String("method", string(r.Method)),
				zap.String("cause", r.Error),
			)
		}
	}

	c := Decide(results, o.weightsFor(in.Item.Type), o.cfg.Threshold)
	c.ValidationID = uuid.NewString()
	c.EvidenceID = in.Item.ID
	c.Timestamp = o.now().UTC()
	if o.observe != nil {
		o.observe(c)
	}
	if c.State == StateValidating {
		return c, fmt.Errorf("validate %s: %w", in.Item.ID, ErrAllUnavailable)
	}
	o.logger.Debug("evidence validated",
		zap.String("evidence_id", c.EvidenceID),
		zap.String("state", string(c.State)),
		zap.Float64("confidence", c.OverallConfidence),
	)
	return c, nil
}

type outcome struct {
	r   Result
	err error
}

// run calls v with the per-method timeout. A validator that has not answered
// by the deadline is recorded as unavailable and left to finish on its own;
// whatever it returns later is discarded.
func (o *Orchestrator) run(ctx context.Context, m Method, v Validator, in Input) Result {
	mctx, cancel := context.WithTimeout(ctx, o.cfg.MethodTimeout)
	defer cancel()
	start := time.Now()

	done := make(chan outcome, 1)
	go func() {
		r, err := v.Validate(mctx, in)
		done <- outcome{r, err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-mctx.Done():
		out.err = fmt.Errorf("%s: %w", m, mctx.Err())
	}
	r := out.r
	if out.err != nil {
		r = Result{Method: m, Verdict: VerdictUnavailable, Error: out.err.Error()}
	}
	r.Method = m
	r.Available = out.err == nil
	r.Duration = time.Since(start)
	return r
}

// ValidateBatch validates independent items in parallel, at most
// BatchConcurrency at a time. Items held in StateValidating are returned like
// any other; only context cancellation is reported as an error.
func (o *Orchestrator) ValidateBatch(ctx context.Context, inputs []Input) ([]Consensus, error) {
	out := make([]Consensus, len(inputs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.BatchConcurrency)
	for i, in := range inputs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			c, err := o.Validate(gctx, in)
			if err != nil && !errors.Is(err, ErrAllUnavailable) {
				return err
			}
			out[i] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("validate batch: %w", err)
	}
	return out, nil
}

// Admit records an approved consensus on it, computes its evidence hash and
// locks it. It is the only path from validation into the hash chain.
func Admit(it *evidence.Item, c Consensus) (string, error) {
	if !c.Approved || c.State != StateApproved {
		return "", fmt.Errorf("admit %s: %w", it.ID, ErrNotApproved)
	}
	if c.EvidenceID != "" && c.EvidenceID != it.ID {
		return "", fmt.Errorf("admit %s: consensus belongs to %s", it.ID, c.EvidenceID)
	}
	if err := it.ApplyValidation(Summarize(c)); err != nil {
		return "", err
	}
	hash := hashchain.HashEvidence(it)
	if err := it.Lock(hash, c.Timestamp); err != nil {
		return "", err
	}
	return hash, nil
}
