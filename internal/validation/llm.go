package validation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/gtixt/provenance/internal/evidence"
)

// DefaultLLMTimeout bounds a single LLM assessment.
const DefaultLLMTimeout = 10 * time.Second

// LLMRequest is the evidence text handed to the reasoning service.
type LLMRequest struct {
	EvidenceID          string
	Type                evidence.Type
	Description         string
	Source              string
	Value               float64
	SourceSystem        evidence.SourceSystem
	ExtractionMethod    evidence.ExtractionMethod
	ExtractionTimestamp time.Time
}

// LLMFlag is a concern raised by the reasoning service.
type LLMFlag struct {
	Type        string `json:"type"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
}

// LLMAssessment is the reasoning service's answer.
type LLMAssessment struct {
	// Confidence is on a 0-1 scale.
	Confidence float64
	Notes      string
	Flags      []LLMFlag
	Model      string
}

// LLMClient is the contract with the external reasoning service.
type LLMClient interface {
	Assess(ctx context.Context, req LLMRequest) (*LLMAssessment, error)
}

// LLMValidator delegates plausibility assessment to an LLMClient under a
// bounded timeout and a shared rate limit. Any failure, including the
// timeout, makes the method unavailable for that item.
type LLMValidator struct {
	client  LLMClient
	timeout time.Duration
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewLLMValidator creates an LLMValidator. A zero timeout uses
// DefaultLLMTimeout. A nil limiter disables rate limiting.
func NewLLMValidator(client LLMClient, timeout time.Duration, limiter *rate.Limiter, logger *zap.Logger) *LLMValidator {
	if timeout <= 0 {
		timeout = DefaultLLMTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLMValidator{client: client, timeout: timeout, limiter: limiter, logger: logger}
}

// Method implements Validator.
func (v *LLMValidator) Method() Method { return MethodLLM }

// Validate implements Validator.
func (v *LLMValidator) Validate(ctx context.Context, in Input) (Result, error) {
	it := in.Item
	if it == nil {
		return Result{}, fmt.Errorf("llm: nil item")
	}
	if v.client == nil {
		return Result{}, fmt.Errorf("llm: no client configured: %w", ErrUnavailable)
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	if v.limiter != nil {
		if err := v.limiter.Wait(ctx); err != nil {
			return Result{}, fmt.Errorf("llm: rate limit wait: %w", err)
		}
	}

	type reply struct {
		a   *LLMAssessment
		err error
	}
	ch := make(chan reply, 1)
	go func() {
		a, err := v.client.Assess(ctx, LLMRequest{
			EvidenceID:          it.ID,
			Type:                it.Type,
			Description:         it.Description,
			Source:              it.Source,
			Value:               it.Value,
			SourceSystem:        it.Provenance.SourceSystem,
			ExtractionMethod:    it.Provenance.ExtractionMethod,
			ExtractionTimestamp: it.Provenance.ExtractionTimestamp,
		})
		ch <- reply{a, err}
	}()

	var r reply
	select {
	case r = <-ch:
	case <-ctx.Done():
		// The client ignored cancellation; stop waiting for it.
		r.err = ctx.Err()
	}
	if r.err != nil {
		if errors.Is(r.err, context.DeadlineExceeded) {
			return Result{}, fmt.Errorf("llm: timed out after %s: %w", v.timeout, r.err)
		}
		return Result{}, fmt.Errorf("llm: assess: %w", r.err)
	}
	if r.a == nil {
		return Result{}, fmt.Errorf("llm: empty assessment: %w", ErrUnavailable)
	}

	res := Result{
		Method:     MethodLLM,
		Available:  true,
		Confidence: clamp01(r.a.Confidence),
		Verdict:    VerdictPass,
		Notes:      []Note{},
	}
	if r.a.Notes != "" {
		res.Notes = append(res.Notes, Note{Check: "llm_reasoning", Severity: SeverityInfo, Message: r.a.Notes})
	}
	for _, f := range r.a.Flags {
		sev := SeverityWarning
		if f.Severity == "error" {
			sev = SeverityError
			res.Verdict = VerdictFail
		} else if res.Verdict == VerdictPass {
			res.Verdict = VerdictWarn
		}
		res.Notes = append(res.Notes, Note{Check: "llm_" + f.Type, Severity: sev, Message: f.Description})
		res.Flags = append(res.Flags, fmt.Sprintf("llm_%s_%s", f.Severity, f.Type))
	}
	v.logger.Debug("llm assessment",
		zap.String("evidence_id", it.ID),
		zap.String("model", r.a.Model),
		zap.Float64("confidence", res.Confidence),
	)
	return res, nil
}
