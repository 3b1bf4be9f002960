// Package validation gates admission of evidence through a fixed set of four
// independent methods and combines their outputs into one consensus verdict.
//
// The methods are a closed set: rule, heuristic, cross-reference and LLM.
// Each implements Validator and returns a Result carrying a 0-1 confidence.
// A Validator that cannot produce an answer (the LLM timed out, there is no
// related evidence to compare against) returns an error; such a method is
// excluded from both sides of the weighted mean rather than scored as zero.
//
// Per-item lifecycle:
//
//	received → validating → approved | rejected
//
// An item stays in validating when every method is unavailable, so it can be
// retried later instead of being rejected by default.
package validation

import (
	"context"
	"errors"
	"time"

	"github.com/gtixt/provenance/internal/evidence"
)

// Method identifies one of the four validation methods.
type Method string

const (
	MethodRule           Method = "rule"
	MethodHeuristic      Method = "heuristic"
	MethodCrossReference Method = "cross_reference"
	MethodLLM            Method = "llm"
)

// Methods lists every method in dispatch order.
var Methods = []Method{MethodRule, MethodHeuristic, MethodCrossReference, MethodLLM}

// Valid reports whether m is one of the four methods.
func (m Method) Valid() bool {
	switch m {
	case MethodRule, MethodHeuristic, MethodCrossReference, MethodLLM:
		return true
	}
	return false
}

// Verdict is a single method's opinion.
type Verdict string

const (
	VerdictPass        Verdict = "pass"
	VerdictWarn        Verdict = "warn"
	VerdictFail        Verdict = "fail"
	VerdictUnavailable Verdict = "unavailable"
)

// State is the admission state of one evidence item.
type State string

const (
	StateReceived   State = "received"
	StateValidating State = "validating"
	StateApproved   State = "approved"
	StateRejected   State = "rejected"
)

// Severity grades a Note.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// ValidatedBy is recorded on every automated consensus.
const ValidatedBy = "agent:validation-layer-v1"

var (
	// ErrUnavailable marks a method that had nothing to say about an item.
	ErrUnavailable = errors.New("validation: method unavailable")
	// ErrAllUnavailable is returned when no method produced a result. The
	// item is left in StateValidating.
	ErrAllUnavailable = errors.New("validation: all methods unavailable")
)

// Note is one structured observation made by a method.
type Note struct {
	Check    string   `json:"check"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// Result is the output of one method for one item.
type Result struct {
	Method     Method  `json:"method"`
	Available  bool    `json:"available"`
	Confidence float64 `json:"confidence"`
	Verdict    Verdict `json:"verdict"`
	// HardFail is an unconditional veto. Only the rule method sets it.
	HardFail bool          `json:"hard_fail"`
	Notes    []Note        `json:"notes"`
	Flags    []string      `json:"flags,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// Input is what a validator sees. Related is a read-only snapshot of other
// evidence taken before dispatch; validators must not modify it.
type Input struct {
	Item    *evidence.Item
	Related []*evidence.Item
}

// Validator is implemented by each of the four methods.
type Validator interface {
	Method() Method
	Validate(ctx context.Context, in Input) (Result, error)
}

// ValidatorFunc adapts a function to Validator for a given method.
type ValidatorFunc struct {
	M  Method
	Fn func(ctx context.Context, in Input) (Result, error)
}

// Method implements Validator.
func (f ValidatorFunc) Method() Method { return f.M }

// Validate implements Validator.
func (f ValidatorFunc) Validate(ctx context.Context, in Input) (Result, error) {
	return f.Fn(ctx, in)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
