// Package optest is the base of the differential operator tests.
//
// Each operator test implements Case: BuildReference computes the expected outputs (and gradients) with the
// reference framework (package reference), and BuildCandidate builds the same computation with a NetBuilder,
// executes it on the harness target, and stores the results. Harness.CheckOutputsAndGrads runs both and
// compares them.
//
// Example:
//
//	type reluCase struct{ x *tensors.Tensor }
//
//	func (c *reluCase) BuildReference(h *optest.Harness) error { ... h.ReferenceOutputs = ... }
//	func (c *reluCase) BuildCandidate(h *optest.Harness) error { ... h.CandidateOutputs, err = h.CandidateOutput(...) }
//
//	func TestRelu(t *testing.T) {
//		optest.New(t).CheckOutputsAndGrads(&reluCase{x: ...})
//	}
package optest

import (
	"strings"
	"testing"

	"github.com/gomlx/opcheck/internal/config"
	"github.com/gomlx/opcheck/internal/logging"
	"github.com/gomlx/opcheck/netbuilder"
	"github.com/gomlx/opcheck/passes"
	"github.com/gomlx/opcheck/reference"
	"github.com/gomlx/opcheck/runtime"
	"github.com/gomlx/opcheck/target"
	"github.com/gomlx/opcheck/tensors"
	"github.com/pkg/errors"
)

// ErrNotImplemented is returned by the methods of NotImplemented.
var ErrNotImplemented = errors.New("Not implemented.")

// Case is an operator test: it builds the reference and the candidate computations, storing their results
// in the Harness.
type Case interface {
	// BuildReference sets Harness.ReferenceOutputs, and optionally Harness.ReferenceGrads.
	BuildReference(h *Harness) error

	// BuildCandidate sets Harness.CandidateOutputs, and optionally Harness.CandidateGrads.
	BuildCandidate(h *Harness) error
}

// NotImplemented can be embedded in a Case that only implements one of the builders:
// the other one returns ErrNotImplemented.
type NotImplemented struct{}

// BuildReference implements Case.
func (NotImplemented) BuildReference(*Harness) error { return ErrNotImplemented }

// BuildCandidate implements Case.
func (NotImplemented) BuildCandidate(*Harness) error { return ErrNotImplemented }

// DefaultPasses are applied to candidate programs before execution.
var DefaultPasses = []string{"Decomposer"}

// Harness holds the state of one operator test.
type Harness struct {
	T      testing.TB
	Target target.Target
	Config config.Config
	Log    *logging.Logger

	ReferenceOutputs, ReferenceGrads []*tensors.Tensor
	CandidateOutputs, CandidateGrads []*tensors.Tensor

	// Passes applied by CandidateOutput, in order. New sets it to DefaultPasses; if empty, candidate programs
	// are executed as built.
	Passes []string

	// last is the last program executed by CandidateOutput, saved on comparison failures.
	last *Reproducer
}

// New creates a Harness for the test t, on the default target (see target.Default).
func New(t testing.TB) *Harness {
	cfg := config.Get()
	return &Harness{
		T:                t,
		Target:           target.Default(),
		Config:           cfg,
		Log:              logging.FromLevelName("optest", cfg.LogLevel),
		ReferenceOutputs: []*tensors.Tensor{},
		ReferenceGrads:   []*tensors.Tensor{},
		CandidateOutputs: []*tensors.Tensor{},
		CandidateGrads:   []*tensors.Tensor{},
		Passes:           DefaultPasses,
	}
}

// ApplyPasses applies the named passes to prog, in place. fetch are the variables retrieved after execution.
// If no names are given, DefaultPasses are applied.
// The program is logged before and after at debug level.
func (h *Harness) ApplyPasses(prog *netbuilder.Program, tgt target.Target, fetch []*netbuilder.Variable, names ...string) error {
	if len(names) == 0 {
		names = DefaultPasses
	}
	return h.applyPasses(prog, tgt, fetch, names)
}

func (h *Harness) applyPasses(prog *netbuilder.Program, tgt target.Target, fetch []*netbuilder.Variable, names []string) error {
	fetchIDs := make([]string, len(fetch))
	for i, v := range fetch {
		fetchIDs[i] = v.ID
	}
	title := strings.Join(names, ", ")
	h.Log.Debugf("============ Before %s Pass ============", title)
	h.logProgram(prog)
	if err := passes.Apply(prog, tgt, fetchIDs, names...); err != nil {
		return err
	}
	h.Log.Debugf("============ After %s Pass ============", title)
	h.logProgram(prog)
	return nil
}

func (h *Harness) logProgram(prog *netbuilder.Program) {
	if !h.Log.DebugEnabled() {
		return
	}
	for i := range prog.Size() {
		h.Log.Debugf("%s", prog.Instruction(i))
	}
}

// CandidateOutput applies the harness Passes to prog, executes it on tgt and returns the values of outputs.
// inputs and feeds are parallel: feeds[i] is the value of inputs[i].
func (h *Harness) CandidateOutput(prog *netbuilder.Program, tgt target.Target,
	inputs []*netbuilder.Variable, feeds []*tensors.Tensor, outputs []*netbuilder.Variable) ([]*tensors.Tensor, error) {
	if len(h.Passes) > 0 {
		if err := h.applyPasses(prog, tgt, outputs, h.Passes); err != nil {
			return nil, err
		}
	}
	h.last = &Reproducer{Program: prog, Target: tgt, Feeds: make(map[string]*tensors.Tensor, len(feeds))}
	for i, input := range inputs {
		if i < len(feeds) && input != nil {
			h.last.Feeds[input.ID] = feeds[i]
		}
	}
	for _, output := range outputs {
		if output != nil {
			h.last.Fetch = append(h.last.Fetch, output.ID)
		}
	}
	return runtime.BuildAndGetOutput(prog, tgt, inputs, feeds, outputs)
}

// ComputeReferenceGrads returns the gradients of outputs with respect to inputs, given the gradients of the
// outputs (nil for all ones). See reference.Grad.
func (h *Harness) ComputeReferenceGrads(outputs, inputs []*reference.Tensor, gradOutputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
	return reference.Grad(outputs, inputs, gradOutputs)
}

// CheckOutputsAndGrads builds the reference and the candidate of c and compares their outputs. Gradients are
// compared only if the candidate computed some.
func (h *Harness) CheckOutputsAndGrads(c Case, opts ...Option) {
	h.T.Helper()
	if err := c.BuildReference(h); err != nil {
		h.T.Fatalf("BuildReference failed: %+v", err)
	}
	if err := c.BuildCandidate(h); err != nil {
		h.T.Fatalf("BuildCandidate failed: %+v", err)
	}
	h.Log.Debugf("============ Check Outputs ============")
	h.CheckResults(h.ReferenceOutputs, h.CandidateOutputs, opts...)
	if len(h.CandidateGrads) > 0 {
		h.Log.Debugf("============ Check Grads ============")
		h.CheckResults(h.ReferenceGrads, h.CandidateGrads, opts...)
	}
}
