// Package runtime compiles and executes netbuilder programs on a target.
//
// For PJRT targets (host and accelerator) the program is lowered to StableHLO with github.com/gomlx/stablehlo,
// compiled and executed with github.com/gomlx/gopjrt/pjrt. Composite ops must have been decomposed before
// (see the "Decomposer" pass in package passes).
//
// For the interpreter target the instructions are executed one by one on the host, with the same kernels
// used by the reference framework.
package runtime

import (
	"slices"

	"github.com/gomlx/opcheck/netbuilder"
	"github.com/gomlx/opcheck/target"
	"github.com/gomlx/opcheck/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BuildAndGetOutput compiles prog for tgt, executes it with the given feeds and returns the values of outputs,
// in the same order.
//
// inputs and feeds are parallel: feeds[i] is the value of inputs[i]. Every declared input of the program must
// be fed exactly once, with the declared dtype and dimensions.
func BuildAndGetOutput(prog *netbuilder.Program, tgt target.Target,
	inputs []*netbuilder.Variable, feeds []*tensors.Tensor, outputs []*netbuilder.Variable) ([]*tensors.Tensor, error) {
	ordered, err := orderFeeds(prog, inputs, feeds)
	if err != nil {
		return nil, errors.WithMessagef(err, "program %q", prog.Name())
	}
	outputIDs, err := outputIDsOf(prog, outputs)
	if err != nil {
		return nil, errors.WithMessagef(err, "program %q", prog.Name())
	}
	klog.V(1).Infof("running program %q on %s with %d instructions", prog.Name(), tgt, prog.Size())
	switch tgt.Arch {
	case target.InterpreterArch:
		return Interpret(prog, ordered, outputIDs)
	case target.Host, target.NVGPU:
		return executePJRT(prog, tgt, ordered, outputIDs)
	}
	return nil, errors.Errorf("unknown target %s", tgt)
}

// orderFeeds validates the feeds and returns them in the order of the program's declared inputs.
func orderFeeds(prog *netbuilder.Program, inputs []*netbuilder.Variable, feeds []*tensors.Tensor) ([]*tensors.Tensor, error) {
	if len(inputs) != len(feeds) {
		return nil, errors.Errorf("%d inputs given but %d feeds", len(inputs), len(feeds))
	}
	declared := prog.Inputs()
	ordered := make([]*tensors.Tensor, len(declared))
	for i, input := range inputs {
		if input == nil || feeds[i] == nil {
			return nil, errors.Errorf("input #%d or its feed is nil", i)
		}
		idx := slices.IndexFunc(declared, func(v *netbuilder.Variable) bool { return v.ID == input.ID })
		if idx < 0 {
			return nil, errors.Errorf("%q is not an input of the program", input.ID)
		}
		if ordered[idx] != nil {
			return nil, errors.Errorf("input %q fed more than once", input.ID)
		}
		want := declared[idx]
		feed := feeds[i]
		if feed.DType() != want.DType || !slices.Equal(feed.Dims(), want.Dims) {
			return nil, errors.Errorf("input %q is declared as %s, but it was fed %s",
				want.ID, want.ShapeString(), feed.ShapeString())
		}
		ordered[idx] = feed
	}
	for i, feed := range ordered {
		if feed == nil {
			return nil, errors.Errorf("input %q not fed", declared[i].ID)
		}
	}
	return ordered, nil
}

func outputIDsOf(prog *netbuilder.Program, outputs []*netbuilder.Variable) ([]string, error) {
	if len(outputs) == 0 {
		return nil, errors.New("no outputs requested")
	}
	ids := make([]string, len(outputs))
	for i, output := range outputs {
		if output == nil {
			return nil, errors.Errorf("output #%d is nil", i)
		}
		if prog.Variable(output.ID) == nil {
			return nil, errors.Errorf("output %q is not a variable of the program", output.ID)
		}
		ids[i] = output.ID
	}
	return ids, nil
}
