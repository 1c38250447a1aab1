package passes

import (
	"github.com/gomlx/opcheck/netbuilder"
	"github.com/gomlx/opcheck/target"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// dotPair is a pair of matmul instructions that can be merged.
type dotPair struct {
	first, second int

	// sharedLHS is true if both matmuls have the same left operand (the right operands are concatenated along
	// axis 1), and false if they share the right operand (the left operands are concatenated along axis 0).
	sharedLHS bool
}

// mergeDots merges pairs of 2D matmuls sharing one operand: x*a and x*b become slices of x*concat(a, b), and
// a*x and b*x become slices of concat(a, b)*x. It repeats until no pair is left.
//
// The merged instructions are placed where the first matmul was, so the operands that are concatenated must
// all be defined before it.
func mergeDots(prog *netbuilder.Program, _ target.Target, _ map[string]bool) error {
	for {
		pair, found := findDotPair(prog)
		if !found {
			return nil
		}
		if err := rewriteDotPair(prog, pair); err != nil {
			return err
		}
	}
}

// findDotPair returns the first pair of mergeable matmuls.
func findDotPair(prog *netbuilder.Program) (pair dotPair, found bool) {
	defined := make(map[*netbuilder.Variable]bool)
	for _, input := range prog.Inputs() {
		defined[input] = true
	}
	for i := 0; i < prog.Size(); i++ {
		first := prog.Instruction(i)
		if first.OpType == netbuilder.OpMatmul {
			for j := i + 1; j < prog.Size(); j++ {
				second := prog.Instruction(j)
				if second.OpType != netbuilder.OpMatmul {
					continue
				}
				lhs0, rhs0 := first.Inputs[0], first.Inputs[1]
				lhs1, rhs1 := second.Inputs[0], second.Inputs[1]
				switch {
				case lhs0 == lhs1 && rhs0 == rhs1:
					// Identical matmuls are not merged.
				case lhs0 == lhs1 && defined[rhs1]:
					return dotPair{first: i, second: j, sharedLHS: true}, true
				case rhs0 == rhs1 && defined[lhs1]:
					return dotPair{first: i, second: j, sharedLHS: false}, true
				}
			}
		}
		for _, output := range first.Outputs {
			defined[output] = true
		}
	}
	return dotPair{}, false
}

func rewriteDotPair(prog *netbuilder.Program, pair dotPair) error {
	first, second := prog.Instruction(pair.first), prog.Instruction(pair.second)
	klog.V(1).Infof("DotMerger: merging %q and %q", first, second)
	e := &emitter{prog: prog}
	out0, out1 := first.Outputs[0], second.Outputs[0]
	if pair.sharedLHS {
		// x[m, k] * concat(a[k, n0], b[k, n1]) -> [m, n0+n1]
		lhs := first.Inputs[0]
		concat := e.emit(netbuilder.OpConcat, variables(first.Inputs[1], second.Inputs[1]), netbuilder.Attrs{"axis": 1})
		merged := e.emit(netbuilder.OpMatmul, variables(lhs, concat), nil)
		m, n0, n1 := lhs.Dims[0], out0.Dims[1], out1.Dims[1]
		e.emitInto(out0, netbuilder.OpSlice, variables(merged),
			netbuilder.Attrs{"starts": []int{0, 0}, "ends": []int{m, n0}, "strides": []int{1, 1}})
		e.emitInto(out1, netbuilder.OpSlice, variables(merged),
			netbuilder.Attrs{"starts": []int{0, n0}, "ends": []int{m, n0 + n1}, "strides": []int{1, 1}})
	} else {
		// concat(a[m0, k], b[m1, k]) * x[k, n] -> [m0+m1, n]
		rhs := first.Inputs[1]
		concat := e.emit(netbuilder.OpConcat, variables(first.Inputs[0], second.Inputs[0]), netbuilder.Attrs{"axis": 0})
		merged := e.emit(netbuilder.OpMatmul, variables(concat, rhs), nil)
		m0, m1, n := out0.Dims[0], out1.Dims[0], rhs.Dims[1]
		e.emitInto(out0, netbuilder.OpSlice, variables(merged),
			netbuilder.Attrs{"starts": []int{0, 0}, "ends": []int{m0, n}, "strides": []int{1, 1}})
		e.emitInto(out1, netbuilder.OpSlice, variables(merged),
			netbuilder.Attrs{"starts": []int{m0, 0}, "ends": []int{m0 + m1, n}, "strides": []int{1, 1}})
	}
	if e.err != nil {
		return errors.WithMessagef(e.err, "merging %s and %s", first, second)
	}

	instructions := prog.Instructions()
	rewritten := make([]*netbuilder.Instruction, 0, len(instructions)+len(e.instructions))
	rewritten = append(rewritten, instructions[:pair.first]...)
	rewritten = append(rewritten, e.instructions...)
	rewritten = append(rewritten, instructions[pair.first+1:pair.second]...)
	rewritten = append(rewritten, instructions[pair.second+1:]...)
	prog.SetInstructions(rewritten)
	return nil
}
