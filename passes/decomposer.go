package passes

import (
	"math"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/opcheck/netbuilder"
	"github.com/gomlx/opcheck/target"
	"github.com/pkg/errors"
)

// decompose rewrites the composite instructions into simpler ones. The final instruction of each rewrite writes
// to the original output variables, so consumers and fetched IDs are unaffected.
func decompose(prog *netbuilder.Program, _ target.Target, _ map[string]bool) error {
	e := &emitter{prog: prog}
	for _, instr := range prog.Instructions() {
		switch instr.OpType {
		case netbuilder.OpTopK:
			decomposeTopK(e, instr)
		case netbuilder.OpRelu:
			decomposeRelu(e, instr)
		case netbuilder.OpReluGrad:
			decomposeReluGrad(e, instr)
		case netbuilder.OpSoftmax:
			decomposeSoftmax(e, instr)
		default:
			e.instructions = append(e.instructions, instr)
		}
		if e.err != nil {
			return errors.WithMessagef(e.err, "decomposing %s", instr)
		}
	}
	prog.SetInstructions(e.instructions)
	return nil
}

// withoutAxis returns the axes [0, rank) except axis.
func withoutAxis(rank, axis int) []int {
	axes := make([]int, 0, rank)
	for a := range rank {
		if a != axis {
			axes = append(axes, a)
		}
	}
	return axes
}

// reduceAndBroadcast reduces x over axis and broadcasts the result back to the dimensions of x.
func reduceAndBroadcast(e *emitter, opType string, x *netbuilder.Variable, axis int) (reduced, broadcast *netbuilder.Variable) {
	if e.err != nil {
		return nil, nil
	}
	reduced = e.emit(opType, variables(x), netbuilder.Attrs{"axes": []int{axis}})
	broadcast = e.emit(netbuilder.OpBroadcastTo, variables(reduced),
		netbuilder.Attrs{"out_shape": x.Dims, "broadcast_axes": withoutAxis(len(x.Dims), axis)})
	return
}

// decomposeTopK selects the k largest values one at a time: each round takes the maximum of what is left,
// finds the lowest index holding it, and masks that position out with -inf. The per-round results are
// concatenated along the last axis.
func decomposeTopK(e *emitter, instr *netbuilder.Instruction) {
	x := instr.Inputs[0]
	k, err := instr.Attrs.Int("k")
	if err != nil {
		e.err = err
		return
	}
	dims := x.Dims
	last := len(dims) - 1
	n := dims[last]
	rowDims := append(append([]int{}, dims[:last]...), 1)

	positions := e.emit(netbuilder.OpIota, nil, netbuilder.Attrs{"dtype": dtypes.Int64, "shape": dims, "axis": last})
	outOfRange := e.emit(netbuilder.OpFillConstant, nil,
		netbuilder.Attrs{"dtype": dtypes.Int64, "shape": dims, "value": float64(n)})
	negInf := e.emit(netbuilder.OpFillConstant, nil,
		netbuilder.Attrs{"dtype": x.DType, "shape": dims, "value": math.Inf(-1)})

	remaining, available := x, positions
	values := make([]*netbuilder.Variable, 0, k)
	indices := make([]*netbuilder.Variable, 0, k)
	for round := range k {
		if e.err != nil {
			return
		}
		maxValue, maxBroadcast := reduceAndBroadcast(e, netbuilder.OpReduceMax, remaining, last)
		isMax := e.emit(netbuilder.OpCompare, variables(remaining, maxBroadcast), netbuilder.Attrs{"direction": "EQ"})
		candidates := e.emit(netbuilder.OpSelect, variables(isMax, available, outOfRange), nil)
		index, indexBroadcast := reduceAndBroadcast(e, netbuilder.OpReduceMin, candidates, last)
		values = append(values, e.emit(netbuilder.OpReshape, variables(maxValue), netbuilder.Attrs{"shape": rowDims}))
		indices = append(indices, e.emit(netbuilder.OpReshape, variables(index), netbuilder.Attrs{"shape": rowDims}))
		if round == k-1 {
			break
		}
		taken := e.emit(netbuilder.OpCompare, variables(positions, indexBroadcast), netbuilder.Attrs{"direction": "EQ"})
		remaining = e.emit(netbuilder.OpSelect, variables(taken, negInf, remaining), nil)
		available = e.emit(netbuilder.OpSelect, variables(taken, outOfRange, available), nil)
	}
	e.emitInto(instr.Outputs[0], netbuilder.OpConcat, values, netbuilder.Attrs{"axis": last})
	e.emitInto(instr.Outputs[1], netbuilder.OpConcat, indices, netbuilder.Attrs{"axis": last})
}

// decomposeRelu: relu(x) = max(x, 0).
func decomposeRelu(e *emitter, instr *netbuilder.Instruction) {
	x := instr.Inputs[0]
	zero := e.emit(netbuilder.OpFillConstant, nil, netbuilder.Attrs{"dtype": x.DType, "shape": x.Dims, "value": 0.0})
	e.emitInto(instr.Outputs[0], netbuilder.OpMaximum, variables(x, zero), nil)
}

// decomposeReluGrad: relu_grad(dOut, out) = select(out > 0, dOut, 0).
func decomposeReluGrad(e *emitter, instr *netbuilder.Instruction) {
	dOut, out := instr.Inputs[0], instr.Inputs[1]
	zero := e.emit(netbuilder.OpFillConstant, nil, netbuilder.Attrs{"dtype": out.DType, "shape": out.Dims, "value": 0.0})
	positive := e.emit(netbuilder.OpCompare, variables(out, zero), netbuilder.Attrs{"direction": "GT"})
	e.emitInto(instr.Outputs[0], netbuilder.OpSelect, variables(positive, dOut, zero), nil)
}

// decomposeSoftmax: softmax(x) = exp(x - max(x)) / sum(exp(x - max(x))), along axis.
func decomposeSoftmax(e *emitter, instr *netbuilder.Instruction) {
	x := instr.Inputs[0]
	axis, err := instr.Attrs.Int("axis")
	if err != nil {
		e.err = err
		return
	}
	_, maxBroadcast := reduceAndBroadcast(e, netbuilder.OpReduceMax, x, axis)
	shifted := e.emit(netbuilder.OpSubtract, variables(x, maxBroadcast), nil)
	exp := e.emit(netbuilder.OpExp, variables(shifted), nil)
	_, sumBroadcast := reduceAndBroadcast(e, netbuilder.OpReduceSum, exp, axis)
	e.emitInto(instr.Outputs[0], netbuilder.OpDivide, variables(exp, sumBroadcast), nil)
}
