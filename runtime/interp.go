package runtime

import (
	"slices"

	"github.com/gomlx/opcheck/internal/kernels"
	"github.com/gomlx/opcheck/netbuilder"
	"github.com/gomlx/opcheck/tensors"
	"github.com/pkg/errors"
)

// Interpret executes prog on the host, one instruction at a time, and returns the values of the variables
// outputIDs. feeds are given in the order of prog.Inputs().
//
// Composite ops are executed directly, so programs can be interpreted before or after decomposition.
func Interpret(prog *netbuilder.Program, feeds []*tensors.Tensor, outputIDs []string) ([]*tensors.Tensor, error) {
	declared := prog.Inputs()
	if len(feeds) != len(declared) {
		return nil, errors.Errorf("program %q has %d inputs, %d feeds given", prog.Name(), len(declared), len(feeds))
	}
	values := make(map[string]*tensors.Tensor, len(declared)+prog.Size())
	for i, input := range declared {
		if feeds[i].DType() != input.DType || !slices.Equal(feeds[i].Dims(), input.Dims) {
			return nil, errors.Errorf("input %q is declared as %s, but it was fed %s",
				input.ID, input.ShapeString(), feeds[i].ShapeString())
		}
		values[input.ID] = feeds[i]
	}
	for _, instr := range prog.Instructions() {
		operands := make([]*tensors.Tensor, len(instr.Inputs))
		for i, input := range instr.Inputs {
			operand, found := values[input.ID]
			if !found {
				return nil, errors.Errorf("instruction %s uses %q before it is defined", instr, input.ID)
			}
			operands[i] = operand
		}
		results, err := interpretInstruction(instr, operands)
		if err != nil {
			return nil, errors.WithMessagef(err, "interpreting %s", instr)
		}
		for i, output := range instr.Outputs {
			values[output.ID] = results[i]
		}
	}
	outputs := make([]*tensors.Tensor, len(outputIDs))
	for i, id := range outputIDs {
		value, found := values[id]
		if !found {
			return nil, errors.Errorf("output %q is not computed by program %q", id, prog.Name())
		}
		outputs[i] = value
	}
	return outputs, nil
}

func single(t *tensors.Tensor, err error) ([]*tensors.Tensor, error) {
	if err != nil {
		return nil, err
	}
	return []*tensors.Tensor{t}, nil
}

func interpretInstruction(instr *netbuilder.Instruction, operands []*tensors.Tensor) ([]*tensors.Tensor, error) {
	attrs := instr.Attrs
	if op, found := netbuilder.BinaryOps[instr.OpType]; found {
		return single(kernels.Binary(op, operands[0], operands[1]))
	}
	if op, found := netbuilder.UnaryOps[instr.OpType]; found {
		return single(kernels.Unary(op, operands[0]))
	}
	if op, found := netbuilder.ReduceOps[instr.OpType]; found {
		axes, err := attrs.Ints("axes")
		if err != nil {
			return nil, err
		}
		if len(axes) == 0 {
			// Reducing a scalar.
			return operands, nil
		}
		return single(kernels.Reduce(op, operands[0], axes...))
	}

	switch instr.OpType {
	case netbuilder.OpIdentity:
		return operands, nil

	case netbuilder.OpReluGrad:
		return single(kernels.ReluGrad(operands[0], operands[1]))

	case netbuilder.OpSoftmax:
		axis, err := attrs.Int("axis")
		if err != nil {
			return nil, err
		}
		return single(kernels.Softmax(operands[0], axis))

	case netbuilder.OpTopK:
		k, err := attrs.Int("k")
		if err != nil {
			return nil, err
		}
		values, indices, err := kernels.TopK(operands[0], k)
		if err != nil {
			return nil, err
		}
		return []*tensors.Tensor{values, indices}, nil

	case netbuilder.OpMatmul:
		return single(kernels.MatMul(operands[0], operands[1]))

	case netbuilder.OpCompare:
		name, err := attrs.Str("direction")
		if err != nil {
			return nil, err
		}
		direction, err := kernels.ParseCompareDirection(name)
		if err != nil {
			return nil, err
		}
		return single(kernels.Compare(direction, operands[0], operands[1]))

	case netbuilder.OpSelect:
		return single(kernels.Select(operands[0], operands[1], operands[2]))

	case netbuilder.OpIota, netbuilder.OpFillConstant:
		dtype, err := attrs.DType("dtype")
		if err != nil {
			return nil, err
		}
		dims, err := attrs.Ints("shape")
		if err != nil {
			return nil, err
		}
		if instr.OpType == netbuilder.OpIota {
			axis, err := attrs.Int("axis")
			if err != nil {
				return nil, err
			}
			return single(kernels.Iota(dtype, dims, axis))
		}
		value, err := attrs.Float("value")
		if err != nil {
			return nil, err
		}
		return single(kernels.Fill(dtype, value, dims))

	case netbuilder.OpBroadcastTo:
		dims, err := attrs.Ints("out_shape")
		if err != nil {
			return nil, err
		}
		axes, err := attrs.Ints("broadcast_axes")
		if err != nil {
			return nil, err
		}
		return single(kernels.BroadcastInDim(operands[0], dims, axes))

	case netbuilder.OpReshape:
		dims, err := attrs.Ints("shape")
		if err != nil {
			return nil, err
		}
		return single(operands[0].Reshape(dims...))

	case netbuilder.OpTranspose:
		permutation, err := attrs.Ints("axis")
		if err != nil {
			return nil, err
		}
		return single(kernels.Transpose(operands[0], permutation))

	case netbuilder.OpSlice:
		starts, err := attrs.Ints("starts")
		if err != nil {
			return nil, err
		}
		ends, err := attrs.Ints("ends")
		if err != nil {
			return nil, err
		}
		strides, err := attrs.Ints("strides")
		if err != nil {
			return nil, err
		}
		return single(kernels.Slice(operands[0], starts, ends, strides))

	case netbuilder.OpConcat:
		axis, err := attrs.Int("axis")
		if err != nil {
			return nil, err
		}
		return single(kernels.Concat(axis, operands...))
	}
	return nil, errors.Errorf("op type %q not supported by the interpreter", instr.OpType)
}
