package runtime

import (
	"math"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/opcheck/internal/kernels"
	"github.com/gomlx/opcheck/netbuilder"
	"github.com/gomlx/stablehlo"
	stablehlotypes "github.com/gomlx/stablehlo/types"
	stablehloshapes "github.com/gomlx/stablehlo/types/shapes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

// reductionKey indexes the cache of reduction closures of a lowering.
type reductionKey struct {
	dtype dtypes.DType
	op    kernels.ReduceOp
}

// lowering holds the state of the conversion of one program to StableHLO.
type lowering struct {
	builder    *stablehlo.Builder
	fn         *stablehlo.Function
	values     map[string]*stablehlo.Value
	reductions map[reductionKey]*stablehlo.Function
}

// Lower converts prog to a StableHLO module whose main function takes the program inputs, in declaration
// order, and returns the variables outputIDs.
func Lower(prog *netbuilder.Program, outputIDs []string) ([]byte, error) {
	if len(outputIDs) == 0 {
		return nil, errors.Errorf("program %q: no outputs to lower", prog.Name())
	}
	l := &lowering{
		builder:    stablehlo.New(prog.Name()),
		values:     make(map[string]*stablehlo.Value),
		reductions: make(map[reductionKey]*stablehlo.Function),
	}
	l.fn = l.builder.Main()
	for _, input := range prog.Inputs() {
		l.values[input.ID] = l.fn.NamedInput(input.ID, stablehloshapes.Make(input.DType, input.Dims...))
	}
	for _, instr := range prog.Instructions() {
		if netbuilder.IsComposite(instr.OpType) {
			return nil, errors.Errorf("program %q: composite op %q can't be lowered, run the \"Decomposer\" pass first",
				prog.Name(), instr.OpType)
		}
		operands := make([]*stablehlo.Value, len(instr.Inputs))
		for i, input := range instr.Inputs {
			operand, found := l.values[input.ID]
			if !found {
				return nil, errors.Errorf("program %q: %s uses %q before it is defined", prog.Name(), instr, input.ID)
			}
			operands[i] = operand
		}
		value, err := l.lowerInstruction(instr, operands)
		if err != nil {
			return nil, errors.WithMessagef(err, "program %q: lowering %s", prog.Name(), instr)
		}
		l.values[instr.Outputs[0].ID] = value
	}

	results := make([]*stablehlo.Value, len(outputIDs))
	for i, id := range outputIDs {
		value, found := l.values[id]
		if !found {
			return nil, errors.Errorf("program %q: output %q is not computed", prog.Name(), id)
		}
		results[i] = value
	}
	if err := l.fn.Return(results[0], results[1:]...); err != nil {
		return nil, errors.WithMessagef(err, "program %q: setting the outputs", prog.Name())
	}
	module, err := l.builder.Build()
	if err != nil {
		return nil, errors.WithMessagef(err, "program %q: failed to build StableHLO", prog.Name())
	}
	if klog.V(2).Enabled() {
		klog.Infof("StableHLO program:\n%s\n", module)
	}
	return module, nil
}

func (l *lowering) lowerInstruction(instr *netbuilder.Instruction, operands []*stablehlo.Value) (*stablehlo.Value, error) {
	attrs := instr.Attrs
	switch instr.OpType {
	case netbuilder.OpAdd:
		return stablehlo.Add(operands[0], operands[1])
	case netbuilder.OpSubtract:
		return stablehlo.Subtract(operands[0], operands[1])
	case netbuilder.OpMultiply:
		return stablehlo.Multiply(operands[0], operands[1])
	case netbuilder.OpDivide:
		return stablehlo.Divide(operands[0], operands[1])
	case netbuilder.OpMaximum:
		return stablehlo.Maximum(operands[0], operands[1])
	case netbuilder.OpMinimum:
		return stablehlo.Minimum(operands[0], operands[1])
	case netbuilder.OpExp:
		return stablehlo.Exponential(operands[0])
	case netbuilder.OpLog:
		return stablehlo.Log(operands[0])
	case netbuilder.OpNegate:
		return stablehlo.Negate(operands[0])
	case netbuilder.OpIdentity:
		return operands[0], nil

	case netbuilder.OpMatmul:
		return stablehlo.DotGeneral(operands[0], []int{1}, nil, operands[1], []int{0}, nil).Done()

	case netbuilder.OpReduceSum, netbuilder.OpReduceMax, netbuilder.OpReduceMin:
		axes, err := attrs.Ints("axes")
		if err != nil {
			return nil, err
		}
		if len(axes) == 0 {
			return operands[0], nil
		}
		return l.reduce(netbuilder.ReduceOps[instr.OpType], instr.Inputs[0].DType, operands[0], axes)

	case netbuilder.OpCompare:
		name, err := attrs.Str("direction")
		if err != nil {
			return nil, err
		}
		direction, err := compareDirection(name)
		if err != nil {
			return nil, err
		}
		return stablehlo.Compare(operands[0], operands[1], direction, compareTypeForDType(instr.Inputs[0].DType))

	case netbuilder.OpSelect:
		return stablehlo.Select(operands[0], operands[1], operands[2])

	case netbuilder.OpIota:
		axis, err := attrs.Int("axis")
		if err != nil {
			return nil, err
		}
		output := instr.Outputs[0]
		return l.fn.Iota(stablehloshapes.Make(output.DType, output.Dims...), axis)

	case netbuilder.OpFillConstant:
		value, err := attrs.Float("value")
		if err != nil {
			return nil, err
		}
		output := instr.Outputs[0]
		scalar, err := goScalar(output.DType, value)
		if err != nil {
			return nil, err
		}
		constant, err := l.fn.ConstantFromScalar(scalar)
		if err != nil {
			return nil, err
		}
		return stablehlo.BroadcastInDim(constant, stablehloshapes.Make(output.DType, output.Dims...), nil)

	case netbuilder.OpBroadcastTo:
		axes, err := attrs.Ints("broadcast_axes")
		if err != nil {
			return nil, err
		}
		output := instr.Outputs[0]
		return stablehlo.BroadcastInDim(operands[0], stablehloshapes.Make(output.DType, output.Dims...), axes)

	case netbuilder.OpReshape:
		output := instr.Outputs[0]
		return stablehlo.Reshape(operands[0], stablehloshapes.Make(output.DType, output.Dims...))

	case netbuilder.OpTranspose:
		permutation, err := attrs.Ints("axis")
		if err != nil {
			return nil, err
		}
		return stablehlo.Transpose(operands[0], permutation...)

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
		return stablehlo.Slice(operands[0], starts, ends, strides)

	case netbuilder.OpConcat:
		axis, err := attrs.Int("axis")
		if err != nil {
			return nil, err
		}
		return stablehlo.Concatenate(axis, operands...)
	}
	return nil, errors.Errorf("op type %q has no StableHLO lowering", instr.OpType)
}

// reduce lowers a reduction: the reduction closure is created once per dtype and op.
func (l *lowering) reduce(op kernels.ReduceOp, dtype dtypes.DType, x *stablehlo.Value, axes []int) (*stablehlo.Value, error) {
	key := reductionKey{dtype: dtype, op: op}
	reductionFn, found := l.reductions[key]
	if !found {
		reductionFn = l.fn.Closure()
		lhs := reductionFn.NamedInput("lhs", stablehloshapes.Make(dtype))
		rhs := reductionFn.NamedInput("rhs", stablehloshapes.Make(dtype))
		var result *stablehlo.Value
		var err error
		switch op {
		case kernels.ReduceSum:
			result, err = stablehlo.Add(lhs, rhs)
		case kernels.ReduceMax:
			result, err = stablehlo.Maximum(lhs, rhs)
		case kernels.ReduceMin:
			result, err = stablehlo.Minimum(lhs, rhs)
		default:
			err = errors.Errorf("unsupported reduction %s", op)
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "while building reduction function for %s", op)
		}
		if err = reductionFn.Return(result); err != nil {
			return nil, errors.WithMessagef(err, "while building reduction function for %s", op)
		}
		l.reductions[key] = reductionFn
	}

	initial, err := reductionInitialValue(op, dtype)
	if err != nil {
		return nil, err
	}
	initialValue, err := l.fn.ConstantFromScalar(initial)
	if err != nil {
		return nil, err
	}
	return stablehlo.Reduce(x, initialValue, reductionFn, axes...)
}

// goScalar converts value to the Go type used for dtype.
func goScalar(dtype dtypes.DType, value float64) (any, error) {
	switch dtype {
	case dtypes.Bool:
		return value != 0, nil
	case dtypes.Int32:
		return int32(value), nil
	case dtypes.Int64:
		return int64(value), nil
	case dtypes.Float16:
		return float16.Fromfloat32(float32(value)), nil
	case dtypes.Float32:
		return float32(value), nil
	case dtypes.Float64:
		return value, nil
	}
	return nil, errors.Errorf("unsupported scalar for dtype %s", dtype)
}

// reductionInitialValue returns the identity element of the reduction for dtype.
func reductionInitialValue(op kernels.ReduceOp, dtype dtypes.DType) (any, error) {
	switch op {
	case kernels.ReduceSum:
		return goScalar(dtype, 0)
	case kernels.ReduceMax:
		switch dtype {
		case dtypes.Int32:
			return int32(math.MinInt32), nil
		case dtypes.Int64:
			return int64(math.MinInt64), nil
		case dtypes.Bool:
			return false, nil
		}
		return goScalar(dtype, math.Inf(-1))
	case kernels.ReduceMin:
		switch dtype {
		case dtypes.Int32:
			return int32(math.MaxInt32), nil
		case dtypes.Int64:
			return int64(math.MaxInt64), nil
		case dtypes.Bool:
			return true, nil
		}
		return goScalar(dtype, math.Inf(1))
	}
	return nil, errors.Errorf("unsupported reduction %s", op)
}

func compareDirection(name string) (stablehlotypes.ComparisonDirection, error) {
	direction, err := kernels.ParseCompareDirection(name)
	if err != nil {
		return stablehlotypes.CompareEQ, err
	}
	switch direction {
	case kernels.NotEqual:
		return stablehlotypes.CompareNE, nil
	case kernels.GreaterThan:
		return stablehlotypes.CompareGT, nil
	case kernels.GreaterOrEqual:
		return stablehlotypes.CompareGE, nil
	case kernels.LessThan:
		return stablehlotypes.CompareLT, nil
	case kernels.LessOrEqual:
		return stablehlotypes.CompareLE, nil
	}
	return stablehlotypes.CompareEQ, nil
}

func compareTypeForDType(dtype dtypes.DType) stablehlotypes.ComparisonType {
	switch {
	case dtype.IsFloat():
		return stablehlotypes.CompareFloat
	case dtype == dtypes.Bool:
		return stablehlotypes.CompareUnsigned
	}
	return stablehlotypes.CompareSigned
}
