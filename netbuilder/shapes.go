package netbuilder

import (
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/opcheck/internal/kernels"
	"github.com/gomlx/opcheck/tensors"
	"github.com/pkg/errors"
)

// Op types recorded by NetBuilder.
const (
	OpAdd          = "add"
	OpSubtract     = "subtract"
	OpMultiply     = "multiply"
	OpDivide       = "divide"
	OpMaximum      = "maximum"
	OpMinimum      = "minimum"
	OpExp          = "exp"
	OpLog          = "log"
	OpNegate       = "negate"
	OpIdentity     = "identity"
	OpRelu         = "relu"
	OpReluGrad     = "relu_grad"
	OpSoftmax      = "softmax"
	OpTopK         = "top_k"
	OpMatmul       = "matmul"
	OpReduceSum    = "reduce_sum"
	OpReduceMax    = "reduce_max"
	OpReduceMin    = "reduce_min"
	OpCompare      = "compare"
	OpSelect       = "select"
	OpIota         = "iota"
	OpFillConstant = "fill_constant"
	OpBroadcastTo  = "broadcast_to"
	OpReshape      = "reshape"
	OpTranspose    = "transpose"
	OpSlice        = "slice"
	OpConcat       = "concat"
)

// Composite op types have no direct lowering: the Decomposer pass rewrites them into the other ops.
var CompositeOps = []string{OpRelu, OpReluGrad, OpSoftmax, OpTopK}

// IsComposite returns whether opType must be decomposed before lowering.
func IsComposite(opType string) bool { return slices.Contains(CompositeOps, opType) }

// BinaryOps are the element-wise binary op types, mapped to their kernel.
var BinaryOps = map[string]kernels.BinaryOp{
	OpAdd:      kernels.Add,
	OpSubtract: kernels.Subtract,
	OpMultiply: kernels.Multiply,
	OpDivide:   kernels.Divide,
	OpMaximum:  kernels.Maximum,
	OpMinimum:  kernels.Minimum,
}

// UnaryOps are the element-wise unary op types, mapped to their kernel.
// Identity has no kernel and is handled separately.
var UnaryOps = map[string]kernels.UnaryOp{
	OpExp:    kernels.Exp,
	OpLog:    kernels.Log,
	OpNegate: kernels.Negate,
	OpRelu:   kernels.Relu,
}

// ReduceOps are the reduction op types, mapped to their kernel.
var ReduceOps = map[string]kernels.ReduceOp{
	OpReduceSum: kernels.ReduceSum,
	OpReduceMax: kernels.ReduceMax,
	OpReduceMin: kernels.ReduceMin,
}

// Shape is a dtype and dimensions.
type Shape struct {
	DType dtypes.DType
	Dims  []int
}

func shapeOf(v *Variable) Shape { return Shape{DType: v.DType, Dims: slices.Clone(v.Dims)} }

func checkNumInputs(inputs []*Variable, n int) error {
	if len(inputs) != n {
		return errors.Errorf("expected %d operands, got %d", n, len(inputs))
	}
	return nil
}

func checkSameShape(inputs ...*Variable) error {
	for _, input := range inputs[1:] {
		if input.DType != inputs[0].DType || !slices.Equal(input.Dims, inputs[0].Dims) {
			return errors.Errorf("operands %s%s and %s%s have different shapes",
				inputs[0].ID, inputs[0].ShapeString(), input.ID, input.ShapeString())
		}
	}
	return nil
}

func checkFloat(v *Variable) error {
	if !tensors.IsFloat(v.DType) {
		return errors.Errorf("operand %s must be a float, got %s", v.ID, v.ShapeString())
	}
	return nil
}

func checkDims(dims []int) error {
	for _, dim := range dims {
		if dim < 0 {
			return errors.Errorf("invalid dimensions %v", dims)
		}
	}
	return nil
}

// inferShapes validates the operands and attributes of an instruction and returns the shapes of its outputs.
// It normalizes axis attributes in place.
func inferShapes(opType string, inputs []*Variable, attrs Attrs) ([]Shape, error) {
	if _, found := BinaryOps[opType]; found {
		if err := checkNumInputs(inputs, 2); err != nil {
			return nil, err
		}
		if err := checkSameShape(inputs...); err != nil {
			return nil, err
		}
		return []Shape{shapeOf(inputs[0])}, nil
	}
	if _, found := UnaryOps[opType]; found || opType == OpIdentity {
		if err := checkNumInputs(inputs, 1); err != nil {
			return nil, err
		}
		if opType == OpExp || opType == OpLog {
			if err := checkFloat(inputs[0]); err != nil {
				return nil, err
			}
		}
		return []Shape{shapeOf(inputs[0])}, nil
	}
	if _, found := ReduceOps[opType]; found {
		if err := checkNumInputs(inputs, 1); err != nil {
			return nil, err
		}
		axes, err := attrs.Ints("axes")
		if err != nil {
			return nil, err
		}
		if len(axes) == 0 {
			for axis := range inputs[0].Dims {
				axes = append(axes, axis)
			}
		}
		axes, err = kernels.NormalizeAxes(axes, len(inputs[0].Dims))
		if err != nil {
			return nil, err
		}
		attrs["axes"] = axes
		return []Shape{{DType: inputs[0].DType, Dims: kernels.ReducedDims(inputs[0].Dims, axes)}}, nil
	}

	switch opType {
	case OpReluGrad:
		if err := checkNumInputs(inputs, 2); err != nil {
			return nil, err
		}
		if err := checkSameShape(inputs...); err != nil {
			return nil, err
		}
		return []Shape{shapeOf(inputs[0])}, nil

	case OpSoftmax:
		if err := checkNumInputs(inputs, 1); err != nil {
			return nil, err
		}
		if err := checkFloat(inputs[0]); err != nil {
			return nil, err
		}
		axis, err := attrs.Int("axis")
		if err != nil {
			return nil, err
		}
		axes, err := kernels.NormalizeAxes([]int{axis}, len(inputs[0].Dims))
		if err != nil {
			return nil, err
		}
		attrs["axis"] = axes[0]
		return []Shape{shapeOf(inputs[0])}, nil

	case OpTopK:
		if err := checkNumInputs(inputs, 1); err != nil {
			return nil, err
		}
		x := inputs[0]
		k, err := attrs.Int("k")
		if err != nil {
			return nil, err
		}
		if len(x.Dims) == 0 {
			return nil, errors.New("operand must have rank >= 1")
		}
		if n := x.Dims[len(x.Dims)-1]; k <= 0 || k > n {
			return nil, errors.Errorf("k=%d must be in the range [1, %d]", k, n)
		}
		dims := slices.Clone(x.Dims)
		dims[len(dims)-1] = k
		return []Shape{{DType: x.DType, Dims: dims}, {DType: dtypes.Int64, Dims: slices.Clone(dims)}}, nil

	case OpMatmul:
		if err := checkNumInputs(inputs, 2); err != nil {
			return nil, err
		}
		x, y := inputs[0], inputs[1]
		if len(x.Dims) != 2 || len(y.Dims) != 2 || x.Dims[1] != y.Dims[0] {
			return nil, errors.Errorf("incompatible matmul operands %s and %s", x.ShapeString(), y.ShapeString())
		}
		if x.DType != y.DType {
			return nil, errors.Errorf("matmul operands have different dtypes %s and %s", x.DType, y.DType)
		}
		return []Shape{{DType: x.DType, Dims: []int{x.Dims[0], y.Dims[1]}}}, nil

	case OpCompare:
		if err := checkNumInputs(inputs, 2); err != nil {
			return nil, err
		}
		if err := checkSameShape(inputs...); err != nil {
			return nil, err
		}
		direction, err := attrs.Str("direction")
		if err != nil {
			return nil, err
		}
		if _, err := kernels.ParseCompareDirection(direction); err != nil {
			return nil, err
		}
		return []Shape{{DType: dtypes.Bool, Dims: slices.Clone(inputs[0].Dims)}}, nil

	case OpSelect:
		if err := checkNumInputs(inputs, 3); err != nil {
			return nil, err
		}
		if inputs[0].DType != dtypes.Bool || !slices.Equal(inputs[0].Dims, inputs[1].Dims) {
			return nil, errors.Errorf("select predicate %s must be Bool with the dimensions of the branches", inputs[0].ShapeString())
		}
		if err := checkSameShape(inputs[1], inputs[2]); err != nil {
			return nil, err
		}
		return []Shape{shapeOf(inputs[1])}, nil

	case OpIota, OpFillConstant:
		if err := checkNumInputs(inputs, 0); err != nil {
			return nil, err
		}
		dtype, err := attrs.DType("dtype")
		if err != nil {
			return nil, err
		}
		if !tensors.IsSupported(dtype) {
			return nil, errors.Errorf("dtype %s not supported", dtype)
		}
		dims, err := attrs.Ints("shape")
		if err != nil {
			return nil, err
		}
		if err := checkDims(dims); err != nil {
			return nil, err
		}
		if opType == OpIota {
			axis, err := attrs.Int("axis")
			if err != nil {
				return nil, err
			}
			if axis < 0 || axis >= len(dims) {
				return nil, errors.Errorf("iota axis %d out of range for dimensions %v", axis, dims)
			}
		} else if _, err := attrs.Float("value"); err != nil {
			return nil, err
		}
		return []Shape{{DType: dtype, Dims: slices.Clone(dims)}}, nil

	case OpBroadcastTo:
		if err := checkNumInputs(inputs, 1); err != nil {
			return nil, err
		}
		x := inputs[0]
		dims, err := attrs.Ints("out_shape")
		if err != nil {
			return nil, err
		}
		axes, err := attrs.Ints("broadcast_axes")
		if err != nil {
			return nil, err
		}
		if len(axes) != len(x.Dims) {
			return nil, errors.Errorf("%d broadcast axes given for operand %s", len(axes), x.ShapeString())
		}
		for i, axis := range axes {
			if axis < 0 || axis >= len(dims) || (i > 0 && axis <= axes[i-1]) {
				return nil, errors.Errorf("invalid broadcast axes %v for output dimensions %v", axes, dims)
			}
			if x.Dims[i] != 1 && x.Dims[i] != dims[axis] {
				return nil, errors.Errorf("cannot broadcast %s to %v with axes %v", x.ShapeString(), dims, axes)
			}
		}
		return []Shape{{DType: x.DType, Dims: slices.Clone(dims)}}, nil

	case OpReshape:
		if err := checkNumInputs(inputs, 1); err != nil {
			return nil, err
		}
		dims, err := attrs.Ints("shape")
		if err != nil {
			return nil, err
		}
		if err := checkDims(dims); err != nil {
			return nil, err
		}
		if tensors.SizeOf(dims) != tensors.SizeOf(inputs[0].Dims) {
			return nil, errors.Errorf("cannot reshape %s to %v", inputs[0].ShapeString(), dims)
		}
		return []Shape{{DType: inputs[0].DType, Dims: slices.Clone(dims)}}, nil

	case OpTranspose:
		if err := checkNumInputs(inputs, 1); err != nil {
			return nil, err
		}
		x := inputs[0]
		permutation, err := attrs.Ints("axis")
		if err != nil {
			return nil, err
		}
		if len(permutation) != len(x.Dims) {
			return nil, errors.Errorf("permutation %v doesn't match rank of %s", permutation, x.ShapeString())
		}
		dims := make([]int, len(x.Dims))
		seen := make([]bool, len(x.Dims))
		for i, axis := range permutation {
			if axis < 0 || axis >= len(x.Dims) || seen[axis] {
				return nil, errors.Errorf("invalid permutation %v", permutation)
			}
			seen[axis] = true
			dims[i] = x.Dims[axis]
		}
		return []Shape{{DType: x.DType, Dims: dims}}, nil

	case OpSlice:
		if err := checkNumInputs(inputs, 1); err != nil {
			return nil, err
		}
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
		dims, err := kernels.SliceDims(inputs[0].Dims, starts, ends, strides)
		if err != nil {
			return nil, err
		}
		return []Shape{{DType: inputs[0].DType, Dims: dims}}, nil

	case OpConcat:
		if len(inputs) == 0 {
			return nil, errors.New("no operands given")
		}
		axis, err := attrs.Int("axis")
		if err != nil {
			return nil, err
		}
		if axis < 0 {
			axis += len(inputs[0].Dims)
			attrs["axis"] = axis
		}
		allDims := make([][]int, len(inputs))
		for i, input := range inputs {
			if input.DType != inputs[0].DType {
				return nil, errors.Errorf("operands have different dtypes %s and %s", inputs[0].DType, input.DType)
			}
			allDims[i] = input.Dims
		}
		dims, err := kernels.ConcatDims(axis, allDims...)
		if err != nil {
			return nil, err
		}
		return []Shape{{DType: inputs[0].DType, Dims: dims}}, nil
	}
	return nil, errors.Errorf("unknown op type %q", opType)
}
