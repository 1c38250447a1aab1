// Package kernels implements the host (Go) computation of the operators supported by opcheck.
//
// Kernels take and return *tensors.Tensor. Values are computed in float64 and converted back to the output dtype,
// except for float32 transcendental functions, which use float32 math (github.com/chewxy/math32) to mimic
// what devices do.
//
// They are shared by the reference framework (package reference) and the interpreter target (package runtime).
package kernels

import (
	"math"
	"slices"

	"github.com/chewxy/math32"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/opcheck/tensors"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
	"gonum.org/v1/gonum/mat"
)

// BinaryOp enumerates the element-wise binary operations.
type BinaryOp int

const (
	Add BinaryOp = iota
	Subtract
	Multiply
	Divide
	Maximum
	Minimum
)

var binaryOpNames = []string{"add", "subtract", "multiply", "divide", "maximum", "minimum"}

func (op BinaryOp) String() string { return binaryOpNames[op] }

// UnaryOp enumerates the element-wise unary operations.
type UnaryOp int

const (
	Exp UnaryOp = iota
	Log
	Negate
	Relu
)

var unaryOpNames = []string{"exp", "log", "negate", "relu"}

func (op UnaryOp) String() string { return unaryOpNames[op] }

// ReduceOp enumerates the reductions.
type ReduceOp int

const (
	ReduceSum ReduceOp = iota
	ReduceMax
	ReduceMin
)

var reduceOpNames = []string{"reduce_sum", "reduce_max", "reduce_min"}

func (op ReduceOp) String() string { return reduceOpNames[op] }

// CompareDirection enumerates the comparisons.
type CompareDirection int

const (
	Equal CompareDirection = iota
	NotEqual
	GreaterThan
	GreaterOrEqual
	LessThan
	LessOrEqual
)

var compareDirectionNames = []string{"EQ", "NE", "GT", "GE", "LT", "LE"}

func (d CompareDirection) String() string { return compareDirectionNames[d] }

// ParseCompareDirection converts "EQ", "NE", "GT", "GE", "LT" or "LE" to a CompareDirection.
func ParseCompareDirection(name string) (CompareDirection, error) {
	idx := slices.Index(compareDirectionNames, name)
	if idx < 0 {
		return Equal, errors.Errorf("unknown compare direction %q", name)
	}
	return CompareDirection(idx), nil
}

// Strides returns the row-major strides of the given dimensions.
func Strides(dims []int) []int {
	strides := make([]int, len(dims))
	stride := 1
	for axis := len(dims) - 1; axis >= 0; axis-- {
		strides[axis] = stride
		stride *= dims[axis]
	}
	return strides
}

// unravel converts a flat index into a position, writing it in position.
func unravel(flatIdx int, dims, position []int) {
	for axis := len(dims) - 1; axis >= 0; axis-- {
		if dims[axis] == 0 {
			position[axis] = 0
			continue
		}
		position[axis] = flatIdx % dims[axis]
		flatIdx /= dims[axis]
	}
}

func sameDims(opName string, tensorsList ...*tensors.Tensor) error {
	for _, t := range tensorsList[1:] {
		if !slices.Equal(t.Dims(), tensorsList[0].Dims()) {
			return errors.Errorf("%s: operands have different dimensions %v and %v", opName, tensorsList[0].Dims(), t.Dims())
		}
	}
	return nil
}

// Binary applies op element-wise. Operands must have the same dimensions; the output has the dtype of x.
func Binary(op BinaryOp, x, y *tensors.Tensor) (*tensors.Tensor, error) {
	if err := sameDims(op.String(), x, y); err != nil {
		return nil, err
	}
	if x.DType() != y.DType() {
		return nil, errors.Errorf("%s: operands have different dtypes %s and %s", op, x.DType(), y.DType())
	}
	xs, ys := x.Float64s(), y.Float64s()
	out := make([]float64, len(xs))
	isInt := !tensors.IsFloat(x.DType())
	for i := range xs {
		a, b := xs[i], ys[i]
		switch op {
		case Add:
			out[i] = a + b
		case Subtract:
			out[i] = a - b
		case Multiply:
			out[i] = a * b
		case Divide:
			if isInt {
				if b == 0 {
					return nil, errors.Errorf("%s: integer division by zero at element %d", op, i)
				}
				out[i] = math.Trunc(a / b)
			} else {
				out[i] = a / b
			}
		case Maximum:
			out[i] = nanAwareMax(a, b)
		case Minimum:
			out[i] = -nanAwareMax(-a, -b)
		}
	}
	return tensors.FromFloat64s(x.DType(), out, x.Dims()...)
}

// nanAwareMax propagates NaNs, like XLA's maximum.
func nanAwareMax(a, b float64) float64 {
	if math.IsNaN(a) || math.IsNaN(b) {
		return math.NaN()
	}
	return max(a, b)
}

// Unary applies op element-wise.
func Unary(op UnaryOp, x *tensors.Tensor) (*tensors.Tensor, error) {
	if (op == Exp || op == Log) && !tensors.IsFloat(x.DType()) {
		return nil, errors.Errorf("%s: requires a float dtype, got %s", op, x.DType())
	}
	useFloat32 := x.DType() == dtypes.Float32
	xs := x.Float64s()
	out := make([]float64, len(xs))
	for i, v := range xs {
		switch op {
		case Exp:
			if useFloat32 {
				out[i] = float64(math32.Exp(float32(v)))
			} else {
				out[i] = math.Exp(v)
			}
		case Log:
			if useFloat32 {
				out[i] = float64(math32.Log(float32(v)))
			} else {
				out[i] = math.Log(v)
			}
		case Negate:
			out[i] = -v
		case Relu:
			if v > 0 || math.IsNaN(v) {
				out[i] = v
			}
		}
	}
	return tensors.FromFloat64s(x.DType(), out, x.Dims()...)
}

// ReluGrad returns dOut where out > 0, and 0 elsewhere.
func ReluGrad(dOut, out *tensors.Tensor) (*tensors.Tensor, error) {
	if err := sameDims("relu_grad", dOut, out); err != nil {
		return nil, err
	}
	dOuts, outs := dOut.Float64s(), out.Float64s()
	result := make([]float64, len(dOuts))
	for i := range dOuts {
		if outs[i] > 0 {
			result[i] = dOuts[i]
		}
	}
	return tensors.FromFloat64s(dOut.DType(), result, dOut.Dims()...)
}

// NormalizeAxes checks the axes are valid for the rank, converts negative axes and sorts them.
func NormalizeAxes(axes []int, rank int) ([]int, error) {
	normalized := make([]int, 0, len(axes))
	for _, axis := range axes {
		adjusted := axis
		if adjusted < 0 {
			adjusted += rank
		}
		if adjusted < 0 || adjusted >= rank {
			return nil, errors.Errorf("axis %d out of range for rank %d", axis, rank)
		}
		if slices.Contains(normalized, adjusted) {
			return nil, errors.Errorf("axis %d given more than once in %v", axis, axes)
		}
		normalized = append(normalized, adjusted)
	}
	slices.Sort(normalized)
	return normalized, nil
}

// ReducedDims returns dims with the given (normalized) axes removed.
func ReducedDims(dims, axes []int) []int {
	reduced := make([]int, 0, len(dims))
	for axis, dim := range dims {
		if !slices.Contains(axes, axis) {
			reduced = append(reduced, dim)
		}
	}
	return reduced
}

// Reduce reduces x over the given axes, which are removed from the output. No axes means all axes.
func Reduce(op ReduceOp, x *tensors.Tensor, axes ...int) (*tensors.Tensor, error) {
	dims := x.Dims()
	if len(axes) == 0 {
		for axis := range dims {
			axes = append(axes, axis)
		}
	}
	axes, err := NormalizeAxes(axes, len(dims))
	if err != nil {
		return nil, errors.WithMessagef(err, "%s", op)
	}
	outDims := ReducedDims(dims, axes)
	outSize := tensors.SizeOf(outDims)
	initial := 0.0
	switch op {
	case ReduceMax:
		initial = math.Inf(-1)
	case ReduceMin:
		initial = math.Inf(1)
	}
	if !tensors.IsFloat(x.DType()) {
		// Integer reductions start from the extreme representable values.
		switch {
		case op == ReduceMax && x.DType() == dtypes.Int32:
			initial = math.MinInt32
		case op == ReduceMin && x.DType() == dtypes.Int32:
			initial = math.MaxInt32
		case op == ReduceMax && x.DType() == dtypes.Int64:
			initial = math.MinInt64
		case op == ReduceMin && x.DType() == dtypes.Int64:
			initial = math.MaxInt64
		}
	}
	out := make([]float64, outSize)
	for i := range out {
		out[i] = initial
	}
	outStrides := Strides(outDims)
	position := make([]int, len(dims))
	for flatIdx, v := range x.Float64s() {
		unravel(flatIdx, dims, position)
		outIdx, outAxis := 0, 0
		for axis, p := range position {
			if slices.Contains(axes, axis) {
				continue
			}
			outIdx += p * outStrides[outAxis]
			outAxis++
		}
		switch op {
		case ReduceSum:
			out[outIdx] += v
		case ReduceMax:
			out[outIdx] = nanAwareMax(out[outIdx], v)
		case ReduceMin:
			out[outIdx] = -nanAwareMax(-out[outIdx], -v)
		}
	}
	return tensors.FromFloat64s(x.DType(), out, outDims...)
}

// Compare returns a Bool tensor with the element-wise comparison of x and y.
// Comparisons involving NaN are false, except NotEqual.
func Compare(direction CompareDirection, x, y *tensors.Tensor) (*tensors.Tensor, error) {
	if err := sameDims("compare", x, y); err != nil {
		return nil, err
	}
	xs, ys := x.Float64s(), y.Float64s()
	out := make([]bool, len(xs))
	for i := range xs {
		a, b := xs[i], ys[i]
		switch direction {
		case Equal:
			out[i] = a == b
		case NotEqual:
			out[i] = a != b
		case GreaterThan:
			out[i] = a > b
		case GreaterOrEqual:
			out[i] = a >= b
		case LessThan:
			out[i] = a < b
		case LessOrEqual:
			out[i] = a <= b
		}
	}
	return tensors.FromFlat(out, x.Dims()...)
}

// Select picks onTrue where pred is true and onFalse elsewhere.
func Select(pred, onTrue, onFalse *tensors.Tensor) (*tensors.Tensor, error) {
	if pred.DType() != dtypes.Bool {
		return nil, errors.Errorf("select: predicate must be Bool, got %s", pred.DType())
	}
	if err := sameDims("select", pred, onTrue, onFalse); err != nil {
		return nil, err
	}
	if onTrue.DType() != onFalse.DType() {
		return nil, errors.Errorf("select: branches have different dtypes %s and %s", onTrue.DType(), onFalse.DType())
	}
	preds, _ := tensors.Value[bool](pred)
	ts, fs := onTrue.Float64s(), onFalse.Float64s()
	out := make([]float64, len(ts))
	for i, p := range preds {
		if p {
			out[i] = ts[i]
		} else {
			out[i] = fs[i]
		}
	}
	return tensors.FromFloat64s(onTrue.DType(), out, onTrue.Dims()...)
}

// Iota returns a tensor where each element is its position on the given axis.
func Iota(dtype dtypes.DType, dims []int, axis int) (*tensors.Tensor, error) {
	if axis < 0 || axis >= len(dims) {
		return nil, errors.Errorf("iota: axis %d out of range for dimensions %v", axis, dims)
	}
	out := make([]float64, tensors.SizeOf(dims))
	position := make([]int, len(dims))
	for i := range out {
		unravel(i, dims, position)
		out[i] = float64(position[axis])
	}
	return tensors.FromFloat64s(dtype, out, dims...)
}

// Fill returns a tensor filled with value.
func Fill(dtype dtypes.DType, value float64, dims []int) (*tensors.Tensor, error) {
	return tensors.Full(dtype, value, dims...)
}

// BroadcastInDim broadcasts x to dims: axis i of x is mapped to axis broadcastAxes[i] of the output, and must
// either have dimension 1 or the same dimension as the output axis.
func BroadcastInDim(x *tensors.Tensor, dims []int, broadcastAxes []int) (*tensors.Tensor, error) {
	xDims := x.Dims()
	if len(broadcastAxes) != len(xDims) {
		return nil, errors.Errorf("broadcast: %d broadcast axes given for operand of rank %d", len(broadcastAxes), len(xDims))
	}
	for i, axis := range broadcastAxes {
		if axis < 0 || axis >= len(dims) {
			return nil, errors.Errorf("broadcast: axis %d out of range for output dimensions %v", axis, dims)
		}
		if i > 0 && axis <= broadcastAxes[i-1] {
			return nil, errors.Errorf("broadcast: broadcast axes %v must be strictly increasing", broadcastAxes)
		}
		if xDims[i] != 1 && xDims[i] != dims[axis] {
			return nil, errors.Errorf("broadcast: operand dimensions %v incompatible with output %v for axes %v",
				xDims, dims, broadcastAxes)
		}
	}
	xs := x.Float64s()
	xStrides := Strides(xDims)
	out := make([]float64, tensors.SizeOf(dims))
	position := make([]int, len(dims))
	for i := range out {
		unravel(i, dims, position)
		xIdx := 0
		for xAxis, axis := range broadcastAxes {
			if xDims[xAxis] != 1 {
				xIdx += position[axis] * xStrides[xAxis]
			}
		}
		out[i] = xs[xIdx]
	}
	return tensors.FromFloat64s(x.DType(), out, dims...)
}

// Transpose permutes the axes of x: output axis i is the input axis permutation[i].
func Transpose(x *tensors.Tensor, permutation []int) (*tensors.Tensor, error) {
	xDims := x.Dims()
	if len(permutation) != len(xDims) {
		return nil, errors.Errorf("transpose: permutation %v doesn't match rank %d", permutation, len(xDims))
	}
	seen := make([]bool, len(xDims))
	outDims := make([]int, len(xDims))
	for i, axis := range permutation {
		if axis < 0 || axis >= len(xDims) || seen[axis] {
			return nil, errors.Errorf("transpose: invalid permutation %v", permutation)
		}
		seen[axis] = true
		outDims[i] = xDims[axis]
	}
	xs := x.Float64s()
	xStrides := Strides(xDims)
	out := make([]float64, len(xs))
	position := make([]int, len(outDims))
	for i := range out {
		unravel(i, outDims, position)
		xIdx := 0
		for outAxis, axis := range permutation {
			xIdx += position[outAxis] * xStrides[axis]
		}
		out[i] = xs[xIdx]
	}
	return tensors.FromFloat64s(x.DType(), out, outDims...)
}

// SliceDims validates a slice and returns the output dimensions. Strides may be nil, meaning all 1.
func SliceDims(dims, starts, limits, strides []int) ([]int, error) {
	if len(starts) != len(dims) || len(limits) != len(dims) || (strides != nil && len(strides) != len(dims)) {
		return nil, errors.Errorf("slice: starts %v, limits %v and strides %v must match rank %d", starts, limits, strides, len(dims))
	}
	outDims := make([]int, len(dims))
	for axis, dim := range dims {
		stride := 1
		if strides != nil {
			stride = strides[axis]
		}
		if stride <= 0 || starts[axis] < 0 || limits[axis] > dim || starts[axis] > limits[axis] {
			return nil, errors.Errorf("slice: invalid range [%d:%d:%d] for axis %d of dimension %d",
				starts[axis], limits[axis], stride, axis, dim)
		}
		outDims[axis] = (limits[axis] - starts[axis] + stride - 1) / stride
	}
	return outDims, nil
}

// Slice extracts the sub-array starts <= position < limits, with the given strides (nil means 1).
func Slice(x *tensors.Tensor, starts, limits, strides []int) (*tensors.Tensor, error) {
	xDims := x.Dims()
	outDims, err := SliceDims(xDims, starts, limits, strides)
	if err != nil {
		return nil, err
	}
	xs := x.Float64s()
	xStrides := Strides(xDims)
	out := make([]float64, tensors.SizeOf(outDims))
	position := make([]int, len(outDims))
	for i := range out {
		unravel(i, outDims, position)
		xIdx := 0
		for axis, p := range position {
			stride := 1
			if strides != nil {
				stride = strides[axis]
			}
			xIdx += (starts[axis] + p*stride) * xStrides[axis]
		}
		out[i] = xs[xIdx]
	}
	return tensors.FromFloat64s(x.DType(), out, outDims...)
}

// ConcatDims validates a concatenation and returns the output dimensions.
func ConcatDims(axis int, operandsDims ...[]int) ([]int, error) {
	if len(operandsDims) == 0 {
		return nil, errors.New("concat: no operands given")
	}
	first := operandsDims[0]
	if axis < 0 || axis >= len(first) {
		return nil, errors.Errorf("concat: axis %d out of range for rank %d", axis, len(first))
	}
	outDims := slices.Clone(first)
	for _, dims := range operandsDims[1:] {
		if len(dims) != len(first) {
			return nil, errors.Errorf("concat: operands of different ranks %v and %v", first, dims)
		}
		for a := range dims {
			if a != axis && dims[a] != first[a] {
				return nil, errors.Errorf("concat: operands dimensions %v and %v differ outside axis %d", first, dims, axis)
			}
		}
		outDims[axis] += dims[axis]
	}
	return outDims, nil
}

// Concat concatenates the operands along axis.
func Concat(axis int, operands ...*tensors.Tensor) (*tensors.Tensor, error) {
	if len(operands) == 0 {
		return nil, errors.New("concat: no operands given")
	}
	allDims := make([][]int, len(operands))
	for i, operand := range operands {
		allDims[i] = operand.Dims()
		if operand.DType() != operands[0].DType() {
			return nil, errors.Errorf("concat: operands have different dtypes %s and %s", operands[0].DType(), operand.DType())
		}
	}
	outDims, err := ConcatDims(axis, allDims...)
	if err != nil {
		return nil, err
	}
	out := make([]float64, 0, tensors.SizeOf(outDims))
	outer := tensors.SizeOf(outDims[:axis])
	values := make([][]float64, len(operands))
	for i, operand := range operands {
		values[i] = operand.Float64s()
	}
	for o := 0; o < outer; o++ {
		for i, dims := range allDims {
			chunk := tensors.SizeOf(dims[axis:])
			out = append(out, values[i][o*chunk:(o+1)*chunk]...)
		}
	}
	return tensors.FromFloat64s(operands[0].DType(), out, outDims...)
}

// MatMul multiplies two matrices: [m, k] x [k, n] -> [m, n].
func MatMul(x, y *tensors.Tensor) (*tensors.Tensor, error) {
	xDims, yDims := x.Dims(), y.Dims()
	if len(xDims) != 2 || len(yDims) != 2 {
		return nil, errors.Errorf("matmul: only rank-2 operands supported, got %v and %v", xDims, yDims)
	}
	if xDims[1] != yDims[0] {
		return nil, errors.Errorf("matmul: contracting dimensions don't match for %v x %v", xDims, yDims)
	}
	if x.DType() != y.DType() {
		return nil, errors.Errorf("matmul: operands have different dtypes %s and %s", x.DType(), y.DType())
	}
	m, n := xDims[0], yDims[1]
	if m == 0 || n == 0 || xDims[1] == 0 {
		return tensors.Zeros(x.DType(), m, n)
	}
	a := mat.NewDense(m, xDims[1], x.Float64s())
	b := mat.NewDense(yDims[0], n, y.Float64s())
	var c mat.Dense
	c.Mul(a, b)
	return tensors.FromFloat64s(x.DType(), c.RawMatrix().Data, m, n)
}

// argsortDescending returns the indices that sort values in descending order.
// Ties keep the lower index first. NaNs are considered larger than any other value.
func argsortDescending[T constraints.Float](values []T) []int {
	indices := make([]int, len(values))
	for i := range indices {
		indices[i] = i
	}
	slices.SortStableFunc(indices, func(a, b int) int {
		va, vb := values[a], values[b]
		aNaN, bNaN := va != va, vb != vb
		switch {
		case aNaN && bNaN:
			return 0
		case aNaN:
			return -1
		case bNaN:
			return 1
		case va > vb:
			return -1
		case va < vb:
			return 1
		}
		return 0
	})
	return indices
}

// TopK returns the k largest values along the last axis, in descending order, and their Int64 indices.
func TopK(x *tensors.Tensor, k int) (values, indices *tensors.Tensor, err error) {
	dims := x.Dims()
	if len(dims) == 0 {
		return nil, nil, errors.New("top_k: operand must have rank >= 1")
	}
	n := dims[len(dims)-1]
	if k <= 0 || k > n {
		return nil, nil, errors.Errorf("top_k: k=%d must be in the range [1, %d]", k, n)
	}
	outDims := slices.Clone(dims)
	outDims[len(outDims)-1] = k
	xs := x.Float64s()
	rows := tensors.SizeOf(dims[:len(dims)-1])
	outValues := make([]float64, 0, rows*k)
	outIndices := make([]int64, 0, rows*k)
	for row := 0; row < rows; row++ {
		rowValues := xs[row*n : (row+1)*n]
		for _, idx := range argsortDescending(rowValues)[:k] {
			outValues = append(outValues, rowValues[idx])
			outIndices = append(outIndices, int64(idx))
		}
	}
	values, err = tensors.FromFloat64s(x.DType(), outValues, outDims...)
	if err != nil {
		return nil, nil, err
	}
	indices, err = tensors.FromFlat(outIndices, outDims...)
	if err != nil {
		return nil, nil, err
	}
	return values, indices, nil
}

// Softmax computes exp(x - max(x)) / sum(exp(x - max(x))) along axis.
func Softmax(x *tensors.Tensor, axis int) (*tensors.Tensor, error) {
	if !tensors.IsFloat(x.DType()) {
		return nil, errors.Errorf("softmax: requires a float dtype, got %s", x.DType())
	}
	dims := x.Dims()
	axes, err := NormalizeAxes([]int{axis}, len(dims))
	if err != nil {
		return nil, errors.WithMessage(err, "softmax")
	}
	axis = axes[0]
	xs := x.Float64s()
	out := make([]float64, len(xs))
	strides := Strides(dims)
	n, stride := dims[axis], strides[axis]
	outer := tensors.SizeOf(dims[:axis])
	for o := 0; o < outer; o++ {
		for inner := 0; inner < stride; inner++ {
			base := o*n*stride + inner
			maxValue := math.Inf(-1)
			for i := 0; i < n; i++ {
				maxValue = max(maxValue, xs[base+i*stride])
			}
			sum := 0.0
			for i := 0; i < n; i++ {
				e := math.Exp(xs[base+i*stride] - maxValue)
				out[base+i*stride] = e
				sum += e
			}
			for i := 0; i < n; i++ {
				out[base+i*stride] /= sum
			}
		}
	}
	return tensors.FromFloat64s(x.DType(), out, dims...)
}
