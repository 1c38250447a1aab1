package kernels

import (
	"math"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/opcheck/tensors"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
)

func float32s(t *testing.T, x *tensors.Tensor) []float32 {
	values, err := tensors.Value[float32](x)
	require.NoError(t, err)
	return values
}

func TestBinaryAndUnary(t *testing.T) {
	x := must.M1(tensors.FromFlat([]float32{1, -2, 3, -4}, 2, 2))
	y := must.M1(tensors.FromFlat([]float32{2, 2, 2, 2}, 2, 2))
	require.Equal(t, []float32{3, 0, 5, -2}, float32s(t, must.M1(Binary(Add, x, y))))
	require.Equal(t, []float32{-1, -4, 1, -6}, float32s(t, must.M1(Binary(Subtract, x, y))))
	require.Equal(t, []float32{0.5, -1, 1.5, -2}, float32s(t, must.M1(Binary(Divide, x, y))))
	require.Equal(t, []float32{2, 2, 3, 2}, float32s(t, must.M1(Binary(Maximum, x, y))))
	require.Equal(t, []float32{1, -2, 2, -4}, float32s(t, must.M1(Binary(Minimum, x, y))))
	require.Equal(t, []float32{1, 0, 3, 0}, float32s(t, must.M1(Unary(Relu, x))))
	require.Equal(t, []float32{-1, 2, -3, 4}, float32s(t, must.M1(Unary(Negate, x))))
	exp := float32s(t, must.M1(Unary(Exp, x)))
	require.InDelta(t, math.E, exp[0], 1e-6)

	ints := must.M1(tensors.FromFlat([]int32{7, -7}, 2))
	twos := must.M1(tensors.FromFlat([]int32{2, 2}, 2))
	quotient := must.M1(tensors.Value[int32](must.M1(Binary(Divide, ints, twos))))
	require.Equal(t, []int32{3, -3}, quotient)

	_, err := Binary(Add, x, must.M1(tensors.FromFlat([]float32{1, 2}, 2)))
	require.Error(t, err)
	_, err = Unary(Exp, ints)
	require.Error(t, err)
}

func TestReduce(t *testing.T) {
	x := must.M1(tensors.Arange(dtypes.Float32, 2, 3))
	require.Equal(t, []float32{3, 12}, float32s(t, must.M1(Reduce(ReduceSum, x, 1))))
	require.Equal(t, []float32{3, 5, 7}, float32s(t, must.M1(Reduce(ReduceSum, x, 0))))
	require.Equal(t, []float32{2, 5}, float32s(t, must.M1(Reduce(ReduceMax, x, -1))))
	require.Equal(t, []float32{0, 1, 2}, float32s(t, must.M1(Reduce(ReduceMin, x, 0))))
	total := must.M1(Reduce(ReduceSum, x))
	require.True(t, total.IsScalar())
	require.Equal(t, []float32{15}, float32s(t, total))
	_, err := Reduce(ReduceSum, x, 2)
	require.Error(t, err)

	ints := must.M1(tensors.FromFlat([]int64{-5, -3}, 2))
	require.Equal(t, []int64{-3}, must.M1(tensors.Value[int64](must.M1(Reduce(ReduceMax, ints, 0)))))
}

func TestCompareSelectIota(t *testing.T) {
	x := must.M1(tensors.FromFlat([]float32{1, 5, 3}, 3))
	y := must.M1(tensors.FromFlat([]float32{1, 2, 4}, 3))
	pred := must.M1(Compare(GreaterOrEqual, x, y))
	require.Equal(t, []bool{true, true, false}, must.M1(tensors.Value[bool](pred)))
	selected := must.M1(Select(pred, x, y))
	require.Equal(t, []float32{1, 5, 4}, float32s(t, selected))

	iota := must.M1(Iota(dtypes.Int64, []int{2, 3}, 1))
	require.Equal(t, []int64{0, 1, 2, 0, 1, 2}, must.M1(tensors.Value[int64](iota)))
	iota = must.M1(Iota(dtypes.Int64, []int{2, 3}, 0))
	require.Equal(t, []int64{0, 0, 0, 1, 1, 1}, must.M1(tensors.Value[int64](iota)))

	direction, err := ParseCompareDirection("LT")
	require.NoError(t, err)
	require.Equal(t, LessThan, direction)
	_, err = ParseCompareDirection("XX")
	require.Error(t, err)
}

func TestShapeOps(t *testing.T) {
	x := must.M1(tensors.Arange(dtypes.Float32, 2, 3))

	transposed := must.M1(Transpose(x, []int{1, 0}))
	require.Equal(t, []int{3, 2}, transposed.Dims())
	require.Equal(t, []float32{0, 3, 1, 4, 2, 5}, float32s(t, transposed))

	row := must.M1(tensors.FromFlat([]float32{10, 20, 30}, 3))
	broadcast := must.M1(BroadcastInDim(row, []int{2, 3}, []int{1}))
	require.Equal(t, []float32{10, 20, 30, 10, 20, 30}, float32s(t, broadcast))
	column := must.M1(tensors.FromFlat([]float32{1, 2}, 2, 1))
	broadcast = must.M1(BroadcastInDim(column, []int{2, 3}, []int{0, 1}))
	require.Equal(t, []float32{1, 1, 1, 2, 2, 2}, float32s(t, broadcast))

	sliced := must.M1(Slice(x, []int{0, 1}, []int{2, 3}, nil))
	require.Equal(t, []int{2, 2}, sliced.Dims())
	require.Equal(t, []float32{1, 2, 4, 5}, float32s(t, sliced))
	strided := must.M1(Slice(x, []int{0, 0}, []int{2, 3}, []int{1, 2}))
	require.Equal(t, []float32{0, 2, 3, 5}, float32s(t, strided))
	_, err := Slice(x, []int{0, 2}, []int{2, 4}, nil)
	require.Error(t, err)

	concat := must.M1(Concat(1, x, sliced))
	require.Equal(t, []int{2, 5}, concat.Dims())
	require.Equal(t, []float32{0, 1, 2, 1, 2, 3, 4, 5, 4, 5}, float32s(t, concat))
	concat = must.M1(Concat(0, x, x))
	require.Equal(t, []int{4, 3}, concat.Dims())
	_, err = Concat(0, x, sliced)
	require.Error(t, err)
}

func TestMatMul(t *testing.T) {
	x := must.M1(tensors.Arange(dtypes.Float32, 2, 3))
	y := must.M1(tensors.FromFlat([]float32{1, 0, 0, 1, 1, 1}, 3, 2))
	z := must.M1(MatMul(x, y))
	require.Equal(t, []int{2, 2}, z.Dims())
	require.Equal(t, []float32{2, 3, 8, 9}, float32s(t, z))
	_, err := MatMul(x, x)
	require.Error(t, err)
}

func TestTopK(t *testing.T) {
	x := must.M1(tensors.Arange(dtypes.Float32, 10, 10))
	values, indices, err := TopK(x, 5)
	require.NoError(t, err)
	require.Equal(t, []int{10, 5}, values.Dims())
	require.Equal(t, dtypes.Int64, indices.DType())
	vs := float32s(t, values)
	require.Equal(t, []float32{9, 8, 7, 6, 5}, vs[:5])
	require.Equal(t, []float32{99, 98, 97, 96, 95}, vs[45:])
	require.Equal(t, []int64{9, 8, 7, 6, 5}, must.M1(tensors.Value[int64](indices))[:5])

	// Ties keep the lowest index first.
	ties := must.M1(tensors.FromFlat([]float32{1, 3, 3, 2}, 4))
	_, indices, err = TopK(ties, 3)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2, 3}, must.M1(tensors.Value[int64](indices)))

	_, _, err = TopK(x, 11)
	require.Error(t, err)
}

func TestSoftmax(t *testing.T) {
	x := must.M1(tensors.FromFlat([]float64{0, 0, 1000, 1000, 1, 2}, 3, 2))
	y := must.M1(tensors.Value[float64](must.M1(Softmax(x, -1))))
	require.InDeltaSlice(t, []float64{0.5, 0.5, 0.5, 0.5, 0.2689414213699951, 0.7310585786300049}, y, 1e-9)
	byColumn := must.M1(tensors.Value[float64](must.M1(Softmax(x, 0))))
	require.InDelta(t, 1.0, byColumn[0]+byColumn[2]+byColumn[4], 1e-9)
}

func TestReluGrad(t *testing.T) {
	dOut := must.M1(tensors.FromFlat([]float32{1, 2, 3}, 3))
	out := must.M1(tensors.FromFlat([]float32{0, 0.5, 2}, 3))
	require.Equal(t, []float32{0, 2, 3}, float32s(t, must.M1(ReluGrad(dOut, out))))
}
