package reference

import (
	"slices"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/opcheck/tensors"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
)

func float64Tensor(values []float64, dims ...int) *tensors.Tensor {
	return must.M1(tensors.FromFlat(values, dims...))
}

// numericalGrad computes the gradient of sum(fn(x) * weights) with central finite differences.
func numericalGrad(t *testing.T, fn func(x *Tensor) (*Tensor, error), x *tensors.Tensor, weights []float64) []float64 {
	const epsilon = 1e-6
	values := x.Float64s()
	grad := make([]float64, len(values))
	evaluate := func(perturbed []float64) float64 {
		y, err := fn(ToTensor(float64Tensor(perturbed, x.Dims()...), true))
		require.NoError(t, err)
		total := 0.0
		for i, v := range y.Value().Float64s() {
			total += v * weights[i]
		}
		return total
	}
	for i := range values {
		plus, minus := slices.Clone(values), slices.Clone(values)
		plus[i] += epsilon
		minus[i] -= epsilon
		grad[i] = (evaluate(plus) - evaluate(minus)) / (2 * epsilon)
	}
	return grad
}

// checkGrad compares Grad against finite differences for a single input function.
func checkGrad(t *testing.T, fn func(x *Tensor) (*Tensor, error), xValue *tensors.Tensor) {
	x := ToTensor(xValue, false)
	y, err := fn(x)
	require.NoError(t, err)
	weights := make([]float64, y.Value().Size())
	for i := range weights {
		weights[i] = float64(i%3) + 0.5
	}
	gradOutput := float64Tensor(weights, y.Dims()...)
	grads, err := Grad([]*Tensor{y}, []*Tensor{x}, []*tensors.Tensor{gradOutput})
	require.NoError(t, err)
	require.Len(t, grads, 1)
	require.Equal(t, xValue.Dims(), grads[0].Dims())
	require.InDeltaSlice(t, numericalGrad(t, fn, xValue, weights), grads[0].Float64s(), 1e-5)
}

func TestGradNumerical(t *testing.T) {
	x := float64Tensor([]float64{0.5, -1.5, 2, 0.25, -0.75, 1}, 2, 3)
	other := ToTensor(float64Tensor([]float64{1, 2, 3, -1, -2, 4}, 2, 3), true)
	weightsMatrix := ToTensor(float64Tensor([]float64{1, 0.5, -1, 2, 0, 3}, 3, 2), true)

	for name, fn := range map[string]func(x *Tensor) (*Tensor, error){
		"add":           func(x *Tensor) (*Tensor, error) { return Add(x, other) },
		"sub":           func(x *Tensor) (*Tensor, error) { return Sub(other, x) },
		"mul":           func(x *Tensor) (*Tensor, error) { return Mul(x, x) },
		"div":           func(x *Tensor) (*Tensor, error) { return Div(other, x) },
		"exp":           Exp,
		"relu":          Relu,
		"matmul":        func(x *Tensor) (*Tensor, error) { return MatMul(x, weightsMatrix) },
		"matmul_rhs":    func(x *Tensor) (*Tensor, error) { return MatMul(weightsMatrix, x) },
		"reduce_sum":    func(x *Tensor) (*Tensor, error) { return ReduceSum(x, 1) },
		"softmax":       func(x *Tensor) (*Tensor, error) { return Softmax(x, -1) },
		"softmax_axis0": func(x *Tensor) (*Tensor, error) { return Softmax(x, 0) },
		"transpose":     func(x *Tensor) (*Tensor, error) { return Transpose(x, 1, 0) },
		"reshape":       func(x *Tensor) (*Tensor, error) { return Reshape(x, 3, 2) },
		"top_k": func(x *Tensor) (*Tensor, error) {
			values, _, err := TopK(x, 2)
			return values, err
		},
		"chain": func(x *Tensor) (*Tensor, error) {
			y, err := Mul(x, other)
			if err != nil {
				return nil, err
			}
			y, err = Exp(y)
			if err != nil {
				return nil, err
			}
			return ReduceSum(y, 0)
		},
	} {
		t.Run(name, func(t *testing.T) {
			checkGrad(t, fn, x)
		})
	}
}

func TestGradDefaultsAndErrors(t *testing.T) {
	x := ToTensor(float64Tensor([]float64{1, 2, 3}, 3), false)
	unused := ToTensor(float64Tensor([]float64{1}, 1), false)
	constant := ToTensor(float64Tensor([]float64{1, 1, 1}, 3), true)

	y := must.M1(Mul(x, constant))
	require.False(t, y.StopGradient())

	// Nil gradOutputs means ones.
	grads := must.M1(Grad([]*Tensor{y}, []*Tensor{x}, nil))
	require.Equal(t, []float64{1, 1, 1}, grads[0].Float64s())

	// Uses of x in more than one place are accumulated.
	z := must.M1(Add(y, x))
	grads = must.M1(Grad([]*Tensor{z}, []*Tensor{x}, nil))
	require.Equal(t, []float64{2, 2, 2}, grads[0].Float64s())

	_, err := Grad([]*Tensor{y}, []*Tensor{unused}, nil)
	require.Error(t, err)
	_, err = Grad([]*Tensor{y}, []*Tensor{constant}, nil)
	require.Error(t, err)
	_, err = Grad([]*Tensor{y}, []*Tensor{x}, []*tensors.Tensor{float64Tensor([]float64{1, 1}, 2)})
	require.Error(t, err)

	// Untracked computations are not recorded.
	w := must.M1(Add(constant, constant))
	require.True(t, w.StopGradient())
}

func TestTopK(t *testing.T) {
	xValue := must.M1(tensors.Arange(dtypes.Float32, 10, 10))
	x := ToTensor(xValue, false)
	values, indices, err := TopK(x, 5)
	require.NoError(t, err)
	require.Equal(t, []int{10, 5}, values.Dims())
	require.Equal(t, dtypes.Int64, indices.Value().DType())
	require.True(t, indices.StopGradient())
	require.Equal(t, []float32{9, 8, 7, 6, 5}, must.M1(tensors.Value[float32](values.Value()))[:5])

	// Gradient of the values scatters ones into the top-5 positions of each row.
	grads := must.M1(Grad([]*Tensor{values, indices}, []*Tensor{x}, nil))
	g := grads[0].Float64s()
	require.Equal(t, []float64{0, 0, 0, 0, 0, 1, 1, 1, 1, 1}, g[:10])
}
