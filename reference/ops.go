package reference

import (
	"slices"

	"github.com/gomlx/opcheck/internal/kernels"
	"github.com/gomlx/opcheck/tensors"
	"github.com/pkg/errors"
)

func binary(op kernels.BinaryOp, a, b *Tensor,
	backward func(g, aValue, bValue *tensors.Tensor) (*tensors.Tensor, *tensors.Tensor, error)) (*Tensor, error) {
	value, err := kernels.Binary(op, a.value, b.value)
	if err != nil {
		return nil, err
	}
	outputs := record(op.String(), []*Tensor{a, b}, []*tensors.Tensor{value},
		func(outputGrads []*tensors.Tensor) ([]*tensors.Tensor, error) {
			ga, gb, err := backward(outputGrads[0], a.value, b.value)
			if err != nil {
				return nil, err
			}
			return []*tensors.Tensor{ga, gb}, nil
		})
	return outputs[0], nil
}

// Add returns a + b.
func Add(a, b *Tensor) (*Tensor, error) {
	return binary(kernels.Add, a, b, func(g, _, _ *tensors.Tensor) (*tensors.Tensor, *tensors.Tensor, error) {
		return g, g, nil
	})
}

// Sub returns a - b.
func Sub(a, b *Tensor) (*Tensor, error) {
	return binary(kernels.Subtract, a, b, func(g, _, _ *tensors.Tensor) (*tensors.Tensor, *tensors.Tensor, error) {
		gb, err := kernels.Unary(kernels.Negate, g)
		return g, gb, err
	})
}

// Mul returns a * b, element-wise.
func Mul(a, b *Tensor) (*Tensor, error) {
	return binary(kernels.Multiply, a, b, func(g, aValue, bValue *tensors.Tensor) (*tensors.Tensor, *tensors.Tensor, error) {
		ga, err := kernels.Binary(kernels.Multiply, g, bValue)
		if err != nil {
			return nil, nil, err
		}
		gb, err := kernels.Binary(kernels.Multiply, g, aValue)
		return ga, gb, err
	})
}

// Div returns a / b, element-wise.
func Div(a, b *Tensor) (*Tensor, error) {
	return binary(kernels.Divide, a, b, func(g, aValue, bValue *tensors.Tensor) (*tensors.Tensor, *tensors.Tensor, error) {
		// d(a/b)/da = 1/b, d(a/b)/db = -a/b^2
		ga, err := kernels.Binary(kernels.Divide, g, bValue)
		if err != nil {
			return nil, nil, err
		}
		gb, err := kernels.Binary(kernels.Multiply, ga, aValue)
		if err != nil {
			return nil, nil, err
		}
		gb, err = kernels.Binary(kernels.Divide, gb, bValue)
		if err != nil {
			return nil, nil, err
		}
		gb, err = kernels.Unary(kernels.Negate, gb)
		return ga, gb, err
	})
}

// Exp returns e^x, element-wise.
func Exp(x *Tensor) (*Tensor, error) {
	value, err := kernels.Unary(kernels.Exp, x.value)
	if err != nil {
		return nil, err
	}
	outputs := record("exp", []*Tensor{x}, []*tensors.Tensor{value},
		func(outputGrads []*tensors.Tensor) ([]*tensors.Tensor, error) {
			gx, err := kernels.Binary(kernels.Multiply, outputGrads[0], value)
			return []*tensors.Tensor{gx}, err
		})
	return outputs[0], nil
}

// Relu returns max(x, 0), element-wise.
func Relu(x *Tensor) (*Tensor, error) {
	value, err := kernels.Unary(kernels.Relu, x.value)
	if err != nil {
		return nil, err
	}
	outputs := record("relu", []*Tensor{x}, []*tensors.Tensor{value},
		func(outputGrads []*tensors.Tensor) ([]*tensors.Tensor, error) {
			gx, err := kernels.ReluGrad(outputGrads[0], value)
			return []*tensors.Tensor{gx}, err
		})
	return outputs[0], nil
}

// MatMul multiplies the matrices a [m, k] and b [k, n].
func MatMul(a, b *Tensor) (*Tensor, error) {
	value, err := kernels.MatMul(a.value, b.value)
	if err != nil {
		return nil, err
	}
	outputs := record("matmul", []*Tensor{a, b}, []*tensors.Tensor{value},
		func(outputGrads []*tensors.Tensor) ([]*tensors.Tensor, error) {
			// dA = g @ B^T, dB = A^T @ g
			g := outputGrads[0]
			bT, err := kernels.Transpose(b.value, []int{1, 0})
			if err != nil {
				return nil, err
			}
			ga, err := kernels.MatMul(g, bT)
			if err != nil {
				return nil, err
			}
			aT, err := kernels.Transpose(a.value, []int{1, 0})
			if err != nil {
				return nil, err
			}
			gb, err := kernels.MatMul(aT, g)
			if err != nil {
				return nil, err
			}
			return []*tensors.Tensor{ga, gb}, nil
		})
	return outputs[0], nil
}

// keptAxes returns the axes of a tensor of the given rank not listed in reducedAxes.
func keptAxes(rank int, reducedAxes []int) []int {
	kept := make([]int, 0, rank)
	for axis := range rank {
		if !slices.Contains(reducedAxes, axis) {
			kept = append(kept, axis)
		}
	}
	return kept
}

// ReduceSum sums x over the given axes, removing them. No axes means all axes.
func ReduceSum(x *Tensor, axes ...int) (*Tensor, error) {
	dims := x.value.Dims()
	if len(axes) == 0 {
		for axis := range dims {
			axes = append(axes, axis)
		}
	}
	axes, err := kernels.NormalizeAxes(axes, len(dims))
	if err != nil {
		return nil, errors.WithMessage(err, "reduce_sum")
	}
	value, err := kernels.Reduce(kernels.ReduceSum, x.value, axes...)
	if err != nil {
		return nil, err
	}
	outputs := record("reduce_sum", []*Tensor{x}, []*tensors.Tensor{value},
		func(outputGrads []*tensors.Tensor) ([]*tensors.Tensor, error) {
			gx, err := kernels.BroadcastInDim(outputGrads[0], dims, keptAxes(len(dims), axes))
			return []*tensors.Tensor{gx}, err
		})
	return outputs[0], nil
}

// Softmax normalizes exp(x) along axis.
func Softmax(x *Tensor, axis int) (*Tensor, error) {
	dims := x.value.Dims()
	axes, err := kernels.NormalizeAxes([]int{axis}, len(dims))
	if err != nil {
		return nil, errors.WithMessage(err, "softmax")
	}
	value, err := kernels.Softmax(x.value, axes[0])
	if err != nil {
		return nil, err
	}
	outputs := record("softmax", []*Tensor{x}, []*tensors.Tensor{value},
		func(outputGrads []*tensors.Tensor) ([]*tensors.Tensor, error) {
			// dx = y * (g - sum(g * y, axis))
			g := outputGrads[0]
			gy, err := kernels.Binary(kernels.Multiply, g, value)
			if err != nil {
				return nil, err
			}
			sum, err := kernels.Reduce(kernels.ReduceSum, gy, axes...)
			if err != nil {
				return nil, err
			}
			sum, err = kernels.BroadcastInDim(sum, dims, keptAxes(len(dims), axes))
			if err != nil {
				return nil, err
			}
			diff, err := kernels.Binary(kernels.Subtract, g, sum)
			if err != nil {
				return nil, err
			}
			gx, err := kernels.Binary(kernels.Multiply, value, diff)
			return []*tensors.Tensor{gx}, err
		})
	return outputs[0], nil
}

// TopK returns the k largest values of x along its last axis, in descending order, and their indices (Int64).
// Only the values are differentiable.
func TopK(x *Tensor, k int) (values, indices *Tensor, err error) {
	valuesT, indicesT, err := kernels.TopK(x.value, k)
	if err != nil {
		return nil, nil, err
	}
	dims := x.value.Dims()
	outputs := record("top_k", []*Tensor{x}, []*tensors.Tensor{valuesT, indicesT},
		func(outputGrads []*tensors.Tensor) ([]*tensors.Tensor, error) {
			gx, err := scatterLastAxis(outputGrads[0], indicesT, dims)
			return []*tensors.Tensor{gx}, err
		})
	// Indices are never differentiable.
	outputs[1].stopGradient = true
	return outputs[0], outputs[1], nil
}

// scatterLastAxis adds the updates into a zero tensor of the given dims, at the positions of the last axis given
// by indices. Leading axes of updates and indices match those of dims.
func scatterLastAxis(updates, indices *tensors.Tensor, dims []int) (*tensors.Tensor, error) {
	idx, err := tensors.Value[int64](indices)
	if err != nil {
		return nil, err
	}
	updateValues := updates.Float64s()
	n := dims[len(dims)-1]
	k := indices.Dims()[indices.Rank()-1]
	out := make([]float64, tensors.SizeOf(dims))
	for i, update := range updateValues {
		row := i / k
		out[row*n+int(idx[i])] += update
	}
	return tensors.FromFloat64s(updates.DType(), out, dims...)
}

// Reshape changes the dimensions of x, keeping the number of elements.
func Reshape(x *Tensor, dims ...int) (*Tensor, error) {
	value, err := x.value.Reshape(dims...)
	if err != nil {
		return nil, err
	}
	xDims := x.value.Dims()
	outputs := record("reshape", []*Tensor{x}, []*tensors.Tensor{value},
		func(outputGrads []*tensors.Tensor) ([]*tensors.Tensor, error) {
			gx, err := outputGrads[0].Reshape(xDims...)
			return []*tensors.Tensor{gx}, err
		})
	return outputs[0], nil
}

// Transpose permutes the axes of x: output axis i is axis permutation[i] of x.
func Transpose(x *Tensor, permutation ...int) (*Tensor, error) {
	value, err := kernels.Transpose(x.value, permutation)
	if err != nil {
		return nil, err
	}
	inverse := make([]int, len(permutation))
	for i, axis := range permutation {
		inverse[axis] = i
	}
	outputs := record("transpose", []*Tensor{x}, []*tensors.Tensor{value},
		func(outputGrads []*tensors.Tensor) ([]*tensors.Tensor, error) {
			gx, err := kernels.Transpose(outputGrads[0], inverse)
			return []*tensors.Tensor{gx}, err
		})
	return outputs[0], nil
}
