// Package reference is a small eager framework with reverse-mode automatic differentiation, used to compute the
// expected outputs and gradients of the operators under test.
//
// Operations are executed immediately on the host. When any operand requires a gradient (it was created with
// stopGradient=false, or derives from such a tensor) the operation is recorded, and Grad can later walk the
// recorded graph backwards.
//
// Example:
//
//	x := reference.ToTensor(xValues, false)
//	values, indices, err := reference.TopK(x, 5)
//	grads, err := reference.Grad([]*reference.Tensor{values}, []*reference.Tensor{x}, nil)
package reference

import (
	"github.com/gomlx/opcheck/tensors"
)

// Tensor is an eager tensor, optionally tracking how it was computed.
type Tensor struct {
	value        *tensors.Tensor
	stopGradient bool

	// creator is the recorded operation that produced this tensor, nil for leaves or untracked results.
	creator     *node
	outputIndex int
}

// node is a recorded operation.
type node struct {
	opType  string
	inputs  []*Tensor
	outputs []*Tensor

	// backward returns the gradients of the inputs given the gradients of all outputs.
	// A nil gradient means none flows to that input.
	backward func(outputGrads []*tensors.Tensor) ([]*tensors.Tensor, error)
}

// ToTensor wraps a host tensor. If stopGradient is false, gradients can be computed with respect to it.
func ToTensor(value *tensors.Tensor, stopGradient bool) *Tensor {
	return &Tensor{value: value, stopGradient: stopGradient}
}

// Value returns the host value of the tensor.
func (t *Tensor) Value() *tensors.Tensor { return t.value }

// StopGradient returns whether no gradient flows to this tensor.
func (t *Tensor) StopGradient() bool { return t.stopGradient }

// Dims returns the dimensions of the tensor.
func (t *Tensor) Dims() []int { return t.value.Dims() }

// String implements fmt.Stringer.
func (t *Tensor) String() string { return t.value.String() }

// requiresGrad returns whether any of the tensors is tracked.
func requiresGrad(operands ...*Tensor) bool {
	for _, operand := range operands {
		if !operand.stopGradient {
			return true
		}
	}
	return false
}

// record creates the output tensors of an operation, recording it if any input requires gradients.
func record(opType string, inputs []*Tensor, values []*tensors.Tensor,
	backward func(outputGrads []*tensors.Tensor) ([]*tensors.Tensor, error)) []*Tensor {
	tracked := requiresGrad(inputs...)
	outputs := make([]*Tensor, len(values))
	var n *node
	if tracked {
		n = &node{opType: opType, inputs: inputs, backward: backward}
	}
	for i, value := range values {
		outputs[i] = &Tensor{value: value, stopGradient: !tracked, creator: n, outputIndex: i}
	}
	if n != nil {
		n.outputs = outputs
	}
	return outputs
}
