package reference

import (
	"slices"

	"github.com/gomlx/opcheck/internal/kernels"
	"github.com/gomlx/opcheck/tensors"
	"github.com/pkg/errors"
)

// Grad computes the gradients of the outputs with respect to the inputs, by reverse-mode differentiation over the
// recorded operations.
//
// gradOutputs holds the incoming gradient for each output. If it is nil, or one of its entries is nil, ones
// are used for the corresponding output. Intermediate results that receive no gradient contribute zeros.
//
// It returns one gradient per input, with the input's dtype and dimensions. It is an error for an input to
// be unreachable from the outputs, or to have stopGradient set.
func Grad(outputs, inputs []*Tensor, gradOutputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
	if len(outputs) == 0 {
		return nil, errors.New("Grad requires at least one output")
	}
	if gradOutputs != nil && len(gradOutputs) != len(outputs) {
		return nil, errors.Errorf("Grad got %d outputs but %d gradOutputs", len(outputs), len(gradOutputs))
	}
	for i, input := range inputs {
		if input.stopGradient {
			return nil, errors.Errorf("Grad input #%d has stopGradient set", i)
		}
	}

	grads := make(map[*Tensor]*tensors.Tensor)
	accumulate := func(t *Tensor, g *tensors.Tensor) error {
		if previous, found := grads[t]; found {
			sum, err := kernels.Binary(kernels.Add, previous, g)
			if err != nil {
				return errors.WithMessage(err, "accumulating gradients")
			}
			g = sum
		}
		grads[t] = g
		return nil
	}
	for i, output := range outputs {
		var g *tensors.Tensor
		if gradOutputs != nil {
			g = gradOutputs[i]
		}
		if g == nil {
			var err error
			g, err = tensors.Full(output.value.DType(), 1, output.value.Dims()...)
			if err != nil {
				return nil, err
			}
		} else if !slices.Equal(g.Dims(), output.value.Dims()) {
			return nil, errors.Errorf("Grad gradOutputs #%d has dimensions %v, but output has dimensions %v",
				i, g.Dims(), output.value.Dims())
		}
		if output.stopGradient {
			continue
		}
		if err := accumulate(output, g); err != nil {
			return nil, err
		}
	}

	for _, n := range reverseTopologicalOrder(outputs) {
		outputGrads := make([]*tensors.Tensor, len(n.outputs))
		hasGrad := false
		for i, output := range n.outputs {
			if g, found := grads[output]; found {
				outputGrads[i] = g
				hasGrad = true
				continue
			}
			zeros, err := tensors.Zeros(output.value.DType(), output.value.Dims()...)
			if err != nil {
				return nil, err
			}
			outputGrads[i] = zeros
		}
		if !hasGrad {
			continue
		}
		inputGrads, err := n.backward(outputGrads)
		if err != nil {
			return nil, errors.WithMessagef(err, "backward of %s", n.opType)
		}
		for i, input := range n.inputs {
			if input.stopGradient || inputGrads[i] == nil {
				continue
			}
			if err := accumulate(input, inputGrads[i]); err != nil {
				return nil, err
			}
		}
	}

	results := make([]*tensors.Tensor, len(inputs))
	for i, input := range inputs {
		g, found := grads[input]
		if !found {
			return nil, errors.Errorf("Grad input #%d %s is not used to compute the outputs", i, input.value.ShapeString())
		}
		results[i] = g
	}
	return results, nil
}

// reverseTopologicalOrder returns the recorded nodes leading to the outputs, consumers before producers.
func reverseTopologicalOrder(outputs []*Tensor) []*node {
	var order []*node
	visited := make(map[*node]bool)
	var visit func(n *node)
	visit = func(n *node) {
		if n == nil || visited[n] {
			return
		}
		visited[n] = true
		for _, input := range n.inputs {
			visit(input.creator)
		}
		order = append(order, n)
	}
	for _, output := range outputs {
		visit(output.creator)
	}
	slices.Reverse(order)
	return order
}
