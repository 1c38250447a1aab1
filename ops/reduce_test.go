package ops

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/opcheck/netbuilder"
	"github.com/gomlx/opcheck/optest"
	"github.com/gomlx/opcheck/reference"
	"github.com/gomlx/opcheck/tensors"
	"github.com/janpfeifer/must"
)

// softmaxCase checks softmax(x) along axis, and its gradient dX = y·(dOut - Σ(dOut·y)).
type softmaxCase struct {
	x, dOut *tensors.Tensor
	axis    int
}

func (c *softmaxCase) BuildReference(h *optest.Harness) error {
	x := reference.ToTensor(c.x, false)
	out, err := reference.Softmax(x, c.axis)
	if err != nil {
		return err
	}
	h.ReferenceOutputs = []*tensors.Tensor{out.Value()}
	h.ReferenceGrads, err = h.ComputeReferenceGrads(
		[]*reference.Tensor{out}, []*reference.Tensor{x}, []*tensors.Tensor{c.dOut})
	return err
}

func (c *softmaxCase) BuildCandidate(h *optest.Harness) error {
	builder := netbuilder.New("softmax")
	dims := c.x.Dims()
	x := must.M1(builder.CreateInput(c.x.DType(), dims, "x"))
	dOut := must.M1(builder.CreateInput(c.dOut.DType(), dims, "d_out"))
	y := must.M1(builder.Softmax(x, c.axis))

	axis := c.axis
	if axis < 0 {
		axis += len(dims)
	}
	var keptAxes []int
	for i := range dims {
		if i != axis {
			keptAxes = append(keptAxes, i)
		}
	}
	sum := must.M1(builder.ReduceSum(must.M1(builder.Multiply(dOut, y)), axis))
	sum = must.M1(builder.BroadcastTo(sum, dims, keptAxes))
	dX := must.M1(builder.Multiply(y, must.M1(builder.Subtract(dOut, sum))))
	prog, err := builder.Build()
	if err != nil {
		return err
	}
	results, err := h.CandidateOutput(prog, h.Target,
		[]*netbuilder.Variable{x, dOut}, []*tensors.Tensor{c.x, c.dOut}, []*netbuilder.Variable{y, dX})
	if err != nil {
		return err
	}
	h.CandidateOutputs, h.CandidateGrads = results[:1], results[1:]
	return nil
}

func TestSoftmax(t *testing.T) {
	forEachTarget(t, func(t *testing.T, h *optest.Harness) {
		for _, axis := range []int{0, -1} {
			h.CheckOutputsAndGrads(&softmaxCase{
				x:    sample(dtypes.Float32, 4, 6, 10),
				dOut: sample(dtypes.Float32, 1, 6, 10),
				axis: axis,
			}, optest.Atol(1e-5))
		}
	})
}

// reduceSumCase checks the sum over axis 1 of a rank-3 tensor. The gradient broadcasts dOut back.
type reduceSumCase struct {
	x, dOut *tensors.Tensor
}

func (c *reduceSumCase) BuildReference(h *optest.Harness) error {
	x := reference.ToTensor(c.x, false)
	out, err := reference.ReduceSum(x, 1)
	if err != nil {
		return err
	}
	h.ReferenceOutputs = []*tensors.Tensor{out.Value()}
	h.ReferenceGrads, err = h.ComputeReferenceGrads(
		[]*reference.Tensor{out}, []*reference.Tensor{x}, []*tensors.Tensor{c.dOut})
	return err
}

func (c *reduceSumCase) BuildCandidate(h *optest.Harness) error {
	builder := netbuilder.New("reduce_sum")
	x := must.M1(builder.CreateInput(c.x.DType(), c.x.Dims(), "x"))
	dOut := must.M1(builder.CreateInput(c.dOut.DType(), c.dOut.Dims(), "d_out"))
	out := must.M1(builder.ReduceSum(x, 1))
	dX := must.M1(builder.BroadcastTo(dOut, c.x.Dims(), []int{0, 2}))
	prog, err := builder.Build()
	if err != nil {
		return err
	}
	results, err := h.CandidateOutput(prog, h.Target,
		[]*netbuilder.Variable{x, dOut}, []*tensors.Tensor{c.x, c.dOut}, []*netbuilder.Variable{out, dX})
	if err != nil {
		return err
	}
	h.CandidateOutputs, h.CandidateGrads = results[:1], results[1:]
	return nil
}

func TestReduceSum(t *testing.T) {
	forEachTarget(t, func(t *testing.T, h *optest.Harness) {
		h.CheckOutputsAndGrads(&reduceSumCase{
			x:    sample(dtypes.Float32, 2, 3, 7, 5),
			dOut: sample(dtypes.Float32, 1, 3, 5),
		}, optest.Atol(1e-5))
	})
}
