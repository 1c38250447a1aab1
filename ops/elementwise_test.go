package ops

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/opcheck/netbuilder"
	"github.com/gomlx/opcheck/optest"
	"github.com/gomlx/opcheck/reference"
	"github.com/gomlx/opcheck/tensors"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
)

// addCase checks x+y and its gradients for an incoming gradient dOut.
type addCase struct {
	x, y, dOut *tensors.Tensor
}

func (c *addCase) BuildReference(h *optest.Harness) error {
	x := reference.ToTensor(c.x, false)
	y := reference.ToTensor(c.y, false)
	out, err := reference.Add(x, y)
	if err != nil {
		return err
	}
	h.ReferenceOutputs = []*tensors.Tensor{out.Value()}
	h.ReferenceGrads, err = h.ComputeReferenceGrads(
		[]*reference.Tensor{out}, []*reference.Tensor{x, y}, []*tensors.Tensor{c.dOut})
	return err
}

func (c *addCase) BuildCandidate(h *optest.Harness) error {
	builder := netbuilder.New("add")
	x := must.M1(builder.CreateInput(c.x.DType(), c.x.Dims(), "x"))
	y := must.M1(builder.CreateInput(c.y.DType(), c.y.Dims(), "y"))
	dOut := must.M1(builder.CreateInput(c.dOut.DType(), c.dOut.Dims(), "d_out"))
	out := must.M1(builder.Add(x, y))
	dX := must.M1(builder.Identity(dOut))
	dY := must.M1(builder.Identity(dOut))
	prog, err := builder.Build()
	if err != nil {
		return err
	}
	results, err := h.CandidateOutput(prog, h.Target,
		[]*netbuilder.Variable{x, y, dOut}, []*tensors.Tensor{c.x, c.y, c.dOut},
		[]*netbuilder.Variable{out, dX, dY})
	if err != nil {
		return err
	}
	h.CandidateOutputs, h.CandidateGrads = results[:1], results[1:]
	return nil
}

func TestAdd(t *testing.T) {
	forEachTarget(t, func(t *testing.T, h *optest.Harness) {
		h.CheckOutputsAndGrads(&addCase{
			x:    sample(dtypes.Float32, 10, 4, 16),
			y:    must.M1(tensors.Arange(dtypes.Float32, 4, 16)),
			dOut: sample(dtypes.Float32, 1, 4, 16),
		})
		require.Len(t, h.CandidateGrads, 2)
	})
}

// reluCase checks relu(x) and its gradient, computed by the candidate with relu_grad.
type reluCase struct {
	x, dOut *tensors.Tensor
}

func (c *reluCase) BuildReference(h *optest.Harness) error {
	x := reference.ToTensor(c.x, false)
	out, err := reference.Relu(x)
	if err != nil {
		return err
	}
	h.ReferenceOutputs = []*tensors.Tensor{out.Value()}
	h.ReferenceGrads, err = h.ComputeReferenceGrads(
		[]*reference.Tensor{out}, []*reference.Tensor{x}, []*tensors.Tensor{c.dOut})
	return err
}

func (c *reluCase) BuildCandidate(h *optest.Harness) error {
	builder := netbuilder.New("relu")
	x := must.M1(builder.CreateInput(c.x.DType(), c.x.Dims(), "x"))
	dOut := must.M1(builder.CreateInput(c.dOut.DType(), c.dOut.Dims(), "d_out"))
	out := must.M1(builder.Relu(x))
	dX := must.M1(builder.ReluGrad(dOut, out))
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

func TestRelu(t *testing.T) {
	for _, dtype := range []dtypes.DType{dtypes.Float32, dtypes.Float64} {
		t.Run(dtype.String(), func(t *testing.T) {
			forEachTarget(t, func(t *testing.T, h *optest.Harness) {
				h.CheckOutputsAndGrads(&reluCase{
					x:    sample(dtype, 3, 8, 8),
					dOut: sample(dtype, 0.5, 8, 8),
				})
				require.Len(t, h.CandidateGrads, 1)
			})
		})
	}
}
