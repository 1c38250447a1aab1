package ops

import (
	"math"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/opcheck/optest"
	"github.com/gomlx/opcheck/target"
	"github.com/gomlx/opcheck/tensors"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

// newHarness returns a harness on the default target, skipping the test if its plugin is not installed.
func newHarness(t *testing.T) *optest.Harness {
	h := optest.New(t)
	optest.SkipIfUnavailable(t, h.Target)
	return h
}

// forEachTarget runs fn on the interpreter, and on the default target if it uses PJRT and its plugin is
// installed.
func forEachTarget(t *testing.T, fn func(t *testing.T, h *optest.Harness)) {
	t.Run("interpreter", func(t *testing.T) {
		h := optest.New(t)
		h.Target = target.Interpreter()
		fn(t, h)
	})
	if tgt := target.Default(); tgt.UsesPJRT() {
		t.Run(tgt.String(), func(t *testing.T) {
			fn(t, newHarness(t))
		})
	}
}

// sample returns a tensor with deterministic values in [-scale, scale].
func sample(dtype dtypes.DType, scale float64, dims ...int) *tensors.Tensor {
	values := make([]float64, tensors.SizeOf(dims))
	for i := range values {
		values[i] = scale * math.Sin(0.7*float64(i)+0.3)
	}
	return must.M1(tensors.FromFloat64s(dtype, values, dims...))
}
