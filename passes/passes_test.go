package passes

import (
	"slices"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/opcheck/netbuilder"
	"github.com/gomlx/opcheck/runtime"
	"github.com/gomlx/opcheck/target"
	"github.com/gomlx/opcheck/tensors"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

// testCounterCalls counts the calls to the "TestCounter" pass.
var testCounterCalls int

func init() {
	klog.InitFlags(nil)
	mustRegister("TestCounter", PassFunc(func(_ *netbuilder.Program, _ target.Target, _ map[string]bool) error {
		testCounterCalls++
		return nil
	}))
}

// countOps returns the number of instructions of each op type.
func countOps(prog *netbuilder.Program) map[string]int {
	counts := make(map[string]int)
	for _, instr := range prog.Instructions() {
		counts[instr.OpType]++
	}
	return counts
}

// ids returns the IDs of the variables.
func ids(vars ...*netbuilder.Variable) []string {
	result := make([]string, len(vars))
	for i, v := range vars {
		result[i] = v.ID
	}
	return result
}

// checkPreserved interprets prog before and after applying the named passes, and checks the outputs agree.
func checkPreserved(t *testing.T, prog *netbuilder.Program, feeds []*tensors.Tensor, outputs []*netbuilder.Variable,
	delta float64, names ...string) *netbuilder.Program {
	t.Helper()
	outputIDs := ids(outputs...)
	want, err := runtime.Interpret(prog, feeds, outputIDs)
	require.NoError(t, err)

	transformed := prog.Clone()
	require.NoError(t, Apply(transformed, target.Interpreter(), outputIDs, names...))
	got, err := runtime.Interpret(transformed, feeds, outputIDs)
	require.NoErrorf(t, err, "transformed program:\n%s", transformed)
	for i := range want {
		require.Equalf(t, want[i].DType(), got[i].DType(), "output %s", outputIDs[i])
		require.Equalf(t, want[i].Dims(), got[i].Dims(), "output %s", outputIDs[i])
		require.InDeltaSlicef(t, want[i].Float64s(), got[i].Float64s(), delta,
			"output %s of transformed program:\n%s", outputIDs[i], transformed)
	}
	return transformed
}

func TestRegistry(t *testing.T) {
	names := Names()
	for _, name := range []string{"Decomposer", "DotMerger", "RemoveIdentity", "DeadCodeElimination"} {
		require.Contains(t, names, name)
	}
	require.True(t, slices.IsSorted(names))

	require.Error(t, Register("Decomposer", PassFunc(decompose)))
	_, err := Get("NoSuchPass")
	require.ErrorContains(t, err, "unknown pass")

	testCounterCalls = 0
	builder := netbuilder.New("registry")
	x := must.M1(builder.CreateInput(dtypes.Float32, []int{3}, "x"))
	_ = must.M1(builder.Relu(x))
	prog := must.M1(builder.Build())

	// Unknown names are reported before any pass runs.
	err = Apply(prog, target.Interpreter(), nil, "TestCounter", "Decomposer", "NoSuchPass")
	require.Error(t, err)
	require.Equal(t, 0, testCounterCalls)
	require.Equal(t, 1, countOps(prog)[netbuilder.OpRelu])

	require.NoError(t, Apply(prog, target.Interpreter(), nil, "TestCounter", "TestCounter"))
	require.Equal(t, 2, testCounterCalls)
}

func TestDecomposeTopK(t *testing.T) {
	builder := netbuilder.New("top_k")
	x := must.M1(builder.CreateInput(dtypes.Float32, []int{10, 10}, "x"))
	values, indices := must.M2(builder.TopK(x, 5))
	y := must.M1(builder.CreateInput(dtypes.Float32, []int{2, 4}, "y"))
	tiedValues, tiedIndices := must.M2(builder.TopK(y, 3))
	prog := must.M1(builder.Build())

	xFeed := must.M1(tensors.Arange(dtypes.Float32, 10, 10))
	yFeed := must.M1(tensors.FromFlat([]float32{3, 1, 3, 2, -1, -5, -1, 0}, 2, 4))
	outputs := []*netbuilder.Variable{values, indices, tiedValues, tiedIndices}
	transformed := checkPreserved(t, prog, []*tensors.Tensor{xFeed, yFeed}, outputs, 0, "Decomposer")
	counts := countOps(transformed)
	require.Zero(t, counts[netbuilder.OpTopK])
	// Values and indices are concatenated separately for each top_k.
	require.Equal(t, 4, counts[netbuilder.OpConcat])
	for _, output := range outputs {
		require.NotNilf(t, transformed.Variable(output.ID), "output %s lost", output.ID)
	}

	got := must.M1(runtime.Interpret(transformed, []*tensors.Tensor{xFeed, yFeed}, ids(outputs...)))
	require.Equal(t, []float64{99, 98, 97, 96, 95}, got[0].Float64s()[45:])
	require.Equal(t, []float64{9, 8, 7, 6, 5}, got[1].Float64s()[:5])
	require.Equal(t, []float64{3, 3, 2, 0, -1, -1}, got[2].Float64s())
	require.Equal(t, []float64{0, 2, 3, 3, 0, 2}, got[3].Float64s())
}

func TestDecomposeActivations(t *testing.T) {
	builder := netbuilder.New("activations")
	x := must.M1(builder.CreateInput(dtypes.Float64, []int{3, 4}, "x"))
	dOut := must.M1(builder.CreateInput(dtypes.Float64, []int{3, 4}, "d_out"))
	relu := must.M1(builder.Relu(x))
	reluGrad := must.M1(builder.ReluGrad(dOut, relu))
	softmax0 := must.M1(builder.Softmax(x, 0))
	softmax1 := must.M1(builder.Softmax(x, -1))
	prog := must.M1(builder.Build())

	xFeed := must.M1(tensors.FromFlat([]float64{
		-2, -1, 0, 1,
		2, 3, -4, 5,
		0.5, -0.5, 10, -10}, 3, 4))
	dOutFeed := must.M1(tensors.Full(dtypes.Float64, 0.5, 3, 4))
	outputs := []*netbuilder.Variable{relu, reluGrad, softmax0, softmax1}
	transformed := checkPreserved(t, prog, []*tensors.Tensor{xFeed, dOutFeed}, outputs, 1e-12, "Decomposer")
	for _, opType := range netbuilder.CompositeOps {
		require.Zerof(t, countOps(transformed)[opType], "%s not decomposed", opType)
	}

	got := must.M1(runtime.Interpret(transformed, []*tensors.Tensor{xFeed, dOutFeed}, ids(reluGrad)))
	require.Equal(t, []float64{0, 0, 0, 0.5, 0.5, 0.5, 0, 0.5, 0.5, 0, 0.5, 0}, got[0].Float64s())
}

func TestDotMerger(t *testing.T) {
	builder := netbuilder.New("dots")
	x := must.M1(builder.CreateInput(dtypes.Float32, []int{2, 3}, "x"))
	a := must.M1(builder.CreateInput(dtypes.Float32, []int{3, 4}, "a"))
	b := must.M1(builder.CreateInput(dtypes.Float32, []int{3, 5}, "b"))
	c := must.M1(builder.CreateInput(dtypes.Float32, []int{4, 3}, "c"))
	d := must.M1(builder.CreateInput(dtypes.Float32, []int{1, 3}, "d"))
	w := must.M1(builder.CreateInput(dtypes.Float32, []int{3, 2}, "w"))
	xa := must.M1(builder.Matmul(x, a))
	xb := must.M1(builder.Matmul(x, b))
	cw := must.M1(builder.Matmul(c, w))
	dw := must.M1(builder.Matmul(d, w))
	sum := must.M1(builder.ReduceSum(dw))
	prog := must.M1(builder.Build())

	feeds := []*tensors.Tensor{
		must.M1(tensors.Arange(dtypes.Float32, 2, 3)),
		must.M1(tensors.Arange(dtypes.Float32, 3, 4)),
		must.M1(tensors.Full(dtypes.Float32, -1, 3, 5)),
		must.M1(tensors.Arange(dtypes.Float32, 4, 3)),
		must.M1(tensors.FromFlat([]float32{1, -1, 2}, 1, 3)),
		must.M1(tensors.Arange(dtypes.Float32, 3, 2)),
	}
	outputs := []*netbuilder.Variable{xa, xb, cw, sum}
	transformed := checkPreserved(t, prog, feeds, outputs, 1e-4, "DotMerger")
	counts := countOps(transformed)
	assert.Equal(t, 2, counts[netbuilder.OpMatmul])
	assert.Equal(t, 4, counts[netbuilder.OpSlice])
	assert.Equal(t, 2, counts[netbuilder.OpConcat])
}

func TestDotMergerSkipsLaterOperands(t *testing.T) {
	// The second matmul's right operand is computed after the first matmul, so they can't be merged.
	builder := netbuilder.New("dots")
	x := must.M1(builder.CreateInput(dtypes.Float32, []int{2, 2}, "x"))
	a := must.M1(builder.CreateInput(dtypes.Float32, []int{2, 2}, "a"))
	xa := must.M1(builder.Matmul(x, a))
	xxa := must.M1(builder.Matmul(x, xa))
	xx := must.M1(builder.Matmul(x, x))
	prog := must.M1(builder.Build())

	feeds := []*tensors.Tensor{
		must.M1(tensors.Arange(dtypes.Float32, 2, 2)),
		must.M1(tensors.Full(dtypes.Float32, 2, 2, 2)),
	}
	transformed := checkPreserved(t, prog, feeds, []*netbuilder.Variable{xa, xxa, xx}, 1e-4, "DotMerger")
	// x*a and x*x can be merged, x*(x*a) can't.
	require.Equal(t, 2, countOps(transformed)[netbuilder.OpMatmul])
}

func TestRemoveIdentityAndDeadCode(t *testing.T) {
	builder := netbuilder.New("cleanup")
	x := must.M1(builder.CreateInput(dtypes.Float32, []int{4}, "x"))
	id0 := must.M1(builder.Identity(x))
	id1 := must.M1(builder.Identity(id0))
	y := must.M1(builder.Exp(id1))
	unused := must.M1(builder.Negate(y))
	_ = must.M1(builder.Add(unused, unused))
	fetchedIdentity := must.M1(builder.Identity(y))
	prog := must.M1(builder.Build())
	feeds := []*tensors.Tensor{must.M1(tensors.FromFlat([]float32{0, 1, -1, 2}, 4))}
	outputs := []*netbuilder.Variable{y, fetchedIdentity}

	transformed := checkPreserved(t, prog, feeds, outputs, 0, "RemoveIdentity")
	require.Equal(t, 1, countOps(transformed)[netbuilder.OpIdentity])
	require.Equal(t, 4, transformed.Size())
	for _, instr := range transformed.Instructions() {
		if instr.OpType == netbuilder.OpExp {
			require.Equal(t, "x", instr.Inputs[0].ID)
		}
	}

	transformed = checkPreserved(t, prog, feeds, outputs, 0, "RemoveIdentity", "DeadCodeElimination")
	require.Equal(t, 2, transformed.Size())
	require.Equal(t, map[string]int{netbuilder.OpExp: 1, netbuilder.OpIdentity: 1}, countOps(transformed))

	// Without fetched variables, nothing is removed.
	untouched := prog.Clone()
	require.NoError(t, Apply(untouched, target.Interpreter(), nil, "DeadCodeElimination"))
	require.Equal(t, prog.Size(), untouched.Size())
}
