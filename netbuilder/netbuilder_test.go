package netbuilder

import (
	"fmt"
	"strings"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
)

func TestTopKProgram(t *testing.T) {
	builder := New("top_k")
	x := must.M1(builder.CreateInput(dtypes.Float32, []int{10, 10}, "x"))
	values, indices, err := builder.TopK(x, 5)
	require.NoError(t, err)
	require.Equal(t, []int{10, 5}, values.Dims)
	require.Equal(t, dtypes.Float32, values.DType)
	require.Equal(t, dtypes.Int64, indices.DType)

	prog := must.M1(builder.Build())
	fmt.Println(prog)
	require.Equal(t, 1, prog.Size())
	require.Equal(t, "{ var_0, var_1 } = top_k(x, k=5)", prog.Instruction(0).String())
	require.Equal(t, values, prog.Variable("var_0"))
	require.Equal(t, x, prog.Variable("x"))
	require.Nil(t, prog.Variable("y"))

	_, err = builder.Relu(x)
	require.Error(t, err, "adding ops after Build should fail")
	_, _, err = New("bad").TopK(x, 5)
	require.Error(t, err, "operands from a different program should fail")
}

func TestShapeInference(t *testing.T) {
	builder := New("shapes")
	x := must.M1(builder.CreateInput(dtypes.Float32, []int{2, 3}, "x"))
	y := must.M1(builder.CreateInput(dtypes.Float32, []int{3, 4}, "y"))
	ints := must.M1(builder.CreateInput(dtypes.Int32, []int{2, 3}, "ints"))

	_, err := builder.CreateInput(dtypes.Float32, []int{1}, "x")
	require.Error(t, err, "duplicate input name")
	_, err = builder.CreateInput(dtypes.Float32, []int{1}, "1x")
	require.Error(t, err, "invalid input name")

	z := must.M1(builder.Matmul(x, y))
	require.Equal(t, []int{2, 4}, z.Dims)
	_, err = builder.Matmul(y, x)
	require.Error(t, err)

	_, err = builder.Add(x, ints)
	require.Error(t, err)
	_, err = builder.Exp(ints)
	require.Error(t, err)

	sum := must.M1(builder.ReduceSum(z, -1))
	require.Equal(t, []int{2}, sum.Dims)
	total := must.M1(builder.ReduceMax(z))
	require.Empty(t, total.Dims)

	pred := must.M1(builder.Compare(x, x, "GE"))
	require.Equal(t, dtypes.Bool, pred.DType)
	_, err = builder.Compare(x, x, "??")
	require.Error(t, err)
	selected := must.M1(builder.Select(pred, x, x))
	require.Equal(t, []int{2, 3}, selected.Dims)
	_, err = builder.Select(x, x, x)
	require.Error(t, err)

	iota := must.M1(builder.Iota(dtypes.Int64, []int{2, 3}, 1))
	require.Equal(t, dtypes.Int64, iota.DType)
	fill := must.M1(builder.FillConstant(dtypes.Float32, []int{2, 3}, 1.5))
	require.Equal(t, []int{2, 3}, fill.Dims)

	broadcast := must.M1(builder.BroadcastTo(sum, []int{2, 4}, []int{0}))
	require.Equal(t, []int{2, 4}, broadcast.Dims)
	_, err = builder.BroadcastTo(sum, []int{3, 4}, []int{0})
	require.Error(t, err)

	reshaped := must.M1(builder.Reshape(x, 3, 2))
	require.Equal(t, []int{3, 2}, reshaped.Dims)
	_, err = builder.Reshape(x, 4)
	require.Error(t, err)
	transposed := must.M1(builder.Transpose(x, 1, 0))
	require.Equal(t, []int{3, 2}, transposed.Dims)

	sliced := must.M1(builder.Slice(z, []int{0, 1}, []int{2, 3}))
	require.Equal(t, []int{2, 2}, sliced.Dims)
	concat := must.M1(builder.Concat(-1, z, sliced))
	require.Equal(t, []int{2, 6}, concat.Dims)
	_, err = builder.Concat(0, z, sliced)
	require.Error(t, err)

	softmax := must.M1(builder.Softmax(x, -1))
	require.Equal(t, []int{2, 3}, softmax.Dims)
	_, _, err = builder.TopK(x, 4)
	require.Error(t, err)
}

func TestProgramTextAndClone(t *testing.T) {
	builder := New("text")
	x := must.M1(builder.CreateInput(dtypes.Float32, []int{2, 3}, "x"))
	y := must.M1(builder.ReduceSum(x, 1))
	_ = must.M1(builder.Slice(x, []int{0, 0}, []int{1, 3}))
	_ = must.M1(builder.FillConstant(dtypes.Float32, []int{2}, 0.5))
	prog := must.M1(builder.Build())

	text := prog.String()
	require.True(t, strings.HasPrefix(text, "Program \"text\" {\n"))
	require.Contains(t, text, "  input x: "+x.ShapeString()+"\n")
	require.Contains(t, text, "  var_0 = reduce_sum(x, axes=[1])\n")
	require.Contains(t, text, "  var_1 = slice(x, ends=[1 3], starts=[0 0], strides=[1 1])\n")
	require.Contains(t, text, "  var_2 = fill_constant(dtype="+dtypes.Float32.String()+", shape=[2], value=0.5)\n")

	clone := prog.Clone()
	require.Equal(t, text, clone.String())
	require.NotSame(t, prog.Instruction(0), clone.Instruction(0))
	require.NotSame(t, y, clone.Variable(y.ID))
	// New variables in the clone don't clash with existing ones.
	instr := must.M1(clone.NewInstruction(OpExp, []*Variable{clone.Variable("x")}, nil))
	require.Equal(t, "var_3", instr.Outputs[0].ID)
	_, err := clone.NewInstruction(OpExp, []*Variable{x}, nil)
	require.Error(t, err, "operand from the original program")
}
