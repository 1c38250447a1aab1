// Package netbuilder records the candidate program of a test: declared inputs and a list of instructions.
//
// A NetBuilder is created with New, inputs are declared with CreateInput, and each op method validates its
// operands, infers the output shapes and records one instruction. Build returns the Program, which can then be
// transformed by passes (package passes) and executed on a target (package runtime).
//
// Example:
//
//	builder := netbuilder.New("top_k")
//	x, _ := builder.CreateInput(dtypes.Float32, []int{10, 10}, "x")
//	values, indices, _ := builder.TopK(x, 5)
//	prog, _ := builder.Build()
package netbuilder

import (
	"regexp"
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/opcheck/tensors"
	"github.com/pkg/errors"
)

// NetBuilder records the instructions of a program.
type NetBuilder struct {
	program *Program
	built   bool
}

// New creates a NetBuilder for a program with the given name.
func New(name string) *NetBuilder {
	return &NetBuilder{program: newProgram(name)}
}

// Name of the program being built.
func (b *NetBuilder) Name() string { return b.program.name }

var reValidInputName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// CreateInput declares an input of the program. Names must be unique identifiers, and are used to match the feeds
// given at execution.
func (b *NetBuilder) CreateInput(dtype dtypes.DType, dims []int, name string) (*Variable, error) {
	if b.built {
		return nil, errors.Errorf("NetBuilder %q already built, cannot create input %q", b.program.name, name)
	}
	if !reValidInputName.MatchString(name) {
		return nil, errors.Errorf("invalid input name %q: it must be composed of letters, digits and underscore", name)
	}
	if b.program.usedIDs[name] {
		return nil, errors.Errorf("input name %q already used in program %q", name, b.program.name)
	}
	if !tensors.IsSupported(dtype) {
		return nil, errors.Errorf("input %q: dtype %s not supported", name, dtype)
	}
	if err := checkDims(dims); err != nil {
		return nil, errors.WithMessagef(err, "input %q", name)
	}
	v := &Variable{ID: name, DType: dtype, Dims: slices.Clone(dims), program: b.program}
	b.program.usedIDs[name] = true
	b.program.inputs = append(b.program.inputs, v)
	return v, nil
}

// AddInstruction validates and records an instruction of any op type, returning its outputs.
// The op specific methods (Add, TopK, ...) are preferred: this is used to rebuild saved programs.
func (b *NetBuilder) AddInstruction(opType string, inputs []*Variable, attrs Attrs) ([]*Variable, error) {
	if b.built {
		return nil, errors.Errorf("NetBuilder %q already built, cannot add %s", b.program.name, opType)
	}
	instr, err := b.program.NewInstruction(opType, inputs, attrs)
	if err != nil {
		return nil, err
	}
	b.program.instructions = append(b.program.instructions, instr)
	return instr.Outputs, nil
}

func (b *NetBuilder) addSingle(opType string, inputs []*Variable, attrs Attrs) (*Variable, error) {
	outputs, err := b.AddInstruction(opType, inputs, attrs)
	if err != nil {
		return nil, err
	}
	return outputs[0], nil
}

// Build finishes the program. The NetBuilder can't be used afterward.
func (b *NetBuilder) Build() (*Program, error) {
	if b.built {
		return nil, errors.Errorf("NetBuilder %q already built", b.program.name)
	}
	b.built = true
	return b.program, nil
}

// Add returns x + y, element-wise.
func (b *NetBuilder) Add(x, y *Variable) (*Variable, error) {
	return b.addSingle(OpAdd, []*Variable{x, y}, nil)
}

// Subtract returns x - y, element-wise.
func (b *NetBuilder) Subtract(x, y *Variable) (*Variable, error) {
	return b.addSingle(OpSubtract, []*Variable{x, y}, nil)
}

// Multiply returns x * y, element-wise.
func (b *NetBuilder) Multiply(x, y *Variable) (*Variable, error) {
	return b.addSingle(OpMultiply, []*Variable{x, y}, nil)
}

// Divide returns x / y, element-wise.
func (b *NetBuilder) Divide(x, y *Variable) (*Variable, error) {
	return b.addSingle(OpDivide, []*Variable{x, y}, nil)
}

// Maximum returns max(x, y), element-wise.
func (b *NetBuilder) Maximum(x, y *Variable) (*Variable, error) {
	return b.addSingle(OpMaximum, []*Variable{x, y}, nil)
}

// Minimum returns min(x, y), element-wise.
func (b *NetBuilder) Minimum(x, y *Variable) (*Variable, error) {
	return b.addSingle(OpMinimum, []*Variable{x, y}, nil)
}

// Exp returns e^x, element-wise.
func (b *NetBuilder) Exp(x *Variable) (*Variable, error) {
	return b.addSingle(OpExp, []*Variable{x}, nil)
}

// Log returns the natural logarithm of x, element-wise.
func (b *NetBuilder) Log(x *Variable) (*Variable, error) {
	return b.addSingle(OpLog, []*Variable{x}, nil)
}

// Negate returns -x.
func (b *NetBuilder) Negate(x *Variable) (*Variable, error) {
	return b.addSingle(OpNegate, []*Variable{x}, nil)
}

// Identity returns x unchanged.
func (b *NetBuilder) Identity(x *Variable) (*Variable, error) {
	return b.addSingle(OpIdentity, []*Variable{x}, nil)
}

// Relu returns max(x, 0), element-wise.
func (b *NetBuilder) Relu(x *Variable) (*Variable, error) {
	return b.addSingle(OpRelu, []*Variable{x}, nil)
}

// ReluGrad returns dOut where out > 0, and 0 elsewhere: the gradient of Relu given its output.
func (b *NetBuilder) ReluGrad(dOut, out *Variable) (*Variable, error) {
	return b.addSingle(OpReluGrad, []*Variable{dOut, out}, nil)
}

// Softmax normalizes exp(x) along axis. Negative axes count from the end.
func (b *NetBuilder) Softmax(x *Variable, axis int) (*Variable, error) {
	return b.addSingle(OpSoftmax, []*Variable{x}, Attrs{"axis": axis})
}

// TopK returns the k largest values of x along its last axis, in descending order, and their Int64 indices.
func (b *NetBuilder) TopK(x *Variable, k int) (values, indices *Variable, err error) {
	outputs, err := b.AddInstruction(OpTopK, []*Variable{x}, Attrs{"k": k})
	if err != nil {
		return nil, nil, err
	}
	return outputs[0], outputs[1], nil
}

// Matmul multiplies the matrices x [m, k] and y [k, n].
func (b *NetBuilder) Matmul(x, y *Variable) (*Variable, error) {
	return b.addSingle(OpMatmul, []*Variable{x, y}, nil)
}

// ReduceSum sums x over the given axes, removing them. No axes means all axes.
func (b *NetBuilder) ReduceSum(x *Variable, axes ...int) (*Variable, error) {
	return b.addSingle(OpReduceSum, []*Variable{x}, Attrs{"axes": slices.Clone(axes)})
}

// ReduceMax takes the maximum of x over the given axes, removing them. No axes means all axes.
func (b *NetBuilder) ReduceMax(x *Variable, axes ...int) (*Variable, error) {
	return b.addSingle(OpReduceMax, []*Variable{x}, Attrs{"axes": slices.Clone(axes)})
}

// ReduceMin takes the minimum of x over the given axes, removing them. No axes means all axes.
func (b *NetBuilder) ReduceMin(x *Variable, axes ...int) (*Variable, error) {
	return b.addSingle(OpReduceMin, []*Variable{x}, Attrs{"axes": slices.Clone(axes)})
}

// Compare returns a Bool variable with the element-wise comparison of x and y.
// Direction is one of "EQ", "NE", "GT", "GE", "LT" or "LE".
func (b *NetBuilder) Compare(x, y *Variable, direction string) (*Variable, error) {
	return b.addSingle(OpCompare, []*Variable{x, y}, Attrs{"direction": direction})
}

// Select returns onTrue where pred is true, and onFalse elsewhere.
func (b *NetBuilder) Select(pred, onTrue, onFalse *Variable) (*Variable, error) {
	return b.addSingle(OpSelect, []*Variable{pred, onTrue, onFalse}, nil)
}

// Iota returns a variable where each element holds its position along axis.
func (b *NetBuilder) Iota(dtype dtypes.DType, dims []int, axis int) (*Variable, error) {
	return b.addSingle(OpIota, nil, Attrs{"dtype": dtype, "shape": slices.Clone(dims), "axis": axis})
}

// FillConstant returns a variable with all elements set to value.
func (b *NetBuilder) FillConstant(dtype dtypes.DType, dims []int, value float64) (*Variable, error) {
	return b.addSingle(OpFillConstant, nil, Attrs{"dtype": dtype, "shape": slices.Clone(dims), "value": value})
}

// BroadcastTo broadcasts x to dims, mapping axis i of x to axis broadcastAxes[i] of the output.
func (b *NetBuilder) BroadcastTo(x *Variable, dims, broadcastAxes []int) (*Variable, error) {
	return b.addSingle(OpBroadcastTo, []*Variable{x},
		Attrs{"out_shape": slices.Clone(dims), "broadcast_axes": slices.Clone(broadcastAxes)})
}

// Reshape changes the dimensions of x, keeping its size.
func (b *NetBuilder) Reshape(x *Variable, dims ...int) (*Variable, error) {
	return b.addSingle(OpReshape, []*Variable{x}, Attrs{"shape": slices.Clone(dims)})
}

// Transpose permutes the axes of x: output axis i is axis permutation[i] of x.
func (b *NetBuilder) Transpose(x *Variable, permutation ...int) (*Variable, error) {
	return b.addSingle(OpTranspose, []*Variable{x}, Attrs{"axis": slices.Clone(permutation)})
}

// Slice extracts starts <= position < ends of x along every axis, with unit strides.
func (b *NetBuilder) Slice(x *Variable, starts, ends []int) (*Variable, error) {
	strides := make([]int, len(starts))
	for i := range strides {
		strides[i] = 1
	}
	return b.SliceWithStrides(x, starts, ends, strides)
}

// SliceWithStrides is like Slice, taking every strides[i] element along axis i.
func (b *NetBuilder) SliceWithStrides(x *Variable, starts, ends, strides []int) (*Variable, error) {
	return b.addSingle(OpSlice, []*Variable{x},
		Attrs{"starts": slices.Clone(starts), "ends": slices.Clone(ends), "strides": slices.Clone(strides)})
}

// Concat concatenates the operands along axis.
func (b *NetBuilder) Concat(axis int, operands ...*Variable) (*Variable, error) {
	return b.addSingle(OpConcat, operands, Attrs{"axis": axis})
}
