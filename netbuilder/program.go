package netbuilder

import (
	"fmt"
	"io"
	"slices"
	"sort"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/opcheck/tensors"
	"github.com/pkg/errors"
)

// Variable is a value in a Program: either a declared input or the output of an instruction.
type Variable struct {
	// ID is unique within the program: the input name for inputs, or "var_<n>" for instruction outputs.
	ID    string
	DType dtypes.DType
	Dims  []int

	program *Program
}

// ShapeString returns the dtype and dimensions, e.g. "(Float32)[10 10]".
func (v *Variable) ShapeString() string { return tensors.ShapeString(v.DType, v.Dims) }

// String implements fmt.Stringer, returning the variable ID.
func (v *Variable) String() string { return v.ID }

// Attrs hold the static parameters of an instruction. Values are int, []int, float64, string or dtypes.DType.
type Attrs map[string]any

func attrError(key string, value any, want string) error {
	if value == nil {
		return errors.Errorf("attribute %q not set", key)
	}
	return errors.Errorf("attribute %q is a %T, not %s", key, value, want)
}

// Int returns the attribute key as an int.
func (a Attrs) Int(key string) (int, error) {
	v, ok := a[key].(int)
	if !ok {
		return 0, attrError(key, a[key], "int")
	}
	return v, nil
}

// Ints returns the attribute key as a []int.
func (a Attrs) Ints(key string) ([]int, error) {
	v, ok := a[key].([]int)
	if !ok {
		return nil, attrError(key, a[key], "[]int")
	}
	return v, nil
}

// Float returns the attribute key as a float64.
func (a Attrs) Float(key string) (float64, error) {
	v, ok := a[key].(float64)
	if !ok {
		return 0, attrError(key, a[key], "float64")
	}
	return v, nil
}

// Str returns the attribute key as a string.
func (a Attrs) Str(key string) (string, error) {
	v, ok := a[key].(string)
	if !ok {
		return "", attrError(key, a[key], "string")
	}
	return v, nil
}

// DType returns the attribute key as a dtypes.DType.
func (a Attrs) DType(key string) (dtypes.DType, error) {
	v, ok := a[key].(dtypes.DType)
	if !ok {
		return dtypes.InvalidDType, attrError(key, a[key], "dtypes.DType")
	}
	return v, nil
}

// clone copies the attributes, including slice values.
func (a Attrs) clone() Attrs {
	c := make(Attrs, len(a))
	for key, value := range a {
		if ints, ok := value.([]int); ok {
			value = slices.Clone(ints)
		}
		c[key] = value
	}
	return c
}

// Instruction is one operation of a Program.
type Instruction struct {
	OpType  string
	Inputs  []*Variable
	Outputs []*Variable
	Attrs   Attrs
}

// Write writes the instruction in text form, e.g. "{ var_3, var_4 } = top_k(x, k=5)".
func (instr *Instruction) Write(w io.Writer) error {
	var sb strings.Builder
	if len(instr.Outputs) == 1 {
		sb.WriteString(instr.Outputs[0].ID)
	} else {
		sb.WriteString("{ ")
		for i, output := range instr.Outputs {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(output.ID)
		}
		sb.WriteString(" }")
	}
	fmt.Fprintf(&sb, " = %s(", instr.OpType)
	first := true
	for _, input := range instr.Inputs {
		if !first {
			sb.WriteString(", ")
		}
		first = false
		sb.WriteString(input.ID)
	}
	keys := make([]string, 0, len(instr.Attrs))
	for key := range instr.Attrs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if !first {
			sb.WriteString(", ")
		}
		first = false
		fmt.Fprintf(&sb, "%s=%s", key, attrToString(instr.Attrs[key]))
	}
	sb.WriteString(")")
	_, err := io.WriteString(w, sb.String())
	return err
}

// String implements fmt.Stringer.
func (instr *Instruction) String() string {
	var sb strings.Builder
	_ = instr.Write(&sb)
	return sb.String()
}

func attrToString(value any) string {
	switch v := value.(type) {
	case float64:
		return fmt.Sprintf("%g", v)
	case string:
		return fmt.Sprintf("%q", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Program is the result of NetBuilder.Build: the declared inputs and the ordered list of instructions.
//
// Passes transform a Program in place.
type Program struct {
	name         string
	inputs       []*Variable
	instructions []*Instruction
	usedIDs      map[string]bool
	nextID       int
}

func newProgram(name string) *Program {
	return &Program{name: name, usedIDs: make(map[string]bool)}
}

// Name of the program.
func (p *Program) Name() string { return p.name }

// Inputs returns the declared inputs, in creation order.
func (p *Program) Inputs() []*Variable { return slices.Clone(p.inputs) }

// Size returns the number of instructions.
func (p *Program) Size() int { return len(p.instructions) }

// Instruction returns the i-th instruction.
func (p *Program) Instruction(i int) *Instruction { return p.instructions[i] }

// Instructions returns the instructions in order.
func (p *Program) Instructions() []*Instruction { return slices.Clone(p.instructions) }

// SetInstructions replaces the instructions of the program. Used by passes.
func (p *Program) SetInstructions(instructions []*Instruction) {
	p.instructions = instructions
}

// newVariable creates a variable owned by the program, with a fresh "var_<n>" ID.
func (p *Program) newVariable(dtype dtypes.DType, dims []int) *Variable {
	var id string
	for {
		id = fmt.Sprintf("var_%d", p.nextID)
		p.nextID++
		if !p.usedIDs[id] {
			break
		}
	}
	p.usedIDs[id] = true
	return &Variable{ID: id, DType: dtype, Dims: slices.Clone(dims), program: p}
}

// NewInstruction validates the operands and creates an instruction with fresh output variables.
// The instruction is not added to the program: passes place it with SetInstructions.
func (p *Program) NewInstruction(opType string, inputs []*Variable, attrs Attrs) (*Instruction, error) {
	for i, input := range inputs {
		if input == nil {
			return nil, errors.Errorf("%s: operand #%d is nil", opType, i)
		}
		if input.program != p {
			return nil, errors.Errorf("%s: operand #%d (%s) belongs to a different program", opType, i, input.ID)
		}
	}
	if attrs == nil {
		attrs = Attrs{}
	}
	shapes, err := inferShapes(opType, inputs, attrs)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s(%v)", opType, inputs)
	}
	instr := &Instruction{OpType: opType, Inputs: slices.Clone(inputs), Attrs: attrs}
	for _, shape := range shapes {
		instr.Outputs = append(instr.Outputs, p.newVariable(shape.DType, shape.Dims))
	}
	return instr, nil
}

// Write writes the program in text form, one instruction per line.
func (p *Program) Write(w io.Writer) error {
	var err error
	wf := func(format string, args ...any) {
		if err == nil {
			_, err = fmt.Fprintf(w, format, args...)
		}
	}
	wf("Program %q {\n", p.name)
	for _, input := range p.inputs {
		wf("  input %s: %s\n", input.ID, input.ShapeString())
	}
	for _, instr := range p.instructions {
		wf("  %s\n", instr)
	}
	wf("}\n")
	return err
}

// String implements fmt.Stringer.
func (p *Program) String() string {
	var sb strings.Builder
	_ = p.Write(&sb)
	return sb.String()
}

// Clone returns a deep copy of the program, with its own variables and instructions.
func (p *Program) Clone() *Program {
	c := newProgram(p.name)
	c.nextID = p.nextID
	for id := range p.usedIDs {
		c.usedIDs[id] = true
	}
	mapped := make(map[*Variable]*Variable)
	mapVar := func(v *Variable) *Variable {
		if cv, found := mapped[v]; found {
			return cv
		}
		cv := &Variable{ID: v.ID, DType: v.DType, Dims: slices.Clone(v.Dims), program: c}
		mapped[v] = cv
		return cv
	}
	for _, input := range p.inputs {
		c.inputs = append(c.inputs, mapVar(input))
	}
	for _, instr := range p.instructions {
		cInstr := &Instruction{OpType: instr.OpType, Attrs: instr.Attrs.clone()}
		for _, input := range instr.Inputs {
			cInstr.Inputs = append(cInstr.Inputs, mapVar(input))
		}
		for _, output := range instr.Outputs {
			cInstr.Outputs = append(cInstr.Outputs, mapVar(output))
		}
		c.instructions = append(c.instructions, cInstr)
	}
	return c
}

// Variable returns the variable with the given ID, or nil if not found.
func (p *Program) Variable(id string) *Variable {
	for _, input := range p.inputs {
		if input.ID == id {
			return input
		}
	}
	for _, instr := range p.instructions {
		for _, output := range instr.Outputs {
			if output.ID == id {
				return output
			}
		}
	}
	return nil
}
