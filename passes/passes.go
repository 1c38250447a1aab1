// Package passes implements named transformations of netbuilder programs.
//
// Passes are registered by name and applied in order with Apply. They transform the Program in place and must
// preserve the values of the fetched variables.
//
// Registered passes:
//
//   - "Decomposer": rewrites composite ops (top_k, relu, relu_grad, softmax) into simpler ops.
//   - "DotMerger": merges two matmuls that share an operand into one matmul followed by two slices.
//   - "RemoveIdentity": removes identity instructions whose output is not fetched.
//   - "DeadCodeElimination": removes instructions that don't contribute to the fetched variables.
package passes

import (
	"slices"
	"sort"
	"sync"

	"github.com/gomlx/opcheck/netbuilder"
	"github.com/gomlx/opcheck/target"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Pass transforms a program in place.
//
// fetchIDs holds the IDs of the variables whose values are retrieved after execution: they must keep their IDs
// and values.
type Pass interface {
	Apply(prog *netbuilder.Program, tgt target.Target, fetchIDs map[string]bool) error
}

// PassFunc adapts a function to the Pass interface.
type PassFunc func(prog *netbuilder.Program, tgt target.Target, fetchIDs map[string]bool) error

// Apply implements Pass.
func (fn PassFunc) Apply(prog *netbuilder.Program, tgt target.Target, fetchIDs map[string]bool) error {
	return fn(prog, tgt, fetchIDs)
}

var (
	muRegistry sync.Mutex
	registry   = make(map[string]Pass)
)

// Register makes a pass available by name. It fails if the name is already taken.
func Register(name string, pass Pass) error {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	if _, found := registry[name]; found {
		return errors.Errorf("pass %q already registered", name)
	}
	registry[name] = pass
	return nil
}

// mustRegister is used for the builtin passes.
func mustRegister(name string, pass Pass) {
	if err := Register(name, pass); err != nil {
		panic(err)
	}
}

// Names returns the names of the registered passes, sorted.
func Names() []string {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	return sortedNamesLocked()
}

func sortedNamesLocked() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns the pass registered with the given name.
func Get(name string) (Pass, error) {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	pass, found := registry[name]
	if !found {
		return nil, errors.Errorf("unknown pass %q, registered passes are %v", name, sortedNamesLocked())
	}
	return pass, nil
}

// Apply runs the named passes in order over prog. fetchIDs lists the variables retrieved after execution.
// All names are checked before any pass is run.
func Apply(prog *netbuilder.Program, tgt target.Target, fetchIDs []string, names ...string) error {
	passList := make([]Pass, 0, len(names))
	for _, name := range names {
		pass, err := Get(name)
		if err != nil {
			return err
		}
		passList = append(passList, pass)
	}
	fetch := make(map[string]bool, len(fetchIDs))
	for _, id := range fetchIDs {
		fetch[id] = true
	}
	for i, pass := range passList {
		before := prog.Size()
		if err := pass.Apply(prog, tgt, fetch); err != nil {
			return errors.WithMessagef(err, "pass %q on program %q", names[i], prog.Name())
		}
		klog.V(1).Infof("pass %q on program %q: %d -> %d instructions", names[i], prog.Name(), before, prog.Size())
	}
	return nil
}

func init() {
	mustRegister("Decomposer", PassFunc(decompose))
	mustRegister("DotMerger", PassFunc(mergeDots))
	mustRegister("RemoveIdentity", PassFunc(removeIdentity))
	mustRegister("DeadCodeElimination", PassFunc(eliminateDeadCode))
}

// emitter creates instructions for a program, keeping the first error. Once an error happened, emit calls are
// no-ops returning nil.
type emitter struct {
	prog         *netbuilder.Program
	instructions []*netbuilder.Instruction
	err          error
}

// emit creates an instruction and returns its first output.
func (e *emitter) emit(opType string, inputs []*netbuilder.Variable, attrs netbuilder.Attrs) *netbuilder.Variable {
	if e.err != nil {
		return nil
	}
	instr, err := e.prog.NewInstruction(opType, inputs, attrs)
	if err != nil {
		e.err = err
		return nil
	}
	e.instructions = append(e.instructions, instr)
	return instr.Outputs[0]
}

// emitInto is like emit, but the instruction writes to the existing variable output instead of a new one.
func (e *emitter) emitInto(output *netbuilder.Variable, opType string, inputs []*netbuilder.Variable, attrs netbuilder.Attrs) {
	fresh := e.emit(opType, inputs, attrs)
	if e.err != nil {
		return
	}
	if fresh.DType != output.DType || !slices.Equal(fresh.Dims, output.Dims) {
		e.err = errors.Errorf("%s produces %s, but it should replace %s %s",
			opType, fresh.ShapeString(), output.ID, output.ShapeString())
		return
	}
	e.instructions[len(e.instructions)-1].Outputs[0] = output
}

// variables is a shortcut to build the inputs of an instruction.
func variables(vars ...*netbuilder.Variable) []*netbuilder.Variable { return vars }
