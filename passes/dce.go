package passes

import (
	"github.com/gomlx/opcheck/netbuilder"
	"github.com/gomlx/opcheck/target"
)

// eliminateDeadCode removes the instructions none of whose outputs reach a fetched variable.
// Without fetched variables there is nothing to anchor liveness on, and the program is left untouched.
func eliminateDeadCode(prog *netbuilder.Program, _ target.Target, fetchIDs map[string]bool) error {
	if len(fetchIDs) == 0 {
		return nil
	}
	live := make(map[*netbuilder.Variable]bool)
	instructions := prog.Instructions()
	keep := make([]bool, len(instructions))
	for i := len(instructions) - 1; i >= 0; i-- {
		instr := instructions[i]
		for _, output := range instr.Outputs {
			if live[output] || fetchIDs[output.ID] {
				keep[i] = true
				break
			}
		}
		if !keep[i] {
			continue
		}
		for _, input := range instr.Inputs {
			live[input] = true
		}
	}
	kept := make([]*netbuilder.Instruction, 0, len(instructions))
	for i, instr := range instructions {
		if keep[i] {
			kept = append(kept, instr)
		}
	}
	prog.SetInstructions(kept)
	return nil
}
