package passes

import (
	"github.com/gomlx/opcheck/netbuilder"
	"github.com/gomlx/opcheck/target"
)

// removeIdentity drops the identity instructions whose output is not fetched, and makes their consumers read
// the identity's operand instead.
func removeIdentity(prog *netbuilder.Program, _ target.Target, fetchIDs map[string]bool) error {
	replace := make(map[*netbuilder.Variable]*netbuilder.Variable)
	kept := make([]*netbuilder.Instruction, 0, prog.Size())
	for _, instr := range prog.Instructions() {
		for i, input := range instr.Inputs {
			if replacement, found := replace[input]; found {
				instr.Inputs[i] = replacement
			}
		}
		if instr.OpType == netbuilder.OpIdentity && !fetchIDs[instr.Outputs[0].ID] {
			replace[instr.Outputs[0]] = instr.Inputs[0]
			continue
		}
		kept = append(kept, instr)
	}
	prog.SetInstructions(kept)
	return nil
}
