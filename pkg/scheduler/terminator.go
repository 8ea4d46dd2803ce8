package scheduler

import "github.com/minzc-gpu/gpusched/pkg/ir"

// conditionBranchDelay is the required delay between a predicate
// producer and the branch that reads it; emitBranch asserts it always
// equals ir.Delay(condition, BR, 0), which holds for an ALU condition
// producer since BR is a flow instruction.
const conditionBranchDelay = 6

// emitTerminator is the tail of per-block scheduling: once
// the depth list is drained, pad for the branch condition (if any) and
// append the block's terminator. Two successors means a conditional
// branch pair (inverted-sense branch to the second successor, falling
// through to an unconditional jump to the first); one successor is a
// plain jump; no successors emits nothing (the block ends the program,
// e.g. a shader epilogue).
func emitTerminator(prog *ir.Program, b *ir.Block, opts Options, m *Metrics) {
	switch len(b.Succs) {
	case 0:
		return
	case 1:
		emitJump(prog, b, b.Succs[0])
	default:
		emitBranch(prog, b, b.Succs[1], opts, m)
		emitJump(prog, b, b.Succs[0])
	}
}

// emitBranch pads however many NOPs remain between the block's
// condition producer and the branch about to read it, then appends a
// conditional-branch instruction targeting target with inverted sense
// (it is taken when the condition is false, falling through to the
// unconditional jump to the other successor).
func emitBranch(prog *ir.Program, b *ir.Block, target *ir.Block, opts Options, m *Metrics) {
	cond := b.Condition
	if cond != nil && cond.Scheduled {
		probe := &ir.Instruction{Op: ir.OpBranch, Operands: []ir.Operand{{Def: cond}}}
		assert(opts, ir.Delay(cond, probe, 0) == conditionBranchDelay,
			"condition producer %%%d has delay %d against BR, want %d", cond.ID, ir.Delay(cond, probe, 0), conditionBranchDelay)

		have := distance(b, cond, conditionBranchDelay, true)
		for i := 0; i < conditionBranchDelay-have; i++ {
			nop := prog.NewInstruction(b, ir.OpNop)
			nop.Scheduled = true
			nop.Unused = false
			m.NopsInserted++
		}
	}

	// Appended only now, so any padding NOPs above land before it.
	br := prog.NewInstruction(b, ir.OpBranch)
	br.Target = target
	br.Scheduled = true
	br.Unused = false
	br.Comment = "inverted sense: falls through to the unconditional jump below"
	if cond != nil && cond.Scheduled {
		br.AddSource(cond)
	}
}

// emitJump appends an unconditional-jump instruction targeting target.
func emitJump(prog *ir.Program, b *ir.Block, target *ir.Block) {
	jmp := prog.NewInstruction(b, ir.OpJump)
	jmp.Target = target
	jmp.Scheduled = true
	jmp.Unused = false
}
