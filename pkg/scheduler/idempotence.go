package scheduler

import (
	"fmt"

	"github.com/minzc-gpu/gpusched/pkg/ir"
)

// CheckIdempotent re-walks an already-scheduled program's depth labels
// and reports any instruction whose recomputed depth disagrees with
// the depth it carried going into Schedule: depth labelling on an
// already-scheduled program must reproduce the same depths, modulo
// the dead code already pruned away.
// This never mutates b.Instructions (no pruning runs here) — it only
// recomputes Depth in place to compare against the snapshot, which is
// why it's a standalone check rather than a second ComputeDepth call.
func CheckIdempotent(prog *ir.Program, opts Options) error {
	before := make(map[*ir.Instruction]int)
	saved := make(map[*ir.Block][]*ir.Instruction)
	for _, b := range prog.Blocks {
		saved[b] = b.DepthList
		for _, inst := range b.Instructions {
			before[inst] = inst.Depth
			inst.SetMark(false)
		}
	}
	// visitDepthRec re-inserts everything it touches into DepthList; a
	// check must not leave that scratch state behind.
	defer func() {
		for _, b := range prog.Blocks {
			b.DepthList = saved[b]
		}
	}()

	for _, b := range prog.Blocks {
		for _, root := range depthRoots(prog, b) {
			visitDepthRec(root, false)
		}
		// Synthesized NOPs/BR/JMP have no operands, so nothing else's
		// recursion ever reaches them; visit every committed instruction
		// directly so each one still gets a depth to compare.
		for _, inst := range b.Instructions {
			visitDepthRec(inst, false)
		}
	}

	for inst, want := range before {
		if inst.Op == ir.OpNop || inst.Op == ir.OpBranch || inst.Op == ir.OpJump {
			continue
		}
		if got := inst.Depth; got != want {
			return fmt.Errorf("idempotence violated: %%%d depth was %d before scheduling, %d on recompute", inst.ID, want, got)
		}
	}
	return nil
}
