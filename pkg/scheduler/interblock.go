package scheduler

import "github.com/minzc-gpu/gpusched/pkg/ir"

// maxFixupScan is how far into a block the fix-up keeps checking:
// nothing past six issue slots from entry can still be short on
// latency carried in from a predecessor edge.
const maxFixupScan = 6

// runInterBlockFixup is a second linear pass, now that every block
// has its own schedule, that inserts NOPs at block entry to cover
// latency a dependency carries across a control-flow edge (including a
// loop back-edge, where the "predecessor" schedule already exists by
// construction since this pass runs after every block in the program
// is individually scheduled).
func runInterBlockFixup(prog *ir.Program, opts Options, m *Metrics) {
	for _, b := range prog.Blocks {
		fixupBlock(prog, b, opts, m)
	}
}

// fixupBlock walks b's own final instruction list, position by
// position, inserting NOPs ahead of any instruction whose cross-block
// sources need more separation than the block has given them so far.
func fixupBlock(prog *ir.Program, b *ir.Block, opts Options, m *Metrics) {
	if len(b.Preds) == 0 {
		return
	}

	pos := 0
	for i := 0; i < len(b.Instructions); i++ {
		if pos > maxFixupScan {
			break
		}
		inst := b.Instructions[i]
		if !inst.IsIssueSlot() {
			continue
		}

		need := worstCasePredDelay(b, inst, pos)
		if need > 0 {
			nops := insertNops(prog, b, i, need)
			i += nops
			// The inserted NOPs are issue slots too: everything after
			// inst now sits that much further from the block entry.
			pos += nops
			m.FixupNopsAdded += nops
			trace(opts, "fixup %s: %d NOP(s) before %s (position %d)", b.Name, nops, inst.String(), pos)
		}
		pos++
	}
}

// worstCasePredDelay computes, over every predecessor of b, how many
// NOPs inst's true sources would still need given only pos issue slots
// of separation already present within b itself; the worst (largest)
// predecessor requirement governs, since whichever edge is actually
// taken at runtime must be satisfied.
func worstCasePredDelay(b *ir.Block, inst *ir.Instruction, pos int) int {
	worst := 0
	for _, p := range b.Preds {
		need := delayCalc(p, inst, false, true)
		need -= pos
		if need > worst {
			worst = need
		}
	}
	return worst
}

// insertNops splices n NOP instructions into b immediately before
// index at, returning n for the caller to adjust its scan position.
func insertNops(prog *ir.Program, b *ir.Block, at int, n int) int {
	nops := make([]*ir.Instruction, n)
	for i := range nops {
		nop := prog.NewInstruction(b, ir.OpNop)
		nop.Scheduled = true
		nop.Unused = false
		// NewInstruction appended nop to the tail; pull it back out so
		// it can be spliced at the right position instead.
		b.Instructions = b.Instructions[:len(b.Instructions)-1]
		nops[i] = nop
	}
	tail := append([]*ir.Instruction{}, b.Instructions[at:]...)
	b.Instructions = append(b.Instructions[:at], append(nops, tail...)...)
	return n
}
