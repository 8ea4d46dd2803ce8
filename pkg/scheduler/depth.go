package scheduler

import (
	"sort"

	"github.com/minzc-gpu/gpusched/pkg/ir"
)

// conditionDepthBoost reserves delay slots for the branch: a block's
// condition instruction gets +6 depth so the terminator's predicate
// producer schedules early enough to pad correctly.
const conditionDepthBoost = 6

// countPrunableSplits bounds the depth/prune fixed point: at most
// (initial prunable SPLIT count + 1) iterations, since only a SPLIT
// write-mask shrink can expose new dead code.
func countPrunableSplits(prog *ir.Program) int {
	n := 0
	for _, b := range prog.Blocks {
		for _, inst := range b.Instructions {
			if inst.Op == ir.OpSplit {
				n++
			}
		}
	}
	return n
}

// runDepthFixedPoint runs depth labelling and dead-code pruning
// together: each round walks every block's roots to compute
// depth and clear unused? flags on the live cone, then removes dead
// instructions (trimming SPLIT/write-mask chains as it goes). Trimming
// a chain can make other SPLITs dead only discoverable on the next
// walk, so the two steps repeat until a round shrinks no SPLIT write
// mask (a round may still have removed other dead instructions).
func runDepthFixedPoint(prog *ir.Program, opts Options, m *Metrics) error {
	maxIter := opts.MaxDepthIterations
	if maxIter <= 0 {
		maxIter = countPrunableSplits(prog) + 1
	}
	if maxIter < 1 {
		maxIter = 1
	}

	for _, b := range prog.Blocks {
		for _, inst := range b.Instructions {
			inst.Unused = true
		}
	}

	for iter := 0; ; iter++ {
		m.DepthIterations = iter + 1

		for _, b := range prog.Blocks {
			for _, inst := range b.Instructions {
				inst.SetMark(false)
			}
			b.DepthList = nil
		}

		for _, b := range prog.Blocks {
			for _, root := range depthRoots(prog, b) {
				visitDepthRec(root, false)
			}
		}

		changed := pruneDead(prog, m)
		if !changed {
			break
		}
		if iter+1 >= maxIter {
			assert(opts, false, "depth/prune fixed point exceeded bound of %d iterations (non-termination)", maxIter)
			break
		}
	}
	return nil
}

// depthRoots gathers block b's depth-walk roots: program outputs that
// live in b, side-effecting instructions that must be kept regardless
// of whether anything consumes their (absent) result value, and the
// block's branch condition.
func depthRoots(prog *ir.Program, b *ir.Block) []*ir.Instruction {
	var roots []*ir.Instruction
	seen := make(map[*ir.Instruction]bool)
	add := func(i *ir.Instruction) {
		if i == nil || i.Block != b || seen[i] {
			return
		}
		seen[i] = true
		roots = append(roots, i)
	}

	for _, o := range prog.Outputs {
		add(o)
	}
	for _, inst := range b.Instructions {
		if inst.IsKill() || inst.Op == ir.OpStore || inst.Op == ir.OpAtomic {
			add(inst)
		}
	}
	add(b.Condition)
	return roots
}

// visitDepthRec is the post-order depth walk. Each instruction is
// visited at most once per round via the mark bit.
func visitDepthRec(inst *ir.Instruction, arrivedViaFalseDep bool) {
	if inst == nil || inst.Marked() {
		return
	}
	inst.SetMark(true)

	if !arrivedViaFalseDep {
		inst.Unused = false
	}

	maxDepth := 0
	for idx, op := range inst.Operands {
		if op.Def == nil {
			continue
		}
		visitDepthRec(op.Def, op.FalseDep)

		// Operand 0 on an array-write self-edge doesn't delay on its
		// own prior version.
		if idx == 0 && op.ArraySelf {
			if op.Def.Depth > maxDepth {
				maxDepth = op.Def.Depth
			}
			continue
		}
		if d := op.Def.Depth + ir.Delay(op.Def, inst, idx); d > maxDepth {
			maxDepth = d
		}
	}

	depth := maxDepth
	if !inst.IsMeta() {
		depth++
	}
	if inst.Block != nil && inst == inst.Block.Condition {
		depth += conditionDepthBoost
	}
	inst.Depth = depth

	if b := inst.Block; b != nil {
		insertByDepthDesc(b, inst)
	}
}

// insertByDepthDesc inserts inst into b.DepthList keeping it sorted by
// descending depth, stable by insertion order among equal depths.
func insertByDepthDesc(b *ir.Block, inst *ir.Instruction) {
	i := sort.Search(len(b.DepthList), func(i int) bool {
		return b.DepthList[i].Depth < inst.Depth
	})
	b.DepthList = append(b.DepthList, nil)
	copy(b.DepthList[i+1:], b.DepthList[i:])
	b.DepthList[i] = inst
}

// pruneDead removes every instruction still marked Unused after the
// walk, with a handful of must-keep exceptions, and shrinks texture
// masks when a SPLIT channel is dropped. Returns whether a SPLIT
// write-mask shrink happened: that is the only kind of removal that can
// expose further dead instructions on a later walk (an ordinary dead
// ALU/SFU/etc. instruction's removal never does, since every
// instruction's Unused flag was already fully decided by this round's
// traversal), so it is the only thing that should drive another trip
// around the outer fixed point, keeping the iteration count bounded
// by the initial prunable-SPLIT count plus one.
func pruneDead(prog *ir.Program, m *Metrics) bool {
	changed := false
	keptTotal := 0
	for _, b := range prog.Blocks {
		kept := b.Instructions[:0:0]
		for _, inst := range b.Instructions {
			if !inst.Unused || isPruneException(inst) {
				kept = append(kept, inst)
				continue
			}
			if inst.Op == ir.OpSplit && shrinkSplitSource(inst) {
				changed = true
			}
		}
		keptTotal += len(kept)
		m.InstructionsDead += len(b.Instructions) - len(kept)
		b.Instructions = kept
	}
	// Dead counts accumulate across rounds; kept is the surviving total.
	m.InstructionsKept = keptTotal
	return changed
}

func isPruneException(inst *ir.Instruction) bool {
	switch {
	case inst.IsKill():
		return true
	case inst.Op == ir.OpStore || inst.Op == ir.OpAtomic:
		return true
	case inst.Baryf:
		return reachableFromPrefetch(inst)
	default:
		return false
	}
}

// reachableFromPrefetch keeps a barycentric input alive when its only
// consumer is a pre-fragment-shader texture prefetch: the prefetch
// still needs the interpolated coordinate even though nothing in the
// shader body reads the barycentric directly.
func reachableFromPrefetch(inst *ir.Instruction) bool {
	if inst.Block == nil {
		return false
	}
	for _, other := range inst.Block.Instructions {
		if other.Op != ir.OpTexPrefetch {
			continue
		}
		for _, op := range other.Operands {
			if op.Def == inst {
				return true
			}
		}
	}
	return false
}

// shrinkSplitSource turns off the write-mask bit a dead SPLIT was
// reading and trims the chain of right-neighbour SPLITs (same source,
// higher channel index) that the shrink leaves with no remaining live
// channel to read.
func shrinkSplitSource(split *ir.Instruction) bool {
	if len(split.Operands) == 0 || split.Operands[0].Def == nil {
		return false
	}
	src := split.Operands[0].Def
	if src.Op != ir.OpTexPrefetch {
		return false
	}
	bit := uint8(1) << uint(split.Channel)
	if src.WriteMask&bit == 0 {
		return false
	}
	src.WriteMask &^= bit

	if src.Block == nil {
		return true
	}
	for _, other := range src.Block.Instructions {
		if other == split || other.Op != ir.OpSplit {
			continue
		}
		if len(other.Operands) == 0 || other.Operands[0].Def != src {
			continue
		}
		if other.Channel > split.Channel && src.WriteMask&(1<<uint(other.Channel)) == 0 {
			other.Unused = true
		}
	}
	return true
}
