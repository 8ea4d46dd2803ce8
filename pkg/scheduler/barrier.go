package scheduler

import "github.com/minzc-gpu/gpusched/pkg/ir"

// addBarrierDeps attaches the ordering edges barrier-class
// instructions need. For
// every instruction with a non-empty barrier class, it scans backward
// through the same block, attaching a false-dependency edge to every
// preceding instruction that conflicts per the aliasing policy, and
// stopping at the nearest one that shares its class exactly (which gets
// an edge too): anything earlier is already ordered before that one by
// its own chain. Scanning only backward is sufficient: when instruction
// k is itself processed, its own backward scan reaches any earlier
// conflicting instruction, so a conflicting pair is ordered regardless
// of which of the two is visited first.
func addBarrierDeps(prog *ir.Program) {
	for _, b := range prog.Blocks {
		for idx, inst := range b.Instructions {
			if inst.IsMeta() || (inst.BarrierClass == 0 && inst.BarrierConflict == 0) {
				continue
			}
			for j := idx - 1; j >= 0; j-- {
				other := b.Instructions[j]
				if other.IsMeta() {
					continue
				}
				if other.BarrierClass == inst.BarrierClass {
					inst.AddFalseDep(other)
					break
				}
				if ir.Aliases(other, inst) {
					inst.AddFalseDep(other)
				}
			}
		}
	}
}
