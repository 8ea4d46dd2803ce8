package ir

// Delay returns the minimum number of intervening issue slots required
// between assigner and consumer for the true or false dependency at
// consumer.Operands[operandIndex].
func Delay(assigner, consumer *Instruction, operandIndex int) int {
	opnd := consumer.Operands[operandIndex]

	if opnd.FalseDep && !isArrayRAW(assigner, consumer) {
		return 0
	}
	if assigner.IsMeta() || consumer.IsMeta() {
		return 0
	}
	if assigner.WritesAddr {
		return 6
	}
	if assigner.IsSFU() || assigner.IsTex() || assigner.IsMem() {
		return 0
	}

	// assigner is ALU.
	if consumer.IsFlow() || consumer.IsSFU() || consumer.IsTex() || consumer.IsMem() {
		return 6
	}
	if consumer.Op == OpMad && operandIndex == MadAccumSlot {
		return 1
	}
	return 3
}

// isArrayRAW reports whether the edge is a read-after-write through
// the same array-id: the one case where a false-dependency edge still
// carries a real delay requirement.
func isArrayRAW(assigner, consumer *Instruction) bool {
	return assigner.ArrayID != 0 && assigner.ArrayID == consumer.ArrayID
}

// Aliases reports whether two non-meta instructions must be ordered
// relative to each other via barrier-class conflict, applying the
// array-id disjointness refinement: when the only overlap is an array
// read/write and both carry array-ids, they are independent iff the
// ids differ.
func Aliases(a, b *Instruction) bool {
	if a.IsMeta() || b.IsMeta() {
		return false
	}
	conflicts := a.BarrierClass&b.BarrierConflict != 0 || b.BarrierClass&a.BarrierConflict != 0
	if !conflicts {
		return false
	}
	if a.ArrayID != 0 && b.ArrayID != 0 {
		return a.ArrayID == b.ArrayID
	}
	return true
}
