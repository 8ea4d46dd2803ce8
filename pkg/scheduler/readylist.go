package scheduler

import "github.com/minzc-gpu/gpusched/pkg/ir"

// softSFULatency is the pessimistic delay the soft pass charges for an
// SFU result, standing in for ir.Delay's real (sync-bit-mediated) 0
// until the hard pass shows whether a NOP is actually needed.
const softSFULatency = 4

// scheduleBlock runs the per-block ready-list scheduler and folds in
// terminator emission once the block's body is fully committed.
// This is the heart of the package: every other pass exists to feed it
// a depth-sorted candidate list or to clean up after its decisions.
func scheduleBlock(prog *ir.Program, b *ir.Block, opts Options, m *Metrics) error {
	// b.Instructions still carries the pruned source order from the
	// depth pass; from here on it holds the committed issue order, so
	// every survivor re-enters through commit.
	pending := b.Instructions
	b.Instructions = nil

	// Inputs issue first, in source order, then texture prefetches;
	// only then does list scheduling take over the remainder.
	for _, inst := range pending {
		if inst.Op == ir.OpInput {
			commit(prog, b, inst, opts, m)
		}
	}
	for _, inst := range pending {
		if inst.Op == ir.OpTexPrefetch {
			commit(prog, b, inst, opts, m)
		}
	}

	for len(b.DepthList) > 0 {
		chosen := selectCandidate(prog, b, true)
		if chosen == nil {
			chosen = selectCandidate(prog, b, false)
		}
		if chosen == nil {
			if breakConflict(prog, b, opts, m) {
				continue
			}
			return &SchedulingError{Block: b, Msg: "no eligible candidate and no special-register conflict to clone past"}
		}
		commit(prog, b, chosen, opts, m)
	}

	emitTerminator(prog, b, opts, m)
	return nil
}

// breakConflict is the spill-by-clone escape hatch: when
// nothing in the ready list is eligible, it must be because the
// address or predicate register's current in-scope producer still has
// a waiting consumer (commit clears the slot the moment the last
// consumer issues, so an occupied slot always means one is waiting)
// and nothing else can be scheduled first. Cloning that producer's
// definition gives the waiting consumer its own private copy, freeing
// the register for whatever comes next.
func breakConflict(prog *ir.Program, b *ir.Block, opts Options, m *Metrics) bool {
	if b.AddrProducer != nil && pendingConsumerExists(prog, b.AddrProducer, true) {
		rematerialize(prog, b, b.AddrProducer, opts, m, true)
		return true
	}
	if b.PredProducer != nil && pendingConsumerExists(prog, b.PredProducer, false) {
		rematerialize(prog, b, b.PredProducer, opts, m, false)
		return true
	}
	return false
}

// pendingConsumerExists reports whether any not-yet-scheduled reader of
// the address/predicate register still true-SSA-sources from producer.
// Unlike readyConsumerExists it doesn't care whether the reader's other
// sources are in yet: a blocked reader is exactly what makes cloning
// worthwhile.
func pendingConsumerExists(prog *ir.Program, producer *ir.Instruction, addr bool) bool {
	table := prog.Predicates
	if addr {
		table = prog.Indirects
	}
	for _, consumer := range table {
		if consumer.Scheduled {
			continue
		}
		for _, op := range consumer.Operands {
			if op.Def == producer && !op.FalseDep {
				return true
			}
		}
	}
	return false
}

// rematerialize clones producer, splices the clone into the ready
// state in producer's place, and rewrites every unscheduled consumer
// of producer to reference the clone instead. The old
// producer stays bound to whatever already-scheduled consumer depends
// on it; the clone, a fresh SSA value, is free to be picked up by the
// ready-list scheduler in its own right.
func rematerialize(prog *ir.Program, b *ir.Block, producer *ir.Instruction, opts Options, m *Metrics, addr bool) {
	var revived []*ir.Instruction
	for _, op := range producer.Operands {
		if op.Def != nil && !op.FalseDep && op.Def.UseCount == 0 {
			revived = append(revived, op.Def)
		}
	}

	clone := prog.Clone(producer)
	for _, s := range revived {
		b.LiveValues += s.DestRegs
	}

	clone.Depth = producer.Depth
	clone.Unused = false
	insertByDepthDesc(b, clone)
	retarget(prog, producer, clone, addr)

	// Retargeting rewired operands under the selector's feet; every
	// memoised choice is suspect, so drop them all.
	for _, c := range b.DepthList {
		c.CacheClear()
	}

	if addr {
		b.AddrProducer = nil
	} else {
		b.PredProducer = nil
	}
	m.ClonesPerformed++
	trace(opts, "schedule %s: clone %%%d as %%%d to free the special register", b.Name, producer.ID, clone.ID)
}

// retarget rewrites every unscheduled reader of the address or
// predicate register still pointing at old to point at next instead,
// moving the corresponding use-count from old to next so liveness
// bookkeeping tracks the rewritten edge, not the original one.
func retarget(prog *ir.Program, old, next *ir.Instruction, addr bool) {
	table := prog.Predicates
	if addr {
		table = prog.Indirects
	}
	for _, consumer := range table {
		if consumer.Scheduled {
			continue
		}
		for i, op := range consumer.Operands {
			if op.Def == old && !op.FalseDep {
				consumer.Operands[i].Def = next
				old.UseCount--
				next.UseCount++
			}
		}
	}
}

// removeFromDepthList deletes inst from b.DepthList, preserving order.
func removeFromDepthList(b *ir.Block, inst *ir.Instruction) {
	for i, c := range b.DepthList {
		if c == inst {
			b.DepthList = append(b.DepthList[:i], b.DepthList[i+1:]...)
			return
		}
	}
}

// commit issues inst: pads in whatever NOPs its sources' delays still
// require, appends it to the block's final order, updates live-value
// and use-count bookkeeping and the address/predicate producer slots,
// and invalidates the selection cache, since issuing inst can change
// what's reachable through any still-pending candidate.
func commit(prog *ir.Program, b *ir.Block, inst *ir.Instruction, opts Options, m *Metrics) {
	removeFromDepthList(b, inst)
	padDelay(prog, b, inst, opts, m)

	inst.Scheduled = true
	b.Instructions = append(b.Instructions, inst)

	b.LiveValues += liveEffect(inst)
	assert(opts, b.LiveValues >= 0, "live-value count went negative after scheduling %%%d", inst.ID)

	for _, op := range ir.EffectiveSources(inst) {
		if op.Def == nil || op.FalseDep || op.Def.Block != b {
			continue
		}
		op.Def.UseCount--
		assert(opts, op.Def.UseCount >= 0, "use-count went negative on %%%d", op.Def.ID)
	}

	// A special-register producer whose last consumer just issued no
	// longer occupies the register; the next producer needs no clone.
	// Any cached "blocked by conflict" verdict is stale once that
	// happens, so freeing forces the wholesale invalidation below.
	freed := false
	if b.AddrProducer != nil && b.AddrProducer.UseCount == 0 {
		b.AddrProducer = nil
		freed = true
	}
	if b.PredProducer != nil && b.PredProducer.UseCount == 0 {
		b.PredProducer = nil
		freed = true
	}

	if inst.WritesAddr {
		b.AddrProducer = inst
	}
	if inst.WritesPred {
		b.PredProducer = inst
	}

	// Cached "nothing schedulable through here" verdicts are dropped on
	// every commit: a rejection can hinge on some other instruction not
	// being scheduled yet (an addr/pred writer waiting for a ready
	// consumer, a kill waiting on barycentrics), and this commit may be
	// exactly what unblocks it. Positive choices stay valid until the
	// chosen instruction itself issues or the register state shifts.
	wholesale := freed || inst.WritesAddr || inst.WritesPred || inst.IsInput()
	for _, c := range b.DepthList {
		if wholesale {
			c.CacheClear()
			continue
		}
		if choice, ok := c.CacheGet(); ok && (choice == nil || choice == inst) {
			c.CacheClear()
		}
	}

	if n := len(b.Instructions); n >= 2 && isSFUOrMem(b.Instructions[n-1]) && isSFUOrMem(b.Instructions[n-2]) {
		nop := prog.NewInstruction(b, ir.OpNop)
		nop.Scheduled = true
		nop.Unused = false
		b.Instructions[n-1], b.Instructions[n] = b.Instructions[n], b.Instructions[n-1]
		m.NopsInserted++
	}

	trace(opts, "schedule %s: issue %s", b.Name, inst.String())
}

func isSFUOrMem(inst *ir.Instruction) bool {
	return inst.IsSFU() || inst.IsMem()
}

// padDelay inserts however many NOPs are needed before inst so every
// one of its already-scheduled true-SSA sources clears its required
// delay: once a candidate is actually
// chosen, slack is paid for with NOPs rather than left to the soft
// heuristic. Predecessor blocks are deliberately not walked here:
// their schedules may not exist yet (a loop back-edge predecessor
// comes later in block order), so cross-edge latency is the fix-up
// pass's job once every block has its final shape.
func padDelay(prog *ir.Program, b *ir.Block, inst *ir.Instruction, opts Options, m *Metrics) {
	need := delayCalc(b, inst, false, false)
	assert(opts, need <= 6, "computed delay %d exceeds the maximum of 6 for %%%d", need, inst.ID)
	for i := 0; i < need; i++ {
		// b.Instructions currently ends with the last already-committed
		// instruction, so NewInstruction's append lands the NOP exactly
		// where it belongs: immediately before inst.
		nop := prog.NewInstruction(b, ir.OpNop)
		nop.Scheduled = true
		nop.Unused = false
		m.NopsInserted++
	}
}

// delayCalc computes, over every true-SSA source of
// consumer that has already been scheduled, how many NOPs would still
// be needed to satisfy its required delay against block's current
// tail. soft substitutes the pessimistic SFU latency; followPreds lets
// the backing distance() walk continue into predecessor blocks when a
// source isn't found within block itself.
func delayCalc(block *ir.Block, consumer *ir.Instruction, soft, followPreds bool) int {
	need := 0
	for idx, op := range consumer.Operands {
		if v := operandDelay(block, consumer, op, idx, soft, followPreds); v > need {
			need = v
		}
	}
	return need
}

// operandDelay is delayCalc for a single source slot. A COLLECT/SPLIT
// producer is transparent, so the walk recurses into its operands while
// the consumer and operand index stay those of the original edge — the
// index keeps naming the consumer's own slot (ir.Delay's accumulator
// special case depends on that), not a position in some flattened list.
func operandDelay(block *ir.Block, consumer *ir.Instruction, op ir.Operand, idx int, soft, followPreds bool) int {
	if op.Def == nil || op.FalseDep {
		return 0
	}
	if op.Def.Op == ir.OpCollect || op.Def.Op == ir.OpSplit {
		need := 0
		for _, inner := range op.Def.Operands {
			if v := operandDelay(block, consumer, inner, idx, soft, followPreds); v > need {
				need = v
			}
		}
		return need
	}
	if !op.Def.Scheduled {
		return 0
	}
	d := delayForSource(op.Def, consumer, idx, soft)
	have := distance(block, op.Def, d, followPreds)
	if d > have {
		return d - have
	}
	return 0
}

// distance walks backward from the end of block's already-committed
// instructions counting issue slots until it finds target, capping the
// count at cap once that's enough to know no more NOPs are needed.
// When the walk runs off the start of block and followPreds is set, it
// recurses into every predecessor and takes the worst case across
// them, guarded by Visiting against a cycle.
func distance(block *ir.Block, target *ir.Instruction, cap int, followPreds bool) int {
	if block.Visiting {
		return cap
	}
	n := 0
	for i := len(block.Instructions) - 1; i >= 0; i-- {
		if block.Instructions[i] == target {
			return n
		}
		if block.Instructions[i].IsIssueSlot() {
			n++
			if n >= cap {
				return cap
			}
		}
	}
	if !followPreds || len(block.Preds) == 0 {
		return cap
	}
	block.Visiting = true
	worst := cap
	for _, p := range block.Preds {
		d := n + distance(p, target, cap-n, true)
		if d < worst {
			worst = d
		}
	}
	block.Visiting = false
	return worst
}

// delayForSource is ir.Delay with the soft pass's pessimistic SFU
// latency substituted in; operandIndex names the consumer's own source
// slot, which is what ir.Delay's MadAccumSlot special case keys on.
func delayForSource(def, consumer *ir.Instruction, operandIndex int, soft bool) int {
	d := ir.Delay(def, consumer, operandIndex)
	if soft && def.IsSFU() && d < softSFULatency {
		return softSFULatency
	}
	return d
}

// check is the eligibility test for a single instruction, once
// all of its true-SSA sources are already scheduled: it must not
// already be scheduled itself; if it writes the address or predicate
// register it needs an otherwise-ready consumer and must not collide
// with a different producer already in scope; a KILL must wait for
// every barycentric input in the block.
func check(prog *ir.Program, b *ir.Block, inst *ir.Instruction) bool {
	if inst.Scheduled {
		return false
	}
	if inst.WritesAddr {
		if !readyConsumerExists(prog, inst, true) {
			return false
		}
		if b.AddrProducer != nil && b.AddrProducer != inst {
			return false
		}
	}
	if inst.WritesPred {
		if !readyConsumerExists(prog, inst, false) {
			return false
		}
		if b.PredProducer != nil && b.PredProducer != inst {
			return false
		}
	}
	if inst.IsKill() && !allBarycentricsScheduled(prog, b) {
		return false
	}
	return true
}

// readyConsumerExists reports whether some not-yet-scheduled reader of
// the address/predicate register tables true-SSA-sources from
// producer and has every one of its other sources already scheduled
// — i.e. producer's value is about to be needed, so it's worth
// occupying the scarce register for.
func readyConsumerExists(prog *ir.Program, producer *ir.Instruction, addr bool) bool {
	table := prog.Predicates
	if addr {
		table = prog.Indirects
	}
	for _, consumer := range table {
		if consumer.Scheduled {
			continue
		}
		usesProducer := false
		othersReady := true
		for _, op := range consumer.Operands {
			if op.Def == producer && !op.FalseDep {
				usesProducer = true
				continue
			}
			if op.Def != nil && !op.FalseDep && !op.Def.Scheduled {
				othersReady = false
			}
		}
		if usesProducer && othersReady {
			return true
		}
	}
	return false
}

// allBarycentricsScheduled reports whether every barycentric-evaluating
// instruction in the block has already been issued, the condition a
// KILL must wait on.
func allBarycentricsScheduled(prog *ir.Program, b *ir.Block) bool {
	for _, inst := range prog.Baryfs {
		if inst.Block == b && !inst.Unused && !inst.Scheduled {
			return false
		}
	}
	return true
}

// findRecursive is the cached recursive selection: an instruction
// is schedulable through inst if every true-SSA source that isn't yet
// scheduled can itself be reached by repeatedly scheduling its own
// deepest pending source first. The answer is memoised on inst's
// selection cache and invalidated by commit() whenever a choice is
// actually issued.
func findRecursive(prog *ir.Program, b *ir.Block, inst *ir.Instruction) *ir.Instruction {
	if inst.Scheduled {
		return nil
	}
	if choice, ok := inst.CacheGet(); ok {
		return choice
	}

	var pending []*ir.Instruction
	for _, op := range ir.EffectiveSources(inst) {
		if op.Def != nil && !op.FalseDep && op.Def.Block == b && !op.Def.Scheduled {
			pending = append(pending, op.Def)
		}
	}

	var choice *ir.Instruction
	if len(pending) == 0 {
		if check(prog, b, inst) {
			choice = inst
		}
	} else {
		// Consume pending sources deepest-first until one of them
		// resolves to a passing candidate; a source whose own subtree
		// is blocked just falls out of contention.
		for len(pending) > 0 {
			i := deepestIndex(pending)
			candidate := findRecursive(prog, b, pending[i])
			pending = append(pending[:i], pending[i+1:]...)
			if candidate != nil && check(prog, b, candidate) {
				choice = candidate
				break
			}
		}
	}
	inst.CacheSet(choice)
	return choice
}

// deepestIndex returns the index of the pending source with the
// largest Depth, breaking ties by the earlier index (stable).
func deepestIndex(srcs []*ir.Instruction) int {
	best := 0
	for i := 1; i < len(srcs); i++ {
		if srcs[i].Depth > srcs[best].Depth {
			best = i
		}
	}
	return best
}

// selectCandidate walks the depth-sorted ready list and, for each
// entry, asks findRecursive what scheduling it would
// actually require first. The soft pass uses the pessimistic SFU
// latency for ranking (the live-value lag rejection below compares
// depths only, so it is the same in both passes); the hard pass (soft=false) is the final, NOP-paying choice once the
// soft pass found nothing.
func selectCandidate(prog *ir.Program, b *ir.Block, soft bool) *ir.Instruction {
	// First pass: resolve every root (findRecursive memoises, so the
	// second pass pays nothing) and learn the deepest eligible depth,
	// the yardstick the pressure rejection below measures lag against.
	// A meta candidate short-circuits here: it costs no issue slot.
	deepestDepth := -1
	for _, cand := range b.DepthList {
		resolved := findRecursive(prog, b, cand)
		if resolved == nil {
			continue
		}
		if resolved.IsMeta() {
			return resolved
		}
		if resolved.Depth > deepestDepth {
			deepestDepth = resolved.Depth
		}
	}
	if deepestDepth < 0 {
		return nil
	}

	// Second pass: rank, rejecting any pressure-increasing candidate
	// lagging too far behind the deepest eligible one — a shallow
	// instruction shouldn't be pulled forward just to occupy a
	// register across the rest of the block.
	var best *ir.Instruction
	bestRank := 0
	for _, cand := range b.DepthList {
		resolved := findRecursive(prog, b, cand)
		if resolved == nil {
			continue
		}
		le := liveEffect(resolved)
		if le >= 1 && deepestDepth-resolved.Depth > rejectThreshold(b) {
			continue
		}
		r := rank(b, resolved, le, soft)
		if best == nil || r < bestRank {
			best = resolved
			bestRank = r
		}
	}
	return best
}

// rejectThreshold is how far below the deepest eligible candidate's
// depth a live-value-increasing candidate may lag before selection
// refuses to consider it; tighter once the block is already holding
// many values live.
func rejectThreshold(b *ir.Block) int {
	if b.LiveValues > 16 {
		return 4
	}
	return 6
}

// rank scores a resolved candidate for the pressure-aware pick:
// the lower, the better. Below the pressure thresholds, rank is just
// the candidate's outstanding delay against the block's tail (fill
// delay slots with whatever's ready); above them, pressure reduction
// increasingly dominates the choice.
func rank(b *ir.Block, c *ir.Instruction, le int, soft bool) int {
	r := delayCalc(b, c, soft, false)
	switch {
	case b.LiveValues > 64:
		r = le
	case b.LiveValues > 16:
		r += le
	}
	return r
}

// liveEffect is how many live values scheduling c adds (or frees, if
// negative): its own destination minus the destinations of sources
// that become dead (last use) once c has consumed them. Only sources in
// c's own block count, matching the use-count decrement in commit. Uses
// are tallied per definition first so a value read twice by c (mul x, x)
// still counts as dying when c holds all its remaining uses.
func liveEffect(c *ir.Instruction) int {
	effect := c.DestRegs
	uses := make(map[*ir.Instruction]int)
	for _, op := range ir.EffectiveSources(c) {
		if op.Def == nil || op.FalseDep || op.Def.Block != c.Block {
			continue
		}
		uses[op.Def]++
	}
	for def, n := range uses {
		if def.UseCount <= n {
			effect -= def.DestRegs
		}
	}
	return effect
}
