package scheduler

import (
	"strings"
	"testing"

	"github.com/minzc-gpu/gpusched/pkg/ir"
)

func alu(p *ir.Program, b *ir.Block, op ir.Opcode) *ir.Instruction {
	inst := p.NewInstruction(b, op)
	inst.DestRegs = 1
	return inst
}

func runFull(t *testing.T, prog *ir.Program, opts Options) *Metrics {
	t.Helper()
	pipe := NewPipeline(opts)
	if err := pipe.Run(prog); err != nil {
		t.Fatalf("Pipeline.Run: %v", err)
	}
	return &pipe.Metrics
}

func TestPipelinePassOrder(t *testing.T) {
	pipe := NewPipeline(DefaultOptions())
	want := []string{
		"barrier dependencies",
		"depth labelling",
		"ready-list scheduling",
		"inter-block fixup",
	}
	passes := pipe.Passes()
	if len(passes) != len(want) {
		t.Fatalf("pipeline has %d passes, want %d", len(passes), len(want))
	}
	for i, p := range passes {
		if p.Name() != want[i] {
			t.Errorf("pass %d = %q, want %q", i, p.Name(), want[i])
		}
	}
}

// TestEntryPointsScheduleProgram drives the three standalone entry
// points directly, since everything else in this file goes through the
// Pipeline wrapper.
func TestEntryPointsScheduleProgram(t *testing.T) {
	prog := ir.NewProgram()
	b := prog.NewBlock("entry")
	a := alu(prog, b, ir.OpAdd)
	c := alu(prog, b, ir.OpAdd)
	c.AddSource(a)
	prog.Outputs = append(prog.Outputs, c)

	AddDeps(prog)
	m, err := ComputeDepth(prog, DefaultOptions())
	if err != nil {
		t.Fatalf("ComputeDepth: %v", err)
	}
	if err := Schedule(prog, DefaultOptions(), m); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if !a.Scheduled || !c.Scheduled {
		t.Error("entry points left the chain unscheduled")
	}
	if countOp(b, ir.OpNop) != 3 {
		t.Errorf("NOP count = %d, want 3", countOp(b, ir.OpNop))
	}
}

func countOp(b *ir.Block, op ir.Opcode) int {
	n := 0
	for _, inst := range b.Instructions {
		if inst.Op == op {
			n++
		}
	}
	return n
}

func indexOf(b *ir.Block, inst *ir.Instruction) int {
	for i, c := range b.Instructions {
		if c == inst {
			return i
		}
	}
	return -1
}

func TestScheduleSingleInstructionBlock(t *testing.T) {
	prog := ir.NewProgram()
	b := prog.NewBlock("entry")
	only := alu(prog, b, ir.OpAdd)
	prog.Outputs = append(prog.Outputs, only)

	m := runFull(t, prog, DefaultOptions())
	if len(b.Instructions) != 1 {
		t.Fatalf("len(Instructions) = %d, want 1", len(b.Instructions))
	}
	if m.InstructionsDead != 0 {
		t.Errorf("InstructionsDead = %d, want 0: the instruction is a program output, so it must survive pruning", m.InstructionsDead)
	}
}

func TestScheduleALUChainInsertsDelayNops(t *testing.T) {
	prog := ir.NewProgram()
	b := prog.NewBlock("entry")
	a := alu(prog, b, ir.OpAdd)
	c := alu(prog, b, ir.OpAdd)
	c.AddSource(a)
	prog.Outputs = append(prog.Outputs, c)

	runFull(t, prog, DefaultOptions())

	if countOp(b, ir.OpNop) != 3 {
		t.Fatalf("NOP count = %d, want 3 (ALU->ALU delay is 3 issue slots)", countOp(b, ir.OpNop))
	}
	ai, ci := indexOf(b, a), indexOf(b, c)
	if ai < 0 || ci < 0 || ci-ai != 4 {
		t.Errorf("consumer issued %d slots after producer, want 4 (3 NOPs then the consumer)", ci-ai)
	}
}

func TestScheduleIndependentChainFillsDelaySlots(t *testing.T) {
	prog := ir.NewProgram()
	b := prog.NewBlock("entry")
	a := alu(prog, b, ir.OpAdd)
	c := alu(prog, b, ir.OpAdd)
	c.AddSource(a)

	x := alu(prog, b, ir.OpAdd)
	y := alu(prog, b, ir.OpAdd)
	z := alu(prog, b, ir.OpAdd)
	prog.Outputs = append(prog.Outputs, c, x, y, z)

	runFull(t, prog, DefaultOptions())

	if got := countOp(b, ir.OpNop); got != 0 {
		t.Errorf("NOP count = %d, want 0: the independent x/y/z chain should fill a's delay slots", got)
	}
}

func TestScheduleBackToBackSFUGetsNop(t *testing.T) {
	prog := ir.NewProgram()
	b := prog.NewBlock("entry")
	s1 := alu(prog, b, ir.OpRcp)
	s2 := alu(prog, b, ir.OpRsq)
	prog.Outputs = append(prog.Outputs, s1, s2)

	runFull(t, prog, DefaultOptions())

	if countOp(b, ir.OpNop) != 1 {
		t.Fatalf("NOP count = %d, want 1 (back-to-back SFU separation)", countOp(b, ir.OpNop))
	}
	s1i, s2i := indexOf(b, s1), indexOf(b, s2)
	if s2i-s1i != 2 {
		t.Errorf("SFU instructions are %d slots apart, want 2 (one NOP between them)", s2i-s1i)
	}
}

func TestScheduleKillWaitsForBarycentrics(t *testing.T) {
	prog := ir.NewProgram()
	b := prog.NewBlock("entry")

	bary := prog.NewInstruction(b, ir.OpAdd)
	bary.DestRegs = 1
	bary.Baryf = true
	prog.Baryfs = append(prog.Baryfs, bary)
	prog.Outputs = append(prog.Outputs, bary)

	unrelated := alu(prog, b, ir.OpAdd)
	prog.Outputs = append(prog.Outputs, unrelated)

	kill := prog.NewInstruction(b, ir.OpKill)

	runFull(t, prog, DefaultOptions())

	baryIdx, killIdx := indexOf(b, bary), indexOf(b, kill)
	if baryIdx < 0 || killIdx < 0 || killIdx < baryIdx {
		t.Errorf("kill issued at %d, barycentric at %d: kill must not precede every barycentric", killIdx, baryIdx)
	}
}

func TestScheduleConditionalTerminatorPadsForCondition(t *testing.T) {
	prog := ir.NewProgram()
	a := prog.NewBlock("a")
	thenBlk := prog.NewBlock("then")
	elseBlk := prog.NewBlock("else")

	cond := prog.NewInstruction(a, ir.OpSetp)
	cond.DestRegs = 1
	cond.WritesPred = true
	a.Condition = cond

	reader := prog.NewInstruction(a, ir.OpMov)
	reader.DestRegs = 1
	reader.ReadsPred = true
	reader.AddSource(cond)
	prog.Predicates = append(prog.Predicates, reader)
	prog.Outputs = append(prog.Outputs, reader)

	a.Succs = []*ir.Block{thenBlk, elseBlk}
	thenBlk.Preds = []*ir.Block{a}
	elseBlk.Preds = []*ir.Block{a}

	runFull(t, prog, DefaultOptions())

	// The block ends with the inverted-sense branch followed by the
	// unconditional fall-through jump, preceded by enough NOPs/other
	// issue slots that ir.Delay(cond, BR, 0) == 6 is satisfied.
	if len(a.Instructions) < 2 {
		t.Fatalf("block a has %d instructions, want at least the branch+jump pair", len(a.Instructions))
	}
	last := a.Instructions[len(a.Instructions)-1]
	secondLast := a.Instructions[len(a.Instructions)-2]
	if last.Op != ir.OpJump {
		t.Fatalf("last instruction in a is %s, want jmp", last.Op)
	}
	if secondLast.Op != ir.OpBranch {
		t.Fatalf("second-to-last instruction in a is %s, want br", secondLast.Op)
	}

	condIdx := indexOf(a, cond)
	brIdx := indexOf(a, secondLast)
	slots := 0
	for i := condIdx + 1; i < brIdx; i++ {
		if a.Instructions[i].IsIssueSlot() {
			slots++
		}
	}
	if slots < conditionBranchDelay {
		t.Errorf("only %d issue slots between condition and branch, want >= %d", slots, conditionBranchDelay)
	}
}

// TestBreakConflictRematerializesStalledAddrProducer exercises the
// spill-by-clone escape hatch directly: a mova is already in scope as
// the block's address producer, still has a waiting (not yet ready)
// reader, and the ready-list scheduler has stalled on something else
// entirely (modelled here as "nothing else pending"). breakConflict
// must clone the in-scope producer and free the register.
func TestBreakConflictRematerializesStalledAddrProducer(t *testing.T) {
	prog := ir.NewProgram()
	b := prog.NewBlock("entry")

	mova := prog.NewInstruction(b, ir.OpMova)
	mova.DestRegs = 1
	mova.WritesAddr = true
	mova.Scheduled = true
	b.AddrProducer = mova

	reader := prog.NewInstruction(b, ir.OpMov)
	reader.DestRegs = 1
	reader.ReadsAddr = true
	reader.AddSource(mova)
	prog.Indirects = append(prog.Indirects, reader)

	m := &Metrics{}
	ok := breakConflict(prog, b, DefaultOptions(), m)
	if !ok {
		t.Fatal("breakConflict returned false, want true (mova has a waiting reader)")
	}
	if m.ClonesPerformed != 1 {
		t.Fatalf("ClonesPerformed = %d, want 1", m.ClonesPerformed)
	}
	if b.AddrProducer != nil {
		t.Errorf("AddrProducer = %v, want nil after rematerialisation frees it", b.AddrProducer)
	}
	if len(b.DepthList) != 1 || b.DepthList[0].Op != ir.OpMova {
		t.Fatalf("DepthList = %v, want the cloned mova spliced in", b.DepthList)
	}
	clone := b.DepthList[0]
	if clone == mova {
		t.Fatal("the clone must be a distinct instruction from the original producer")
	}

	// reader must now point at the clone, not the original producer.
	if reader.Operands[0].Def != clone {
		t.Errorf("reader's operand still references the original producer, want the clone")
	}
}

func TestSchedulingErrorMessageNamesBlock(t *testing.T) {
	err := &SchedulingError{Block: &ir.Block{Name: "loop_body"}, Msg: "no candidate"}
	if !strings.Contains(err.Error(), "loop_body") {
		t.Errorf("error message %q does not name the block", err.Error())
	}
}
