package scheduler

import (
	"testing"

	"github.com/minzc-gpu/gpusched/pkg/ir"
)

// TestInterBlockFixupPadsCrossEdgeLatency: a value produced at the very
// end of one block and consumed at the top of its successor has zero
// separation at per-block scheduling time; the fix-up pass must insert
// the full ALU->ALU delay at the successor's entry.
func TestInterBlockFixupPadsCrossEdgeLatency(t *testing.T) {
	prog := ir.NewProgram()
	a := prog.NewBlock("a")
	b := prog.NewBlock("b")
	a.Succs = []*ir.Block{b}
	b.Preds = []*ir.Block{a}

	p := alu(prog, a, ir.OpAdd)
	c := alu(prog, b, ir.OpAdd)
	c.AddSource(p)
	prog.Outputs = append(prog.Outputs, c)

	m := runFull(t, prog, DefaultOptions())

	if m.FixupNopsAdded != 3 {
		t.Fatalf("FixupNopsAdded = %d, want 3 (ALU->ALU delay carried across the edge)", m.FixupNopsAdded)
	}
	if got := indexOf(b, c); got != 3 {
		t.Errorf("consumer sits at position %d in the successor, want 3 (behind three entry NOPs)", got)
	}
	for i := 0; i < 3; i++ {
		if b.Instructions[i].Op != ir.OpNop {
			t.Errorf("instruction %d in the successor is %s, want nop", i, b.Instructions[i].Op)
		}
	}
}

// TestInterBlockFixupCountsPredecessorDistance: when the predecessor
// already separates producer and consumer by enough issue slots, the
// fix-up pass must not pad anything.
func TestInterBlockFixupCountsPredecessorDistance(t *testing.T) {
	prog := ir.NewProgram()
	a := prog.NewBlock("a")
	b := prog.NewBlock("b")
	a.Succs = []*ir.Block{b}
	b.Preds = []*ir.Block{a}

	p := alu(prog, a, ir.OpAdd)
	// Consumers of p inside a force it to issue early and pad behind
	// it, so a's own tail already provides the separation.
	for i := 0; i < 3; i++ {
		f := alu(prog, a, ir.OpAdd)
		f.AddSource(p)
		prog.Outputs = append(prog.Outputs, f)
	}
	c := alu(prog, b, ir.OpAdd)
	c.AddSource(p)
	prog.Outputs = append(prog.Outputs, c)

	m := runFull(t, prog, DefaultOptions())

	if m.FixupNopsAdded != 0 {
		t.Errorf("FixupNopsAdded = %d, want 0: the predecessor's own tail already covers the delay", m.FixupNopsAdded)
	}
}

// TestInterBlockFixupWorstCaseOverPreds: with two predecessors, the one
// providing the least separation governs how many NOPs the successor
// needs at entry.
func TestInterBlockFixupWorstCaseOverPreds(t *testing.T) {
	prog := ir.NewProgram()
	long := prog.NewBlock("long")
	short := prog.NewBlock("short")
	join := prog.NewBlock("join")
	long.Succs = []*ir.Block{join}
	short.Succs = []*ir.Block{join}
	join.Preds = []*ir.Block{long, short}

	p := alu(prog, long, ir.OpAdd)
	for i := 0; i < 3; i++ {
		f := alu(prog, long, ir.OpAdd)
		f.AddSource(p)
		prog.Outputs = append(prog.Outputs, f)
	}
	q := alu(prog, short, ir.OpAdd)

	c := alu(prog, join, ir.OpAdd)
	c.AddSource(p)
	c.AddSource(q)
	prog.Outputs = append(prog.Outputs, c)

	m := runFull(t, prog, DefaultOptions())

	// p's edge is covered by long's tail, but q sits at short's very
	// end: the short edge still needs the full 3 slots.
	if m.FixupNopsAdded != 3 {
		t.Errorf("FixupNopsAdded = %d, want 3 (governed by the shortest predecessor separation)", m.FixupNopsAdded)
	}
}
