package ir

import "testing"

func newALU(p *Program, b *Block, op Opcode) *Instruction {
	inst := p.NewInstruction(b, op)
	inst.DestRegs = 1
	return inst
}

func TestDelayALUToALU(t *testing.T) {
	p := NewProgram()
	b := p.NewBlock("entry")
	a := newALU(p, b, OpAdd)
	c := newALU(p, b, OpAdd)
	c.AddSource(a)

	if got := Delay(a, c, 0); got != 3 {
		t.Errorf("ALU->ALU delay = %d, want 3", got)
	}
}

func TestDelayALUToFlowIsSix(t *testing.T) {
	p := NewProgram()
	b := p.NewBlock("entry")
	a := newALU(p, b, OpAdd)
	br := p.NewInstruction(b, OpBranch)
	br.AddSource(a)

	if got := Delay(a, br, 0); got != 6 {
		t.Errorf("ALU->flow delay = %d, want 6", got)
	}
}

func TestDelayMadAccumulatorIsOne(t *testing.T) {
	p := NewProgram()
	b := p.NewBlock("entry")
	a := newALU(p, b, OpAdd)
	mad := newALU(p, b, OpMad)
	mad.AddSource(a) // slot 0
	mad.AddSource(a) // slot 1
	mad.AddSource(a) // slot 2
	mad.AddSource(a) // slot 3: MadAccumSlot

	if got := Delay(a, mad, MadAccumSlot); got != 1 {
		t.Errorf("MAD accumulator delay = %d, want 1", got)
	}
	if got := Delay(a, mad, 0); got != 3 {
		t.Errorf("MAD non-accumulator delay = %d, want 3", got)
	}
}

func TestDelayAddrProducerIsAlwaysSix(t *testing.T) {
	p := NewProgram()
	b := p.NewBlock("entry")
	mova := newALU(p, b, OpMova)
	mova.WritesAddr = true
	mov := newALU(p, b, OpMov)
	mov.ReadsAddr = true
	mov.AddSource(mova)

	if got := Delay(mova, mov, 0); got != 6 {
		t.Errorf("address-register producer delay = %d, want 6", got)
	}
}

func TestDelayMetaIsZero(t *testing.T) {
	p := NewProgram()
	b := p.NewBlock("entry")
	a := newALU(p, b, OpAdd)
	collect := p.NewInstruction(b, OpCollect)
	collect.AddSource(a)
	collect.DestRegs = 1
	consumer := newALU(p, b, OpAdd)
	consumer.AddSource(collect)

	if got := Delay(a, collect, 0); got != 0 {
		t.Errorf("ALU->meta delay = %d, want 0", got)
	}
	if got := Delay(collect, consumer, 0); got != 0 {
		t.Errorf("meta->ALU delay = %d, want 0", got)
	}
}

func TestDelayFalseDepIsZeroUnlessArrayRAW(t *testing.T) {
	p := NewProgram()
	b := p.NewBlock("entry")
	write := newALU(p, b, OpMov)
	read := newALU(p, b, OpMov)
	read.AddFalseDep(write)

	if got := Delay(write, read, 0); got != 0 {
		t.Errorf("plain false-dep delay = %d, want 0", got)
	}

	// The same accesses through one array id are a real RAW: the edge
	// keeps its ordinary ALU->ALU delay despite being a false dep.
	write.ArrayID = 5
	read.ArrayID = 5
	if got := Delay(write, read, 0); got != 3 {
		t.Errorf("array-RAW false-dep delay = %d, want 3 (ALU->ALU rate)", got)
	}
}

func TestAliasesArrayIDDisjointness(t *testing.T) {
	p := NewProgram()
	b := p.NewBlock("entry")
	a := newALU(p, b, OpStore)
	c := newALU(p, b, OpStore)
	a.BarrierClass, a.BarrierConflict = 1, 1
	c.BarrierClass, c.BarrierConflict = 1, 1

	if !Aliases(a, c) {
		t.Error("same barrier class with no array id should alias")
	}

	a.ArrayID, c.ArrayID = 1, 2
	if Aliases(a, c) {
		t.Error("distinct array ids should make the two writes independent")
	}

	c.ArrayID = 1
	if !Aliases(a, c) {
		t.Error("same array id should still alias")
	}
}
