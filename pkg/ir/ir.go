// Package ir defines the post-lowering intermediate representation the
// scheduler operates on: basic blocks of opcode-class-tagged
// instructions connected by true SSA edges and false-dependency edges.
//
// The front end that produces this IR, the register allocator that
// consumes its schedule, and the assembler that encodes it are all
// external collaborators; this package only models what the scheduler
// itself needs to read and mutate.
package ir

import "fmt"

// Opcode identifies an instruction's operation.
type Opcode uint8

const (
	OpNop Opcode = iota

	// ALU: standard issue cost, real delay slots.
	OpAdd
	OpSub
	OpMul
	OpMad // multiply-add; operand index MadAccumSlot is the accumulator
	OpAnd
	OpOr
	OpXor
	OpShl
	OpShr
	OpMov
	OpMova  // writes the address register
	OpSetp  // writes the predicate register

	// SFU: transcendentals, latency hidden by sync bits.
	OpRcp
	OpRsq
	OpSin
	OpCos
	OpLog2
	OpExp2

	// Texture.
	OpTexSample
	OpTexLoad

	// Memory.
	OpLoad
	OpStore
	OpAtomic

	// Flow.
	OpBranch // conditional, emitted by the scheduler's terminator step
	OpJump   // unconditional, emitted by the scheduler's terminator step
	OpKill

	// Meta: zero issue cost, transparent to use-count bookkeeping.
	OpInput
	OpCollect
	OpSplit
	OpTexPrefetch
)

// MadAccumSlot is the operand index of a multiply-add's accumulator
// source, the one operand with a relaxed (1-cycle) delay requirement.
const MadAccumSlot = 3

func (o Opcode) String() string {
	switch o {
	case OpNop:
		return "nop"
	case OpAdd:
		return "add"
	case OpSub:
		return "sub"
	case OpMul:
		return "mul"
	case OpMad:
		return "mad"
	case OpAnd:
		return "and"
	case OpOr:
		return "or"
	case OpXor:
		return "xor"
	case OpShl:
		return "shl"
	case OpShr:
		return "shr"
	case OpMov:
		return "mov"
	case OpMova:
		return "mova"
	case OpSetp:
		return "setp"
	case OpRcp:
		return "rcp"
	case OpRsq:
		return "rsq"
	case OpSin:
		return "sin"
	case OpCos:
		return "cos"
	case OpLog2:
		return "log2"
	case OpExp2:
		return "exp2"
	case OpTexSample:
		return "tex.sample"
	case OpTexLoad:
		return "tex.load"
	case OpLoad:
		return "load"
	case OpStore:
		return "store"
	case OpAtomic:
		return "atomic"
	case OpBranch:
		return "br"
	case OpJump:
		return "jmp"
	case OpKill:
		return "kill"
	case OpInput:
		return "input"
	case OpCollect:
		return "collect"
	case OpSplit:
		return "split"
	case OpTexPrefetch:
		return "tex.prefetch"
	default:
		return fmt.Sprintf("op%d", uint8(o))
	}
}

// Class is the opcode-class grouping the delay and issue-cost rules
// key on.
type Class uint8

const (
	ClassALU Class = iota
	ClassSFU
	ClassTex
	ClassMem
	ClassFlow
	ClassMeta
)

// Class returns this opcode's scheduling class.
func (o Opcode) Class() Class {
	switch o {
	case OpAdd, OpSub, OpMul, OpMad, OpAnd, OpOr, OpXor, OpShl, OpShr, OpMov, OpMova, OpSetp:
		return ClassALU
	case OpRcp, OpRsq, OpSin, OpCos, OpLog2, OpExp2:
		return ClassSFU
	case OpTexSample, OpTexLoad:
		return ClassTex
	case OpLoad, OpStore, OpAtomic:
		return ClassMem
	case OpBranch, OpJump, OpKill:
		return ClassFlow
	case OpInput, OpCollect, OpSplit, OpTexPrefetch:
		return ClassMeta
	default:
		return ClassALU
	}
}

// BarrierMask is a bitmask over barrier classes (memory regions,
// side-effect groups) used to order conflicting instructions that
// carry no true SSA edge between them.
type BarrierMask uint32

// Conflicts reports whether a and b must be ordered relative to one
// another: either's class bit appears in the other's conflict mask.
func (a BarrierMask) Conflicts(aConflict BarrierMask, b, bConflict BarrierMask) bool {
	return a&bConflict != 0 || b&aConflict != 0
}

// Operand is one source slot of an instruction: either a true SSA
// edge to a producer, or an ordering-only false-dependency edge.
type Operand struct {
	Def *Instruction
	// FalseDep marks this as an ordering-only edge (barrier/aliasing),
	// not a value use.
	FalseDep bool
	// ArraySelf marks operand index 0 on an array-write definition as
	// the self-edge to the array's prior version: it contributes no
	// delay to the definition's own depth.
	ArraySelf bool
}

// Instruction is one IR instruction. Identity (Op, Operands, the
// various class-defining flags) is fixed at construction; Depth,
// UseCount, Scheduled, Unused and the selection cache are scheduler
// scratch state mutated in place during compute-depth and schedule.
type Instruction struct {
	ID       int
	Op       Opcode
	DestRegs int // width of the destination, 0 for instructions with none
	Operands []Operand

	// ArrayID disjoint-ness is what makes two array accesses with
	// overlapping barrier classes independent; 0 means "not an
	// array access".
	ArrayID int

	BarrierClass    BarrierMask
	BarrierConflict BarrierMask

	ReadsAddr  bool // appears in Program.Indirects
	WritesAddr bool
	ReadsPred  bool // appears in Program.Predicates
	WritesPred bool
	Baryf      bool // barycentric coordinate evaluation, appears in Program.Baryfs

	// Channel and WriteMask support the SPLIT/TEX_PREFETCH write-mask
	// shrinkage: Channel selects which channel a SPLIT reads
	// from a TEX_PREFETCH's packed result; WriteMask (meaningful only
	// on a TEX_PREFETCH) tracks which channels still have a consumer.
	Channel   int
	WriteMask uint8

	// Target is the successor a synthesized OpBranch/OpJump refers to.
	Target *Block

	Comment string

	// --- mutable scheduling state ---
	Depth     int
	UseCount  int
	Scheduled bool
	Unused    bool
	Block     *Block

	mark  bool // depth-walk visited-this-pass bit
	cache cacheSlot
}

// cacheSlot models the selector's per-instruction memo: cached=false
// means "no cached answer yet", cached=true with instr==nil means
// "known: nothing schedulable through here".
type cacheSlot struct {
	cached bool
	instr  *Instruction
}

// Marked/SetMark expose the depth walk's single per-pass visited bit
// to the scheduler package.
func (i *Instruction) Marked() bool    { return i.mark }
func (i *Instruction) SetMark(v bool)  { i.mark = v }

// CacheGet returns the selector's memoised choice for i, if any: ok is
// false when nothing has been cached yet; ok true with a nil result
// means nothing is schedulable through i.
func (i *Instruction) CacheGet() (choice *Instruction, ok bool) {
	return i.cache.instr, i.cache.cached
}

// CacheSet memoises choice (nil for "known none") as i's selector
// answer.
func (i *Instruction) CacheSet(choice *Instruction) {
	i.cache = cacheSlot{cached: true, instr: choice}
}

// CacheClear forgets i's memoised answer, used on commit-time cache
// invalidation.
func (i *Instruction) CacheClear() {
	i.cache = cacheSlot{}
}

func (i *Instruction) IsALU() bool  { return i.Op.Class() == ClassALU }
func (i *Instruction) IsSFU() bool  { return i.Op.Class() == ClassSFU }
func (i *Instruction) IsTex() bool  { return i.Op.Class() == ClassTex }
func (i *Instruction) IsMem() bool  { return i.Op.Class() == ClassMem }
func (i *Instruction) IsFlow() bool { return i.Op.Class() == ClassFlow }
func (i *Instruction) IsMeta() bool { return i.Op.Class() == ClassMeta }
func (i *Instruction) IsKill() bool { return i.Op == OpKill }
func (i *Instruction) IsInput() bool { return i.Op == OpInput }

// IsIssueSlot reports whether this instruction counts against latency
// distance: ALU and non-elidable flow instructions and NOPs do; JUMP
// and BR do not, since a later pass may still elide them.
func (i *Instruction) IsIssueSlot() bool {
	if i.Op == OpNop {
		return true
	}
	if i.Op == OpJump || i.Op == OpBranch {
		return false
	}
	return i.IsALU() || i.IsFlow()
}

func (i *Instruction) String() string {
	srcs := make([]string, len(i.Operands))
	for k, o := range i.Operands {
		mark := ""
		if o.FalseDep {
			mark = "~"
		}
		if o.Def == nil {
			srcs[k] = mark + "_"
		} else {
			srcs[k] = fmt.Sprintf("%s%%%d", mark, o.Def.ID)
		}
	}
	return fmt.Sprintf("%%%d = %s %v", i.ID, i.Op, srcs)
}

// Block is an ordered list of instructions terminated by 0, 1 or 2
// successors.
type Block struct {
	ID           int
	Name         string
	Instructions []*Instruction // final, committed issue order
	Preds        []*Block
	Succs        []*Block
	Condition    *Instruction // predicate producer the terminator reads

	// DepthList holds not-yet-scheduled instructions in descending
	// depth order (stable by insertion among equal depths), maintained
	// by compute-depth and drained by the ready-list scheduler.
	DepthList []*Instruction

	// Visiting guards distance()'s predecessor recursion against
	// revisiting a block already on the current walk.
	Visiting bool

	AddrProducer *Instruction
	PredProducer *Instruction
	LiveValues   int
}

// Program is the whole compilation unit: its blocks, plus the global
// tables the scheduler reads and mutates (dead entries are nulled out,
// never left dangling).
type Program struct {
	Blocks     []*Block
	Indirects  []*Instruction
	Predicates []*Instruction
	Baryfs     []*Instruction
	Outputs    []*Instruction

	nextInstID int
	nextBlkID  int
}

func NewProgram() *Program {
	return &Program{}
}

func (p *Program) NewBlock(name string) *Block {
	b := &Block{ID: p.nextBlkID, Name: name}
	p.nextBlkID++
	p.Blocks = append(p.Blocks, b)
	return b
}

// NewInstruction allocates an instruction owned by block b and appends
// it to b's pre-scheduling instruction list.
func (p *Program) NewInstruction(b *Block, op Opcode) *Instruction {
	inst := &Instruction{ID: p.nextInstID, Op: op, Block: b, Unused: true}
	p.nextInstID++
	b.Instructions = append(b.Instructions, inst)
	if inst.ReadsAddr {
		p.Indirects = append(p.Indirects, inst)
	}
	if inst.ReadsPred {
		p.Predicates = append(p.Predicates, inst)
	}
	if inst.Baryf {
		p.Baryfs = append(p.Baryfs, inst)
	}
	return inst
}

// AddSource appends a true-SSA source operand and counts i as one of
// the real (non-meta) producer's users, so liveness bookkeeping knows
// when a producer's last user has been scheduled. When def is a
// COLLECT/SPLIT proxy, the count lands on whatever is underneath it
// instead, matching how the scheduler's use-count decrement sees
// sources.
func (i *Instruction) AddSource(def *Instruction) {
	op := Operand{Def: def}
	i.Operands = append(i.Operands, op)
	for _, eff := range unwrapOperand(op) {
		if eff.Def != nil {
			eff.Def.UseCount++
		}
	}
}

// AddFalseDep appends an ordering-only false-dependency source.
func (i *Instruction) AddFalseDep(def *Instruction) {
	i.Operands = append(i.Operands, Operand{Def: def, FalseDep: true})
}

// Clone creates a fresh SSA value duplicating op, class flags and
// source operands of i (used for address/predicate spill-by-clone).
// It registers the clone in Program's global tables like any
// other instruction but does not place it in a block's schedule; the
// caller inserts it at the position the spill policy chose.
func (p *Program) Clone(i *Instruction) *Instruction {
	c := &Instruction{
		ID:              p.nextInstID,
		Op:              i.Op,
		DestRegs:        i.DestRegs,
		ArrayID:         i.ArrayID,
		BarrierClass:    i.BarrierClass,
		BarrierConflict: i.BarrierConflict,
		ReadsAddr:       i.ReadsAddr,
		WritesAddr:      i.WritesAddr,
		ReadsPred:       i.ReadsPred,
		WritesPred:      i.WritesPred,
		Baryf:           i.Baryf,
		Block:           i.Block,
		Unused:          false,
		Comment:         "clone of %" + fmt.Sprint(i.ID),
	}
	c.Operands = append(c.Operands, i.Operands...)
	for _, o := range c.Operands {
		for _, eff := range unwrapOperand(o) {
			if eff.Def != nil {
				eff.Def.UseCount++
			}
		}
	}
	p.nextInstID++
	if c.ReadsAddr {
		p.Indirects = append(p.Indirects, c)
	}
	if c.ReadsPred {
		p.Predicates = append(p.Predicates, c)
	}
	if c.Baryf {
		p.Baryfs = append(p.Baryfs, c)
	}
	return c
}

// EffectiveSources returns i's operands with any COLLECT/SPLIT
// definition unwrapped to the operands underneath it: those two
// opcodes are transparent proxies with no cost of their own, so any
// instruction that reads one reads through to its real sources
// instead. A false-dependency mark on the outer operand still wins:
// unwrapping never turns an ordering-only edge into a value use.
func EffectiveSources(i *Instruction) []Operand {
	var out []Operand
	for _, o := range i.Operands {
		out = append(out, unwrapOperand(o)...)
	}
	return out
}

// unwrapOperand is EffectiveSources for a single operand: it recurses
// through a COLLECT/SPLIT definition to the operands underneath,
// otherwise returns op unchanged. Shared by EffectiveSources, AddSource
// and Clone so construction-time use-count bookkeeping and commit-time
// use-count bookkeeping agree on where a value's real producer is.
func unwrapOperand(op Operand) []Operand {
	if op.Def == nil || (op.Def.Op != OpCollect && op.Def.Op != OpSplit) {
		return []Operand{op}
	}
	var out []Operand
	for _, inner := range op.Def.Operands {
		for _, u := range unwrapOperand(inner) {
			if op.FalseDep {
				u.FalseDep = true
			}
			out = append(out, u)
		}
	}
	return out
}
