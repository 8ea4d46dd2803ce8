package ir

import (
	"bufio"
	"fmt"
	"strings"
)

// ParseProgram reads the scheduler's textual IR format: one ".block
// name" directive per basic block, followed by "%N = op args..."
// instructions and a trailing terminator ("jmp label" / "br %cond,
// label" / "ret"). Operand references ("%N") must name an
// already-parsed instruction; block-name references are resolved once
// the whole program has been read.
func ParseProgram(input string) (*Program, error) {
	p := &textParser{
		scanner: bufio.NewScanner(strings.NewReader(input)),
		prog:    NewProgram(),
		byName:  make(map[string]*Instruction),
	}
	return p.parse()
}

type textParser struct {
	scanner *bufio.Scanner
	prog    *Program
	line    int
	block   *Block
	byName  map[string]*Instruction
	// pending cross-block successor edges, resolved after all blocks
	// exist. The text format names CFG edges directly ("jmp"/"br"
	// lines); it does not construct BRANCH/JUMP instructions itself —
	// those are the scheduler's own output, synthesized fresh
	// during terminator emission from Succs/Condition.
	pendingJumps []pendingJump
}

type pendingJump struct {
	from   *Block
	target string
}

var opcodeNames = map[string]Opcode{
	"add": OpAdd, "sub": OpSub, "mul": OpMul, "mad": OpMad,
	"and": OpAnd, "or": OpOr, "xor": OpXor, "shl": OpShl, "shr": OpShr,
	"mov": OpMov, "mova": OpMova, "setp": OpSetp,
	"rcp": OpRcp, "rsq": OpRsq, "sin": OpSin, "cos": OpCos, "log2": OpLog2, "exp2": OpExp2,
	"tex.sample": OpTexSample, "tex.load": OpTexLoad,
	"load": OpLoad, "store": OpStore, "atomic": OpAtomic,
	"kill":  OpKill,
	"input": OpInput, "collect": OpCollect, "split": OpSplit, "tex.prefetch": OpTexPrefetch,
}

func (p *textParser) parse() (*Program, error) {
	blocksByName := map[string]*Block{}

	for p.scanner.Scan() {
		p.line++
		line := strings.TrimSpace(p.scanner.Text())
		if line == "" || strings.HasPrefix(line, "//") {
			continue
		}

		if strings.HasPrefix(line, ".block") {
			fields := strings.Fields(line)
			if len(fields) < 2 {
				return nil, p.errf("expected block name after .block")
			}
			p.block = p.prog.NewBlock(fields[1])
			blocksByName[fields[1]] = p.block
			continue
		}

		if p.block == nil {
			return nil, p.errf("instruction outside any .block")
		}

		switch {
		case strings.HasPrefix(line, "jmp "):
			target := strings.TrimSpace(strings.TrimPrefix(line, "jmp "))
			p.pendingJumps = append(p.pendingJumps, pendingJump{p.block, target})
		case strings.HasPrefix(line, "br "):
			rest := strings.TrimSpace(strings.TrimPrefix(line, "br "))
			parts := strings.SplitN(rest, ",", 2)
			if len(parts) != 2 {
				return nil, p.errf("expected 'br %%cond, target'")
			}
			cond, err := p.resolveRef(strings.TrimSpace(parts[0]))
			if err != nil {
				return nil, err
			}
			p.block.Condition = cond
			// The conditional form also falls through to the block's
			// other successor; that edge is whatever block follows in
			// program order once the ".block" list is fully parsed, so
			// it is wired below rather than named explicitly here.
			p.pendingJumps = append(p.pendingJumps, pendingJump{p.block, strings.TrimSpace(parts[1])})
		case line == "ret":
			// no-op terminator marker: a block with no Succs and no
			// synthesized jump/branch is implicitly a return block.
		default:
			if err := p.parseInstruction(line); err != nil {
				return nil, err
			}
		}
	}

	branchTarget := map[*Block]*Block{}
	for _, pj := range p.pendingJumps {
		tgt, ok := blocksByName[pj.target]
		if !ok {
			return nil, fmt.Errorf("undefined block: %s", pj.target)
		}
		if pj.from.Condition != nil {
			branchTarget[pj.from] = tgt
		} else {
			pj.from.Succs = append(pj.from.Succs, tgt)
			tgt.Preds = append(tgt.Preds, pj.from)
		}
	}

	// A "br" line names only the branch target (Succs[1], read with
	// inverted sense by emitTerminator); its fall-through successor
	// (Succs[0]) is whichever block follows it in the file.
	for i, blk := range p.prog.Blocks {
		tgt, ok := branchTarget[blk]
		if !ok {
			continue
		}
		if i+1 >= len(p.prog.Blocks) {
			return nil, fmt.Errorf("block %q: conditional branch has no fall-through successor", blk.Name)
		}
		fallthroughBlk := p.prog.Blocks[i+1]
		blk.Succs = append(blk.Succs, fallthroughBlk, tgt)
		fallthroughBlk.Preds = append(fallthroughBlk.Preds, blk)
		tgt.Preds = append(tgt.Preds, blk)
	}

	return p.prog, nil
}

// parseInstruction handles "%N = op src1, src2, ..." and bare-effect
// forms like "store %a, %b" (no destination).
func (p *textParser) parseInstruction(line string) error {
	var name, rest string
	if idx := strings.Index(line, "="); idx >= 0 && strings.HasPrefix(strings.TrimSpace(line), "%") {
		name = strings.TrimSpace(line[:idx])
		rest = strings.TrimSpace(line[idx+1:])
	} else {
		rest = line
	}

	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return p.errf("empty instruction")
	}
	op, ok := opcodeNames[fields[0]]
	if !ok {
		return p.errf("unknown opcode %q", fields[0])
	}

	inst := p.prog.NewInstruction(p.block, op)
	if name != "" {
		p.byName[name] = inst
		inst.DestRegs = 1
	}
	// mova/setp are, by definition (ir.go's opcode table), the only two
	// opcodes that write the address/predicate register; no textual
	// syntax is needed to decide this, unlike ReadsAddr/ArrayID/
	// BarrierClass, which name real register/memory facts this grammar
	// has no directive for yet.
	inst.WritesAddr = op == OpMova
	inst.WritesPred = op == OpSetp

	argStr := strings.TrimSpace(strings.TrimPrefix(rest, fields[0]))
	if argStr != "" {
		for _, arg := range strings.Split(argStr, ",") {
			arg = strings.TrimSpace(arg)
			if arg == "" {
				continue
			}
			falseDep := strings.HasPrefix(arg, "~")
			arg = strings.TrimPrefix(arg, "~")
			def, err := p.resolveRef(arg)
			if err != nil {
				return err
			}
			if falseDep {
				inst.AddFalseDep(def)
			} else {
				inst.AddSource(def)
			}
		}
	}
	return nil
}

func (p *textParser) resolveRef(tok string) (*Instruction, error) {
	def, ok := p.byName[tok]
	if !ok {
		return nil, p.errf("undefined operand %q", tok)
	}
	return def, nil
}

func (p *textParser) errf(format string, args ...interface{}) error {
	return fmt.Errorf("line %d: %s", p.line, fmt.Sprintf(format, args...))
}

// String renders a program's current (scheduled or unscheduled) form
// in the textual IR's instruction syntax, for trace output and golden
// tests. It prints no "jmp"/"br"/"ret" lines for CFG edges, and the
// scheduler's nop/br/jmp instructions (with their "-> target" suffix)
// are not part of the grammar ParseProgram reads, so only an
// unscheduled program without CFG edges parses back unchanged.
func (p *Program) String() string {
	var b strings.Builder
	for _, blk := range p.Blocks {
		fmt.Fprintf(&b, ".block %s\n", blk.Name)
		for _, inst := range blk.Instructions {
			fmt.Fprintf(&b, "  ")
			if inst.DestRegs > 0 {
				fmt.Fprintf(&b, "%%%d = ", inst.ID)
			}
			fmt.Fprintf(&b, "%s", inst.Op)
			for i, o := range inst.Operands {
				sep := ", "
				if i == 0 {
					sep = " "
				}
				mark := ""
				if o.FalseDep {
					mark = "~"
				}
				if o.Def == nil {
					fmt.Fprintf(&b, "%s%s_", sep, mark)
				} else {
					fmt.Fprintf(&b, "%s%s%%%d", sep, mark, o.Def.ID)
				}
			}
			if inst.Target != nil {
				fmt.Fprintf(&b, " -> %s", inst.Target.Name)
			}
			b.WriteByte('\n')
		}
	}
	return b.String()
}
