// Package scheduler implements the post-register-allocation-independent
// instruction scheduler: depth labelling and dead-code pruning,
// per-block ready-list scheduling with special-register serialisation,
// and the inter-block NOP fix-up pass.
package scheduler

import (
	"fmt"

	"github.com/minzc-gpu/gpusched/pkg/ir"
)

// Metrics accumulates counters across a scheduling run: a plain
// struct callers can inspect after the fact rather than a logging
// side channel.
type Metrics struct {
	DepthIterations  int
	InstructionsKept int
	InstructionsDead int
	NopsInserted     int
	ClonesPerformed  int
	FixupNopsAdded   int
}

// SchedulingError reports the one expected failure mode: the ready-list
// scheduler found no eligible candidate and no conflict to break by
// cloning. Everything else the core asserts about (negative live
// count, scheduling outside the current block, cloning without a live
// producer) is a programming-bug invariant violation, not a
// SchedulingError — see assert() below.
type SchedulingError struct {
	Block *ir.Block
	Msg   string
}

func (e *SchedulingError) Error() string {
	name := "<unnamed>"
	if e.Block != nil {
		name = e.Block.Name
	}
	return fmt.Sprintf("scheduler: deadlock in block %s: %s", name, e.Msg)
}

// Options configures the three entry points. DebugAsserts gates the
// load-bearing internal assertions (delay<=6, live>=0, at most one
// in-scope special-register producer); they are cheap
// enough to leave on by default, but a caller doing fuzz-style stress
// testing with intentionally malformed IR can turn them off to see the
// deadlock error instead of a panic.
type Options struct {
	DebugAsserts bool
	Trace        TraceFunc
	// MaxDepthIterations caps the depth/prune fixed point; 0 uses
	// the default bound (initial prunable-SPLIT count + 1).
	MaxDepthIterations int
}

// DefaultOptions returns the options used when a caller has no reason
// to deviate: asserts on, no trace.
func DefaultOptions() Options {
	return Options{DebugAsserts: true}
}

// Pass is one stage of the scheduling pipeline.
type Pass interface {
	Name() string
	Run(prog *ir.Program) error
}

// Pipeline owns the ordered pass list and the run's Metrics. Unlike an
// optimizer loop there is no fixed point at this level: each pass runs
// exactly once, in order (the depth pass iterates internally).
type Pipeline struct {
	opts    Options
	passes  []Pass
	Metrics Metrics
}

// NewPipeline builds the standard four-stage pipeline: barrier
// dependencies, depth labelling, ready-list scheduling, inter-block
// fix-up.
func NewPipeline(opts Options) *Pipeline {
	p := &Pipeline{opts: opts}
	p.passes = []Pass{
		NewBarrierPass(),
		NewDepthPass(opts, &p.Metrics),
		NewReadyListScheduler(opts, &p.Metrics),
		NewInterBlockFixup(opts, &p.Metrics),
	}
	return p
}

// Passes returns the pipeline's stages in run order.
func (p *Pipeline) Passes() []Pass {
	return p.passes
}

// Run executes every pass in order, stopping at the first failure.
func (p *Pipeline) Run(prog *ir.Program) error {
	for _, pass := range p.passes {
		if err := pass.Run(prog); err != nil {
			return fmt.Errorf("scheduling pass %s failed: %w", pass.Name(), err)
		}
	}
	return nil
}

// BarrierPass attaches barrier false-dependency edges (AddDeps as a
// pipeline stage).
type BarrierPass struct{}

func NewBarrierPass() *BarrierPass { return &BarrierPass{} }

func (*BarrierPass) Name() string { return "barrier dependencies" }

func (*BarrierPass) Run(prog *ir.Program) error {
	addBarrierDeps(prog)
	return nil
}

// DepthPass runs depth labelling and dead-code pruning to a fixed
// point (ComputeDepth as a pipeline stage).
type DepthPass struct {
	opts Options
	m    *Metrics
}

func NewDepthPass(opts Options, m *Metrics) *DepthPass {
	return &DepthPass{opts: opts, m: m}
}

func (*DepthPass) Name() string { return "depth labelling" }

func (p *DepthPass) Run(prog *ir.Program) error {
	return runDepthFixedPoint(prog, p.opts, p.m)
}

// ReadyListScheduler runs the per-block list scheduler, terminator
// emission included.
type ReadyListScheduler struct {
	opts Options
	m    *Metrics
}

func NewReadyListScheduler(opts Options, m *Metrics) *ReadyListScheduler {
	return &ReadyListScheduler{opts: opts, m: m}
}

func (*ReadyListScheduler) Name() string { return "ready-list scheduling" }

func (s *ReadyListScheduler) Run(prog *ir.Program) error {
	for _, b := range prog.Blocks {
		if err := scheduleBlock(prog, b, s.opts, s.m); err != nil {
			return err
		}
	}
	return nil
}

// InterBlockFixup inserts block-entry NOPs to cover latency carried
// across control-flow edges.
type InterBlockFixup struct {
	opts Options
	m    *Metrics
}

func NewInterBlockFixup(opts Options, m *Metrics) *InterBlockFixup {
	return &InterBlockFixup{opts: opts, m: m}
}

func (*InterBlockFixup) Name() string { return "inter-block fixup" }

func (f *InterBlockFixup) Run(prog *ir.Program) error {
	runInterBlockFixup(prog, f.opts, f.m)
	return nil
}

// AddDeps runs once, before ComputeDepth: it walks every block and
// attaches barrier false-dependency edges.
func AddDeps(prog *ir.Program) {
	addBarrierDeps(prog)
}

// ComputeDepth runs depth labelling and dead-code pruning to a fixed
// point: it produces depth-sorted per-block lists and removes dead
// instructions. The scheduler has no expected failure mode here, so
// DebugAsserts governs whether an internal inconsistency shows up as
// a panic (on) or is silently skipped (off, not recommended).
func ComputeDepth(prog *ir.Program, opts Options) (*Metrics, error) {
	m := &Metrics{}
	if err := runDepthFixedPoint(prog, opts, m); err != nil {
		return m, err
	}
	return m, nil
}

// Schedule runs once: per-block list scheduling (terminator emission
// included), then the inter-block fix-up. Returns a *SchedulingError
// on deadlock.
func Schedule(prog *ir.Program, opts Options, m *Metrics) error {
	if m == nil {
		m = &Metrics{}
	}
	for _, b := range prog.Blocks {
		if err := scheduleBlock(prog, b, opts, m); err != nil {
			return err
		}
	}
	runInterBlockFixup(prog, opts, m)
	return nil
}

// TraceFunc receives one line per scheduling decision when set in
// Options.Trace; the format is not part of any stability contract.
type TraceFunc func(format string, args ...interface{})

func trace(opts Options, format string, args ...interface{}) {
	if opts.Trace != nil {
		opts.Trace(format, args...)
	}
}

// assert panics with msg when DebugAsserts is set and cond is false.
// A failure here is always a scheduler bug, never a property of the
// input IR.
func assert(opts Options, cond bool, msg string, args ...interface{}) {
	if opts.DebugAsserts && !cond {
		panic("scheduler invariant violated: " + fmt.Sprintf(msg, args...))
	}
}
