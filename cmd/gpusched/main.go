package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/minzc-gpu/gpusched/pkg/ir"
	"github.com/minzc-gpu/gpusched/pkg/scheduler"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	outputFile   string
	traceSched   bool
	noAsserts    bool
	maxDepthIter int
)

var rootCmd = &cobra.Command{
	Use:   "gpusched [mir file]",
	Short: "Post-register-allocation-independent instruction scheduler",
	Long: `gpusched - Post-RA-Independent GPU Shader Instruction Scheduler
━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
Reads a basic-block CFG already lowered to the target opcode
set and emits a legal linear per-block issue order: true and
false dependencies respected, minimum delay honoured by NOP
insertion, the scarce address and predicate registers
serialised by spill-by-clone rematerialisation, and
terminator branches padded for their condition's latency.

INPUT FORMAT:
  A ".block name" directive starts each basic block, followed
  by "%N = op args..." instructions and a "jmp"/"br"/"ret"
  terminator marker naming only the CFG edge - the scheduler
  synthesises the real BRANCH/JUMP instructions itself.

EXAMPLES:
  gpusched kernel.mir                 # schedule, print to stdout
  gpusched kernel.mir -o out.mir      # schedule, write to a file
  gpusched kernel.mir --trace         # also print scheduling decisions to stderr

This pass does not parse shader source, allocate physical
registers, or encode machine code: it only reorders and pads
an already-lowered IR.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(args[0])
	},
}

func init() {
	rootCmd.Flags().StringVarP(&outputFile, "output", "o", "", "output file (default: stdout)")
	rootCmd.Flags().BoolVar(&traceSched, "trace", false, "print scheduling decisions to stderr")
	rootCmd.Flags().BoolVar(&noAsserts, "no-asserts", false, "disable internal invariant assertions (report deadlock instead of panicking on a scheduler bug)")
	rootCmd.Flags().IntVar(&maxDepthIter, "max-iterations", 0, "cap the depth/pruning fixed point (0: prunable-split-count bound)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// traceWriter picks the scheduling-trace format: a human reading
// a terminal gets one plain line per decision, a pipe or log file
// (CI, a build log) gets newline-delimited JSON instead, since that's
// the shape downstream tooling can actually parse.
func traceWriter(w *os.File) scheduler.TraceFunc {
	if term.IsTerminal(int(w.Fd())) {
		return func(format string, args ...interface{}) {
			fmt.Fprintf(w, format+"\n", args...)
		}
	}
	return func(format string, args ...interface{}) {
		line, err := json.Marshal(map[string]string{"event": fmt.Sprintf(format, args...)})
		if err != nil {
			return
		}
		fmt.Fprintln(w, string(line))
	}
}

func run(sourceFile string) error {
	src, err := os.ReadFile(sourceFile)
	if err != nil {
		return fmt.Errorf("reading %s: %w", sourceFile, err)
	}

	prog, err := ir.ParseProgram(string(src))
	if err != nil {
		return fmt.Errorf("parsing %s: %w", sourceFile, err)
	}

	opts := scheduler.DefaultOptions()
	opts.DebugAsserts = !noAsserts
	opts.MaxDepthIterations = maxDepthIter
	if traceSched {
		opts.Trace = traceWriter(os.Stderr)
	}

	pipe := scheduler.NewPipeline(opts)
	if err := pipe.Run(prog); err != nil {
		return err
	}

	if traceSched {
		m := pipe.Metrics
		fmt.Fprintf(os.Stderr, "kept=%d dead=%d nops=%d clones=%d fixup_nops=%d depth_iterations=%d\n",
			m.InstructionsKept, m.InstructionsDead, m.NopsInserted, m.ClonesPerformed, m.FixupNopsAdded, m.DepthIterations)
	}

	out := prog.String()
	if outputFile == "" {
		fmt.Print(out)
		return nil
	}
	if err := os.WriteFile(outputFile, []byte(out), 0644); err != nil {
		return fmt.Errorf("writing %s: %w", outputFile, err)
	}
	return nil
}
