// Package passes implements graph lowering passes over exported programs:
// rewrites that bring a graph into a form a hardware backend can consume,
// while preserving numeric semantics and the integrity of the weight table.
//
// Passes run strictly sequentially and mutate the program in place. A pass
// that fails leaves already-applied mutations in place (runs are not
// transactional); callers needing rollback snapshot the program first and
// discard it on error.
package passes

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/gomlx/go-edgeir/program"
)

// Result is what a pass returns on success: the rewritten graph's program
// and whether anything changed. The graph inside prog may be the same object
// that went in or a replacement installed by the pass.
type Result struct {
	Program  *program.Program
	Modified bool
}

// Pass is a single graph rewrite. Run mutates the program in place and must
// leave it finalized (validated, with recomputed shape metadata) on success.
// Any error is fatal to the compilation: there is no local recovery and
// passes are not retried.
type Pass interface {
	// Name identifies the pass in pipeline errors and debug logs.
	Name() string

	Run(p *program.Program) (Result, error)
}

// Pipeline applies passes strictly sequentially, chaining only while each
// pass succeeds.
type Pipeline struct {
	passes []Pass
}

// NewPipeline creates a pipeline running the given passes in order.
func NewPipeline(passes ...Pass) *Pipeline {
	return &Pipeline{passes: passes}
}

// Add appends a pass and returns the pipeline.
func (pl *Pipeline) Add(p Pass) *Pipeline {
	pl.passes = append(pl.passes, p)
	return pl
}

// Run applies every pass in order, stopping at the first failure. It returns
// whether any pass modified the program. On failure the program is left with
// whatever mutations completed before the error.
func (pl *Pipeline) Run(prog *program.Program) (bool, error) {
	modified := false
	for _, pass := range pl.passes {
		res, err := pass.Run(prog)
		if err != nil {
			return modified, errors.WithMessagef(err, "pass %s failed", pass.Name())
		}
		if res.Program != nil {
			prog = res.Program
		}
		if res.Modified {
			modified = true
			logrus.Debugf("pass %s modified the graph:\n%s", pass.Name(), prog.Graph().DumpGraphviz())
		} else {
			logrus.Debugf("pass %s left the graph unchanged", pass.Name())
		}
	}
	return modified, nil
}
