package passes

import (
	"github.com/pkg/errors"

	"github.com/gomlx/go-edgeir/graph"
	"github.com/gomlx/go-edgeir/program"
)

// ReplaceSDPAPass swaps every scaled-dot-product-attention node for the
// runtime's fused custom kernel. The custom op takes the same q/k/v/scale
// arguments plus an explicit causal flag: with an attention mask the mask
// handling is left to the kernel and causal is false, otherwise causal
// masking is requested from the kernel directly.
//
// The rewrite is purely a node retag plus argument extension: no topology
// changes and no weight-table writes.
type ReplaceSDPAPass struct {
	// useAttentionMask selects the non-causal kernel variant that consumes
	// an explicit mask.
	useAttentionMask bool
}

// NewReplaceSDPAPass creates the pass. With useAttentionMask false the
// custom kernel applies causal masking itself.
func NewReplaceSDPAPass(useAttentionMask bool) *ReplaceSDPAPass {
	return &ReplaceSDPAPass{useAttentionMask: useAttentionMask}
}

// Name returns the pass name.
func (*ReplaceSDPAPass) Name() string {
	return "ReplaceSDPAPass"
}

// Run retags every sdpa node in a frozen snapshot of the node list.
func (pass *ReplaceSDPAPass) Run(p *program.Program) (Result, error) {
	g := p.Graph()
	modified := false
	for _, node := range g.Nodes() {
		if node.Op() != graph.OpSDPA {
			continue
		}
		if node.NumArgs() != 4 {
			return Result{}, errors.Errorf("sdpa node %q has %d arguments, want 4 (q, k, v, scale)",
				node.Name(), node.NumArgs())
		}
		args := node.Args()
		args = append(args, graph.BoolArg(!pass.useAttentionMask))
		node.SetOp(graph.OpCustomSDPA)
		node.SetArgs(args...)
		modified = true
	}

	if err := p.Finalize(); err != nil {
		return Result{}, err
	}
	return Result{Program: p, Modified: modified}, nil
}
