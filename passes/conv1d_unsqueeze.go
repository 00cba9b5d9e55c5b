package passes

import (
	"github.com/pkg/errors"

	"github.com/gomlx/go-edgeir/graph"
	"github.com/gomlx/go-edgeir/program"
)

// Conv1dUnsqueezePass rewrites 1-D convolutions into 2-D convolutions, for
// backends whose convolution primitive only supports 2-D and 3-D inputs.
// Each matched convolution is rewritten so the graph does the following:
//
//  1. unsqueeze the convolution's input from rank 3 to rank 4;
//  2. run a 2-D convolution with extended stride/padding/dilation lists and
//     the kernel reshaped from rank 3 to rank 4;
//  3. squeeze the output back down to rank 3.
//
// The synthetic trailing axis always has extent 1, so the extra convolution
// dimension is a no-op and results are numerically identical.
type Conv1dUnsqueezePass struct{}

// NewConv1dUnsqueezePass creates the pass.
func NewConv1dUnsqueezePass() *Conv1dUnsqueezePass {
	return &Conv1dUnsqueezePass{}
}

// Name returns the pass name.
func (*Conv1dUnsqueezePass) Name() string {
	return "Conv1dUnsqueezePass"
}

// isConv1d is the match predicate: a convolution whose stride list has
// length exactly 1. Convolutions with any other stride rank are left
// untouched.
func isConv1d(n *graph.Node) bool {
	if n.Op() != graph.OpConvolution {
		return false
	}
	return len(n.Arg(graph.ConvArgStride).Ints()) == 1
}

// unsqueezeKernelWeights reshapes the convolution's kernel from rank 3 to
// rank 4 by appending a trailing unit dimension, writing the result back to
// the same storage class under the same symbolic name so every other
// reference to that name stays valid. The node's shape metadata gains the
// trailing dimension too.
func unsqueezeKernelWeights(p *program.Program, kernelNode *graph.Node) error {
	st, ok := p.ResolveStorage(kernelNode)
	if !ok {
		return errors.Errorf("expected a storage-backed tensor for kernel node %q", kernelNode.Name())
	}
	kernel3d, err := p.TensorFor(st)
	if err != nil {
		return err
	}
	// Unsqueeze copies into fresh contiguous storage; the new tensor never
	// aliases the old one.
	kernel4d, err := kernel3d.Unsqueeze(-1)
	if err != nil {
		return errors.WithMessagef(err, "kernel %q", st.Key)
	}
	kernel4d.SetRequiresGrad(false)
	if err := p.ReplaceTensor(st, kernel4d); err != nil {
		return err
	}
	if kernelNode.Meta().Val.Ok() {
		kernelNode.Meta().Val = kernel4d.Shape()
	}
	return nil
}

// Run scans a frozen snapshot of the node list, so the unsqueeze/squeeze
// nodes spliced in while processing one convolution are never themselves
// candidates for matching.
func (pass *Conv1dUnsqueezePass) Run(p *program.Program) (Result, error) {
	g := p.Graph()
	modified := false
	for _, node := range g.Nodes() {
		if !isConv1d(node) {
			continue
		}

		kernelNode := node.Arg(graph.ConvArgWeight).Node()
		if kernelNode == nil || kernelNode.Op() != graph.OpGetAttr {
			return Result{}, errors.Errorf(
				"convolution %q: weight argument must be a get_attr node backed by a parameter, got %v",
				node.Name(), node.Arg(graph.ConvArgWeight))
		}
		if !p.IsParamNode(kernelNode) {
			return Result{}, errors.Errorf(
				"convolution %q: weight node %q resolves to no storage class",
				node.Name(), kernelNode.Name())
		}

		// Reshape the kernel from rank 3 to rank 4.
		if err := unsqueezeKernelWeights(p, kernelNode); err != nil {
			return Result{}, errors.WithMessagef(err, "convolution %q", node.Name())
		}

		// Extend the per-dimension argument lists for the synthetic axis:
		// no skipping, no padding, no dilation on it.
		args := node.Args()
		args[graph.ConvArgStride] = graph.IntsArg(append(node.Arg(graph.ConvArgStride).Ints(), 1))
		args[graph.ConvArgPadding] = graph.IntsArg(append(node.Arg(graph.ConvArgPadding).Ints(), 0))
		args[graph.ConvArgDilation] = graph.IntsArg(append(node.Arg(graph.ConvArgDilation).Ints(), 1))
		args[graph.ConvArgOutputPadding] = graph.IntsArg(append(node.Arg(graph.ConvArgOutputPadding).Ints(), 0))
		node.SetArgs(args...)

		// Splice: unsqueeze -> conv2d -> squeeze.
		inputNode := node.Arg(graph.ConvArgInput).Node()
		unsqueezeBefore := g.InsertBefore(node, graph.OpUnsqueeze)
		unsqueezeBefore.SetArgs(graph.NodeArg(inputNode), graph.IntArg(-1))
		node.ReplaceInputWith(inputNode, unsqueezeBefore)

		squeezeAfter := g.InsertAfter(node, graph.OpSqueeze)
		// Snapshot the consumers before wiring the squeeze, so it never
		// becomes its own consumer.
		originalUsers := node.Consumers()
		squeezeAfter.SetArgs(graph.NodeArg(node), graph.IntArg(-1))
		for _, user := range originalUsers {
			if user == squeezeAfter {
				continue
			}
			user.ReplaceInputWith(node, squeezeAfter)
		}

		modified = true
	}

	// Structural edits are done; the graph's derived state must be fully
	// recomputed before the result can be trusted.
	if err := p.Finalize(); err != nil {
		return Result{}, err
	}
	return Result{Program: p, Modified: modified}, nil
}
