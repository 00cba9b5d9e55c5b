package passes

import (
	"github.com/gomlx/go-edgeir/graph"
	"github.com/gomlx/go-edgeir/program"
)

// QuantizeKVCachePass int8-quantizes the key and value operands feeding each
// fused attention node, to shrink the KV cache's memory footprint. Each k/v
// input gains a quantize/dequantize pair with a static per-tensor scale and
// zero point:
//
//	k -> quantize_per_tensor -> dequantize_per_tensor -> custom_sdpa
//
// The runtime later folds the dequantize into its quantized attention
// kernel; at this layer the pair keeps the graph numerically well-defined.
//
// Inputs already produced by a dequantize node are skipped, so the pass is
// idempotent. Graphs with no custom_sdpa nodes are left untouched.
type QuantizeKVCachePass struct {
	scale     float64
	zeroPoint int64
}

// NewQuantizeKVCachePass creates the pass with a static quantization scale
// and zero point, produced by an earlier calibration step.
func NewQuantizeKVCachePass(scale float64, zeroPoint int64) *QuantizeKVCachePass {
	return &QuantizeKVCachePass{scale: scale, zeroPoint: zeroPoint}
}

// Name returns the pass name.
func (*QuantizeKVCachePass) Name() string {
	return "QuantizeKVCachePass"
}

// Run scans a frozen snapshot of the node list; the quantize/dequantize
// nodes it splices in are never re-visited in the same run.
func (pass *QuantizeKVCachePass) Run(p *program.Program) (Result, error) {
	g := p.Graph()
	modified := false
	for _, node := range g.Nodes() {
		if node.Op() != graph.OpCustomSDPA {
			continue
		}
		// Arguments 1 and 2 are k and v.
		for _, argIdx := range []int{1, 2} {
			src := node.Arg(argIdx).Node()
			if src == nil || src.Op() == graph.OpDequantizePerTensor {
				continue
			}
			quant := g.InsertBefore(node, graph.OpQuantizePerTensor)
			quant.SetArgs(graph.NodeArg(src),
				graph.FloatArg(pass.scale), graph.IntArg(pass.zeroPoint))
			dequant := g.InsertAfter(quant, graph.OpDequantizePerTensor)
			dequant.SetArgs(graph.NodeArg(quant),
				graph.FloatArg(pass.scale), graph.IntArg(pass.zeroPoint))
			node.SetArg(argIdx, graph.NodeArg(dequant))
			modified = true
		}
	}

	if err := p.Finalize(); err != nil {
		return Result{}, err
	}
	return Result{Program: p, Modified: modified}, nil
}
