package interp

import (
	"math"

	"github.com/pkg/errors"

	"github.com/gomlx/go-edgeir/graph"
)

// evalSDPA implements scaled dot-product attention over (batch, heads, seq,
// dim) operands: softmax(q k^T * scale) v, with a causal mask when causal is
// set. The sdpa operator follows the decoder convention and is always
// causal; custom_sdpa carries an explicit flag.
func (e *Evaluator) evalSDPA(n *graph.Node, in func(int) (*graph.Tensor, error), causal bool) (*graph.Tensor, error) {
	q, err := in(0)
	if err != nil {
		return nil, err
	}
	k, err := in(1)
	if err != nil {
		return nil, err
	}
	v, err := in(2)
	if err != nil {
		return nil, err
	}
	scale := float32(n.Arg(3).Float())

	qd := q.Dimensions()
	if len(qd) != 4 {
		return nil, errors.Errorf("attention operands must have rank 4, got %d", len(qd))
	}
	qf, err := q.Float32s()
	if err != nil {
		return nil, err
	}
	kf, err := k.Float32s()
	if err != nil {
		return nil, err
	}
	vf, err := v.Float32s()
	if err != nil {
		return nil, err
	}
	if len(kf) != len(qf) || len(vf) != len(qf) {
		return nil, errors.New("attention operands must have matching shapes")
	}

	batch, heads, seq, dim := qd[0], qd[1], qd[2], qd[3]
	out := make([]float32, len(qf))
	scores := make([]float32, seq)
	weights := make([]float32, seq)
	for b := 0; b < batch; b++ {
		for h := 0; h < heads; h++ {
			base := (b*heads + h) * seq * dim
			for i := 0; i < seq; i++ {
				limit := seq
				if causal {
					limit = i + 1
				}
				for j := 0; j < limit; j++ {
					var s float32
					for d := 0; d < dim; d++ {
						s += qf[base+i*dim+d] * kf[base+j*dim+d]
					}
					scores[j] = s * scale
				}
				for j := limit; j < seq; j++ {
					scores[j] = float32(math.Inf(-1))
				}
				softmaxRow(scores, weights)
				for d := 0; d < dim; d++ {
					var s float32
					for j := 0; j < limit; j++ {
						s += weights[j] * vf[base+j*dim+d]
					}
					out[base+i*dim+d] = s
				}
			}
		}
	}
	return graph.NewTensor(out, qd...)
}
