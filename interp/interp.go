// Package interp is a reference evaluator for exported programs. It exists
// so lowering passes can be checked for numeric equivalence: run the program
// before and after a pass on the same inputs and compare outputs.
//
// It is deliberately simple (float32 math, no vectorization) and is not a
// runtime. Operators are evaluated in node order; the graph must be
// finalized before evaluation.
package interp

import (
	"math"

	"github.com/pkg/errors"

	"github.com/gomlx/go-edgeir/graph"
	"github.com/gomlx/go-edgeir/program"
)

// Evaluator runs a finalized program on host tensors.
type Evaluator struct {
	prog *program.Program
}

// New creates an evaluator for the program.
func New(p *program.Program) *Evaluator {
	return &Evaluator{prog: p}
}

// Run evaluates the graph on the given inputs, keyed by placeholder name,
// and returns the output node's results in order.
func (e *Evaluator) Run(inputs map[string]*graph.Tensor) ([]*graph.Tensor, error) {
	g := e.prog.Graph()
	env := make(map[*graph.Node]*graph.Tensor, g.NumNodes())
	var results []*graph.Tensor

	for _, n := range g.Nodes() {
		out, err := e.eval(n, env)
		if err != nil {
			return nil, errors.WithMessagef(err, "evaluating node %q (%s)", n.Name(), n.Op())
		}
		if n.Op() == graph.OpOutput {
			for _, a := range n.Args() {
				results = append(results, env[a.Node()])
			}
			return results, nil
		}
		if out == nil {
			if t, ok := inputs[n.Name()]; ok {
				out = t
			} else {
				return nil, errors.Errorf("no input tensor provided for placeholder %q", n.Name())
			}
		}
		env[n] = out
	}
	return nil, errors.Errorf("graph %q has no output node", g.Name())
}

// eval computes one node's output. Placeholders return nil so Run can bind
// the caller's input.
func (e *Evaluator) eval(n *graph.Node, env map[*graph.Node]*graph.Tensor) (*graph.Tensor, error) {
	in := func(i int) (*graph.Tensor, error) {
		ref := n.Arg(i).Node()
		if ref == nil {
			return nil, errors.Errorf("argument %d is not a node reference", i)
		}
		t, ok := env[ref]
		if !ok {
			return nil, errors.Errorf("argument %d (%q) has no computed value", i, ref.Name())
		}
		return t, nil
	}

	switch n.Op() {
	case graph.OpPlaceholder:
		return nil, nil

	case graph.OpGetAttr:
		st, ok := e.prog.ResolveStorage(n)
		if !ok {
			return nil, errors.Errorf("get_attr target %q resolves to no storage class", n.Target())
		}
		return e.prog.TensorFor(st)

	case graph.OpOutput:
		return nil, nil

	case graph.OpUnsqueeze:
		x, err := in(0)
		if err != nil {
			return nil, err
		}
		return x.Unsqueeze(int(n.Arg(1).Int()))

	case graph.OpSqueeze:
		x, err := in(0)
		if err != nil {
			return nil, err
		}
		return x.Squeeze(int(n.Arg(1).Int()))

	case graph.OpReshape:
		x, err := in(0)
		if err != nil {
			return nil, err
		}
		dims64 := n.Arg(1).Ints()
		dims := make([]int, len(dims64))
		for i, d := range dims64 {
			dims[i] = int(d)
		}
		return x.Reshape(dims...)

	case graph.OpTranspose:
		x, err := in(0)
		if err != nil {
			return nil, err
		}
		return transpose(x, int(n.Arg(1).Int()), int(n.Arg(2).Int()))

	case graph.OpAdd, graph.OpMul:
		lhs, err := in(0)
		if err != nil {
			return nil, err
		}
		rhs, err := in(1)
		if err != nil {
			return nil, err
		}
		return elementwise(n.Op(), lhs, rhs)

	case graph.OpMatMul:
		lhs, err := in(0)
		if err != nil {
			return nil, err
		}
		rhs, err := in(1)
		if err != nil {
			return nil, err
		}
		return matmul(lhs, rhs)

	case graph.OpSoftmax:
		x, err := in(0)
		if err != nil {
			return nil, err
		}
		return softmax(x)

	case graph.OpRelu:
		x, err := in(0)
		if err != nil {
			return nil, err
		}
		return relu(x)

	case graph.OpConvolution:
		return e.evalConvolution(n, in)

	case graph.OpSDPA:
		return e.evalSDPA(n, in, true)

	case graph.OpCustomSDPA:
		return e.evalSDPA(n, in, n.Arg(4).Bool())

	case graph.OpQuantizePerTensor:
		x, err := in(0)
		if err != nil {
			return nil, err
		}
		return quantize(x, float32(n.Arg(1).Float()), int(n.Arg(2).Int()))

	case graph.OpDequantizePerTensor:
		x, err := in(0)
		if err != nil {
			return nil, err
		}
		return dequantize(x, float32(n.Arg(1).Float()), int(n.Arg(2).Int()))

	default:
		return nil, errors.Errorf("operator %s is not supported by the evaluator", n.Op())
	}
}

func transpose(x *graph.Tensor, axisA, axisB int) (*graph.Tensor, error) {
	data, err := x.Float32s()
	if err != nil {
		return nil, err
	}
	dims := x.Dimensions()
	rank := len(dims)
	if axisA < 0 {
		axisA += rank
	}
	if axisB < 0 {
		axisB += rank
	}
	if axisA < 0 || axisA >= rank || axisB < 0 || axisB >= rank {
		return nil, errors.Errorf("transpose axes (%d, %d) out of range for rank %d", axisA, axisB, rank)
	}
	outDims := append([]int(nil), dims...)
	outDims[axisA], outDims[axisB] = outDims[axisB], outDims[axisA]
	out := make([]float32, len(data))
	inStrides := rowMajorStrides(dims)
	outStrides := rowMajorStrides(outDims)
	idx := make([]int, rank)
	for flat := range data {
		remaining := flat
		for d := 0; d < rank; d++ {
			idx[d] = remaining / inStrides[d]
			remaining %= inStrides[d]
		}
		idx[axisA], idx[axisB] = idx[axisB], idx[axisA]
		outFlat := 0
		for d := 0; d < rank; d++ {
			outFlat += idx[d] * outStrides[d]
		}
		out[outFlat] = data[flat]
	}
	return graph.NewTensor(out, outDims...)
}

func rowMajorStrides(dims []int) []int {
	strides := make([]int, len(dims))
	stride := 1
	for i := len(dims) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= dims[i]
	}
	return strides
}

func elementwise(op graph.OpKind, lhs, rhs *graph.Tensor) (*graph.Tensor, error) {
	a, err := lhs.Float32s()
	if err != nil {
		return nil, err
	}
	b, err := rhs.Float32s()
	if err != nil {
		return nil, err
	}
	if len(a) != len(b) {
		return nil, errors.Errorf("elementwise operand sizes differ: %d vs %d", len(a), len(b))
	}
	out := make([]float32, len(a))
	for i := range a {
		if op == graph.OpAdd {
			out[i] = a[i] + b[i]
		} else {
			out[i] = a[i] * b[i]
		}
	}
	return graph.NewTensor(out, lhs.Dimensions()...)
}

func matmul(lhs, rhs *graph.Tensor) (*graph.Tensor, error) {
	a, err := lhs.Float32s()
	if err != nil {
		return nil, err
	}
	b, err := rhs.Float32s()
	if err != nil {
		return nil, err
	}
	ad, bd := lhs.Dimensions(), rhs.Dimensions()
	r := len(ad)
	if r < 2 || r != len(bd) {
		return nil, errors.Errorf("matmul operands must share rank >= 2")
	}
	batch := 1
	for i := 0; i < r-2; i++ {
		if ad[i] != bd[i] {
			return nil, errors.Errorf("matmul batch dims differ")
		}
		batch *= ad[i]
	}
	m, k, n := ad[r-2], ad[r-1], bd[r-1]
	if bd[r-2] != k {
		return nil, errors.Errorf("matmul inner dims differ: %d vs %d", k, bd[r-2])
	}
	out := make([]float32, batch*m*n)
	for bi := 0; bi < batch; bi++ {
		aOff, bOff, oOff := bi*m*k, bi*k*n, bi*m*n
		for i := 0; i < m; i++ {
			for j := 0; j < n; j++ {
				var sum float32
				for kk := 0; kk < k; kk++ {
					sum += a[aOff+i*k+kk] * b[bOff+kk*n+j]
				}
				out[oOff+i*n+j] = sum
			}
		}
	}
	outDims := append([]int(nil), ad...)
	outDims[r-1] = n
	return graph.NewTensor(out, outDims...)
}

func softmax(x *graph.Tensor) (*graph.Tensor, error) {
	data, err := x.Float32s()
	if err != nil {
		return nil, err
	}
	dims := x.Dimensions()
	last := dims[len(dims)-1]
	out := make([]float32, len(data))
	for row := 0; row < len(data); row += last {
		softmaxRow(data[row:row+last], out[row:row+last])
	}
	return graph.NewTensor(out, dims...)
}

func softmaxRow(in, out []float32) {
	max := in[0]
	for _, v := range in[1:] {
		if v > max {
			max = v
		}
	}
	var sum float32
	for i, v := range in {
		e := float32(math.Exp(float64(v - max)))
		out[i] = e
		sum += e
	}
	for i := range out {
		out[i] /= sum
	}
}

func relu(x *graph.Tensor) (*graph.Tensor, error) {
	data, err := x.Float32s()
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(data))
	for i, v := range data {
		if v > 0 {
			out[i] = v
		}
	}
	return graph.NewTensor(out, x.Dimensions()...)
}

func quantize(x *graph.Tensor, scale float32, zeroPoint int) (*graph.Tensor, error) {
	data, err := x.Float32s()
	if err != nil {
		return nil, err
	}
	if scale == 0 {
		return nil, errors.New("quantization scale must be non-zero")
	}
	out := make([]int8, len(data))
	for i, v := range data {
		q := int(math.RoundToEven(float64(v/scale))) + zeroPoint
		if q > math.MaxInt8 {
			q = math.MaxInt8
		} else if q < math.MinInt8 {
			q = math.MinInt8
		}
		out[i] = int8(q)
	}
	return graph.NewTensor(out, x.Dimensions()...)
}

func dequantize(x *graph.Tensor, scale float32, zeroPoint int) (*graph.Tensor, error) {
	data, err := x.Int8s()
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(data))
	for i, q := range data {
		out[i] = float32(int(q)-zeroPoint) * scale
	}
	return graph.NewTensor(out, x.Dimensions()...)
}
