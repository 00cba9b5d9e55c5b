package graph

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/pkg/errors"
)

// AttrResolver resolves an OpGetAttr target to the shape of its backing
// tensor in the program's weight table. It is injected by the program so the
// graph package stays independent of storage-class bookkeeping.
type AttrResolver func(target string) (shapes.Shape, error)

// RecomputeShapes re-derives the output shape and dtype of every node, in
// order, overwriting Meta().Val. It fails on the first node whose arguments
// are inconsistent with its operator schema; after a rewrite pass, such a
// failure means the pass produced an invalid graph.
func (g *Graph) RecomputeShapes(resolve AttrResolver) error {
	for _, n := range g.nodes {
		shape, err := inferShape(n, resolve)
		if err != nil {
			return errors.WithMessagef(err, "graph %q: node %q (%s)", g.name, n.name, n.op)
		}
		n.meta.Val = shape
	}
	return nil
}

func inferShape(n *Node, resolve AttrResolver) (shapes.Shape, error) {
	switch n.op {
	case OpPlaceholder:
		if !n.meta.Val.Ok() {
			return shapes.Shape{}, errors.New("placeholder has no declared shape")
		}
		return n.meta.Val, nil

	case OpGetAttr:
		if resolve == nil {
			return shapes.Shape{}, errors.New("no attribute resolver provided")
		}
		return resolve(n.target)

	case OpOutput:
		// The output node produces no value of its own; it keeps the shape
		// of its first result for convenience.
		if len(n.args) == 0 {
			return shapes.Shape{}, errors.New("output node has no results")
		}
		first, err := argShape(n, 0)
		if err != nil {
			return shapes.Shape{}, err
		}
		return first, nil

	case OpConvolution:
		return inferConvShape(n)

	case OpUnsqueeze:
		in, err := argShape(n, 0)
		if err != nil {
			return shapes.Shape{}, err
		}
		axis, err := normalizeAxis(n.Arg(1), in.Rank()+1)
		if err != nil {
			return shapes.Shape{}, err
		}
		dims := make([]int, 0, in.Rank()+1)
		dims = append(dims, in.Dimensions[:axis]...)
		dims = append(dims, 1)
		dims = append(dims, in.Dimensions[axis:]...)
		return shapes.Make(in.DType, dims...), nil

	case OpSqueeze:
		in, err := argShape(n, 0)
		if err != nil {
			return shapes.Shape{}, err
		}
		axis, err := normalizeAxis(n.Arg(1), in.Rank())
		if err != nil {
			return shapes.Shape{}, err
		}
		if in.Dimensions[axis] != 1 {
			return shapes.Shape{}, errors.Errorf("squeeze axis %d of %s is %d, not 1",
				axis, in, in.Dimensions[axis])
		}
		dims := make([]int, 0, in.Rank()-1)
		dims = append(dims, in.Dimensions[:axis]...)
		dims = append(dims, in.Dimensions[axis+1:]...)
		return shapes.Make(in.DType, dims...), nil

	case OpReshape:
		in, err := argShape(n, 0)
		if err != nil {
			return shapes.Shape{}, err
		}
		dims64 := n.Arg(1).Ints()
		dims := make([]int, len(dims64))
		size := 1
		for i, d := range dims64 {
			dims[i] = int(d)
			size *= dims[i]
		}
		if size != in.Size() {
			return shapes.Shape{}, errors.Errorf("reshape to %v changes element count from %d to %d",
				dims, in.Size(), size)
		}
		return shapes.Make(in.DType, dims...), nil

	case OpTranspose:
		in, err := argShape(n, 0)
		if err != nil {
			return shapes.Shape{}, err
		}
		a, err := normalizeAxis(n.Arg(1), in.Rank())
		if err != nil {
			return shapes.Shape{}, err
		}
		b, err := normalizeAxis(n.Arg(2), in.Rank())
		if err != nil {
			return shapes.Shape{}, err
		}
		dims := append([]int(nil), in.Dimensions...)
		dims[a], dims[b] = dims[b], dims[a]
		return shapes.Make(in.DType, dims...), nil

	case OpAdd, OpMul:
		lhs, err := argShape(n, 0)
		if err != nil {
			return shapes.Shape{}, err
		}
		rhs, err := argShape(n, 1)
		if err != nil {
			return shapes.Shape{}, err
		}
		if !lhs.Equal(rhs) {
			return shapes.Shape{}, errors.Errorf("elementwise operands differ: %s vs %s", lhs, rhs)
		}
		return lhs, nil

	case OpMatMul:
		return inferMatMulShape(n)

	case OpSoftmax, OpRelu:
		return argShape(n, 0)

	case OpSDPA, OpCustomSDPA:
		return inferSDPAShape(n)

	case OpQuantizePerTensor:
		in, err := argShape(n, 0)
		if err != nil {
			return shapes.Shape{}, err
		}
		if in.DType != dtypes.Float32 {
			return shapes.Shape{}, errors.Errorf("quantize input must be float32, got %s", in.DType)
		}
		return shapes.Make(dtypes.Int8, in.Dimensions...), nil

	case OpDequantizePerTensor:
		in, err := argShape(n, 0)
		if err != nil {
			return shapes.Shape{}, err
		}
		if in.DType != dtypes.Int8 {
			return shapes.Shape{}, errors.Errorf("dequantize input must be int8, got %s", in.DType)
		}
		return shapes.Make(dtypes.Float32, in.Dimensions...), nil

	default:
		return shapes.Shape{}, errors.Errorf("cannot infer shape for operator %s", n.op)
	}
}

// argShape returns the inferred shape of the node referenced by the i-th
// argument. The referenced node precedes n in the order, so its shape has
// already been recomputed.
func argShape(n *Node, i int) (shapes.Shape, error) {
	ref := n.Arg(i).Node()
	if ref == nil {
		return shapes.Shape{}, errors.Errorf("argument %d is not a node reference", i)
	}
	if !ref.meta.Val.Ok() {
		return shapes.Shape{}, errors.Errorf("argument %d (%q) has no inferred shape", i, ref.name)
	}
	return ref.meta.Val, nil
}

func normalizeAxis(arg Argument, rank int) (int, error) {
	if arg.Kind() != ArgInt {
		return 0, errors.Errorf("axis argument must be an integer literal, got %v", arg)
	}
	axis := int(arg.Int())
	if axis < 0 {
		axis = rank + axis
	}
	if axis < 0 || axis >= rank {
		return 0, errors.Errorf("axis %d out of range for rank %d", arg.Int(), rank)
	}
	return axis, nil
}

func inferConvShape(n *Node) (shapes.Shape, error) {
	if n.NumArgs() != convArgCount {
		return shapes.Shape{}, errors.Errorf("convolution takes %d arguments, got %d",
			convArgCount, n.NumArgs())
	}
	in, err := argShape(n, ConvArgInput)
	if err != nil {
		return shapes.Shape{}, err
	}
	weight, err := argShape(n, ConvArgWeight)
	if err != nil {
		return shapes.Shape{}, err
	}
	stride := n.Arg(ConvArgStride).Ints()
	padding := n.Arg(ConvArgPadding).Ints()
	dilation := n.Arg(ConvArgDilation).Ints()
	transposed := n.Arg(ConvArgTransposed).Bool()
	outputPadding := n.Arg(ConvArgOutputPadding).Ints()
	groups := int(n.Arg(ConvArgGroups).Int())

	spatial := in.Rank() - 2
	if spatial < 1 {
		return shapes.Shape{}, errors.Errorf("convolution input must have rank >= 3, got %s", in)
	}
	if weight.Rank() != in.Rank() {
		return shapes.Shape{}, errors.Errorf("weight rank %d does not match input rank %d",
			weight.Rank(), in.Rank())
	}
	if len(stride) != spatial || len(padding) != spatial || len(dilation) != spatial {
		return shapes.Shape{}, errors.Errorf(
			"stride/padding/dilation lengths (%d/%d/%d) do not match %d spatial dims",
			len(stride), len(padding), len(dilation), spatial)
	}
	if transposed && len(outputPadding) != spatial {
		return shapes.Shape{}, errors.Errorf("outputPadding length %d does not match %d spatial dims",
			len(outputPadding), spatial)
	}
	if groups < 1 {
		return shapes.Shape{}, errors.Errorf("groups must be >= 1, got %d", groups)
	}
	inChannels := in.Dimensions[1]
	var outChannels int
	if transposed {
		// Transposed weight layout: (Cin, Cout/groups, K...).
		if weight.Dimensions[0] != inChannels {
			return shapes.Shape{}, errors.Errorf("transposed weight expects %d input channels, input has %d",
				weight.Dimensions[0], inChannels)
		}
		outChannels = weight.Dimensions[1] * groups
	} else {
		// Weight layout: (Cout, Cin/groups, K...).
		if weight.Dimensions[1]*groups != inChannels {
			return shapes.Shape{}, errors.Errorf("weight expects %d input channels, input has %d",
				weight.Dimensions[1]*groups, inChannels)
		}
		outChannels = weight.Dimensions[0]
	}
	if bias := n.Arg(ConvArgBias); !bias.IsNone() {
		biasShape, err := argShape(n, ConvArgBias)
		if err != nil {
			return shapes.Shape{}, err
		}
		if biasShape.Rank() != 1 || biasShape.Dimensions[0] != outChannels {
			return shapes.Shape{}, errors.Errorf("bias shape %s does not match %d output channels",
				biasShape, outChannels)
		}
	}

	dims := make([]int, in.Rank())
	dims[0] = in.Dimensions[0]
	dims[1] = outChannels
	for i := 0; i < spatial; i++ {
		inDim := in.Dimensions[i+2]
		kernel := weight.Dimensions[i+2]
		effective := int(dilation[i])*(kernel-1) + 1
		var out int
		if transposed {
			out = (inDim-1)*int(stride[i]) - 2*int(padding[i]) + effective + int(outputPadding[i])
		} else {
			out = (inDim+2*int(padding[i])-effective)/int(stride[i]) + 1
		}
		if out < 1 {
			return shapes.Shape{}, errors.Errorf("convolution spatial dim %d collapses to %d", i, out)
		}
		dims[i+2] = out
	}
	return shapes.Make(in.DType, dims...), nil
}

func inferMatMulShape(n *Node) (shapes.Shape, error) {
	lhs, err := argShape(n, 0)
	if err != nil {
		return shapes.Shape{}, err
	}
	rhs, err := argShape(n, 1)
	if err != nil {
		return shapes.Shape{}, err
	}
	if lhs.Rank() < 2 || lhs.Rank() != rhs.Rank() {
		return shapes.Shape{}, errors.Errorf("matmul operands must share rank >= 2: %s vs %s", lhs, rhs)
	}
	r := lhs.Rank()
	for i := 0; i < r-2; i++ {
		if lhs.Dimensions[i] != rhs.Dimensions[i] {
			return shapes.Shape{}, errors.Errorf("matmul batch dims differ: %s vs %s", lhs, rhs)
		}
	}
	if lhs.Dimensions[r-1] != rhs.Dimensions[r-2] {
		return shapes.Shape{}, errors.Errorf("matmul inner dims differ: %s vs %s", lhs, rhs)
	}
	dims := append([]int(nil), lhs.Dimensions...)
	dims[r-1] = rhs.Dimensions[r-1]
	return shapes.Make(lhs.DType, dims...), nil
}

func inferSDPAShape(n *Node) (shapes.Shape, error) {
	q, err := argShape(n, 0)
	if err != nil {
		return shapes.Shape{}, err
	}
	k, err := argShape(n, 1)
	if err != nil {
		return shapes.Shape{}, err
	}
	v, err := argShape(n, 2)
	if err != nil {
		return shapes.Shape{}, err
	}
	if q.Rank() != 4 {
		return shapes.Shape{}, errors.Errorf("attention operands must have rank 4 (batch, heads, seq, dim), got %s", q)
	}
	if !q.Equal(k) || !k.Equal(v) {
		return shapes.Shape{}, errors.Errorf("attention operands must match: q=%s k=%s v=%s", q, k, v)
	}
	return q, nil
}
