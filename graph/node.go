package graph

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/core/shapes"
)

// OpKind enumerates the closed set of operators understood by the lowering
// passes. Each kind has a fixed positional-argument schema, documented on the
// constant. Arguments are either references to other nodes or literal
// scalars/lists.
type OpKind int

const (
	InvalidOp OpKind = iota

	// OpPlaceholder is a graph input. No arguments; the node's name is the
	// input name, and its shape is declared at creation.
	OpPlaceholder

	// OpGetAttr fetches a named tensor from the owning program's weight
	// table. No arguments; the node's target is the symbolic name.
	OpGetAttr

	// OpOutput marks graph outputs. Arguments: one node reference per output.
	OpOutput

	// OpConvolution is the general N-D convolution.
	// Arguments: input, weight, bias (node refs; bias may be none),
	// stride (ints), padding (ints), dilation (ints), transposed (bool),
	// outputPadding (ints), groups (int).
	OpConvolution

	// OpUnsqueeze inserts a size-1 dimension. Arguments: input, axis (int).
	OpUnsqueeze

	// OpSqueeze removes a size-1 dimension. Arguments: input, axis (int).
	OpSqueeze

	// OpReshape reinterprets the input's shape. Arguments: input, dims (ints).
	OpReshape

	// OpTranspose swaps two axes. Arguments: input, axisA (int), axisB (int).
	OpTranspose

	// OpAdd and OpMul are elementwise with identical operand shapes.
	// Arguments: lhs, rhs.
	OpAdd
	OpMul

	// OpMatMul multiplies the last two axes, batching over leading axes.
	// Arguments: lhs, rhs.
	OpMatMul

	// OpSoftmax normalizes along the last axis. Arguments: input.
	OpSoftmax

	// OpRelu is elementwise max(x, 0). Arguments: input.
	OpRelu

	// OpSDPA is scaled dot-product attention over (batch, heads, seq, dim)
	// operands. Arguments: q, k, v, scale (float).
	OpSDPA

	// OpCustomSDPA is the runtime's fused attention kernel.
	// Arguments: q, k, v, scale (float), causal (bool).
	OpCustomSDPA

	// OpQuantizePerTensor converts float32 to int8 with a static scale and
	// zero point. Arguments: input, scale (float), zeroPoint (int).
	OpQuantizePerTensor

	// OpDequantizePerTensor converts int8 back to float32.
	// Arguments: input, scale (float), zeroPoint (int).
	OpDequantizePerTensor
)

// String returns the operator's name in the IR's snake_case spelling.
func (op OpKind) String() string {
	switch op {
	case OpPlaceholder:
		return "placeholder"
	case OpGetAttr:
		return "get_attr"
	case OpOutput:
		return "output"
	case OpConvolution:
		return "convolution"
	case OpUnsqueeze:
		return "unsqueeze"
	case OpSqueeze:
		return "squeeze"
	case OpReshape:
		return "reshape"
	case OpTranspose:
		return "transpose"
	case OpAdd:
		return "add"
	case OpMul:
		return "mul"
	case OpMatMul:
		return "matmul"
	case OpSoftmax:
		return "softmax"
	case OpRelu:
		return "relu"
	case OpSDPA:
		return "sdpa"
	case OpCustomSDPA:
		return "custom_sdpa"
	case OpQuantizePerTensor:
		return "quantize_per_tensor"
	case OpDequantizePerTensor:
		return "dequantize_per_tensor"
	default:
		return "invalid"
	}
}

// Positional-argument indices for OpConvolution.
const (
	ConvArgInput = iota
	ConvArgWeight
	ConvArgBias
	ConvArgStride
	ConvArgPadding
	ConvArgDilation
	ConvArgTransposed
	ConvArgOutputPadding
	ConvArgGroups
	convArgCount
)

// ArgKind tags the variant held by an Argument.
type ArgKind int

const (
	ArgNone ArgKind = iota
	ArgNode
	ArgInt
	ArgFloat
	ArgBool
	ArgInts
)

// Argument is one positional argument of a node: either a reference to
// another node's output or a literal scalar/list.
type Argument struct {
	kind ArgKind
	node *Node
	i    int64
	f    float64
	b    bool
	ints []int64
}

// NoneArg is the absent argument (e.g. a convolution without bias).
func NoneArg() Argument { return Argument{kind: ArgNone} }

// NodeArg references another node's output.
func NodeArg(n *Node) Argument { return Argument{kind: ArgNode, node: n} }

// IntArg is a literal integer.
func IntArg(v int64) Argument { return Argument{kind: ArgInt, i: v} }

// FloatArg is a literal float.
func FloatArg(v float64) Argument { return Argument{kind: ArgFloat, f: v} }

// BoolArg is a literal boolean.
func BoolArg(v bool) Argument { return Argument{kind: ArgBool, b: v} }

// IntsArg is a literal integer list. The slice is copied.
func IntsArg(v []int64) Argument {
	return Argument{kind: ArgInts, ints: append([]int64(nil), v...)}
}

// Kind returns the variant tag.
func (a Argument) Kind() ArgKind { return a.kind }

// IsNone reports whether the argument is absent.
func (a Argument) IsNone() bool { return a.kind == ArgNone }

// Node returns the referenced node, or nil if the argument is not a node
// reference.
func (a Argument) Node() *Node {
	if a.kind != ArgNode {
		return nil
	}
	return a.node
}

// Int returns the literal integer value (zero for other kinds).
func (a Argument) Int() int64 { return a.i }

// Float returns the literal float value (zero for other kinds).
func (a Argument) Float() float64 { return a.f }

// Bool returns the literal boolean value (false for other kinds).
func (a Argument) Bool() bool { return a.b }

// Ints returns a copy of the literal integer list.
func (a Argument) Ints() []int64 {
	return append([]int64(nil), a.ints...)
}

func (a Argument) String() string {
	switch a.kind {
	case ArgNode:
		return "%" + a.node.name
	case ArgInt:
		return fmt.Sprintf("%d", a.i)
	case ArgFloat:
		return fmt.Sprintf("%g", a.f)
	case ArgBool:
		return fmt.Sprintf("%t", a.b)
	case ArgInts:
		return fmt.Sprintf("%v", a.ints)
	default:
		return "none"
	}
}

// Meta is the metadata bag attached to every node. Val is the inferred
// output shape and dtype; it is recomputed during finalization and must not
// be trusted on a graph that has pending structural edits.
type Meta struct {
	Val shapes.Shape

	// DelegationTag is set by partitioners to claim the node for a backend.
	DelegationTag string
}

// Node is one operation in the graph. Nodes are mutable in place during a
// rewrite pass; the owning Graph keeps consumer edges consistent whenever
// arguments change through SetArgs or ReplaceInputWith.
type Node struct {
	name   string
	op     OpKind
	target string // symbolic weight-table name, OpGetAttr only
	args   []Argument

	// consumers are the nodes currently referencing this node's output,
	// in the order the references were wired.
	consumers []*Node

	meta  Meta
	graph *Graph
}

// Name returns the node's unique-in-graph name.
func (n *Node) Name() string { return n.name }

// Op returns the node's operator kind.
func (n *Node) Op() OpKind { return n.op }

// SetOp retags the node with a different operator kind. The caller is
// responsible for keeping the argument list consistent with the new kind's
// schema before finalization runs.
func (n *Node) SetOp(op OpKind) { n.op = op }

// Target returns the symbolic weight-table name for OpGetAttr nodes.
func (n *Node) Target() string { return n.target }

// Args returns a copy of the node's positional argument list.
func (n *Node) Args() []Argument {
	return append([]Argument(nil), n.args...)
}

// Arg returns the i-th positional argument, or NoneArg if out of range.
func (n *Node) Arg(i int) Argument {
	if i < 0 || i >= len(n.args) {
		return NoneArg()
	}
	return n.args[i]
}

// NumArgs returns the number of positional arguments.
func (n *Node) NumArgs() int { return len(n.args) }

// Meta returns a pointer to the node's metadata bag.
func (n *Node) Meta() *Meta { return &n.meta }

// Consumers returns a snapshot of the nodes currently reading this node's
// output. Mutating the graph after taking the snapshot does not change it.
func (n *Node) Consumers() []*Node {
	return append([]*Node(nil), n.consumers...)
}

// SetArgs replaces the node's entire argument list, rewiring consumer edges
// on both the old and new referenced nodes.
func (n *Node) SetArgs(args ...Argument) {
	old := n.args
	n.args = append([]Argument(nil), args...)
	// The argument list must be updated before edges are dropped:
	// removeConsumer keeps the edge while any argument still references
	// the producer.
	for _, a := range old {
		if ref := a.Node(); ref != nil {
			ref.removeConsumer(n)
		}
	}
	for _, a := range n.args {
		if ref := a.Node(); ref != nil {
			ref.addConsumer(n)
		}
	}
}

// SetArg replaces the i-th positional argument, rewiring consumer edges.
func (n *Node) SetArg(i int, arg Argument) {
	if i < 0 || i >= len(n.args) {
		return
	}
	oldRef := n.args[i].Node()
	n.args[i] = arg
	if oldRef != nil {
		oldRef.removeConsumer(n)
	}
	if ref := arg.Node(); ref != nil {
		ref.addConsumer(n)
	}
}

// ReplaceInputWith rewires every argument of n that references old to
// reference new instead.
func (n *Node) ReplaceInputWith(old, new *Node) {
	for i, a := range n.args {
		if a.Node() == old {
			n.SetArg(i, NodeArg(new))
		}
	}
}

func (n *Node) addConsumer(c *Node) {
	for _, existing := range n.consumers {
		if existing == c {
			return
		}
	}
	n.consumers = append(n.consumers, c)
}

func (n *Node) removeConsumer(c *Node) {
	// A consumer stays wired while any argument still references n.
	for _, a := range c.args {
		if a.Node() == n {
			return
		}
	}
	for i, existing := range n.consumers {
		if existing == c {
			n.consumers = append(n.consumers[:i], n.consumers[i+1:]...)
			return
		}
	}
}

func (n *Node) String() string {
	return fmt.Sprintf("%%%s = %s%v", n.name, n.op, n.args)
}
