package passes

import (
	"math"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"

	"github.com/gomlx/go-edgeir/graph"
	"github.com/gomlx/go-edgeir/interp"
	"github.com/gomlx/go-edgeir/program"
)

// buildConv1dProgram builds [input] -> conv1d -> relu -> [output] with a
// deterministic rank-3 kernel of shape (out, in, k) stored in the given
// storage class.
func buildConv1dProgram(t *testing.T, class program.StorageClass) *program.Program {
	t.Helper()
	g := graph.New("forward")
	p := program.New(g)

	x := g.Placeholder("x", shapes.Make(dtypes.Float32, 1, 4, 8))

	weightData := make([]float32, 8*4*3)
	for i := range weightData {
		weightData[i] = float32(i%7)*0.25 - 0.5
	}
	weight := graph.MustNewTensor(weightData, 8, 4, 3)
	var weightNode *graph.Node
	switch class {
	case program.StorageParameter:
		weightNode = p.AddParameter("conv_weight", "conv.weight", weight)
	case program.StorageBuffer:
		weightNode = p.AddBuffer("conv_weight", "conv.weight", weight)
	case program.StorageConstant:
		weightNode = p.AddConstant("conv_weight", "conv.weight", weight)
	case program.StorageAttribute:
		weightNode = p.SetAttr("conv_weight", weight)
	}

	biasData := make([]float32, 8)
	for i := range biasData {
		biasData[i] = float32(i) * 0.1
	}
	biasNode := p.AddParameter("conv_bias", "conv.bias", graph.MustNewTensor(biasData, 8))

	conv := g.AddNode(graph.OpConvolution, "conv",
		graph.NodeArg(x),
		graph.NodeArg(weightNode),
		graph.NodeArg(biasNode),
		graph.IntsArg([]int64{2}),
		graph.IntsArg([]int64{1}),
		graph.IntsArg([]int64{1}),
		graph.BoolArg(false),
		graph.IntsArg([]int64{0}),
		graph.IntArg(1),
	)
	relu := g.AddNode(graph.OpRelu, "relu", graph.NodeArg(conv))
	g.Output(relu)

	if err := p.Finalize(); err != nil {
		t.Fatalf("Finalize() on fresh program: %v", err)
	}
	return p
}

func runProgram(t *testing.T, p *program.Program, input *graph.Tensor) []float32 {
	t.Helper()
	outputs, err := interp.New(p).Run(map[string]*graph.Tensor{"x": input})
	if err != nil {
		t.Fatalf("evaluator failed: %v", err)
	}
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	data, err := outputs[0].Float32s()
	if err != nil {
		t.Fatalf("output is not float32: %v", err)
	}
	return data
}

func TestConv1dUnsqueezeRewritesArgumentLists(t *testing.T) {
	p := buildConv1dProgram(t, program.StorageParameter)

	res, err := NewConv1dUnsqueezePass().Run(p)
	if err != nil {
		t.Fatalf("pass failed: %v", err)
	}
	if !res.Modified {
		t.Fatal("pass did not report a modification")
	}

	conv := p.Graph().Find("conv")
	if conv == nil {
		t.Fatal("conv node disappeared")
	}
	checks := []struct {
		name string
		arg  int
		want []int64
	}{
		{"stride", graph.ConvArgStride, []int64{2, 1}},
		{"padding", graph.ConvArgPadding, []int64{1, 0}},
		{"dilation", graph.ConvArgDilation, []int64{1, 1}},
		{"outputPadding", graph.ConvArgOutputPadding, []int64{0, 0}},
	}
	for _, c := range checks {
		got := conv.Arg(c.arg).Ints()
		if len(got) != 2 || got[0] != c.want[0] || got[1] != c.want[1] {
			t.Errorf("%s = %v, want %v", c.name, got, c.want)
		}
	}
	// Other arguments are untouched.
	if conv.Arg(graph.ConvArgTransposed).Bool() {
		t.Error("transposed flag changed")
	}
	if conv.Arg(graph.ConvArgGroups).Int() != 1 {
		t.Error("groups changed")
	}
}

func TestConv1dUnsqueezeReshapesKernel(t *testing.T) {
	for _, class := range []program.StorageClass{
		program.StorageParameter,
		program.StorageBuffer,
		program.StorageConstant,
		program.StorageAttribute,
	} {
		t.Run(class.String(), func(t *testing.T) {
			p := buildConv1dProgram(t, class)
			st, ok := p.ResolveStorage(p.Graph().Find("conv_weight"))
			if !ok {
				t.Fatalf("weight does not resolve before the pass")
			}
			if st.Class != class {
				t.Fatalf("weight resolved to %s, want %s", st.Class, class)
			}
			original, err := p.TensorFor(st)
			if err != nil {
				t.Fatal(err)
			}
			original = original.Clone()

			if _, err := NewConv1dUnsqueezePass().Run(p); err != nil {
				t.Fatalf("pass failed: %v", err)
			}

			// Same storage class, same symbolic name.
			stAfter, ok := p.ResolveStorage(p.Graph().Find("conv_weight"))
			if !ok || stAfter != st {
				t.Fatalf("storage changed: %+v -> %+v", st, stAfter)
			}
			kernel, err := p.TensorFor(stAfter)
			if err != nil {
				t.Fatal(err)
			}
			wantDims := []int{8, 4, 3, 1}
			gotDims := kernel.Dimensions()
			if len(gotDims) != 4 {
				t.Fatalf("kernel rank = %d, want 4", len(gotDims))
			}
			for i := range wantDims {
				if gotDims[i] != wantDims[i] {
					t.Fatalf("kernel dims = %v, want %v", gotDims, wantDims)
				}
			}
			if kernel.RequiresGrad() {
				t.Error("rewritten kernel is still marked trainable")
			}

			// Squeezing the trailing dim reproduces the original exactly.
			roundTrip, err := kernel.Squeeze(-1)
			if err != nil {
				t.Fatal(err)
			}
			roundTrip.SetRequiresGrad(original.RequiresGrad())
			if !roundTrip.Equal(original) {
				t.Error("kernel data changed: squeeze(-1) does not reproduce the original tensor")
			}
		})
	}
}

func TestConv1dUnsqueezeSplicesAdapters(t *testing.T) {
	p := buildConv1dProgram(t, program.StorageParameter)
	conv := p.Graph().Find("conv")
	originalConsumers := conv.Consumers()

	if _, err := NewConv1dUnsqueezePass().Run(p); err != nil {
		t.Fatalf("pass failed: %v", err)
	}

	// The conv's input is now an unsqueeze of the original input.
	unsq := conv.Arg(graph.ConvArgInput).Node()
	if unsq == nil || unsq.Op() != graph.OpUnsqueeze {
		t.Fatalf("conv input is %v, want an unsqueeze node", unsq)
	}
	if src := unsq.Arg(0).Node(); src == nil || src.Name() != "x" {
		t.Errorf("unsqueeze reads %v, want the original input", src)
	}
	if axis := unsq.Arg(1).Int(); axis != -1 {
		t.Errorf("unsqueeze axis = %d, want -1", axis)
	}

	// The conv's sole consumer is a squeeze; the squeeze inherits exactly
	// the original consumer set.
	consumers := conv.Consumers()
	if len(consumers) != 1 {
		t.Fatalf("conv has %d consumers after the pass, want 1", len(consumers))
	}
	sq := consumers[0]
	if sq.Op() != graph.OpSqueeze {
		t.Fatalf("conv consumer is %s, want squeeze", sq.Op())
	}
	sqConsumers := sq.Consumers()
	if len(sqConsumers) != len(originalConsumers) {
		t.Fatalf("squeeze has %d consumers, want %d", len(sqConsumers), len(originalConsumers))
	}
	for i, c := range originalConsumers {
		if sqConsumers[i] != c {
			t.Errorf("squeeze consumer %d is %q, want %q", i, sqConsumers[i].Name(), c.Name())
		}
	}

	// Metadata was recomputed: the conv now produces a rank-4 value with a
	// trailing unit axis, the squeeze restores rank 3.
	convShape := conv.Meta().Val
	if convShape.Rank() != 4 || convShape.Dimensions[3] != 1 {
		t.Errorf("conv output shape = %s, want trailing unit axis at rank 4", convShape)
	}
	if sq.Meta().Val.Rank() != 3 {
		t.Errorf("squeeze output shape = %s, want rank 3", sq.Meta().Val)
	}
	if err := p.Graph().Validate(); err != nil {
		t.Errorf("graph invalid after pass: %v", err)
	}
}

func TestConv1dUnsqueezeSkipsConv2d(t *testing.T) {
	g := graph.New("forward")
	p := program.New(g)
	x := g.Placeholder("x", shapes.Make(dtypes.Float32, 1, 3, 8, 8))
	weight := p.AddParameter("w", "w", graph.MustNewTensor(make([]float32, 6*3*3*3), 6, 3, 3, 3))
	conv := g.AddNode(graph.OpConvolution, "conv",
		graph.NodeArg(x), graph.NodeArg(weight), graph.NoneArg(),
		graph.IntsArg([]int64{1, 1}), graph.IntsArg([]int64{1, 1}),
		graph.IntsArg([]int64{1, 1}), graph.BoolArg(false),
		graph.IntsArg([]int64{0, 0}), graph.IntArg(1))
	g.Output(conv)
	if err := p.Finalize(); err != nil {
		t.Fatal(err)
	}
	before := conv.Args()

	res, err := NewConv1dUnsqueezePass().Run(p)
	if err != nil {
		t.Fatalf("pass failed: %v", err)
	}
	if res.Modified {
		t.Error("pass reported a modification on a 2-D-only graph")
	}
	after := conv.Args()
	if len(before) != len(after) {
		t.Fatalf("argument count changed: %d -> %d", len(before), len(after))
	}
	if got := conv.Arg(graph.ConvArgStride).Ints(); len(got) != 2 {
		t.Errorf("stride = %v, want untouched length 2", got)
	}
	if p.Graph().NumNodes() != 4 {
		t.Errorf("node count changed to %d on a skipped graph", p.Graph().NumNodes())
	}
}

func TestConv1dUnsqueezeIdempotentSkip(t *testing.T) {
	p := buildConv1dProgram(t, program.StorageParameter)
	if _, err := NewConv1dUnsqueezePass().Run(p); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	nodesAfterFirst := p.Graph().NumNodes()

	res, err := NewConv1dUnsqueezePass().Run(p)
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if res.Modified {
		t.Error("second run re-matched an already-lowered convolution")
	}
	if p.Graph().NumNodes() != nodesAfterFirst {
		t.Errorf("second run changed node count: %d -> %d", nodesAfterFirst, p.Graph().NumNodes())
	}
}

func TestConv1dUnsqueezeFatalOnComputedWeight(t *testing.T) {
	g := graph.New("forward")
	p := program.New(g)
	x := g.Placeholder("x", shapes.Make(dtypes.Float32, 1, 4, 8))
	// The weight is a computed value, not a storage-backed get_attr node.
	wSrc := g.Placeholder("w_dynamic", shapes.Make(dtypes.Float32, 8, 4, 3))
	wRelu := g.AddNode(graph.OpRelu, "w_relu", graph.NodeArg(wSrc))
	conv := g.AddNode(graph.OpConvolution, "conv",
		graph.NodeArg(x), graph.NodeArg(wRelu), graph.NoneArg(),
		graph.IntsArg([]int64{1}), graph.IntsArg([]int64{0}),
		graph.IntsArg([]int64{1}), graph.BoolArg(false),
		graph.IntsArg([]int64{0}), graph.IntArg(1))
	g.Output(conv)
	if err := p.Finalize(); err != nil {
		t.Fatal(err)
	}

	if _, err := NewConv1dUnsqueezePass().Run(p); err == nil {
		t.Fatal("pass succeeded on a convolution with a computed weight")
	}
}

func TestConv1dUnsqueezeFatalOnUnresolvedGetAttr(t *testing.T) {
	g := graph.New("forward")
	p := program.New(g)
	x := g.Placeholder("x", shapes.Make(dtypes.Float32, 1, 4, 8))
	// A get_attr node whose target is in no storage class.
	orphan := g.GetAttr("w_orphan", "w_orphan")
	conv := g.AddNode(graph.OpConvolution, "conv",
		graph.NodeArg(x), graph.NodeArg(orphan), graph.NoneArg(),
		graph.IntsArg([]int64{1}), graph.IntsArg([]int64{0}),
		graph.IntsArg([]int64{1}), graph.BoolArg(false),
		graph.IntsArg([]int64{0}), graph.IntArg(1))
	g.Output(conv)

	if _, err := NewConv1dUnsqueezePass().Run(p); err == nil {
		t.Fatal("pass succeeded with an unresolvable weight target")
	}
}

func TestConv1dUnsqueezeNumericEquivalence(t *testing.T) {
	inputData := make([]float32, 1*4*8)
	for i := range inputData {
		inputData[i] = float32(math.Sin(float64(i) * 0.37))
	}
	input := graph.MustNewTensor(inputData, 1, 4, 8)

	reference := buildConv1dProgram(t, program.StorageParameter)
	want := runProgram(t, reference, input)

	lowered := buildConv1dProgram(t, program.StorageParameter)
	res, err := NewConv1dUnsqueezePass().Run(lowered)
	if err != nil {
		t.Fatalf("pass failed: %v", err)
	}
	if !res.Modified {
		t.Fatal("pass did not modify the graph")
	}
	got := runProgram(t, lowered, input)

	if len(got) != len(want) {
		t.Fatalf("output sizes differ: %d vs %d", len(got), len(want))
	}
	for i := range want {
		if diff := math.Abs(float64(got[i] - want[i])); diff > 1e-5 {
			t.Fatalf("output %d differs: %g vs %g", i, got[i], want[i])
		}
	}
}

func TestPipelineChainsAndStopsOnFailure(t *testing.T) {
	p := buildConv1dProgram(t, program.StorageParameter)
	modified, err := NewPipeline(
		NewConv1dUnsqueezePass(),
		NewConv1dUnsqueezePass(), // second run is a no-op
	).Run(p)
	if err != nil {
		t.Fatalf("pipeline failed: %v", err)
	}
	if !modified {
		t.Error("pipeline did not report a modification")
	}
}
