package program

import (
	"strings"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"

	"github.com/gomlx/go-edgeir/graph"
)

func TestResolveStorageAcrossClasses(t *testing.T) {
	g := graph.New("main")
	p := New(g)

	cases := []struct {
		name string
		node *graph.Node
		want StorageClass
	}{
		{"parameter", p.AddParameter("w1", "layer.w1", graph.MustNewTensor([]float32{1}, 1)), StorageParameter},
		{"buffer", p.AddBuffer("w2", "layer.w2", graph.MustNewTensor([]float32{2}, 1)), StorageBuffer},
		{"constant", p.AddConstant("w3", "layer.w3", graph.MustNewTensor([]float32{3}, 1)), StorageConstant},
		{"attribute", p.SetAttr("w4", graph.MustNewTensor([]float32{4}, 1)), StorageAttribute},
	}
	for _, c := range cases {
		st, ok := p.ResolveStorage(c.node)
		if !ok {
			t.Errorf("%s: did not resolve", c.name)
			continue
		}
		if st.Class != c.want {
			t.Errorf("%s: resolved to %s, want %s", c.name, st.Class, c.want)
		}
		tensor, err := p.TensorFor(st)
		if err != nil {
			t.Errorf("%s: TensorFor: %v", c.name, err)
			continue
		}
		if tensor.Size() != 1 {
			t.Errorf("%s: wrong tensor fetched", c.name)
		}
	}
}

func TestResolveStorageRejectsNonGetAttr(t *testing.T) {
	g := graph.New("main")
	p := New(g)
	x := g.Placeholder("x", shapes.Make(dtypes.Float32, 2))
	if _, ok := p.ResolveStorage(x); ok {
		t.Error("a placeholder resolved to a storage class")
	}
	if _, ok := p.ResolveStorage(nil); ok {
		t.Error("nil node resolved to a storage class")
	}
	orphan := g.GetAttr("orphan", "orphan")
	if _, ok := p.ResolveStorage(orphan); ok {
		t.Error("an unregistered target resolved to a storage class")
	}
}

func TestParameterTrainableBufferNot(t *testing.T) {
	g := graph.New("main")
	p := New(g)
	param := p.AddParameter("w", "w", graph.MustNewTensor([]float32{1}, 1))
	buf := p.AddBuffer("b", "b", graph.MustNewTensor([]float32{1}, 1))

	st, _ := p.ResolveStorage(param)
	tensor, _ := p.TensorFor(st)
	if !tensor.RequiresGrad() {
		t.Error("parameter is not marked trainable")
	}
	st, _ = p.ResolveStorage(buf)
	tensor, _ = p.TensorFor(st)
	if tensor.RequiresGrad() {
		t.Error("buffer is marked trainable")
	}
}

func TestReplaceTensorKeepsBinding(t *testing.T) {
	g := graph.New("main")
	p := New(g)
	node := p.AddParameter("w", "layer.w", graph.MustNewTensor([]float32{1, 2, 3}, 3))

	st, _ := p.ResolveStorage(node)
	replacement := graph.MustNewTensor([]float32{1, 2, 3}, 3, 1)
	if err := p.ReplaceTensor(st, replacement); err != nil {
		t.Fatalf("ReplaceTensor: %v", err)
	}

	// The same node still resolves, to the same class and key.
	stAfter, ok := p.ResolveStorage(node)
	if !ok || stAfter != st {
		t.Fatalf("binding changed: %+v -> %+v", st, stAfter)
	}
	got, err := p.TensorFor(stAfter)
	if err != nil {
		t.Fatal(err)
	}
	if got != replacement {
		t.Error("TensorFor did not return the replacement")
	}
}

func TestReplaceTensorRejectsUnknownKey(t *testing.T) {
	p := New(graph.New("main"))
	err := p.ReplaceTensor(Storage{Class: StorageParameter, Key: "missing"}, graph.MustNewTensor([]float32{1}, 1))
	if err == nil {
		t.Error("ReplaceTensor accepted an unknown state dict key")
	}
}

func TestFinalizeResolvesAttrShapes(t *testing.T) {
	g := graph.New("main")
	p := New(g)
	w := p.AddParameter("w", "w", graph.MustNewTensor([]float32{1, 2, 3, 4}, 2, 2))
	x := g.Placeholder("x", shapes.Make(dtypes.Float32, 2, 2))
	add := g.AddNode(graph.OpAdd, "add", graph.NodeArg(x), graph.NodeArg(w))
	g.Output(add)

	if err := p.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	want := shapes.Make(dtypes.Float32, 2, 2)
	if !w.Meta().Val.Equal(want) {
		t.Errorf("get_attr shape = %s, want %s", w.Meta().Val, want)
	}
}

func TestFinalizeFailsOnInconsistentGraph(t *testing.T) {
	g := graph.New("main")
	p := New(g)
	x := g.Placeholder("x", shapes.Make(dtypes.Float32, 2, 2))
	y := g.Placeholder("y", shapes.Make(dtypes.Float32, 3, 3))
	g.AddNode(graph.OpAdd, "add", graph.NodeArg(x), graph.NodeArg(y))

	err := p.Finalize()
	if err == nil {
		t.Fatal("Finalize accepted mismatched elementwise operands")
	}
	if !strings.Contains(err.Error(), "add") {
		t.Errorf("error does not name the offending node: %v", err)
	}
}

func TestProgramIDIsStable(t *testing.T) {
	p := New(graph.New("main"))
	if p.ID() == "" {
		t.Fatal("program has no session ID")
	}
	if p.ID() != p.ID() {
		t.Error("session ID is not stable")
	}
}
