package passes

import (
	"math"
	"testing"

	"github.com/gomlx/go-edgeir/graph"
	"github.com/gomlx/go-edgeir/interp"
	"github.com/gomlx/go-edgeir/program"
)

func TestQuantizeKVCacheInsertsQDQPairs(t *testing.T) {
	p := buildAttentionProgram(t)
	if _, err := NewReplaceSDPAPass(false).Run(p); err != nil {
		t.Fatal(err)
	}

	res, err := NewQuantizeKVCachePass(0.05, 0).Run(p)
	if err != nil {
		t.Fatalf("pass failed: %v", err)
	}
	if !res.Modified {
		t.Fatal("pass did not report a modification")
	}

	att := p.Graph().Find("att")
	for _, argIdx := range []int{1, 2} {
		dq := att.Arg(argIdx).Node()
		if dq == nil || dq.Op() != graph.OpDequantizePerTensor {
			t.Fatalf("attention arg %d is %v, want a dequantize node", argIdx, dq)
		}
		q := dq.Arg(0).Node()
		if q == nil || q.Op() != graph.OpQuantizePerTensor {
			t.Fatalf("dequantize input is %v, want a quantize node", q)
		}
	}
	// q stays unquantized.
	if att.Arg(0).Node().Op() != graph.OpPlaceholder {
		t.Error("query operand was wrapped")
	}
	if err := p.Graph().Validate(); err != nil {
		t.Errorf("graph invalid after pass: %v", err)
	}
}

func TestQuantizeKVCacheIsIdempotent(t *testing.T) {
	p := buildAttentionProgram(t)
	if _, err := NewReplaceSDPAPass(false).Run(p); err != nil {
		t.Fatal(err)
	}
	if _, err := NewQuantizeKVCachePass(0.05, 0).Run(p); err != nil {
		t.Fatal(err)
	}
	nodes := p.Graph().NumNodes()

	res, err := NewQuantizeKVCachePass(0.05, 0).Run(p)
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if res.Modified {
		t.Error("second run re-wrapped already-quantized operands")
	}
	if p.Graph().NumNodes() != nodes {
		t.Errorf("second run changed node count: %d -> %d", nodes, p.Graph().NumNodes())
	}
}

func TestQuantizeKVCacheSkipsGraphsWithoutAttention(t *testing.T) {
	p := buildConv1dProgram(t, program.StorageParameter)
	res, err := NewQuantizeKVCachePass(0.05, 0).Run(p)
	if err != nil {
		t.Fatalf("pass failed: %v", err)
	}
	if res.Modified {
		t.Error("pass modified a graph with no custom_sdpa nodes")
	}
}

func TestQuantizeKVCacheNumericTolerance(t *testing.T) {
	inputs := attentionInputs()

	reference := buildAttentionProgram(t)
	if _, err := NewReplaceSDPAPass(false).Run(reference); err != nil {
		t.Fatal(err)
	}
	want, err := interp.New(reference).Run(inputs)
	if err != nil {
		t.Fatalf("reference run failed: %v", err)
	}

	quantized := buildAttentionProgram(t)
	if _, err := NewReplaceSDPAPass(false).Run(quantized); err != nil {
		t.Fatal(err)
	}
	if _, err := NewQuantizeKVCachePass(0.01, 0).Run(quantized); err != nil {
		t.Fatal(err)
	}
	got, err := interp.New(quantized).Run(inputs)
	if err != nil {
		t.Fatalf("quantized run failed: %v", err)
	}

	wantData, _ := want[0].Float32s()
	gotData, _ := got[0].Float32s()
	for i := range wantData {
		// Int8 quantization of k/v with scale 0.01 bounds the error well
		// under this tolerance for inputs in [-1, 1].
		if diff := math.Abs(float64(gotData[i] - wantData[i])); diff > 0.05 {
			t.Fatalf("output %d differs beyond tolerance: %g vs %g", i, gotData[i], wantData[i])
		}
	}
}
