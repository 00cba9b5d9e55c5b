package blob

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/go-edgeir/graph"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	weights := map[string]*graph.Tensor{
		"conv.weight": graph.MustNewTensor([]float32{1.5, -2.25, 3.125, 0, 4, -5}, 2, 3, 1),
		"conv.bias":   graph.MustNewTensor([]float32{0.5, -0.5}, 2),
		"step":        graph.MustNewTensor([]int64{42}, 1),
		"mask":        graph.MustNewTensor([]bool{true, false, true}, 3),
		"zero_points": graph.MustNewTensor([]int8{-128, 0, 127}, 3),
	}

	path := filepath.Join(t.TempDir(), "weights.bin")
	fileID, err := Save(path, weights, Options{})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if fileID == "" {
		t.Error("Save returned no file ID")
	}

	loaded, loadedID, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loadedID != fileID {
		t.Errorf("file ID round trip: %q -> %q", fileID, loadedID)
	}
	if len(loaded) != len(weights) {
		t.Fatalf("loaded %d entries, want %d", len(loaded), len(weights))
	}
	for name, want := range weights {
		got, ok := loaded[name]
		if !ok {
			t.Errorf("entry %q missing", name)
			continue
		}
		if !got.Equal(want) {
			t.Errorf("entry %q did not round trip", name)
		}
	}
}

func TestSaveHalfPrecision(t *testing.T) {
	data := []float32{0.1, -1.75, 3.0e3, 0}
	weights := map[string]*graph.Tensor{
		"w": graph.MustNewTensor(data, 2, 2),
	}

	path := filepath.Join(t.TempDir(), "weights.bin")
	if _, err := Save(path, weights, Options{HalfPrecision: true}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, _, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	got, err := loaded["w"].Float32s()
	if err != nil {
		t.Fatalf("half-precision entry did not widen to float32: %v", err)
	}
	for i, want := range data {
		diff := math.Abs(float64(got[i] - want))
		// float16 relative precision is about 1e-3.
		if diff > math.Max(1e-2, math.Abs(float64(want))*1e-2) {
			t.Errorf("element %d = %g, want ~%g", i, got[i], want)
		}
	}

	// Narrowing halves the data size relative to full precision.
	half, _ := os.Stat(path)
	fullPath := filepath.Join(t.TempDir(), "full.bin")
	if _, err := Save(fullPath, weights, Options{}); err != nil {
		t.Fatal(err)
	}
	full, _ := os.Stat(fullPath)
	if half.Size() > full.Size() {
		t.Errorf("half-precision file (%d) larger than full-precision (%d)", half.Size(), full.Size())
	}
}

func TestFileLayout(t *testing.T) {
	weights := map[string]*graph.Tensor{
		"a": graph.MustNewTensor([]float32{1}, 1),
		"b": graph.MustNewTensor([]float32{2, 3}, 2),
	}
	path := filepath.Join(t.TempDir(), "weights.bin")
	if _, err := Save(path, weights, Options{}); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(raw)%Alignment != 0 {
		t.Errorf("file size %d is not %d-byte aligned", len(raw), Alignment)
	}
	if count := binary.LittleEndian.Uint32(raw[0:]); count != 2 {
		t.Errorf("header count = %d, want 2", count)
	}
	if version := binary.LittleEndian.Uint32(raw[4:]); version != Version {
		t.Errorf("header version = %d, want %d", version, Version)
	}
	if sentinel := binary.LittleEndian.Uint32(raw[Alignment:]); sentinel != EntrySentinel {
		t.Errorf("first entry sentinel = %#x, want %#x", sentinel, EntrySentinel)
	}
}

func TestLoadRejectsCorruptSentinel(t *testing.T) {
	weights := map[string]*graph.Tensor{
		"a": graph.MustNewTensor([]float32{1}, 1),
	}
	path := filepath.Join(t.TempDir(), "weights.bin")
	if _, err := Save(path, weights, Options{}); err != nil {
		t.Fatal(err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	raw[Alignment] ^= 0xFF
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := Load(path); err == nil {
		t.Error("Load accepted a corrupted entry sentinel")
	}
}
