package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/bfineran/yolact/checkpoint"
	"github.com/bfineran/yolact/internal/testutil"
	"github.com/bfineran/yolact/onnx"
	"github.com/bfineran/yolact/tensor"
)

func TestFileKindSniffsCheckpoint(t *testing.T) {
	path, _ := testutil.WriteCheckpoint(t, t.TempDir(), checkpoint.Meta{})

	kind, err := fileKind(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if kind != kindCheckpoint {
		t.Errorf("kind = %q, want %q", kind, kindCheckpoint)
	}
}

func TestFileKindDefaultsToONNX(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.onnx")
	if err := os.WriteFile(path, []byte{0x08, 0x07, 0x12, 0x00}, 0o644); err != nil {
		t.Fatal(err)
	}

	kind, err := fileKind(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if kind != kindONNX {
		t.Errorf("kind = %q, want %q", kind, kindONNX)
	}
}

func TestFileKindErrors(t *testing.T) {
	if _, err := fileKind(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Error("expected error for missing file")
	}

	short := filepath.Join(t.TempDir(), "short")
	if err := os.WriteFile(short, []byte("YL"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := fileKind(short); err == nil {
		t.Error("expected error for truncated file")
	}
}

func TestOpsSummaryOrdersByCount(t *testing.T) {
	got := opsSummary(map[string]int{"Conv": 3, "Relu": 5, "Add": 3})
	if want := "Relu (5), Add (3), Conv (3)"; got != want {
		t.Errorf("opsSummary = %q, want %q", got, want)
	}
}

func TestValuesSummaryRendersDims(t *testing.T) {
	got := valuesSummary([]onnx.ValueInfo{
		{Name: "image", DType: tensor.Float32, Dims: onnx.FixedDims(1, 3, 550, 550)},
		{Name: "proto", DType: tensor.Float32, Dims: []onnx.Dim{{Param: "batch"}, {Value: 138}}},
	})
	if want := "image float32(1, 3, 550, 550); proto float32(batch, 138)"; got != want {
		t.Errorf("valuesSummary = %q, want %q", got, want)
	}
}

func TestDimsString(t *testing.T) {
	if got, want := dimsString([]int{64, 3, 7, 7}), "(64, 3, 7, 7)"; got != want {
		t.Errorf("dimsString = %q, want %q", got, want)
	}
	if got, want := dimsString(nil), "()"; got != want {
		t.Errorf("dimsString = %q, want %q", got, want)
	}
}

func TestRecipeSummary(t *testing.T) {
	got := recipeSummary("modifiers:\n  - !EpochRangeModifier\n    start_epoch: 0.0\n    end_epoch: 20.0\n")
	if want := "1 modifiers, 20 epochs"; got != want {
		t.Errorf("recipeSummary = %q, want %q", got, want)
	}

	got = recipeSummary("modifiers:\n  - !BogusModifier\n    x: 1\n")
	if want := "present (unparseable)"; got != want {
		t.Errorf("recipeSummary = %q, want %q", got, want)
	}
}

func TestOverallSparsity(t *testing.T) {
	vars := []namedTensor{
		{name: "a", t: tensor.FromFloat32s([]float32{0, 0, 1, 2}, 4)},
		{name: "b", t: tensor.FromFloat32s([]float32{1, 2, 3, 4}, 4)},
	}
	if got := overallSparsity(vars); got != 0.25 {
		t.Errorf("overallSparsity = %v, want 0.25", got)
	}
	if got := overallSparsity(nil); got != 0 {
		t.Errorf("overallSparsity(nil) = %v, want 0", got)
	}
}
