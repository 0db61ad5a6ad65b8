package cmd

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bfineran/yolact/checkpoint"
	"github.com/bfineran/yolact/internal/testutil"
	"github.com/bfineran/yolact/onnx"
)

// touch creates an empty file so checkpoint existence checks pass.
func touch(t *testing.T, path string) string {
	t.Helper()
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestNewExportArgsMissingCheckpoint(t *testing.T) {
	_, err := NewExportArgs(filepath.Join(t.TempDir(), "nope.ylck"),
		"yolact_base_config", "", false, 1, []int{3, 550, 550}, t.TempDir(), "")
	if err == nil {
		t.Fatal("expected error for missing checkpoint")
	}
	if !strings.Contains(err.Error(), "does not exist") {
		t.Errorf("error = %q, want missing-checkpoint mention", err)
	}
}

func TestNewExportArgsNameFallsBackToCheckpoint(t *testing.T) {
	dir := t.TempDir()
	ckpt := touch(t, filepath.Join(dir, "weights.ylck"))
	saveDir := filepath.Join(dir, "exported")

	args, err := NewExportArgs(ckpt, "yolact_base_config", "", false, 1,
		[]int{3, 550, 550}, saveDir, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := filepath.Join(saveDir, "weights.onnx"); args.SavePath != want {
		t.Errorf("SavePath = %s, want %s", args.SavePath, want)
	}
	if fi, err := os.Stat(saveDir); err != nil || !fi.IsDir() {
		t.Errorf("save dir %s was not created: %v", saveDir, err)
	}
}

func TestNewExportArgsStripsNameExtension(t *testing.T) {
	dir := t.TempDir()
	ckpt := touch(t, filepath.Join(dir, "weights.ylck"))

	args, err := NewExportArgs(ckpt, "yolact_base_config", "", false, 1,
		[]int{3, 550, 550}, dir, "custom.onnx")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := filepath.Join(dir, "custom.onnx"); args.SavePath != want {
		t.Errorf("SavePath = %s, want %s", args.SavePath, want)
	}
}

func TestNewExportArgsValidation(t *testing.T) {
	dir := t.TempDir()
	ckpt := touch(t, filepath.Join(dir, "weights.ylck"))

	if _, err := NewExportArgs(ckpt, "c", "", false, 0, []int{3, 550, 550}, dir, ""); err == nil {
		t.Error("expected error for batch size 0")
	}
	if _, err := NewExportArgs(ckpt, "c", "", false, 1, []int{550, 550}, dir, ""); err == nil {
		t.Error("expected error for 2-element image shape")
	}
	if _, err := NewExportArgs(ckpt, "c", "", false, 1, []int{1, 550, 550}, dir, ""); err == nil {
		t.Error("expected error for non-RGB image shape")
	}
}

func TestSafeSavePathCountsUp(t *testing.T) {
	dir := t.TempDir()

	if got, want := safeSavePath(dir, "model"), filepath.Join(dir, "model.onnx"); got != want {
		t.Errorf("safeSavePath = %s, want %s", got, want)
	}
	touch(t, filepath.Join(dir, "model.onnx"))
	if got, want := safeSavePath(dir, "model"), filepath.Join(dir, "model-1.onnx"); got != want {
		t.Errorf("safeSavePath = %s, want %s", got, want)
	}
	touch(t, filepath.Join(dir, "model-1.onnx"))
	if got, want := safeSavePath(dir, "model"), filepath.Join(dir, "model-2.onnx"); got != want {
		t.Errorf("safeSavePath = %s, want %s", got, want)
	}
}

func tinyExportArgs(t *testing.T, dir, ckpt, recipe string, noQAT bool) *ExportArgs {
	t.Helper()
	args, err := NewExportArgs(ckpt, "yolact_tiny_test_config", recipe, noQAT, 1,
		[]int{3, 64, 64}, filepath.Join(dir, "out"), "")
	if err != nil {
		t.Fatalf("building export args: %v", err)
	}
	return args
}

func TestExportTinyModel(t *testing.T) {
	dir := t.TempDir()
	ckpt, model := testutil.WriteCheckpoint(t, dir, checkpoint.Meta{Epoch: 3})
	args := tinyExportArgs(t, dir, ckpt, "", false)

	if err := exportModel(testutil.TinyConfig(), args); err != nil {
		t.Fatalf("export failed: %v", err)
	}

	info, err := onnx.ReadFile(args.SavePath)
	if err != nil {
		t.Fatalf("reading exported model: %v", err)
	}
	if info.ProducerName != "yolact" {
		t.Errorf("producer = %q, want yolact", info.ProducerName)
	}
	if info.OpsetVersion != 11 {
		t.Errorf("opset = %d, want 11", info.OpsetVersion)
	}

	var outputs []string
	for _, vi := range info.Graph.Outputs {
		outputs = append(outputs, vi.Name)
	}
	want := []string{"loc", "conf", "mask", "priors", "proto"}
	if len(outputs) != len(want) {
		t.Fatalf("outputs = %v, want %v", outputs, want)
	}
	for i := range want {
		if outputs[i] != want[i] {
			t.Errorf("output %d = %q, want %q", i, outputs[i], want[i])
		}
	}

	input := info.Graph.Inputs[0]
	if input.Name != "image" {
		t.Errorf("input name = %q, want image", input.Name)
	}
	for i, d := range []int64{1, 3, 64, 64} {
		if input.Dims[i].Value != d {
			t.Errorf("input dim %d = %v, want %d", i, input.Dims[i], d)
		}
	}

	// Exported weights are byte-identical to the checkpoint's.
	init, ok := info.Graph.Initializer("backbone.conv1.weight")
	if !ok {
		t.Fatal("backbone.conv1.weight missing from initializers")
	}
	v, _ := model.Var("backbone.conv1.weight")
	if !bytes.Equal(init.RawData, v.Tensor.Data()) {
		t.Error("backbone.conv1.weight payload differs from checkpoint")
	}

	if info.Graph.OpCounts["Conv"] == 0 {
		t.Error("exported graph has no Conv nodes")
	}
	if info.Graph.OpCounts["QuantizeLinear"] != 0 {
		t.Error("dense export must not carry QuantizeLinear nodes")
	}
}

func TestExportAppliesRecipeSparsity(t *testing.T) {
	dir := t.TempDir()
	ckpt, _ := testutil.WriteCheckpoint(t, dir, checkpoint.Meta{Epoch: 8})
	recipe := filepath.Join(dir, "recipe.yaml")
	if err := os.WriteFile(recipe, []byte(`modifiers:
  - !GMPruningModifier
    params: __ALL_PRUNABLE__
    init_sparsity: 0.05
    final_sparsity: 0.5
    start_epoch: 0.0
    end_epoch: 8.0
    update_frequency: 0.5
`), 0o644); err != nil {
		t.Fatal(err)
	}
	args := tinyExportArgs(t, dir, ckpt, recipe, false)

	if err := exportModel(testutil.TinyConfig(), args); err != nil {
		t.Fatalf("export failed: %v", err)
	}

	info, err := onnx.ReadFile(args.SavePath)
	if err != nil {
		t.Fatalf("reading exported model: %v", err)
	}
	init, ok := info.Graph.Initializer("head.bbox.weight")
	if !ok {
		t.Fatal("head.bbox.weight missing from initializers")
	}
	tr, err := init.Tensor()
	if err != nil {
		t.Fatal(err)
	}
	if got := tr.Sparsity(); math.Abs(got-0.5) > 1e-9 {
		t.Errorf("head.bbox.weight sparsity = %v, want 0.5", got)
	}
}

func TestExportEmitsQDQPairs(t *testing.T) {
	dir := t.TempDir()
	ckpt, _ := testutil.WriteCheckpoint(t, dir, checkpoint.Meta{Epoch: 8})
	recipe := filepath.Join(dir, "recipe.yaml")
	if err := os.WriteFile(recipe, []byte(`modifiers:
  - !QuantizationModifier
    start_epoch: 0.0
`), 0o644); err != nil {
		t.Fatal(err)
	}

	args := tinyExportArgs(t, dir, ckpt, recipe, false)
	if err := exportModel(testutil.TinyConfig(), args); err != nil {
		t.Fatalf("export failed: %v", err)
	}
	info, err := onnx.ReadFile(args.SavePath)
	if err != nil {
		t.Fatalf("reading exported model: %v", err)
	}
	quants := info.Graph.OpCounts["QuantizeLinear"]
	if quants == 0 {
		t.Fatal("QAT export carries no QuantizeLinear nodes")
	}
	if dequants := info.Graph.OpCounts["DequantizeLinear"]; dequants != quants {
		t.Errorf("DequantizeLinear count = %d, want %d", dequants, quants)
	}
	if _, ok := info.Graph.Initializer("backbone.conv1.weight.scale"); !ok {
		t.Error("quantized weight carries no scale initializer")
	}

	// --no-qat drops the pairs and exports plain float weights.
	noQAT := tinyExportArgs(t, dir, ckpt, recipe, true)
	if err := exportModel(testutil.TinyConfig(), noQAT); err != nil {
		t.Fatalf("no-qat export failed: %v", err)
	}
	info, err = onnx.ReadFile(noQAT.SavePath)
	if err != nil {
		t.Fatalf("reading no-qat model: %v", err)
	}
	if n := info.Graph.OpCounts["QuantizeLinear"]; n != 0 {
		t.Errorf("no-qat export carries %d QuantizeLinear nodes", n)
	}
}

func TestExportFailsOnBadRecipe(t *testing.T) {
	dir := t.TempDir()
	ckpt, _ := testutil.WriteCheckpoint(t, dir, checkpoint.Meta{})
	args := tinyExportArgs(t, dir, ckpt, filepath.Join(dir, "missing.yaml"), false)

	err := exportModel(testutil.TinyConfig(), args)
	if err == nil {
		t.Fatal("expected error for missing recipe")
	}
	if !strings.Contains(err.Error(), "reading recipe") {
		t.Errorf("error = %q, want recipe read failure", err)
	}
	if _, statErr := os.Stat(args.SavePath); !os.IsNotExist(statErr) {
		t.Error("failed export must not leave a model file")
	}
}

func TestRunExportRejectsUnknownConfig(t *testing.T) {
	dir := t.TempDir()
	ckpt := touch(t, filepath.Join(dir, "weights.ylck"))
	args, err := NewExportArgs(ckpt, "yolact_tiny_test_config", "", false, 1,
		[]int{3, 550, 550}, dir, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err = runExport(args)
	if err == nil {
		t.Fatal("expected error for unregistered config")
	}
	if !strings.Contains(err.Error(), "unknown model config") {
		t.Errorf("error = %q, want unknown-config mention", err)
	}
}
