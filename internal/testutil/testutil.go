// Package testutil provides shared fixtures for the command and integration
// tests: a scaled-down architecture and deterministic weight fills, so test
// exports stay a few megabytes instead of the hundred-plus of a real model.
package testutil

import (
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/bfineran/yolact/checkpoint"
	"github.com/bfineran/yolact/tensor"
	"github.com/bfineran/yolact/yolact"
)

// TinyConfig returns a one-stage ResNet at 64x64 with a narrow FPN and few
// classes. It still touches every layer family the registered models use
// (stem, bottleneck stage, FPN, ProtoNet, shared head, segm), just at a
// fraction of the size.
func TinyConfig() *yolact.Config {
	return &yolact.Config{
		Name:       "yolact_tiny_test_config",
		NumClasses: 4,
		MaxSize:    64,
		MaskDim:    4,
		Backbone: yolact.BackboneConfig{
			Type:             yolact.ResNet,
			Blocks:           []int{1},
			SelectedLayers:   []int{0},
			PredScales:       [][]float64{{8}, {16}, {32}},
			PredAspectRatios: [][]float64{{1, 0.5, 2}, {1, 0.5, 2}, {1, 0.5, 2}},
			UseSquareAnchors: true,
		},
		FPN:              yolact.FPNConfig{NumFeatures: 16, NumDownsample: 2},
		NMSTopK:          200,
		NMSConfThresh:    0.05,
		NMSThresh:        0.5,
		MaxNumDetections: 100,
	}
}

// FillDeterministic fills every float variable with seeded pseudo-random
// values in (-0.5, 0.5), so sparsity and statistics assertions see dense,
// non-trivial data.
func FillDeterministic(t *testing.T, m *yolact.Model, seed int64) {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	for _, v := range m.Variables() {
		if v.Tensor.DType() != tensor.Float32 {
			continue
		}
		vals := v.Tensor.Float32s()
		for i := range vals {
			vals[i] = rng.Float32() - 0.5
		}
		if err := v.Tensor.SetFloat32s(vals); err != nil {
			t.Fatalf("filling %s: %v", v.Name, err)
		}
	}
}

// WriteCheckpoint builds a TinyConfig model with seeded weights, saves its
// state dict under dir and returns the checkpoint path with the model it
// snapshot.
func WriteCheckpoint(t *testing.T, dir string, meta checkpoint.Meta) (string, *yolact.Model) {
	t.Helper()
	m := yolact.New(TinyConfig())
	FillDeterministic(t, m, 42)
	path := filepath.Join(dir, "tiny.ylck")
	if err := m.StateDict(meta).Save(path); err != nil {
		t.Fatalf("saving checkpoint: %v", err)
	}
	return path, m
}
