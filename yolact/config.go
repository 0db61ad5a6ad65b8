// Package yolact describes Yolact instance-segmentation models: the named
// architecture configs, the variable manifest a checkpoint populates, the
// prior-box grid, and the ONNX graph an export serializes.
package yolact

import (
	"math"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// BackboneType selects the feature extractor family.
type BackboneType string

const (
	ResNet  BackboneType = "resnet"
	DarkNet BackboneType = "darknet"
)

// BackboneConfig describes a feature extractor and the anchor layout hung
// off its pyramid.
type BackboneConfig struct {
	Type BackboneType
	// Blocks is the residual block count per stage.
	Blocks []int
	// SelectedLayers are the stage indices fed to the FPN, shallowest first.
	SelectedLayers []int
	// PredScales and PredAspectRatios are per pyramid level (selected
	// stages plus FPN downsample levels).
	PredScales       [][]float64
	PredAspectRatios [][]float64
	// UseSquareAnchors forces anchor height equal to width regardless of
	// aspect ratio, matching the original model's trained behavior.
	UseSquareAnchors bool
}

// FPNConfig describes the feature pyramid glued onto the backbone.
type FPNConfig struct {
	NumFeatures   int
	NumDownsample int
}

// Config is a named Yolact architecture.
type Config struct {
	Name       string
	NumClasses int
	MaxSize    int
	MaskDim    int
	Backbone   BackboneConfig
	FPN        FPNConfig

	// Detection post-processing defaults.
	NMSTopK          int
	NMSConfThresh    float64
	NMSThresh        float64
	MaxNumDetections int
}

// NumLevels returns the number of prediction pyramid levels.
func (c *Config) NumLevels() int {
	return len(c.Backbone.SelectedLayers) + c.FPN.NumDownsample
}

// Strides returns the input stride of each pyramid level.
func (c *Config) Strides() []int {
	strides := make([]int, c.NumLevels())
	s := 8
	for i := range strides {
		strides[i] = s
		s *= 2
	}
	return strides
}

// GridSizes returns the feature map edge per pyramid level for a square
// input of the given size. Stride-2 convolutions with same padding round
// up, so each level is ceil(size/stride).
func (c *Config) GridSizes(size int) []int {
	grids := make([]int, c.NumLevels())
	for i, stride := range c.Strides() {
		grids[i] = int(math.Ceil(float64(size) / float64(stride)))
	}
	return grids
}

// PriorsPerCell returns the anchor count per feature map cell at level.
func (c *Config) PriorsPerCell(level int) int {
	return len(c.Backbone.PredScales[level]) * len(c.Backbone.PredAspectRatios[level])
}

// NumPriors returns the total anchor count across all levels for a square
// input of the given size.
func (c *Config) NumPriors(size int) int {
	total := 0
	for level, grid := range c.GridSizes(size) {
		total += grid * grid * c.PriorsPerCell(level)
	}
	return total
}

func repeatScales(base []float64, levels int, factor float64) [][]float64 {
	out := make([][]float64, levels)
	for i := range out {
		out[i] = []float64{base[i] * factor}
	}
	return out
}

func repeatRatios(levels int) [][]float64 {
	out := make([][]float64, levels)
	for i := range out {
		out[i] = []float64{1, 0.5, 2}
	}
	return out
}

func baseConfig(name string, backbone BackboneConfig) *Config {
	return &Config{
		Name:             name,
		NumClasses:       81,
		MaxSize:          550,
		MaskDim:          32,
		Backbone:         backbone,
		FPN:              FPNConfig{NumFeatures: 256, NumDownsample: 2},
		NMSTopK:          200,
		NMSConfThresh:    0.05,
		NMSThresh:        0.5,
		MaxNumDetections: 100,
	}
}

func resnetBackbone(blocks []int) BackboneConfig {
	return BackboneConfig{
		Type:             ResNet,
		Blocks:           blocks,
		SelectedLayers:   []int{1, 2, 3},
		PredScales:       repeatScales([]float64{24, 48, 96, 192, 384}, 5, 1),
		PredAspectRatios: repeatRatios(5),
		UseSquareAnchors: true,
	}
}

var registry = map[string]*Config{}

func register(cfg *Config) *Config {
	registry[cfg.Name] = cfg
	return cfg
}

var (
	// Base is the reference architecture: ResNet-101 at 550x550.
	Base = register(baseConfig("yolact_base_config", resnetBackbone([]int{3, 4, 23, 3})))

	ResNet50 = register(baseConfig("yolact_resnet50_config", resnetBackbone([]int{3, 4, 6, 3})))

	DarkNet53 = register(baseConfig("yolact_darknet53_config", BackboneConfig{
		Type:             DarkNet,
		Blocks:           []int{1, 2, 8, 8, 4},
		SelectedLayers:   []int{2, 3, 4},
		PredScales:       repeatScales([]float64{24, 48, 96, 192, 384}, 5, 1),
		PredAspectRatios: repeatRatios(5),
		UseSquareAnchors: true,
	}))

	// Im700 trades speed for accuracy: the base model at 700x700 with
	// anchors grown proportionally.
	Im700 = register(func() *Config {
		cfg := baseConfig("yolact_im700_config", resnetBackbone([]int{3, 4, 23, 3}))
		cfg.MaxSize = 700
		cfg.Backbone.PredScales = repeatScales([]float64{24, 48, 96, 192, 384}, 5, 700.0/550.0)
		return cfg
	}())
)

// Lookup resolves a config by its registered name.
func Lookup(name string) (*Config, error) {
	if cfg, ok := registry[name]; ok {
		return cfg, nil
	}
	known := make([]string, 0, len(registry))
	for k := range registry {
		known = append(known, k)
	}
	sort.Strings(known)
	return nil, errors.Errorf("unknown model config %q, expected one of: %s",
		name, strings.Join(known, ", "))
}

// Names returns the registered config names, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
