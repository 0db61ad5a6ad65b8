package yolact

import (
	"math"

	"github.com/bfineran/yolact/tensor"
)

// Priors returns the [NumPriors, 4] anchor grid for a square input of the
// given size. Each row is (cx, cy, w, h) normalized to [0,1], ordered by
// pyramid level, then row, then column, then scale and aspect ratio within
// a cell. Detection decoding and the export graph both consume this exact
// ordering.
func (m *Model) Priors(size int) *tensor.Tensor {
	cfg := m.cfg
	vals := make([]float32, 0, cfg.NumPriors(size)*4)
	for level, grid := range cfg.GridSizes(size) {
		scales := cfg.Backbone.PredScales[level]
		ratios := cfg.Backbone.PredAspectRatios[level]
		for row := 0; row < grid; row++ {
			cy := (float64(row) + 0.5) / float64(grid)
			for col := 0; col < grid; col++ {
				cx := (float64(col) + 0.5) / float64(grid)
				for _, scale := range scales {
					for _, ar := range ratios {
						r := math.Sqrt(ar)
						w := scale * r / float64(cfg.MaxSize)
						h := scale / r / float64(cfg.MaxSize)
						if cfg.Backbone.UseSquareAnchors {
							h = w
						}
						vals = append(vals, float32(cx), float32(cy), float32(w), float32(h))
					}
				}
			}
		}
	}
	return tensor.FromFloat32s(vals, len(vals)/4, 4)
}
