// Package detect turns raw Yolact network outputs into scored, NMS-filtered
// detections. The box decode and the matrix-form fast NMS follow the
// published Yolact formulation, so results are comparable across runtimes.
package detect

import (
	"math"
	"sort"

	"github.com/pkg/errors"

	"github.com/bfineran/yolact/tensor"
)

// Box decode variances for the center-size parameterization.
const (
	varianceCenter = 0.1
	varianceSize   = 0.2
)

// Outputs are the five named network outputs for one forward pass.
type Outputs struct {
	Loc    *tensor.Tensor // [batch, priors, 4] center-size offsets
	Conf   *tensor.Tensor // [batch, priors, classes] softmax scores
	Mask   *tensor.Tensor // [batch, priors, maskDim] prototype coefficients
	Priors *tensor.Tensor // [priors, 4] anchor grid
	Proto  *tensor.Tensor // [batch, h, w, maskDim] mask prototypes
}

// Detections are the post-processed results for one image.
type Detections struct {
	// Boxes are corner-form (x1, y1, x2, y2) in [0,1], score-descending.
	Boxes [][4]float32
	// Classes are zero-based object classes. The background label never
	// appears here.
	Classes []int
	Scores  []float32
	// MaskCoeffs holds one prototype coefficient row per detection.
	MaskCoeffs [][]float32
	// Proto is the [h, w, maskDim] prototype tensor for this image.
	Proto *tensor.Tensor
}

// Detector filters decoded boxes by score and per-class fast NMS.
type Detector struct {
	NumClasses int
	BkgLabel   int
	TopK       int
	ConfThresh float64
	NMSThresh  float64
	// MaxNumDetections caps the final, globally score-sorted result.
	MaxNumDetections int
}

// New returns a Detector with the standard detection cap of 100.
func New(numClasses, bkgLabel, topK int, confThresh, nmsThresh float64) *Detector {
	return &Detector{
		NumClasses:       numClasses,
		BkgLabel:         bkgLabel,
		TopK:             topK,
		ConfThresh:       confThresh,
		NMSThresh:        nmsThresh,
		MaxNumDetections: 100,
	}
}

// Forward post-processes one batch of network outputs, one Detections per
// image. An image with no score above ConfThresh yields empty Detections,
// not an error.
func (d *Detector) Forward(outs Outputs) ([]Detections, error) {
	if err := d.validate(outs); err != nil {
		return nil, err
	}
	batch := outs.Loc.Dims()[0]
	numPriors := outs.Loc.Dims()[1]
	maskDim := outs.Mask.Dims()[2]
	protoH, protoW := outs.Proto.Dims()[1], outs.Proto.Dims()[2]

	loc := outs.Loc.Float32s()
	conf := outs.Conf.Float32s()
	mask := outs.Mask.Float32s()
	priors := outs.Priors.Float32s()

	results := make([]Detections, batch)
	protoSize := protoH * protoW * maskDim
	for b := 0; b < batch; b++ {
		imageProto, err := tensor.NewFromBytes(tensor.Float32,
			outs.Proto.Data()[b*protoSize*4:(b+1)*protoSize*4], protoH, protoW, maskDim)
		if err != nil {
			return nil, errors.WithMessage(err, "slicing proto")
		}
		results[b] = d.detectOne(
			loc[b*numPriors*4:(b+1)*numPriors*4],
			conf[b*numPriors*d.NumClasses:(b+1)*numPriors*d.NumClasses],
			mask[b*numPriors*maskDim:(b+1)*numPriors*maskDim],
			priors,
			imageProto,
			numPriors, maskDim)
	}
	return results, nil
}

func (d *Detector) validate(outs Outputs) error {
	for name, t := range map[string]*tensor.Tensor{
		"loc": outs.Loc, "conf": outs.Conf, "mask": outs.Mask,
		"priors": outs.Priors, "proto": outs.Proto,
	} {
		if t == nil {
			return errors.Errorf("output %q is missing", name)
		}
	}
	locDims := outs.Loc.Dims()
	if len(locDims) != 3 || locDims[2] != 4 {
		return errors.Errorf("loc shape %v, want [batch, priors, 4]", locDims)
	}
	batch, numPriors := locDims[0], locDims[1]
	confDims := outs.Conf.Dims()
	if len(confDims) != 3 || confDims[0] != batch || confDims[1] != numPriors || confDims[2] != d.NumClasses {
		return errors.Errorf("conf shape %v, want [%d, %d, %d]", confDims, batch, numPriors, d.NumClasses)
	}
	maskDims := outs.Mask.Dims()
	if len(maskDims) != 3 || maskDims[0] != batch || maskDims[1] != numPriors {
		return errors.Errorf("mask shape %v, want [%d, %d, maskDim]", maskDims, batch, numPriors)
	}
	priorDims := outs.Priors.Dims()
	if len(priorDims) != 2 || priorDims[0] != numPriors || priorDims[1] != 4 {
		return errors.Errorf("priors shape %v, want [%d, 4]", priorDims, numPriors)
	}
	protoDims := outs.Proto.Dims()
	if len(protoDims) != 4 || protoDims[0] != batch || protoDims[3] != maskDims[2] {
		return errors.Errorf("proto shape %v, want [%d, h, w, %d]", protoDims, batch, maskDims[2])
	}
	return nil
}

type candidate struct {
	idx   int
	class int
	score float32
}

func (d *Detector) detectOne(loc, conf, mask, priors []float32, proto *tensor.Tensor, numPriors, maskDim int) Detections {
	dets := Detections{Proto: proto}

	boxes := decodeBoxes(loc, priors, numPriors)

	// Candidate priors: best object-class score above the threshold.
	var cands []int
	for i := 0; i < numPriors; i++ {
		best := float32(0)
		for c := 0; c < d.NumClasses; c++ {
			if c == d.BkgLabel {
				continue
			}
			if s := conf[i*d.NumClasses+c]; s > best {
				best = s
			}
		}
		if float64(best) > d.ConfThresh {
			cands = append(cands, i)
		}
	}
	if len(cands) == 0 {
		return dets
	}

	var kept []candidate
	for c := 0; c < d.NumClasses; c++ {
		if c == d.BkgLabel {
			continue
		}
		kept = append(kept, d.fastNMS(boxes, conf, cands, c)...)
	}

	// Global score ordering, capped at MaxNumDetections.
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].score > kept[j].score })
	if len(kept) > d.MaxNumDetections {
		kept = kept[:d.MaxNumDetections]
	}

	for _, k := range kept {
		dets.Boxes = append(dets.Boxes, boxes[k.idx])
		dets.Classes = append(dets.Classes, objectClass(k.class, d.BkgLabel))
		dets.Scores = append(dets.Scores, k.score)
		coeffs := make([]float32, maskDim)
		copy(coeffs, mask[k.idx*maskDim:(k.idx+1)*maskDim])
		dets.MaskCoeffs = append(dets.MaskCoeffs, coeffs)
	}
	return dets
}

// fastNMS keeps candidates of one class whose IoU against every
// higher-scored candidate stays under the threshold. The comparison runs
// against all higher-scored boxes, suppressed ones included, trading a
// little recall for a sort-and-matrix formulation with no sequential
// dependency.
func (d *Detector) fastNMS(boxes [][4]float32, conf []float32, cands []int, class int) []candidate {
	order := make([]int, len(cands))
	copy(order, cands)
	sort.SliceStable(order, func(i, j int) bool {
		return conf[order[i]*d.NumClasses+class] > conf[order[j]*d.NumClasses+class]
	})
	if len(order) > d.TopK {
		order = order[:d.TopK]
	}

	var kept []candidate
	for pos, i := range order {
		maxIoU := float32(0)
		for _, j := range order[:pos] {
			if v := iou(boxes[i], boxes[j]); v > maxIoU {
				maxIoU = v
			}
		}
		if float64(maxIoU) <= d.NMSThresh {
			kept = append(kept, candidate{idx: i, class: class, score: conf[i*d.NumClasses+class]})
		}
	}
	return kept
}

// decodeBoxes converts center-size offsets against the priors into corner
// boxes clamped to the unit square.
func decodeBoxes(loc, priors []float32, numPriors int) [][4]float32 {
	boxes := make([][4]float32, numPriors)
	for i := 0; i < numPriors; i++ {
		px, py := priors[i*4], priors[i*4+1]
		pw, ph := priors[i*4+2], priors[i*4+3]
		lx, ly := loc[i*4], loc[i*4+1]
		lw, lh := loc[i*4+2], loc[i*4+3]

		cx := px + lx*varianceCenter*pw
		cy := py + ly*varianceCenter*ph
		w := pw * float32(math.Exp(float64(lw)*varianceSize))
		h := ph * float32(math.Exp(float64(lh)*varianceSize))

		boxes[i] = [4]float32{
			clampUnit(cx - w/2),
			clampUnit(cy - h/2),
			clampUnit(cx + w/2),
			clampUnit(cy + h/2),
		}
	}
	return boxes
}

// iou computes intersection over union for corner boxes. Degenerate boxes
// have IoU 0.
func iou(a, b [4]float32) float32 {
	ix := minf(a[2], b[2]) - maxf(a[0], b[0])
	iy := minf(a[3], b[3]) - maxf(a[1], b[1])
	if ix <= 0 || iy <= 0 {
		return 0
	}
	inter := ix * iy
	areaA := (a[2] - a[0]) * (a[3] - a[1])
	areaB := (b[2] - b[0]) * (b[3] - b[1])
	union := areaA + areaB - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// objectClass maps a conf column to a zero-based object class by removing
// the background column.
func objectClass(class, bkgLabel int) int {
	if class > bkgLabel {
		return class - 1
	}
	return class
}

func clampUnit(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func minf(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}

func maxf(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}
