package inference

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/bfineran/yolact/detect"
	"github.com/bfineran/yolact/tensor"
	"github.com/bfineran/yolact/yolact"
)

// outputKeys is the order the export graph emits its heads in and the order
// the detector consumes them.
var outputKeys = [...]string{"loc", "conf", "mask", "priors", "proto"}

// Wrapper pairs a compiled engine with the detection post-processor so the
// two together keep the training-side calling convention: an image batch
// in, per-image detections out.
type Wrapper struct {
	engine   Engine
	detector *detect.Detector
}

// NewWrapper wires an engine to a detector configured from cfg's
// post-processing defaults.
func NewWrapper(engine Engine, cfg *yolact.Config) *Wrapper {
	det := detect.New(cfg.NumClasses, 0, cfg.NMSTopK, cfg.NMSConfThresh, cfg.NMSThresh)
	det.MaxNumDetections = cfg.MaxNumDetections
	return &Wrapper{engine: engine, detector: det}
}

// CompileWrapper compiles the exported model at path for batch size 1 and
// wraps it, the common single-image serving setup.
func CompileWrapper(path string, cfg *yolact.Config, opts ...Option) (*Wrapper, error) {
	session, err := Compile(path, 1, opts...)
	if err != nil {
		return nil, err
	}
	return NewWrapper(session, cfg), nil
}

// Engine returns the wrapped engine.
func (w *Wrapper) Engine() Engine { return w.engine }

// Detector returns the post-processor, e.g. to adjust thresholds before a
// Detect call.
func (w *Wrapper) Detector() *detect.Detector { return w.detector }

// Detect runs one image batch through the engine, rebinds the positional
// outputs to the detector's named inputs, and post-processes them into one
// Detections per image.
func (w *Wrapper) Detect(batch *tensor.Tensor) ([]detect.Detections, error) {
	dims := batch.Dims()
	if len(dims) != 4 || dims[1] != 3 {
		return nil, errors.Errorf("image batch must be [batch, 3, height, width], got %v", dims)
	}
	outs, err := w.engine.Run([]*tensor.Tensor{batch})
	if err != nil {
		return nil, err
	}
	if len(outs) != len(outputKeys) {
		return nil, errors.Errorf("engine returned %d outputs, detection needs %d (%s)",
			len(outs), len(outputKeys), strings.Join(outputKeys[:], ", "))
	}
	return w.detector.Forward(detect.Outputs{
		Loc:    outs[0],
		Conf:   outs[1],
		Mask:   outs[2],
		Priors: outs[3],
		Proto:  outs[4],
	})
}
