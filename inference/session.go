package inference

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/bfineran/yolact/onnx"
	"github.com/bfineran/yolact/tensor"
)

// Session is a compiled model bound to a fixed batch size. It validates
// inputs and outputs against the model's declared shapes; the forward pass
// itself is performed by the bound Backend.
type Session struct {
	id        uuid.UUID
	path      string
	batchSize int
	model     *onnx.ModelInfo
	inputs    []TensorSpec
	outputs   []TensorSpec
	backend   Backend
	features  []string
}

// Option configures a Session at compile time.
type Option func(*Session)

// WithBackend binds the execution backend the session delegates to.
func WithBackend(b Backend) Option {
	return func(s *Session) { s.backend = b }
}

// Compile parses and validates the ONNX model at path and prepares a session
// for the given batch size. Inputs with a symbolic leading dimension are
// bound to batchSize; inputs exported with a fixed batch must match it.
func Compile(path string, batchSize int, opts ...Option) (*Session, error) {
	if batchSize < 1 {
		return nil, errors.Errorf("batch size must be positive, got %d", batchSize)
	}
	if _, err := os.Stat(path); err != nil {
		return nil, errors.Wrapf(err, "model file %s", path)
	}
	model, err := onnx.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(model.Graph.Inputs) == 0 || len(model.Graph.Outputs) == 0 {
		return nil, errors.Errorf("model %s declares %d inputs and %d outputs, need at least one of each",
			path, len(model.Graph.Inputs), len(model.Graph.Outputs))
	}

	s := &Session{
		id:        uuid.New(),
		path:      path,
		batchSize: batchSize,
		model:     model,
		features:  cpuFeatures(),
	}
	for _, o := range opts {
		o(s)
	}
	for _, vi := range model.Graph.Inputs {
		spec, err := resolveSpec(vi, batchSize, true)
		if err != nil {
			return nil, err
		}
		s.inputs = append(s.inputs, spec)
	}
	for _, vi := range model.Graph.Outputs {
		spec, err := resolveSpec(vi, batchSize, false)
		if err != nil {
			return nil, err
		}
		s.outputs = append(s.outputs, spec)
	}

	logrus.Infof("Compiled %s: %d nodes, batch size %d, session %s",
		filepath.Base(path), model.Graph.NumNodes, batchSize, s.id)
	if len(s.features) > 0 {
		logrus.Debugf("CPU capability: %s", strings.Join(s.features, ", "))
	}
	return s, nil
}

// resolveSpec folds a value's symbolic batch dimension to the session batch
// size. isInput additionally pins a fixed leading dimension to the batch.
func resolveSpec(vi onnx.ValueInfo, batchSize int, isInput bool) (TensorSpec, error) {
	spec := TensorSpec{Name: vi.Name, DType: vi.DType, Dims: make([]int, len(vi.Dims))}
	for i, d := range vi.Dims {
		if d.Param != "" {
			if i != 0 {
				return spec, errors.Errorf("value %q has symbolic dimension %q at axis %d, only the batch axis may be symbolic",
					vi.Name, d.Param, i)
			}
			spec.Dims[i] = batchSize
			continue
		}
		if isInput && i == 0 && int(d.Value) != batchSize {
			return spec, errors.Errorf("input %q was exported for batch size %d, session wants %d",
				vi.Name, d.Value, batchSize)
		}
		spec.Dims[i] = int(d.Value)
	}
	return spec, nil
}

// cpuFeatures reports the SIMD tiers an execution backend could dispatch on.
func cpuFeatures() []string {
	var out []string
	if cpuid.CPU.Supports(cpuid.AVX2) {
		out = append(out, "avx2")
	}
	if cpuid.CPU.Supports(cpuid.AVX512F) {
		out = append(out, "avx512")
	}
	if cpuid.CPU.Supports(cpuid.AVX512VNNI) || cpuid.CPU.Supports(cpuid.AVXVNNI) {
		out = append(out, "vnni")
	}
	return out
}

// ID returns the session identifier used in logs.
func (s *Session) ID() string { return s.id.String() }

// Path returns the model file the session was compiled from.
func (s *Session) Path() string { return s.path }

// BatchSize returns the batch size the session was compiled for.
func (s *Session) BatchSize() int { return s.batchSize }

// Model exposes the parsed model, e.g. for a backend-independent inspection.
func (s *Session) Model() *onnx.ModelInfo { return s.model }

// CPUFeatures lists the SIMD capability of the host, most basic first.
func (s *Session) CPUFeatures() []string { return s.features }

// Inputs returns the input specs with batch dimensions resolved.
func (s *Session) Inputs() []TensorSpec { return s.inputs }

// Outputs returns the output specs with batch dimensions resolved.
func (s *Session) Outputs() []TensorSpec { return s.outputs }

// Run validates inputs against the model's specs and delegates the forward
// pass to the bound backend. Without a backend, Run fails: execution belongs
// to an external engine, not this toolkit.
func (s *Session) Run(inputs []*tensor.Tensor) ([]*tensor.Tensor, error) {
	if len(inputs) != len(s.inputs) {
		return nil, errors.Errorf("got %d inputs, model %s takes %d",
			len(inputs), filepath.Base(s.path), len(s.inputs))
	}
	for i, in := range inputs {
		if err := checkInput(s.inputs[i], in); err != nil {
			return nil, err
		}
	}
	if s.backend == nil {
		return nil, errors.Errorf("session %s has no execution backend bound", s.id)
	}
	outs, err := s.backend.Execute(s.model, inputs)
	if err != nil {
		return nil, errors.Wrapf(err, "backend %s", s.backend.Name())
	}
	if len(outs) != len(s.outputs) {
		return nil, errors.Errorf("backend %s returned %d outputs, model declares %d",
			s.backend.Name(), len(outs), len(s.outputs))
	}
	return outs, nil
}

// MappedRun runs the model and keys the outputs by their graph names.
func (s *Session) MappedRun(inputs []*tensor.Tensor) (map[string]*tensor.Tensor, error) {
	outs, err := s.Run(inputs)
	if err != nil {
		return nil, err
	}
	mapped := make(map[string]*tensor.Tensor, len(outs))
	for i, out := range outs {
		mapped[s.outputs[i].Name] = out
	}
	return mapped, nil
}

func checkInput(spec TensorSpec, in *tensor.Tensor) error {
	if in.DType() != spec.DType {
		return errors.Errorf("input %q wants dtype %s, got %s", spec.Name, spec.DType, in.DType())
	}
	dims := in.Dims()
	if len(dims) != len(spec.Dims) {
		return errors.Errorf("input %q wants %d dimensions %v, got %v", spec.Name, len(spec.Dims), spec.Dims, dims)
	}
	for i, d := range dims {
		if d != spec.Dims[i] {
			return errors.Errorf("input %q wants shape %v, got %v", spec.Name, spec.Dims, dims)
		}
	}
	return nil
}
