// Package inference compiles exported ONNX models into runnable sessions
// and adapts their outputs to the detection post-processor, preserving the
// calling convention of the training-side model: an image batch in, the
// five head outputs (loc, conf, mask, priors, proto) out.
package inference

import (
	"fmt"
	"strings"

	"github.com/bfineran/yolact/onnx"
	"github.com/bfineran/yolact/tensor"
)

// TensorSpec describes one engine input or output with its batch dimension
// resolved to a concrete size.
type TensorSpec struct {
	Name  string
	DType tensor.DType
	Dims  []int
}

// NumElements returns the element count implied by Dims.
func (s TensorSpec) NumElements() int {
	n := 1
	for _, d := range s.Dims {
		n *= d
	}
	return n
}

func (s TensorSpec) String() string {
	dims := make([]string, len(s.Dims))
	for i, d := range s.Dims {
		dims[i] = fmt.Sprintf("%d", d)
	}
	return fmt.Sprintf("%s: %s[%s]", s.Name, s.DType, strings.Join(dims, ", "))
}

// Engine runs a compiled model. Inputs and outputs are positional and match
// the order reported by Inputs and Outputs. Implementations are free to
// execute anywhere; the Session in this package delegates to a Backend.
type Engine interface {
	Inputs() []TensorSpec
	Outputs() []TensorSpec
	// Run executes one forward pass and returns the outputs in declaration
	// order.
	Run(inputs []*tensor.Tensor) ([]*tensor.Tensor, error)
	// MappedRun executes one forward pass and keys the outputs by name.
	MappedRun(inputs []*tensor.Tensor) (map[string]*tensor.Tensor, error)
}

// Backend executes a parsed model graph. The toolkit ships no execution
// kernels of its own; an external engine implements this interface and is
// bound to a session with WithBackend.
type Backend interface {
	// Name identifies the backend in logs and errors.
	Name() string
	// Execute runs the graph on inputs and returns the outputs in graph
	// declaration order.
	Execute(model *onnx.ModelInfo, inputs []*tensor.Tensor) ([]*tensor.Tensor, error)
}
