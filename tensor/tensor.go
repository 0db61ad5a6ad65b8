// Package tensor provides the dense tensor type shared by the checkpoint,
// export and inference paths. Tensors are shape + dtype + a little-endian
// byte payload; there are no math ops here, only storage and conversion.
package tensor

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// DType enumerates the element types a Tensor can hold.
type DType uint8

const (
	// InvalidDType is the zero value, never valid in a Tensor.
	InvalidDType DType = iota
	Float32
	Float16
	Int64
	Int32
	Int8
	Uint8
)

// Size returns the size of one element in bytes.
func (d DType) Size() int {
	switch d {
	case Float32, Int32:
		return 4
	case Float16:
		return 2
	case Int64:
		return 8
	case Int8, Uint8:
		return 1
	}
	return 0
}

// IsFloat reports whether the dtype is a floating point type.
func (d DType) IsFloat() bool {
	return d == Float32 || d == Float16
}

func (d DType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Float16:
		return "float16"
	case Int64:
		return "int64"
	case Int32:
		return "int32"
	case Int8:
		return "int8"
	case Uint8:
		return "uint8"
	}
	return fmt.Sprintf("DType(%d)", uint8(d))
}

// DTypeFromString is the inverse of DType.String. Used when decoding
// checkpoint metadata.
func DTypeFromString(s string) (DType, error) {
	for _, d := range []DType{Float32, Float16, Int64, Int32, Int8, Uint8} {
		if d.String() == s {
			return d, nil
		}
	}
	return InvalidDType, errors.Errorf("unknown dtype %q", s)
}

// Tensor is a dense n-dimensional array. A tensor with no dimensions is a
// scalar holding one element. The data layout is row-major, little-endian.
type Tensor struct {
	dtype DType
	dims  []int
	data  []byte
}

// New creates a zero-filled tensor of the given dtype and dimensions.
// It panics on a non-positive dimension or invalid dtype: shapes are
// build-time constants in this codebase, not user input.
func New(dtype DType, dims ...int) *Tensor {
	if dtype.Size() == 0 {
		panic(fmt.Sprintf("tensor.New: invalid dtype %s", dtype))
	}
	n := 1
	for _, d := range dims {
		if d <= 0 {
			panic(fmt.Sprintf("tensor.New: invalid dimension %d in %v", d, dims))
		}
		n *= d
	}
	return &Tensor{
		dtype: dtype,
		dims:  append([]int(nil), dims...),
		data:  make([]byte, n*dtype.Size()),
	}
}

// NewFromBytes wraps a raw little-endian payload. The payload is used
// directly, not copied.
func NewFromBytes(dtype DType, data []byte, dims ...int) (*Tensor, error) {
	t := New(dtype, dims...)
	if len(data) != len(t.data) {
		return nil, errors.Errorf("tensor payload is %d bytes, shape %s%v requires %d",
			len(data), dtype, dims, len(t.data))
	}
	t.data = data
	return t, nil
}

// FromFloat32s creates a Float32 tensor from the given values. The number
// of values must match the product of dims.
func FromFloat32s(values []float32, dims ...int) *Tensor {
	t := New(Float32, dims...)
	if err := t.SetFloat32s(values); err != nil {
		panic(err.Error())
	}
	return t
}

// FromInt64s creates an Int64 tensor from the given values. The number of
// values must match the product of dims.
func FromInt64s(values []int64, dims ...int) *Tensor {
	t := New(Int64, dims...)
	if len(values) != t.NumElements() {
		panic(fmt.Sprintf("%d values assigned to tensor %s with %d elements",
			len(values), t, t.NumElements()))
	}
	for i, v := range values {
		binary.LittleEndian.PutUint64(t.data[i*8:], uint64(v))
	}
	return t
}

// DType returns the element type.
func (t *Tensor) DType() DType { return t.dtype }

// Dims returns the dimensions. The returned slice is owned by the tensor.
func (t *Tensor) Dims() []int { return t.dims }

// NumElements returns the total element count (1 for scalars).
func (t *Tensor) NumElements() int {
	n := 1
	for _, d := range t.dims {
		n *= d
	}
	return n
}

// Memory returns the payload size in bytes.
func (t *Tensor) Memory() int { return len(t.data) }

// Data returns the raw little-endian payload, owned by the tensor.
func (t *Tensor) Data() []byte { return t.data }

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		dtype: t.dtype,
		dims:  append([]int(nil), t.dims...),
		data:  append([]byte(nil), t.data...),
	}
}

// SameShape reports whether other has the same dtype and dimensions.
func (t *Tensor) SameShape(other *Tensor) bool {
	if t.dtype != other.dtype || len(t.dims) != len(other.dims) {
		return false
	}
	for i, d := range t.dims {
		if other.dims[i] != d {
			return false
		}
	}
	return true
}

func (t *Tensor) String() string {
	dims := make([]string, len(t.dims))
	for i, d := range t.dims {
		dims[i] = fmt.Sprintf("%d", d)
	}
	return fmt.Sprintf("%s[%s]", t.dtype, strings.Join(dims, ","))
}

// Float32s decodes the payload to float32 values. Integer dtypes convert
// by value, Float16 through IEEE half precision.
func (t *Tensor) Float32s() []float32 {
	n := t.NumElements()
	out := make([]float32, n)
	switch t.dtype {
	case Float32:
		for i := 0; i < n; i++ {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.data[i*4:]))
		}
	case Float16:
		for i := 0; i < n; i++ {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(t.data[i*2:])).Float32()
		}
	case Int64:
		for i := 0; i < n; i++ {
			out[i] = float32(int64(binary.LittleEndian.Uint64(t.data[i*8:])))
		}
	case Int32:
		for i := 0; i < n; i++ {
			out[i] = float32(int32(binary.LittleEndian.Uint32(t.data[i*4:])))
		}
	case Int8:
		for i := 0; i < n; i++ {
			out[i] = float32(int8(t.data[i]))
		}
	case Uint8:
		for i := 0; i < n; i++ {
			out[i] = float32(t.data[i])
		}
	}
	return out
}

// SetFloat32s encodes values into the payload, converting to the tensor's
// dtype. Integer dtypes round to nearest and clamp to the dtype's range.
func (t *Tensor) SetFloat32s(values []float32) error {
	if len(values) != t.NumElements() {
		return errors.Errorf("%d values assigned to tensor %s with %d elements",
			len(values), t, t.NumElements())
	}
	switch t.dtype {
	case Float32:
		for i, v := range values {
			binary.LittleEndian.PutUint32(t.data[i*4:], math.Float32bits(v))
		}
	case Float16:
		for i, v := range values {
			binary.LittleEndian.PutUint16(t.data[i*2:], float16.Fromfloat32(v).Bits())
		}
	case Int64:
		for i, v := range values {
			binary.LittleEndian.PutUint64(t.data[i*8:], uint64(int64(roundClamp(v, math.MinInt64, math.MaxInt64))))
		}
	case Int32:
		for i, v := range values {
			binary.LittleEndian.PutUint32(t.data[i*4:], uint32(int32(roundClamp(v, math.MinInt32, math.MaxInt32))))
		}
	case Int8:
		for i, v := range values {
			t.data[i] = byte(int8(roundClamp(v, math.MinInt8, math.MaxInt8)))
		}
	case Uint8:
		for i, v := range values {
			t.data[i] = byte(roundClamp(v, 0, math.MaxUint8))
		}
	}
	return nil
}

func roundClamp(v float32, lo, hi float64) float64 {
	r := math.Round(float64(v))
	if r < lo {
		return lo
	}
	if r > hi {
		return hi
	}
	return r
}

// Sparsity returns the fraction of elements whose encoding is all-zero
// bytes, i.e. exactly +0 for float dtypes. Pruning masks write +0, so this
// measures applied sparsity without decoding. Returns 0 for an empty tensor.
func (t *Tensor) Sparsity() float64 {
	n := t.NumElements()
	if n == 0 {
		return 0
	}
	zeros := 0
	size := t.dtype.Size()
	for i := 0; i < n; i++ {
		isZero := true
		for _, b := range t.data[i*size : (i+1)*size] {
			if b != 0 {
				isZero = false
				break
			}
		}
		if isZero {
			zeros++
		}
	}
	return float64(zeros) / float64(n)
}
