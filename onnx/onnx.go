// Package onnx serializes model graphs to the ONNX interchange format and
// reads back the structural parts this toolkit needs (graph shape, value
// infos, initializer index). Encoding is done directly against the ONNX
// protobuf wire schema with google.golang.org/protobuf/encoding/protowire,
// so no generated bindings are carried.
package onnx

import (
	"github.com/pkg/errors"

	"github.com/bfineran/yolact/tensor"
)

// ONNX TensorProto.DataType codes for the dtypes this toolkit produces.
const (
	dataTypeFloat   = 1
	dataTypeUint8   = 2
	dataTypeInt8    = 3
	dataTypeInt32   = 6
	dataTypeInt64   = 7
	dataTypeFloat16 = 10
)

// DataTypeOf maps a tensor dtype to its ONNX TensorProto.DataType code.
func DataTypeOf(d tensor.DType) (int32, error) {
	switch d {
	case tensor.Float32:
		return dataTypeFloat, nil
	case tensor.Float16:
		return dataTypeFloat16, nil
	case tensor.Int64:
		return dataTypeInt64, nil
	case tensor.Int32:
		return dataTypeInt32, nil
	case tensor.Int8:
		return dataTypeInt8, nil
	case tensor.Uint8:
		return dataTypeUint8, nil
	}
	return 0, errors.Errorf("dtype %s has no ONNX data type", d)
}

// DTypeFromDataType is the inverse of DataTypeOf.
func DTypeFromDataType(code int32) (tensor.DType, error) {
	switch code {
	case dataTypeFloat:
		return tensor.Float32, nil
	case dataTypeFloat16:
		return tensor.Float16, nil
	case dataTypeInt64:
		return tensor.Int64, nil
	case dataTypeInt32:
		return tensor.Int32, nil
	case dataTypeInt8:
		return tensor.Int8, nil
	case dataTypeUint8:
		return tensor.Uint8, nil
	}
	return tensor.InvalidDType, errors.Errorf("unsupported ONNX data type %d", code)
}

// Model is the writable form of an ONNX ModelProto.
type Model struct {
	IRVersion       int64
	OpsetVersion    int64
	ProducerName    string
	ProducerVersion string
	DocString       string
	Graph           *Graph
}

// Graph is the writable form of a GraphProto.
type Graph struct {
	Name         string
	Nodes        []Node
	Inputs       []ValueInfo
	Outputs      []ValueInfo
	Initializers []Initializer
}

// Node is a single operator in the graph. Inputs and Outputs name value
// edges; an input naming an initializer binds the weight.
type Node struct {
	Name    string
	OpType  string
	Inputs  []string
	Outputs []string
	Attrs   []Attr
}

// Initializer is a named constant tensor baked into the graph.
type Initializer struct {
	Name   string
	Tensor *tensor.Tensor
}

// ValueInfo declares the dtype and shape of a graph input or output.
type ValueInfo struct {
	Name  string
	DType tensor.DType
	Dims  []Dim
}

// Dim is one dimension of a value shape: a fixed Value, or a symbolic
// Param (e.g. a free batch dimension) when Param is non-empty.
type Dim struct {
	Value int64
	Param string
}

// FixedDims builds a shape of fixed dimensions.
func FixedDims(dims ...int) []Dim {
	out := make([]Dim, len(dims))
	for i, d := range dims {
		out[i] = Dim{Value: int64(d)}
	}
	return out
}

// AttributeProto.AttributeType codes.
const (
	attrTypeFloat   = 1
	attrTypeInt     = 2
	attrTypeString  = 3
	attrTypeTensor  = 4
	attrTypeFloats  = 6
	attrTypeInts    = 7
	attrTypeStrings = 8
)

// Attr is a node attribute. Use the typed constructors below.
type Attr struct {
	Name string

	typ     int
	i       int64
	f       float32
	s       string
	ints    []int64
	floats  []float32
	strings []string
	t       *tensor.Tensor
}

// IntAttr builds an INT attribute.
func IntAttr(name string, v int64) Attr { return Attr{Name: name, typ: attrTypeInt, i: v} }

// FloatAttr builds a FLOAT attribute.
func FloatAttr(name string, v float32) Attr { return Attr{Name: name, typ: attrTypeFloat, f: v} }

// StringAttr builds a STRING attribute.
func StringAttr(name, v string) Attr { return Attr{Name: name, typ: attrTypeString, s: v} }

// IntsAttr builds an INTS attribute.
func IntsAttr(name string, v ...int64) Attr { return Attr{Name: name, typ: attrTypeInts, ints: v} }

// FloatsAttr builds a FLOATS attribute.
func FloatsAttr(name string, v ...float32) Attr {
	return Attr{Name: name, typ: attrTypeFloats, floats: v}
}

// StringsAttr builds a STRINGS attribute.
func StringsAttr(name string, v ...string) Attr {
	return Attr{Name: name, typ: attrTypeStrings, strings: v}
}

// TensorAttr builds a TENSOR attribute.
func TensorAttr(name string, t *tensor.Tensor) Attr {
	return Attr{Name: name, typ: attrTypeTensor, t: t}
}
