package onnx

import (
	"math"
	"os"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/bfineran/yolact/tensor"
)

// Field numbers from the ONNX protobuf schema (onnx/onnx.proto). Only the
// fields this toolkit reads or writes are listed.
const (
	// ModelProto
	fieldModelIRVersion       = 1
	fieldModelProducerName    = 2
	fieldModelProducerVersion = 3
	fieldModelDocString       = 6
	fieldModelGraph           = 7
	fieldModelOpsetImport     = 8

	// OperatorSetIdProto
	fieldOpsetDomain  = 1
	fieldOpsetVersion = 2

	// GraphProto
	fieldGraphNode        = 1
	fieldGraphName        = 2
	fieldGraphInitializer = 5
	fieldGraphInput       = 11
	fieldGraphOutput      = 12

	// NodeProto
	fieldNodeInput     = 1
	fieldNodeOutput    = 2
	fieldNodeName      = 3
	fieldNodeOpType    = 4
	fieldNodeAttribute = 5

	// AttributeProto
	fieldAttrName    = 1
	fieldAttrF       = 2
	fieldAttrI       = 3
	fieldAttrS       = 4
	fieldAttrT       = 5
	fieldAttrFloats  = 7
	fieldAttrInts    = 8
	fieldAttrStrings = 9
	fieldAttrType    = 20

	// TensorProto
	fieldTensorDims     = 1
	fieldTensorDataType = 2
	fieldTensorName     = 8
	fieldTensorRawData  = 9

	// ValueInfoProto
	fieldValueInfoName = 1
	fieldValueInfoType = 2

	// TypeProto
	fieldTypeTensorType = 1

	// TypeProto.Tensor
	fieldTensorTypeElemType = 1
	fieldTensorTypeShape    = 2

	// TensorShapeProto
	fieldShapeDim = 1

	// TensorShapeProto.Dimension
	fieldDimValue = 1
	fieldDimParam = 2
)

// Encode serializes the model to ONNX ModelProto bytes. onInitializer, if
// non-nil, is called once per initializer as its tensor is written (used to
// drive export progress reporting).
func (m *Model) Encode(onInitializer func(name string)) ([]byte, error) {
	if m.Graph == nil {
		return nil, errors.New("model has no graph")
	}
	graph, err := m.Graph.encode(onInitializer)
	if err != nil {
		return nil, err
	}

	var b []byte
	b = protowire.AppendTag(b, fieldModelIRVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.IRVersion))
	if m.ProducerName != "" {
		b = protowire.AppendTag(b, fieldModelProducerName, protowire.BytesType)
		b = protowire.AppendString(b, m.ProducerName)
	}
	if m.ProducerVersion != "" {
		b = protowire.AppendTag(b, fieldModelProducerVersion, protowire.BytesType)
		b = protowire.AppendString(b, m.ProducerVersion)
	}
	if m.DocString != "" {
		b = protowire.AppendTag(b, fieldModelDocString, protowire.BytesType)
		b = protowire.AppendString(b, m.DocString)
	}
	b = protowire.AppendTag(b, fieldModelGraph, protowire.BytesType)
	b = protowire.AppendBytes(b, graph)

	// Default-domain opset import.
	var opset []byte
	opset = protowire.AppendTag(opset, fieldOpsetDomain, protowire.BytesType)
	opset = protowire.AppendString(opset, "")
	opset = protowire.AppendTag(opset, fieldOpsetVersion, protowire.VarintType)
	opset = protowire.AppendVarint(opset, uint64(m.OpsetVersion))
	b = protowire.AppendTag(b, fieldModelOpsetImport, protowire.BytesType)
	b = protowire.AppendBytes(b, opset)

	return b, nil
}

// WriteFile encodes the model and writes it to path.
func (m *Model) WriteFile(path string, onInitializer func(name string)) error {
	data, err := m.Encode(onInitializer)
	if err != nil {
		return errors.WithMessagef(err, "encoding ONNX model %q", m.Graph.Name)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "writing ONNX model to %s", path)
	}
	return nil
}

func (g *Graph) encode(onInitializer func(name string)) ([]byte, error) {
	var b []byte
	for _, n := range g.Nodes {
		nb, err := n.encode()
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, fieldGraphNode, protowire.BytesType)
		b = protowire.AppendBytes(b, nb)
	}
	b = protowire.AppendTag(b, fieldGraphName, protowire.BytesType)
	b = protowire.AppendString(b, g.Name)
	for _, init := range g.Initializers {
		tb, err := encodeTensorProto(init.Name, init.Tensor)
		if err != nil {
			return nil, errors.WithMessagef(err, "initializer %q", init.Name)
		}
		b = protowire.AppendTag(b, fieldGraphInitializer, protowire.BytesType)
		b = protowire.AppendBytes(b, tb)
		if onInitializer != nil {
			onInitializer(init.Name)
		}
	}
	for _, vi := range g.Inputs {
		vb, err := vi.encode()
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, fieldGraphInput, protowire.BytesType)
		b = protowire.AppendBytes(b, vb)
	}
	for _, vi := range g.Outputs {
		vb, err := vi.encode()
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, fieldGraphOutput, protowire.BytesType)
		b = protowire.AppendBytes(b, vb)
	}
	return b, nil
}

func (n *Node) encode() ([]byte, error) {
	var b []byte
	for _, in := range n.Inputs {
		b = protowire.AppendTag(b, fieldNodeInput, protowire.BytesType)
		b = protowire.AppendString(b, in)
	}
	for _, out := range n.Outputs {
		b = protowire.AppendTag(b, fieldNodeOutput, protowire.BytesType)
		b = protowire.AppendString(b, out)
	}
	b = protowire.AppendTag(b, fieldNodeName, protowire.BytesType)
	b = protowire.AppendString(b, n.Name)
	b = protowire.AppendTag(b, fieldNodeOpType, protowire.BytesType)
	b = protowire.AppendString(b, n.OpType)
	for _, a := range n.Attrs {
		ab, err := a.encode()
		if err != nil {
			return nil, errors.WithMessagef(err, "node %q attribute %q", n.Name, a.Name)
		}
		b = protowire.AppendTag(b, fieldNodeAttribute, protowire.BytesType)
		b = protowire.AppendBytes(b, ab)
	}
	return b, nil
}

func (a Attr) encode() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, fieldAttrName, protowire.BytesType)
	b = protowire.AppendString(b, a.Name)
	switch a.typ {
	case attrTypeFloat:
		b = protowire.AppendTag(b, fieldAttrF, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(a.f))
	case attrTypeInt:
		b = protowire.AppendTag(b, fieldAttrI, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(a.i))
	case attrTypeString:
		b = protowire.AppendTag(b, fieldAttrS, protowire.BytesType)
		b = protowire.AppendString(b, a.s)
	case attrTypeTensor:
		tb, err := encodeTensorProto("", a.t)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, fieldAttrT, protowire.BytesType)
		b = protowire.AppendBytes(b, tb)
	case attrTypeFloats:
		var packed []byte
		for _, f := range a.floats {
			packed = protowire.AppendFixed32(packed, math.Float32bits(f))
		}
		b = protowire.AppendTag(b, fieldAttrFloats, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	case attrTypeInts:
		var packed []byte
		for _, i := range a.ints {
			packed = protowire.AppendVarint(packed, uint64(i))
		}
		b = protowire.AppendTag(b, fieldAttrInts, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	case attrTypeStrings:
		for _, s := range a.strings {
			b = protowire.AppendTag(b, fieldAttrStrings, protowire.BytesType)
			b = protowire.AppendString(b, s)
		}
	default:
		return nil, errors.Errorf("attribute has no value")
	}
	b = protowire.AppendTag(b, fieldAttrType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(a.typ))
	return b, nil
}

func encodeTensorProto(name string, t *tensor.Tensor) ([]byte, error) {
	if t == nil {
		return nil, errors.New("nil tensor")
	}
	code, err := DataTypeOf(t.DType())
	if err != nil {
		return nil, err
	}
	var b []byte
	var dims []byte
	for _, d := range t.Dims() {
		dims = protowire.AppendVarint(dims, uint64(d))
	}
	if len(dims) > 0 {
		b = protowire.AppendTag(b, fieldTensorDims, protowire.BytesType)
		b = protowire.AppendBytes(b, dims)
	}
	b = protowire.AppendTag(b, fieldTensorDataType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(code))
	if name != "" {
		b = protowire.AppendTag(b, fieldTensorName, protowire.BytesType)
		b = protowire.AppendString(b, name)
	}
	b = protowire.AppendTag(b, fieldTensorRawData, protowire.BytesType)
	b = protowire.AppendBytes(b, t.Data())
	return b, nil
}

func (vi *ValueInfo) encode() ([]byte, error) {
	code, err := DataTypeOf(vi.DType)
	if err != nil {
		return nil, errors.WithMessagef(err, "value info %q", vi.Name)
	}

	var shape []byte
	for _, d := range vi.Dims {
		var dim []byte
		if d.Param != "" {
			dim = protowire.AppendTag(dim, fieldDimParam, protowire.BytesType)
			dim = protowire.AppendString(dim, d.Param)
		} else {
			dim = protowire.AppendTag(dim, fieldDimValue, protowire.VarintType)
			dim = protowire.AppendVarint(dim, uint64(d.Value))
		}
		shape = protowire.AppendTag(shape, fieldShapeDim, protowire.BytesType)
		shape = protowire.AppendBytes(shape, dim)
	}

	var tt []byte
	tt = protowire.AppendTag(tt, fieldTensorTypeElemType, protowire.VarintType)
	tt = protowire.AppendVarint(tt, uint64(code))
	tt = protowire.AppendTag(tt, fieldTensorTypeShape, protowire.BytesType)
	tt = protowire.AppendBytes(tt, shape)

	var typ []byte
	typ = protowire.AppendTag(typ, fieldTypeTensorType, protowire.BytesType)
	typ = protowire.AppendBytes(typ, tt)

	var b []byte
	b = protowire.AppendTag(b, fieldValueInfoName, protowire.BytesType)
	b = protowire.AppendString(b, vi.Name)
	b = protowire.AppendTag(b, fieldValueInfoType, protowire.BytesType)
	b = protowire.AppendBytes(b, typ)
	return b, nil
}
