package onnx

import (
	"os"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/bfineran/yolact/tensor"
)

// ModelInfo is the structural view of a parsed ONNX file: enough to compile
// an engine session, inspect a model, and round-trip the writer's output.
// Weight payloads are referenced, not copied.
type ModelInfo struct {
	IRVersion       int64
	OpsetVersion    int64
	ProducerName    string
	ProducerVersion string
	Graph           GraphInfo
}

// GraphInfo summarizes a GraphProto.
type GraphInfo struct {
	Name         string
	NumNodes     int
	OpCounts     map[string]int
	Inputs       []ValueInfo
	Outputs      []ValueInfo
	Initializers []InitializerInfo

	initByName map[string]int
}

// InitializerInfo indexes one initializer tensor.
type InitializerInfo struct {
	Name    string
	DType   tensor.DType
	Dims    []int
	RawData []byte
}

// NumElements returns the element count of the initializer.
func (ii InitializerInfo) NumElements() int {
	n := 1
	for _, d := range ii.Dims {
		n *= d
	}
	return n
}

// Tensor materializes the initializer as a tensor sharing the parsed payload.
func (ii InitializerInfo) Tensor() (*tensor.Tensor, error) {
	return tensor.NewFromBytes(ii.DType, ii.RawData, ii.Dims...)
}

// Initializer looks up an initializer by name.
func (g *GraphInfo) Initializer(name string) (InitializerInfo, bool) {
	idx, ok := g.initByName[name]
	if !ok {
		return InitializerInfo{}, false
	}
	return g.Initializers[idx], true
}

// ReadFile parses the ONNX file at path.
func ReadFile(path string) (*ModelInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading ONNX file %s", path)
	}
	info, err := Parse(data)
	if err != nil {
		return nil, errors.WithMessagef(err, "parsing ONNX file %s", path)
	}
	return info, nil
}

// Parse decodes ModelProto bytes. Unknown fields are skipped by wire type;
// a truncated or malformed buffer is an error, never a partial model.
func Parse(data []byte) (*ModelInfo, error) {
	info := &ModelInfo{}
	sawGraph := false
	err := eachField(data, func(f field) error {
		switch f.num {
		case fieldModelIRVersion:
			info.IRVersion = int64(f.varint)
		case fieldModelProducerName:
			info.ProducerName = string(f.bytes)
		case fieldModelProducerVersion:
			info.ProducerVersion = string(f.bytes)
		case fieldModelGraph:
			sawGraph = true
			return info.Graph.parse(f.bytes)
		case fieldModelOpsetImport:
			domain, version, err := parseOpset(f.bytes)
			if err != nil {
				return err
			}
			if domain == "" || domain == "ai.onnx" {
				info.OpsetVersion = version
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !sawGraph {
		return nil, errors.New("model carries no graph")
	}
	return info, nil
}

func parseOpset(b []byte) (domain string, version int64, err error) {
	err = eachField(b, func(f field) error {
		switch f.num {
		case fieldOpsetDomain:
			domain = string(f.bytes)
		case fieldOpsetVersion:
			version = int64(f.varint)
		}
		return nil
	})
	return
}

func (g *GraphInfo) parse(b []byte) error {
	g.OpCounts = make(map[string]int)
	g.initByName = make(map[string]int)
	return eachField(b, func(f field) error {
		switch f.num {
		case fieldGraphName:
			g.Name = string(f.bytes)
		case fieldGraphNode:
			op, err := parseNodeOpType(f.bytes)
			if err != nil {
				return err
			}
			g.NumNodes++
			g.OpCounts[op]++
		case fieldGraphInitializer:
			init, err := parseTensorProto(f.bytes)
			if err != nil {
				return err
			}
			g.initByName[init.Name] = len(g.Initializers)
			g.Initializers = append(g.Initializers, init)
		case fieldGraphInput:
			vi, err := parseValueInfo(f.bytes)
			if err != nil {
				return err
			}
			g.Inputs = append(g.Inputs, vi)
		case fieldGraphOutput:
			vi, err := parseValueInfo(f.bytes)
			if err != nil {
				return err
			}
			g.Outputs = append(g.Outputs, vi)
		}
		return nil
	})
}

func parseNodeOpType(b []byte) (string, error) {
	op := ""
	err := eachField(b, func(f field) error {
		if f.num == fieldNodeOpType {
			op = string(f.bytes)
		}
		return nil
	})
	return op, err
}

func parseTensorProto(b []byte) (InitializerInfo, error) {
	var init InitializerInfo
	var dataType int64 = -1
	err := eachField(b, func(f field) error {
		switch f.num {
		case fieldTensorDims:
			if f.typ == protowire.VarintType {
				// Unpacked encoding: one varint per field occurrence.
				init.Dims = append(init.Dims, int(f.varint))
				return nil
			}
			packed := f.bytes
			for len(packed) > 0 {
				v, n := protowire.ConsumeVarint(packed)
				if n < 0 {
					return errors.Wrap(protowire.ParseError(n), "tensor dims")
				}
				init.Dims = append(init.Dims, int(v))
				packed = packed[n:]
			}
		case fieldTensorDataType:
			dataType = int64(f.varint)
		case fieldTensorName:
			init.Name = string(f.bytes)
		case fieldTensorRawData:
			init.RawData = f.bytes
		}
		return nil
	})
	if err != nil {
		return init, errors.WithMessagef(err, "initializer %q", init.Name)
	}
	if dataType < 0 {
		return init, errors.Errorf("initializer %q carries no data type", init.Name)
	}
	init.DType, err = DTypeFromDataType(int32(dataType))
	if err != nil {
		return init, errors.WithMessagef(err, "initializer %q", init.Name)
	}
	if want := init.NumElements() * init.DType.Size(); len(init.RawData) != want {
		return init, errors.Errorf("initializer %q has %d payload bytes, shape requires %d",
			init.Name, len(init.RawData), want)
	}
	return init, nil
}

func parseValueInfo(b []byte) (ValueInfo, error) {
	var vi ValueInfo
	err := eachField(b, func(f field) error {
		switch f.num {
		case fieldValueInfoName:
			vi.Name = string(f.bytes)
		case fieldValueInfoType:
			return eachField(f.bytes, func(tf field) error {
				if tf.num != fieldTypeTensorType {
					return nil
				}
				return parseTensorType(tf.bytes, &vi)
			})
		}
		return nil
	})
	return vi, err
}

func parseTensorType(b []byte, vi *ValueInfo) error {
	return eachField(b, func(f field) error {
		switch f.num {
		case fieldTensorTypeElemType:
			d, err := DTypeFromDataType(int32(f.varint))
			if err != nil {
				return errors.WithMessagef(err, "value info %q", vi.Name)
			}
			vi.DType = d
		case fieldTensorTypeShape:
			return eachField(f.bytes, func(sf field) error {
				if sf.num != fieldShapeDim {
					return nil
				}
				var dim Dim
				err := eachField(sf.bytes, func(df field) error {
					switch df.num {
					case fieldDimValue:
						dim.Value = int64(df.varint)
					case fieldDimParam:
						dim.Param = string(df.bytes)
					}
					return nil
				})
				if err != nil {
					return err
				}
				vi.Dims = append(vi.Dims, dim)
				return nil
			})
		}
		return nil
	})
}

// field is one decoded protobuf field. bytes aliases the input buffer.
type field struct {
	num     protowire.Number
	typ     protowire.Type
	varint  uint64
	fixed32 uint32
	fixed64 uint64
	bytes   []byte
}

// eachField walks the top-level fields of a message buffer, decoding each
// value by wire type. Group-typed fields are skipped whole.
func eachField(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.Wrap(protowire.ParseError(n), "malformed field tag")
		}
		b = b[n:]
		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return errors.Wrapf(protowire.ParseError(m), "field %d varint", num)
			}
			f.varint = v
			b = b[m:]
		case protowire.Fixed32Type:
			v, m := protowire.ConsumeFixed32(b)
			if m < 0 {
				return errors.Wrapf(protowire.ParseError(m), "field %d fixed32", num)
			}
			f.fixed32 = v
			b = b[m:]
		case protowire.Fixed64Type:
			v, m := protowire.ConsumeFixed64(b)
			if m < 0 {
				return errors.Wrapf(protowire.ParseError(m), "field %d fixed64", num)
			}
			f.fixed64 = v
			b = b[m:]
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return errors.Wrapf(protowire.ParseError(m), "field %d bytes", num)
			}
			f.bytes = v
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return errors.Wrapf(protowire.ParseError(m), "field %d", num)
			}
			b = b[m:]
			continue
		}
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}
