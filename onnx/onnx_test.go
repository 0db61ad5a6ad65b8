package onnx

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/bfineran/yolact/tensor"
)

func buildTestModel(t *testing.T) *Model {
	t.Helper()
	weight := tensor.FromFloat32s([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	bias := tensor.FromFloat32s([]float32{0.5, -0.5}, 2)
	return &Model{
		IRVersion:       7,
		OpsetVersion:    11,
		ProducerName:    "yolact",
		ProducerVersion: "0.1.0",
		Graph: &Graph{
			Name: "tiny",
			Nodes: []Node{
				{
					Name:    "fc",
					OpType:  "Gemm",
					Inputs:  []string{"x", "fc.weight", "fc.bias"},
					Outputs: []string{"h"},
					Attrs:   []Attr{IntAttr("transB", 1), FloatAttr("alpha", 1.0)},
				},
				{
					Name:    "act",
					OpType:  "Relu",
					Inputs:  []string{"h"},
					Outputs: []string{"y"},
				},
			},
			Inputs: []ValueInfo{
				{Name: "x", DType: tensor.Float32, Dims: []Dim{{Param: "batch"}, {Value: 3}}},
			},
			Outputs: []ValueInfo{
				{Name: "y", DType: tensor.Float32, Dims: FixedDims(1, 2)},
			},
			Initializers: []Initializer{
				{Name: "fc.weight", Tensor: weight},
				{Name: "fc.bias", Tensor: bias},
			},
		},
	}
}

func TestEncodeParseRoundTrip(t *testing.T) {
	model := buildTestModel(t)
	data, err := model.Encode(nil)
	require.NoError(t, err)

	info, err := Parse(data)
	require.NoError(t, err)

	assert.Equal(t, int64(7), info.IRVersion)
	assert.Equal(t, int64(11), info.OpsetVersion)
	assert.Equal(t, "yolact", info.ProducerName)
	assert.Equal(t, "0.1.0", info.ProducerVersion)

	g := info.Graph
	assert.Equal(t, "tiny", g.Name)
	assert.Equal(t, 2, g.NumNodes)
	assert.Equal(t, map[string]int{"Gemm": 1, "Relu": 1}, g.OpCounts)

	require.Len(t, g.Inputs, 1)
	assert.Equal(t, "x", g.Inputs[0].Name)
	assert.Equal(t, tensor.Float32, g.Inputs[0].DType)
	require.Len(t, g.Inputs[0].Dims, 2)
	assert.Equal(t, "batch", g.Inputs[0].Dims[0].Param)
	assert.Equal(t, int64(3), g.Inputs[0].Dims[1].Value)

	require.Len(t, g.Outputs, 1)
	assert.Equal(t, "y", g.Outputs[0].Name)
	assert.Equal(t, []Dim{{Value: 1}, {Value: 2}}, g.Outputs[0].Dims)

	require.Len(t, g.Initializers, 2)
	weight, ok := g.Initializer("fc.weight")
	require.True(t, ok)
	assert.Equal(t, tensor.Float32, weight.DType)
	assert.Equal(t, []int{2, 3}, weight.Dims)
	assert.Equal(t, 6, weight.NumElements())

	wt, err := weight.Tensor()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, wt.Float32s())

	_, ok = g.Initializer("fc.missing")
	assert.False(t, ok)
}

func TestEncodeReportsInitializers(t *testing.T) {
	model := buildTestModel(t)
	var seen []string
	_, err := model.Encode(func(name string) { seen = append(seen, name) })
	require.NoError(t, err)
	assert.Equal(t, []string{"fc.weight", "fc.bias"}, seen)
}

func TestWriteFileRoundTrip(t *testing.T) {
	model := buildTestModel(t)
	path := filepath.Join(t.TempDir(), "tiny.onnx")
	require.NoError(t, model.WriteFile(path, nil))

	info, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "tiny", info.Graph.Name)
	assert.Equal(t, 2, info.Graph.NumNodes)
}

func TestParseTruncatedIsError(t *testing.T) {
	model := buildTestModel(t)
	data, err := model.Encode(nil)
	require.NoError(t, err)

	_, err = Parse(data[:len(data)-3])
	assert.Error(t, err)
}

func TestParseSkipsUnknownFields(t *testing.T) {
	model := buildTestModel(t)
	data, err := model.Encode(nil)
	require.NoError(t, err)

	// Trailing fields a newer ModelProto revision might add.
	data = protowire.AppendTag(data, 9999, protowire.BytesType)
	data = protowire.AppendBytes(data, []byte("future"))
	data = protowire.AppendTag(data, 9998, protowire.VarintType)
	data = protowire.AppendVarint(data, 42)

	info, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, "tiny", info.Graph.Name)
}

func TestParseRequiresGraph(t *testing.T) {
	var data []byte
	data = protowire.AppendTag(data, fieldModelIRVersion, protowire.VarintType)
	data = protowire.AppendVarint(data, 7)

	_, err := Parse(data)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no graph")
}

func TestEncodeRequiresGraph(t *testing.T) {
	_, err := (&Model{IRVersion: 7}).Encode(nil)
	assert.Error(t, err)
}

func TestDataTypeMappingRoundTrip(t *testing.T) {
	for _, d := range []tensor.DType{
		tensor.Float32, tensor.Float16, tensor.Int64,
		tensor.Int32, tensor.Int8, tensor.Uint8,
	} {
		code, err := DataTypeOf(d)
		require.NoError(t, err, d)
		back, err := DTypeFromDataType(code)
		require.NoError(t, err, d)
		assert.Equal(t, d, back)
	}
	_, err := DTypeFromDataType(999)
	assert.Error(t, err)
}
