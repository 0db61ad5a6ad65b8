package checkpoint

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bfineran/yolact/tensor"
)

func testCheckpoint() *Checkpoint {
	c := New(Meta{
		Config:     "yolact_base_config",
		Epoch:      12,
		GlobalStep: 7400,
		Recipe:     "version: 1.1.0\n",
		Params:     map[string]string{"lr": "0.001"},
	})
	c.Set("backbone.conv1.weight", tensor.FromFloat32s([]float32{1, 2, 3, 4}, 2, 2))
	c.Set("backbone.conv1.bias", tensor.FromFloat32s([]float32{0.5, -0.5}, 2))
	c.Set("proto_net.0.weight", tensor.New(tensor.Float16, 3))
	return c
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "yolact_base.ylck")
	orig := testCheckpoint()
	require.NoError(t, orig.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, orig.Meta, loaded.Meta)
	assert.Equal(t, orig.Names(), loaded.Names())
	assert.Equal(t, orig.TotalBytes(), loaded.TotalBytes())

	for _, name := range orig.Names() {
		want, _ := orig.Tensor(name)
		got, ok := loaded.Tensor(name)
		require.True(t, ok, name)
		assert.Equal(t, want.DType(), got.DType(), name)
		assert.Equal(t, want.Dims(), got.Dims(), name)
		assert.Equal(t, want.Data(), got.Data(), name)
	}
}

func TestZeroVariableCheckpoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.ylck")
	require.NoError(t, New(Meta{Epoch: 3}).Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, loaded.Meta.Epoch)
	assert.Zero(t, loaded.NumTensors())
	assert.Zero(t, loaded.TotalBytes())
}

func TestSetOverwriteKeepsOrder(t *testing.T) {
	c := New(Meta{})
	c.Set("a", tensor.New(tensor.Float32, 1))
	c.Set("b", tensor.New(tensor.Float32, 1))
	c.Set("a", tensor.FromFloat32s([]float32{9}, 1))

	assert.Equal(t, []string{"a", "b"}, c.Names())
	got, _ := c.Tensor("a")
	assert.Equal(t, []float32{9}, got.Float32s())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.ylck"))
	assert.Error(t, err)
}

func TestLoadRejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.ylck")
	require.NoError(t, os.WriteFile(path, []byte("PKZZ-not-a-checkpoint"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad magic")
}

func TestLoadRejectsFutureVersion(t *testing.T) {
	data := make([]byte, fixedHeaderLen)
	copy(data, Magic)
	binary.LittleEndian.PutUint16(data[4:], formatVersion+1)
	binary.LittleEndian.PutUint32(data[6:], 2)
	data = append(data, []byte("{}")...)

	path := filepath.Join(t.TempDir(), "future.ylck")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported checkpoint format version")
}

func TestLoadRejectsTruncated(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "full.ylck")
	require.NoError(t, testCheckpoint().Save(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	for _, cut := range []int{5, len(data) / 2, len(data) - 3} {
		short := filepath.Join(dir, "short.ylck")
		require.NoError(t, os.WriteFile(short, data[:cut], 0o644))
		_, err := Load(short)
		assert.Error(t, err, "truncated to %d bytes", cut)
	}
}

func TestLoadRejectsOverlappingIndex(t *testing.T) {
	// A hand-built metadata block whose second variable restarts at offset 0.
	meta := `{"variables":[` +
		`{"name":"a","dtype":"float32","dims":[1],"offset":0,"length":4},` +
		`{"name":"b","dtype":"float32","dims":[1],"offset":0,"length":4}]}`
	data := make([]byte, fixedHeaderLen)
	copy(data, Magic)
	binary.LittleEndian.PutUint16(data[4:], formatVersion)
	binary.LittleEndian.PutUint32(data[6:], uint32(len(meta)))
	data = append(data, meta...)
	data = append(data, make([]byte, 8)...)

	path := filepath.Join(t.TempDir(), "overlap.ylck")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "offset")
}
