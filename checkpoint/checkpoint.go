// Package checkpoint reads and writes trained Yolact weights as a single
// self-describing file: a fixed header, a JSON metadata block carrying the
// variable index, and one raw little-endian payload blob.
package checkpoint

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/bfineran/yolact/tensor"
)

// Magic opens every checkpoint file; sniffing it tells a checkpoint apart
// from other model artifacts.
const Magic = "YLCK"

const (
	formatVersion = 1

	// Magic (4) + version (u16) + metadata length (u32).
	fixedHeaderLen = 10
)

// Meta is the training state stored alongside the weights.
type Meta struct {
	// Config names the model architecture the weights belong to,
	// e.g. "yolact_base_config".
	Config     string `json:"config,omitempty"`
	Epoch      int    `json:"epoch"`
	GlobalStep int64  `json:"global_step"`

	// Recipe is the sparsification recipe YAML the weights were trained
	// with, empty for dense training.
	Recipe string            `json:"recipe,omitempty"`
	Params map[string]string `json:"params,omitempty"`
}

type varEntry struct {
	Name   string `json:"name"`
	DType  string `json:"dtype"`
	Dims   []int  `json:"dims"`
	Offset int64  `json:"offset"`
	Length int64  `json:"length"`
}

type fileMeta struct {
	Meta
	Variables []varEntry `json:"variables"`
}

// Checkpoint holds named tensors in insertion order plus training metadata.
// It is either built up with Set before Save, or fully populated by Load.
type Checkpoint struct {
	Meta Meta

	names   []string
	tensors map[string]*tensor.Tensor
}

// New returns an empty checkpoint carrying meta.
func New(meta Meta) *Checkpoint {
	return &Checkpoint{Meta: meta, tensors: make(map[string]*tensor.Tensor)}
}

// Set stores t under name. Overwriting keeps the original position in the
// variable order.
func (c *Checkpoint) Set(name string, t *tensor.Tensor) {
	if _, ok := c.tensors[name]; !ok {
		c.names = append(c.names, name)
	}
	c.tensors[name] = t
}

// Tensor returns the tensor stored under name.
func (c *Checkpoint) Tensor(name string) (*tensor.Tensor, bool) {
	t, ok := c.tensors[name]
	return t, ok
}

// Names returns the variable names in the order they were stored.
func (c *Checkpoint) Names() []string {
	out := make([]string, len(c.names))
	copy(out, c.names)
	return out
}

// NumTensors returns the number of stored variables.
func (c *Checkpoint) NumTensors() int { return len(c.names) }

// TotalBytes returns the payload size of all stored tensors.
func (c *Checkpoint) TotalBytes() int64 {
	var n int64
	for _, t := range c.tensors {
		n += int64(t.Memory())
	}
	return n
}

// Save writes the checkpoint to path. The file is assembled in a temporary
// sibling and renamed into place so a crashed save never leaves a torn file
// behind.
func (c *Checkpoint) Save(path string) error {
	meta := fileMeta{Meta: c.Meta}
	var offset int64
	for _, name := range c.names {
		t := c.tensors[name]
		length := int64(t.Memory())
		meta.Variables = append(meta.Variables, varEntry{
			Name:   name,
			DType:  t.DType().String(),
			Dims:   t.Dims(),
			Offset: offset,
			Length: length,
		})
		offset += length
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return errors.Wrapf(err, "encoding checkpoint metadata for %s", path)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrapf(err, "creating checkpoint file for %s", path)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	header := make([]byte, fixedHeaderLen)
	copy(header, Magic)
	binary.LittleEndian.PutUint16(header[4:], formatVersion)
	binary.LittleEndian.PutUint32(header[6:], uint32(len(metaBytes)))
	if _, err := w.Write(header); err != nil {
		return errors.Wrapf(err, "writing checkpoint %s", path)
	}
	if _, err := w.Write(metaBytes); err != nil {
		return errors.Wrapf(err, "writing checkpoint %s", path)
	}
	for _, name := range c.names {
		if _, err := w.Write(c.tensors[name].Data()); err != nil {
			return errors.Wrapf(err, "writing checkpoint %s", path)
		}
	}
	if err := w.Flush(); err != nil {
		return errors.Wrapf(err, "writing checkpoint %s", path)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "closing checkpoint %s", path)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrapf(err, "moving checkpoint into place at %s", path)
	}
	return nil
}

// Load reads the checkpoint at path. On any error the returned checkpoint is
// nil, never partially populated.
func Load(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading checkpoint %s", path)
	}
	c, err := decode(data)
	if err != nil {
		return nil, errors.WithMessagef(err, "checkpoint %s", path)
	}
	return c, nil
}

func decode(data []byte) (*Checkpoint, error) {
	if len(data) < fixedHeaderLen {
		return nil, errors.Errorf("file is %d bytes, too short for a checkpoint header", len(data))
	}
	if string(data[:4]) != Magic {
		return nil, errors.New("not a checkpoint file (bad magic)")
	}
	if v := binary.LittleEndian.Uint16(data[4:]); v != formatVersion {
		return nil, errors.Errorf("unsupported checkpoint format version %d (expected %d)", v, formatVersion)
	}
	metaLen := int64(binary.LittleEndian.Uint32(data[6:]))
	if fixedHeaderLen+metaLen > int64(len(data)) {
		return nil, errors.Errorf("metadata block of %d bytes overruns the file", metaLen)
	}
	var meta fileMeta
	if err := json.Unmarshal(data[fixedHeaderLen:fixedHeaderLen+metaLen], &meta); err != nil {
		return nil, errors.Wrap(err, "decoding checkpoint metadata")
	}

	blob := data[fixedHeaderLen+metaLen:]
	c := New(meta.Meta)
	var offset int64
	for _, v := range meta.Variables {
		if v.Offset != offset {
			return nil, errors.Errorf("variable %q starts at offset %d, expected %d", v.Name, v.Offset, offset)
		}
		if v.Offset+v.Length > int64(len(blob)) {
			return nil, errors.Errorf("variable %q overruns the payload", v.Name)
		}
		dtype, err := tensor.DTypeFromString(v.DType)
		if err != nil {
			return nil, errors.WithMessagef(err, "variable %q", v.Name)
		}
		t, err := tensor.NewFromBytes(dtype, blob[v.Offset:v.Offset+v.Length], v.Dims...)
		if err != nil {
			return nil, errors.WithMessagef(err, "variable %q", v.Name)
		}
		c.Set(v.Name, t)
		offset += v.Length
	}
	if offset != int64(len(blob)) {
		return nil, errors.Errorf("payload is %d bytes, variable index accounts for %d", len(blob), offset)
	}
	return c, nil
}
