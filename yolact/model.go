package yolact

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/bfineran/yolact/checkpoint"
	"github.com/bfineran/yolact/tensor"
)

// Variable is one named parameter of a model.
type Variable struct {
	Name   string
	Tensor *tensor.Tensor
	// Quantized marks the variable for QDQ emission in the export graph.
	Quantized bool
}

// Model is a Yolact variable manifest: every parameter the architecture
// defines, in a deterministic order, zero-initialized until a checkpoint is
// loaded into it.
type Model struct {
	cfg    *Config
	vars   []*Variable
	byName map[string]*Variable
}

// New builds the variable manifest for cfg.
func New(cfg *Config) *Model {
	m := &Model{cfg: cfg, byName: make(map[string]*Variable)}
	switch cfg.Backbone.Type {
	case ResNet:
		m.buildResNet()
	case DarkNet:
		m.buildDarkNet()
	default:
		exceptions.Panicf("config %s has unknown backbone type %q", cfg.Name, cfg.Backbone.Type)
	}
	m.buildFPN()
	m.buildProtoNet()
	m.buildHead()
	m.addConv("segm", cfg.NumClasses-1, cfg.FPN.NumFeatures, 1)
	return m
}

// Config returns the architecture the manifest was built from.
func (m *Model) Config() *Config { return m.cfg }

// Variables returns the manifest in declaration order.
func (m *Model) Variables() []*Variable { return m.vars }

// Var looks up a variable by name.
func (m *Model) Var(name string) (*Variable, bool) {
	v, ok := m.byName[name]
	return v, ok
}

// NumParams returns the total element count across all variables.
func (m *Model) NumParams() int64 {
	var n int64
	for _, v := range m.vars {
		n += int64(v.Tensor.NumElements())
	}
	return n
}

// Sparsity returns the zero fraction across all convolution weights.
func (m *Model) Sparsity() float64 {
	var zeros, total float64
	for _, name := range m.PrunableParams() {
		t := m.byName[name].Tensor
		n := float64(t.NumElements())
		zeros += t.Sparsity() * n
		total += n
	}
	if total == 0 {
		return 0
	}
	return zeros / total
}

// PrunableParams returns the names of all convolution kernels, in manifest
// order. These are the parameters a pruning modifier may target.
func (m *Model) PrunableParams() []string {
	var names []string
	for _, v := range m.vars {
		if len(v.Tensor.Dims()) == 4 && strings.HasSuffix(v.Name, ".weight") {
			names = append(names, v.Name)
		}
	}
	return names
}

// Param returns the tensor behind a named parameter.
func (m *Model) Param(name string) (*tensor.Tensor, bool) {
	v, ok := m.byName[name]
	if !ok {
		return nil, false
	}
	return v.Tensor, true
}

// MarkQuantized flags every variable under the named submodule for QDQ
// emission. An empty submodule marks the whole model. Returns the number
// of variables matched; marking an already-marked variable still counts.
func (m *Model) MarkQuantized(submodule string) int {
	matched := 0
	for _, v := range m.vars {
		if submodule != "" && v.Name != submodule && !strings.HasPrefix(v.Name, submodule+".") {
			continue
		}
		v.Quantized = true
		matched++
	}
	return matched
}

// LoadStateDict assigns checkpoint tensors to manifest variables by name.
// Matching is strict: a missing manifest name, an extra checkpoint name, or
// a shape mismatch fails the whole load, naming every offender.
func (m *Model) LoadStateDict(ckpt *checkpoint.Checkpoint) error {
	var missing, unexpected, mismatched []string
	for _, name := range ckpt.Names() {
		if _, ok := m.byName[name]; !ok {
			unexpected = append(unexpected, name)
		}
	}
	for _, v := range m.vars {
		t, ok := ckpt.Tensor(v.Name)
		if !ok {
			missing = append(missing, v.Name)
			continue
		}
		if !t.SameShape(v.Tensor) {
			mismatched = append(mismatched,
				fmt.Sprintf("%s (checkpoint %s, model %s)", v.Name, t, v.Tensor))
		}
	}
	if len(missing)+len(unexpected)+len(mismatched) > 0 {
		var parts []string
		if len(missing) > 0 {
			parts = append(parts, "missing: "+strings.Join(missing, ", "))
		}
		if len(unexpected) > 0 {
			parts = append(parts, "unexpected: "+strings.Join(unexpected, ", "))
		}
		if len(mismatched) > 0 {
			parts = append(parts, "shape mismatch: "+strings.Join(mismatched, ", "))
		}
		return errors.Errorf("state dict does not match %s: %s", m.cfg.Name, strings.Join(parts, "; "))
	}
	for _, v := range m.vars {
		t, _ := ckpt.Tensor(v.Name)
		v.Tensor = t
	}
	return nil
}

// StateDict snapshots the model into a checkpoint carrying meta.
func (m *Model) StateDict(meta checkpoint.Meta) *checkpoint.Checkpoint {
	if meta.Config == "" {
		meta.Config = m.cfg.Name
	}
	ckpt := checkpoint.New(meta)
	for _, v := range m.vars {
		ckpt.Set(v.Name, v.Tensor)
	}
	return ckpt
}

func (m *Model) add(name string, dims ...int) {
	if _, ok := m.byName[name]; ok {
		exceptions.Panicf("duplicate variable %s in %s manifest", name, m.cfg.Name)
	}
	v := &Variable{Name: name, Tensor: tensor.New(tensor.Float32, dims...)}
	m.vars = append(m.vars, v)
	m.byName[name] = v
}

// addConv adds a convolution weight and bias pair.
func (m *Model) addConv(prefix string, out, in, kernel int) {
	m.add(prefix+".weight", out, in, kernel, kernel)
	m.add(prefix+".bias", out)
}

// addBN adds the four batch-norm parameters.
func (m *Model) addBN(prefix string, channels int) {
	m.add(prefix+".weight", channels)
	m.add(prefix+".bias", channels)
	m.add(prefix+".running_mean", channels)
	m.add(prefix+".running_var", channels)
}

// stageChannels returns the output channel count of backbone stage i.
func (m *Model) stageChannels(i int) int {
	switch m.cfg.Backbone.Type {
	case ResNet:
		return 256 << i
	default:
		return 64 << i
	}
}

// buildResNet lays out a bottleneck ResNet: a 7x7 stem then stages of
// 1x1/3x3/1x1 blocks with 4x expansion, stride 2 entering every stage but
// the first.
func (m *Model) buildResNet() {
	m.add("backbone.conv1.weight", 64, 3, 7, 7)
	m.addBN("backbone.bn1", 64)
	in := 64
	for stage, blocks := range m.cfg.Backbone.Blocks {
		planes := 64 << stage
		out := planes * 4
		for block := 0; block < blocks; block++ {
			p := fmt.Sprintf("backbone.layer%d.%d", stage, block)
			m.add(p+".conv1.weight", planes, in, 1, 1)
			m.addBN(p+".bn1", planes)
			m.add(p+".conv2.weight", planes, planes, 3, 3)
			m.addBN(p+".bn2", planes)
			m.add(p+".conv3.weight", out, planes, 1, 1)
			m.addBN(p+".bn3", out)
			if block == 0 {
				m.add(p+".downsample.conv.weight", out, in, 1, 1)
				m.addBN(p+".downsample.bn", out)
			}
			in = out
		}
	}
}

// buildDarkNet lays out DarkNet-53: a 3x3 stem then stages opened by a
// stride-2 3x3 and filled with 1x1-reduce / 3x3-expand residual blocks.
func (m *Model) buildDarkNet() {
	m.add("backbone.stem.conv.weight", 32, 3, 3, 3)
	m.addBN("backbone.stem.bn", 32)
	in := 32
	for stage, blocks := range m.cfg.Backbone.Blocks {
		out := 64 << stage
		m.add(fmt.Sprintf("backbone.layer%d.down.conv.weight", stage), out, in, 3, 3)
		m.addBN(fmt.Sprintf("backbone.layer%d.down.bn", stage), out)
		for block := 0; block < blocks; block++ {
			p := fmt.Sprintf("backbone.layer%d.%d", stage, block)
			m.add(p+".conv1.weight", out/2, out, 1, 1)
			m.addBN(p+".bn1", out/2)
			m.add(p+".conv2.weight", out, out/2, 3, 3)
			m.addBN(p+".bn2", out)
		}
		in = out
	}
}

func (m *Model) buildFPN() {
	f := m.cfg.FPN.NumFeatures
	for i, layer := range m.cfg.Backbone.SelectedLayers {
		m.addConv(fmt.Sprintf("fpn.lat.%d", i), f, m.stageChannels(layer), 1)
	}
	for i := range m.cfg.Backbone.SelectedLayers {
		m.addConv(fmt.Sprintf("fpn.pred.%d", i), f, f, 3)
	}
	for i := 0; i < m.cfg.FPN.NumDownsample; i++ {
		m.addConv(fmt.Sprintf("fpn.down.%d", i), f, f, 3)
	}
}

// buildProtoNet lays out the mask prototype branch: three 3x3 convs, a 2x
// upsample, one more 3x3, then the 1x1 projection to MaskDim channels.
func (m *Model) buildProtoNet() {
	f := m.cfg.FPN.NumFeatures
	for i := 0; i < 4; i++ {
		m.addConv(fmt.Sprintf("proto.%d", i), 256, f, 3)
		f = 256
	}
	m.addConv("proto.4", m.cfg.MaskDim, 256, 1)
}

// buildHead lays out the prediction head shared across pyramid levels.
func (m *Model) buildHead() {
	f := m.cfg.FPN.NumFeatures
	ppc := m.cfg.PriorsPerCell(0)
	m.addConv("head.upfeature", f, f, 3)
	m.addConv("head.bbox", ppc*4, f, 3)
	m.addConv("head.conf", ppc*m.cfg.NumClasses, f, 3)
	m.addConv("head.mask", ppc*m.cfg.MaskDim, f, 3)
}
