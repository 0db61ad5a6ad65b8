package yolact

import (
	"fmt"
	"math"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/bfineran/yolact/onnx"
	"github.com/bfineran/yolact/tensor"
)

// Opset 11 is the floor for Resize with explicit output sizes, which the
// FPN and proto upsamples need.
const (
	graphIRVersion = 7
	graphOpset     = 11
)

// Graph emits the ONNX inference graph: one image input, the five
// detection tensors out, in the order loc, conf, mask, priors, proto.
// qat controls whether variables marked quantized get QuantizeLinear/
// DequantizeLinear pairs or export as plain float weights.
func (m *Model) Graph(batch, height, width int, qat bool) (*onnx.Model, error) {
	if batch < 1 {
		return nil, errors.Errorf("batch size %d, must be at least 1", batch)
	}
	if height != width {
		return nil, errors.Errorf("image shape %dx%d, the detection grid requires a square input", height, width)
	}
	if height < 1 {
		return nil, errors.Errorf("image size %d, must be positive", height)
	}

	cfg := m.cfg
	size := height
	b := &graphBuilder{
		m:     m,
		qat:   qat,
		batch: int64(batch),
		g:     &onnx.Graph{Name: cfg.Name},
		added: make(map[string]bool),
	}
	b.g.Inputs = []onnx.ValueInfo{{
		Name:  "image",
		DType: tensor.Float32,
		Dims:  onnx.FixedDims(batch, 3, height, width),
	}}

	var stages []string
	switch cfg.Backbone.Type {
	case ResNet:
		stages = b.resnet()
	case DarkNet:
		stages = b.darknet()
	default:
		exceptions.Panicf("config %s has unknown backbone type %q", cfg.Name, cfg.Backbone.Type)
	}

	grids := cfg.GridSizes(size)
	levels := b.fpn(stages, grids)
	proto := b.protoNet(levels[0], grids[0])

	var locs, confs, masks []string
	for i, lvl := range levels {
		loc, conf, mask := b.head(i, lvl, grids[i])
		locs = append(locs, loc)
		confs = append(confs, conf)
		masks = append(masks, mask)
	}
	loc := b.concat("loc", 1, locs...)
	conf := b.softmax("conf", b.concat("conf.scores", 1, confs...), 2)
	mask := b.concat("mask", 1, masks...)
	priors := b.identity("priors", b.constInit("prior_data", m.Priors(size)))

	numPriors := cfg.NumPriors(size)
	b.g.Outputs = []onnx.ValueInfo{
		{Name: loc, DType: tensor.Float32, Dims: onnx.FixedDims(batch, numPriors, 4)},
		{Name: conf, DType: tensor.Float32, Dims: onnx.FixedDims(batch, numPriors, cfg.NumClasses)},
		{Name: mask, DType: tensor.Float32, Dims: onnx.FixedDims(batch, numPriors, cfg.MaskDim)},
		{Name: priors, DType: tensor.Float32, Dims: onnx.FixedDims(numPriors, 4)},
		{Name: proto, DType: tensor.Float32, Dims: onnx.FixedDims(batch, 2*grids[0], 2*grids[0], cfg.MaskDim)},
	}

	return &onnx.Model{
		IRVersion:       graphIRVersion,
		OpsetVersion:    graphOpset,
		ProducerName:    "yolact",
		ProducerVersion: "1.0",
		Graph:           b.g,
	}, nil
}

type graphBuilder struct {
	m     *Model
	qat   bool
	batch int64
	g     *onnx.Graph
	added map[string]bool
}

// resnet emits the bottleneck stages and returns one feature name per stage.
func (b *graphBuilder) resnet() []string {
	x := b.conv("backbone.conv1", "image", 2, 3)
	x = b.relu(b.batchNorm("backbone.bn1", x))
	x = b.maxPool("backbone.pool", x, 3, 2, 1)
	var stages []string
	for stage, blocks := range b.m.cfg.Backbone.Blocks {
		for block := 0; block < blocks; block++ {
			p := fmt.Sprintf("backbone.layer%d.%d", stage, block)
			stride := 1
			if block == 0 && stage > 0 {
				stride = 2
			}
			identity := x
			out := b.relu(b.batchNorm(p+".bn1", b.conv(p+".conv1", x, 1, 0)))
			out = b.relu(b.batchNorm(p+".bn2", b.conv(p+".conv2", out, stride, 1)))
			out = b.batchNorm(p+".bn3", b.conv(p+".conv3", out, 1, 0))
			if block == 0 {
				identity = b.batchNorm(p+".downsample.bn", b.conv(p+".downsample.conv", x, stride, 0))
			}
			x = b.relu(b.add(p+".add", out, identity))
		}
		stages = append(stages, x)
	}
	return stages
}

// darknet emits DarkNet-53 stages. Residual adds here have no trailing
// activation, matching the original network.
func (b *graphBuilder) darknet() []string {
	x := b.leakyRelu(b.batchNorm("backbone.stem.bn", b.conv("backbone.stem.conv", "image", 1, 1)))
	var stages []string
	for stage, blocks := range b.m.cfg.Backbone.Blocks {
		p := fmt.Sprintf("backbone.layer%d", stage)
		x = b.leakyRelu(b.batchNorm(p+".down.bn", b.conv(p+".down.conv", x, 2, 1)))
		for block := 0; block < blocks; block++ {
			bp := fmt.Sprintf("%s.%d", p, block)
			out := b.leakyRelu(b.batchNorm(bp+".bn1", b.conv(bp+".conv1", x, 1, 0)))
			out = b.leakyRelu(b.batchNorm(bp+".bn2", b.conv(bp+".conv2", out, 1, 1)))
			x = b.add(bp+".add", out, x)
		}
		stages = append(stages, x)
	}
	return stages
}

// fpn merges the selected backbone stages top-down, then appends the
// stride-2 downsample levels off the deepest prediction output.
func (b *graphBuilder) fpn(stages []string, grids []int) []string {
	cfg := b.m.cfg
	selected := cfg.Backbone.SelectedLayers
	n := len(selected)
	f := int64(cfg.FPN.NumFeatures)

	levels := make([]string, n)
	x := b.conv(fmt.Sprintf("fpn.lat.%d", n-1), stages[selected[n-1]], 1, 0)
	levels[n-1] = x
	for i := n - 2; i >= 0; i-- {
		up := b.resize(fmt.Sprintf("fpn.up.%d", i), x,
			[]int64{b.batch, f, int64(grids[i]), int64(grids[i])})
		lat := b.conv(fmt.Sprintf("fpn.lat.%d", i), stages[selected[i]], 1, 0)
		x = b.add(fmt.Sprintf("fpn.add.%d", i), lat, up)
		levels[i] = x
	}
	for i := range levels {
		levels[i] = b.relu(b.conv(fmt.Sprintf("fpn.pred.%d", i), levels[i], 1, 1))
	}
	for i := 0; i < cfg.FPN.NumDownsample; i++ {
		levels = append(levels, b.conv(fmt.Sprintf("fpn.down.%d", i), levels[len(levels)-1], 2, 1))
	}
	return levels
}

// protoNet emits the mask prototype branch off the shallowest pyramid
// level and returns the NHWC-permuted proto output.
func (b *graphBuilder) protoNet(p3 string, grid int) string {
	x := p3
	for i := 0; i < 3; i++ {
		x = b.relu(b.conv(fmt.Sprintf("proto.%d", i), x, 1, 1))
	}
	ch := int64(b.weightDims("proto.3.weight")[1])
	x = b.resize("proto.up", x, []int64{b.batch, ch, int64(2 * grid), int64(2 * grid)})
	x = b.relu(b.conv("proto.3", x, 1, 1))
	x = b.relu(b.conv("proto.4", x, 1, 0))
	return b.transpose("proto", x, 0, 2, 3, 1)
}

// head applies the shared prediction head to one pyramid level.
func (b *graphBuilder) head(level int, in string, grid int) (loc, conf, mask string) {
	cfg := b.m.cfg
	p := fmt.Sprintf("head.p%d", level)
	n := int64(grid * grid * cfg.PriorsPerCell(level))

	u := b.relu(b.convAs(p+".up", "head.upfeature", in, 1, 1))

	loc = b.convAs(p+".bbox", "head.bbox", u, 1, 1)
	loc = b.transpose(p+".bbox.perm", loc, 0, 2, 3, 1)
	loc = b.reshape(p+".bbox.view", loc, []int64{b.batch, n, 4})

	conf = b.convAs(p+".conf", "head.conf", u, 1, 1)
	conf = b.transpose(p+".conf.perm", conf, 0, 2, 3, 1)
	conf = b.reshape(p+".conf.view", conf, []int64{b.batch, n, int64(cfg.NumClasses)})

	mask = b.convAs(p+".mask", "head.mask", u, 1, 1)
	mask = b.transpose(p+".mask.perm", mask, 0, 2, 3, 1)
	mask = b.reshape(p+".mask.view", mask, []int64{b.batch, n, int64(cfg.MaskDim)})
	mask = b.tanh(p+".mask.tanh", mask)
	return loc, conf, mask
}

func (b *graphBuilder) node(name, op string, inputs, outputs []string, attrs ...onnx.Attr) {
	b.g.Nodes = append(b.g.Nodes, onnx.Node{
		Name:    name,
		OpType:  op,
		Inputs:  inputs,
		Outputs: outputs,
		Attrs:   attrs,
	})
}

func (b *graphBuilder) constInit(name string, t *tensor.Tensor) string {
	if b.added[name] {
		exceptions.Panicf("initializer %s added twice", name)
	}
	b.added[name] = true
	b.g.Initializers = append(b.g.Initializers, onnx.Initializer{Name: name, Tensor: t})
	return name
}

// param registers a model variable as an initializer, once, and returns
// the tensor name nodes should consume. Quantized 4-d weights get a
// QuantizeLinear/DequantizeLinear pair under QAT emission, so consumers
// read the dequantized name instead of the raw weight.
func (b *graphBuilder) param(name string) string {
	v, ok := b.m.Var(name)
	if !ok {
		exceptions.Panicf("graph references undeclared variable %s", name)
	}
	qdq := b.qat && v.Quantized && len(v.Tensor.Dims()) == 4
	out := name
	if qdq {
		out = name + ".dq"
	}
	if b.added[name] {
		return out
	}
	b.added[name] = true
	b.g.Initializers = append(b.g.Initializers, onnx.Initializer{Name: name, Tensor: v.Tensor})
	if qdq {
		scale := b.constInit(name+".scale", tensor.FromFloat32s([]float32{quantScale(v.Tensor)}))
		zero := b.constInit(name+".zero_point", tensor.New(tensor.Int8))
		b.node(name+".quant", "QuantizeLinear", []string{name, scale, zero}, []string{name + ".q"})
		b.node(name+".dequant", "DequantizeLinear", []string{name + ".q", scale, zero}, []string{name + ".dq"})
	}
	return out
}

// quantScale returns the symmetric int8 scale for a weight. An all-zero
// weight quantizes with unit scale.
func quantScale(t *tensor.Tensor) float32 {
	var maxAbs float32
	for _, v := range t.Float32s() {
		if a := float32(math.Abs(float64(v))); a > maxAbs {
			maxAbs = a
		}
	}
	if maxAbs == 0 {
		maxAbs = 127
	}
	return maxAbs / 127
}

func (b *graphBuilder) weightDims(name string) []int {
	v, ok := b.m.Var(name)
	if !ok {
		exceptions.Panicf("graph references undeclared variable %s", name)
	}
	return v.Tensor.Dims()
}

func (b *graphBuilder) convAs(name, weights, in string, stride, pad int) string {
	inputs := []string{in, b.param(weights + ".weight")}
	if _, ok := b.m.Var(weights + ".bias"); ok {
		inputs = append(inputs, b.param(weights+".bias"))
	}
	k := int64(b.weightDims(weights + ".weight")[2])
	s, p := int64(stride), int64(pad)
	b.node(name, "Conv", inputs, []string{name},
		onnx.IntsAttr("kernel_shape", k, k),
		onnx.IntsAttr("strides", s, s),
		onnx.IntsAttr("pads", p, p, p, p))
	return name
}

func (b *graphBuilder) conv(prefix, in string, stride, pad int) string {
	return b.convAs(prefix, prefix, in, stride, pad)
}

func (b *graphBuilder) batchNorm(prefix, in string) string {
	b.node(prefix, "BatchNormalization",
		[]string{
			in,
			b.param(prefix + ".weight"),
			b.param(prefix + ".bias"),
			b.param(prefix + ".running_mean"),
			b.param(prefix + ".running_var"),
		},
		[]string{prefix},
		onnx.FloatAttr("epsilon", 1e-5))
	return prefix
}

func (b *graphBuilder) relu(in string) string {
	out := in + ".relu"
	b.node(out, "Relu", []string{in}, []string{out})
	return out
}

func (b *graphBuilder) leakyRelu(in string) string {
	out := in + ".lrelu"
	b.node(out, "LeakyRelu", []string{in}, []string{out}, onnx.FloatAttr("alpha", 0.1))
	return out
}

func (b *graphBuilder) maxPool(name, in string, kernel, stride, pad int) string {
	k, s, p := int64(kernel), int64(stride), int64(pad)
	b.node(name, "MaxPool", []string{in}, []string{name},
		onnx.IntsAttr("kernel_shape", k, k),
		onnx.IntsAttr("strides", s, s),
		onnx.IntsAttr("pads", p, p, p, p))
	return name
}

func (b *graphBuilder) add(name, x, y string) string {
	b.node(name, "Add", []string{x, y}, []string{name})
	return name
}

// resize emits a bilinear Resize to an explicit output size. The empty
// input names are the unused roi and scales slots.
func (b *graphBuilder) resize(name, in string, sizes []int64) string {
	sz := b.constInit(name+".sizes", tensor.FromInt64s(sizes, len(sizes)))
	b.node(name, "Resize", []string{in, "", "", sz}, []string{name},
		onnx.StringAttr("coordinate_transformation_mode", "pytorch_half_pixel"),
		onnx.StringAttr("mode", "linear"))
	return name
}

func (b *graphBuilder) transpose(name, in string, perm ...int64) string {
	b.node(name, "Transpose", []string{in}, []string{name}, onnx.IntsAttr("perm", perm...))
	return name
}

func (b *graphBuilder) reshape(name, in string, shape []int64) string {
	sh := b.constInit(name+".shape", tensor.FromInt64s(shape, len(shape)))
	b.node(name, "Reshape", []string{in, sh}, []string{name})
	return name
}

func (b *graphBuilder) concat(name string, axis int64, ins ...string) string {
	b.node(name, "Concat", ins, []string{name}, onnx.IntAttr("axis", axis))
	return name
}

func (b *graphBuilder) softmax(name, in string, axis int64) string {
	b.node(name, "Softmax", []string{in}, []string{name}, onnx.IntAttr("axis", axis))
	return name
}

func (b *graphBuilder) tanh(name, in string) string {
	b.node(name, "Tanh", []string{in}, []string{name})
	return name
}

func (b *graphBuilder) identity(name, in string) string {
	b.node(name, "Identity", []string{in}, []string{name})
	return name
}
