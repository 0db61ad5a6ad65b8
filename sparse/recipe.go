package sparse

import (
	"bytes"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// AllPrunable selects every prunable parameter in the model.
const AllPrunable = "__ALL_PRUNABLE__"

// regexSelectorPrefix marks a params entry as a regular expression over
// parameter names.
const regexSelectorPrefix = "re:"

// Modifier is a single schedule entry in a sparsification recipe. Concrete
// modifier types are selected by the YAML tag on their recipe entry.
type Modifier interface {
	// Window reports the epoch range the modifier is active over. end is
	// -1 for modifiers that do not carry an end epoch.
	Window() (start, end float64)

	tag() string
	validate() error
}

const (
	epochRangeTag   = "!EpochRangeModifier"
	gmPruningTag    = "!GMPruningModifier"
	setLRTag        = "!SetLearningRateModifier"
	learningRateTag = "!LearningRateModifier"
	quantizationTag = "!QuantizationModifier"
)

// modifierFactories builds each modifier type with its field defaults
// applied, so decoding only overwrites what the recipe sets.
var modifierFactories = map[string]func() Modifier{
	epochRangeTag: func() Modifier { return &EpochRangeModifier{} },
	gmPruningTag: func() Modifier {
		return &GMPruningModifier{LeaveEnabled: true, MaskType: "unstructured"}
	},
	setLRTag: func() Modifier { return &SetLearningRateModifier{} },
	learningRateTag: func() Modifier {
		return &LearningRateModifier{EndEpoch: -1}
	},
	quantizationTag: func() Modifier {
		return &QuantizationModifier{
			DisableQuantizationObserverEpoch: -1,
			FreezeBNStatsEpoch:               -1,
		}
	},
}

func knownModifierTags() []string {
	tags := make([]string, 0, len(modifierFactories))
	for tag := range modifierFactories {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// EpochRangeModifier declares how many epochs the schedule runs for.
type EpochRangeModifier struct {
	StartEpoch float64 `yaml:"start_epoch"`
	EndEpoch   float64 `yaml:"end_epoch"`
}

func (m *EpochRangeModifier) Window() (float64, float64) { return m.StartEpoch, m.EndEpoch }
func (m *EpochRangeModifier) tag() string                { return epochRangeTag }

func (m *EpochRangeModifier) validate() error {
	if m.StartEpoch < 0 {
		return errors.Errorf("EpochRangeModifier: start_epoch must be non-negative, got %v", m.StartEpoch)
	}
	if m.EndEpoch <= m.StartEpoch {
		return errors.Errorf("EpochRangeModifier: end_epoch %v must be after start_epoch %v",
			m.EndEpoch, m.StartEpoch)
	}
	return nil
}

// ParamSelector names the parameters a pruning modifier targets: literal
// parameter names, "re:"-prefixed regular expressions, or AllPrunable. It
// decodes from either a single YAML scalar or a list.
type ParamSelector []string

func (p *ParamSelector) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*p = ParamSelector{node.Value}
		return nil
	case yaml.SequenceNode:
		var names []string
		if err := node.Decode(&names); err != nil {
			return err
		}
		*p = ParamSelector(names)
		return nil
	}
	return errors.New("params must be a parameter name or a list of names")
}

func (p ParamSelector) MarshalYAML() (any, error) {
	if len(p) == 1 {
		return p[0], nil
	}
	return []string(p), nil
}

// GMPruningModifier prunes the selected parameters by magnitude, ramping
// from init_sparsity at start_epoch to final_sparsity at end_epoch.
type GMPruningModifier struct {
	Params          ParamSelector `yaml:"params"`
	InitSparsity    float64       `yaml:"init_sparsity"`
	FinalSparsity   float64       `yaml:"final_sparsity"`
	StartEpoch      float64       `yaml:"start_epoch"`
	EndEpoch        float64       `yaml:"end_epoch"`
	UpdateFrequency float64       `yaml:"update_frequency"`
	LeaveEnabled    bool          `yaml:"leave_enabled"`
	MaskType        string        `yaml:"mask_type"`
}

func (m *GMPruningModifier) Window() (float64, float64) { return m.StartEpoch, m.EndEpoch }
func (m *GMPruningModifier) tag() string                { return gmPruningTag }

func (m *GMPruningModifier) validate() error {
	if len(m.Params) == 0 {
		return errors.New("GMPruningModifier: params is required")
	}
	if m.InitSparsity < 0 || m.FinalSparsity >= 1 || m.InitSparsity >= m.FinalSparsity {
		return errors.Errorf(
			"GMPruningModifier: sparsity must satisfy 0 <= init < final < 1, got init %v final %v",
			m.InitSparsity, m.FinalSparsity)
	}
	if m.EndEpoch <= m.StartEpoch {
		return errors.Errorf("GMPruningModifier: end_epoch %v must be after start_epoch %v",
			m.EndEpoch, m.StartEpoch)
	}
	if m.UpdateFrequency <= 0 && m.UpdateFrequency != -1 {
		return errors.Errorf("GMPruningModifier: update_frequency must be positive or -1, got %v",
			m.UpdateFrequency)
	}
	if m.MaskType != "unstructured" {
		return errors.Errorf("GMPruningModifier: unsupported mask_type %q", m.MaskType)
	}
	return nil
}

// Sparsity returns the scheduled sparsity at epoch: zero before start_epoch,
// final_sparsity from end_epoch on, and a cubic ramp in between. The ramp is
// stepped at update_frequency epochs so sparsity changes in discrete jumps.
func (m *GMPruningModifier) Sparsity(epoch float64) float64 {
	if epoch < m.StartEpoch {
		return 0
	}
	if epoch >= m.EndEpoch {
		return m.FinalSparsity
	}
	elapsed := epoch - m.StartEpoch
	if m.UpdateFrequency > 0 {
		elapsed = math.Floor(elapsed/m.UpdateFrequency) * m.UpdateFrequency
	}
	t := elapsed / (m.EndEpoch - m.StartEpoch)
	ramp := 1 - math.Pow(1-t, 3)
	return m.InitSparsity + (m.FinalSparsity-m.InitSparsity)*ramp
}

// SetLearningRateModifier pins the learning rate to a constant from
// start_epoch on, until a later LR modifier takes over.
type SetLearningRateModifier struct {
	StartEpoch   float64 `yaml:"start_epoch"`
	LearningRate float64 `yaml:"learning_rate"`
}

func (m *SetLearningRateModifier) Window() (float64, float64) { return m.StartEpoch, -1 }
func (m *SetLearningRateModifier) tag() string                { return setLRTag }

func (m *SetLearningRateModifier) validate() error {
	if m.LearningRate <= 0 {
		return errors.Errorf("SetLearningRateModifier: learning_rate must be positive, got %v",
			m.LearningRate)
	}
	return nil
}

// LRKwargs parameterizes a LearningRateModifier's schedule class.
type LRKwargs struct {
	Gamma      float64   `yaml:"gamma"`
	Milestones []float64 `yaml:"milestones,omitempty"`
}

// LearningRateModifier drives the learning rate with a decay schedule from
// start_epoch on. Milestones are absolute epochs, not offsets from the start.
type LearningRateModifier struct {
	LRClass    string   `yaml:"lr_class"`
	LRKwargs   LRKwargs `yaml:"lr_kwargs"`
	InitLR     float64  `yaml:"init_lr"`
	StartEpoch float64  `yaml:"start_epoch"`
	EndEpoch   float64  `yaml:"end_epoch"`
}

const (
	multiStepLR   = "MultiStepLR"
	exponentialLR = "ExponentialLR"
)

func (m *LearningRateModifier) Window() (float64, float64) { return m.StartEpoch, m.EndEpoch }
func (m *LearningRateModifier) tag() string                { return learningRateTag }

func (m *LearningRateModifier) validate() error {
	switch m.LRClass {
	case multiStepLR:
		if len(m.LRKwargs.Milestones) == 0 {
			return errors.New("LearningRateModifier: MultiStepLR requires lr_kwargs.milestones")
		}
	case exponentialLR:
	default:
		return errors.Errorf("LearningRateModifier: unknown lr_class %q (known: %s, %s)",
			m.LRClass, exponentialLR, multiStepLR)
	}
	if m.LRKwargs.Gamma <= 0 {
		return errors.Errorf("LearningRateModifier: lr_kwargs.gamma must be positive, got %v",
			m.LRKwargs.Gamma)
	}
	if m.InitLR <= 0 {
		return errors.Errorf("LearningRateModifier: init_lr must be positive, got %v", m.InitLR)
	}
	if m.EndEpoch >= 0 && m.EndEpoch <= m.StartEpoch {
		return errors.Errorf("LearningRateModifier: end_epoch %v must be after start_epoch %v",
			m.EndEpoch, m.StartEpoch)
	}
	return nil
}

// LearningRate returns the scheduled rate at epoch. Past end_epoch the rate
// freezes at its final value.
func (m *LearningRateModifier) LearningRate(epoch float64) float64 {
	if m.EndEpoch >= 0 && epoch > m.EndEpoch {
		epoch = m.EndEpoch
	}
	switch m.LRClass {
	case multiStepLR:
		lr := m.InitLR
		for _, milestone := range m.LRKwargs.Milestones {
			if epoch >= milestone {
				lr *= m.LRKwargs.Gamma
			}
		}
		return lr
	case exponentialLR:
		decays := math.Floor(epoch - m.StartEpoch)
		if decays < 0 {
			decays = 0
		}
		return m.InitLR * math.Pow(m.LRKwargs.Gamma, decays)
	}
	return m.InitLR
}

// QuantizationModifier switches the named submodules (or the whole model
// when none are named) to quantization-aware training at start_epoch.
type QuantizationModifier struct {
	StartEpoch                       float64  `yaml:"start_epoch"`
	Submodules                       []string `yaml:"submodules,omitempty"`
	DisableQuantizationObserverEpoch float64  `yaml:"disable_quantization_observer_epoch"`
	FreezeBNStatsEpoch               float64  `yaml:"freeze_bn_stats_epoch"`
}

func (m *QuantizationModifier) Window() (float64, float64) { return m.StartEpoch, -1 }
func (m *QuantizationModifier) tag() string                { return quantizationTag }

func (m *QuantizationModifier) validate() error {
	if m.StartEpoch < 0 {
		return errors.Errorf("QuantizationModifier: start_epoch must be non-negative, got %v",
			m.StartEpoch)
	}
	if m.DisableQuantizationObserverEpoch >= 0 && m.DisableQuantizationObserverEpoch < m.StartEpoch {
		return errors.Errorf(
			"QuantizationModifier: disable_quantization_observer_epoch %v is before start_epoch %v",
			m.DisableQuantizationObserverEpoch, m.StartEpoch)
	}
	if m.FreezeBNStatsEpoch >= 0 && m.FreezeBNStatsEpoch < m.StartEpoch {
		return errors.Errorf("QuantizationModifier: freeze_bn_stats_epoch %v is before start_epoch %v",
			m.FreezeBNStatsEpoch, m.StartEpoch)
	}
	return nil
}

// Recipe is a parsed sparsification recipe: a version string, named scalar
// variables, and the modifier list. Variables exist so recipes can derive
// epochs from a handful of knobs via eval() expressions; by the time a
// Recipe exists they are already folded into the modifier fields.
type Recipe struct {
	Version   string
	Variables map[string]float64
	Modifiers []Modifier

	varOrder []string
}

// ParseRecipe decodes recipe YAML. Top-level scalar keys other than
// "version" and "modifiers" are variables, resolved in declaration order so
// later variables can eval() earlier ones. eval() strings anywhere under
// modifiers are then evaluated against the variables before the typed
// decode, which rejects unknown fields.
func ParseRecipe(data []byte) (*Recipe, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, "parsing recipe YAML")
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, errors.New("recipe is empty")
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, errors.New("recipe root must be a mapping")
	}

	r := &Recipe{Variables: make(map[string]float64)}
	env := make(map[string]any)
	var modifiers *yaml.Node
	for i := 0; i+1 < len(root.Content); i += 2 {
		key, val := root.Content[i], root.Content[i+1]
		switch key.Value {
		case "version":
			r.Version = val.Value
		case "modifiers":
			modifiers = val
		default:
			if val.Kind != yaml.ScalarNode {
				return nil, errors.Errorf("recipe variable %q must be a scalar", key.Value)
			}
			f, err := resolveVariable(val.Value, env)
			if err != nil {
				return nil, errors.WithMessagef(err, "recipe variable %q", key.Value)
			}
			r.Variables[key.Value] = f
			r.varOrder = append(r.varOrder, key.Value)
			env[key.Value] = f
		}
	}
	if modifiers == nil {
		return r, nil
	}
	if modifiers.Kind != yaml.SequenceNode {
		return nil, errors.New("modifiers must be a list")
	}
	if err := resolveEvals(modifiers, env); err != nil {
		return nil, err
	}
	for i, item := range modifiers.Content {
		mod, err := decodeModifier(item)
		if err != nil {
			return nil, errors.WithMessagef(err, "modifier %d", i)
		}
		r.Modifiers = append(r.Modifiers, mod)
	}
	return r, nil
}

func decodeModifier(node *yaml.Node) (Modifier, error) {
	factory, ok := modifierFactories[node.Tag]
	if !ok {
		return nil, errors.Errorf("unknown modifier tag %q (known: %s)",
			node.Tag, strings.Join(knownModifierTags(), ", "))
	}
	mod := factory()
	if err := strictDecode(node, mod); err != nil {
		return nil, errors.WithMessagef(err, "decoding %s", strings.TrimPrefix(node.Tag, "!"))
	}
	if err := mod.validate(); err != nil {
		return nil, err
	}
	return mod, nil
}

// strictDecode decodes node into out rejecting unknown fields. The node is
// re-marshaled with its type tag cleared first so the tag does not reach the
// typed decoder.
func strictDecode(node *yaml.Node, out any) error {
	clean := *node
	clean.Tag = ""
	clean.Style = 0
	data, err := yaml.Marshal(&clean)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && err != io.EOF {
		return err
	}
	return nil
}

const evalPrefix = "eval("

// resolveVariable parses a top-level variable value: either a plain number
// or an eval() expression over the variables declared above it.
func resolveVariable(raw string, env map[string]any) (float64, error) {
	if inner, ok := evalExpression(raw); ok {
		return evalScalar(inner, env)
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, errors.Errorf("must be a number or eval() expression, got %q", raw)
	}
	return f, nil
}

// resolveEvals walks a node tree replacing every eval() scalar with its
// evaluated value.
func resolveEvals(n *yaml.Node, env map[string]any) error {
	if n.Kind == yaml.ScalarNode {
		inner, ok := evalExpression(n.Value)
		if !ok {
			return nil
		}
		v, err := evalScalar(inner, env)
		if err != nil {
			return err
		}
		n.Value = strconv.FormatFloat(v, 'g', -1, 64)
		n.Tag = "!!float"
		n.Style = 0
		return nil
	}
	for _, c := range n.Content {
		if err := resolveEvals(c, env); err != nil {
			return err
		}
	}
	return nil
}

func evalExpression(raw string) (string, bool) {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, evalPrefix) || !strings.HasSuffix(trimmed, ")") {
		return "", false
	}
	return trimmed[len(evalPrefix) : len(trimmed)-1], true
}

func evalScalar(expression string, env map[string]any) (float64, error) {
	out, err := expr.Eval(expression, env)
	if err != nil {
		return 0, errors.Wrapf(err, "evaluating %q", expression)
	}
	switch v := out.(type) {
	case int:
		return float64(v), nil
	case float64:
		return v, nil
	}
	return 0, errors.Errorf("expression %q evaluates to %T, want a number", expression, out)
}

// String renders the recipe as canonical YAML: version first, variables in
// declaration order, then modifiers sorted by start epoch with their type
// tags. The output parses back with ParseRecipe.
func (r *Recipe) String() string {
	root := &yaml.Node{Kind: yaml.MappingNode}
	appendPair := func(key string, val *yaml.Node) {
		root.Content = append(root.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: key}, val)
	}
	if r.Version != "" {
		appendPair("version", &yaml.Node{Kind: yaml.ScalarNode, Value: r.Version})
	}
	for _, name := range r.variableOrder() {
		appendPair(name, encodeNode(name, r.Variables[name]))
	}

	mods := make([]Modifier, len(r.Modifiers))
	copy(mods, r.Modifiers)
	sort.SliceStable(mods, func(i, j int) bool {
		si, _ := mods[i].Window()
		sj, _ := mods[j].Window()
		return si < sj
	})
	seq := &yaml.Node{Kind: yaml.SequenceNode}
	for _, m := range mods {
		n := encodeNode(m.tag(), m)
		n.Tag = m.tag()
		seq.Content = append(seq.Content, n)
	}
	appendPair("modifiers", seq)

	out, err := yaml.Marshal(root)
	if err != nil {
		exceptions.Panicf("rendering recipe: %v", err)
	}
	return string(out)
}

func (r *Recipe) variableOrder() []string {
	if len(r.varOrder) == len(r.Variables) {
		return r.varOrder
	}
	names := make([]string, 0, len(r.Variables))
	for name := range r.Variables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func encodeNode(what string, v any) *yaml.Node {
	n := &yaml.Node{}
	if err := n.Encode(v); err != nil {
		exceptions.Panicf("encoding %s: %v", what, err)
	}
	return n
}
