// Package sparse applies YAML sparsification recipes to Yolact models:
// gradual magnitude pruning, recipe-driven learning rates, and
// quantization-aware training marks, from the first training step through
// export.
package sparse

import (
	"math"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/bfineran/yolact/tensor"
)

// Model is the model surface the sparsification schedule drives.
type Model interface {
	// PrunableParams names the parameters pruning may target, in manifest
	// order.
	PrunableParams() []string
	// Param looks up a parameter tensor by name.
	Param(name string) (*tensor.Tensor, bool)
	// MarkQuantized marks the variables under submodule for quantized
	// export and reports how many matched. Empty marks the whole model.
	MarkQuantized(submodule string) int
	// Sparsity reports the zero fraction across prunable parameters.
	Sparsity() float64
}

// Optimizer is the minimal training-optimizer surface the schedule drives.
type Optimizer interface {
	Step() error
	LearningRate() float64
	SetLearningRate(lr float64)
}

// Manager owns a parsed recipe and applies its schedule to models and
// optimizers.
type Manager struct {
	recipe *Recipe
}

// FromYAML builds a manager from raw recipe YAML.
func FromYAML(data []byte) (*Manager, error) {
	r, err := ParseRecipe(data)
	if err != nil {
		return nil, err
	}
	return &Manager{recipe: r}, nil
}

// FromFile loads a recipe from a file path, a zoo: stub, or raw YAML text.
// Text is recognized by containing a newline; that is how recipes travel
// inside checkpoint metadata.
func FromFile(source string) (*Manager, error) {
	switch {
	case source == "":
		return nil, errors.New("no recipe given")
	case strings.HasPrefix(source, zooStubPrefix):
		path, err := ResolveZooStub(source)
		if err != nil {
			return nil, err
		}
		source = path
	case strings.Contains(source, "\n"):
		return FromYAML([]byte(source))
	}
	data, err := os.ReadFile(source)
	if err != nil {
		return nil, errors.Wrapf(err, "reading recipe %s", source)
	}
	m, err := FromYAML(data)
	if err != nil {
		return nil, errors.WithMessagef(err, "recipe %s", source)
	}
	return m, nil
}

// Recipe returns the parsed recipe.
func (m *Manager) Recipe() *Recipe { return m.recipe }

// String renders the canonical recipe YAML.
func (m *Manager) String() string { return m.recipe.String() }

// EpochModifiers returns the recipe's epoch range declarations.
func (m *Manager) EpochModifiers() []*EpochRangeModifier {
	var out []*EpochRangeModifier
	for _, mod := range m.recipe.Modifiers {
		if e, ok := mod.(*EpochRangeModifier); ok {
			out = append(out, e)
		}
	}
	return out
}

// PruningModifiers returns the recipe's pruning modifiers.
func (m *Manager) PruningModifiers() []*GMPruningModifier {
	var out []*GMPruningModifier
	for _, mod := range m.recipe.Modifiers {
		if p, ok := mod.(*GMPruningModifier); ok {
			out = append(out, p)
		}
	}
	return out
}

// QuantizationModifiers returns the recipe's quantization modifiers.
func (m *Manager) QuantizationModifiers() []*QuantizationModifier {
	var out []*QuantizationModifier
	for _, mod := range m.recipe.Modifiers {
		if q, ok := mod.(*QuantizationModifier); ok {
			out = append(out, q)
		}
	}
	return out
}

// LearningRateModifiers returns the LR-driving modifiers, both the
// set-constant and the schedule-class kind.
func (m *Manager) LearningRateModifiers() []Modifier {
	var out []Modifier
	for _, mod := range m.recipe.Modifiers {
		switch mod.(type) {
		case *SetLearningRateModifier, *LearningRateModifier:
			out = append(out, mod)
		}
	}
	return out
}

// MaxEpochs returns the training length the recipe declares: the ceiling
// of the largest end epoch across all modifiers, 0 when none carry one.
func (m *Manager) MaxEpochs() int {
	latest := math.Inf(-1)
	for _, mod := range m.recipe.Modifiers {
		if _, end := mod.Window(); end >= 0 && end > latest {
			latest = end
		}
	}
	if math.IsInf(latest, -1) {
		return 0
	}
	return int(math.Ceil(latest))
}

// LearningRate resolves the scheduled learning rate at epoch. Among active
// LR modifiers the latest start wins; a set-constant modifier beats a
// schedule class starting at the same epoch. ok is false when no LR
// modifier has started yet.
func (m *Manager) LearningRate(epoch float64) (lr float64, ok bool) {
	bestStart := math.Inf(-1)
	setAtBest := false
	for _, mod := range m.recipe.Modifiers {
		switch v := mod.(type) {
		case *SetLearningRateModifier:
			if v.StartEpoch <= epoch && (v.StartEpoch > bestStart || (v.StartEpoch == bestStart && !setAtBest)) {
				bestStart, lr, ok, setAtBest = v.StartEpoch, v.LearningRate, true, true
			}
		case *LearningRateModifier:
			if v.StartEpoch <= epoch && v.StartEpoch > bestStart {
				bestStart, lr, ok, setAtBest = v.StartEpoch, v.LearningRate(epoch), true, false
			}
		}
	}
	return lr, ok
}

// Apply drives the recipe to its end state in one shot: every pruning
// modifier's parameters pruned to final sparsity, every quantization
// modifier's submodules marked. This is the export path, where the
// checkpoint already holds trained weights and the model only needs the
// recipe's final structure. Apply is idempotent.
func (m *Manager) Apply(model Model) error {
	for _, p := range m.PruningModifiers() {
		names, err := p.matchParams(model)
		if err != nil {
			return err
		}
		for _, name := range names {
			t, _ := model.Param(name)
			pruneByMagnitude(t, p.FinalSparsity)
		}
	}
	for _, q := range m.QuantizationModifiers() {
		if err := markQuantized(model, q); err != nil {
			return err
		}
	}
	return nil
}

// Initialize stages the schedule at startEpoch: pruning masks applied at
// each modifier's scheduled sparsity, quantization marks set where their
// start has passed. Resuming training mid-schedule goes through here.
func (m *Manager) Initialize(model Model, startEpoch float64) error {
	for _, p := range m.PruningModifiers() {
		s := p.Sparsity(startEpoch)
		if s <= 0 {
			continue
		}
		names, err := p.matchParams(model)
		if err != nil {
			return err
		}
		for _, name := range names {
			t, _ := model.Param(name)
			pruneByMagnitude(t, s)
		}
	}
	for _, q := range m.QuantizationModifiers() {
		if q.StartEpoch > startEpoch {
			continue
		}
		if err := markQuantized(model, q); err != nil {
			return err
		}
	}
	return nil
}

// Modify wraps opt under the recipe's schedule. stepsPerEpoch converts step
// counts to fractional epochs. Selector errors surface here, before the
// first step.
func (m *Manager) Modify(model Model, opt Optimizer, stepsPerEpoch int) (*ScheduledOptimizer, error) {
	if stepsPerEpoch <= 0 {
		return nil, errors.Errorf("steps per epoch must be positive, got %d", stepsPerEpoch)
	}
	so := &ScheduledOptimizer{
		inner:         opt,
		manager:       m,
		model:         model,
		stepsPerEpoch: stepsPerEpoch,
	}
	for _, p := range m.PruningModifiers() {
		names, err := p.matchParams(model)
		if err != nil {
			return nil, err
		}
		so.pruning = append(so.pruning, scheduledPruning{mod: p, params: names})
	}
	return so, nil
}

func markQuantized(model Model, q *QuantizationModifier) error {
	if len(q.Submodules) == 0 {
		model.MarkQuantized("")
		return nil
	}
	for _, sub := range q.Submodules {
		if model.MarkQuantized(sub) == 0 {
			return errors.Errorf("quantization submodule %q matches no variables", sub)
		}
	}
	return nil
}

// matchParams resolves the modifier's params selector against the model.
// Matches are deduplicated and kept in first-match order.
func (m *GMPruningModifier) matchParams(model Model) ([]string, error) {
	prunable := model.PrunableParams()
	seen := make(map[string]bool)
	var out []string
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	for _, sel := range m.Params {
		switch {
		case sel == AllPrunable:
			for _, name := range prunable {
				add(name)
			}
		case strings.HasPrefix(sel, regexSelectorPrefix):
			re, err := regexp.Compile(strings.TrimPrefix(sel, regexSelectorPrefix))
			if err != nil {
				return nil, errors.Wrapf(err, "params pattern %q", sel)
			}
			matched := false
			for _, name := range prunable {
				if re.MatchString(name) {
					add(name)
					matched = true
				}
			}
			if !matched {
				return nil, errors.Errorf("params pattern %q matches no prunable parameters", sel)
			}
		default:
			if _, ok := model.Param(sel); !ok {
				return nil, errors.Errorf("pruning parameter %q is not in the model", sel)
			}
			add(sel)
		}
	}
	return out, nil
}

// pruneByMagnitude zeroes the smallest-magnitude fraction of t's elements.
// Zeros sort first, so re-pruning at the same sparsity is a no-op and a
// higher sparsity extends the existing mask.
func pruneByMagnitude(t *tensor.Tensor, sparsity float64) {
	values := t.Float32s()
	k := int(math.Round(sparsity * float64(len(values))))
	if k <= 0 {
		return
	}
	order := make([]int, len(values))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return math.Abs(float64(values[order[i]])) < math.Abs(float64(values[order[j]]))
	})
	for _, i := range order[:k] {
		values[i] = 0
	}
	_ = t.SetFloat32s(values)
}

type scheduledPruning struct {
	mod    *GMPruningModifier
	params []string
}

// ScheduledOptimizer wraps an Optimizer so stepping it advances the recipe:
// the scheduled learning rate is set before each inner step and pruning
// masks are re-applied after it, keeping pruned weights at zero while the
// optimizer moves the rest.
type ScheduledOptimizer struct {
	inner         Optimizer
	manager       *Manager
	model         Model
	stepsPerEpoch int
	step          int
	pruning       []scheduledPruning
}

// Epoch returns the fractional epoch position of the next step.
func (o *ScheduledOptimizer) Epoch() float64 {
	return float64(o.step) / float64(o.stepsPerEpoch)
}

// GlobalStep returns the number of completed steps.
func (o *ScheduledOptimizer) GlobalStep() int { return o.step }

func (o *ScheduledOptimizer) LearningRate() float64      { return o.inner.LearningRate() }
func (o *ScheduledOptimizer) SetLearningRate(lr float64) { o.inner.SetLearningRate(lr) }

// Step applies the scheduled learning rate, steps the inner optimizer, and
// re-applies pruning masks at the scheduled sparsity.
func (o *ScheduledOptimizer) Step() error {
	epoch := o.Epoch()
	if lr, ok := o.manager.LearningRate(epoch); ok {
		o.inner.SetLearningRate(lr)
	}
	if err := o.inner.Step(); err != nil {
		return err
	}
	for _, p := range o.pruning {
		if epoch > p.mod.EndEpoch && !p.mod.LeaveEnabled {
			continue
		}
		s := p.mod.Sparsity(epoch)
		if s <= 0 {
			continue
		}
		for _, name := range p.params {
			if t, ok := o.model.Param(name); ok {
				pruneByMagnitude(t, s)
			}
		}
	}
	o.step++
	return nil
}
