package sparse

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fullRecipe exercises every modifier type, variables and eval()
// expressions, shaped like the pruned-quant recipes the models ship with.
const fullRecipe = `version: 1.1.0

num_epochs: 20
init_lr: 0.0001
pruning_start_epoch: 2
pruning_end_epoch: eval(num_epochs * 0.6)

modifiers:
  - !EpochRangeModifier
    start_epoch: 0.0
    end_epoch: eval(num_epochs)

  - !SetLearningRateModifier
    start_epoch: 0.0
    learning_rate: eval(init_lr)

  - !LearningRateModifier
    lr_class: MultiStepLR
    lr_kwargs:
      gamma: 0.1
      milestones: [eval(num_epochs * 0.75), eval(num_epochs * 0.9)]
    init_lr: eval(init_lr)
    start_epoch: eval(pruning_end_epoch)
    end_epoch: eval(num_epochs)

  - !GMPruningModifier
    params: __ALL_PRUNABLE__
    init_sparsity: 0.05
    final_sparsity: 0.82
    start_epoch: eval(pruning_start_epoch)
    end_epoch: eval(pruning_end_epoch)
    update_frequency: 0.5

  - !QuantizationModifier
    start_epoch: eval(num_epochs - 2)
    submodules:
      - backbone
      - proto
    disable_quantization_observer_epoch: eval(num_epochs - 1)
    freeze_bn_stats_epoch: eval(num_epochs - 1)
`

func TestParseRecipeFullSchedule(t *testing.T) {
	r, err := ParseRecipe([]byte(fullRecipe))
	require.NoError(t, err)

	assert.Equal(t, "1.1.0", r.Version)
	assert.Equal(t, map[string]float64{
		"num_epochs":          20,
		"init_lr":             0.0001,
		"pruning_start_epoch": 2,
		"pruning_end_epoch":   12,
	}, r.Variables)
	require.Len(t, r.Modifiers, 5)

	epochs := r.Modifiers[0].(*EpochRangeModifier)
	assert.Equal(t, 0.0, epochs.StartEpoch)
	assert.Equal(t, 20.0, epochs.EndEpoch)

	setLR := r.Modifiers[1].(*SetLearningRateModifier)
	assert.Equal(t, 0.0001, setLR.LearningRate)

	lr := r.Modifiers[2].(*LearningRateModifier)
	assert.Equal(t, "MultiStepLR", lr.LRClass)
	assert.Equal(t, 0.1, lr.LRKwargs.Gamma)
	assert.Equal(t, []float64{15, 18}, lr.LRKwargs.Milestones)
	assert.Equal(t, 12.0, lr.StartEpoch)
	assert.Equal(t, 20.0, lr.EndEpoch)

	pruning := r.Modifiers[3].(*GMPruningModifier)
	assert.Equal(t, ParamSelector{AllPrunable}, pruning.Params)
	assert.Equal(t, 0.05, pruning.InitSparsity)
	assert.Equal(t, 0.82, pruning.FinalSparsity)
	assert.Equal(t, 2.0, pruning.StartEpoch)
	assert.Equal(t, 12.0, pruning.EndEpoch)
	assert.Equal(t, 0.5, pruning.UpdateFrequency)
	assert.True(t, pruning.LeaveEnabled, "leave_enabled should default on")
	assert.Equal(t, "unstructured", pruning.MaskType)

	quant := r.Modifiers[4].(*QuantizationModifier)
	assert.Equal(t, 18.0, quant.StartEpoch)
	assert.Equal(t, []string{"backbone", "proto"}, quant.Submodules)
	assert.Equal(t, 19.0, quant.DisableQuantizationObserverEpoch)
	assert.Equal(t, 19.0, quant.FreezeBNStatsEpoch)
}

func TestParseRecipeVariablesChain(t *testing.T) {
	r, err := ParseRecipe([]byte(`a: 4
b: eval(a * 2)
c: eval(a + b)
modifiers: []
`))
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"a": 4, "b": 8, "c": 12}, r.Variables)
}

func TestParseRecipeVariableErrors(t *testing.T) {
	_, err := ParseRecipe([]byte("a: eval(missing + 1)\nmodifiers: []\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `recipe variable "a"`)

	_, err = ParseRecipe([]byte("a: not-a-number\nmodifiers: []\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be a number or eval() expression")

	_, err = ParseRecipe([]byte("a:\n  nested: 1\nmodifiers: []\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be a scalar")
}

func TestParseRecipeUnknownTag(t *testing.T) {
	_, err := ParseRecipe([]byte(`modifiers:
  - !DropoutModifier
    start_epoch: 0.0
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown modifier tag")
	assert.Contains(t, err.Error(), "!GMPruningModifier")
}

func TestParseRecipeUnknownField(t *testing.T) {
	_, err := ParseRecipe([]byte(`modifiers:
  - !EpochRangeModifier
    start_epoch: 0.0
    end_epoch: 10.0
    warmup: 3
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "warmup")
}

func TestParseRecipeMalformed(t *testing.T) {
	for name, doc := range map[string]string{
		"empty":     "",
		"root list": "- 1\n- 2\n",
		"mods int":  "modifiers: 3\n",
		"broken":    "modifiers: [\n",
		"eval type": `a: eval("text")` + "\nmodifiers: []\n",
		"mod evals": "modifiers:\n  - !EpochRangeModifier\n    start_epoch: eval(nope)\n    end_epoch: 1.0\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseRecipe([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestModifierValidation(t *testing.T) {
	tests := []struct {
		name    string
		mod     Modifier
		wantErr string
	}{
		{
			name:    "epoch range inverted",
			mod:     &EpochRangeModifier{StartEpoch: 5, EndEpoch: 5},
			wantErr: "end_epoch",
		},
		{
			name:    "epoch range negative start",
			mod:     &EpochRangeModifier{StartEpoch: -1, EndEpoch: 5},
			wantErr: "start_epoch",
		},
		{
			name:    "pruning without params",
			mod:     &GMPruningModifier{InitSparsity: 0.1, FinalSparsity: 0.5, EndEpoch: 1, UpdateFrequency: -1, MaskType: "unstructured"},
			wantErr: "params is required",
		},
		{
			name: "pruning init above final",
			mod: &GMPruningModifier{Params: ParamSelector{AllPrunable}, InitSparsity: 0.9,
				FinalSparsity: 0.5, EndEpoch: 1, UpdateFrequency: -1, MaskType: "unstructured"},
			wantErr: "sparsity",
		},
		{
			name: "pruning final at one",
			mod: &GMPruningModifier{Params: ParamSelector{AllPrunable}, InitSparsity: 0.1,
				FinalSparsity: 1.0, EndEpoch: 1, UpdateFrequency: -1, MaskType: "unstructured"},
			wantErr: "sparsity",
		},
		{
			name: "pruning zero update frequency",
			mod: &GMPruningModifier{Params: ParamSelector{AllPrunable}, InitSparsity: 0.1,
				FinalSparsity: 0.5, EndEpoch: 1, MaskType: "unstructured"},
			wantErr: "update_frequency",
		},
		{
			name: "pruning structured mask",
			mod: &GMPruningModifier{Params: ParamSelector{AllPrunable}, InitSparsity: 0.1,
				FinalSparsity: 0.5, EndEpoch: 1, UpdateFrequency: -1, MaskType: "block4"},
			wantErr: "mask_type",
		},
		{
			name:    "set lr non-positive",
			mod:     &SetLearningRateModifier{LearningRate: 0},
			wantErr: "learning_rate",
		},
		{
			name: "lr unknown class",
			mod: &LearningRateModifier{LRClass: "CosineLR", InitLR: 0.1,
				LRKwargs: LRKwargs{Gamma: 0.9}, EndEpoch: -1},
			wantErr: "unknown lr_class",
		},
		{
			name: "multistep without milestones",
			mod: &LearningRateModifier{LRClass: "MultiStepLR", InitLR: 0.1,
				LRKwargs: LRKwargs{Gamma: 0.9}, EndEpoch: -1},
			wantErr: "milestones",
		},
		{
			name: "lr non-positive gamma",
			mod: &LearningRateModifier{LRClass: "ExponentialLR", InitLR: 0.1,
				LRKwargs: LRKwargs{Gamma: 0}, EndEpoch: -1},
			wantErr: "gamma",
		},
		{
			name:    "quantization negative start",
			mod:     &QuantizationModifier{StartEpoch: -2, DisableQuantizationObserverEpoch: -1, FreezeBNStatsEpoch: -1},
			wantErr: "start_epoch",
		},
		{
			name: "quantization observer before start",
			mod: &QuantizationModifier{StartEpoch: 10,
				DisableQuantizationObserverEpoch: 5, FreezeBNStatsEpoch: -1},
			wantErr: "disable_quantization_observer_epoch",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.mod.validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRecipeStringCanonical(t *testing.T) {
	r, err := ParseRecipe([]byte(fullRecipe))
	require.NoError(t, err)

	out := r.String()
	assert.NotContains(t, out, "eval(", "rendered recipe must carry resolved values")
	assert.True(t, strings.HasPrefix(out, "version:"), "version renders first:\n%s", out)

	// The render is a fixed point: parsing it back and rendering again
	// yields the same document, with modifiers ordered by start epoch.
	again, err := ParseRecipe([]byte(out))
	require.NoError(t, err)
	assert.Equal(t, out, again.String())

	starts := make([]float64, len(again.Modifiers))
	for i, m := range again.Modifiers {
		starts[i], _ = m.Window()
	}
	assert.Equal(t, []float64{0, 0, 2, 12, 18}, starts)
}

func TestParamSelectorScalarOrList(t *testing.T) {
	r, err := ParseRecipe([]byte(`modifiers:
  - !GMPruningModifier
    params:
      - backbone.conv1.weight
      - re:fpn\..*\.weight
    init_sparsity: 0.1
    final_sparsity: 0.5
    start_epoch: 0.0
    end_epoch: 1.0
    update_frequency: -1
`))
	require.NoError(t, err)
	pruning := r.Modifiers[0].(*GMPruningModifier)
	assert.Equal(t, ParamSelector{"backbone.conv1.weight", `re:fpn\..*\.weight`}, pruning.Params)
}

func TestPruningSparsityCubicRamp(t *testing.T) {
	m := &GMPruningModifier{
		InitSparsity:    0.05,
		FinalSparsity:   0.8,
		StartEpoch:      2,
		EndEpoch:        12,
		UpdateFrequency: -1,
	}

	assert.Zero(t, m.Sparsity(0))
	assert.Zero(t, m.Sparsity(1.99))
	assert.InDelta(t, 0.05, m.Sparsity(2), 1e-9)
	// Halfway through the window the cubic ramp has covered 87.5% of the
	// sparsity range.
	assert.InDelta(t, 0.05+0.75*0.875, m.Sparsity(7), 1e-9)
	assert.InDelta(t, 0.8, m.Sparsity(12), 1e-9)
	assert.InDelta(t, 0.8, m.Sparsity(50), 1e-9)

	prev := 0.0
	for epoch := 0.0; epoch <= 13; epoch += 0.25 {
		s := m.Sparsity(epoch)
		assert.GreaterOrEqual(t, s, prev, "sparsity must never decrease (epoch %v)", epoch)
		prev = s
	}
}

func TestPruningSparsityUpdateFrequencySteps(t *testing.T) {
	m := &GMPruningModifier{
		InitSparsity:    0.05,
		FinalSparsity:   0.8,
		StartEpoch:      2,
		EndEpoch:        12,
		UpdateFrequency: 0.5,
	}

	// Within one update window the value holds, then jumps.
	assert.Equal(t, m.Sparsity(2.0), m.Sparsity(2.49))
	assert.Greater(t, m.Sparsity(2.5), m.Sparsity(2.49))
	assert.Equal(t, m.Sparsity(2.5), m.Sparsity(2.99))
}

func TestLearningRateMultiStep(t *testing.T) {
	m := &LearningRateModifier{
		LRClass:    "MultiStepLR",
		LRKwargs:   LRKwargs{Gamma: 0.1, Milestones: []float64{5, 8}},
		InitLR:     0.001,
		StartEpoch: 0,
		EndEpoch:   -1,
	}

	assert.InDelta(t, 0.001, m.LearningRate(0), 1e-12)
	assert.InDelta(t, 0.001, m.LearningRate(4.9), 1e-12)
	assert.InDelta(t, 0.0001, m.LearningRate(5), 1e-12)
	assert.InDelta(t, 0.00001, m.LearningRate(8), 1e-12)
	assert.InDelta(t, 0.00001, m.LearningRate(100), 1e-12)
}

func TestLearningRateFreezesPastEnd(t *testing.T) {
	m := &LearningRateModifier{
		LRClass:    "MultiStepLR",
		LRKwargs:   LRKwargs{Gamma: 0.1, Milestones: []float64{5, 8}},
		InitLR:     0.001,
		StartEpoch: 0,
		EndEpoch:   7,
	}
	// The epoch-8 milestone never fires: the schedule is clamped at 7.
	assert.InDelta(t, 0.0001, m.LearningRate(100), 1e-12)
}

func TestLearningRateExponential(t *testing.T) {
	m := &LearningRateModifier{
		LRClass:    "ExponentialLR",
		LRKwargs:   LRKwargs{Gamma: 0.9},
		InitLR:     0.01,
		StartEpoch: 2,
		EndEpoch:   -1,
	}

	assert.InDelta(t, 0.01, m.LearningRate(1), 1e-12)
	assert.InDelta(t, 0.01, m.LearningRate(2), 1e-12)
	assert.InDelta(t, 0.009, m.LearningRate(3), 1e-12)
	assert.InDelta(t, 0.01*0.9*0.9*0.9, m.LearningRate(5.7), 1e-12)
}
