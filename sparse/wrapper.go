package sparse

import (
	"math"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/bfineran/yolact/train"
)

// LRScheduler is the external learning-rate scheduler surface the wrapper
// can disable when the recipe takes over LR control.
type LRScheduler interface {
	LearningRate(epoch float64) float64
}

// Wrapper bridges a sparsification recipe into a training run's lifecycle.
// A wrapper built with an empty recipe is disabled: every method is a no-op
// or passthrough, so dense training needs no branches at call sites.
type Wrapper struct {
	model   Model
	recipe  string
	manager *Manager
	logger  *logrus.Logger
	enabled bool
}

// NewWrapper builds a wrapper for model. recipe may be a file path, a zoo:
// stub, raw YAML, or empty to disable sparsification.
func NewWrapper(model Model, recipe string) (*Wrapper, error) {
	w := &Wrapper{model: model, recipe: recipe, logger: logrus.StandardLogger()}
	if recipe == "" {
		return w, nil
	}
	manager, err := FromFile(recipe)
	if err != nil {
		return nil, err
	}
	w.manager = manager
	w.enabled = true
	return w, nil
}

// Enabled reports whether a recipe is attached.
func (w *Wrapper) Enabled() bool { return w.enabled }

// Manager returns the recipe manager, nil when disabled.
func (w *Wrapper) Manager() *Manager { return w.manager }

// StateDict returns the wrapper state to store in checkpoint metadata: the
// canonical recipe, so a resumed run rebuilds the same schedule even if the
// original recipe file is gone.
func (w *Wrapper) StateDict() map[string]string {
	recipe := ""
	if w.enabled {
		recipe = w.manager.String()
	}
	return map[string]string{"recipe": recipe}
}

// Apply drives the recipe to its end state on the wrapped model.
func (w *Wrapper) Apply() error {
	if !w.enabled {
		return nil
	}
	return w.manager.Apply(w.model)
}

// Initialize stages the schedule at startEpoch before training begins.
func (w *Wrapper) Initialize(startEpoch float64) error {
	if !w.enabled {
		return nil
	}
	return w.manager.Initialize(w.model, startEpoch)
}

// sparsityLogEverySteps is the cadence of the sparsification progress hook.
const sparsityLogEverySteps = 100

// AttachLoggers wires progress reporting into loop: a per-N-steps hook
// logging model sparsity and the scheduled learning rate, plus a
// recipe.yaml artifact in runDir recording the schedule the run used.
func (w *Wrapper) AttachLoggers(logger *logrus.Logger, loop *train.Loop, runDir string) error {
	if logger != nil {
		w.logger = logger
	}
	if !w.enabled {
		return nil
	}
	if runDir != "" {
		if err := os.MkdirAll(runDir, 0o755); err != nil {
			return errors.Wrapf(err, "creating run directory %s", runDir)
		}
		path := filepath.Join(runDir, "recipe.yaml")
		if err := os.WriteFile(path, []byte(w.manager.String()), 0o644); err != nil {
			return errors.Wrapf(err, "writing recipe artifact %s", path)
		}
	}
	train.EveryNSteps(loop, sparsityLogEverySteps, "sparse.progress", 0,
		func(loop *train.Loop, loss float64) error {
			if lr, ok := w.manager.LearningRate(float64(loop.Epoch)); ok {
				w.logger.Infof("Sparsification epoch %d step %d: sparsity=%.4f lr=%.6f",
					loop.Epoch, loop.GlobalStep, w.model.Sparsity(), lr)
			} else {
				w.logger.Infof("Sparsification epoch %d step %d: sparsity=%.4f",
					loop.Epoch, loop.GlobalStep, w.model.Sparsity())
			}
			return nil
		})
	return nil
}

// Modify wraps opt under the recipe schedule. Disabled wrappers return opt
// unchanged.
func (w *Wrapper) Modify(opt Optimizer, stepsPerEpoch int) (Optimizer, error) {
	if !w.enabled {
		return opt, nil
	}
	return w.manager.Modify(w.model, opt, stepsPerEpoch)
}

// CheckLROverride drops an external LR scheduler when the recipe carries
// LR modifiers, which take full control of the learning rate.
func (w *Wrapper) CheckLROverride(sched LRScheduler) LRScheduler {
	if w.enabled && sched != nil && len(w.manager.LearningRateModifiers()) > 0 {
		w.logger.Infof("Disabling LR scheduler, managing LR using recipe")
		return nil
	}
	return sched
}

// CheckEpochOverride replaces the configured epoch count with the recipe's
// declared range when epoch modifiers are present.
func (w *Wrapper) CheckEpochOverride(epochs int) int {
	if !w.enabled || len(w.manager.EpochModifiers()) == 0 {
		return epochs
	}
	override := w.manager.MaxEpochs()
	if override != epochs {
		w.logger.Infof("Overriding number of epochs from %d to %d to match recipe", epochs, override)
	}
	return override
}

// QATActive reports whether quantization-aware training is in effect at
// epoch, turning on one epoch ahead of the earliest quantization start so
// the caller can prepare the transition.
func (w *Wrapper) QATActive(epoch int) bool {
	if !w.enabled {
		return false
	}
	quant := w.manager.QuantizationModifiers()
	if len(quant) == 0 {
		return false
	}
	start := quant[0].StartEpoch
	for _, q := range quant[1:] {
		if q.StartEpoch < start {
			start = q.StartEpoch
		}
	}
	return start < float64(epoch)+1
}

// ResetBest reports whether epoch begins a new comparison window for best
// checkpoint tracking: pruning restructures the network over its window and
// quantization restructures it at its start, so fitness before and after is
// not comparable.
func (w *Wrapper) ResetBest(epoch int) bool {
	if !w.enabled {
		return false
	}
	if pruning := w.manager.PruningModifiers(); len(pruning) > 0 {
		last := pruning[0]
		for _, p := range pruning[1:] {
			if p.StartEpoch > last.StartEpoch {
				last = p
			}
		}
		if epoch >= int(math.Floor(last.StartEpoch)) && epoch <= int(math.Ceil(last.EndEpoch)) {
			return true
		}
	}
	if quant := w.manager.QuantizationModifiers(); len(quant) > 0 {
		start := quant[0].StartEpoch
		for _, q := range quant[1:] {
			if q.StartEpoch > start {
				start = q.StartEpoch
			}
		}
		if epoch == int(math.Floor(start)) {
			return true
		}
	}
	return false
}
