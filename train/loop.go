// Package train provides the training loop skeleton the sparsification
// wrapper hooks into: a Trainer owns the model, data and optimizer, the
// Loop owns epoch accounting and named lifecycle hooks.
package train

import (
	"math"
	"sort"

	"github.com/pkg/errors"
)

// Trainer runs one optimization step per call.
type Trainer interface {
	// TrainStep runs one step and returns the batch loss.
	TrainStep(epoch, step int) (float64, error)
}

// Priority orders hook execution; lower runs first. Hooks at the same
// priority run in registration order.
type Priority int

// OnStartFn fires once before the first step of a run.
type OnStartFn func(loop *Loop) error

// OnStepFn fires after every step with that step's loss.
type OnStepFn func(loop *Loop, loss float64) error

// OnEndFn fires once after the last step of a run.
type OnEndFn func(loop *Loop) error

type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks holds hooks keyed by priority, preserving registration
// order within each priority.
type priorityHooks[F any] struct {
	byPriority map[Priority][]hookWithName[F]
}

func newPriorityHooks[F any]() *priorityHooks[F] {
	return &priorityHooks[F]{byPriority: make(map[Priority][]hookWithName[F])}
}

func (h *priorityHooks[F]) add(priority Priority, name string, fn F) {
	h.byPriority[priority] = append(h.byPriority[priority], hookWithName[F]{name: name, fn: fn})
}

// enumerate visits all hooks in priority order and stops at the first
// error, which is returned wrapped with the failing hook's name.
func (h *priorityHooks[F]) enumerate(visit func(fn F) error) error {
	priorities := make([]Priority, 0, len(h.byPriority))
	for p := range h.byPriority {
		priorities = append(priorities, p)
	}
	sort.Slice(priorities, func(i, j int) bool { return priorities[i] < priorities[j] })
	for _, p := range priorities {
		for _, hook := range h.byPriority[p] {
			if err := visit(hook.fn); err != nil {
				return errors.WithMessagef(err, "hook %q", hook.name)
			}
		}
	}
	return nil
}

// Loop drives a Trainer through epochs of steps, firing lifecycle hooks
// around them.
type Loop struct {
	trainer Trainer

	// Epoch and Step are the zero-based position of the step in flight.
	Epoch, Step int
	// GlobalStep counts completed steps; during an OnStep hook it is the
	// index of the step that just ran.
	GlobalStep int
	// StepsPerEpoch and NumEpochs are fixed for the whole run.
	StepsPerEpoch, NumEpochs int
	// LastLoss is the loss of the most recent step.
	LastLoss float64

	onStart *priorityHooks[OnStartFn]
	onStep  *priorityHooks[OnStepFn]
	onEnd   *priorityHooks[OnEndFn]
}

// NewLoop returns a loop around trainer with no hooks attached.
func NewLoop(trainer Trainer) *Loop {
	return &Loop{
		trainer: trainer,
		onStart: newPriorityHooks[OnStartFn](),
		onStep:  newPriorityHooks[OnStepFn](),
		onEnd:   newPriorityHooks[OnEndFn](),
	}
}

// OnStart registers fn to run before the first step.
func (l *Loop) OnStart(name string, priority Priority, fn OnStartFn) {
	l.onStart.add(priority, name, fn)
}

// OnStep registers fn to run after every step.
func (l *Loop) OnStep(name string, priority Priority, fn OnStepFn) {
	l.onStep.add(priority, name, fn)
}

// OnEnd registers fn to run after the last step.
func (l *Loop) OnEnd(name string, priority Priority, fn OnEndFn) {
	l.onEnd.add(priority, name, fn)
}

// RunEpochs runs epochs of stepsPerEpoch steps each. Zero epochs returns
// immediately without firing any hooks. The first trainer or hook error
// aborts the run, as does a NaN or Inf loss.
func (l *Loop) RunEpochs(stepsPerEpoch, epochs int) error {
	if stepsPerEpoch <= 0 {
		return errors.Errorf("steps per epoch must be positive, got %d", stepsPerEpoch)
	}
	if epochs < 0 {
		return errors.Errorf("number of epochs must be non-negative, got %d", epochs)
	}
	if epochs == 0 {
		return nil
	}
	l.StepsPerEpoch, l.NumEpochs = stepsPerEpoch, epochs
	if err := l.onStart.enumerate(func(fn OnStartFn) error { return fn(l) }); err != nil {
		return err
	}
	for epoch := 0; epoch < epochs; epoch++ {
		for step := 0; step < stepsPerEpoch; step++ {
			l.Epoch, l.Step = epoch, step
			loss, err := l.trainer.TrainStep(epoch, step)
			if err != nil {
				return errors.WithMessagef(err, "train step (epoch %d, step %d)", epoch, step)
			}
			if math.IsNaN(loss) || math.IsInf(loss, 0) {
				return errors.Errorf("loss diverged to %v at epoch %d, step %d", loss, epoch, step)
			}
			l.LastLoss = loss
			if err := l.onStep.enumerate(func(fn OnStepFn) error { return fn(l, loss) }); err != nil {
				return err
			}
			l.GlobalStep++
		}
	}
	return l.onEnd.enumerate(func(fn OnEndFn) error { return fn(l) })
}
