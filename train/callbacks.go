package train

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/schollz/progressbar/v3"
)

// EveryNSteps registers an OnStep hook that fires on every n-th step,
// counting from the n-th.
func EveryNSteps(loop *Loop, n int, name string, priority Priority, fn OnStepFn) {
	if n <= 0 {
		exceptions.Panicf("EveryNSteps(%q): n must be positive, got %d", name, n)
	}
	count := 0
	loop.OnStep(name, priority, func(loop *Loop, loss float64) error {
		count++
		if count%n != 0 {
			return nil
		}
		return fn(loop, loss)
	})
}

// ProgressBarPriority runs the progress bar after other hooks so its output
// reflects their effects.
const ProgressBarPriority = Priority(100)

// AttachProgressBar renders a terminal progress bar over the run's steps,
// keeping the running loss in the description.
func AttachProgressBar(loop *Loop) {
	const name = "train.progressbar"
	var bar *progressbar.ProgressBar
	loop.OnStart(name, ProgressBarPriority, func(loop *Loop) error {
		total := loop.NumEpochs * loop.StepsPerEpoch
		bar = progressbar.NewOptions(total,
			progressbar.OptionSetDescription(fmt.Sprintf("Training (%d steps)", total)),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("steps"),
			// Inlined value of progressbar.ThemeUnicode: that symbol arrived in
			// v3.17.0, which requires Go >= 1.22, newer than this build's
			// toolchain. v3.15.0's Theme also lacks the BarStartFilled and
			// BarEndFilled fields, so those two filled-frame glyphs are omitted.
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "",
				SaucerHead:    "",
				SaucerPadding: "",
				BarStart:      "",
				BarEnd:        "",
			}),
		)
		return nil
	})
	loop.OnStep(name, ProgressBarPriority, func(loop *Loop, loss float64) error {
		bar.Describe(fmt.Sprintf("epoch %d/%d, loss=%.4f", loop.Epoch+1, loop.NumEpochs, loss))
		return bar.Add(1)
	})
	loop.OnEnd(name, ProgressBarPriority, func(loop *Loop) error {
		if err := bar.Finish(); err != nil {
			return err
		}
		fmt.Println()
		return nil
	})
}
