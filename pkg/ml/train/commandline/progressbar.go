// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"io"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/avsep/pkg/ml/distributed"
	"github.com/gomlx/avsep/pkg/ml/train"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ExtraMetricFn is any function that will give extra values to display along the progress bar.
// It is called at each time the progress bar is updated, and it should return a name and the current value when it is called.
type ExtraMetricFn func() (name, value string)

// Output where the progress bar and reports are written. Defaults to os.Stdout.
var Output io.Writer = os.Stdout

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
// But it requires some of the graphical symbols to be supported.
var ProgressbarStyle = progressbar.ThemeASCII

// ProgressBarName is the name of the hooks registered by AttachProgressBar.
const ProgressBarName = "avsep.train.commandline.progressBar"

// maxUpdateFrequency is the time between updates to the commandline display of stats.
const maxUpdateFrequency = time.Millisecond * 200

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// progressBarUpdate is sent by the engine hooks to the drawing goroutine, which owns the bar.
type progressBarUpdate struct {
	// newEpoch starts a new bar of numSteps for epoch.
	newEpoch        bool
	epoch, numSteps int

	amount int
	rows   [][2]string

	// epochDone prints the epoch report line, and finishes the bar.
	epochDone *train.EpochReport
}

// progressBar holds a progressbar being displayed.
type progressBar struct {
	termenv       *termenv.Output
	statsStyle    lipgloss.Style
	statsTable    *lgtable.Table
	bar           *progressbar.ProgressBar
	isFirstOutput bool
	linesPrinted  int

	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup

	stepDurations  []time.Duration
	lastStepTime   time.Time
	lossSum        float64
	lossCount      int
	extraMetricFns []ExtraMetricFn
}

// AttachProgressBar creates a commandline progress bar and attaches it to the Engine, so that
// every epoch displays a progress bar with the running training loss, the global step and the
// learning rate.
//
// Only the coordinator replica displays anything: on other replicas it does nothing.
//
// Optionally, one can provide extraMetrics: functions that are called at every update of
// the progress bar and should return a name (title) and a value to be included in the
// updated print-out.
func AttachProgressBar(e *train.Engine, extraMetrics ...ExtraMetricFn) {
	if !distributed.IsCoordinator(e.Group()) {
		return
	}
	pBar := &progressBar{
		termenv:        termenv.NewOutput(Output),
		statsStyle:     lipgloss.NewStyle().PaddingLeft(8),
		isFirstOutput:  true,
		extraMetricFns: extraMetrics,
	}
	pBar.statsTable = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	e.OnStart(ProgressBarName, 0, pBar.onStart)
	e.OnStep(ProgressBarName, 0, pBar.onStep)
	e.OnEpochEnd(ProgressBarName, 0, pBar.onEpochEnd)
	e.OnEnd(ProgressBarName, 0, pBar.onEnd)
}

func (pBar *progressBar) onStart(_ *train.Engine) error {
	pBar.updates = make(chan progressBarUpdate, 100) // Large buffer so training is not blocked.
	pBar.asyncUpdatesDone.Add(1)
	go pBar.drawLoop(pBar.updates)
	return nil
}

func (pBar *progressBar) onStep(e *train.Engine, step train.StepInfo) error {
	now := time.Now()
	if step.Step == 0 {
		pBar.lossSum, pBar.lossCount = 0, 0
		pBar.stepDurations = pBar.stepDurations[:0]
		pBar.updates <- progressBarUpdate{newEpoch: true, epoch: step.Epoch, numSteps: step.NumSteps}
	} else {
		pBar.stepDurations = append(pBar.stepDurations, now.Sub(pBar.lastStepTime))
	}
	pBar.lastStepTime = now
	pBar.lossSum += step.Loss
	pBar.lossCount++

	update := progressBarUpdate{amount: 1}
	if e.Config().AccumulationSteps > 1 {
		update.rows = append(update.rows, [2]string{"Global / Train Step",
			fmt.Sprintf("%s / %s of %s", humanize.Comma(step.GlobalStep),
				humanize.Comma(int64(step.Step+1)), humanize.Comma(int64(step.NumSteps)))})
	} else {
		update.rows = append(update.rows, [2]string{"Global Step", humanize.Comma(step.GlobalStep)})
	}
	update.rows = append(update.rows,
		[2]string{"Median train step duration", FormatDuration(median(pBar.stepDurations))},
		[2]string{"Batch load time", FormatDuration(step.LoadTime)},
		[2]string{"Loss (running mean)", fmt.Sprintf("%.4f", pBar.lossSum/float64(pBar.lossCount))},
		[2]string{"Learning rate", fmt.Sprintf("%.3g", e.LearningRate())},
	)
	if step.OptimizerStepped {
		update.rows = append(update.rows, [2]string{"Gradient norm", fmt.Sprintf("%.4g", step.GradNorm)})
	}
	for _, extraMetric := range pBar.extraMetricFns {
		name, value := extraMetric()
		update.rows = append(update.rows, [2]string{name, value})
	}
	pBar.updates <- update
	return nil
}

func (pBar *progressBar) onEpochEnd(_ *train.Engine, report train.EpochReport) error {
	pBar.updates <- progressBarUpdate{epochDone: &report}
	return nil
}

func (pBar *progressBar) onEnd(_ *train.Engine, _ *train.Report) error {
	if pBar.updates != nil {
		close(pBar.updates)
		pBar.updates = nil
	}
	pBar.asyncUpdatesDone.Wait()
	pBar.termenv.ShowCursor()
	return nil
}

// drawLoop asynchronously draws updates: this is handy if the training is faster than the terminal, in
// particular if running on cloud, with a relatively slow network connection.
func (pBar *progressBar) drawLoop(updates <-chan progressBarUpdate) {
	defer pBar.asyncUpdatesDone.Done()
	for update := range updates {
		if update.newEpoch {
			pBar.startBar(update.epoch, update.numSteps)
			continue
		}
		if update.epochDone != nil {
			pBar.finishEpoch(update.epochDone)
			continue
		}

		// Exhaust the step updates in the buffer, keeping the last one.
		amount := update.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-updates:
				if !ok {
					break exhaust
				}
				if newUpdate.newEpoch || newUpdate.epochDone != nil {
					pBar.draw(update.rows, amount)
					amount = 0
					if newUpdate.newEpoch {
						pBar.startBar(newUpdate.epoch, newUpdate.numSteps)
					} else {
						pBar.finishEpoch(newUpdate.epochDone)
					}
					break exhaust
				}
				amount += newUpdate.amount
				update = newUpdate
			default:
				break exhaust
			}
		}
		if amount > 0 {
			pBar.draw(update.rows, amount)
			time.Sleep(maxUpdateFrequency)
		}
	}
}

func (pBar *progressBar) startBar(epoch, numSteps int) {
	pBar.bar = progressbar.NewOptions(numSteps,
		progressbar.OptionSetDescription(fmt.Sprintf("epoch %d", epoch)),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(Output),
	)
	pBar.isFirstOutput = true
}

// draw the stats table, followed by the progress bar line.
func (pBar *progressBar) draw(rows [][2]string, amount int) {
	if pBar.bar == nil || pBar.bar.IsFinished() {
		return
	}
	pBar.statsTable.Data(lgtable.NewStringData())
	for _, row := range rows {
		pBar.statsTable.Row(row[0], row[1])
	}

	// Clear the previous lines that will be overwritten.
	pBar.termenv.HideCursor()
	if !pBar.isFirstOutput && pBar.linesPrinted > 0 {
		pBar.termenv.CursorPrevLine(pBar.linesPrinted)
	}
	pBar.isFirstOutput = false
	rendered := pBar.statsStyle.Render(pBar.statsTable.String())
	_, _ = fmt.Fprintln(Output, rendered)
	_ = pBar.bar.Add(amount) // Prints progress bar line.
	_, _ = fmt.Fprintln(Output)
	pBar.linesPrinted = lipgloss.Height(rendered) + 1
	pBar.termenv.ShowCursor()
}

func (pBar *progressBar) finishEpoch(report *train.EpochReport) {
	if pBar.bar != nil && !pBar.bar.IsFinished() {
		_ = pBar.bar.Finish()
		_, _ = fmt.Fprintln(Output)
	}
	_, _ = fmt.Fprintln(Output, FormatEpochReport(*report))
	pBar.isFirstOutput = true
	pBar.linesPrinted = 0
}

func median(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}
	sorted := slices.Clone(durations)
	slices.Sort(sorted)
	return sorted[len(sorted)/2]
}
