// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	gomlxcli "github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gomlx/ui/notebooks"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ExtraMetricFn is any function that will give extra values to display along the progress bar.
// It is called at each time the progress bar is updated, and it should return a name and the current value when it is called.
type ExtraMetricFn func() (name, value string)

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
// But it requires some of the graphical symbols to be supported.
var ProgressbarStyle = progressbar.ThemeASCII

// maxUpdateFrequency is the time between updates to the commandline display of stats.
const maxUpdateFrequency = time.Millisecond * 200

// ProgressBar displays the progression of a number of steps (e.g. trials), along with a table of metrics
// updated asynchronously, so the work is not blocked by a slow terminal.
//
// In a Jupyter notebook (see notebooks.IsNotebook) or if output is not a terminal, only the progress bar is displayed.
//
// Create it with NewProgressBar, call Add after each step and Done at the end.
type ProgressBar struct {
	numSteps   int
	bar        *progressbar.ProgressBar
	extraFns   []ExtraMetricFn
	richOutput bool

	mu        sync.Mutex
	stepsDone int
	suffix    string
	start     time.Time

	// lipgloss-based rich and asynchronous display for the command-line.
	termenv          *termenv.Output
	statsStyle       lipgloss.Style
	isFirstOutput    bool
	numLinesPrinted  int
	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup
}

type progressBarUpdate struct {
	amount  int
	metrics []string
}

// NewProgressBar creates and starts a progress bar for numSteps steps, described by description.
//
// Optionally, one can provide extraMetrics: functions that are called at every update of
// the progress bar and should return a name (title) and a value to be included in the
// updated print-out.
func NewProgressBar(numSteps int, description string, extraMetrics ...ExtraMetricFn) *ProgressBar {
	pBar := &ProgressBar{
		numSteps:      numSteps,
		extraFns:      extraMetrics,
		start:         time.Now(),
		isFirstOutput: true,
	}
	out := termenv.NewOutput(os.Stdout)
	pBar.richOutput = !notebooks.IsNotebook() && out.Profile != termenv.Ascii
	var writer io.Writer = pBar
	pBar.bar = progressbar.NewOptions(numSteps,
		progressbar.OptionSetDescription(description),
		progressbar.OptionUseANSICodes(pBar.richOutput),
		progressbar.OptionEnableColorCodes(pBar.richOutput),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(writer),
	)
	if pBar.richOutput {
		pBar.termenv = out
		pBar.statsStyle = lipgloss.NewStyle().PaddingLeft(8)
		pBar.updates = make(chan progressBarUpdate, 100) // Large buffer so things are not blocked.
		pBar.asyncUpdatesDone.Add(1)
		go pBar.asyncDisplay(pBar.updates)
	}
	return pBar
}

// Write implements io.Writer, and appends the current suffix to each line. It is the writer of the enclosed
// progressbar.ProgressBar, so the progress bar and its suffix are written in the same write operation.
// Otherwise, Jupyter Notebook may display things in different lines.
func (pBar *ProgressBar) Write(data []byte) (n int, err error) {
	n, err = os.Stdout.Write(data)
	if err != nil {
		return n, err
	}
	_, err = os.Stdout.Write([]byte(pBar.suffix))
	if err != nil {
		return 0, err
	}
	return
}

// Add reports that amount steps were completed, with the optional metrics given as name/value pairs.
func (pBar *ProgressBar) Add(amount int, metrics ...string) {
	if amount <= 0 {
		return
	}
	pBar.mu.Lock()
	pBar.stepsDone += amount
	pBar.mu.Unlock()
	if !pBar.richOutput {
		pBar.suffix = "        "
		_ = pBar.bar.Add(amount)
		return
	}
	if pBar.updates != nil {
		pBar.updates <- progressBarUpdate{amount: amount, metrics: metrics}
	}
}

// StepsDone returns the number of steps reported so far with Add.
func (pBar *ProgressBar) StepsDone() int {
	pBar.mu.Lock()
	defer pBar.mu.Unlock()
	return pBar.stepsDone
}

// Done waits for pending updates to be displayed, and finishes the progress bar.
func (pBar *ProgressBar) Done() {
	if pBar.updates != nil {
		close(pBar.updates)
		pBar.updates = nil
	}
	pBar.asyncUpdatesDone.Wait()
	if pBar.termenv != nil {
		pBar.termenv.ShowCursor()
	}
	fmt.Println()
}

func (pBar *ProgressBar) asyncDisplay(updates <-chan progressBarUpdate) {
	defer pBar.asyncUpdatesDone.Done()
	for update := range updates {
		// Exhaust the updates in the buffer:
		amount := update.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				update = newUpdate
			default:
				break exhaust
			}
		}

		stepsDone := pBar.StepsDone()
		table := newTable("Progress", "")
		table.Row("Steps", fmt.Sprintf("%s of %s", humanize.Comma(int64(stepsDone)), humanize.Comma(int64(pBar.numSteps))))
		table.Row("Elapsed", gomlxcli.FormatDuration(time.Since(pBar.start)))
		for ii := 0; ii+1 < len(update.metrics); ii += 2 {
			table.Row(update.metrics[ii], update.metrics[ii+1])
		}
		for _, extraMetric := range pBar.extraFns {
			name, value := extraMetric()
			table.Row(name, value)
		}
		rendered := pBar.statsStyle.Render(table.String())

		// For command-line, we clear the previous lines that will be overwritten.
		pBar.termenv.HideCursor()
		if !pBar.isFirstOutput {
			pBar.termenv.CursorPrevLine(pBar.numLinesPrinted)
		}
		pBar.isFirstOutput = false
		pBar.suffix = "\033[J"
		fmt.Println(rendered)
		_ = pBar.bar.Add(amount) // Prints progress bar line.
		fmt.Println()
		pBar.numLinesPrinted = lipgloss.Height(rendered) + 1
		pBar.termenv.ShowCursor()
		time.Sleep(maxUpdateFrequency)
	}
}
