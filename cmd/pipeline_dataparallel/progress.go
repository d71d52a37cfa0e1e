// Copyright 2023-2026 The PyTorchPipe Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// maxUpdateFrequency is the time between updates of the command-line display.
const maxUpdateFrequency = 200 * time.Millisecond

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// progressUpdate is sent after each batch.
type progressUpdate struct {
	batches   int
	sentences int
	lastBatch time.Duration
}

// progressDisplay shows a progress bar over the batches, with a table of statistics above it, redrawn
// asynchronously so a slow terminal doesn't slow down the pipeline.
type progressDisplay struct {
	bar           *progressbar.ProgressBar
	termenv       *termenv.Output
	statsStyle    lipgloss.Style
	statsTable    *lgtable.Table
	isFirstOutput bool
	updates       chan progressUpdate
	done          sync.WaitGroup
}

// newProgressDisplay starts the display for numBatches batches.
func newProgressDisplay(runID string, numBatches int) *progressDisplay {
	pd := &progressDisplay{
		termenv:       termenv.NewOutput(os.Stdout),
		statsStyle:    lipgloss.NewStyle().PaddingLeft(8),
		isFirstOutput: true,
		updates:       make(chan progressUpdate, 100),
	}
	pd.bar = progressbar.NewOptions(numBatches,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("batches"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
	)
	pd.statsTable = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	pd.done.Add(1)
	go pd.draw(runID, numBatches)
	return pd
}

func (pd *progressDisplay) draw(runID string, numBatches int) {
	defer pd.done.Done()
	reported := 0
	for update := range pd.updates {
		// Only the latest update in the buffer is drawn.
	exhaust:
		for {
			select {
			case newUpdate, ok := <-pd.updates:
				if !ok {
					break exhaust
				}
				update = newUpdate
			default:
				break exhaust
			}
		}

		pd.statsTable.Data(lgtable.NewStringData())
		pd.statsTable.Row("Run", runID)
		pd.statsTable.Row("Batches", fmt.Sprintf("%s of %s", humanize.Comma(int64(update.batches)), humanize.Comma(int64(numBatches))))
		pd.statsTable.Row("Sentences", humanize.Comma(int64(update.sentences)))
		pd.statsTable.Row("Last batch", update.lastBatch.String())

		pd.termenv.HideCursor()
		if !pd.isFirstOutput {
			// Table rows + borders, and the progress bar line.
			pd.termenv.CursorPrevLine(4 + 2 + 2)
		}
		pd.isFirstOutput = false
		fmt.Println(pd.statsStyle.Render(pd.statsTable.String()))
		_ = pd.bar.Add(update.batches - reported)
		reported = update.batches
		fmt.Println()
		pd.termenv.ShowCursor()
		time.Sleep(maxUpdateFrequency)
	}
}

// Update enqueues the statistics after a batch.
func (pd *progressDisplay) Update(update progressUpdate) {
	pd.updates <- update
}

// Close waits for the pending updates to be drawn.
func (pd *progressDisplay) Close() {
	close(pd.updates)
	pd.done.Wait()
	pd.termenv.ShowCursor()
	fmt.Println()
}
