// Copyright 2023-2026 The PyTorchPipe Authors. SPDX-License-Identifier: Apache-2.0

// pipeline_dataparallel runs a YAML-configured pipeline over the sentences of a text file (one per line),
// with the parameterized components split across the given devices, and reports the results.
//
// Usage:
//
//	pipeline_dataparallel -config=questions.yaml -devices=0,1,2 questions.txt
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/aasseman/pytorchpipe/pkg/core/devices"
	"github.com/aasseman/pytorchpipe/pkg/core/tensors"
	"github.com/aasseman/pytorchpipe/pkg/datastreams"
	"github.com/aasseman/pytorchpipe/pkg/ml/component"
	_ "github.com/aasseman/pytorchpipe/pkg/ml/components/default"
	"github.com/aasseman/pytorchpipe/pkg/ml/pipeline"
	"github.com/aasseman/pytorchpipe/pkg/ml/vocab"
	"github.com/aasseman/pytorchpipe/pkg/support/fsutil"
	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagConfig     = flag.String("config", "", "YAML file with the pipeline configuration.")
	flagDevices    = flag.String("devices", "", "Comma-separated list of devices (e.g. \"0,1,2\") over which to split the parameterized components. Takes precedence over -num_devices.")
	flagNumDevices = flag.Int("num_devices", 0, "Number of devices to use, starting from device 0, if -devices is not given.")
	flagStream     = flag.String("stream", "sentences", "Name of the stream where the sentences are fed to the pipeline.")
	flagBatchSize  = flag.Int("batch_size", 32, "Number of sentences per batch.")
	flagProgress   = flag.Bool("progress", true, "Display a progress bar while running the batches.")
	flagMetrics    = flag.String("metrics_addr", "", "If set (e.g. \":9090\"), serve the Prometheus metrics on http://<addr>/metrics while running.")
	flagJSON       = flag.String("json", "", "If set, also write the report as JSON to this file.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	args := flag.Args()
	if *flagConfig == "" || len(args) != 1 {
		klog.Errorf("Missing -config or the text file with the sentences. See 'pipeline_dataparallel -help'.")
		os.Exit(1)
	}
	if *flagBatchSize <= 0 {
		klog.Errorf("-batch_size must be > 0, got %d", *flagBatchSize)
		os.Exit(1)
	}
	devs := must.M1(devices.Parse(*flagDevices))
	if len(devs) == 0 && *flagNumDevices > 0 {
		devs = devices.Range(*flagNumDevices)
	}
	configPath := fsutil.MustReplaceTildeInDir(*flagConfig)
	p := must.M1(pipeline.Load(configPath, devs))
	must.M(p.Validate(component.DataDefinitions{*flagStream: {
		Dimensions:  []int{-1, 1},
		GoType:      reflect.TypeFor[[]string](),
		Description: "Batch of sentences read from the input file",
	}}))

	inputPath := fsutil.MustReplaceTildeInDir(args[0])
	if !fsutil.MustFileExists(inputPath) {
		klog.Errorf("Input file %q not found.", inputPath)
		os.Exit(1)
	}
	sentences := must.M1(vocab.LoadListFromTxtFile(filepath.Dir(inputPath), filepath.Base(inputPath)))
	if *flagMetrics != "" {
		serveMetrics(*flagMetrics)
	}
	stats := run(p, sentences)
	report(p, stats)
	if *flagJSON != "" {
		must.M(writeJSONReport(fsutil.MustReplaceTildeInDir(*flagJSON), p, stats))
		klog.Infof("JSON report written to %q", *flagJSON)
	}
}

// runStats accumulates the results of all the batches.
type runStats struct {
	id         string
	batches    int
	sentences  int
	elapsed    time.Duration
	perStage   []time.Duration
	lastOutput *datastreams.DataStreams
}

func run(p *pipeline.Pipeline, sentences []string) *runStats {
	stats := &runStats{id: uuid.NewString(), perStage: make([]time.Duration, len(p.Stages()))}
	klog.Infof("run %s: %d sentences, pipeline %q on devices %v", stats.id, len(sentences), p.Name(), p.Devices())
	var progress *progressDisplay
	if *flagProgress {
		progress = newProgressDisplay(stats.id, (len(sentences)+*flagBatchSize-1) / *flagBatchSize)
	}
	start := time.Now()
	for batchStart := 0; batchStart < len(sentences); batchStart += *flagBatchSize {
		batchEnd := min(batchStart+*flagBatchSize, len(sentences))
		batch := datastreams.New()
		batch.Set(*flagStream, sentences[batchStart:batchEnd])
		batchStartTime := time.Now()
		elapsed := must.M1(p.ForwardTimed(batch))
		for ii, d := range elapsed {
			stats.perStage[ii] += d
		}
		stats.batches++
		stats.sentences += batchEnd - batchStart
		stats.lastOutput = batch
		if progress != nil {
			progress.Update(progressUpdate{batches: stats.batches, sentences: stats.sentences, lastBatch: time.Since(batchStartTime)})
		}
	}
	stats.elapsed = time.Since(start)
	if progress != nil {
		progress.Close()
	}
	return stats
}

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == 1 {
				s = headerRowStyle
				return
			}
			switch {
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Right)
			} else {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}

// parameterized is implemented by the components that hold parameters.
type parameterized interface {
	Parameters() *component.Parameters
}

func report(p *pipeline.Pipeline, stats *runStats) {
	fmt.Println(titleStyle.Render("Summary"))
	table := newPlainTable(false)
	table.Row("run", stats.id)
	table.Row("pipeline", p.Name())
	table.Row("devices", fmt.Sprint(p.Devices()))
	table.Row("output device", p.OutputDevice().String())
	table.Row("# batches", humanize.Comma(int64(stats.batches)))
	table.Row("# sentences", humanize.Comma(int64(stats.sentences)))
	table.Row("elapsed", stats.elapsed.String())
	fmt.Println(table.Render())

	fmt.Println(titleStyle.Render("Components"))
	table = newPlainTable(true)
	table.Row("Component", "Type", "Priority", "Data Parallel", "Parameters", "Time")
	for ii, stage := range p.Stages() {
		params := "-"
		if withParams, ok := stage.Module().(parameterized); ok {
			params = humanize.Bytes(uint64(withParams.Parameters().Memory()))
		}
		table.Row(stage.Name, stage.Type, fmt.Sprintf("%g", stage.Priority), fmt.Sprint(stage.DataParallel),
			params, stats.perStage[ii].String())
	}
	fmt.Println(table.Render())

	if stats.lastOutput == nil {
		return
	}
	fmt.Println(titleStyle.Render("Streams of the last batch"))
	table = newPlainTable(true)
	table.Row("Stream", "Value")
	for key, value := range stats.lastOutput.Items() {
		table.Row(key, describe(value))
	}
	fmt.Println(table.Render())
}

// describe a stream value in one line.
func describe(value any) string {
	switch v := value.(type) {
	case *tensors.Tensor:
		return fmt.Sprintf("%s on %s (%s)", v.Shape(), v.Device(), humanize.Bytes(uint64(v.Memory())))
	case []string:
		return fmt.Sprintf("[]string, %d sentences", len(v))
	case [][]string:
		return fmt.Sprintf("[][]string, %d tokenized sentences", len(v))
	}
	return fmt.Sprintf("%T", value)
}
