// Copyright 2023-2026 The PyTorchPipe Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"net/http"
	"os"

	"github.com/aasseman/pytorchpipe/pkg/core/distributed"
	"github.com/aasseman/pytorchpipe/pkg/ml/pipeline"
	"github.com/aasseman/pytorchpipe/pkg/support/fsutil"
	"github.com/janpfeifer/must"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// serveMetrics registers the DataParallel metrics and serves them in the background.
func serveMetrics(addr string) {
	must.M(distributed.RegisterMetrics(prometheus.DefaultRegisterer))
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		klog.Infof("serving metrics on http://%s/metrics", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			klog.Errorf("metrics server stopped: %v", err)
		}
	}()
}

type jsonReport struct {
	Run          string            `json:"run"`
	Pipeline     string            `json:"pipeline"`
	Devices      []string          `json:"devices"`
	OutputDevice string            `json:"output_device"`
	Batches      int               `json:"batches"`
	Sentences    int               `json:"sentences"`
	ElapsedMS    float64           `json:"elapsed_ms"`
	Components   []jsonComponent   `json:"components"`
	LastOutput   map[string]string `json:"last_output,omitempty"`
}

type jsonComponent struct {
	Name           string  `json:"name"`
	Type           string  `json:"type"`
	Priority       float64 `json:"priority"`
	DataParallel   bool    `json:"data_parallel"`
	ParameterBytes int64   `json:"parameter_bytes,omitempty"`
	ElapsedMS      float64 `json:"elapsed_ms"`
}

func newJSONReport(p *pipeline.Pipeline, stats *runStats) *jsonReport {
	r := &jsonReport{
		Run:          stats.id,
		Pipeline:     p.Name(),
		OutputDevice: p.OutputDevice().String(),
		Batches:      stats.batches,
		Sentences:    stats.sentences,
		ElapsedMS:    float64(stats.elapsed.Microseconds()) / 1000,
	}
	for _, device := range p.Devices() {
		r.Devices = append(r.Devices, device.String())
	}
	for ii, stage := range p.Stages() {
		c := jsonComponent{
			Name:         stage.Name,
			Type:         stage.Type,
			Priority:     stage.Priority,
			DataParallel: stage.DataParallel,
			ElapsedMS:    float64(stats.perStage[ii].Microseconds()) / 1000,
		}
		if withParams, ok := stage.Module().(parameterized); ok {
			c.ParameterBytes = int64(withParams.Parameters().Memory())
		}
		r.Components = append(r.Components, c)
	}
	if stats.lastOutput != nil {
		r.LastOutput = make(map[string]string)
		for key, value := range stats.lastOutput.Items() {
			r.LastOutput[key] = describe(value)
		}
	}
	return r
}

func writeJSONReport(path string, p *pipeline.Pipeline, stats *runStats) error {
	contents, err := jsonAPI.MarshalIndent(newJSONReport(p, stats), "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to serialize the report")
	}
	if err := fsutil.CreateParentDir(path); err != nil {
		return err
	}
	return errors.Wrapf(os.WriteFile(path, contents, 0644), "failed to write report to %q", path)
}
