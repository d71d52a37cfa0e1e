// Copyright 2023-2026 The PyTorchPipe Authors. SPDX-License-Identifier: Apache-2.0

// Package pipeline builds and runs an ordered sequence of components from a YAML configuration.
//
// Each mapping section of the pipeline configuration that has a "type" entry is a component: "type" names a
// registered component type (see component.Register) and "priority" (a number, unique within the pipeline)
// sets the order of execution, lowest first. The other entries of the section are the component configuration.
//
// Example:
//
//	pipeline:
//	  name: vqa_questions
//	  output_device: cpu
//	  tokenizer:
//	    type: SentenceTokenizer
//	    priority: 1.1
//	    preprocessing: all
//	    streams:
//	      inputs: questions
//	  embeddings:
//	    type: SentenceEmbeddings
//	    priority: 1.2
//	    data_parallel: true
//	    ...
//
// Components that hold parameters (component.Replicable) are wrapped with distributed.DataParallel when the
// pipeline is given more than one device, unless their section sets "data_parallel: false".
package pipeline

import (
	"cmp"
	"reflect"
	"slices"
	"time"

	"github.com/aasseman/pytorchpipe/pkg/core/devices"
	"github.com/aasseman/pytorchpipe/pkg/core/distributed"
	"github.com/aasseman/pytorchpipe/pkg/core/tensors"
	"github.com/aasseman/pytorchpipe/pkg/datastreams"
	"github.com/aasseman/pytorchpipe/pkg/ml/component"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var tensorType = reflect.TypeFor[*tensors.Tensor]()

// Section is the name of the top-level configuration section holding the pipeline, if present.
const Section = "pipeline"

// Stage is one component of the pipeline.
type Stage struct {
	// Name of the configuration section of the component.
	Name string

	// Type of the component, as registered with component.Register.
	Type string

	// Priority defines the order of execution.
	Priority float64

	// Component is the component itself. If DataParallel is set, it is a *distributed.DataParallel wrapping
	// the configured component.
	Component component.Component

	// DataParallel is set if the component runs split across the devices of the pipeline.
	DataParallel bool
}

// Module returns the configured component, unwrapping the data-parallel wrapper.
func (s *Stage) Module() component.Component {
	if dp, ok := s.Component.(*distributed.DataParallel); ok {
		return dp.Module()
	}
	return s.Component
}

// Pipeline is an ordered sequence of components sharing the same globals.
type Pipeline struct {
	name         string
	devs         []devices.Device
	outputDevice devices.Device
	globals      *component.Globals
	stages       []*Stage
}

// Load reads the pipeline configuration from a YAML file. See New.
func Load(path string, devs []devices.Device) (*Pipeline, error) {
	config, err := component.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return New(config, devs)
}

// New creates the pipeline from its configuration: either the "pipeline" section itself, or a configuration
// containing it. devs are the devices over which parameterized components are run, and can be empty.
//
// Pipeline level entries are:
//
//   - name: name of the pipeline. Default "pipeline".
//   - output_device: device where the outputs of data-parallel components are gathered. Default "cpu".
//   - data_parallel: default for the components "data_parallel" entry. Default true.
func New(config *component.Config, devs []devices.Device) (*Pipeline, error) {
	if config.Has(Section) {
		var err error
		if config, err = config.Sub(Section); err != nil {
			return nil, err
		}
	}
	if err := devices.Validate(devs); err != nil {
		return nil, errors.WithMessage(err, "pipeline")
	}
	p := &Pipeline{devs: slices.Clone(devs), globals: component.NewGlobals()}
	var err error
	if p.name, err = config.String("name", "pipeline"); err != nil {
		return nil, err
	}
	outputDevice, err := config.String("output_device", "cpu")
	if err != nil {
		return nil, err
	}
	if p.outputDevice, err = devices.ParseOne(outputDevice); err != nil {
		return nil, errors.WithMessagef(err, "pipeline %q", p.name)
	}
	defaultDataParallel, err := config.Bool("data_parallel", true)
	if err != nil {
		return nil, err
	}

	for _, key := range config.Keys() {
		section, err := config.Sub(key)
		if err != nil || !section.Has("type") {
			// Not a component section.
			continue
		}
		stage := &Stage{Name: key}
		if stage.Type, err = section.String("type", ""); err != nil {
			return nil, errors.WithMessagef(err, "pipeline %q", p.name)
		}
		if !section.Has("priority") {
			return nil, errors.Errorf("pipeline %q: component %q has no \"priority\"", p.name, key)
		}
		if stage.Priority, err = section.Float("priority", 0); err != nil {
			return nil, errors.WithMessagef(err, "pipeline %q", p.name)
		}
		p.stages = append(p.stages, stage)
	}
	if len(p.stages) == 0 {
		return nil, errors.Errorf("pipeline %q has no components", p.name)
	}
	slices.SortFunc(p.stages, func(a, b *Stage) int { return cmp.Compare(a.Priority, b.Priority) })
	for ii := 1; ii < len(p.stages); ii++ {
		if p.stages[ii].Priority == p.stages[ii-1].Priority {
			return nil, errors.Errorf("pipeline %q: components %q and %q have the same priority %g",
				p.name, p.stages[ii-1].Name, p.stages[ii].Name, p.stages[ii].Priority)
		}
	}

	for _, stage := range p.stages {
		section := must.M1(config.Sub(stage.Name))
		module, err := component.New(stage.Type, stage.Name, section, p.globals)
		if err != nil {
			return nil, errors.WithMessagef(err, "pipeline %q", p.name)
		}
		stage.Component = module
		wantDataParallel, err := section.Bool("data_parallel", defaultDataParallel)
		if err != nil {
			return nil, errors.WithMessagef(err, "pipeline %q, component %q", p.name, stage.Name)
		}
		if _, replicable := module.(component.Replicable); replicable && wantDataParallel && len(p.devs) > 1 {
			dp, err := distributed.New(module, p.devs, distributed.WithOutputDevice(p.outputDevice))
			if err != nil {
				return nil, errors.WithMessagef(err, "pipeline %q", p.name)
			}
			stage.Component = dp
			stage.DataParallel = true
		}
		klog.V(1).Infof("pipeline %q: component %q (%s, priority %g, data_parallel=%v)",
			p.name, stage.Name, stage.Type, stage.Priority, stage.DataParallel)
	}
	return p, nil
}

// Name of the pipeline.
func (p *Pipeline) Name() string { return p.name }

// Devices used by the data-parallel components.
func (p *Pipeline) Devices() []devices.Device { return slices.Clone(p.devs) }

// OutputDevice where the outputs of the data-parallel components are gathered.
func (p *Pipeline) OutputDevice() devices.Device { return p.outputDevice }

// Globals shared by the components.
func (p *Pipeline) Globals() *component.Globals { return p.globals }

// Stages in order of execution.
func (p *Pipeline) Stages() []*Stage { return slices.Clone(p.stages) }

// Validate checks that every input stream of every component is either one of the inputs (the streams of the
// batches given to Forward) or an output of a previous component, with compatible definitions. It also checks
// that no stream is produced twice, and that the inputs of the data-parallel components are declared as
// *tensors.Tensor.
func (p *Pipeline) Validate(inputs component.DataDefinitions) error {
	available := make(component.DataDefinitions, len(inputs))
	producers := make(map[string]string, len(inputs))
	for key, def := range inputs {
		available[key] = def
		producers[key] = "inputs"
	}
	for _, stage := range p.stages {
		consumed := stage.Component.InputDataDefinitions()
		for _, key := range consumed.Keys() {
			produced, found := available[key]
			if !found {
				return errors.Errorf("pipeline %q: input stream %q of component %q is not produced by any previous "+
					"component, available streams: %q", p.name, key, stage.Name, available.Keys())
			}
			if err := consumed[key].CheckCompatible(produced); err != nil {
				return errors.WithMessagef(err, "pipeline %q: stream %q produced by %q and consumed by %q",
					p.name, key, producers[key], stage.Name)
			}
			if stage.DataParallel && produced.GoType != tensorType {
				return errors.Errorf("pipeline %q: component %q runs data-parallel, but its input stream %q (produced "+
					"by %q) is of type %v, not a %s, so it can't be split across devices: "+
					"set \"data_parallel: false\" or feed it a tensor", p.name, stage.Name, key, producers[key],
					produced.GoType, tensorType)
			}
		}
		outputs := stage.Component.OutputDataDefinitions()
		for _, key := range outputs.Keys() {
			if producer, found := producers[key]; found {
				return errors.Errorf("pipeline %q: stream %q is produced by both %q and %q",
					p.name, key, producer, stage.Name)
			}
			available[key] = outputs[key]
			producers[key] = stage.Name
		}
	}
	return nil
}

// Forward runs the components in order over the batch, each one publishing its outputs into it.
func (p *Pipeline) Forward(batch *datastreams.DataStreams) error {
	_, err := p.ForwardTimed(batch)
	return err
}

// ForwardTimed is like Forward, and also returns the time taken by each stage.
func (p *Pipeline) ForwardTimed(batch *datastreams.DataStreams) ([]time.Duration, error) {
	elapsed := make([]time.Duration, 0, len(p.stages))
	for _, stage := range p.stages {
		start := time.Now()
		if err := stage.Component.Call(batch); err != nil {
			return nil, errors.WithMessagef(err, "pipeline %q, component %q", p.name, stage.Name)
		}
		elapsed = append(elapsed, time.Since(start))
		klog.V(2).Infof("pipeline %q: component %q took %s", p.name, stage.Name, elapsed[len(elapsed)-1])
	}
	return elapsed, nil
}
