// Copyright 2023-2026 The PyTorchPipe Authors. SPDX-License-Identifier: Apache-2.0

// Package component defines the contract of a pipeline stage: a Component reads the streams it declares as
// inputs from a datastreams.DataStreams and publishes the streams it declares as outputs.
//
// Components are configured from a YAML section (see Config): the "streams" sub-section remaps the logical
// names used by the component to the actual stream names of the pipeline, and the "globals" sub-section does the
// same for the values shared across components (see Globals).
//
// Components that hold trainable parameters implement Replicable, so they can be copied to each device by the
// data-parallel engine (package distributed).
package component

import (
	"github.com/aasseman/pytorchpipe/pkg/core/devices"
	"github.com/aasseman/pytorchpipe/pkg/datastreams"
	"github.com/pkg/errors"
)

// Component is one stage of a pipeline.
type Component interface {
	// Name of the component, as given in the configuration.
	Name() string

	// InputDataDefinitions returns the streams read by the component, keyed by the actual stream name.
	InputDataDefinitions() DataDefinitions

	// OutputDataDefinitions returns the streams published by the component, keyed by the actual stream name.
	OutputDataDefinitions() DataDefinitions

	// Call processes one batch: it reads its inputs from streams and publishes its outputs into it.
	Call(streams *datastreams.DataStreams) error
}

// Replicable is implemented by components with device-local state (parameters).
//
// Replica returns an independent copy of the component bound to the device: it shares the (immutable)
// configuration, but owns its parameter storage. The original component must not be changed.
//
// Components that don't implement Replicable are considered stateless and are shared as is by all devices.
type Replicable interface {
	Component
	Replica(device devices.Device) (Component, error)
}

// Base implements the common functionality of components: name, configuration, stream keys and globals.
// Concrete components embed it.
type Base struct {
	name    string
	config  *Config
	globals *Globals

	streamKeys, globalKeys map[string]string
}

// NewBase parses the common sections ("streams" and "globals") of the component configuration.
// globals can be nil, in which case a private Globals is created.
func NewBase(name string, config *Config, globals *Globals) (Base, error) {
	if config == nil {
		config = NewConfig(nil)
	}
	if globals == nil {
		globals = NewGlobals()
	}
	b := Base{name: name, config: config, globals: globals}
	var err error
	b.streamKeys, err = config.StringMap("streams")
	if err != nil {
		return b, errors.WithMessagef(err, "component %q", name)
	}
	b.globalKeys, err = config.StringMap("globals")
	if err != nil {
		return b, errors.WithMessagef(err, "component %q", name)
	}
	return b, nil
}

// Name implements Component.
func (b *Base) Name() string { return b.name }

// Config returns the configuration of the component.
func (b *Base) Config() *Config { return b.config }

// Globals returns the globals shared with the other components of the pipeline.
func (b *Base) Globals() *Globals { return b.globals }

// StreamKey maps the logical name of a stream, as used by the component, to the actual name of the stream.
// If no mapping was configured, the logical name is used.
func (b *Base) StreamKey(logical string) string {
	if key, found := b.streamKeys[logical]; found {
		return key
	}
	return logical
}

// GlobalKey maps the logical name of a global to its actual name.
func (b *Base) GlobalKey(logical string) string {
	if key, found := b.globalKeys[logical]; found {
		return key
	}
	return logical
}

// SetGlobal sets the (logical) global to the value. See Globals.Set.
func (b *Base) SetGlobal(logical string, value any) error {
	return errors.WithMessagef(b.globals.Set(b.GlobalKey(logical), value), "component %q", b.name)
}

// Global returns the value of the (logical) global.
func (b *Base) Global(logical string) (any, bool) {
	return b.globals.Get(b.GlobalKey(logical))
}

// InputStream returns the value of the (logical) input stream, or an error if it is missing.
func (b *Base) InputStream(streams *datastreams.DataStreams, logical string) (any, error) {
	key := b.StreamKey(logical)
	value, found := streams.Get(key)
	if !found {
		return nil, errors.Errorf("component %q: input stream %q not found, available streams: %v",
			b.name, key, streams.Keys())
	}
	return value, nil
}
