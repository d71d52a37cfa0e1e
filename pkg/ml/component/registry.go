// Copyright 2023-2026 The PyTorchPipe Authors. SPDX-License-Identifier: Apache-2.0

package component

import (
	"sync"

	"github.com/aasseman/pytorchpipe/pkg/support/xslices"
	"github.com/pkg/errors"
)

// Constructor creates a component from its name, configuration section and the globals of the pipeline.
type Constructor func(name string, config *Config, globals *Globals) (Component, error)

var (
	registryMu             sync.RWMutex
	registeredConstructors = make(map[string]Constructor)
)

// Register the constructor of a component type, as referred to by the "type" entry of a pipeline
// configuration section.
//
// To be safe, call Register during initialization of a package. Registering a type twice replaces the
// previous constructor.
func Register(typeName string, constructor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registeredConstructors[typeName] = constructor
}

// RegisterType is a typed version of Register, for constructors returning a concrete component type.
func RegisterType[C Component](typeName string, constructor func(name string, config *Config, globals *Globals) (C, error)) {
	Register(typeName, func(name string, config *Config, globals *Globals) (Component, error) {
		c, err := constructor(name, config, globals)
		if err != nil {
			return nil, err
		}
		return c, nil
	})
}

// RegisteredTypes returns the sorted names of the registered component types.
func RegisteredTypes() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return xslices.SortedKeys(registeredConstructors)
}

// New creates a component of a registered type.
func New(typeName, name string, config *Config, globals *Globals) (Component, error) {
	registryMu.RLock()
	constructor, found := registeredConstructors[typeName]
	registryMu.RUnlock()
	if !found {
		return nil, errors.Errorf("component %q: unknown type %q, registered types are %q -- maybe import "+
			"the default components with import _ \"github.com/aasseman/pytorchpipe/pkg/ml/components/default\"?",
			name, typeName, RegisteredTypes())
	}
	return constructor(name, config, globals)
}
