// Copyright 2023-2026 The PyTorchPipe Authors. SPDX-License-Identifier: Apache-2.0

package component

import (
	"reflect"
	"sync"

	"github.com/pkg/errors"
)

// Globals are values shared by the components of a pipeline, e.g.: the vocabulary size exported by an
// embedding layer and consumed by a classifier head.
//
// It is safe for concurrent use.
type Globals struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewGlobals creates an empty Globals.
func NewGlobals() *Globals {
	return &Globals{values: make(map[string]any)}
}

// Set the global. Setting an already set global to a different value is an error: globals are written once
// and read many times.
func (g *Globals) Set(key string, value any) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if previous, found := g.values[key]; found && !reflect.DeepEqual(previous, value) {
		return errors.Errorf("global %q already set to %v, cannot change it to %v", key, previous, value)
	}
	g.values[key] = value
	return nil
}

// Get returns the global and whether it is set.
func (g *Globals) Get(key string) (any, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	value, found := g.values[key]
	return value, found
}

// Int returns the global as an int, or an error if it is not set or not an int.
func (g *Globals) Int(key string) (int, error) {
	value, found := g.Get(key)
	if !found {
		return 0, errors.Errorf("global %q not set", key)
	}
	i, ok := value.(int)
	if !ok {
		return 0, errors.Errorf("global %q must be an int, got %T", key, value)
	}
	return i, nil
}
