// Copyright 2023-2026 The PyTorchPipe Authors. SPDX-License-Identifier: Apache-2.0

package component

import (
	"slices"

	"github.com/aasseman/pytorchpipe/pkg/core/devices"
	"github.com/aasseman/pytorchpipe/pkg/core/tensors"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Parameters is the device-local storage of the named tensors (e.g. embedding tables) of a component.
//
// All parameters live on the same device. It is not safe for concurrent modification: each replica
// owns its own Parameters.
type Parameters struct {
	device devices.Device
	names  []string
	values map[string]*tensors.Tensor
}

// NewParameters creates an empty parameters storage on the device.
func NewParameters(device devices.Device) *Parameters {
	return &Parameters{device: device, values: make(map[string]*tensors.Tensor)}
}

// Device where the parameters are stored.
func (p *Parameters) Device() devices.Device { return p.device }

// Len returns the number of parameters.
func (p *Parameters) Len() int { return len(p.names) }

// Names returns the parameter names in creation order.
func (p *Parameters) Names() []string { return slices.Clone(p.names) }

// Set the parameter, moving the tensor to the parameters device if needed.
func (p *Parameters) Set(name string, value *tensors.Tensor) {
	if value == nil {
		exceptions.Panicf("Parameters.Set(%q, nil): parameter value cannot be nil", name)
	}
	if _, found := p.values[name]; !found {
		p.names = append(p.names, name)
	}
	p.values[name] = value.To(p.device)
}

// Get returns the parameter, or an error if it doesn't exist.
func (p *Parameters) Get(name string) (*tensors.Tensor, error) {
	value, found := p.values[name]
	if !found {
		return nil, errors.Errorf("parameter %q not found, available parameters: %q", name, p.names)
	}
	return value, nil
}

// Memory returns the total memory used by the parameters, in bytes.
func (p *Parameters) Memory() uintptr {
	var total uintptr
	for _, value := range p.values {
		total += value.Memory()
	}
	return total
}

// Replicate returns an independent copy of the parameters on the device: the tensors are cloned
// even if the device is the same, so the copy never shares storage with the original.
func (p *Parameters) Replicate(device devices.Device) *Parameters {
	p2 := NewParameters(device)
	for _, name := range p.names {
		p2.names = append(p2.names, name)
		p2.values[name] = p.values[name].CloneTo(device)
	}
	return p2
}
