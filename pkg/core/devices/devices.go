// Copyright 2023-2026 The PyTorchPipe Authors. SPDX-License-Identifier: Apache-2.0

// Package devices defines Device, the identifier of one accelerator, and helpers to handle ordered lists of them.
//
// The order of a device list is meaningful: when a batch is distributed, shard #i is sent to the device at
// position i, and the output of that device is reassembled at position i.
package devices

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/aasseman/pytorchpipe/pkg/support/sets"
	"github.com/pkg/errors"
)

// Device identifies one accelerator by its index. CPU (-1) refers to the host.
type Device int

// CPU is the host device. Tensors created locally live on the CPU.
const CPU Device = -1

// IsCPU returns whether d is the host device.
func (d Device) IsCPU() bool { return d == CPU }

// String implements fmt.Stringer: "cpu" or "device:<index>".
func (d Device) String() string {
	if d.IsCPU() {
		return "cpu"
	}
	return fmt.Sprintf("device:%d", int(d))
}

// Range returns the devices 0 to n-1.
func Range(n int) []Device {
	devs := make([]Device, n)
	for ii := range devs {
		devs[ii] = Device(ii)
	}
	return devs
}

// Validate checks that the list has no duplicates and that it only holds valid device indices.
// The CPU is not accepted as a target of distribution.
func Validate(devs []Device) error {
	seen := sets.Make[Device](len(devs))
	for ii, d := range devs {
		if d < 0 {
			return errors.Errorf("invalid device %s at position %d: only accelerators (index >= 0) can be used", d, ii)
		}
		if seen.Has(d) {
			return errors.Errorf("device %s is duplicated in device list %v", d, devs)
		}
		seen.Insert(d)
	}
	return nil
}

// Parse a comma-separated list of devices, e.g. "0,1,3". The empty string returns an empty list.
// The string "cpu" parses to CPU.
func Parse(s string) ([]Device, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	devs := make([]Device, 0, len(parts))
	for _, part := range parts {
		d, err := ParseOne(part)
		if err != nil {
			return nil, errors.WithMessagef(err, "parsing device list %q", s)
		}
		devs = append(devs, d)
	}
	return devs, nil
}

// ParseOne parses one device: "cpu", "-1", "3" or "device:3".
func ParseOne(s string) (Device, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "cpu" {
		return CPU, nil
	}
	s = strings.TrimPrefix(s, "device:")
	idx, err := strconv.Atoi(s)
	if err != nil {
		return CPU, errors.Wrapf(err, "invalid device %q", s)
	}
	if idx < int(CPU) {
		return CPU, errors.Errorf("invalid device index %d", idx)
	}
	return Device(idx), nil
}
