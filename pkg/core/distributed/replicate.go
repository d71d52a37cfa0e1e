// Copyright 2023-2026 The PyTorchPipe Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"github.com/aasseman/pytorchpipe/pkg/core/devices"
	"github.com/aasseman/pytorchpipe/pkg/ml/component"
	"github.com/pkg/errors"
)

// Replicate returns one copy of module per device, replicas[i] bound to devs[i].
//
// If module implements component.Replicable, each replica is created with Replica(device), and owns its
// parameters. Otherwise, the module is stateless and the same instance is shared by all devices.
//
// It fails with ErrReplication if devs is empty or if any replica cannot be created. The module is not changed.
func Replicate(module component.Component, devs []devices.Device) ([]component.Component, error) {
	if module == nil {
		return nil, errors.Wrap(ErrReplication, "Replicate: module is nil")
	}
	if len(devs) == 0 {
		return nil, errors.Wrapf(ErrReplication, "Replicate(%q): no devices given", module.Name())
	}
	replicas := make([]component.Component, len(devs))
	replicable, ok := module.(component.Replicable)
	if !ok {
		for ii := range replicas {
			replicas[ii] = module
		}
		return replicas, nil
	}
	for ii, device := range devs {
		replica, err := replicable.Replica(device)
		if err != nil {
			return nil, errors.Wrapf(ErrReplication, "Replicate(%q): replica #%d on %s: %v", module.Name(), ii, device, err)
		}
		if replica == nil {
			return nil, errors.Wrapf(ErrReplication, "Replicate(%q): replica #%d on %s is nil", module.Name(), ii, device)
		}
		replicas[ii] = replica
	}
	return replicas, nil
}
