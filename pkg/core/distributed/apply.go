// Copyright 2023-2026 The PyTorchPipe Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"github.com/aasseman/pytorchpipe/pkg/core/devices"
	"github.com/aasseman/pytorchpipe/pkg/datastreams"
	"github.com/aasseman/pytorchpipe/pkg/ml/component"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// ParallelApply calls replicas[i] on shards[i] bound to devs[i], all concurrently, one goroutine per device.
// It returns when all replicas have finished.
//
// Each shard must be a *datastreams.DataStreams. Each replica is called on its own shallow copy of its shard,
// which it populates with its outputs (see component.Component.Call), and which becomes its output. Outputs
// are returned in device order, independent of the order in which the replicas finish.
//
// If any replica fails (returns an error or panics) ParallelApply returns the first failure as a
// *ReplicaExecutionError, and no outputs.
func ParallelApply(replicas []component.Component, shards []any, devs []devices.Device) ([]any, error) {
	if len(replicas) != len(shards) || len(replicas) != len(devs) {
		return nil, errors.Wrapf(ErrReplication, "ParallelApply: got %d replicas, %d shards and %d devices, they must match",
			len(replicas), len(shards), len(devs))
	}
	outputs := make([]any, len(replicas))
	var group errgroup.Group
	for ii := range replicas {
		group.Go(func() error {
			output, err := applyReplica(replicas[ii], shards[ii])
			if err != nil {
				klog.V(1).Infof("ParallelApply: replica #%d on %s failed: %v", ii, devs[ii], err)
				return &ReplicaExecutionError{Replica: ii, Device: devs[ii], Err: err}
			}
			outputs[ii] = output
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return outputs, nil
}

// applyReplica runs one replica, converting panics to errors.
func applyReplica(replica component.Component, shard any) (any, error) {
	streams, ok := shard.(*datastreams.DataStreams)
	if !ok {
		return nil, errors.Errorf("shard must be a *datastreams.DataStreams, got %T", shard)
	}
	streams = streams.Clone()
	var err error
	exception := exceptions.Try(func() {
		err = replica.Call(streams)
	})
	if exception != nil {
		if panicErr, ok := exception.(error); ok {
			return nil, errors.WithMessagef(panicErr, "%q panicked", replica.Name())
		}
		return nil, errors.Errorf("%q panicked: %v", replica.Name(), exception)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "%q", replica.Name())
	}
	return streams, nil
}
