// Copyright 2023-2026 The PyTorchPipe Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"fmt"
	"slices"
	"time"

	"github.com/aasseman/pytorchpipe/pkg/core/devices"
	"github.com/aasseman/pytorchpipe/pkg/datastreams"
	"github.com/aasseman/pytorchpipe/pkg/ml/component"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// State of one DataParallel call. A call goes through the states in order, and nothing is kept across calls.
type State int

const (
	StateIdle State = iota
	StateScattered
	StateReplicated
	StateApplied
	StateGathered
	StateDone
)

var stateNames = []string{"Idle", "Scattered", "Replicated", "Applied", "Gathered", "Done"}

// String implements fmt.Stringer.
func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// DataParallel runs a module over a batch split across devices: Scatter, Replicate, ParallelApply and Gather.
//
// With no devices the module is called directly on the batch, and with one device it is called directly on the
// batch moved to that device (see MoveTo). The same happens, on the first device, when the module inputs
// hold no tensor rows to split, and the outputs are then moved to the output device.
//
// Its configuration is fixed at construction. Concurrent calls are safe as long as the module itself
// (and its Replica method) are.
type DataParallel struct {
	module       component.Component
	devs         []devices.Device
	outputDevice devices.Device
	axis         int
	gatherOpts   []GatherOption
}

// Option configures a DataParallel.
type Option func(dp *DataParallel)

// WithOutputDevice sets the device where the outputs are gathered. It defaults to the first device, or
// devices.CPU if there are no devices.
func WithOutputDevice(device devices.Device) Option {
	return func(dp *DataParallel) { dp.outputDevice = device }
}

// WithAxis sets the batch axis along which tensors are split and concatenated. Default is 0.
// Negative values are counted from the end.
func WithAxis(axis int) Option {
	return func(dp *DataParallel) { dp.axis = axis }
}

// WithGatherOptions sets the options used when gathering the per-device outputs. See PreserveRecords and
// RecordsAsMaps.
func WithGatherOptions(opts ...GatherOption) Option {
	return func(dp *DataParallel) { dp.gatherOpts = append(dp.gatherOpts, opts...) }
}

// New creates a DataParallel running module over devs. The order of devs defines the order of the shards.
func New(module component.Component, devs []devices.Device, opts ...Option) (*DataParallel, error) {
	if module == nil {
		return nil, errors.New("DataParallel: module is nil")
	}
	if err := devices.Validate(devs); err != nil {
		return nil, errors.WithMessagef(err, "DataParallel(%q)", module.Name())
	}
	dp := &DataParallel{
		module:       module,
		devs:         slices.Clone(devs),
		outputDevice: devices.CPU,
	}
	if len(devs) > 0 {
		dp.outputDevice = devs[0]
	}
	for _, opt := range opts {
		opt(dp)
	}
	return dp, nil
}

// MustNew is like New, but panics on error.
func MustNew(module component.Component, devs []devices.Device, opts ...Option) *DataParallel {
	dp, err := New(module, devs, opts...)
	if err != nil {
		panic(err)
	}
	return dp
}

// Name implements component.Component, and returns the name of the wrapped module.
func (dp *DataParallel) Name() string { return dp.module.Name() }

// InputDataDefinitions implements component.Component.
func (dp *DataParallel) InputDataDefinitions() component.DataDefinitions {
	return dp.module.InputDataDefinitions()
}

// OutputDataDefinitions implements component.Component.
func (dp *DataParallel) OutputDataDefinitions() component.DataDefinitions {
	return dp.module.OutputDataDefinitions()
}

// Module returns the wrapped module.
func (dp *DataParallel) Module() component.Component { return dp.module }

// Devices returns the devices the module runs on.
func (dp *DataParallel) Devices() []devices.Device { return slices.Clone(dp.devs) }

// OutputDevice returns where outputs are gathered.
func (dp *DataParallel) OutputDevice() devices.Device { return dp.outputDevice }

// Call implements component.Component: it runs the module over the batch (see Forward), so a DataParallel can
// be used in place of the module in a pipeline.
func (dp *DataParallel) Call(streams *datastreams.DataStreams) error {
	return dp.Forward(streams)
}

// Forward runs the module over the batch and publishes the outputs declared by the module
// (OutputDataDefinitions) into batch.
func (dp *DataParallel) Forward(batch *datastreams.DataStreams) error {
	result, err := dp.Run(batch)
	if err != nil {
		return err
	}
	outputs := make(map[string]any)
	for _, key := range dp.module.OutputDataDefinitions().Keys() {
		value, found := result.Get(key)
		if !found {
			return errors.Errorf("DataParallel(%q): module didn't produce its declared output %q", dp.Name(), key)
		}
		outputs[key] = value
	}
	return errors.WithMessagef(batch.Publish(outputs), "DataParallel(%q)", dp.Name())
}

// Run the module over the batch and return the resulting record: the batch fields plus the outputs of the
// module. The batch itself is not modified.
//
// Errors from any step (ErrShape, ErrReplication, ErrReplicaExecution, ErrKeyMismatch, ErrStructureMismatch)
// are returned as is: the call fails as a whole, and no partial result is returned.
func (dp *DataParallel) Run(batch *datastreams.DataStreams) (*datastreams.DataStreams, error) {
	if batch == nil {
		return nil, errors.Errorf("DataParallel(%q): batch is nil", dp.Name())
	}
	r := &dataParallelRun{dp: dp, id: uuid.NewString()}
	start := time.Now()
	var (
		result *datastreams.DataStreams
		err    error
		path   string
	)
	switch len(dp.devs) {
	case 0:
		path = PathLocal
		result, err = r.local(batch)
	case 1:
		path = PathSingle
		result, err = r.single(batch)
	default:
		path = PathDistributed
		result, err = r.distributed(batch)
	}
	klog.V(2).Infof("DataParallel(%q) run %s: %s path over %d device(s)", dp.Name(), r.id, path, len(dp.devs))
	r.observe(path, time.Since(start), err)
	return result, err
}

// dataParallelRun holds the state of one DataParallel.Run call.
type dataParallelRun struct {
	dp    *DataParallel
	id    string
	state State
}

func (r *dataParallelRun) transition(next State) {
	klog.V(2).Infof("DataParallel(%q) run %s: %s -> %s", r.dp.Name(), r.id, r.state, next)
	r.state = next
}

// local calls the module on a copy of the batch.
func (r *dataParallelRun) local(batch *datastreams.DataStreams) (*datastreams.DataStreams, error) {
	result := batch.Clone()
	if err := r.dp.module.Call(result); err != nil {
		return nil, errors.WithMessagef(err, "DataParallel(%q)", r.dp.Name())
	}
	r.transition(StateDone)
	return result, nil
}

// single calls the module on the batch moved to the first device. Nothing is split.
func (r *dataParallelRun) single(batch *datastreams.DataStreams) (*datastreams.DataStreams, error) {
	moved, err := MoveTo(batch, r.dp.devs[0])
	if err != nil {
		return nil, err
	}
	return r.local(moved.(*datastreams.DataStreams))
}

// splitRows returns the number of rows the inputs of the module can be split into: the smallest, over the
// input streams declared by the module, of the largest dimension on the batch axis of the tensors in the
// stream. It is 0 if one of these streams holds no tensor (or no rows), since Scatter would give it whole to
// every replica. Modules that declare no inputs are measured over the whole batch.
func (dp *DataParallel) splitRows(batch *datastreams.DataStreams) (int, error) {
	s := &scatterer{axis: dp.axis}
	rows := -1
	for _, key := range dp.module.InputDataDefinitions().Keys() {
		value, found := batch.Get(key)
		if !found {
			// Missing inputs are reported by the module itself.
			continue
		}
		n, err := s.measure(value, ">"+key)
		if err != nil {
			return 0, err
		}
		if rows < 0 || n < rows {
			rows = n
		}
	}
	if rows < 0 {
		return s.measure(batch, "")
	}
	return rows, nil
}

func (r *dataParallelRun) distributed(batch *datastreams.DataStreams) (*datastreams.DataStreams, error) {
	dp := r.dp
	rows, err := dp.splitRows(batch)
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		klog.V(1).Infof("DataParallel(%q) run %s: inputs have no rows to split, running on %s only",
			dp.Name(), r.id, dp.devs[0])
		result, err := r.single(batch)
		if err != nil {
			return nil, err
		}
		moved, err := MoveTo(result, dp.outputDevice)
		if err != nil {
			return nil, err
		}
		return moved.(*datastreams.DataStreams), nil
	}

	shards, err := Scatter(batch, dp.devs, dp.axis)
	if err != nil {
		return nil, err
	}
	used := dp.devs[:len(shards)]
	shardsUsed.WithLabelValues(dp.Name()).Set(float64(len(shards)))
	if len(used) < len(dp.devs) {
		klog.V(1).Infof("DataParallel(%q) run %s: batch only split in %d shards, using devices %v",
			dp.Name(), r.id, len(shards), used)
	}
	r.transition(StateScattered)

	replicas, err := Replicate(dp.module, used)
	if err != nil {
		return nil, err
	}
	r.transition(StateReplicated)

	outputs, err := ParallelApply(replicas, shards, used)
	if err != nil {
		return nil, err
	}
	r.transition(StateApplied)

	gathered, err := Gather(outputs, dp.outputDevice, dp.axis, dp.gatherOpts...)
	if err != nil {
		return nil, err
	}
	r.transition(StateGathered)

	var result *datastreams.DataStreams
	switch g := gathered.(type) {
	case *datastreams.DataStreams:
		result = g
	case map[string]any:
		result = datastreams.FromMap(g)
	default:
		return nil, errors.Errorf("DataParallel(%q): gathered outputs of type %T, expected a record", dp.Name(), gathered)
	}
	r.transition(StateDone)
	return result, nil
}

// Run is a convenience function that creates a DataParallel for module over devs, gathering on outputDevice,
// and runs it over batch. See DataParallel.Run.
func Run(module component.Component, batch *datastreams.DataStreams, devs []devices.Device,
	outputDevice devices.Device) (*datastreams.DataStreams, error) {
	dp, err := New(module, devs, WithOutputDevice(outputDevice))
	if err != nil {
		return nil, err
	}
	return dp.Run(batch)
}
