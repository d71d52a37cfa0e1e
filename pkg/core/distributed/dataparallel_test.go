// Copyright 2023-2026 The PyTorchPipe Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aasseman/pytorchpipe/pkg/core/devices"
	"github.com/aasseman/pytorchpipe/pkg/core/tensors"
	"github.com/aasseman/pytorchpipe/pkg/datastreams"
	"github.com/aasseman/pytorchpipe/pkg/ml/component"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scaleModule publishes "y" = "x" * scale, where scale is a parameter replicated per device.
// The hook, if set, is called first with the device of the replica.
type scaleModule struct {
	device   devices.Device
	params   *component.Parameters
	hook     func(device devices.Device, streams *datastreams.DataStreams) error
	replicas *atomic.Int32
}

var _ component.Replicable = (*scaleModule)(nil)

func newScaleModule(scale float32) *scaleModule {
	params := component.NewParameters(devices.CPU)
	params.Set("scale", tensors.FromScalar(scale))
	return &scaleModule{device: devices.CPU, params: params, replicas: &atomic.Int32{}}
}

func (m *scaleModule) Name() string { return "scale" }

func (m *scaleModule) InputDataDefinitions() component.DataDefinitions {
	return component.DataDefinitions{"x": {Dimensions: []int{-1, -1}, Description: "inputs"}}
}

func (m *scaleModule) OutputDataDefinitions() component.DataDefinitions {
	return component.DataDefinitions{"y": {Dimensions: []int{-1, -1}, Description: "scaled inputs"}}
}

func (m *scaleModule) Replica(device devices.Device) (component.Component, error) {
	m.replicas.Add(1)
	return &scaleModule{device: device, params: m.params.Replicate(device), hook: m.hook, replicas: m.replicas}, nil
}

func (m *scaleModule) Call(streams *datastreams.DataStreams) error {
	if m.hook != nil {
		if err := m.hook(m.device, streams); err != nil {
			return err
		}
	}
	x, ok := streams.MustGet("x").(*tensors.Tensor)
	if !ok {
		return errors.Errorf("x must be a tensor")
	}
	scale := tensors.MustFlatData[float32](must.M1(m.params.Get("scale")))[0]
	xFlat := tensors.MustFlatData[float32](x)
	yFlat := make([]float32, len(xFlat))
	for ii, v := range xFlat {
		yFlat[ii] = v * scale
	}
	y, err := tensors.FromFlatOnDevice(x.Shape(), x.Device(), yFlat)
	if err != nil {
		return err
	}
	return streams.Publish(map[string]any{"y": y})
}

// statelessModule publishes "rows", the number of rows of "x", and has no parameters.
type statelessModule struct{}

func (statelessModule) Name() string                                     { return "stateless" }
func (statelessModule) InputDataDefinitions() component.DataDefinitions  { return nil }
func (statelessModule) OutputDataDefinitions() component.DataDefinitions { return nil }
func (statelessModule) Call(streams *datastreams.DataStreams) error {
	x := streams.MustGet("x").(*tensors.Tensor)
	return streams.Publish(map[string]any{"rows": tensors.FromValue([]int64{int64(x.Shape().Dimensions[0])})})
}

func makeBatch(rows int) *datastreams.DataStreams {
	batch := datastreams.New()
	batch.Set("x", tensors.Iota[float32](rows, 2))
	batch.Set("ids", []string{"q1", "q2"})
	return batch
}

func TestReplicate(t *testing.T) {
	module := newScaleModule(2)
	replicas, err := Replicate(module, devices.Range(3))
	require.NoError(t, err)
	require.Len(t, replicas, 3)
	for ii, replica := range replicas {
		scaled := replica.(*scaleModule)
		assert.Equal(t, devices.Device(ii), scaled.device)
		assert.Equal(t, devices.Device(ii), scaled.params.Device())
		assert.NotSame(t, module.params, scaled.params)
	}
	assert.Equal(t, devices.CPU, module.device)
	assert.Equal(t, devices.CPU, module.params.Device())

	stateless, err := Replicate(statelessModule{}, devices.Range(2))
	require.NoError(t, err)
	assert.Equal(t, []component.Component{statelessModule{}, statelessModule{}}, stateless)

	_, err = Replicate(module, nil)
	require.ErrorIs(t, err, ErrReplication)
	_, err = Replicate(nil, devices.Range(2))
	require.ErrorIs(t, err, ErrReplication)
}

func TestParallelApplyOrdering(t *testing.T) {
	const numDevices = 4
	module := newScaleModule(1)
	// Devices with lower index finish last.
	module.hook = func(device devices.Device, streams *datastreams.DataStreams) error {
		time.Sleep(time.Duration(numDevices-int(device)) * 20 * time.Millisecond)
		return streams.Publish(map[string]any{"device": int(device)})
	}
	devs := devices.Range(numDevices)
	result, err := Run(module, makeBatch(8), devs, devices.CPU)
	require.NoError(t, err)
	assert.Equal(t, []any{0, 1, 2, 3}, result.MustGet("device"))
	y := result.MustGet("y").(*tensors.Tensor)
	assert.Equal(t, devices.CPU, y.Device())
	assert.True(t, tensors.Iota[float32](8, 2).Equal(y))
	assert.Equal(t, []string{"q1", "q2"}, result.MustGet("ids"))
}

func TestParallelApplyFailures(t *testing.T) {
	devs := devices.Range(3)
	for _, failure := range []string{"error", "panic-error", "panic-string"} {
		t.Run(failure, func(t *testing.T) {
			module := newScaleModule(1)
			var calls atomic.Int32
			module.hook = func(device devices.Device, _ *datastreams.DataStreams) error {
				calls.Add(1)
				if device != 1 {
					return nil
				}
				switch failure {
				case "error":
					return errors.New("out of memory")
				case "panic-error":
					panic(errors.New("out of memory"))
				default:
					panic("out of memory")
				}
			}
			result, err := Run(module, makeBatch(6), devs, devices.CPU)
			require.Error(t, err)
			assert.Nil(t, result)
			require.ErrorIs(t, err, ErrReplicaExecution)
			var replicaErr *ReplicaExecutionError
			require.True(t, errors.As(err, &replicaErr))
			assert.Equal(t, 1, replicaErr.Replica)
			assert.Equal(t, devices.Device(1), replicaErr.Device)
			assert.Contains(t, err.Error(), "out of memory")
			// All replicas were launched and joined before returning.
			assert.Equal(t, int32(3), calls.Load())
		})
	}

	// Mismatched inputs.
	_, err := ParallelApply([]component.Component{statelessModule{}}, []any{datastreams.New(), datastreams.New()}, devs[:2])
	require.ErrorIs(t, err, ErrReplication)
	_, err = ParallelApply([]component.Component{statelessModule{}}, []any{"not a record"}, devs[:1])
	require.ErrorIs(t, err, ErrReplicaExecution)
}

func TestDataParallelKeyMismatch(t *testing.T) {
	module := newScaleModule(1)
	module.hook = func(device devices.Device, streams *datastreams.DataStreams) error {
		if device == 2 {
			streams.Delete("ids")
		}
		return nil
	}
	_, err := Run(module, makeBatch(8), devices.Range(4), devices.CPU)
	require.ErrorIs(t, err, ErrKeyMismatch)
	assert.Contains(t, err.Error(), "device #2")
}

func TestDataParallelFastPaths(t *testing.T) {
	batch := makeBatch(5)
	direct := batch.Clone()
	require.NoError(t, newScaleModule(3).Call(direct))

	// No devices.
	module := newScaleModule(3)
	result, err := Run(module, batch, nil, devices.CPU)
	require.NoError(t, err)
	assert.Equal(t, direct, result)
	assert.Equal(t, int32(0), module.replicas.Load())

	// One device: no replicas, outputs stay on the device.
	result, err = Run(module, batch, []devices.Device{3}, devices.CPU)
	require.NoError(t, err)
	assert.Equal(t, int32(0), module.replicas.Load())
	y := result.MustGet("y").(*tensors.Tensor)
	assert.Equal(t, devices.Device(3), y.Device())
	assert.True(t, direct.MustGet("y").(*tensors.Tensor).Equal(y))
	assert.Equal(t, direct.Keys(), result.Keys())

	// One device: scalars and batches with no rows are moved, never split.
	withScalar := makeBatch(4)
	withScalar.Set("step", tensors.FromScalar(int64(7)))
	directWithScalar := withScalar.Clone()
	require.NoError(t, newScaleModule(3).Call(directWithScalar))
	result, err = Run(module, withScalar, []devices.Device{1}, devices.CPU)
	require.NoError(t, err)
	assert.Equal(t, devices.Device(1), result.MustGet("step").(*tensors.Tensor).Device())
	assert.True(t, directWithScalar.MustGet("y").(*tensors.Tensor).Equal(result.MustGet("y").(*tensors.Tensor)))

	empty := makeBatch(0)
	directEmpty := empty.Clone()
	require.NoError(t, newScaleModule(3).Call(directEmpty))
	result, err = Run(module, empty, []devices.Device{1}, devices.CPU)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2}, result.MustGet("y").(*tensors.Tensor).Shape().Dimensions)

	// Many devices, but no rows: runs on the first device only, outputs on the output device.
	result, err = Run(module, makeBatch(0), devices.Range(3), devices.CPU)
	require.NoError(t, err)
	assert.Equal(t, int32(0), module.replicas.Load())
	y = result.MustGet("y").(*tensors.Tensor)
	assert.Equal(t, []int{0, 2}, y.Shape().Dimensions)
	assert.Equal(t, devices.CPU, y.Device())

	// Two devices: same result as the direct call.
	result, err = Run(module, batch, devices.Range(2), devices.CPU)
	require.NoError(t, err)
	assert.Equal(t, int32(2), module.replicas.Load())
	assert.True(t, direct.MustGet("y").(*tensors.Tensor).Equal(result.MustGet("y").(*tensors.Tensor)))

	// The batch is not changed.
	assert.Equal(t, makeBatch(5), batch)
}

func TestDataParallelForward(t *testing.T) {
	module := newScaleModule(2)
	dp := must.M1(New(module, devices.Range(4), WithOutputDevice(devices.Device(1)), WithAxis(0)))
	var _ component.Component = dp
	assert.Equal(t, "scale", dp.Name())
	assert.Equal(t, devices.Device(1), dp.OutputDevice())
	assert.Equal(t, devices.Range(4), dp.Devices())
	assert.Equal(t, module.OutputDataDefinitions(), dp.OutputDataDefinitions())

	batch := makeBatch(3)
	require.NoError(t, dp.Forward(batch))
	assert.Equal(t, []string{"x", "ids", "y"}, batch.Keys())
	y := batch.MustGet("y").(*tensors.Tensor)
	assert.Equal(t, devices.Device(1), y.Device())
	assert.Equal(t, [][]float32{{0, 2}, {4, 6}, {8, 10}}, y.Value())
	// Only 3 rows: only 3 replicas.
	assert.Equal(t, int32(3), module.replicas.Load())

	// Outputs are never overwritten.
	require.Error(t, dp.Call(batch))

	// Gathering records as maps still produces a record.
	dp = must.M1(New(module, devices.Range(2), WithGatherOptions(RecordsAsMaps())))
	result := must.M1(dp.Run(makeBatch(4)))
	assert.Equal(t, []string{"ids", "x", "y"}, result.Keys())

	// Invalid devices.
	_, err := New(module, []devices.Device{0, 0})
	require.Error(t, err)
	_, err = New(module, []devices.Device{devices.CPU})
	require.Error(t, err)
	require.Panics(t, func() { MustNew(nil, nil) })
}

// lengthsModule publishes "lengths", the length of each of the "words".
type lengthsModule struct{}

func (lengthsModule) Name() string { return "lengths" }
func (lengthsModule) InputDataDefinitions() component.DataDefinitions {
	return component.DataDefinitions{"words": {Description: "one word per row"}}
}
func (lengthsModule) OutputDataDefinitions() component.DataDefinitions {
	return component.DataDefinitions{"lengths": {Dimensions: []int{-1}}}
}
func (lengthsModule) Call(streams *datastreams.DataStreams) error {
	words := streams.MustGet("words").([]string)
	lengths := make([]int64, len(words))
	for ii, word := range words {
		lengths[ii] = int64(len(word))
	}
	return streams.Publish(map[string]any{"lengths": tensors.FromValue(lengths)})
}

func TestDataParallelUnsplittableInputs(t *testing.T) {
	// Inputs without tensors would be given whole to every device, multiplying the outputs: the module
	// runs once instead, even if other streams of the batch could be split.
	for name, batch := range map[string]*datastreams.DataStreams{
		"words only":  datastreams.FromMap(map[string]any{"words": []string{"a", "bb", "ccc"}}),
		"with tensor": datastreams.FromMap(map[string]any{"words": []string{"a", "bb", "ccc"}, "x": tensors.Iota[float32](6, 2)}),
	} {
		t.Run(name, func(t *testing.T) {
			result, err := Run(lengthsModule{}, batch, devices.Range(3), devices.Device(2))
			require.NoError(t, err)
			lengths := result.MustGet("lengths").(*tensors.Tensor)
			assert.Equal(t, []int64{1, 2, 3}, lengths.Value())
			assert.Equal(t, devices.Device(2), lengths.Device())
		})
	}
}

func TestStateString(t *testing.T) {
	var names []string
	for s := StateIdle; s <= StateDone; s++ {
		names = append(names, s.String())
	}
	assert.Equal(t, "[Idle Scattered Replicated Applied Gathered Done]", fmt.Sprint(names))
	assert.Equal(t, "State(9)", State(9).String())
}

func TestStatelessDataParallel(t *testing.T) {
	result, err := Run(statelessModule{}, makeBatch(6), devices.Range(3), devices.Device(0))
	require.NoError(t, err)
	rows := result.MustGet("rows").(*tensors.Tensor)
	assert.Equal(t, []int64{2, 2, 2}, rows.Value())
	assert.Equal(t, devices.Device(0), rows.Device())
}
