// Copyright 2023-2026 The PyTorchPipe Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"fmt"
	"reflect"

	"github.com/aasseman/pytorchpipe/pkg/core/devices"
	"github.com/aasseman/pytorchpipe/pkg/core/tensors"
	"github.com/aasseman/pytorchpipe/pkg/datastreams"
	"github.com/pkg/errors"
)

// Scatter splits value into per-device shards, one for each of the first k devices, where k is the smallest
// of len(devs) and the largest dimension on axis of the tensors in value. If value holds no tensors,
// k = len(devs).
//
// Shard #i is destined to devs[i]:
//
//   - Tensors are split along axis in k near-equal chunks (see tensors.ChunkSizes), chunk #i placed on devs[i].
//     It fails with ErrShape if a tensor is a scalar, the axis is out of range, or its dimension on the axis is
//     smaller than k.
//   - Non-empty sequences (slices, arrays), maps and records (datastreams.Record) are traversed element-wise, and
//     each shard is a new container of the same type holding the shard of each element. Records are rebuilt with
//     Record.Rebuild, so their concrete type is preserved.
//   - Empty containers, nil and any other value (strings, numbers, ...) are shared by every shard.
//
// The value is not modified.
func Scatter(value any, devs []devices.Device, axis int) ([]any, error) {
	if len(devs) == 0 {
		return nil, errors.New("Scatter requires at least one device")
	}
	s := &scatterer{axis: axis}
	maxDim, err := s.measure(value, "")
	if err != nil {
		return nil, err
	}
	numShards := len(devs)
	if maxDim > 0 && maxDim < numShards {
		numShards = maxDim
	}
	s.devs = devs[:numShards]
	return s.scatter(value, "")
}

// MoveTo returns value with every tensor moved to device (see tensors.Tensor.To). Containers and records are
// rebuilt as in Scatter, but tensors are never split, so scalars and tensors with no rows are moved as is.
//
// The value is not modified.
func MoveTo(value any, device devices.Device) (any, error) {
	s := &scatterer{devs: []devices.Device{device}, moveOnly: true}
	moved, err := s.scatter(value, "")
	if err != nil {
		return nil, err
	}
	return moved[0], nil
}

// scatterer holds the state of one Scatter call. Its recursion goes through methods, with the
// traversal path passed explicitly.
type scatterer struct {
	devs []devices.Device
	axis int

	// moveOnly is set by MoveTo: there is only one device, and tensors are moved instead of split.
	moveOnly bool
}

// measure validates the tensors in value, and returns the largest of their dimensions on the scatter axis,
// or 0 if there are no tensors.
func (s *scatterer) measure(value any, path string) (int, error) {
	k, v := kindOf(value)
	switch k {
	case kindTensor:
		t := value.(*tensors.Tensor)
		if t.Rank() == 0 {
			return 0, errors.Wrapf(ErrShape, "Scatter: tensor at %s is a scalar, it cannot be split", pathOrRoot(path))
		}
		adjustedAxis, err := t.Shape().AdjustAxis(s.axis)
		if err != nil {
			return 0, errors.Wrapf(ErrShape, "Scatter: tensor at %s: %v", pathOrRoot(path), err)
		}
		return t.Shape().Dimensions[adjustedAxis], nil

	case kindSequence:
		maxDim := 0
		for ii := range v.Len() {
			dim, err := s.measure(v.Index(ii).Interface(), fmt.Sprintf("%s[%d]", path, ii))
			if err != nil {
				return 0, err
			}
			maxDim = max(maxDim, dim)
		}
		return maxDim, nil

	case kindMapping:
		maxDim := 0
		iter := v.MapRange()
		for iter.Next() {
			dim, err := s.measure(iter.Value().Interface(), fmt.Sprintf("%s>%v", path, iter.Key().Interface()))
			if err != nil {
				return 0, err
			}
			maxDim = max(maxDim, dim)
		}
		return maxDim, nil

	case kindRecord:
		record := value.(datastreams.Record)
		maxDim := 0
		for _, key := range record.Keys() {
			field, _ := record.Get(key)
			dim, err := s.measure(field, path+">"+key)
			if err != nil {
				return 0, err
			}
			maxDim = max(maxDim, dim)
		}
		return maxDim, nil

	case kindNil, kindOpaque:
		return 0, nil
	}
	return 0, errors.Errorf("Scatter: unknown kind %s at %s", k, pathOrRoot(path))
}

// scatter returns exactly len(s.devs) shards of value.
func (s *scatterer) scatter(value any, path string) ([]any, error) {
	k, v := kindOf(value)
	switch k {
	case kindTensor:
		if s.moveOnly {
			t := value.(*tensors.Tensor)
			if err := t.CheckValid(); err != nil {
				return nil, errors.Wrapf(ErrShape, "MoveTo: tensor at %s: %v", pathOrRoot(path), err)
			}
			return []any{t.To(s.devs[0])}, nil
		}
		chunks, err := value.(*tensors.Tensor).SplitOnto(s.axis, s.devs)
		if err != nil {
			return nil, errors.Wrapf(ErrShape, "Scatter: tensor at %s over %d devices: %v",
				pathOrRoot(path), len(s.devs), err)
		}
		shards := make([]any, len(chunks))
		for ii, chunk := range chunks {
			shards[ii] = chunk
		}
		return shards, nil

	case kindSequence:
		if v.Len() == 0 {
			return s.duplicate(value), nil
		}
		return s.scatterSequence(v, path)

	case kindMapping:
		if v.Len() == 0 {
			return s.duplicate(value), nil
		}
		return s.scatterMapping(v, path)

	case kindRecord:
		record := value.(datastreams.Record)
		if record.Len() == 0 {
			return s.duplicate(value), nil
		}
		return s.scatterRecord(record, path)

	case kindNil, kindOpaque:
		return s.duplicate(value), nil
	}
	return nil, errors.Errorf("Scatter: unknown kind %s at %s", k, pathOrRoot(path))
}

// duplicate shares the value with every shard.
func (s *scatterer) duplicate(value any) []any {
	shards := make([]any, len(s.devs))
	for ii := range shards {
		shards[ii] = value
	}
	return shards
}

// scatterSequence scatters each element, and transposes the result: shard #i is a sequence with the
// shard #i of each element.
func (s *scatterer) scatterSequence(v reflect.Value, path string) ([]any, error) {
	n := v.Len()
	elemType := v.Type().Elem()
	shards := make([]reflect.Value, len(s.devs))
	for ii := range shards {
		shards[ii] = newSequenceLike(v, n)
	}
	for elemIdx := range n {
		elemPath := fmt.Sprintf("%s[%d]", path, elemIdx)
		elemShards, err := s.scatter(v.Index(elemIdx).Interface(), elemPath)
		if err != nil {
			return nil, err
		}
		for ii, elemShard := range elemShards {
			elemV, err := valueFor(elemShard, elemType)
			if err != nil {
				return nil, errors.WithMessagef(err, "Scatter: at %s", elemPath)
			}
			shards[ii].Index(elemIdx).Set(elemV)
		}
	}
	return valuesToAny(shards), nil
}

// scatterMapping is like scatterSequence, for Go maps.
func (s *scatterer) scatterMapping(v reflect.Value, path string) ([]any, error) {
	elemType := v.Type().Elem()
	shards := make([]reflect.Value, len(s.devs))
	for ii := range shards {
		shards[ii] = reflect.MakeMapWithSize(v.Type(), v.Len())
	}
	iter := v.MapRange()
	for iter.Next() {
		elemPath := fmt.Sprintf("%s>%v", path, iter.Key().Interface())
		elemShards, err := s.scatter(iter.Value().Interface(), elemPath)
		if err != nil {
			return nil, err
		}
		for ii, elemShard := range elemShards {
			elemV, err := valueFor(elemShard, elemType)
			if err != nil {
				return nil, errors.WithMessagef(err, "Scatter: at %s", elemPath)
			}
			shards[ii].SetMapIndex(iter.Key(), elemV)
		}
	}
	return valuesToAny(shards), nil
}

// scatterRecord is like scatterSequence, but shards are rebuilt with the record's own Rebuild.
func (s *scatterer) scatterRecord(record datastreams.Record, path string) ([]any, error) {
	keys := record.Keys()
	perDevice := make([][]any, len(s.devs))
	for ii := range perDevice {
		perDevice[ii] = make([]any, len(keys))
	}
	for keyIdx, key := range keys {
		field, _ := record.Get(key)
		fieldShards, err := s.scatter(field, path+">"+key)
		if err != nil {
			return nil, err
		}
		for ii, fieldShard := range fieldShards {
			perDevice[ii][keyIdx] = fieldShard
		}
	}
	shards := make([]any, len(s.devs))
	for ii, values := range perDevice {
		shard, err := record.Rebuild(keys, values)
		if err != nil {
			return nil, errors.WithMessagef(err, "Scatter: rebuilding record at %s for %s", pathOrRoot(path), s.devs[ii])
		}
		shards[ii] = shard
	}
	return shards, nil
}

func valuesToAny(values []reflect.Value) []any {
	result := make([]any, len(values))
	for ii, v := range values {
		result[ii] = v.Interface()
	}
	return result
}
