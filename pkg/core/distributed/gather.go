// Copyright 2023-2026 The PyTorchPipe Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"fmt"
	"reflect"
	"slices"

	"github.com/aasseman/pytorchpipe/pkg/core/devices"
	"github.com/aasseman/pytorchpipe/pkg/core/tensors"
	"github.com/aasseman/pytorchpipe/pkg/datastreams"
	"github.com/aasseman/pytorchpipe/pkg/support/sets"
	"github.com/pkg/errors"
)

// GatherOption configures Gather.
type GatherOption func(g *gatherer)

// PreserveRecords makes Gather rebuild records with the Rebuild method of the record of the first device,
// so the result has the same concrete type. This is the default.
func PreserveRecords() GatherOption {
	return func(g *gatherer) { g.recordsAsMaps = false }
}

// RecordsAsMaps makes Gather return records as plain map[string]any.
func RecordsAsMaps() GatherOption {
	return func(g *gatherer) { g.recordsAsMaps = true }
}

// Gather merges the per-device values (outputs[i] produced by device #i) into one value on the target device.
// It is the inverse of Scatter:
//
//   - Tensors are concatenated along axis, in device order, into a new tensor on target.
//     It fails with ErrShape if they cannot be concatenated.
//   - If the value of the first device is nil, the result is nil.
//   - Records and maps must have the same key set on every device, otherwise it fails with ErrKeyMismatch. Each
//     field is gathered recursively, and the container is rebuilt (see PreserveRecords and RecordsAsMaps).
//   - Sequences must have the same length on every device; each element is gathered recursively.
//   - Other values are returned as is if they are equal (reflect.DeepEqual) on every device, otherwise Gather
//     returns a []any with the value of each device.
//
// Values at the same position of different devices must be of the same kind and type, otherwise it fails
// with ErrStructureMismatch.
func Gather(outputs []any, target devices.Device, axis int, opts ...GatherOption) (any, error) {
	if len(outputs) == 0 {
		return nil, errors.New("Gather requires the output of at least one device")
	}
	g := &gatherer{target: target, axis: axis}
	for _, opt := range opts {
		opt(g)
	}
	return g.gather(outputs, "")
}

// gatherer holds the state of one Gather call. Like scatterer, it recurses through methods with an
// explicit path.
type gatherer struct {
	target        devices.Device
	axis          int
	recordsAsMaps bool
}

func (g *gatherer) gather(values []any, path string) (any, error) {
	firstKind, firstV := kindOf(values[0])
	if firstKind == kindNil {
		return nil, nil
	}
	for ii, value := range values[1:] {
		k, v := kindOf(value)
		if k != firstKind {
			return nil, errors.Wrapf(ErrStructureMismatch, "Gather: at %s device #%d has a %s, but device #0 has a %s",
				pathOrRoot(path), ii+1, k, firstKind)
		}
		if (k == kindSequence || k == kindMapping || k == kindRecord) && v.Type() != firstV.Type() {
			return nil, errors.Wrapf(ErrStructureMismatch, "Gather: at %s device #%d has type %s, but device #0 has type %s",
				pathOrRoot(path), ii+1, v.Type(), firstV.Type())
		}
	}

	switch firstKind {
	case kindTensor:
		return g.gatherTensors(values, path)
	case kindSequence:
		return g.gatherSequences(values, firstV, path)
	case kindMapping:
		return g.gatherMappings(values, firstV, path)
	case kindRecord:
		return g.gatherRecords(values, path)
	case kindOpaque:
		for _, value := range values[1:] {
			if !reflect.DeepEqual(values[0], value) {
				perDevice := make([]any, len(values))
				copy(perDevice, values)
				return perDevice, nil
			}
		}
		return values[0], nil
	}
	return nil, errors.Errorf("Gather: unknown kind %s at %s", firstKind, pathOrRoot(path))
}

// gatherTensors concatenates the tensors. If they are all scalars, they are stacked into a vector
// with one value per device.
func (g *gatherer) gatherTensors(values []any, path string) (any, error) {
	ts := make([]*tensors.Tensor, len(values))
	scalars := true
	for ii, value := range values {
		ts[ii] = value.(*tensors.Tensor)
		scalars = scalars && ts[ii].Rank() == 0
	}
	if scalars {
		for ii, t := range ts {
			var err error
			if ts[ii], err = t.Reshape(1); err != nil {
				return nil, errors.Wrapf(ErrShape, "Gather: scalar tensor at %s of device #%d: %v", pathOrRoot(path), ii, err)
			}
		}
	}
	merged, err := tensors.Concatenate(g.axis, g.target, ts...)
	if err != nil {
		return nil, errors.Wrapf(ErrShape, "Gather: tensors at %s: %v", pathOrRoot(path), err)
	}
	return merged, nil
}

func (g *gatherer) gatherSequences(values []any, firstV reflect.Value, path string) (any, error) {
	n := firstV.Len()
	vs := make([]reflect.Value, len(values))
	for ii, value := range values {
		vs[ii] = reflect.ValueOf(value)
		if vs[ii].Len() != n {
			return nil, errors.Wrapf(ErrStructureMismatch, "Gather: at %s device #%d has a sequence of length %d, but device #0 has length %d",
				pathOrRoot(path), ii, vs[ii].Len(), n)
		}
	}
	if n == 0 {
		return values[0], nil
	}
	elemType := firstV.Type().Elem()
	result := newSequenceLike(firstV, n)
	elems := make([]any, len(values))
	for elemIdx := range n {
		for ii, v := range vs {
			elems[ii] = v.Index(elemIdx).Interface()
		}
		elemPath := fmt.Sprintf("%s[%d]", path, elemIdx)
		merged, err := g.gather(elems, elemPath)
		if err != nil {
			return nil, err
		}
		mergedV, err := valueFor(merged, elemType)
		if err != nil {
			return nil, errors.Wrapf(ErrStructureMismatch, "Gather: at %s: %v", elemPath, err)
		}
		result.Index(elemIdx).Set(mergedV)
	}
	return result.Interface(), nil
}

// checkKeys returns an ErrKeyMismatch if the keys of device #deviceIdx differ from those of device #0.
func checkKeys(path string, deviceIdx int, want, got sets.Set[string]) error {
	if want.Equal(got) {
		return nil
	}
	return keyMismatch(path, deviceIdx, sets.Sorted(want.Sub(got)), sets.Sorted(got.Sub(want)))
}

func keyMismatch(path string, deviceIdx int, missing, extra []string) error {
	return errors.Wrapf(ErrKeyMismatch, "Gather: at %s device #%d is missing keys %q and has extra keys %q, compared to device #0",
		pathOrRoot(path), deviceIdx, missing, extra)
}

// checkMapKeys is like checkKeys for Go maps of the same type: keys are compared by value, not by their
// printed form.
func checkMapKeys(path string, deviceIdx int, first, v reflect.Value) error {
	var missing, extra []string
	for _, key := range first.MapKeys() {
		if !v.MapIndex(key).IsValid() {
			missing = append(missing, keyName(key))
		}
	}
	for _, key := range v.MapKeys() {
		if !first.MapIndex(key).IsValid() {
			extra = append(extra, keyName(key))
		}
	}
	if len(missing) == 0 && len(extra) == 0 {
		return nil
	}
	slices.Sort(missing)
	slices.Sort(extra)
	return keyMismatch(path, deviceIdx, missing, extra)
}

func (g *gatherer) gatherMappings(values []any, firstV reflect.Value, path string) (any, error) {
	vs := make([]reflect.Value, len(values))
	for ii, value := range values {
		vs[ii] = reflect.ValueOf(value)
		if err := checkMapKeys(path, ii, firstV, vs[ii]); err != nil {
			return nil, err
		}
	}
	keys := mapKeys(firstV)
	if len(keys) == 0 {
		return values[0], nil
	}
	elemType := firstV.Type().Elem()
	result := reflect.MakeMapWithSize(firstV.Type(), len(keys))
	elems := make([]any, len(values))
	for _, key := range keys {
		for ii, v := range vs {
			elems[ii] = v.MapIndex(key).Interface()
		}
		elemPath := path + ">" + keyName(key)
		merged, err := g.gather(elems, elemPath)
		if err != nil {
			return nil, err
		}
		mergedV, err := valueFor(merged, elemType)
		if err != nil {
			return nil, errors.Wrapf(ErrStructureMismatch, "Gather: at %s: %v", elemPath, err)
		}
		result.SetMapIndex(key, mergedV)
	}
	return result.Interface(), nil
}

func (g *gatherer) gatherRecords(values []any, path string) (any, error) {
	records := make([]datastreams.Record, len(values))
	for ii, value := range values {
		records[ii] = value.(datastreams.Record)
	}
	keys := records[0].Keys()
	want := sets.MakeWith(keys...)
	for ii := 1; ii < len(records); ii++ {
		if err := checkKeys(path, ii, want, sets.MakeWith(records[ii].Keys()...)); err != nil {
			return nil, err
		}
	}
	merged := make([]any, len(keys))
	fields := make([]any, len(records))
	for keyIdx, key := range keys {
		for ii, record := range records {
			fields[ii], _ = record.Get(key)
		}
		var err error
		merged[keyIdx], err = g.gather(fields, path+">"+key)
		if err != nil {
			return nil, err
		}
	}
	if g.recordsAsMaps {
		m := make(map[string]any, len(keys))
		for keyIdx, key := range keys {
			m[key] = merged[keyIdx]
		}
		return m, nil
	}
	rebuilt, err := records[0].Rebuild(keys, merged)
	if err != nil {
		return nil, errors.WithMessagef(err, "Gather: rebuilding record at %s", pathOrRoot(path))
	}
	return rebuilt, nil
}
