// Copyright 2023-2026 The PyTorchPipe Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"reflect"

	"github.com/aasseman/pytorchpipe/pkg/core/devices"
	"github.com/pkg/errors"
)

// ChunkSizes returns the sizes of n near-equal chunks of dim elements: the first dim%n chunks get one extra
// element. E.g.: ChunkSizes(10, 4) = [3, 3, 2, 2].
//
// It returns an error if n <= 0 or dim < n, since that would yield empty chunks.
func ChunkSizes(dim, n int) ([]int, error) {
	if n <= 0 {
		return nil, errors.Errorf("number of chunks must be > 0, got %d", n)
	}
	if dim < n {
		return nil, errors.Errorf("cannot split dimension %d in %d non-empty chunks", dim, n)
	}
	sizes := make([]int, n)
	base, extra := dim/n, dim%n
	for ii := range sizes {
		sizes[ii] = base
		if ii < extra {
			sizes[ii]++
		}
	}
	return sizes, nil
}

// Split the tensor along axis into n near-equal chunks (see ChunkSizes).
// The chunks are new tensors (data is copied) on the same device as t.
func (t *Tensor) Split(axis, n int) ([]*Tensor, error) {
	if err := t.CheckValid(); err != nil {
		return nil, err
	}
	adjustedAxis, err := t.shape.AdjustAxis(axis)
	if err != nil {
		return nil, errors.WithMessage(err, "Tensor.Split")
	}
	sizes, err := ChunkSizes(t.shape.Dimensions[adjustedAxis], n)
	if err != nil {
		return nil, errors.WithMessagef(err, "Tensor.Split(axis=%d) of tensor %s", axis, t.shape)
	}
	return t.splitSizes(adjustedAxis, sizes), nil
}

// SplitOnto splits the tensor along axis into len(devs) near-equal chunks (see ChunkSizes), with chunk #i
// placed on devs[i].
func (t *Tensor) SplitOnto(axis int, devs []devices.Device) ([]*Tensor, error) {
	chunks, err := t.Split(axis, len(devs))
	if err != nil {
		return nil, err
	}
	for ii, chunk := range chunks {
		chunk.device = devs[ii]
	}
	return chunks, nil
}

// splitSizes splits the tensor along the (already adjusted) axis in chunks of the given sizes, which must
// sum up to the dimension of the axis.
func (t *Tensor) splitSizes(axis int, sizes []int) []*Tensor {
	dim := t.shape.Dimensions[axis]
	outer := 1
	for _, d := range t.shape.Dimensions[:axis] {
		outer *= d
	}
	inner := t.shape.Strides()[axis]
	flatV := reflect.ValueOf(t.flat)
	chunks := make([]*Tensor, len(sizes))
	start := 0
	for ii, size := range sizes {
		chunkShape := t.shape.WithDim(axis, size)
		chunkFlat := reflect.MakeSlice(flatV.Type(), chunkShape.Size(), chunkShape.Size())
		blockLen := size * inner
		for o := range outer {
			from := o*dim*inner + start*inner
			reflect.Copy(chunkFlat.Slice(o*blockLen, (o+1)*blockLen), flatV.Slice(from, from+blockLen))
		}
		chunks[ii] = fromFlat(chunkShape, t.device, chunkFlat.Interface())
		start += size
	}
	return chunks
}

// Concatenate tensors along the given axis, in the order given, creating a new tensor on the given device.
//
// All tensors must have the same dtype and rank, and the same dimensions on every axis except the one
// being concatenated.
func Concatenate(axis int, device devices.Device, tensors ...*Tensor) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, errors.New("Concatenate requires at least one tensor")
	}
	for ii, t := range tensors {
		if err := t.CheckValid(); err != nil {
			return nil, errors.WithMessagef(err, "Concatenate: tensor #%d", ii)
		}
	}
	first := tensors[0]
	adjustedAxis, err := first.shape.AdjustAxis(axis)
	if err != nil {
		return nil, errors.WithMessage(err, "Concatenate")
	}
	total := 0
	for ii, t := range tensors {
		if t.DType() != first.DType() || t.Rank() != first.Rank() {
			return nil, errors.Errorf("Concatenate: tensor #%d has shape %s, incompatible with tensor #0 shape %s",
				ii, t.shape, first.shape)
		}
		for a, d := range t.shape.Dimensions {
			if a != adjustedAxis && d != first.shape.Dimensions[a] {
				return nil, errors.Errorf("Concatenate(axis=%d): tensor #%d has shape %s, incompatible with tensor #0 shape %s",
					axis, ii, t.shape, first.shape)
			}
		}
		total += t.shape.Dimensions[adjustedAxis]
	}

	resultShape := first.shape.WithDim(adjustedAxis, total)
	outer := 1
	for _, d := range resultShape.Dimensions[:adjustedAxis] {
		outer *= d
	}
	inner := resultShape.Strides()[adjustedAxis]
	resultFlat := reflect.MakeSlice(reflect.TypeOf(first.flat), resultShape.Size(), resultShape.Size())
	start := 0
	for _, t := range tensors {
		size := t.shape.Dimensions[adjustedAxis]
		blockLen := size * inner
		flatV := reflect.ValueOf(t.flat)
		for o := range outer {
			to := o*total*inner + start*inner
			reflect.Copy(resultFlat.Slice(to, to+blockLen), flatV.Slice(o*blockLen, (o+1)*blockLen))
		}
		start += size
	}
	return fromFlat(resultShape, device, resultFlat.Interface()), nil
}
