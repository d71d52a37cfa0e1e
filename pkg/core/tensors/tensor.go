// Copyright 2023-2026 The PyTorchPipe Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implement a `Tensor`, a representation of a multidimensional array bound to a device.
//
// Tensors are multidimensional arrays (from scalar with 0 dimensions, to arbitrarily large dimensions), defined
// by their shape (a data type and its axes' dimensions), their actual content stored as a flat slice of the
// underlying Go type in row-major order, and the device they live on.
//
// There are various ways to construct a Tensor from local data:
//
//   - FromShape(shape shapes.Shape): creates a tensor with the given shape, and zero values.
//
//   - FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int): creates a Tensor with the
//     given dimensions and set the flattened values with the given data. Example:
//
//     t := FromFlatDataAndDimensions([]int8{1, 2, 3, 4}, 2, 2}) // Tensor with [[1,2], [3,4]]
//
//   - FromValue[S MultiDimensionSlice](value S): Generic conversion that works with scalars and multidimensional
//     slices. Slices of rank > 1 must be regular, that is all the sub-slices must have the same shape.
//     Example:
//
//     t := FromValue([][]float32{{1,2}, {3, 5}, {7, 11}})
//
//   - FromAnyValue(value any): same as FromValue but non-generic.
//
// Tensors are treated as immutable values once created: operations like Split, Concatenate, To and Reshape
// return new tensors, and a device transfer (To) is modeled as a copy of the data bound to the target device.
package tensors

import (
	"fmt"
	"reflect"

	"github.com/aasseman/pytorchpipe/pkg/core/devices"
	"github.com/aasseman/pytorchpipe/pkg/core/shapes"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Tensor represents a multidimensional array bound to a device.
type Tensor struct {
	shape  shapes.Shape
	device devices.Device

	// flat holds a []T, where T is the Go type of shape.DType, with shape.Size() elements in row-major order.
	flat any
}

// MultiDimensionSlice lists the Go types that can be converted to a Tensor with FromValue.
type MultiDimensionSlice interface {
	bool | float32 | float64 | int | int32 | int64 | uint8 | float16.Float16 |
		[]bool | []float32 | []float64 | []int | []int32 | []int64 | []uint8 | []float16.Float16 |
		[][]bool | [][]float32 | [][]float64 | [][]int | [][]int32 | [][]int64 | [][]uint8 | [][]float16.Float16 |
		[][][]bool | [][][]float32 | [][][]float64 | [][][]int | [][][]int32 | [][][]int64 | [][][]uint8 |
		[][][]float16.Float16
}

// FromShape returns a tensor on the CPU with the given shape, with the data initialized with zeros.
func FromShape(shape shapes.Shape) *Tensor {
	if !shape.Ok() {
		exceptions.Panicf("tensors.FromShape(%s): invalid shape", shape)
	}
	goType := shape.DType.GoType()
	if goType == nil {
		exceptions.Panicf("tensors.FromShape(%s): dtype not supported", shape)
	}
	size := shape.Size()
	return &Tensor{
		shape:  shape.Clone(),
		device: devices.CPU,
		flat:   reflect.MakeSlice(reflect.SliceOf(goType), size, size).Interface(),
	}
}

// Shape of the tensor.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType of the tensor's elements.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Rank of the tensor.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Size returns the number of elements in the tensor.
func (t *Tensor) Size() int { return t.shape.Size() }

// Memory returns the number of bytes used by the tensor's data.
func (t *Tensor) Memory() uintptr { return t.shape.Memory() }

// Device where the tensor lives.
func (t *Tensor) Device() devices.Device { return t.device }

// Flat returns the underlying flat slice (a []T for the dtype T). It must not be modified, since
// tensors may share their data (see Reshape).
func (t *Tensor) Flat() any { return t.flat }

// CheckValid returns an error if the tensor is nil or has no data.
func (t *Tensor) CheckValid() error {
	if t == nil {
		return errors.New("tensor is nil")
	}
	if t.flat == nil || !t.shape.Ok() {
		return errors.Errorf("tensor with shape %s has no data", t.shape)
	}
	return nil
}

// AssertValid panics if the tensor is nil or has no data.
func (t *Tensor) AssertValid() {
	if err := t.CheckValid(); err != nil {
		panic(err)
	}
}

// To returns the tensor bound to the given device. If the tensor is already on the device it is returned
// itself, otherwise the data is copied.
func (t *Tensor) To(device devices.Device) *Tensor {
	t.AssertValid()
	if t.device == device {
		return t
	}
	return t.CloneTo(device)
}

// CloneTo returns a deep copy of the tensor on the given device, even if it is the same device.
func (t *Tensor) CloneTo(device devices.Device) *Tensor {
	t2 := t.Clone()
	t2.device = device
	return t2
}

// Clone returns a deep copy of the tensor, on the same device.
func (t *Tensor) Clone() *Tensor {
	t.AssertValid()
	flatV := reflect.ValueOf(t.flat)
	newFlat := reflect.MakeSlice(flatV.Type(), flatV.Len(), flatV.Len())
	reflect.Copy(newFlat, flatV)
	return &Tensor{shape: t.shape.Clone(), device: t.device, flat: newFlat.Interface()}
}

// Reshape returns a tensor with the same data (shared) and the new dimensions. One of the dimensions
// can be -1, and it will be inferred from the others.
func (t *Tensor) Reshape(dimensions ...int) (*Tensor, error) {
	if err := t.CheckValid(); err != nil {
		return nil, err
	}
	newShape, err := t.shape.Reshape(dimensions...)
	if err != nil {
		return nil, err
	}
	return &Tensor{shape: newShape, device: t.device, flat: t.flat}, nil
}

// String implements fmt.Stringer. Small tensors are printed with their values.
func (t *Tensor) String() string {
	if t == nil {
		return "<nil tensor>"
	}
	if t.Size() > 32 {
		return fmt.Sprintf("%s@%s", t.shape, t.device)
	}
	return fmt.Sprintf("%s@%s: %v", t.shape, t.device, t.Value())
}

// Equal checks whether t and otherTensor have the same shape and values. The device is not compared.
// If they are the same pointer, they are considered equal.
func (t *Tensor) Equal(otherTensor *Tensor) bool {
	if t == otherTensor {
		return true
	}
	if t == nil || otherTensor == nil {
		return false
	}
	if !t.shape.Equal(otherTensor.shape) {
		return false
	}
	return reflect.DeepEqual(t.flat, otherTensor.flat)
}

// InDelta checks whether Abs(t - otherTensor) <= delta for every element. Only works for float dtypes.
func (t *Tensor) InDelta(otherTensor *Tensor, delta float64) bool {
	if t == otherTensor {
		return true
	}
	if t == nil || otherTensor == nil || !t.shape.Equal(otherTensor.shape) {
		return false
	}
	v0, v1 := reflect.ValueOf(t.flat), reflect.ValueOf(otherTensor.flat)
	for ii := range v0.Len() {
		diff := toFloat64(v0.Index(ii)) - toFloat64(v1.Index(ii))
		if diff > delta || diff < -delta {
			return false
		}
	}
	return true
}

func toFloat64(v reflect.Value) float64 {
	switch x := v.Interface().(type) {
	case float16.Float16:
		return float64(x.Float32())
	case float32:
		return float64(x)
	case float64:
		return x
	}
	if v.CanInt() {
		return float64(v.Int())
	}
	if v.CanUint() {
		return float64(v.Uint())
	}
	exceptions.Panicf("tensors: cannot compare values of type %s", v.Type())
	return 0
}
