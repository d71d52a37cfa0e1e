// Copyright 2023-2026 The PyTorchPipe Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"fmt"
	"reflect"

	"github.com/aasseman/pytorchpipe/pkg/core/devices"
	"github.com/aasseman/pytorchpipe/pkg/core/shapes"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// FromScalar creates a local tensor with the given scalar.
// The `DType` is inferred from the value.
func FromScalar[T dtypes.Supported](value T) *Tensor {
	return FromFlatDataAndDimensions([]T{value})
}

// FromFlatDataAndDimensions creates a tensor on the CPU with the given dimensions, filled with the flattened
// values given in `data`. The data is copied to the Tensor.
// The `DType` is inferred from the `data` type.
//
// It panics if the size of data is wrong for the shape.
func FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int) *Tensor {
	dtype := dtypes.FromGenericsType[T]()
	shape := shapes.Make(dtype, dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("FromFlatDataAndDimensions(%s): data size is %d, but dimensions size is %d",
			shape, len(data), shape.Size())
	}
	t := FromShape(shape)
	copyConverted(reflect.ValueOf(t.flat), reflect.ValueOf(data))
	return t
}

// copyConverted copies src into dst, converting element types if they differ (e.g. `int` to `int64`).
func copyConverted(dst, src reflect.Value) {
	if dst.Type() == src.Type() {
		reflect.Copy(dst, src)
		return
	}
	elemType := dst.Type().Elem()
	for ii := range src.Len() {
		dst.Index(ii).Set(src.Index(ii).Convert(elemType))
	}
}

// Iota returns a tensor with the given dimensions whose flat values are 0, 1, 2, ... size-1.
// Useful to build batches whose rows can be easily identified.
func Iota[T constraints.Integer | constraints.Float](dimensions ...int) *Tensor {
	dtype := dtypes.FromGoType(reflect.TypeFor[T]())
	if dtype == dtypes.InvalidDType {
		exceptions.Panicf("tensors.Iota: type %s not supported", reflect.TypeFor[T]())
	}
	t := FromShape(shapes.Make(dtype, dimensions...))
	flatV := reflect.ValueOf(t.flat)
	elemType := flatV.Type().Elem()
	for ii := range flatV.Len() {
		flatV.Index(ii).Set(reflect.ValueOf(T(ii)).Convert(elemType))
	}
	return t
}

// FromValue returns a tensor on the CPU constructed from the given multi-dimension slice (or scalar).
// If the rank of the `value` is larger than 1, the shape of all sub-slices must be the same.
//
// It panics if the shape is not regular.
func FromValue[S MultiDimensionSlice](value S) *Tensor {
	return FromAnyValue(value)
}

// FromAnyValue is a non-generic version of FromValue.
// If the input is a tensor already, it is simply returned.
//
// It panics with an error if the value type is unsupported or the shape is not regular.
func FromAnyValue(value any) *Tensor {
	if valueT, ok := value.(*Tensor); ok {
		return valueT
	}
	shape, err := shapeForValue(value)
	if err != nil {
		panic(errors.WithMessagef(err, "cannot create tensor from %T", value))
	}
	t := FromShape(shape)
	flatV := reflect.ValueOf(t.flat)
	if shape.IsScalar() {
		flatV.Index(0).Set(reflect.ValueOf(value).Convert(flatV.Type().Elem()))
		return t
	}
	copySlicesRecursively(flatV, reflect.ValueOf(value), shape.Strides())
	return t
}

// copySlicesRecursively copy values on a multi-dimension slice to a flat data slice
// assuming the strides for each dimension.
func copySlicesRecursively(data reflect.Value, mdSlice reflect.Value, strides []int) {
	if len(strides) == 1 {
		copyConverted(data, mdSlice)
		return
	}
	subStrides := strides[1:]
	for ii := range mdSlice.Len() {
		subData := data.Slice(ii*strides[0], (ii+1)*strides[0])
		copySlicesRecursively(subData, mdSlice.Index(ii), subStrides)
	}
}

func shapeForValue(v any) (shapes.Shape, error) {
	var shape shapes.Shape
	if v == nil {
		return shape, errors.New("nil value")
	}
	err := shapeForValueRecursive(&shape, reflect.ValueOf(v), reflect.TypeOf(v))
	return shape, err
}

func shapeForValueRecursive(shape *shapes.Shape, v reflect.Value, t reflect.Type) error {
	switch t.Kind() {
	case reflect.Slice:
		t = t.Elem()
		shape.Dimensions = append(shape.Dimensions, v.Len())
		shapePrefix := shape.Clone()
		if v.Len() == 0 {
			return errors.Errorf("empty slice %T not valid for Tensor conversion, use FromShape instead", v.Interface())
		}
		if err := shapeForValueRecursive(shape, v.Index(0), t); err != nil {
			return err
		}
		// Test that other elements have the same shape as the first one.
		for ii := 1; ii < v.Len(); ii++ {
			shapeTest := shapePrefix.Clone()
			if err := shapeForValueRecursive(&shapeTest, v.Index(ii), t); err != nil {
				return err
			}
			if !shape.Equal(shapeTest) {
				return fmt.Errorf("sub-slices have irregular shapes, found shapes %q, and %q", shape, shapeTest)
			}
		}
	case reflect.Pointer:
		return fmt.Errorf("cannot convert Pointer (%s) to a concrete value for tensors", t)
	default:
		shape.DType = dtypes.FromGoType(t)
		if shape.DType == dtypes.InvalidDType {
			return fmt.Errorf("cannot convert type %s to a value concrete tensor type", t)
		}
	}
	return nil
}

// Value returns a multidimensional slice (or a scalar) with a copy of the tensor's values.
// E.g.: a Float32 tensor of shape [2, 3] returns a [][]float32.
func (t *Tensor) Value() any {
	t.AssertValid()
	flatV := reflect.ValueOf(t.flat)
	if t.shape.IsScalar() {
		return flatV.Index(0).Interface()
	}
	dataV := reflect.MakeSlice(flatV.Type(), flatV.Len(), flatV.Len())
	reflect.Copy(dataV, flatV)
	return convertDataToSlices(dataV, t.shape.Dimensions...).Interface()
}

// convertDataToSlices takes data as a flat slice and creates a multidimensional slice with the given dimensions that
// points to the given data.
func convertDataToSlices(dataV reflect.Value, dimensions ...int) reflect.Value {
	if len(dimensions) <= 1 {
		return dataV
	}
	resultT := dataV.Type().Elem()
	for range dimensions {
		resultT = reflect.SliceOf(resultT)
	}
	return createSlicesRecursively(resultT, dataV, dimensions, shapes.Make(dtypes.Float32, dimensions...).Strides())
}

func createSlicesRecursively(resultT reflect.Type, data reflect.Value, dimensions []int, strides []int) reflect.Value {
	if len(strides) == 1 {
		return data
	}
	numElements := dimensions[0]
	slice := reflect.MakeSlice(resultT, numElements, numElements)
	for ii := range numElements {
		subData := data.Slice(ii*strides[0], (ii+1)*strides[0])
		slice.Index(ii).Set(createSlicesRecursively(resultT.Elem(), subData, dimensions[1:], strides[1:]))
	}
	return slice
}

// FlatData returns the underlying flat data of the tensor, if its type is T. The returned slice must not be modified.
func FlatData[T dtypes.Supported](t *Tensor) ([]T, error) {
	if err := t.CheckValid(); err != nil {
		return nil, err
	}
	flat, ok := t.flat.([]T)
	if !ok {
		var zero T
		return nil, errors.Errorf("tensor has dtype %s, it cannot be accessed as []%T", t.DType(), zero)
	}
	return flat, nil
}

// MustFlatData is like FlatData, but panics on error.
func MustFlatData[T dtypes.Supported](t *Tensor) []T {
	flat, err := FlatData[T](t)
	if err != nil {
		panic(err)
	}
	return flat
}

// fromFlat creates a tensor taking ownership of the given flat slice.
func fromFlat(shape shapes.Shape, device devices.Device, flat any) *Tensor {
	return &Tensor{shape: shape, device: device, flat: flat}
}

// FromFlatOnDevice creates a tensor on the given device that takes ownership of flat, a []T for the
// dtype T of shape. It is used by components that compute a result directly in a flat buffer.
func FromFlatOnDevice(shape shapes.Shape, device devices.Device, flat any) (*Tensor, error) {
	flatV := reflect.ValueOf(flat)
	if flatV.Kind() != reflect.Slice || flatV.Type().Elem() != shape.DType.GoType() {
		return nil, errors.Errorf("flat data of type %T doesn't match dtype %s", flat, shape.DType)
	}
	if flatV.Len() != shape.Size() {
		return nil, errors.Errorf("flat data has %d elements, shape %s requires %d", flatV.Len(), shape, shape.Size())
	}
	return fromFlat(shape.Clone(), device, flat), nil
}
