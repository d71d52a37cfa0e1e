// Copyright 2023-2026 The PyTorchPipe Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape, the data type and axes' dimensions of a tensor.
//
// DType is the enum defined in github.com/gomlx/gopjrt/dtypes, and Go float16 support uses
// github.com/x448/float16.
//
// ## Glossary
//
//   - Rank: number of axes (dimensions) of a Tensor.
//   - Axis: is the index of a dimension on a multidimensional Tensor. The "batch axis" is the one split when
//     distributing a batch across devices -- usually axis 0.
//   - Dimension: the size of a multi-dimensions Tensor in one of its axes.
//   - Scalar: is a shape where there are no axes (or dimensions), only a single value of the associated DType.
package shapes

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Shape of a Tensor: its DType and the dimensions of each axis.
//
// Use Make to create a new shape.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// Make returns a Shape structure filled with the values given.
//
// Dimensions can be 0 (an empty tensor), but not negative.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{Dimensions: slices.Clone(dimensions), DType: dtype}
	for _, dim := range dimensions {
		if dim < 0 {
			exceptions.Panicf("shapes.Make(%s): cannot create a shape with an axis with dimension < 0", s)
		}
	}
	return s
}

// Invalid returns an invalid shape.
//
// Invalid().Ok() == false.
func Invalid() Shape {
	return Shape{DType: dtypes.InvalidDType}
}

// Ok returns whether this is a valid Shape. A "zero" shape, that is just instantiating it with Shape{} will be invalid.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType }

// Rank of the shape, that is, the number of dimensions.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape represents a scalar, that is there are no dimensions (rank==0).
func (s Shape) IsScalar() bool { return s.Ok() && s.Rank() == 0 }

// AdjustAxis converts a negative axis (counting from the end) to its positive value, and checks that it is
// within the rank of the shape.
func (s Shape) AdjustAxis(axis int) (int, error) {
	adjusted := axis
	if adjusted < 0 {
		adjusted += s.Rank()
	}
	if adjusted < 0 || adjusted >= s.Rank() {
		return 0, errors.Errorf("axis %d out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return adjusted, nil
}

// Dim returns the dimension of the given axis. axis can take negative numbers, in which
// case it counts as starting from the end -- so axis=-1 refers to the last axis.
// Like with a slice indexing, it panics for an out-of-bound axis.
func (s Shape) Dim(axis int) int {
	adjusted, err := s.AdjustAxis(axis)
	if err != nil {
		panic(err)
	}
	return s.Dimensions[adjusted]
}

// String implements stringer, pretty-prints the shape.
func (s Shape) String() string {
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	return fmt.Sprintf("(%s)%v", s.DType, s.Dimensions)
}

// Size returns the number of elements of DType are needed for this shape. It's the product of all dimensions.
func (s Shape) Size() (size int) {
	size = 1
	for _, d := range s.Dimensions {
		size *= d
	}
	return
}

// Memory returns the memory used to store an array of the given shape, the same as the size in bytes.
func (s Shape) Memory() uintptr {
	return s.DType.Memory() * uintptr(s.Size())
}

// Equal compares two shapes for equality: dtype and dimensions are compared.
func (s Shape) Equal(s2 Shape) bool {
	return s.DType == s2.DType && slices.Equal(s.Dimensions, s2.Dimensions)
}

// Clone returns a new deep copy of the shape.
func (s Shape) Clone() Shape {
	return Shape{DType: s.DType, Dimensions: slices.Clone(s.Dimensions)}
}

// WithDim returns a copy of the shape with the dimension of the given (already adjusted) axis replaced.
func (s Shape) WithDim(axis, dim int) Shape {
	s2 := s.Clone()
	s2.Dimensions[axis] = dim
	return s2
}

// Strides returns, for each axis, the number of flat elements between consecutive indices of that axis,
// for the row-major layout used by tensors.
func (s Shape) Strides() []int {
	strides := make([]int, s.Rank())
	stride := 1
	for axis := s.Rank() - 1; axis >= 0; axis-- {
		strides[axis] = stride
		stride *= s.Dimensions[axis]
	}
	return strides
}

// Reshape returns a shape with the same DType and the given dimensions. One of the dimensions may be -1, in which
// case it is inferred from the total size.
//
// It returns an error if the total size doesn't match.
func (s Shape) Reshape(dimensions ...int) (Shape, error) {
	dimensions = slices.Clone(dimensions)
	inferred := -1
	known := 1
	for axis, dim := range dimensions {
		switch {
		case dim == -1:
			if inferred >= 0 {
				return Invalid(), errors.Errorf("reshape %s to %v: only one dimension can be -1", s, dimensions)
			}
			inferred = axis
		case dim < 0:
			return Invalid(), errors.Errorf("reshape %s to %v: invalid dimension %d", s, dimensions, dim)
		default:
			known *= dim
		}
	}
	if inferred >= 0 {
		if known == 0 || s.Size()%known != 0 {
			return Invalid(), errors.Errorf("reshape %s to %v: cannot infer dimension for axis %d", s, dimensions, inferred)
		}
		dimensions[inferred] = s.Size() / known
		known *= dimensions[inferred]
	}
	if known != s.Size() {
		return Invalid(), errors.Errorf("reshape %s to %v: size %d doesn't match new size %d", s, dimensions, s.Size(), known)
	}
	return Shape{DType: s.DType, Dimensions: dimensions}, nil
}
