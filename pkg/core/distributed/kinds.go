// Copyright 2023-2026 The PyTorchPipe Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"cmp"
	"fmt"
	"reflect"
	"slices"

	"github.com/aasseman/pytorchpipe/pkg/core/tensors"
	"github.com/aasseman/pytorchpipe/pkg/datastreams"
	"github.com/pkg/errors"
)

// kind of a value for the purpose of traversal: Scatter and Gather dispatch on it exhaustively.
type kind int

const (
	kindNil kind = iota
	kindTensor
	kindSequence
	kindMapping
	kindRecord
	kindOpaque
)

var kindNames = []string{"nil", "tensor", "sequence", "mapping", "record", "opaque"}

// String implements fmt.Stringer.
func (k kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// kindOf resolves the kind of the value. Records are detected by capability (datastreams.Record) before
// the generic reflection-based containers, so they are never mistaken for plain mappings.
//
// It also returns the reflect.Value of the value, used by sequences and mappings.
func kindOf(value any) (kind, reflect.Value) {
	if value == nil {
		return kindNil, reflect.Value{}
	}
	v := reflect.ValueOf(value)
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			return kindNil, v
		}
	}
	switch value.(type) {
	case *tensors.Tensor:
		return kindTensor, v
	case datastreams.Record:
		return kindRecord, v
	}
	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		return kindSequence, v
	case reflect.Map:
		return kindMapping, v
	default:
		return kindOpaque, v
	}
}

// mapKeys returns the keys of a map in a deterministic order: by their printed form, then by their type.
func mapKeys(v reflect.Value) []reflect.Value {
	keys := v.MapKeys()
	slices.SortFunc(keys, func(a, b reflect.Value) int {
		return cmp.Or(
			cmp.Compare(keyName(a), keyName(b)),
			cmp.Compare(fmt.Sprintf("%T", a.Interface()), fmt.Sprintf("%T", b.Interface())))
	})
	return keys
}

// keyName is the printed form of a map key, used in paths and error messages.
func keyName(key reflect.Value) string {
	return fmt.Sprint(key.Interface())
}

// valueFor converts value to a reflect.Value that can be assigned to something of type t: nil becomes the
// zero value of t.
func valueFor(value any, t reflect.Type) (reflect.Value, error) {
	if value == nil {
		return reflect.Zero(t), nil
	}
	v := reflect.ValueOf(value)
	if !v.Type().AssignableTo(t) {
		return reflect.Value{}, errors.Errorf("value of type %s cannot be assigned to element of type %s", v.Type(), t)
	}
	return v, nil
}

// newSequenceLike creates an empty sequence with the same type as v, with length n.
// Arrays have a fixed size, so n is ignored for them.
func newSequenceLike(v reflect.Value, n int) reflect.Value {
	if v.Kind() == reflect.Array {
		return reflect.New(v.Type()).Elem()
	}
	return reflect.MakeSlice(v.Type(), n, n)
}
