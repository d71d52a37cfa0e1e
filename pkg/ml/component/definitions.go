// Copyright 2023-2026 The PyTorchPipe Authors. SPDX-License-Identifier: Apache-2.0

package component

import (
	"fmt"
	"reflect"

	"github.com/aasseman/pytorchpipe/pkg/support/xslices"
	"github.com/pkg/errors"
)

// DataDefinition describes one stream consumed or produced by a component.
type DataDefinition struct {
	// Dimensions of the stream value, -1 meaning any size. The first one is usually the batch axis.
	Dimensions []int

	// GoType is the type of the stream value, e.g. reflect.TypeFor[[]string]() for a batch of sentences.
	// Optional.
	GoType reflect.Type

	// Description is a human-readable description of the stream.
	Description string
}

// String implements fmt.Stringer.
func (d DataDefinition) String() string {
	return fmt.Sprintf("%v %v: %s", d.Dimensions, d.GoType, d.Description)
}

// DataDefinitions maps stream names to their definitions.
type DataDefinitions map[string]DataDefinition

// Keys returns the sorted stream names.
func (defs DataDefinitions) Keys() []string {
	return xslices.SortedKeys(defs)
}

// CheckCompatible checks that a stream produced with definition `produced` can be consumed by a
// component expecting `d`: the Go types (if both are given) must match, and so must the ranks and the
// dimensions that are not -1 in both.
func (d DataDefinition) CheckCompatible(produced DataDefinition) error {
	if d.GoType != nil && produced.GoType != nil && d.GoType != produced.GoType {
		return errors.Errorf("expected type %s, got %s", d.GoType, produced.GoType)
	}
	if len(d.Dimensions) == 0 || len(produced.Dimensions) == 0 {
		return nil
	}
	if len(d.Dimensions) != len(produced.Dimensions) {
		return errors.Errorf("expected dimensions %v, got %v", d.Dimensions, produced.Dimensions)
	}
	for ii, dim := range d.Dimensions {
		other := produced.Dimensions[ii]
		if dim != -1 && other != -1 && dim != other {
			return errors.Errorf("expected dimensions %v, got %v", d.Dimensions, produced.Dimensions)
		}
	}
	return nil
}
