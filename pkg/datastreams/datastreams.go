// Copyright 2023-2026 The PyTorchPipe Authors. SPDX-License-Identifier: Apache-2.0

// Package datastreams defines the structured record that flows through a pipeline: DataStreams, an ordered
// mapping from stream name to value, shared by all components processing one batch.
//
// Each component reads the streams it declares as inputs and publishes new streams with its outputs. Values
// are polymorphic: tensors, strings, slices (e.g. one sentence per sample), maps or nested records.
//
// The Record interface is the minimum surface the distribution engine (see package distributed) needs to
// traverse a record generically while preserving its concrete type: custom record types can implement it to be
// scattered and gathered as records, and not as opaque values.
package datastreams

import (
	"fmt"
	"iter"
	"slices"
	"strings"

	"github.com/aasseman/pytorchpipe/pkg/support/xslices"
	"github.com/pkg/errors"
)

// Record is an ordered, uniquely-keyed structure of values.
type Record interface {
	// Len returns the number of fields.
	Len() int

	// Keys returns the field names, in order.
	Keys() []string

	// Get returns the value of the field and whether it was found.
	Get(key string) (value any, found bool)

	// Rebuild creates a new record of the same concrete type with the given fields, in order.
	// keys and values have the same length.
	Rebuild(keys []string, values []any) (Record, error)
}

// DataStreams is the ordered record of named streams of one batch. The zero value is not usable, use New.
//
// It is not safe for concurrent modification.
type DataStreams struct {
	keys   []string
	values map[string]any
}

var _ Record = (*DataStreams)(nil)

// New creates an empty DataStreams.
func New() *DataStreams {
	return &DataStreams{values: make(map[string]any)}
}

// FromItems creates a DataStreams with the given keys and values, in order.
// It returns an error if the lengths differ or if a key is duplicated.
func FromItems(keys []string, values []any) (*DataStreams, error) {
	if len(keys) != len(values) {
		return nil, errors.Errorf("DataStreams: %d keys given, but %d values", len(keys), len(values))
	}
	ds := New()
	for ii, key := range keys {
		if _, found := ds.values[key]; found {
			return nil, errors.Errorf("DataStreams: key %q is duplicated", key)
		}
		ds.Set(key, values[ii])
	}
	return ds, nil
}

// FromMap creates a DataStreams from the map, with the keys sorted alphabetically.
func FromMap(m map[string]any) *DataStreams {
	ds := New()
	for _, key := range xslices.SortedKeys(m) {
		ds.Set(key, m[key])
	}
	return ds
}

// Len returns the number of streams.
func (ds *DataStreams) Len() int { return len(ds.keys) }

// Keys returns a copy of the stream names, in insertion order.
func (ds *DataStreams) Keys() []string { return slices.Clone(ds.keys) }

// Has returns whether the stream exists.
func (ds *DataStreams) Has(key string) bool {
	_, found := ds.values[key]
	return found
}

// Get returns the value of the stream and whether it exists.
func (ds *DataStreams) Get(key string) (any, bool) {
	value, found := ds.values[key]
	return value, found
}

// MustGet returns the value of the stream, and panics if it doesn't exist.
func (ds *DataStreams) MustGet(key string) any {
	value, found := ds.values[key]
	if !found {
		panic(errors.Errorf("DataStreams: stream %q not found, available streams: %v", key, ds.keys))
	}
	return value
}

// Set the value of a stream, appending it to the end if it doesn't exist yet.
func (ds *DataStreams) Set(key string, value any) {
	if _, found := ds.values[key]; !found {
		ds.keys = append(ds.keys, key)
	}
	ds.values[key] = value
}

// Publish adds new streams. It fails, without changing anything, if any of the streams already exists:
// a component must never overwrite the output of another one.
//
// Keys are published in alphabetical order.
func (ds *DataStreams) Publish(streams map[string]any) error {
	keys := xslices.SortedKeys(streams)
	for _, key := range keys {
		if ds.Has(key) {
			return errors.Errorf("DataStreams.Publish: cannot overwrite existing stream %q", key)
		}
	}
	for _, key := range keys {
		ds.Set(key, streams[key])
	}
	return nil
}

// Delete removes the stream, if it exists.
func (ds *DataStreams) Delete(key string) {
	if _, found := ds.values[key]; !found {
		return
	}
	delete(ds.values, key)
	ds.keys = slices.DeleteFunc(ds.keys, func(k string) bool { return k == key })
}

// Items iterates over the (key, value) pairs, in order.
func (ds *DataStreams) Items() iter.Seq2[string, any] {
	return func(yield func(string, any) bool) {
		for _, key := range ds.keys {
			if !yield(key, ds.values[key]) {
				return
			}
		}
	}
}

// Clone returns a shallow copy: a new record with the same values.
func (ds *DataStreams) Clone() *DataStreams {
	ds2 := &DataStreams{keys: slices.Clone(ds.keys), values: make(map[string]any, len(ds.values))}
	for key, value := range ds.values {
		ds2.values[key] = value
	}
	return ds2
}

// Select returns a new record with only the given streams, in the order given.
// It returns an error if any of them is missing.
func (ds *DataStreams) Select(keys ...string) (*DataStreams, error) {
	ds2 := New()
	for _, key := range keys {
		value, found := ds.values[key]
		if !found {
			return nil, errors.Errorf("DataStreams.Select: stream %q not found, available streams: %v", key, ds.keys)
		}
		ds2.Set(key, value)
	}
	return ds2, nil
}

// Rebuild implements Record.
func (ds *DataStreams) Rebuild(keys []string, values []any) (Record, error) {
	return FromItems(keys, values)
}

// String implements fmt.Stringer.
func (ds *DataStreams) String() string {
	var sb strings.Builder
	sb.WriteString("DataStreams{")
	for ii, key := range ds.keys {
		if ii > 0 {
			sb.WriteString(", ")
		}
		_, _ = fmt.Fprintf(&sb, "%s: %v", key, ds.values[key])
	}
	sb.WriteString("}")
	return sb.String()
}
