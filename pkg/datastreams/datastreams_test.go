// Copyright 2023-2026 The PyTorchPipe Authors. SPDX-License-Identifier: Apache-2.0

package datastreams

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataStreams(t *testing.T) {
	ds := New()
	ds.Set("sentences", []string{"a b", "c"})
	ds.Set("index", []int{0, 1})
	assert.Equal(t, []string{"sentences", "index"}, ds.Keys())
	assert.Equal(t, 2, ds.Len())

	// Set on an existing key keeps the order.
	ds.Set("sentences", []string{"d"})
	assert.Equal(t, []string{"sentences", "index"}, ds.Keys())
	assert.Equal(t, []string{"d"}, ds.MustGet("sentences"))

	require.NoError(t, ds.Publish(map[string]any{"tokens": 1, "embeddings": 2}))
	assert.Equal(t, []string{"sentences", "index", "embeddings", "tokens"}, ds.Keys())
	err := ds.Publish(map[string]any{"new": 1, "index": 3})
	require.Error(t, err)
	assert.False(t, ds.Has("new"), "failed Publish must not change the record")

	var keys []string
	for key := range ds.Items() {
		keys = append(keys, key)
	}
	assert.Equal(t, ds.Keys(), keys)

	clone := ds.Clone()
	clone.Delete("tokens")
	assert.True(t, ds.Has("tokens"))
	assert.False(t, clone.Has("tokens"))
	assert.Equal(t, []string{"sentences", "index", "embeddings"}, clone.Keys())

	sel, err := ds.Select("index", "sentences")
	require.NoError(t, err)
	assert.Equal(t, []string{"index", "sentences"}, sel.Keys())
	_, err = ds.Select("missing")
	require.Error(t, err)
	require.Panics(t, func() { ds.MustGet("missing") })
}

func TestRebuild(t *testing.T) {
	ds, err := FromItems([]string{"b", "a"}, []any{1, "x"})
	require.NoError(t, err)
	var record Record = ds
	rebuilt, err := record.Rebuild([]string{"a"}, []any{2})
	require.NoError(t, err)
	require.IsType(t, &DataStreams{}, rebuilt)
	v, found := rebuilt.Get("a")
	assert.True(t, found)
	assert.Equal(t, 2, v)

	_, err = FromItems([]string{"a", "a"}, []any{1, 2})
	require.Error(t, err)
	_, err = FromItems([]string{"a"}, nil)
	require.Error(t, err)

	ds = FromMap(map[string]any{"z": 1, "y": 2})
	assert.Equal(t, []string{"y", "z"}, ds.Keys())
	assert.Equal(t, "DataStreams{y: 2, z: 1}", ds.String())
}
