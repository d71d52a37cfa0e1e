// Copyright 2023-2026 The PyTorchPipe Authors. SPDX-License-Identifier: Apache-2.0

package component

import (
	"reflect"
	"testing"

	"github.com/aasseman/pytorchpipe/pkg/core/devices"
	"github.com/aasseman/pytorchpipe/pkg/core/tensors"
	"github.com/aasseman/pytorchpipe/pkg/datastreams"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
embeddings:
  embeddings_size: 50
  priority: 1.5
  use_cuda: "true"
  dims: [1, -1, 3]
  preprocessing: lowercase, remove_punctuation
  streams:
    inputs: tokenized_questions
  globals:
    vocabulary_size: question_vocab_size
`

func TestConfig(t *testing.T) {
	root := must.M1(ParseConfig([]byte(testConfig)))
	assert.Equal(t, []string{"embeddings"}, root.Keys())
	config := must.M1(root.Sub("embeddings"))

	assert.Equal(t, 50, must.M1(config.Int("embeddings_size", 0)))
	assert.Equal(t, 7, must.M1(config.Int("missing", 7)))
	assert.Equal(t, 1.5, must.M1(config.Float("priority", 0)))
	assert.Equal(t, 50.0, must.M1(config.Float("embeddings_size", 0)))
	_, err := config.Float("preprocessing", 0)
	require.Error(t, err)
	assert.True(t, must.M1(config.Bool("use_cuda", false)))
	assert.Equal(t, []int{1, -1, 3}, must.M1(config.Ints("dims", nil)))
	assert.Equal(t, []string{"lowercase", "remove_punctuation"},
		must.M1(config.Strings("preprocessing", nil, "none", "lowercase", "remove_punctuation", "all")))
	_, err = config.Strings("preprocessing", nil, "none")
	require.Error(t, err)
	_, err = config.String("embeddings_size", "")
	require.Error(t, err)
	_, err = config.Int("preprocessing", 0)
	require.Error(t, err)

	missing := must.M1(config.Sub("no_section"))
	assert.Empty(t, missing.Keys())
	_, err = config.Sub("embeddings_size")
	require.Error(t, err)
}

func TestBase(t *testing.T) {
	config := must.M1(must.M1(ParseConfig([]byte(testConfig))).Sub("embeddings"))
	globals := NewGlobals()
	base := must.M1(NewBase("embeddings", config, globals))
	assert.Equal(t, "embeddings", base.Name())
	assert.Equal(t, "tokenized_questions", base.StreamKey("inputs"))
	assert.Equal(t, "outputs", base.StreamKey("outputs"))

	require.NoError(t, base.SetGlobal("vocabulary_size", 10))
	v, found := globals.Get("question_vocab_size")
	require.True(t, found)
	assert.Equal(t, 10, v)
	require.NoError(t, base.SetGlobal("vocabulary_size", 10), "setting the same value again is fine")
	require.Error(t, base.SetGlobal("vocabulary_size", 11))
	assert.Equal(t, 10, must.M1(globals.Int("question_vocab_size")))
	_, err := globals.Int("unknown")
	require.Error(t, err)

	streams := datastreams.New()
	streams.Set("tokenized_questions", [][]string{{"a"}})
	value := must.M1(base.InputStream(streams, "inputs"))
	assert.Equal(t, [][]string{{"a"}}, value)
	_, err = base.InputStream(streams, "outputs")
	require.Error(t, err)

	// Invalid remapping section.
	_, err = NewBase("bad", NewConfig(map[string]any{"streams": map[string]any{"inputs": 1}}), nil)
	require.Error(t, err)
}

func TestDataDefinition(t *testing.T) {
	expected := DataDefinition{Dimensions: []int{-1, -1}, GoType: reflect.TypeFor[[][]string]()}
	require.NoError(t, expected.CheckCompatible(DataDefinition{Dimensions: []int{8, -1}, GoType: reflect.TypeFor[[][]string]()}))
	require.NoError(t, expected.CheckCompatible(DataDefinition{}))
	require.Error(t, expected.CheckCompatible(DataDefinition{GoType: reflect.TypeFor[[]string]()}))
	require.Error(t, expected.CheckCompatible(DataDefinition{Dimensions: []int{-1}}))

	fixed := DataDefinition{Dimensions: []int{-1, 3}}
	require.Error(t, fixed.CheckCompatible(DataDefinition{Dimensions: []int{2, 4}}))

	defs := DataDefinitions{"b": expected, "a": fixed}
	assert.Equal(t, []string{"a", "b"}, defs.Keys())
}

func TestParameters(t *testing.T) {
	params := NewParameters(devices.Device(0))
	table := tensors.Iota[float32](4, 2)
	params.Set("embeddings", table)
	assert.Equal(t, []string{"embeddings"}, params.Names())
	assert.Equal(t, uintptr(4*2*4), params.Memory())
	got := must.M1(params.Get("embeddings"))
	assert.Equal(t, devices.Device(0), got.Device())
	_, err := params.Get("bias")
	require.Error(t, err)
	require.Panics(t, func() { params.Set("bias", nil) })

	for _, device := range []devices.Device{0, 1} {
		replica := params.Replicate(device)
		assert.Equal(t, device, replica.Device())
		replicaTable := must.M1(replica.Get("embeddings"))
		assert.Equal(t, device, replicaTable.Device())
		assert.True(t, replicaTable.Equal(got))

		// Storage must be independent.
		flat := tensors.MustFlatData[float32](replicaTable)
		flat[0] = 1000
		assert.Equal(t, float32(0), tensors.MustFlatData[float32](got)[0])
	}
}
