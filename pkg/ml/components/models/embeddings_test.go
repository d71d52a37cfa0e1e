// Copyright 2023-2026 The PyTorchPipe Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/aasseman/pytorchpipe/pkg/core/devices"
	"github.com/aasseman/pytorchpipe/pkg/core/distributed"
	"github.com/aasseman/pytorchpipe/pkg/core/tensors"
	"github.com/aasseman/pytorchpipe/pkg/datastreams"
	"github.com/aasseman/pytorchpipe/pkg/ml/component"
	"github.com/aasseman/pytorchpipe/pkg/ml/vocab"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

// writeVocabulary writes the word mappings "<PAD>, a, b, c" to dir/vocab.csv.
func writeVocabulary(t *testing.T, dir string) {
	t.Helper()
	require.NoError(t, vocab.New("a", "b", "c").Save(dir, "vocab.csv"))
}

func newEmbeddings(t *testing.T, values map[string]any) (*SentenceEmbeddings, *component.Globals) {
	t.Helper()
	dir := t.TempDir()
	writeVocabulary(t, dir)
	config := map[string]any{
		"data_folder":        dir,
		"word_mappings_file": "vocab.csv",
		"embeddings_size":    3,
	}
	for k, v := range values {
		config[k] = v
	}
	globals := component.NewGlobals()
	return must.M1(NewSentenceEmbeddings("embeddings", component.NewConfig(config), globals)), globals
}

func TestSentenceEmbeddings(t *testing.T) {
	e, globals := newEmbeddings(t, nil)
	assert.Equal(t, 3, must.M1(globals.Int("embeddings_size")))
	assert.Equal(t, 4, must.M1(globals.Int("vocabulary_size")))
	table := must.M1(e.Parameters().Get(EmbeddingsParam))
	assert.Equal(t, []int{4, 3}, table.Shape().Dimensions)
	tableRows := table.Value().([][]float32)
	assert.Equal(t, []float32{0, 0, 0}, tableRows[0])
	assert.Equal(t, []int{-1, -1, 3}, e.OutputDataDefinitions()["outputs"].Dimensions)

	// Words and indices give the same embeddings.
	streams := datastreams.New()
	streams.Set("inputs", [][]string{{"c", "a"}, {"b"}})
	require.NoError(t, e.Call(streams))
	fromWords := streams.MustGet("outputs").(*tensors.Tensor)
	assert.Equal(t, []int{2, 2, 3}, fromWords.Shape().Dimensions)
	values := fromWords.Value().([][][]float32)
	assert.Equal(t, tableRows[3], values[0][0])
	assert.Equal(t, tableRows[1], values[0][1])
	assert.Equal(t, tableRows[2], values[1][0])
	assert.Equal(t, tableRows[0], values[1][1])

	streams = datastreams.New()
	streams.Set("inputs", tensors.FromValue([][]int64{{3, 1}, {2, 0}}))
	require.NoError(t, e.Call(streams))
	assert.True(t, fromWords.Equal(streams.MustGet("outputs").(*tensors.Tensor)))

	// Invalid inputs.
	_, err := e.Embed(tensors.FromValue([][]int64{{4}}))
	require.Error(t, err)
	_, err = e.Embed(tensors.FromValue([]int64{1}))
	require.Error(t, err)
	_, err = e.Embed(tensors.FromValue([][]float32{{1}}))
	require.Error(t, err)
	streams = datastreams.New()
	streams.Set("inputs", []string{"a b"})
	require.Error(t, e.Call(streams))
}

func TestSentenceEmbeddingsReplica(t *testing.T) {
	e, _ := newEmbeddings(t, nil)
	replica := must.M1(e.Replica(devices.Device(2))).(*SentenceEmbeddings)
	assert.Equal(t, devices.Device(2), replica.Device())
	assert.Equal(t, devices.CPU, e.Device())
	assert.NotSame(t, e.Parameters(), replica.Parameters())
	assert.True(t, must.M1(e.Parameters().Get(EmbeddingsParam)).Equal(must.M1(replica.Parameters().Get(EmbeddingsParam))))

	output := must.M1(replica.Embed(tensors.FromValue([][]int64{{1, 2}})))
	assert.Equal(t, devices.Device(2), output.Device())
}

func TestSentenceEmbeddingsFloat16(t *testing.T) {
	e, _ := newEmbeddings(t, map[string]any{"output_dtype": "float16"})
	output := must.M1(e.Embed(tensors.FromValue([][]int64{{1, 0}})))
	assert.Equal(t, dtypes.Float16, output.DType())
	table := must.M1(e.Parameters().Get(EmbeddingsParam)).Value().([][]float32)
	half := tensors.MustFlatData[float16.Float16](output)
	assert.InDelta(t, table[1][0], half[0].Float32(), 1e-3)
	assert.Equal(t, float32(0), half[3].Float32())

	_, err := NewSentenceEmbeddings("embeddings", component.NewConfig(map[string]any{"output_dtype": "int8"}), nil)
	require.Error(t, err)
}

func TestSentenceEmbeddingsPretrained(t *testing.T) {
	const glove = "a 1 2 3\nunknown 9 9 9\nc 4 5 6\n"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(glove))
	}))
	defer server.Close()

	dir := t.TempDir()
	writeVocabulary(t, dir)
	config := component.NewConfig(map[string]any{
		"data_folder":                dir,
		"word_mappings_file":         "vocab.csv",
		"embeddings_size":            3,
		"pretrained_embeddings_file": "glove.txt",
		"pretrained_embeddings_url":  server.URL + "/glove.txt",
	})
	e := must.M1(NewSentenceEmbeddings("embeddings", config, nil))
	assert.FileExists(t, filepath.Join(dir, "glove.txt"))
	table := must.M1(e.Parameters().Get(EmbeddingsParam)).Value().([][]float32)
	assert.Equal(t, []float32{1, 2, 3}, table[1])
	assert.Equal(t, []float32{4, 5, 6}, table[3])
}

func TestSentenceEmbeddingsDataParallel(t *testing.T) {
	e, _ := newEmbeddings(t, nil)
	batch := datastreams.New()
	batch.Set("inputs", tensors.FromValue([][]int64{{1, 2}, {3, 0}, {2, 2}, {1, 1}, {0, 0}}))
	direct := batch.Clone()
	require.NoError(t, e.Call(direct))

	dp := must.M1(distributed.New(e, devices.Range(3), distributed.WithOutputDevice(devices.CPU)))
	require.NoError(t, dp.Forward(batch))
	output := batch.MustGet("outputs").(*tensors.Tensor)
	assert.Equal(t, devices.CPU, output.Device())
	assert.True(t, direct.MustGet("outputs").(*tensors.Tensor).Equal(output))
}
