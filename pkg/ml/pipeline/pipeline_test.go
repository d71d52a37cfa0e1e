// Copyright 2023-2026 The PyTorchPipe Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/aasseman/pytorchpipe/pkg/core/devices"
	"github.com/aasseman/pytorchpipe/pkg/core/distributed"
	"github.com/aasseman/pytorchpipe/pkg/core/tensors"
	"github.com/aasseman/pytorchpipe/pkg/datastreams"
	"github.com/aasseman/pytorchpipe/pkg/ml/component"
	_ "github.com/aasseman/pytorchpipe/pkg/ml/components/default"
	"github.com/aasseman/pytorchpipe/pkg/ml/components/models"
	"github.com/aasseman/pytorchpipe/pkg/ml/vocab"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const questionsConfig = `
pipeline:
  name: questions
  tokenizer:
    type: SentenceTokenizer
    priority: 1.1
    preprocessing: all
    streams:
      inputs: questions
      outputs: tokenized_questions
  indexer:
    type: SentenceIndexer
    priority: 1.2
    data_folder: %[1]s
    word_mappings_file: vocab.csv
    source_files: questions.txt
    fixed_padding: 3
    streams:
      inputs: tokenized_questions
      outputs: question_indices
    globals:
      vocabulary_size: question_vocabulary_size
  embeddings:
    type: SentenceEmbeddings
    priority: 2
    data_folder: %[1]s
    word_mappings_file: vocab.csv
    embeddings_size: 4
    streams:
      inputs: question_indices
      outputs: embedded_questions
    globals:
      vocabulary_size: question_vocabulary_size
  reshape:
    type: ReshapeTensor
    priority: 3
    input_dims: [-1, 3, 4]
    output_dims: [-1, 12]
    streams:
      inputs: embedded_questions
      outputs: flat_questions
`

var questionsInputs = component.DataDefinitions{"questions": {
	Dimensions: []int{-1, 1},
	GoType:     reflect.TypeFor[[]string](),
}}

var questions = []string{"What is this?", "Is it red?", "what color is it", "Red!", "is this it"}

// writeQuestionsPipeline writes the source questions and the pipeline configuration into a temporary
// directory, and returns the path of the configuration.
func writeQuestionsPipeline(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, vocab.SaveListToTxtFile(dir, "questions.txt", []string{"what is this", "is it red", "what color"}))
	path := filepath.Join(dir, "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(questionsConfig, dir)), 0o644))
	return path
}

func newBatch() *datastreams.DataStreams {
	batch := datastreams.New()
	batch.Set("questions", questions)
	return batch
}

func TestPipeline(t *testing.T) {
	path := writeQuestionsPipeline(t)
	local := must.M1(Load(path, nil))
	assert.Equal(t, "questions", local.Name())
	var names []string
	for _, stage := range local.Stages() {
		names = append(names, stage.Name)
		assert.False(t, stage.DataParallel)
	}
	assert.Equal(t, []string{"tokenizer", "indexer", "embeddings", "reshape"}, names)
	require.NoError(t, local.Validate(questionsInputs))
	assert.Equal(t, 7, must.M1(local.Globals().Int("question_vocabulary_size")))
	assert.Equal(t, 12, must.M1(local.Globals().Int("output_size")))

	expected := newBatch()
	require.NoError(t, local.Forward(expected))
	flat := expected.MustGet("flat_questions").(*tensors.Tensor)
	assert.Equal(t, []int{5, 12}, flat.Shape().Dimensions)

	// Same results with the embeddings split over 3 devices.
	parallel := must.M1(Load(path, devices.Range(3)))
	stages := parallel.Stages()
	require.True(t, stages[2].DataParallel)
	require.IsType(t, &distributed.DataParallel{}, stages[2].Component)
	require.IsType(t, &models.SentenceEmbeddings{}, stages[2].Module())
	assert.False(t, stages[0].DataParallel, "stateless components are not wrapped")
	require.NoError(t, parallel.Validate(questionsInputs))

	batch := newBatch()
	elapsed := must.M1(parallel.ForwardTimed(batch))
	assert.Len(t, elapsed, 4)
	assert.Equal(t, expected.Keys(), batch.Keys())
	parallelFlat := batch.MustGet("flat_questions").(*tensors.Tensor)
	assert.True(t, flat.Equal(parallelFlat))
	assert.Equal(t, devices.CPU, parallelFlat.Device())

	// Forwarding twice on the same batch fails: outputs are never overwritten.
	require.Error(t, parallel.Forward(batch))
}

func TestPipelineDataParallelDisabled(t *testing.T) {
	config := must.M1(component.LoadConfig(writeQuestionsPipeline(t)))
	raw, _ := must.M1(config.Sub(Section)).Get("embeddings")
	raw.(map[string]any)["data_parallel"] = false
	p := must.M1(New(config, devices.Range(2)))
	for _, stage := range p.Stages() {
		assert.False(t, stage.DataParallel, stage.Name)
	}
}

func TestPipelineDataParallelOverWords(t *testing.T) {
	config := must.M1(component.LoadConfig(writeQuestionsPipeline(t)))
	raw, _ := must.M1(config.Sub(Section)).Get("embeddings")
	embeddings := raw.(map[string]any)
	embeddings["streams"].(map[string]any)["inputs"] = "tokenized_questions"
	embeddings["fixed_padding"] = 3

	local := must.M1(New(config, nil))
	require.NoError(t, local.Validate(questionsInputs))
	expected := newBatch()
	require.NoError(t, local.Forward(expected))
	expectedEmbedded := expected.MustGet("embedded_questions").(*tensors.Tensor)
	assert.Equal(t, []int{5, 3, 4}, expectedEmbedded.Shape().Dimensions)

	parallel := must.M1(New(config, devices.Range(3)))
	require.True(t, parallel.Stages()[2].DataParallel)
	err := parallel.Validate(questionsInputs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"tokenized_questions"`)
	assert.Contains(t, err.Error(), "data_parallel: false")

	// Even without validation, the words are not embedded once per device.
	batch := newBatch()
	require.NoError(t, parallel.Forward(batch))
	embedded := batch.MustGet("embedded_questions").(*tensors.Tensor)
	assert.Equal(t, []int{5, 3, 4}, embedded.Shape().Dimensions)
	assert.True(t, expectedEmbedded.Equal(embedded))
	assert.Equal(t, devices.CPU, embedded.Device())
}

func TestPipelineValidate(t *testing.T) {
	p := must.M1(Load(writeQuestionsPipeline(t), nil))
	err := p.Validate(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"questions"`)

	err = p.Validate(component.DataDefinitions{"questions": {GoType: reflect.TypeFor[[][]string]()}})
	require.Error(t, err)

	err = p.Validate(component.DataDefinitions{
		"questions":      questionsInputs["questions"],
		"flat_questions": {},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "produced by both")
}

func TestPipelineConfigErrors(t *testing.T) {
	for name, yaml := range map[string]string{
		"no components":  "name: empty\n",
		"no priority":    "a:\n  type: ReshapeTensor\n",
		"same priority":  "a:\n  type: ReshapeTensor\n  priority: 1\n  input_dims: -1\n  output_dims: -1\nb:\n  type: ReshapeTensor\n  priority: 1\n  input_dims: -1\n  output_dims: -1\n",
		"unknown type":   "a:\n  type: Transformer\n  priority: 1\n",
		"bad component":  "a:\n  type: ReshapeTensor\n  priority: 1\n",
		"bad output dev": "output_device: gpu\na:\n  type: ReshapeTensor\n  priority: 1\n  input_dims: -1\n  output_dims: -1\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := New(must.M1(component.ParseConfig([]byte(yaml))), nil)
			require.Error(t, err)
		})
	}
	_, err := New(component.NewConfig(nil), []devices.Device{1, 1})
	require.Error(t, err)
}
