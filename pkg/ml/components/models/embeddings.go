// Copyright 2023-2026 The PyTorchPipe Authors. SPDX-License-Identifier: Apache-2.0

// Package models implements the trainable components of a pipeline: components that own parameters and
// therefore are replicated per device when run with data parallelism.
package models

import (
	"math/rand/v2"
	"path/filepath"
	"reflect"

	"github.com/aasseman/pytorchpipe/pkg/core/devices"
	"github.com/aasseman/pytorchpipe/pkg/core/shapes"
	"github.com/aasseman/pytorchpipe/pkg/core/tensors"
	"github.com/aasseman/pytorchpipe/pkg/datastreams"
	"github.com/aasseman/pytorchpipe/pkg/ml/component"
	"github.com/aasseman/pytorchpipe/pkg/ml/components/language"
	"github.com/aasseman/pytorchpipe/pkg/ml/vocab"
	"github.com/aasseman/pytorchpipe/pkg/support/downloader"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

// EmbeddingsParam is the name of the embeddings table parameter, shaped [VOCABULARY_SIZE, EMBEDDINGS_SIZE].
const EmbeddingsParam = "embeddings"

// SentenceEmbeddings maps the words of a batch of sentences to their embedding vectors, producing a tensor
// shaped [BATCH_SIZE, SEQ_LENGTH, EMBEDDINGS_SIZE].
//
// The input is either a batch of tokenized sentences ([][]string), which are first indexed with the word
// mappings, or a tensor of word indices shaped [BATCH_SIZE, SEQ_LENGTH] (see language.SentenceIndexer).
// Only the latter can be split across devices by distributed.DataParallel.
//
// Configuration:
//
//   - embeddings_size: size of the embedding vectors. Default 100.
//   - data_folder, word_mappings_file, source_files: word mappings, see language.LoadWordMappings.
//   - fixed_padding: see language.SentenceIndexer.
//   - pretrained_embeddings_file: optional GloVe-formatted file (in data_folder) to initialize the embeddings.
//   - pretrained_embeddings_url: if set, the pretrained embeddings file is downloaded from this URL if missing.
//   - pretrained_embeddings_sha256: optional checksum of the downloaded file.
//   - output_dtype: "float32" (default) or "float16".
//   - seed: seed of the random initialization. Default 42.
//   - streams: inputs, outputs.
//   - globals: embeddings_size, vocabulary_size (exported).
type SentenceEmbeddings struct {
	component.Base

	device        devices.Device
	mappings      *vocab.WordMappings
	params        *component.Parameters
	embeddingSize int
	fixedPadding  int
	outputDType   dtypes.DType

	keyInputs, keyOutputs string
}

var _ component.Replicable = (*SentenceEmbeddings)(nil)

// NewSentenceEmbeddings creates a SentenceEmbeddings from its configuration, with its parameters on the CPU.
func NewSentenceEmbeddings(name string, config *component.Config, globals *component.Globals) (*SentenceEmbeddings, error) {
	base, err := component.NewBase(name, config, globals)
	if err != nil {
		return nil, err
	}
	e := &SentenceEmbeddings{Base: base, device: devices.CPU}
	wrap := func(err error) error { return errors.WithMessagef(err, "component %q", name) }
	if e.embeddingSize, err = config.Int("embeddings_size", 100); err != nil {
		return nil, wrap(err)
	}
	if e.embeddingSize <= 0 {
		return nil, errors.Errorf("component %q: embeddings_size must be > 0, got %d", name, e.embeddingSize)
	}
	if e.fixedPadding, err = config.Int("fixed_padding", 0); err != nil {
		return nil, wrap(err)
	}
	dtypeName, err := config.String("output_dtype", "float32")
	if err != nil {
		return nil, wrap(err)
	}
	switch dtypeName {
	case "float32":
		e.outputDType = dtypes.Float32
	case "float16":
		e.outputDType = dtypes.Float16
	default:
		return nil, errors.Errorf("component %q: output_dtype must be float32 or float16, got %q", name, dtypeName)
	}
	if e.mappings, err = language.LoadWordMappings(config); err != nil {
		return nil, wrap(err)
	}
	seed, err := config.Int("seed", 42)
	if err != nil {
		return nil, wrap(err)
	}
	table, err := e.initTable(config, rand.New(rand.NewPCG(uint64(seed), 0)))
	if err != nil {
		return nil, wrap(err)
	}
	e.params = component.NewParameters(devices.CPU)
	e.params.Set(EmbeddingsParam, table)
	if err = e.SetGlobal("embeddings_size", e.embeddingSize); err != nil {
		return nil, err
	}
	if err = e.SetGlobal("vocabulary_size", e.mappings.Len()); err != nil {
		return nil, err
	}
	klog.V(1).Infof("%s: embeddings table %s (%d bytes)", name, table.Shape(), e.params.Memory())
	e.keyInputs = e.StreamKey("inputs")
	e.keyOutputs = e.StreamKey("outputs")
	return e, nil
}

// initTable creates the embeddings table, from the pretrained embeddings file if one is configured.
func (e *SentenceEmbeddings) initTable(config *component.Config, rng *rand.Rand) (*tensors.Tensor, error) {
	pretrainedFile, err := config.String("pretrained_embeddings_file", "")
	if err != nil {
		return nil, err
	}
	if pretrainedFile == "" {
		return tensors.FromFlatDataAndDimensions(vocab.InitEmbeddings(e.mappings, e.embeddingSize, rng),
			e.mappings.Len(), e.embeddingSize), nil
	}
	dataFolder, err := config.String("data_folder", ".")
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dataFolder, pretrainedFile)
	url, err := config.String("pretrained_embeddings_url", "")
	if err != nil {
		return nil, err
	}
	if url != "" {
		checksum, err := config.String("pretrained_embeddings_sha256", "")
		if err != nil {
			return nil, err
		}
		err = downloader.DownloadIfMissing(url, path, checksum, downloader.ProgressBarCallback(pretrainedFile))
		if err != nil {
			return nil, err
		}
	}
	return vocab.LoadPretrainedEmbeddings(path, e.mappings, e.embeddingSize, rng)
}

// Device where the parameters of this instance live.
func (e *SentenceEmbeddings) Device() devices.Device { return e.device }

// Parameters of this instance.
func (e *SentenceEmbeddings) Parameters() *component.Parameters { return e.params }

// WordMappings used to index the words.
func (e *SentenceEmbeddings) WordMappings() *vocab.WordMappings { return e.mappings }

// Replica implements component.Replicable: the replica shares the (read-only) word mappings and owns a copy
// of the embeddings table on the device.
func (e *SentenceEmbeddings) Replica(device devices.Device) (component.Component, error) {
	replica := *e
	replica.device = device
	replica.params = e.params.Replicate(device)
	return &replica, nil
}

// InputDataDefinitions implements component.Component. Both words and indices are accepted, so neither the
// type nor the dimensions are fixed.
func (e *SentenceEmbeddings) InputDataDefinitions() component.DataDefinitions {
	return component.DataDefinitions{e.keyInputs: {
		Description: "Batch of sentences, as word indices [BATCH_SIZE x SEQ_LENGTH] (int64) or as words [BATCH_SIZE] x [SEQ_LENGTH] x [string]",
	}}
}

// OutputDataDefinitions implements component.Component.
func (e *SentenceEmbeddings) OutputDataDefinitions() component.DataDefinitions {
	return component.DataDefinitions{e.keyOutputs: {
		Dimensions:  []int{-1, -1, e.embeddingSize},
		GoType:      reflect.TypeFor[*tensors.Tensor](),
		Description: "Batch of embedded sentences [BATCH_SIZE x SEQ_LENGTH x EMBEDDINGS_SIZE]",
	}}
}

// Call implements component.Component. The output is created on the device of the embeddings table.
func (e *SentenceEmbeddings) Call(streams *datastreams.DataStreams) error {
	inputs, err := e.InputStream(streams, "inputs")
	if err != nil {
		return err
	}
	var indices *tensors.Tensor
	switch v := inputs.(type) {
	case *tensors.Tensor:
		indices = v
	case [][]string:
		if indices, err = e.mappings.EncodeBatch(v, e.fixedPadding); err != nil {
			return errors.WithMessagef(err, "%s", e.Name())
		}
	default:
		return errors.Errorf("%s: input %q must be a tensor of indices or [][]string, got %T", e.Name(), e.keyInputs, inputs)
	}
	embedded, err := e.Embed(indices)
	if err != nil {
		return errors.WithMessagef(err, "%s", e.Name())
	}
	return streams.Publish(map[string]any{e.keyOutputs: embedded})
}

// Embed looks up the embeddings of the indices, an integer tensor shaped [BATCH_SIZE, SEQ_LENGTH].
func (e *SentenceEmbeddings) Embed(indices *tensors.Tensor) (*tensors.Tensor, error) {
	if err := indices.CheckValid(); err != nil {
		return nil, err
	}
	if indices.Rank() != 2 || !indices.DType().IsInt() {
		return nil, errors.Errorf("indices must be an integer tensor of rank 2, got %s", indices.Shape())
	}
	table, err := e.params.Get(EmbeddingsParam)
	if err != nil {
		return nil, err
	}
	tableFlat, err := tensors.FlatData[float32](table)
	if err != nil {
		return nil, err
	}
	idxValues := reflect.ValueOf(indices.Flat())
	int64Type := reflect.TypeFor[int64]()
	vocabSize, size := table.Shape().Dimensions[0], e.embeddingSize
	flat := make([]float32, 0, idxValues.Len()*size)
	for ii := range idxValues.Len() {
		idx := int(idxValues.Index(ii).Convert(int64Type).Int())
		if idx < 0 || idx >= vocabSize {
			return nil, errors.Errorf("word index %d out of range for a vocabulary of %d words", idx, vocabSize)
		}
		flat = append(flat, tableFlat[idx*size:(idx+1)*size]...)
	}
	dims := append(indices.Shape().Dimensions[:2:2], size)
	if e.outputDType == dtypes.Float16 {
		halfFlat := make([]float16.Float16, len(flat))
		for ii, v := range flat {
			halfFlat[ii] = float16.Fromfloat32(v)
		}
		return tensors.FromFlatOnDevice(shapes.Make(dtypes.Float16, dims...), e.device, halfFlat)
	}
	return tensors.FromFlatOnDevice(shapes.Make(dtypes.Float32, dims...), e.device, flat)
}

func init() {
	component.RegisterType("SentenceEmbeddings", NewSentenceEmbeddings)
}
