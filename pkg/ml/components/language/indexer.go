// Copyright 2023-2026 The PyTorchPipe Authors. SPDX-License-Identifier: Apache-2.0

package language

import (
	"reflect"

	"github.com/aasseman/pytorchpipe/pkg/core/tensors"
	"github.com/aasseman/pytorchpipe/pkg/datastreams"
	"github.com/aasseman/pytorchpipe/pkg/ml/component"
	"github.com/aasseman/pytorchpipe/pkg/ml/vocab"
	"github.com/pkg/errors"
)

// SentenceIndexer converts tokenized sentences ([][]string) to a tensor of word indices shaped
// [BATCH_SIZE, SEQ_LENGTH] (int64), using word mappings loaded from (or built and saved to) a CSV file.
//
// Configuration:
//
//   - data_folder: folder of the word mappings and source files. Default ".".
//   - word_mappings_file: CSV file with the word mappings. Required.
//   - source_files: text files used to build the word mappings if the CSV file doesn't exist.
//   - fixed_padding: if > 0, sentences are padded or truncated to this length, otherwise to the longest one.
//   - streams: inputs, outputs.
//   - globals: vocabulary_size (exported).
type SentenceIndexer struct {
	component.Base

	mappings     *vocab.WordMappings
	fixedPadding int

	keyInputs, keyOutputs string
}

var _ component.Component = (*SentenceIndexer)(nil)

// LoadWordMappings loads the vocabulary described by the "data_folder", "word_mappings_file" and
// "source_files" configuration entries. See vocab.LoadOrBuild.
func LoadWordMappings(config *component.Config) (*vocab.WordMappings, error) {
	dataFolder, err := config.String("data_folder", ".")
	if err != nil {
		return nil, err
	}
	mappingsFile, err := config.String("word_mappings_file", "")
	if err != nil {
		return nil, err
	}
	if mappingsFile == "" {
		return nil, errors.New("configuration \"word_mappings_file\" is required")
	}
	sourceFiles, err := config.Strings("source_files", nil)
	if err != nil {
		return nil, err
	}
	return vocab.LoadOrBuild(dataFolder, mappingsFile, sourceFiles)
}

// NewSentenceIndexer creates a SentenceIndexer from its configuration.
func NewSentenceIndexer(name string, config *component.Config, globals *component.Globals) (*SentenceIndexer, error) {
	base, err := component.NewBase(name, config, globals)
	if err != nil {
		return nil, err
	}
	s := &SentenceIndexer{Base: base}
	if s.mappings, err = LoadWordMappings(config); err != nil {
		return nil, errors.WithMessagef(err, "component %q", name)
	}
	if s.fixedPadding, err = config.Int("fixed_padding", 0); err != nil {
		return nil, errors.WithMessagef(err, "component %q", name)
	}
	if err = s.SetGlobal("vocabulary_size", s.mappings.Len()); err != nil {
		return nil, err
	}
	s.keyInputs = s.StreamKey("inputs")
	s.keyOutputs = s.StreamKey("outputs")
	return s, nil
}

// WordMappings used by the indexer.
func (s *SentenceIndexer) WordMappings() *vocab.WordMappings { return s.mappings }

// InputDataDefinitions implements component.Component.
func (s *SentenceIndexer) InputDataDefinitions() component.DataDefinitions {
	return component.DataDefinitions{s.keyInputs: wordsDefinition}
}

// OutputDataDefinitions implements component.Component.
func (s *SentenceIndexer) OutputDataDefinitions() component.DataDefinitions {
	return component.DataDefinitions{s.keyOutputs: {
		Dimensions:  []int{-1, -1},
		GoType:      reflect.TypeFor[*tensors.Tensor](),
		Description: "Batch of sentences, each represented as a list of word indices [BATCH_SIZE x SEQ_LENGTH] (int64)",
	}}
}

// Call implements component.Component.
func (s *SentenceIndexer) Call(streams *datastreams.DataStreams) error {
	inputs, err := s.InputStream(streams, "inputs")
	if err != nil {
		return err
	}
	sentences, ok := inputs.([][]string)
	if !ok {
		return errors.Errorf("%s: input %q must be [][]string, got %T", s.Name(), s.keyInputs, inputs)
	}
	indices, err := s.mappings.EncodeBatch(sentences, s.fixedPadding)
	if err != nil {
		return errors.WithMessagef(err, "%s", s.Name())
	}
	return streams.Publish(map[string]any{s.keyOutputs: indices})
}

func init() {
	component.RegisterType("SentenceIndexer", NewSentenceIndexer)
}
