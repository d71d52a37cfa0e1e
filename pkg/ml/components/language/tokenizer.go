// Copyright 2023-2026 The PyTorchPipe Authors. SPDX-License-Identifier: Apache-2.0

// Package language implements components that process natural language: tokenization and indexing of
// sentences.
package language

import (
	"reflect"
	"slices"
	"strings"

	"github.com/aasseman/pytorchpipe/pkg/datastreams"
	"github.com/aasseman/pytorchpipe/pkg/ml/component"
	"github.com/aasseman/pytorchpipe/pkg/support/xslices"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Preprocessing options of SentenceTokenizer.
const (
	PreprocessNone              = "none"
	PreprocessLowercase         = "lowercase"
	PreprocessRemovePunctuation = "remove_punctuation"
	PreprocessAll               = "all"
)

// punctuation removed by the "remove_punctuation" preprocessing.
const punctuation = "!\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~"

// SentenceTokenizer splits sentences ([]string) into words ([][]string) on whitespace, after the configured
// preprocessing. In detokenize mode it does the opposite, joining words with a space.
//
// Configuration:
//
//   - preprocessing: list of "none", "lowercase", "remove_punctuation" or "all". Default "none".
//   - remove_characters: list of characters replaced by spaces before tokenizing.
//   - detokenize: bool, default false.
//   - streams: inputs, outputs.
type SentenceTokenizer struct {
	component.Base

	detokenize        bool
	lowercase         bool
	removePunctuation bool
	removeCharacters  []string

	keyInputs, keyOutputs string
}

var _ component.Component = (*SentenceTokenizer)(nil)

// NewSentenceTokenizer creates a SentenceTokenizer from its configuration.
func NewSentenceTokenizer(name string, config *component.Config, globals *component.Globals) (*SentenceTokenizer, error) {
	base, err := component.NewBase(name, config, globals)
	if err != nil {
		return nil, err
	}
	t := &SentenceTokenizer{Base: base}
	if t.detokenize, err = config.Bool("detokenize", false); err != nil {
		return nil, errors.WithMessagef(err, "component %q", name)
	}
	preprocessing, err := config.Strings("preprocessing", nil,
		PreprocessNone, PreprocessLowercase, PreprocessRemovePunctuation, PreprocessAll)
	if err != nil {
		return nil, errors.WithMessagef(err, "component %q", name)
	}
	switch {
	case slices.Contains(preprocessing, PreprocessNone):
	case slices.Contains(preprocessing, PreprocessAll):
		t.lowercase, t.removePunctuation = true, true
	default:
		t.lowercase = slices.Contains(preprocessing, PreprocessLowercase)
		t.removePunctuation = slices.Contains(preprocessing, PreprocessRemovePunctuation)
	}
	if t.removeCharacters, err = config.Strings("remove_characters", nil); err != nil {
		return nil, errors.WithMessagef(err, "component %q", name)
	}
	klog.V(1).Infof("%s: lowercase=%v, remove_punctuation=%v, remove_characters=%q",
		name, t.lowercase, t.removePunctuation, t.removeCharacters)
	t.keyInputs = t.StreamKey("inputs")
	t.keyOutputs = t.StreamKey("outputs")
	return t, nil
}

var (
	sentencesDefinition = component.DataDefinition{
		Dimensions:  []int{-1, 1},
		GoType:      reflect.TypeFor[[]string](),
		Description: "Batch of sentences, each represented as a single string [BATCH_SIZE] x [string]",
	}
	wordsDefinition = component.DataDefinition{
		Dimensions:  []int{-1, -1, 1},
		GoType:      reflect.TypeFor[[][]string](),
		Description: "Batch of tokenized sentences, each represented as a list of words [BATCH_SIZE] x [SEQ_LENGTH] x [string]",
	}
)

// InputDataDefinitions implements component.Component.
func (t *SentenceTokenizer) InputDataDefinitions() component.DataDefinitions {
	if t.detokenize {
		return component.DataDefinitions{t.keyInputs: wordsDefinition}
	}
	return component.DataDefinitions{t.keyInputs: sentencesDefinition}
}

// OutputDataDefinitions implements component.Component.
func (t *SentenceTokenizer) OutputDataDefinitions() component.DataDefinitions {
	if t.detokenize {
		return component.DataDefinitions{t.keyOutputs: sentencesDefinition}
	}
	return component.DataDefinitions{t.keyOutputs: wordsDefinition}
}

// Tokenize one sentence.
func (t *SentenceTokenizer) Tokenize(text string) []string {
	if t.lowercase {
		text = strings.ToLower(text)
	}
	for _, chars := range t.removeCharacters {
		text = strings.ReplaceAll(text, chars, " ")
	}
	if t.removePunctuation {
		text = strings.Map(func(r rune) rune {
			if strings.ContainsRune(punctuation, r) {
				return -1
			}
			return r
		}, text)
	}
	return strings.Fields(text)
}

// Detokenize joins the words of one sentence.
func (t *SentenceTokenizer) Detokenize(words []string) string {
	return strings.Join(words, " ")
}

// Call implements component.Component.
func (t *SentenceTokenizer) Call(streams *datastreams.DataStreams) error {
	inputs, err := t.InputStream(streams, "inputs")
	if err != nil {
		return err
	}
	if t.detokenize {
		samples, ok := inputs.([][]string)
		if !ok {
			return errors.Errorf("%s: input %q must be [][]string, got %T", t.Name(), t.keyInputs, inputs)
		}
		return streams.Publish(map[string]any{t.keyOutputs: xslices.Map(samples, t.Detokenize)})
	}
	samples, ok := inputs.([]string)
	if !ok {
		return errors.Errorf("%s: input %q must be []string, got %T", t.Name(), t.keyInputs, inputs)
	}
	return streams.Publish(map[string]any{t.keyOutputs: xslices.Map(samples, t.Tokenize)})
}

func init() {
	component.RegisterType("SentenceTokenizer", NewSentenceTokenizer)
}
