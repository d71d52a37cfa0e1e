// Copyright 2023-2026 The PyTorchPipe Authors. SPDX-License-Identifier: Apache-2.0

// Package vocab implements word mappings (vocabularies): the bidirectional mapping between words and indices
// used by language components, and their persistence in CSV and text files.
package vocab

import (
	"slices"
	"strings"

	"github.com/aasseman/pytorchpipe/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Pad is the padding token. It always maps to index 0 in vocabularies created with New or Build.
const Pad = "<PAD>"

// WordMappings maps words to contiguous indices 0..Len()-1 and back.
type WordMappings struct {
	wordToIndex map[string]int
	words       []string
}

// New creates a vocabulary with Pad at index 0 followed by the given words, in order. Repeated words are
// only added once.
func New(words ...string) *WordMappings {
	w := &WordMappings{wordToIndex: make(map[string]int)}
	w.Add(Pad)
	for _, word := range words {
		w.Add(word)
	}
	return w
}

// Build creates a vocabulary from tokenized sentences: Pad at index 0 followed by all words found, sorted,
// so the indices don't depend on the order of the sentences.
func Build(sentences [][]string) *WordMappings {
	var words []string
	seen := make(map[string]bool)
	for _, sentence := range sentences {
		for _, word := range sentence {
			if !seen[word] {
				seen[word] = true
				words = append(words, word)
			}
		}
	}
	slices.Sort(words)
	return New(words...)
}

// FromMap creates a vocabulary from a word to index map, e.g. loaded with LoadDictFromCSVFile.
// Indices must be unique and cover 0..len(m)-1.
func FromMap(m map[string]int) (*WordMappings, error) {
	w := &WordMappings{wordToIndex: make(map[string]int, len(m)), words: make([]string, len(m))}
	filled := make([]bool, len(m))
	for word, idx := range m {
		if idx < 0 || idx >= len(m) {
			return nil, errors.Errorf("word %q has index %d, indices must be between 0 and %d", word, idx, len(m)-1)
		}
		if filled[idx] {
			return nil, errors.Errorf("index %d is used by both %q and %q", idx, w.words[idx], word)
		}
		filled[idx] = true
		w.words[idx] = word
		w.wordToIndex[word] = idx
	}
	return w, nil
}

// Len returns the number of words, including Pad.
func (w *WordMappings) Len() int { return len(w.words) }

// Add the word to the vocabulary, if not there yet, and return its index.
func (w *WordMappings) Add(word string) int {
	if idx, found := w.wordToIndex[word]; found {
		return idx
	}
	idx := len(w.words)
	w.words = append(w.words, word)
	w.wordToIndex[word] = idx
	return idx
}

// Index returns the index of the word and whether it is in the vocabulary.
func (w *WordMappings) Index(word string) (int, bool) {
	idx, found := w.wordToIndex[word]
	return idx, found
}

// Word returns the word with the given index.
func (w *WordMappings) Word(idx int) (string, error) {
	if idx < 0 || idx >= len(w.words) {
		return "", errors.Errorf("index %d out of range for vocabulary of size %d", idx, len(w.words))
	}
	return w.words[idx], nil
}

// Words returns the words, ordered by index.
func (w *WordMappings) Words() []string { return slices.Clone(w.words) }

// Map returns a copy of the word to index mapping.
func (w *WordMappings) Map() map[string]int {
	m := make(map[string]int, len(w.wordToIndex))
	for word, idx := range w.wordToIndex {
		m[word] = idx
	}
	return m
}

// Encode converts the words to indices. Unknown words are an error.
func (w *WordMappings) Encode(words []string) ([]int, error) {
	indices := make([]int, len(words))
	for ii, word := range words {
		idx, found := w.wordToIndex[word]
		if !found {
			return nil, errors.Errorf("word %q not in vocabulary", word)
		}
		indices[ii] = idx
	}
	return indices, nil
}

// PadTrunc returns a copy of list padded with padValue, or truncated, to exactly length elements.
func PadTrunc[T any](list []T, length int, padValue T) []T {
	if len(list) >= length {
		return slices.Clone(list[:length])
	}
	result := make([]T, length)
	copy(result, list)
	for ii := len(list); ii < length; ii++ {
		result[ii] = padValue
	}
	return result
}

// LoadOrBuild loads the vocabulary from dir/mappingsFile, a CSV file (see LoadDictFromCSVFile).
//
// If the file doesn't exist, the vocabulary is built (see Build) from the words of the sourceFiles
// (text files in dir, one sentence per line, words separated by whitespace) and saved to dir/mappingsFile.
func LoadOrBuild(dir, mappingsFile string, sourceFiles []string) (*WordMappings, error) {
	exists, err := fsutil.CheckFileExistence(dir, mappingsFile)
	if err != nil {
		return nil, err
	}
	if exists {
		return Load(dir, mappingsFile)
	}
	if len(sourceFiles) == 0 {
		return nil, errors.Errorf("word mappings file %q not found in %q, and no source files given to build it",
			mappingsFile, dir)
	}
	var sentences [][]string
	for _, sourceFile := range sourceFiles {
		lines, err := LoadListFromTxtFile(dir, sourceFile)
		if err != nil {
			return nil, errors.WithMessage(err, "building word mappings")
		}
		for _, line := range lines {
			sentences = append(sentences, strings.Fields(line))
		}
	}
	w := Build(sentences)
	if err = w.Save(dir, mappingsFile); err != nil {
		return nil, err
	}
	klog.V(1).Infof("built word mappings with %d words from %q, saved to %q", w.Len(), sourceFiles, mappingsFile)
	return w, nil
}
