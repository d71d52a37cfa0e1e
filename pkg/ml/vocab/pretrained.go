// Copyright 2023-2026 The PyTorchPipe Authors. SPDX-License-Identifier: Apache-2.0

package vocab

import (
	"bufio"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"

	"github.com/aasseman/pytorchpipe/pkg/core/tensors"
	"github.com/aasseman/pytorchpipe/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// InitEmbeddings returns a table of shape [w.Len(), embeddingsSize] with values drawn uniformly from
// [-0.1, 0.1), except for the row of Pad, which is zero.
func InitEmbeddings(w *WordMappings, embeddingsSize int, rng *rand.Rand) []float32 {
	table := make([]float32, w.Len()*embeddingsSize)
	for ii := range table {
		table[ii] = (rng.Float32()*2 - 1) * 0.1
	}
	if padIdx, found := w.Index(Pad); found {
		clear(table[padIdx*embeddingsSize : (padIdx+1)*embeddingsSize])
	}
	return table
}

// LoadPretrainedEmbeddings creates the embeddings table for the vocabulary, shaped [w.Len(), embeddingsSize],
// with the vectors of the words found in a GloVe-formatted text file ("word v_1 v_2 ... v_n" per line).
// Words not in the file are initialized with InitEmbeddings.
func LoadPretrainedEmbeddings(path string, w *WordMappings, embeddingsSize int, rng *rand.Rand) (*tensors.Tensor, error) {
	path, err := fsutil.ReplaceTildeInDir(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open pretrained embeddings %q", path)
	}
	defer func() { _ = f.Close() }()

	table := InitEmbeddings(w, embeddingsSize, rng)
	found := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		idx, inVocab := w.Index(fields[0])
		if !inVocab {
			continue
		}
		if len(fields)-1 != embeddingsSize {
			return nil, errors.Errorf("%s:%d: word %q has %d values, but embeddings size is %d",
				path, lineNum, fields[0], len(fields)-1, embeddingsSize)
		}
		row := table[idx*embeddingsSize : (idx+1)*embeddingsSize]
		for ii, field := range fields[1:] {
			v, err := strconv.ParseFloat(field, 32)
			if err != nil {
				return nil, errors.Wrapf(err, "%s:%d: invalid value for word %q", path, lineNum, fields[0])
			}
			row[ii] = float32(v)
		}
		found++
	}
	if err = scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to read %q", path)
	}
	klog.V(1).Infof("loaded pretrained embeddings for %d out of %d words from %q", found, w.Len(), path)
	return tensors.FromFlatDataAndDimensions(table, w.Len(), embeddingsSize), nil
}

// EncodeBatch converts a batch of tokenized sentences to an int64 tensor of indices shaped
// [len(sentences), seqLength], on the CPU.
//
// If fixedPadding > 0 every sentence is padded or truncated to fixedPadding words. Otherwise sentences are
// padded to the length of the longest one. Padding uses the index of Pad.
func (w *WordMappings) EncodeBatch(sentences [][]string, fixedPadding int) (*tensors.Tensor, error) {
	padIdx, found := w.Index(Pad)
	if !found {
		return nil, errors.Errorf("vocabulary has no padding token %q", Pad)
	}
	seqLength := fixedPadding
	if seqLength <= 0 {
		seqLength = 0
		for _, sentence := range sentences {
			seqLength = max(seqLength, len(sentence))
		}
	}
	flat := make([]int64, 0, len(sentences)*seqLength)
	for ii, sentence := range sentences {
		indices, err := w.Encode(sentence)
		if err != nil {
			return nil, errors.WithMessagef(err, "sentence #%d", ii)
		}
		for _, idx := range PadTrunc(indices, seqLength, padIdx) {
			flat = append(flat, int64(idx))
		}
	}
	return tensors.FromFlatDataAndDimensions(flat, len(sentences), seqLength), nil
}
