// Copyright 2023-2026 The PyTorchPipe Authors. SPDX-License-Identifier: Apache-2.0

package vocab

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/aasseman/pytorchpipe/pkg/support/fsutil"
	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultFieldNames are the CSV column names used by SaveDictToCSVFile if none are given.
var DefaultFieldNames = []string{"word", "index"}

// filePath joins dir and fileName, expanding a "~" prefix in dir.
func filePath(dir, fileName string) (string, error) {
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, fileName), nil
}

// SaveListToTxtFile writes data to dir/fileName, one element per line. dir is created if needed.
func SaveListToTxtFile(dir, fileName string, data []string) error {
	path, err := filePath(dir, fileName)
	if err != nil {
		return err
	}
	if err = fsutil.CreateParentDir(path); err != nil {
		return err
	}
	if err = os.WriteFile(path, []byte(strings.Join(data, "\n")), 0o644); err != nil {
		return errors.Wrapf(err, "failed to write list to %q", path)
	}
	return nil
}

// LoadListFromTxtFile reads dir/fileName, returning one element per line.
func LoadListFromTxtFile(dir, fileName string) ([]string, error) {
	path, err := filePath(dir, fileName)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %q", path)
	}
	defer func() { _ = f.Close() }()
	var data []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		data = append(data, strings.TrimSuffix(scanner.Text(), "\r"))
	}
	if err = scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to read %q", path)
	}
	return data, nil
}

// hasHeader guesses whether the CSV contents start with a header: that is the case if the second column of
// the first row is not an integer.
func hasHeader(contents []byte) (bool, error) {
	reader := csv.NewReader(bytes.NewReader(contents))
	first, err := reader.Read()
	if err != nil {
		return false, errors.Wrap(err, "failed to parse CSV")
	}
	if len(first) < 2 {
		return false, errors.Errorf("CSV must have 2 columns (word, index), got %d", len(first))
	}
	_, err = strconv.Atoi(strings.TrimSpace(first[1]))
	return err != nil, nil
}

// LoadDictFromCSVFile loads a word to index mapping from dir/fileName, a CSV file with 2 columns (word, index).
// The presence of a header row is detected automatically.
func LoadDictFromCSVFile(dir, fileName string) (map[string]int, error) {
	path, err := filePath(dir, fileName)
	if err != nil {
		return nil, err
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %q", path)
	}
	dict := make(map[string]int)
	if len(bytes.TrimSpace(contents)) == 0 {
		return dict, nil
	}
	header, err := hasHeader(contents)
	if err != nil {
		return nil, errors.WithMessagef(err, "loading %q", path)
	}
	if header && bytes.Count(bytes.TrimSpace(contents), []byte("\n")) == 0 {
		// Only the header.
		return dict, nil
	}
	df := dataframe.ReadCSV(bytes.NewReader(contents),
		dataframe.HasHeader(header),
		dataframe.Names(DefaultFieldNames...),
		dataframe.NaNValues([]string{}),
		dataframe.WithTypes(map[string]series.Type{
			DefaultFieldNames[0]: series.String,
			DefaultFieldNames[1]: series.Int,
		}))
	if df.Err != nil {
		return nil, errors.Wrapf(df.Err, "failed to parse CSV %q", path)
	}
	words := df.Col(DefaultFieldNames[0]).Records()
	indices, err := df.Col(DefaultFieldNames[1]).Int()
	if err != nil {
		return nil, errors.Wrapf(err, "invalid indices in CSV %q", path)
	}
	for ii, word := range words {
		dict[word] = indices[ii]
	}
	klog.V(1).Infof("loaded %d word mappings from %q", len(dict), path)
	return dict, nil
}

// SaveDictToCSVFile saves the word to index mapping to dir/fileName, ordered by index, with a header row with
// the given field names (DefaultFieldNames if none are given). dir is created if needed.
func SaveDictToCSVFile(dir, fileName string, dict map[string]int, fieldNames ...string) error {
	if len(fieldNames) == 0 {
		fieldNames = DefaultFieldNames
	}
	if len(fieldNames) != 2 {
		return errors.Errorf("SaveDictToCSVFile requires 2 field names, got %q", fieldNames)
	}
	path, err := filePath(dir, fileName)
	if err != nil {
		return err
	}
	if err = fsutil.CreateParentDir(path); err != nil {
		return err
	}

	words := make([]string, 0, len(dict))
	for word := range dict {
		words = append(words, word)
	}
	slices.SortFunc(words, func(a, b string) int { return dict[a] - dict[b] })
	indices := make([]int, len(words))
	for ii, word := range words {
		indices[ii] = dict[word]
	}
	df := dataframe.New(
		series.New(words, series.String, fieldNames[0]),
		series.New(indices, series.Int, fieldNames[1]))

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", path)
	}
	if err = df.WriteCSV(f); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to write CSV to %q", path)
	}
	return errors.Wrapf(f.Close(), "failed to close %q", path)
}

// Load a vocabulary from a CSV file, see LoadDictFromCSVFile.
func Load(dir, fileName string) (*WordMappings, error) {
	dict, err := LoadDictFromCSVFile(dir, fileName)
	if err != nil {
		return nil, err
	}
	w, err := FromMap(dict)
	return w, errors.WithMessagef(err, "vocabulary in %q", fileName)
}

// Save the vocabulary to a CSV file, see SaveDictToCSVFile.
func (w *WordMappings) Save(dir, fileName string) error {
	return SaveDictToCSVFile(dir, fileName, w.Map())
}
