// Copyright 2023-2026 The PyTorchPipe Authors. SPDX-License-Identifier: Apache-2.0

package component

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/aasseman/pytorchpipe/pkg/support/fsutil"
	"github.com/aasseman/pytorchpipe/pkg/support/xslices"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config holds the (immutable) configuration of a component or pipeline, as parsed from YAML.
//
// Getters take a default value, used when the key is not set, and return an error if the value is set
// with the wrong type.
type Config struct {
	values map[string]any
}

// NewConfig wraps the values (typically decoded from YAML). A nil map is an empty configuration.
func NewConfig(values map[string]any) *Config {
	if values == nil {
		values = make(map[string]any)
	}
	return &Config{values: values}
}

// ParseConfig parses a YAML document into a Config.
func ParseConfig(data []byte) (*Config, error) {
	var values map[string]any
	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, errors.Wrap(err, "failed to parse YAML configuration")
	}
	return NewConfig(values), nil
}

// LoadConfig reads and parses a YAML configuration file. A "~" prefix is expanded to the user home directory.
func LoadConfig(path string) (*Config, error) {
	path, err := fsutil.ReplaceTildeInDir(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read configuration from %q", path)
	}
	config, err := ParseConfig(data)
	if err != nil {
		return nil, errors.WithMessagef(err, "configuration file %q", path)
	}
	return config, nil
}

// Has returns whether the key is set.
func (c *Config) Has(key string) bool {
	_, found := c.values[key]
	return found
}

// Keys returns the sorted keys of the configuration.
func (c *Config) Keys() []string {
	return xslices.SortedKeys(c.values)
}

// Get returns the raw value of the key.
func (c *Config) Get(key string) (any, bool) {
	value, found := c.values[key]
	return value, found
}

// Sub returns the nested configuration section under key. A missing key returns an empty configuration.
func (c *Config) Sub(key string) (*Config, error) {
	value, found := c.values[key]
	if !found || value == nil {
		return NewConfig(nil), nil
	}
	switch section := value.(type) {
	case map[string]any:
		return NewConfig(section), nil
	case *Config:
		return section, nil
	}
	return nil, errors.Errorf("configuration %q must be a section (mapping), got %T", key, value)
}

// String returns the value of key as a string.
func (c *Config) String(key, defaultValue string) (string, error) {
	value, found := c.values[key]
	if !found || value == nil {
		return defaultValue, nil
	}
	s, ok := value.(string)
	if !ok {
		return "", errors.Errorf("configuration %q must be a string, got %T", key, value)
	}
	return s, nil
}

// Int returns the value of key as an int.
func (c *Config) Int(key string, defaultValue int) (int, error) {
	value, found := c.values[key]
	if !found || value == nil {
		return defaultValue, nil
	}
	switch v := value.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, errors.Wrapf(err, "configuration %q must be an int", key)
		}
		return i, nil
	}
	return 0, errors.Errorf("configuration %q must be an int, got %T", key, value)
}

// Float returns the value of key as a float64. Ints are converted.
func (c *Config) Float(key string, defaultValue float64) (float64, error) {
	value, found := c.values[key]
	if !found || value == nil {
		return defaultValue, nil
	}
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, errors.Wrapf(err, "configuration %q must be a number", key)
		}
		return f, nil
	}
	return 0, errors.Errorf("configuration %q must be a number, got %T", key, value)
}

// Bool returns the value of key as a bool.
func (c *Config) Bool(key string, defaultValue bool) (bool, error) {
	value, found := c.values[key]
	if !found || value == nil {
		return defaultValue, nil
	}
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return false, errors.Wrapf(err, "configuration %q must be a bool", key)
		}
		return b, nil
	}
	return false, errors.Errorf("configuration %q must be a bool, got %T", key, value)
}

// Ints returns the value of key as a list of ints. It accepts a YAML list or a comma-separated string.
func (c *Config) Ints(key string, defaultValue []int) ([]int, error) {
	value, found := c.values[key]
	if !found || value == nil {
		return defaultValue, nil
	}
	var items []any
	switch v := value.(type) {
	case []any:
		items = v
	case []int:
		return slices.Clone(v), nil
	case int:
		return []int{v}, nil
	case string:
		for _, part := range splitList(v) {
			items = append(items, part)
		}
	default:
		return nil, errors.Errorf("configuration %q must be a list of ints, got %T", key, value)
	}
	ints := make([]int, 0, len(items))
	for ii, item := range items {
		sub := NewConfig(map[string]any{key: item})
		i, err := sub.Int(key, 0)
		if err != nil {
			return nil, errors.WithMessagef(err, "element #%d", ii)
		}
		ints = append(ints, i)
	}
	return ints, nil
}

// Strings returns the value of key as a list of strings. It accepts a YAML list or a comma-separated string.
//
// If accepted values are given, every element must be one of them.
func (c *Config) Strings(key string, defaultValue []string, accepted ...string) ([]string, error) {
	value, found := c.values[key]
	if !found || value == nil {
		return defaultValue, nil
	}
	var list []string
	switch v := value.(type) {
	case string:
		list = splitList(v)
	case []string:
		list = slices.Clone(v)
	case []any:
		for _, item := range v {
			list = append(list, fmt.Sprint(item))
		}
	default:
		return nil, errors.Errorf("configuration %q must be a list of strings, got %T", key, value)
	}
	if len(accepted) > 0 {
		for _, s := range list {
			if !slices.Contains(accepted, s) {
				return nil, errors.Errorf("configuration %q: value %q not accepted, valid values are %q", key, s, accepted)
			}
		}
	}
	return list, nil
}

// StringMap returns the section under key as a map of strings. Used for the "streams" and "globals"
// remapping sections.
func (c *Config) StringMap(key string) (map[string]string, error) {
	sub, err := c.Sub(key)
	if err != nil {
		return nil, err
	}
	result := make(map[string]string, len(sub.values))
	for k, v := range sub.values {
		s, ok := v.(string)
		if !ok {
			return nil, errors.Errorf("configuration %q: value of %q must be a string, got %T", key, k, v)
		}
		result[k] = s
	}
	return result, nil
}

// splitList splits a comma-separated list, trimming spaces and dropping empty elements.
func splitList(s string) []string {
	var list []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			list = append(list, part)
		}
	}
	return list
}
