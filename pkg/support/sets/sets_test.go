// Copyright 2023-2026 The PyTorchPipe Authors. SPDX-License-Identifier: Apache-2.0

package sets

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSet(t *testing.T) {
	s := Make[string](10)
	assert.Len(t, s, 0)

	s.Insert("inputs", "outputs")
	assert.Len(t, s, 2)
	assert.True(t, s.Has("inputs"))
	assert.False(t, s.Has("index"))

	s2 := MakeWith("index", "outputs")
	missing := s.Sub(s2)
	assert.Equal(t, []string{"inputs"}, Sorted(missing))
	assert.Equal(t, []string{"index"}, Sorted(s2.Sub(s)))

	assert.False(t, s.Equal(s2))
	delete(s, "inputs")
	s.Insert("index")
	assert.True(t, s.Equal(s2))
	assert.Equal(t, []string{"index", "outputs"}, Sorted(s))
}
