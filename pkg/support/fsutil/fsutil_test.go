// Copyright 2023-2026 The PyTorchPipe Authors. SPDX-License-Identifier: Apache-2.0

package fsutil

import (
	"os"
	"os/user"
	"path"
	"path/filepath"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplaceTildeInDir(t *testing.T) {
	usr := must.M1(user.Current())
	assert.Equal(t, path.Join(usr.HomeDir, "data"), must.M1(ReplaceTildeInDir("~/data")))
	assert.Equal(t, usr.HomeDir, must.M1(ReplaceTildeInDir("~")))
	assert.Equal(t, "/tmp/x", MustReplaceTildeInDir("/tmp/x"))
	assert.Equal(t, "", MustReplaceTildeInDir(""))
}

func TestCheckFilesExistence(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.csv"), []byte("b"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	assert.True(t, must.M1(CheckFileExistence(dir, "a.txt")))
	assert.False(t, must.M1(CheckFileExistence(dir, "c.txt")))
	assert.False(t, must.M1(CheckFileExistence(dir, "sub")), "directories are not files")
	assert.False(t, must.M1(CheckFileExistence(filepath.Join(dir, "missing"), "a.txt")))

	assert.True(t, must.M1(CheckFilesExistence(dir, "a.txt", "b.csv")))
	assert.True(t, must.M1(CheckFilesExistence(dir, "a.txt b.csv")))
	assert.False(t, must.M1(CheckFilesExistence(dir, "a.txt c.txt")))

	assert.True(t, MustFileExists(filepath.Join(dir, "sub")))
	assert.False(t, MustFileExists(filepath.Join(dir, "nope")))

	target := filepath.Join(dir, "x", "y", "z.txt")
	require.NoError(t, CreateParentDir(target))
	assert.True(t, MustFileExists(filepath.Join(dir, "x", "y")))
}
