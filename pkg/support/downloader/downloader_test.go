// Copyright 2023-2026 The PyTorchPipe Authors. SPDX-License-Identifier: Apache-2.0

package downloader

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDownloadIfMissing(t *testing.T) {
	contents := strings.Repeat("glove 0.1 0.2\n", 1000)
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if r.URL.Path != "/glove.txt" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(contents))
	}))
	defer server.Close()

	sum := sha256.Sum256([]byte(contents))
	hash := hex.EncodeToString(sum[:])
	filePath := filepath.Join(t.TempDir(), "embeddings", "glove.txt")

	var lastWritten, lastTotal int64
	progress := func(written, total int64) {
		assert.GreaterOrEqual(t, written, lastWritten, "progress must be monotonic")
		lastWritten, lastTotal = written, total
	}
	require.NoError(t, DownloadIfMissing(server.URL+"/glove.txt", filePath, hash, progress))
	assert.Equal(t, int64(len(contents)), lastWritten)
	assert.Equal(t, int64(len(contents)), lastTotal)
	assert.Equal(t, contents, string(must.M1(os.ReadFile(filePath))))
	assert.Equal(t, int32(1), requests.Load())

	// Second time it is not downloaded.
	require.NoError(t, DownloadIfMissing(server.URL+"/glove.txt", filePath, hash, nil))
	assert.Equal(t, int32(1), requests.Load())

	// Wrong hash.
	require.Error(t, DownloadIfMissing(server.URL+"/glove.txt", filePath, "bad", nil))

	// Missing remote file: nothing is left behind.
	missingPath := filepath.Join(t.TempDir(), "missing.txt")
	require.Error(t, DownloadIfMissing(server.URL+"/missing.txt", missingPath, "", nil))
	_, err := os.Stat(missingPath)
	assert.True(t, os.IsNotExist(err))
	entries := must.M1(os.ReadDir(filepath.Dir(missingPath)))
	assert.Empty(t, entries)
}
