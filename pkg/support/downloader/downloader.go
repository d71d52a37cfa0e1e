// Copyright 2023-2026 The PyTorchPipe Authors. SPDX-License-Identifier: Apache-2.0

// Package downloader downloads files (datasets, pretrained embeddings) if they are not available locally,
// reporting the progress through an explicit callback.
package downloader

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/aasseman/pytorchpipe/pkg/support/fsutil"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// ProgressCallback is called while downloading with the number of bytes written so far and the total
// expected, which is -1 if unknown. It is called once more with written == total when the download completes.
type ProgressCallback func(written, total int64)

// progressWriter wraps an io.Writer, reporting the amount written.
type progressWriter struct {
	w              io.Writer
	written, total int64
	progress       ProgressCallback
}

// Write implements io.Writer.
func (pw *progressWriter) Write(p []byte) (n int, err error) {
	n, err = pw.w.Write(p)
	pw.written += int64(n)
	if pw.progress != nil {
		pw.progress(pw.written, pw.total)
	}
	return
}

// ProgressBarCallback returns a ProgressCallback that displays a progress bar in the terminal, described
// with the given label. The bar is created on the first call, once the total size is known.
func ProgressBarCallback(label string) ProgressCallback {
	var bar *progressbar.ProgressBar
	return func(written, total int64) {
		if bar == nil {
			description := label
			if total > 0 {
				description = fmt.Sprintf("%s (%s)", label, humanize.IBytes(uint64(total)))
			}
			bar = progressbar.NewOptions64(total,
				progressbar.OptionSetDescription(description),
				progressbar.OptionShowBytes(true),
				progressbar.OptionUseANSICodes(true),
				progressbar.OptionEnableColorCodes(true),
				progressbar.OptionSetTheme(progressbar.ThemeUnicode),
			)
		}
		_ = bar.Set64(written)
		if total >= 0 && written >= total {
			_ = bar.Finish()
			fmt.Println()
		}
	}
}

// Download the file from url and save it at filePath, creating its directory if needed.
// The contents are first written to a temporary file, renamed to filePath when complete.
//
// progress can be nil.
func Download(url, filePath string, progress ProgressCallback) (size int64, err error) {
	filePath, err = fsutil.ReplaceTildeInDir(filePath)
	if err != nil {
		return 0, err
	}
	if err = fsutil.CreateParentDir(filePath); err != nil {
		return 0, err
	}
	resp, err := http.Get(url)
	if err != nil {
		return 0, errors.Wrapf(err, "failed downloading %q", url)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return 0, errors.Errorf("failed downloading %q: %s", url, resp.Status)
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(filePath), filepath.Base(filePath)+".*.tmp")
	if err != nil {
		return 0, errors.Wrapf(err, "failed creating temporary file for %q", filePath)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmpFile.Name())
		}
	}()
	writer := &progressWriter{w: tmpFile, total: resp.ContentLength, progress: progress}
	size, err = io.Copy(writer, resp.Body)
	if err != nil {
		_ = tmpFile.Close()
		return 0, errors.Wrapf(err, "downloading %q to %q", url, filePath)
	}
	if progress != nil && resp.ContentLength < 0 {
		progress(size, size)
	}
	if err = tmpFile.Close(); err != nil {
		return 0, errors.Wrapf(err, "failed closing %q", tmpFile.Name())
	}
	if err = os.Rename(tmpFile.Name(), filePath); err != nil {
		return 0, errors.Wrapf(err, "failed moving download to %q", filePath)
	}
	klog.V(1).Infof("downloaded %s from %q to %q", humanize.IBytes(uint64(size)), url, filePath)
	return size, nil
}

// DownloadIfMissing downloads the file from url to filePath, unless it already exists.
//
// If checkHash is given, the SHA256 of the file (downloaded or not) must match it.
func DownloadIfMissing(url, filePath, checkHash string, progress ProgressCallback) error {
	filePath, err := fsutil.ReplaceTildeInDir(filePath)
	if err != nil {
		return err
	}
	exists, err := fsutil.FileExists(filePath)
	if err != nil {
		return err
	}
	if !exists {
		klog.Infof("Downloading %s ...", url)
		if _, err = Download(url, filePath, progress); err != nil {
			return err
		}
	}
	if checkHash == "" {
		return nil
	}
	return ValidateChecksum(filePath, checkHash)
}

// ValidateChecksum checks that the SHA256 of the file matches the hex-encoded checkHash.
func ValidateChecksum(filePath, checkHash string) error {
	f, err := os.Open(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to open %q", filePath)
	}
	defer func() { _ = f.Close() }()
	hasher := sha256.New()
	if _, err = io.Copy(hasher, f); err != nil {
		return errors.Wrapf(err, "failed to read %q", filePath)
	}
	if got := hex.EncodeToString(hasher.Sum(nil)); got != checkHash {
		return errors.Errorf("file %q has SHA256 %q, expected %q", filePath, got, checkHash)
	}
	return nil
}
