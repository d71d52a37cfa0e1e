// Copyright 2023-2026 The PyTorchPipe Authors. SPDX-License-Identifier: Apache-2.0

// Package fsutil contains utilities for working with the file system: "~" expansion, existence checks and
// creation of parent directories.
package fsutil

import (
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// stat returns the file info of path, or nil if it doesn't exist.
func stat(path string) (fs.FileInfo, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to stat %q", path)
	}
	return info, nil
}

// FileExists returns whether the file or directory exists.
func FileExists(path string) (bool, error) {
	info, err := stat(path)
	return info != nil, err
}

// MustFileExists is like FileExists, but panics on file system errors.
func MustFileExists(path string) bool {
	exists, err := FileExists(path)
	if err != nil {
		panic(err)
	}
	return exists
}

// ReplaceTildeInDir expands a leading "~" (current user) or "~name" (user name) in dir to the home
// directory of the user. Other paths are returned unchanged.
func ReplaceTildeInDir(dir string) (string, error) {
	if !strings.HasPrefix(dir, "~") {
		return dir, nil
	}
	userName, rest, _ := strings.Cut(dir[1:], "/")
	var usr *user.User
	var err error
	if userName == "" {
		usr, err = user.Current()
	} else {
		usr, err = user.Lookup(userName)
	}
	if err != nil {
		return "", errors.Wrapf(err, "cannot find the home directory for %q", dir)
	}
	return filepath.Join(usr.HomeDir, rest), nil
}

// MustReplaceTildeInDir is like ReplaceTildeInDir, but panics if the user is unknown.
func MustReplaceTildeInDir(dir string) string {
	dir, err := ReplaceTildeInDir(dir)
	if err != nil {
		panic(err)
	}
	return dir
}

// CheckFileExistence returns whether dir is a directory holding the regular file fileName.
// A "~" prefix in dir is expanded.
func CheckFileExistence(dir, fileName string) (bool, error) {
	dir, err := ReplaceTildeInDir(dir)
	if err != nil {
		return false, err
	}
	info, err := stat(dir)
	if err != nil || info == nil || !info.IsDir() {
		return false, err
	}
	info, err = stat(filepath.Join(dir, fileName))
	if err != nil || info == nil {
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

// CheckFilesExistence returns whether all the files exist in dir. See CheckFileExistence.
//
// fileNames can also be given as one string with names separated by spaces.
func CheckFilesExistence(dir string, fileNames ...string) (bool, error) {
	if len(fileNames) == 1 {
		fileNames = strings.Fields(fileNames[0])
	}
	for _, fileName := range fileNames {
		exists, err := CheckFileExistence(dir, fileName)
		if err != nil || !exists {
			return false, err
		}
	}
	return true, nil
}

// CreateParentDir creates the parent directory of filePath, if it doesn't exist yet.
func CreateParentDir(filePath string) error {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory %q", dir)
	}
	return nil
}
