// Copyright 2023-2026 The PyTorchPipe Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"fmt"

	"github.com/aasseman/pytorchpipe/pkg/core/devices"
	"github.com/pkg/errors"
)

// Errors returned by the distribution engine. They are wrapped with the details of the failure, test for them
// with errors.Is.
var (
	// ErrShape is returned when a tensor cannot be split in the number of shards being used: it is a scalar,
	// the axis is out of range or its dimension on the axis is smaller than the number of shards.
	// It is also returned when per-device tensors cannot be concatenated.
	ErrShape = errors.New("invalid shape")

	// ErrKeyMismatch is returned by Gather when per-device records (or maps) have different key sets.
	ErrKeyMismatch = errors.New("key mismatch")

	// ErrStructureMismatch is returned by Gather when per-device values at the same position are of different
	// kinds or types, or when sequences have different lengths.
	ErrStructureMismatch = errors.New("structure mismatch")

	// ErrReplication is returned when a module cannot be replicated, e.g. over 0 devices.
	ErrReplication = errors.New("replication failed")

	// ErrReplicaExecution matches (errors.Is) any *ReplicaExecutionError.
	ErrReplicaExecution = errors.New("replica execution failed")
)

// ReplicaExecutionError wraps the failure (error or panic) of one replica during ParallelApply.
type ReplicaExecutionError struct {
	// Replica is the index of the replica that failed, which is also the index of its device and shard.
	Replica int

	// Device where the replica was executing.
	Device devices.Device

	// Err is the cause of the failure.
	Err error
}

// Error implements error.
func (e *ReplicaExecutionError) Error() string {
	return fmt.Sprintf("%s: replica #%d on %s: %v", ErrReplicaExecution, e.Replica, e.Device, e.Err)
}

// Unwrap returns the cause of the failure.
func (e *ReplicaExecutionError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrReplicaExecution) true.
func (e *ReplicaExecutionError) Is(target error) bool { return target == ErrReplicaExecution }

// pathOrRoot formats a traversal path for error messages.
func pathOrRoot(path string) string {
	if path == "" {
		return "<root>"
	}
	return path
}
