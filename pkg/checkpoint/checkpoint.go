/*
Copyright 2024 The Parthost Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package checkpoint defines per-partition progress markers and the store
// contract for persisting them. Checkpoint state is semantically independent
// from lease state even when both live on the same backend.
package checkpoint

import "context"

// Checkpoint records how far a partition's event stream has been processed.
type Checkpoint struct {
	PartitionID    string `json:"partitionId"`
	Offset         string `json:"offset"`
	SequenceNumber int64  `json:"sequenceNumber"`
}

// New returns a zero-progress checkpoint for a partition.
func New(partitionID string) Checkpoint {
	return Checkpoint{PartitionID: partitionID, SequenceNumber: -1}
}

// Store persists one checkpoint per partition.
type Store interface {
	// StoreExists reports whether the backing store has been provisioned.
	StoreExists(ctx context.Context) (bool, error)
	// EnsureStore provisions the backing store if it is absent.
	EnsureStore(ctx context.Context) error
	// EnsureCheckpoint creates the checkpoint record for a partition if it
	// is absent and returns the current checkpoint either way.
	EnsureCheckpoint(ctx context.Context, partitionID string) (Checkpoint, error)
	// GetCheckpoint reads the checkpoint for a partition. The boolean is
	// false when no record exists.
	GetCheckpoint(ctx context.Context, partitionID string) (Checkpoint, bool, error)
	// UpdateCheckpoint persists new progress for a partition.
	UpdateCheckpoint(ctx context.Context, cp Checkpoint) error
	// DeleteCheckpoint removes the checkpoint record for a partition.
	DeleteCheckpoint(ctx context.Context, partitionID string) error
}
