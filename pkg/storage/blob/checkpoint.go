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

package blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"dario.cat/mergo"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/go-logr/logr"

	"github.com/eventhost/parthost/pkg/checkpoint"
)

// pythonCheckpoint is the snake_case encoding the older python sdk wrote.
// Blobs written by mixed-language clusters are merged into the common format.
type pythonCheckpoint struct {
	PartitionID    string `json:"partition_id"`
	Offset         string `json:"offset"`
	SequenceNumber int64  `json:"sequence_number"`
}

// CheckpointStore implements checkpoint.Store over one checkpoint blob per
// partition.
type CheckpointStore struct {
	cfg       Config
	container *container.Client
	logger    logr.Logger
}

var _ checkpoint.Store = (*CheckpointStore)(nil)

func (s *CheckpointStore) StoreExists(ctx context.Context) (bool, error) {
	return containerExists(ctx, s.container)
}

func (s *CheckpointStore) EnsureStore(ctx context.Context) error {
	return ensureContainer(ctx, s.container)
}

func (s *CheckpointStore) EnsureCheckpoint(ctx context.Context, partitionID string) (checkpoint.Checkpoint, error) {
	cp, ok, err := s.GetCheckpoint(ctx, partitionID)
	if err != nil {
		return checkpoint.Checkpoint{}, err
	}
	if ok {
		return cp, nil
	}

	cp = checkpoint.New(partitionID)
	body, err := json.Marshal(cp)
	if err != nil {
		return checkpoint.Checkpoint{}, fmt.Errorf("error encoding checkpoint for partition %s: %w", partitionID, err)
	}
	blobClient := s.container.NewBlockBlobClient(checkpointBlobName(s.cfg.ConsumerGroup, partitionID))
	_, err = blobClient.Upload(ctx, streaming.NopCloser(bytes.NewReader(body)), uploadIfAbsentOptions())
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobAlreadyExists, bloberror.ConditionNotMet) {
			// Lost the creation race; the winner's record stands.
			cp, _, err = s.GetCheckpoint(ctx, partitionID)
			return cp, err
		}
		return checkpoint.Checkpoint{}, fmt.Errorf("error creating checkpoint blob for partition %s: %w", partitionID, err)
	}
	return cp, nil
}

func (s *CheckpointStore) GetCheckpoint(ctx context.Context, partitionID string) (checkpoint.Checkpoint, bool, error) {
	blobClient := s.container.NewBlobClient(checkpointBlobName(s.cfg.ConsumerGroup, partitionID))
	resp, err := blobClient.DownloadStream(ctx, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return checkpoint.Checkpoint{}, false, nil
		}
		return checkpoint.Checkpoint{}, false, fmt.Errorf("error downloading checkpoint for partition %s: %w", partitionID, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return checkpoint.Checkpoint{}, false, fmt.Errorf("error reading checkpoint for partition %s: %w", partitionID, err)
	}
	cp, err := decodeCheckpoint(data, partitionID)
	if err != nil {
		return checkpoint.Checkpoint{}, false, err
	}
	return cp, true, nil
}

func (s *CheckpointStore) UpdateCheckpoint(ctx context.Context, cp checkpoint.Checkpoint) error {
	body, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("error encoding checkpoint for partition %s: %w", cp.PartitionID, err)
	}
	blobClient := s.container.NewBlockBlobClient(checkpointBlobName(s.cfg.ConsumerGroup, cp.PartitionID))
	if _, err := blobClient.Upload(ctx, streaming.NopCloser(bytes.NewReader(body)), nil); err != nil {
		return fmt.Errorf("error updating checkpoint for partition %s: %w", cp.PartitionID, err)
	}
	return nil
}

func (s *CheckpointStore) DeleteCheckpoint(ctx context.Context, partitionID string) error {
	blobClient := s.container.NewBlobClient(checkpointBlobName(s.cfg.ConsumerGroup, partitionID))
	if _, err := blobClient.Delete(ctx, nil); err != nil && !bloberror.HasCode(err, bloberror.BlobNotFound) {
		return fmt.Errorf("error deleting checkpoint for partition %s: %w", partitionID, err)
	}
	return nil
}

// decodeCheckpoint accepts both the common camelCase encoding and the legacy
// snake_case one, merging whichever fields are present.
func decodeCheckpoint(data []byte, partitionID string) (checkpoint.Checkpoint, error) {
	var cp checkpoint.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return checkpoint.Checkpoint{}, fmt.Errorf("error decoding checkpoint for partition %s: %w", partitionID, err)
	}

	var pyCp pythonCheckpoint
	if err := json.Unmarshal(data, &pyCp); err != nil {
		return checkpoint.Checkpoint{}, fmt.Errorf("error decoding checkpoint for partition %s: %w", partitionID, err)
	}
	if err := mergo.Merge(&cp, checkpoint.Checkpoint(pyCp)); err != nil {
		return checkpoint.Checkpoint{}, fmt.Errorf("error merging checkpoint formats for partition %s: %w", partitionID, err)
	}

	if cp.PartitionID == "" {
		cp.PartitionID = partitionID
	}
	return cp, nil
}
