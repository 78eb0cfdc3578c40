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

package eventhub

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eventhost/parthost/pkg/partition"
	"github.com/eventhost/parthost/pkg/storage/memory"
)

func TestNewPumpFactoryDefaults(t *testing.T) {
	backend := memory.NewBackend(time.Minute, time.Second)
	logger := testr.New(t)
	factory := NewPumpFactory(&Client{logger: logger}, backend.NewCheckpointStore(), nil, 0, &logger)

	built, err := factory("3", nil)
	require.NoError(t, err)
	p, ok := built.(*pump)
	require.True(t, ok)
	assert.Equal(t, "3", p.partitionID)
	assert.Equal(t, defaultBatchSize, p.batchSize)
}

func TestPumpCloseBeforeOpenIsNoop(t *testing.T) {
	backend := memory.NewBackend(time.Minute, time.Second)
	logger := testr.New(t)
	factory := NewPumpFactory(&Client{logger: logger}, backend.NewCheckpointStore(), nil, 16, &logger)

	built, err := factory("0", nil)
	require.NoError(t, err)
	assert.NoError(t, built.Close(context.Background(), partition.CloseReasonShutdown))
}

func TestPumpSetLeaseSwapsCurrentLease(t *testing.T) {
	backend := memory.NewBackend(time.Minute, time.Second)
	require.NoError(t, backend.NewLeaseStore("hostA").EnsureStore(context.Background()))
	require.NoError(t, backend.NewLeaseStore("hostA").EnsureLease(context.Background(), "0"))
	results, err := backend.NewLeaseStore("hostA").GetAllLeases(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)

	logger := testr.New(t)
	factory := NewPumpFactory(&Client{logger: logger}, backend.NewCheckpointStore(), nil, 16, &logger)
	built, err := factory("0", nil)
	require.NoError(t, err)

	p := built.(*pump)
	built.SetLease(results[0].Lease)
	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Equal(t, "0", p.l.PartitionID())
}
