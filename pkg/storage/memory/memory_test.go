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

package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eventhost/parthost/pkg/checkpoint"
	"github.com/eventhost/parthost/pkg/lease"
)

func provisionLeases(t *testing.T, s *LeaseStore, partitionIDs ...string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.EnsureStore(ctx))
	for _, partitionID := range partitionIDs {
		require.NoError(t, s.EnsureLease(ctx, partitionID))
	}
}

func leaseFor(t *testing.T, s *LeaseStore, partitionID string) lease.Lease {
	t.Helper()
	results, err := s.GetAllLeases(context.Background())
	require.NoError(t, err)
	for _, r := range results {
		require.NoError(t, r.Err)
		if r.Lease.PartitionID() == partitionID {
			return r.Lease
		}
	}
	t.Fatalf("no lease for partition %s", partitionID)
	return nil
}

func TestLeaseStoreLifecycle(t *testing.T) {
	backend := NewBackend(time.Minute, time.Second)
	s := backend.NewLeaseStore("hostA")
	ctx := context.Background()

	exists, err := s.StoreExists(ctx)
	require.NoError(t, err)
	assert.False(t, exists)

	assert.ErrorIs(t, s.EnsureLease(ctx, "0"), ErrStoreNotCreated)

	require.NoError(t, s.EnsureStore(ctx))
	exists, err = s.StoreExists(ctx)
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, s.EnsureLease(ctx, "0"))
	require.NoError(t, s.EnsureLease(ctx, "0"), "ensure must be idempotent")
	require.NoError(t, s.EnsureLease(ctx, "1"))

	results, err := s.GetAllLeases(ctx)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "0", results[0].Lease.PartitionID(), "enumeration must be deterministic")
	assert.Equal(t, "1", results[1].Lease.PartitionID())

	assert.Equal(t, time.Second, s.RenewInterval())
}

func TestFreshLeaseIsExpiredAndUnowned(t *testing.T) {
	backend := NewBackend(time.Minute, time.Second)
	s := backend.NewLeaseStore("hostA")
	provisionLeases(t, s, "0")

	l := leaseFor(t, s, "0")
	assert.True(t, l.IsExpired(context.Background()))
	assert.Empty(t, l.Owner())
}

func TestAcquireRenewRelease(t *testing.T) {
	backend := NewBackend(time.Minute, time.Second)
	s := backend.NewLeaseStore("hostA")
	provisionLeases(t, s, "0")
	ctx := context.Background()

	l := leaseFor(t, s, "0")
	acquired, err := s.AcquireLease(ctx, l)
	require.NoError(t, err)
	require.True(t, acquired)
	assert.Equal(t, "hostA", l.Owner(), "acquire must refresh the observed lease")
	assert.False(t, l.IsExpired(ctx))

	renewed, err := s.RenewLease(ctx, l)
	require.NoError(t, err)
	assert.True(t, renewed)

	require.NoError(t, s.ReleaseLease(ctx, l))
	after := leaseFor(t, s, "0")
	assert.Empty(t, after.Owner())
	assert.True(t, after.IsExpired(ctx))
}

func TestAcquireLosesRaceOnStaleObservation(t *testing.T) {
	backend := NewBackend(time.Minute, time.Second)
	hostA := backend.NewLeaseStore("hostA")
	hostB := backend.NewLeaseStore("hostB")
	provisionLeases(t, hostA, "0")
	ctx := context.Background()

	seenByA := leaseFor(t, hostA, "0")
	seenByB := leaseFor(t, hostB, "0")

	acquired, err := hostA.AcquireLease(ctx, seenByA)
	require.NoError(t, err)
	require.True(t, acquired)

	// B still holds the pre-acquisition observation and must lose.
	acquired, err = hostB.AcquireLease(ctx, seenByB)
	require.NoError(t, err)
	assert.False(t, acquired)
	assert.Equal(t, "hostA", leaseFor(t, hostA, "0").Owner())
}

func TestStealWithFreshObservationSucceeds(t *testing.T) {
	backend := NewBackend(time.Minute, time.Second)
	hostA := backend.NewLeaseStore("hostA")
	hostB := backend.NewLeaseStore("hostB")
	provisionLeases(t, hostA, "0")
	ctx := context.Background()

	acquired, err := hostA.AcquireLease(ctx, leaseFor(t, hostA, "0"))
	require.NoError(t, err)
	require.True(t, acquired)

	// A fresh scan sees A's live lease; taking it over is a steal and the
	// store allows it.
	stolen := leaseFor(t, hostB, "0")
	require.False(t, stolen.IsExpired(ctx))
	acquired, err = hostB.AcquireLease(ctx, stolen)
	require.NoError(t, err)
	assert.True(t, acquired)
	assert.Equal(t, "hostB", stolen.Owner())

	// The previous owner's renewal now fails.
	renewed, err := hostA.RenewLease(ctx, leaseFor(t, hostA, "0"))
	require.NoError(t, err)
	assert.False(t, renewed)
}

func TestRenewRequiresOwnership(t *testing.T) {
	backend := NewBackend(time.Minute, time.Second)
	s := backend.NewLeaseStore("hostA")
	provisionLeases(t, s, "0")
	ctx := context.Background()

	renewed, err := s.RenewLease(ctx, leaseFor(t, s, "0"))
	require.NoError(t, err)
	assert.False(t, renewed, "renewing an unowned lease must fail")
}

func TestLeaseExpiresWithoutRenewal(t *testing.T) {
	backend := NewBackend(30*time.Millisecond, 10*time.Millisecond)
	s := backend.NewLeaseStore("hostA")
	provisionLeases(t, s, "0")
	ctx := context.Background()

	acquired, err := s.AcquireLease(ctx, leaseFor(t, s, "0"))
	require.NoError(t, err)
	require.True(t, acquired)

	time.Sleep(50 * time.Millisecond)
	l := leaseFor(t, s, "0")
	assert.True(t, l.IsExpired(ctx))
	assert.Equal(t, "hostA", l.Owner(), "expiry does not erase the last owner")
}

func TestCheckpointStore(t *testing.T) {
	backend := NewBackend(time.Minute, time.Second)
	s := backend.NewCheckpointStore()
	ctx := context.Background()

	exists, err := s.StoreExists(ctx)
	require.NoError(t, err)
	assert.False(t, exists)
	require.NoError(t, s.EnsureStore(ctx))

	cp, err := s.EnsureCheckpoint(ctx, "0")
	require.NoError(t, err)
	assert.Equal(t, "0", cp.PartitionID)
	assert.EqualValues(t, -1, cp.SequenceNumber)

	_, ok, err := s.GetCheckpoint(ctx, "1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.UpdateCheckpoint(ctx, checkpoint.Checkpoint{
		PartitionID:    "0",
		Offset:         "1024",
		SequenceNumber: 42,
	}))
	cp, ok, err = s.GetCheckpoint(ctx, "0")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1024", cp.Offset)
	assert.EqualValues(t, 42, cp.SequenceNumber)

	// Ensure on an existing record keeps the progress.
	cp, err = s.EnsureCheckpoint(ctx, "0")
	require.NoError(t, err)
	assert.EqualValues(t, 42, cp.SequenceNumber)

	require.NoError(t, s.DeleteCheckpoint(ctx, "0"))
	_, ok, err = s.GetCheckpoint(ctx, "0")
	require.NoError(t, err)
	assert.False(t, ok)
}
