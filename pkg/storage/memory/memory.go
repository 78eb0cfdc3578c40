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

// Package memory keeps leases and checkpoints in process memory. One Backend
// plays the role of the durable store; every simulated host gets its own
// LeaseStore view onto it. Useful for tests and local development — the
// compare-and-set semantics match the blob store, the durability does not.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/eventhost/parthost/pkg/checkpoint"
	"github.com/eventhost/parthost/pkg/lease"
)

const (
	// DefaultLeaseDuration is how long an unrenewed lease stays valid.
	DefaultLeaseDuration = 30 * time.Second
	// DefaultRenewInterval is the renewal cadence handed to managers.
	DefaultRenewInterval = 10 * time.Second
)

// ErrLeaseNotInStore is returned when an operation references a partition
// the store has no record for.
var ErrLeaseNotInStore = errors.New("lease is not in the store")

// ErrStoreNotCreated is returned when records are touched before the store
// has been provisioned.
var ErrStoreNotCreated = errors.New("store does not exist")

// Backend is the shared authoritative state. Safe for concurrent use from
// any number of host views.
type Backend struct {
	leaseDuration time.Duration
	renewInterval time.Duration

	mu          sync.Mutex
	leases      map[string]*record
	checkpoints map[string]checkpoint.Checkpoint
}

// record is the authoritative lease state for one partition. The token is
// bumped on every acquisition so a stale observer loses the race.
type record struct {
	owner     string
	token     int64
	expiresAt time.Time
}

// Lease is one host's observation of a partition lease. Backend hands out
// fresh copies on every enumeration; acquire and renew refresh the copy in
// place on success.
type Lease struct {
	partitionID string
	owner       string
	token       int64
	expiresAt   time.Time
}

func (l *Lease) PartitionID() string { return l.partitionID }

func (l *Lease) Owner() string { return l.owner }

func (l *Lease) IsExpired(_ context.Context) bool {
	return time.Now().After(l.expiresAt)
}

// NewBackend returns an empty backend. Non-positive durations fall back to
// the defaults.
func NewBackend(leaseDuration, renewInterval time.Duration) *Backend {
	if leaseDuration <= 0 {
		leaseDuration = DefaultLeaseDuration
	}
	if renewInterval <= 0 {
		renewInterval = DefaultRenewInterval
	}
	return &Backend{
		leaseDuration: leaseDuration,
		renewInterval: renewInterval,
	}
}

// NewLeaseStore returns the lease store view for one host identity.
func (b *Backend) NewLeaseStore(hostName string) *LeaseStore {
	return &LeaseStore{backend: b, hostName: hostName}
}

// NewCheckpointStore returns the checkpoint store view. Checkpoints carry
// no ownership, so the view is host-independent.
func (b *Backend) NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{backend: b}
}

// LeaseStore implements lease.Store against the shared backend for one host.
type LeaseStore struct {
	backend  *Backend
	hostName string
}

var _ lease.Store = (*LeaseStore)(nil)

func (s *LeaseStore) StoreExists(_ context.Context) (bool, error) {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	return s.backend.leases != nil, nil
}

func (s *LeaseStore) EnsureStore(_ context.Context) error {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	if s.backend.leases == nil {
		s.backend.leases = make(map[string]*record)
	}
	return nil
}

func (s *LeaseStore) EnsureLease(_ context.Context, partitionID string) error {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	if s.backend.leases == nil {
		return ErrStoreNotCreated
	}
	if _, ok := s.backend.leases[partitionID]; !ok {
		s.backend.leases[partitionID] = &record{}
	}
	return nil
}

func (s *LeaseStore) GetAllLeases(_ context.Context) ([]lease.Result, error) {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	if s.backend.leases == nil {
		return nil, ErrStoreNotCreated
	}

	partitionIDs := make([]string, 0, len(s.backend.leases))
	for partitionID := range s.backend.leases {
		partitionIDs = append(partitionIDs, partitionID)
	}
	sort.Strings(partitionIDs)

	results := make([]lease.Result, 0, len(partitionIDs))
	for _, partitionID := range partitionIDs {
		rec := s.backend.leases[partitionID]
		results = append(results, lease.Result{
			PartitionID: partitionID,
			Lease: &Lease{
				partitionID: partitionID,
				owner:       rec.owner,
				token:       rec.token,
				expiresAt:   rec.expiresAt,
			},
		})
	}
	return results, nil
}

func (s *LeaseStore) AcquireLease(_ context.Context, l lease.Lease) (bool, error) {
	observed, ok := l.(*Lease)
	if !ok {
		return false, errors.New("lease was not produced by this store")
	}

	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	rec, ok := s.backend.leases[observed.partitionID]
	if !ok {
		return false, ErrLeaseNotInStore
	}

	// Another host acquired since this lease was observed; lose the race.
	if rec.token != observed.token {
		return false, nil
	}

	rec.owner = s.hostName
	rec.token++
	rec.expiresAt = time.Now().Add(s.backend.leaseDuration)

	observed.owner = rec.owner
	observed.token = rec.token
	observed.expiresAt = rec.expiresAt
	return true, nil
}

func (s *LeaseStore) RenewLease(_ context.Context, l lease.Lease) (bool, error) {
	observed, ok := l.(*Lease)
	if !ok {
		return false, errors.New("lease was not produced by this store")
	}

	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	rec, ok := s.backend.leases[observed.partitionID]
	if !ok {
		return false, ErrLeaseNotInStore
	}

	if rec.owner != s.hostName {
		return false, nil
	}

	rec.expiresAt = time.Now().Add(s.backend.leaseDuration)
	observed.owner = rec.owner
	observed.expiresAt = rec.expiresAt
	return true, nil
}

func (s *LeaseStore) ReleaseLease(_ context.Context, l lease.Lease) error {
	observed, ok := l.(*Lease)
	if !ok {
		return errors.New("lease was not produced by this store")
	}

	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	rec, ok := s.backend.leases[observed.partitionID]
	if !ok {
		return ErrLeaseNotInStore
	}

	if rec.owner != s.hostName {
		return nil
	}
	rec.owner = ""
	rec.token++
	rec.expiresAt = time.Now().Add(-time.Second)
	return nil
}

func (s *LeaseStore) RenewInterval() time.Duration {
	return s.backend.renewInterval
}

// CheckpointStore implements checkpoint.Store against the shared backend.
type CheckpointStore struct {
	backend *Backend
}

var _ checkpoint.Store = (*CheckpointStore)(nil)

func (s *CheckpointStore) StoreExists(_ context.Context) (bool, error) {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	return s.backend.checkpoints != nil, nil
}

func (s *CheckpointStore) EnsureStore(_ context.Context) error {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	if s.backend.checkpoints == nil {
		s.backend.checkpoints = make(map[string]checkpoint.Checkpoint)
	}
	return nil
}

func (s *CheckpointStore) EnsureCheckpoint(_ context.Context, partitionID string) (checkpoint.Checkpoint, error) {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	if s.backend.checkpoints == nil {
		return checkpoint.Checkpoint{}, ErrStoreNotCreated
	}
	cp, ok := s.backend.checkpoints[partitionID]
	if !ok {
		cp = checkpoint.New(partitionID)
		s.backend.checkpoints[partitionID] = cp
	}
	return cp, nil
}

func (s *CheckpointStore) GetCheckpoint(_ context.Context, partitionID string) (checkpoint.Checkpoint, bool, error) {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	if s.backend.checkpoints == nil {
		return checkpoint.Checkpoint{}, false, ErrStoreNotCreated
	}
	cp, ok := s.backend.checkpoints[partitionID]
	return cp, ok, nil
}

func (s *CheckpointStore) UpdateCheckpoint(_ context.Context, cp checkpoint.Checkpoint) error {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	if s.backend.checkpoints == nil {
		return ErrStoreNotCreated
	}
	s.backend.checkpoints[cp.PartitionID] = cp
	return nil
}

func (s *CheckpointStore) DeleteCheckpoint(_ context.Context, partitionID string) error {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	if s.backend.checkpoints == nil {
		return ErrStoreNotCreated
	}
	delete(s.backend.checkpoints, partitionID)
	return nil
}
