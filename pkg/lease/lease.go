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

// Package lease defines the ownership lease over one event hub partition and
// the store contract the partition manager coordinates through.
package lease

import (
	"context"
	"time"
)

// Lease is a time-bounded, renewable claim over one partition held by at
// most one host. Concrete lease types are owned by the store that produced
// them; the partition manager only reads through this interface and hands
// leases back to the same store for acquire/renew/release.
type Lease interface {
	// PartitionID returns the stable, opaque partition identifier.
	PartitionID() string
	// Owner returns the host identity currently holding the lease, or ""
	// when unowned.
	Owner() string
	// IsExpired reports whether the lease is past its expiry as observed
	// when the lease was last read from the store.
	IsExpired(ctx context.Context) bool
}

// Result is one element of a store enumeration. Each partition's lease is
// fetched independently, so a single bad record surfaces here without
// failing the whole enumeration. PartitionID is set when it is known even
// if fetching the lease itself failed.
type Result struct {
	PartitionID string
	Lease       Lease
	Err         error
}

// Store persists one lease record per partition on a durable backend whose
// only primitives are compare-and-set acquisition, renewal and enumeration.
//
// Acquire and renew report a lost race as (false, nil); an error return
// means the store could not be consulted at all and the caller has no
// opinion on the lease this round. Both calls update the passed lease in
// place on success, so the object handed onward to a pump carries the fresh
// owner and token.
type Store interface {
	// StoreExists reports whether the backing store has been provisioned.
	StoreExists(ctx context.Context) (bool, error)
	// EnsureStore provisions the backing store if it is absent.
	EnsureStore(ctx context.Context) error
	// EnsureLease creates the lease record for a partition if it is absent.
	EnsureLease(ctx context.Context, partitionID string) error
	// GetAllLeases enumerates every lease record. Per-lease failures are
	// carried in the individual results; the error return is reserved for
	// the enumeration itself failing.
	GetAllLeases(ctx context.Context) ([]Result, error)
	// AcquireLease attempts to take ownership of the lease for the calling
	// host. It succeeds against an expired or unowned lease, and against a
	// live lease held by another host (a steal); the store's compare-and-set
	// resolves concurrent attempts.
	AcquireLease(ctx context.Context, l Lease) (bool, error)
	// RenewLease extends a lease the calling host currently owns. A false
	// return means ownership was lost since the lease was read.
	RenewLease(ctx context.Context, l Lease) (bool, error)
	// ReleaseLease gives up an owned lease so another host can take it
	// before it would have expired.
	ReleaseLease(ctx context.Context, l Lease) error
	// RenewInterval is the cadence at which owners must renew. It is
	// strictly less than the store's lease duration; the reconciliation
	// loop sleeps this long between iterations.
	RenewInterval() time.Duration
}

// Releaser is the subset of Store needed to hand a lease back. The pump
// supervisor uses it to release leases of pumps shut down gracefully.
type Releaser interface {
	ReleaseLease(ctx context.Context, l Lease) error
}
