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
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	azlease "github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/lease"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/eventhost/parthost/pkg/lease"
)

// leaseStateLeased is the service's lease state for a live lease; anything
// else (available, expired, breaking, broken) counts as stealable/expired.
const leaseStateLeased = "leased"

// maxConcurrentLeaseFetches bounds the enumeration fan-out against the
// service.
const maxConcurrentLeaseFetches = 16

// Lease is the blob-backed lease record. The JSON body of the lease blob
// carries owner, token and epoch; the blob lease id doubles as the token the
// service validates renewals against. The lease state observed at
// enumeration time decides expiry.
type Lease struct {
	Partition string `json:"partitionId"`
	OwnerName string `json:"owner"`
	Token     string `json:"token"`
	Epoch     int64  `json:"epoch"`

	state string
}

var _ lease.Lease = (*Lease)(nil)

func (l *Lease) PartitionID() string { return l.Partition }

func (l *Lease) Owner() string { return l.OwnerName }

func (l *Lease) IsExpired(_ context.Context) bool {
	return l.state != leaseStateLeased
}

// LeaseStore implements lease.Store over blob leases in one container.
type LeaseStore struct {
	cfg       Config
	container *container.Client
	logger    logr.Logger
}

var _ lease.Store = (*LeaseStore)(nil)

func (s *LeaseStore) StoreExists(ctx context.Context) (bool, error) {
	return containerExists(ctx, s.container)
}

func (s *LeaseStore) EnsureStore(ctx context.Context) error {
	return ensureContainer(ctx, s.container)
}

func (s *LeaseStore) EnsureLease(ctx context.Context, partitionID string) error {
	body, err := json.Marshal(&Lease{Partition: partitionID})
	if err != nil {
		return fmt.Errorf("error encoding lease for partition %s: %w", partitionID, err)
	}

	blobClient := s.container.NewBlockBlobClient(leaseBlobName(s.cfg.ConsumerGroup, partitionID))
	_, err = blobClient.Upload(ctx, streaming.NopCloser(bytes.NewReader(body)), uploadIfAbsentOptions())
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobAlreadyExists, bloberror.ConditionNotMet) {
			return nil
		}
		return fmt.Errorf("error creating lease blob for partition %s: %w", partitionID, err)
	}
	return nil
}

func (s *LeaseStore) GetAllLeases(ctx context.Context) ([]lease.Result, error) {
	prefix := leaseBlobName(s.cfg.ConsumerGroup, "")
	pager := s.container.NewListBlobsFlatPager(&container.ListBlobsFlatOptions{
		Prefix: to.Ptr(prefix),
	})

	type blobRef struct {
		partitionID string
		name        string
		state       string
	}
	var refs []blobRef
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("error listing lease blobs: %w", err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			ref := blobRef{
				partitionID: strings.TrimPrefix(*item.Name, prefix),
				name:        *item.Name,
			}
			if item.Properties != nil && item.Properties.LeaseState != nil {
				ref.state = string(*item.Properties.LeaseState)
			}
			refs = append(refs, ref)
		}
	}

	// Each lease blob is fetched independently so one bad record cannot
	// poison the whole scan.
	results := make([]lease.Result, len(refs))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(maxConcurrentLeaseFetches)
	for i, ref := range refs {
		group.Go(func() error {
			l, err := s.downloadLease(groupCtx, ref.name, ref.state)
			if err != nil {
				results[i] = lease.Result{PartitionID: ref.partitionID, Err: err}
				return nil
			}
			results[i] = lease.Result{PartitionID: ref.partitionID, Lease: l}
			return nil
		})
	}
	_ = group.Wait()
	return results, nil
}

func (s *LeaseStore) downloadLease(ctx context.Context, blobName, state string) (*Lease, error) {
	resp, err := s.container.NewBlobClient(blobName).DownloadStream(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("error downloading lease blob %s: %w", blobName, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading lease blob %s: %w", blobName, err)
	}
	var l Lease
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("error decoding lease blob %s: %w", blobName, err)
	}
	l.state = state
	return &l, nil
}

// AcquireLease takes the partition's blob lease, either by acquiring an
// expired lease under a fresh proposed id or by changing a live lease away
// from its current holder (a steal). The lease blob body is rewritten under
// the new lease id so other hosts see the new owner on their next scan.
func (s *LeaseStore) AcquireLease(ctx context.Context, l lease.Lease) (bool, error) {
	observed, ok := l.(*Lease)
	if !ok {
		return false, fmt.Errorf("lease for partition %s was not produced by this store", l.PartitionID())
	}

	blobClient := s.container.NewBlobClient(leaseBlobName(s.cfg.ConsumerGroup, observed.Partition))
	proposed := uuid.NewString()

	if observed.state == leaseStateLeased {
		// Live lease held by someone else: change it over using the token
		// from the lease body. Losing means the holder's token rotated
		// underneath us.
		leaseClient, err := azlease.NewBlobClient(blobClient, &azlease.BlobClientOptions{LeaseID: to.Ptr(observed.Token)})
		if err != nil {
			return false, fmt.Errorf("error creating lease client for partition %s: %w", observed.Partition, err)
		}
		if _, err := leaseClient.ChangeLease(ctx, proposed, nil); err != nil {
			if isLeaseRaceLost(err) {
				return false, nil
			}
			return false, fmt.Errorf("error stealing lease for partition %s: %w", observed.Partition, err)
		}
	} else {
		leaseClient, err := azlease.NewBlobClient(blobClient, &azlease.BlobClientOptions{LeaseID: to.Ptr(proposed)})
		if err != nil {
			return false, fmt.Errorf("error creating lease client for partition %s: %w", observed.Partition, err)
		}
		if _, err := leaseClient.AcquireLease(ctx, int32(s.cfg.LeaseDuration/time.Second), nil); err != nil {
			if isLeaseRaceLost(err) {
				return false, nil
			}
			return false, fmt.Errorf("error acquiring lease for partition %s: %w", observed.Partition, err)
		}
	}

	updated := &Lease{
		Partition: observed.Partition,
		OwnerName: s.cfg.HostName,
		Token:     proposed,
		Epoch:     observed.Epoch + 1,
	}
	if err := s.uploadLease(ctx, updated, proposed); err != nil {
		return false, err
	}

	observed.OwnerName = updated.OwnerName
	observed.Token = updated.Token
	observed.Epoch = updated.Epoch
	observed.state = leaseStateLeased
	return true, nil
}

func (s *LeaseStore) RenewLease(ctx context.Context, l lease.Lease) (bool, error) {
	observed, ok := l.(*Lease)
	if !ok {
		return false, fmt.Errorf("lease for partition %s was not produced by this store", l.PartitionID())
	}

	blobClient := s.container.NewBlobClient(leaseBlobName(s.cfg.ConsumerGroup, observed.Partition))
	leaseClient, err := azlease.NewBlobClient(blobClient, &azlease.BlobClientOptions{LeaseID: to.Ptr(observed.Token)})
	if err != nil {
		return false, fmt.Errorf("error creating lease client for partition %s: %w", observed.Partition, err)
	}
	if _, err := leaseClient.RenewLease(ctx, nil); err != nil {
		if isLeaseRaceLost(err) {
			return false, nil
		}
		return false, fmt.Errorf("error renewing lease for partition %s: %w", observed.Partition, err)
	}
	observed.state = leaseStateLeased
	return true, nil
}

func (s *LeaseStore) ReleaseLease(ctx context.Context, l lease.Lease) error {
	observed, ok := l.(*Lease)
	if !ok {
		return fmt.Errorf("lease for partition %s was not produced by this store", l.PartitionID())
	}

	// Clear the owner first so scans during the hand-off window do not
	// attribute the partition to this host.
	cleared := &Lease{Partition: observed.Partition, Epoch: observed.Epoch}
	if err := s.uploadLease(ctx, cleared, observed.Token); err != nil {
		if isLeaseLost(err) {
			return nil
		}
		return err
	}

	blobClient := s.container.NewBlobClient(leaseBlobName(s.cfg.ConsumerGroup, observed.Partition))
	leaseClient, err := azlease.NewBlobClient(blobClient, &azlease.BlobClientOptions{LeaseID: to.Ptr(observed.Token)})
	if err != nil {
		return fmt.Errorf("error creating lease client for partition %s: %w", observed.Partition, err)
	}
	if _, err := leaseClient.ReleaseLease(ctx, nil); err != nil {
		if isLeaseLost(err) {
			return nil
		}
		return fmt.Errorf("error releasing lease for partition %s: %w", observed.Partition, err)
	}
	return nil
}

func (s *LeaseStore) RenewInterval() time.Duration {
	return s.cfg.RenewInterval
}

func (s *LeaseStore) uploadLease(ctx context.Context, l *Lease, leaseID string) error {
	body, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("error encoding lease for partition %s: %w", l.Partition, err)
	}
	blobClient := s.container.NewBlockBlobClient(leaseBlobName(s.cfg.ConsumerGroup, l.Partition))
	_, err = blobClient.Upload(ctx, streaming.NopCloser(bytes.NewReader(body)), uploadWithLeaseOptions(leaseID))
	if err != nil {
		return fmt.Errorf("error updating lease blob for partition %s: %w", l.Partition, err)
	}
	return nil
}

// isLeaseRaceLost classifies service errors that mean another host holds or
// just took the lease; the caller lost the race rather than hit a failure.
func isLeaseRaceLost(err error) bool {
	return bloberror.HasCode(err,
		bloberror.LeaseAlreadyPresent,
		bloberror.LeaseIDMismatchWithLeaseOperation,
		bloberror.LeaseLost,
		bloberror.LeaseIDMissing,
	)
}

// isLeaseLost is the release-path variant: the lease is already gone, which
// is the outcome release wanted anyway.
func isLeaseLost(err error) bool {
	return bloberror.HasCode(err,
		bloberror.LeaseLost,
		bloberror.LeaseIDMismatchWithLeaseOperation,
		bloberror.LeaseIDMissing,
		bloberror.BlobNotFound,
	)
}
