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

// Package blob persists partition leases and checkpoints in an Azure Storage
// container. Each partition gets one lease blob and one checkpoint blob under
// the consumer group's prefix; blob leases are the compare-and-set primitive
// that makes acquisition, renewal and stealing safe across hosts.
package blob

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/go-logr/logr"

	"github.com/eventhost/parthost/pkg/util"
)

const (
	// DefaultConsumerGroup is used when the config leaves the group unset.
	DefaultConsumerGroup = "$Default"
	// DefaultLeaseDuration is the blob lease duration. Azure Storage allows
	// 15 to 60 seconds for renewable leases.
	DefaultLeaseDuration = 30 * time.Second
	// DefaultRenewInterval keeps renewals comfortably inside the lease
	// duration.
	DefaultRenewInterval = 10 * time.Second

	minLeaseDuration = 15 * time.Second
	maxLeaseDuration = 60 * time.Second
)

// Config describes the storage account, container and identity the stores
// operate with. Either ConnectionString or ServiceURL+Credential must be
// set; when both are, ConnectionString is used.
type Config struct {
	// ConnectionString is an Azure Storage connection string.
	ConnectionString string
	// ServiceURL is the blob endpoint, e.g. https://account.blob.core.windows.net/,
	// used together with Credential for identity-based access.
	ServiceURL string
	// Credential authenticates against ServiceURL.
	Credential azcore.TokenCredential

	// Container holds all lease and checkpoint blobs. Required.
	Container string
	// ConsumerGroup namespaces the blobs so several consumer groups can
	// share one container.
	ConsumerGroup string
	// HostName is the identity leases are acquired under.
	HostName string

	// LeaseDuration is clamped to the 15–60s the service accepts.
	LeaseDuration time.Duration
	// RenewInterval is handed to the partition manager as its loop cadence.
	// Must stay strictly below LeaseDuration.
	RenewInterval time.Duration

	// HTTPClient, when set, is used as the SDK transport.
	HTTPClient *http.Client
	// Logger defaults to logr.Discard.
	Logger *logr.Logger
}

func (c *Config) setDefaults() error {
	if c.Container == "" {
		return errors.New("blob store: Container is required")
	}
	if c.HostName == "" {
		return errors.New("blob store: HostName is required")
	}
	if c.ConnectionString == "" && (c.ServiceURL == "" || c.Credential == nil) {
		return errors.New("blob store: either ConnectionString or ServiceURL with Credential is required")
	}
	if c.ConsumerGroup == "" {
		c.ConsumerGroup = DefaultConsumerGroup
	}
	if c.LeaseDuration == 0 {
		c.LeaseDuration = DefaultLeaseDuration
	}
	if c.LeaseDuration < minLeaseDuration {
		c.LeaseDuration = minLeaseDuration
	}
	if c.LeaseDuration > maxLeaseDuration {
		c.LeaseDuration = maxLeaseDuration
	}
	if c.RenewInterval == 0 {
		c.RenewInterval = DefaultRenewInterval
	}
	if c.RenewInterval >= c.LeaseDuration {
		return fmt.Errorf("blob store: renew interval %s must be shorter than lease duration %s",
			c.RenewInterval, c.LeaseDuration)
	}
	return nil
}

func (c *Config) logger() logr.Logger {
	if c.Logger != nil {
		return *c.Logger
	}
	return logr.Discard()
}

// newServiceClient builds the shared azblob client for both stores.
func newServiceClient(cfg *Config) (*azblob.Client, error) {
	opts := &azblob.ClientOptions{}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = util.CreateHTTPClient(0, false)
	}
	opts.Transport = cfg.HTTPClient
	if cfg.ConnectionString != "" {
		client, err := azblob.NewClientFromConnectionString(cfg.ConnectionString, opts)
		if err != nil {
			return nil, fmt.Errorf("error creating blob client from connection string: %w", err)
		}
		return client, nil
	}
	client, err := azblob.NewClient(cfg.ServiceURL, cfg.Credential, opts)
	if err != nil {
		return nil, fmt.Errorf("error creating blob client for %s: %w", cfg.ServiceURL, err)
	}
	return client, nil
}

// NewStoresWithDefaultIdentity builds the stores against serviceURL using
// the ambient Azure credential chain (environment, workload identity,
// managed identity, CLI).
func NewStoresWithDefaultIdentity(serviceURL string, cfg Config) (*LeaseStore, *CheckpointStore, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, nil, fmt.Errorf("error building default azure credential: %w", err)
	}
	cfg.ServiceURL = serviceURL
	cfg.Credential = cred
	return NewStores(cfg)
}

// NewStores builds the lease store and checkpoint store over one shared
// container client.
func NewStores(cfg Config) (*LeaseStore, *CheckpointStore, error) {
	if err := cfg.setDefaults(); err != nil {
		return nil, nil, err
	}
	client, err := newServiceClient(&cfg)
	if err != nil {
		return nil, nil, err
	}
	containerClient := client.ServiceClient().NewContainerClient(cfg.Container)

	ls := &LeaseStore{
		cfg:       cfg,
		container: containerClient,
		logger:    cfg.logger().WithName("blob_lease_store"),
	}
	cs := &CheckpointStore{
		cfg:       cfg,
		container: containerClient,
		logger:    cfg.logger().WithName("blob_checkpoint_store"),
	}
	return ls, cs, nil
}

// leaseBlobName and checkpointBlobName keep the two record families under
// separate prefixes so the stores stay semantically independent even though
// they share a container.
func leaseBlobName(consumerGroup, partitionID string) string {
	return fmt.Sprintf("%s/leases/%s", consumerGroup, partitionID)
}

func checkpointBlobName(consumerGroup, partitionID string) string {
	return fmt.Sprintf("%s/checkpoints/%s", consumerGroup, partitionID)
}

func containerExists(ctx context.Context, c *container.Client) (bool, error) {
	_, err := c.GetProperties(ctx, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.ContainerNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("error checking container: %w", err)
	}
	return true, nil
}

func ensureContainer(ctx context.Context, c *container.Client) error {
	_, err := c.Create(ctx, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return fmt.Errorf("error creating container: %w", err)
	}
	return nil
}

// uploadIfAbsentOptions creates a blob only when none exists yet.
func uploadIfAbsentOptions() *blockblob.UploadOptions {
	return &blockblob.UploadOptions{
		AccessConditions: &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{
				IfNoneMatch: to.Ptr(azcore.ETagAny),
			},
		},
	}
}

// uploadWithLeaseOptions gates an overwrite on holding the blob lease.
func uploadWithLeaseOptions(leaseID string) *blockblob.UploadOptions {
	return &blockblob.UploadOptions{
		AccessConditions: &blob.AccessConditions{
			LeaseAccessConditions: &blob.LeaseAccessConditions{
				LeaseID: to.Ptr(leaseID),
			},
		},
	}
}
