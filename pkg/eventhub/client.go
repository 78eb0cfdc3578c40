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

// Package eventhub binds the partition coordinator to Azure Event Hubs: it
// discovers the hub's partition ids and provides the concrete per-partition
// pump that receives events and records checkpoints.
package eventhub

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	azeventhubs "github.com/Azure/azure-sdk-for-go/sdk/messaging/azeventhubs/v2"
	"github.com/go-logr/logr"
)

// Client wraps one consumer-group-scoped connection to an event hub.
type Client struct {
	consumer *azeventhubs.ConsumerClient
	logger   logr.Logger
}

// NewClientFromConnectionString connects using an event hub connection
// string. eventHubName may be empty when the connection string already
// names the entity.
func NewClientFromConnectionString(connectionString, eventHubName, consumerGroup string, logger *logr.Logger) (*Client, error) {
	if consumerGroup == "" {
		consumerGroup = azeventhubs.DefaultConsumerGroup
	}
	consumer, err := azeventhubs.NewConsumerClientFromConnectionString(connectionString, eventHubName, consumerGroup, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating event hub consumer: %w", err)
	}
	return newClient(consumer, logger), nil
}

// NewClient connects with a token credential against a fully qualified
// namespace, e.g. "myns.servicebus.windows.net".
func NewClient(fullyQualifiedNamespace, eventHubName, consumerGroup string, credential azcore.TokenCredential, logger *logr.Logger) (*Client, error) {
	if consumerGroup == "" {
		consumerGroup = azeventhubs.DefaultConsumerGroup
	}
	consumer, err := azeventhubs.NewConsumerClient(fullyQualifiedNamespace, eventHubName, consumerGroup, credential, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating event hub consumer for %s: %w", fullyQualifiedNamespace, err)
	}
	return newClient(consumer, logger), nil
}

// NewClientWithDefaultIdentity connects using the ambient Azure credential
// chain.
func NewClientWithDefaultIdentity(fullyQualifiedNamespace, eventHubName, consumerGroup string, logger *logr.Logger) (*Client, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("error building default azure credential: %w", err)
	}
	return NewClient(fullyQualifiedNamespace, eventHubName, consumerGroup, cred, logger)
}

func newClient(consumer *azeventhubs.ConsumerClient, logger *logr.Logger) *Client {
	l := logr.Discard()
	if logger != nil {
		l = *logger
	}
	return &Client{consumer: consumer, logger: l.WithName("eventhub")}
}

// PartitionIDs reads the hub's partition id list. The coordinator calls this
// once at startup; the list is immutable for the lifetime of the process.
func (c *Client) PartitionIDs(ctx context.Context) ([]string, error) {
	props, err := c.consumer.GetEventHubProperties(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("error reading event hub properties: %w", err)
	}
	return props.PartitionIDs, nil
}

// Close releases the underlying AMQP links.
func (c *Client) Close(ctx context.Context) error {
	return c.consumer.Close(ctx)
}
