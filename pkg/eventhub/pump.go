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
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	azeventhubs "github.com/Azure/azure-sdk-for-go/sdk/messaging/azeventhubs/v2"
	"github.com/go-logr/logr"

	"github.com/eventhost/parthost/pkg/checkpoint"
	"github.com/eventhost/parthost/pkg/lease"
	"github.com/eventhost/parthost/pkg/partition"
)

const (
	// defaultBatchSize is how many events one receive call asks for.
	defaultBatchSize = 100
	// receiveTimeout bounds a single receive call so the pump loop stays
	// responsive to shutdown even on an idle partition.
	receiveTimeout = 30 * time.Second
)

// Handler processes one batch of received events. Returning an error logs
// the failure and skips the batch's checkpoint; the pump keeps receiving.
type Handler func(ctx context.Context, partitionID string, events []*azeventhubs.ReceivedEventData) error

// NewPumpFactory returns the factory the partition manager's supervisor uses
// to start a pump whenever this host wins a partition. batchSize <= 0 falls
// back to the default.
func NewPumpFactory(client *Client, checkpoints checkpoint.Store, handler Handler, batchSize int, logger *logr.Logger) partition.PumpFactory {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	l := logr.Discard()
	if logger != nil {
		l = *logger
	}
	return func(partitionID string, owned lease.Lease) (partition.Pump, error) {
		return &pump{
			partitionID: partitionID,
			client:      client,
			checkpoints: checkpoints,
			handler:     handler,
			batchSize:   batchSize,
			logger:      l.WithName("pump").WithValues("partitionID", partitionID),
			l:           owned,
		}, nil
	}
}

// pump receives one partition's events and checkpoints progress after each
// handled batch.
type pump struct {
	partitionID string
	client      *Client
	checkpoints checkpoint.Store
	handler     Handler
	batchSize   int
	logger      logr.Logger

	mu     sync.Mutex
	l      lease.Lease
	cancel context.CancelFunc
	done   chan struct{}
}

var _ partition.Pump = (*pump)(nil)

func (p *pump) Open(ctx context.Context) error {
	startPosition := azeventhubs.StartPosition{Earliest: to.Ptr(true)}
	cp, ok, err := p.checkpoints.GetCheckpoint(ctx, p.partitionID)
	if err != nil {
		return fmt.Errorf("error reading checkpoint for partition %s: %w", p.partitionID, err)
	}
	if ok && cp.SequenceNumber >= 0 {
		startPosition = azeventhubs.StartPosition{
			SequenceNumber: to.Ptr(cp.SequenceNumber),
			Inclusive:      false,
		}
	}

	partitionClient, err := p.client.consumer.NewPartitionClient(p.partitionID, &azeventhubs.PartitionClientOptions{
		StartPosition: startPosition,
	})
	if err != nil {
		return fmt.Errorf("error creating partition client for partition %s: %w", p.partitionID, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(runCtx, partitionClient)

	p.logger.V(1).Info("pump opened", "startAtSequenceNumber", cp.SequenceNumber)
	return nil
}

func (p *pump) run(ctx context.Context, partitionClient *azeventhubs.PartitionClient) {
	defer close(p.done)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := partitionClient.Close(closeCtx); err != nil {
			p.logger.V(1).Info("error closing partition client", "error", err.Error())
		}
	}()

	for {
		receiveCtx, cancel := context.WithTimeout(ctx, receiveTimeout)
		events, err := partitionClient.ReceiveEvents(receiveCtx, p.batchSize, nil)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			p.logger.Error(err, "receive failed, stopping pump")
			return
		}
		if len(events) == 0 {
			continue
		}

		if err := p.handler(ctx, p.partitionID, events); err != nil {
			if ctx.Err() != nil {
				return
			}
			// The batch is not checkpointed. The next successfully handled
			// batch moves the checkpoint past it, so it is redelivered only
			// if the partition is reopened before that happens.
			p.logger.Error(err, "handler failed, batch not checkpointed", "eventCount", len(events))
			continue
		}

		last := events[len(events)-1]
		cp := checkpoint.Checkpoint{
			PartitionID:    p.partitionID,
			Offset:         last.Offset,
			SequenceNumber: last.SequenceNumber,
		}
		if err := p.checkpoints.UpdateCheckpoint(ctx, cp); err != nil {
			p.logger.Error(err, "failed to write checkpoint", "sequenceNumber", last.SequenceNumber)
		}
	}
}

func (p *pump) SetLease(l lease.Lease) {
	p.mu.Lock()
	p.l = l
	p.mu.Unlock()
}

func (p *pump) Close(ctx context.Context, reason partition.CloseReason) error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("pump for partition %s did not stop before interruption: %w", p.partitionID, ctx.Err())
	}
	p.logger.V(1).Info("pump closed", "reason", string(reason))
	return nil
}
