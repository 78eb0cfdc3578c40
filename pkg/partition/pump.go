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

package partition

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-logr/logr"

	"github.com/eventhost/parthost/pkg/lease"
)

// CloseReason states why a pump is being torn down. Pumps may use it to
// decide whether checkpointing or lease release is still worthwhile.
type CloseReason string

const (
	// CloseReasonLeaseLost means another host now owns the partition.
	CloseReasonLeaseLost CloseReason = "LeaseLost"
	// CloseReasonShutdown means this host is stopping.
	CloseReasonShutdown CloseReason = "Shutdown"
)

// Pump is a running subscriber for one partition, driven by one lease.
type Pump interface {
	// Open starts the pump. It returns once the pump is receiving; the
	// receive work itself runs on the pump's own goroutine.
	Open(ctx context.Context) error
	// SetLease swaps in a freshly renewed lease on an already-open pump.
	SetLease(l lease.Lease)
	// Close stops the pump and blocks until its subscriber is fully
	// released and the partition is safe to subscribe to again.
	Close(ctx context.Context, reason CloseReason) error
}

// PumpFactory builds a pump for a partition. Called by the supervisor the
// first time a host observes itself as the partition's owner.
type PumpFactory func(partitionID string, l lease.Lease) (Pump, error)

// PumpSupervisor owns the set of running pumps on one host. Add is
// idempotent: adding over a running pump refreshes its lease. Remove on a
// missing pump is a no-op returning nil. The returned channels resolve, with
// the pump's close error if any, once the pump has fully released its
// subscriber.
type PumpSupervisor interface {
	AddPump(ctx context.Context, partitionID string, l lease.Lease) error
	RemovePump(partitionID string, reason CloseReason) <-chan error
	RemoveAllPumps(reason CloseReason) []<-chan error
}

type pumpSupervisor struct {
	factory  PumpFactory
	releaser lease.Releaser
	logger   logr.Logger

	mu    sync.Mutex
	pumps map[string]*runningPump
}

type runningPump struct {
	pump Pump
	l    lease.Lease
}

// NewPumpSupervisor returns the default supervisor. releaser may be nil;
// when set, leases of pumps removed for CloseReasonShutdown are released so
// other hosts can pick the partitions up before the leases expire.
func NewPumpSupervisor(factory PumpFactory, releaser lease.Releaser, logger logr.Logger) PumpSupervisor {
	return &pumpSupervisor{
		factory:  factory,
		releaser: releaser,
		logger:   logger.WithName("pump_supervisor"),
		pumps:    make(map[string]*runningPump),
	}
}

func (s *pumpSupervisor) AddPump(ctx context.Context, partitionID string, l lease.Lease) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if running, ok := s.pumps[partitionID]; ok {
		running.pump.SetLease(l)
		running.l = l
		return nil
	}

	p, err := s.factory(partitionID, l)
	if err != nil {
		return fmt.Errorf("error creating pump for partition %s: %w", partitionID, err)
	}
	if err := p.Open(ctx); err != nil {
		return fmt.Errorf("error opening pump for partition %s: %w", partitionID, err)
	}
	s.logger.V(1).Info("pump started", "partitionID", partitionID)
	s.pumps[partitionID] = &runningPump{pump: p, l: l}
	return nil
}

func (s *pumpSupervisor) RemovePump(partitionID string, reason CloseReason) <-chan error {
	s.mu.Lock()
	running, ok := s.pumps[partitionID]
	if ok {
		delete(s.pumps, partitionID)
	}
	s.mu.Unlock()

	if !ok {
		return nil
	}
	return s.closeAsync(partitionID, running, reason)
}

func (s *pumpSupervisor) RemoveAllPumps(reason CloseReason) []<-chan error {
	s.mu.Lock()
	removed := s.pumps
	s.pumps = make(map[string]*runningPump)
	s.mu.Unlock()

	handles := make([]<-chan error, 0, len(removed))
	for partitionID, running := range removed {
		handles = append(handles, s.closeAsync(partitionID, running, reason))
	}
	return handles
}

// closeAsync tears the pump down on its own goroutine and hands back a
// completion handle. The handle is buffered so an abandoned wait does not
// leak the goroutine.
func (s *pumpSupervisor) closeAsync(partitionID string, running *runningPump, reason CloseReason) <-chan error {
	done := make(chan error, 1)
	go func() {
		ctx := context.Background()
		err := running.pump.Close(ctx, reason)
		if err == nil && reason == CloseReasonShutdown && s.releaser != nil {
			if relErr := s.releaser.ReleaseLease(ctx, running.l); relErr != nil {
				s.logger.V(1).Info("could not release lease on shutdown",
					"partitionID", partitionID, "error", relErr.Error())
			}
		}
		s.logger.V(1).Info("pump stopped", "partitionID", partitionID, "reason", string(reason))
		done <- err
	}()
	return done
}
