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

// Package partition implements the cooperative lease coordinator that spreads
// the partitions of one event hub across a cluster of consumer hosts. Each
// host runs one Manager; the managers never talk to each other and converge
// on an even distribution purely through the lease store.
package partition

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/eventhost/parthost/pkg/checkpoint"
	"github.com/eventhost/parthost/pkg/lease"
	"github.com/eventhost/parthost/pkg/util"
)

// initRetryAttempts bounds each initialization step. The budget is fixed and
// has no delay between attempts: store prerequisites that cannot be created
// in five round-trips indicate a misconfiguration no amount of waiting
// repairs, and the caller should see it immediately.
const initRetryAttempts = 5

var initRetryBackoff = wait.Backoff{Duration: 0, Factor: 1.0, Steps: initRetryAttempts}

// ErrAlreadyStarted is returned by Initialize on a manager whose loop is
// already scheduled.
var ErrAlreadyStarted = errors.New("partition manager already initialized")

// ManagerOptions configures a Manager. PartitionIDs, LeaseStore and
// CheckpointStore are required, as is one of PumpFactory or Supervisor.
type ManagerOptions struct {
	// HostName is this process's identity among the cooperating hosts.
	// Uniqueness across the cluster is the caller's responsibility; leave
	// empty to have one generated.
	HostName string
	// PartitionIDs is the full partition id list of the event hub, read
	// once at startup. The manager does not react to partition-count
	// changes at runtime.
	PartitionIDs []string

	LeaseStore      lease.Store
	CheckpointStore checkpoint.Store

	// PumpFactory builds per-partition pumps; the manager instantiates the
	// default supervisor around it during Initialize.
	PumpFactory PumpFactory
	// Supervisor, when set, is used instead of the default supervisor.
	Supervisor PumpSupervisor

	// OnError receives failures the manager recovered from. Optional.
	OnError ErrorHandler
	// Logger defaults to logr.Discard.
	Logger *logr.Logger
}

// Manager orchestrates lease ownership and pump lifecycle for one host. It
// runs initialization once, then a periodic reconciliation loop that renews
// owned leases, acquires expired ones, steals at most one lease per round
// for balance, and reconciles the running pump set with observed ownership.
type Manager struct {
	hostName        string
	partitionIDs    []string
	leaseStore      lease.Store
	checkpointStore checkpoint.Store
	pumpFactory     PumpFactory
	pumps           PumpSupervisor
	onError         ErrorHandler
	logger          logr.Logger

	mu       sync.Mutex
	started  bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// snapshotEntry is one partition's observed state for the current iteration.
// The snapshot is rebuilt from scratch every round and never persisted.
type snapshotEntry struct {
	l           lease.Lease
	ownedBySelf bool
}

// NewManager validates the options and returns an uninitialized Manager.
// An empty HostName gets a generated identity.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.HostName == "" {
		opts.HostName = util.NewHostIdentity("parthost")
	}
	if len(opts.PartitionIDs) == 0 {
		return nil, errors.New("partition manager: PartitionIDs must not be empty")
	}
	if opts.LeaseStore == nil {
		return nil, errors.New("partition manager: LeaseStore is required")
	}
	if opts.CheckpointStore == nil {
		return nil, errors.New("partition manager: CheckpointStore is required")
	}
	if opts.PumpFactory == nil && opts.Supervisor == nil {
		return nil, errors.New("partition manager: one of PumpFactory or Supervisor is required")
	}

	logger := logr.Discard()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	return &Manager{
		hostName:        opts.HostName,
		partitionIDs:    opts.PartitionIDs,
		leaseStore:      opts.LeaseStore,
		checkpointStore: opts.CheckpointStore,
		pumpFactory:     opts.PumpFactory,
		pumps:           opts.Supervisor,
		onError:         opts.OnError,
		logger:          logger.WithName("partition_manager").WithValues("hostName", opts.HostName),
	}, nil
}

// HostName returns the identity this manager participates in the cluster as.
func (m *Manager) HostName() string {
	return m.hostName
}

// Initialize provisions the lease and checkpoint stores, then schedules the
// reconciliation loop and returns. Each provisioning step is retried up to
// initRetryAttempts times; exhausting the budget returns an *InitError and
// the loop is never started.
//
// ctx outlives the call: it is the loop's context, and cancelling it is the
// interruption signal — the loop exits and pump cleanup is cut short. Use
// StopPartitions for a graceful stop.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return ErrAlreadyStarted
	}

	if m.pumps == nil {
		m.pumps = NewPumpSupervisor(m.pumpFactory, m.leaseStore, m.logger)
	}

	if err := runWithRetry(ActionCreatingLeaseStore, func() error {
		exists, err := m.leaseStore.StoreExists(ctx)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		return m.leaseStore.EnsureStore(ctx)
	}); err != nil {
		return err
	}

	for _, partitionID := range m.partitionIDs {
		if err := runWithRetry(ActionCreatingLease, func() error {
			return m.leaseStore.EnsureLease(ctx, partitionID)
		}); err != nil {
			return err
		}
	}

	if err := runWithRetry(ActionCreatingCheckpointStore, func() error {
		exists, err := m.checkpointStore.StoreExists(ctx)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		return m.checkpointStore.EnsureStore(ctx)
	}); err != nil {
		return err
	}

	for _, partitionID := range m.partitionIDs {
		if err := runWithRetry(ActionCreatingCheckpoint, func() error {
			_, err := m.checkpointStore.EnsureCheckpoint(ctx, partitionID)
			return err
		}); err != nil {
			return err
		}
	}

	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.started = true
	go m.run(ctx)

	m.logger.Info("partition manager initialized", "partitionCount", len(m.partitionIDs))
	return nil
}

// StopPartitions requests a graceful stop. The loop observes the flag at the
// top of its next iteration (its sleep is cut short). The returned channel
// closes once the loop has exited and every pump shutdown has been awaited.
// Calling it on a manager that never started returns a closed channel.
func (m *Manager) StopPartitions() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		done := make(chan struct{})
		close(done)
		return done
	}
	m.stopOnce.Do(func() { close(m.stopCh) })
	return m.doneCh
}

// runWithRetry drives one init step through the fixed retry budget, keeping
// the last cause for the fatal error when the budget runs out.
func runWithRetry(action Action, op func() error) error {
	var lastErr error
	err := wait.ExponentialBackoff(initRetryBackoff, func() (bool, error) {
		if opErr := op(); opErr != nil {
			lastErr = opErr
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return &InitError{Action: action, Err: lastErr}
	}
	return nil
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)
	defer m.cleanup(ctx)
	defer func() {
		if r := recover(); r != nil {
			// Keep a snapshot of every goroutine alongside the failure;
			// by the time anyone reads the notification the interesting
			// state is gone.
			buf := make([]byte, 1<<20)
			n := runtime.Stack(buf, true)
			err := fmt.Errorf("partition manager main loop failed: %v", r)
			m.logger.Error(err, "unhandled failure in reconciliation loop")
			m.report(fmt.Errorf("%w\n\ngoroutine dump:\n%s", err, buf[:n]), ActionMainLoop, NoPartition)
		}
	}()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		m.runOnce(ctx)

		select {
		case <-time.After(m.leaseStore.RenewInterval()):
		case <-m.stopCh:
		case <-ctx.Done():
		}
	}
}

// runOnce is one reconciliation pass. On entry and exit the pump set matches
// the partitions this host believes it owns, to the best of its knowledge as
// of this pass's snapshot.
func (m *Manager) runOnce(ctx context.Context) {
	snapshot := make(map[string]*snapshotEntry)
	order := make([]string, 0, len(m.partitionIDs))
	othersInOrder := make([]lease.Lease, 0, len(m.partitionIDs))
	ownedCount := 0

	results, err := m.leaseStore.GetAllLeases(ctx)
	if err != nil {
		m.logger.Error(err, "failure during lease enumeration")
		m.report(err, ActionCheckingLeases, NoPartition)
		return
	}

	for _, r := range results {
		if r.Err != nil {
			partitionID := r.PartitionID
			if partitionID == "" {
				partitionID = NoPartition
			}
			m.logger.Error(r.Err, "failure getting or checking lease", "partitionID", partitionID)
			m.report(r.Err, ActionCheckingLeases, partitionID)
			continue
		}

		l := r.Lease
		partitionID := l.PartitionID()
		var ownedBySelf bool
		switch {
		case l.IsExpired(ctx):
			acquired, err := m.leaseStore.AcquireLease(ctx, l)
			if err != nil {
				// No opinion on this lease this round.
				m.logger.Error(err, "failure acquiring expired lease", "partitionID", partitionID)
				m.report(err, ActionCheckingLeases, partitionID)
				continue
			}
			ownedBySelf = acquired
		case l.Owner() == m.hostName:
			renewed, err := m.leaseStore.RenewLease(ctx, l)
			if err != nil {
				m.logger.Error(err, "failure renewing lease", "partitionID", partitionID)
				m.report(err, ActionCheckingLeases, partitionID)
				continue
			}
			ownedBySelf = renewed
		default:
			ownedBySelf = false
		}

		snapshot[partitionID] = &snapshotEntry{l: l, ownedBySelf: ownedBySelf}
		order = append(order, partitionID)
		if ownedBySelf {
			ownedCount++
		} else {
			othersInOrder = append(othersInOrder, l)
		}
	}

	if candidate := leaseToSteal(othersInOrder, ownedCount); candidate != nil {
		partitionID := candidate.PartitionID()
		m.logger.V(1).Info("attempting to steal lease", "partitionID", partitionID, "victim", candidate.Owner())
		acquired, err := m.leaseStore.AcquireLease(ctx, candidate)
		switch {
		case err != nil:
			m.logger.Error(err, "failure stealing lease", "partitionID", partitionID)
			m.report(err, ActionStealingLease, partitionID)
		case acquired:
			snapshot[partitionID].ownedBySelf = true
		default:
			m.logger.V(1).Info("lost steal race", "partitionID", partitionID)
		}
	}

	for _, partitionID := range order {
		entry := snapshot[partitionID]
		if entry.ownedBySelf {
			if err := m.pumps.AddPump(ctx, partitionID, entry.l); err != nil {
				m.logger.Error(err, "failure starting pump", "partitionID", partitionID)
			}
			continue
		}
		if done := m.pumps.RemovePump(partitionID, CloseReasonLeaseLost); done != nil {
			// Wait for the old pump to let go of the partition before the
			// next round can re-acquire it.
			if err := <-done; err != nil {
				m.logger.Error(err, "failure stopping pump", "partitionID", partitionID)
			}
		}
	}
}

// cleanup tears down every pump concurrently and awaits each shutdown. An
// interrupted context aborts the waiting immediately; abandoned pumps are
// safe because their leases expire and get picked up elsewhere.
func (m *Manager) cleanup(ctx context.Context) {
	handles := m.pumps.RemoveAllPumps(CloseReasonShutdown)
	for _, h := range handles {
		select {
		case err := <-h:
			if err != nil {
				m.logger.Error(err, "pump shutdown failed")
				m.report(err, ActionCleanup, NoPartition)
			}
		case <-ctx.Done():
			m.logger.Info("cleanup interrupted, abandoning remaining pump shutdowns")
			return
		}
	}
	m.logger.Info("partition manager stopped")
}

func (m *Manager) report(err error, action Action, partitionID string) {
	if m.onError == nil {
		return
	}
	m.onError(m.hostName, err, action, partitionID)
}
