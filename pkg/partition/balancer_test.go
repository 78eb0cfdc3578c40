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
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eventhost/parthost/pkg/lease"
)

type stubLease struct {
	partitionID string
	owner       string
	expired     bool
}

func (l *stubLease) PartitionID() string              { return l.partitionID }
func (l *stubLease) Owner() string                    { return l.owner }
func (l *stubLease) IsExpired(_ context.Context) bool { return l.expired }

func leasesOwnedBy(counts map[string]int, order []string) []lease.Lease {
	var out []lease.Lease
	for _, owner := range order {
		for i := 0; i < counts[owner]; i++ {
			out = append(out, &stubLease{partitionID: fmt.Sprintf("%s-%d", owner, i), owner: owner})
		}
	}
	return out
}

func TestLeaseToStealThreshold(t *testing.T) {
	tests := []struct {
		name        string
		counts      map[string]int
		order       []string
		selfOwned   int
		wantOwner   string
		wantNothing bool
	}{
		{
			name:      "new host joins loaded cluster",
			counts:    map[string]int{"hostA": 4},
			order:     []string{"hostA"},
			selfOwned: 0,
			wantOwner: "hostA",
		},
		{
			name:      "gap of exactly two steals",
			counts:    map[string]int{"hostA": 3},
			order:     []string{"hostA"},
			selfOwned: 1,
			wantOwner: "hostA",
		},
		{
			name:        "gap of one stays put",
			counts:      map[string]int{"hostA": 3},
			order:       []string{"hostA"},
			selfOwned:   2,
			wantNothing: true,
		},
		{
			name:        "balanced cluster stays put",
			counts:      map[string]int{"hostA": 2, "hostB": 2},
			order:       []string{"hostA", "hostB"},
			selfOwned:   2,
			wantNothing: true,
		},
		{
			name:      "picks the most loaded owner",
			counts:    map[string]int{"hostA": 1, "hostB": 5, "hostC": 2},
			order:     []string{"hostA", "hostB", "hostC"},
			selfOwned: 1,
			wantOwner: "hostB",
		},
		{
			name:      "tie goes to first owner seen",
			counts:    map[string]int{"hostA": 3, "hostB": 3},
			order:     []string{"hostA", "hostB"},
			selfOwned: 0,
			wantOwner: "hostA",
		},
		{
			name:        "no other owners",
			counts:      map[string]int{},
			order:       nil,
			selfOwned:   4,
			wantNothing: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := leaseToSteal(leasesOwnedBy(tt.counts, tt.order), tt.selfOwned)
			if tt.wantNothing {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.wantOwner, got.Owner())
		})
	}
}

func TestLeaseToStealReturnsVictimsFirstLease(t *testing.T) {
	leases := []lease.Lease{
		&stubLease{partitionID: "0", owner: "hostB"},
		&stubLease{partitionID: "1", owner: "hostA"},
		&stubLease{partitionID: "2", owner: "hostA"},
		&stubLease{partitionID: "3", owner: "hostA"},
	}
	got := leaseToSteal(leases, 0)
	require.NotNil(t, got)
	assert.Equal(t, "hostA", got.Owner())
	assert.Equal(t, "1", got.PartitionID())
}

// The steal must never leave this host ahead of its victim, for any
// distribution: that is what rules out two hosts trading a lease forever.
func TestLeaseToStealNeverOvershoots(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 2000; i++ {
		hostCount := 1 + rng.Intn(6)
		counts := make(map[string]int, hostCount)
		var order []string
		for h := 0; h < hostCount; h++ {
			owner := fmt.Sprintf("host%d", h)
			order = append(order, owner)
			counts[owner] = rng.Intn(8)
		}
		selfOwned := rng.Intn(8)

		got := leaseToSteal(leasesOwnedBy(counts, order), selfOwned)

		maxOthers := 0
		for _, c := range counts {
			if c > maxOthers {
				maxOthers = c
			}
		}

		if got == nil {
			assert.Less(t, maxOthers-selfOwned, 2,
				"counts=%v self=%d: balancer passed on a stealable lease", counts, selfOwned)
			continue
		}
		require.GreaterOrEqual(t, maxOthers-selfOwned, 2,
			"counts=%v self=%d: balancer stole below threshold", counts, selfOwned)

		postSelf := selfOwned + 1
		postVictim := counts[got.Owner()] - 1
		assert.LessOrEqual(t, postSelf, postVictim,
			"counts=%v self=%d victim=%s: overshoot", counts, selfOwned, got.Owner())
	}
}

// Two hosts, four partitions: 4/0 converges to 2/2 in two steals and then
// holds still.
func TestStealConvergenceEvenSplit(t *testing.T) {
	selfOwned := 0
	victimOwned := 4

	steps := 0
	for {
		got := leaseToSteal(leasesOwnedBy(map[string]int{"hostA": victimOwned}, []string{"hostA"}), selfOwned)
		if got == nil {
			break
		}
		selfOwned++
		victimOwned--
		steps++
		require.LessOrEqual(t, steps, 4, "no convergence")
	}
	assert.Equal(t, 2, selfOwned)
	assert.Equal(t, 2, victimOwned)
}

// Five partitions across two hosts stop at 3/2: the gap of one is the best
// an odd count allows.
func TestStealConvergenceUnevenSplit(t *testing.T) {
	selfOwned := 0
	victimOwned := 5

	for {
		got := leaseToSteal(leasesOwnedBy(map[string]int{"hostA": victimOwned}, []string{"hostA"}), selfOwned)
		if got == nil {
			break
		}
		selfOwned++
		victimOwned--
	}
	assert.Equal(t, 2, selfOwned)
	assert.Equal(t, 3, victimOwned)
}
