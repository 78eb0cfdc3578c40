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

import "github.com/eventhost/parthost/pkg/lease"

// stealThreshold is the minimum lead the biggest owner must have over this
// host before a steal is attempted. Stealing one lease shrinks the gap by
// exactly 2, so requiring a gap of at least 2 means the thief never ends up
// ahead of its victim and two hosts cannot ping-pong a lease between them.
const stealThreshold = 2

// leaseToSteal picks at most one lease to take from the most loaded host.
// ownedByOthers is in enumeration order; ties between equally loaded owners
// go to whichever owner appears first, and the first of the victim's leases
// is returned. Returns nil when the cluster is already balanced to within
// one lease of this host. Pure function, no I/O.
func leaseToSteal(ownedByOthers []lease.Lease, selfOwned int) lease.Lease {
	counts := make(map[string]int, len(ownedByOthers))
	var owners []string
	for _, l := range ownedByOthers {
		owner := l.Owner()
		if _, seen := counts[owner]; !seen {
			owners = append(owners, owner)
		}
		counts[owner]++
	}

	biggestOwner := ""
	biggestCount := 0
	for _, owner := range owners {
		if counts[owner] > biggestCount {
			biggestOwner = owner
			biggestCount = counts[owner]
		}
	}

	if biggestCount-selfOwned < stealThreshold {
		return nil
	}
	for _, l := range ownedByOthers {
		if l.Owner() == biggestOwner {
			return l
		}
	}
	return nil
}
