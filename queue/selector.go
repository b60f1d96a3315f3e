// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"math/rand"
)

// selectMembers picks the nodes that will host a new queue group. The
// declaring node always hosts a replica; the remaining slots are filled by
// random sampling of the other running nodes. Returns fewer than size
// members when the cluster is smaller than the requested group.
func selectMembers(localID string, running []string, size int) []string {
	if size < 1 {
		size = 1
	}

	members := []string{localID}
	if size == 1 {
		return members
	}

	others := make([]string, 0, len(running))
	for _, id := range running {
		if id != localID {
			others = append(others, id)
		}
	}

	rand.Shuffle(len(others), func(i, j int) {
		others[i], others[j] = others[j], others[i]
	})

	for _, id := range others {
		if len(members) == size {
			break
		}
		members = append(members, id)
	}
	return members
}
