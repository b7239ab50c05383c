/*
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

package scheduling

import (
	"slices"
	"strings"
	"time"

	v1 "github.com/gpu-dev/reservoir/pkg/apis/v1"
)

// QueueEntry is the computed outlook for one waiting reservation.
type QueueEntry struct {
	ReservationID string
	Position      int32
	ETAMinutes    int32
	ETAKnown      bool
}

// SortFIFO orders reservations the way the queue admits them: oldest first,
// id as the tiebreak so the order is total.
func SortFIFO(reservations []*v1.Reservation) []*v1.Reservation {
	sorted := slices.Clone(reservations)
	slices.SortFunc(sorted, func(a, b *v1.Reservation) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return sorted
}

// Promotable returns the FIFO prefix of queued reservations that fits current
// capacity, claiming each so the next is judged against the remainder. The
// first reservation that does not fit blocks the rest of its type's queue;
// letting small requests jump ahead would starve large ones forever.
func Promotable(snapshot *Snapshot, queued []*v1.Reservation) []*v1.Reservation {
	var promotable []*v1.Reservation
	sim := snapshot.Clone()
	for _, waiter := range SortFIFO(queued) {
		nodes, ok := sim.Fit(waiter)
		if !ok {
			break
		}
		sim.Claim(waiter, nodes)
		promotable = append(promotable, waiter)
	}
	return promotable
}

// Outlook computes queue position and expected wait for the queued
// reservations of one GPU type. The wait model assumes capacity frees exactly
// when active reservations expire and is consumed strictly in FIFO order; a
// waiter whose demand outlasts every known expiration gets no ETA.
func Outlook(now time.Time, snapshot *Snapshot, queued, active []*v1.Reservation) []QueueEntry {
	sim := snapshot.Clone()
	expirations := activeByExpiry(active)
	entries := make([]QueueEntry, 0, len(queued))
	var horizon int32
	next := 0
	for i, waiter := range SortFIFO(queued) {
		entry := QueueEntry{ReservationID: waiter.ID, Position: int32(i + 1)}
		for {
			if nodes, ok := sim.Fit(waiter); ok {
				sim.Claim(waiter, nodes)
				entry.ETAMinutes, entry.ETAKnown = horizon, true
				break
			}
			if next >= len(expirations) {
				break
			}
			expiring := expirations[next]
			next++
			sim.Release(expiring, expiring.NodeNames)
			horizon = minutesUntil(now, *expiring.ExpiresAt)
		}
		entries = append(entries, entry)
	}
	return entries
}

func activeByExpiry(active []*v1.Reservation) []*v1.Reservation {
	var expiring []*v1.Reservation
	for _, reservation := range active {
		if reservation.ExpiresAt != nil {
			expiring = append(expiring, reservation)
		}
	}
	slices.SortFunc(expiring, func(a, b *v1.Reservation) int { return a.ExpiresAt.Compare(*b.ExpiresAt) })
	return expiring
}

func minutesUntil(now, at time.Time) int32 {
	if !at.After(now) {
		return 0
	}
	return int32((at.Sub(now) + time.Minute - 1) / time.Minute)
}
