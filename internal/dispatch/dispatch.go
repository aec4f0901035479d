/*
Duraq - durable file-system-backed job queue.
Copyright © 2023-2024 Duraq contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package dispatch implements named broadcast groups of wake-up channels.
//
// Producers broadcast to a group after a push; every member gets a
// best-effort, non-blocking nudge. Members that are busy (channel already
// holds a pending nudge, or nobody is receiving) simply miss it - the
// worker idle poll covers for dropped wake-ups.
package dispatch

import "sync"

var (
	groups    = make(map[string]map[chan<- struct{}]struct{})
	groupsLck sync.Mutex
)

// Join adds ch to the named group. The channel should be buffered; sends
// never block either way.
func Join(group string, ch chan<- struct{}) {
	groupsLck.Lock()
	defer groupsLck.Unlock()

	members := groups[group]
	if members == nil {
		members = make(map[chan<- struct{}]struct{})
		groups[group] = members
	}
	members[ch] = struct{}{}
}

// Leave removes ch from the named group. Removing a channel that never
// joined is a no-op.
func Leave(group string, ch chan<- struct{}) {
	groupsLck.Lock()
	defer groupsLck.Unlock()

	members := groups[group]
	delete(members, ch)
	if len(members) == 0 {
		delete(groups, group)
	}
}

// Broadcast nudges every member of the named group without blocking.
func Broadcast(group string) {
	groupsLck.Lock()
	members := make([]chan<- struct{}, 0, len(groups[group]))
	for ch := range groups[group] {
		members = append(members, ch)
	}
	groupsLck.Unlock()

	for _, ch := range members {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
