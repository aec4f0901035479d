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

package queue

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Flags appended to a message name each time it is failed.
//
// Arbitrary caller-supplied flags are accepted by Fail as well, as long as
// they are valid name tokens (non-empty, no dots or path separators).
const (
	FlagTimeout = "timeout"
	FlagError   = "error"
	FlagDead    = "dead"
)

// Message is a single unit of work. The file at Path is its one and only
// durable representation; moving that file between directories is what moves
// the message between states.
//
// Name format is <timestamp_ms>(.<flag>)*. The number of flag tokens equals
// the number of recorded failed attempts.
type Message struct {
	// Path is the current location of the message file. Updated by queue
	// state transitions.
	Path string

	// Payload is the opaque blob supplied at push, read back on pull.
	Payload []byte

	// Timestamp is the push time in milliseconds since the Unix epoch, as
	// recovered from the file name.
	Timestamp int64

	// Attempts records the flag of each prior failure, oldest first.
	Attempts []string
}

var errBadName = errors.New("queue: malformed message file name")

// formatName builds the file name encoding timestamp and attempts.
func formatName(timestamp int64, attempts []string) string {
	if len(attempts) == 0 {
		return strconv.FormatInt(timestamp, 10)
	}
	return strconv.FormatInt(timestamp, 10) + "." + strings.Join(attempts, ".")
}

// parseName recovers timestamp and attempts from a message file name.
func parseName(name string) (int64, []string, error) {
	parts := strings.Split(name, ".")

	timestamp, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || timestamp < 0 {
		return 0, nil, fmt.Errorf("%w: %q", errBadName, name)
	}

	var attempts []string
	for _, flag := range parts[1:] {
		if !validFlag(flag) {
			return 0, nil, fmt.Errorf("%w: %q", errBadName, name)
		}
		attempts = append(attempts, flag)
	}
	return timestamp, attempts, nil
}

// nameWithFlag returns the file name the message would have after appending
// flag to its attempt history.
func nameWithFlag(m *Message, flag string) string {
	attempts := make([]string, 0, len(m.Attempts)+1)
	attempts = append(attempts, m.Attempts...)
	attempts = append(attempts, flag)
	return formatName(m.Timestamp, attempts)
}

func validFlag(flag string) bool {
	if flag == "" {
		return false
	}
	return !strings.ContainsAny(flag, "./\x00")
}
