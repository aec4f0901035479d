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

/*
Package queue implements a durable message queue backed by plain files.

A queue is a directory pair under a common root:

	<root>/<name>/queued/  - messages available for pull
	<root>/<name>/pulled/  - messages currently owned by a worker

A message is one file; its name encodes the push timestamp and the flag of
every failed attempt (<timestamp_ms>(.<flag>)*). Every state transition is an
atomic same-file-system rename, which is the only concurrency primitive in
use: two pullers racing for the same file get exactly one winner, and a crash
at any point leaves the message in exactly one directory.

Messages that exhaust their retry budget, or that outlive the configured TTL,
are routed to the configured dead-letter queue (itself a regular queue) or
deleted if none is configured.

At construction the pulled/ directory is swept: whatever a dead process left
there is failed with the timeout flag, which re-queues or dead-letters it
according to the usual policy. Files that cannot be parsed or read are
renamed aside with a _broken suffix and never looked at again.
*/
package queue

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/duralab/duraq/framework/exterrors"
	"github.com/duralab/duraq/framework/log"
	"github.com/duralab/duraq/internal/dirs"
)

// Push errors. ErrQueueFull is temporary (retrying may succeed once workers
// drain the backlog), ErrMessageTooLarge is not.
var (
	ErrQueueFull       = exterrors.WithTemporary(errors.New("queue: queue full"), true)
	ErrMessageTooLarge = exterrors.WithTemporary(errors.New("queue: message too large"), false)
)

// Placing a message under an already-taken name nudges the timestamp forward
// and retries, this bounds the retries.
const maxPlaceAttempts = 50

const brokenSuffix = "_broken"

type Queue struct {
	name      string
	queuedDir string
	pulledDir string
	tmpDir    string

	maxRetries  int
	maxQueued   int
	maxBytes    int64
	ttl         time.Duration
	deadLetters *Queue

	notify func()
	sinks  []Sink

	Log log.Logger
}

// New builds the queue described by cfg: directories are created if missing,
// the dead-letter queue (if configured) is built first, and unfinished
// messages left in pulled/ by a previous run are requeued as timed out.
// After New returns the queue accepts work.
func New(cfg Config) (*Queue, error) {
	if err := cfg.prepare(); err != nil {
		return nil, fmt.Errorf("queue: config: %w", err)
	}
	return newQueue(&cfg)
}

func newQueue(cfg *Config) (*Queue, error) {
	var deadLetters *Queue
	if cfg.DeadLetters != nil {
		// Built bottom-up so the sink exists before its parent starts
		// recovery (recovery may dead-letter).
		var err error
		deadLetters, err = newQueue(cfg.DeadLetters)
		if err != nil {
			return nil, err
		}
	}

	queuedDir, err := dirs.Setup(cfg.RootDir, cfg.Name, "queued")
	if err != nil {
		return nil, err
	}
	pulledDir, err := dirs.Setup(cfg.RootDir, cfg.Name, "pulled")
	if err != nil {
		return nil, err
	}
	tmpDir, err := dirs.Setup(cfg.RootDir, "tmp")
	if err != nil {
		return nil, err
	}

	q := &Queue{
		name:        cfg.Name,
		queuedDir:   queuedDir,
		pulledDir:   pulledDir,
		tmpDir:      tmpDir,
		maxRetries:  cfg.MaxRetries,
		maxQueued:   cfg.MaxQueuedMessages,
		maxBytes:    cfg.MaxMessageBytes,
		ttl:         cfg.MessageTTL,
		deadLetters: deadLetters,
		notify:      cfg.Notify,
		sinks:       cfg.Sinks,
		Log:         cfg.Log,
	}
	if q.Log.Name == "" {
		q.Log.Name = "queue/" + q.name
	}

	if err := q.requeueUnfinished(); err != nil {
		return nil, err
	}
	return q, nil
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

// DeadLetters returns the dead-letter queue, or nil.
func (q *Queue) DeadLetters() *Queue {
	return q.deadLetters
}

// Length returns a snapshot of the number of messages in queued/.
func (q *Queue) Length() (int, error) {
	return dirs.FileCount(q.queuedDir)
}

// Push makes payload durable under this queue. The message is visible to
// pullers once Push returns nil.
//
// The capacity check is advisory: concurrent producers can transiently
// overshoot MaxQueuedMessages by at most their own count.
func (q *Queue) Push(payload []byte) error {
	count, err := dirs.FileCount(q.queuedDir)
	if err != nil {
		return err
	}
	queuedMsgs.WithLabelValues(q.name).Set(float64(count))
	q.emit(EventLength, map[string]interface{}{"length": count})

	if q.maxQueued > 0 && count >= q.maxQueued {
		return ErrQueueFull
	}

	tmpPath, timestamp, err := serializePayload(payload, q.tmpDir, q.maxBytes)
	if err != nil {
		return err
	}

	for attempt := 0; ; attempt++ {
		name := formatName(timestamp+int64(attempt), nil)
		if _, err := dirs.PlaceFile(tmpPath, q.queuedDir, name); err != nil {
			if errors.Is(err, fs.ErrExist) && attempt < maxPlaceAttempts {
				// Same-millisecond collision. Nudge the timestamp, the name
				// stays grammar-exact and unique.
				continue
			}
			os.Remove(tmpPath)
			return exterrors.WithFields(err, map[string]interface{}{"queue": q.name})
		}
		break
	}

	pushedMsgs.WithLabelValues(q.name).Inc()
	q.emit(EventPush, map[string]interface{}{"items": 1})

	if q.notify != nil {
		q.notify()
	}
	return nil
}

// Pull transfers ownership of the oldest available message from queued/ to
// pulled/ and returns it. It returns nil with no error when the queue is
// empty or when a concurrent puller won the race for the head.
//
// Messages older than the configured TTL are failed as dead instead of being
// returned, and the next candidate is considered.
func (q *Queue) Pull() (*Message, error) {
	for {
		src, err := dirs.FirstFile(q.queuedDir)
		if err != nil {
			return nil, err
		}
		if src == "" {
			return nil, nil
		}
		name := filepath.Base(src)

		pulledPath, err := dirs.MoveFile(src, q.pulledDir, name)
		if err != nil {
			if os.IsNotExist(err) {
				// Another worker won the race.
				return nil, nil
			}
			return nil, err
		}

		timestamp, attempts, err := parseName(name)
		if err != nil {
			// Should be impossible for a file we just moved out of queued/.
			// Leave it in pulled/ for recovery to quarantine.
			q.Log.Error("pulled unparseable message", err, "name", name)
			return nil, nil
		}

		payload, err := deserializePayload(pulledPath)
		if err != nil {
			// The file stays in pulled/; next restart will deal with it.
			q.Log.Error("payload read failed", err, "name", name)
			return nil, nil
		}

		msg := &Message{
			Path:      pulledPath,
			Payload:   payload,
			Timestamp: timestamp,
			Attempts:  attempts,
		}

		if q.expired(msg) {
			if err := q.Fail(msg, FlagDead); err != nil {
				return nil, err
			}
			continue
		}

		pulledMsgs.WithLabelValues(q.name).Inc()
		q.emit(EventPull, map[string]interface{}{"timestamp": timestamp})
		return msg, nil
	}
}

func (q *Queue) expired(m *Message) bool {
	if q.ttl <= 0 {
		return false
	}
	return time.Now().UnixMilli()-m.Timestamp > q.ttl.Milliseconds()
}

// Acknowledge completes msg successfully, removing it from the queue for
// good. Acknowledging the same message twice is a caller bug.
func (q *Queue) Acknowledge(msg *Message) error {
	if err := os.Remove(msg.Path); err != nil {
		return exterrors.WithFields(err, map[string]interface{}{"queue": q.name})
	}
	return nil
}

// Fail records a failed attempt for msg under the given flag and applies the
// retry policy:
//
//   - FlagDead routes the message to the dead-letter queue (or deletes it if
//     none is configured), regardless of the attempt count.
//   - A message whose recorded attempts already reach MaxRetries is treated
//     as dead.
//   - Otherwise the message returns to queued/ with flag appended to its
//     name, available for pull again.
func (q *Queue) Fail(msg *Message, flag string) error {
	if !validFlag(flag) {
		return fmt.Errorf("queue: invalid flag %q", flag)
	}

	switch {
	case flag == FlagDead && q.deadLetters != nil:
		newPath, err := dirs.MoveFile(msg.Path, q.deadLetters.queuedDir, nameWithFlag(msg, FlagDead))
		if err != nil {
			return err
		}
		msg.Path = newPath
		msg.Attempts = append(msg.Attempts, FlagDead)
		q.Log.Msg("dead-lettered", "name", filepath.Base(newPath))
		return nil
	case flag == FlagDead:
		q.Log.Msg("discarded", "name", filepath.Base(msg.Path))
		return os.Remove(msg.Path)
	case q.maxRetries != Unlimited && len(msg.Attempts) >= q.maxRetries:
		return q.Fail(msg, FlagDead)
	default:
		newPath, err := dirs.MoveFile(msg.Path, q.queuedDir, nameWithFlag(msg, flag))
		if err != nil {
			return err
		}
		msg.Path = newPath
		msg.Attempts = append(msg.Attempts, flag)
		return nil
	}
}

// requeueUnfinished fails everything found in pulled/ with the timeout flag.
// It runs once, before the queue accepts work, so that pulled/ only ever
// contains messages owned by a live worker.
//
// Files that cannot be parsed or read are renamed aside with a _broken
// suffix so a single poison file cannot wedge recovery forever.
func (q *Queue) requeueUnfinished() error {
	files, err := dirs.AllFiles(q.pulledDir)
	if err != nil {
		return err
	}

	requeued := 0
	for _, path := range files {
		name := filepath.Base(path)
		if strings.HasSuffix(name, brokenSuffix) {
			continue
		}

		timestamp, attempts, err := parseName(name)
		if err != nil {
			q.quarantine(path, err)
			continue
		}
		payload, err := deserializePayload(path)
		if err != nil {
			q.quarantine(path, err)
			continue
		}

		msg := &Message{
			Path:      path,
			Payload:   payload,
			Timestamp: timestamp,
			Attempts:  attempts,
		}
		if err := q.Fail(msg, FlagTimeout); err != nil {
			return err
		}
		requeued++
	}

	if requeued != 0 {
		q.Log.Printf("requeued %d unfinished messages", requeued)
	}
	return nil
}

// quarantine renames the file in place so it stops matching the name grammar
// and is skipped by all queue operations from now on.
func (q *Queue) quarantine(path string, reason error) {
	if err := os.Rename(path, path+brokenSuffix); err != nil {
		q.Log.Error("can't quarantine broken message", err, "path", path)
		return
	}
	q.Log.Error("quarantined broken message", reason, "path", path+brokenSuffix)
}
