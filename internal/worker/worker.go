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
Package worker implements the consumer side of the queue: a long-lived
control loop that pulls messages and runs a handler against each one in an
isolated, deadline-bound task.

The worker owns at most one in-flight message. The handler runs in its own
goroutine pair: the inner goroutine executes the handler (panics are
converted into an error outcome), the outer one supervises it against a
kill timer and reports a single completion notification tagged with the task
identity. The control loop acts only on notifications matching its current
task; anything else is stale and discarded. There is no cooperative
cancellation beyond context: a handler that ignores its context is abandoned
at timeout and its message is failed with the timeout flag.
*/
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/creasty/defaults"
	"github.com/google/uuid"

	"github.com/duralab/duraq/framework/log"
	"github.com/duralab/duraq/internal/dispatch"
	"github.com/duralab/duraq/internal/queue"
)

// Handler processes one message payload. A nil return acknowledges the
// message; an error (or a panic) fails it with the error flag. ctx is
// cancelled when the job timeout expires, but the outcome is decided by the
// kill timer whether or not the handler honors ctx.
type Handler func(ctx context.Context, payload []byte) error

// Backend is the queue surface the worker consumes. *queue.Queue implements
// it.
type Backend interface {
	Pull() (*queue.Message, error)
	Acknowledge(*queue.Message) error
	Fail(*queue.Message, string) error
}

// Config describes a single worker.
type Config struct {
	// Group is the dispatch group joined for pull wake-ups.
	Group string `default:"workers"`

	// Timeout is the hard wall-clock ceiling for one handler invocation.
	Timeout time.Duration `default:"30s"`

	// PollInterval bounds how long a missed wake-up can delay an idle
	// worker.
	PollInterval time.Duration `default:"1s"`

	Log log.Logger
}

type outcome int

const (
	outcomeOK outcome = iota
	outcomeError
	outcomeKilled
)

// taskDone is the completion notification sent by a task supervisor.
type taskDone struct {
	id      string
	outcome outcome
	err     error
}

type Worker struct {
	cfg     Config
	handler Handler
	backend Backend

	wake chan struct{}
	done chan taskDone
	stop chan struct{}

	// Set together while a task is in flight, nil otherwise. Only the
	// control loop goroutine touches them.
	taskID  string
	message *queue.Message

	Log log.Logger
}

// New returns a worker ready to Run.
func New(cfg Config, handler Handler, backend Backend) (*Worker, error) {
	if handler == nil {
		return nil, errors.New("worker: nil handler")
	}
	if backend == nil {
		return nil, errors.New("worker: nil backend")
	}
	if err := defaults.Set(&cfg); err != nil {
		return nil, err
	}

	w := &Worker{
		cfg:     cfg,
		handler: handler,
		backend: backend,
		wake:    make(chan struct{}, 1),
		done:    make(chan taskDone, 1),
		stop:    make(chan struct{}),
		Log:     cfg.Log,
	}
	if w.Log.Name == "" {
		w.Log.Name = "worker"
	}
	return w, nil
}

// Run joins the dispatch group and consumes the queue until Close is called.
// It always returns nil; the signature fits errgroup.Group.Go.
func (w *Worker) Run() error {
	dispatch.Join(w.cfg.Group, w.wake)
	defer dispatch.Leave(w.cfg.Group, w.wake)

	for {
		if w.taskID == "" {
			w.checkForJob()
		}

		if w.taskID == "" {
			// Idle: wait for a wake-up, but poll anyway in case a broadcast
			// was dropped.
			select {
			case <-w.wake:
			case <-time.After(w.cfg.PollInterval):
			case <-w.stop:
				return nil
			}
			continue
		}

		// Busy: only a completion notification (or shutdown) changes state.
		select {
		case res := <-w.done:
			if res.id != w.taskID {
				w.Log.Debugf("discarding stale notification for task %s", res.id)
				continue
			}
			w.finish(res)
		case <-w.wake:
			// Already working, ignore.
		case <-w.stop:
			return nil
		}
	}
}

// Close stops the control loop. The current task, if any, keeps its message
// in pulled/; the next queue init requeues it as timed out.
func (w *Worker) Close() error {
	close(w.stop)
	return nil
}

func (w *Worker) checkForJob() {
	msg, err := w.backend.Pull()
	if err != nil {
		w.Log.Error("pull failed", err)
		return
	}
	if msg == nil {
		return
	}

	w.taskID = uuid.NewString()
	w.message = msg
	w.launch(w.taskID, msg)
}

// launch starts the supervised task for msg. The supervisor sends exactly
// one taskDone; an abandoned handler goroutine can only write into its own
// buffered result channel, never into w.done.
func (w *Worker) launch(id string, msg *queue.Message) {
	timeout := w.cfg.Timeout

	go func() {
		result := make(chan error, 1)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		go func() {
			defer func() {
				if p := recover(); p != nil {
					result <- fmt.Errorf("worker: handler panic: %v", p)
				}
			}()
			result <- w.handler(ctx, msg.Payload)
		}()

		killTimer := time.NewTimer(timeout)
		defer killTimer.Stop()

		select {
		case err := <-result:
			if err != nil {
				w.done <- taskDone{id: id, outcome: outcomeError, err: err}
				return
			}
			w.done <- taskDone{id: id, outcome: outcomeOK}
		case <-killTimer.C:
			w.done <- taskDone{id: id, outcome: outcomeKilled}
		}
	}()
}

// finish is the single place worker state is cleared, whatever the outcome.
func (w *Worker) finish(res taskDone) {
	msg := w.message
	w.taskID = ""
	w.message = nil

	switch res.outcome {
	case outcomeOK:
		if err := w.backend.Acknowledge(msg); err != nil {
			w.Log.Error("acknowledge failed", err)
		}
	case outcomeError:
		w.Log.Error("job failed", res.err, "timestamp", msg.Timestamp)
		if err := w.backend.Fail(msg, queue.FlagError); err != nil {
			w.Log.Error("fail transition failed", err)
		}
	case outcomeKilled:
		w.Log.Msg("job timed out", "timestamp", msg.Timestamp, "timeout", w.cfg.Timeout)
		if err := w.backend.Fail(msg, queue.FlagTimeout); err != nil {
			w.Log.Error("fail transition failed", err)
		}
	}
}
