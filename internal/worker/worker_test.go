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

package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/duralab/duraq/framework/log"
	"github.com/duralab/duraq/internal/dispatch"
	"github.com/duralab/duraq/internal/queue"
	"github.com/duralab/duraq/internal/testutils"
)

type failure struct {
	msg  *queue.Message
	flag string
}

// fakeBackend hands out pre-loaded messages and records the transitions the
// worker performs against them.
type fakeBackend struct {
	pending chan *queue.Message
	acked   chan *queue.Message
	failed  chan failure
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		pending: make(chan *queue.Message, 16),
		acked:   make(chan *queue.Message, 16),
		failed:  make(chan failure, 16),
	}
}

func (fb *fakeBackend) Pull() (*queue.Message, error) {
	select {
	case msg := <-fb.pending:
		return msg, nil
	default:
		return nil, nil
	}
}

func (fb *fakeBackend) Acknowledge(msg *queue.Message) error {
	fb.acked <- msg
	return nil
}

func (fb *fakeBackend) Fail(msg *queue.Message, flag string) error {
	fb.failed <- failure{msg: msg, flag: flag}
	return nil
}

func testLogger(t *testing.T) log.Logger {
	if testing.Verbose() {
		return testutils.Logger(t, "worker")
	}
	return log.Logger{Out: log.NopOutput{}}
}

// startTestWorker runs a worker over the given backend and arranges its
// shutdown at test end.
func startTestWorker(t *testing.T, cfg Config, handler Handler, backend Backend) *Worker {
	t.Helper()

	if cfg.Group == "" {
		cfg.Group = t.Name()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Second
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	cfg.Log = testLogger(t)

	w, err := New(cfg, handler, backend)
	if err != nil {
		t.Fatal("worker.New:", err)
	}
	go w.Run()
	t.Cleanup(func() { w.Close() })
	return w
}

func readAckTimeout(t *testing.T, ch <-chan *queue.Message, timeout time.Duration) *queue.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(timeout):
		t.Fatal("no acknowledge within", timeout)
		return nil
	}
}

func readFailTimeout(t *testing.T, ch <-chan failure, timeout time.Duration) failure {
	t.Helper()
	select {
	case f := <-ch:
		return f
	case <-time.After(timeout):
		t.Fatal("no fail within", timeout)
		return failure{}
	}
}

func TestWorker_AcknowledgesOnSuccess(t *testing.T) {
	t.Parallel()

	fb := newFakeBackend()
	handled := make(chan []byte, 1)
	startTestWorker(t, Config{}, func(_ context.Context, payload []byte) error {
		handled <- payload
		return nil
	}, fb)

	fb.pending <- &queue.Message{Payload: []byte("x"), Timestamp: 1700000000001}

	select {
	case payload := <-handled:
		if string(payload) != "x" {
			t.Errorf("payload = %q", payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handler never ran")
	}
	msg := readAckTimeout(t, fb.acked, 5*time.Second)
	if string(msg.Payload) != "x" {
		t.Errorf("acknowledged wrong message: %q", msg.Payload)
	}
}

func TestWorker_FailsOnHandlerError(t *testing.T) {
	t.Parallel()

	fb := newFakeBackend()
	startTestWorker(t, Config{}, func(context.Context, []byte) error {
		return errors.New("no can do")
	}, fb)

	fb.pending <- &queue.Message{Payload: []byte("x"), Timestamp: 1700000000001}

	f := readFailTimeout(t, fb.failed, 5*time.Second)
	if f.flag != queue.FlagError {
		t.Errorf("flag = %q, want %q", f.flag, queue.FlagError)
	}
}

func TestWorker_FailsOnHandlerPanic(t *testing.T) {
	t.Parallel()

	fb := newFakeBackend()
	startTestWorker(t, Config{}, func(context.Context, []byte) error {
		panic("boom")
	}, fb)

	fb.pending <- &queue.Message{Payload: []byte("x"), Timestamp: 1700000000001}

	f := readFailTimeout(t, fb.failed, 5*time.Second)
	if f.flag != queue.FlagError {
		t.Errorf("flag = %q, want %q", f.flag, queue.FlagError)
	}
}

func TestWorker_KillsOnTimeout(t *testing.T) {
	t.Parallel()

	fb := newFakeBackend()
	startTestWorker(t, Config{Timeout: 50 * time.Millisecond}, func(ctx context.Context, _ []byte) error {
		// Runs well past the deadline; the worker must not wait for it.
		<-ctx.Done()
		return nil
	}, fb)

	start := time.Now()
	fb.pending <- &queue.Message{Payload: []byte("slow"), Timestamp: 1700000000001}

	f := readFailTimeout(t, fb.failed, 5*time.Second)
	if f.flag != queue.FlagTimeout {
		t.Errorf("flag = %q, want %q", f.flag, queue.FlagTimeout)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout took %v, way over the 50ms limit", elapsed)
	}
}

func TestWorker_ResumesAfterTimeout(t *testing.T) {
	t.Parallel()

	fb := newFakeBackend()
	startTestWorker(t, Config{Timeout: 50 * time.Millisecond}, func(ctx context.Context, payload []byte) error {
		if string(payload) == "slow" {
			<-ctx.Done()
		}
		return nil
	}, fb)

	fb.pending <- &queue.Message{Payload: []byte("slow"), Timestamp: 1700000000001}
	fb.pending <- &queue.Message{Payload: []byte("quick"), Timestamp: 1700000000002}

	readFailTimeout(t, fb.failed, 5*time.Second)
	msg := readAckTimeout(t, fb.acked, 5*time.Second)
	if string(msg.Payload) != "quick" {
		t.Errorf("resumed with wrong message: %q", msg.Payload)
	}
}

func TestWorker_WakesOnBroadcast(t *testing.T) {
	t.Parallel()

	fb := newFakeBackend()
	// Poll interval long enough that only the broadcast can explain a
	// prompt pull.
	startTestWorker(t, Config{PollInterval: time.Hour}, func(context.Context, []byte) error {
		return nil
	}, fb)

	// Let the worker pass its initial empty pull and block idle.
	time.Sleep(100 * time.Millisecond)

	fb.pending <- &queue.Message{Payload: []byte("x"), Timestamp: 1700000000001}
	dispatch.Broadcast(t.Name())

	readAckTimeout(t, fb.acked, 5*time.Second)
}

func TestWorker_NilHandlerRejected(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{}, nil, newFakeBackend()); err == nil {
		t.Error("nil handler accepted")
	}
	if _, err := New(Config{}, func(context.Context, []byte) error { return nil }, nil); err == nil {
		t.Error("nil backend accepted")
	}
}

func TestPool_DrainsQueue(t *testing.T) {
	t.Parallel()

	q, err := queue.New(queue.Config{
		RootDir: t.TempDir(),
		Name:    "jobs",
		Log:     testLogger(t),
	})
	if err != nil {
		t.Fatal("queue.New:", err)
	}

	const total = 10
	for i := 0; i < total; i++ {
		if err := q.Push([]byte{byte(i)}); err != nil {
			t.Fatal("push:", err)
		}
	}

	handled := make(chan []byte, total)
	pool, err := NewPool(3, Config{
		Group:        t.Name(),
		Timeout:      time.Second,
		PollInterval: 10 * time.Millisecond,
		Log:          testLogger(t),
	}, func(_ context.Context, payload []byte) error {
		handled <- payload
		return nil
	}, q)
	if err != nil {
		t.Fatal("worker.NewPool:", err)
	}
	pool.Start()
	defer pool.Close()

	seen := make(map[byte]bool)
	for i := 0; i < total; i++ {
		select {
		case payload := <-handled:
			seen[payload[0]] = true
		case <-time.After(10 * time.Second):
			t.Fatalf("only %d of %d messages handled", i, total)
		}
	}
	if len(seen) != total {
		t.Errorf("handled %d distinct messages, want %d", len(seen), total)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		length, err := q.Length()
		if err != nil {
			t.Fatal("length:", err)
		}
		if length == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("queue still holds %d messages", length)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
