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

package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/duralab/duraq/framework/hooks"
	"github.com/duralab/duraq/framework/log"
	"github.com/duralab/duraq/internal/dispatch"
	"github.com/duralab/duraq/internal/queue"
	"github.com/duralab/duraq/internal/worker"
)

func main() {
	app := cli.NewApp()
	app.Name = "duraq"
	app.Usage = "durable file-system-backed job queue"
	app.Description = `Duraq keeps job queues as plain directories of files. Producers push
opaque payloads, worker processes pull them and run a command per message,
with retries, timeouts, TTL expiry and dead-letter routing handled by the
queue itself.
`
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "root",
			Usage:   "parent directory containing all queues",
			EnvVars: []string{"DURAQ_ROOT"},
			Value:   "/var/lib/duraq",
		},
		&cli.BoolFlag{
			Name:    "debug",
			Usage:   "enable debug logging",
			EnvVars: []string{"DURAQ_DEBUG"},
		},
	}
	app.ExitErrHandler = func(c *cli.Context, err error) {
		cli.HandleExitCoder(err)
		if err != nil {
			log.Println(err)
			cli.OsExiter(1)
		}
	}
	app.Commands = []*cli.Command{
		{
			Name:      "push",
			Usage:     "Enqueue standard input as one message",
			ArgsUsage: "QUEUE",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "max-size",
					Usage: "reject payloads larger than this (e.g. 1MB)",
				},
			},
			Action: pushCommand,
		},
		{
			Name:      "length",
			Usage:     "Print the number of queued messages",
			ArgsUsage: "QUEUE",
			Action:    lengthCommand,
		},
		{
			Name:      "recover",
			Usage:     "Requeue messages left behind by a crashed consumer and exit",
			ArgsUsage: "QUEUE",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "dead-letters",
					Usage: "dead-letter queue name",
				},
				&cli.IntFlag{
					Name:  "max-retries",
					Usage: "failed attempts before dead-lettering, -1 for unlimited",
					Value: 5,
				},
			},
			Action: recoverCommand,
		},
		{
			Name:      "run",
			Usage:     "Consume a queue, running a command per message with the payload on stdin",
			ArgsUsage: "QUEUE",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:     "exec",
					Usage:    "shell command executed per message",
					Required: true,
				},
				&cli.IntFlag{
					Name:  "workers",
					Usage: "amount of concurrent workers",
					Value: 4,
				},
				&cli.DurationFlag{
					Name:  "timeout",
					Usage: "hard per-job wall-clock limit",
					Value: 30 * time.Second,
				},
				&cli.IntFlag{
					Name:  "max-retries",
					Usage: "failed attempts before dead-lettering, -1 for unlimited",
					Value: 5,
				},
				&cli.IntFlag{
					Name:  "max-queued",
					Usage: "reject pushes once this many messages are queued, 0 for unlimited",
				},
				&cli.StringFlag{
					Name:  "max-size",
					Usage: "reject payloads larger than this (e.g. 1MB)",
				},
				&cli.DurationFlag{
					Name:  "ttl",
					Usage: "expire messages older than this at pull time, 0 to keep forever",
				},
				&cli.StringFlag{
					Name:  "dead-letters",
					Usage: "dead-letter queue name",
				},
				&cli.StringFlag{
					Name:  "metrics",
					Usage: "address to serve prometheus metrics on (e.g. 127.0.0.1:9749)",
				},
			},
			Action: runCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Println(err)
		os.Exit(1)
	}
}

func rootLogger(c *cli.Context) log.Logger {
	return log.Logger{
		Out:   log.WriterOutput(os.Stderr, true),
		Debug: c.Bool("debug"),
	}
}

func queueConfig(c *cli.Context, l log.Logger) (queue.Config, error) {
	name := c.Args().First()
	if name == "" {
		return queue.Config{}, cli.Exit("queue name is required", 2)
	}

	cfg := queue.Config{
		RootDir:    c.String("root"),
		Name:       name,
		MaxRetries: 5,
		Log:        l,
	}
	if c.IsSet("max-retries") {
		cfg.MaxRetries = c.Int("max-retries")
	}
	if c.IsSet("max-queued") {
		cfg.MaxQueuedMessages = c.Int("max-queued")
	}
	if c.IsSet("ttl") {
		cfg.MessageTTL = c.Duration("ttl")
	}
	if sz := c.String("max-size"); sz != "" {
		maxBytes, err := humanize.ParseBytes(sz)
		if err != nil {
			return queue.Config{}, fmt.Errorf("bad --max-size: %w", err)
		}
		cfg.MaxMessageBytes = int64(maxBytes)
	}
	if dl := c.String("dead-letters"); dl != "" {
		cfg.DeadLetters = &queue.Config{
			RootDir:    c.String("root"),
			Name:       dl,
			MaxRetries: queue.Unlimited,
			Log:        l,
		}
	}
	return cfg, nil
}

func pushCommand(c *cli.Context) error {
	l := rootLogger(c)
	cfg, err := queueConfig(c, l)
	if err != nil {
		return err
	}

	q, err := queue.New(cfg)
	if err != nil {
		return err
	}

	payload, err := io.ReadAll(os.Stdin)
	if err != nil {
		return err
	}
	return q.Push(payload)
}

func lengthCommand(c *cli.Context) error {
	l := rootLogger(c)
	cfg, err := queueConfig(c, l)
	if err != nil {
		return err
	}

	q, err := queue.New(cfg)
	if err != nil {
		return err
	}
	length, err := q.Length()
	if err != nil {
		return err
	}
	fmt.Println(length)
	return nil
}

func recoverCommand(c *cli.Context) error {
	l := rootLogger(c)
	cfg, err := queueConfig(c, l)
	if err != nil {
		return err
	}

	// New runs the recovery sweep before returning.
	q, err := queue.New(cfg)
	if err != nil {
		return err
	}
	length, err := q.Length()
	if err != nil {
		return err
	}
	l.Msg("recovery done", "queue", q.Name(), "queued", length)
	return nil
}

func runCommand(c *cli.Context) error {
	l := rootLogger(c)
	cfg, err := queueConfig(c, l)
	if err != nil {
		return err
	}

	group := "duraq/" + cfg.Name
	cfg.Notify = func() { dispatch.Broadcast(group) }
	if c.Bool("debug") {
		cfg.Sinks = []queue.Sink{queue.LogSink{L: log.Logger{Out: l.Out, Name: "telemetry", Debug: true}}}
	}

	q, err := queue.New(cfg)
	if err != nil {
		return err
	}

	pool, err := worker.NewPool(c.Int("workers"), worker.Config{
		Group:   group,
		Timeout: c.Duration("timeout"),
		Log:     log.Logger{Out: l.Out, Debug: l.Debug},
	}, execHandler(c.String("exec"), l), q)
	if err != nil {
		return err
	}

	if addr := c.String("metrics"); addr != "" {
		go func() {
			if err := http.ListenAndServe(addr, promhttp.Handler()); err != nil {
				l.Error("metrics endpoint failed", err)
			}
		}()
	}

	hooks.AddHook(hooks.EventShutdown, func() {
		if err := pool.Close(); err != nil {
			l.Error("worker pool shutdown", err)
		}
	})

	pool.Start()
	l.Msg("consuming", "queue", q.Name(), "workers", c.Int("workers"))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	s := <-sig
	l.Msg("shutting down", "signal", s.String())
	hooks.RunHooks(hooks.EventShutdown)
	return nil
}

// execHandler runs the configured shell command once per message with the
// payload on its standard input.
func execHandler(command string, l log.Logger) worker.Handler {
	return func(ctx context.Context, payload []byte) error {
		cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
		cmd.Stdin = bytes.NewReader(payload)
		cmd.Stdout = l.DebugWriter()
		cmd.Stderr = l
		return cmd.Run()
	}
}
