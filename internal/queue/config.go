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
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"

	"github.com/duralab/duraq/framework/log"
)

// Unlimited disables the retry cap when used as MaxRetries.
const Unlimited = -1

// Config describes a single queue. It is read-only after New returns.
type Config struct {
	// RootDir is the parent directory containing all queues.
	RootDir string `validate:"required"`

	// Name is the directory name of this queue, unique under RootDir.
	Name string `validate:"required,excludes=/"`

	// MaxRetries is the number of failed attempts allowed before a message
	// is dead-lettered (or discarded, without DeadLetters). Use Unlimited
	// to disable the cap.
	MaxRetries int `default:"5" validate:"min=-1"`

	// MaxQueuedMessages rejects Push with ErrQueueFull once queued/ holds
	// at least this many files. Zero means no bound.
	MaxQueuedMessages int `validate:"min=0"`

	// MaxMessageBytes rejects Push with ErrMessageTooLarge for larger
	// payloads. Zero means no bound.
	MaxMessageBytes int64 `validate:"min=0"`

	// MessageTTL expires messages older than this at pull time, routing
	// them as dead instead of handing them to a worker. Zero disables
	// expiry.
	MessageTTL time.Duration `validate:"min=0"`

	// DeadLetters, if set, describes the queue that receives dead messages.
	// It may itself have dead letters (nested configurations are built
	// bottom-up).
	DeadLetters *Config

	// Notify, if set, is called after every successful Push. Meant for
	// wiring a worker wake-up broadcast; must not block.
	Notify func()

	// Sinks receive telemetry events emitted by queue operations. A
	// misbehaving sink never fails the operation that triggered it.
	Sinks []Sink

	Log log.Logger
}

var configValidator = validator.New(validator.WithRequiredStructEnabled())

func (c *Config) prepare() error {
	if err := defaults.Set(c); err != nil {
		return err
	}
	return configValidator.Struct(c)
}
