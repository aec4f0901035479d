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
	"github.com/duralab/duraq/framework/log"
)

// Telemetry event names. These are part of the external contract, sinks
// dispatch on them.
const (
	EventLength = "queue.length"
	EventPush   = "queue.push"
	EventPull   = "queue.pull"
)

// Event is a single telemetry measurement emitted as a side effect of a
// queue operation. Queue carries the emitting queue name.
type Event struct {
	Name   string
	Queue  string
	Fields map[string]interface{}
}

// Sink consumes telemetry events. Implementations must be goroutine-safe;
// panics are contained by the queue and logged.
type Sink interface {
	Emit(Event)
}

// LogSink writes every event to a logger in the machine-readable Msg format.
type LogSink struct {
	L log.Logger
}

func (s LogSink) Emit(ev Event) {
	fields := make([]interface{}, 0, len(ev.Fields)*2+2)
	fields = append(fields, "queue", ev.Queue)
	for k, v := range ev.Fields {
		fields = append(fields, k, v)
	}
	s.L.Msg(ev.Name, fields...)
}

func (q *Queue) emit(name string, fields map[string]interface{}) {
	ev := Event{Name: name, Queue: q.name, Fields: fields}
	for _, sink := range q.sinks {
		emitOne(sink, ev, q.Log)
	}
}

func emitOne(sink Sink, ev Event, l log.Logger) {
	defer func() {
		if err := recover(); err != nil {
			l.Printf("telemetry sink panic: %v", err)
		}
	}()
	sink.Emit(ev)
}
