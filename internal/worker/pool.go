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
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Pool runs a fixed set of workers over the same backend and group.
type Pool struct {
	workers []*Worker
	eg      errgroup.Group
}

// NewPool builds n workers sharing cfg, handler and backend. If cfg.Log has
// no name, each worker logger is named worker/<index>; a name set in cfg.Log
// is used unchanged by every worker.
func NewPool(n int, cfg Config, handler Handler, backend Backend) (*Pool, error) {
	if n <= 0 {
		return nil, errors.New("worker: pool size must be positive")
	}

	p := &Pool{workers: make([]*Worker, 0, n)}
	for i := 0; i < n; i++ {
		wcfg := cfg
		if wcfg.Log.Name == "" {
			wcfg.Log.Name = fmt.Sprintf("worker/%d", i)
		}
		w, err := New(wcfg, handler, backend)
		if err != nil {
			return nil, err
		}
		p.workers = append(p.workers, w)
	}
	return p, nil
}

// Start launches all workers. It does not block.
func (p *Pool) Start() {
	for _, w := range p.workers {
		w := w
		p.eg.Go(w.Run)
	}
}

// Close stops all workers and waits for their control loops to return.
// In-flight handlers are abandoned per worker Close semantics.
func (p *Pool) Close() error {
	for _, w := range p.workers {
		w.Close()
	}
	return p.eg.Wait()
}
