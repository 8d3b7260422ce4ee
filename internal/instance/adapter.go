// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package instance

import (
	"fmt"
	"sync"

	"github.com/sneller-oss/ossext/internal/planner"
)

// Handle is the opaque value an engine's user-context slot carries
// between calls. It is intentionally not a Go pointer: an engine
// callback ABI reached over cgo cannot hold a live, GC-visible Go
// pointer across calls, so the adapter hands out a registry key
// instead and looks the instance back up on every entry point.
type Handle uint64

// Adapter is the façade a callback-based engine ABI sits behind. Its
// only job is packing and unpacking a TableInstance in the engine's
// opaque per-call user context; the engine's own types never cross
// into this package.
type Adapter struct {
	mu   sync.Mutex
	next Handle
	live map[Handle]*TableInstance
}

// NewAdapter creates an empty adapter.
func NewAdapter() *Adapter {
	return &Adapter{live: make(map[Handle]*TableInstance)}
}

// Begin opens a TableInstance and returns the handle the engine
// should store and pass back on every subsequent call for this
// session.
func (a *Adapter) Begin(url string, identity planner.Identity, startMicros int64) (Handle, error) {
	inst, err := Open(url, identity, startMicros)
	if err != nil {
		return 0, err
	}
	a.mu.Lock()
	a.next++
	h := a.next
	a.live[h] = inst
	a.mu.Unlock()
	return h, nil
}

func (a *Adapter) lookup(h Handle) (*TableInstance, error) {
	a.mu.Lock()
	inst, ok := a.live[h]
	a.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("instance: unknown handle %d", h)
	}
	return inst, nil
}

// Read services one engine read call, dispatching to the instance
// behind h.
func (a *Adapter) Read(h Handle, p []byte) (int, error) {
	inst, err := a.lookup(h)
	if err != nil {
		return 0, err
	}
	return inst.Read(p)
}

// WriteRow services one engine row, dispatching to the instance
// behind h.
func (a *Adapter) WriteRow(h Handle, row []byte) error {
	inst, err := a.lookup(h)
	if err != nil {
		return err
	}
	return inst.WriteRow(row)
}

// End is the engine's "last call" signal: it tears the instance down
// and removes it from the registry, whether or not a prior call
// already recorded an error. End is idempotent for an unknown handle.
func (a *Adapter) End(h Handle) error {
	a.mu.Lock()
	inst, ok := a.live[h]
	delete(a.live, h)
	a.mu.Unlock()
	if !ok {
		return nil
	}
	return inst.Close()
}
