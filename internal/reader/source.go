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

// Package reader implements the two import-side readers described by
// the storage bridge: AsyncReader, which runs a background goroutine
// to keep a ring buffer full ahead of the consumer, and SyncReader,
// the zero-goroutine variant that services each read with a direct
// ranged fetch.
package reader

import (
	"io"

	"github.com/sneller-oss/ossext/internal/inflate"
	"github.com/sneller-oss/ossext/internal/ossclient"
)

// ObjectSource supplies the ordered, already-sharded sequence of
// objects a single worker will read, normally the result of
// planner.Plan.
type ObjectSource struct {
	refs []ossclient.ObjectRef
	pos  int
}

// NewObjectSource wraps a pre-planned object list.
func NewObjectSource(refs []ossclient.ObjectRef) *ObjectSource {
	return &ObjectSource{refs: refs}
}

// Current returns the object currently being read, or ok=false once
// the source is exhausted.
func (s *ObjectSource) Current() (ossclient.ObjectRef, bool) {
	if s.pos >= len(s.refs) {
		return ossclient.ObjectRef{}, false
	}
	return s.refs[s.pos], true
}

// Advance moves to the next object. It returns io.EOF once there are
// no more objects.
func (s *ObjectSource) Advance() error {
	s.pos++
	if s.pos >= len(s.refs) {
		return io.EOF
	}
	return nil
}

// rangeUpstream adapts a single ObjectClient + ObjectSource pair into
// the inflate.Upstream interface, so InflateDecoder can be driven
// directly by either reader variant without duplicating the
// object-boundary-rolling logic.
type rangeUpstream struct {
	c      *ossclient.Client
	src    *ObjectSource
	cursor int64
}

func (u *rangeUpstream) Read(p []byte) (int, error) {
	ref, ok := u.src.Current()
	if !ok {
		return 0, io.EOF
	}
	remaining := ref.Length - u.cursor
	if remaining <= 0 {
		return 0, io.EOF
	}
	n := int64(len(p))
	if n > remaining {
		n = remaining
	}
	data, err := u.c.GetRange(ref.Key, u.cursor, n)
	if err != nil {
		return 0, err
	}
	u.cursor += int64(len(data))
	copy(p, data)
	return len(data), nil
}

func (u *rangeUpstream) NextObject() error {
	u.cursor = 0
	return u.src.Advance()
}

func newDecoder(c *ossclient.Client, src *ObjectSource) *inflate.Decoder {
	return inflate.New(&rangeUpstream{c: c, src: src})
}
