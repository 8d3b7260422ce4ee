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

package reader

import (
	"io"

	"github.com/sneller-oss/ossext/internal/ossclient"
)

// SyncReader services each Read with a direct ranged GET (or, for
// compressed sources, a direct InflateDecoder.Pull), with no
// background goroutine and no ring buffer. It advances to the next
// object automatically at each object boundary.
type SyncReader struct {
	c       *ossclient.Client
	src     *ObjectSource
	cursor  int64
	gzip    bool
	decoder *rangeDecoder
}

// rangeDecoder lets SyncReader reuse the same InflateDecoder-backed
// path AsyncReader uses, without importing package inflate's exported
// type into the reader's public surface.
type rangeDecoder struct {
	pull func([]byte) (int, error)
}

// NewSyncReader creates a reader over the given pre-planned object
// list. When gzip is true, bytes are passed through InflateDecoder.
func NewSyncReader(c *ossclient.Client, src *ObjectSource, gzip bool) *SyncReader {
	r := &SyncReader{c: c, src: src, gzip: gzip}
	if gzip {
		dec := newDecoder(c, src)
		r.decoder = &rangeDecoder{pull: dec.Pull}
	}
	return r
}

// Read implements io.Reader. At true EOF (no more objects, or an
// empty object list) it returns (0, io.EOF).
func (r *SyncReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if r.gzip {
		n, err := r.decoder.pull(p)
		if err != nil && err != io.EOF {
			return n, err
		}
		if n == 0 && err == io.EOF {
			return 0, io.EOF
		}
		return n, nil
	}

	for {
		ref, ok := r.src.Current()
		if !ok {
			return 0, io.EOF
		}
		if r.cursor >= ref.Length {
			if err := r.src.Advance(); err != nil {
				return 0, io.EOF
			}
			r.cursor = 0
			continue
		}
		n := int64(len(p))
		if remaining := ref.Length - r.cursor; n > remaining {
			n = remaining
		}
		data, err := r.c.GetRange(ref.Key, r.cursor, n)
		if err != nil {
			return 0, err
		}
		r.cursor += int64(len(data))
		copy(p, data)
		return len(data), nil
	}
}
