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
	"github.com/sneller-oss/ossext/internal/ring"
)

// AsyncReader runs a single background goroutine per instance that
// keeps a ring.Buffer topped up with object bytes (optionally routed
// through InflateDecoder first), letting the engine's consuming
// goroutine read at row boundaries without blocking on network I/O
// as long as the ring stays ahead of it.
type AsyncReader struct {
	buf     *ring.Buffer
	done    chan struct{}
	stopped chan struct{}
}

// NewAsyncReader starts the background producer goroutine.
func NewAsyncReader(c *ossclient.Client, src *ObjectSource, gzip bool) *AsyncReader {
	r := &AsyncReader{
		buf:     ring.New(),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go r.produce(c, src, gzip)
	return r
}

func (r *AsyncReader) produce(c *ossclient.Client, src *ObjectSource, gzip bool) {
	defer close(r.stopped)
	closed := func() bool {
		select {
		case <-r.done:
			return true
		default:
			return false
		}
	}

	var cursor int64
	var dec *rangeDecoder
	if gzip {
		d := newDecoder(c, src)
		dec = &rangeDecoder{pull: d.Pull}
	}

	for {
		region, ok := r.buf.Reserve(closed)
		if !ok {
			return
		}
		fetchLen := len(region)
		if fetchLen > ring.ReadUnitSize {
			fetchLen = ring.ReadUnitSize
		}

		if gzip {
			n, err := dec.pull(region[:fetchLen])
			if n > 0 {
				r.buf.Commit(n)
			}
			if err != nil {
				if err == io.EOF {
					r.buf.SetEOF()
					return
				}
				r.buf.SetErr(err)
				return
			}
			if n == 0 {
				r.buf.SetEOF()
				return
			}
			continue
		}

		ref, ok := src.Current()
		if !ok {
			r.buf.SetEOF()
			return
		}
		remaining := ref.Length - cursor
		if remaining <= 0 {
			if err := src.Advance(); err != nil {
				r.buf.SetEOF()
				return
			}
			cursor = 0
			continue
		}
		if int64(fetchLen) > remaining {
			fetchLen = int(remaining)
		}
		data, err := c.GetRange(ref.Key, cursor, int64(fetchLen))
		if err != nil {
			r.buf.SetErr(err)
			return
		}
		copy(region, data)
		cursor += int64(len(data))
		r.buf.Commit(len(data))
	}
}

// Read implements io.Reader, blocking (via poll-sleep) until bytes
// are available in the ring, EOF is reached, or the producer has
// recorded an error.
func (r *AsyncReader) Read(p []byte) (int, error) {
	return r.buf.Read(p)
}

// Close stops the background producer goroutine and waits for it to
// exit, releasing the ring buffer.
func (r *AsyncReader) Close() error {
	close(r.done)
	<-r.stopped
	return nil
}
