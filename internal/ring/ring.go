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

// Package ring implements the single-producer/single-consumer byte
// ring shared between a background fetcher goroutine and the engine
// thread that drains it. There is no condition variable: both sides
// poll under a mutex and sleep a fixed interval when starved, per the
// bridge's synchronization design (see REDESIGN FLAGS in SPEC_FULL.md
// for why this is kept rather than switched to a cond-based wakeup).
package ring

import (
	"io"
	"sync"
	"time"
)

const (
	// ReadUnitSize is the unit the producer fetches in and the
	// minimum contiguous span it requires before writing.
	ReadUnitSize = 1 << 20 // 1 MiB

	// InitialBufLen is the ring's starting capacity.
	InitialBufLen = 16 * ReadUnitSize

	// SpinSleep is how long either side sleeps when it finds the
	// ring in a state it can't make progress against.
	SpinSleep = 10 * time.Millisecond
)

// Buffer is an SPSC byte ring with one byte of capacity sacrificed
// to disambiguate the full and empty states.
type Buffer struct {
	mu      sync.Mutex
	data    []byte
	begin   int // consumer-owned; Reserve resets it to 0 only while the ring is empty
	end     int // producer-owned
	eof     bool
	errSlot error
}

// New allocates a ring with the default initial capacity.
func New() *Buffer {
	return &Buffer{data: make([]byte, InitialBufLen)}
}

// freeContiguousSpan returns the largest run of free bytes
// starting at end that the producer may write into without
// wrapping, and the total free span (wrapped or not).
func (b *Buffer) freeContiguousSpan() (contig, total int) {
	size := len(b.data)
	readable := (b.end - b.begin + size) % size
	total = size - readable - 1
	if b.end >= b.begin {
		contig = size - b.end
		if b.begin == 0 {
			// can't write right up to index 0 without
			// colliding with begin==end meaning "empty"
			contig--
		}
	} else {
		contig = b.begin - b.end - 1
	}
	if contig > total {
		contig = total
	}
	if contig < 0 {
		contig = 0
	}
	return contig, total
}

// Reserve blocks until at least ReadUnitSize contiguous bytes are
// free (growing the buffer first if its total size can't ever hold
// that much), then returns a slice of that region for the producer
// to fill directly. The caller must call Commit with the number of
// bytes actually written.
//
// Reserve returns ok=false if the ring has been finalized (EOF or
// error already recorded) and the producer must stop.
func (b *Buffer) Reserve(closed func() bool) (region []byte, ok bool) {
	for {
		b.mu.Lock()
		if b.eof || b.errSlot != nil {
			b.mu.Unlock()
			return nil, false
		}
		if len(b.data) < 4*ReadUnitSize {
			b.grow(4 * ReadUnitSize)
		}
		contig, _ := b.freeContiguousSpan()
		if contig < ReadUnitSize && b.begin == b.end {
			// empty ring whose end sits too close to the top of
			// the buffer: restart both indices at 0 so the whole
			// buffer is one contiguous free span again
			b.begin, b.end = 0, 0
			contig, _ = b.freeContiguousSpan()
		}
		if contig >= ReadUnitSize {
			region = b.data[b.end : b.end+contig]
			b.mu.Unlock()
			return region, true
		}
		b.mu.Unlock()
		if closed != nil && closed() {
			return nil, false
		}
		time.Sleep(SpinSleep)
	}
}

// grow reallocates the backing store so it can hold at least
// minCap bytes, rounding up to a multiple of ReadUnitSize, copying
// the live (unread) region linearly and resetting begin=0. Callers
// must hold b.mu.
func (b *Buffer) grow(minCap int) {
	newCap := ((minCap + ReadUnitSize - 1) / ReadUnitSize) * ReadUnitSize
	if newCap <= len(b.data) {
		return
	}
	size := len(b.data)
	readable := (b.end - b.begin + size) % size
	fresh := make([]byte, newCap)
	if b.end >= b.begin {
		copy(fresh, b.data[b.begin:b.end])
	} else {
		n := copy(fresh, b.data[b.begin:])
		copy(fresh[n:], b.data[:b.end])
	}
	b.data = fresh
	b.begin = 0
	b.end = readable
}

// Commit advances end by n bytes after the producer has filled
// the region returned by Reserve.
func (b *Buffer) Commit(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	size := len(b.data)
	b.end = (b.end + n) % size
}

// SetEOF marks the stream as exhausted; after all buffered bytes
// are drained, Read returns (0, io.EOF).
func (b *Buffer) SetEOF() {
	b.mu.Lock()
	b.eof = true
	b.mu.Unlock()
}

// SetErr records a terminal producer error. Once set, the consumer
// surfaces it (and stops reading) as soon as it is reached.
func (b *Buffer) SetErr(err error) {
	b.mu.Lock()
	if b.errSlot == nil {
		b.errSlot = err
	}
	b.mu.Unlock()
}

// Read copies exactly len(p) bytes into p, growing the backing store
// whenever its total size can't hold 4*len(p) bytes (so a single large
// engine read can always be satisfied without ever starving the
// producer goroutine of room to work ahead), and blocking via
// poll-sleep until the request is fully satisfied, eof is reached with
// nothing left buffered, or an error has been recorded.
//
// Read only returns short of len(p) at eof (the final partial read of
// the stream) or when errSlot is set but bytes precede it in the
// buffer; in the latter case the error itself is deferred to the next
// call, once those bytes have been drained. It returns (0, io.EOF) at
// clean end of stream once no bytes remain, matching the io.Reader
// convention (unlike the C driver's read(), whose caller distinguishes
// eof from a short count some other way).
func (b *Buffer) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	total := 0
	for total < len(p) {
		b.mu.Lock()
		if len(b.data) < 4*len(p) {
			b.grow(4 * len(p))
		}
		size := len(b.data)
		readable := (b.end - b.begin + size) % size
		if readable > 0 {
			n := readable
			if need := len(p) - total; n > need {
				n = need
			}
			dst := p[total:]
			if b.begin+n <= size {
				copy(dst, b.data[b.begin:b.begin+n])
			} else {
				k := copy(dst, b.data[b.begin:])
				copy(dst[k:], b.data[:n-k])
			}
			b.begin = (b.begin + n) % size
			total += n
			b.mu.Unlock()
			continue
		}
		if b.errSlot != nil {
			err := b.errSlot
			b.mu.Unlock()
			if total > 0 {
				return total, nil
			}
			return 0, err
		}
		if b.eof {
			b.mu.Unlock()
			if total > 0 {
				return total, nil
			}
			return 0, io.EOF
		}
		b.mu.Unlock()
		time.Sleep(SpinSleep)
	}
	return total, nil
}
