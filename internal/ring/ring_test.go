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

package ring

import (
	"bytes"
	"errors"
	"io"
	"math/rand"
	"testing"
)

// TestConservation checks that every byte a producer writes comes
// back out through Read, in order, regardless of chunk sizing on
// either side.
func TestConservation(t *testing.T) {
	b := New()
	want := make([]byte, 3*InitialBufLen+12345)
	rand.New(rand.NewSource(1)).Read(want)

	go func() {
		src := want
		for len(src) > 0 {
			region, ok := b.Reserve(nil)
			if !ok {
				return
			}
			n := len(region)
			if n > len(src) {
				n = len(src)
			}
			copy(region, src[:n])
			b.Commit(n)
			src = src[n:]
		}
		b.SetEOF()
	}()

	var got bytes.Buffer
	buf := make([]byte, 97) // deliberately not aligned to ReadUnitSize
	for {
		n, err := b.Read(buf)
		got.Write(buf[:n])
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
	}
	if !bytes.Equal(got.Bytes(), want) {
		t.Fatalf("got %d bytes, want %d bytes (content mismatch)", got.Len(), len(want))
	}
}

// TestReadFillsRequestExactly checks that Read loops internally to
// satisfy the caller's full request in one call rather than returning
// as soon as any bytes are available, as long as the producer
// eventually supplies enough bytes.
func TestReadFillsRequestExactly(t *testing.T) {
	b := New()
	want := make([]byte, 5*ReadUnitSize+13)
	rand.New(rand.NewSource(2)).Read(want)

	go func() {
		src := want
		for len(src) > 0 {
			region, ok := b.Reserve(nil)
			if !ok {
				return
			}
			n := len(region)
			if n > len(src) {
				n = len(src)
			}
			copy(region, src[:n])
			b.Commit(n)
			src = src[n:]
		}
		b.SetEOF()
	}()

	got := make([]byte, len(want))
	n, err := b.Read(got)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if n != len(want) {
		t.Fatalf("got %d bytes in one call, want %d", n, len(want))
	}
	if !bytes.Equal(got, want) {
		t.Fatal("content mismatch")
	}
	if _, err := b.Read(make([]byte, 1)); err != io.EOF {
		t.Fatalf("expected io.EOF after full drain, got %v", err)
	}
}

// TestReadGrowsFor4N checks the spec's "grow whenever size < 4n"
// guarantee directly against the buffer's internal state: a request
// larger than 1/4 of the current capacity must force a grow so the
// whole request can eventually be satisfied without starving the
// producer of room to work ahead.
func TestReadGrowsFor4N(t *testing.T) {
	b := &Buffer{data: make([]byte, 8)}
	b.data[0] = 'h'
	b.end = 1
	b.eof = true

	p := make([]byte, 100)
	n, err := b.Read(p)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if n != 1 || p[0] != 'h' {
		t.Fatalf("got n=%d p[0]=%q, want the single buffered byte", n, p[0])
	}
	if len(b.data) < 4*len(p) {
		t.Fatalf("buffer did not grow to 4n: len=%d, want >= %d", len(b.data), 4*len(p))
	}
}

// TestErrSurfaced checks that a producer-recorded error is
// eventually observed by the consumer once buffered bytes are
// drained.
func TestErrSurfaced(t *testing.T) {
	b := New()
	sentinel := errors.New("boom")

	go func() {
		region, ok := b.Reserve(nil)
		if !ok {
			return
		}
		copy(region, []byte("hello"))
		b.Commit(5)
		b.SetErr(sentinel)
	}()

	buf := make([]byte, 5)
	n, err := b.Read(buf)
	if err != nil || n != 5 {
		t.Fatalf("expected to drain buffered bytes first, got n=%d err=%v", n, err)
	}
	_, err = b.Read(buf)
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
}

// TestReserveStopsOnClosed checks that Reserve's closed callback lets
// a producer goroutine exit promptly when told to stop, even if
// nothing has drained the ring.
func TestReserveStopsOnClosed(t *testing.T) {
	b := New()
	// fill the ring so there's no contiguous ReadUnitSize span left
	region, ok := b.Reserve(nil)
	if !ok {
		t.Fatal("expected initial reserve to succeed")
	}
	b.Commit(len(region))

	stop := make(chan struct{})
	close(stop)
	_, ok = b.Reserve(func() bool {
		select {
		case <-stop:
			return true
		default:
			return false
		}
	})
	if ok {
		t.Fatal("expected Reserve to report closed")
	}
}

var _ io.Reader = (*Buffer)(nil)
