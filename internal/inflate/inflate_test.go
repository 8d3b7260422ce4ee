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

package inflate

import (
	"bytes"
	"compress/zlib"
	"io"
	"testing"

	"github.com/klauspost/compress/gzip"
)

// multiUpstream hands out a sequence of pre-compressed byte slices,
// one per "object", matching the Upstream contract: Read drains the
// current object, NextObject advances (or returns io.EOF when done).
type multiUpstream struct {
	objects [][]byte
	pos     int
	off     int
}

func (u *multiUpstream) Read(p []byte) (int, error) {
	if u.pos >= len(u.objects) {
		return 0, io.EOF
	}
	cur := u.objects[u.pos]
	if u.off >= len(cur) {
		return 0, io.EOF
	}
	n := copy(p, cur[u.off:])
	u.off += n
	return n, nil
}

func (u *multiUpstream) NextObject() error {
	u.pos++
	u.off = 0
	if u.pos >= len(u.objects) {
		return io.EOF
	}
	return nil
}

func gzipBytes(t *testing.T, plain string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write([]byte(plain)); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func zlibBytes(t *testing.T, plain string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write([]byte(plain)); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// TestRollsAcrossObjectBoundary matches the spec's "GZIP import"
// scenario: two independently-framed gzip objects concatenate into
// one plaintext stream, read in small chunks.
func TestRollsAcrossObjectBoundary(t *testing.T) {
	up := &multiUpstream{objects: [][]byte{gzipBytes(t, "hello"), gzipBytes(t, "world")}}
	d := New(up)

	var got bytes.Buffer
	buf := make([]byte, 3)
	for {
		n, err := d.Pull(buf)
		got.Write(buf[:n])
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		if n == 0 {
			break
		}
	}
	if got.String() != "helloworld" {
		t.Fatalf("got %q, want %q", got.String(), "helloworld")
	}
}

func TestDetectsZlib(t *testing.T) {
	up := &multiUpstream{objects: [][]byte{zlibBytes(t, "abcxyz")}}
	d := New(up)

	out := make([]byte, 64)
	n, err := d.Pull(out)
	if err != nil && err != io.EOF {
		t.Fatalf("unexpected error: %s", err)
	}
	if string(out[:n]) != "abcxyz" {
		t.Fatalf("got %q", out[:n])
	}
	if d.Format() != FormatZlib {
		t.Fatalf("expected FormatZlib, got %v", d.Format())
	}
}

func TestBadMagic(t *testing.T) {
	up := &multiUpstream{objects: [][]byte{[]byte("not a compressed stream")}}
	d := New(up)
	_, err := d.Pull(make([]byte, 16))
	if err != ErrBadMagic {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}
}
