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

package writer

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sneller-oss/ossext/internal/ossauth"
	"github.com/sneller-oss/ossext/internal/ossclient"
)

// fakeAppendOnly serves HEAD (always 404, so CheckNotExists always
// passes) and POST ?append, tracking object sizes so a test can
// assert the rollover boundaries the spec's "Plain export" scenario
// names.
type fakeAppendOnly struct {
	sizes map[string]int
}

func (f *fakeAppendOnly) handler(bucket string) http.HandlerFunc {
	prefix := "/" + bucket + "/"
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path[len(prefix):]
		switch r.Method {
		case http.MethodHead:
			w.WriteHeader(http.StatusNotFound)
		case http.MethodPost:
			body, _ := io.ReadAll(r.Body)
			f.sizes[key] += len(body)
			w.Header().Set("x-oss-next-append-position", fmt.Sprint(f.sizes[key]))
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}
}

func TestPlainWriterRollover(t *testing.T) {
	f := &fakeAppendOnly{sizes: make(map[string]int)}
	srv := httptest.NewServer(f.handler("bucket"))
	t.Cleanup(srv.Close)
	c := &ossclient.Client{
		Key:    &ossauth.Key{Endpoint: srv.URL, AccessKeyID: "id", AccessKeySecret: "secret"},
		Bucket: "bucket",
	}

	const MiB = 1 << 20
	fileIndex := 0
	names := []string{"obj-0", "obj-1"}
	next := func() (string, error) {
		name := names[fileIndex]
		fileIndex++
		return name, nil
	}

	w, err := NewPlainWriter(c, next, 5*MiB, 8*MiB)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	row := make([]byte, 4*MiB)
	for i := 0; i < 3; i++ {
		if err := w.Write(row); err != nil {
			t.Fatalf("row %d: unexpected error: %s", i, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if f.sizes["obj-0"] != 8*MiB {
		t.Errorf("obj-0 size = %d, want %d", f.sizes["obj-0"], 8*MiB)
	}
	if f.sizes["obj-1"] != 4*MiB {
		t.Errorf("obj-1 size = %d, want %d", f.sizes["obj-1"], 4*MiB)
	}
}

func TestPlainWriterRejectsOversizeRow(t *testing.T) {
	f := &fakeAppendOnly{sizes: make(map[string]int)}
	srv := httptest.NewServer(f.handler("bucket"))
	t.Cleanup(srv.Close)
	c := &ossclient.Client{
		Key:    &ossauth.Key{Endpoint: srv.URL, AccessKeyID: "id", AccessKeySecret: "secret"},
		Bucket: "bucket",
	}

	next := func() (string, error) { return "obj", nil }
	w, err := NewPlainWriter(c, next, 1024, 1<<20)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if err := w.Write(make([]byte, 1025)); err == nil {
		t.Fatal("expected an oversize-row error")
	}
}
