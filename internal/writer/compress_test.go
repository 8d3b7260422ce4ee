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
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"

	"github.com/sneller-oss/ossext/internal/ossauth"
	"github.com/sneller-oss/ossext/internal/ossclient"
)

// fakeAppendCollector serves HEAD (always 404, so CheckNotExists
// always passes) and POST ?append, concatenating the appended bytes
// per key in position order so a test can decompress and compare the
// whole object's content, not just its size.
type fakeAppendCollector struct {
	bodies map[string][]byte
}

func (f *fakeAppendCollector) handler(bucket string) http.HandlerFunc {
	prefix := "/" + bucket + "/"
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path[len(prefix):]
		switch r.Method {
		case http.MethodHead:
			w.WriteHeader(http.StatusNotFound)
		case http.MethodPost:
			body, _ := io.ReadAll(r.Body)
			f.bodies[key] = append(f.bodies[key], body...)
			w.Header().Set("x-oss-next-append-position", strconv.Itoa(len(f.bodies[key])))
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}
}

func newCompressTestClient(t *testing.T, f *fakeAppendCollector) *ossclient.Client {
	t.Helper()
	srv := httptest.NewServer(f.handler("bucket"))
	t.Cleanup(srv.Close)
	return &ossclient.Client{
		Key:    &ossauth.Key{Endpoint: srv.URL, AccessKeyID: "id", AccessKeySecret: "secret"},
		Bucket: "bucket",
	}
}

// useInProcessPipeline swaps pipelineFactory for the test duration, so
// these tests exercise CompressWriter's buffering/rollover/close logic
// without depending on a pigz binary being on PATH.
func useInProcessPipeline(t *testing.T) {
	t.Helper()
	prev := pipelineFactory
	pipelineFactory = newInProcessPipeline
	t.Cleanup(func() { pipelineFactory = prev })
}

func gunzip(t *testing.T, data []byte) []byte {
	t.Helper()
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("gzip.NewReader: %s", err)
	}
	out, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("reading gzip stream: %s", err)
	}
	return out
}

// TestCompressWriterGzipRoundTrip covers the spec's GZIP export
// round-trip scenario: rows written through CompressWriter arrive at
// OSS as a valid gzip stream whose decompressed content is exactly the
// concatenation of the rows, in order.
func TestCompressWriterGzipRoundTrip(t *testing.T) {
	useInProcessPipeline(t)
	f := &fakeAppendCollector{bodies: make(map[string][]byte)}
	c := newCompressTestClient(t, f)

	next := func() (string, error) { return "obj-0", nil }
	tuning := ExportTuning{Level: 6, PipeBlockBytes: 4096, FlushBlockBytes: 4096, FileMaxBytes: 1 << 20}
	w, err := NewCompressWriter(c, next, tuning)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	rows := [][]byte{[]byte("hello\n"), []byte("world\n"), []byte("a third row\n")}
	for _, row := range rows {
		if err := w.Write(row); err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	var want bytes.Buffer
	for _, row := range rows {
		want.Write(row)
	}
	got := gunzip(t, f.bodies["obj-0"])
	if !bytes.Equal(got, want.Bytes()) {
		t.Fatalf("got %q, want %q", got, want.Bytes())
	}
}

// TestCompressWriterRollover covers the rollover boundary for the
// compressed export path: once the current object's byte budget would
// be exceeded, CompressWriter must close out the current pipeline and
// open a fresh one against a new key, and every byte written must
// still show up in exactly one of the resulting objects.
func TestCompressWriterRollover(t *testing.T) {
	useInProcessPipeline(t)
	f := &fakeAppendCollector{bodies: make(map[string][]byte)}
	c := newCompressTestClient(t, f)

	names := []string{"obj-0", "obj-1", "obj-2"}
	fileIndex := 0
	next := func() (string, error) {
		name := names[fileIndex]
		fileIndex++
		return name, nil
	}
	tuning := ExportTuning{Level: 1, PipeBlockBytes: 64, FlushBlockBytes: 64, FileMaxBytes: 32}
	w, err := NewCompressWriter(c, next, tuning)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	var want bytes.Buffer
	for i := 0; i < 6; i++ {
		row := []byte(fmt.Sprintf("row-%d\n", i))
		if err := w.Write(row); err != nil {
			t.Fatalf("row %d: unexpected error: %s", i, err)
		}
		want.Write(row)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if fileIndex < 2 {
		t.Fatalf("expected at least one rollover, only opened %d object(s)", fileIndex)
	}

	var got bytes.Buffer
	for i := 0; i < fileIndex; i++ {
		body, ok := f.bodies[names[i]]
		if !ok || len(body) == 0 {
			t.Fatalf("object %q was never written", names[i])
		}
		got.Write(gunzip(t, body))
	}
	if !bytes.Equal(got.Bytes(), want.Bytes()) {
		t.Fatalf("got %q across %d object(s), want %q", got.Bytes(), fileIndex, want.Bytes())
	}
}

// TestCompressWriterChildCrash covers testable-properties scenario 6:
// when the compressor subprocess exits non-zero, the next pipeline
// teardown must fail with a KindChildProcessFailure error whose text
// includes the captured stderr, and must not hang waiting on the
// uploader or leak the child's pipes.
func TestCompressWriterChildCrash(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake compressor script requires a POSIX shell")
	}
	script := filepath.Join(t.TempDir(), "fake-pigz.sh")
	const stderrMsg = "synthetic compressor failure"
	contents := "#!/bin/sh\ncat >/dev/null\necho '" + stderrMsg + "' 1>&2\nexit 7\n"
	if err := os.WriteFile(script, []byte(contents), 0o755); err != nil {
		t.Fatalf("writing fake compressor script: %s", err)
	}

	f := &fakeAppendCollector{bodies: make(map[string][]byte)}
	c := newCompressTestClient(t, f)

	next := func() (string, error) { return "obj-0", nil }
	tuning := ExportTuning{
		CompressorPath:  script,
		Threads:         1,
		Level:           1,
		PipeBlockBytes:  4096,
		FlushBlockBytes: 4096,
		FileMaxBytes:    1 << 20,
	}
	w, err := NewCompressWriter(c, next, tuning)
	if err != nil {
		t.Fatalf("unexpected error starting pipeline: %s", err)
	}
	if err := w.Write([]byte("a row that will never be compressed\n")); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	err = w.Close()
	if err == nil {
		t.Fatal("expected an error from the crashed compressor")
	}
	if !ossclient.IsChildProcessFailure(err) {
		t.Fatalf("expected a ChildProcessFailure error, got %v", err)
	}
	if !strings.Contains(err.Error(), stderrMsg) {
		t.Fatalf("expected captured stderr %q in error, got %v", stderrMsg, err)
	}
}
