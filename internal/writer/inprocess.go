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

	"github.com/klauspost/compress/gzip"

	"github.com/sneller-oss/ossext/internal/ossclient"
)

// newInProcessPipeline is the in-process stand-in for startPipeline,
// used only by tests that can't rely on a real pigz binary being on
// PATH. It drives the same uploader loop as the subprocess path, over
// an in-memory io.Pipe instead of OS pipes, and compresses with
// klauspost/compress/gzip rather than forking anything. Production
// code never selects this path: see pipelineFactory's doc comment.
func newInProcessPipeline(c *ossclient.Client, key string, tuning ExportTuning) (*pipeline, error) {
	pr, pw := io.Pipe()
	gz, err := gzip.NewWriterLevel(pw, tuning.Level)
	if err != nil {
		return nil, fmt.Errorf("writer: in-process gzip writer: %w", err)
	}

	p := &pipeline{
		stdin:        &gzipStdin{gz: gz, pw: pw},
		key:          key,
		client:       c,
		wait:         func() error { return nil },
		drainStderr:  func() string { return "" },
		uploaderDone: make(chan error, 1),
	}
	go p.upload(pr, tuning.FlushBlockBytes)
	return p, nil
}

// gzipStdin adapts a gzip.Writer plus the io.PipeWriter it feeds into
// the single io.WriteCloser CompressWriter expects its pipeline's
// stdin field to be: closing it flushes and closes the gzip stream
// before closing the pipe, so the uploader goroutine reading the other
// end sees a clean io.EOF only once every byte has been flushed.
type gzipStdin struct {
	gz *gzip.Writer
	pw *io.PipeWriter
}

func (s *gzipStdin) Write(b []byte) (int, error) { return s.gz.Write(b) }

func (s *gzipStdin) Close() error {
	if err := s.gz.Close(); err != nil {
		s.pw.CloseWithError(err)
		return err
	}
	return s.pw.Close()
}
