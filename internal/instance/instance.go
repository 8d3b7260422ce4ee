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

// Package instance ties the request-level driver, planner, readers,
// and writers together into one per-session TableInstance, and
// exposes the thin ExternalTableAdapter façade an engine callback ABI
// would sit behind. The core never imports the engine's own types;
// everything it needs crosses the boundary as plain values.
package instance

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sneller-oss/ossext/internal/ossauth"
	"github.com/sneller-oss/ossext/internal/ossclient"
	"github.com/sneller-oss/ossext/internal/planner"
	"github.com/sneller-oss/ossext/internal/reader"
	"github.com/sneller-oss/ossext/internal/tableopt"
	"github.com/sneller-oss/ossext/internal/writer"
)

// Mode distinguishes an import instance from an export instance.
type Mode int

const (
	ModeImport Mode = iota
	ModeExport
)

// Stats accumulates the counters an engine typically wants to report
// back once an instance finishes.
type Stats struct {
	Rows    int64
	Bytes   int64
	FlushMS int64
}

// readCloser is the minimal surface both SyncReader (wrapped in
// noopCloser) and AsyncReader satisfy.
type readCloser interface {
	io.Reader
	io.Closer
}

type noopCloser struct{ io.Reader }

func (noopCloser) Close() error { return nil }

// rowWriter is the minimal surface both PlainWriter and
// CompressWriter satisfy.
type rowWriter interface {
	Write(row []byte) error
	Close() error
}

// TableInstance owns every per-session resource for one external
// table invocation: the planned object list, the request-level
// client, and either a reader or a writer. ID is a random diagnostic
// identifier, useful for correlating log lines across the
// background goroutines it may own.
type TableInstance struct {
	ID    uuid.UUID
	Mode  Mode
	Table *tableopt.Table

	mu       sync.Mutex
	errSlot  error
	stats    Stats
	start    time.Time

	client *ossclient.Client
	rd     readCloser
	wr     rowWriter
}

// Open parses url, builds the request-level client and, depending on
// table.Mode, either plans and opens the import reader or opens the
// first export object and writer pipeline.
func Open(url string, identity planner.Identity, startMicros int64) (*TableInstance, error) {
	table, err := tableopt.Parse(url)
	if err != nil {
		return nil, err
	}
	key, err := ossauth.AmbientKey()
	if err != nil {
		// fall back to the URL-supplied credentials; AmbientKey is
		// a convenience, not the only credential source
		key = &ossauth.Key{Endpoint: table.Endpoint, AccessKeyID: table.ID, AccessKeySecret: table.Key}
	}
	if key.Endpoint == "" {
		key.Endpoint = table.Endpoint
	}
	client := &ossclient.Client{Key: key, Bucket: table.Bucket}

	inst := &TableInstance{
		ID:     uuid.New(),
		Table:  table,
		client: client,
		start:  time.Now(),
	}

	if table.Mode == "append" {
		inst.Mode = ModeExport
		if err := inst.openWriter(identity, startMicros); err != nil {
			return nil, err
		}
		return inst, nil
	}

	inst.Mode = ModeImport
	if err := inst.openReader(identity); err != nil {
		return nil, err
	}
	return inst, nil
}

func (inst *TableInstance) openReader(identity planner.Identity) error {
	src := planner.Source{Dir: inst.Table.Dir, Prefix: inst.Table.Prefix, Path: inst.Table.Filepath}
	refs, err := planner.Plan(inst.client, src, identity)
	if err != nil {
		return err
	}
	objSrc := reader.NewObjectSource(refs)
	gzip := inst.Table.Compression == tableopt.CompressionGzip
	if inst.Table.Async {
		inst.rd = reader.NewAsyncReader(inst.client, objSrc, gzip)
	} else {
		inst.rd = noopCloser{reader.NewSyncReader(inst.client, objSrc, gzip)}
	}
	return nil
}

func (inst *TableInstance) openWriter(identity planner.Identity, startMicros int64) error {
	fileIndex := 0
	next := func() (string, error) {
		key := planner.ExportName("", inst.Table.Prefix, startMicros, fileIndex, identity)
		if err := planner.CheckNotExists(inst.client, key); err != nil {
			return "", err
		}
		fileIndex++
		return key, nil
	}

	if inst.Table.Compression == tableopt.CompressionGzip {
		tuning := writer.ExportTuning{
			CompressorPath:  "pigz",
			Threads:         inst.Table.CompressThreads,
			Level:           inst.Table.CompressLevel,
			PipeBlockBytes:  inst.Table.PipeBlockBytes,
			FlushBlockBytes: inst.Table.FlushBlockBytes,
			FileMaxBytes:    inst.Table.FileMaxBytes,
		}
		cw, err := writer.NewCompressWriter(inst.client, next, tuning)
		if err != nil {
			return err
		}
		inst.wr = cw
		return nil
	}

	pw, err := writer.NewPlainWriter(inst.client, next, inst.Table.FlushBlockBytes, inst.Table.FileMaxBytes)
	if err != nil {
		return err
	}
	inst.wr = pw
	return nil
}

// recordErr is called by foreground callers; background goroutines
// inside reader.AsyncReader and writer.CompressWriter keep their own
// error slots and surface them through Read/Write/Close returns.
func (inst *TableInstance) recordErr(err error) {
	inst.mu.Lock()
	if inst.errSlot == nil {
		inst.errSlot = err
	}
	inst.mu.Unlock()
}

// Err returns the first error recorded against this instance, or nil.
func (inst *TableInstance) Err() error {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.errSlot
}

// Read services one engine read call during import.
func (inst *TableInstance) Read(p []byte) (int, error) {
	if inst.Mode != ModeImport {
		return 0, fmt.Errorf("instance: Read called on a %v instance", inst.Mode)
	}
	if err := inst.Err(); err != nil {
		return 0, err
	}
	n, err := inst.rd.Read(p)
	if err != nil && err != io.EOF {
		inst.recordErr(err)
	}
	inst.mu.Lock()
	inst.stats.Bytes += int64(n)
	inst.mu.Unlock()
	return n, err
}

// WriteRow services one engine row during export.
func (inst *TableInstance) WriteRow(row []byte) error {
	if inst.Mode != ModeExport {
		return fmt.Errorf("instance: WriteRow called on a %v instance", inst.Mode)
	}
	if err := inst.Err(); err != nil {
		return err
	}
	if err := inst.wr.Write(row); err != nil {
		inst.recordErr(err)
		return err
	}
	inst.mu.Lock()
	inst.stats.Rows++
	inst.stats.Bytes += int64(len(row))
	inst.mu.Unlock()
	return nil
}

// Stats reports the instance's running counters.
func (inst *TableInstance) Stats() Stats {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	s := inst.stats
	s.FlushMS = time.Since(inst.start).Milliseconds()
	return s
}

// Close releases every resource the instance owns: the background
// reader goroutine (if any) is signaled and joined, or the writer's
// compressor subprocess is reaped and its pipes closed. Close is
// idempotent and safe to call after a failure has already been
// recorded.
func (inst *TableInstance) Close() error {
	var closeErr error
	if inst.rd != nil {
		if err := inst.rd.Close(); err != nil && closeErr == nil {
			closeErr = err
		}
		inst.rd = nil
	}
	if inst.wr != nil {
		if err := inst.wr.Close(); err != nil && closeErr == nil {
			closeErr = err
		}
		inst.wr = nil
	}
	return closeErr
}

func (m Mode) String() string {
	if m == ModeExport {
		return "export"
	}
	return "import"
}
