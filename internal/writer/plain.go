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

// Package writer implements the two export-side writers: PlainWriter,
// a buffered appender with object rollover, and CompressWriter, the
// subprocess-backed compression pipeline built around it.
package writer

import (
	"fmt"

	"github.com/sneller-oss/ossext/internal/ossclient"
)

// NextObject is supplied by the caller (normally internal/planner)
// to name and pre-validate the next export target whenever a writer
// rolls over to a new object.
type NextObject func() (key string, err error)

// PlainWriter buffers rows and periodically appends the accumulated
// block to the current export object, rolling over to a new object
// once the running file offset would exceed FileMaxBytes.
type PlainWriter struct {
	c       *ossclient.Client
	next    NextObject
	flushAt int
	maxFile int64

	currentKey string
	fileOffset int64
	buf        []byte
}

// NewPlainWriter creates a PlainWriter that flushes every flushBlockBytes
// and rolls to a new object before exceeding fileMaxBytes.
func NewPlainWriter(c *ossclient.Client, next NextObject, flushBlockBytes int, fileMaxBytes int64) (*PlainWriter, error) {
	key, err := next()
	if err != nil {
		return nil, fmt.Errorf("writer: opening first export object: %w", err)
	}
	return &PlainWriter{
		c:          c,
		next:       next,
		flushAt:    flushBlockBytes,
		maxFile:    fileMaxBytes,
		currentKey: key,
		buf:        make([]byte, 0, flushBlockBytes),
	}, nil
}

// Write buffers row, flushing the current block first if row would
// not otherwise fit. Rows larger than the flush block are rejected:
// the caller must raise flush_block_bytes.
func (w *PlainWriter) Write(row []byte) error {
	if len(row) > w.flushAt {
		return fmt.Errorf("writer: row of %d bytes exceeds flush_block_bytes=%d", len(row), w.flushAt)
	}
	if len(w.buf)+len(row) > w.flushAt {
		if err := w.Flush(); err != nil {
			return err
		}
	}
	w.buf = append(w.buf, row...)
	return nil
}

// Flush appends the buffered block to the current export object,
// rolling over to a fresh object first if the append would exceed
// FileMaxBytes.
func (w *PlainWriter) Flush() error {
	if len(w.buf) == 0 {
		return nil
	}
	if w.fileOffset+int64(len(w.buf)) > w.maxFile {
		key, err := w.next()
		if err != nil {
			return fmt.Errorf("writer: rolling over export object: %w", err)
		}
		w.currentKey = key
		w.fileOffset = 0
	}
	if _, err := w.c.Append(w.currentKey, w.fileOffset, w.buf); err != nil {
		return fmt.Errorf("writer: appending to %q at offset %d: %w", w.currentKey, w.fileOffset, err)
	}
	w.fileOffset += int64(len(w.buf))
	w.buf = w.buf[:0]
	return nil
}

// Close performs the final flush.
func (w *PlainWriter) Close() error {
	return w.Flush()
}
