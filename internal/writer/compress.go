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
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"

	"github.com/sneller-oss/ossext/internal/ossclient"
)

// ErrUnsupportedPlatform is returned (wrapping a KindProtocolViolation
// ossclient.Error) when no compressor binary can be found, rather than
// falling back to an in-process goroutine-based deflate path. The
// in-process fallback in inprocess.go exists for tests only: it is
// never selected automatically, on any GOOS.
var ErrUnsupportedPlatform = ossclient.NewError("compress", ossclient.KindProtocolViolation,
	errors.New("no compressor binary available on this platform"))

// lookupCompressor resolves path via exec.LookPath, translating a
// failure to find it into ErrUnsupportedPlatform.
func lookupCompressor(path string) (string, error) {
	resolved, err := exec.LookPath(path)
	if err != nil {
		return "", fmt.Errorf("writer: resolving compressor %q: %w", path, ErrUnsupportedPlatform)
	}
	return resolved, nil
}

// ExportTuning carries the knobs CompressWriter needs to launch and
// bound the compressor subprocess and the upload buffering around it.
type ExportTuning struct {
	CompressorPath  string // e.g. "pigz"; resolved via exec.LookPath if not absolute
	Threads         int
	Level           int // 1-9
	PipeBlockBytes  int
	FlushBlockBytes int
	FileMaxBytes    int64
}

// CompressWriter drives rows through a forked compressor subprocess
// and appends its output to OSS. Unlike PlainWriter it never holds
// more than two FlushBlockBytes buffers of compressed output in
// memory regardless of the input compression ratio, because the
// uploader goroutine drains the compressor's stdout continuously
// rather than waiting for the whole object to finish compressing.
//
// Production code always forks a real compressor subprocess; the
// in-process fallback in inprocess.go is reachable only by overriding
// pipelineFactory, which tests do to avoid depending on a pigz binary,
// so behavior never silently differs between platforms in the field.
type CompressWriter struct {
	c      *ossclient.Client
	next   NextObject
	tuning ExportTuning

	currentKey string
	fileOffset int64

	block []byte // pipe_block_bytes accumulator, flushed to stdin

	pipeline *pipeline

	mu      sync.Mutex
	errSlot error
}

// NewCompressWriter opens the first export object and its compressor
// pipeline.
func NewCompressWriter(c *ossclient.Client, next NextObject, tuning ExportTuning) (*CompressWriter, error) {
	w := &CompressWriter{
		c:      c,
		next:   next,
		tuning: tuning,
		block:  make([]byte, 0, tuning.PipeBlockBytes),
	}
	key, err := next()
	if err != nil {
		return nil, fmt.Errorf("writer: opening first export object: %w", err)
	}
	w.currentKey = key
	p, err := pipelineFactory(c, key, tuning)
	if err != nil {
		return nil, err
	}
	w.pipeline = p
	return w, nil
}

func (w *CompressWriter) recordErr(err error) {
	w.mu.Lock()
	if w.errSlot == nil {
		w.errSlot = err
	}
	w.mu.Unlock()
}

func (w *CompressWriter) checkErr() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.errSlot
}

// Write buffers row into the in-memory block, draining the block to
// the compressor's stdin (and, if the current object's byte budget
// would be exceeded, rolling over to a fresh pipeline and object)
// as necessary.
func (w *CompressWriter) Write(row []byte) error {
	if err := w.checkErr(); err != nil {
		return err
	}
	if len(row) > w.tuning.PipeBlockBytes {
		return ossclient.NewError("Write", ossclient.KindOversizeRow,
			fmt.Errorf("row of %d bytes exceeds pipe_block_bytes=%d", len(row), w.tuning.PipeBlockBytes))
	}
	if w.fileOffset+int64(len(w.block)+len(row)) > w.tuning.FileMaxBytes {
		if err := w.drainBlock(); err != nil {
			return err
		}
		if err := w.rollover(); err != nil {
			return err
		}
	} else if len(w.block)+len(row) > w.tuning.PipeBlockBytes {
		if err := w.drainBlock(); err != nil {
			return err
		}
	}
	w.block = append(w.block, row...)
	return nil
}

func (w *CompressWriter) drainBlock() error {
	if len(w.block) == 0 {
		return nil
	}
	if _, err := w.pipeline.stdin.Write(w.block); err != nil {
		w.recordErr(fmt.Errorf("writer: writing to compressor stdin: %w", err))
		return w.errSlot
	}
	w.fileOffset += int64(len(w.block))
	w.block = w.block[:0]
	if err := w.checkErr(); err != nil {
		return err
	}
	return nil
}

func (w *CompressWriter) rollover() error {
	if err := w.pipeline.close(); err != nil {
		return err
	}
	key, err := w.next()
	if err != nil {
		return fmt.Errorf("writer: rolling over export object: %w", err)
	}
	w.currentKey = key
	w.fileOffset = 0
	p, err := pipelineFactory(w.c, key, w.tuning)
	if err != nil {
		return err
	}
	w.pipeline = p
	return nil
}

// Close drains any remaining buffered bytes and tears down the
// compressor pipeline.
func (w *CompressWriter) Close() error {
	err := w.checkErr()
	if err == nil {
		err = w.drainBlock()
	}
	if cerr := w.pipeline.close(); err == nil {
		err = cerr
	}
	return err
}

// pipeline owns one compressor worker (a forked subprocess in
// production, or the in-process fallback in inprocess.go under test)
// and its uploader goroutine. It is torn down and re-created on every
// object rollover.
type pipeline struct {
	stdin  io.WriteCloser
	key    string
	client *ossclient.Client

	// wait blocks until the worker has finished and reports
	// whether it failed.
	wait func() error
	// drainStderr returns (and releases) whatever diagnostic text
	// the worker produced, regardless of whether it failed; it is
	// always called exactly once, from close.
	drainStderr func() string

	uploaderDone chan error
}

// pipelineFactory opens a pipeline for the next export object.
// Production code always uses startPipeline; tests that can't fork a
// real pigz binary point it at newInProcessPipeline instead (see
// inprocess.go).
var pipelineFactory = startPipeline

// startPipeline forks the compressor, wires its three standard
// streams through OS pipes (via newPipe, platform-specific — see
// pipeline_unix.go — rather than the plainer os.Pipe so CLOEXEC is set
// atomically rather than racing a concurrent fork in another
// goroutine), and starts the uploader goroutine that drains stdout
// into OSS appends.
func startPipeline(c *ossclient.Client, key string, tuning ExportTuning) (*pipeline, error) {
	path := tuning.CompressorPath
	if path == "" {
		path = "pigz"
	}
	resolved, err := lookupCompressor(path)
	if err != nil {
		return nil, err
	}

	stdinR, stdinW, err := newPipe()
	if err != nil {
		return nil, fmt.Errorf("writer: creating stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := newPipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return nil, fmt.Errorf("writer: creating stdout pipe: %w", err)
	}
	stderrR, stderrW, err := newPipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("writer: creating stderr pipe: %w", err)
	}

	args := []string{"-p", strconv.Itoa(tuning.Threads), "-" + strconv.Itoa(tuning.Level), "-f"}
	cmd := exec.Command(resolved, args...)
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return nil, fmt.Errorf("writer: starting compressor %q: %w", resolved, err)
	}
	// parent closes the child-side ends
	stdinR.Close()
	stdoutW.Close()
	stderrW.Close()

	p := &pipeline{
		stdin:        stdinW,
		key:          key,
		client:       c,
		wait:         cmd.Wait,
		uploaderDone: make(chan error, 1),
	}
	p.drainStderr = func() string {
		msg := make([]byte, maxStderrCapture)
		n, _ := stderrR.Read(msg)
		stderrR.Close()
		return string(msg[:n])
	}
	go p.upload(stdoutR, tuning.FlushBlockBytes)
	return p, nil
}

// upload drains the compressor's stdout, accumulating into a
// flushBlockBytes buffer that is appended to OSS whenever it would
// otherwise overflow, so memory use never grows with the object's
// total compressed size.
func (p *pipeline) upload(stdout io.ReadCloser, flushBlockBytes int) {
	acc := make([]byte, 0, flushBlockBytes)
	scratch := make([]byte, flushBlockBytes)
	var offset int64
	var uploadErr error

loop:
	for {
		n, err := stdout.Read(scratch)
		if n > 0 {
			if len(acc)+n > flushBlockBytes {
				if _, aerr := p.client.Append(p.key, offset, acc); aerr != nil {
					uploadErr = fmt.Errorf("writer: uploading compressed block: %w", aerr)
					break loop
				}
				offset += int64(len(acc))
				acc = acc[:0]
			}
			acc = append(acc, scratch[:n]...)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			uploadErr = fmt.Errorf("writer: reading compressor stdout: %w", err)
			break
		}
	}
	stdout.Close()
	if uploadErr == nil && len(acc) > 0 {
		if _, aerr := p.client.Append(p.key, offset, acc); aerr != nil {
			uploadErr = fmt.Errorf("writer: uploading final compressed block: %w", aerr)
		}
	}
	p.uploaderDone <- uploadErr
}

const maxStderrCapture = 1024 // cap on captured diagnostic text

// close shuts the pipeline down: close stdin (signaling the
// worker to finish), wait for it, and join the uploader. A worker
// failure is returned as a KindChildProcessFailure error carrying its
// stderr text when there is any; otherwise an uploader error is
// returned as is.
func (p *pipeline) close() error {
	if err := p.stdin.Close(); err != nil {
		return fmt.Errorf("writer: closing compressor stdin: %w", err)
	}
	waitErr := p.wait()
	uploadErr := <-p.uploaderDone
	tail := p.drainStderr()
	if waitErr != nil {
		if tail != "" {
			return ossclient.NewError("compress", ossclient.KindChildProcessFailure, fmt.Errorf("%s", tail))
		}
		return ossclient.NewError("compress", ossclient.KindChildProcessFailure, waitErr)
	}
	if uploadErr != nil {
		return uploadErr
	}
	return nil
}
