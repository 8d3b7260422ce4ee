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

// Package tableopt parses an external table's "oss://" URL and its
// whitespace-delimited option string, the way db.S3Resolver.Split
// parses "s3://bucket/rest" prefixes, but with a full key=value
// option grammar layered on top.
package tableopt

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	MiB = 1 << 20

	MinFlushBlockBytes = 1 * MiB
	MaxFlushBlockBytes = 128 * MiB
	MinFileMaxBytes    = 8 * MiB
	MaxFileMaxBytes    = 4000 * MiB
	MinPipeBlockBytes  = 8 * 1024
	MaxPipeBlockBytes  = 8 * MiB
	MinCompressThreads = 1
	MaxCompressThreads = 8
	MinCompressLevel   = 1
	MaxCompressLevel   = 9
)

// CompressionType selects whether import/export bytes pass through
// InflateDecoder/CompressWriter or flow uncompressed.
type CompressionType int

const (
	CompressionText CompressionType = iota
	CompressionGzip
)

// Table is the fully parsed, validated configuration for one
// external table invocation.
type Table struct {
	Endpoint string
	ID       string
	Key      string
	Bucket   string

	Filepath string
	Dir      string
	Prefix   string

	Compression CompressionType
	Async       bool

	// Export-only.
	Mode string // "" for import, "append" for export

	FlushBlockBytes int
	FileMaxBytes    int64
	CompressThreads int
	PipeBlockBytes  int
	CompressLevel   int

	MinSpeedBPS    int
	MinSpeedSecs   int
	DNSCacheTTL    time.Duration
	ConnectTimeout time.Duration
}

// InvalidConfigError reports a problem found while parsing or
// validating a table URL, before any network I/O is attempted.
type InvalidConfigError struct {
	Reason string
}

func (e *InvalidConfigError) Error() string {
	return "tableopt: invalid config: " + e.Reason
}

func invalid(format string, args ...any) error {
	return &InvalidConfigError{Reason: fmt.Sprintf(format, args...)}
}

// Parse splits a table URL of the form
// "oss://<endpoint> <key>=<value> <key>=<value> ..." (whitespace as
// the universal delimiter between the endpoint and every option)
// into a validated Table.
func Parse(url string) (*Table, error) {
	const scheme = "oss://"
	if !strings.HasPrefix(url, scheme) {
		return nil, invalid("URL %q missing %q scheme", url, scheme)
	}
	rest := url[len(scheme):]
	fields := strings.FieldsFunc(rest, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\r' || r == '\n'
	})
	if len(fields) == 0 {
		return nil, invalid("URL %q has no endpoint", url)
	}

	t := &Table{
		Endpoint:        fields[0],
		Async:           true,
		FlushBlockBytes: 64 * MiB,
		FileMaxBytes:    256 * MiB,
		CompressThreads: 4,
		PipeBlockBytes:  1 * MiB,
		CompressLevel:   6,
	}

	for _, field := range fields[1:] {
		k, v, ok := strings.Cut(field, "=")
		if !ok {
			return nil, invalid("option %q missing '='", field)
		}
		if err := t.set(k, v); err != nil {
			return nil, err
		}
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Table) set(key, value string) error {
	switch key {
	case "id":
		t.ID = value
	case "key":
		t.Key = value
	case "bucket":
		t.Bucket = value
	case "filepath":
		t.Filepath = value
	case "dir":
		t.Dir = value
	case "prefix":
		t.Prefix = value
	case "compressiontype":
		switch value {
		case "text":
			t.Compression = CompressionText
		case "gzip":
			t.Compression = CompressionGzip
		default:
			return invalid("compressiontype must be \"text\" or \"gzip\", got %q", value)
		}
	case "async":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return invalid("async must be a boolean, got %q", value)
		}
		t.Async = b
	case "mode":
		if value != "append" {
			return invalid("mode must be \"append\", got %q", value)
		}
		t.Mode = value
	case "oss_flush_block_size":
		n, err := parseMiB(value)
		if err != nil {
			return err
		}
		t.FlushBlockBytes = n
	case "oss_file_max_size":
		n, err := parseMiB(value)
		if err != nil {
			return err
		}
		t.FileMaxBytes = int64(n)
	case "num_parallel_worker":
		n, err := strconv.Atoi(value)
		if err != nil {
			return invalid("num_parallel_worker must be an integer, got %q", value)
		}
		t.CompressThreads = n
	case "pipe_block_size":
		n, err := strconv.Atoi(value)
		if err != nil {
			return invalid("pipe_block_size must be an integer, got %q", value)
		}
		t.PipeBlockBytes = n
	case "compressionlevel":
		n, err := strconv.Atoi(value)
		if err != nil {
			return invalid("compressionlevel must be an integer, got %q", value)
		}
		t.CompressLevel = n
	case "oss_speed_limit":
		n, err := strconv.Atoi(value)
		if err != nil {
			return invalid("oss_speed_limit must be an integer, got %q", value)
		}
		t.MinSpeedBPS = n
	case "oss_speed_time":
		// the original source reads "oss_speed_limit" twice,
		// leaving speed_time unsettable; this driver uses its
		// own distinct key rather than reproduce that defect.
		n, err := strconv.Atoi(value)
		if err != nil {
			return invalid("oss_speed_time must be an integer, got %q", value)
		}
		t.MinSpeedSecs = n
	case "oss_dns_cache_timeout":
		n, err := strconv.Atoi(value)
		if err != nil {
			return invalid("oss_dns_cache_timeout must be an integer, got %q", value)
		}
		t.DNSCacheTTL = time.Duration(n) * time.Second
	case "oss_connect_timeout":
		n, err := strconv.Atoi(value)
		if err != nil {
			return invalid("oss_connect_timeout must be an integer, got %q", value)
		}
		t.ConnectTimeout = time.Duration(n) * time.Second
	default:
		return invalid("unrecognized option %q", key)
	}
	return nil
}

func parseMiB(value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, invalid("expected an integer number of MiB, got %q", value)
	}
	return n * MiB, nil
}

func (t *Table) validate() error {
	if t.ID == "" || t.Key == "" || t.Bucket == "" {
		return invalid("id, key, and bucket are all required")
	}
	n := 0
	for _, s := range []string{t.Filepath, t.Dir, t.Prefix} {
		if s != "" {
			n++
		}
	}
	if n != 1 {
		return invalid("exactly one of filepath, dir, prefix must be set (got %d)", n)
	}
	if t.Dir != "" && !strings.HasSuffix(t.Dir, "/") {
		return invalid("dir %q must end with '/'", t.Dir)
	}
	if t.Mode != "" {
		if t.Filepath != "" {
			return invalid("writable tables require dir or prefix, not filepath")
		}
		if t.Dir != "" {
			// a dir value is normalized to an equivalent prefix
			t.Prefix = t.Dir
			t.Dir = ""
		}
	}
	if t.FlushBlockBytes < MinFlushBlockBytes || t.FlushBlockBytes > MaxFlushBlockBytes {
		return invalid("oss_flush_block_size out of range [1,128] MiB")
	}
	if t.FileMaxBytes < MinFileMaxBytes || t.FileMaxBytes > MaxFileMaxBytes {
		return invalid("oss_file_max_size out of range [8,4000] MiB")
	}
	if int64(t.FlushBlockBytes) > t.FileMaxBytes {
		return invalid("oss_flush_block_size must be <= oss_file_max_size")
	}
	if t.CompressThreads < MinCompressThreads || t.CompressThreads > MaxCompressThreads {
		return invalid("num_parallel_worker out of range [1,8]")
	}
	if t.PipeBlockBytes < MinPipeBlockBytes || t.PipeBlockBytes > MaxPipeBlockBytes {
		return invalid("pipe_block_size out of range [8KiB,8MiB]")
	}
	if t.CompressLevel < MinCompressLevel || t.CompressLevel > MaxCompressLevel {
		return invalid("compressionlevel out of range [1,9]")
	}
	return nil
}
