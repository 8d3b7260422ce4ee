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

// Package inflate implements a streaming decompressor that
// auto-detects GZIP vs ZLIB framing (the OSS_INFLATE_WINDOWSBITS
// "MAX_WBITS+32" trick from the C driver this package replaces) and
// transparently rolls across object boundaries: when the current
// upstream object is exhausted the decoder asks for the next one and
// re-synchronizes its inflate state rather than surfacing EOF.
package inflate

import (
	"bufio"
	"compress/zlib"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// DefaultChunkSize matches OSS_ZIP_DEFAULT_CHUNKSIZE.
const DefaultChunkSize = 2 << 20 // 2 MiB

// Upstream supplies the compressed byte stream, one object at a
// time. NextObject is called when the current object's bytes are
// exhausted; it returns io.EOF once there are no more objects.
type Upstream interface {
	io.Reader
	NextObject() error
}

// Format identifies the detected compression framing.
type Format int

const (
	FormatUnknown Format = iota
	FormatGzip
	FormatZlib
)

func (f Format) String() string {
	switch f {
	case FormatGzip:
		return "gzip"
	case FormatZlib:
		return "zlib"
	default:
		return "unknown"
	}
}

// ErrBadMagic is returned when the first bytes of an object match
// neither the GZIP nor the ZLIB magic header.
var ErrBadMagic = errors.New("inflate: unrecognized compression header")

// Decoder pulls compressed bytes from an Upstream and exposes the
// decompressed stream through Pull. It is not safe for concurrent use.
type Decoder struct {
	up        Upstream
	chunkSize int

	br     *bufio.Reader // wraps up, reset per object
	zr     io.ReadCloser // current object's decompressor
	format Format
}

// New creates a Decoder with the default chunk size.
func New(up Upstream) *Decoder {
	return &Decoder{up: up, chunkSize: DefaultChunkSize}
}

// Format reports the compression format detected for the object
// currently being read, once Pull has been called at least once.
func (d *Decoder) Format() Format { return d.format }

func (d *Decoder) openObject() error {
	if d.br == nil {
		d.br = bufio.NewReaderSize(d.up, d.chunkSize)
	} else {
		d.br.Reset(d.up)
	}
	magic, err := d.br.Peek(2)
	if err != nil {
		return err
	}
	switch {
	case magic[0] == 0x1f && magic[1] == 0x8b:
		d.format = FormatGzip
		zr, err := gzip.NewReader(d.br)
		if err != nil {
			return fmt.Errorf("inflate: opening gzip stream: %w", err)
		}
		d.zr = zr
	case magic[0] == 0x78 && (magic[1] == 0x01 || magic[1] == 0x9c || magic[1] == 0xda || magic[1] == 0x5e):
		d.format = FormatZlib
		zr, err := zlib.NewReader(d.br)
		if err != nil {
			return fmt.Errorf("inflate: opening zlib stream: %w", err)
		}
		d.zr = zr
	default:
		return ErrBadMagic
	}
	return nil
}

// Pull fills dst with up to len(dst) decompressed bytes, pulling as
// many upstream objects as necessary (calling Upstream.NextObject and
// re-initializing the inflate state at each boundary). It returns
// io.EOF only once Upstream.NextObject itself returns io.EOF with no
// bytes copied.
func (d *Decoder) Pull(dst []byte) (int, error) {
	total := 0
	for total < len(dst) {
		if d.zr == nil {
			if err := d.openObject(); err != nil {
				return total, err
			}
		}
		n, err := d.zr.Read(dst[total:])
		total += n
		if err == nil {
			continue
		}
		if err != io.EOF {
			return total, fmt.Errorf("inflate: %s stream: %w", d.format, err)
		}
		d.zr.Close()
		d.zr = nil
		if nerr := d.up.NextObject(); nerr != nil {
			if nerr == io.EOF {
				if total > 0 {
					return total, nil
				}
				return 0, io.EOF
			}
			return total, nerr
		}
	}
	return total, nil
}
