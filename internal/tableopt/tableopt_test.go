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

package tableopt

import (
	"errors"
	"testing"
)

func TestParseBasic(t *testing.T) {
	url := "oss://oss-cn-hangzhou.aliyuncs.com id=AK key=SK bucket=mybucket dir=data/ compressiontype=gzip async=false"
	tb, err := Parse(url)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if tb.Endpoint != "oss-cn-hangzhou.aliyuncs.com" {
		t.Errorf("endpoint = %q", tb.Endpoint)
	}
	if tb.Dir != "data/" {
		t.Errorf("dir = %q", tb.Dir)
	}
	if tb.Compression != CompressionGzip {
		t.Errorf("expected gzip compression")
	}
	if tb.Async {
		t.Errorf("expected async=false to stick")
	}
}

func TestParseMutuallyExclusiveSource(t *testing.T) {
	url := "oss://ep id=a key=b bucket=c dir=d/ prefix=e"
	_, err := Parse(url)
	var cfgErr *InvalidConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected InvalidConfigError, got %v", err)
	}
}

func TestParseDirRequiresTrailingSlash(t *testing.T) {
	url := "oss://ep id=a key=b bucket=c dir=data"
	_, err := Parse(url)
	if err == nil {
		t.Fatal("expected an error for a dir without trailing slash")
	}
}

func TestExportModeNormalizesDirToPrefix(t *testing.T) {
	url := "oss://ep id=a key=b bucket=c dir=data/ mode=append"
	tb, err := Parse(url)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if tb.Prefix != "data/" || tb.Dir != "" {
		t.Fatalf("expected dir to be normalized to prefix, got dir=%q prefix=%q", tb.Dir, tb.Prefix)
	}
}

func TestExportModeRejectsFilepath(t *testing.T) {
	url := "oss://ep id=a key=b bucket=c filepath=p mode=append"
	_, err := Parse(url)
	if err == nil {
		t.Fatal("expected an error: writable tables require dir or prefix")
	}
}

// TestSpeedTimeIsItsOwnKey guards against reproducing the original
// driver's bug of reading "oss_speed_limit" for both the speed limit
// and the speed-time window: the two must be independently settable.
func TestSpeedTimeIsItsOwnKey(t *testing.T) {
	url := "oss://ep id=a key=b bucket=c filepath=p oss_speed_limit=1000 oss_speed_time=30"
	tb, err := Parse(url)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if tb.MinSpeedBPS != 1000 {
		t.Errorf("MinSpeedBPS = %d, want 1000", tb.MinSpeedBPS)
	}
	if tb.MinSpeedSecs != 30 {
		t.Errorf("MinSpeedSecs = %d, want 30", tb.MinSpeedSecs)
	}
}

func TestFlushBlockMustNotExceedFileMax(t *testing.T) {
	url := "oss://ep id=a key=b bucket=c filepath=p oss_flush_block_size=100 oss_file_max_size=50"
	_, err := Parse(url)
	if err == nil {
		t.Fatal("expected an error: flush block exceeds file max")
	}
}

func TestUnrecognizedOption(t *testing.T) {
	url := "oss://ep id=a key=b bucket=c filepath=p bogus=1"
	_, err := Parse(url)
	if err == nil {
		t.Fatal("expected an error for an unrecognized option")
	}
}
