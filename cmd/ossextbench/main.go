// Copyright (C) 2023 Sneller, Inc.
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

// Command ossextbench drives the storage bridge against a real
// OSS-compatible endpoint outside of the query engine, for manual
// throughput testing and reproduction of reported issues.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"sigs.k8s.io/yaml"

	"github.com/sneller-oss/ossext/internal/instance"
	"github.com/sneller-oss/ossext/internal/planner"
)

func fatalf(f string, args ...any) {
	fmt.Fprintf(os.Stderr, f+"\n", args...)
	os.Exit(1)
}

// Scenario describes one benchmark run, loaded from a YAML file so
// runs are reproducible and diffable in version control.
type Scenario struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	SegIndex int    `json:"seg_index"`
	SegCount int    `json:"seg_count"`
	// RowBytes is only used for export scenarios: rows of this
	// size are synthesized and written until RowCount is reached.
	RowBytes int `json:"row_bytes"`
	RowCount int `json:"row_count"`
}

func loadScenario(path string) (*Scenario, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario file: %w", err)
	}
	var s Scenario
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("parsing scenario file: %w", err)
	}
	if s.SegCount == 0 {
		s.SegCount = 1
	}
	return &s, nil
}

func main() {
	scenarioPath := flag.String("scenario", "", "path to a YAML scenario file")
	flag.Parse()
	if *scenarioPath == "" {
		fatalf("usage: ossextbench -scenario <file.yaml>")
	}

	s, err := loadScenario(*scenarioPath)
	if err != nil {
		fatalf("%s", err)
	}

	identity := planner.Identity{SegIndex: s.SegIndex, SegCount: s.SegCount}
	startMicros := time.Now().UnixMicro()

	inst, err := instance.Open(s.URL, identity, startMicros)
	if err != nil {
		fatalf("opening %q: %s", s.Name, err)
	}
	defer inst.Close()

	start := time.Now()
	switch inst.Mode {
	case instance.ModeImport:
		runImport(inst)
	case instance.ModeExport:
		runExport(inst, s)
	}
	elapsed := time.Since(start)

	stats := inst.Stats()
	fmt.Printf("%s: %d rows, %d bytes in %s\n", s.Name, stats.Rows, stats.Bytes, elapsed)
	if err := inst.Err(); err != nil {
		fatalf("%s", err)
	}
}

func runImport(inst *instance.TableInstance) {
	buf := make([]byte, 1<<20)
	for {
		n, err := inst.Read(buf)
		if n > 0 {
			// discarded: this benchmark only measures throughput
		}
		if err == io.EOF {
			return
		}
		if err != nil {
			fatalf("reading: %s", err)
		}
	}
}

func runExport(inst *instance.TableInstance, s *Scenario) {
	row := make([]byte, s.RowBytes)
	for i := 0; i < s.RowCount; i++ {
		if err := inst.WriteRow(row); err != nil {
			fatalf("writing row %d: %s", i, err)
		}
	}
}
