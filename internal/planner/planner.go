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

// Package planner computes each segment worker's disjoint subset of
// input objects for import, and deterministic, non-overlapping output
// names for export, so that every worker in a cluster can act on its
// own slice of an external table without coordinating with the others.
package planner

import (
	"fmt"
	"strings"

	"github.com/dchest/siphash"
	"golang.org/x/exp/slices"

	"github.com/sneller-oss/ossext/internal/ossclient"
)

// Identity is a segment worker's position within the cluster.
type Identity struct {
	SegIndex int
	SegCount int
}

func (id Identity) validate() error {
	if id.SegCount < 1 {
		return fmt.Errorf("planner: seg_count must be >= 1, got %d", id.SegCount)
	}
	if id.SegIndex < 0 || id.SegIndex >= id.SegCount {
		return fmt.Errorf("planner: seg_index %d out of range [0,%d)", id.SegIndex, id.SegCount)
	}
	return nil
}

// Source selects how the input object list for an import is built.
// Exactly one of Dir, Prefix, or Path must be set.
type Source struct {
	Dir    string // must end with "/"; listed non-recursively
	Prefix string // listed recursively
	Path   string // probed as Path, Path.1, Path.2, ...
}

// sipKey is a fixed, non-secret key: siphash here is only used as the
// secondary comparison in sortDeterministic, not for anything
// security-sensitive.
var sipKey0, sipKey1 uint64 = 0x6f73736578742d31, 0x6f73736578742d32

func sortKey(key string) uint64 {
	return siphash.Hash(sipKey0, sipKey1, []byte(key))
}

// Plan lists the objects named by src, sorts them into a single
// deterministic order shared by every worker, and returns only the
// entries assigned to id (index i assigned when i mod SegCount ==
// SegIndex). Assigned entries with an unknown length are filled in
// via Head.
func Plan(c *ossclient.Client, src Source, id Identity) ([]ossclient.ObjectRef, error) {
	if err := id.validate(); err != nil {
		return nil, err
	}
	all, err := list(c, src)
	if err != nil {
		return nil, err
	}
	sortDeterministic(all)

	var mine []ossclient.ObjectRef
	for i, ref := range all {
		if i%id.SegCount != id.SegIndex {
			continue
		}
		if !ref.LengthKnown() {
			info, err := c.Head(ref.Key)
			if err != nil {
				return nil, fmt.Errorf("planner: head %q: %w", ref.Key, err)
			}
			ref.Length = info.Length
		}
		mine = append(mine, ref)
	}
	return mine, nil
}

func list(c *ossclient.Client, src Source) ([]ossclient.ObjectRef, error) {
	switch {
	case src.Dir != "":
		if !strings.HasSuffix(src.Dir, "/") {
			return nil, fmt.Errorf("planner: dir %q must end with '/'", src.Dir)
		}
		return listAll(c, src.Dir, true)
	case src.Prefix != "":
		return listAll(c, src.Prefix, false)
	case src.Path != "":
		return probePath(c, src.Path)
	default:
		return nil, fmt.Errorf("planner: exactly one of dir, prefix, path must be set")
	}
}

// listAll drains a Lister fully. dirOnly excludes entries that look
// like a nested "directory" (a key containing a further '/' past the
// listed prefix), matching the non-recursive dir= semantics.
func listAll(c *ossclient.Client, prefix string, dirOnly bool) ([]ossclient.ObjectRef, error) {
	lister := c.List(prefix)
	var out []ossclient.ObjectRef
	for {
		batch, err := lister.Next(1000)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}
		for _, ref := range batch {
			if dirOnly {
				rest := strings.TrimPrefix(ref.Key, prefix)
				if strings.Contains(rest, "/") {
					continue
				}
			}
			out = append(out, ref)
		}
	}
	return out, nil
}

// probePath starts with path and then walks path.1, path.2, ...
// stopping at the first NotFound, per the import source's "path.N"
// convention.
func probePath(c *ossclient.Client, path string) ([]ossclient.ObjectRef, error) {
	var out []ossclient.ObjectRef
	info, err := c.Head(path)
	if err != nil {
		return nil, fmt.Errorf("planner: head %q: %w", path, err)
	}
	out = append(out, ossclient.ObjectRef{Bucket: c.Bucket, Key: path, Length: info.Length})
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s.%d", path, n)
		info, err := c.Head(candidate)
		if ossclient.IsNotFound(err) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("planner: head %q: %w", candidate, err)
		}
		out = append(out, ossclient.ObjectRef{Bucket: c.Bucket, Key: candidate, Length: info.Length})
	}
	return out, nil
}

// sortDeterministic orders the combined file list the same way on
// every worker, by key. Equal keys go on to compare their siphash
// values, which are equal as well, so entries with duplicate keys
// have no defined relative order.
func sortDeterministic(refs []ossclient.ObjectRef) {
	slices.SortFunc(refs, func(a, b ossclient.ObjectRef) bool {
		if a.Key != b.Key {
			return a.Key < b.Key
		}
		return sortKey(a.Key) < sortKey(b.Key)
	})
}

// ExportName computes the deterministic output object name for the
// fileIndex-th file written by worker id, given the naming prefix,
// the table's relation name, and the query's start time in
// microseconds since the epoch.
func ExportName(prefix, relname string, startMicros int64, fileIndex int, id Identity) string {
	if fileIndex == 0 && id.SegIndex == 0 {
		return fmt.Sprintf("%s%s_%d", prefix, relname, startMicros)
	}
	n := fileIndex*id.SegCount + id.SegIndex
	return fmt.Sprintf("%s%s_%d.%d", prefix, relname, startMicros, n)
}

// CheckNotExists verifies an export target has not already been
// written by a previous run; exports must never append to a
// pre-existing object, since that would silently concatenate
// unrelated data.
func CheckNotExists(c *ossclient.Client, key string) error {
	exists, err := c.Exists(key)
	if err != nil {
		return fmt.Errorf("planner: checking export target %q: %w", key, err)
	}
	if exists {
		return fmt.Errorf("planner: export target %q already exists", key)
	}
	return nil
}
