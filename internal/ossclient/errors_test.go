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

package ossclient

import (
	"errors"
	"fmt"
	"testing"
)

// TestKindPredicates pins each Is* helper to its own Kind and confirms
// the others don't false-positive on it, including the kinds a caller
// outside this package constructs via NewError.
func TestKindPredicates(t *testing.T) {
	cases := []struct {
		kind  Kind
		check func(error) bool
	}{
		{KindNotFound, IsNotFound},
		{KindTransient, IsTransient},
		{KindProtocolViolation, IsProtocolViolation},
		{KindOversizeRow, IsOversizeRow},
		{KindChildProcessFailure, IsChildProcessFailure},
		{KindInternalInvariant, IsInternalInvariant},
	}
	for _, c := range cases {
		err := NewError("op", c.kind, errors.New("boom"))
		if !c.check(err) {
			t.Errorf("Kind %s: expected its own predicate to report true", c.kind)
		}
		for _, other := range cases {
			if other.kind == c.kind {
				continue
			}
			if other.check(err) {
				t.Errorf("Kind %s: predicate for %s incorrectly reported true", c.kind, other.kind)
			}
		}
		if !errors.Is(fmt.Errorf("wrapped: %w", err), err) {
			t.Errorf("Kind %s: wrapped error lost errors.Is equivalence", c.kind)
		}
	}
}
